package models

import (
	"context"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/genealogy_backend/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := config.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func TestRecordStoreInsertFindUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewRecordStore(newTestDB(t))

	updated := ts("2025-01-02T10:00:00Z")
	synced := ts("2025-01-03T00:00:00Z")
	err := store.Insert(ctx, TablePersone, 5, map[string]interface{}{
		"nome":     "Mario",
		"nato_il":  "1950-03-01",
		"password": "ignored",
	}, updated, &synced)
	require.NoError(t, err)

	rec, err := store.Find(ctx, TablePersone, 5)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(5), rec.ID)
	assert.Equal(t, "Mario", rec.String("nome"))
	assert.Equal(t, "1950-03-01", rec.Fields["nato_il"])
	require.NotNil(t, rec.UpdatedAt)
	assert.True(t, updated.Equal(*rec.UpdatedAt))
	require.NotNil(t, rec.LastSyncedAt)
	assert.True(t, synced.Equal(*rec.LastSyncedAt))

	later := updated.Add(time.Hour)
	require.NoError(t, store.Update(ctx, TablePersone, 5, map[string]interface{}{"nome": "Mariano"}, later, &synced))
	rec, err = store.Find(ctx, TablePersone, 5)
	require.NoError(t, err)
	assert.Equal(t, "Mariano", rec.String("nome"))
	assert.True(t, later.Equal(*rec.UpdatedAt))

	missing, err := store.Find(ctx, TablePersone, 99)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRecordStoreListChangedSince(t *testing.T) {
	ctx := context.Background()
	store := NewRecordStore(newTestDB(t))

	watermark := ts("2025-02-01T00:00:00Z")
	before := watermark.Add(-24 * time.Hour)
	after := watermark.Add(time.Hour)
	syncedAfter := watermark.Add(2 * time.Hour)
	syncedBefore := watermark.Add(-2 * time.Hour)

	// unchanged since the watermark and synced after it
	require.NoError(t, store.Insert(ctx, TableTags, 1, map[string]interface{}{"nome": "a"}, before, &syncedAfter))
	// updated after the watermark
	require.NoError(t, store.Insert(ctx, TableTags, 2, map[string]interface{}{"nome": "b"}, after, &syncedAfter))
	// never synced
	require.NoError(t, store.Insert(ctx, TableTags, 3, map[string]interface{}{"nome": "c"}, before, nil))
	// synced before the watermark
	require.NoError(t, store.Insert(ctx, TableTags, 4, map[string]interface{}{"nome": "d"}, before, &syncedBefore))

	all, err := store.List(ctx, TableTags)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	changed, err := store.ListChangedSince(ctx, TableTags, &watermark)
	require.NoError(t, err)
	var ids []int64
	for _, r := range changed {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []int64{2, 3, 4}, ids)

	for _, r := range all {
		if r.ID == 3 {
			assert.Equal(t, DefaultTagColor, r.String("colore"))
		}
	}
}
