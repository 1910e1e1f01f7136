package syncer

import (
	"context"
	"testing"

	"bitbucket.org/mmdatafocus/genealogy_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyMergeIfNewerIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, models.TablePersone, 5, map[string]interface{}{"nome": "Mario"}, t1)

	applier := NewApplier(nil, f.logger)
	batch := []models.Record{persona(5, "Mariano", at(t2)), persona(6, "Luigi", at(t2))}
	opts := ApplyOptions{Mode: ApplyMergeIfNewer, SyncedAt: fixtureNow}

	first, err := applier.ApplyBatch(ctx, f.db, models.TablePersone, batch, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Applied)
	after := f.mustFind(t, models.TablePersone, 5)
	require.NotNil(t, after.UpdatedAt)

	second, err := applier.ApplyBatch(ctx, f.db, models.TablePersone, batch, opts)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Applied)
	assert.Equal(t, 2, second.Unchanged)

	again := f.mustFind(t, models.TablePersone, 5)
	require.NotNil(t, again.UpdatedAt)
	assert.Equal(t, after.Fields["nome"], again.Fields["nome"])
	assert.True(t, after.UpdatedAt.Equal(*again.UpdatedAt))
	assert.Equal(t, "Mariano", again.String("nome"))
	assert.True(t, t2.Equal(*again.UpdatedAt))
}

func TestApplyMergeIfNewerKeepsNewerServerRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, models.TablePersone, 5, map[string]interface{}{"nome": "Mario"}, t3)

	res, err := NewApplier(nil, f.logger).ApplyBatch(ctx, f.db, models.TablePersone,
		[]models.Record{persona(5, "Mariano", at(t2)), persona(5, "Maria", nil)},
		ApplyOptions{Mode: ApplyMergeIfNewer, SyncedAt: fixtureNow})
	require.NoError(t, err)
	assert.Equal(t, ApplyResult{Unchanged: 2}, res)
	assert.Equal(t, "Mario", f.mustFind(t, models.TablePersone, 5).String("nome"))
}

func TestApplyOverwriteProjectsAndStampsSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, models.TablePersone, 5, map[string]interface{}{"nome": "Mario", "cognome": "Rossi"}, t3)

	rec := models.DecodeRecord(map[string]interface{}{
		"id":             float64(5),
		"nome":           "Mariano",
		"updated_at":     "2025-01-01T01:00:00Z",
		"last_synced_at": "2030-01-01T00:00:00Z",
		"is_admin":       true,
	})
	res, err := NewApplier(nil, f.logger).ApplyBatch(ctx, f.db, models.TablePersone, []models.Record{rec},
		ApplyOptions{Mode: ApplyOverwrite, SyncedAt: fixtureNow})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	got := f.find(t, models.TablePersone, 5)
	require.NotNil(t, got)
	assert.Equal(t, "Mariano", got.String("nome"))
	assert.Equal(t, "Rossi", got.String("cognome"))
	assert.NotContains(t, got.Fields, "is_admin")
	require.NotNil(t, got.LastSyncedAt)
	require.NotNil(t, got.UpdatedAt)
	assert.True(t, fixtureNow.Equal(*got.LastSyncedAt))
	// overwrite does not compare timestamps
	assert.True(t, t1.Equal(*got.UpdatedAt))
}

func TestApplyTouchUsesSyncTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := NewApplier(nil, f.logger).ApplyBatch(ctx, f.db, models.TableTags,
		[]models.Record{{ID: 3, UpdatedAt: at(t1), Fields: map[string]interface{}{"nome": "famiglia"}}},
		ApplyOptions{Mode: ApplyOverwrite, SyncedAt: fixtureNow, Touch: true})
	require.NoError(t, err)

	got := f.find(t, models.TableTags, 3)
	require.NotNil(t, got)
	require.NotNil(t, got.UpdatedAt)
	assert.True(t, fixtureNow.Equal(*got.UpdatedAt))
	assert.Equal(t, models.DefaultTagColor, got.String("colore"))
}

func TestApplySkipsRecordsWithoutID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batch := []models.Record{
		models.DecodeRecord(map[string]interface{}{"nome": "senza id"}),
		models.DecodeRecord(map[string]interface{}{"id": "abc", "nome": "id rotto"}),
		persona(7, "Anna", at(t1)),
	}
	res, err := NewApplier(nil, f.logger).ApplyBatch(ctx, f.db, models.TablePersone, batch,
		ApplyOptions{Mode: ApplyOverwrite, SyncedAt: fixtureNow})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 2, res.Skipped)

	n, err := f.store.Count(ctx, models.TablePersone)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestApplyStopsOnCanceledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewApplier(nil, f.logger).ApplyBatch(ctx, f.db, models.TablePersone,
		[]models.Record{persona(1, "Anna", at(t1))}, ApplyOptions{SyncedAt: fixtureNow})
	require.ErrorIs(t, err, context.Canceled)
}
