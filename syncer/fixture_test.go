package syncer

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/genealogy_backend/config"
	"bitbucket.org/mmdatafocus/genealogy_backend/mediastore"
	"bitbucket.org/mmdatafocus/genealogy_backend/models"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var fixtureNow = time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db     *gorm.DB
	store  *models.RecordStore
	fs     afero.Fs
	media  *mediastore.LocalStore
	clock  clockwork.FakeClock
	logger *logrus.Logger
	hook   *test.Hook
	svc    *Service
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	return newFixtureDB(t, ":memory:", opts...)
}

// newFileFixture keeps the schema across reconnects, which a timed out
// transaction forces on the single sqlite connection.
func newFileFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	return newFixtureDB(t, filepath.Join(t.TempDir(), "sync.db"), opts...)
}

func newFixtureDB(t *testing.T, dsn string, opts ...func(*Options)) *fixture {
	t.Helper()
	db, err := config.OpenSQLite(dsn)
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	fs := afero.NewMemMapFs()
	media := mediastore.NewLocalStore(fs, "storage")
	clock := clockwork.NewFakeClockAt(fixtureNow)

	o := Options{Media: media, Clock: clock, Logger: logger, Timeout: 30 * time.Second}
	for _, fn := range opts {
		fn(&o)
	}
	return &fixture{
		db:     db,
		store:  models.NewRecordStore(db),
		fs:     fs,
		media:  media,
		clock:  clock,
		logger: logger,
		hook:   hook,
		svc:    NewService(db, o),
	}
}

func (f *fixture) seed(t *testing.T, table models.SyncTable, id int64, fields map[string]interface{}, updatedAt time.Time) {
	t.Helper()
	require.NoError(t, f.store.Insert(context.Background(), table, id, fields, updatedAt, nil))
}

func (f *fixture) find(t *testing.T, table models.SyncTable, id int64) *models.Record {
	t.Helper()
	rec, err := f.store.Find(context.Background(), table, id)
	require.NoError(t, err)
	return rec
}

// mustFind is find for rows the test expects to exist.
func (f *fixture) mustFind(t *testing.T, table models.SyncTable, id int64) *models.Record {
	t.Helper()
	rec := f.find(t, table, id)
	require.NotNil(t, rec, "%s %d", table, id)
	return rec
}

func (f *fixture) warnings(substr string) int {
	n := 0
	for _, e := range f.hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, substr) {
			n++
		}
	}
	return n
}

func (f *fixture) sessions(t *testing.T) []models.SyncSession {
	t.Helper()
	var out []models.SyncSession
	require.NoError(t, f.db.Order("id").Find(&out).Error)
	return out
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func bytesUpload(key, filename string, data []byte) Upload {
	return Upload{
		Key:      key,
		Filename: filename,
		Size:     int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func mediaFields(personaID int64, percorso string) map[string]interface{} {
	return map[string]interface{}{
		"persona_id": personaID,
		"tipo":       models.MediaTipoFoto,
		"nome_file":  percorso[strings.LastIndex(percorso, "/")+1:],
		"percorso":   percorso,
	}
}
