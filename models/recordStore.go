package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// RecordStore gives uniform access to the syncable tables by name.
// Rows are read and written as column maps so the engine never depends on
// the per-table structs.
type RecordStore struct {
	db *gorm.DB
}

func NewRecordStore(db *gorm.DB) *RecordStore {
	return &RecordStore{db: db}
}

// WithTx returns a store bound to tx.
func (s *RecordStore) WithTx(tx *gorm.DB) *RecordStore {
	return &RecordStore{db: tx}
}

func (s *RecordStore) DB() *gorm.DB {
	return s.db
}

func (s *RecordStore) List(ctx context.Context, table SyncTable) ([]Record, error) {
	return s.ListChangedSince(ctx, table, nil)
}

// ListChangedSince returns the rows of table that changed after since:
// updated after it, never synced, or last synced before it.
// A nil since returns the whole table.
func (s *RecordStore) ListChangedSince(ctx context.Context, table SyncTable, since *time.Time) ([]Record, error) {
	var rows []map[string]interface{}
	q := s.db.WithContext(ctx).Table(table.String())
	if since != nil {
		ts := since.UTC()
		q = q.Where("updated_at > ? OR last_synced_at IS NULL OR last_synced_at < ?", ts, ts)
	}
	if err := q.Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, DecodeRow(table, row))
	}
	return out, nil
}

// Find returns the row with id, or nil when it does not exist.
func (s *RecordStore) Find(ctx context.Context, table SyncTable, id int64) (*Record, error) {
	var rows []map[string]interface{}
	if err := s.db.WithContext(ctx).Table(table.String()).Where("id = ?", id).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	rec := DecodeRow(table, rows[0])
	return &rec, nil
}

// Insert creates the row with an explicit id. Only fillable columns of
// fields are written.
func (s *RecordStore) Insert(ctx context.Context, table SyncTable, id int64, fields map[string]interface{}, updatedAt time.Time, syncedAt *time.Time) error {
	values := table.Project(fields)
	values[ColumnID] = id
	values[ColumnCreatedAt] = updatedAt.UTC()
	values[ColumnUpdatedAt] = updatedAt.UTC()
	values[ColumnLastSyncedAt] = utcPtr(syncedAt)
	return s.db.WithContext(ctx).Table(table.String()).Create(values).Error
}

// Update replaces the fillable columns present in fields.
func (s *RecordStore) Update(ctx context.Context, table SyncTable, id int64, fields map[string]interface{}, updatedAt time.Time, syncedAt *time.Time) error {
	values := table.Project(fields)
	values[ColumnUpdatedAt] = updatedAt.UTC()
	values[ColumnLastSyncedAt] = utcPtr(syncedAt)
	return s.db.WithContext(ctx).Table(table.String()).Where("id = ?", id).Updates(values).Error
}

// SetColumns writes columns without touching the sync timestamps.
func (s *RecordStore) SetColumns(ctx context.Context, table SyncTable, id int64, values map[string]interface{}) error {
	return s.db.WithContext(ctx).Table(table.String()).Where("id = ?", id).Updates(values).Error
}

func (s *RecordStore) Count(ctx context.Context, table SyncTable) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Table(table.String()).Count(&n).Error
	return n, err
}

func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
