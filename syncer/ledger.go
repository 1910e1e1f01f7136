package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/genealogy_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Ledger stores conflicting rows and applies manual resolutions.
type Ledger struct {
	db      *gorm.DB
	applier *Applier
	logger  *logrus.Logger
}

func NewLedger(db *gorm.DB, applier *Applier, logger *logrus.Logger) *Ledger {
	return &Ledger{db: db, applier: applier, logger: logger}
}

// RecordConflict inserts a pending conflict with both payloads. It is not
// idempotent; a merge records each table/id pair once.
func (l *Ledger) RecordConflict(ctx context.Context, tx *gorm.DB, sessionID *int64, table models.SyncTable, entry ConflictEntry) (*models.SyncConflict, error) {
	serverData, err := json.Marshal(entry.Server.Payload())
	if err != nil {
		return nil, err
	}
	appData, err := json.Marshal(entry.Client.Payload())
	if err != nil {
		return nil, err
	}
	serverAt, appAt := entry.ServerUpdatedAt.UTC(), entry.ClientUpdatedAt.UTC()
	conflict := &models.SyncConflict{
		SessionId:       sessionID,
		SourceTable:     table.String(),
		RecordId:        entry.ID,
		ServerData:      datatypes.JSON(serverData),
		AppData:         datatypes.JSON(appData),
		ServerUpdatedAt: &serverAt,
		AppUpdatedAt:    &appAt,
		Resolution:      models.ResolutionPending,
	}
	if err := tx.WithContext(ctx).Create(conflict).Error; err != nil {
		return nil, fmt.Errorf("record conflict %s %d: %w", table, entry.ID, err)
	}
	return conflict, nil
}

type ResolveRequest struct {
	ConflictID    int64
	Resolution    string
	MergedPayload map[string]interface{}
	ResolvedBy    *int64
}

// Validate checks the request shape without touching the database.
func (r ResolveRequest) Validate() error {
	if r.ConflictID <= 0 {
		return &ValidationError{Field: "conflict_id", Message: "is required"}
	}
	res := models.ConflictResolution(r.Resolution)
	if !res.IsValid() || res == models.ResolutionPending {
		return &InvalidResolutionError{Resolution: r.Resolution}
	}
	if res == models.ResolutionMerged && len(r.MergedPayload) == 0 {
		return &ValidationError{Field: "resolved_data", Message: "is required when resolution is merged"}
	}
	return nil
}

// Resolve applies the chosen version of a pending conflict in its own
// transaction and moves the conflict out of pending exactly once.
// The winning payload is written with overwrite semantics and a fresh
// updated_at so the next pull carries it to the app.
func (l *Ledger) Resolve(ctx context.Context, req ResolveRequest, now time.Time) (*models.SyncConflict, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	resolution := models.ConflictResolution(req.Resolution)
	now = now.UTC()

	var resolved models.SyncConflict
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conflict models.SyncConflict
		if err := tx.Where("id = ?", req.ConflictID).First(&conflict).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &NotFoundError{Kind: "conflict", ID: req.ConflictID}
			}
			return err
		}
		if conflict.Resolution != models.ResolutionPending {
			return ErrConflictAlreadyResolved
		}
		table, err := models.ParseSyncTable(conflict.SourceTable)
		if err != nil {
			return unsupportedTable(err)
		}

		var payload map[string]interface{}
		switch resolution {
		case models.ResolutionServerWins:
			payload, err = decodePayload(conflict.ServerData)
		case models.ResolutionAppWins:
			payload, err = decodePayload(conflict.AppData)
		case models.ResolutionMerged:
			payload = req.MergedPayload
		}
		if err != nil {
			return fmt.Errorf("decode conflict %d payload: %w", conflict.ID, err)
		}

		rec := models.DecodeRecord(payload)
		rec.ID = conflict.RecordId
		if _, err := l.applier.ApplyBatch(ctx, tx, table, []models.Record{rec}, ApplyOptions{
			Mode:     ApplyOverwrite,
			SyncedAt: now,
			Touch:    true,
		}); err != nil {
			return err
		}

		resolvedData, err := json.Marshal(table.Project(rec.Fields))
		if err != nil {
			return err
		}
		update := tx.Model(&models.SyncConflict{}).
			Where("id = ? AND resolution = ?", conflict.ID, models.ResolutionPending).
			Updates(map[string]interface{}{
				"resolution":    resolution,
				"resolved_data": datatypes.JSON(resolvedData),
				"resolved_by":   req.ResolvedBy,
				"resolved_at":   now,
			})
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected != 1 {
			return ErrConflictAlreadyResolved
		}
		return tx.Where("id = ?", conflict.ID).First(&resolved).Error
	})
	if err != nil {
		return nil, err
	}

	l.logger.WithFields(logrus.Fields{
		"conflict_id": resolved.ID,
		"table":       resolved.SourceTable,
		"record_id":   resolved.RecordId,
		"resolution":  resolved.Resolution,
	}).Info("[sync.conflict] resolved")
	return &resolved, nil
}

func decodePayload(data datatypes.JSON) (map[string]interface{}, error) {
	var payload map[string]interface{}
	if len(data) == 0 {
		return map[string]interface{}{}, nil
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

type ConflictFilter struct {
	Resolution string
	Table      string
	Limit      int
}

func (l *Ledger) List(ctx context.Context, filter ConflictFilter) ([]models.SyncConflict, error) {
	q := l.db.WithContext(ctx).Model(&models.SyncConflict{})
	if filter.Resolution != "" {
		if !models.ConflictResolution(filter.Resolution).IsValid() {
			return nil, &InvalidResolutionError{Resolution: filter.Resolution}
		}
		q = q.Where("resolution = ?", filter.Resolution)
	}
	if filter.Table != "" {
		if _, err := models.ParseSyncTable(filter.Table); err != nil {
			return nil, unsupportedTable(err)
		}
		q = q.Where("table_name = ?", filter.Table)
	}
	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = 50
	case limit > 500:
		limit = 500
	}
	var out []models.SyncConflict
	err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

func (l *Ledger) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&models.SyncConflict{}).
		Where("resolution = ?", models.ResolutionPending).
		Count(&n).Error
	return n, err
}
