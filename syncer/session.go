package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/genealogy_backend/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SessionLog writes the audit trail of push, pull and merge calls.
type SessionLog struct {
	db *gorm.DB
}

func NewSessionLog(db *gorm.DB) *SessionLog {
	return &SessionLog{db: db}
}

type BeginOptions struct {
	Type       models.SyncType
	Mode       string
	DeviceID   string
	UserID     *int64
	SessionKey string
}

// SessionHandle identifies an open session.
type SessionHandle struct {
	ID        int64
	Type      models.SyncType
	StartedAt time.Time
}

// Begin opens a session in_progress. With a session key, a failed earlier
// session hands its key over to the new one; a running one blocks it.
func (l *SessionLog) Begin(ctx context.Context, opts BeginOptions, now time.Time) (*SessionHandle, error) {
	now = now.UTC()
	session := models.SyncSession{
		SyncType:  opts.Type,
		SyncMode:  opts.Mode,
		UserId:    opts.UserID,
		Status:    models.SyncStatusInProgress,
		StartedAt: &now,
		Summary:   datatypes.JSON("{}"),
	}
	if opts.Mode == "" {
		session.SyncMode = models.SyncModeHTTP
	}
	if d := strings.TrimSpace(opts.DeviceID); d != "" {
		session.DeviceId = &d
	}
	key := strings.TrimSpace(opts.SessionKey)
	if key != "" {
		session.SessionKey = &key
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if key != "" {
			var previous models.SyncSession
			err := tx.Where("session_key = ?", key).First(&previous).Error
			switch {
			case err == nil:
				if previous.Status != models.SyncStatusFailed {
					return ErrSessionInProgress
				}
				if err := tx.Model(&models.SyncSession{}).
					Where("id = ? AND status = ?", previous.ID, models.SyncStatusFailed).
					Update("session_key", nil).Error; err != nil {
					return err
				}
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return err
			}
		}
		if err := tx.Create(&session).Error; err != nil {
			if key != "" && isDuplicateKeyErr(err) {
				return ErrSessionInProgress
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &SessionHandle{ID: session.ID, Type: opts.Type, StartedAt: now}, nil
}

// SessionOutcome is what a completed session reports.
type SessionOutcome struct {
	Summary        interface{}
	RecordsSynced  int
	ConflictsFound int
	FilesUploaded  int
}

// Complete closes the session successfully. Closing twice fails with
// ErrSessionClosed.
func (l *SessionLog) Complete(ctx context.Context, h *SessionHandle, out SessionOutcome, now time.Time) error {
	summary, err := json.Marshal(out.Summary)
	if err != nil {
		return err
	}
	now = now.UTC()
	return l.close(ctx, h, map[string]interface{}{
		"status":          models.SyncStatusCompleted,
		"summary":         datatypes.JSON(summary),
		"records_synced":  out.RecordsSynced,
		"conflicts_found": out.ConflictsFound,
		"files_uploaded":  out.FilesUploaded,
		"completed_at":    now,
		"updated_at":      now,
	})
}

// Fail closes the session with an error message.
func (l *SessionLog) Fail(ctx context.Context, h *SessionHandle, message string, now time.Time) error {
	now = now.UTC()
	return l.close(ctx, h, map[string]interface{}{
		"status":        models.SyncStatusFailed,
		"error_message": message,
		"completed_at":  now,
		"updated_at":    now,
	})
}

func (l *SessionLog) close(ctx context.Context, h *SessionHandle, values map[string]interface{}) error {
	res := l.db.WithContext(ctx).Model(&models.SyncSession{}).
		Where("id = ? AND status = ?", h.ID, models.SyncStatusInProgress).
		Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return ErrSessionClosed
	}
	return nil
}

// FindCompletedByKey returns the completed session holding key, or nil.
func (l *SessionLog) FindCompletedByKey(ctx context.Context, key string) (*models.SyncSession, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	var s models.SyncSession
	err := l.db.WithContext(ctx).
		Where("session_key = ? AND status = ?", key, models.SyncStatusCompleted).
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// LastCompleted returns the most recently completed session, or nil.
func (l *SessionLog) LastCompleted(ctx context.Context) (*models.SyncSession, error) {
	var s models.SyncSession
	err := l.db.WithContext(ctx).
		Where("status = ?", models.SyncStatusCompleted).
		Order("completed_at DESC").Order("id DESC").
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (l *SessionLog) Get(ctx context.Context, id int64) (*models.SyncSession, error) {
	var s models.SyncSession
	err := l.db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Kind: "sync session", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
