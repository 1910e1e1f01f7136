package syncer

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/genealogy_backend/models"
)

// SessionEvent is published when a session reaches a terminal state.
type SessionEvent struct {
	SessionID      int64                    `json:"session_id"`
	SyncType       models.SyncType          `json:"sync_type"`
	Status         models.SyncSessionStatus `json:"status"`
	DeviceID       string                   `json:"device_id,omitempty"`
	RecordsSynced  int                      `json:"records_synced"`
	ConflictsFound int                      `json:"conflicts_found"`
	FilesUploaded  int                      `json:"files_uploaded"`
	ErrorMessage   string                   `json:"error_message,omitempty"`
	CorrelationID  string                   `json:"correlation_id,omitempty"`
	OccurredAt     time.Time                `json:"occurred_at"`
}

// EventPublisher delivers session events. Publishing is best effort and
// never changes the outcome of a session.
type EventPublisher interface {
	Publish(ctx context.Context, obj interface{}, attrs map[string]string) (string, error)
}
