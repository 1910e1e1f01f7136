package models

import (
	"time"

	"gorm.io/datatypes"
)

type SyncType string

const (
	SyncTypePush  SyncType = "push"
	SyncTypePull  SyncType = "pull"
	SyncTypeMerge SyncType = "merge"
)

type SyncSessionStatus string

const (
	SyncStatusPending    SyncSessionStatus = "pending"
	SyncStatusInProgress SyncSessionStatus = "in_progress"
	SyncStatusCompleted  SyncSessionStatus = "completed"
	SyncStatusFailed     SyncSessionStatus = "failed"
)

const (
	SyncModeHTTP    = "http"
	SyncModeADB     = "adb"
	SyncModeOffline = "offline"
)

func (s SyncSessionStatus) IsTerminal() bool {
	return s == SyncStatusCompleted || s == SyncStatusFailed
}

// SyncSession is the audit row of one push, pull or merge call.
// It is written once at start and once at its terminal state.
type SyncSession struct {
	ID             int64             `gorm:"primary_key" json:"id"`
	SyncType       SyncType          `gorm:"size:20;not null;index" json:"sync_type"`
	SyncMode       string            `gorm:"size:20;not null;default:http" json:"sync_mode"`
	DeviceId       *string           `gorm:"size:255" json:"device_id"`
	UserId         *int64            `gorm:"index" json:"user_id"`
	SessionKey     *string           `gorm:"size:128;uniqueIndex" json:"session_key"`
	Summary        datatypes.JSON    `json:"summary"`
	RecordsSynced  int               `gorm:"not null;default:0" json:"records_synced"`
	ConflictsFound int               `gorm:"not null;default:0" json:"conflicts_found"`
	FilesUploaded  int               `gorm:"not null;default:0" json:"files_uploaded"`
	Status         SyncSessionStatus `gorm:"size:20;not null;default:pending;index" json:"status"`
	ErrorMessage   *string           `gorm:"type:text" json:"error_message"`
	StartedAt      *time.Time        `json:"started_at"`
	CompletedAt    *time.Time        `gorm:"index" json:"completed_at"`
	CreatedAt      time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SyncSession) TableName() string { return "sync_sessions" }
