package models

import (
	"time"

	"gorm.io/datatypes"
)

type ConflictResolution string

const (
	ResolutionPending    ConflictResolution = "pending"
	ResolutionServerWins ConflictResolution = "server_wins"
	ResolutionAppWins    ConflictResolution = "app_wins"
	ResolutionMerged     ConflictResolution = "merged"
)

func (r ConflictResolution) IsValid() bool {
	switch r {
	case ResolutionPending, ResolutionServerWins, ResolutionAppWins, ResolutionMerged:
		return true
	}
	return false
}

// SyncConflict is a row modified on both sides since the last sync.
// Rows are kept after resolution for audit.
type SyncConflict struct {
	ID              int64              `gorm:"primary_key" json:"id"`
	SessionId       *int64             `gorm:"index" json:"session_id"`
	SourceTable     string             `gorm:"column:table_name;size:64;not null;index:idx_sync_conflicts_record,priority:1" json:"table_name"`
	RecordId        int64              `gorm:"not null;index:idx_sync_conflicts_record,priority:2" json:"record_id"`
	ServerData      datatypes.JSON     `json:"server_data"`
	AppData         datatypes.JSON     `json:"app_data"`
	ServerUpdatedAt *time.Time         `json:"server_updated_at"`
	AppUpdatedAt    *time.Time         `json:"app_updated_at"`
	Resolution      ConflictResolution `gorm:"size:20;not null;default:pending;index" json:"resolution"`
	ResolvedData    datatypes.JSON     `json:"resolved_data"`
	ResolvedBy      *int64             `json:"resolved_by"`
	ResolvedAt      *time.Time         `json:"resolved_at"`
	CreatedAt       time.Time          `gorm:"index" json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

func (SyncConflict) TableName() string { return "sync_conflicts" }
