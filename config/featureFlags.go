package config

import (
	"os"
	"strings"
	"time"
)

const (
	StorageProviderLocal = "local"
	StorageProviderGCS   = "gcs"
)

// SyncLockEnabled serializes push/merge sessions behind a Redis lock.
// Off by default: a deployment is assumed to have one active sync client.
//
// Set via env:
// - SYNC_LOCK_ENABLED=true
func SyncLockEnabled() bool {
	return boolFromEnv("SYNC_LOCK_ENABLED", false)
}

// SyncLockTTL bounds how long a crashed session can hold the lock.
func SyncLockTTL() time.Duration {
	return time.Duration(intFromEnv("SYNC_LOCK_TTL_SECONDS", 150)) * time.Second
}

// SyncTimeout bounds a whole push, pull or merge call.
// A timeout rolls the session back like any other failure.
func SyncTimeout() time.Duration {
	n := intFromEnv("SYNC_TIMEOUT_SECONDS", 120)
	if n <= 0 {
		n = 120
	}
	return time.Duration(n) * time.Second
}

// MaxMediaUploadBytes caps a single media blob (default 20MB).
func MaxMediaUploadBytes() int64 {
	n := intFromEnv("SYNC_MAX_MEDIA_MB", 20)
	if n <= 0 {
		n = 20
	}
	return int64(n) << 20
}

func RateLimitEnabled() bool {
	return boolFromEnv("RATE_LIMIT_ENABLED", false)
}

func SkipMigrations() bool {
	return boolFromEnv("SKIP_MIGRATIONS", false)
}

func IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production")
}

// StorageProvider selects where media blobs live: local (default) or gcs.
func StorageProvider() string {
	provider := strings.TrimSpace(strings.ToLower(os.Getenv("STORAGE_PROVIDER")))
	if provider == "" {
		return StorageProviderLocal
	}
	return provider
}

// MediaRoot is the directory of the local media store.
func MediaRoot() string {
	if v := strings.TrimSpace(os.Getenv("MEDIA_ROOT")); v != "" {
		return v
	}
	return "storage/app/public"
}

// SyncEventsTopic is the Pub/Sub topic receiving session events; empty disables them.
func SyncEventsTopic() string {
	return strings.TrimSpace(os.Getenv("SYNC_EVENTS_TOPIC"))
}

// AuthRequired rejects sync calls without a bearer token.
func AuthRequired() bool {
	return boolFromEnv("AUTH_REQUIRED", false)
}
