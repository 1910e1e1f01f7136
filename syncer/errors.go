package syncer

import (
	"errors"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/genealogy_backend/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
)

var (
	ErrConflictAlreadyResolved = errors.New("conflict already resolved")
	ErrSessionClosed           = errors.New("sync session already closed")
	ErrSessionInProgress       = errors.New("a sync session with this key is in progress")
	ErrSyncBusy                = errors.New("another sync session is running")
)

// ValidationError rejects a request before any transaction or session row.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type InvalidResolutionError struct {
	Resolution string
}

func (e *InvalidResolutionError) Error() string {
	return fmt.Sprintf("invalid resolution %q (expected server_wins, app_wins or merged)", e.Resolution)
}

type NotFoundError struct {
	Kind string
	ID   int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Kind, e.ID)
}

type UnsupportedTableError struct {
	Table string
}

func (e *UnsupportedTableError) Error() string {
	return fmt.Sprintf("unsupported table %q", e.Table)
}

// SessionFailedError reports a push, pull or merge that was rolled back.
type SessionFailedError struct {
	SessionID int64
	Err       error
}

func (e *SessionFailedError) Error() string {
	return fmt.Sprintf("sync session %d failed: %v", e.SessionID, e.Err)
}

func (e *SessionFailedError) Unwrap() error { return e.Err }

func unsupportedTable(err error) error {
	var unknown *models.UnknownTableError
	if errors.As(err, &unknown) {
		return &UnsupportedTableError{Table: unknown.Name}
	}
	return err
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
