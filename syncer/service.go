package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/genealogy_backend/appctx"
	"bitbucket.org/mmdatafocus/genealogy_backend/mediastore"
	"bitbucket.org/mmdatafocus/genealogy_backend/models"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("genealogy-sync")

const defaultTimeout = 120 * time.Second

// Snapshot is the client payload: table name to list of row objects.
type Snapshot map[string][]map[string]interface{}

type Options struct {
	Media   mediastore.Store
	Locker  Locker
	Events  EventPublisher
	Clock   clockwork.Clock
	Logger  *logrus.Logger
	Timeout time.Duration
}

// Service runs sync sessions against one record store.
type Service struct {
	db       *gorm.DB
	store    *models.RecordStore
	media    mediastore.Store
	applier  *Applier
	ledger   *Ledger
	sessions *SessionLog
	locker   Locker
	events   EventPublisher
	clock    clockwork.Clock
	logger   *logrus.Logger
	timeout  time.Duration
	validate *validator.Validate
}

func NewService(db *gorm.DB, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	applier := NewApplier(NewMediaReconciler(opts.Media, opts.Logger), opts.Logger)
	return &Service{
		db:       db,
		store:    models.NewRecordStore(db),
		media:    opts.Media,
		applier:  applier,
		ledger:   NewLedger(db, applier, opts.Logger),
		sessions: NewSessionLog(db),
		locker:   opts.Locker,
		events:   opts.Events,
		clock:    opts.Clock,
		logger:   opts.Logger,
		timeout:  opts.Timeout,
		validate: newValidator(),
	}
}

// TableSummary is the per-table outcome stored on the session.
type TableSummary struct {
	Received int `json:"received"`
	ApplyResult
	Diff *DiffCounts `json:"diff,omitempty"`
}

type SyncResult struct {
	SessionID      int64                   `json:"session_id"`
	Summary        map[string]TableSummary `json:"summary"`
	RecordsSynced  int                     `json:"records_synced"`
	ConflictsFound int                     `json:"conflicts_found"`
	FilesUploaded  int                     `json:"files_uploaded"`
	Replayed       bool                    `json:"replayed"`
}

type PushRequest struct {
	Snapshot   Snapshot `json:"app_data" validate:"required"`
	Mode       string   `json:"sync_mode" validate:"omitempty,oneof=http adb offline"`
	DeviceID   string   `json:"device_id" validate:"max=255"`
	SessionKey string   `json:"session_key" validate:"max=128"`
	UserID     *int64   `json:"user_id"`
	Uploads    []Upload `json:"-" validate:"-"`
}

type MergeRequest struct {
	Snapshot   Snapshot   `json:"app_data" validate:"required"`
	LastSync   *time.Time `json:"last_sync_timestamp"`
	Mode       string     `json:"sync_mode" validate:"omitempty,oneof=http adb offline"`
	DeviceID   string     `json:"device_id" validate:"max=255"`
	SessionKey string     `json:"session_key" validate:"max=128"`
	UserID     *int64     `json:"user_id"`
	Uploads    []Upload   `json:"-" validate:"-"`
}

type PullRequest struct {
	LastSync *time.Time `json:"last_sync_timestamp"`
	Mode     string     `json:"sync_mode" validate:"omitempty,oneof=http adb offline"`
	DeviceID string     `json:"device_id" validate:"max=255"`
	UserID   *int64     `json:"user_id"`
}

type PullResult struct {
	SessionID     int64                      `json:"session_id"`
	Data          map[string][]models.Record `json:"data"`
	Summary       map[string]int             `json:"summary"`
	TotalRecords  int                        `json:"total_records"`
	SyncTimestamp time.Time                  `json:"sync_timestamp"`
}

type DiffReport struct {
	Tables  map[string]*TableDiff `json:"tables"`
	Summary map[string]DiffCounts `json:"summary"`
	Totals  DiffCounts            `json:"totals"`
}

type Status struct {
	LastSync         *models.SyncSession `json:"last_sync"`
	PendingConflicts int64               `json:"pending_conflicts"`
}

// Diff classifies the snapshot against the server without writing anything.
func (s *Service) Diff(ctx context.Context, snapshot Snapshot, lastSync *time.Time) (*DiffReport, error) {
	client, err := decodeSnapshot(snapshot)
	if err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "sync.diff")
	defer span.End()

	report := &DiffReport{
		Tables:  make(map[string]*TableDiff, len(models.SyncTables)),
		Summary: make(map[string]DiffCounts, len(models.SyncTables)),
	}
	for _, table := range models.SyncTables {
		server, err := s.store.List(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", table, err)
		}
		d := ComputeDiff(table, server, client[table], lastSync)
		counts := d.Counts()
		report.Tables[table.String()] = &d
		report.Summary[table.String()] = counts
		report.Totals = report.Totals.Add(counts)
	}
	return report, nil
}

// PushFromClient overwrites server rows with the snapshot in one transaction.
func (s *Service) PushFromClient(ctx context.Context, req PushRequest) (*SyncResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, validationFromErr(err)
	}
	client, err := decodeSnapshot(req.Snapshot)
	if err != nil {
		return nil, err
	}
	if replay, err := s.replay(ctx, req.SessionKey); err != nil || replay != nil {
		return replay, err
	}

	opts := BeginOptions{Type: models.SyncTypePush, Mode: req.Mode, DeviceID: req.DeviceID, UserID: req.UserID, SessionKey: req.SessionKey}
	result, sessionID, err := runSession(s, ctx, opts, func(ctx context.Context, tx *gorm.DB, _ *SessionHandle, now time.Time) (*SyncResult, SessionOutcome, error) {
		res := &SyncResult{Summary: map[string]TableSummary{}}
		for _, table := range models.SyncTables {
			records, ok := client[table]
			if !ok {
				continue
			}
			applied, err := s.applier.ApplyBatch(ctx, tx, table, records, ApplyOptions{
				Mode:     ApplyOverwrite,
				SyncedAt: now,
				Uploads:  req.Uploads,
			})
			if err != nil {
				return nil, SessionOutcome{}, err
			}
			res.Summary[table.String()] = TableSummary{Received: len(records), ApplyResult: applied}
			res.RecordsSynced += applied.Applied
			res.FilesUploaded += applied.FilesUploaded
		}
		return res, res.outcome(), nil
	})
	if err != nil {
		return nil, err
	}
	result.SessionID = sessionID
	return result, nil
}

// PullToClient exports every row changed since lastSync (all rows when nil).
func (s *Service) PullToClient(ctx context.Context, req PullRequest) (*PullResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, validationFromErr(err)
	}
	opts := BeginOptions{Type: models.SyncTypePull, Mode: req.Mode, DeviceID: req.DeviceID, UserID: req.UserID}
	result, sessionID, err := runSession(s, ctx, opts, func(ctx context.Context, tx *gorm.DB, _ *SessionHandle, now time.Time) (*PullResult, SessionOutcome, error) {
		res := &PullResult{
			Data:          make(map[string][]models.Record, len(models.SyncTables)),
			Summary:       make(map[string]int, len(models.SyncTables)),
			SyncTimestamp: now,
		}
		store := s.store.WithTx(tx)
		for _, table := range models.SyncTables {
			rows, err := store.ListChangedSince(ctx, table, req.LastSync)
			if err != nil {
				return nil, SessionOutcome{}, fmt.Errorf("list %s: %w", table, err)
			}
			if rows == nil {
				rows = []models.Record{}
			}
			res.Data[table.String()] = rows
			res.Summary[table.String()] = len(rows)
			res.TotalRecords += len(rows)
		}
		return res, SessionOutcome{Summary: res.Summary, RecordsSynced: res.TotalRecords}, nil
	})
	if err != nil {
		return nil, err
	}
	result.SessionID = sessionID
	return result, nil
}

// Merge reconciles both sides in one transaction: client-only rows are
// inserted, rows the client moved last are written if still newer, and
// rows edited on both sides go to the conflict ledger. Server-side changes
// are left for the next pull.
func (s *Service) Merge(ctx context.Context, req MergeRequest) (*SyncResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, validationFromErr(err)
	}
	client, err := decodeSnapshot(req.Snapshot)
	if err != nil {
		return nil, err
	}
	if replay, err := s.replay(ctx, req.SessionKey); err != nil || replay != nil {
		return replay, err
	}

	opts := BeginOptions{Type: models.SyncTypeMerge, Mode: req.Mode, DeviceID: req.DeviceID, UserID: req.UserID, SessionKey: req.SessionKey}
	result, sessionID, err := runSession(s, ctx, opts, func(ctx context.Context, tx *gorm.DB, h *SessionHandle, now time.Time) (*SyncResult, SessionOutcome, error) {
		res := &SyncResult{Summary: map[string]TableSummary{}}
		store := s.store.WithTx(tx)
		for _, table := range models.SyncTables {
			summary, err := s.mergeTable(ctx, tx, store, h, table, client[table], req, now)
			if err != nil {
				return nil, SessionOutcome{}, err
			}
			res.Summary[table.String()] = summary
			res.RecordsSynced += summary.Applied
			res.FilesUploaded += summary.FilesUploaded
			res.ConflictsFound += summary.Diff.Conflicts
		}
		return res, res.outcome(), nil
	})
	if err != nil {
		return nil, err
	}
	result.SessionID = sessionID
	return result, nil
}

func (s *Service) mergeTable(ctx context.Context, tx *gorm.DB, store *models.RecordStore, h *SessionHandle, table models.SyncTable, client []models.Record, req MergeRequest, now time.Time) (TableSummary, error) {
	server, err := store.List(ctx, table)
	if err != nil {
		return TableSummary{}, fmt.Errorf("list %s: %w", table, err)
	}
	d := ComputeDiff(table, server, client, req.LastSync)

	inserted, err := s.applier.ApplyBatch(ctx, tx, table, d.ClientNew, ApplyOptions{
		Mode:     ApplyOverwrite,
		SyncedAt: now,
		Uploads:  req.Uploads,
	})
	if err != nil {
		return TableSummary{}, err
	}
	updated, err := s.applier.ApplyBatch(ctx, tx, table, d.ClientNewer(), ApplyOptions{
		Mode:     ApplyMergeIfNewer,
		SyncedAt: now,
		Uploads:  req.Uploads,
	})
	if err != nil {
		return TableSummary{}, err
	}
	for _, c := range d.Conflicts {
		if _, err := s.ledger.RecordConflict(ctx, tx, &h.ID, table, c); err != nil {
			return TableSummary{}, err
		}
	}
	if len(d.Conflicts) > 0 {
		s.logger.WithFields(logrus.Fields{
			"session_id": h.ID,
			"table":      table,
			"conflicts":  len(d.Conflicts),
		}).Warn("[sync.merge] conflicts recorded")
	}

	counts := d.Counts()
	applied := inserted.Add(updated)
	applied.Skipped += d.Skipped
	return TableSummary{Received: len(client), ApplyResult: applied, Diff: &counts}, nil
}

// ResolveConflict applies a manual resolution. It does not open a session.
func (s *Service) ResolveConflict(ctx context.Context, req ResolveRequest) (*models.SyncConflict, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "sync.resolve_conflict", trace.WithAttributes(
		attribute.Int64("conflict_id", req.ConflictID),
		attribute.String("resolution", req.Resolution),
	))
	defer span.End()

	if s.locker != nil {
		release, err := s.locker.Obtain(ctx)
		if err != nil {
			return nil, err
		}
		defer release()
	}
	conflict, err := s.ledger.Resolve(ctx, req, s.clock.Now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return conflict, nil
}

func (s *Service) ListConflicts(ctx context.Context, filter ConflictFilter) ([]models.SyncConflict, error) {
	return s.ledger.List(ctx, filter)
}

func (s *Service) GetStatus(ctx context.Context) (*Status, error) {
	last, err := s.sessions.LastCompleted(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := s.ledger.PendingCount(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{LastSync: last, PendingConflicts: pending}, nil
}

func (s *Service) GetSession(ctx context.Context, id int64) (*models.SyncSession, error) {
	return s.sessions.Get(ctx, id)
}

func (r *SyncResult) outcome() SessionOutcome {
	return SessionOutcome{
		Summary:        r.Summary,
		RecordsSynced:  r.RecordsSynced,
		ConflictsFound: r.ConflictsFound,
		FilesUploaded:  r.FilesUploaded,
	}
}

// replay returns the stored result of a completed session with the same key.
func (s *Service) replay(ctx context.Context, key string) (*SyncResult, error) {
	prev, err := s.sessions.FindCompletedByKey(ctx, key)
	if err != nil || prev == nil {
		return nil, err
	}
	res := &SyncResult{
		SessionID:      prev.ID,
		Summary:        map[string]TableSummary{},
		RecordsSynced:  prev.RecordsSynced,
		ConflictsFound: prev.ConflictsFound,
		FilesUploaded:  prev.FilesUploaded,
		Replayed:       true,
	}
	if len(prev.Summary) > 0 {
		if err := json.Unmarshal(prev.Summary, &res.Summary); err != nil {
			return nil, fmt.Errorf("decode summary of session %d: %w", prev.ID, err)
		}
	}
	s.logger.WithFields(logrus.Fields{
		"session_id":  prev.ID,
		"session_key": key,
	}).Info("[sync.session] replaying completed session")
	return res, nil
}

type sessionWork[T any] func(ctx context.Context, tx *gorm.DB, h *SessionHandle, now time.Time) (T, SessionOutcome, error)

// runSession wraps work in a session row and a single transaction bounded
// by the service timeout. Any error, including a timeout, rolls the
// transaction back and marks the session failed.
func runSession[T any](s *Service, ctx context.Context, opts BeginOptions, work sessionWork[T]) (T, int64, error) {
	var zero T

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "sync."+string(opts.Type), trace.WithAttributes(
		attribute.String("sync.mode", opts.Mode),
		attribute.String("sync.device_id", opts.DeviceID),
	))
	defer span.End()

	if s.locker != nil {
		release, err := s.locker.Obtain(ctx)
		if err != nil {
			return zero, 0, err
		}
		defer release()
	}

	now := s.clock.Now().UTC().Truncate(time.Second)
	h, err := s.sessions.Begin(ctx, opts, now)
	if err != nil {
		return zero, 0, err
	}
	span.SetAttributes(attribute.Int64("sync.session_id", h.ID))

	var (
		result  T
		outcome SessionOutcome
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var werr error
		result, outcome, werr = work(ctx, tx, h, now)
		return werr
	})
	if cause := ctx.Err(); err != nil && cause != nil {
		// the driver error after a cancelled tx hides the cause
		detail := ""
		if !errors.Is(err, cause) {
			detail = " (" + err.Error() + ")"
		}
		if errors.Is(cause, context.DeadlineExceeded) {
			err = fmt.Errorf("sync session timed out after %s: %w%s", s.timeout, cause, detail)
		} else {
			err = fmt.Errorf("sync session cancelled: %w%s", cause, detail)
		}
	}

	// the session row must be closed even when ctx has timed out
	closeCtx := context.WithoutCancel(ctx)
	fields := logrus.Fields{
		"session_id": h.ID,
		"sync_type":  opts.Type,
		"device_id":  opts.DeviceID,
	}
	if cid, ok := appctx.GetString(ctx, appctx.ContextKeyCorrelationId); ok {
		fields["correlation_id"] = cid
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ferr := s.sessions.Fail(closeCtx, h, err.Error(), s.clock.Now()); ferr != nil {
			s.logger.WithFields(fields).Error("[sync.session] failed to mark session failed: " + ferr.Error())
		}
		s.logger.WithFields(fields).Error("[sync.session] rolled back: " + err.Error())
		s.publish(closeCtx, h, models.SyncStatusFailed, opts, SessionOutcome{}, err.Error())
		return zero, h.ID, &SessionFailedError{SessionID: h.ID, Err: err}
	}

	if err := s.sessions.Complete(closeCtx, h, outcome, s.clock.Now()); err != nil {
		return zero, h.ID, fmt.Errorf("complete session %d: %w", h.ID, err)
	}
	fields["records_synced"] = outcome.RecordsSynced
	fields["conflicts_found"] = outcome.ConflictsFound
	fields["files_uploaded"] = outcome.FilesUploaded
	s.logger.WithFields(fields).Info("[sync.session] completed")
	s.publish(closeCtx, h, models.SyncStatusCompleted, opts, outcome, "")
	return result, h.ID, nil
}

func (s *Service) publish(ctx context.Context, h *SessionHandle, status models.SyncSessionStatus, opts BeginOptions, out SessionOutcome, message string) {
	if s.events == nil {
		return
	}
	cid, _ := appctx.GetString(ctx, appctx.ContextKeyCorrelationId)
	event := SessionEvent{
		SessionID:      h.ID,
		SyncType:       h.Type,
		Status:         status,
		DeviceID:       opts.DeviceID,
		RecordsSynced:  out.RecordsSynced,
		ConflictsFound: out.ConflictsFound,
		FilesUploaded:  out.FilesUploaded,
		ErrorMessage:   message,
		CorrelationID:  cid,
		OccurredAt:     s.clock.Now().UTC(),
	}
	pubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := s.events.Publish(pubCtx, event, map[string]string{
		"sync_type": string(h.Type),
		"status":    string(status),
	}); err != nil {
		s.logger.WithFields(logrus.Fields{
			"session_id": h.ID,
			"status":     status,
		}).Warn("[sync.events] publish failed: " + err.Error())
	}
}

func decodeSnapshot(snapshot Snapshot) (map[models.SyncTable][]models.Record, error) {
	out := make(map[models.SyncTable][]models.Record, len(snapshot))
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		table, err := models.ParseSyncTable(name)
		if err != nil {
			return nil, &ValidationError{Field: "app_data." + name, Message: "unsupported table"}
		}
		rows := snapshot[name]
		records := make([]models.Record, 0, len(rows))
		for _, raw := range rows {
			records = append(records, models.DecodeRecord(raw))
		}
		out[table] = records
	}
	return out, nil
}

func validationFromErr(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		msg := "failed on " + fe.Tag()
		if fe.Param() != "" {
			msg += " " + fe.Param()
		}
		return &ValidationError{Field: fe.Field(), Message: msg}
	}
	return &ValidationError{Message: err.Error()}
}

// newValidator reports fields by their json names, the names clients send.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
