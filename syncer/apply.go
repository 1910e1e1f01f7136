package syncer

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/genealogy_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type ApplyMode int

const (
	// ApplyOverwrite inserts or fully replaces the fillable columns.
	ApplyOverwrite ApplyMode = iota
	// ApplyMergeIfNewer writes only when the incoming updated_at is strictly
	// newer than the stored one.
	ApplyMergeIfNewer
)

func (m ApplyMode) String() string {
	if m == ApplyMergeIfNewer {
		return "merge_if_newer"
	}
	return "overwrite"
}

type ApplyOptions struct {
	Mode ApplyMode
	// SyncedAt is stamped into last_synced_at of every written row.
	SyncedAt time.Time
	// Touch stamps updated_at with SyncedAt instead of the incoming value.
	Touch   bool
	Uploads []Upload
}

// ApplyResult counts the outcome of one ApplyBatch call.
type ApplyResult struct {
	Applied       int `json:"applied"`
	Skipped       int `json:"skipped"`
	Unchanged     int `json:"unchanged"`
	FilesUploaded int `json:"files_uploaded"`
}

func (r ApplyResult) Add(o ApplyResult) ApplyResult {
	return ApplyResult{
		Applied:       r.Applied + o.Applied,
		Skipped:       r.Skipped + o.Skipped,
		Unchanged:     r.Unchanged + o.Unchanged,
		FilesUploaded: r.FilesUploaded + o.FilesUploaded,
	}
}

// Applier writes incoming records inside the caller's transaction.
type Applier struct {
	media  *MediaReconciler
	logger *logrus.Logger
}

func NewApplier(media *MediaReconciler, logger *logrus.Logger) *Applier {
	return &Applier{media: media, logger: logger}
}

// ApplyBatch writes records to table in input order. Records without a
// positive id are skipped. Client supplied last_synced_at is never trusted.
// Any returned error must abort tx.
func (a *Applier) ApplyBatch(ctx context.Context, tx *gorm.DB, table models.SyncTable, records []models.Record, opts ApplyOptions) (ApplyResult, error) {
	var res ApplyResult
	store := models.NewRecordStore(tx)
	syncedAt := opts.SyncedAt.UTC()

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if rec.ID <= 0 {
			res.Skipped++
			continue
		}

		existing, err := store.Find(ctx, table, rec.ID)
		if err != nil {
			return res, fmt.Errorf("load %s %d: %w", table, rec.ID, err)
		}

		if opts.Mode == ApplyMergeIfNewer && existing != nil {
			if rec.UpdatedAt == nil || existing.UpdatedAt != nil && !rec.UpdatedAt.After(*existing.UpdatedAt) {
				res.Unchanged++
				continue
			}
		}

		updatedAt := syncedAt
		if !opts.Touch && rec.UpdatedAt != nil {
			updatedAt = *rec.UpdatedAt
		}

		if existing == nil {
			err = store.Insert(ctx, table, rec.ID, rec.Fields, updatedAt, &syncedAt)
		} else {
			err = store.Update(ctx, table, rec.ID, rec.Fields, updatedAt, &syncedAt)
		}
		if err != nil {
			return res, fmt.Errorf("write %s %d: %w", table, rec.ID, err)
		}
		res.Applied++

		if table == models.TableMedia && a.media != nil {
			stored, err := store.Find(ctx, table, rec.ID)
			if err != nil {
				return res, fmt.Errorf("reload media %d: %w", rec.ID, err)
			}
			if stored == nil {
				continue
			}
			uploaded, err := a.media.Reconcile(ctx, store, *stored, opts.Uploads)
			if err != nil {
				return res, err
			}
			if uploaded {
				res.FilesUploaded++
			}
		}
	}

	if a.logger != nil {
		a.logger.WithFields(logrus.Fields{
			"table":          table,
			"mode":           opts.Mode.String(),
			"applied":        res.Applied,
			"skipped":        res.Skipped,
			"unchanged":      res.Unchanged,
			"files_uploaded": res.FilesUploaded,
		}).Debug("[sync.apply]")
	}
	return res, nil
}
