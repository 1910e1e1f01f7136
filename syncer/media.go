package syncer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/genealogy_backend/mediastore"
	"bitbucket.org/mmdatafocus/genealogy_backend/models"
	"github.com/sirupsen/logrus"
)

// Upload is a media blob that arrived alongside a push or merge.
// Key is the transport key, e.g. "media_files[12]" or "12".
type Upload struct {
	Key         string
	Filename    string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// MediaReconciler makes sure a synced media row points at a stored blob.
type MediaReconciler struct {
	store  mediastore.Store
	logger *logrus.Logger
}

func NewMediaReconciler(store mediastore.Store, logger *logrus.Logger) *MediaReconciler {
	return &MediaReconciler{store: store, logger: logger}
}

// Reconcile stores a matching upload at the media row's percorso when the
// blob is missing, then refreshes dimensione and mime_type. It returns true
// when a blob was written. A missing blob without a matching upload is
// logged and left for a later sync round; a supplied upload that cannot be
// stored is an error so the row is not committed without its file.
func (m *MediaReconciler) Reconcile(ctx context.Context, store *models.RecordStore, media models.Record, uploads []Upload) (bool, error) {
	fields := logrus.Fields{
		"media_id":   media.ID,
		"percorso":   media.String("percorso"),
		"persona_id": media.String("persona_id"),
	}
	if m.store == nil {
		m.logger.WithFields(fields).Warn("[sync.media] no media store configured")
		return false, nil
	}

	percorso, err := mediastore.CleanPath(media.String("percorso"))
	if err != nil {
		m.logger.WithFields(fields).Warn("[sync.media] invalid media path: " + err.Error())
		return false, nil
	}

	exists, err := m.store.Exists(ctx, percorso)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		m.logger.WithFields(fields).Warn("[sync.media] cannot check media blob: " + err.Error())
		return false, nil
	}
	if exists {
		return false, nil
	}

	upload, ok := matchUpload(media.ID, path.Base(percorso), media.String("nome_file"), uploads)
	if !ok {
		m.logger.WithFields(fields).Warn("[sync.media] media file missing and not supplied")
		return false, nil
	}

	size, contentType, err := m.save(ctx, percorso, upload)
	if err != nil {
		fields["upload_key"] = upload.Key
		m.logger.WithFields(fields).Error("[sync.media] failed to store media file: " + err.Error())
		return false, fmt.Errorf("store media %d blob %s: %w", media.ID, percorso, err)
	}

	if err := store.SetColumns(ctx, models.TableMedia, media.ID, map[string]interface{}{
		"dimensione": size,
		"mime_type":  contentType,
	}); err != nil {
		return false, fmt.Errorf("update media %d metadata: %w", media.ID, err)
	}

	fields["dimensione"] = size
	fields["mime_type"] = contentType
	m.logger.WithFields(fields).Info("[sync.media] media file uploaded during sync")
	return true, nil
}

func (m *MediaReconciler) save(ctx context.Context, percorso string, upload Upload) (int64, string, error) {
	rc, err := upload.Open()
	if err != nil {
		return 0, "", err
	}
	defer rc.Close()

	br := bufio.NewReaderSize(rc, 4096)
	head, _ := br.Peek(3072)
	contentType := mediastore.DetectContentType(head, upload.ContentType)

	size, err := m.store.Save(ctx, percorso, br, contentType)
	if err != nil {
		return 0, "", err
	}
	return size, contentType, nil
}

// matchUpload picks the upload for a media row: first by an exact or
// bracketed id key, then by a key containing the id, then by filename.
func matchUpload(mediaID int64, baseName, nomeFile string, uploads []Upload) (Upload, bool) {
	if len(uploads) == 0 {
		return Upload{}, false
	}
	sorted := make([]Upload, len(uploads))
	copy(sorted, uploads)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	id := strconv.FormatInt(mediaID, 10)
	for _, u := range sorted {
		if u.Key == id || keyIndex(u.Key) == id {
			return u, true
		}
	}
	for _, u := range sorted {
		// media_files[12] belongs to media 12, never to media 1
		if models.ParseID(keyIndex(u.Key)) > 0 {
			continue
		}
		if strings.Contains(u.Key, id) {
			return u, true
		}
	}
	for _, u := range sorted {
		if u.Filename == "" {
			continue
		}
		if u.Filename == baseName || (nomeFile != "" && u.Filename == nomeFile) {
			return u, true
		}
	}
	return Upload{}, false
}

// keyIndex returns "12" for "media_files[12]".
func keyIndex(key string) string {
	open := strings.LastIndex(key, "[")
	if open < 0 || !strings.HasSuffix(key, "]") {
		return ""
	}
	return key[open+1 : len(key)-1]
}
