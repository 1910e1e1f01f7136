package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"bitbucket.org/mmdatafocus/genealogy_backend/mediastore"
	"bitbucket.org/mmdatafocus/genealogy_backend/models"
	"github.com/sirupsen/logrus"
)

var ErrMediaStoreUnavailable = errors.New("no media store configured")

type MediaUploadResult struct {
	MediaID    int64  `json:"media_id"`
	Percorso   string `json:"percorso"`
	Dimensione int64  `json:"dimensione"`
	MimeType   string `json:"mime_type"`
	Thumbnail  string `json:"thumbnail,omitempty"`
}

// UploadMedia stores a blob for an existing media row at its percorso,
// replacing whatever is there, and renders a thumbnail for images.
func (s *Service) UploadMedia(ctx context.Context, mediaID int64, upload Upload, maxBytes int64) (*MediaUploadResult, error) {
	if s.media == nil {
		return nil, ErrMediaStoreUnavailable
	}
	if mediaID <= 0 {
		return nil, &ValidationError{Field: "media_id", Message: "is required"}
	}
	if upload.Open == nil {
		return nil, &ValidationError{Field: "file", Message: "is required"}
	}
	if maxBytes > 0 && upload.Size > maxBytes {
		return nil, &ValidationError{Field: "file", Message: fmt.Sprintf("exceeds %d bytes", maxBytes)}
	}

	ctx, span := tracer.Start(ctx, "sync.upload_media")
	defer span.End()

	media, err := s.store.Find(ctx, models.TableMedia, mediaID)
	if err != nil {
		return nil, err
	}
	if media == nil {
		return nil, &NotFoundError{Kind: "media", ID: mediaID}
	}
	percorso, err := mediastore.CleanPath(media.String("percorso"))
	if err != nil {
		return nil, &ValidationError{Field: "percorso", Message: err.Error()}
	}

	reconciler := NewMediaReconciler(s.media, s.logger)
	size, contentType, err := reconciler.save(ctx, percorso, upload)
	if err != nil {
		return nil, fmt.Errorf("store media %d: %w", mediaID, err)
	}
	if err := s.store.SetColumns(ctx, models.TableMedia, mediaID, map[string]interface{}{
		"dimensione": size,
		"mime_type":  contentType,
	}); err != nil {
		return nil, fmt.Errorf("update media %d metadata: %w", mediaID, err)
	}

	result := &MediaUploadResult{
		MediaID:    mediaID,
		Percorso:   percorso,
		Dimensione: size,
		MimeType:   contentType,
	}
	fields := logrus.Fields{
		"media_id":   mediaID,
		"percorso":   percorso,
		"dimensione": size,
		"mime_type":  contentType,
	}
	if mediastore.IsImage(contentType) {
		limit := maxBytes
		if limit <= 0 {
			limit = size
		}
		thumb, err := mediastore.CreateThumbnail(ctx, s.media, percorso, limit)
		if err != nil {
			s.logger.WithFields(fields).Warn("[sync.media] thumbnail failed: " + err.Error())
		} else {
			result.Thumbnail = thumb
		}
	}
	s.logger.WithFields(fields).Info("[sync.media] media file uploaded")
	return result, nil
}

// OpenMedia returns the blob of a media row together with a download name.
func (s *Service) OpenMedia(ctx context.Context, mediaID int64) (io.ReadCloser, *mediastore.ObjectInfo, string, error) {
	if s.media == nil {
		return nil, nil, "", ErrMediaStoreUnavailable
	}
	media, err := s.store.Find(ctx, models.TableMedia, mediaID)
	if err != nil {
		return nil, nil, "", err
	}
	if media == nil {
		return nil, nil, "", &NotFoundError{Kind: "media", ID: mediaID}
	}
	percorso, err := mediastore.CleanPath(media.String("percorso"))
	if err != nil {
		return nil, nil, "", &NotFoundError{Kind: "media file", ID: mediaID}
	}
	rc, info, err := s.media.Open(ctx, percorso)
	if errors.Is(err, mediastore.ErrNotFound) {
		return nil, nil, "", &NotFoundError{Kind: "media file", ID: mediaID}
	}
	if err != nil {
		return nil, nil, "", err
	}
	name := media.String("nome_file")
	if name == "" {
		name = path.Base(percorso)
	}
	if info.ContentType == "" {
		info.ContentType = media.String("mime_type")
	}
	return rc, info, name, nil
}

// MissingMedia is a media row whose blob is not in the store.
type MissingMedia struct {
	MediaID   int64  `json:"media_id"`
	PersonaID string `json:"persona_id"`
	Percorso  string `json:"percorso"`
	Reason    string `json:"reason"`
}

// AuditMedia lists media rows whose blob is missing or whose path is unusable.
func (s *Service) AuditMedia(ctx context.Context) ([]MissingMedia, error) {
	if s.media == nil {
		return nil, ErrMediaStoreUnavailable
	}
	rows, err := s.store.List(ctx, models.TableMedia)
	if err != nil {
		return nil, err
	}
	var missing []MissingMedia
	for _, row := range rows {
		entry := MissingMedia{
			MediaID:   row.ID,
			PersonaID: row.String("persona_id"),
			Percorso:  row.String("percorso"),
		}
		percorso, err := mediastore.CleanPath(entry.Percorso)
		if err != nil {
			entry.Reason = "invalid path"
			missing = append(missing, entry)
			continue
		}
		ok, err := s.media.Exists(ctx, percorso)
		if err != nil {
			return nil, fmt.Errorf("check media %d: %w", row.ID, err)
		}
		if !ok {
			entry.Reason = "missing"
			missing = append(missing, entry)
		}
	}
	return missing, nil
}
