package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/genealogy_backend/config"
	"bitbucket.org/mmdatafocus/genealogy_backend/models"
	"bitbucket.org/mmdatafocus/genealogy_backend/syncer"
	"bitbucket.org/mmdatafocus/genealogy_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const multipartMemory = 32 << 20

// syncAPI exposes syncer.Service over HTTP. service returns nil until the
// dependencies are ready.
type syncAPI struct {
	service        func() *syncer.Service
	logger         *logrus.Logger
	maxUploadBytes int64
}

// syncPayload is the body of diff, push and merge. Multipart requests carry
// it as JSON in the "payload" field, or as separate form fields.
type syncPayload struct {
	AppData           syncer.Snapshot `json:"app_data"`
	LastSyncTimestamp *string         `json:"last_sync_timestamp"`
	SyncMode          string          `json:"sync_mode"`
	DeviceID          string          `json:"device_id"`
	SessionKey        string          `json:"session_key"`

	uploads  []syncer.Upload
	lastSync *time.Time
}

type resolveConflictRequest struct {
	ConflictID   int64                  `json:"conflict_id"`
	Resolution   string                 `json:"resolution"`
	ResolvedData map[string]interface{} `json:"resolved_data"`
}

func (a *syncAPI) diffHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := a.bindSyncPayload(c, true, false)
		if err != nil {
			a.respondError(c, "diffHandler", "Errore nel calcolo delle differenze", err)
			return
		}
		report, err := a.service().Diff(c.Request.Context(), p.AppData, p.lastSync)
		if err != nil {
			a.respondError(c, "diffHandler", "Errore nel calcolo delle differenze", err)
			return
		}
		respondOK(c, "", report)
	}
}

func (a *syncAPI) pushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := a.bindSyncPayload(c, true, true)
		if err != nil {
			a.respondError(c, "pushHandler", "Errore durante la sincronizzazione push", err)
			return
		}
		ctx := c.Request.Context()
		res, err := a.service().PushFromClient(ctx, syncer.PushRequest{
			Snapshot:   p.AppData,
			Mode:       p.SyncMode,
			DeviceID:   p.DeviceID,
			SessionKey: p.SessionKey,
			UserID:     utils.UserIdPtr(ctx),
			Uploads:    p.uploads,
		})
		if err != nil {
			a.respondError(c, "pushHandler", "Errore durante la sincronizzazione push", err)
			return
		}
		respondOK(c, withFilesUploaded("Sincronizzazione push completata con successo", res.FilesUploaded), res)
	}
}

func (a *syncAPI) pullHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := a.bindSyncPayload(c, false, false)
		if err != nil {
			a.respondError(c, "pullHandler", "Errore durante il pull", err)
			return
		}
		ctx := c.Request.Context()
		res, err := a.service().PullToClient(ctx, syncer.PullRequest{
			LastSync: p.lastSync,
			Mode:     p.SyncMode,
			DeviceID: p.DeviceID,
			UserID:   utils.UserIdPtr(ctx),
		})
		if err != nil {
			a.respondError(c, "pullHandler", "Errore durante il pull", err)
			return
		}
		respondOK(c, "Dati pronti per il pull", res)
	}
}

func (a *syncAPI) mergeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := a.bindSyncPayload(c, true, true)
		if err != nil {
			a.respondError(c, "mergeHandler", "Errore durante il merge", err)
			return
		}
		ctx := c.Request.Context()
		res, err := a.service().Merge(ctx, syncer.MergeRequest{
			Snapshot:   p.AppData,
			LastSync:   p.lastSync,
			Mode:       p.SyncMode,
			DeviceID:   p.DeviceID,
			SessionKey: p.SessionKey,
			UserID:     utils.UserIdPtr(ctx),
			Uploads:    p.uploads,
		})
		if err != nil {
			a.respondError(c, "mergeHandler", "Errore durante il merge", err)
			return
		}
		respondOK(c, withFilesUploaded("Merge completato con successo", res.FilesUploaded), res)
	}
}

func (a *syncAPI) statusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := a.service().GetStatus(c.Request.Context())
		if err != nil {
			a.respondError(c, "statusHandler", "Errore nel recupero dello stato", err)
			return
		}
		respondOK(c, "", status)
	}
}

func (a *syncAPI) conflictsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				a.respondError(c, "conflictsHandler", "Errore nel recupero dei conflitti",
					&syncer.ValidationError{Field: "limit", Message: "must be an integer"})
				return
			}
			limit = n
		}
		conflicts, err := a.service().ListConflicts(c.Request.Context(), syncer.ConflictFilter{
			Resolution: strings.TrimSpace(c.DefaultQuery("resolution", string(models.ResolutionPending))),
			Table:      strings.TrimSpace(c.Query("table")),
			Limit:      limit,
		})
		if err != nil {
			a.respondError(c, "conflictsHandler", "Errore nel recupero dei conflitti", err)
			return
		}
		respondOK(c, "", conflicts)
	}
}

func (a *syncAPI) resolveConflictHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resolveConflictRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			a.respondError(c, "resolveConflictHandler", "Errore nella risoluzione del conflitto",
				&syncer.ValidationError{Message: "invalid request: " + err.Error()})
			return
		}
		ctx := c.Request.Context()
		conflict, err := a.service().ResolveConflict(ctx, syncer.ResolveRequest{
			ConflictID:    req.ConflictID,
			Resolution:    strings.TrimSpace(req.Resolution),
			MergedPayload: req.ResolvedData,
			ResolvedBy:    utils.UserIdPtr(ctx),
		})
		if err != nil {
			a.respondError(c, "resolveConflictHandler", "Errore nella risoluzione del conflitto", err)
			return
		}
		respondOK(c, "Conflitto risolto con successo", conflict)
	}
}

// bindSyncPayload reads a JSON body or a multipart form. withUploads
// collects media_files[...] parts as uploads.
func (a *syncAPI) bindSyncPayload(c *gin.Context, needData, withUploads bool) (*syncPayload, error) {
	var p syncPayload
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		form, err := c.MultipartForm()
		if err != nil {
			return nil, &syncer.ValidationError{Message: "invalid multipart form: " + err.Error()}
		}
		if err := bindFormPayload(form, &p); err != nil {
			return nil, err
		}
		if withUploads {
			uploads, err := a.collectUploads(form)
			if err != nil {
				return nil, err
			}
			p.uploads = uploads
		}
	} else if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&p); err != nil && !errors.Is(err, io.EOF) {
			return nil, &syncer.ValidationError{Message: "invalid request: " + err.Error()}
		}
	}

	if needData && p.AppData == nil {
		return nil, &syncer.ValidationError{Field: "app_data", Message: "is required"}
	}
	if p.LastSyncTimestamp != nil && strings.TrimSpace(*p.LastSyncTimestamp) != "" {
		t, ok := models.ParseTimestamp(*p.LastSyncTimestamp)
		if !ok {
			return nil, &syncer.ValidationError{Field: "last_sync_timestamp", Message: "must be a date"}
		}
		p.lastSync = t
	}
	if p.SyncMode == "" {
		p.SyncMode = models.SyncModeHTTP
	}
	if p.SessionKey == "" {
		p.SessionKey = strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	}
	if p.DeviceID == "" {
		p.DeviceID = strings.TrimSpace(c.GetHeader("X-Device-Id"))
	}
	if p.DeviceID == "" {
		p.DeviceID, _ = utils.GetDeviceIdFromContext(c.Request.Context())
	}
	return &p, nil
}

func bindFormPayload(form *multipart.Form, p *syncPayload) error {
	if raw := firstValue(form, "payload"); raw != "" {
		if err := json.Unmarshal([]byte(raw), p); err != nil {
			return &syncer.ValidationError{Field: "payload", Message: "must be a JSON object"}
		}
	}
	if raw := firstValue(form, "app_data"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &p.AppData); err != nil {
			return &syncer.ValidationError{Field: "app_data", Message: "must be a JSON object"}
		}
	}
	if v := firstValue(form, "last_sync_timestamp"); v != "" {
		p.LastSyncTimestamp = &v
	}
	if v := firstValue(form, "sync_mode"); v != "" {
		p.SyncMode = v
	}
	if v := firstValue(form, "device_id"); v != "" {
		p.DeviceID = v
	}
	if v := firstValue(form, "session_key"); v != "" {
		p.SessionKey = v
	}
	return nil
}

func firstValue(form *multipart.Form, key string) string {
	if vs := form.Value[key]; len(vs) > 0 {
		return strings.TrimSpace(vs[0])
	}
	return ""
}

func (a *syncAPI) collectUploads(form *multipart.Form) ([]syncer.Upload, error) {
	var uploads []syncer.Upload
	for key, headers := range form.File {
		if !strings.HasPrefix(key, "media_files") {
			continue
		}
		for _, fh := range headers {
			if a.maxUploadBytes > 0 && fh.Size > a.maxUploadBytes {
				return nil, &syncer.ValidationError{
					Field:   key,
					Message: fmt.Sprintf("exceeds %d MB", a.maxUploadBytes>>20),
				}
			}
			uploads = append(uploads, fileUpload(key, fh))
		}
	}
	return uploads, nil
}

func withFilesUploaded(message string, n int) string {
	if n > 0 {
		return fmt.Sprintf("%s. Caricati %d file immagine.", message, n)
	}
	return message
}

func respondOK(c *gin.Context, message string, data interface{}) {
	body := gin.H{"success": true, "data": data}
	if message != "" {
		body["message"] = message
	}
	c.JSON(http.StatusOK, body)
}

// respondError maps syncer errors to status codes. Unexpected errors are
// logged; their text is hidden in production.
func (a *syncAPI) respondError(c *gin.Context, funcName, prefix string, err error) {
	var (
		validation  *syncer.ValidationError
		invalidRes  *syncer.InvalidResolutionError
		unsupported *syncer.UnsupportedTableError
		notFound    *syncer.NotFoundError
		failed      *syncer.SessionFailedError
	)
	switch {
	case errors.As(err, &validation):
		field := validation.Field
		if field == "" {
			field = "request"
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"success": false,
			"message": validation.Error(),
			"errors":  gin.H{field: []string{validation.Message}},
		})
	case errors.As(err, &invalidRes):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"success": false,
			"message": invalidRes.Error(),
			"errors":  gin.H{"resolution": []string{invalidRes.Error()}},
		})
	case errors.As(err, &unsupported):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"success": false, "message": unsupported.Error()})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": notFound.Error()})
	case errors.Is(err, syncer.ErrConflictAlreadyResolved),
		errors.Is(err, syncer.ErrSessionInProgress),
		errors.Is(err, syncer.ErrSyncBusy):
		c.JSON(http.StatusConflict, gin.H{"success": false, "message": err.Error()})
	case errors.Is(err, syncer.ErrMediaStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": err.Error()})
	default:
		config.LogError(a.logger, "syncHandlers.go", funcName, c.FullPath(), nil, err)
		message := prefix
		if !config.IsProduction() {
			message = prefix + ": " + err.Error()
		}
		body := gin.H{"success": false, "message": message}
		if errors.As(err, &failed) {
			body["data"] = gin.H{"session_id": failed.SessionID}
		}
		c.JSON(http.StatusInternalServerError, body)
	}
}
