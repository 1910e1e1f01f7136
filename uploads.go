package main

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/genealogy_backend/config"
	"bitbucket.org/mmdatafocus/genealogy_backend/syncer"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// uploadMediaHandler stores the blob of an existing media row.
// Form fields: media_id, file.
func (a *syncAPI) uploadMediaHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := requestIDFromHeaders(c)

		mediaID, err := strconv.ParseInt(strings.TrimSpace(c.PostForm("media_id")), 10, 64)
		if err != nil || mediaID <= 0 {
			a.respondError(c, "uploadMediaHandler", "Errore durante il caricamento del file",
				&syncer.ValidationError{Field: "media_id", Message: "is required"})
			return
		}
		fh, err := c.FormFile("file")
		if err != nil {
			a.respondError(c, "uploadMediaHandler", "Errore durante il caricamento del file",
				&syncer.ValidationError{Field: "file", Message: "is required"})
			return
		}

		res, err := a.service().UploadMedia(c.Request.Context(), mediaID, fileUpload("file", fh), a.maxUploadBytes)
		if err != nil {
			logUploadError(a.logger, err, config.StorageProvider(), requestID)
			a.respondError(c, "uploadMediaHandler", "Errore durante il caricamento del file", err)
			return
		}

		a.logger.WithFields(logrus.Fields{
			"media_id":   res.MediaID,
			"percorso":   res.Percorso,
			"size":       res.Dimensione,
			"mime_type":  res.MimeType,
			"request_id": requestID,
		}).Info("[upload.media]")
		respondOK(c, "File immagine caricato con successo", res)
	}
}

func (a *syncAPI) downloadMediaHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		mediaID, err := strconv.ParseInt(c.Param("mediaId"), 10, 64)
		if err != nil || mediaID <= 0 {
			a.respondError(c, "downloadMediaHandler", "Errore durante il download del file",
				&syncer.ValidationError{Field: "mediaId", Message: "must be a positive integer"})
			return
		}

		reader, info, name, err := a.service().OpenMedia(c.Request.Context(), mediaID)
		if err != nil {
			a.respondError(c, "downloadMediaHandler", "Errore durante il download del file", err)
			return
		}
		defer reader.Close()

		if info.ContentType != "" {
			c.Writer.Header().Set("Content-Type", info.ContentType)
		}
		if info.Size > 0 {
			c.Writer.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
		}
		c.Writer.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		c.Status(http.StatusOK)
		if _, err := io.Copy(c.Writer, reader); err != nil {
			logUploadError(a.logger, err, config.StorageProvider(), requestIDFromHeaders(c))
		}
	}
}

func fileUpload(key string, fh *multipart.FileHeader) syncer.Upload {
	return syncer.Upload{
		Key:         key,
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Open: func() (io.ReadCloser, error) {
			return fh.Open()
		},
	}
}

func logUploadError(logger *logrus.Logger, err error, provider string, requestID string) {
	logger.WithFields(logrus.Fields{
		"error":      err.Error(),
		"provider":   provider,
		"request_id": requestID,
	}).Error("[upload.error]")
}

func requestIDFromHeaders(c *gin.Context) string {
	if id := strings.TrimSpace(c.GetHeader("X-Correlation-Id")); id != "" {
		return id
	}
	if id := strings.TrimSpace(c.GetHeader("X-Request-Id")); id != "" {
		return id
	}
	return fmt.Sprintf("upload-%d", time.Now().UnixNano())
}
