package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/genealogy_backend/config"
	"bitbucket.org/mmdatafocus/genealogy_backend/mediastore"
	"bitbucket.org/mmdatafocus/genealogy_backend/models"
	"bitbucket.org/mmdatafocus/genealogy_backend/syncer"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gorm.io/gorm"
)

// env holds the lazily opened dependencies shared by all commands.
type env struct {
	output string

	fs     afero.Fs
	stdout io.Writer
	logger *logrus.Logger
	db     *gorm.DB
	svc    *syncer.Service
}

func (e *env) filesystem() afero.Fs {
	if e.fs == nil {
		e.fs = afero.NewOsFs()
	}
	return e.fs
}

func (e *env) log() *logrus.Logger {
	if e.logger == nil {
		e.logger = config.GetLogger()
	}
	return e.logger
}

func (e *env) database() (*gorm.DB, error) {
	if e.db != nil {
		return e.db, nil
	}
	config.ConnectDatabaseWithRetry()
	e.db = config.GetDB()
	if e.db == nil {
		return nil, errors.New("database not initialized. Set DB_* env vars")
	}
	return e.db, nil
}

func (e *env) service(ctx context.Context) (*syncer.Service, error) {
	if e.svc != nil {
		return e.svc, nil
	}
	db, err := e.database()
	if err != nil {
		return nil, err
	}
	opts := syncer.Options{Logger: e.log(), Timeout: config.SyncTimeout()}
	store, err := mediastore.NewFromEnv(ctx)
	if err != nil {
		e.log().WithFields(logrus.Fields{"field": "mediastore"}).Warn("media store disabled: " + err.Error())
	} else {
		opts.Media = store
	}
	e.svc = syncer.NewService(db, opts)
	return e.svc, nil
}

func (e *env) writeJSON(v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	if e.output != "" {
		return afero.WriteFile(e.filesystem(), e.output, raw, 0644)
	}
	out := e.stdout
	if out == nil {
		out = os.Stdout
	}
	_, err = out.Write(raw)
	return err
}

// snapshotFile is the export written by the app for adb or offline sync.
// A bare table map is accepted too.
type snapshotFile struct {
	AppData           syncer.Snapshot `json:"app_data"`
	LastSyncTimestamp string          `json:"last_sync_timestamp"`
}

func readSnapshot(fs afero.Fs, path string) (syncer.Snapshot, *time.Time, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, nil, err
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	if _, ok := envelope["app_data"]; !ok {
		var snapshot syncer.Snapshot
		if err := json.Unmarshal(raw, &snapshot); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		return snapshot, nil, nil
	}

	var file snapshotFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	if strings.TrimSpace(file.LastSyncTimestamp) == "" {
		return file.AppData, nil, nil
	}
	t, ok := models.ParseTimestamp(file.LastSyncTimestamp)
	if !ok {
		return nil, nil, fmt.Errorf("%s: invalid last_sync_timestamp %q", path, file.LastSyncTimestamp)
	}
	return file.AppData, t, nil
}

// mediaDirUploads offers every regular file under dir as an upload. They
// carry no key, so media rows pick them up by file name.
func mediaDirUploads(fs afero.Fs, dir string) ([]syncer.Upload, error) {
	if dir == "" {
		return nil, nil
	}
	var uploads []syncer.Upload
	err := afero.Walk(fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		p := path
		uploads = append(uploads, syncer.Upload{
			Filename: filepath.Base(p),
			Size:     info.Size(),
			Open: func() (io.ReadCloser, error) {
				return fs.Open(p)
			},
		})
		return nil
	})
	return uploads, err
}
