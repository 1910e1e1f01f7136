package mediastore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"bitbucket.org/mmdatafocus/genealogy_backend/config"
	"github.com/spf13/afero"
)

var (
	ErrNotFound    = errors.New("media object not found")
	ErrInvalidPath = errors.New("invalid media path")
)

// ObjectInfo describes a stored blob.
type ObjectInfo struct {
	Size        int64
	ContentType string
}

// Store persists media blobs under relative paths such as
// "media/persona_5/foto.jpg".
type Store interface {
	Exists(ctx context.Context, p string) (bool, error)
	Save(ctx context.Context, p string, r io.Reader, contentType string) (int64, error)
	Open(ctx context.Context, p string) (io.ReadCloser, *ObjectInfo, error)
}

// CleanPath normalizes a stored media path and rejects absolute paths and
// paths escaping the store root.
func CleanPath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return path.Clean(p), nil
}

// NewFromEnv builds the store selected by STORAGE_PROVIDER.
func NewFromEnv(ctx context.Context) (Store, error) {
	switch config.StorageProvider() {
	case config.StorageProviderLocal:
		return NewLocalStore(afero.NewOsFs(), config.MediaRoot()), nil
	case config.StorageProviderGCS:
		return NewGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported storage provider %q", config.StorageProvider())
	}
}
