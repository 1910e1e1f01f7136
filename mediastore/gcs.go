package mediastore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSStore keeps blobs in a Cloud Storage bucket, keyed by the media path.
type GCSStore struct {
	client *storage.Client
	bucket string
}

func NewGCSStore(client *storage.Client, bucket string) *GCSStore {
	return &GCSStore{client: client, bucket: bucket}
}

// NewGCSStoreFromEnv prefers ADC (service account / GOOGLE_APPLICATION_CREDENTIALS).
// Set GCS_CREDENTIALS_JSON to provide explicit credentials.
func NewGCSStoreFromEnv(ctx context.Context) (*GCSStore, error) {
	bucket := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
	if bucket == "" {
		return nil, errors.New("GCS_BUCKET is required")
	}
	var (
		client *storage.Client
		err    error
	)
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		client, err = storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	} else {
		client, err = storage.NewClient(ctx)
	}
	if err != nil {
		return nil, err
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("gcs bucket %q not found or not accessible: %v", bucket, err)
	}
	return NewGCSStore(client, bucket), nil
}

func (s *GCSStore) Exists(ctx context.Context, p string) (bool, error) {
	key, err := CleanPath(p)
	if err != nil {
		return false, err
	}
	_, err = s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *GCSStore) Save(ctx context.Context, p string, r io.Reader, contentType string) (int64, error) {
	key, err := CleanPath(p)
	if err != nil {
		return 0, err
	}
	wc := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	wc.ContentType = contentType
	n, err := io.Copy(wc, r)
	if err != nil {
		_ = wc.Close()
		return 0, fmt.Errorf("failed to upload media to Google Cloud Storage: %v", err)
	}
	if err := wc.Close(); err != nil {
		return 0, fmt.Errorf("failed to close writer: %v", err)
	}
	return n, nil
}

func (s *GCSStore) Open(ctx context.Context, p string) (io.ReadCloser, *ObjectInfo, error) {
	key, err := CleanPath(p)
	if err != nil {
		return nil, nil, err
	}
	obj := s.client.Bucket(s.bucket).Object(key)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	reader, err := obj.NewReader(ctx)
	if err != nil {
		return nil, nil, err
	}
	return reader, &ObjectInfo{Size: attrs.Size, ContentType: attrs.ContentType}, nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
