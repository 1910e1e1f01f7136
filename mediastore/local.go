package mediastore

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// LocalStore keeps blobs on a filesystem rooted at root.
// Tests use afero.NewMemMapFs().
type LocalStore struct {
	fs   afero.Fs
	root string
}

func NewLocalStore(fs afero.Fs, root string) *LocalStore {
	return &LocalStore{fs: fs, root: root}
}

func (s *LocalStore) fullPath(p string) (string, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func (s *LocalStore) Exists(_ context.Context, p string) (bool, error) {
	full, err := s.fullPath(p)
	if err != nil {
		return false, err
	}
	info, err := s.fs.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

// Save writes r to p through a temp file so readers never see a partial blob.
func (s *LocalStore) Save(_ context.Context, p string, r io.Reader, _ string) (int64, error) {
	full, err := s.fullPath(p)
	if err != nil {
		return 0, err
	}
	if err := s.fs.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return 0, err
	}
	tmp := full + ".part"
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.fs.Remove(tmp)
		return 0, err
	}
	if err := s.fs.Rename(tmp, full); err != nil {
		_ = s.fs.Remove(tmp)
		return 0, err
	}
	return n, nil
}

func (s *LocalStore) Open(_ context.Context, p string) (io.ReadCloser, *ObjectInfo, error) {
	full, err := s.fullPath(p)
	if err != nil {
		return nil, nil, err
	}
	f, err := s.fs.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, nil, ErrNotFound
	}
	head := make([]byte, 3072)
	n, _ := io.ReadFull(f, head)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return f, &ObjectInfo{
		Size:        info.Size(),
		ContentType: DetectContentType(head[:n], ""),
	}, nil
}
