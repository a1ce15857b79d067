package blob

import (
	"context"
	"errors"
	"hpcorchestrator/internal/apperrors"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// FileStore keeps objects as files below a root directory.
type FileStore struct {
	root string
}

// NewFileStore creates root if needed.
func NewFileStore(root string) (*FileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, apperrors.Internal("blob.open", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, apperrors.Internal("blob.open", err)
	}
	return &FileStore{root: abs}, nil
}

// Put writes atomically through a temp file and rename.
func (s *FileStore) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	target := s.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", apperrors.Internal("blob.put", err)
	}
	tmp := target + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return "", apperrors.Internal("blob.put", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", apperrors.Internal("blob.put", err)
	}
	return s.Locator(key), nil
}

// Get opens the object for reading.
func (s *FileStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperrors.NotFound("object", key)
	}
	if err != nil {
		return nil, apperrors.Internal("blob.get", err)
	}
	return f, nil
}

// Locator returns a file:// URL.
func (s *FileStore) Locator(key string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(s.path(key))}).String() + trailingSlash(key)
}

// PresignGet returns the file URL; local files need no signature.
func (s *FileStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	return s.Locator(key), nil
}

// PresignPut returns the file URL after making sure its directory exists.
func (s *FileStore) PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(s.path(key)), 0o755); err != nil {
		return "", apperrors.Internal("blob.presign", err)
	}
	return s.Locator(key), nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// filepath.Join drops a trailing slash; prefix locators keep it.
func trailingSlash(key string) string {
	if len(key) > 0 && key[len(key)-1] == '/' {
		return "/"
	}
	return ""
}

var (
	_ Store     = (*FileStore)(nil)
	_ Presigner = (*FileStore)(nil)
)
