// Package blob stores job inputs and results in an object store.
package blob

import (
	"context"
	"hpcorchestrator/internal/apperrors"
	"hpcorchestrator/internal/config"
	"io"
	"net/url"
	"path"
	"strings"
	"time"
)

// Store is a flat key/value object store that returns a locator for
// everything it stores. Puts to the same key overwrite.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Locator returns the locator of key without touching the store.
	Locator(key string) string
}

// Presigner issues time-limited URLs the batch job can use without
// credentials.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Config selects and configures the backend.
type Config struct {
	Backend string // "file" or "s3" (default: file)
	Dir     string // file backend root (default: ./data/blobs)

	Endpoint        string // S3-compatible endpoint, e.g. https://<account>.r2.cloudflarestorage.com
	Bucket          string
	Region          string // default: auto
	AccessKeyID     string
	SecretAccessKey string
	PresignTTL      time.Duration // default: 1h
}

// LoadConfigFromEnv loads blob configuration from environment variables.
func LoadConfigFromEnv() Config {
	secret := config.GetSecret("BLOB_SECRET_ACCESS_KEY")
	cfg := Config{
		Backend:         config.GetEnv("BLOB_BACKEND", "file"),
		Dir:             config.GetEnv("BLOB_DIR", "./data/blobs"),
		Endpoint:        config.GetEnv("BLOB_ENDPOINT", ""),
		Bucket:          config.GetEnv("BLOB_BUCKET", ""),
		Region:          config.GetEnv("BLOB_REGION", "auto"),
		AccessKeyID:     config.GetEnv("BLOB_ACCESS_KEY_ID", ""),
		SecretAccessKey: secret,
		PresignTTL:      config.GetDurationEnv("BLOB_PRESIGN_TTL", time.Hour),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Backend == "" {
		c.Backend = "file"
	}
	if c.Dir == "" {
		c.Dir = "./data/blobs"
	}
	if c.Region == "" {
		c.Region = "auto"
	}
	if c.PresignTTL <= 0 {
		c.PresignTTL = time.Hour
	}
	return c
}

// Open builds the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	cfg = cfg.withDefaults()
	switch cfg.Backend {
	case "file":
		return NewFileStore(cfg.Dir)
	case "s3":
		return NewS3Store(ctx, cfg)
	default:
		return nil, apperrors.Validation("blobBackend", "blob backend must be file or s3")
	}
}

// ResultKey is the deterministic key of one result file.
func ResultKey(jobID, name string) string {
	return ResultPrefix(jobID) + path.Base(name)
}

// ResultPrefix is the key prefix under which a job's results live.
func ResultPrefix(jobID string) string {
	return "results/" + keySegment(jobID) + "/"
}

// OutputKey is where the batch job uploads the accessible document.
func OutputKey(jobID string) string {
	return "outputs/" + keySegment(jobID) + "/accessible.pdf"
}

// keySegment escapes jobID into a single key segment. PathEscape leaves dots
// alone, so the dot-only names are escaped by hand.
func keySegment(jobID string) string {
	seg := url.PathEscape(jobID)
	if seg == "." || seg == ".." {
		seg = strings.ReplaceAll(seg, ".", "%2E")
	}
	return seg
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return apperrors.Validation("key", "invalid object key "+key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "." || seg == ".." {
			return apperrors.Validation("key", "invalid object key "+key)
		}
	}
	return nil
}
