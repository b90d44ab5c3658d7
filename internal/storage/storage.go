// Package storage keeps uploaded and optimized models in object storage.
// Two backends exist: an S3-compatible bucket and a directory on local
// disk for single-node and development setups.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"modelopt/internal/config"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("object not found")

const (
	// DefaultPresignExpiry applies when a presign call passes zero.
	DefaultPresignExpiry = time.Hour

	// UploadsPrefix holds client uploads awaiting optimization.
	UploadsPrefix = "uploads/"
)

// PutObjectOptions describe an object being written. Size is -1 when the
// length is unknown.
type PutObjectOptions struct {
	Size        int64
	ContentType string
	Metadata    map[string]string
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
	Metadata     map[string]string
}

// Storage is implemented by every backend. Callers must not assume which
// one is behind it.
type Storage interface {
	Put(ctx context.Context, key string, r io.Reader, opt PutObjectOptions) (ObjectInfo, error)
	// Get streams an object. Missing keys yield ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	// Delete is idempotent.
	Delete(ctx context.Context, key string) error
	// List walks every object under prefix, recursively.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// PresignGet returns a URL that downloads key without credentials
	// until expiry elapses.
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	// PresignPut returns a URL that accepts one direct upload of key.
	PresignPut(ctx context.Context, key string, expiry time.Duration) (string, error)
}

const (
	BackendAuto  = "auto"
	BackendS3    = "s3"
	BackendLocal = "local"
)

// Resolve names the backend New builds for cfg. "auto" picks S3 when a
// bucket and credentials are configured and local disk otherwise.
func Resolve(cfg config.StorageConfig) string {
	switch cfg.Backend {
	case "", BackendAuto:
		if cfg.MinIO.Configured() {
			return BackendS3
		}
		return BackendLocal
	default:
		return cfg.Backend
	}
}

// New builds the backend once at startup.
func New(cfg config.StorageConfig, log *zap.Logger) (Storage, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "storage"))

	backend := Resolve(cfg)
	switch backend {
	case BackendS3:
		log.Info("storage ready", zap.String("backend", backend), zap.String("bucket", cfg.MinIO.Bucket))
		return NewMinIO(cfg.MinIO, log)
	case BackendLocal:
		log.Info("storage ready", zap.String("backend", backend), zap.String("dir", cfg.LocalDir))
		return NewLocal(cfg.LocalDir, cfg.PublicBaseURL)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

// ReadAll loads a small object, such as a metadata sidecar, into memory.
func ReadAll(ctx context.Context, s Storage, key string) ([]byte, ObjectInfo, error) {
	rc, info, err := s.Get(ctx, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("read %s: %w", key, err)
	}
	return data, info, nil
}
