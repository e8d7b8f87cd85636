package storage

import (
	"context"
	"fmt"

	"github.com/puo-memo/puomemo/internal/config"
	"github.com/puo-memo/puomemo/internal/domain"
)

const (
	BackendLocal = "local"
	BackendS3    = "s3"
)

// NewBackend builds the configured storage backend.
func NewBackend(ctx context.Context, cfg *config.Config) (domain.StorageBackend, error) {
	switch cfg.StorageBackend {
	case BackendLocal, "":
		return NewLocal(cfg.StorageRoot)
	case BackendS3:
		return NewS3(ctx, cfg.S3Bucket, cfg.S3Region)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s (valid options: local, s3)", cfg.StorageBackend)
	}
}
