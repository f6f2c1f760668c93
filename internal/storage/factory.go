package storage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/docfold/docfold/pkg/config"
)

// Factory creates backend instances based on configuration
type Factory struct {
	config *config.StorageConfig
}

// NewFactory creates a new backend factory
func NewFactory(config *config.StorageConfig) *Factory {
	return &Factory{config: config}
}

// CreateBackend creates the backend for a backend kind and archive locator,
// wrapped in the retry policy. The locator is the first path segment of the
// archive URI: the archive directory for local backends, the bucket for S3,
// and the logical archive name for remote endpoints (whose address comes
// from configuration).
func (f *Factory) CreateBackend(ctx context.Context, kind, locator string) (Backend, error) {
	switch kind {
	case "local":
		backend, err := NewLocalBackend(filepath.Join(f.config.LocalPath, locator))
		if err != nil {
			return nil, err
		}
		return WithRetry(backend), nil
	case "s3":
		cfg := *f.config
		cfg.Bucket = locator
		backend, err := NewS3Backend(ctx, &cfg)
		if err != nil {
			return nil, err
		}
		return WithRetry(backend), nil
	case "remote":
		backend, err := NewRemoteBackend(f.config)
		if err != nil {
			return nil, err
		}
		return WithRetry(backend), nil
	default:
		return nil, fmt.Errorf("unsupported backend kind: %s", kind)
	}
}
