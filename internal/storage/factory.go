package storage

import (
	"context"
	"fmt"

	"github.com/estrada-diego/myCloud/internal/config"
	"github.com/estrada-diego/myCloud/internal/storage/local"
	s3backend "github.com/estrada-diego/myCloud/internal/storage/s3"
)

// NewBackend creates the backend selected by the configuration.
func NewBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.StorageBackend {
	case "s3":
		return s3backend.New(ctx, s3backend.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
	case "local":
		return local.New(local.Config{RootPath: cfg.LocalStoragePath, CreateDirs: true})
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.StorageBackend)
	}
}
