package repository

import (
	"context"
	"errors"
	"fmt"

	"collab-relay/internal/config"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

/*
LEARNING: ONE INTERFACE, SEVERAL BACKENDS

Every backend here implements the same two methods:

  Write(ctx, path, content) error
  Read(ctx, path) (string, error)

The consumers (collaboration service, API handlers) declare the interface
they need themselves, so this package only returns concrete types.
*/

// ErrNotFound is returned by Read when nothing was stored for a path
var ErrNotFound = errors.New("document not found")

// Store is the union of what the server wires together at startup
type Store interface {
	Write(ctx context.Context, path, content string) error
	Read(ctx context.Context, path string) (string, error)
}

// NewStore selects a backend from cfg.StorageType. The database handle is
// only used by the postgres backend and may be nil otherwise.
func NewStore(ctx context.Context, cfg *config.Config, db *gorm.DB) (Store, error) {
	fields := logrus.Fields{"storage_type": cfg.StorageType}

	var store Store
	switch cfg.StorageType {
	case config.StorageFilesystem:
		fields["base_path"] = cfg.LocalStoragePath
		fs, err := NewFileStore(cfg.LocalStoragePath)
		if err != nil {
			return nil, err
		}
		store = fs
	case config.StorageMemory:
		store = NewMemoryStore()
	case config.StoragePostgres:
		if db == nil {
			return nil, fmt.Errorf("postgres storage requires a database connection")
		}
		store = NewSnapshotRepository(db)
	case config.StorageS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3_BUCKET_NAME must be set for s3 storage")
		}
		fields["bucket"] = cfg.S3Bucket
		s3, err := NewS3Store(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			return nil, err
		}
		store = s3
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.StorageType)
	}

	logrus.WithFields(fields).Info("Use storage")
	return store, nil
}
