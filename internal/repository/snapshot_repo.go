package repository

import (
	"context"
	"errors"
	"fmt"

	"collab-relay/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SnapshotRepositoryImpl stores document snapshots in postgres using GORM
type SnapshotRepositoryImpl struct {
	db *gorm.DB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *gorm.DB) *SnapshotRepositoryImpl {
	return &SnapshotRepositoryImpl{db: db}
}

// Write upserts the snapshot for path
// Learning: ON CONFLICT (path) DO UPDATE keeps one row per path
func (r *SnapshotRepositoryImpl) Write(ctx context.Context, path, content string) error {
	snapshot := &models.DocumentSnapshot{
		Path:    path,
		Content: content,
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "updated_at"}),
	}).Create(snapshot).Error
	if err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}

	return nil
}

// Read returns the latest snapshot content for path
func (r *SnapshotRepositoryImpl) Read(ctx context.Context, path string) (string, error) {
	snapshot, err := r.Get(ctx, path)
	if err != nil {
		return "", err
	}
	return snapshot.Content, nil
}

// Get returns the full snapshot row for path
func (r *SnapshotRepositoryImpl) Get(ctx context.Context, path string) (*models.DocumentSnapshot, error) {
	var snapshot models.DocumentSnapshot

	err := r.db.WithContext(ctx).First(&snapshot, "path = ?", path).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	return &snapshot, nil
}
