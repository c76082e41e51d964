package persistence

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/meridian/backend/internal/domain/region"
	"github.com/meridian/backend/internal/domain/shared"
)

// GormBackupConfigRepository implements region.BackupConfigRepository
type GormBackupConfigRepository struct {
	db *gorm.DB
}

// NewGormBackupConfigRepository creates a new repository
func NewGormBackupConfigRepository(db *gorm.DB) *GormBackupConfigRepository {
	return &GormBackupConfigRepository{db: db}
}

// Save creates or updates the organization's backup configuration.
// Updates carry the optimistic-locking version check.
func (r *GormBackupConfigRepository) Save(ctx context.Context, cfg *region.BackupConfig) error {
	var existing int64
	if err := r.db.WithContext(ctx).
		Model(&region.BackupConfig{}).
		Where("id = ?", cfg.ID).
		Count(&existing).Error; err != nil {
		return err
	}
	if existing == 0 {
		err := r.db.WithContext(ctx).Create(cfg).Error
		if err != nil && isUniqueViolation(err) {
			return shared.ErrAlreadyExists
		}
		return err
	}

	result := r.db.WithContext(ctx).
		Model(&region.BackupConfig{}).
		Where("id = ? AND version = ?", cfg.ID, cfg.Version-1).
		Select("*").
		Omit("id", "organization_id", "created_at").
		Updates(cfg)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrConcurrencyConflict
	}
	return nil
}

// FindForOrganization retrieves the organization's backup configuration
func (r *GormBackupConfigRepository) FindForOrganization(ctx context.Context, organizationID uuid.UUID) (*region.BackupConfig, error) {
	var cfg region.BackupConfig
	err := r.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &cfg, nil
}

// Ensure GormBackupConfigRepository implements the interface
var _ region.BackupConfigRepository = (*GormBackupConfigRepository)(nil)
