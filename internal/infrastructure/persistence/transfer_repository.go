package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/meridian/backend/internal/domain/region"
	"github.com/meridian/backend/internal/domain/shared"
)

// GormCrossBorderTransferRepository implements
// region.CrossBorderTransferRepository. Transfer records are append-only
// once their decision commits; Discard only compensates write-ahead rows.
type GormCrossBorderTransferRepository struct {
	db *gorm.DB
}

// NewGormCrossBorderTransferRepository creates a new repository
func NewGormCrossBorderTransferRepository(db *gorm.DB) *GormCrossBorderTransferRepository {
	return &GormCrossBorderTransferRepository{db: db}
}

// Create inserts a transfer record
func (r *GormCrossBorderTransferRepository) Create(ctx context.Context, transfer *region.CrossBorderTransfer) error {
	return r.db.WithContext(ctx).Create(transfer).Error
}

// Discard removes a transfer row whose routing decision never committed,
// compensating a failed usage-record write. This is the only delete path.
func (r *GormCrossBorderTransferRepository) Discard(ctx context.Context, organizationID, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Delete(&region.CrossBorderTransfer{}, "id = ?", id).Error
}

// FindByID retrieves a transfer record within an organization
func (r *GormCrossBorderTransferRepository) FindByID(ctx context.Context, organizationID, id uuid.UUID) (*region.CrossBorderTransfer, error) {
	var transfer region.CrossBorderTransfer
	err := r.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		First(&transfer, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &transfer, nil
}

// ListForOrganization returns the organization's transfers that occurred
// inside [from, to), newest first
func (r *GormCrossBorderTransferRepository) ListForOrganization(ctx context.Context, organizationID uuid.UUID, from, to time.Time, filter shared.Filter) ([]*region.CrossBorderTransfer, int64, error) {
	query := r.db.WithContext(ctx).
		Model(&region.CrossBorderTransfer{}).
		Where("organization_id = ?", organizationID).
		Where("occurred_at >= ? AND occurred_at < ?", from, to)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var transfers []*region.CrossBorderTransfer
	err := query.
		Order("occurred_at DESC").
		Offset(filter.Offset()).
		Limit(filter.Limit()).
		Find(&transfers).Error
	if err != nil {
		return nil, 0, err
	}
	return transfers, total, nil
}

// CountByDestination counts transfers into one destination region
// inside [from, to)
func (r *GormCrossBorderTransferRepository) CountByDestination(ctx context.Context, organizationID uuid.UUID, destination region.Code, from, to time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&region.CrossBorderTransfer{}).
		Where("organization_id = ?", organizationID).
		Where("destination_region = ?", destination).
		Where("occurred_at >= ? AND occurred_at < ?", from, to).
		Count(&count).Error
	return count, err
}

// Ensure GormCrossBorderTransferRepository implements the interface
var _ region.CrossBorderTransferRepository = (*GormCrossBorderTransferRepository)(nil)
