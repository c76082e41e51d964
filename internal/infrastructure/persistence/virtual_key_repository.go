package persistence

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/meridian/backend/internal/domain/identity"
	"github.com/meridian/backend/internal/domain/shared"
)

// GormVirtualKeyRepository implements identity.VirtualKeyRepository.
// ConsumeSpend and ReleaseSpend are single conditional UPDATEs so two
// callers racing for the last unit of budget serialize in the database.
type GormVirtualKeyRepository struct {
	db *gorm.DB
}

// NewGormVirtualKeyRepository creates a new GormVirtualKeyRepository
func NewGormVirtualKeyRepository(db *gorm.DB) *GormVirtualKeyRepository {
	return &GormVirtualKeyRepository{db: db}
}

// Save persists a new virtual key
func (r *GormVirtualKeyRepository) Save(ctx context.Context, key *identity.VirtualKey) error {
	err := r.db.WithContext(ctx).Create(key).Error
	if err != nil && isUniqueViolation(err) {
		return shared.ErrAlreadyExists
	}
	return err
}

// Update persists changes with optimistic locking. current_spend is
// excluded; it only moves through the atomic spend primitives.
func (r *GormVirtualKeyRepository) Update(ctx context.Context, key *identity.VirtualKey) error {
	result := r.db.WithContext(ctx).
		Model(&identity.VirtualKey{}).
		Where("id = ? AND organization_id = ? AND version = ?", key.ID, key.OrganizationID, key.Version-1).
		Select("*").
		Omit("id", "organization_id", "key_hash", "current_spend", "created_at").
		Updates(key)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrConcurrencyConflict
	}
	return nil
}

// FindByID retrieves a key scoped to its organization
func (r *GormVirtualKeyRepository) FindByID(ctx context.Context, organizationID, id uuid.UUID) (*identity.VirtualKey, error) {
	var key identity.VirtualKey
	if err := r.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		First(&key, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &key, nil
}

// FindByKeyHash retrieves a key by its credential digest. This lookup
// happens before the organization is known, so it is unscoped.
func (r *GormVirtualKeyRepository) FindByKeyHash(ctx context.Context, keyHash string) (*identity.VirtualKey, error) {
	var key identity.VirtualKey
	if err := r.db.WithContext(ctx).
		Where("key_hash = ?", keyHash).
		First(&key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &key, nil
}

// ListForTeam returns all keys belonging to a team
func (r *GormVirtualKeyRepository) ListForTeam(ctx context.Context, organizationID, teamID uuid.UUID) ([]*identity.VirtualKey, error) {
	var keys []*identity.VirtualKey
	err := r.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Where("team_id = ?", teamID).
		Order("created_at ASC").
		Find(&keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// ConsumeSpend atomically adds amount to current_spend only if the
// result stays within max_budget. Keys without a budget always consume.
func (r *GormVirtualKeyRepository) ConsumeSpend(ctx context.Context, organizationID, id uuid.UUID, amount decimal.Decimal) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&identity.VirtualKey{}).
		Where("id = ? AND organization_id = ?", id, organizationID).
		Where("status = ?", identity.VirtualKeyActive).
		Where("max_budget IS NULL OR current_spend + ? <= max_budget", amount).
		Update("current_spend", gorm.Expr("current_spend + ?", amount))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ReleaseSpend compensates a prior ConsumeSpend, flooring at zero
func (r *GormVirtualKeyRepository) ReleaseSpend(ctx context.Context, organizationID, id uuid.UUID, amount decimal.Decimal) error {
	result := r.db.WithContext(ctx).
		Model(&identity.VirtualKey{}).
		Where("id = ? AND organization_id = ?", id, organizationID).
		Update("current_spend", gorm.Expr(
			"CASE WHEN current_spend - ? < 0 THEN 0 ELSE current_spend - ? END", amount, amount))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// SettleSpend applies a settlement delta without a budget check
func (r *GormVirtualKeyRepository) SettleSpend(ctx context.Context, organizationID, id uuid.UUID, delta decimal.Decimal) error {
	result := r.db.WithContext(ctx).
		Model(&identity.VirtualKey{}).
		Where("id = ? AND organization_id = ?", id, organizationID).
		Update("current_spend", gorm.Expr(
			"CASE WHEN current_spend + ? < 0 THEN 0 ELSE current_spend + ? END", delta, delta))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ListOverBudget returns active keys whose spend exceeds their budget
func (r *GormVirtualKeyRepository) ListOverBudget(ctx context.Context, organizationID uuid.UUID) ([]*identity.VirtualKey, error) {
	var keys []*identity.VirtualKey
	err := r.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Where("status = ?", identity.VirtualKeyActive).
		Where("max_budget IS NOT NULL AND current_spend > max_budget").
		Find(&keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Ensure GormVirtualKeyRepository implements the interface
var _ identity.VirtualKeyRepository = (*GormVirtualKeyRepository)(nil)
