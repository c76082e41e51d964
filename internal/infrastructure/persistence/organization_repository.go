package persistence

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/meridian/backend/internal/domain/identity"
	"github.com/meridian/backend/internal/domain/shared"
)

// GormOrganizationRepository implements identity.OrganizationRepository
// using GORM. Organizations are the tenant roots and live in the control
// plane database, outside any organization scope.
type GormOrganizationRepository struct {
	db *gorm.DB
}

// NewGormOrganizationRepository creates a new GormOrganizationRepository
func NewGormOrganizationRepository(db *gorm.DB) *GormOrganizationRepository {
	return &GormOrganizationRepository{db: db}
}

// Save persists a new organization
func (r *GormOrganizationRepository) Save(ctx context.Context, org *identity.Organization) error {
	err := r.db.WithContext(ctx).Create(org).Error
	if err != nil && isUniqueViolation(err) {
		return shared.ErrAlreadyExists
	}
	return err
}

// Update persists changes with optimistic locking on the version column
func (r *GormOrganizationRepository) Update(ctx context.Context, org *identity.Organization) error {
	result := r.db.WithContext(ctx).
		Model(&identity.Organization{}).
		Where("id = ? AND version = ?", org.ID, org.Version-1).
		Select("*").
		Omit("id", "created_at").
		Updates(org)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrConcurrencyConflict
	}
	return nil
}

// FindByID retrieves an organization by its ID
func (r *GormOrganizationRepository) FindByID(ctx context.Context, id uuid.UUID) (*identity.Organization, error) {
	var org identity.Organization
	if err := r.db.WithContext(ctx).First(&org, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &org, nil
}

// FindBySlug retrieves an organization by its unique slug
func (r *GormOrganizationRepository) FindBySlug(ctx context.Context, slug string) (*identity.Organization, error) {
	var org identity.Organization
	if err := r.db.WithContext(ctx).
		Where("LOWER(slug) = ?", strings.ToLower(slug)).
		First(&org).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &org, nil
}

// AdjustCreditBalance atomically applies a delta to the stored balance
func (r *GormOrganizationRepository) AdjustCreditBalance(ctx context.Context, id uuid.UUID, delta decimal.Decimal) error {
	result := r.db.WithContext(ctx).
		Model(&identity.Organization{}).
		Where("id = ?", id).
		Update("credit_balance", gorm.Expr("credit_balance + ?", delta))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// HasChildData reports whether any tenant-scoped rows in the control
// plane still reference the organization. Usage records live in the
// regional partitions and are checked separately.
func (r *GormOrganizationRepository) HasChildData(ctx context.Context, id uuid.UUID) (bool, error) {
	tables := []interface{}{
		&identity.Team{},
		&identity.User{},
		&identity.VirtualKey{},
	}
	for _, model := range tables {
		var count int64
		if err := r.db.WithContext(ctx).
			Model(model).
			Where("organization_id = ?", id).
			Limit(1).
			Count(&count).Error; err != nil {
			return false, err
		}
		if count > 0 {
			return true, nil
		}
	}
	return false, nil
}

// ListOperational returns organizations whose subscription still permits
// work, oldest first so sweeps process tenants in a stable order.
func (r *GormOrganizationRepository) ListOperational(ctx context.Context) ([]*identity.Organization, error) {
	var orgs []*identity.Organization
	err := r.db.WithContext(ctx).
		Where("subscription_state IN ?", []identity.SubscriptionState{
			identity.SubscriptionActive,
			identity.SubscriptionTrialing,
			identity.SubscriptionPastDue,
		}).
		Order("created_at ASC").
		Find(&orgs).Error
	if err != nil {
		return nil, err
	}
	return orgs, nil
}

// isUniqueViolation reports whether the error is a unique constraint
// violation on any supported driver
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// Ensure GormOrganizationRepository implements the interface
var _ identity.OrganizationRepository = (*GormOrganizationRepository)(nil)
