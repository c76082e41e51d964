package persistence

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/meridian/backend/internal/domain/identity"
	"github.com/meridian/backend/internal/domain/shared"
)

// GormUserRepository implements identity.UserRepository using GORM.
// Consent records are append-only; there is no update or delete path
// for them.
type GormUserRepository struct {
	db *gorm.DB
}

// NewGormUserRepository creates a new GormUserRepository
func NewGormUserRepository(db *gorm.DB) *GormUserRepository {
	return &GormUserRepository{db: db}
}

// Save persists a new user
func (r *GormUserRepository) Save(ctx context.Context, user *identity.User) error {
	err := r.db.WithContext(ctx).Create(user).Error
	if err != nil && isUniqueViolation(err) {
		return shared.ErrAlreadyExists
	}
	return err
}

// Update persists changes with optimistic locking. The created_in_region
// column is never touched after creation.
func (r *GormUserRepository) Update(ctx context.Context, user *identity.User) error {
	result := r.db.WithContext(ctx).
		Model(&identity.User{}).
		Where("id = ? AND organization_id = ? AND version = ?", user.ID, user.OrganizationID, user.Version-1).
		Select("*").
		Omit("id", "organization_id", "created_in_region", "created_at").
		Updates(user)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrConcurrencyConflict
	}
	return nil
}

// FindByID retrieves a user scoped to their organization
func (r *GormUserRepository) FindByID(ctx context.Context, organizationID, id uuid.UUID) (*identity.User, error) {
	var user identity.User
	if err := r.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FindByEmail retrieves a user by email within an organization
func (r *GormUserRepository) FindByEmail(ctx context.Context, organizationID uuid.UUID, email string) (*identity.User, error) {
	var user identity.User
	if err := r.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Where("LOWER(email) = ?", strings.ToLower(email)).
		First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// AppendConsent inserts a consent history entry
func (r *GormUserRepository) AppendConsent(ctx context.Context, record *identity.ConsentRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

// ConsentHistory returns all consent records for a user and scope,
// newest first
func (r *GormUserRepository) ConsentHistory(ctx context.Context, organizationID, userID uuid.UUID, scope identity.ConsentScope) ([]*identity.ConsentRecord, error) {
	var records []*identity.ConsentRecord
	err := r.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Where("user_id = ?", userID).
		Where("scope = ?", scope).
		Order("recorded_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// LatestConsent returns the most recent consent record for the scope
func (r *GormUserRepository) LatestConsent(ctx context.Context, organizationID, userID uuid.UUID, scope identity.ConsentScope) (*identity.ConsentRecord, error) {
	var record identity.ConsentRecord
	err := r.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Where("user_id = ?", userID).
		Where("scope = ?", scope).
		Order("recorded_at DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

// Ensure GormUserRepository implements the interface
var _ identity.UserRepository = (*GormUserRepository)(nil)
