package persistence

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/meridian/backend/internal/domain/identity"
	"github.com/meridian/backend/internal/domain/shared"
)

// GormTeamRepository implements identity.TeamRepository using GORM
type GormTeamRepository struct {
	db *gorm.DB
}

// NewGormTeamRepository creates a new GormTeamRepository
func NewGormTeamRepository(db *gorm.DB) *GormTeamRepository {
	return &GormTeamRepository{db: db}
}

// Save persists a new team
func (r *GormTeamRepository) Save(ctx context.Context, team *identity.Team) error {
	err := r.db.WithContext(ctx).Create(team).Error
	if err != nil && isUniqueViolation(err) {
		return shared.ErrAlreadyExists
	}
	return err
}

// Update persists changes with optimistic locking
func (r *GormTeamRepository) Update(ctx context.Context, team *identity.Team) error {
	result := r.db.WithContext(ctx).
		Model(&identity.Team{}).
		Where("id = ? AND organization_id = ? AND version = ?", team.ID, team.OrganizationID, team.Version-1).
		Select("*").
		Omit("id", "organization_id", "created_at").
		Updates(team)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrConcurrencyConflict
	}
	return nil
}

// FindByID retrieves a team scoped to its organization
func (r *GormTeamRepository) FindByID(ctx context.Context, organizationID, id uuid.UUID) (*identity.Team, error) {
	var team identity.Team
	if err := r.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		First(&team, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &team, nil
}

// ListForOrganization returns the organization's teams with pagination
func (r *GormTeamRepository) ListForOrganization(ctx context.Context, organizationID uuid.UUID, filter shared.Filter) ([]*identity.Team, int64, error) {
	query := r.db.WithContext(ctx).
		Model(&identity.Team{}).
		Where("organization_id = ?", organizationID)

	if filter.Search != "" {
		query = query.Where("name LIKE ?", "%"+filter.Search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var teams []*identity.Team
	err := query.
		Order("created_at DESC").
		Offset(filter.Offset()).
		Limit(filter.Limit()).
		Find(&teams).Error
	if err != nil {
		return nil, 0, err
	}
	return teams, total, nil
}

// Ensure GormTeamRepository implements the interface
var _ identity.TeamRepository = (*GormTeamRepository)(nil)
