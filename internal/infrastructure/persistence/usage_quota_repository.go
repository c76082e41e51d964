package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/meridian/backend/internal/domain/quota"
	"github.com/meridian/backend/internal/domain/shared"
)

// GormUsageQuotaRepository implements quota.UsageQuotaRepository.
// Consume is a single conditional UPDATE; the limit check and the
// increment happen in one statement so concurrent consumers can never
// both take the last unit.
type GormUsageQuotaRepository struct {
	db *gorm.DB
}

// NewGormUsageQuotaRepository creates a new GormUsageQuotaRepository
func NewGormUsageQuotaRepository(db *gorm.DB) *GormUsageQuotaRepository {
	return &GormUsageQuotaRepository{db: db}
}

// Save persists a quota counter row. Concurrent creators of the same
// window collide on the scope/window unique index; the loser re-reads.
func (r *GormUsageQuotaRepository) Save(ctx context.Context, q *quota.UsageQuota) error {
	err := r.db.WithContext(ctx).Create(q).Error
	if err != nil && isUniqueViolation(err) {
		return shared.ErrAlreadyExists
	}
	return err
}

// FindByID retrieves a counter row scoped to its organization
func (r *GormUsageQuotaRepository) FindByID(ctx context.Context, organizationID, id uuid.UUID) (*quota.UsageQuota, error) {
	var q quota.UsageQuota
	if err := r.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		First(&q, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &q, nil
}

// scopeConditions translates a scope into the column predicates that
// identify its counter rows
func scopeConditions(db *gorm.DB, organizationID uuid.UUID, scope quota.Scope) *gorm.DB {
	db = db.Where("organization_id = ?", organizationID).
		Where("scope_level = ?", scope.Level)

	switch scope.Level {
	case quota.ScopeVirtualKey:
		db = db.Where("virtual_key_id = ?", scope.ID)
	case quota.ScopeUser:
		db = db.Where("user_id = ?", scope.ID)
	case quota.ScopeTeam:
		db = db.Where("team_id = ?", scope.ID)
	}
	return db
}

// FindCurrentWindow returns the counter row whose window contains now
func (r *GormUsageQuotaRepository) FindCurrentWindow(ctx context.Context, organizationID uuid.UUID, scope quota.Scope, metric quota.Metric, granularity quota.Granularity, now time.Time) (*quota.UsageQuota, error) {
	var q quota.UsageQuota
	query := scopeConditions(r.db.WithContext(ctx), organizationID, scope).
		Where("metric = ?", metric).
		Where("granularity = ?", granularity).
		Where("window_start <= ? AND window_end > ?", now, now)

	if err := query.First(&q).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &q, nil
}

// FindLatestWindow returns the scope's most recent counter row for the
// metric and granularity, current or expired
func (r *GormUsageQuotaRepository) FindLatestWindow(ctx context.Context, organizationID uuid.UUID, scope quota.Scope, metric quota.Metric, granularity quota.Granularity) (*quota.UsageQuota, error) {
	var q quota.UsageQuota
	query := scopeConditions(r.db.WithContext(ctx), organizationID, scope).
		Where("metric = ?", metric).
		Where("granularity = ?", granularity).
		Order("window_start DESC")

	if err := query.First(&q).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &q, nil
}

// Consume atomically increments current_value by amount only when the
// post-increment value stays within limit_value
func (r *GormUsageQuotaRepository) Consume(ctx context.Context, quotaID uuid.UUID, amount int64) (bool, int64, error) {
	result := r.db.WithContext(ctx).
		Model(&quota.UsageQuota{}).
		Where("id = ?", quotaID).
		Where("current_value + ? <= limit_value", amount).
		Updates(map[string]interface{}{
			"current_value": gorm.Expr("current_value + ?", amount),
			"is_exceeded":   gorm.Expr("current_value + ? >= limit_value", amount),
		})
	if result.Error != nil {
		return false, 0, result.Error
	}

	// Read back the row for the remaining headroom; on a denied attempt
	// this also reports how much room was actually left.
	var q quota.UsageQuota
	if err := r.db.WithContext(ctx).First(&q, "id = ?", quotaID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, 0, shared.ErrNotFound
		}
		return false, 0, err
	}

	if result.RowsAffected == 0 {
		return false, q.Remaining(), nil
	}
	return true, q.Remaining(), nil
}

// Release decrements current_value by amount, flooring at zero
func (r *GormUsageQuotaRepository) Release(ctx context.Context, quotaID uuid.UUID, amount int64) error {
	result := r.db.WithContext(ctx).
		Model(&quota.UsageQuota{}).
		Where("id = ?", quotaID).
		Updates(map[string]interface{}{
			"current_value": gorm.Expr(
				"CASE WHEN current_value - ? < 0 THEN 0 ELSE current_value - ? END", amount, amount),
			"is_exceeded": gorm.Expr(
				"CASE WHEN current_value - ? < 0 THEN 0 >= limit_value ELSE current_value - ? >= limit_value END", amount, amount),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// AdjustBy applies a settlement delta without a limit check, then
// refreshes is_exceeded
func (r *GormUsageQuotaRepository) AdjustBy(ctx context.Context, quotaID uuid.UUID, delta int64) error {
	result := r.db.WithContext(ctx).
		Model(&quota.UsageQuota{}).
		Where("id = ?", quotaID).
		Updates(map[string]interface{}{
			"current_value": gorm.Expr(
				"CASE WHEN current_value + ? < 0 THEN 0 ELSE current_value + ? END", delta, delta),
			"is_exceeded": gorm.Expr(
				"CASE WHEN current_value + ? < 0 THEN 0 >= limit_value ELSE current_value + ? >= limit_value END", delta, delta),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ListExpiredFixedWindows returns fixed-window rows whose window ended
// before now
func (r *GormUsageQuotaRepository) ListExpiredFixedWindows(ctx context.Context, now time.Time, limit int) ([]*quota.UsageQuota, error) {
	var quotas []*quota.UsageQuota
	err := r.db.WithContext(ctx).
		Where("window_type = ?", quota.WindowFixed).
		Where("window_end <= ?", now).
		Order("window_end ASC").
		Limit(limit).
		Find(&quotas).Error
	if err != nil {
		return nil, err
	}
	return quotas, nil
}

// ListForOrganization returns all counter rows for reporting
func (r *GormUsageQuotaRepository) ListForOrganization(ctx context.Context, organizationID uuid.UUID) ([]*quota.UsageQuota, error) {
	var quotas []*quota.UsageQuota
	err := r.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Order("window_start DESC").
		Find(&quotas).Error
	if err != nil {
		return nil, err
	}
	return quotas, nil
}

// Ensure GormUsageQuotaRepository implements the interface
var _ quota.UsageQuotaRepository = (*GormUsageQuotaRepository)(nil)
