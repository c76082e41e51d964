package regiondb

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/meridian/backend/internal/domain/ledger"
	"github.com/meridian/backend/internal/domain/region"
	"github.com/meridian/backend/internal/domain/shared"
)

// PartitionedUsageRecordRepository implements ledger.UsageRecordRepository
// on top of the regional partition set. Every record lives in the
// partition matching its stored region; Save refuses records whose
// region has no provisioned partition. Cross-organization reads fan
// out over all partitions and merge in memory.
type PartitionedUsageRecordRepository struct {
	partitions *PartitionSet
}

// NewPartitionedUsageRecordRepository creates a new repository
func NewPartitionedUsageRecordRepository(partitions *PartitionSet) *PartitionedUsageRecordRepository {
	return &PartitionedUsageRecordRepository{partitions: partitions}
}

// Save writes the record to its stored region's partition. New records
// are inserted; settled or failed records update under optimistic
// locking. Region columns never change after creation.
func (r *PartitionedUsageRecordRepository) Save(ctx context.Context, record *ledger.UsageRecord) error {
	db, err := r.partitions.Partition(record.StoredRegion)
	if err != nil {
		return err
	}

	if record.Version <= 1 {
		return db.WithContext(ctx).Create(record).Error
	}

	result := db.WithContext(ctx).
		Model(&ledger.UsageRecord{}).
		Where("id = ? AND organization_id = ? AND version = ?", record.ID, record.OrganizationID, record.Version-1).
		Select("*").
		Omit("id", "organization_id", "user_region", "processed_region", "stored_region", "created_at").
		Updates(record)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrConcurrencyConflict
	}
	return nil
}

// FindByID searches each partition in turn
func (r *PartitionedUsageRecordRepository) FindByID(ctx context.Context, id uuid.UUID) (*ledger.UsageRecord, error) {
	for _, code := range r.partitions.Codes() {
		db, err := r.partitions.Partition(code)
		if err != nil {
			continue
		}
		var record ledger.UsageRecord
		err = db.WithContext(ctx).First(&record, "id = ?", id).Error
		if err == nil {
			return &record, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, shared.ErrNotFound
}

// List returns the organization's records across all partitions,
// newest first. The page window is applied after the merge.
func (r *PartitionedUsageRecordRepository) List(ctx context.Context, organizationID uuid.UUID, filter shared.Filter) (*shared.Paginated[ledger.UsageRecord], error) {
	var merged []ledger.UsageRecord
	var total int64

	fetch := filter.Offset() + filter.Limit()
	for _, code := range r.partitions.Codes() {
		db, err := r.partitions.Partition(code)
		if err != nil {
			continue
		}
		query := db.WithContext(ctx).
			Model(&ledger.UsageRecord{}).
			Where("organization_id = ?", organizationID)

		var count int64
		if err := query.Count(&count).Error; err != nil {
			return nil, err
		}
		total += count

		var records []ledger.UsageRecord
		err = query.
			Order("requested_at DESC").
			Limit(fetch).
			Find(&records).Error
		if err != nil {
			return nil, err
		}
		merged = append(merged, records...)
	}

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].RequestedAt.After(merged[j].RequestedAt)
	})
	merged = pageWindow(merged, filter.Offset(), filter.Limit())

	page := shared.NewPaginated(merged, total, filter.Page, filter.Limit())
	return &page, nil
}

// ListByRegion returns the organization's records stored in one region
func (r *PartitionedUsageRecordRepository) ListByRegion(ctx context.Context, organizationID uuid.UUID, stored region.Code, filter shared.Filter) (*shared.Paginated[ledger.UsageRecord], error) {
	db, err := r.partitions.Partition(stored)
	if err != nil {
		return nil, err
	}

	query := db.WithContext(ctx).
		Model(&ledger.UsageRecord{}).
		Where("organization_id = ?", organizationID).
		Where("stored_region = ?", stored)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	var records []ledger.UsageRecord
	err = query.
		Order("requested_at DESC").
		Offset(filter.Offset()).
		Limit(filter.Limit()).
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	page := shared.NewPaginated(records, total, filter.Page, filter.Limit())
	return &page, nil
}

// ListPendingOlderThan returns pending records requested before the
// cutoff, oldest first, capped at limit across all partitions. The
// reconciliation sweep uses this to find usage that never settled.
func (r *PartitionedUsageRecordRepository) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*ledger.UsageRecord, error) {
	var merged []*ledger.UsageRecord
	for _, code := range r.partitions.Codes() {
		db, err := r.partitions.Partition(code)
		if err != nil {
			continue
		}
		var records []*ledger.UsageRecord
		err = db.WithContext(ctx).
			Where("status = ?", ledger.UsagePending).
			Where("requested_at < ?", cutoff).
			Order("requested_at ASC").
			Limit(limit).
			Find(&records).Error
		if err != nil {
			return nil, err
		}
		merged = append(merged, records...)
	}

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].RequestedAt.Before(merged[j].RequestedAt)
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// SumCostInPeriod sums settled cost for an organization inside [start, end)
func (r *PartitionedUsageRecordRepository) SumCostInPeriod(ctx context.Context, organizationID uuid.UUID, start, end time.Time) (decimal.Decimal, error) {
	return r.sumCost(ctx, "organization_id = ?", organizationID, start, end)
}

// SumCostByTeamInPeriod sums settled cost attributed to one team
func (r *PartitionedUsageRecordRepository) SumCostByTeamInPeriod(ctx context.Context, teamID uuid.UUID, start, end time.Time) (decimal.Decimal, error) {
	return r.sumCost(ctx, "team_id = ?", teamID, start, end)
}

// SumCostByKeyInPeriod sums settled cost attributed to one virtual key
func (r *PartitionedUsageRecordRepository) SumCostByKeyInPeriod(ctx context.Context, keyID uuid.UUID, start, end time.Time) (decimal.Decimal, error) {
	return r.sumCost(ctx, "virtual_key_id = ?", keyID, start, end)
}

func (r *PartitionedUsageRecordRepository) sumCost(ctx context.Context, cond string, id uuid.UUID, start, end time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, code := range r.partitions.Codes() {
		db, err := r.partitions.Partition(code)
		if err != nil {
			continue
		}
		var sum decimal.NullDecimal
		err = db.WithContext(ctx).
			Model(&ledger.UsageRecord{}).
			Where(cond, id).
			Where("status = ?", ledger.UsageSettled).
			Where("requested_at >= ? AND requested_at < ?", start, end).
			Select("SUM(cost)").
			Scan(&sum).Error
		if err != nil {
			return decimal.Zero, err
		}
		if sum.Valid {
			total = total.Add(sum.Decimal)
		}
	}
	return total, nil
}

// AggregateByModelInPeriod rolls settled usage up per model for invoicing
func (r *PartitionedUsageRecordRepository) AggregateByModelInPeriod(ctx context.Context, organizationID uuid.UUID, start, end time.Time) ([]ledger.ModelUsage, error) {
	byModel := make(map[string]*ledger.ModelUsage)

	for _, code := range r.partitions.Codes() {
		db, err := r.partitions.Partition(code)
		if err != nil {
			continue
		}
		var rows []struct {
			Model       string
			Requests    int64
			TotalTokens int64
			TotalCost   decimal.Decimal
		}
		err = db.WithContext(ctx).
			Model(&ledger.UsageRecord{}).
			Where("organization_id = ?", organizationID).
			Where("status = ?", ledger.UsageSettled).
			Where("requested_at >= ? AND requested_at < ?", start, end).
			Select("model, COUNT(*) AS requests, SUM(input_tokens + output_tokens) AS total_tokens, SUM(cost) AS total_cost").
			Group("model").
			Scan(&rows).Error
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			agg, ok := byModel[row.Model]
			if !ok {
				agg = &ledger.ModelUsage{Model: row.Model, TotalCost: decimal.Zero}
				byModel[row.Model] = agg
			}
			agg.Requests += row.Requests
			agg.TotalTokens += row.TotalTokens
			agg.TotalCost = agg.TotalCost.Add(row.TotalCost)
		}
	}

	usages := make([]ledger.ModelUsage, 0, len(byModel))
	for _, agg := range byModel {
		usages = append(usages, *agg)
	}
	sort.Slice(usages, func(i, j int) bool { return usages[i].Model < usages[j].Model })
	return usages, nil
}

// DeleteSettledOlderThan removes settled records past the retention
// window. Pending and failed records are kept for reconciliation.
func (r *PartitionedUsageRecordRepository) DeleteSettledOlderThan(ctx context.Context, organizationID uuid.UUID, cutoff time.Time) (int64, error) {
	var deleted int64
	for _, code := range r.partitions.Codes() {
		db, err := r.partitions.Partition(code)
		if err != nil {
			continue
		}
		result := db.WithContext(ctx).
			Where("organization_id = ?", organizationID).
			Where("status = ?", ledger.UsageSettled).
			Where("requested_at < ?", cutoff).
			Delete(&ledger.UsageRecord{})
		if result.Error != nil {
			return deleted, result.Error
		}
		deleted += result.RowsAffected
	}
	return deleted, nil
}

func pageWindow[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

// Ensure PartitionedUsageRecordRepository implements the interface
var _ ledger.UsageRecordRepository = (*PartitionedUsageRecordRepository)(nil)
