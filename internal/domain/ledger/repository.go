package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian/backend/internal/domain/region"
	"github.com/meridian/backend/internal/domain/shared"
)

// CreditTransactionRepository persists the append-only balance ledger.
// Append must read the latest balance and insert the new row under a
// lock so balance_before always equals the previous row's balance_after
// even when entries race.
type CreditTransactionRepository interface {
	Append(ctx context.Context, organizationID uuid.UUID, txType TransactionType, amount decimal.Decimal, description, reference string) (*CreditTransaction, error)
	FindByID(ctx context.Context, id uuid.UUID) (*CreditTransaction, error)
	Latest(ctx context.Context, organizationID uuid.UUID) (*CreditTransaction, error)
	CurrentBalance(ctx context.Context, organizationID uuid.UUID) (decimal.Decimal, error)
	List(ctx context.Context, organizationID uuid.UUID, filter shared.Filter) (*shared.Paginated[CreditTransaction], error)
	ListByType(ctx context.Context, organizationID uuid.UUID, txType TransactionType, filter shared.Filter) (*shared.Paginated[CreditTransaction], error)
	SumInPeriod(ctx context.Context, organizationID uuid.UUID, txType TransactionType, start, end time.Time) (decimal.Decimal, error)
}

// InvoiceRepository persists invoices and their lines
type InvoiceRepository interface {
	Save(ctx context.Context, invoice *Invoice) error
	FindByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	FindByNumber(ctx context.Context, number string) (*Invoice, error)
	List(ctx context.Context, organizationID uuid.UUID, filter shared.Filter) (*shared.Paginated[Invoice], error)
	ListByStatus(ctx context.Context, organizationID uuid.UUID, status InvoiceStatus) ([]*Invoice, error)
	NextNumber(ctx context.Context, organizationID uuid.UUID) (string, error)
}

// UsageRecordRepository persists metered usage. Implementations must
// write each record to the partition matching its stored region and
// reject writes routed to any other partition.
type UsageRecordRepository interface {
	Save(ctx context.Context, record *UsageRecord) error
	FindByID(ctx context.Context, id uuid.UUID) (*UsageRecord, error)
	List(ctx context.Context, organizationID uuid.UUID, filter shared.Filter) (*shared.Paginated[UsageRecord], error)
	ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*UsageRecord, error)
	ListByRegion(ctx context.Context, organizationID uuid.UUID, stored region.Code, filter shared.Filter) (*shared.Paginated[UsageRecord], error)
	SumCostInPeriod(ctx context.Context, organizationID uuid.UUID, start, end time.Time) (decimal.Decimal, error)
	SumCostByTeamInPeriod(ctx context.Context, teamID uuid.UUID, start, end time.Time) (decimal.Decimal, error)
	SumCostByKeyInPeriod(ctx context.Context, keyID uuid.UUID, start, end time.Time) (decimal.Decimal, error)
	AggregateByModelInPeriod(ctx context.Context, organizationID uuid.UUID, start, end time.Time) ([]ModelUsage, error)
	DeleteSettledOlderThan(ctx context.Context, organizationID uuid.UUID, cutoff time.Time) (int64, error)
}

// ModelUsage is a per-model aggregate used for invoicing
type ModelUsage struct {
	Model       string
	Requests    int64
	TotalTokens int64
	TotalCost   decimal.Decimal
}
