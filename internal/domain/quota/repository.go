package quota

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UsageQuotaRepository persists quota counter rows. Consume is the atomic
// primitive the engine is built on: two concurrent callers must never both
// observe room when only one unit remains.
type UsageQuotaRepository interface {
	Save(ctx context.Context, q *UsageQuota) error
	FindByID(ctx context.Context, organizationID, id uuid.UUID) (*UsageQuota, error)

	// FindCurrentWindow returns the counter row for the scope/metric/
	// granularity whose window contains now, or shared.ErrNotFound.
	FindCurrentWindow(ctx context.Context, organizationID uuid.UUID, scope Scope, metric Metric, granularity Granularity, now time.Time) (*UsageQuota, error)

	// FindLatestWindow returns the most recent counter row for the scope/
	// metric/granularity regardless of its window, or shared.ErrNotFound.
	// The engine uses it to carry the limit forward when a consume misses
	// the current-window row.
	FindLatestWindow(ctx context.Context, organizationID uuid.UUID, scope Scope, metric Metric, granularity Granularity) (*UsageQuota, error)

	// Consume atomically increments current_value by amount only when the
	// post-increment value stays within limit_value. Returns the consumed
	// flag and the row's remaining headroom after the attempt.
	Consume(ctx context.Context, quotaID uuid.UUID, amount int64) (bool, int64, error)

	// Release decrements current_value by amount, flooring at zero. Used for
	// compensation when a later scope in the chain denies, and when cancelled
	// work is explicitly released.
	Release(ctx context.Context, quotaID uuid.UUID, amount int64) error

	// AdjustBy applies a settlement delta (positive or negative) without a
	// limit check, then refreshes is_exceeded.
	AdjustBy(ctx context.Context, quotaID uuid.UUID, delta int64) error

	// ListExpiredFixedWindows returns fixed-window rows whose window ended
	// before now; the rollover job replaces each with a fresh window row.
	ListExpiredFixedWindows(ctx context.Context, now time.Time, limit int) ([]*UsageQuota, error)

	// ListForOrganization returns all current counter rows for reporting.
	ListForOrganization(ctx context.Context, organizationID uuid.UUID) ([]*UsageQuota, error)
}

// SlidingWindowStore answers "how much was consumed in the trailing window"
// and performs the atomic trailing check-and-consume for sliding quotas. The
// production implementation keeps per-scope event buckets in Redis.
type SlidingWindowStore interface {
	// ConsumeInWindow atomically records amount against the scope's trailing
	// window iff the trailing sum plus amount stays within limit. Returns the
	// consumed flag and the trailing sum after the attempt.
	ConsumeInWindow(ctx context.Context, key string, window time.Duration, amount, limit int64, now time.Time) (bool, int64, error)

	// Release subtracts amount from the trailing window.
	Release(ctx context.Context, key string, window time.Duration, amount int64, now time.Time) error

	// TrailingSum returns the current trailing-window consumption.
	TrailingSum(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error)
}

// WindowKey builds the sliding-window store key for a scope and metric
func WindowKey(scope Scope, metric Metric, granularity Granularity) string {
	return "quota:" + scope.Level.String() + ":" + scope.ID.String() + ":" + metric.String() + ":" + granularity.String()
}
