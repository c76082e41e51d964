package quota

import (
	"github.com/meridian/backend/internal/domain/shared"
)

// Aggregate type constant
const AggregateTypeUsageQuota = "UsageQuota"

// Event type constants
const (
	EventTypeQuotaExceeded = "QuotaExceeded"
	EventTypeQuotaRolledOver = "QuotaWindowRolledOver"
)

// QuotaExceededEvent is published when a check denies at a scope
type QuotaExceededEvent struct {
	shared.BaseDomainEvent
	Scope       ScopeLevel `json:"scope"`
	Metric      Metric     `json:"metric"`
	Granularity Granularity `json:"granularity"`
	Limit       int64      `json:"limit"`
	Requested   int64      `json:"requested"`
}

// NewQuotaExceededEvent creates a new QuotaExceededEvent
func NewQuotaExceededEvent(q *UsageQuota, requested int64) *QuotaExceededEvent {
	return &QuotaExceededEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeQuotaExceeded, AggregateTypeUsageQuota, q.ID, q.OrganizationID),
		Scope:           q.ScopeLevel,
		Metric:          q.Metric,
		Granularity:     q.Granularity,
		Limit:           q.LimitValue,
		Requested:       requested,
	}
}

// QuotaRolledOverEvent is published when a fixed window is replaced
type QuotaRolledOverEvent struct {
	shared.BaseDomainEvent
	Metric      Metric      `json:"metric"`
	Granularity Granularity `json:"granularity"`
	FinalValue  int64       `json:"final_value"`
}

// NewQuotaRolledOverEvent creates a new QuotaRolledOverEvent
func NewQuotaRolledOverEvent(old *UsageQuota) *QuotaRolledOverEvent {
	return &QuotaRolledOverEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeQuotaRolledOver, AggregateTypeUsageQuota, old.ID, old.OrganizationID),
		Metric:          old.Metric,
		Granularity:     old.Granularity,
		FinalValue:      old.CurrentValue,
	}
}
