package quota

import (
	"time"

	"github.com/google/uuid"

	"github.com/meridian/backend/internal/domain/shared"
)

// UsageQuota is one counter row: a (scope, metric, granularity, window)
// combination with a live value and a limit. Fixed windows replace the row at
// rollover instead of resetting in place, so previous windows remain as
// history.
type UsageQuota struct {
	shared.BaseAggregateRoot
	OrganizationID uuid.UUID   `gorm:"type:uuid;not null;uniqueIndex:idx_quota_scope_window"`
	TeamID         *uuid.UUID  `gorm:"type:uuid;uniqueIndex:idx_quota_scope_window"`
	VirtualKeyID   *uuid.UUID  `gorm:"type:uuid;uniqueIndex:idx_quota_scope_window"`
	UserID         *uuid.UUID  `gorm:"type:uuid;uniqueIndex:idx_quota_scope_window"`
	ScopeLevel     ScopeLevel  `gorm:"type:varchar(20);not null"`
	Metric         Metric      `gorm:"type:varchar(20);not null;uniqueIndex:idx_quota_scope_window"`
	Granularity    Granularity `gorm:"type:varchar(10);not null;uniqueIndex:idx_quota_scope_window"`
	WindowType     WindowType  `gorm:"type:varchar(10);not null"`
	WindowStart    time.Time   `gorm:"not null;uniqueIndex:idx_quota_scope_window"`
	WindowEnd      time.Time   `gorm:"not null;index"`
	CurrentValue   int64       `gorm:"not null;default:0"`
	LimitValue     int64       `gorm:"not null"`
	IsExceeded     bool        `gorm:"not null;default:false"`
}

// TableName returns the table name for GORM
func (UsageQuota) TableName() string {
	return "usage_quotas"
}

// NewFixedWindowQuota creates the counter row for the fixed window containing
// now.
func NewFixedWindowQuota(organizationID uuid.UUID, scope Scope, metric Metric, granularity Granularity, limit int64, now time.Time) (*UsageQuota, error) {
	if !metric.IsValid() {
		return nil, shared.NewDomainError("INVALID_METRIC", "Invalid quota metric")
	}
	if limit < 0 {
		return nil, shared.NewDomainError("INVALID_LIMIT", "Quota limit cannot be negative")
	}
	start, end, err := FixedWindow(now, granularity)
	if err != nil {
		return nil, err
	}

	q := &UsageQuota{
		BaseAggregateRoot: shared.NewBaseAggregateRoot(),
		OrganizationID:    organizationID,
		ScopeLevel:        scope.Level,
		Metric:            metric,
		Granularity:       granularity,
		WindowType:        WindowFixed,
		WindowStart:       start,
		WindowEnd:         end,
		LimitValue:        limit,
	}
	q.bindScope(scope)
	return q, nil
}

// NewSlidingWindowQuota creates the reporting mirror row for a sliding
// window quota. The authoritative trailing counter lives in the window store;
// this row carries the limit and the last observed trailing value.
func NewSlidingWindowQuota(organizationID uuid.UUID, scope Scope, metric Metric, granularity Granularity, limit int64, now time.Time) (*UsageQuota, error) {
	if !metric.IsValid() {
		return nil, shared.NewDomainError("INVALID_METRIC", "Invalid quota metric")
	}
	if limit < 0 {
		return nil, shared.NewDomainError("INVALID_LIMIT", "Quota limit cannot be negative")
	}
	if !granularity.IsValid() {
		return nil, shared.NewDomainError("INVALID_GRANULARITY", "Invalid quota granularity")
	}
	start, end := SlidingWindow(now, granularity)

	q := &UsageQuota{
		BaseAggregateRoot: shared.NewBaseAggregateRoot(),
		OrganizationID:    organizationID,
		ScopeLevel:        scope.Level,
		Metric:            metric,
		Granularity:       granularity,
		WindowType:        WindowSliding,
		WindowStart:       start,
		WindowEnd:         end,
		LimitValue:        limit,
	}
	q.bindScope(scope)
	return q, nil
}

func (q *UsageQuota) bindScope(scope Scope) {
	switch scope.Level {
	case ScopeVirtualKey:
		id := scope.ID
		q.VirtualKeyID = &id
	case ScopeTeam:
		id := scope.ID
		q.TeamID = &id
	case ScopeUser:
		id := scope.ID
		q.UserID = &id
	case ScopeOrganization:
		q.OrganizationID = scope.ID
	}
}

// Scope reconstructs the owning scope of this counter
func (q *UsageQuota) Scope() Scope {
	switch q.ScopeLevel {
	case ScopeVirtualKey:
		if q.VirtualKeyID != nil {
			return Scope{Level: ScopeVirtualKey, ID: *q.VirtualKeyID}
		}
	case ScopeTeam:
		if q.TeamID != nil {
			return Scope{Level: ScopeTeam, ID: *q.TeamID}
		}
	case ScopeUser:
		if q.UserID != nil {
			return Scope{Level: ScopeUser, ID: *q.UserID}
		}
	}
	return Scope{Level: ScopeOrganization, ID: q.OrganizationID}
}

// Remaining returns headroom under the limit
func (q *UsageQuota) Remaining() int64 {
	r := q.LimitValue - q.CurrentValue
	if r < 0 {
		return 0
	}
	return r
}

// WouldExceed returns true if consuming amount would pass the limit
func (q *UsageQuota) WouldExceed(amount int64) bool {
	return q.CurrentValue+amount > q.LimitValue
}

// Expired returns true if now is past the fixed window's end
func (q *UsageQuota) Expired(now time.Time) bool {
	return q.WindowType == WindowFixed && !now.UTC().Before(q.WindowEnd)
}

// NextWindow creates the successor counter row for an expired fixed window
func (q *UsageQuota) NextWindow(now time.Time) (*UsageQuota, error) {
	if q.WindowType != WindowFixed {
		return nil, shared.NewDomainError("INVALID_WINDOW_TYPE", "Only fixed windows roll over")
	}
	return NewFixedWindowQuota(q.OrganizationID, q.Scope(), q.Metric, q.Granularity, q.LimitValue, now)
}
