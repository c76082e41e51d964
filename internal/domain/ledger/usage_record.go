package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian/backend/internal/domain/region"
	"github.com/meridian/backend/internal/domain/shared"
)

// UsageStatus tracks a usage record through its lifecycle. Records are
// created pending at routing time and settled once the actual token
// counts and cost are known.
type UsageStatus string

const (
	UsagePending UsageStatus = "pending"
	UsageSettled UsageStatus = "settled"
	UsageFailed  UsageStatus = "failed"
)

// IsValid returns true if the status is from the closed set
func (s UsageStatus) IsValid() bool {
	switch s {
	case UsagePending, UsageSettled, UsageFailed:
		return true
	}
	return false
}

// UsageRecord is the unit of metered usage. It carries the full region
// provenance of the request so sovereignty reporting never has to infer
// where data was processed or stored after the fact.
type UsageRecord struct {
	shared.OrgAggregateRoot
	TeamID          *uuid.UUID         `gorm:"type:uuid;index"`
	UserID          *uuid.UUID         `gorm:"type:uuid;index"`
	VirtualKeyID    *uuid.UUID         `gorm:"type:uuid;index"`
	Model           string             `gorm:"type:varchar(100);not null;index"`
	Status          UsageStatus        `gorm:"type:varchar(20);not null;index"`
	InputTokens     int64              `gorm:"not null;default:0"`
	OutputTokens    int64              `gorm:"not null;default:0"`
	Cost            decimal.Decimal    `gorm:"type:decimal(18,6);not null"`
	UserRegion      region.Code        `gorm:"type:varchar(32);not null"`
	ProcessedRegion region.Code        `gorm:"type:varchar(32);not null;index"`
	StoredRegion    region.Code        `gorm:"type:varchar(32);not null;index"`
	CrossBorder     bool               `gorm:"not null;default:false;index"`
	LegalBasis      region.LegalBasis  `gorm:"type:varchar(20)"`
	TransferID      *uuid.UUID         `gorm:"type:uuid;index"`
	RequestedAt     time.Time          `gorm:"not null;index"`
	SettledAt       *time.Time         `gorm:""`
}

// TableName returns the table name for GORM
func (UsageRecord) TableName() string {
	return "usage_records"
}

// NewUsageRecord creates a pending record from a routing decision. The
// decision must already be validated; a cross-border decision without a
// legal basis is rejected here as well so an unvalidated decision can
// never produce a record.
func NewUsageRecord(organizationID uuid.UUID, model string, userRegion region.Code, decision region.RoutingDecision) (*UsageRecord, error) {
	if organizationID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_ORGANIZATION", "Organization ID cannot be empty")
	}
	if model == "" {
		return nil, shared.NewDomainError("INVALID_MODEL", "Model cannot be empty")
	}
	if err := decision.Validate(); err != nil {
		return nil, err
	}

	return &UsageRecord{
		OrgAggregateRoot: shared.NewOrgAggregateRoot(organizationID),
		Model:            model,
		Status:           UsagePending,
		Cost:             decimal.Zero,
		UserRegion:       userRegion,
		ProcessedRegion:  decision.ProcessedRegion,
		StoredRegion:     decision.StoredRegion,
		CrossBorder:      decision.CrossBorder,
		LegalBasis:       decision.LegalBasis,
		RequestedAt:      time.Now().UTC(),
	}, nil
}

// ForTeam attributes the record to a team
func (r *UsageRecord) ForTeam(teamID uuid.UUID) *UsageRecord {
	r.TeamID = &teamID
	return r
}

// ForUser attributes the record to a user
func (r *UsageRecord) ForUser(userID uuid.UUID) *UsageRecord {
	r.UserID = &userID
	return r
}

// ForVirtualKey attributes the record to the key that made the request
func (r *UsageRecord) ForVirtualKey(keyID uuid.UUID) *UsageRecord {
	r.VirtualKeyID = &keyID
	return r
}

// LinkTransfer attaches the cross-border transfer record created for
// this request
func (r *UsageRecord) LinkTransfer(transferID uuid.UUID) *UsageRecord {
	r.TransferID = &transferID
	return r
}

// TotalTokens returns input plus output tokens
func (r *UsageRecord) TotalTokens() int64 {
	return r.InputTokens + r.OutputTokens
}

// Settle finalizes the record with actual token counts and cost
func (r *UsageRecord) Settle(inputTokens, outputTokens int64, cost decimal.Decimal) error {
	if r.Status != UsagePending {
		return shared.NewDomainError("USAGE_NOT_PENDING", "Only pending usage records can be settled")
	}
	if inputTokens < 0 || outputTokens < 0 {
		return shared.NewDomainError("INVALID_TOKENS", "Token counts cannot be negative")
	}
	if cost.IsNegative() {
		return shared.NewDomainError("INVALID_COST", "Usage cost cannot be negative")
	}

	now := time.Now().UTC()
	r.InputTokens = inputTokens
	r.OutputTokens = outputTokens
	r.Cost = cost
	r.Status = UsageSettled
	r.SettledAt = &now
	r.IncrementVersion()
	r.AddDomainEvent(NewUsageSettledEvent(r))
	return nil
}

// Fail marks a pending record as failed without billing it
func (r *UsageRecord) Fail() error {
	if r.Status != UsagePending {
		return shared.NewDomainError("USAGE_NOT_PENDING", "Only pending usage records can be failed")
	}
	r.Status = UsageFailed
	r.IncrementVersion()
	return nil
}
