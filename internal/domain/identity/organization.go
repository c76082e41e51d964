package identity

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian/backend/internal/domain/region"
	"github.com/meridian/backend/internal/domain/shared"
)

// SubscriptionState represents the billing state of an organization
type SubscriptionState string

const (
	SubscriptionActive      SubscriptionState = "active"
	SubscriptionTrialing    SubscriptionState = "trialing"
	SubscriptionPastDue     SubscriptionState = "past_due"
	SubscriptionSuspended   SubscriptionState = "suspended"
	SubscriptionDeactivated SubscriptionState = "deactivated"
)

// Tier represents the subscription tier of an organization
type Tier string

const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// AllowsRegionOverride returns true if the tier may pin storage to a region
// other than the user's residency region.
func (t Tier) AllowsRegionOverride() bool {
	return t == TierEnterprise
}

// HasContractualClauses returns true if the tier's master agreement includes
// standard contractual clauses for cross-border processing.
func (t Tier) HasContractualClauses() bool {
	switch t {
	case TierStarter, TierPro, TierEnterprise:
		return true
	}
	return false
}

// QuotaOverrides holds per-organization overrides of the tier's default
// limits. Nil values inherit the tier default.
type QuotaOverrides struct {
	MonthlyRequests *int64 `json:"monthly_requests,omitempty"`
	MonthlyTokens   *int64 `json:"monthly_tokens,omitempty"`
	MaxTeams        *int   `json:"max_teams,omitempty"`
	MaxUsers        *int   `json:"max_users,omitempty"`
	MaxVirtualKeys  *int   `json:"max_virtual_keys,omitempty"`
}

// ConsentRecordRef captures the organization-level consent snapshot
type ConsentRecordRef struct {
	Version    string     `json:"version"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
}

// Organization is the tenant root. Everything scoped beneath it carries its
// ID, and no query path may cross organizations.
type Organization struct {
	shared.BaseAggregateRoot
	Slug              string            `gorm:"type:varchar(80);not null;uniqueIndex"`
	Name              string            `gorm:"type:varchar(200);not null"`
	PrimaryRegion     region.Code       `gorm:"type:varchar(32);not null"`
	AvailableRegions  []string          `gorm:"serializer:json;type:text"`
	Tier              Tier              `gorm:"type:varchar(20);not null;default:'free'"`
	SubscriptionState SubscriptionState `gorm:"type:varchar(20);not null;default:'active'"`
	CreditBalance     decimal.Decimal   `gorm:"type:decimal(18,6);not null;default:0"`
	QuotaOverrides    QuotaOverrides    `gorm:"serializer:json;type:text"`
	RetentionDays     int               `gorm:"not null;default:90"`
	Consent           ConsentRecordRef  `gorm:"embedded;embeddedPrefix:consent_"`
	DeactivatedAt     *time.Time
}

// TableName returns the table name for GORM
func (Organization) TableName() string {
	return "organizations"
}

// NewOrganization creates a new organization rooted in a primary region
func NewOrganization(slug, name string, primaryRegion region.Code) (*Organization, error) {
	if err := validateSlug(slug); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, shared.NewDomainError("INVALID_NAME", "Organization name cannot be empty")
	}
	if len(name) > 200 {
		return nil, shared.NewDomainError("INVALID_NAME", "Organization name cannot exceed 200 characters")
	}
	if err := primaryRegion.Validate(); err != nil {
		return nil, err
	}

	org := &Organization{
		BaseAggregateRoot: shared.NewBaseAggregateRoot(),
		Slug:              strings.ToLower(slug),
		Name:              name,
		PrimaryRegion:     primaryRegion,
		AvailableRegions:  []string{primaryRegion.String()},
		Tier:              TierFree,
		SubscriptionState: SubscriptionActive,
		CreditBalance:     decimal.Zero,
		RetentionDays:     90,
	}

	org.AddDomainEvent(NewOrganizationCreatedEvent(org))

	return org, nil
}

// Regions returns the provisioned regions as a CodeList
func (o *Organization) Regions() region.CodeList {
	out := make(region.CodeList, 0, len(o.AvailableRegions))
	for _, s := range o.AvailableRegions {
		out = append(out, region.Code(s))
	}
	return out
}

// HasRegion returns true if the region is provisioned for this organization
func (o *Organization) HasRegion(c region.Code) bool {
	return o.Regions().Contains(c)
}

// ProvisionRegion adds a region to the organization's available set
func (o *Organization) ProvisionRegion(c region.Code) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if o.HasRegion(c) {
		return shared.ErrAlreadyExists
	}
	o.AvailableRegions = append(o.AvailableRegions, c.String())
	o.UpdatedAt = time.Now()
	o.IncrementVersion()
	return nil
}

// SetTier changes the subscription tier
func (o *Organization) SetTier(tier Tier) error {
	switch tier {
	case TierFree, TierStarter, TierPro, TierEnterprise:
	default:
		return shared.NewDomainError("INVALID_TIER", "Invalid tier")
	}

	oldTier := o.Tier
	o.Tier = tier
	o.UpdatedAt = time.Now()
	o.IncrementVersion()

	o.AddDomainEvent(NewOrganizationTierChangedEvent(o, oldTier, tier))

	return nil
}

// RecordConsent records acceptance of the given consent document version
func (o *Organization) RecordConsent(version string) error {
	if version == "" {
		return shared.NewDomainError("INVALID_CONSENT", "Consent version cannot be empty")
	}
	now := time.Now()
	o.Consent = ConsentRecordRef{Version: version, AcceptedAt: &now}
	o.UpdatedAt = now
	o.IncrementVersion()
	return nil
}

// SetRetention updates the data retention policy
func (o *Organization) SetRetention(days int) error {
	if days <= 0 {
		return shared.NewDomainError("INVALID_RETENTION", "Retention days must be positive")
	}
	o.RetentionDays = days
	o.UpdatedAt = time.Now()
	o.IncrementVersion()
	return nil
}

// Suspend suspends the organization (e.g. for non-payment)
func (o *Organization) Suspend() error {
	if o.SubscriptionState == SubscriptionSuspended {
		return shared.NewDomainError("ALREADY_SUSPENDED", "Organization is already suspended")
	}
	if o.SubscriptionState == SubscriptionDeactivated {
		return shared.ErrInvalidState
	}

	old := o.SubscriptionState
	o.SubscriptionState = SubscriptionSuspended
	o.UpdatedAt = time.Now()
	o.IncrementVersion()

	o.AddDomainEvent(NewOrganizationStateChangedEvent(o, old, SubscriptionSuspended))

	return nil
}

// Reactivate returns a suspended or past-due organization to active state
func (o *Organization) Reactivate() error {
	switch o.SubscriptionState {
	case SubscriptionSuspended, SubscriptionPastDue:
	default:
		return shared.ErrInvalidState
	}

	old := o.SubscriptionState
	o.SubscriptionState = SubscriptionActive
	o.UpdatedAt = time.Now()
	o.IncrementVersion()

	o.AddDomainEvent(NewOrganizationStateChangedEvent(o, old, SubscriptionActive))

	return nil
}

// Deactivate soft-deactivates the organization. The row is never hard-deleted
// while child data exists.
func (o *Organization) Deactivate() error {
	if o.SubscriptionState == SubscriptionDeactivated {
		return shared.NewDomainError("ALREADY_DEACTIVATED", "Organization is already deactivated")
	}

	old := o.SubscriptionState
	now := time.Now()
	o.SubscriptionState = SubscriptionDeactivated
	o.DeactivatedAt = &now
	o.UpdatedAt = now
	o.IncrementVersion()

	o.AddDomainEvent(NewOrganizationStateChangedEvent(o, old, SubscriptionDeactivated))

	return nil
}

// MarkPastDue flags the organization for overdue payment
func (o *Organization) MarkPastDue() error {
	if o.SubscriptionState != SubscriptionActive && o.SubscriptionState != SubscriptionTrialing {
		return shared.ErrInvalidState
	}

	old := o.SubscriptionState
	o.SubscriptionState = SubscriptionPastDue
	o.UpdatedAt = time.Now()
	o.IncrementVersion()

	o.AddDomainEvent(NewOrganizationStateChangedEvent(o, old, SubscriptionPastDue))

	return nil
}

// IsOperational returns true if units of work may proceed for this tenant.
// Past-due organizations keep operating until they are suspended.
func (o *Organization) IsOperational() bool {
	switch o.SubscriptionState {
	case SubscriptionActive, SubscriptionTrialing, SubscriptionPastDue:
		return true
	}
	return false
}

// AllowsRegionOverride returns true if the organization may pin storage away
// from the user's residency region.
func (o *Organization) AllowsRegionOverride() bool {
	return o.Tier.AllowsRegionOverride()
}

func validateSlug(slug string) error {
	if slug == "" {
		return shared.NewDomainError("INVALID_SLUG", "Organization slug cannot be empty")
	}
	if len(slug) > 80 {
		return shared.NewDomainError("INVALID_SLUG", "Organization slug cannot exceed 80 characters")
	}
	for _, r := range slug {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_') {
			return shared.NewDomainError("INVALID_SLUG", "Organization slug can only contain letters, numbers, underscores, and hyphens")
		}
	}
	return nil
}
