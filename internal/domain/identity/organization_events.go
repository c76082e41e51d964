package identity

import (
	"github.com/meridian/backend/internal/domain/shared"
)

// Aggregate type constant
const AggregateTypeOrganization = "Organization"

// Event type constants
const (
	EventTypeOrganizationCreated      = "OrganizationCreated"
	EventTypeOrganizationStateChanged = "OrganizationStateChanged"
	EventTypeOrganizationTierChanged  = "OrganizationTierChanged"
	EventTypeBudgetThresholdCrossed   = "BudgetThresholdCrossed"
)

// OrganizationCreatedEvent is published when a new organization is created
type OrganizationCreatedEvent struct {
	shared.BaseDomainEvent
	Slug          string `json:"slug"`
	Name          string `json:"name"`
	PrimaryRegion string `json:"primary_region"`
	Tier          Tier   `json:"tier"`
}

// NewOrganizationCreatedEvent creates a new OrganizationCreatedEvent
func NewOrganizationCreatedEvent(org *Organization) *OrganizationCreatedEvent {
	return &OrganizationCreatedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeOrganizationCreated, AggregateTypeOrganization, org.ID, org.ID),
		Slug:            org.Slug,
		Name:            org.Name,
		PrimaryRegion:   org.PrimaryRegion.String(),
		Tier:            org.Tier,
	}
}

// OrganizationStateChangedEvent is published when the subscription state changes
type OrganizationStateChangedEvent struct {
	shared.BaseDomainEvent
	Slug     string            `json:"slug"`
	OldState SubscriptionState `json:"old_state"`
	NewState SubscriptionState `json:"new_state"`
}

// NewOrganizationStateChangedEvent creates a new OrganizationStateChangedEvent
func NewOrganizationStateChangedEvent(org *Organization, oldState, newState SubscriptionState) *OrganizationStateChangedEvent {
	return &OrganizationStateChangedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeOrganizationStateChanged, AggregateTypeOrganization, org.ID, org.ID),
		Slug:            org.Slug,
		OldState:        oldState,
		NewState:        newState,
	}
}

// OrganizationTierChangedEvent is published when the tier changes
type OrganizationTierChangedEvent struct {
	shared.BaseDomainEvent
	Slug    string `json:"slug"`
	OldTier Tier   `json:"old_tier"`
	NewTier Tier   `json:"new_tier"`
}

// NewOrganizationTierChangedEvent creates a new OrganizationTierChangedEvent
func NewOrganizationTierChangedEvent(org *Organization, oldTier, newTier Tier) *OrganizationTierChangedEvent {
	return &OrganizationTierChangedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeOrganizationTierChanged, AggregateTypeOrganization, org.ID, org.ID),
		Slug:            org.Slug,
		OldTier:         oldTier,
		NewTier:         newTier,
	}
}
