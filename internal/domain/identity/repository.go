package identity

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian/backend/internal/domain/shared"
)

// OrganizationRepository persists organizations. Organizations are the tenant
// roots, so lookups here are not tenant-scoped themselves.
type OrganizationRepository interface {
	Save(ctx context.Context, org *Organization) error
	Update(ctx context.Context, org *Organization) error
	FindByID(ctx context.Context, id uuid.UUID) (*Organization, error)
	FindBySlug(ctx context.Context, slug string) (*Organization, error)
	// AdjustCreditBalance atomically applies a delta to the stored balance.
	AdjustCreditBalance(ctx context.Context, id uuid.UUID, delta decimal.Decimal) error
	// HasChildData reports whether any tenant-scoped rows still reference the
	// organization. Deactivation is allowed; hard deletion is not while true.
	HasChildData(ctx context.Context, id uuid.UUID) (bool, error)
	// ListOperational returns organizations whose subscription still permits
	// work. Background sweeps iterate it.
	ListOperational(ctx context.Context) ([]*Organization, error)
}

// TeamRepository persists teams within an organization
type TeamRepository interface {
	Save(ctx context.Context, team *Team) error
	Update(ctx context.Context, team *Team) error
	FindByID(ctx context.Context, organizationID, id uuid.UUID) (*Team, error)
	ListForOrganization(ctx context.Context, organizationID uuid.UUID, filter shared.Filter) ([]*Team, int64, error)
}

// UserRepository persists users and their append-only consent history
type UserRepository interface {
	Save(ctx context.Context, user *User) error
	Update(ctx context.Context, user *User) error
	FindByID(ctx context.Context, organizationID, id uuid.UUID) (*User, error)
	FindByEmail(ctx context.Context, organizationID uuid.UUID, email string) (*User, error)
	AppendConsent(ctx context.Context, record *ConsentRecord) error
	ConsentHistory(ctx context.Context, organizationID, userID uuid.UUID, scope ConsentScope) ([]*ConsentRecord, error)
	// LatestConsent returns the most recent consent record for the scope, or
	// shared.ErrNotFound if the user never recorded one.
	LatestConsent(ctx context.Context, organizationID, userID uuid.UUID, scope ConsentScope) (*ConsentRecord, error)
}

// VirtualKeyRepository persists virtual keys. ConsumeSpend and ReleaseSpend
// are the atomic budget primitives used by the quota engine.
type VirtualKeyRepository interface {
	Save(ctx context.Context, key *VirtualKey) error
	Update(ctx context.Context, key *VirtualKey) error
	FindByID(ctx context.Context, organizationID, id uuid.UUID) (*VirtualKey, error)
	FindByKeyHash(ctx context.Context, keyHash string) (*VirtualKey, error)
	ListForTeam(ctx context.Context, organizationID, teamID uuid.UUID) ([]*VirtualKey, error)
	// ConsumeSpend atomically adds amount to current_spend only if the result
	// stays within max_budget (or the key has no budget). Returns false when
	// the budget has no room; the row is unchanged in that case.
	ConsumeSpend(ctx context.Context, organizationID, id uuid.UUID, amount decimal.Decimal) (bool, error)
	// ReleaseSpend compensates a prior ConsumeSpend, flooring at zero.
	ReleaseSpend(ctx context.Context, organizationID, id uuid.UUID, amount decimal.Decimal) error
	// SettleSpend applies the delta between estimated and actual spend without
	// a budget check; settlement never blocks completed work.
	SettleSpend(ctx context.Context, organizationID, id uuid.UUID, delta decimal.Decimal) error
	// ListOverBudget returns active keys whose settled spend exceeds their
	// budget; used by the reconciliation sweep.
	ListOverBudget(ctx context.Context, organizationID uuid.UUID) ([]*VirtualKey, error)
}
