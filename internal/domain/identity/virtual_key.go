package identity

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian/backend/internal/domain/region"
	"github.com/meridian/backend/internal/domain/shared"
)

// VirtualKeyStatus represents the lifecycle state of a virtual key
type VirtualKeyStatus string

const (
	VirtualKeyActive  VirtualKeyStatus = "active"
	VirtualKeyRevoked VirtualKeyStatus = "revoked"
)

// VirtualKey is the capability credential work enters the platform with. It
// belongs to one organization and one team and carries the most specific
// budget in the cascade.
//
// CurrentSpend is soft-limited: a streamed unit of work may momentarily push
// it past MaxBudget between consumption and settlement. The reconciliation
// sweep closes the gap; the budget check still denies new work once the
// budget is reached.
type VirtualKey struct {
	shared.OrgAggregateRoot
	TeamID         uuid.UUID        `gorm:"type:uuid;not null;index"`
	Name           string           `gorm:"type:varchar(200);not null"`
	KeyHash        string           `gorm:"type:varchar(128);not null;uniqueIndex"`
	MaxBudget      *decimal.Decimal `gorm:"type:decimal(18,6)"`
	CurrentSpend   decimal.Decimal  `gorm:"type:decimal(18,6);not null;default:0"`
	RPMLimit       int64            `gorm:"not null;default:0"` // 0 = unlimited
	TPMLimit       int64            `gorm:"not null;default:0"`
	Region         region.Code      `gorm:"type:varchar(32)"`
	ModelAllowList []string         `gorm:"serializer:json;type:text"`
	ModelDenyList  []string         `gorm:"serializer:json;type:text"`
	Status         VirtualKeyStatus `gorm:"type:varchar(20);not null;default:'active'"`
	LastUsedAt     *time.Time
}

// TableName returns the table name for GORM
func (VirtualKey) TableName() string {
	return "virtual_keys"
}

// NewVirtualKey creates a new key credential. keyHash is the digest of the
// secret; the secret itself never reaches this layer.
func NewVirtualKey(organizationID, teamID uuid.UUID, name, keyHash string) (*VirtualKey, error) {
	if organizationID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_ORGANIZATION", "Organization ID cannot be empty")
	}
	if teamID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TEAM", "Team ID cannot be empty")
	}
	if name == "" {
		return nil, shared.NewDomainError("INVALID_NAME", "Key name cannot be empty")
	}
	if keyHash == "" {
		return nil, shared.NewDomainError("INVALID_KEY_HASH", "Key hash cannot be empty")
	}

	return &VirtualKey{
		OrgAggregateRoot: shared.NewOrgAggregateRoot(organizationID),
		TeamID:           teamID,
		Name:             name,
		KeyHash:          keyHash,
		CurrentSpend:     decimal.Zero,
		Status:           VirtualKeyActive,
	}, nil
}

// SetBudget sets the key's spend ceiling
func (k *VirtualKey) SetBudget(maxBudget decimal.Decimal) error {
	if maxBudget.IsNegative() {
		return shared.NewDomainError("INVALID_BUDGET", "Budget cannot be negative")
	}
	k.MaxBudget = &maxBudget
	k.UpdatedAt = time.Now()
	k.IncrementVersion()
	return nil
}

// SetRateLimits sets requests/tokens-per-minute limits (0 = unlimited)
func (k *VirtualKey) SetRateLimits(rpm, tpm int64) error {
	if rpm < 0 || tpm < 0 {
		return shared.NewDomainError("INVALID_RATE_LIMIT", "Rate limits cannot be negative")
	}
	k.RPMLimit = rpm
	k.TPMLimit = tpm
	k.UpdatedAt = time.Now()
	k.IncrementVersion()
	return nil
}

// SetModelLists narrows the team's lists. The caller passes the team's
// effective allow list for validation (empty = everything the team allows).
func (k *VirtualKey) SetModelLists(allow, deny []string, teamAllow []string) error {
	if len(teamAllow) > 0 {
		permitted := make(map[string]struct{}, len(teamAllow))
		for _, m := range teamAllow {
			permitted[m] = struct{}{}
		}
		for _, m := range allow {
			if _, ok := permitted[m]; !ok {
				return shared.NewDomainError("LIST_WIDENS_PARENT", "Key allow list cannot include models outside the team's list")
			}
		}
	}
	k.ModelAllowList = allow
	k.ModelDenyList = deny
	k.UpdatedAt = time.Now()
	k.IncrementVersion()
	return nil
}

// ModelPermitted checks the key's lists: deny wins, empty allow means all
func (k *VirtualKey) ModelPermitted(model string) bool {
	for _, m := range k.ModelDenyList {
		if m == model {
			return false
		}
	}
	if len(k.ModelAllowList) == 0 {
		return true
	}
	for _, m := range k.ModelAllowList {
		if m == model {
			return true
		}
	}
	return false
}

// HasBudgetRoom returns true if spending amount would stay within MaxBudget.
// Keys without a budget always have room.
func (k *VirtualKey) HasBudgetRoom(amount decimal.Decimal) bool {
	if k.MaxBudget == nil {
		return true
	}
	return k.CurrentSpend.Add(amount).LessThanOrEqual(*k.MaxBudget)
}

// OverBudget returns true if settled spend already exceeds the budget
func (k *VirtualKey) OverBudget() bool {
	return k.MaxBudget != nil && k.CurrentSpend.GreaterThan(*k.MaxBudget)
}

// Revoke permanently disables the key
func (k *VirtualKey) Revoke() error {
	if k.Status == VirtualKeyRevoked {
		return shared.NewDomainError("ALREADY_REVOKED", "Key is already revoked")
	}
	k.Status = VirtualKeyRevoked
	k.UpdatedAt = time.Now()
	k.IncrementVersion()
	return nil
}

// IsActive returns true if the key may be used
func (k *VirtualKey) IsActive() bool {
	return k.Status == VirtualKeyActive
}

// Touch records key usage
func (k *VirtualKey) Touch() {
	now := time.Now()
	k.LastUsedAt = &now
}
