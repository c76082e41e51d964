package identity

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian/backend/internal/domain/shared"
)

// Team groups users and virtual keys under an organization, optionally with
// its own monthly budget and narrowed model lists.
type Team struct {
	shared.OrgAggregateRoot
	Name           string           `gorm:"type:varchar(200);not null"`
	MonthlyBudget  *decimal.Decimal `gorm:"type:decimal(18,6)"`
	AlertThreshold float64          `gorm:"not null;default:0.8"` // fraction of budget that triggers a warning
	ModelAllowList []string         `gorm:"serializer:json;type:text"`
	ModelDenyList  []string         `gorm:"serializer:json;type:text"`
	IsActive       bool             `gorm:"not null;default:true"`
}

// TableName returns the table name for GORM
func (Team) TableName() string {
	return "teams"
}

// NewTeam creates a new team in an organization
func NewTeam(organizationID uuid.UUID, name string) (*Team, error) {
	if organizationID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_ORGANIZATION", "Organization ID cannot be empty")
	}
	if name == "" {
		return nil, shared.NewDomainError("INVALID_NAME", "Team name cannot be empty")
	}
	if len(name) > 200 {
		return nil, shared.NewDomainError("INVALID_NAME", "Team name cannot exceed 200 characters")
	}

	return &Team{
		OrgAggregateRoot: shared.NewOrgAggregateRoot(organizationID),
		Name:             name,
		AlertThreshold:   0.8,
		IsActive:         true,
	}, nil
}

// SetBudget sets the monthly budget and alert threshold
func (t *Team) SetBudget(budget decimal.Decimal, alertThreshold float64) error {
	if budget.IsNegative() {
		return shared.NewDomainError("INVALID_BUDGET", "Budget cannot be negative")
	}
	if alertThreshold <= 0 || alertThreshold > 1 {
		return shared.NewDomainError("INVALID_THRESHOLD", "Alert threshold must be in (0, 1]")
	}
	t.MonthlyBudget = &budget
	t.AlertThreshold = alertThreshold
	t.UpdatedAt = time.Now()
	t.IncrementVersion()
	return nil
}

// ClearBudget removes the monthly budget
func (t *Team) ClearBudget() {
	t.MonthlyBudget = nil
	t.UpdatedAt = time.Now()
	t.IncrementVersion()
}

// SetModelLists sets the team's allow/deny lists. Lists may only narrow the
// organization's effective lists; the caller passes the organization's
// effective allow list for validation (empty = everything allowed).
func (t *Team) SetModelLists(allow, deny []string, orgAllow []string) error {
	if len(orgAllow) > 0 {
		permitted := make(map[string]struct{}, len(orgAllow))
		for _, m := range orgAllow {
			permitted[m] = struct{}{}
		}
		for _, m := range allow {
			if _, ok := permitted[m]; !ok {
				return shared.NewDomainError("LIST_WIDENS_PARENT", "Team allow list cannot include models outside the organization's list")
			}
		}
	}
	t.ModelAllowList = allow
	t.ModelDenyList = deny
	t.UpdatedAt = time.Now()
	t.IncrementVersion()
	return nil
}

// ModelPermitted checks the team's lists: deny wins, empty allow means all
func (t *Team) ModelPermitted(model string) bool {
	for _, m := range t.ModelDenyList {
		if m == model {
			return false
		}
	}
	if len(t.ModelAllowList) == 0 {
		return true
	}
	for _, m := range t.ModelAllowList {
		if m == model {
			return true
		}
	}
	return false
}

// BudgetWarningAt returns the spend level at which an alert fires, or nil if
// no budget is set.
func (t *Team) BudgetWarningAt() *decimal.Decimal {
	if t.MonthlyBudget == nil {
		return nil
	}
	w := t.MonthlyBudget.Mul(decimal.NewFromFloat(t.AlertThreshold))
	return &w
}

// Deactivate disables the team
func (t *Team) Deactivate() {
	t.IsActive = false
	t.UpdatedAt = time.Now()
	t.IncrementVersion()
}
