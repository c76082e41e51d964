package quota

import (
	"github.com/google/uuid"

	"github.com/meridian/backend/internal/domain/shared"
)

// ScopeLevel identifies one level of the budget cascade
type ScopeLevel string

const (
	ScopeVirtualKey   ScopeLevel = "virtual_key"
	ScopeTeam         ScopeLevel = "team"
	ScopeOrganization ScopeLevel = "organization"
	ScopeUser         ScopeLevel = "user"
)

// String returns the string representation of ScopeLevel
func (l ScopeLevel) String() string {
	return string(l)
}

// IsValid returns true if the scope level is valid
func (l ScopeLevel) IsValid() bool {
	switch l {
	case ScopeVirtualKey, ScopeTeam, ScopeOrganization, ScopeUser:
		return true
	}
	return false
}

// rank orders levels from most specific (lowest) to least specific
func (l ScopeLevel) rank() int {
	switch l {
	case ScopeVirtualKey:
		return 0
	case ScopeUser:
		return 1
	case ScopeTeam:
		return 2
	case ScopeOrganization:
		return 3
	}
	return 99
}

// Scope identifies one counter owner in the cascade
type Scope struct {
	Level ScopeLevel
	ID    uuid.UUID
}

// Chain is the ordered list of scopes a check walks, most specific first,
// e.g. [virtual_key, team, organization]. The first scope without room denies
// the whole operation.
type Chain []Scope

// Validate checks the chain is non-empty, strictly narrowing, and ends at the
// organization.
func (c Chain) Validate() error {
	if len(c) == 0 {
		return shared.NewDomainError("EMPTY_SCOPE_CHAIN", "Scope chain cannot be empty")
	}
	prev := -1
	for _, s := range c {
		if !s.Level.IsValid() {
			return shared.NewDomainError("INVALID_SCOPE", "Invalid scope level")
		}
		if s.ID == uuid.Nil {
			return shared.NewDomainError("INVALID_SCOPE", "Scope ID cannot be empty")
		}
		r := s.Level.rank()
		if r <= prev {
			return shared.NewDomainError("INVALID_SCOPE_CHAIN", "Scope chain must go from most specific to least specific")
		}
		prev = r
	}
	if c[len(c)-1].Level != ScopeOrganization {
		return shared.NewDomainError("INVALID_SCOPE_CHAIN", "Scope chain must end at the organization")
	}
	return nil
}

// Organization returns the organization scope terminating the chain
func (c Chain) Organization() (Scope, bool) {
	if len(c) == 0 {
		return Scope{}, false
	}
	last := c[len(c)-1]
	if last.Level != ScopeOrganization {
		return Scope{}, false
	}
	return last, true
}
