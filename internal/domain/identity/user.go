package identity

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridian/backend/internal/domain/region"
	"github.com/meridian/backend/internal/domain/shared"
)

// Role represents a user's role within their organization
type Role string

const (
	RoleMember     Role = "member"
	RoleAdmin      Role = "admin"
	RoleSuperadmin Role = "superadmin" // platform operator; may bypass tenant scoping explicitly
)

// IsValid returns true if the role is valid
func (r Role) IsValid() bool {
	switch r {
	case RoleMember, RoleAdmin, RoleSuperadmin:
		return true
	}
	return false
}

// User belongs to exactly one organization and carries the regions governing
// where their personal data lives.
type User struct {
	shared.OrgAggregateRoot
	Email               string      `gorm:"type:varchar(200);not null;index"`
	Role                Role        `gorm:"type:varchar(20);not null;default:'member'"`
	DataResidencyRegion region.Code `gorm:"type:varchar(32);not null"`
	CreatedInRegion     region.Code `gorm:"type:varchar(32);not null"` // set once, never changed
	IsActive            bool        `gorm:"not null;default:true"`
}

// TableName returns the table name for GORM
func (User) TableName() string {
	return "users"
}

// NewUser creates a new user. CreatedInRegion is fixed at creation time and
// is immutable afterwards.
func NewUser(organizationID uuid.UUID, email string, residency, createdIn region.Code) (*User, error) {
	if organizationID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_ORGANIZATION", "Organization ID cannot be empty")
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, shared.NewDomainError("INVALID_EMAIL", "Invalid email address")
	}
	if err := residency.Validate(); err != nil {
		return nil, err
	}
	if err := createdIn.Validate(); err != nil {
		return nil, err
	}

	return &User{
		OrgAggregateRoot:    shared.NewOrgAggregateRoot(organizationID),
		Email:               email,
		Role:                RoleMember,
		DataResidencyRegion: residency,
		CreatedInRegion:     createdIn,
		IsActive:            true,
	}, nil
}

// SetRole changes the user's role
func (u *User) SetRole(role Role) error {
	if !role.IsValid() {
		return shared.NewDomainError("INVALID_ROLE", "Invalid role")
	}
	u.Role = role
	u.UpdatedAt = time.Now()
	u.IncrementVersion()
	return nil
}

// SetResidency moves the user's residency region. The records already stored
// stay where they are; only future routing is affected.
func (u *User) SetResidency(residency region.Code) error {
	if err := residency.Validate(); err != nil {
		return err
	}
	u.DataResidencyRegion = residency
	u.UpdatedAt = time.Now()
	u.IncrementVersion()
	return nil
}

// Deactivate disables the user
func (u *User) Deactivate() {
	u.IsActive = false
	u.UpdatedAt = time.Now()
	u.IncrementVersion()
}

// ConsentScope identifies what a consent record covers
type ConsentScope string

const (
	ConsentScopeCrossBorderTransfer ConsentScope = "cross_border_transfer"
	ConsentScopeAnalytics           ConsentScope = "analytics"
	ConsentScopeMarketing           ConsentScope = "marketing"
)

// IsValid returns true if the scope is valid
func (s ConsentScope) IsValid() bool {
	switch s {
	case ConsentScopeCrossBorderTransfer, ConsentScopeAnalytics, ConsentScopeMarketing:
		return true
	}
	return false
}

// ConsentRecord is one entry in a user's append-only consent history.
// Earlier records are never overwritten; revocation is a new record with
// Granted=false.
type ConsentRecord struct {
	shared.BaseEntity
	OrganizationID  uuid.UUID    `gorm:"type:uuid;not null;index"`
	UserID          uuid.UUID    `gorm:"type:uuid;not null;index"`
	Scope           ConsentScope `gorm:"type:varchar(40);not null"`
	Granted         bool         `gorm:"not null"`
	DocumentVersion string       `gorm:"type:varchar(40);not null"`
	RecordedAt      time.Time    `gorm:"not null"`
}

// TableName returns the table name for GORM
func (ConsentRecord) TableName() string {
	return "consent_records"
}

// NewConsentRecord creates a consent history entry
func NewConsentRecord(organizationID, userID uuid.UUID, scope ConsentScope, granted bool, documentVersion string) (*ConsentRecord, error) {
	if !scope.IsValid() {
		return nil, shared.NewDomainError("INVALID_CONSENT_SCOPE", "Invalid consent scope")
	}
	if documentVersion == "" {
		return nil, shared.NewDomainError("INVALID_CONSENT", "Consent document version cannot be empty")
	}
	return &ConsentRecord{
		BaseEntity:      shared.NewBaseEntity(),
		OrganizationID:  organizationID,
		UserID:          userID,
		Scope:           scope,
		Granted:         granted,
		DocumentVersion: documentVersion,
		RecordedAt:      time.Now().UTC(),
	}, nil
}
