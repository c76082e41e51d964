package region

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/meridian/backend/internal/domain/shared"
)

// TransferPurpose describes why data crossed a border
type TransferPurpose string

const (
	TransferPurposeProcessing TransferPurpose = "processing"
	TransferPurposeStorage    TransferPurpose = "storage"
	TransferPurposeBackup     TransferPurpose = "backup"
)

// IsValid returns true if the purpose is valid
func (p TransferPurpose) IsValid() bool {
	switch p {
	case TransferPurposeProcessing, TransferPurposeStorage, TransferPurposeBackup:
		return true
	}
	return false
}

// CrossBorderTransfer records one detected transfer of tenant data out of its
// residency region. One row per decision; never updated.
type CrossBorderTransfer struct {
	shared.OrgAggregateRoot
	UserID            *uuid.UUID      `gorm:"type:uuid;index"`
	SourceRegion      Code            `gorm:"type:varchar(32);not null"`
	DestinationRegion Code            `gorm:"type:varchar(32);not null;index"`
	LegalBasis        LegalBasis      `gorm:"type:varchar(20);not null"`
	Purpose           TransferPurpose `gorm:"type:varchar(20);not null"`
	DataCategories    string          `gorm:"type:text"` // comma-separated category tags
	Safeguards        string          `gorm:"type:text"` // e.g. "encryption-at-rest,encryption-in-transit"
	ConsentRecordID   *uuid.UUID      `gorm:"type:uuid"`
	OccurredAt        time.Time       `gorm:"not null;index"`
}

// TableName returns the table name for GORM
func (CrossBorderTransfer) TableName() string {
	return "cross_border_transfers"
}

// NewCrossBorderTransfer creates a transfer record for a routing decision
func NewCrossBorderTransfer(organizationID uuid.UUID, decision RoutingDecision, purpose TransferPurpose) (*CrossBorderTransfer, error) {
	if !decision.CrossBorder {
		return nil, shared.NewDomainError("NOT_CROSS_BORDER", "Decision did not cross a border")
	}
	if !decision.LegalBasis.IsValid() {
		return nil, ErrNoLegalBasisForTransfer
	}
	if !purpose.IsValid() {
		return nil, shared.NewDomainError("INVALID_PURPOSE", "Invalid transfer purpose")
	}

	t := &CrossBorderTransfer{
		OrgAggregateRoot:  shared.NewOrgAggregateRoot(organizationID),
		SourceRegion:      decision.StoredRegion,
		DestinationRegion: decision.ProcessedRegion,
		LegalBasis:        decision.LegalBasis,
		Purpose:           purpose,
		Safeguards:        "encryption-in-transit",
		OccurredAt:        time.Now().UTC(),
	}

	t.AddDomainEvent(NewTransferRecordedEvent(t))

	return t, nil
}

// ForUser attaches the affected user
func (t *CrossBorderTransfer) ForUser(userID uuid.UUID) *CrossBorderTransfer {
	t.UserID = &userID
	return t
}

// WithConsent references the consent record backing a consent-based transfer
func (t *CrossBorderTransfer) WithConsent(consentRecordID uuid.UUID) *CrossBorderTransfer {
	t.ConsentRecordID = &consentRecordID
	return t
}

// WithDataCategories sets the transferred data category tags
func (t *CrossBorderTransfer) WithDataCategories(categories string) *CrossBorderTransfer {
	t.DataCategories = categories
	return t
}

// CrossBorderTransferRepository persists transfer records
type CrossBorderTransferRepository interface {
	Create(ctx context.Context, transfer *CrossBorderTransfer) error
	// Discard removes evidence written ahead of a decision that never
	// committed. Committed transfers are never deleted.
	Discard(ctx context.Context, organizationID, id uuid.UUID) error
	FindByID(ctx context.Context, organizationID, id uuid.UUID) (*CrossBorderTransfer, error)
	ListForOrganization(ctx context.Context, organizationID uuid.UUID, from, to time.Time, filter shared.Filter) ([]*CrossBorderTransfer, int64, error)
	CountByDestination(ctx context.Context, organizationID uuid.UUID, destination Code, from, to time.Time) (int64, error)
}
