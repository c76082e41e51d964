package region

import (
	"github.com/meridian/backend/internal/domain/shared"
)

// Aggregate type constant
const AggregateTypeCrossBorderTransfer = "CrossBorderTransfer"

// Event type constants
const (
	EventTypeTransferRecorded = "CrossBorderTransferRecorded"
)

// TransferRecordedEvent is published when a cross-border transfer is detected
type TransferRecordedEvent struct {
	shared.BaseDomainEvent
	SourceRegion      Code       `json:"source_region"`
	DestinationRegion Code       `json:"destination_region"`
	LegalBasis        LegalBasis `json:"legal_basis"`
	Purpose           TransferPurpose `json:"purpose"`
}

// NewTransferRecordedEvent creates a new TransferRecordedEvent
func NewTransferRecordedEvent(t *CrossBorderTransfer) *TransferRecordedEvent {
	return &TransferRecordedEvent{
		BaseDomainEvent:   shared.NewBaseDomainEvent(EventTypeTransferRecorded, AggregateTypeCrossBorderTransfer, t.ID, t.OrganizationID),
		SourceRegion:      t.SourceRegion,
		DestinationRegion: t.DestinationRegion,
		LegalBasis:        t.LegalBasis,
		Purpose:           t.Purpose,
	}
}
