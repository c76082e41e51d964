package region

import (
	"github.com/meridian/backend/internal/domain/shared"
)

// Routing errors
var (
	// ErrRegionNotProvisioned is returned when the organization does not have
	// the required storage region among its available regions.
	ErrRegionNotProvisioned = shared.NewDomainError("REGION_NOT_PROVISIONED", "Storage region is not provisioned for this organization")

	// ErrNoLegalBasisForTransfer is returned when a cross-border transfer is
	// required but no legal basis can be resolved. The unit of work must not
	// proceed.
	ErrNoLegalBasisForTransfer = shared.NewDomainError("NO_LEGAL_BASIS", "No legal basis for cross-border transfer")
)

// RoutingDecision is the outcome of routing a unit of work: where it is
// processed, where its data must be stored, and the compliance consequences.
type RoutingDecision struct {
	ProcessedRegion Code
	StoredRegion    Code
	CrossBorder     bool
	LegalBasis      LegalBasis // set only when CrossBorder is true
}

// RequiresTransferRecord returns true if the decision must be accompanied by
// a CrossBorderTransfer record in the same transaction.
func (d RoutingDecision) RequiresTransferRecord() bool {
	return d.CrossBorder
}

// Validate checks internal consistency of the decision
func (d RoutingDecision) Validate() error {
	if err := d.ProcessedRegion.Validate(); err != nil {
		return err
	}
	if err := d.StoredRegion.Validate(); err != nil {
		return err
	}
	if d.CrossBorder && !d.LegalBasis.IsValid() {
		return ErrNoLegalBasisForTransfer
	}
	if !d.CrossBorder && d.ProcessedRegion != d.StoredRegion {
		return shared.NewDomainError("INVALID_DECISION", "Decision with distinct regions must be marked cross-border")
	}
	return nil
}
