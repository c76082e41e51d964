// Package region implements the regional partition router: deciding where a
// unit of work is processed and stored, resolving the legal basis for any
// cross-border movement, and recording the transfer evidence.
package region

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridian/backend/internal/domain/identity"
	"github.com/meridian/backend/internal/domain/ledger"
	"github.com/meridian/backend/internal/domain/region"
	"github.com/meridian/backend/internal/domain/shared"
	"github.com/meridian/backend/internal/infrastructure/config"
)

// Partitions is the subset of the partition set the router needs
type Partitions interface {
	Home() region.Code
	Provisioned(code region.Code) bool
	Nearest(candidates region.CodeList) (region.Code, error)
}

// RouteInput describes one unit of work to route
type RouteInput struct {
	Organization    *identity.Organization
	UserID          *uuid.UUID
	UserRegion      region.Code // where the request originated
	ResidencyRegion region.Code // the user's data residency region; empty falls back to the organization's primary region
	RequestedRegion region.Code // preferred processing region; nearest provisioned region when empty

	// PinStorage stores the data in the processing region instead of the
	// residency region. Only tiers that allow region overrides may pin.
	PinStorage bool

	// ContractNecessity marks work that cannot be performed without the
	// transfer, e.g. support access the customer asked for. Weakest basis,
	// consulted last.
	ContractNecessity bool
}

// CommitInput persists a routing decision as a pending usage record plus,
// for cross-border decisions, the transfer evidence row.
type CommitInput struct {
	Decision     region.RoutingDecision
	Organization *identity.Organization
	Model        string
	UserRegion   region.Code
	UserID       *uuid.UUID
	TeamID       *uuid.UUID
	VirtualKeyID *uuid.UUID
}

// Router decides placement for tenant workloads
type Router struct {
	partitions   Partitions
	userRepo     identity.UserRepository
	transferRepo region.CrossBorderTransferRepository
	usageRepo    ledger.UsageRecordRepository
	adequacy     map[string]bool // "source:destination" pairs with an adequacy decision
	logger       *zap.Logger
}

// NewRouter creates a new partition router
func NewRouter(
	partitions Partitions,
	userRepo identity.UserRepository,
	transferRepo region.CrossBorderTransferRepository,
	usageRepo ledger.UsageRecordRepository,
	regionsCfg config.RegionsConfig,
	log *zap.Logger,
) *Router {
	adequacy := make(map[string]bool, len(regionsCfg.AdequacyPairs))
	for _, pair := range regionsCfg.AdequacyPairs {
		adequacy[pair] = true
	}
	return &Router{
		partitions:   partitions,
		userRepo:     userRepo,
		transferRepo: transferRepo,
		usageRepo:    usageRepo,
		adequacy:     adequacy,
		logger:       log,
	}
}

// Route decides where the work runs and where its data lives. The stored
// region defaults to the user's residency region; enterprise organizations
// may pin storage to an explicitly requested region. When processing and
// storage regions differ the decision carries a resolved legal basis, or the
// call fails with region.ErrNoLegalBasisForTransfer and the unit of work
// must not proceed.
func (r *Router) Route(ctx context.Context, input RouteInput) (region.RoutingDecision, error) {
	org := input.Organization
	if org == nil {
		return region.RoutingDecision{}, shared.NewDomainError("INVALID_INPUT", "Organization is required for routing")
	}

	stored := input.ResidencyRegion
	if stored.IsZero() {
		stored = org.PrimaryRegion
	}
	if !org.HasRegion(stored) || !r.partitions.Provisioned(stored) {
		return region.RoutingDecision{}, region.ErrRegionNotProvisioned
	}

	var processed region.Code
	if !input.RequestedRegion.IsZero() && org.HasRegion(input.RequestedRegion) && r.partitions.Provisioned(input.RequestedRegion) {
		processed = input.RequestedRegion
	} else {
		var err error
		processed, err = r.partitions.Nearest(org.Regions())
		if err != nil {
			return region.RoutingDecision{}, err
		}
	}

	if input.PinStorage {
		if !org.Tier.AllowsRegionOverride() {
			return region.RoutingDecision{}, shared.NewDomainError("REGION_OVERRIDE_FORBIDDEN", "Organization tier does not allow region override")
		}
		stored = processed
	}

	decision := region.RoutingDecision{
		ProcessedRegion: processed,
		StoredRegion:    stored,
	}

	if processed != stored {
		decision.CrossBorder = true
		basis, err := r.resolveLegalBasis(ctx, org, input, stored, processed)
		if err != nil {
			r.logger.Warn("No legal basis for cross-border routing",
				zap.String("organization_id", org.ID.String()),
				zap.String("stored_region", stored.String()),
				zap.String("processed_region", processed.String()))
			return region.RoutingDecision{}, err
		}
		decision.LegalBasis = basis
	}

	if err := decision.Validate(); err != nil {
		return region.RoutingDecision{}, err
	}
	return decision, nil
}

// resolveLegalBasis walks the bases strongest first: an adequacy decision
// between the two regions, the organization's contractual clauses, the
// user's explicit consent, and finally contract necessity.
func (r *Router) resolveLegalBasis(ctx context.Context, org *identity.Organization, input RouteInput, source, destination region.Code) (region.LegalBasis, error) {
	if r.adequacy[source.String()+":"+destination.String()] {
		return region.LegalBasisAdequacy, nil
	}

	if org.Tier.HasContractualClauses() {
		return region.LegalBasisSCC, nil
	}

	if input.UserID != nil {
		consent, err := r.userRepo.LatestConsent(ctx, org.ID, *input.UserID, identity.ConsentScopeCrossBorderTransfer)
		if err != nil && !errors.Is(err, shared.ErrNotFound) {
			return "", fmt.Errorf("failed to read consent history: %w", err)
		}
		if err == nil && consent.Granted {
			return region.LegalBasisConsent, nil
		}
	}

	if input.ContractNecessity {
		return region.LegalBasisContract, nil
	}

	return "", region.ErrNoLegalBasisForTransfer
}

// Commit persists the decision: a pending usage record in the stored
// region's partition and, when the decision crossed a border, the
// CrossBorderTransfer evidence row written first so no committed usage is
// ever missing its transfer record. A failed usage-record write leaves
// zero usage rows behind and discards the write-ahead evidence.
func (r *Router) Commit(ctx context.Context, input CommitInput) (*ledger.UsageRecord, error) {
	org := input.Organization
	if org == nil {
		return nil, shared.NewDomainError("INVALID_INPUT", "Organization is required")
	}

	record, err := ledger.NewUsageRecord(org.ID, input.Model, input.UserRegion, input.Decision)
	if err != nil {
		return nil, err
	}
	if input.TeamID != nil {
		record.ForTeam(*input.TeamID)
	}
	if input.UserID != nil {
		record.ForUser(*input.UserID)
	}
	if input.VirtualKeyID != nil {
		record.ForVirtualKey(*input.VirtualKeyID)
	}

	var transfer *region.CrossBorderTransfer
	if input.Decision.RequiresTransferRecord() {
		transfer, err = region.NewCrossBorderTransfer(org.ID, input.Decision, region.TransferPurposeProcessing)
		if err != nil {
			return nil, err
		}
		if input.UserID != nil {
			transfer.ForUser(*input.UserID)
			if input.Decision.LegalBasis == region.LegalBasisConsent {
				consent, err := r.userRepo.LatestConsent(ctx, org.ID, *input.UserID, identity.ConsentScopeCrossBorderTransfer)
				if err == nil {
					transfer.ConsentRecordID = &consent.ID
				}
			}
		}
		if err := r.transferRepo.Create(ctx, transfer); err != nil {
			return nil, fmt.Errorf("failed to record cross-border transfer: %w", err)
		}
		record.LinkTransfer(transfer.ID)
	}

	if err := r.usageRepo.Save(ctx, record); err != nil {
		// the transfer evidence lives on a different store than the usage
		// partition, so a failed usage write must discard the write-ahead row
		if transfer != nil {
			if derr := r.transferRepo.Discard(ctx, org.ID, transfer.ID); derr != nil {
				r.logger.Error("Failed to discard uncommitted transfer evidence",
					zap.String("organization_id", org.ID.String()),
					zap.String("transfer_id", transfer.ID.String()),
					zap.Error(derr))
			}
		}
		return nil, fmt.Errorf("failed to persist usage record: %w", err)
	}

	return record, nil
}

// RouteAndCommit routes the work and persists the outcome in one call
func (r *Router) RouteAndCommit(ctx context.Context, input RouteInput, model string, teamID, keyID *uuid.UUID) (region.RoutingDecision, *ledger.UsageRecord, error) {
	decision, err := r.Route(ctx, input)
	if err != nil {
		return region.RoutingDecision{}, nil, err
	}

	record, err := r.Commit(ctx, CommitInput{
		Decision:     decision,
		Organization: input.Organization,
		Model:        model,
		UserRegion:   input.UserRegion,
		UserID:       input.UserID,
		TeamID:       teamID,
		VirtualKeyID: keyID,
	})
	if err != nil {
		return region.RoutingDecision{}, nil, err
	}
	return decision, record, nil
}
