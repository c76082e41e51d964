// Package audit implements the append and verify operations over the
// per-organization hash-chained audit ledger.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridian/backend/internal/domain/audit"
	"github.com/meridian/backend/internal/domain/shared"
)

// ErrAppendContention signals the append retry budget was exhausted; the
// caller retries with backoff.
var ErrAppendContention = shared.NewDomainError("AUDIT_APPEND_CONTENTION", "Audit append lost every sequence race")

// AppendInput is one event to chain onto an organization's ledger
type AppendInput struct {
	OrganizationID uuid.UUID
	Actor          string
	Action         string
	Resource       string
	Detail         any // marshaled to canonical JSON; nil for no detail
}

// Service appends to and verifies audit chains
type Service struct {
	repo    audit.Repository
	retries int
	logger  *zap.Logger
}

// NewService creates a new audit service
func NewService(repo audit.Repository, retries int, log *zap.Logger) *Service {
	if retries < 1 {
		retries = 5
	}
	return &Service{repo: repo, retries: retries, logger: log}
}

// Append chains the event onto the organization's ledger. Concurrent
// appenders race on the next sequence number; the loser re-reads the head
// and retries up to the configured budget.
func (s *Service) Append(ctx context.Context, input AppendInput) (*audit.Entry, error) {
	event := audit.Event{
		Actor:    input.Actor,
		Action:   input.Action,
		Resource: input.Resource,
	}
	if input.Detail != nil {
		detail, err := json.Marshal(input.Detail)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal audit detail: %w", err)
		}
		event.Detail = detail
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < s.retries; attempt++ {
		sequence := int64(1)
		previousHash := audit.GenesisHash

		head, err := s.repo.Head(ctx, input.OrganizationID)
		if err != nil && !errors.Is(err, shared.ErrNotFound) {
			return nil, fmt.Errorf("failed to read chain head: %w", err)
		}
		if err == nil {
			sequence = head.Sequence + 1
			previousHash = head.IntegrityHash
		}

		entry, err := audit.NewEntry(input.OrganizationID, sequence, previousHash, event, time.Now())
		if err != nil {
			return nil, err
		}

		err = s.repo.Insert(ctx, entry)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, audit.ErrSequenceConflict) {
			return nil, fmt.Errorf("failed to append audit entry: %w", err)
		}
	}

	s.logger.Warn("Audit append exhausted its retry budget",
		zap.String("organization_id", input.OrganizationID.String()),
		zap.String("action", input.Action),
		zap.Int("retries", s.retries))
	return nil, ErrAppendContention
}

// Verify recomputes the chain segment [fromSeq, toSeq] and reports the
// first tampered entry. toSeq <= 0 verifies to the head. A tampered chain
// is fatal for the organization's automated processing and is never
// repaired here.
func (s *Service) Verify(ctx context.Context, organizationID uuid.UUID, fromSeq, toSeq int64) (audit.VerifyResult, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}

	prevHash := audit.GenesisHash
	if fromSeq > 1 {
		anchor, err := s.repo.Range(ctx, organizationID, fromSeq-1, fromSeq-1)
		if err != nil {
			return audit.VerifyResult{}, fmt.Errorf("failed to read chain anchor: %w", err)
		}
		if len(anchor) != 1 {
			return audit.VerifyResult{}, shared.NewDomainError("AUDIT_CHAIN_GAP", "Chain segment has no anchor entry")
		}
		prevHash = anchor[0].IntegrityHash
	}

	entries, err := s.repo.Range(ctx, organizationID, fromSeq, toSeq)
	if err != nil {
		return audit.VerifyResult{}, fmt.Errorf("failed to read chain segment: %w", err)
	}

	result := audit.VerifyChain(entries, prevHash)
	if !result.Valid {
		s.logger.Error("Audit chain integrity violation",
			zap.String("organization_id", organizationID.String()),
			zap.Int64("tampered_sequence", result.TamperedSeq),
			zap.Int64("checked", result.Checked))
	}
	return result, nil
}

// ChainLength returns the number of entries in the organization's chain
func (s *Service) ChainLength(ctx context.Context, organizationID uuid.UUID) (int64, error) {
	return s.repo.Count(ctx, organizationID)
}
