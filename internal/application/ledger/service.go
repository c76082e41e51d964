// Package ledger implements the credit and spend ledger operations and the
// usage-settlement orchestration invoked after an inference call completes.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	appaudit "github.com/meridian/backend/internal/application/audit"
	appquota "github.com/meridian/backend/internal/application/quota"
	appregion "github.com/meridian/backend/internal/application/region"
	"github.com/meridian/backend/internal/domain/identity"
	"github.com/meridian/backend/internal/domain/ledger"
	"github.com/meridian/backend/internal/domain/quota"
	"github.com/meridian/backend/internal/domain/region"
	"github.com/meridian/backend/internal/domain/shared"
)

// Service coordinates credit transactions, invoicing, and usage settlement
type Service struct {
	creditRepo  ledger.CreditTransactionRepository
	invoiceRepo ledger.InvoiceRepository
	usageRepo   ledger.UsageRecordRepository
	orgRepo     identity.OrganizationRepository
	keyRepo     identity.VirtualKeyRepository
	engine      *appquota.Engine
	router      *appregion.Router
	audit       *appaudit.Service
	logger      *zap.Logger
}

// NewService creates a new ledger service
func NewService(
	creditRepo ledger.CreditTransactionRepository,
	invoiceRepo ledger.InvoiceRepository,
	usageRepo ledger.UsageRecordRepository,
	orgRepo identity.OrganizationRepository,
	keyRepo identity.VirtualKeyRepository,
	engine *appquota.Engine,
	router *appregion.Router,
	auditSvc *appaudit.Service,
	log *zap.Logger,
) *Service {
	return &Service{
		creditRepo:  creditRepo,
		invoiceRepo: invoiceRepo,
		usageRepo:   usageRepo,
		orgRepo:     orgRepo,
		keyRepo:     keyRepo,
		engine:      engine,
		router:      router,
		audit:       auditSvc,
		logger:      log,
	}
}

// RecordTransaction appends a balance ledger entry and applies the signed
// amount to the organization's stored balance. Validation of the type and
// the balance invariant live in the domain and the repository's locked
// append.
func (s *Service) RecordTransaction(ctx context.Context, organizationID uuid.UUID, txType ledger.TransactionType, amount decimal.Decimal, description, reference string) (*ledger.CreditTransaction, error) {
	tx, err := s.creditRepo.Append(ctx, organizationID, txType, amount, description, reference)
	if err != nil {
		return nil, err
	}

	if err := s.orgRepo.AdjustCreditBalance(ctx, organizationID, tx.Amount); err != nil {
		// ledger rows are the source of truth; the organization column is a
		// denormalized view repaired by reconciliation
		s.logger.Error("Failed to adjust organization balance",
			zap.String("organization_id", organizationID.String()),
			zap.Error(err))
	}

	s.auditAppend(ctx, appaudit.AppendInput{
		OrganizationID: organizationID,
		Actor:          "ledger",
		Action:         "credit.recorded",
		Resource:       "credit_transaction:" + tx.ID.String(),
		Detail: map[string]string{
			"type":   txType.String(),
			"amount": tx.Amount.String(),
		},
	})

	return tx, nil
}

// RecordUsageInput settles one completed unit of work
type RecordUsageInput struct {
	OrganizationID uuid.UUID
	RecordID       *uuid.UUID // pending record created at routing time; nil records locally
	VirtualKeyID   uuid.UUID
	TeamID         *uuid.UUID
	UserID         *uuid.UUID
	Model          string
	InputTokens    int64
	OutputTokens   int64
	Cost           decimal.Decimal
	Region         region.Code // region that served the request

	// What was reserved at admission time, reconciled against actuals here
	EstimatedTokens int64
	EstimatedCost   decimal.Decimal
}

// RecordUsage finalizes a completed inference call: settles the usage
// record, reconciles quota and spend reservations against actuals, debits
// the credit ledger, and appends the audit trail entry.
func (s *Service) RecordUsage(ctx context.Context, input RecordUsageInput) (*ledger.UsageRecord, error) {
	if input.OrganizationID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_ORGANIZATION", "Organization ID cannot be empty")
	}
	if input.Cost.IsNegative() {
		return nil, shared.NewDomainError("INVALID_COST", "Usage cost cannot be negative")
	}

	record, err := s.resolveRecord(ctx, input)
	if err != nil {
		return nil, err
	}

	if err := record.Settle(input.InputTokens, input.OutputTokens, input.Cost); err != nil {
		return nil, err
	}
	if err := s.usageRepo.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to persist settled usage record: %w", err)
	}

	chain := s.buildChain(input)
	actualTokens := input.InputTokens + input.OutputTokens
	if err := s.engine.Settle(ctx, input.OrganizationID, chain, quota.MetricTokens, input.EstimatedTokens, actualTokens); err != nil {
		return nil, fmt.Errorf("failed to settle token quota: %w", err)
	}
	if input.VirtualKeyID != uuid.Nil {
		if err := s.engine.SettleBudget(ctx, input.OrganizationID, input.VirtualKeyID, input.EstimatedCost, input.Cost); err != nil {
			return nil, fmt.Errorf("failed to settle key spend: %w", err)
		}
	}

	if input.Cost.IsPositive() {
		_, err := s.RecordTransaction(ctx, input.OrganizationID, ledger.TransactionUsageDebit, input.Cost,
			fmt.Sprintf("%s usage", input.Model), record.ID.String())
		if err != nil {
			return nil, fmt.Errorf("failed to debit usage cost: %w", err)
		}
	}

	// The settlement audit entry is part of the compliance trail, so a
	// failed append fails the whole settlement rather than being dropped
	if _, err := s.audit.Append(ctx, appaudit.AppendInput{
		OrganizationID: input.OrganizationID,
		Actor:          "ledger",
		Action:         "usage.settled",
		Resource:       "usage_record:" + record.ID.String(),
		Detail: map[string]any{
			"model":         input.Model,
			"input_tokens":  input.InputTokens,
			"output_tokens": input.OutputTokens,
			"cost":          input.Cost.String(),
			"stored_region": record.StoredRegion.String(),
			"cross_border":  record.CrossBorder,
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to append settlement audit entry: %w", err)
	}

	return record, nil
}

// resolveRecord loads the pending record created at routing time, or
// records a local decision when the caller skipped the routing step.
func (s *Service) resolveRecord(ctx context.Context, input RecordUsageInput) (*ledger.UsageRecord, error) {
	if input.RecordID != nil {
		record, err := s.usageRepo.FindByID(ctx, *input.RecordID)
		if err != nil {
			return nil, fmt.Errorf("failed to load pending usage record: %w", err)
		}
		if record.OrganizationID != input.OrganizationID {
			return nil, shared.ErrNotFound
		}
		return record, nil
	}

	org, err := s.orgRepo.FindByID(ctx, input.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load organization: %w", err)
	}

	var keyID *uuid.UUID
	if input.VirtualKeyID != uuid.Nil {
		id := input.VirtualKeyID
		keyID = &id
	}
	return s.router.Commit(ctx, appregion.CommitInput{
		Decision: region.RoutingDecision{
			ProcessedRegion: input.Region,
			StoredRegion:    input.Region,
		},
		Organization: org,
		Model:        input.Model,
		UserRegion:   input.Region,
		UserID:       input.UserID,
		TeamID:       input.TeamID,
		VirtualKeyID: keyID,
	})
}

func (s *Service) buildChain(input RecordUsageInput) quota.Chain {
	var chain quota.Chain
	if input.VirtualKeyID != uuid.Nil {
		chain = append(chain, quota.Scope{Level: quota.ScopeVirtualKey, ID: input.VirtualKeyID})
	}
	if input.TeamID != nil {
		chain = append(chain, quota.Scope{Level: quota.ScopeTeam, ID: *input.TeamID})
	}
	chain = append(chain, quota.Scope{Level: quota.ScopeOrganization, ID: input.OrganizationID})
	return chain
}

// GenerateInvoice aggregates the period's settled usage per model into a
// draft invoice.
func (s *Service) GenerateInvoice(ctx context.Context, organizationID uuid.UUID, periodStart, periodEnd time.Time) (*ledger.Invoice, error) {
	usages, err := s.usageRepo.AggregateByModelInPeriod(ctx, organizationID, periodStart, periodEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	if len(usages) == 0 {
		return nil, shared.NewDomainError("EMPTY_PERIOD", "No settled usage in the invoice period")
	}

	number, err := s.invoiceRepo.NextNumber(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate invoice number: %w", err)
	}

	invoice, err := ledger.NewInvoice(organizationID, number, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}
	for _, usage := range usages {
		desc := fmt.Sprintf("%s usage (%d requests)", usage.Model, usage.Requests)
		if err := invoice.AddLine(desc, usage.Model, usage.TotalTokens, usage.TotalCost); err != nil {
			return nil, err
		}
	}

	if err := s.invoiceRepo.Save(ctx, invoice); err != nil {
		return nil, fmt.Errorf("failed to save invoice: %w", err)
	}

	s.auditAppend(ctx, appaudit.AppendInput{
		OrganizationID: organizationID,
		Actor:          "ledger",
		Action:         "invoice.generated",
		Resource:       "invoice:" + invoice.Number,
		Detail:         map[string]string{"total": invoice.Total.String()},
	})

	return invoice, nil
}

// IssueInvoice moves a draft invoice to open
func (s *Service) IssueInvoice(ctx context.Context, organizationID, invoiceID uuid.UUID) (*ledger.Invoice, error) {
	return s.transition(ctx, organizationID, invoiceID, "invoice.issued", func(inv *ledger.Invoice) error {
		return inv.Issue()
	})
}

// MarkInvoicePaid freezes the invoice; it is immutable afterwards
func (s *Service) MarkInvoicePaid(ctx context.Context, organizationID, invoiceID uuid.UUID) (*ledger.Invoice, error) {
	return s.transition(ctx, organizationID, invoiceID, "invoice.paid", func(inv *ledger.Invoice) error {
		return inv.MarkPaid()
	})
}

// VoidInvoice cancels an unpaid invoice
func (s *Service) VoidInvoice(ctx context.Context, organizationID, invoiceID uuid.UUID) (*ledger.Invoice, error) {
	return s.transition(ctx, organizationID, invoiceID, "invoice.voided", func(inv *ledger.Invoice) error {
		return inv.Void()
	})
}

func (s *Service) transition(ctx context.Context, organizationID, invoiceID uuid.UUID, action string, fn func(*ledger.Invoice) error) (*ledger.Invoice, error) {
	invoice, err := s.invoiceRepo.FindByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.OrganizationID != organizationID {
		return nil, shared.ErrNotFound
	}
	if err := fn(invoice); err != nil {
		return nil, err
	}
	if err := s.invoiceRepo.Save(ctx, invoice); err != nil {
		return nil, err
	}

	s.auditAppend(ctx, appaudit.AppendInput{
		OrganizationID: organizationID,
		Actor:          "ledger",
		Action:         action,
		Resource:       "invoice:" + invoice.Number,
	})
	return invoice, nil
}

// ReconcileKeySpend fails pending usage records older than the cutoff and
// re-derives each over-budget key's settled spend from the usage ledger.
// Runs on the scheduler; the settlement interval keeps the soft-limit
// window on current_spend bounded.
func (s *Service) ReconcileKeySpend(ctx context.Context, pendingAfter time.Duration, batch int) (int, error) {
	cutoff := time.Now().UTC().Add(-pendingAfter)
	stale, err := s.usageRepo.ListPendingOlderThan(ctx, cutoff, batch)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, record := range stale {
		if err := record.Fail(); err != nil {
			continue
		}
		if err := s.usageRepo.Save(ctx, record); err != nil {
			if errors.Is(err, shared.ErrConcurrencyConflict) {
				continue // settled concurrently; nothing to reconcile
			}
			return failed, err
		}
		failed++

		if record.VirtualKeyID != nil {
			start, end := monthBounds(time.Now().UTC())
			settled, err := s.usageRepo.SumCostByKeyInPeriod(ctx, *record.VirtualKeyID, start, end)
			if err != nil {
				s.logger.Error("Failed to re-derive key spend", zap.Error(err))
				continue
			}
			key, err := s.keyRepo.FindByID(ctx, record.OrganizationID, *record.VirtualKeyID)
			if err != nil {
				continue
			}
			delta := settled.Sub(key.CurrentSpend)
			if !delta.IsZero() {
				if err := s.keyRepo.SettleSpend(ctx, record.OrganizationID, key.ID, delta); err != nil {
					s.logger.Error("Failed to reconcile key spend", zap.Error(err))
				}
			}
		}
	}
	return failed, nil
}

func (s *Service) auditAppend(ctx context.Context, input appaudit.AppendInput) {
	if _, err := s.audit.Append(ctx, input); err != nil {
		s.logger.Error("Failed to append audit entry",
			zap.String("action", input.Action),
			zap.Error(err))
	}
}

func monthBounds(now time.Time) (time.Time, time.Time) {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
