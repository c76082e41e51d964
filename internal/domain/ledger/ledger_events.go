package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/meridian/backend/internal/domain/shared"
)

const (
	EventTypeCreditApplied = "ledger.credit_applied"
	EventTypeInvoiceIssued = "ledger.invoice_issued"
	EventTypeInvoicePaid   = "ledger.invoice_paid"
	EventTypeUsageSettled  = "ledger.usage_settled"
	EventTypeBalanceLow    = "ledger.balance_low"
)

// CreditAppliedEvent is raised whenever a ledger entry changes the balance
type CreditAppliedEvent struct {
	shared.BaseDomainEvent
	Type         TransactionType `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
}

// NewCreditAppliedEvent creates a new CreditAppliedEvent
func NewCreditAppliedEvent(tx *CreditTransaction) *CreditAppliedEvent {
	return &CreditAppliedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeCreditApplied, "CreditTransaction", tx.ID, tx.OrganizationID),
		Type:            tx.Type,
		Amount:          tx.Amount,
		BalanceAfter:    tx.BalanceAfter,
	}
}

// InvoiceIssuedEvent is raised when a draft invoice becomes open
type InvoiceIssuedEvent struct {
	shared.BaseDomainEvent
	Number string          `json:"number"`
	Total  decimal.Decimal `json:"total"`
}

// NewInvoiceIssuedEvent creates a new InvoiceIssuedEvent
func NewInvoiceIssuedEvent(inv *Invoice) *InvoiceIssuedEvent {
	return &InvoiceIssuedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeInvoiceIssued, "Invoice", inv.ID, inv.OrganizationID),
		Number:          inv.Number,
		Total:           inv.Total,
	}
}

// InvoicePaidEvent is raised when an open invoice settles
type InvoicePaidEvent struct {
	shared.BaseDomainEvent
	Number string          `json:"number"`
	Total  decimal.Decimal `json:"total"`
}

// NewInvoicePaidEvent creates a new InvoicePaidEvent
func NewInvoicePaidEvent(inv *Invoice) *InvoicePaidEvent {
	return &InvoicePaidEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeInvoicePaid, "Invoice", inv.ID, inv.OrganizationID),
		Number:          inv.Number,
		Total:           inv.Total,
	}
}

// UsageSettledEvent is raised when a pending usage record is finalized
type UsageSettledEvent struct {
	shared.BaseDomainEvent
	Model       string          `json:"model"`
	TotalTokens int64           `json:"total_tokens"`
	Cost        decimal.Decimal `json:"cost"`
	CrossBorder bool            `json:"cross_border"`
}

// NewUsageSettledEvent creates a new UsageSettledEvent
func NewUsageSettledEvent(r *UsageRecord) *UsageSettledEvent {
	return &UsageSettledEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeUsageSettled, "UsageRecord", r.ID, r.OrganizationID),
		Model:           r.Model,
		TotalTokens:     r.TotalTokens(),
		Cost:            r.Cost,
		CrossBorder:     r.CrossBorder,
	}
}
