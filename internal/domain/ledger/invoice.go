package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian/backend/internal/domain/shared"
)

// InvoiceStatus is the lifecycle state of an invoice
type InvoiceStatus string

const (
	InvoiceDraft InvoiceStatus = "draft"
	InvoiceOpen  InvoiceStatus = "open"
	InvoicePaid  InvoiceStatus = "paid"
	InvoiceVoid  InvoiceStatus = "void"
)

// String returns the string representation of InvoiceStatus
func (s InvoiceStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is from the closed set
func (s InvoiceStatus) IsValid() bool {
	switch s {
	case InvoiceDraft, InvoiceOpen, InvoicePaid, InvoiceVoid:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed
func (s InvoiceStatus) Terminal() bool {
	return s == InvoicePaid || s == InvoiceVoid
}

// InvoiceLine is one aggregated usage line on an invoice
type InvoiceLine struct {
	shared.BaseEntity
	InvoiceID   uuid.UUID       `gorm:"type:uuid;not null;index"`
	Description string          `gorm:"type:varchar(300);not null"`
	Model       string          `gorm:"type:varchar(100)"`
	Quantity    int64           `gorm:"not null"`
	Amount      decimal.Decimal `gorm:"type:decimal(18,6);not null"`
}

// TableName returns the table name for GORM
func (InvoiceLine) TableName() string {
	return "invoice_lines"
}

// Invoice aggregates an organization's usage over a billing period.
// Once paid or voided the invoice is frozen; mutation attempts return
// ErrImmutableRecord.
type Invoice struct {
	shared.OrgAggregateRoot
	Number      string          `gorm:"type:varchar(50);uniqueIndex;not null"`
	Status      InvoiceStatus   `gorm:"type:varchar(20);not null;index"`
	PeriodStart time.Time       `gorm:"not null"`
	PeriodEnd   time.Time       `gorm:"not null"`
	Total       decimal.Decimal `gorm:"type:decimal(18,6);not null"`
	Lines       []InvoiceLine   `gorm:"foreignKey:InvoiceID"`
	IssuedAt    *time.Time      `gorm:""`
	PaidAt      *time.Time      `gorm:""`
}

// TableName returns the table name for GORM
func (Invoice) TableName() string {
	return "invoices"
}

// NewInvoice creates a draft invoice for a billing period
func NewInvoice(organizationID uuid.UUID, number string, periodStart, periodEnd time.Time) (*Invoice, error) {
	if organizationID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_ORGANIZATION", "Organization ID cannot be empty")
	}
	if number == "" {
		return nil, shared.NewDomainError("INVALID_INVOICE_NUMBER", "Invoice number cannot be empty")
	}
	if !periodEnd.After(periodStart) {
		return nil, shared.NewDomainError("INVALID_PERIOD", "Invoice period end must be after period start")
	}

	return &Invoice{
		OrgAggregateRoot: shared.NewOrgAggregateRoot(organizationID),
		Number:           number,
		Status:           InvoiceDraft,
		PeriodStart:      periodStart,
		PeriodEnd:        periodEnd,
		Total:            decimal.Zero,
	}, nil
}

// AddLine appends a usage line to a draft invoice and updates the total
func (i *Invoice) AddLine(description, model string, quantity int64, amount decimal.Decimal) error {
	if i.Status != InvoiceDraft {
		return shared.NewDomainError("INVOICE_NOT_DRAFT", "Lines can only be added to draft invoices")
	}
	if quantity <= 0 {
		return shared.NewDomainError("INVALID_QUANTITY", "Line quantity must be positive")
	}

	i.Lines = append(i.Lines, InvoiceLine{
		BaseEntity:  shared.NewBaseEntity(),
		InvoiceID:   i.ID,
		Description: description,
		Model:       model,
		Quantity:    quantity,
		Amount:      amount,
	})
	i.Total = i.Total.Add(amount)
	return nil
}

// Issue moves a draft invoice to open
func (i *Invoice) Issue() error {
	if i.Status != InvoiceDraft {
		return shared.NewDomainError("INVALID_STATE_TRANSITION", "Only draft invoices can be issued")
	}
	now := time.Now().UTC()
	i.Status = InvoiceOpen
	i.IssuedAt = &now
	i.IncrementVersion()
	i.AddDomainEvent(NewInvoiceIssuedEvent(i))
	return nil
}

// MarkPaid settles an open invoice. Paid invoices are immutable.
func (i *Invoice) MarkPaid() error {
	if i.Status.Terminal() {
		return shared.ErrImmutableRecord
	}
	if i.Status != InvoiceOpen {
		return shared.NewDomainError("INVALID_STATE_TRANSITION", "Only open invoices can be marked paid")
	}
	now := time.Now().UTC()
	i.Status = InvoicePaid
	i.PaidAt = &now
	i.IncrementVersion()
	i.AddDomainEvent(NewInvoicePaidEvent(i))
	return nil
}

// Void cancels a draft or open invoice
func (i *Invoice) Void() error {
	if i.Status.Terminal() {
		return shared.ErrImmutableRecord
	}
	i.Status = InvoiceVoid
	i.IncrementVersion()
	return nil
}
