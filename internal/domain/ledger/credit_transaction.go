package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian/backend/internal/domain/shared"
)

// TransactionType is the closed set of balance-change kinds
type TransactionType string

const (
	TransactionPurchase   TransactionType = "purchase"
	TransactionUsageDebit TransactionType = "usage_debit"
	TransactionRefund     TransactionType = "refund"
	TransactionAdjustment TransactionType = "adjustment"
)

// String returns the string representation of TransactionType
func (t TransactionType) String() string {
	return string(t)
}

// IsValid returns true if the transaction type is from the closed set
func (t TransactionType) IsValid() bool {
	switch t {
	case TransactionPurchase, TransactionUsageDebit, TransactionRefund, TransactionAdjustment:
		return true
	}
	return false
}

// CreditTransaction is one entry in the per-organization balance ledger.
// balance_after = balance_before + amount holds exactly on every row; the
// repository computes balance_before from the latest entry inside the same
// atomic operation that inserts the new row.
type CreditTransaction struct {
	shared.OrgAggregateRoot
	Type          TransactionType `gorm:"type:varchar(20);not null;index"`
	Amount        decimal.Decimal `gorm:"type:decimal(18,6);not null"`
	BalanceBefore decimal.Decimal `gorm:"type:decimal(18,6);not null"`
	BalanceAfter  decimal.Decimal `gorm:"type:decimal(18,6);not null"`
	Description   string          `gorm:"type:varchar(500)"`
	Reference     string          `gorm:"type:varchar(200);index"` // e.g. usage record ID, payment reference
	TransactionAt time.Time       `gorm:"not null;index"`
}

// TableName returns the table name for GORM
func (CreditTransaction) TableName() string {
	return "credit_transactions"
}

// NewCreditTransaction creates a ledger entry from the current balance.
// Debits are negative amounts; the constructor normalizes usage debits.
func NewCreditTransaction(organizationID uuid.UUID, txType TransactionType, amount, balanceBefore decimal.Decimal) (*CreditTransaction, error) {
	if organizationID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_ORGANIZATION", "Organization ID cannot be empty")
	}
	if !txType.IsValid() {
		return nil, shared.NewDomainError("INVALID_TRANSACTION_TYPE", "Unknown credit transaction type")
	}
	if amount.IsZero() {
		return nil, shared.NewDomainError("INVALID_AMOUNT", "Transaction amount cannot be zero")
	}
	if txType == TransactionUsageDebit && amount.IsPositive() {
		amount = amount.Neg()
	}
	if txType == TransactionPurchase && amount.IsNegative() {
		return nil, shared.NewDomainError("INVALID_AMOUNT", "Purchase amount must be positive")
	}

	tx := &CreditTransaction{
		OrgAggregateRoot: shared.NewOrgAggregateRoot(organizationID),
		Type:             txType,
		Amount:           amount,
		BalanceBefore:    balanceBefore,
		BalanceAfter:     balanceBefore.Add(amount),
		TransactionAt:    time.Now().UTC(),
	}

	tx.AddDomainEvent(NewCreditAppliedEvent(tx))

	return tx, nil
}

// WithDescription sets the human-readable description
func (t *CreditTransaction) WithDescription(desc string) *CreditTransaction {
	t.Description = desc
	return t
}

// WithReference links the transaction to its source document
func (t *CreditTransaction) WithReference(ref string) *CreditTransaction {
	t.Reference = ref
	return t
}

// InvariantOK verifies balance_after = balance_before + amount exactly
func (t *CreditTransaction) InvariantOK() bool {
	return t.BalanceAfter.Equal(t.BalanceBefore.Add(t.Amount))
}
