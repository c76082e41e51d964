package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/meridian/backend/internal/domain/identity"
	"github.com/meridian/backend/internal/domain/ledger"
	"github.com/meridian/backend/internal/domain/shared"
)

// GormCreditTransactionRepository implements
// ledger.CreditTransactionRepository. Append locks the organization row
// inside a transaction so balance_before always equals the previous
// row's balance_after, even under concurrency.
type GormCreditTransactionRepository struct {
	db *gorm.DB
}

// NewGormCreditTransactionRepository creates a new repository
func NewGormCreditTransactionRepository(db *gorm.DB) *GormCreditTransactionRepository {
	return &GormCreditTransactionRepository{db: db}
}

// Append serializes on the organization, reads the latest balance, and
// inserts the new ledger entry in the same transaction
func (r *GormCreditTransactionRepository) Append(ctx context.Context, organizationID uuid.UUID, txType ledger.TransactionType, amount decimal.Decimal, description, reference string) (*ledger.CreditTransaction, error) {
	var created *ledger.CreditTransaction

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest ledger.CreditTransaction
		balanceBefore := decimal.Zero

		// Appenders serialize on the organization row, not the ledger head:
		// an empty ledger has no head to lock, and a waiter resuming on a
		// superseded head would reuse its balance. SQLite's single-writer
		// lock already serializes appends.
		if tx.Dialector.Name() == "postgres" {
			var lockedOrg struct{ ID uuid.UUID }
			err := tx.Model(&identity.Organization{}).
				Clauses(clause.Locking{Strength: "UPDATE"}).
				Select("id").
				Where("id = ?", organizationID).
				Take(&lockedOrg).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return shared.ErrNotFound
				}
				return err
			}
		}

		err := tx.
			Where("organization_id = ?", organizationID).
			Order("transaction_at DESC, created_at DESC").
			First(&latest).Error
		switch {
		case err == nil:
			balanceBefore = latest.BalanceAfter
		case errors.Is(err, gorm.ErrRecordNotFound):
			// First entry for the organization
		default:
			return err
		}

		entry, err := ledger.NewCreditTransaction(organizationID, txType, amount, balanceBefore)
		if err != nil {
			return err
		}
		entry.Description = description
		entry.Reference = reference

		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		created = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// FindByID retrieves a ledger entry
func (r *GormCreditTransactionRepository) FindByID(ctx context.Context, id uuid.UUID) (*ledger.CreditTransaction, error) {
	var tx ledger.CreditTransaction
	if err := r.db.WithContext(ctx).First(&tx, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &tx, nil
}

// Latest returns the most recent ledger entry for an organization
func (r *GormCreditTransactionRepository) Latest(ctx context.Context, organizationID uuid.UUID) (*ledger.CreditTransaction, error) {
	var tx ledger.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Order("transaction_at DESC, created_at DESC").
		First(&tx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &tx, nil
}

// CurrentBalance returns the balance after the latest entry, or zero
// for an empty ledger
func (r *GormCreditTransactionRepository) CurrentBalance(ctx context.Context, organizationID uuid.UUID) (decimal.Decimal, error) {
	latest, err := r.Latest(ctx, organizationID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return latest.BalanceAfter, nil
}

// List returns the organization's ledger entries, newest first
func (r *GormCreditTransactionRepository) List(ctx context.Context, organizationID uuid.UUID, filter shared.Filter) (*shared.Paginated[ledger.CreditTransaction], error) {
	return r.list(ctx, organizationID, "", filter)
}

// ListByType returns entries of one transaction type, newest first
func (r *GormCreditTransactionRepository) ListByType(ctx context.Context, organizationID uuid.UUID, txType ledger.TransactionType, filter shared.Filter) (*shared.Paginated[ledger.CreditTransaction], error) {
	return r.list(ctx, organizationID, txType, filter)
}

func (r *GormCreditTransactionRepository) list(ctx context.Context, organizationID uuid.UUID, txType ledger.TransactionType, filter shared.Filter) (*shared.Paginated[ledger.CreditTransaction], error) {
	query := r.db.WithContext(ctx).
		Model(&ledger.CreditTransaction{}).
		Where("organization_id = ?", organizationID)
	if txType != "" {
		query = query.Where("type = ?", txType)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	var items []ledger.CreditTransaction
	err := query.
		Order("transaction_at DESC").
		Offset(filter.Offset()).
		Limit(filter.Limit()).
		Find(&items).Error
	if err != nil {
		return nil, err
	}

	page := shared.NewPaginated(items, total, filter.Page, filter.Limit())
	return &page, nil
}

// SumInPeriod sums amounts of one type inside [start, end)
func (r *GormCreditTransactionRepository) SumInPeriod(ctx context.Context, organizationID uuid.UUID, txType ledger.TransactionType, start, end time.Time) (decimal.Decimal, error) {
	var sum decimal.NullDecimal
	err := r.db.WithContext(ctx).
		Model(&ledger.CreditTransaction{}).
		Where("organization_id = ?", organizationID).
		Where("type = ?", txType).
		Where("transaction_at >= ? AND transaction_at < ?", start, end).
		Select("SUM(amount)").
		Scan(&sum).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}

// Ensure GormCreditTransactionRepository implements the interface
var _ ledger.CreditTransactionRepository = (*GormCreditTransactionRepository)(nil)
