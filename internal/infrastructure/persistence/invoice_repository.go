package persistence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/meridian/backend/internal/domain/ledger"
	"github.com/meridian/backend/internal/domain/shared"
)

// GormInvoiceRepository implements ledger.InvoiceRepository
type GormInvoiceRepository struct {
	db *gorm.DB
}

// NewGormInvoiceRepository creates a new repository
func NewGormInvoiceRepository(db *gorm.DB) *GormInvoiceRepository {
	return &GormInvoiceRepository{db: db}
}

// Save creates or updates an invoice with its lines
func (r *GormInvoiceRepository) Save(ctx context.Context, invoice *ledger.Invoice) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&ledger.Invoice{}).Where("id = ?", invoice.ID).Count(&existing).Error; err != nil {
			return err
		}
		if existing == 0 {
			err := tx.Create(invoice).Error
			if err != nil && isUniqueViolation(err) {
				return shared.ErrAlreadyExists
			}
			return err
		}

		result := tx.
			Model(&ledger.Invoice{}).
			Where("id = ? AND version = ?", invoice.ID, invoice.Version-1).
			Select("*").
			Omit("id", "organization_id", "number", "created_at", "Lines").
			Updates(invoice)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return shared.ErrConcurrencyConflict
		}

		// Lines are only added while the invoice is a draft; replace
		// them wholesale on update
		if err := tx.Where("invoice_id = ?", invoice.ID).Delete(&ledger.InvoiceLine{}).Error; err != nil {
			return err
		}
		for i := range invoice.Lines {
			invoice.Lines[i].InvoiceID = invoice.ID
			if err := tx.Create(&invoice.Lines[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// FindByID retrieves an invoice with its lines
func (r *GormInvoiceRepository) FindByID(ctx context.Context, id uuid.UUID) (*ledger.Invoice, error) {
	var invoice ledger.Invoice
	err := r.db.WithContext(ctx).
		Preload("Lines").
		First(&invoice, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &invoice, nil
}

// FindByNumber retrieves an invoice by its unique number
func (r *GormInvoiceRepository) FindByNumber(ctx context.Context, number string) (*ledger.Invoice, error) {
	var invoice ledger.Invoice
	err := r.db.WithContext(ctx).
		Preload("Lines").
		Where("number = ?", number).
		First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &invoice, nil
}

// List returns the organization's invoices, newest period first
func (r *GormInvoiceRepository) List(ctx context.Context, organizationID uuid.UUID, filter shared.Filter) (*shared.Paginated[ledger.Invoice], error) {
	query := r.db.WithContext(ctx).
		Model(&ledger.Invoice{}).
		Where("organization_id = ?", organizationID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	var invoices []ledger.Invoice
	err := query.
		Preload("Lines").
		Order("period_start DESC").
		Offset(filter.Offset()).
		Limit(filter.Limit()).
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}

	page := shared.NewPaginated(invoices, total, filter.Page, filter.Limit())
	return &page, nil
}

// ListByStatus returns the organization's invoices in one status
func (r *GormInvoiceRepository) ListByStatus(ctx context.Context, organizationID uuid.UUID, status ledger.InvoiceStatus) ([]*ledger.Invoice, error) {
	var invoices []*ledger.Invoice
	err := r.db.WithContext(ctx).
		Preload("Lines").
		Where("organization_id = ?", organizationID).
		Where("status = ?", status).
		Order("period_start DESC").
		Find(&invoices).Error
	return invoices, err
}

// NextNumber generates the next invoice number. Numbers are unique
// across all organizations, so the monthly sequence is global.
// Format: INV-YYYYMM-XXXXX, restarting each month.
func (r *GormInvoiceRepository) NextNumber(ctx context.Context, _ uuid.UUID) (string, error) {
	month := time.Now().UTC().Format("200601")
	prefix := fmt.Sprintf("INV-%s-", month)

	var maxNumber string
	err := r.db.WithContext(ctx).
		Model(&ledger.Invoice{}).
		Select("number").
		Where("number LIKE ?", prefix+"%").
		Order("number DESC").
		Limit(1).
		Pluck("number", &maxNumber).Error
	if err != nil {
		return "", err
	}

	nextNum := 1
	if maxNumber != "" {
		parts := strings.Split(maxNumber, "-")
		if len(parts) == 3 {
			if n, err := strconv.Atoi(parts[2]); err == nil {
				nextNum = n + 1
			}
		}
	}

	return fmt.Sprintf("%s%05d", prefix, nextNum), nil
}

// Ensure GormInvoiceRepository implements the interface
var _ ledger.InvoiceRepository = (*GormInvoiceRepository)(nil)
