package persistence

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/meridian/backend/internal/domain/audit"
	"github.com/meridian/backend/internal/domain/shared"
)

// ErrAuditImmutable is returned when anything attempts to update or
// delete an audit entry through GORM
var ErrAuditImmutable = shared.ErrImmutableRecord

// GormAuditRepository implements audit.Repository. The table is insert
// only; the (organization_id, sequence) unique index serializes
// concurrent appenders, and the immutability guard rejects any update
// or delete that reaches the ORM layer.
type GormAuditRepository struct {
	db *gorm.DB
}

// NewGormAuditRepository creates a new GormAuditRepository
func NewGormAuditRepository(db *gorm.DB) *GormAuditRepository {
	return &GormAuditRepository{db: db}
}

// Insert appends an entry to its organization's chain
func (r *GormAuditRepository) Insert(ctx context.Context, entry *audit.Entry) error {
	err := r.db.WithContext(ctx).Create(entry).Error
	if err != nil && isUniqueViolation(err) {
		return audit.ErrSequenceConflict
	}
	return err
}

// Head returns the latest entry of an organization's chain
func (r *GormAuditRepository) Head(ctx context.Context, organizationID uuid.UUID) (*audit.Entry, error) {
	var entry audit.Entry
	err := r.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Order("sequence DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// Range returns entries with fromSeq <= sequence <= toSeq in ascending
// order. toSeq <= 0 means "to the head".
func (r *GormAuditRepository) Range(ctx context.Context, organizationID uuid.UUID, fromSeq, toSeq int64) ([]*audit.Entry, error) {
	query := r.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Where("sequence >= ?", fromSeq)
	if toSeq > 0 {
		query = query.Where("sequence <= ?", toSeq)
	}

	var entries []*audit.Entry
	if err := query.Order("sequence ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// Count returns the chain length
func (r *GormAuditRepository) Count(ctx context.Context, organizationID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&audit.Entry{}).
		Where("organization_id = ?", organizationID).
		Count(&count).Error
	return count, err
}

// RegisterAuditImmutabilityGuard installs callbacks that reject updates
// and deletes against the audit table. The repository exposes no
// mutation methods; this also blocks raw gorm access through the same
// handle.
func RegisterAuditImmutabilityGuard(db *gorm.DB) {
	auditTable := (audit.Entry{}).TableName()
	guard := func(db *gorm.DB) {
		table := db.Statement.Table
		if table == "" && db.Statement.Schema != nil {
			table = db.Statement.Schema.Table
		}
		if table == auditTable {
			_ = db.AddError(ErrAuditImmutable)
		}
	}
	_ = db.Callback().Update().Before("gorm:update").Register("audit:immutable_update", guard)
	_ = db.Callback().Delete().Before("gorm:delete").Register("audit:immutable_delete", guard)
}

// Ensure GormAuditRepository implements the interface
var _ audit.Repository = (*GormAuditRepository)(nil)
