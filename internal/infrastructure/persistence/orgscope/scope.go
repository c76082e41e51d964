// Package orgscope provides per-organization database scoping for GORM.
//
// Every tenant-owned table carries an organization_id column. This package
// extracts the organization ID from the request context and automatically
// applies WHERE organization_id = ? conditions so one organization's rows
// can never leak into another's queries.
//
// Usage:
//
//	db := orgscope.NewOrgDB(gormDB)
//	scopedDB := db.WithContext(ctx) // automatically applies org filtering
//	scopedDB.Find(&records) // WHERE organization_id = 'xxx' is auto-added
package orgscope

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/meridian/backend/internal/infrastructure/logger"
)

// ErrOrgIDRequired is returned when organization_id is required but not found
var ErrOrgIDRequired = errors.New("organization_id is required but not found in context")

// ErrInvalidOrgID is returned when organization_id format is invalid
var ErrInvalidOrgID = errors.New("invalid organization_id format")

type bypassKey struct{}

// WithBypass marks the context as exempt from organization scoping.
// Only the tenant resolver sets this, for platform operator sessions.
func WithBypass(ctx context.Context) context.Context {
	return context.WithValue(ctx, bypassKey{}, true)
}

// IsBypassed reports whether organization scoping is bypassed for this context
func IsBypassed(ctx context.Context) bool {
	bypass, ok := ctx.Value(bypassKey{}).(bool)
	return ok && bypass
}

// OrgScope applies organization filtering to GORM queries
func OrgScope(orgID uuid.UUID) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("organization_id = ?", orgID)
	}
}

// OrgScopeString applies organization filtering using a string ID
func OrgScopeString(orgID string) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("organization_id = ?", orgID)
	}
}

// OrgDB wraps GORM DB with automatic organization scoping
type OrgDB struct {
	db        *gorm.DB
	orgColumn string
	required  bool
}

// Config holds configuration for OrgDB
type Config struct {
	// OrgColumn is the name of the organization ID column (default: "organization_id")
	OrgColumn string
	// Required determines if organization_id is mandatory (default: true)
	Required bool
}

// DefaultConfig returns default OrgDB configuration
func DefaultConfig() Config {
	return Config{
		OrgColumn: "organization_id",
		Required:  true,
	}
}

// NewOrgDB creates a new OrgDB with default configuration
func NewOrgDB(db *gorm.DB) *OrgDB {
	return NewOrgDBWithConfig(db, DefaultConfig())
}

// NewOrgDBWithConfig creates a new OrgDB with custom configuration
func NewOrgDBWithConfig(db *gorm.DB, cfg Config) *OrgDB {
	if cfg.OrgColumn == "" {
		cfg.OrgColumn = "organization_id"
	}
	return &OrgDB{
		db:        db,
		orgColumn: cfg.OrgColumn,
		required:  cfg.Required,
	}
}

// DB returns the underlying GORM DB without organization scoping
// Use with caution - this bypasses organization isolation
func (o *OrgDB) DB() *gorm.DB {
	return o.db
}

// WithContext returns a GORM DB scoped to the organization from context.
// It extracts organization_id from the context (set by the tenant
// resolver) and automatically applies the filter to all queries.
//
// If organization_id is not found in context and Required is true, it
// returns a DB that will error on any operation. Operator sessions
// flagged via WithBypass skip scoping entirely.
func (o *OrgDB) WithContext(ctx context.Context) *gorm.DB {
	if IsBypassed(ctx) {
		return o.db.WithContext(ctx)
	}

	orgID := logger.GetOrgID(ctx)

	if orgID == "" {
		if o.required {
			// Return a DB that will error on execution
			db := o.db.WithContext(ctx)
			_ = db.AddError(ErrOrgIDRequired)
			return db
		}
		// If not required, return DB without org scope
		return o.db.WithContext(ctx)
	}

	// Validate UUID format
	if _, err := uuid.Parse(orgID); err != nil {
		db := o.db.WithContext(ctx)
		_ = db.AddError(ErrInvalidOrgID)
		return db
	}

	// Apply org scope
	return o.db.WithContext(ctx).Scopes(OrgScopeString(orgID))
}

// WithOrg returns a GORM DB scoped to a specific organization ID.
// Use this when you have the organization ID directly rather than from context.
func (o *OrgDB) WithOrg(orgID uuid.UUID) *gorm.DB {
	if orgID == uuid.Nil {
		if o.required {
			db := o.db
			_ = db.AddError(ErrOrgIDRequired)
			return db
		}
		return o.db
	}
	return o.db.Scopes(OrgScope(orgID))
}

// ForOrg creates a scoped DB bound to both a context and an explicit
// organization ID
func (o *OrgDB) ForOrg(ctx context.Context, orgID uuid.UUID) *gorm.DB {
	return o.db.WithContext(ctx).Scopes(OrgScope(orgID))
}

// Transaction executes a function within a database transaction with org scope
func (o *OrgDB) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if IsBypassed(ctx) {
		return o.db.WithContext(ctx).Transaction(fn)
	}

	orgID := logger.GetOrgID(ctx)

	if orgID == "" && o.required {
		return ErrOrgIDRequired
	}

	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if orgID != "" {
			tx = tx.Scopes(OrgScopeString(orgID))
		}
		return fn(tx)
	})
}

// Unscoped returns the underlying DB without any organization scoping.
// WARNING: Use this with extreme caution as it bypasses organization isolation.
// This should only be used for system-level operations or migrations.
func (o *OrgDB) Unscoped() *gorm.DB {
	return o.db
}

// SetRequired changes whether organization_id is required
func (o *OrgDB) SetRequired(required bool) *OrgDB {
	return &OrgDB{
		db:        o.db,
		orgColumn: o.orgColumn,
		required:  required,
	}
}
