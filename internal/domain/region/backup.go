package region

import (
	"context"

	"github.com/google/uuid"
	"github.com/meridian/backend/internal/domain/shared"
)

// BackupStrategy determines where an organization's backups may live
type BackupStrategy string

const (
	// BackupStrategyRegional keeps backups in the primary storage region only
	BackupStrategyRegional BackupStrategy = "regional"

	// BackupStrategyCrossRegion replicates backups to another provisioned region
	BackupStrategyCrossRegion BackupStrategy = "cross_region"

	// BackupStrategyMultiCloud replicates backups across cloud providers
	BackupStrategyMultiCloud BackupStrategy = "multi_cloud"
)

// String returns the string representation of BackupStrategy
func (s BackupStrategy) String() string {
	return string(s)
}

// IsValid returns true if the strategy is valid
func (s BackupStrategy) IsValid() bool {
	switch s {
	case BackupStrategyRegional, BackupStrategyCrossRegion, BackupStrategyMultiCloud:
		return true
	}
	return false
}

// CrossesBorders returns true if the strategy replicates data outside the
// primary region and therefore needs a legal basis.
func (s BackupStrategy) CrossesBorders() bool {
	return s == BackupStrategyCrossRegion || s == BackupStrategyMultiCloud
}

// BackupConfig is the per-organization backup policy
type BackupConfig struct {
	shared.OrgAggregateRoot
	Strategy         BackupStrategy `gorm:"type:varchar(20);not null;default:'regional'"`
	TargetRegion     *Code          `gorm:"type:varchar(32)"` // replication target for cross-region strategies
	LegalBasis       *LegalBasis    `gorm:"type:varchar(20)"` // required when the strategy crosses borders
	RetentionDays    int            `gorm:"not null;default:30"`
	EncryptionKeyRef string         `gorm:"type:varchar(200);not null"`
	Schedule         string         `gorm:"type:varchar(100);not null;default:'daily'"`
	IsActive         bool           `gorm:"not null;default:true"`
}

// TableName returns the table name for GORM
func (BackupConfig) TableName() string {
	return "backup_configs"
}

// NewBackupConfig creates a regional-only backup configuration
func NewBackupConfig(organizationID uuid.UUID, encryptionKeyRef string, retentionDays int) (*BackupConfig, error) {
	if encryptionKeyRef == "" {
		return nil, shared.NewDomainError("INVALID_KEY_REF", "Encryption key reference cannot be empty")
	}
	if retentionDays <= 0 {
		return nil, shared.NewDomainError("INVALID_RETENTION", "Retention days must be positive")
	}

	return &BackupConfig{
		OrgAggregateRoot: shared.NewOrgAggregateRoot(organizationID),
		Strategy:         BackupStrategyRegional,
		RetentionDays:    retentionDays,
		EncryptionKeyRef: encryptionKeyRef,
		Schedule:         "daily",
		IsActive:         true,
	}, nil
}

// SetStrategy changes the backup strategy. Cross-border strategies require a
// target region and a legal basis for the replication.
func (c *BackupConfig) SetStrategy(strategy BackupStrategy, target *Code, basis *LegalBasis) error {
	if !strategy.IsValid() {
		return shared.NewDomainError("INVALID_STRATEGY", "Invalid backup strategy")
	}
	if strategy.CrossesBorders() {
		if target == nil || target.IsZero() {
			return shared.NewDomainError("INVALID_TARGET", "Cross-region backup requires a target region")
		}
		if basis == nil || !basis.IsValid() {
			return ErrNoLegalBasisForTransfer
		}
	}

	c.Strategy = strategy
	c.TargetRegion = target
	c.LegalBasis = basis
	c.IncrementVersion()
	return nil
}

// SetRetention updates the retention window
func (c *BackupConfig) SetRetention(days int) error {
	if days <= 0 {
		return shared.NewDomainError("INVALID_RETENTION", "Retention days must be positive")
	}
	c.RetentionDays = days
	c.IncrementVersion()
	return nil
}

// Deactivate disables backups for the organization
func (c *BackupConfig) Deactivate() {
	c.IsActive = false
	c.IncrementVersion()
}

// BackupConfigRepository persists backup configurations
type BackupConfigRepository interface {
	Save(ctx context.Context, cfg *BackupConfig) error
	FindForOrganization(ctx context.Context, organizationID uuid.UUID) (*BackupConfig, error)
}
