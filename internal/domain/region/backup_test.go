package region

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBackupConfig(t *testing.T) {
	orgID := uuid.New()

	t.Run("defaults to regional-only", func(t *testing.T) {
		cfg, err := NewBackupConfig(orgID, "kms:key/primary", 30)
		require.NoError(t, err)

		assert.Equal(t, BackupStrategyRegional, cfg.Strategy)
		assert.Equal(t, 30, cfg.RetentionDays)
		assert.Equal(t, "daily", cfg.Schedule)
		assert.Nil(t, cfg.TargetRegion)
		assert.Nil(t, cfg.LegalBasis)
		assert.True(t, cfg.IsActive)
	})

	t.Run("fails without encryption key reference", func(t *testing.T) {
		_, err := NewBackupConfig(orgID, "", 30)
		require.Error(t, err)
	})

	t.Run("fails with non-positive retention", func(t *testing.T) {
		_, err := NewBackupConfig(orgID, "kms:key/primary", 0)
		require.Error(t, err)
	})
}

func TestBackupConfigStrategy(t *testing.T) {
	orgID := uuid.New()
	target := Code("us-east-1")
	basis := LegalBasisSCC

	newCfg := func(t *testing.T) *BackupConfig {
		t.Helper()
		cfg, err := NewBackupConfig(orgID, "kms:key/primary", 30)
		require.NoError(t, err)
		return cfg
	}

	t.Run("cross-region requires target and legal basis", func(t *testing.T) {
		cfg := newCfg(t)
		require.NoError(t, cfg.SetStrategy(BackupStrategyCrossRegion, &target, &basis))

		assert.Equal(t, BackupStrategyCrossRegion, cfg.Strategy)
		assert.Equal(t, target, *cfg.TargetRegion)
		assert.Equal(t, basis, *cfg.LegalBasis)
	})

	t.Run("rejects cross-region without target", func(t *testing.T) {
		cfg := newCfg(t)
		require.Error(t, cfg.SetStrategy(BackupStrategyCrossRegion, nil, &basis))
	})

	t.Run("rejects cross-region without legal basis", func(t *testing.T) {
		cfg := newCfg(t)
		assert.ErrorIs(t, cfg.SetStrategy(BackupStrategyMultiCloud, &target, nil), ErrNoLegalBasisForTransfer)
	})

	t.Run("regional strategy needs neither", func(t *testing.T) {
		cfg := newCfg(t)
		require.NoError(t, cfg.SetStrategy(BackupStrategyRegional, nil, nil))
	})

	t.Run("only replicating strategies cross borders", func(t *testing.T) {
		assert.False(t, BackupStrategyRegional.CrossesBorders())
		assert.True(t, BackupStrategyCrossRegion.CrossesBorders())
		assert.True(t, BackupStrategyMultiCloud.CrossesBorders())
	})

	t.Run("retention update", func(t *testing.T) {
		cfg := newCfg(t)
		require.NoError(t, cfg.SetRetention(90))
		assert.Equal(t, 90, cfg.RetentionDays)
		require.Error(t, cfg.SetRetention(-1))
	})
}
