package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridian/backend/internal/domain/identity"
	"github.com/meridian/backend/internal/domain/ledger"
	"github.com/meridian/backend/internal/infrastructure/persistence/orgscope"
)

// RetentionSweepScheduler deletes settled usage records older than each
// organization's retention window. Pending and failed records are never
// touched so reconciliation can still see them.
type RetentionSweepScheduler struct {
	usageRepo ledger.UsageRecordRepository
	orgRepo   identity.OrganizationRepository
	logger    *zap.Logger
	config    RetentionSweepSchedulerConfig
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// RetentionSweepSchedulerConfig holds configuration for the retention sweep
type RetentionSweepSchedulerConfig struct {
	// Enabled determines if the scheduler is active
	Enabled bool

	// Interval is how often the sweep runs
	Interval time.Duration

	// DefaultDays is the retention applied to organizations without an
	// explicit policy
	DefaultDays int

	// Timeout is the maximum time for one sweep
	Timeout time.Duration
}

// DefaultRetentionSweepSchedulerConfig returns default configuration
func DefaultRetentionSweepSchedulerConfig() RetentionSweepSchedulerConfig {
	return RetentionSweepSchedulerConfig{
		Enabled:     true,
		Interval:    24 * time.Hour,
		DefaultDays: 90,
		Timeout:     30 * time.Minute,
	}
}

// NewRetentionSweepScheduler creates a new retention sweep scheduler
func NewRetentionSweepScheduler(
	usageRepo ledger.UsageRecordRepository,
	orgRepo identity.OrganizationRepository,
	logger *zap.Logger,
	config RetentionSweepSchedulerConfig,
) *RetentionSweepScheduler {
	return &RetentionSweepScheduler{
		usageRepo: usageRepo,
		orgRepo:   orgRepo,
		logger:    logger,
		config:    config,
	}
}

// Start starts the retention scheduler
func (s *RetentionSweepScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if !s.config.Enabled {
		s.mu.Unlock()
		s.logger.Info("Retention sweep scheduler is disabled")
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("Retention sweep scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Int("default_days", s.config.DefaultDays),
	)

	return nil
}

// Stop gracefully stops the scheduler
func (s *RetentionSweepScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Retention sweep scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Retention sweep scheduler stop timed out")
		return ctx.Err()
	}
}

func (s *RetentionSweepScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Retention sweep loop stopping")
			return
		case <-ticker.C:
			s.executeSweep(ctx)
		}
	}
}

// executeSweep applies each organization's retention policy once
func (s *RetentionSweepScheduler) executeSweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	sweepCtx = orgscope.WithBypass(sweepCtx)

	startTime := time.Now()
	now := time.Now().UTC()

	orgs, err := s.orgRepo.ListOperational(sweepCtx)
	if err != nil {
		s.logger.Error("Retention sweep could not list organizations", zap.Error(err))
		return
	}

	var totalDeleted int64
	var failures int
	for _, org := range orgs {
		select {
		case <-sweepCtx.Done():
			s.logger.Warn("Retention sweep interrupted",
				zap.Int64("deleted_so_far", totalDeleted),
			)
			return
		default:
		}

		days := org.RetentionDays
		if days <= 0 {
			days = s.config.DefaultDays
		}
		cutoff := now.AddDate(0, 0, -days)

		deleted, err := s.usageRepo.DeleteSettledOlderThan(sweepCtx, org.ID, cutoff)
		if err != nil {
			failures++
			s.logger.Error("Retention sweep failed for organization",
				zap.String("organization_id", org.ID.String()),
				zap.Error(err),
			)
			continue
		}
		totalDeleted += deleted
	}

	duration := time.Since(startTime)
	if totalDeleted > 0 || failures > 0 {
		s.logger.Info("Retention sweep completed",
			zap.Duration("duration", duration),
			zap.Int("organizations", len(orgs)),
			zap.Int64("deleted_records", totalDeleted),
			zap.Int("failures", failures),
		)
	}
}

// TriggerImmediateSweep triggers an immediate retention sweep
func (s *RetentionSweepScheduler) TriggerImmediateSweep(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("Triggering immediate retention sweep")

	go func() {
		defer s.wg.Done()
		s.executeSweep(ctx)
	}()

	return nil
}

// IsRunning returns whether the scheduler is running
func (s *RetentionSweepScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}
