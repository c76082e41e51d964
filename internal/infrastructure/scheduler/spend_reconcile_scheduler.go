package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridian/backend/internal/application/ledger"
	"github.com/meridian/backend/internal/infrastructure/persistence/orgscope"
)

// SpendReconcileScheduler periodically fails stale pending usage records and
// re-derives cached key spend from the usage ledger. The interval bounds how
// long a key's soft-limited current_spend can drift from its settled usage.
type SpendReconcileScheduler struct {
	service   *ledger.Service
	logger    *zap.Logger
	config    SpendReconcileSchedulerConfig
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// SpendReconcileSchedulerConfig holds configuration for the reconciliation
// sweep
type SpendReconcileSchedulerConfig struct {
	// Enabled determines if the scheduler is active
	Enabled bool

	// Interval is how often the sweep runs
	Interval time.Duration

	// PendingAfter is the age at which a pending usage record is considered
	// abandoned and failed
	PendingAfter time.Duration

	// BatchSize is the maximum stale records processed per sweep
	BatchSize int

	// Timeout is the maximum time for one sweep
	Timeout time.Duration
}

// DefaultSpendReconcileSchedulerConfig returns default configuration
func DefaultSpendReconcileSchedulerConfig() SpendReconcileSchedulerConfig {
	return SpendReconcileSchedulerConfig{
		Enabled:      true,
		Interval:     5 * time.Minute,
		PendingAfter: 10 * time.Minute,
		BatchSize:    200,
		Timeout:      2 * time.Minute,
	}
}

// NewSpendReconcileScheduler creates a new spend reconciliation scheduler
func NewSpendReconcileScheduler(
	service *ledger.Service,
	logger *zap.Logger,
	config SpendReconcileSchedulerConfig,
) *SpendReconcileScheduler {
	return &SpendReconcileScheduler{
		service: service,
		logger:  logger,
		config:  config,
	}
}

// Start starts the reconciliation scheduler
func (s *SpendReconcileScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if !s.config.Enabled {
		s.mu.Unlock()
		s.logger.Info("Spend reconciliation scheduler is disabled")
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("Spend reconciliation scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("pending_after", s.config.PendingAfter),
	)

	return nil
}

// Stop gracefully stops the scheduler
func (s *SpendReconcileScheduler) Stop(ctx context.Context) error {
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
		s.logger.Info("Spend reconciliation scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Spend reconciliation scheduler stop timed out")
		return ctx.Err()
	}
}

func (s *SpendReconcileScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Spend reconciliation loop stopping")
			return
		case <-ticker.C:
			s.executeSweep(ctx)
		}
	}
}

// executeSweep runs one reconciliation pass
func (s *SpendReconcileScheduler) executeSweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	// the sweep crosses every tenant
	sweepCtx = orgscope.WithBypass(sweepCtx)

	startTime := time.Now()
	failed, err := s.service.ReconcileKeySpend(sweepCtx, s.config.PendingAfter, s.config.BatchSize)
	duration := time.Since(startTime)

	if err != nil {
		s.logger.Error("Spend reconciliation sweep failed",
			zap.Duration("duration", duration),
			zap.Int("failed_records", failed),
			zap.Error(err),
		)
		return
	}

	if failed > 0 {
		s.logger.Info("Spend reconciliation sweep completed",
			zap.Duration("duration", duration),
			zap.Int("failed_records", failed),
		)
	}
}

// TriggerImmediateReconciliation triggers an immediate reconciliation sweep
func (s *SpendReconcileScheduler) TriggerImmediateReconciliation(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("Triggering immediate spend reconciliation sweep")

	go func() {
		defer s.wg.Done()
		s.executeSweep(ctx)
	}()

	return nil
}

// IsRunning returns whether the scheduler is running
func (s *SpendReconcileScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}
