package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridian/backend/internal/application/quota"
	"github.com/meridian/backend/internal/infrastructure/persistence/orgscope"
)

// QuotaRolloverScheduler periodically replaces expired fixed quota windows
// with fresh rows. Consumers also roll windows on demand, so the sweep is a
// tidiness job: it keeps reporting rows current for idle scopes.
type QuotaRolloverScheduler struct {
	engine    *quota.Engine
	logger    *zap.Logger
	config    QuotaRolloverSchedulerConfig
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// QuotaRolloverSchedulerConfig holds configuration for the rollover sweep
type QuotaRolloverSchedulerConfig struct {
	// Enabled determines if the scheduler is active
	Enabled bool

	// Interval is how often the sweep runs
	Interval time.Duration

	// BatchSize is the maximum expired windows rolled per sweep
	BatchSize int

	// Timeout is the maximum time for one sweep
	Timeout time.Duration
}

// DefaultQuotaRolloverSchedulerConfig returns default configuration
func DefaultQuotaRolloverSchedulerConfig() QuotaRolloverSchedulerConfig {
	return QuotaRolloverSchedulerConfig{
		Enabled:   true,
		Interval:  time.Minute,
		BatchSize: 500,
		Timeout:   30 * time.Second,
	}
}

// NewQuotaRolloverScheduler creates a new quota rollover scheduler
func NewQuotaRolloverScheduler(
	engine *quota.Engine,
	logger *zap.Logger,
	config QuotaRolloverSchedulerConfig,
) *QuotaRolloverScheduler {
	return &QuotaRolloverScheduler{
		engine: engine,
		logger: logger,
		config: config,
	}
}

// Start starts the rollover scheduler
func (s *QuotaRolloverScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if !s.config.Enabled {
		s.mu.Unlock()
		s.logger.Info("Quota rollover scheduler is disabled")
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("Quota rollover scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Int("batch_size", s.config.BatchSize),
	)

	return nil
}

// Stop gracefully stops the scheduler
func (s *QuotaRolloverScheduler) Stop(ctx context.Context) error {
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
		s.logger.Info("Quota rollover scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Quota rollover scheduler stop timed out")
		return ctx.Err()
	}
}

func (s *QuotaRolloverScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Quota rollover loop stopping")
			return
		case <-ticker.C:
			s.executeSweep(ctx)
		}
	}
}

// executeSweep rolls one batch of expired fixed windows
func (s *QuotaRolloverScheduler) executeSweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	sweepCtx = orgscope.WithBypass(sweepCtx)

	startTime := time.Now()
	rolled, err := s.engine.RolloverExpiredWindows(sweepCtx, time.Now().UTC(), s.config.BatchSize)
	duration := time.Since(startTime)

	if err != nil {
		s.logger.Error("Quota rollover sweep failed",
			zap.Duration("duration", duration),
			zap.Int("rolled", rolled),
			zap.Error(err),
		)
		return
	}

	if rolled > 0 {
		s.logger.Info("Quota rollover sweep completed",
			zap.Duration("duration", duration),
			zap.Int("rolled", rolled),
		)
	}
}

// TriggerImmediateRollover triggers an immediate rollover sweep
func (s *QuotaRolloverScheduler) TriggerImmediateRollover(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("Triggering immediate quota rollover sweep")

	go func() {
		defer s.wg.Done()
		s.executeSweep(ctx)
	}()

	return nil
}

// IsRunning returns whether the scheduler is running
func (s *QuotaRolloverScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}
