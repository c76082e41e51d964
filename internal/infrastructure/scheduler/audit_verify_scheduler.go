package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridian/backend/internal/application/audit"
	"github.com/meridian/backend/internal/domain/identity"
	"github.com/meridian/backend/internal/infrastructure/persistence/orgscope"
)

// AuditVerifyScheduler periodically recomputes the tail of every operational
// organization's audit chain. An organization whose chain fails verification
// is halted: its chain is skipped on later sweeps and automated processing
// must not resume until an operator investigates.
type AuditVerifyScheduler struct {
	service   *audit.Service
	orgRepo   identity.OrganizationRepository
	logger    *zap.Logger
	config    AuditVerifySchedulerConfig
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
	halted    map[uuid.UUID]struct{}
}

// AuditVerifySchedulerConfig holds configuration for the verification sweep
type AuditVerifySchedulerConfig struct {
	// Enabled determines if the scheduler is active
	Enabled bool

	// Interval is how often the sweep runs
	Interval time.Duration

	// BatchSize is the number of chain entries verified per organization
	// per sweep, counted back from the head
	BatchSize int

	// Timeout is the maximum time for one full sweep
	Timeout time.Duration
}

// DefaultAuditVerifySchedulerConfig returns default configuration
func DefaultAuditVerifySchedulerConfig() AuditVerifySchedulerConfig {
	return AuditVerifySchedulerConfig{
		Enabled:   true,
		Interval:  15 * time.Minute,
		BatchSize: 1000,
		Timeout:   10 * time.Minute,
	}
}

// NewAuditVerifyScheduler creates a new audit verification scheduler
func NewAuditVerifyScheduler(
	service *audit.Service,
	orgRepo identity.OrganizationRepository,
	logger *zap.Logger,
	config AuditVerifySchedulerConfig,
) *AuditVerifyScheduler {
	return &AuditVerifyScheduler{
		service: service,
		orgRepo: orgRepo,
		logger:  logger,
		config:  config,
		halted:  make(map[uuid.UUID]struct{}),
	}
}

// Start starts the verification scheduler
func (s *AuditVerifyScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if !s.config.Enabled {
		s.mu.Unlock()
		s.logger.Info("Audit verification scheduler is disabled")
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("Audit verification scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Int("batch_size", s.config.BatchSize),
	)

	return nil
}

// Stop gracefully stops the scheduler
func (s *AuditVerifyScheduler) Stop(ctx context.Context) error {
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
		s.logger.Info("Audit verification scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Audit verification scheduler stop timed out")
		return ctx.Err()
	}
}

func (s *AuditVerifyScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Audit verification loop stopping")
			return
		case <-ticker.C:
			s.executeSweep(ctx)
		}
	}
}

// executeSweep verifies the chain tail of every operational organization
func (s *AuditVerifyScheduler) executeSweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	// the sweep crosses every tenant
	sweepCtx = orgscope.WithBypass(sweepCtx)

	orgs, err := s.orgRepo.ListOperational(sweepCtx)
	if err != nil {
		s.logger.Error("Audit verification sweep failed to list organizations", zap.Error(err))
		return
	}

	startTime := time.Now()
	verified, tampered := 0, 0
	for _, org := range orgs {
		if sweepCtx.Err() != nil {
			break
		}
		if s.isHalted(org.ID) {
			continue
		}

		ok, err := s.verifyTail(sweepCtx, org.ID)
		if err != nil {
			s.logger.Error("Audit chain verification errored",
				zap.String("organization_id", org.ID.String()),
				zap.Error(err))
			continue
		}
		if !ok {
			s.halt(org.ID)
			tampered++
			continue
		}
		verified++
	}

	s.logger.Info("Audit verification sweep completed",
		zap.Duration("duration", time.Since(startTime)),
		zap.Int("organizations", len(orgs)),
		zap.Int("verified", verified),
		zap.Int("tampered", tampered),
	)
}

// verifyTail recomputes the last BatchSize entries of one chain
func (s *AuditVerifyScheduler) verifyTail(ctx context.Context, organizationID uuid.UUID) (bool, error) {
	length, err := s.service.ChainLength(ctx, organizationID)
	if err != nil {
		return false, err
	}
	if length == 0 {
		return true, nil
	}

	fromSeq := length - int64(s.config.BatchSize) + 1
	if fromSeq < 1 {
		fromSeq = 1
	}

	result, err := s.service.Verify(ctx, organizationID, fromSeq, 0)
	if err != nil {
		return false, err
	}
	return result.Valid, nil
}

func (s *AuditVerifyScheduler) isHalted(organizationID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.halted[organizationID]
	return ok
}

// halt marks the organization's chain as tampered. Cleared only by restart;
// resuming automated processing is an operator decision.
func (s *AuditVerifyScheduler) halt(organizationID uuid.UUID) {
	s.mu.Lock()
	s.halted[organizationID] = struct{}{}
	s.mu.Unlock()

	s.logger.Error("Audit chain halted after failed verification",
		zap.String("organization_id", organizationID.String()))
}

// HaltedOrganizations returns the organizations whose chains failed
// verification since the scheduler started
func (s *AuditVerifyScheduler) HaltedOrganizations() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uuid.UUID, 0, len(s.halted))
	for id := range s.halted {
		out = append(out, id)
	}
	return out
}

// TriggerImmediateVerification triggers an immediate verification sweep
func (s *AuditVerifyScheduler) TriggerImmediateVerification(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("Triggering immediate audit verification sweep")

	go func() {
		defer s.wg.Done()
		s.executeSweep(ctx)
	}()

	return nil
}

// IsRunning returns whether the scheduler is running
func (s *AuditVerifyScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}
