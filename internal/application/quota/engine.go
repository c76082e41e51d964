// Package quota implements the quota and budget engine: windowed counters
// walked over a scope chain with atomic check-and-consume, post-hoc
// settlement, and the monetary budget cascade.
package quota

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian/backend/internal/domain/identity"
	"github.com/meridian/backend/internal/domain/ledger"
	"github.com/meridian/backend/internal/domain/quota"
	"github.com/meridian/backend/internal/domain/shared"
)

// granularities is the order windows are checked within one scope
var granularities = []quota.Granularity{
	quota.GranularityMinute,
	quota.GranularityHour,
	quota.GranularityDay,
	quota.GranularityMonth,
}

// Engine walks scope chains against windowed counters. A scope without a
// counter row for a metric is unlimited at that granularity; the first
// counter without room denies the whole operation and everything consumed
// earlier in the same call is compensated before returning.
type Engine struct {
	quotaRepo      quota.UsageQuotaRepository
	windows        quota.SlidingWindowStore
	keyRepo        identity.VirtualKeyRepository
	usageRepo      ledger.UsageRecordRepository
	alertThreshold float64
	logger         *zap.Logger
}

// NewEngine creates a new quota engine
func NewEngine(
	quotaRepo quota.UsageQuotaRepository,
	windows quota.SlidingWindowStore,
	keyRepo identity.VirtualKeyRepository,
	usageRepo ledger.UsageRecordRepository,
	alertThreshold float64,
	log *zap.Logger,
) *Engine {
	if alertThreshold <= 0 || alertThreshold > 1 {
		alertThreshold = 0.8
	}
	return &Engine{
		quotaRepo:      quotaRepo,
		windows:        windows,
		keyRepo:        keyRepo,
		usageRepo:      usageRepo,
		alertThreshold: alertThreshold,
		logger:         log,
	}
}

// taken remembers one successful consumption for compensation
type taken struct {
	quotaID    uuid.UUID
	slidingKey string
	window     time.Duration
	amount     int64
}

// CheckAndConsume walks the chain most specific first and consumes amount
// of the metric at every scope that caps it. A denial is a structured
// outcome, not an error; infrastructure failures wrap
// shared.ErrStorageUnavailable.
func (e *Engine) CheckAndConsume(ctx context.Context, organizationID uuid.UUID, chain quota.Chain, metric quota.Metric, amount int64) (quota.Decision, error) {
	if err := chain.Validate(); err != nil {
		return quota.Decision{}, err
	}
	if !metric.IsValid() {
		return quota.Decision{}, shared.NewDomainError("INVALID_METRIC", "Invalid quota metric")
	}
	if amount < 0 {
		return quota.Decision{}, shared.NewDomainError("INVALID_AMOUNT", "Consumption amount cannot be negative")
	}
	if amount == 0 {
		// nothing to reserve, nothing to deny
		return quota.Allow(metric, 0), nil
	}

	now := time.Now().UTC()
	var consumed []taken

	for _, scope := range chain {
		for _, g := range granularities {
			row, err := e.quotaRepo.FindLatestWindow(ctx, organizationID, scope, metric, g)
			if err != nil {
				if errors.Is(err, shared.ErrNotFound) {
					continue // unlimited at this granularity
				}
				e.compensate(ctx, consumed)
				return quota.Decision{}, fmt.Errorf("%w: %v", shared.ErrStorageUnavailable, err)
			}

			if row.WindowType == quota.WindowSliding {
				key := quota.WindowKey(scope, metric, g)
				window := g.Duration()
				ok, trailing, err := e.windows.ConsumeInWindow(ctx, key, window, amount, row.LimitValue, now)
				if err != nil {
					e.compensate(ctx, consumed)
					return quota.Decision{}, fmt.Errorf("%w: %v", shared.ErrStorageUnavailable, err)
				}
				if !ok {
					e.compensate(ctx, consumed)
					remaining := row.LimitValue - trailing
					if remaining < 0 {
						remaining = 0
					}
					e.logDenied(scope, metric, g, amount)
					return quota.Deny(metric, amount, scope, remaining), nil
				}
				e.mirrorTrailing(ctx, row, trailing)
				consumed = append(consumed, taken{slidingKey: key, window: window, amount: amount})
				continue
			}

			if row.Expired(now) {
				row, err = e.rollWindow(ctx, organizationID, scope, metric, row, now)
				if err != nil {
					e.compensate(ctx, consumed)
					return quota.Decision{}, fmt.Errorf("%w: %v", shared.ErrStorageUnavailable, err)
				}
			}

			ok, remaining, err := e.quotaRepo.Consume(ctx, row.ID, amount)
			if err != nil {
				e.compensate(ctx, consumed)
				return quota.Decision{}, fmt.Errorf("%w: %v", shared.ErrStorageUnavailable, err)
			}
			if !ok {
				e.compensate(ctx, consumed)
				e.logDenied(scope, metric, g, amount)
				return quota.Deny(metric, amount, scope, remaining), nil
			}
			consumed = append(consumed, taken{quotaID: row.ID, amount: amount})
		}
	}

	return quota.Allow(metric, amount), nil
}

// Settle reconciles estimated against actual consumption after the work
// completed. Settlement adjusts without a limit check; completed work is
// never blocked retroactively.
func (e *Engine) Settle(ctx context.Context, organizationID uuid.UUID, chain quota.Chain, metric quota.Metric, estimated, actual int64) error {
	if err := chain.Validate(); err != nil {
		return err
	}
	delta := actual - estimated
	if delta == 0 {
		return nil
	}

	now := time.Now().UTC()
	for _, scope := range chain {
		for _, g := range granularities {
			row, err := e.quotaRepo.FindLatestWindow(ctx, organizationID, scope, metric, g)
			if err != nil {
				if errors.Is(err, shared.ErrNotFound) {
					continue
				}
				return fmt.Errorf("%w: %v", shared.ErrStorageUnavailable, err)
			}

			if row.WindowType == quota.WindowSliding {
				key := quota.WindowKey(scope, metric, g)
				window := g.Duration()
				if delta > 0 {
					if _, _, err := e.windows.ConsumeInWindow(ctx, key, window, delta, math.MaxInt64, now); err != nil {
						return fmt.Errorf("%w: %v", shared.ErrStorageUnavailable, err)
					}
				} else {
					if err := e.windows.Release(ctx, key, window, -delta, now); err != nil {
						return fmt.Errorf("%w: %v", shared.ErrStorageUnavailable, err)
					}
				}
				continue
			}

			if err := e.quotaRepo.AdjustBy(ctx, row.ID, delta); err != nil && !errors.Is(err, shared.ErrNotFound) {
				return fmt.Errorf("%w: %v", shared.ErrStorageUnavailable, err)
			}
		}
	}
	return nil
}

// Release compensates consumption for cancelled work. The engine never
// infers cancellation; the caller must release explicitly.
func (e *Engine) Release(ctx context.Context, organizationID uuid.UUID, chain quota.Chain, metric quota.Metric, amount int64) error {
	if err := chain.Validate(); err != nil {
		return err
	}
	if amount <= 0 {
		return nil
	}

	now := time.Now().UTC()
	for _, scope := range chain {
		for _, g := range granularities {
			row, err := e.quotaRepo.FindLatestWindow(ctx, organizationID, scope, metric, g)
			if err != nil {
				if errors.Is(err, shared.ErrNotFound) {
					continue
				}
				return fmt.Errorf("%w: %v", shared.ErrStorageUnavailable, err)
			}

			if row.WindowType == quota.WindowSliding {
				key := quota.WindowKey(scope, metric, g)
				if err := e.windows.Release(ctx, key, g.Duration(), amount, now); err != nil {
					return fmt.Errorf("%w: %v", shared.ErrStorageUnavailable, err)
				}
				continue
			}

			if err := e.quotaRepo.Release(ctx, row.ID, amount); err != nil && !errors.Is(err, shared.ErrNotFound) {
				return fmt.Errorf("%w: %v", shared.ErrStorageUnavailable, err)
			}
		}
	}
	return nil
}

// rollWindow replaces an expired fixed window with the window containing
// now, carrying the limit forward. A concurrent roller winning the unique
// index is fine; the loser adopts the winner's row.
func (e *Engine) rollWindow(ctx context.Context, organizationID uuid.UUID, scope quota.Scope, metric quota.Metric, expired *quota.UsageQuota, now time.Time) (*quota.UsageQuota, error) {
	next, err := expired.NextWindow(now)
	if err != nil {
		return nil, err
	}
	if err := e.quotaRepo.Save(ctx, next); err != nil {
		if errors.Is(err, shared.ErrAlreadyExists) {
			return e.quotaRepo.FindCurrentWindow(ctx, organizationID, scope, metric, expired.Granularity, now)
		}
		return nil, err
	}
	return next, nil
}

// mirrorTrailing copies the sliding store's trailing value onto the DB
// reporting row. Best effort; the store stays authoritative.
func (e *Engine) mirrorTrailing(ctx context.Context, row *quota.UsageQuota, trailing int64) {
	delta := trailing - row.CurrentValue
	if delta == 0 {
		return
	}
	if err := e.quotaRepo.AdjustBy(ctx, row.ID, delta); err != nil {
		e.logger.Debug("Failed to mirror sliding window value", zap.Error(err))
	}
}

// compensate releases everything consumed earlier in a call that ended in
// a deny or an error, so the engine never partially consumes.
func (e *Engine) compensate(ctx context.Context, consumed []taken) {
	now := time.Now().UTC()
	for i := len(consumed) - 1; i >= 0; i-- {
		t := consumed[i]
		var err error
		if t.slidingKey != "" {
			err = e.windows.Release(ctx, t.slidingKey, t.window, t.amount, now)
		} else {
			err = e.quotaRepo.Release(ctx, t.quotaID, t.amount)
		}
		if err != nil {
			e.logger.Error("Failed to compensate quota consumption",
				zap.String("quota_id", t.quotaID.String()),
				zap.Int64("amount", t.amount),
				zap.Error(err))
		}
	}
}

func (e *Engine) logDenied(scope quota.Scope, metric quota.Metric, g quota.Granularity, amount int64) {
	// denials are routine backpressure, not errors
	e.logger.Debug("Quota denied",
		zap.String("scope", scope.Level.String()),
		zap.String("scope_id", scope.ID.String()),
		zap.String("metric", metric.String()),
		zap.String("granularity", g.String()),
		zap.Int64("amount", amount))
}

// BudgetDecision is the outcome of the monetary budget cascade
type BudgetDecision struct {
	Allowed       bool
	ExceededScope *quota.Scope
}

// CheckAndConsumeBudget walks the spend cascade key -> team -> organization.
// The virtual key's spend is consumed atomically; team and organization
// checks read the live rows, never a cached aggregate. Denial compensates
// the key consumption before returning.
func (e *Engine) CheckAndConsumeBudget(ctx context.Context, org *identity.Organization, team *identity.Team, key *identity.VirtualKey, amount decimal.Decimal) (BudgetDecision, error) {
	if org == nil {
		return BudgetDecision{}, shared.NewDomainError("INVALID_INPUT", "Organization is required")
	}
	if amount.IsNegative() {
		return BudgetDecision{}, shared.NewDomainError("INVALID_AMOUNT", "Budget amount cannot be negative")
	}

	var keyConsumed bool
	if key != nil {
		ok, err := e.keyRepo.ConsumeSpend(ctx, org.ID, key.ID, amount)
		if err != nil {
			return BudgetDecision{}, fmt.Errorf("%w: %v", shared.ErrStorageUnavailable, err)
		}
		if !ok {
			s := quota.Scope{Level: quota.ScopeVirtualKey, ID: key.ID}
			return BudgetDecision{ExceededScope: &s}, nil
		}
		keyConsumed = true
	}

	deny := func(s quota.Scope) (BudgetDecision, error) {
		if keyConsumed {
			if err := e.keyRepo.ReleaseSpend(ctx, org.ID, key.ID, amount); err != nil {
				e.logger.Error("Failed to compensate key spend", zap.Error(err))
			}
		}
		return BudgetDecision{ExceededScope: &s}, nil
	}

	if team != nil && team.MonthlyBudget != nil {
		start, end := monthWindow(time.Now().UTC())
		spent, err := e.usageRepo.SumCostByTeamInPeriod(ctx, team.ID, start, end)
		if err != nil {
			if keyConsumed {
				_ = e.keyRepo.ReleaseSpend(ctx, org.ID, key.ID, amount)
			}
			return BudgetDecision{}, fmt.Errorf("%w: %v", shared.ErrStorageUnavailable, err)
		}
		projected := spent.Add(amount)
		if projected.GreaterThan(*team.MonthlyBudget) {
			return deny(quota.Scope{Level: quota.ScopeTeam, ID: team.ID})
		}
		if warnAt := team.BudgetWarningAt(); warnAt != nil && projected.GreaterThanOrEqual(*warnAt) {
			e.logger.Warn("Team budget alert threshold crossed",
				zap.String("team_id", team.ID.String()),
				zap.String("spent", projected.String()),
				zap.String("budget", team.MonthlyBudget.String()))
		}
	}

	if org.CreditBalance.LessThan(amount) {
		return deny(quota.Scope{Level: quota.ScopeOrganization, ID: org.ID})
	}

	return BudgetDecision{Allowed: true}, nil
}

// SettleBudget applies the difference between estimated and actual spend to
// the key's live counter. Settlement never blocks completed work, so the
// spend may transiently exceed the budget until the reconciliation sweep.
func (e *Engine) SettleBudget(ctx context.Context, organizationID, keyID uuid.UUID, estimated, actual decimal.Decimal) error {
	delta := actual.Sub(estimated)
	if delta.IsZero() {
		return nil
	}
	if err := e.keyRepo.SettleSpend(ctx, organizationID, keyID, delta); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrStorageUnavailable, err)
	}
	return nil
}

// ReleaseBudget compensates reserved spend for cancelled work
func (e *Engine) ReleaseBudget(ctx context.Context, organizationID, keyID uuid.UUID, amount decimal.Decimal) error {
	if err := e.keyRepo.ReleaseSpend(ctx, organizationID, keyID, amount); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrStorageUnavailable, err)
	}
	return nil
}

// RolloverExpiredWindows replaces fixed windows that ended before now with
// fresh rows carrying the same limits. Called by the scheduler; consumers
// also roll on demand, so the sweep only has to keep history tidy.
func (e *Engine) RolloverExpiredWindows(ctx context.Context, now time.Time, batch int) (int, error) {
	expired, err := e.quotaRepo.ListExpiredFixedWindows(ctx, now, batch)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", shared.ErrStorageUnavailable, err)
	}

	rolled := 0
	for _, row := range expired {
		next, err := row.NextWindow(now)
		if err != nil {
			e.logger.Error("Failed to compute next quota window",
				zap.String("quota_id", row.ID.String()), zap.Error(err))
			continue
		}
		if err := e.quotaRepo.Save(ctx, next); err != nil {
			if errors.Is(err, shared.ErrAlreadyExists) {
				continue // a consumer already rolled this window
			}
			return rolled, fmt.Errorf("%w: %v", shared.ErrStorageUnavailable, err)
		}
		rolled++
	}
	return rolled, nil
}

func monthWindow(now time.Time) (time.Time, time.Time) {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
