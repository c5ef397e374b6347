package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"commission-engine/config"
	"commission-engine/internal/lifecycle"
	"commission-engine/internal/models"
	"commission-engine/internal/store"
	"commission-engine/internal/util"

	"go.uber.org/zap"
)

// maxConflictRetries bounds how often a transition is recomputed after losing a version race
const maxConflictRetries = 5

// RetryScheduler reschedules failed payouts and re-drives everything that is due
type RetryScheduler struct {
	ledger    Ledger
	notifier  *Notifier
	policy    lifecycle.RetryPolicy
	lease     time.Duration
	batchSize int
	now       func() time.Time
	logger    *zap.Logger
}

// NewRetryScheduler creates a new retry scheduler
func NewRetryScheduler(ledger Ledger, notifier *Notifier, cfg config.RetryConfig) *RetryScheduler {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = config.Defaults().Retry.BatchSize
	}
	return &RetryScheduler{
		ledger:   ledger,
		notifier: notifier,
		policy: lifecycle.RetryPolicy{
			BaseDelay:  cfg.BaseDelay,
			Multiplier: cfg.Multiplier,
			MaxDelay:   cfg.MaxDelay,
		},
		lease:     cfg.ProcessingLease,
		batchSize: batch,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    util.GetLogger(),
	}
}

// Policy returns the commission backoff policy
func (rs *RetryScheduler) Policy() lifecycle.RetryPolicy {
	return rs.policy
}

// ScheduleRetry records a failed payout attempt on a processing commission.
// The commission goes back to pending with a backoff, or is cancelled once its
// retries are used up.
func (rs *RetryScheduler) ScheduleRetry(ctx context.Context, commissionID, reason string) (*models.Commission, error) {
	ctx, span := util.StartSpan(ctx, "RetryScheduler.ScheduleRetry")
	defer span.End()

	var (
		res    lifecycle.Result
		events []models.OutboxEvent
	)
	err := retryOnConflict(ctx, "schedule_retry", func() error {
		c, err := rs.ledger.GetCommission(ctx, commissionID)
		if err != nil {
			return err
		}
		res, err = lifecycle.ScheduleRetry(*c, rs.policy, reason, rs.now())
		if err != nil {
			return err
		}
		if events, err = rs.notifier.CommissionEvents(&res.Commission, res.Effects); err != nil {
			return err
		}
		return rs.ledger.UpdateCommission(ctx, &res.Commission, events...)
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to schedule retry: %w", err)
	}

	c := &res.Commission
	util.CommissionTransitionsTotal.WithLabelValues(string(c.Status)).Inc()
	if c.Status == models.CommissionCancelled {
		util.CommissionsCancelledTotal.WithLabelValues("retries_exhausted").Inc()
		rs.logger.Warn("Commission cancelled after exhausting retries",
			zap.String("commission_id", c.ID),
			zap.Int("retry_count", c.RetryCount),
			zap.String("reason", reason))
	} else {
		util.RetriesScheduledTotal.Inc()
		rs.logger.Info("Payout retry scheduled",
			zap.String("commission_id", c.ID),
			zap.Int("retry_count", c.RetryCount),
			zap.Timep("next_retry_at", c.NextRetryAt),
			zap.String("reason", reason))
	}
	rs.notifier.Dispatch(ctx, events)
	return c, nil
}

// SweepResult counts what one sweep did
type SweepResult struct {
	Due        int `json:"due"`
	Paid       int `json:"paid"`
	Failed     int `json:"failed"`
	Resumed    int `json:"resumed"`
	Reconciled int `json:"reconciled"`
}

// Sweep re-drives due commissions and abandoned processing claims through
// driver, then reconciles approved payments that never got a commission
func (rs *RetryScheduler) Sweep(ctx context.Context, driver PayoutDriver) (*SweepResult, error) {
	ctx, span := util.StartSpan(ctx, "RetryScheduler.Sweep")
	defer span.End()

	start := time.Now()
	defer func() {
		util.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	result := &SweepResult{}
	now := rs.now()

	due, err := rs.ledger.ListDueCommissions(ctx, now, rs.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list due commissions: %w", err)
	}
	result.Due = len(due)
	for _, c := range due {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		rs.tally(result, c.ID, "process")(driver.ProcessPayout(ctx, c.ID))
	}

	if rs.lease > 0 {
		stale, err := rs.ledger.ListStaleProcessing(ctx, now.Add(-rs.lease), rs.batchSize)
		if err != nil {
			return result, fmt.Errorf("failed to list stale claims: %w", err)
		}
		for _, c := range stale {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.Resumed++
			rs.tally(result, c.ID, "resume")(driver.ResumePayout(ctx, c.ID))
		}
	}

	n, err := driver.Reconcile(ctx)
	result.Reconciled = n
	if err != nil {
		return result, fmt.Errorf("failed to reconcile: %w", err)
	}

	if result.Due+result.Resumed+result.Reconciled > 0 {
		rs.logger.Info("Retry sweep completed",
			zap.Int("due", result.Due),
			zap.Int("paid", result.Paid),
			zap.Int("failed", result.Failed),
			zap.Int("resumed", result.Resumed),
			zap.Int("reconciled", result.Reconciled))
	}
	return result, nil
}

func (rs *RetryScheduler) tally(result *SweepResult, commissionID, op string) func(*models.Commission, error) {
	return func(c *models.Commission, err error) {
		switch {
		case err == nil:
			if c != nil && c.Status == models.CommissionPaid {
				result.Paid++
			}
		case errors.Is(err, store.ErrConflict), errors.Is(err, lifecycle.ErrInvalidTransition):
			rs.logger.Debug("Commission taken by another worker",
				zap.String("commission_id", commissionID),
				zap.String("op", op))
		default:
			result.Failed++
			rs.logger.Error("Sweep failed to drive commission",
				zap.String("commission_id", commissionID),
				zap.String("op", op),
				zap.Error(err))
		}
	}
}

// retryOnConflict reruns fn while it fails on a stale version
func retryOnConflict(ctx context.Context, operation string, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err = fn(); !errors.Is(err, store.ErrConflict) {
			return err
		}
		util.CommissionConflictsTotal.WithLabelValues(operation).Inc()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}
