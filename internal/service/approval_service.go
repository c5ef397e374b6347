package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"commission-engine/config"
	"commission-engine/internal/lifecycle"
	"commission-engine/internal/models"
	"commission-engine/internal/store"
	"commission-engine/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	reconcileLockKey = "lock:reconcile"
	reconcileLockTTL = 5 * time.Minute
	payoutWorker     = "payout-worker"
)

// ApprovalService runs the payment approval saga and the commission payout workflow
type ApprovalService struct {
	ledger   Ledger
	balances *BalanceMutator
	retries  *RetryScheduler
	fraud    *FraudSignals
	notifier *Notifier
	locker   Locker
	cfg      config.ApprovalConfig
	rate     decimal.Decimal
	now      func() time.Time
	logger   *zap.Logger
}

// NewApprovalService creates a new approval service
func NewApprovalService(
	ledger Ledger,
	balances *BalanceMutator,
	retries *RetryScheduler,
	fraud *FraudSignals,
	notifier *Notifier,
	cfg config.ApprovalConfig,
) *ApprovalService {
	return &ApprovalService{
		ledger:   ledger,
		balances: balances,
		retries:  retries,
		fraud:    fraud,
		notifier: notifier,
		cfg:      cfg,
		rate:     decimal.NewFromFloat(cfg.CommissionRate),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   util.GetLogger(),
	}
}

// WithLocker guards reconciliation with a cluster-wide lock
func (s *ApprovalService) WithLocker(locker Locker) *ApprovalService {
	s.locker = locker
	return s
}

// CapturePaymentRequest represents a payment reported captured by the gateway
type CapturePaymentRequest struct {
	PaymentID  string          `json:"payment_id"`
	ResellerID string          `json:"reseller_id"`
	ProductID  string          `json:"product_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	ClientIP   string          `json:"client_ip,omitempty"`
	CapturedAt time.Time       `json:"captured_at,omitempty"`
}

func (r *CapturePaymentRequest) validate() error {
	for field, value := range map[string]string{
		"payment_id":  r.PaymentID,
		"reseller_id": r.ResellerID,
		"product_id":  r.ProductID,
	} {
		if err := required(field, value); err != nil {
			return err
		}
	}
	if !r.Amount.IsPositive() {
		return invalidField("amount", "must be positive")
	}
	if len(strings.TrimSpace(r.Currency)) != 3 {
		return invalidField("currency", "must be a three letter ISO code")
	}
	return nil
}

// CapturePayment records a captured payment awaiting administrative approval.
// Capturing the same payment twice returns the stored record with created=false.
func (s *ApprovalService) CapturePayment(ctx context.Context, req *CapturePaymentRequest) (*models.Payment, bool, error) {
	ctx, span := util.StartSpan(ctx, "ApprovalService.CapturePayment",
		attribute.String("payment_id", req.PaymentID))
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, false, err
	}

	now := s.now()
	capturedAt := req.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = now
	}
	p := &models.Payment{
		ID:               req.PaymentID,
		ResellerID:       req.ResellerID,
		ProductID:        req.ProductID,
		Amount:           req.Amount,
		Currency:         strings.ToUpper(strings.TrimSpace(req.Currency)),
		CapturedAt:       capturedAt.UTC(),
		Status:           models.PaymentStatusPaid,
		AdminApproval:    models.ApprovalPending,
		CommissionAmount: s.commissionFor(req.Amount),
		CommissionStatus: models.PaymentCommissionPending,
		ClientIP:         req.ClientIP,
	}

	events, err := s.notifier.PaymentEvents(models.EventPaymentCaptured, p)
	if err != nil {
		return nil, false, err
	}
	err = s.ledger.CreatePayment(ctx, p, events...)
	if errors.Is(err, store.ErrAlreadyExists) {
		s.logger.Info("Duplicate capture ignored", zap.String("payment_id", p.ID))
		return p, false, nil
	}
	if err != nil {
		util.RecordError(span, err)
		return nil, false, fmt.Errorf("failed to create payment: %w", err)
	}

	util.PaymentsCapturedTotal.Inc()
	s.logger.Info("Payment captured",
		zap.String("payment_id", p.ID),
		zap.String("reseller_id", p.ResellerID),
		zap.String("amount", p.Amount.StringFixed(2)),
		zap.String("currency", p.Currency))

	s.notifier.Dispatch(ctx, events)
	s.fraud.RecordCapture(ctx, p)
	return p, true, nil
}

// HandlePaymentCaptured consumes a payment.captured gateway event
func (s *ApprovalService) HandlePaymentCaptured(ctx context.Context, event *models.PaymentCapturedEvent) error {
	ctx, span := util.StartSpan(ctx, "ApprovalService.HandlePaymentCaptured")
	defer span.End()

	return s.onceForEvent(ctx, event.BaseEvent, func() error {
		_, _, err := s.CapturePayment(ctx, &CapturePaymentRequest{
			PaymentID:  event.PaymentID,
			ResellerID: event.ResellerID,
			ProductID:  event.ProductID,
			Amount:     event.Amount,
			Currency:   event.Currency,
			ClientIP:   event.ClientIP,
			CapturedAt: event.CapturedAt,
		})
		return err
	})
}

// HandlePaymentRefunded consumes a payment.refunded gateway event
func (s *ApprovalService) HandlePaymentRefunded(ctx context.Context, event *models.PaymentRefundedEvent) error {
	ctx, span := util.StartSpan(ctx, "ApprovalService.HandlePaymentRefunded")
	defer span.End()

	return s.onceForEvent(ctx, event.BaseEvent, func() error {
		_, err := s.RefundPayment(ctx, event.PaymentID, event.Reason)
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			s.logger.Info("Payment already refunded", zap.String("payment_id", event.PaymentID))
			return nil
		}
		return err
	})
}

func (s *ApprovalService) onceForEvent(ctx context.Context, event models.BaseEvent, handle func() error) error {
	if event.EventID != "" {
		processed, err := s.ledger.IsEventProcessed(ctx, event.EventID)
		if err != nil {
			return fmt.Errorf("failed to check event processed: %w", err)
		}
		if processed {
			s.logger.Info("Event already processed", zap.String("event_id", event.EventID))
			return nil
		}
	}

	if err := handle(); err != nil {
		return err
	}

	if event.EventID != "" {
		if err := s.ledger.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
			s.logger.Error("Failed to mark event processed", zap.Error(err))
		}
	}
	return nil
}

// ApprovalResult is the outcome of approving a payment
type ApprovalResult struct {
	Payment    *models.Payment    `json:"payment"`
	Commission *models.Commission `json:"commission"`
}

// ApprovePayment approves a captured payment and opens its commission in the
// same transaction. With auto approval the commission is approved and paid out
// immediately; a failed payout is left to the retry sweep.
func (s *ApprovalService) ApprovePayment(ctx context.Context, paymentID, actor, notes string) (*ApprovalResult, error) {
	ctx, span := util.StartSpan(ctx, "ApprovalService.ApprovePayment",
		attribute.String("payment_id", paymentID))
	defer span.End()

	p, err := s.ledger.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	assessment := s.fraud.Assess(ctx, p)

	var (
		payment          models.Payment
		opened           lifecycle.Result
		created          bool
		paymentEvents    []models.OutboxEvent
		commissionEvents []models.OutboxEvent
	)
	err = retryOnConflict(ctx, "approve_payment", func() error {
		current, err := s.ledger.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		payment, err = lifecycle.ApprovePayment(*current, actor, notes, s.now())
		if err != nil {
			return err
		}
		opened, err = s.openCommission(&payment, assessment.Score, actor, notes)
		if err != nil {
			return err
		}
		if paymentEvents, err = s.notifier.PaymentEvents(models.EventPaymentApproved, &payment); err != nil {
			return err
		}
		if commissionEvents, err = s.notifier.CommissionEvents(&opened.Commission, opened.Effects); err != nil {
			return err
		}
		created, err = s.ledger.ApprovePaymentWithCommission(ctx, &payment, &opened.Commission, paymentEvents, commissionEvents)
		return err
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to approve payment: %w", err)
	}

	util.PaymentDecisionsTotal.WithLabelValues("approved").Inc()
	s.logger.Info("Payment approved",
		zap.String("payment_id", payment.ID),
		zap.String("commission_id", opened.Commission.ID),
		zap.Bool("commission_created", created),
		zap.Float64("fraud_score", assessment.Score))
	s.notifier.Dispatch(ctx, paymentEvents)

	commission := &opened.Commission
	if created {
		s.notifier.Dispatch(ctx, commissionEvents)
		commission = s.afterOpen(ctx, opened)
	}
	return &ApprovalResult{Payment: &payment, Commission: commission}, nil
}

// openCommission builds the commission for an approved payment
func (s *ApprovalService) openCommission(p *models.Payment, fraudScore float64, actor, notes string) (lifecycle.Result, error) {
	now := s.now()
	res := lifecycle.Create(lifecycle.CreateInput{
		ID:         uuid.New().String(),
		ResellerID: p.ResellerID,
		SaleID:     p.ID,
		Amount:     s.commissionFor(p.Amount),
		Rate:       s.rate,
		Currency:   p.Currency,
		MaxRetries: s.cfg.MaxRetries,
		FraudScore: fraudScore,
		Actor:      actor,
	}, now)
	if !s.cfg.AutoApproveCommissions {
		return res, nil
	}

	approved, err := lifecycle.Approve(res.Commission, actor, notes, now)
	if err != nil {
		return lifecycle.Result{}, err
	}
	approved.Effects = append(res.Effects, approved.Effects...)
	return approved, nil
}

// afterOpen performs the payout effect of a freshly persisted commission. Its
// events were committed and dispatched by the caller.
func (s *ApprovalService) afterOpen(ctx context.Context, res lifecycle.Result) *models.Commission {
	c := &res.Commission
	util.CommissionsCreatedTotal.Inc()
	util.CommissionTransitionsTotal.WithLabelValues(string(c.Status)).Inc()

	if !wantsPayout(res.Effects) {
		return c
	}
	paid, err := s.ProcessPayout(ctx, c.ID)
	if err != nil {
		s.logger.Warn("Immediate payout did not complete",
			zap.String("commission_id", c.ID),
			zap.Error(err))
	}
	if paid != nil {
		return paid
	}
	return c
}

// RejectPayment rejects a captured payment
func (s *ApprovalService) RejectPayment(ctx context.Context, paymentID, actor, reason string) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "ApprovalService.RejectPayment",
		attribute.String("payment_id", paymentID))
	defer span.End()

	var (
		payment models.Payment
		events  []models.OutboxEvent
	)
	err := retryOnConflict(ctx, "reject_payment", func() error {
		current, err := s.ledger.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment, err = lifecycle.RejectPayment(*current, actor, reason, s.now()); err != nil {
			return err
		}
		if events, err = s.notifier.PaymentEvents(models.EventPaymentRejected, &payment); err != nil {
			return err
		}
		return s.ledger.UpdatePayment(ctx, &payment, events...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reject payment: %w", err)
	}

	util.PaymentDecisionsTotal.WithLabelValues("rejected").Inc()
	s.logger.Info("Payment rejected", zap.String("payment_id", paymentID), zap.String("reason", reason))
	s.notifier.Dispatch(ctx, events)
	return &payment, nil
}

// RefundPayment marks a payment refunded and rejects its commission if it has not been paid yet
func (s *ApprovalService) RefundPayment(ctx context.Context, paymentID, reason string) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "ApprovalService.RefundPayment",
		attribute.String("payment_id", paymentID))
	defer span.End()

	var (
		payment models.Payment
		events  []models.OutboxEvent
	)
	err := retryOnConflict(ctx, "refund_payment", func() error {
		current, err := s.ledger.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment, err = lifecycle.RefundPayment(*current, s.now()); err != nil {
			return err
		}
		if events, err = s.notifier.PaymentEvents(models.EventPaymentRefunded, &payment); err != nil {
			return err
		}
		return s.ledger.UpdatePayment(ctx, &payment, events...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to refund payment: %w", err)
	}

	util.PaymentDecisionsTotal.WithLabelValues("refunded").Inc()
	s.logger.Info("Payment refunded", zap.String("payment_id", paymentID), zap.String("reason", reason))
	s.notifier.Dispatch(ctx, events)

	c, err := s.ledger.GetCommissionBySaleID(ctx, paymentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &payment, nil
	case err != nil:
		return &payment, fmt.Errorf("failed to load commission: %w", err)
	}

	switch c.Status {
	case models.CommissionPending, models.CommissionApproved:
		detail := "payment refunded"
		if reason != "" {
			detail += ": " + reason
		}
		if _, err := s.RejectCommission(ctx, c.ID, lifecycle.SystemActor, detail); err != nil {
			return &payment, err
		}
	case models.CommissionProcessing, models.CommissionPaid:
		s.logger.Warn("Refunded payment has a commission in payout",
			zap.String("payment_id", paymentID),
			zap.String("commission_id", c.ID),
			zap.String("status", string(c.Status)))
	}
	return &payment, nil
}

// ApproveCommission approves a pending commission and pays it out when the
// reseller can receive funds. Otherwise the payout is deferred to the sweep.
// Of several concurrent approvals exactly one succeeds.
func (s *ApprovalService) ApproveCommission(ctx context.Context, commissionID, actor, notes string) (*models.Commission, error) {
	ctx, span := util.StartSpan(ctx, "ApprovalService.ApproveCommission",
		attribute.String("commission_id", commissionID))
	defer span.End()

	c, err := s.ledger.GetCommission(ctx, commissionID)
	if err != nil {
		return nil, err
	}
	res, err := lifecycle.Approve(*c, actor, notes, s.now())
	if err != nil {
		return nil, err
	}
	events, err := s.notifier.CommissionEvents(&res.Commission, res.Effects)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.UpdateCommission(ctx, &res.Commission, events...); err != nil {
		if errors.Is(err, store.ErrConflict) {
			util.CommissionConflictsTotal.WithLabelValues("approve_commission").Inc()
		}
		return nil, err
	}

	approved := &res.Commission
	util.CommissionTransitionsTotal.WithLabelValues(string(approved.Status)).Inc()
	s.logger.Info("Commission approved", zap.String("commission_id", approved.ID), zap.String("actor", actor))
	s.notifier.Dispatch(ctx, events)

	reseller, err := s.ledger.GetReseller(ctx, approved.ResellerID)
	if err != nil && !errors.Is(err, store.ErrResellerNotFound) {
		s.logger.Warn("Reseller lookup failed, payout left to the sweep",
			zap.String("commission_id", approved.ID),
			zap.Error(err))
		return approved, nil
	}
	if !reseller.HasPayoutDestination() {
		return s.deferPayout(ctx, approved.ID, "reseller has no payout destination")
	}

	paid, err := s.ProcessPayout(ctx, approved.ID)
	if err != nil {
		s.logger.Warn("Payout after approval did not complete",
			zap.String("commission_id", approved.ID),
			zap.Error(err))
	}
	if paid != nil {
		return paid, nil
	}
	return approved, nil
}

func (s *ApprovalService) deferPayout(ctx context.Context, commissionID, reason string) (*models.Commission, error) {
	var res lifecycle.Result
	err := retryOnConflict(ctx, "defer_payout", func() error {
		c, err := s.ledger.GetCommission(ctx, commissionID)
		if err != nil {
			return err
		}
		if res, err = lifecycle.Defer(*c, s.retries.Policy().BaseDelay, reason, s.now()); err != nil {
			return err
		}
		return s.ledger.UpdateCommission(ctx, &res.Commission)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to defer payout: %w", err)
	}
	s.logger.Info("Payout deferred",
		zap.String("commission_id", commissionID),
		zap.Timep("next_retry_at", res.Commission.NextRetryAt),
		zap.String("reason", reason))
	return &res.Commission, nil
}

// RejectCommission terminally rejects a pending or approved commission
func (s *ApprovalService) RejectCommission(ctx context.Context, commissionID, actor, reason string) (*models.Commission, error) {
	ctx, span := util.StartSpan(ctx, "ApprovalService.RejectCommission",
		attribute.String("commission_id", commissionID))
	defer span.End()

	res, err := s.transition(ctx, commissionID, "reject_commission", func(c models.Commission) (lifecycle.Result, error) {
		return lifecycle.Reject(c, actor, reason, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Commission rejected", zap.String("commission_id", commissionID), zap.String("reason", reason))
	return &res.Commission, nil
}

// ReleaseCommission clears a manual review flag and attempts the payout
func (s *ApprovalService) ReleaseCommission(ctx context.Context, commissionID, actor string) (*models.Commission, error) {
	ctx, span := util.StartSpan(ctx, "ApprovalService.ReleaseCommission",
		attribute.String("commission_id", commissionID))
	defer span.End()

	res, err := s.transition(ctx, commissionID, "release_commission", func(c models.Commission) (lifecycle.Result, error) {
		return lifecycle.ReleaseReview(c, actor, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Commission released from review", zap.String("commission_id", commissionID), zap.String("actor", actor))

	if !wantsPayout(res.Effects) {
		return &res.Commission, nil
	}
	paid, err := s.ProcessPayout(ctx, commissionID)
	if paid == nil {
		return &res.Commission, err
	}
	return paid, err
}

// ProcessPayout attempts one payout of an approved or retrying commission.
// High fraud scores and resellers without a payout destination are parked for
// manual review. Transient failures are rescheduled; fatal ones cancel the
// commission.
func (s *ApprovalService) ProcessPayout(ctx context.Context, commissionID string) (*models.Commission, error) {
	ctx, span := util.StartSpan(ctx, "ApprovalService.ProcessPayout",
		attribute.String("commission_id", commissionID))
	defer span.End()

	c, err := s.ledger.GetCommission(ctx, commissionID)
	if err != nil {
		return nil, err
	}
	claimed, err := lifecycle.Claim(*c, payoutWorker, s.now())
	if err != nil {
		return c, err
	}

	if c.FraudScore > s.cfg.FraudThreshold && !lifecycle.ReviewCleared(*c) {
		return s.flag(ctx, c.ID, "fraud",
			fmt.Sprintf("fraud score %.2f exceeds threshold %.2f", c.FraudScore, s.cfg.FraudThreshold))
	}

	reseller, err := s.ledger.GetReseller(ctx, c.ResellerID)
	switch {
	case errors.Is(err, store.ErrResellerNotFound):
		// the balance credit below fails fatally and cancels the commission
	case err != nil:
		return c, fmt.Errorf("failed to load reseller: %w", err)
	case !reseller.HasPayoutDestination():
		return s.flag(ctx, c.ID, "no_destination", "reseller has no valid payout destination")
	}

	// a claimed payout runs to completion even if the caller goes away
	ctx = context.WithoutCancel(ctx)
	if err := s.ledger.UpdateCommission(ctx, &claimed.Commission); err != nil {
		if errors.Is(err, store.ErrConflict) {
			util.CommissionConflictsTotal.WithLabelValues("claim").Inc()
		}
		return c, err
	}
	util.CommissionTransitionsTotal.WithLabelValues(string(models.CommissionProcessing)).Inc()
	return s.completePayout(ctx, &claimed.Commission)
}

// ResumePayout finishes a payout whose worker stopped between claim and completion
func (s *ApprovalService) ResumePayout(ctx context.Context, commissionID string) (*models.Commission, error) {
	ctx, span := util.StartSpan(ctx, "ApprovalService.ResumePayout",
		attribute.String("commission_id", commissionID))
	defer span.End()

	c, err := s.ledger.GetCommission(ctx, commissionID)
	if err != nil {
		return nil, err
	}
	res, err := lifecycle.Reclaim(*c, payoutWorker, s.now())
	if err != nil {
		return c, err
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.ledger.UpdateCommission(ctx, &res.Commission); err != nil {
		return c, err
	}
	s.logger.Warn("Resuming abandoned payout claim", zap.String("commission_id", commissionID))
	return s.completePayout(ctx, &res.Commission)
}

// completePayout credits the balance for a processing commission and records the outcome
func (s *ApprovalService) completePayout(ctx context.Context, c *models.Commission) (*models.Commission, error) {
	util.PayoutAttemptsTotal.Inc()
	start := time.Now()
	defer func() {
		util.PayoutLatency.Observe(time.Since(start).Seconds())
	}()

	applied, err := s.balances.ApplyCommission(ctx, c.ID)
	if err != nil {
		if isTransient(err) {
			util.PayoutFailedTotal.WithLabelValues("transient").Inc()
			rescheduled, retryErr := s.retries.ScheduleRetry(ctx, c.ID, err.Error())
			if retryErr != nil {
				return c, fmt.Errorf("payout failed (%v) and retry could not be scheduled: %w", err, retryErr)
			}
			return rescheduled, fmt.Errorf("payout failed, retry scheduled: %w", err)
		}
		util.PayoutFailedTotal.WithLabelValues("fatal").Inc()
		cancelled, cancelErr := s.cancel(ctx, c.ID, err.Error())
		if cancelErr != nil {
			return c, fmt.Errorf("payout failed (%v) and commission could not be cancelled: %w", err, cancelErr)
		}
		return cancelled, err
	}

	proof := fmt.Sprintf("balance:%s:%s", c.ResellerID, c.ID)
	res, err := s.transition(ctx, c.ID, "mark_paid", func(current models.Commission) (lifecycle.Result, error) {
		return lifecycle.MarkPaid(current, proof, s.now())
	})
	if err != nil {
		// the credit stands; the stale claim sweep finishes the bookkeeping
		return c, fmt.Errorf("failed to mark commission paid: %w", err)
	}

	s.markPaymentPaid(ctx, c.SaleID)
	s.logger.Info("Commission paid",
		zap.String("commission_id", c.ID),
		zap.String("reseller_id", c.ResellerID),
		zap.Bool("credited_now", applied),
		zap.Int("retry_count", res.Commission.RetryCount))
	return &res.Commission, nil
}

func (s *ApprovalService) markPaymentPaid(ctx context.Context, paymentID string) {
	err := retryOnConflict(ctx, "payment_commission_paid", func() error {
		p, err := s.ledger.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.CommissionStatus == models.PaymentCommissionPaid {
			return nil
		}
		next := lifecycle.MarkPaymentCommissionPaid(*p, s.now())
		return s.ledger.UpdatePayment(ctx, &next)
	})
	if err != nil {
		s.logger.Error("Failed to mirror payout onto payment",
			zap.String("payment_id", paymentID),
			zap.Error(err))
	}
}

func (s *ApprovalService) cancel(ctx context.Context, commissionID, reason string) (*models.Commission, error) {
	res, err := s.transition(ctx, commissionID, "cancel", func(c models.Commission) (lifecycle.Result, error) {
		return lifecycle.Cancel(c, lifecycle.SystemActor, reason, s.now())
	})
	if err != nil {
		return nil, err
	}
	util.CommissionsCancelledTotal.WithLabelValues("fatal").Inc()
	util.ManualReviewsTotal.WithLabelValues("fatal").Inc()
	s.logger.Error("Commission cancelled on fatal payout error",
		zap.String("commission_id", commissionID),
		zap.String("reason", reason))
	return &res.Commission, nil
}

// flag parks a commission for manual review. Losing a race to another flagger
// returns the commission as that flagger left it.
func (s *ApprovalService) flag(ctx context.Context, commissionID, label, reason string) (*models.Commission, error) {
	res, err := s.transition(ctx, commissionID, "flag", func(c models.Commission) (lifecycle.Result, error) {
		return lifecycle.FlagForReview(c, reason, s.now())
	})
	if errors.Is(err, lifecycle.ErrAlreadyInReview) {
		return s.ledger.GetCommission(ctx, commissionID)
	}
	if err != nil {
		return nil, err
	}
	util.ManualReviewsTotal.WithLabelValues(label).Inc()
	s.logger.Warn("Commission routed to manual review",
		zap.String("commission_id", commissionID),
		zap.String("reason", reason))
	return &res.Commission, nil
}

// transition loads a commission, applies fn, persists the result and emits its
// events, recomputing from fresh state when it loses a version race
func (s *ApprovalService) transition(ctx context.Context, commissionID, operation string, fn func(models.Commission) (lifecycle.Result, error)) (lifecycle.Result, error) {
	var (
		res    lifecycle.Result
		events []models.OutboxEvent
	)
	err := retryOnConflict(ctx, operation, func() error {
		c, err := s.ledger.GetCommission(ctx, commissionID)
		if err != nil {
			return err
		}
		if res, err = fn(*c); err != nil {
			return err
		}
		if events, err = s.notifier.CommissionEvents(&res.Commission, res.Effects); err != nil {
			return err
		}
		return s.ledger.UpdateCommission(ctx, &res.Commission, events...)
	})
	if err != nil {
		return lifecycle.Result{}, err
	}
	util.CommissionTransitionsTotal.WithLabelValues(string(res.Commission.Status)).Inc()
	s.notifier.Dispatch(ctx, events)
	return res, nil
}

// Reconcile opens the missing commission of every approved payment that lacks
// one. Only one process reconciles at a time when a locker is configured.
func (s *ApprovalService) Reconcile(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "ApprovalService.Reconcile")
	defer span.End()

	if s.locker != nil {
		token, ok, err := s.locker.AcquireLock(ctx, reconcileLockKey, reconcileLockTTL)
		if err != nil {
			return 0, fmt.Errorf("failed to acquire reconcile lock: %w", err)
		}
		if !ok {
			s.logger.Debug("Reconciliation already running elsewhere")
			return 0, nil
		}
		defer func() {
			if err := s.locker.ReleaseLock(context.WithoutCancel(ctx), reconcileLockKey, token); err != nil {
				s.logger.Warn("Failed to release reconcile lock", zap.Error(err))
			}
		}()
	}

	payments, err := s.ledger.ListApprovedPaymentsWithoutCommission(ctx, s.retries.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list unreconciled payments: %w", err)
	}

	reconciled := 0
	for i := range payments {
		p := &payments[i]
		assessment := s.fraud.Assess(ctx, p)
		res, err := s.openCommission(p, assessment.Score, lifecycle.SystemActor, "reconciled")
		if err != nil {
			return reconciled, err
		}
		events, err := s.notifier.CommissionEvents(&res.Commission, res.Effects)
		if err != nil {
			return reconciled, err
		}
		err = s.ledger.CreateCommission(ctx, &res.Commission, events...)
		if errors.Is(err, store.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return reconciled, fmt.Errorf("failed to recreate commission for payment %s: %w", p.ID, err)
		}
		reconciled++
		util.ReconciledPaymentsTotal.Inc()
		s.logger.Warn("Recreated missing commission",
			zap.String("payment_id", p.ID),
			zap.String("commission_id", res.Commission.ID))
		s.notifier.Dispatch(ctx, events)
		s.afterOpen(ctx, res)
	}
	return reconciled, nil
}

// GetPayment retrieves a payment
func (s *ApprovalService) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	return s.ledger.GetPayment(ctx, id)
}

// GetCommission retrieves a commission
func (s *ApprovalService) GetCommission(ctx context.Context, id string) (*models.Commission, error) {
	return s.ledger.GetCommission(ctx, id)
}

// ReviewQueue lists commissions waiting on an administrator
func (s *ApprovalService) ReviewQueue(ctx context.Context, limit int) ([]models.Commission, error) {
	if limit <= 0 {
		limit = s.retries.batchSize
	}
	return s.ledger.ListCommissionsForReview(ctx, limit)
}

// SyncReseller registers a reseller or updates its payout destination
func (s *ApprovalService) SyncReseller(ctx context.Context, resellerID, payoutDestination string) (*models.ResellerBalance, error) {
	if err := required("reseller_id", resellerID); err != nil {
		return nil, err
	}
	rb, err := s.ledger.UpsertReseller(ctx, resellerID, strings.TrimSpace(payoutDestination))
	if err != nil {
		return nil, fmt.Errorf("failed to sync reseller: %w", err)
	}
	return rb, nil
}

// GetBalance retrieves a reseller balance
func (s *ApprovalService) GetBalance(ctx context.Context, resellerID string) (*models.ResellerBalance, error) {
	return s.ledger.GetReseller(ctx, resellerID)
}

func (s *ApprovalService) commissionFor(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(s.rate).Round(2)
}

func wantsPayout(effects []lifecycle.Effect) bool {
	for _, e := range effects {
		if e.Kind == lifecycle.EffectAttemptPayout {
			return true
		}
	}
	return false
}
