package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"commission-engine/config"
	"commission-engine/internal/lifecycle"
	"commission-engine/internal/models"
	"commission-engine/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func manualApproval(cfg *config.Config) {
	cfg.Approval.AutoApproveCommissions = false
}

type stubSignals struct {
	clicks      int64
	ipResellers int64
}

func (s *stubSignals) RecordSaleIP(ctx context.Context, ip, resellerID string, ttl time.Duration) (int64, error) {
	return s.ipResellers, nil
}

func (s *stubSignals) IPResellerCount(ctx context.Context, ip string) (int64, error) {
	return s.ipResellers, nil
}

func (s *stubSignals) RecordClick(ctx context.Context, resellerID string, window time.Duration) (int64, error) {
	s.clicks++
	return s.clicks, nil
}

func (s *stubSignals) ClickCount(ctx context.Context, resellerID string) (int64, error) {
	return s.clicks, nil
}

type stubLocker struct {
	held bool
}

func (l *stubLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l.held {
		return "", false, nil
	}
	l.held = true
	return "token", true, nil
}

func (l *stubLocker) ReleaseLock(ctx context.Context, key, token string) error {
	l.held = false
	return nil
}

func TestCapturePaymentIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.capture(t, "pay-1", "r-1", "100.00")
	assert.Equal(t, models.PaymentStatusPaid, p.Status)
	assert.Equal(t, models.ApprovalPending, p.AdminApproval)
	assert.Equal(t, "USD", p.Currency)
	assert.Equal(t, "10", p.CommissionAmount.String())

	again, created, err := h.svc.CapturePayment(ctx, &CapturePaymentRequest{
		PaymentID: "pay-1", ResellerID: "r-2", ProductID: "prod-9",
		Amount: decimal.NewFromInt(5), Currency: "EUR",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "r-1", again.ResellerID)
	assert.Equal(t, []string{models.EventPaymentCaptured}, h.publisher.types())
}

func TestCapturePaymentValidation(t *testing.T) {
	h := newHarness(t)
	valid := func() *CapturePaymentRequest {
		return &CapturePaymentRequest{
			PaymentID: "pay-1", ResellerID: "r-1", ProductID: "prod-1",
			Amount: decimal.NewFromInt(10), Currency: "USD",
		}
	}
	cases := map[string]func(*CapturePaymentRequest){
		"payment id":  func(r *CapturePaymentRequest) { r.PaymentID = "" },
		"reseller id": func(r *CapturePaymentRequest) { r.ResellerID = " " },
		"product id":  func(r *CapturePaymentRequest) { r.ProductID = "" },
		"zero amount": func(r *CapturePaymentRequest) { r.Amount = decimal.Zero },
		"negative":    func(r *CapturePaymentRequest) { r.Amount = decimal.NewFromInt(-1) },
		"currency":    func(r *CapturePaymentRequest) { r.Currency = "DOLLARS" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := valid()
			mutate(req)
			_, _, err := h.svc.CapturePayment(context.Background(), req)
			assert.True(t, IsValidation(err), "got %v", err)
		})
	}
}

func TestApprovePaymentPaysCommission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.reseller(t, "r-1", "acct-1")
	h.capture(t, "pay-1", "r-1", "100.00")

	res, err := h.svc.ApprovePayment(ctx, "pay-1", "admin-1", "verified")
	require.NoError(t, err)

	assert.Equal(t, models.PaymentStatusApproved, res.Payment.Status)
	assert.Equal(t, "admin-1", res.Payment.DecidedBy)
	c := res.Commission
	assert.Equal(t, models.CommissionPaid, c.Status)
	assert.Equal(t, "pay-1", c.SaleID)
	assert.True(t, decimal.RequireFromString("10.00").Equal(c.CommissionAmount))
	require.NotNil(t, c.PaymentProof)
	assert.True(t, decimal.NewFromInt(10).Equal(h.balance(t, "r-1")))

	p, err := h.svc.GetPayment(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCommissionPaid, p.CommissionStatus)

	assert.Equal(t, []string{
		models.EventPaymentCaptured,
		models.EventPaymentApproved,
		models.EventCommissionCreated,
		models.EventCommissionApproved,
		models.EventCommissionPaid,
	}, h.publisher.types())

	_, err = h.svc.ApprovePayment(ctx, "pay-1", "admin-2", "")
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
}

func TestApprovePaymentUnknownPayment(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.ApprovePayment(context.Background(), "missing", "admin-1", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestManualCommissionApproval(t *testing.T) {
	h := newHarness(t, manualApproval)
	ctx := context.Background()
	h.reseller(t, "r-1", "acct-1")
	h.capture(t, "pay-1", "r-1", "80.00")

	res, err := h.svc.ApprovePayment(ctx, "pay-1", "admin-1", "")
	require.NoError(t, err)
	assert.Equal(t, models.CommissionPending, res.Commission.Status)
	assert.True(t, h.balance(t, "r-1").IsZero())

	c, err := h.svc.ApproveCommission(ctx, res.Commission.ID, "admin-1", "ok")
	require.NoError(t, err)
	assert.Equal(t, models.CommissionPaid, c.Status)
	assert.True(t, decimal.NewFromInt(8).Equal(h.balance(t, "r-1")))
}

// Scenario A
func TestPayoutCancelledAfterExhaustingRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.reseller(t, "r-1", "acct-1")
	h.capture(t, "pay-1", "r-1", "1000.00")
	h.ledger.failApply.Store(true)

	res, err := h.svc.ApprovePayment(ctx, "pay-1", "admin-1", "")
	require.NoError(t, err)
	c := res.Commission
	assert.True(t, decimal.NewFromInt(100).Equal(c.CommissionAmount))
	assert.Equal(t, models.CommissionPending, c.Status)
	assert.Equal(t, 1, c.RetryCount)
	require.NotNil(t, c.NextRetryAt)
	assert.Equal(t, h.clock.Now().Add(time.Hour), *c.NextRetryAt)

	// not due yet
	sweep, err := h.retries.Sweep(ctx, h.svc)
	require.NoError(t, err)
	assert.Equal(t, 0, sweep.Due)

	h.clock.Advance(time.Hour)
	_, err = h.retries.Sweep(ctx, h.svc)
	require.NoError(t, err)
	c = h.commission(t, c.ID)
	assert.Equal(t, models.CommissionPending, c.Status)
	assert.Equal(t, 2, c.RetryCount)
	assert.Equal(t, h.clock.Now().Add(2*time.Hour), *c.NextRetryAt)

	h.clock.Advance(2 * time.Hour)
	sweep, err = h.retries.Sweep(ctx, h.svc)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Due)

	c = h.commission(t, c.ID)
	assert.Equal(t, models.CommissionCancelled, c.Status)
	assert.Equal(t, 3, c.RetryCount)
	assert.Nil(t, c.NextRetryAt)
	assert.True(t, h.balance(t, "r-1").IsZero())
	assert.EqualValues(t, 3, h.ledger.applyCalls.Load())
	assert.Contains(t, h.publisher.types(), models.EventCommissionCancelled)

	_, err = h.svc.ProcessPayout(ctx, c.ID)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
}

func TestTransientFailureRecovers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.reseller(t, "r-1", "acct-1")
	h.capture(t, "pay-1", "r-1", "50.00")
	h.ledger.failApply.Store(true)

	res, err := h.svc.ApprovePayment(ctx, "pay-1", "admin-1", "")
	require.NoError(t, err)
	require.Equal(t, 1, res.Commission.RetryCount)

	h.ledger.failApply.Store(false)
	h.clock.Advance(time.Hour)
	sweep, err := h.retries.Sweep(ctx, h.svc)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Paid)

	c := h.commission(t, res.Commission.ID)
	assert.Equal(t, models.CommissionPaid, c.Status)
	assert.Equal(t, 1, c.RetryCount)
	assert.True(t, decimal.NewFromInt(5).Equal(h.balance(t, "r-1")))
}

// Scenario B
func TestConcurrentCommissionApprovalsOneWins(t *testing.T) {
	h := newHarness(t, manualApproval)
	ctx := context.Background()
	h.reseller(t, "r-1", "acct-1")
	h.capture(t, "pay-1", "r-1", "100.00")
	res, err := h.svc.ApprovePayment(ctx, "pay-1", "admin-1", "")
	require.NoError(t, err)

	const admins = 8
	errs := make([]error, admins)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < admins; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = h.svc.ApproveCommission(ctx, res.Commission.ID, "admin", "")
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, store.ErrConflict) || errors.Is(err, lifecycle.ErrInvalidTransition), "got %v", err)
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, models.CommissionPaid, h.commission(t, res.Commission.ID).Status)
	assert.True(t, decimal.NewFromInt(10).Equal(h.balance(t, "r-1")))
}

func TestHighFraudScoreRoutesToReview(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Approval.FraudThreshold = 0.3 })
	// sales without a single referral click
	h.fraud.signals = &stubSignals{}
	ctx := context.Background()
	h.reseller(t, "r-1", "acct-1")
	h.capture(t, "pay-1", "r-1", "100.00")

	res, err := h.svc.ApprovePayment(ctx, "pay-1", "admin-1", "")
	require.NoError(t, err)
	c := res.Commission
	assert.Greater(t, c.FraudScore, 0.3)
	assert.Equal(t, models.CommissionApproved, c.Status)
	assert.True(t, c.ManualReview)
	assert.Contains(t, c.ReviewReason, "fraud score")
	assert.True(t, h.balance(t, "r-1").IsZero())

	queue, err := h.svc.ReviewQueue(ctx, 0)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, c.ID, queue[0].ID)

	// the sweep leaves it alone
	h.clock.Advance(48 * time.Hour)
	sweep, err := h.retries.Sweep(ctx, h.svc)
	require.NoError(t, err)
	assert.Equal(t, 0, sweep.Due)

	released, err := h.svc.ReleaseCommission(ctx, c.ID, "admin-2")
	require.NoError(t, err)
	assert.Equal(t, models.CommissionPaid, released.Status)
	assert.False(t, released.ManualReview)
	assert.True(t, decimal.NewFromInt(10).Equal(h.balance(t, "r-1")))
}

func TestMissingPayoutDestinationRoutesToReview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.reseller(t, "r-1", "")
	h.capture(t, "pay-1", "r-1", "100.00")

	res, err := h.svc.ApprovePayment(ctx, "pay-1", "admin-1", "")
	require.NoError(t, err)
	assert.True(t, res.Commission.ManualReview)
	assert.Equal(t, models.CommissionApproved, res.Commission.Status)

	_, err = h.svc.ReleaseCommission(ctx, res.Commission.ID, "admin-1")
	require.NoError(t, err)
	c := h.commission(t, res.Commission.ID)
	assert.True(t, c.ManualReview, "still no destination")

	h.reseller(t, "r-1", "acct-1")
	c, err = h.svc.ReleaseCommission(ctx, c.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.CommissionPaid, c.Status)
}

func TestUnknownResellerCancelsCommission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.capture(t, "pay-1", "ghost", "100.00")

	res, err := h.svc.ApprovePayment(ctx, "pay-1", "admin-1", "")
	require.NoError(t, err)

	c := res.Commission
	assert.Equal(t, models.CommissionCancelled, c.Status)
	assert.True(t, c.ManualReview)
	assert.Contains(t, c.ReviewReason, "reseller")
	assert.Equal(t, 0, c.RetryCount)
	assert.Contains(t, h.publisher.types(), models.EventCommissionCancelled)
}

func TestApproveCommissionDefersWithoutDestination(t *testing.T) {
	h := newHarness(t, manualApproval)
	ctx := context.Background()
	h.capture(t, "pay-1", "r-1", "100.00")
	res, err := h.svc.ApprovePayment(ctx, "pay-1", "admin-1", "")
	require.NoError(t, err)

	c, err := h.svc.ApproveCommission(ctx, res.Commission.ID, "admin-1", "")
	require.NoError(t, err)
	assert.Equal(t, models.CommissionApproved, c.Status)
	require.NotNil(t, c.NextRetryAt)
	assert.Equal(t, h.clock.Now().Add(time.Hour), *c.NextRetryAt)
	last, _ := c.Timeline.Last()
	assert.Equal(t, lifecycle.ActionDeferred, last.Action)
}

func TestRejectCommission(t *testing.T) {
	h := newHarness(t, manualApproval)
	ctx := context.Background()
	h.capture(t, "pay-1", "r-1", "100.00")
	res, err := h.svc.ApprovePayment(ctx, "pay-1", "admin-1", "")
	require.NoError(t, err)

	_, err = h.svc.RejectCommission(ctx, res.Commission.ID, "admin-1", "  ")
	assert.ErrorIs(t, err, lifecycle.ErrReasonRequired)

	c, err := h.svc.RejectCommission(ctx, res.Commission.ID, "admin-1", "duplicate sale")
	require.NoError(t, err)
	assert.Equal(t, models.CommissionRejected, c.Status)
	assert.Contains(t, h.publisher.types(), models.EventCommissionRejected)

	_, err = h.svc.ApproveCommission(ctx, c.ID, "admin-2", "")
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
}

func TestRejectPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.capture(t, "pay-1", "r-1", "100.00")

	p, err := h.svc.RejectPayment(ctx, "pay-1", "admin-1", "chargeback risk")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalRejected, p.AdminApproval)

	_, err = h.svc.ApprovePayment(ctx, "pay-1", "admin-1", "")
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
	_, err = h.ledger.GetCommissionBySaleID(ctx, "pay-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRefundRejectsUnpaidCommission(t *testing.T) {
	h := newHarness(t, manualApproval)
	ctx := context.Background()
	h.capture(t, "pay-1", "r-1", "100.00")
	res, err := h.svc.ApprovePayment(ctx, "pay-1", "admin-1", "")
	require.NoError(t, err)

	event := &models.PaymentRefundedEvent{
		BaseEvent: models.BaseEvent{EventID: "evt-9", EventType: models.EventPaymentRefunded},
		PaymentID: "pay-1",
		Reason:    "customer request",
	}
	require.NoError(t, h.svc.HandlePaymentRefunded(ctx, event))
	require.NoError(t, h.svc.HandlePaymentRefunded(ctx, event))

	p, err := h.svc.GetPayment(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, p.Status)

	c := h.commission(t, res.Commission.ID)
	assert.Equal(t, models.CommissionRejected, c.Status)
	last, _ := c.Timeline.Last()
	assert.Equal(t, "payment refunded: customer request", last.Details)
}

func TestHandlePaymentCapturedDeduplicatesEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	event := &models.PaymentCapturedEvent{
		BaseEvent:  models.BaseEvent{EventID: "evt-1", EventType: models.EventPaymentCaptured},
		PaymentID:  "pay-1",
		ResellerID: "r-1",
		ProductID:  "prod-1",
		Amount:     decimal.NewFromInt(20),
		Currency:   "USD",
	}

	require.NoError(t, h.svc.HandlePaymentCaptured(ctx, event))
	require.NoError(t, h.svc.HandlePaymentCaptured(ctx, event))

	processed, err := h.ledger.IsEventProcessed(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, []string{models.EventPaymentCaptured}, h.publisher.types())

	bad := *event
	bad.EventID = "evt-2"
	bad.Amount = decimal.Zero
	assert.True(t, IsValidation(h.svc.HandlePaymentCaptured(ctx, &bad)))
}

func TestReconcileRecreatesMissingCommission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.reseller(t, "r-1", "acct-1")

	// approved by an older process that crashed before opening the commission
	require.NoError(t, h.ledger.CreatePayment(ctx, &models.Payment{
		ID:            "pay-1",
		ResellerID:    "r-1",
		ProductID:     "prod-1",
		Amount:        decimal.NewFromInt(40),
		Currency:      "USD",
		CapturedAt:    h.clock.Now(),
		Status:        models.PaymentStatusApproved,
		AdminApproval: models.ApprovalApproved,
	}))

	locker := &stubLocker{held: true}
	h.svc.WithLocker(locker)
	n, err := h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "another process holds the lock")

	locker.held = false
	n, err = h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, locker.held)

	c, err := h.ledger.GetCommissionBySaleID(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, models.CommissionPaid, c.Status)
	assert.True(t, decimal.NewFromInt(4).Equal(h.balance(t, "r-1")))

	n, err = h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweepResumesAbandonedClaim(t *testing.T) {
	h := newHarness(t, manualApproval)
	ctx := context.Background()
	h.reseller(t, "r-1", "acct-1")
	h.capture(t, "pay-1", "r-1", "100.00")
	res, err := h.svc.ApprovePayment(ctx, "pay-1", "admin-1", "")
	require.NoError(t, err)

	// a worker claimed and credited, then died before marking paid
	approved, err := lifecycle.Approve(*h.commission(t, res.Commission.ID), "admin-1", "", h.clock.Now())
	require.NoError(t, err)
	claimed, err := lifecycle.Claim(approved.Commission, "dead-worker", h.clock.Now())
	require.NoError(t, err)
	require.NoError(t, h.ledger.UpdateCommission(ctx, &claimed.Commission))
	_, err = h.balances.ApplyCommission(ctx, claimed.Commission.ID)
	require.NoError(t, err)

	sweep, err := h.retries.Sweep(ctx, h.svc)
	require.NoError(t, err)
	assert.Equal(t, 0, sweep.Resumed, "claim is still fresh")

	h.clock.Advance(h.cfg.Retry.ProcessingLease + time.Minute)
	sweep, err = h.retries.Sweep(ctx, h.svc)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Resumed)
	assert.Equal(t, 1, sweep.Paid)

	assert.Equal(t, models.CommissionPaid, h.commission(t, res.Commission.ID).Status)
	assert.True(t, decimal.NewFromInt(10).Equal(h.balance(t, "r-1")), "credited exactly once")
}

func TestConcurrentFlagsRecordOneReview(t *testing.T) {
	h := newHarness(t, manualApproval)
	ctx := context.Background()
	h.reseller(t, "r-1", "acct-1")
	h.capture(t, "pay-1", "r-1", "100.00")
	res, err := h.svc.ApprovePayment(ctx, "pay-1", "admin-1", "")
	require.NoError(t, err)
	id := res.Commission.ID

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := h.svc.flag(ctx, id, "fraud", "fraud score 0.91")
			if err == nil && !c.ManualReview {
				err = errors.New("flag returned a commission outside review")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	c := h.commission(t, id)
	assert.True(t, c.ManualReview)
	reviews := 0
	for _, e := range c.Timeline {
		if e.Action == lifecycle.ActionManualReview {
			reviews++
		}
	}
	assert.Equal(t, 1, reviews)

	again, err := h.svc.flag(ctx, id, "fraud", "fraud score 0.95")
	require.NoError(t, err)
	assert.Equal(t, c.Version, again.Version, "a repeated flag writes nothing")
	assert.Len(t, h.commission(t, id).Timeline, len(c.Timeline))
}
