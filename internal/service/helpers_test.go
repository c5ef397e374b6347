package service

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"commission-engine/config"
	"commission-engine/internal/models"
	"commission-engine/internal/store"
	"commission-engine/internal/util"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	util.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyLedger fails balance credits while failApply is set and outbox
// completion while failComplete is set
type flakyLedger struct {
	*store.MemoryStore
	failApply    atomic.Bool
	applyCalls   atomic.Int32
	failComplete atomic.Bool
}

func (f *flakyLedger) CompleteOutboxEvent(ctx context.Context, eventID string, attempts []models.DeliveryAttempt, at time.Time) (bool, error) {
	if f.failComplete.Load() {
		return false, errors.New("db blip")
	}
	return f.MemoryStore.CompleteOutboxEvent(ctx, eventID, attempts, at)
}

func (f *flakyLedger) ApplyCommission(ctx context.Context, resellerID, commissionID string, amount decimal.Decimal) (bool, error) {
	f.applyCalls.Add(1)
	if f.failApply.Load() {
		return false, store.ErrConflict
	}
	return f.MemoryStore.ApplyCommission(ctx, resellerID, commissionID, amount)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*models.WebhookEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, key string, event *models.WebhookEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}

type harness struct {
	ledger    *flakyLedger
	clock     *clock
	cfg       *config.Config
	publisher *recordingPublisher
	webhooks  *WebhookDispatcher
	notifier  *Notifier
	retries   *RetryScheduler
	balances  *BalanceMutator
	fraud     *FraudSignals
	svc       *ApprovalService
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Defaults()
	for _, m := range mutate {
		m(cfg)
	}

	h := &harness{
		ledger:    &flakyLedger{MemoryStore: store.NewMemoryStore()},
		clock:     newClock(),
		cfg:       cfg,
		publisher: &recordingPublisher{},
	}
	h.webhooks = NewWebhookDispatcher(h.ledger, nil, cfg.Webhook)
	h.webhooks.now = h.clock.Now
	h.notifier = NewNotifier(h.ledger, h.publisher, h.webhooks)
	h.notifier.now = h.clock.Now
	h.retries = NewRetryScheduler(h.ledger, h.notifier, cfg.Retry)
	h.retries.now = h.clock.Now
	h.balances = NewBalanceMutator(h.ledger)
	h.fraud = NewFraudSignals(h.ledger, nil, cfg.Fraud)
	h.fraud.now = h.clock.Now
	h.svc = NewApprovalService(h.ledger, h.balances, h.retries, h.fraud, h.notifier, cfg.Approval)
	h.svc.now = h.clock.Now
	return h
}

func (h *harness) reseller(t *testing.T, id, destination string) {
	t.Helper()
	_, err := h.svc.SyncReseller(context.Background(), id, destination)
	require.NoError(t, err)
}

func (h *harness) capture(t *testing.T, paymentID, resellerID, amount string) *models.Payment {
	t.Helper()
	p, created, err := h.svc.CapturePayment(context.Background(), &CapturePaymentRequest{
		PaymentID:  paymentID,
		ResellerID: resellerID,
		ProductID:  "prod-1",
		Amount:     decimal.RequireFromString(amount),
		Currency:   "usd",
	})
	require.NoError(t, err)
	require.True(t, created)
	return p
}

func (h *harness) balance(t *testing.T, resellerID string) decimal.Decimal {
	t.Helper()
	rb, err := h.ledger.GetReseller(context.Background(), resellerID)
	require.NoError(t, err)
	return rb.Balance
}

func (h *harness) commission(t *testing.T, id string) *models.Commission {
	t.Helper()
	c, err := h.ledger.GetCommission(context.Background(), id)
	require.NoError(t, err)
	return c
}
