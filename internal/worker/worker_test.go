package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"commission-engine/internal/broker"
	"commission-engine/internal/models"
	"commission-engine/internal/service"
	"commission-engine/internal/store"
	"commission-engine/internal/util"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	util.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

type fakeApprovals struct {
	mu        sync.Mutex
	captured  []string
	refunded  []string
	refundErr error
}

func (f *fakeApprovals) HandlePaymentCaptured(ctx context.Context, event *models.PaymentCapturedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !event.Amount.IsPositive() {
		return &service.ValidationError{Field: "amount", Message: "must be positive"}
	}
	f.captured = append(f.captured, event.PaymentID)
	return nil
}

func (f *fakeApprovals) HandlePaymentRefunded(ctx context.Context, event *models.PaymentRefundedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunded = append(f.refunded, event.PaymentID)
	return f.refundErr
}

func message(value string) kafka.Message {
	return kafka.Message{Value: []byte(value)}
}

func TestPaymentEventWorkerRoutesEvents(t *testing.T) {
	approvals := &fakeApprovals{}
	w := NewPaymentEventWorker(nil, approvals)
	ctx := context.Background()

	err := w.HandleMessage(ctx, message(`{"event_id":"e-1","event_type":"payment.captured","payment_id":"pay-1","reseller_id":"r-1","product_id":"p-1","amount":"20.00","currency":"USD"}`))
	require.NoError(t, err)
	err = w.HandleMessage(ctx, message(`{"event_id":"e-2","event_type":"payment.refunded","payment_id":"pay-1","reason":"chargeback"}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"pay-1"}, approvals.captured)
	assert.Equal(t, []string{"pay-1"}, approvals.refunded)
}

func TestPaymentEventWorkerSkipsUnrecoverableEvents(t *testing.T) {
	approvals := &fakeApprovals{refundErr: fmt.Errorf("failed to refund payment: %w", store.ErrNotFound)}
	w := NewPaymentEventWorker(nil, approvals)
	ctx := context.Background()

	err := w.HandleMessage(ctx, message(`{"event_id":"e-1","event_type":"payment.captured","payment_id":"pay-1","amount":"0"}`))
	assert.ErrorIs(t, err, broker.ErrSkipMessage)

	err = w.HandleMessage(ctx, message(`{"event_id":"e-2","event_type":"payment.refunded","payment_id":"missing"}`))
	assert.ErrorIs(t, err, broker.ErrSkipMessage)

	err = w.HandleMessage(ctx, message(`not json`))
	assert.ErrorIs(t, err, broker.ErrSkipMessage)
}

func TestPaymentEventWorkerRetriesTransientErrors(t *testing.T) {
	boom := errors.New("connection reset")
	w := NewPaymentEventWorker(nil, &fakeApprovals{refundErr: boom})

	err := w.HandleMessage(context.Background(), message(`{"event_id":"e-1","event_type":"payment.refunded","payment_id":"pay-1"}`))
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, broker.ErrSkipMessage)
}

type countingSweeper struct {
	calls atomic.Int32
}

func (s *countingSweeper) Sweep(ctx context.Context, driver service.PayoutDriver) (*service.SweepResult, error) {
	s.calls.Add(1)
	return &service.SweepResult{}, nil
}

func TestRetryWorkerSweepsUntilCancelled(t *testing.T) {
	sweeper := &countingSweeper{}
	w := NewRetryWorker(sweeper, nil, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	assert.Eventually(t, func() bool { return sweeper.calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("retry worker did not stop")
	}
}

// queueDeliverer pretends to drain a queue of pending deliveries
type queueDeliverer struct {
	pending atomic.Int32
	calls   atomic.Int32
}

func (d *queueDeliverer) DeliverDue(ctx context.Context) (int, error) {
	d.calls.Add(1)
	for {
		n := d.pending.Load()
		if n <= 0 {
			return 0, nil
		}
		if d.pending.CompareAndSwap(n, n-1) {
			return 1, nil
		}
	}
}

func TestDeliveryWorkerDrainsQueue(t *testing.T) {
	d := &queueDeliverer{}
	d.pending.Store(25)
	w := NewDeliveryWorker(d, 3, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	assert.Eventually(t, func() bool { return d.pending.Load() == 0 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("delivery worker did not stop")
	}
	assert.GreaterOrEqual(t, d.calls.Load(), int32(25))
}

func TestNewDeliveryWorkerDefaults(t *testing.T) {
	w := NewDeliveryWorker(&queueDeliverer{}, 0, 0)
	assert.Equal(t, 1, w.workers)
	assert.Equal(t, time.Second, w.pollInterval)
}

// batchRelayer hands out stranded events two at a time
type batchRelayer struct {
	pending atomic.Int32
	err     error
}

func (r *batchRelayer) Relay(ctx context.Context) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	n := r.pending.Load()
	if n > 2 {
		n = 2
	}
	r.pending.Add(-n)
	return int(n), nil
}

func TestOutboxWorkerDrainsWithoutWaitingForTick(t *testing.T) {
	r := &batchRelayer{}
	r.pending.Store(7)
	w := NewOutboxWorker(r, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	assert.Eventually(t, func() bool { return r.pending.Load() == 0 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("outbox worker did not stop")
	}
}

func TestOutboxWorkerRunOnceSwallowsErrors(t *testing.T) {
	w := NewOutboxWorker(&batchRelayer{err: errors.New("db blip")}, 0)
	assert.Equal(t, time.Second, w.interval)
	assert.Equal(t, 0, w.RunOnce(context.Background()))
}
