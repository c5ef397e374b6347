package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"commission-engine/internal/broker"
	"commission-engine/internal/models"
	"commission-engine/internal/service"
	"commission-engine/internal/store"
	"commission-engine/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageSource is a Kafka consumer
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// PaymentEventHandler applies inbound gateway events
type PaymentEventHandler interface {
	HandlePaymentCaptured(ctx context.Context, event *models.PaymentCapturedEvent) error
	HandlePaymentRefunded(ctx context.Context, event *models.PaymentRefundedEvent) error
}

// PaymentEventWorker consumes the payment gateway topic
type PaymentEventWorker struct {
	consumer     MessageSource
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewPaymentEventWorker creates a new payment event worker
func NewPaymentEventWorker(consumer MessageSource, approvals PaymentEventHandler) *PaymentEventWorker {
	w := &PaymentEventWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		logger:       util.GetLogger(),
	}

	w.eventHandler.OnPaymentCaptured(func(ctx context.Context, event *models.PaymentCapturedEvent) error {
		return w.unrecoverable(event.EventID, approvals.HandlePaymentCaptured(ctx, event))
	})
	w.eventHandler.OnPaymentRefunded(func(ctx context.Context, event *models.PaymentRefundedEvent) error {
		return w.unrecoverable(event.EventID, approvals.HandlePaymentRefunded(ctx, event))
	})
	return w
}

// HandleMessage processes one message from the payment topic
func (w *PaymentEventWorker) HandleMessage(ctx context.Context, msg kafka.Message) error {
	return w.eventHandler.HandleMessage(ctx, msg)
}

// unrecoverable turns errors redelivery cannot fix into skips
func (w *PaymentEventWorker) unrecoverable(eventID string, err error) error {
	if err == nil {
		return nil
	}
	if service.IsValidation(err) || errors.Is(err, store.ErrNotFound) {
		w.logger.Warn("Dropping payment event",
			zap.String("event_id", eventID),
			zap.Error(err))
		return fmt.Errorf("%w: %v", broker.ErrSkipMessage, err)
	}
	return err
}

// Start starts the worker
func (w *PaymentEventWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment event worker...")
	return w.consumer.StartConsuming(ctx, w.HandleMessage)
}

// Stop stops the worker
func (w *PaymentEventWorker) Stop() error {
	w.logger.Info("Stopping payment event worker...")
	return w.consumer.Close()
}

// Sweeper re-drives commissions that are due for another payout attempt
type Sweeper interface {
	Sweep(ctx context.Context, driver service.PayoutDriver) (*service.SweepResult, error)
}

// RetryWorker runs the retry sweep on a fixed interval
type RetryWorker struct {
	sweeper  Sweeper
	driver   service.PayoutDriver
	interval time.Duration
	logger   *zap.Logger
}

// NewRetryWorker creates a new retry worker
func NewRetryWorker(sweeper Sweeper, driver service.PayoutDriver, interval time.Duration) *RetryWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &RetryWorker{
		sweeper:  sweeper,
		driver:   driver,
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Start sweeps immediately and then on every tick until ctx is done
func (w *RetryWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting retry worker...", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.RunOnce(ctx)
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping retry worker...")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single sweep
func (w *RetryWorker) RunOnce(ctx context.Context) *service.SweepResult {
	result, err := w.sweeper.Sweep(ctx, w.driver)
	if err != nil && ctx.Err() == nil {
		w.logger.Error("Retry sweep failed", zap.Error(err))
	}
	return result
}

// Deliverer sends due webhook deliveries
type Deliverer interface {
	DeliverDue(ctx context.Context) (int, error)
}

// DeliveryWorker drains the webhook delivery queue with a fixed pool of goroutines
type DeliveryWorker struct {
	deliverer    Deliverer
	workers      int
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewDeliveryWorker creates a new delivery worker
func NewDeliveryWorker(deliverer Deliverer, workers int, pollInterval time.Duration) *DeliveryWorker {
	if workers < 1 {
		workers = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &DeliveryWorker{
		deliverer:    deliverer,
		workers:      workers,
		pollInterval: pollInterval,
		logger:       util.GetLogger(),
	}
}

// Start runs the pool until ctx is done
func (w *DeliveryWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting delivery worker...", zap.Int("workers", w.workers))

	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, id)
		}(i)
	}
	wg.Wait()

	w.logger.Info("Stopping delivery worker...")
	return nil
}

// loop keeps claiming while there is work and idles for pollInterval when the queue is empty
func (w *DeliveryWorker) loop(ctx context.Context, id int) {
	for ctx.Err() == nil {
		n, err := w.deliverer.DeliverDue(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("Delivery batch failed", zap.Int("worker", id), zap.Error(err))
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(w.pollInterval):
		}
	}
}

// Relayer re-dispatches lifecycle events stranded in the outbox
type Relayer interface {
	Relay(ctx context.Context) (int, error)
}

// OutboxWorker relays stranded outbox events on a fixed interval
type OutboxWorker struct {
	relayer  Relayer
	interval time.Duration
	logger   *zap.Logger
}

// NewOutboxWorker creates a new outbox worker
func NewOutboxWorker(relayer Relayer, interval time.Duration) *OutboxWorker {
	if interval <= 0 {
		interval = time.Second
	}
	return &OutboxWorker{
		relayer:  relayer,
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Start relays until the outbox is drained, then waits a tick, until ctx is done
func (w *OutboxWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting outbox worker...", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if n := w.RunOnce(ctx); n > 0 && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping outbox worker...")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce relays one batch and returns how many events it claimed
func (w *OutboxWorker) RunOnce(ctx context.Context) int {
	n, err := w.relayer.Relay(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("Outbox relay failed", zap.Error(err))
		}
		return 0
	}
	return n
}
