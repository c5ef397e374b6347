package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"commission-engine/config"
	"commission-engine/internal/lifecycle"
	"commission-engine/internal/models"
	"commission-engine/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notifier turns lifecycle transitions into outbox events and fans committed
// events out to the message bus and to webhook subscribers. Events are written
// by the ledger in the same transaction as the change they report; Dispatch
// hands them on right after the commit and Relay picks up whatever Dispatch
// did not finish. publisher and webhooks may be nil.
type Notifier struct {
	outbox    OutboxStore
	publisher EventPublisher
	webhooks  *WebhookDispatcher
	lease     time.Duration
	batch     int
	now       func() time.Time
	logger    *zap.Logger
}

// NewNotifier creates a new notifier. The relay lease and batch size follow
// the webhook delivery settings.
func NewNotifier(outbox OutboxStore, publisher EventPublisher, webhooks *WebhookDispatcher) *Notifier {
	cfg := config.Defaults().Webhook
	if webhooks != nil {
		cfg = webhooks.cfg
	}
	return &Notifier{
		outbox:    outbox,
		publisher: publisher,
		webhooks:  webhooks,
		lease:     cfg.Lease,
		batch:     cfg.ClaimBatch,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    util.GetLogger(),
	}
}

// CommissionEvents builds the outbox events a transition of c asks for
func (n *Notifier) CommissionEvents(c *models.Commission, effects []lifecycle.Effect) ([]models.OutboxEvent, error) {
	if n == nil {
		return nil, nil
	}
	var events []models.OutboxEvent
	for _, e := range effects {
		if e.Kind != lifecycle.EffectEmit {
			continue
		}
		event, err := n.event(c.ID, e.EventType, models.NewCommissionEventData(c))
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// PaymentEvents builds the outbox event for eventType on p, keyed by payment id
func (n *Notifier) PaymentEvents(eventType string, p *models.Payment) ([]models.OutboxEvent, error) {
	if n == nil {
		return nil, nil
	}
	event, err := n.event(p.ID, eventType, models.NewPaymentEventData(p))
	if err != nil {
		return nil, err
	}
	return []models.OutboxEvent{event}, nil
}

// event is claimed by its writer for one lease, so the relay leaves it to the
// post-commit Dispatch unless that never completes
func (n *Notifier) event(key, eventType string, data interface{}) (models.OutboxEvent, error) {
	now := n.now()
	envelope := models.WebhookEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: now,
		Data:      data,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return models.OutboxEvent{}, fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}
	claimedUntil := now.Add(n.lease)
	return models.OutboxEvent{
		EventID:      envelope.EventID,
		EventType:    eventType,
		AggregateID:  key,
		Payload:      payload,
		OccurredAt:   now,
		ClaimedUntil: &claimedUntil,
	}, nil
}

// Dispatch hands on events the caller has just committed. It never fails the
// caller: an event that cannot be dispatched now stays in the outbox for Relay.
func (n *Notifier) Dispatch(ctx context.Context, events []models.OutboxEvent) {
	if n == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for i := range events {
		if err := n.dispatch(ctx, &events[i]); err != nil {
			n.logger.Warn("Lifecycle event left for the outbox relay",
				zap.String("event_id", events[i].EventID),
				zap.String("event_type", events[i].EventType),
				zap.Error(err))
		}
	}
}

// Relay claims outbox events whose dispatch never completed and dispatches
// them. It returns the number of events claimed.
func (n *Notifier) Relay(ctx context.Context) (int, error) {
	if n == nil {
		return 0, nil
	}
	ctx, span := util.StartSpan(ctx, "Notifier.Relay")
	defer span.End()

	events, err := n.outbox.ClaimOutboxEvents(ctx, n.now(), n.lease, n.batch)
	if err != nil {
		util.RecordError(span, err)
		return 0, err
	}
	relayed := 0
	for i := range events {
		if err := n.dispatch(ctx, &events[i]); err != nil {
			if ctx.Err() != nil {
				return i, ctx.Err()
			}
			n.logger.Error("Failed to relay lifecycle event",
				zap.String("event_id", events[i].EventID),
				zap.String("event_type", events[i].EventType),
				zap.Error(err))
			continue
		}
		relayed++
	}
	if len(events) > 0 {
		util.OutboxRelayedTotal.Add(float64(relayed))
		n.logger.Info("Relayed outbox events",
			zap.Int("claimed", len(events)),
			zap.Int("relayed", relayed))
	}
	return len(events), nil
}

// Pending counts committed events not yet dispatched
func (n *Notifier) Pending(ctx context.Context) (int64, error) {
	if n == nil {
		return 0, nil
	}
	return n.outbox.PendingOutboxEvents(ctx)
}

// dispatch publishes e, resolves its subscribers and marks it done together with
// the first delivery attempts. Consumers deduplicate a republished event on its id.
func (n *Notifier) dispatch(ctx context.Context, e *models.OutboxEvent) error {
	if n.publisher != nil {
		envelope, err := e.Envelope()
		if err != nil {
			return fmt.Errorf("failed to decode outbox payload: %w", err)
		}
		if err := n.publisher.Publish(ctx, e.AggregateID, envelope); err != nil {
			return fmt.Errorf("failed to publish: %w", err)
		}
	}

	var attempts []models.DeliveryAttempt
	if n.webhooks != nil {
		var err error
		if attempts, err = n.webhooks.attemptsFor(ctx, e.EventID, e.EventType, e.Payload); err != nil {
			return err
		}
	}

	done, err := n.outbox.CompleteOutboxEvent(ctx, e.EventID, attempts, n.now())
	if err != nil {
		return fmt.Errorf("failed to complete outbox event: %w", err)
	}
	if done {
		util.EventsPublishedTotal.WithLabelValues(e.EventType).Inc()
	}
	return nil
}
