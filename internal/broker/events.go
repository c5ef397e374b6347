package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"commission-engine/internal/models"
	"commission-engine/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher writes lifecycle events to the commission topic
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// Publish writes a lifecycle event keyed by the entity it concerns
func (ep *EventPublisher) Publish(ctx context.Context, key string, event *models.WebhookEvent) error {
	return ep.producer.PublishEvent(ctx, key, event)
}

// EventHandler routes inbound payment gateway events
type EventHandler struct {
	onPaymentCaptured func(context.Context, *models.PaymentCapturedEvent) error
	onPaymentRefunded func(context.Context, *models.PaymentRefundedEvent) error
	logger            *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnPaymentCaptured registers a handler for payment.captured events
func (eh *EventHandler) OnPaymentCaptured(handler func(context.Context, *models.PaymentCapturedEvent) error) {
	eh.onPaymentCaptured = handler
}

// OnPaymentRefunded registers a handler for payment.refunded events
func (eh *EventHandler) OnPaymentRefunded(handler func(context.Context, *models.PaymentRefundedEvent) error) {
	eh.onPaymentRefunded = handler
}

// HandleMessage routes messages to appropriate handlers. Undecodable messages
// are skipped since redelivery cannot fix them.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		eh.logger.Error("Failed to unmarshal base event", zap.Error(err), zap.Int64("offset", msg.Offset))
		return fmt.Errorf("%w: %v", ErrSkipMessage, err)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventPaymentCaptured:
		if eh.onPaymentCaptured != nil {
			var event models.PaymentCapturedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("%w: failed to unmarshal payment.captured event: %v", ErrSkipMessage, err)
			}
			return eh.onPaymentCaptured(ctx, &event)
		}

	case models.EventPaymentRefunded:
		if eh.onPaymentRefunded != nil {
			var event models.PaymentRefundedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("%w: failed to unmarshal payment.refunded event: %v", ErrSkipMessage, err)
			}
			return eh.onPaymentRefunded(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
