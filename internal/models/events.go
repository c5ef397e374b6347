package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Lifecycle event types delivered to webhook subscribers and the commission topic
const (
	EventCommissionCreated   = "commission.created"
	EventCommissionApproved  = "commission.approved"
	EventCommissionPaid      = "commission.paid"
	EventCommissionRejected  = "commission.rejected"
	EventCommissionCancelled = "commission.cancelled"
	EventPaymentCaptured     = "payment.captured"
	EventPaymentApproved     = "payment.approved"
	EventPaymentRejected     = "payment.rejected"
	EventPaymentRefunded     = "payment.refunded"
	EventWebhookTest         = "webhook.test"

	// EventWildcard subscribes to every event type
	EventWildcard = "*"
)

// KnownEventTypes is the vocabulary accepted at webhook registration
var KnownEventTypes = []string{
	EventCommissionCreated,
	EventCommissionApproved,
	EventCommissionPaid,
	EventCommissionRejected,
	EventCommissionCancelled,
	EventPaymentCaptured,
	EventPaymentApproved,
	EventPaymentRejected,
	EventPaymentRefunded,
	EventWebhookTest,
}

// IsKnownEventType reports whether t belongs to the event vocabulary
func IsKnownEventType(t string) bool {
	for _, known := range KnownEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// BaseEvent contains common fields for all inbound gateway events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PaymentCapturedEvent is published by the payment gateway when funds are captured
type PaymentCapturedEvent struct {
	BaseEvent
	PaymentID  string          `json:"payment_id"`
	ResellerID string          `json:"reseller_id"`
	ProductID  string          `json:"product_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	ClientIP   string          `json:"client_ip,omitempty"`
	CapturedAt time.Time       `json:"captured_at"`
}

// PaymentRefundedEvent is published by the payment gateway when a capture is refunded
type PaymentRefundedEvent struct {
	BaseEvent
	PaymentID string `json:"payment_id"`
	Reason    string `json:"reason"`
}

// WebhookEvent is the envelope delivered to subscribers and written to the commission topic.
// Consumers deduplicate on EventID.
type WebhookEvent struct {
	EventID   string      `json:"eventId"`
	EventType string      `json:"eventType"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Envelope decodes an outbox payload back into its envelope. Data stays raw JSON
// so a re-encoded envelope carries the same data bytes.
func (e OutboxEvent) Envelope() (*WebhookEvent, error) {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(e.Payload, &env); err != nil {
		return nil, err
	}
	return &WebhookEvent{
		EventID:   e.EventID,
		EventType: e.EventType,
		Timestamp: e.OccurredAt,
		Data:      env.Data,
	}, nil
}

// CommissionEventData is the data section of commission.* events
type CommissionEventData struct {
	CommissionID     string           `json:"commission_id"`
	SaleID           string           `json:"sale_id"`
	ResellerID       string           `json:"reseller_id"`
	CommissionAmount decimal.Decimal  `json:"commission_amount"`
	Currency         string           `json:"currency"`
	Status           CommissionStatus `json:"status"`
	RetryCount       int              `json:"retry_count"`
	FraudScore       float64          `json:"fraud_score"`
	Reason           string           `json:"reason,omitempty"`
}

// NewCommissionEventData builds event data from a commission
func NewCommissionEventData(c *Commission) CommissionEventData {
	data := CommissionEventData{
		CommissionID:     c.ID,
		SaleID:           c.SaleID,
		ResellerID:       c.ResellerID,
		CommissionAmount: c.CommissionAmount,
		Currency:         c.Currency,
		Status:           c.Status,
		RetryCount:       c.RetryCount,
		FraudScore:       c.FraudScore,
	}
	if last, ok := c.Timeline.Last(); ok {
		data.Reason = last.Details
	}
	return data
}

// PaymentEventData is the data section of payment.* events
type PaymentEventData struct {
	PaymentID     string           `json:"payment_id"`
	ResellerID    string           `json:"reseller_id"`
	ProductID     string           `json:"product_id"`
	Amount        decimal.Decimal  `json:"amount"`
	Currency      string           `json:"currency"`
	Status        PaymentStatus    `json:"status"`
	AdminApproval ApprovalDecision `json:"admin_approval"`
	Notes         string           `json:"notes,omitempty"`
}

// NewPaymentEventData builds event data from a payment
func NewPaymentEventData(p *Payment) PaymentEventData {
	return PaymentEventData{
		PaymentID:     p.ID,
		ResellerID:    p.ResellerID,
		ProductID:     p.ProductID,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Status:        p.Status,
		AdminApproval: p.AdminApproval,
		Notes:         p.DecisionNotes,
	}
}
