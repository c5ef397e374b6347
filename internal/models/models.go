package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Payment represents a captured external payment awaiting administrative disposition
type Payment struct {
	ID               string                 `db:"id" json:"id"`
	ResellerID       string                 `db:"reseller_id" json:"reseller_id"`
	ProductID        string                 `db:"product_id" json:"product_id"`
	Amount           decimal.Decimal        `db:"amount" json:"amount"`
	Currency         string                 `db:"currency" json:"currency"`
	CapturedAt       time.Time              `db:"captured_at" json:"captured_at"`
	Status           PaymentStatus          `db:"status" json:"status"`
	AdminApproval    ApprovalDecision       `db:"admin_approval" json:"admin_approval"`
	CommissionAmount decimal.Decimal        `db:"commission_amount" json:"commission_amount"`
	CommissionStatus PaymentCommissionState `db:"commission_status" json:"commission_status"`
	ClientIP         string                 `db:"client_ip" json:"client_ip,omitempty"`
	DecidedBy        string                 `db:"decided_by" json:"decided_by,omitempty"`
	DecisionNotes    string                 `db:"decision_notes" json:"decision_notes,omitempty"`
	DecidedAt        *time.Time             `db:"decided_at" json:"decided_at,omitempty"`
	Version          int64                  `db:"version" json:"version"`
	CreatedAt        time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time              `db:"updated_at" json:"updated_at"`
}

// Commission is the ledger entry for money owed to a reseller for one sale
type Commission struct {
	ID               string           `db:"id" json:"id"`
	ResellerID       string           `db:"reseller_id" json:"reseller_id"`
	SaleID           string           `db:"sale_id" json:"sale_id"`
	CommissionAmount decimal.Decimal  `db:"commission_amount" json:"commission_amount"`
	CommissionRate   decimal.Decimal  `db:"commission_rate" json:"commission_rate"`
	Currency         string           `db:"currency" json:"currency"`
	Status           CommissionStatus `db:"status" json:"status"`
	RetryCount       int              `db:"retry_count" json:"retry_count"`
	MaxRetries       int              `db:"max_retries" json:"max_retries"`
	NextRetryAt      *time.Time       `db:"next_retry_at" json:"next_retry_at,omitempty"`
	PaymentProof     *string          `db:"payment_proof" json:"payment_proof,omitempty"`
	FraudScore       float64          `db:"fraud_score" json:"fraud_score"`
	ManualReview     bool             `db:"manual_review" json:"manual_review"`
	ReviewReason     string           `db:"review_reason" json:"review_reason,omitempty"`
	ClaimedAt        *time.Time       `db:"claimed_at" json:"claimed_at,omitempty"`
	PaidAt           *time.Time       `db:"paid_at" json:"paid_at,omitempty"`
	Timeline         Timeline         `db:"timeline" json:"timeline"`
	Version          int64            `db:"version" json:"version"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored state
func (c Commission) Clone() Commission {
	out := c
	out.Timeline = append(Timeline(nil), c.Timeline...)
	out.NextRetryAt = copyTime(c.NextRetryAt)
	out.ClaimedAt = copyTime(c.ClaimedAt)
	out.PaidAt = copyTime(c.PaidAt)
	if c.PaymentProof != nil {
		proof := *c.PaymentProof
		out.PaymentProof = &proof
	}
	return out
}

// TimelineEntry is one audit record on a commission
type TimelineEntry struct {
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Details   string    `json:"details,omitempty"`
}

// Timeline is append-only and stored as a JSON document
type Timeline []TimelineEntry

// Value implements driver.Valuer
func (t Timeline) Value() (driver.Value, error) {
	if t == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t)
}

// Scan implements sql.Scanner
func (t *Timeline) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*t = Timeline{}
		return nil
	case []byte:
		return json.Unmarshal(v, t)
	case string:
		return json.Unmarshal([]byte(v), t)
	default:
		return fmt.Errorf("unsupported timeline type %T", src)
	}
}

// Last returns the most recent entry
func (t Timeline) Last() (TimelineEntry, bool) {
	if len(t) == 0 {
		return TimelineEntry{}, false
	}
	return t[len(t)-1], true
}

// ResellerBalance is the balance projection owned by the balance mutator
type ResellerBalance struct {
	ResellerID           string          `db:"reseller_id" json:"reseller_id"`
	PayoutDestination    string          `db:"payout_destination" json:"payout_destination,omitempty"`
	Balance              decimal.Decimal `db:"balance" json:"balance"`
	TotalEarnings        decimal.Decimal `db:"total_earnings" json:"total_earnings"`
	TotalSales           int64           `db:"total_sales" json:"total_sales"`
	AppliedCommissionIDs []string        `db:"-" json:"applied_commission_ids"`
	Version              int64           `db:"version" json:"version"`
	UpdatedAt            time.Time       `db:"updated_at" json:"updated_at"`
}

// HasPayoutDestination reports whether funds can be transferred to the reseller
func (r *ResellerBalance) HasPayoutDestination() bool {
	return r != nil && r.PayoutDestination != ""
}

// RetryConfig controls webhook redelivery
type RetryConfig struct {
	MaxRetries        int     `db:"retry_max_retries" json:"max_retries"`
	InitialDelayMs    int64   `db:"retry_initial_delay_ms" json:"initial_delay"`
	BackoffMultiplier float64 `db:"retry_backoff_multiplier" json:"backoff_multiplier"`
	MaxDelayMs        int64   `db:"retry_max_delay_ms" json:"max_delay"`
}

// DefaultRetryConfig returns the retry policy applied when a subscriber supplies none
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialDelayMs:    1000,
		BackoffMultiplier: 2,
		MaxDelayMs:        int64(time.Hour / time.Millisecond),
	}
}

// InitialDelay returns the first retry delay
func (rc RetryConfig) InitialDelay() time.Duration {
	return time.Duration(rc.InitialDelayMs) * time.Millisecond
}

// MaxDelay returns the retry delay cap
func (rc RetryConfig) MaxDelay() time.Duration {
	return time.Duration(rc.MaxDelayMs) * time.Millisecond
}

// WebhookSubscription is a registered external endpoint interested in lifecycle events
type WebhookSubscription struct {
	ID                  string         `db:"id" json:"id"`
	Name                string         `db:"name" json:"name"`
	URL                 string         `db:"url" json:"url"`
	Events              pq.StringArray `db:"events" json:"events"`
	Secret              string         `db:"secret" json:"secret,omitempty"`
	RetryConfig         `json:"retry_config"`
	IsActive            bool       `db:"is_active" json:"is_active"`
	ConsecutiveFailures int        `db:"consecutive_failures" json:"consecutive_failures"`
	SuccessCount        int64      `db:"success_count" json:"success_count"`
	FailureCount        int64      `db:"failure_count" json:"failure_count"`
	LastTriggeredAt     *time.Time `db:"last_triggered_at" json:"last_triggered_at,omitempty"`
	LastFailureAt       *time.Time `db:"last_failure_at" json:"last_failure_at,omitempty"`
	Version             int64      `db:"version" json:"version"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// Subscribes reports whether the subscription wants the given event type
func (w *WebhookSubscription) Subscribes(eventType string) bool {
	for _, e := range w.Events {
		if e == eventType || e == EventWildcard {
			return true
		}
	}
	return false
}

// Redacted returns a copy without the signing secret
func (w WebhookSubscription) Redacted() WebhookSubscription {
	w.Secret = ""
	return w
}

// DeliveryAttempt is one try to deliver one event to one subscription
type DeliveryAttempt struct {
	ID            string         `db:"id" json:"id"`
	WebhookID     string         `db:"webhook_id" json:"webhook_id"`
	EventID       string         `db:"event_id" json:"event_id"`
	EventType     string         `db:"event_type" json:"event_type"`
	Payload       []byte         `db:"payload" json:"-"`
	PayloadHash   string         `db:"payload_hash" json:"payload_hash"`
	AttemptNumber int            `db:"attempt_number" json:"attempt_number"`
	ScheduledAt   time.Time      `db:"scheduled_at" json:"scheduled_at"`
	Status        DeliveryStatus `db:"status" json:"status"`
	HTTPStatus    int            `db:"http_status" json:"http_status,omitempty"`
	Error         string         `db:"error" json:"error,omitempty"`
	NextAttemptAt *time.Time     `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	ClaimedUntil  *time.Time     `db:"claimed_until" json:"-"`
	CompletedAt   *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	Version       int64          `db:"version" json:"version"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

// OutboxEvent is a lifecycle event committed together with the state change it
// reports. Payload holds the marshalled WebhookEvent envelope byte for byte.
type OutboxEvent struct {
	EventID      string     `db:"event_id" json:"event_id"`
	EventType    string     `db:"event_type" json:"event_type"`
	AggregateID  string     `db:"aggregate_id" json:"aggregate_id"`
	Payload      []byte     `db:"payload" json:"-"`
	OccurredAt   time.Time  `db:"occurred_at" json:"occurred_at"`
	ClaimedUntil *time.Time `db:"claimed_until" json:"-"`
	DispatchedAt *time.Time `db:"dispatched_at" json:"dispatched_at,omitempty"`
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
