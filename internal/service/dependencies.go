package service

import (
	"context"
	"time"

	"commission-engine/internal/models"
	"commission-engine/internal/store"

	"github.com/shopspring/decimal"
)

// Ledger is the durable record of payments, commissions and balances.
// Both store.Store and store.MemoryStore satisfy it. Writes that take outbox
// events commit them atomically with the change they describe.
type Ledger interface {
	CreatePayment(ctx context.Context, p *models.Payment, events ...models.OutboxEvent) error
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	UpdatePayment(ctx context.Context, p *models.Payment, events ...models.OutboxEvent) error
	ListApprovedPaymentsWithoutCommission(ctx context.Context, limit int) ([]models.Payment, error)
	ResellerPaymentStats(ctx context.Context, resellerID, excludePaymentID string, recentSince time.Time) (store.PaymentStats, error)
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error

	CreateCommission(ctx context.Context, c *models.Commission, events ...models.OutboxEvent) error
	GetCommission(ctx context.Context, id string) (*models.Commission, error)
	GetCommissionBySaleID(ctx context.Context, saleID string) (*models.Commission, error)
	UpdateCommission(ctx context.Context, c *models.Commission, events ...models.OutboxEvent) error
	ApprovePaymentWithCommission(ctx context.Context, p *models.Payment, c *models.Commission, paymentEvents, commissionEvents []models.OutboxEvent) (bool, error)
	ListDueCommissions(ctx context.Context, now time.Time, limit int) ([]models.Commission, error)
	ListStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]models.Commission, error)
	ListCommissionsForReview(ctx context.Context, limit int) ([]models.Commission, error)

	UpsertReseller(ctx context.Context, resellerID, payoutDestination string) (*models.ResellerBalance, error)
	GetReseller(ctx context.Context, resellerID string) (*models.ResellerBalance, error)
	ApplyCommission(ctx context.Context, resellerID, commissionID string, amount decimal.Decimal) (bool, error)
}

// WebhookStore persists subscriptions and the delivery work queue
type WebhookStore interface {
	CreateWebhook(ctx context.Context, w *models.WebhookSubscription) error
	GetWebhook(ctx context.Context, id string) (*models.WebhookSubscription, error)
	ListWebhooks(ctx context.Context) ([]models.WebhookSubscription, error)
	ListActiveWebhooksForEvent(ctx context.Context, eventType string) ([]models.WebhookSubscription, error)
	SetWebhookActive(ctx context.Context, id string, active bool) (*models.WebhookSubscription, error)
	CreateDeliveryAttempts(ctx context.Context, attempts []models.DeliveryAttempt) error
	ClaimDueDeliveries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.DeliveryAttempt, error)
	RecordDeliveryOutcome(ctx context.Context, out store.DeliveryOutcome) (store.SubscriptionCounters, error)
	ListDeliveryAttempts(ctx context.Context, webhookID string, limit int) ([]models.DeliveryAttempt, error)
	DeliveryStatusCounts(ctx context.Context) (map[models.DeliveryStatus]int64, error)
}

// OutboxStore hands committed lifecycle events to the relay
type OutboxStore interface {
	ClaimOutboxEvents(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.OutboxEvent, error)
	CompleteOutboxEvent(ctx context.Context, eventID string, attempts []models.DeliveryAttempt, at time.Time) (bool, error)
	PendingOutboxEvents(ctx context.Context) (int64, error)
}

// SubscriptionCache holds the active subscription set between store reads
type SubscriptionCache interface {
	CachedActiveWebhooks(ctx context.Context) ([]models.WebhookSubscription, bool, error)
	CacheActiveWebhooks(ctx context.Context, hooks []models.WebhookSubscription, ttl time.Duration) error
	InvalidateWebhooks(ctx context.Context) error
}

// SignalSource provides the fraud signals tracked outside the ledger
type SignalSource interface {
	RecordSaleIP(ctx context.Context, ip, resellerID string, ttl time.Duration) (int64, error)
	IPResellerCount(ctx context.Context, ip string) (int64, error)
	RecordClick(ctx context.Context, resellerID string, window time.Duration) (int64, error)
	ClickCount(ctx context.Context, resellerID string) (int64, error)
}

// Locker provides a cluster-wide mutual exclusion lock
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// EventPublisher writes lifecycle events to the message bus
type EventPublisher interface {
	Publish(ctx context.Context, key string, event *models.WebhookEvent) error
}

// PayoutDriver is what the retry sweep drives
type PayoutDriver interface {
	ProcessPayout(ctx context.Context, commissionID string) (*models.Commission, error)
	ResumePayout(ctx context.Context, commissionID string) (*models.Commission, error)
	Reconcile(ctx context.Context) (int, error)
}
