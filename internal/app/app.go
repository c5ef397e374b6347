// Package app wires the engine's services from configuration. The server and
// the commissionctl CLI share it.
package app

import (
	"context"
	"fmt"

	"commission-engine/config"
	"commission-engine/internal/broker"
	"commission-engine/internal/redisclient"
	"commission-engine/internal/service"
	"commission-engine/internal/store"
	"commission-engine/internal/util"

	"go.uber.org/zap"
)

// LedgerStore is a ledger that also holds the webhook queue and the event outbox
type LedgerStore interface {
	service.Ledger
	service.WebhookStore
	service.OutboxStore
	Ping(ctx context.Context) error
	Close() error
}

// App holds the wired services and the connections they use
type App struct {
	Config    *config.Config
	Ledger    LedgerStore
	Redis     *redisclient.Client
	Producer  *broker.Producer
	Webhooks  *service.WebhookDispatcher
	Notifier  *service.Notifier
	Retries   *service.RetryScheduler
	Balances  *service.BalanceMutator
	Fraud     *service.FraudSignals
	Approvals *service.ApprovalService

	logger *zap.Logger
}

// New connects to the configured backends and builds the services. Redis and
// Kafka are optional; without them the engine runs on the ledger alone.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, logger: util.GetLogger()}

	ledger, err := openLedger(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.Ledger = ledger

	var (
		cache     service.SubscriptionCache
		signals   service.SignalSource
		locker    service.Locker
		publisher service.EventPublisher
	)

	if cfg.Redis.Enabled {
		rc, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.Redis = rc
		cache, signals, locker = rc, rc, rc
		a.logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	if cfg.Kafka.Enabled {
		a.Producer = broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicCommissions)
		publisher = broker.NewEventPublisher(a.Producer)
		a.logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicCommissions))
	}

	a.Webhooks = service.NewWebhookDispatcher(ledger, cache, cfg.Webhook)
	a.Notifier = service.NewNotifier(ledger, publisher, a.Webhooks)
	a.Retries = service.NewRetryScheduler(ledger, a.Notifier, cfg.Retry)
	a.Balances = service.NewBalanceMutator(ledger)
	a.Fraud = service.NewFraudSignals(ledger, signals, cfg.Fraud)
	a.Approvals = service.NewApprovalService(ledger, a.Balances, a.Retries, a.Fraud, a.Notifier, cfg.Approval)
	if locker != nil {
		a.Approvals.WithLocker(locker)
	}
	return a, nil
}

func openLedger(ctx context.Context, cfg config.DatabaseConfig) (LedgerStore, error) {
	if cfg.Driver == "memory" {
		util.GetLogger().Warn("Using the in-memory ledger; state is lost on exit")
		return store.NewMemoryStore(), nil
	}

	db, err := store.NewStore(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if cfg.Migrate {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	util.GetLogger().Info("Database connected")
	return db, nil
}

// Close releases every connection
func (a *App) Close() {
	if a.Producer != nil {
		if err := a.Producer.Close(); err != nil {
			a.logger.Error("Error closing Kafka producer", zap.Error(err))
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.logger.Error("Error closing Redis", zap.Error(err))
		}
	}
	if a.Ledger != nil {
		if err := a.Ledger.Close(); err != nil {
			a.logger.Error("Error closing ledger", zap.Error(err))
		}
	}
}
