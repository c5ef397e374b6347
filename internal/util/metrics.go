package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PaymentsCapturedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_captured_total",
		Help: "Total number of captured payments recorded",
	})

	PaymentDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_decisions_total",
		Help: "Total number of payment decisions by outcome",
	}, []string{"decision"})

	CommissionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "commissions_created_total",
		Help: "Total number of commissions created",
	})

	CommissionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commission_transitions_total",
		Help: "Total number of commission status transitions",
	}, []string{"to"})

	CommissionConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commission_conflicts_total",
		Help: "Total number of optimistic concurrency conflicts",
	}, []string{"operation"})

	PayoutAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payout_attempts_total",
		Help: "Total number of payout attempts",
	})

	PayoutFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payout_failed_total",
		Help: "Total number of failed payout attempts",
	}, []string{"reason"})

	PayoutLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payout_latency_seconds",
		Help:    "Latency of payout processing",
		Buckets: prometheus.DefBuckets,
	})

	BalanceApplicationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "balance_applications_total",
		Help: "Total number of balance applications by result",
	}, []string{"result"})

	RetriesScheduledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "commission_retries_scheduled_total",
		Help: "Total number of commission payout retries scheduled",
	})

	CommissionsCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commissions_cancelled_total",
		Help: "Total number of cancelled commissions",
	}, []string{"reason"})

	ManualReviewsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commission_manual_reviews_total",
		Help: "Total number of commissions routed to manual review",
	}, []string{"reason"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "retry_sweep_duration_seconds",
		Help:    "Duration of retry sweeps",
		Buckets: prometheus.DefBuckets,
	})

	ReconciledPaymentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconciled_payments_total",
		Help: "Total number of approved payments whose commission was recreated",
	})

	FraudScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fraud_score",
		Help:    "Distribution of fraud scores at commission creation",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})

	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_deliveries_total",
		Help: "Total number of webhook delivery attempts by outcome",
	}, []string{"outcome"})

	WebhookDeliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "webhook_delivery_latency_seconds",
		Help:    "Latency of webhook deliveries",
		Buckets: prometheus.DefBuckets,
	})

	WebhookDeactivationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_deactivations_total",
		Help: "Total number of subscriptions deactivated after consecutive failures",
	})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_events_published_total",
		Help: "Total number of lifecycle events emitted",
	}, []string{"event_type"})

	OutboxRelayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_events_relayed_total",
		Help: "Total number of lifecycle events dispatched by the outbox relay",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
