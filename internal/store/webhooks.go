package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"commission-engine/internal/models"

	"github.com/jmoiron/sqlx"
)

const webhookColumns = `id, name, url, events, secret, retry_max_retries, retry_initial_delay_ms,
	retry_backoff_multiplier, retry_max_delay_ms, is_active, consecutive_failures, success_count,
	failure_count, last_triggered_at, last_failure_at, version, created_at, updated_at`

const deliveryColumns = `id, webhook_id, event_id, event_type, payload, payload_hash, attempt_number,
	scheduled_at, status, http_status, error, next_attempt_at, claimed_until, completed_at, version, created_at`

// DeliveryOutcome is the recorded result of one delivery attempt. Attempt
// carries its final status; Next, when set, is the follow-up attempt.
// Skipped attempts were never sent and leave the subscription counters alone.
type DeliveryOutcome struct {
	Attempt         *models.DeliveryAttempt
	Next            *models.DeliveryAttempt
	Success         bool
	Skipped         bool
	At              time.Time
	DeactivateAfter int
}

// SubscriptionCounters is the subscription state after an outcome was recorded
type SubscriptionCounters struct {
	ConsecutiveFailures int  `db:"consecutive_failures"`
	IsActive            bool `db:"is_active"`
	Deactivated         bool `db:"-"`
}

// CreateWebhook inserts a webhook subscription
func (s *Store) CreateWebhook(ctx context.Context, w *models.WebhookSubscription) error {
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO webhook_subscriptions (id, name, url, events, secret, retry_max_retries,
			retry_initial_delay_ms, retry_backoff_multiplier, retry_max_delay_ms, is_active,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING version`,
		w.ID, w.Name, w.URL, w.Events, w.Secret, w.MaxRetries, w.InitialDelayMs,
		w.BackoffMultiplier, w.MaxDelayMs, w.IsActive, w.CreatedAt, w.UpdatedAt,
	).Scan(&w.Version)
	if err != nil {
		return fmt.Errorf("failed to insert webhook: %w", mapError(err))
	}
	return nil
}

// GetWebhook retrieves a webhook subscription by ID
func (s *Store) GetWebhook(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	var w models.WebhookSubscription
	err := s.db.GetContext(ctx, &w, "SELECT "+webhookColumns+" FROM webhook_subscriptions WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("webhook %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWebhooks retrieves all webhook subscriptions
func (s *Store) ListWebhooks(ctx context.Context) ([]models.WebhookSubscription, error) {
	var hooks []models.WebhookSubscription
	err := s.db.SelectContext(ctx, &hooks,
		"SELECT "+webhookColumns+" FROM webhook_subscriptions ORDER BY created_at")
	return hooks, err
}

// ListActiveWebhooksForEvent retrieves active subscriptions for eventType or the wildcard
func (s *Store) ListActiveWebhooksForEvent(ctx context.Context, eventType string) ([]models.WebhookSubscription, error) {
	var hooks []models.WebhookSubscription
	err := s.db.SelectContext(ctx, &hooks, `
		SELECT `+webhookColumns+` FROM webhook_subscriptions
		WHERE is_active AND ($1 = ANY(events) OR '*' = ANY(events))
		ORDER BY created_at`, eventType)
	return hooks, err
}

// SetWebhookActive enables or disables a subscription. Enabling clears the failure streak.
func (s *Store) SetWebhookActive(ctx context.Context, id string, active bool) (*models.WebhookSubscription, error) {
	var w models.WebhookSubscription
	err := s.db.GetContext(ctx, &w, `
		UPDATE webhook_subscriptions
		SET is_active = $1,
			consecutive_failures = CASE WHEN $1 THEN 0 ELSE consecutive_failures END,
			version = version + 1, updated_at = NOW()
		WHERE id = $2
		RETURNING `+webhookColumns, active, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("webhook %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update webhook: %w", err)
	}
	return &w, nil
}

// CreateDeliveryAttempts enqueues attempts; an attempt that already exists is left alone
func (s *Store) CreateDeliveryAttempts(ctx context.Context, attempts []models.DeliveryAttempt) error {
	if len(attempts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range attempts {
		if err := insertAttempt(ctx, tx, &attempts[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertAttempt(ctx context.Context, db sqlx.ExecerContext, a *models.DeliveryAttempt) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, webhook_id, event_id, event_type, payload, payload_hash,
			attempt_number, scheduled_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (webhook_id, event_id, attempt_number) DO NOTHING`,
		a.ID, a.WebhookID, a.EventID, a.EventType, a.Payload, a.PayloadHash,
		a.AttemptNumber, a.ScheduledAt, a.Status, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert delivery attempt: %w", mapError(err))
	}
	return nil
}

// ClaimDueDeliveries leases up to limit pending attempts scheduled at or before now.
// Rows locked by another worker are skipped. Each claim bumps the version, so an
// outcome from a worker whose lease lapsed no longer matches.
func (s *Store) ClaimDueDeliveries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.DeliveryAttempt, error) {
	var attempts []models.DeliveryAttempt
	err := s.db.SelectContext(ctx, &attempts, `
		UPDATE webhook_deliveries SET claimed_until = $2, version = version + 1
		WHERE id IN (
			SELECT id FROM webhook_deliveries
			WHERE status = 'pending' AND scheduled_at <= $1
			  AND (claimed_until IS NULL OR claimed_until < $1)
			ORDER BY scheduled_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED)
		RETURNING `+deliveryColumns, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim deliveries: %w", err)
	}
	return attempts, nil
}

// RecordDeliveryOutcome finalises an attempt, enqueues its follow-up and updates the
// subscription counters in one transaction
func (s *Store) RecordDeliveryOutcome(ctx context.Context, out DeliveryOutcome) (SubscriptionCounters, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return SubscriptionCounters{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	a := out.Attempt
	res, err := tx.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = $1, http_status = $2, error = $3, next_attempt_at = $4, completed_at = $5,
			claimed_until = NULL, version = version + 1
		WHERE id = $6 AND status = 'pending' AND version = $7`,
		a.Status, a.HTTPStatus, a.Error, a.NextAttemptAt, a.CompletedAt, a.ID, a.Version)
	if err != nil {
		return SubscriptionCounters{}, fmt.Errorf("failed to update delivery attempt: %w", mapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return SubscriptionCounters{}, fmt.Errorf("delivery attempt %s at version %d: %w", a.ID, a.Version, ErrConflict)
	}

	if out.Next != nil {
		if err := insertAttempt(ctx, tx, out.Next); err != nil {
			return SubscriptionCounters{}, err
		}
	}

	var counters SubscriptionCounters
	switch {
	case out.Skipped:
		err = tx.GetContext(ctx, &counters,
			"SELECT consecutive_failures, is_active FROM webhook_subscriptions WHERE id = $1", a.WebhookID)
	case out.Success:
		err = tx.GetContext(ctx, &counters, `
			UPDATE webhook_subscriptions
			SET success_count = success_count + 1, consecutive_failures = 0,
				last_triggered_at = $1, updated_at = NOW()
			WHERE id = $2
			RETURNING consecutive_failures, is_active`, out.At, a.WebhookID)
	default:
		err = tx.GetContext(ctx, &counters, `
			UPDATE webhook_subscriptions
			SET failure_count = failure_count + 1, consecutive_failures = consecutive_failures + 1,
				last_triggered_at = $1, last_failure_at = $1,
				is_active = CASE WHEN $3 > 0 AND consecutive_failures + 1 >= $3 THEN FALSE ELSE is_active END,
				updated_at = NOW()
			WHERE id = $2
			RETURNING consecutive_failures, is_active`, out.At, a.WebhookID, out.DeactivateAfter)
		counters.Deactivated = err == nil && out.DeactivateAfter > 0 &&
			counters.ConsecutiveFailures == out.DeactivateAfter
	}
	if errors.Is(err, sql.ErrNoRows) {
		return SubscriptionCounters{}, fmt.Errorf("webhook %s: %w", a.WebhookID, ErrNotFound)
	}
	if err != nil {
		return SubscriptionCounters{}, fmt.Errorf("failed to update webhook counters: %w", mapError(err))
	}

	if err := tx.Commit(); err != nil {
		return SubscriptionCounters{}, fmt.Errorf("failed to commit delivery outcome: %w", mapError(err))
	}
	a.Version++
	return counters, nil
}

// ListDeliveryAttempts returns the most recent attempts for a subscription
func (s *Store) ListDeliveryAttempts(ctx context.Context, webhookID string, limit int) ([]models.DeliveryAttempt, error) {
	var attempts []models.DeliveryAttempt
	err := s.db.SelectContext(ctx, &attempts, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE webhook_id = $1
		ORDER BY created_at DESC, attempt_number DESC
		LIMIT $2`, webhookID, limit)
	return attempts, err
}

// DeliveryStatusCounts counts attempts per status across all subscriptions
func (s *Store) DeliveryStatusCounts(ctx context.Context) (map[models.DeliveryStatus]int64, error) {
	var rows []struct {
		Status models.DeliveryStatus `db:"status"`
		Count  int64                 `db:"count"`
	}
	err := s.db.SelectContext(ctx, &rows,
		"SELECT status, COUNT(*) AS count FROM webhook_deliveries GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count deliveries: %w", err)
	}
	counts := make(map[models.DeliveryStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
