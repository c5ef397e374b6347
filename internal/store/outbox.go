package store

import (
	"context"
	"fmt"
	"time"

	"commission-engine/internal/models"

	"github.com/jmoiron/sqlx"
)

const outboxColumns = `event_id, event_type, aggregate_id, payload, occurred_at, claimed_until, dispatched_at`

// withOutbox runs write and records events in the same transaction. Without
// events write runs directly on the pool.
func (s *Store) withOutbox(ctx context.Context, events []models.OutboxEvent, write func(sqlx.ExtContext) error) error {
	if len(events) == 0 {
		return write(s.db)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := write(tx); err != nil {
		return err
	}
	if err := insertOutboxEvents(ctx, tx, events); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", mapError(err))
	}
	return nil
}

func insertOutboxEvents(ctx context.Context, db sqlx.ExecerContext, events []models.OutboxEvent) error {
	for _, e := range events {
		_, err := db.ExecContext(ctx, `
			INSERT INTO outbox_events (event_id, event_type, aggregate_id, payload, occurred_at, claimed_until)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			e.EventID, e.EventType, e.AggregateID, e.Payload, e.OccurredAt, e.ClaimedUntil)
		if err != nil {
			return fmt.Errorf("failed to insert outbox event: %w", mapError(err))
		}
	}
	return nil
}

// ClaimOutboxEvents leases up to limit undispatched events whose previous claim
// has lapsed, oldest first. Rows locked by another relay are skipped.
func (s *Store) ClaimOutboxEvents(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.OutboxEvent, error) {
	var events []models.OutboxEvent
	err := s.db.SelectContext(ctx, &events, `
		UPDATE outbox_events SET claimed_until = $2
		WHERE event_id IN (
			SELECT event_id FROM outbox_events
			WHERE dispatched_at IS NULL
			  AND (claimed_until IS NULL OR claimed_until < $1)
			ORDER BY occurred_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED)
		RETURNING `+outboxColumns, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}
	return events, nil
}

// CompleteOutboxEvent marks an event dispatched and enqueues its first delivery
// attempts in one transaction. It reports false when another relay got there first.
func (s *Store) CompleteOutboxEvent(ctx context.Context, eventID string, attempts []models.DeliveryAttempt, at time.Time) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE outbox_events SET dispatched_at = $1, claimed_until = NULL
		WHERE event_id = $2 AND dispatched_at IS NULL`, at, eventID)
	if err != nil {
		return false, fmt.Errorf("failed to complete outbox event: %w", mapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	for i := range attempts {
		if err := insertAttempt(ctx, tx, &attempts[i]); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit outbox event: %w", mapError(err))
	}
	return true, nil
}

// PendingOutboxEvents counts events not yet dispatched
func (s *Store) PendingOutboxEvents(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM outbox_events WHERE dispatched_at IS NULL")
	return n, err
}
