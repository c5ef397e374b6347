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

const paymentColumns = `id, reseller_id, product_id, amount, currency, captured_at, status, admin_approval,
	commission_amount, commission_status, client_ip, decided_by, decision_notes, decided_at,
	version, created_at, updated_at`

// PaymentStats summarises a reseller's past captured payments
type PaymentStats struct {
	Count  int64   `db:"count"`
	Mean   float64 `db:"mean"`
	StdDev float64 `db:"stddev"`
	Recent int64   `db:"recent"`
}

// CreatePayment inserts a captured payment and records events with it. A second
// capture of the same id loads the stored record into p, records nothing and
// returns ErrAlreadyExists.
func (s *Store) CreatePayment(ctx context.Context, p *models.Payment, events ...models.OutboxEvent) error {
	query := `
		INSERT INTO payments (id, reseller_id, product_id, amount, currency, captured_at, status,
			admin_approval, commission_amount, commission_status, client_ip)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
		RETURNING version, created_at, updated_at`

	err := s.withOutbox(ctx, events, func(q sqlx.ExtContext) error {
		err := q.QueryRowxContext(ctx, query,
			p.ID, p.ResellerID, p.ProductID, p.Amount, p.Currency, p.CapturedAt, p.Status,
			p.AdminApproval, p.CommissionAmount, p.CommissionStatus, p.ClientIP,
		).Scan(&p.Version, &p.CreatedAt, &p.UpdatedAt)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to insert payment: %w", mapError(err))
		}
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := s.GetPayment(ctx, p.ID)
		if getErr != nil {
			return getErr
		}
		*p = *existing
		return ErrAlreadyExists
	}
	return err
}

// GetPayment retrieves a payment by ID
func (s *Store) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	var p models.Payment
	err := s.db.GetContext(ctx, &p, "SELECT "+paymentColumns+" FROM payments WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePayment writes p if its version still matches, records events in the
// same transaction and bumps the version
func (s *Store) UpdatePayment(ctx context.Context, p *models.Payment, events ...models.OutboxEvent) error {
	err := s.withOutbox(ctx, events, func(q sqlx.ExtContext) error {
		return updatePayment(ctx, q, p)
	})
	if err != nil {
		return err
	}
	p.Version++
	return nil
}

// updatePayment leaves p.Version alone; callers bump it once the write commits
func updatePayment(ctx context.Context, db sqlx.ExecerContext, p *models.Payment) error {
	res, err := db.ExecContext(ctx, `
		UPDATE payments SET status = $1, admin_approval = $2, commission_amount = $3,
			commission_status = $4, decided_by = $5, decision_notes = $6, decided_at = $7,
			version = version + 1, updated_at = $8
		WHERE id = $9 AND version = $10`,
		p.Status, p.AdminApproval, p.CommissionAmount, p.CommissionStatus, p.DecidedBy,
		p.DecisionNotes, p.DecidedAt, p.UpdatedAt, p.ID, p.Version)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", mapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("payment %s at version %d: %w", p.ID, p.Version, ErrConflict)
	}
	return nil
}

// ListApprovedPaymentsWithoutCommission returns approved payments that have no commission yet
func (s *Store) ListApprovedPaymentsWithoutCommission(ctx context.Context, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments, `
		SELECT `+paymentColumns+` FROM payments p
		WHERE p.admin_approval = 'approved'
		  AND NOT EXISTS (SELECT 1 FROM commissions c WHERE c.sale_id = p.id)
		ORDER BY p.decided_at
		LIMIT $1`, limit)
	return payments, err
}

// ResellerPaymentStats computes amount statistics over a reseller's captured payments,
// excluding the payment being scored
func (s *Store) ResellerPaymentStats(ctx context.Context, resellerID, excludePaymentID string, recentSince time.Time) (PaymentStats, error) {
	var stats PaymentStats
	err := s.db.GetContext(ctx, &stats, `
		SELECT COUNT(*) AS count,
			COALESCE(AVG(amount), 0)::float8 AS mean,
			COALESCE(STDDEV_POP(amount), 0)::float8 AS stddev,
			COUNT(*) FILTER (WHERE captured_at >= $3) AS recent
		FROM payments
		WHERE reseller_id = $1 AND id <> $2`,
		resellerID, excludePaymentID, recentSince)
	if err != nil {
		return PaymentStats{}, fmt.Errorf("failed to load payment stats: %w", err)
	}
	return stats, nil
}

// IsEventProcessed checks if an inbound event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an inbound event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
