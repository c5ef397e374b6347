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

const commissionColumns = `id, reseller_id, sale_id, commission_amount, commission_rate, currency, status,
	retry_count, max_retries, next_retry_at, payment_proof, fraud_score, manual_review, review_reason,
	claimed_at, paid_at, timeline, version, created_at, updated_at`

const insertCommission = `
	INSERT INTO commissions (id, reseller_id, sale_id, commission_amount, commission_rate, currency,
		status, retry_count, max_retries, next_retry_at, fraud_score, manual_review, review_reason,
		timeline, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	ON CONFLICT (sale_id) DO NOTHING
	RETURNING version`

// CreateCommission inserts a commission and records events with it. Commissions
// are unique per sale: a duplicate loads the stored record into c, records
// nothing and returns ErrAlreadyExists.
func (s *Store) CreateCommission(ctx context.Context, c *models.Commission, events ...models.OutboxEvent) error {
	return s.withOutbox(ctx, events, func(q sqlx.ExtContext) error {
		created, err := createCommission(ctx, q, c)
		if err != nil {
			return err
		}
		if !created {
			return ErrAlreadyExists
		}
		return nil
	})
}

func createCommission(ctx context.Context, q sqlx.QueryerContext, c *models.Commission) (bool, error) {
	err := sqlx.GetContext(ctx, q, &c.Version, insertCommission,
		c.ID, c.ResellerID, c.SaleID, c.CommissionAmount, c.CommissionRate, c.Currency,
		c.Status, c.RetryCount, c.MaxRetries, c.NextRetryAt, c.FraudScore, c.ManualReview,
		c.ReviewReason, c.Timeline, c.CreatedAt, c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		var existing models.Commission
		if err := sqlx.GetContext(ctx, q, &existing,
			"SELECT "+commissionColumns+" FROM commissions WHERE sale_id = $1", c.SaleID); err != nil {
			return false, fmt.Errorf("failed to load existing commission: %w", err)
		}
		*c = existing
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert commission: %w", mapError(err))
	}
	return true, nil
}

// GetCommission retrieves a commission by ID
func (s *Store) GetCommission(ctx context.Context, id string) (*models.Commission, error) {
	var c models.Commission
	err := s.db.GetContext(ctx, &c, "SELECT "+commissionColumns+" FROM commissions WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("commission %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCommissionBySaleID retrieves the commission for a sale
func (s *Store) GetCommissionBySaleID(ctx context.Context, saleID string) (*models.Commission, error) {
	var c models.Commission
	err := s.db.GetContext(ctx, &c, "SELECT "+commissionColumns+" FROM commissions WHERE sale_id = $1", saleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("commission for sale %s: %w", saleID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateCommission writes c if its version still matches, records events in the
// same transaction and bumps the version. Two writers racing on the same
// commission see exactly one success.
func (s *Store) UpdateCommission(ctx context.Context, c *models.Commission, events ...models.OutboxEvent) error {
	err := s.withOutbox(ctx, events, func(q sqlx.ExtContext) error {
		return updateCommission(ctx, q, c)
	})
	if err != nil {
		return err
	}
	c.Version++
	return nil
}

func updateCommission(ctx context.Context, db sqlx.ExecerContext, c *models.Commission) error {
	res, err := db.ExecContext(ctx, `
		UPDATE commissions SET status = $1, retry_count = $2, next_retry_at = $3, payment_proof = $4,
			manual_review = $5, review_reason = $6, claimed_at = $7, paid_at = $8, timeline = $9,
			version = version + 1, updated_at = $10
		WHERE id = $11 AND version = $12`,
		c.Status, c.RetryCount, c.NextRetryAt, c.PaymentProof, c.ManualReview, c.ReviewReason,
		c.ClaimedAt, c.PaidAt, c.Timeline, c.UpdatedAt, c.ID, c.Version)
	if err != nil {
		return fmt.Errorf("failed to update commission: %w", mapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("commission %s at version %d: %w", c.ID, c.Version, ErrConflict)
	}
	return nil
}

// ApprovePaymentWithCommission records a payment decision and opens its commission
// in one transaction, together with paymentEvents and, when the commission is
// new, commissionEvents. If the sale already has a commission it is loaded into c
// and created is false; the payment update still commits.
func (s *Store) ApprovePaymentWithCommission(ctx context.Context, p *models.Payment, c *models.Commission, paymentEvents, commissionEvents []models.OutboxEvent) (created bool, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := updatePayment(ctx, tx, p); err != nil {
		return false, err
	}
	if created, err = createCommission(ctx, tx, c); err != nil {
		return false, err
	}

	events := paymentEvents
	if created {
		events = append(append([]models.OutboxEvent(nil), paymentEvents...), commissionEvents...)
	}
	if err := insertOutboxEvents(ctx, tx, events); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit approval: %w", mapError(err))
	}
	p.Version++
	return created, nil
}

// ListDueCommissions returns commissions waiting on a payout attempt whose time has come
func (s *Store) ListDueCommissions(ctx context.Context, now time.Time, limit int) ([]models.Commission, error) {
	var commissions []models.Commission
	err := s.db.SelectContext(ctx, &commissions, `
		SELECT `+commissionColumns+` FROM commissions
		WHERE (status = 'approved' OR (status = 'pending' AND retry_count > 0))
		  AND NOT manual_review
		  AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT $2`, now, limit)
	return commissions, err
}

// ListStaleProcessing returns commissions claimed for payout before cutoff that never finished
func (s *Store) ListStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]models.Commission, error) {
	var commissions []models.Commission
	err := s.db.SelectContext(ctx, &commissions, `
		SELECT `+commissionColumns+` FROM commissions
		WHERE status = 'processing' AND claimed_at < $1
		ORDER BY claimed_at
		LIMIT $2`, cutoff, limit)
	return commissions, err
}

// ListCommissionsForReview returns non-terminal commissions parked for manual review
func (s *Store) ListCommissionsForReview(ctx context.Context, limit int) ([]models.Commission, error) {
	var commissions []models.Commission
	err := s.db.SelectContext(ctx, &commissions, `
		SELECT `+commissionColumns+` FROM commissions
		WHERE manual_review
		ORDER BY updated_at
		LIMIT $1`, limit)
	return commissions, err
}
