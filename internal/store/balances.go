package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"commission-engine/internal/models"

	"github.com/shopspring/decimal"
)

const balanceColumns = `reseller_id, payout_destination, balance, total_earnings, total_sales, version, updated_at`

// UpsertReseller registers a reseller or updates its payout destination
func (s *Store) UpsertReseller(ctx context.Context, resellerID, payoutDestination string) (*models.ResellerBalance, error) {
	var rb models.ResellerBalance
	err := s.db.GetContext(ctx, &rb, `
		INSERT INTO reseller_balances (reseller_id, payout_destination)
		VALUES ($1, $2)
		ON CONFLICT (reseller_id) DO UPDATE
		SET payout_destination = EXCLUDED.payout_destination,
			version = reseller_balances.version + 1,
			updated_at = NOW()
		RETURNING `+balanceColumns, resellerID, payoutDestination)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert reseller: %w", mapError(err))
	}
	rb.AppliedCommissionIDs = []string{}
	return &rb, nil
}

// GetReseller retrieves a reseller balance together with the commissions applied to it
func (s *Store) GetReseller(ctx context.Context, resellerID string) (*models.ResellerBalance, error) {
	var rb models.ResellerBalance
	err := s.db.GetContext(ctx, &rb,
		"SELECT "+balanceColumns+" FROM reseller_balances WHERE reseller_id = $1", resellerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", resellerID, ErrResellerNotFound)
	}
	if err != nil {
		return nil, err
	}

	rb.AppliedCommissionIDs = []string{}
	err = s.db.SelectContext(ctx, &rb.AppliedCommissionIDs,
		"SELECT commission_id FROM applied_commissions WHERE reseller_id = $1 ORDER BY applied_at", resellerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load applied commissions: %w", err)
	}
	return &rb, nil
}

// ApplyCommission credits amount to the reseller at most once per commission.
// The applied-set insert and the balance increment share one transaction;
// applied is false when the commission had already been credited.
func (s *Store) ApplyCommission(ctx context.Context, resellerID, commissionID string, amount decimal.Decimal) (applied bool, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.GetContext(ctx, &exists,
		"SELECT TRUE FROM reseller_balances WHERE reseller_id = $1 FOR UPDATE", resellerID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%s: %w", resellerID, ErrResellerNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock reseller balance: %w", mapError(err))
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO applied_commissions (commission_id, reseller_id, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (commission_id) DO NOTHING`,
		commissionID, resellerID, amount)
	if err != nil {
		return false, fmt.Errorf("failed to record applied commission: %w", mapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE reseller_balances
		SET balance = balance + $1, total_earnings = total_earnings + $1, total_sales = total_sales + 1,
			version = version + 1, updated_at = NOW()
		WHERE reseller_id = $2`,
		amount, resellerID)
	if err != nil {
		return false, fmt.Errorf("failed to credit balance: %w", mapError(err))
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit balance credit: %w", mapError(err))
	}
	return true, nil
}
