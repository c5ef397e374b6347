package service

import (
	"context"
	"errors"
	"fmt"

	"commission-engine/internal/store"
	"commission-engine/internal/util"

	"go.uber.org/zap"
)

// BalanceMutator is the only writer of reseller balances
type BalanceMutator struct {
	ledger Ledger
	logger *zap.Logger
}

// NewBalanceMutator creates a new balance mutator
func NewBalanceMutator(ledger Ledger) *BalanceMutator {
	return &BalanceMutator{
		ledger: ledger,
		logger: util.GetLogger(),
	}
}

// ApplyCommission credits a commission to its reseller. Applying the same
// commission again is a successful no-op reported as applied=false.
func (bm *BalanceMutator) ApplyCommission(ctx context.Context, commissionID string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "BalanceMutator.ApplyCommission")
	defer span.End()

	c, err := bm.ledger.GetCommission(ctx, commissionID)
	if err != nil {
		return false, fmt.Errorf("failed to load commission: %w", err)
	}

	applied, err := bm.ledger.ApplyCommission(ctx, c.ResellerID, c.ID, c.CommissionAmount)
	switch {
	case errors.Is(err, store.ErrResellerNotFound):
		util.BalanceApplicationsTotal.WithLabelValues("reseller_not_found").Inc()
		return false, fmt.Errorf("%w: %w", ErrFatal, err)
	case err != nil:
		util.BalanceApplicationsTotal.WithLabelValues("error").Inc()
		util.RecordError(span, err)
		return false, fmt.Errorf("failed to apply commission: %w", err)
	}

	if !applied {
		util.BalanceApplicationsTotal.WithLabelValues("duplicate").Inc()
		bm.logger.Info("Commission already applied", zap.String("commission_id", c.ID))
		return false, nil
	}

	util.BalanceApplicationsTotal.WithLabelValues("applied").Inc()
	bm.logger.Info("Commission applied to balance",
		zap.String("commission_id", c.ID),
		zap.String("reseller_id", c.ResellerID),
		zap.String("amount", c.CommissionAmount.StringFixed(2)))
	return true, nil
}
