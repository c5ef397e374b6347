package service

import (
	"context"
	"time"

	"commission-engine/config"
	"commission-engine/internal/fraud"
	"commission-engine/internal/models"
	"commission-engine/internal/util"

	"go.uber.org/zap"
)

// FraudSignals gathers scorer inputs from the ledger and from the signal
// source. Without a signal source the click and IP signals read as clean.
type FraudSignals struct {
	ledger  Ledger
	signals SignalSource
	scorer  *fraud.Scorer
	cfg     config.FraudConfig
	now     func() time.Time
	logger  *zap.Logger
}

// NewFraudSignals creates a new fraud signal gatherer. signals may be nil.
func NewFraudSignals(ledger Ledger, signals SignalSource, cfg config.FraudConfig) *FraudSignals {
	return &FraudSignals{
		ledger:  ledger,
		signals: signals,
		scorer:  fraud.NewScorer(cfg.Config),
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  util.GetLogger(),
	}
}

// RecordCapture remembers which reseller sold from the payment's client IP
func (fs *FraudSignals) RecordCapture(ctx context.Context, p *models.Payment) {
	if fs.signals == nil || p.ClientIP == "" {
		return
	}
	if _, err := fs.signals.RecordSaleIP(ctx, p.ClientIP, p.ResellerID, fs.cfg.IPTTL); err != nil {
		fs.logger.Warn("Failed to record sale IP",
			zap.String("payment_id", p.ID),
			zap.Error(err))
	}
}

// RecordClick counts a referral click for a reseller
func (fs *FraudSignals) RecordClick(ctx context.Context, resellerID string) (int64, error) {
	if err := required("reseller_id", resellerID); err != nil {
		return 0, err
	}
	if fs.signals == nil {
		return 0, nil
	}
	return fs.signals.RecordClick(ctx, resellerID, fs.cfg.ClickWindow)
}

// Assess scores a payment. Signal lookups that fail are logged and scored as clean.
func (fs *FraudSignals) Assess(ctx context.Context, p *models.Payment) fraud.Assessment {
	ctx, span := util.StartSpan(ctx, "FraudSignals.Assess")
	defer span.End()

	now := fs.now()
	tx := fraud.Transaction{ResellerID: p.ResellerID, Amount: p.Amount}

	stats, err := fs.ledger.ResellerPaymentStats(ctx, p.ResellerID, p.ID, now.Add(-fs.cfg.VelocityWindow))
	if err != nil {
		fs.logger.Warn("Failed to load reseller payment stats", zap.String("payment_id", p.ID), zap.Error(err))
	} else {
		tx.HistoryCount = stats.Count
		tx.HistoryMean = stats.Mean
		tx.HistoryStdDev = stats.StdDev
		tx.RecentSales = stats.Recent
	}

	if fs.signals != nil {
		fs.clickSignal(ctx, p, now, &tx)
		if p.ClientIP != "" {
			n, err := fs.signals.IPResellerCount(ctx, p.ClientIP)
			if err != nil {
				fs.logger.Warn("Failed to read IP reseller count", zap.String("payment_id", p.ID), zap.Error(err))
			}
			tx.IPResellers = n
		}
	}

	assessment := fs.scorer.Assess(tx)
	util.FraudScore.Observe(assessment.Score)
	fs.logger.Debug("Fraud assessment",
		zap.String("payment_id", p.ID),
		zap.Float64("score", assessment.Score),
		zap.Any("signals", assessment.Signals))
	return assessment
}

// clickSignal compares clicks and sales over the same window
func (fs *FraudSignals) clickSignal(ctx context.Context, p *models.Payment, now time.Time, tx *fraud.Transaction) {
	clicks, err := fs.signals.ClickCount(ctx, p.ResellerID)
	if err != nil {
		fs.logger.Warn("Failed to read click count", zap.String("payment_id", p.ID), zap.Error(err))
		return
	}
	window, err := fs.ledger.ResellerPaymentStats(ctx, p.ResellerID, p.ID, now.Add(-fs.cfg.ClickWindow))
	if err != nil {
		fs.logger.Warn("Failed to load click window sales", zap.String("payment_id", p.ID), zap.Error(err))
		return
	}
	tx.Clicks = clicks
	tx.Sales = window.Recent + 1
}
