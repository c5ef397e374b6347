// Package fraud computes an advisory risk score for a captured sale.
package fraud

import (
	"math"

	"github.com/shopspring/decimal"
)

// Weights is the relative importance of each signal
type Weights struct {
	ClickRatio      float64 `yaml:"click_ratio"`
	IPReuse         float64 `yaml:"ip_reuse"`
	AmountDeviation float64 `yaml:"amount_deviation"`
	Velocity        float64 `yaml:"velocity"`
}

// Config tunes the scorer
type Config struct {
	Weights Weights `yaml:"weights"`
	// MinClicksPerSale below which the click-to-sale ratio starts to look suspicious
	MinClicksPerSale float64 `yaml:"min_clicks_per_sale"`
	// IPResellerLimit is the number of distinct resellers sharing one IP that scores 1.0
	IPResellerLimit int64 `yaml:"ip_reseller_limit"`
	// ZScoreLimit is the amount deviation that scores 1.0
	ZScoreLimit float64 `yaml:"z_score_limit"`
	// VelocityLimit is the number of recent sales that scores 1.0
	VelocityLimit int64 `yaml:"velocity_limit"`
	// MinHistory is the number of past sales required before amount deviation counts
	MinHistory int64 `yaml:"min_history"`
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			ClickRatio:      0.35,
			IPReuse:         0.25,
			AmountDeviation: 0.20,
			Velocity:        0.20,
		},
		MinClicksPerSale: 10,
		IPResellerLimit:  3,
		ZScoreLimit:      3,
		VelocityLimit:    10,
		MinHistory:       5,
	}
}

// Transaction is everything the scorer knows about one sale
type Transaction struct {
	ResellerID string
	Amount     decimal.Decimal

	Clicks int64
	Sales  int64

	// IPResellers is the number of distinct resellers seen selling from the client IP
	IPResellers int64

	HistoryCount  int64
	HistoryMean   float64
	HistoryStdDev float64

	RecentSales int64
}

// Signals is the per-signal breakdown of a score, each in [0,1]
type Signals struct {
	ClickRatio      float64 `json:"click_ratio"`
	IPReuse         float64 `json:"ip_reuse"`
	AmountDeviation float64 `json:"amount_deviation"`
	Velocity        float64 `json:"velocity"`
}

// Assessment is a score with its breakdown
type Assessment struct {
	Score   float64 `json:"score"`
	Signals Signals `json:"signals"`
}

// Scorer is a pure risk function
type Scorer struct {
	cfg Config
}

// NewScorer creates a new scorer; zero-valued fields fall back to defaults
func NewScorer(cfg Config) *Scorer {
	def := DefaultConfig()
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	if cfg.MinClicksPerSale <= 0 {
		cfg.MinClicksPerSale = def.MinClicksPerSale
	}
	if cfg.IPResellerLimit <= 1 {
		cfg.IPResellerLimit = def.IPResellerLimit
	}
	if cfg.ZScoreLimit <= 0 {
		cfg.ZScoreLimit = def.ZScoreLimit
	}
	if cfg.VelocityLimit <= 0 {
		cfg.VelocityLimit = def.VelocityLimit
	}
	if cfg.MinHistory <= 0 {
		cfg.MinHistory = def.MinHistory
	}
	return &Scorer{cfg: cfg}
}

// Score returns the risk of tx in [0,1]
func (s *Scorer) Score(tx Transaction) float64 {
	return s.Assess(tx).Score
}

// Assess returns the score together with the signals it was built from
func (s *Scorer) Assess(tx Transaction) Assessment {
	sig := Signals{
		ClickRatio:      s.clickRatio(tx),
		IPReuse:         s.ipReuse(tx),
		AmountDeviation: s.amountDeviation(tx),
		Velocity:        clamp(float64(tx.RecentSales) / float64(s.cfg.VelocityLimit)),
	}

	w := s.cfg.Weights
	total := nonNegative(w.ClickRatio) + nonNegative(w.IPReuse) + nonNegative(w.AmountDeviation) + nonNegative(w.Velocity)
	if total == 0 {
		return Assessment{Signals: sig}
	}
	sum := nonNegative(w.ClickRatio)*sig.ClickRatio +
		nonNegative(w.IPReuse)*sig.IPReuse +
		nonNegative(w.AmountDeviation)*sig.AmountDeviation +
		nonNegative(w.Velocity)*sig.Velocity

	return Assessment{Score: clamp(sum / total), Signals: sig}
}

func (s *Scorer) clickRatio(tx Transaction) float64 {
	if tx.Sales <= 0 {
		return 0
	}
	if tx.Clicks <= 0 {
		return 1
	}
	ratio := float64(tx.Clicks) / float64(tx.Sales)
	return clamp(1 - ratio/s.cfg.MinClicksPerSale)
}

func (s *Scorer) ipReuse(tx Transaction) float64 {
	if tx.IPResellers <= 1 {
		return 0
	}
	return clamp(float64(tx.IPResellers-1) / float64(s.cfg.IPResellerLimit-1))
}

func (s *Scorer) amountDeviation(tx Transaction) float64 {
	if tx.HistoryCount < s.cfg.MinHistory {
		return 0
	}
	amount, _ := tx.Amount.Float64()
	diff := math.Abs(amount - tx.HistoryMean)
	if tx.HistoryStdDev <= 0 || math.IsNaN(tx.HistoryStdDev) {
		if diff == 0 {
			return 0
		}
		return 1
	}
	return clamp(diff / tx.HistoryStdDev / s.cfg.ZScoreLimit)
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func nonNegative(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}
