package lifecycle

import (
	"math"
	"time"
)

// RetryPolicy controls how long a failed payout waits before the next attempt
type RetryPolicy struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// DefaultRetryPolicy waits 1h, 2h, 4h ... capped at 24h
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  time.Hour,
		Multiplier: 2,
		MaxDelay:   24 * time.Hour,
	}
}

// Delay returns the wait before retry n (1-based)
func (p RetryPolicy) Delay(n int) time.Duration {
	return Backoff(p.BaseDelay, p.Multiplier, p.MaxDelay, n)
}

// Backoff computes min(initial * multiplier^(n-1), max) for n >= 1
func Backoff(initial time.Duration, multiplier float64, max time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if multiplier < 1 {
		multiplier = 1
	}
	d := float64(initial) * math.Pow(multiplier, float64(n-1))
	if max > 0 && (d > float64(max) || math.IsInf(d, 0) || math.IsNaN(d)) {
		return max
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
