// Package lifecycle holds the commission and payment state machines as pure
// functions. Each transition takes the current record and returns the next
// record together with the side effects the caller must perform. Nothing here
// touches storage, the network or the clock.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"commission-engine/internal/models"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidTransition is returned when the current status does not allow the operation
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrReasonRequired is returned when a rejection or cancellation carries no reason
	ErrReasonRequired = errors.New("reason is required")

	// ErrAlreadyInReview is returned when flagging a commission that is already parked for review
	ErrAlreadyInReview = fmt.Errorf("%w: already under manual review", ErrInvalidTransition)
)

// Timeline actions
const (
	ActionCreated        = "created"
	ActionApproved       = "approved"
	ActionRejected       = "rejected"
	ActionProcessing     = "processing"
	ActionPaid           = "paid"
	ActionCancelled      = "cancelled"
	ActionDeferred       = "deferred"
	ActionManualReview   = "manual_review"
	ActionReviewReleased = "review_released"
)

// SystemActor is recorded for transitions not initiated by a person
const SystemActor = "system"

// EffectKind enumerates side effects requested by a transition
type EffectKind int

const (
	// EffectEmit asks the caller to publish a lifecycle event
	EffectEmit EffectKind = iota + 1
	// EffectAttemptPayout asks the caller to try paying the commission out now
	EffectAttemptPayout
)

// Effect is a side effect to perform after the new state has been persisted
type Effect struct {
	Kind      EffectKind
	EventType string
}

// Emit builds an EffectEmit for eventType
func Emit(eventType string) Effect {
	return Effect{Kind: EffectEmit, EventType: eventType}
}

// Result is the outcome of a commission transition
type Result struct {
	Commission models.Commission
	Effects    []Effect
}

// CreateInput carries everything needed to open a commission
type CreateInput struct {
	ID         string
	ResellerID string
	SaleID     string
	Amount     decimal.Decimal
	Rate       decimal.Decimal
	Currency   string
	MaxRetries int
	FraudScore float64
	Actor      string
}

// Create opens a commission in pending state
func Create(in CreateInput, now time.Time) Result {
	actor := in.Actor
	if actor == "" {
		actor = SystemActor
	}
	c := models.Commission{
		ID:               in.ID,
		ResellerID:       in.ResellerID,
		SaleID:           in.SaleID,
		CommissionAmount: in.Amount,
		CommissionRate:   in.Rate,
		Currency:         in.Currency,
		Status:           models.CommissionPending,
		MaxRetries:       in.MaxRetries,
		FraudScore:       in.FraudScore,
		Timeline: models.Timeline{{
			Action:    ActionCreated,
			Timestamp: now,
			Actor:     actor,
			Details:   fmt.Sprintf("commission %s at rate %s, fraud score %.2f", in.Amount.StringFixed(2), in.Rate.String(), in.FraudScore),
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	return Result{Commission: c, Effects: []Effect{Emit(models.EventCommissionCreated)}}
}

// Approve moves a fresh pending commission to approved and enqueues its payout
func Approve(c models.Commission, actor, notes string, now time.Time) (Result, error) {
	if c.Status != models.CommissionPending || c.RetryCount > 0 {
		return Result{}, invalid("approve", c)
	}
	next, err := move(c, models.CommissionApproved, now)
	if err != nil {
		return Result{}, err
	}
	next.NextRetryAt = timePtr(now)
	next.Timeline = append(next.Timeline, entry(ActionApproved, actor, notes, now))
	return Result{
		Commission: next,
		Effects:    []Effect{Emit(models.EventCommissionApproved), {Kind: EffectAttemptPayout}},
	}, nil
}

// Reject terminally rejects a pending or approved commission
func Reject(c models.Commission, actor, reason string, now time.Time) (Result, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Result{}, ErrReasonRequired
	}
	if c.Status != models.CommissionPending && c.Status != models.CommissionApproved {
		return Result{}, invalid("reject", c)
	}
	next, err := move(c, models.CommissionRejected, now)
	if err != nil {
		return Result{}, err
	}
	next.NextRetryAt = nil
	next.Timeline = append(next.Timeline, entry(ActionRejected, actor, reason, now))
	return Result{Commission: next, Effects: []Effect{Emit(models.EventCommissionRejected)}}, nil
}

// Claim takes a commission into processing for one payout attempt. Approved
// commissions and pending ones waiting on a retry may be claimed.
func Claim(c models.Commission, worker string, now time.Time) (Result, error) {
	claimable := c.Status == models.CommissionApproved ||
		(c.Status == models.CommissionPending && c.RetryCount > 0)
	if !claimable || c.ManualReview {
		return Result{}, invalid("claim", c)
	}
	next, err := move(c, models.CommissionProcessing, now)
	if err != nil {
		return Result{}, err
	}
	next.NextRetryAt = nil
	next.ClaimedAt = timePtr(now)
	next.Timeline = append(next.Timeline, entry(ActionProcessing, worker,
		fmt.Sprintf("payout attempt %d of %d", c.RetryCount+1, c.MaxRetries), now))
	return Result{Commission: next}, nil
}

// Reclaim takes over a processing claim whose worker went away. The balance
// credit is idempotent so the new owner may safely repeat it.
func Reclaim(c models.Commission, worker string, now time.Time) (Result, error) {
	if c.Status != models.CommissionProcessing {
		return Result{}, invalid("reclaim", c)
	}
	next := c.Clone()
	next.ClaimedAt = timePtr(now)
	next.UpdatedAt = now
	next.Timeline = append(next.Timeline, entry(ActionProcessing, worker, "resuming abandoned payout claim", now))
	return Result{Commission: next}, nil
}

// MarkPaid completes a payout
func MarkPaid(c models.Commission, proof string, now time.Time) (Result, error) {
	next, err := move(c, models.CommissionPaid, now)
	if err != nil {
		return Result{}, invalid("mark paid", c)
	}
	next.ClaimedAt = nil
	next.PaidAt = timePtr(now)
	if proof != "" {
		next.PaymentProof = &proof
	}
	next.Timeline = append(next.Timeline, entry(ActionPaid, SystemActor, proof, now))
	return Result{Commission: next, Effects: []Effect{Emit(models.EventCommissionPaid)}}, nil
}

// ScheduleRetry records a failed payout attempt. The commission returns to
// pending with a backoff, or is cancelled once retryCount reaches maxRetries.
func ScheduleRetry(c models.Commission, policy RetryPolicy, reason string, now time.Time) (Result, error) {
	if c.Status != models.CommissionProcessing {
		return Result{}, invalid("schedule retry for", c)
	}
	c = c.Clone()
	c.RetryCount++
	c.ClaimedAt = nil

	if c.RetryCount >= c.MaxRetries {
		next, err := move(c, models.CommissionCancelled, now)
		if err != nil {
			return Result{}, err
		}
		next.NextRetryAt = nil
		next.Timeline = append(next.Timeline, entry(ActionCancelled, SystemActor,
			fmt.Sprintf("retries exhausted after %d attempts: %s", next.RetryCount, reason), now))
		return Result{Commission: next, Effects: []Effect{Emit(models.EventCommissionCancelled)}}, nil
	}

	next, err := move(c, models.CommissionPending, now)
	if err != nil {
		return Result{}, err
	}
	next.NextRetryAt = timePtr(now.Add(policy.Delay(next.RetryCount)))
	next.Timeline = append(next.Timeline, entry(ActionProcessing, SystemActor,
		fmt.Sprintf("retry %d of %d scheduled: %s", next.RetryCount, next.MaxRetries, reason), now))
	return Result{Commission: next}, nil
}

// Cancel ends an in-flight payout that hit a fatal error and routes it to manual review
func Cancel(c models.Commission, actor, reason string, now time.Time) (Result, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Result{}, ErrReasonRequired
	}
	next, err := move(c, models.CommissionCancelled, now)
	if err != nil {
		return Result{}, invalid("cancel", c)
	}
	next.ClaimedAt = nil
	next.NextRetryAt = nil
	next.ManualReview = true
	next.ReviewReason = reason
	next.Timeline = append(next.Timeline, entry(ActionCancelled, actor, reason, now))
	return Result{Commission: next, Effects: []Effect{Emit(models.EventCommissionCancelled)}}, nil
}

// FlagForReview parks a commission awaiting payout until an administrator releases it
func FlagForReview(c models.Commission, reason string, now time.Time) (Result, error) {
	if c.Status != models.CommissionApproved && c.Status != models.CommissionPending {
		return Result{}, invalid("flag", c)
	}
	if c.ManualReview {
		return Result{}, fmt.Errorf("commission %s: %w", c.ID, ErrAlreadyInReview)
	}
	next := c.Clone()
	next.ManualReview = true
	next.ReviewReason = reason
	next.NextRetryAt = nil
	next.UpdatedAt = now
	next.Timeline = append(next.Timeline, entry(ActionManualReview, SystemActor, reason, now))
	return Result{Commission: next}, nil
}

// ReleaseReview clears a manual review flag and requests an immediate payout
func ReleaseReview(c models.Commission, actor string, now time.Time) (Result, error) {
	if !c.ManualReview || (c.Status != models.CommissionApproved && c.Status != models.CommissionPending) {
		return Result{}, invalid("release", c)
	}
	next := c.Clone()
	next.ManualReview = false
	next.ReviewReason = ""
	next.NextRetryAt = timePtr(now)
	next.UpdatedAt = now
	next.Timeline = append(next.Timeline, entry(ActionReviewReleased, actor, "", now))
	return Result{Commission: next, Effects: []Effect{{Kind: EffectAttemptPayout}}}, nil
}

// ReviewCleared reports whether an administrator has already released this commission
func ReviewCleared(c models.Commission) bool {
	for _, e := range c.Timeline {
		if e.Action == ActionReviewReleased {
			return true
		}
	}
	return false
}

// Defer postpones the payout of an approved commission, leaving it for the retry sweep
func Defer(c models.Commission, delay time.Duration, reason string, now time.Time) (Result, error) {
	if c.Status != models.CommissionApproved {
		return Result{}, invalid("defer", c)
	}
	next := c.Clone()
	next.NextRetryAt = timePtr(now.Add(delay))
	next.UpdatedAt = now
	next.Timeline = append(next.Timeline, entry(ActionDeferred, SystemActor, reason, now))
	return Result{Commission: next}, nil
}

func move(c models.Commission, to models.CommissionStatus, now time.Time) (models.Commission, error) {
	if !c.Status.CanTransitionTo(to) {
		return models.Commission{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}
	next := c.Clone()
	next.Status = to
	next.UpdatedAt = now
	return next, nil
}

func invalid(op string, c models.Commission) error {
	if c.ManualReview && !c.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot %s commission %s under manual review", ErrInvalidTransition, op, c.ID)
	}
	return fmt.Errorf("%w: cannot %s commission %s in status %s", ErrInvalidTransition, op, c.ID, c.Status)
}

func entry(action, actor, details string, now time.Time) models.TimelineEntry {
	if actor == "" {
		actor = SystemActor
	}
	return models.TimelineEntry{Action: action, Timestamp: now, Actor: actor, Details: details}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
