package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"commission-engine/internal/models"
)

// ApprovePayment records an administrator's approval of a captured payment
func ApprovePayment(p models.Payment, actor, notes string, now time.Time) (models.Payment, error) {
	if p.AdminApproval != models.ApprovalPending || p.Status != models.PaymentStatusPaid {
		return models.Payment{}, invalidPayment("approve", p)
	}
	p.Status = models.PaymentStatusApproved
	p.AdminApproval = models.ApprovalApproved
	return decided(p, actor, notes, now), nil
}

// RejectPayment records an administrator's rejection of a captured payment
func RejectPayment(p models.Payment, actor, reason string, now time.Time) (models.Payment, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return models.Payment{}, ErrReasonRequired
	}
	if p.AdminApproval != models.ApprovalPending || p.Status != models.PaymentStatusPaid {
		return models.Payment{}, invalidPayment("reject", p)
	}
	p.Status = models.PaymentStatusRejected
	p.AdminApproval = models.ApprovalRejected
	return decided(p, actor, reason, now), nil
}

// RefundPayment marks a payment refunded by the gateway
func RefundPayment(p models.Payment, now time.Time) (models.Payment, error) {
	if p.Status == models.PaymentStatusRefunded {
		return models.Payment{}, invalidPayment("refund", p)
	}
	p.Status = models.PaymentStatusRefunded
	p.UpdatedAt = now
	return p, nil
}

// MarkPaymentCommissionPaid mirrors a completed payout onto the payment
func MarkPaymentCommissionPaid(p models.Payment, now time.Time) models.Payment {
	p.CommissionStatus = models.PaymentCommissionPaid
	p.UpdatedAt = now
	return p
}

func decided(p models.Payment, actor, notes string, now time.Time) models.Payment {
	if actor == "" {
		actor = SystemActor
	}
	p.DecidedBy = actor
	p.DecisionNotes = notes
	p.DecidedAt = timePtr(now)
	p.UpdatedAt = now
	return p
}

func invalidPayment(op string, p models.Payment) error {
	return fmt.Errorf("%w: cannot %s payment %s (status %s, approval %s)",
		ErrInvalidTransition, op, p.ID, p.Status, p.AdminApproval)
}
