package models

// PaymentStatus is the gateway-facing state of a payment
type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusApproved PaymentStatus = "approved"
	PaymentStatusRejected PaymentStatus = "rejected"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// ApprovalDecision is the administrative disposition of a payment
type ApprovalDecision string

// Admin approval decisions
const (
	ApprovalPending  ApprovalDecision = "pending"
	ApprovalApproved ApprovalDecision = "approved"
	ApprovalRejected ApprovalDecision = "rejected"
)

// PaymentCommissionState mirrors whether the linked commission has been paid out
type PaymentCommissionState string

// Payment commission states
const (
	PaymentCommissionPending PaymentCommissionState = "pending"
	PaymentCommissionPaid    PaymentCommissionState = "paid"
)

// CommissionStatus is the closed set of commission lifecycle states
type CommissionStatus string

// Commission statuses
const (
	CommissionPending    CommissionStatus = "pending"
	CommissionApproved   CommissionStatus = "approved"
	CommissionProcessing CommissionStatus = "processing"
	CommissionPaid       CommissionStatus = "paid"
	CommissionRejected   CommissionStatus = "rejected"
	CommissionCancelled  CommissionStatus = "cancelled"
)

// AllCommissionStatuses lists every commission state
var AllCommissionStatuses = []CommissionStatus{
	CommissionPending,
	CommissionApproved,
	CommissionProcessing,
	CommissionPaid,
	CommissionRejected,
	CommissionCancelled,
}

// commissionTransitions is the directed graph of legal status changes.
// Terminal states have no outgoing edges.
var commissionTransitions = map[CommissionStatus][]CommissionStatus{
	CommissionPending:    {CommissionApproved, CommissionProcessing, CommissionRejected},
	CommissionApproved:   {CommissionProcessing, CommissionRejected},
	CommissionProcessing: {CommissionPaid, CommissionPending, CommissionCancelled},
}

// Valid reports whether s is a known status
func (s CommissionStatus) Valid() bool {
	for _, known := range AllCommissionStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s CommissionStatus) IsTerminal() bool {
	return s == CommissionPaid || s == CommissionRejected || s == CommissionCancelled
}

// CanTransitionTo reports whether next is reachable from s in one step
func (s CommissionStatus) CanTransitionTo(next CommissionStatus) bool {
	for _, allowed := range commissionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// DeliveryStatus is the state of a single webhook delivery attempt
type DeliveryStatus string

// Delivery statuses
const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryAbandoned DeliveryStatus = "abandoned"
)

// IsFinal reports whether the attempt will not be tried again
func (s DeliveryStatus) IsFinal() bool {
	return s != DeliveryPending
}
