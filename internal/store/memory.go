package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"commission-engine/internal/models"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps the ledger in process memory with the same contract as
// Store. It backs single-process deployments and tests.
type MemoryStore struct {
	mu sync.Mutex

	payments    map[string]models.Payment
	commissions map[string]models.Commission
	bySale      map[string]string
	balances    map[string]models.ResellerBalance
	applied     map[string]string
	appliedLog  map[string][]string
	webhooks    map[string]models.WebhookSubscription
	deliveries  map[string]models.DeliveryAttempt
	outbox      map[string]models.OutboxEvent
	processed   map[string]string
	seq         int64
	createdSeq  map[string]int64
}

// NewMemoryStore creates an empty in-memory ledger
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:    make(map[string]models.Payment),
		commissions: make(map[string]models.Commission),
		bySale:      make(map[string]string),
		balances:    make(map[string]models.ResellerBalance),
		applied:     make(map[string]string),
		appliedLog:  make(map[string][]string),
		webhooks:    make(map[string]models.WebhookSubscription),
		deliveries:  make(map[string]models.DeliveryAttempt),
		outbox:      make(map[string]models.OutboxEvent),
		processed:   make(map[string]string),
		createdSeq:  make(map[string]int64),
	}
}

// Ping always succeeds
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) next(key string) {
	m.seq++
	m.createdSeq[key] = m.seq
}

// CreatePayment inserts a captured payment and records events with it
func (m *MemoryStore) CreatePayment(ctx context.Context, p *models.Payment, events ...models.OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.payments[p.ID]; ok {
		*p = existing
		return ErrAlreadyExists
	}
	now := time.Now().UTC()
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = now, now
	m.payments[p.ID] = *p
	m.next("payment:" + p.ID)
	m.insertOutboxLocked(events)
	return nil
}

// GetPayment retrieves a payment by ID
func (m *MemoryStore) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

// UpdatePayment writes p if its version still matches and records events with it
func (m *MemoryStore) UpdatePayment(ctx context.Context, p *models.Payment, events ...models.OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.updatePaymentLocked(p); err != nil {
		return err
	}
	m.insertOutboxLocked(events)
	return nil
}

func (m *MemoryStore) updatePaymentLocked(p *models.Payment) error {
	current, ok := m.payments[p.ID]
	if !ok || current.Version != p.Version {
		return fmt.Errorf("payment %s at version %d: %w", p.ID, p.Version, ErrConflict)
	}
	stored := *p
	stored.Version++
	stored.CreatedAt = current.CreatedAt
	m.payments[p.ID] = stored
	p.Version = stored.Version
	return nil
}

// ListApprovedPaymentsWithoutCommission returns approved payments that have no commission yet
func (m *MemoryStore) ListApprovedPaymentsWithoutCommission(ctx context.Context, limit int) ([]models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Payment
	for _, p := range m.payments {
		if p.AdminApproval != models.ApprovalApproved {
			continue
		}
		if _, ok := m.bySale[p.ID]; ok {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return m.createdSeq["payment:"+out[i].ID] < m.createdSeq["payment:"+out[j].ID]
	})
	return truncate(out, limit), nil
}

// ResellerPaymentStats computes amount statistics over a reseller's captured payments
func (m *MemoryStore) ResellerPaymentStats(ctx context.Context, resellerID, excludePaymentID string, recentSince time.Time) (PaymentStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats PaymentStats
	var amounts []float64
	for _, p := range m.payments {
		if p.ResellerID != resellerID || p.ID == excludePaymentID {
			continue
		}
		f, _ := p.Amount.Float64()
		amounts = append(amounts, f)
		if !p.CapturedAt.Before(recentSince) {
			stats.Recent++
		}
	}
	stats.Count = int64(len(amounts))
	if stats.Count == 0 {
		return stats, nil
	}
	var sum float64
	for _, a := range amounts {
		sum += a
	}
	stats.Mean = sum / float64(stats.Count)
	var sq float64
	for _, a := range amounts {
		sq += (a - stats.Mean) * (a - stats.Mean)
	}
	stats.StdDev = math.Sqrt(sq / float64(stats.Count))
	return stats, nil
}

// IsEventProcessed checks if an inbound event has been processed
func (m *MemoryStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processed[eventID]
	return ok, nil
}

// MarkEventProcessed marks an inbound event as processed
func (m *MemoryStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[eventID] = eventType
	return nil
}

// CreateCommission inserts a commission, unique per sale, and records events with it
func (m *MemoryStore) CreateCommission(ctx context.Context, c *models.Commission, events ...models.OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.createCommissionLocked(c) {
		return ErrAlreadyExists
	}
	m.insertOutboxLocked(events)
	return nil
}

func (m *MemoryStore) createCommissionLocked(c *models.Commission) bool {
	if id, ok := m.bySale[c.SaleID]; ok {
		*c = m.commissions[id].Clone()
		return false
	}
	c.Version = 1
	m.commissions[c.ID] = c.Clone()
	m.bySale[c.SaleID] = c.ID
	m.next("commission:" + c.ID)
	return true
}

// GetCommission retrieves a commission by ID
func (m *MemoryStore) GetCommission(ctx context.Context, id string) (*models.Commission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.commissions[id]
	if !ok {
		return nil, fmt.Errorf("commission %s: %w", id, ErrNotFound)
	}
	out := c.Clone()
	return &out, nil
}

// GetCommissionBySaleID retrieves the commission for a sale
func (m *MemoryStore) GetCommissionBySaleID(ctx context.Context, saleID string) (*models.Commission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.bySale[saleID]
	if !ok {
		return nil, fmt.Errorf("commission for sale %s: %w", saleID, ErrNotFound)
	}
	out := m.commissions[id].Clone()
	return &out, nil
}

// UpdateCommission writes c if its version still matches and records events with it
func (m *MemoryStore) UpdateCommission(ctx context.Context, c *models.Commission, events ...models.OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.commissions[c.ID]
	if !ok || current.Version != c.Version {
		return fmt.Errorf("commission %s at version %d: %w", c.ID, c.Version, ErrConflict)
	}
	stored := c.Clone()
	stored.Version++
	stored.CreatedAt = current.CreatedAt
	m.commissions[c.ID] = stored
	c.Version = stored.Version
	m.insertOutboxLocked(events)
	return nil
}

// ApprovePaymentWithCommission records a payment decision and opens its commission
// atomically. commissionEvents are recorded only when the commission is new.
func (m *MemoryStore) ApprovePaymentWithCommission(ctx context.Context, p *models.Payment, c *models.Commission, paymentEvents, commissionEvents []models.OutboxEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.updatePaymentLocked(p); err != nil {
		return false, err
	}
	m.insertOutboxLocked(paymentEvents)
	created := m.createCommissionLocked(c)
	if created {
		m.insertOutboxLocked(commissionEvents)
	}
	return created, nil
}

// ListDueCommissions returns commissions waiting on a payout attempt whose time has come
func (m *MemoryStore) ListDueCommissions(ctx context.Context, now time.Time, limit int) ([]models.Commission, error) {
	return m.selectCommissions(limit, func(c models.Commission) bool {
		due := c.Status == models.CommissionApproved ||
			(c.Status == models.CommissionPending && c.RetryCount > 0)
		return due && !c.ManualReview && c.NextRetryAt != nil && !c.NextRetryAt.After(now)
	}, func(c models.Commission) time.Time { return *c.NextRetryAt })
}

// ListStaleProcessing returns commissions claimed for payout before cutoff that never finished
func (m *MemoryStore) ListStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]models.Commission, error) {
	return m.selectCommissions(limit, func(c models.Commission) bool {
		return c.Status == models.CommissionProcessing && c.ClaimedAt != nil && c.ClaimedAt.Before(cutoff)
	}, func(c models.Commission) time.Time { return *c.ClaimedAt })
}

// ListCommissionsForReview returns commissions parked for manual review
func (m *MemoryStore) ListCommissionsForReview(ctx context.Context, limit int) ([]models.Commission, error) {
	return m.selectCommissions(limit, func(c models.Commission) bool {
		return c.ManualReview
	}, func(c models.Commission) time.Time { return c.UpdatedAt })
}

func (m *MemoryStore) selectCommissions(limit int, keep func(models.Commission) bool, orderBy func(models.Commission) time.Time) ([]models.Commission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Commission
	for _, c := range m.commissions {
		if keep(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return orderBy(out[i]).Before(orderBy(out[j]))
	})
	return truncate(out, limit), nil
}

// UpsertReseller registers a reseller or updates its payout destination
func (m *MemoryStore) UpsertReseller(ctx context.Context, resellerID, payoutDestination string) (*models.ResellerBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rb, ok := m.balances[resellerID]
	if !ok {
		rb = models.ResellerBalance{
			ResellerID:    resellerID,
			Balance:       decimal.Zero,
			TotalEarnings: decimal.Zero,
		}
	}
	rb.PayoutDestination = payoutDestination
	rb.Version++
	rb.UpdatedAt = time.Now().UTC()
	m.balances[resellerID] = rb
	return m.resellerLocked(resellerID), nil
}

// GetReseller retrieves a reseller balance
func (m *MemoryStore) GetReseller(ctx context.Context, resellerID string) (*models.ResellerBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.balances[resellerID]; !ok {
		return nil, fmt.Errorf("%s: %w", resellerID, ErrResellerNotFound)
	}
	return m.resellerLocked(resellerID), nil
}

func (m *MemoryStore) resellerLocked(resellerID string) *models.ResellerBalance {
	rb := m.balances[resellerID]
	rb.AppliedCommissionIDs = append([]string{}, m.appliedLog[resellerID]...)
	return &rb
}

// ApplyCommission credits amount to the reseller at most once per commission
func (m *MemoryStore) ApplyCommission(ctx context.Context, resellerID, commissionID string, amount decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rb, ok := m.balances[resellerID]
	if !ok {
		return false, fmt.Errorf("%s: %w", resellerID, ErrResellerNotFound)
	}
	if _, done := m.applied[commissionID]; done {
		return false, nil
	}
	m.applied[commissionID] = resellerID
	m.appliedLog[resellerID] = append(m.appliedLog[resellerID], commissionID)

	rb.Balance = rb.Balance.Add(amount)
	rb.TotalEarnings = rb.TotalEarnings.Add(amount)
	rb.TotalSales++
	rb.Version++
	rb.UpdatedAt = time.Now().UTC()
	m.balances[resellerID] = rb
	return true, nil
}

// CreateWebhook inserts a webhook subscription
func (m *MemoryStore) CreateWebhook(ctx context.Context, w *models.WebhookSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.webhooks[w.ID]; ok {
		return fmt.Errorf("webhook %s: %w", w.ID, ErrAlreadyExists)
	}
	w.Version = 1
	m.webhooks[w.ID] = copyWebhook(*w)
	m.next("webhook:" + w.ID)
	return nil
}

// GetWebhook retrieves a webhook subscription by ID
func (m *MemoryStore) GetWebhook(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.webhooks[id]
	if !ok {
		return nil, fmt.Errorf("webhook %s: %w", id, ErrNotFound)
	}
	out := copyWebhook(w)
	return &out, nil
}

// ListWebhooks retrieves all webhook subscriptions
func (m *MemoryStore) ListWebhooks(ctx context.Context) ([]models.WebhookSubscription, error) {
	return m.selectWebhooks(func(models.WebhookSubscription) bool { return true }), nil
}

// ListActiveWebhooksForEvent retrieves active subscriptions for eventType or the wildcard
func (m *MemoryStore) ListActiveWebhooksForEvent(ctx context.Context, eventType string) ([]models.WebhookSubscription, error) {
	return m.selectWebhooks(func(w models.WebhookSubscription) bool {
		return w.IsActive && w.Subscribes(eventType)
	}), nil
}

func (m *MemoryStore) selectWebhooks(keep func(models.WebhookSubscription) bool) []models.WebhookSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.WebhookSubscription
	for _, w := range m.webhooks {
		if keep(w) {
			out = append(out, copyWebhook(w))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return m.createdSeq["webhook:"+out[i].ID] < m.createdSeq["webhook:"+out[j].ID]
	})
	return out
}

// SetWebhookActive enables or disables a subscription
func (m *MemoryStore) SetWebhookActive(ctx context.Context, id string, active bool) (*models.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.webhooks[id]
	if !ok {
		return nil, fmt.Errorf("webhook %s: %w", id, ErrNotFound)
	}
	w.IsActive = active
	if active {
		w.ConsecutiveFailures = 0
	}
	w.Version++
	w.UpdatedAt = time.Now().UTC()
	m.webhooks[id] = w
	out := copyWebhook(w)
	return &out, nil
}

// CreateDeliveryAttempts enqueues attempts; duplicates are ignored
func (m *MemoryStore) CreateDeliveryAttempts(ctx context.Context, attempts []models.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range attempts {
		m.insertAttemptLocked(a)
	}
	return nil
}

func (m *MemoryStore) insertAttemptLocked(a models.DeliveryAttempt) {
	for _, existing := range m.deliveries {
		if existing.WebhookID == a.WebhookID && existing.EventID == a.EventID && existing.AttemptNumber == a.AttemptNumber {
			return
		}
	}
	a.Version = 1
	m.deliveries[a.ID] = a
	m.next("delivery:" + a.ID)
}

// ClaimDueDeliveries leases up to limit pending attempts scheduled at or before now
func (m *MemoryStore) ClaimDueDeliveries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []models.DeliveryAttempt
	for _, a := range m.deliveries {
		if a.Status != models.DeliveryPending || a.ScheduledAt.After(now) {
			continue
		}
		if a.ClaimedUntil != nil && !a.ClaimedUntil.Before(now) {
			continue
		}
		due = append(due, a)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return m.createdSeq["delivery:"+due[i].ID] < m.createdSeq["delivery:"+due[j].ID]
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	due = truncate(due, limit)

	until := now.Add(lease)
	for i := range due {
		due[i].ClaimedUntil = &until
		due[i].Version++
		m.deliveries[due[i].ID] = due[i]
	}
	return due, nil
}

// RecordDeliveryOutcome finalises an attempt, enqueues its follow-up and updates counters atomically
func (m *MemoryStore) RecordDeliveryOutcome(ctx context.Context, out DeliveryOutcome) (SubscriptionCounters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := out.Attempt
	current, ok := m.deliveries[a.ID]
	if !ok || current.Status != models.DeliveryPending || current.Version != a.Version {
		return SubscriptionCounters{}, fmt.Errorf("delivery attempt %s at version %d: %w", a.ID, a.Version, ErrConflict)
	}
	w, ok := m.webhooks[a.WebhookID]
	if !ok {
		return SubscriptionCounters{}, fmt.Errorf("webhook %s: %w", a.WebhookID, ErrNotFound)
	}

	a.Version++
	final := *a
	final.ClaimedUntil = nil
	m.deliveries[a.ID] = final
	if out.Next != nil {
		m.insertAttemptLocked(*out.Next)
	}

	var counters SubscriptionCounters
	if out.Skipped {
		counters.ConsecutiveFailures = w.ConsecutiveFailures
		counters.IsActive = w.IsActive
		return counters, nil
	}

	at := out.At
	w.LastTriggeredAt = &at
	if out.Success {
		w.SuccessCount++
		w.ConsecutiveFailures = 0
	} else {
		w.FailureCount++
		w.ConsecutiveFailures++
		w.LastFailureAt = &at
		if out.DeactivateAfter > 0 && w.ConsecutiveFailures >= out.DeactivateAfter {
			w.IsActive = false
		}
		counters.Deactivated = out.DeactivateAfter > 0 && w.ConsecutiveFailures == out.DeactivateAfter
	}
	w.UpdatedAt = time.Now().UTC()
	m.webhooks[w.ID] = w

	counters.ConsecutiveFailures = w.ConsecutiveFailures
	counters.IsActive = w.IsActive
	return counters, nil
}

// ListDeliveryAttempts returns the most recent attempts for a subscription
func (m *MemoryStore) ListDeliveryAttempts(ctx context.Context, webhookID string, limit int) ([]models.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.DeliveryAttempt
	for _, a := range m.deliveries {
		if a.WebhookID == webhookID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return m.createdSeq["delivery:"+out[i].ID] > m.createdSeq["delivery:"+out[j].ID]
	})
	return truncate(out, limit), nil
}

// DeliveryStatusCounts counts attempts per status
func (m *MemoryStore) DeliveryStatusCounts(ctx context.Context) (map[models.DeliveryStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[models.DeliveryStatus]int64)
	for _, a := range m.deliveries {
		counts[a.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) insertOutboxLocked(events []models.OutboxEvent) {
	for _, e := range events {
		e.Payload = append([]byte(nil), e.Payload...)
		m.outbox[e.EventID] = e
		m.next("outbox:" + e.EventID)
	}
}

// ClaimOutboxEvents leases up to limit undispatched events whose previous claim has lapsed
func (m *MemoryStore) ClaimOutboxEvents(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []models.OutboxEvent
	for _, e := range m.outbox {
		if e.DispatchedAt != nil || (e.ClaimedUntil != nil && !e.ClaimedUntil.Before(now)) {
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool {
		return m.createdSeq["outbox:"+due[i].EventID] < m.createdSeq["outbox:"+due[j].EventID]
	})
	due = truncate(due, limit)

	until := now.Add(lease)
	for i := range due {
		due[i].ClaimedUntil = &until
		m.outbox[due[i].EventID] = due[i]
		due[i].Payload = append([]byte(nil), due[i].Payload...)
	}
	return due, nil
}

// CompleteOutboxEvent marks an event dispatched and enqueues its first delivery attempts
func (m *MemoryStore) CompleteOutboxEvent(ctx context.Context, eventID string, attempts []models.DeliveryAttempt, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.outbox[eventID]
	if !ok || e.DispatchedAt != nil {
		return false, nil
	}
	e.DispatchedAt = &at
	e.ClaimedUntil = nil
	m.outbox[eventID] = e
	for _, a := range attempts {
		m.insertAttemptLocked(a)
	}
	return true, nil
}

// PendingOutboxEvents counts events not yet dispatched
func (m *MemoryStore) PendingOutboxEvents(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, e := range m.outbox {
		if e.DispatchedAt == nil {
			n++
		}
	}
	return n, nil
}

func copyWebhook(w models.WebhookSubscription) models.WebhookSubscription {
	w.Events = append([]string(nil), w.Events...)
	return w
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
