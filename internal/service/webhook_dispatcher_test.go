package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"commission-engine/config"
	"commission-engine/internal/models"
	"commission-engine/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

type received struct {
	header http.Header
	body   []byte
}

// endpoint is a subscriber that answers with the queued status codes, then 200
type endpoint struct {
	*httptest.Server
	mu       sync.Mutex
	statuses []int
	requests []received
}

func newEndpoint(t *testing.T, statuses ...int) *endpoint {
	e := &endpoint{statuses: statuses}
	e.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		e.mu.Lock()
		e.requests = append(e.requests, received{header: r.Header.Clone(), body: body})
		status := http.StatusOK
		if len(e.statuses) > 0 {
			status, e.statuses = e.statuses[0], e.statuses[1:]
		}
		e.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(e.Close)
	return e
}

func (e *endpoint) received() []received {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]received(nil), e.requests...)
}

func newDispatcher(t *testing.T, mutate ...func(*config.WebhookConfig)) (*WebhookDispatcher, *store.MemoryStore, *clock) {
	t.Helper()
	cfg := config.Defaults().Webhook
	cfg.RatePerSecond = 0
	for _, m := range mutate {
		m(&cfg)
	}
	ms := store.NewMemoryStore()
	clk := newClock()
	wd := NewWebhookDispatcher(ms, nil, cfg)
	wd.now = clk.Now
	return wd, ms, clk
}

func register(t *testing.T, wd *WebhookDispatcher, url string, retry *models.RetryConfig, events ...string) *models.WebhookSubscription {
	t.Helper()
	if len(events) == 0 {
		events = []string{models.EventCommissionPaid}
	}
	hook, err := wd.RegisterWebhook(context.Background(), &RegisterWebhookRequest{
		Name:        "erp",
		URL:         url,
		Events:      events,
		Secret:      testSecret,
		RetryConfig: retry,
	})
	require.NoError(t, err)
	return hook
}

func TestRegisterWebhookValidation(t *testing.T) {
	wd, _, _ := newDispatcher(t)
	tests := []struct {
		name  string
		req   RegisterWebhookRequest
		field string
	}{
		{"missing name", RegisterWebhookRequest{URL: "https://erp.example.com/hook", Events: []string{"*"}}, "name"},
		{"relative url", RegisterWebhookRequest{Name: "erp", URL: "/hook", Events: []string{"*"}}, "url"},
		{"ftp url", RegisterWebhookRequest{Name: "erp", URL: "ftp://erp.example.com", Events: []string{"*"}}, "url"},
		{"no events", RegisterWebhookRequest{Name: "erp", URL: "https://erp.example.com/hook"}, "events"},
		{"unknown event", RegisterWebhookRequest{Name: "erp", URL: "https://erp.example.com/hook", Events: []string{"order.created"}}, "events"},
		{"bad multiplier", RegisterWebhookRequest{
			Name: "erp", URL: "https://erp.example.com/hook", Events: []string{"*"},
			RetryConfig: &models.RetryConfig{MaxRetries: 1, InitialDelayMs: 100, BackoffMultiplier: 0.5, MaxDelayMs: 1000},
		}, "retry_config.backoff_multiplier"},
		{"max below initial", RegisterWebhookRequest{
			Name: "erp", URL: "https://erp.example.com/hook", Events: []string{"*"},
			RetryConfig: &models.RetryConfig{MaxRetries: 1, InitialDelayMs: 1000, BackoffMultiplier: 2, MaxDelayMs: 10},
		}, "retry_config.max_delay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			_, err := wd.RegisterWebhook(context.Background(), &req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestRegisterWebhookDefaults(t *testing.T) {
	wd, _, _ := newDispatcher(t)
	ctx := context.Background()

	hook, err := wd.RegisterWebhook(ctx, &RegisterWebhookRequest{
		Name:   " erp ",
		URL:    "https://erp.example.com/hook",
		Events: []string{models.EventCommissionPaid, models.EventCommissionPaid, models.EventPaymentApproved},
	})
	require.NoError(t, err)
	assert.Equal(t, "erp", hook.Name)
	assert.Len(t, hook.Secret, 64)
	assert.True(t, hook.IsActive)
	assert.Equal(t, []string{models.EventCommissionPaid, models.EventPaymentApproved}, []string(hook.Events))
	assert.Equal(t, models.DefaultRetryConfig(), hook.RetryConfig)

	got, err := wd.GetWebhook(ctx, hook.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Secret)

	all, err := wd.ListWebhooks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Empty(t, all[0].Secret)
}

// Scenario C
func TestDeliveryRetriesWithBackoffUntilSuccess(t *testing.T) {
	wd, ms, clk := newDispatcher(t)
	ctx := context.Background()
	ep := newEndpoint(t, http.StatusInternalServerError, http.StatusBadGateway)
	hook := register(t, wd, ep.URL, &models.RetryConfig{
		MaxRetries: 2, InitialDelayMs: 1000, BackoffMultiplier: 2, MaxDelayMs: 60000,
	})

	event, n, err := wd.TriggerEvent(ctx, models.EventCommissionPaid, map[string]string{"commission_id": "c-1"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	processed, err := wd.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	// second attempt waits initial*multiplier
	clk.Advance(time.Second)
	processed, err = wd.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, processed, "second attempt is not due after the initial delay")

	clk.Advance(time.Second)
	processed, err = wd.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	clk.Advance(3999 * time.Millisecond)
	processed, err = wd.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, processed, "third attempt backs off to 4s")

	clk.Advance(time.Millisecond)
	processed, err = wd.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	reqs := ep.received()
	require.Len(t, reqs, 3)
	for i, r := range reqs {
		assert.Equal(t, strconv.Itoa(i+1), r.header.Get(HeaderAttempt))
		assert.Equal(t, event.EventID, r.header.Get(HeaderEventID))
		assert.Equal(t, models.EventCommissionPaid, r.header.Get(HeaderEventType))
		assert.True(t, VerifySignature(testSecret, r.header.Get(HeaderTimestamp), r.body, r.header.Get(HeaderSignature)))
		assert.Equal(t, reqs[0].body, r.body, "every attempt carries the same payload")
	}

	var envelope models.WebhookEvent
	require.NoError(t, json.Unmarshal(reqs[0].body, &envelope))
	assert.Equal(t, event.EventID, envelope.EventID)

	stored, err := ms.GetWebhook(ctx, hook.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stored.SuccessCount)
	assert.EqualValues(t, 2, stored.FailureCount)
	assert.Equal(t, 0, stored.ConsecutiveFailures)
	assert.True(t, stored.IsActive)

	attempts, err := wd.ListDeliveries(ctx, hook.ID, 0)
	require.NoError(t, err)
	statuses := map[models.DeliveryStatus]int{}
	for _, a := range attempts {
		statuses[a.Status]++
	}
	assert.Equal(t, map[models.DeliveryStatus]int{models.DeliveryFailed: 2, models.DeliveryDelivered: 1}, statuses)

	stats, err := wd.Statistics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalSuccess)
	assert.EqualValues(t, 2, stats.TotalFailures)
	assert.InDelta(t, 1.0/3, stats.SuccessRate, 1e-9)
	assert.Zero(t, stats.Deliveries[models.DeliveryAbandoned])
}

func TestDeliveryAbandonedAfterMaxRetries(t *testing.T) {
	wd, ms, clk := newDispatcher(t)
	ctx := context.Background()
	ep := newEndpoint(t, http.StatusInternalServerError, http.StatusInternalServerError)
	hook := register(t, wd, ep.URL, &models.RetryConfig{
		MaxRetries: 1, InitialDelayMs: 500, BackoffMultiplier: 2, MaxDelayMs: 500,
	})

	_, _, err := wd.TriggerEvent(ctx, models.EventCommissionPaid, nil)
	require.NoError(t, err)
	_, err = wd.DeliverDue(ctx)
	require.NoError(t, err)
	clk.Advance(500 * time.Millisecond)
	_, err = wd.DeliverDue(ctx)
	require.NoError(t, err)

	clk.Advance(time.Hour)
	processed, err := wd.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, processed, "nothing left to deliver")

	attempts, err := ms.ListDeliveryAttempts(ctx, hook.ID, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, models.DeliveryAbandoned, attempts[0].Status)
	assert.Equal(t, 2, attempts[0].AttemptNumber)
	assert.Equal(t, http.StatusInternalServerError, attempts[0].HTTPStatus)
	assert.Nil(t, attempts[0].NextAttemptAt)
	assert.Equal(t, models.DeliveryFailed, attempts[1].Status)
}

func TestThrottledDeliveryIsLeftForALaterClaim(t *testing.T) {
	wd, ms, _ := newDispatcher(t, func(cfg *config.WebhookConfig) {
		cfg.RatePerSecond = 0.5
		cfg.Burst = 1
		cfg.Timeout = time.Second
		cfg.Lease = 2 * time.Second
	})
	ctx := context.Background()
	ep := newEndpoint(t)
	hook := register(t, wd, ep.URL, nil)

	for i := 0; i < 2; i++ {
		_, _, err := wd.TriggerEvent(ctx, models.EventCommissionPaid, nil)
		require.NoError(t, err)
	}

	start := time.Now()
	processed, err := wd.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	assert.Less(t, time.Since(start), time.Second, "no wait that would outlast the claim")
	assert.Len(t, ep.received(), 1)

	attempts, err := ms.ListDeliveryAttempts(ctx, hook.ID, 10)
	require.NoError(t, err)
	statuses := map[models.DeliveryStatus]int{}
	for _, a := range attempts {
		statuses[a.Status]++
	}
	assert.Equal(t, map[models.DeliveryStatus]int{models.DeliveryDelivered: 1, models.DeliveryPending: 1}, statuses)

	processed, err = wd.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, processed, "the throttled attempt keeps its claim until the lease lapses")
}

func TestWebhookDeactivatedAfterConsecutiveFailures(t *testing.T) {
	wd, ms, _ := newDispatcher(t, func(cfg *config.WebhookConfig) {
		cfg.DeactivateAfter = 2
		cfg.UnhealthyAfter = 1
	})
	ctx := context.Background()
	ep := newEndpoint(t, http.StatusInternalServerError, http.StatusInternalServerError, http.StatusInternalServerError)
	noRetry := &models.RetryConfig{MaxRetries: 0, InitialDelayMs: 1000, BackoffMultiplier: 2, MaxDelayMs: 1000}
	hook := register(t, wd, ep.URL, noRetry)

	_, _, err := wd.TriggerEvent(ctx, models.EventCommissionPaid, nil)
	require.NoError(t, err)
	_, err = wd.DeliverDue(ctx)
	require.NoError(t, err)

	health, err := wd.Health(ctx)
	require.NoError(t, err)
	require.Len(t, health, 1)
	assert.Equal(t, HealthUnhealthy, health[0].Status)

	_, _, err = wd.TriggerEvent(ctx, models.EventCommissionPaid, nil)
	require.NoError(t, err)
	_, err = wd.DeliverDue(ctx)
	require.NoError(t, err)

	stored, err := ms.GetWebhook(ctx, hook.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.Equal(t, 2, stored.ConsecutiveFailures)

	_, n, err := wd.TriggerEvent(ctx, models.EventCommissionPaid, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "inactive subscriptions receive nothing")

	health, err = wd.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, HealthInactive, health[0].Status)
	assert.Equal(t, 0.0, health[0].SuccessRate)

	enabled, err := wd.EnableWebhook(ctx, hook.ID)
	require.NoError(t, err)
	assert.True(t, enabled.IsActive)
	assert.Equal(t, 0, enabled.ConsecutiveFailures)
}

func TestDeliveryToDisabledWebhookIsSkipped(t *testing.T) {
	wd, ms, _ := newDispatcher(t)
	ctx := context.Background()
	ep := newEndpoint(t)
	hook := register(t, wd, ep.URL, nil, models.EventWildcard)

	_, n, err := wd.TriggerEvent(ctx, models.EventPaymentRefunded, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = wd.DisableWebhook(ctx, hook.ID)
	require.NoError(t, err)
	processed, err := wd.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Empty(t, ep.received())

	attempts, err := ms.ListDeliveryAttempts(ctx, hook.ID, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.DeliveryAbandoned, attempts[0].Status)
	assert.Equal(t, "subscription inactive", attempts[0].Error)

	stored, err := ms.GetWebhook(ctx, hook.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.FailureCount)
	assert.Zero(t, stored.ConsecutiveFailures)
}

func TestTriggerWebhookSendsTestEvent(t *testing.T) {
	wd, _, _ := newDispatcher(t)
	ctx := context.Background()
	ep := newEndpoint(t)
	hook := register(t, wd, ep.URL, nil)

	attempt, err := wd.TriggerWebhook(ctx, hook.ID, "", nil)
	require.NoError(t, err)
	assert.Equal(t, models.EventWebhookTest, attempt.EventType)
	assert.Equal(t, models.DeliveryPending, attempt.Status)

	_, err = wd.DeliverDue(ctx)
	require.NoError(t, err)
	reqs := ep.received()
	require.Len(t, reqs, 1)
	assert.Equal(t, models.EventWebhookTest, reqs[0].header.Get(HeaderEventType))

	_, err = wd.TriggerWebhook(ctx, hook.ID, "bogus.event", nil)
	assert.True(t, IsValidation(err))

	_, err = wd.DisableWebhook(ctx, hook.ID)
	require.NoError(t, err)
	_, err = wd.TriggerWebhook(ctx, hook.ID, "", nil)
	assert.True(t, IsValidation(err))

	_, err = wd.TriggerWebhook(ctx, "missing", "", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTriggerEventRejectsUnknownType(t *testing.T) {
	wd, _, _ := newDispatcher(t)
	_, _, err := wd.TriggerEvent(context.Background(), "order.created", nil)
	assert.True(t, IsValidation(err))
}

func TestSignatureVerification(t *testing.T) {
	body := []byte(`{"eventId":"e-1"}`)
	sig := Sign("secret", "1700000000", body)

	assert.Len(t, sig, 64)
	assert.True(t, VerifySignature("secret", "1700000000", body, sig))
	assert.False(t, VerifySignature("other", "1700000000", body, sig))
	assert.False(t, VerifySignature("secret", "1700000001", body, sig))
	assert.False(t, VerifySignature("secret", "1700000000", []byte(`{}`), sig))
	assert.False(t, VerifySignature("secret", "1700000000", body, "not-hex"))
}

func TestLifecycleEventsReachSubscribers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ep := newEndpoint(t)
	register(t, h.webhooks, ep.URL, nil, models.EventCommissionPaid)

	h.reseller(t, "r-1", "acct-1")
	h.capture(t, "pay-1", "r-1", "100.00")
	res, err := h.svc.ApprovePayment(ctx, "pay-1", "admin-1", "")
	require.NoError(t, err)

	processed, err := h.webhooks.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	reqs := ep.received()
	require.Len(t, reqs, 1)
	var got struct {
		EventType string                     `json:"eventType"`
		Data      models.CommissionEventData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(reqs[0].body, &got))
	assert.Equal(t, models.EventCommissionPaid, got.EventType)
	assert.Equal(t, res.Commission.ID, got.Data.CommissionID)
	assert.Equal(t, models.CommissionPaid, got.Data.Status)
}
