package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"commission-engine/config"
	"commission-engine/internal/lifecycle"
	"commission-engine/internal/models"
	"commission-engine/internal/store"
	"commission-engine/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Delivery headers
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderEventID   = "X-Event-Id"
	HeaderEventType = "X-Event-Type"
	HeaderAttempt   = "X-Delivery-Attempt"
)

// Subscription health states
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthInactive  = "inactive"
)

const (
	maxResponseDrain    = 64 << 10
	defaultDeliveryList = 50
)

// WebhookDispatcher registers subscriptions and delivers lifecycle events to them
// through the durable delivery queue
type WebhookDispatcher struct {
	store  WebhookStore
	cache  SubscriptionCache
	client *http.Client
	cfg    config.WebhookConfig
	now    func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewWebhookDispatcher creates a new webhook dispatcher. cache may be nil.
func NewWebhookDispatcher(store WebhookStore, cache SubscriptionCache, cfg config.WebhookConfig) *WebhookDispatcher {
	def := config.Defaults().Webhook
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Lease <= cfg.Timeout {
		cfg.Lease = cfg.Timeout + def.Lease
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = def.ClaimBatch
	}
	return &WebhookDispatcher{
		store:    store,
		cache:    cache,
		client:   &http.Client{},
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   util.GetLogger(),
		limiters: make(map[string]*rate.Limiter),
	}
}

// RegisterWebhookRequest represents a request to register a subscription
type RegisterWebhookRequest struct {
	Name        string              `json:"name"`
	URL         string              `json:"url"`
	Events      []string            `json:"events"`
	Secret      string              `json:"secret,omitempty"`
	RetryConfig *models.RetryConfig `json:"retry_config,omitempty"`
}

// RegisterWebhook validates and stores a new subscription. The returned record
// carries the secret; later reads redact it.
func (wd *WebhookDispatcher) RegisterWebhook(ctx context.Context, req *RegisterWebhookRequest) (*models.WebhookSubscription, error) {
	ctx, span := util.StartSpan(ctx, "WebhookDispatcher.RegisterWebhook")
	defer span.End()

	events, err := validateRegistration(req)
	if err != nil {
		return nil, err
	}

	secret := req.Secret
	if secret == "" {
		if secret, err = generateSecret(); err != nil {
			return nil, fmt.Errorf("failed to generate secret: %w", err)
		}
	}
	retry := models.DefaultRetryConfig()
	if req.RetryConfig != nil {
		retry = *req.RetryConfig
	}

	now := wd.now()
	hook := &models.WebhookSubscription{
		ID:          uuid.New().String(),
		Name:        strings.TrimSpace(req.Name),
		URL:         req.URL,
		Events:      events,
		Secret:      secret,
		RetryConfig: retry,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := wd.store.CreateWebhook(ctx, hook); err != nil {
		return nil, fmt.Errorf("failed to create webhook: %w", err)
	}
	wd.invalidate(ctx)

	wd.logger.Info("Webhook registered",
		zap.String("webhook_id", hook.ID),
		zap.String("url", hook.URL),
		zap.Strings("events", hook.Events))
	return hook, nil
}

func validateRegistration(req *RegisterWebhookRequest) ([]string, error) {
	if err := required("name", req.Name); err != nil {
		return nil, err
	}
	u, err := url.Parse(req.URL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, invalidField("url", "must be an absolute http or https URL")
	}
	if len(req.Events) == 0 {
		return nil, invalidField("events", "at least one event type is required")
	}

	seen := make(map[string]bool, len(req.Events))
	events := make([]string, 0, len(req.Events))
	for _, e := range req.Events {
		if e != models.EventWildcard && !models.IsKnownEventType(e) {
			return nil, invalidField("events", "unknown event type %q", e)
		}
		if !seen[e] {
			seen[e] = true
			events = append(events, e)
		}
	}

	if rc := req.RetryConfig; rc != nil {
		switch {
		case rc.MaxRetries < 0:
			return nil, invalidField("retry_config.max_retries", "must not be negative")
		case rc.InitialDelayMs <= 0:
			return nil, invalidField("retry_config.initial_delay", "must be positive")
		case rc.BackoffMultiplier < 1:
			return nil, invalidField("retry_config.backoff_multiplier", "must be at least 1")
		case rc.MaxDelayMs < rc.InitialDelayMs:
			return nil, invalidField("retry_config.max_delay", "must not be below initial_delay")
		}
	}
	return events, nil
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GetWebhook returns a subscription without its secret
func (wd *WebhookDispatcher) GetWebhook(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	hook, err := wd.store.GetWebhook(ctx, id)
	if err != nil {
		return nil, err
	}
	redacted := hook.Redacted()
	return &redacted, nil
}

// ListWebhooks returns every subscription without secrets
func (wd *WebhookDispatcher) ListWebhooks(ctx context.Context) ([]models.WebhookSubscription, error) {
	hooks, err := wd.store.ListWebhooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	for i := range hooks {
		hooks[i] = hooks[i].Redacted()
	}
	return hooks, nil
}

// EnableWebhook reactivates a subscription and resets its failure streak
func (wd *WebhookDispatcher) EnableWebhook(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	return wd.setActive(ctx, id, true)
}

// DisableWebhook stops deliveries to a subscription
func (wd *WebhookDispatcher) DisableWebhook(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	return wd.setActive(ctx, id, false)
}

func (wd *WebhookDispatcher) setActive(ctx context.Context, id string, active bool) (*models.WebhookSubscription, error) {
	hook, err := wd.store.SetWebhookActive(ctx, id, active)
	if err != nil {
		return nil, err
	}
	wd.invalidate(ctx)
	wd.logger.Info("Webhook state changed", zap.String("webhook_id", id), zap.Bool("active", active))
	redacted := hook.Redacted()
	return &redacted, nil
}

// TriggerEvent builds an envelope for data and enqueues it for every matching subscription
func (wd *WebhookDispatcher) TriggerEvent(ctx context.Context, eventType string, data interface{}) (*models.WebhookEvent, int, error) {
	if !models.IsKnownEventType(eventType) {
		return nil, 0, invalidField("event_type", "unknown event type %q", eventType)
	}
	event := wd.envelope(eventType, data)
	n, err := wd.Enqueue(ctx, event)
	if err != nil {
		return nil, 0, err
	}
	return event, n, nil
}

// Enqueue creates the first delivery attempt of event for every active
// subscription interested in it and returns how many were created
func (wd *WebhookDispatcher) Enqueue(ctx context.Context, event *models.WebhookEvent) (int, error) {
	ctx, span := util.StartSpan(ctx, "WebhookDispatcher.Enqueue")
	defer span.End()

	body, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}
	attempts, err := wd.attemptsFor(ctx, event.EventID, event.EventType, body)
	if err != nil || len(attempts) == 0 {
		return 0, err
	}
	if err := wd.store.CreateDeliveryAttempts(ctx, attempts); err != nil {
		return 0, fmt.Errorf("failed to enqueue deliveries: %w", err)
	}
	return len(attempts), nil
}

// attemptsFor builds the first delivery attempt of body for every active
// subscription interested in eventType
func (wd *WebhookDispatcher) attemptsFor(ctx context.Context, eventID, eventType string, body []byte) ([]models.DeliveryAttempt, error) {
	hooks, err := wd.activeFor(ctx, eventType)
	if err != nil {
		return nil, err
	}
	attempts := make([]models.DeliveryAttempt, 0, len(hooks))
	for _, hook := range hooks {
		attempts = append(attempts, wd.newAttempt(hook.ID, eventID, eventType, body, 1, wd.now()))
	}
	return attempts, nil
}

// TriggerWebhook enqueues an event for a single subscription, typically a webhook.test ping
func (wd *WebhookDispatcher) TriggerWebhook(ctx context.Context, webhookID, eventType string, data interface{}) (*models.DeliveryAttempt, error) {
	ctx, span := util.StartSpan(ctx, "WebhookDispatcher.TriggerWebhook")
	defer span.End()

	if eventType == "" {
		eventType = models.EventWebhookTest
	}
	if !models.IsKnownEventType(eventType) {
		return nil, invalidField("event_type", "unknown event type %q", eventType)
	}
	hook, err := wd.store.GetWebhook(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	if !hook.IsActive {
		return nil, invalidField("webhook", "subscription %s is inactive", webhookID)
	}
	if data == nil {
		data = map[string]string{"webhook_id": hook.ID, "message": "test event"}
	}

	event := wd.envelope(eventType, data)
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	attempt := wd.newAttempt(hook.ID, event.EventID, event.EventType, body, 1, wd.now())
	if err := wd.store.CreateDeliveryAttempts(ctx, []models.DeliveryAttempt{attempt}); err != nil {
		return nil, fmt.Errorf("failed to enqueue delivery: %w", err)
	}
	return &attempt, nil
}

// DeliverDue claims a batch of due attempts and delivers them. It returns the
// number of attempts processed.
func (wd *WebhookDispatcher) DeliverDue(ctx context.Context) (int, error) {
	attempts, err := wd.store.ClaimDueDeliveries(ctx, wd.now(), wd.cfg.Lease, wd.cfg.ClaimBatch)
	if err != nil {
		return 0, err
	}
	for i := range attempts {
		if err := wd.deliver(ctx, &attempts[i]); err != nil {
			if ctx.Err() != nil {
				return i, ctx.Err()
			}
			wd.logger.Error("Failed to record delivery outcome",
				zap.String("delivery_id", attempts[i].ID),
				zap.Error(err))
		}
	}
	return len(attempts), nil
}

func (wd *WebhookDispatcher) deliver(ctx context.Context, a *models.DeliveryAttempt) error {
	ctx, span := util.StartSpan(ctx, "WebhookDispatcher.deliver")
	defer span.End()

	hook, err := wd.store.GetWebhook(ctx, a.WebhookID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return wd.skip(ctx, a, "subscription no longer exists")
	case err != nil:
		return err
	case !hook.IsActive:
		return wd.skip(ctx, a, "subscription inactive")
	}

	if ok, err := wd.throttle(ctx, hook.ID, a); !ok || err != nil {
		return err
	}

	start := time.Now()
	status, sendErr := wd.send(ctx, hook, a)
	util.WebhookDeliveryLatency.Observe(time.Since(start).Seconds())

	now := wd.now()
	a.HTTPStatus = status
	a.CompletedAt = &now
	out := store.DeliveryOutcome{Attempt: a, At: now, DeactivateAfter: wd.cfg.DeactivateAfter}

	switch {
	case sendErr == nil:
		a.Status = models.DeliveryDelivered
		out.Success = true
	case a.AttemptNumber <= hook.MaxRetries:
		// attempt N waits initial * multiplier^N before attempt N+1
		delay := lifecycle.Backoff(hook.InitialDelay(), hook.BackoffMultiplier, hook.MaxDelay(), a.AttemptNumber+1)
		next := wd.newAttempt(hook.ID, a.EventID, a.EventType, a.Payload, a.AttemptNumber+1, now.Add(delay))
		a.Status = models.DeliveryFailed
		a.Error = sendErr.Error()
		a.NextAttemptAt = &next.ScheduledAt
		out.Next = &next
	default:
		a.Status = models.DeliveryAbandoned
		a.Error = sendErr.Error()
	}

	counters, err := wd.store.RecordDeliveryOutcome(ctx, out)
	if err != nil {
		return err
	}
	util.WebhookDeliveriesTotal.WithLabelValues(string(a.Status)).Inc()

	if sendErr != nil {
		wd.logger.Warn("Webhook delivery failed",
			zap.String("webhook_id", hook.ID),
			zap.String("event_id", a.EventID),
			zap.Int("attempt", a.AttemptNumber),
			zap.String("status", string(a.Status)),
			zap.Error(sendErr))
	}
	if counters.Deactivated {
		util.WebhookDeactivationsTotal.Inc()
		wd.logger.Warn("Webhook deactivated after consecutive failures",
			zap.String("webhook_id", hook.ID),
			zap.Int("consecutive_failures", counters.ConsecutiveFailures))
		wd.invalidate(ctx)
	}
	return nil
}

// throttle waits for the subscription's rate limiter. When the wait would
// outlast the claim the token is handed back and the attempt is left for a
// later claim, so a throttled attempt is never sent by two workers.
func (wd *WebhookDispatcher) throttle(ctx context.Context, webhookID string, a *models.DeliveryAttempt) (bool, error) {
	r := wd.limiter(webhookID).Reserve()
	if !r.OK() {
		return false, nil
	}
	delay := r.Delay()
	if delay == 0 {
		return true, nil
	}

	if a.ClaimedUntil != nil && delay >= a.ClaimedUntil.Sub(wd.now())-wd.cfg.Timeout {
		r.Cancel()
		util.WebhookDeliveriesTotal.WithLabelValues("throttled").Inc()
		wd.logger.Debug("Delivery throttled past its claim",
			zap.String("webhook_id", webhookID),
			zap.String("delivery_id", a.ID),
			zap.Duration("wait", delay))
		return false, nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return false, ctx.Err()
	case <-timer.C:
		return true, nil
	}
}

// skip abandons an attempt that can no longer be sent without counting it against the subscription
func (wd *WebhookDispatcher) skip(ctx context.Context, a *models.DeliveryAttempt, reason string) error {
	now := wd.now()
	a.Status = models.DeliveryAbandoned
	a.Error = reason
	a.CompletedAt = &now
	_, err := wd.store.RecordDeliveryOutcome(ctx, store.DeliveryOutcome{Attempt: a, Skipped: true, At: now})
	if err == nil {
		util.WebhookDeliveriesTotal.WithLabelValues("skipped").Inc()
	}
	return err
}

func (wd *WebhookDispatcher) send(ctx context.Context, hook *models.WebhookSubscription, a *models.DeliveryAttempt) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, wd.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(a.Payload))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	timestamp := strconv.FormatInt(wd.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", util.ServiceName+"-webhooks")
	req.Header.Set(HeaderSignature, Sign(hook.Secret, timestamp, a.Payload))
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderEventID, a.EventID)
	req.Header.Set(HeaderEventType, a.EventType)
	req.Header.Set(HeaderAttempt, strconv.Itoa(a.AttemptNumber))

	resp, err := wd.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("endpoint responded %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Sign returns hex(hmac-sha256(secret, timestamp + body))
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by Sign in constant time
func VerifySignature(secret, timestamp string, body []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	actual, _ := hex.DecodeString(Sign(secret, timestamp, body))
	return hmac.Equal(expected, actual)
}

func (wd *WebhookDispatcher) envelope(eventType string, data interface{}) *models.WebhookEvent {
	return &models.WebhookEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: wd.now(),
		Data:      data,
	}
}

func (wd *WebhookDispatcher) newAttempt(webhookID, eventID, eventType string, body []byte, number int, at time.Time) models.DeliveryAttempt {
	sum := sha256.Sum256(body)
	return models.DeliveryAttempt{
		ID:            uuid.New().String(),
		WebhookID:     webhookID,
		EventID:       eventID,
		EventType:     eventType,
		Payload:       body,
		PayloadHash:   hex.EncodeToString(sum[:]),
		AttemptNumber: number,
		ScheduledAt:   at,
		Status:        models.DeliveryPending,
		Version:       1,
		CreatedAt:     wd.now(),
	}
}

func (wd *WebhookDispatcher) limiter(webhookID string) *rate.Limiter {
	wd.mu.Lock()
	defer wd.mu.Unlock()

	l, ok := wd.limiters[webhookID]
	if !ok {
		limit := rate.Inf
		if wd.cfg.RatePerSecond > 0 {
			limit = rate.Limit(wd.cfg.RatePerSecond)
		}
		burst := wd.cfg.Burst
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(limit, burst)
		wd.limiters[webhookID] = l
	}
	return l
}

func (wd *WebhookDispatcher) activeFor(ctx context.Context, eventType string) ([]models.WebhookSubscription, error) {
	if wd.cache == nil {
		hooks, err := wd.store.ListActiveWebhooksForEvent(ctx, eventType)
		if err != nil {
			return nil, fmt.Errorf("failed to list subscriptions: %w", err)
		}
		return hooks, nil
	}

	active, hit, err := wd.cache.CachedActiveWebhooks(ctx)
	if err != nil {
		wd.logger.Warn("Webhook cache read failed", zap.Error(err))
	}
	if !hit {
		all, err := wd.store.ListWebhooks(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list subscriptions: %w", err)
		}
		active = active[:0]
		for _, h := range all {
			if h.IsActive {
				active = append(active, h)
			}
		}
		if err := wd.cache.CacheActiveWebhooks(ctx, active, wd.cfg.CacheTTL); err != nil {
			wd.logger.Warn("Webhook cache write failed", zap.Error(err))
		}
	}

	var out []models.WebhookSubscription
	for _, h := range active {
		if h.Subscribes(eventType) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (wd *WebhookDispatcher) invalidate(ctx context.Context) {
	if wd.cache == nil {
		return
	}
	if err := wd.cache.InvalidateWebhooks(ctx); err != nil {
		wd.logger.Warn("Webhook cache invalidation failed", zap.Error(err))
	}
}

// WebhookStatistics summarises delivery activity across all subscriptions
type WebhookStatistics struct {
	TotalWebhooks  int                             `json:"total_webhooks"`
	ActiveWebhooks int                             `json:"active_webhooks"`
	TotalSuccess   int64                           `json:"total_success"`
	TotalFailures  int64                           `json:"total_failures"`
	SuccessRate    float64                         `json:"success_rate"`
	Deliveries     map[models.DeliveryStatus]int64 `json:"deliveries"`
}

// Statistics returns delivery statistics
func (wd *WebhookDispatcher) Statistics(ctx context.Context) (*WebhookStatistics, error) {
	hooks, err := wd.store.ListWebhooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	counts, err := wd.store.DeliveryStatusCounts(ctx)
	if err != nil {
		return nil, err
	}

	stats := &WebhookStatistics{TotalWebhooks: len(hooks), Deliveries: counts}
	for _, h := range hooks {
		if h.IsActive {
			stats.ActiveWebhooks++
		}
		stats.TotalSuccess += h.SuccessCount
		stats.TotalFailures += h.FailureCount
	}
	stats.SuccessRate = successRate(stats.TotalSuccess, stats.TotalFailures)
	return stats, nil
}

// WebhookHealth is the health of one subscription
type WebhookHealth struct {
	WebhookID           string     `json:"webhook_id"`
	Name                string     `json:"name"`
	URL                 string     `json:"url"`
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	SuccessRate         float64    `json:"success_rate"`
	LastTriggeredAt     *time.Time `json:"last_triggered_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
}

// Health reports every subscription as healthy, unhealthy or inactive
func (wd *WebhookDispatcher) Health(ctx context.Context) ([]WebhookHealth, error) {
	hooks, err := wd.store.ListWebhooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	out := make([]WebhookHealth, 0, len(hooks))
	for _, h := range hooks {
		status := HealthHealthy
		switch {
		case !h.IsActive:
			status = HealthInactive
		case h.ConsecutiveFailures >= wd.cfg.UnhealthyAfter:
			status = HealthUnhealthy
		}
		out = append(out, WebhookHealth{
			WebhookID:           h.ID,
			Name:                h.Name,
			URL:                 h.URL,
			Status:              status,
			ConsecutiveFailures: h.ConsecutiveFailures,
			SuccessRate:         successRate(h.SuccessCount, h.FailureCount),
			LastTriggeredAt:     h.LastTriggeredAt,
			LastFailureAt:       h.LastFailureAt,
		})
	}
	return out, nil
}

// ListDeliveries returns the most recent delivery attempts for a subscription
func (wd *WebhookDispatcher) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]models.DeliveryAttempt, error) {
	if _, err := wd.store.GetWebhook(ctx, webhookID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultDeliveryList
	}
	return wd.store.ListDeliveryAttempts(ctx, webhookID, limit)
}

func successRate(success, failure int64) float64 {
	if success+failure == 0 {
		return 1
	}
	return float64(success) / float64(success+failure)
}
