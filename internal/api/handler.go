package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"commission-engine/internal/lifecycle"
	"commission-engine/internal/models"
	"commission-engine/internal/service"
	"commission-engine/internal/store"
	"commission-engine/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	actorHeader       = "X-Actor-ID"
	idempotencyHeader = "Idempotency-Key"
	idempotencyTTL    = 24 * time.Hour
	readyTimeout      = 2 * time.Second
)

// IdempotencyStore remembers responses to retried requests
type IdempotencyStore interface {
	GetIdempotencyKey(ctx context.Context, key string) (string, bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	approvals   *service.ApprovalService
	webhooks    *service.WebhookDispatcher
	fraud       *service.FraudSignals
	idempotency IdempotencyStore
	checks      map[string]Pinger
	logger      *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	approvals *service.ApprovalService,
	webhooks *service.WebhookDispatcher,
	fraud *service.FraudSignals,
) *Handler {
	return &Handler{
		approvals: approvals,
		webhooks:  webhooks,
		fraud:     fraud,
		checks:    make(map[string]Pinger),
		logger:    util.GetLogger(),
	}
}

// WithIdempotency replays captured-payment responses for repeated Idempotency-Key headers
func (h *Handler) WithIdempotency(s IdempotencyStore) *Handler {
	h.idempotency = s
	return h
}

// WithReadinessCheck adds a dependency to the readiness probe
func (h *Handler) WithReadinessCheck(name string, p Pinger) *Handler {
	h.checks[name] = p
	return h
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/payments/captured", h.capturePayment)
		v1.GET("/payments/:id", h.getPayment)
		v1.POST("/payments/:id/approve", h.approvePayment)
		v1.POST("/payments/:id/reject", h.rejectPayment)
		v1.POST("/payments/:id/refund", h.refundPayment)

		v1.GET("/commissions/review", h.reviewQueue)
		v1.GET("/commissions/:id", h.getCommission)
		v1.POST("/commissions/:id/approve", h.approveCommission)
		v1.POST("/commissions/:id/reject", h.rejectCommission)
		v1.POST("/commissions/:id/release", h.releaseCommission)
		v1.POST("/commissions/:id/payout", h.payoutCommission)

		v1.PUT("/resellers/:id", h.syncReseller)
		v1.GET("/resellers/:id/balance", h.getBalance)
		v1.POST("/resellers/:id/clicks", h.recordClick)
	}

	hooks := router.Group("/webhooks")
	{
		hooks.POST("", h.registerWebhook)
		hooks.GET("", h.listWebhooks)
		hooks.GET("/statistics", h.webhookStatistics)
		hooks.GET("/health", h.webhookHealth)
		hooks.GET("/:id", h.getWebhook)
		hooks.POST("/:id/trigger", h.triggerWebhook)
		hooks.POST("/:id/enable", h.enableWebhook)
		hooks.POST("/:id/disable", h.disableWebhook)
		hooks.GET("/:id/deliveries", h.listDeliveries)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()

	failed := gin.H{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"checks": failed,
			"time":   time.Now().Unix(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type decisionRequest struct {
	Notes  string `json:"notes"`
	Reason string `json:"reason"`
}

// capturePayment records a captured payment
func (h *Handler) capturePayment(c *gin.Context) {
	key := c.GetHeader(idempotencyHeader)
	if h.replay(c, key) {
		return
	}

	var req service.CapturePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	payment, created, err := h.approvals.CapturePayment(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to capture payment", err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	h.remember(c, key, status, payment)
	c.JSON(status, payment)
}

// getPayment handles get payment by ID
func (h *Handler) getPayment(c *gin.Context) {
	payment, err := h.approvals.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Payment not found", err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

// approvePayment approves a payment and opens its commission
func (h *Handler) approvePayment(c *gin.Context) {
	actor, req, ok := decision(c)
	if !ok {
		return
	}
	result, err := h.approvals.ApprovePayment(c.Request.Context(), c.Param("id"), actor, req.Notes)
	if err != nil {
		respondError(c, "Failed to approve payment", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// rejectPayment rejects a payment
func (h *Handler) rejectPayment(c *gin.Context) {
	actor, req, ok := decision(c)
	if !ok {
		return
	}
	payment, err := h.approvals.RejectPayment(c.Request.Context(), c.Param("id"), actor, req.Reason)
	if err != nil {
		respondError(c, "Failed to reject payment", err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

// refundPayment records a refund reported out of band
func (h *Handler) refundPayment(c *gin.Context) {
	_, req, ok := decision(c)
	if !ok {
		return
	}
	payment, err := h.approvals.RefundPayment(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, "Failed to refund payment", err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

// getCommission handles get commission by ID
func (h *Handler) getCommission(c *gin.Context) {
	commission, err := h.approvals.GetCommission(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Commission not found", err)
		return
	}
	c.JSON(http.StatusOK, commission)
}

// reviewQueue lists commissions parked for manual review
func (h *Handler) reviewQueue(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	commissions, err := h.approvals.ReviewQueue(c.Request.Context(), limit)
	if err != nil {
		respondError(c, "Failed to list review queue", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commissions": commissions})
}

// approveCommission approves a pending commission
func (h *Handler) approveCommission(c *gin.Context) {
	actor, req, ok := decision(c)
	if !ok {
		return
	}
	commission, err := h.approvals.ApproveCommission(c.Request.Context(), c.Param("id"), actor, req.Notes)
	if err != nil {
		respondError(c, "Failed to approve commission", err)
		return
	}
	c.JSON(http.StatusOK, commission)
}

// rejectCommission rejects a commission
func (h *Handler) rejectCommission(c *gin.Context) {
	actor, req, ok := decision(c)
	if !ok {
		return
	}
	commission, err := h.approvals.RejectCommission(c.Request.Context(), c.Param("id"), actor, req.Reason)
	if err != nil {
		respondError(c, "Failed to reject commission", err)
		return
	}
	c.JSON(http.StatusOK, commission)
}

// releaseCommission clears a manual review flag
func (h *Handler) releaseCommission(c *gin.Context) {
	actor, _, ok := decision(c)
	if !ok {
		return
	}
	commission, err := h.approvals.ReleaseCommission(c.Request.Context(), c.Param("id"), actor)
	respondPayout(c, "Failed to release commission", commission, err)
}

// payoutCommission attempts a payout right away
func (h *Handler) payoutCommission(c *gin.Context) {
	if _, _, ok := decision(c); !ok {
		return
	}
	commission, err := h.approvals.ProcessPayout(c.Request.Context(), c.Param("id"))
	respondPayout(c, "Failed to pay out commission", commission, err)
}

type syncResellerRequest struct {
	PayoutDestination string `json:"payout_destination"`
}

// syncReseller upserts a reseller's payout destination from the directory
func (h *Handler) syncReseller(c *gin.Context) {
	var req syncResellerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	balance, err := h.approvals.SyncReseller(c.Request.Context(), c.Param("id"), req.PayoutDestination)
	if err != nil {
		respondError(c, "Failed to sync reseller", err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

// getBalance handles get reseller balance
func (h *Handler) getBalance(c *gin.Context) {
	balance, err := h.approvals.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Reseller not found", err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

// recordClick counts a referral click
func (h *Handler) recordClick(c *gin.Context) {
	clicks, err := h.fraud.RecordClick(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Failed to record click", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"reseller_id": c.Param("id"), "clicks": clicks})
}

// decision reads the acting administrator and the optional decision body
func decision(c *gin.Context) (string, decisionRequest, bool) {
	var req decisionRequest
	actor := strings.TrimSpace(c.GetHeader(actorHeader))
	if actor == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Missing actor",
			"details": actorHeader + " header is required",
		})
		return "", req, false
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid request body",
				"details": err.Error(),
			})
			return "", req, false
		}
	}
	return actor, req, true
}

// respondPayout reports a payout attempt. A transient failure that was
// rescheduled still answers 200 with the error alongside.
func respondPayout(c *gin.Context, message string, commission *models.Commission, err error) {
	if err != nil && (commission == nil ||
		errors.Is(err, service.ErrFatal) ||
		errors.Is(err, lifecycle.ErrInvalidTransition) ||
		errors.Is(err, store.ErrConflict)) {
		respondError(c, message, err)
		return
	}
	resp := gin.H{"commission": commission}
	if err != nil {
		resp["payout_error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// respondError maps domain errors onto HTTP status codes
func respondError(c *gin.Context, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case service.IsValidation(err), errors.Is(err, lifecycle.ErrReasonRequired):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrFatal):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, lifecycle.ErrInvalidTransition):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		util.GetLogger().Error(message, zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}

type cachedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// replay answers from the idempotency cache when key was seen before
func (h *Handler) replay(c *gin.Context, key string) bool {
	if key == "" || h.idempotency == nil {
		return false
	}
	raw, found, err := h.idempotency.GetIdempotencyKey(c.Request.Context(), key)
	if err != nil {
		h.logger.Warn("Idempotency lookup failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if !found {
		return false
	}
	var cached cachedResponse
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		h.logger.Warn("Discarding unreadable idempotency entry", zap.String("key", key), zap.Error(err))
		return false
	}
	c.Header("Idempotent-Replayed", "true")
	c.Data(cached.Status, "application/json; charset=utf-8", cached.Body)
	return true
}

// remember stores a successful response under key
func (h *Handler) remember(c *gin.Context, key string, status int, body interface{}) {
	if key == "" || h.idempotency == nil {
		return
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return
	}
	entry, err := json.Marshal(cachedResponse{Status: status, Body: encoded})
	if err != nil {
		return
	}
	if err := h.idempotency.SetIdempotencyKey(c.Request.Context(), key, entry, idempotencyTTL); err != nil {
		h.logger.Warn("Failed to store idempotency key", zap.String("key", key), zap.Error(err))
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
