package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"commission-engine/internal/service"

	"github.com/gin-gonic/gin"
)

type triggerRequest struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// registerWebhook registers a subscription. The secret is only returned here.
func (h *Handler) registerWebhook(c *gin.Context) {
	var req service.RegisterWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	hook, err := h.webhooks.RegisterWebhook(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to register webhook", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"webhook": hook})
}

func (h *Handler) listWebhooks(c *gin.Context) {
	hooks, err := h.webhooks.ListWebhooks(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to list webhooks", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": hooks})
}

func (h *Handler) getWebhook(c *gin.Context) {
	hook, err := h.webhooks.GetWebhook(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Webhook not found", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhook": hook})
}

// triggerWebhook queues a test event, or the given event, for one subscription
func (h *Handler) triggerWebhook(c *gin.Context) {
	var req triggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid request body",
				"details": err.Error(),
			})
			return
		}
	}

	var data interface{}
	if len(req.Data) > 0 {
		data = req.Data
	}
	attempt, err := h.webhooks.TriggerWebhook(c.Request.Context(), c.Param("id"), req.EventType, data)
	if err != nil {
		respondError(c, "Failed to trigger webhook", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"delivery": attempt})
}

func (h *Handler) enableWebhook(c *gin.Context) {
	hook, err := h.webhooks.EnableWebhook(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Failed to enable webhook", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhook": hook})
}

func (h *Handler) disableWebhook(c *gin.Context) {
	hook, err := h.webhooks.DisableWebhook(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Failed to disable webhook", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhook": hook})
}

func (h *Handler) listDeliveries(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	deliveries, err := h.webhooks.ListDeliveries(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, "Failed to list deliveries", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": deliveries})
}

func (h *Handler) webhookStatistics(c *gin.Context) {
	stats, err := h.webhooks.Statistics(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to compute statistics", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) webhookHealth(c *gin.Context) {
	health, err := h.webhooks.Health(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to compute webhook health", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": health})
}
