package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"product-import-service/internal/models"
	"product-import-service/internal/repository"
	"product-import-service/internal/webhooks"
)

type WebhookHandler struct {
	repo       *repository.WebhookRepository
	dispatcher *webhooks.Dispatcher
	logger     *logrus.Entry
}

func NewWebhookHandler(repo *repository.WebhookRepository, dispatcher *webhooks.Dispatcher, logger *logrus.Logger) *WebhookHandler {
	return &WebhookHandler{
		repo:       repo,
		dispatcher: dispatcher,
		logger:     logger.WithField("component", "webhook-handler"),
	}
}

func invalidEventType(c *gin.Context) {
	respondError(c, http.StatusBadRequest, "INVALID_EVENT_TYPE", "Unsupported event type")
}

// ListWebhooks returns every subscription
// GET /api/webhooks
func (h *WebhookHandler) ListWebhooks(c *gin.Context) {
	hooks, err := h.repo.List(c.Request.Context())
	if err != nil {
		h.respondRepoError(c, err)
		return
	}
	if hooks == nil {
		hooks = []models.Webhook{}
	}
	c.JSON(http.StatusOK, hooks)
}

// GetWebhook returns one subscription
// GET /api/webhooks/:id
func (h *WebhookHandler) GetWebhook(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	hook, err := h.repo.Get(c.Request.Context(), id)
	if err != nil {
		h.respondRepoError(c, err)
		return
	}
	c.JSON(http.StatusOK, hook)
}

// CreateWebhook registers a subscription
// POST /api/webhooks
func (h *WebhookHandler) CreateWebhook(c *gin.Context) {
	var req models.CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if !req.EventType.Valid() {
		invalidEventType(c)
		return
	}

	hook := &models.Webhook{
		URL:         req.URL,
		EventType:   req.EventType,
		Enabled:     true,
		Description: req.Description,
	}
	if req.Enabled != nil {
		hook.Enabled = *req.Enabled
	}

	if err := h.repo.Create(c.Request.Context(), hook); err != nil {
		h.respondRepoError(c, err)
		return
	}
	c.JSON(http.StatusCreated, hook)
}

// UpdateWebhook applies a partial update
// PUT /api/webhooks/:id
func (h *WebhookHandler) UpdateWebhook(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req models.UpdateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if req.EventType != nil && !req.EventType.Valid() {
		invalidEventType(c)
		return
	}

	hook, err := h.repo.Update(c.Request.Context(), id, req)
	if err != nil {
		h.respondRepoError(c, err)
		return
	}
	c.JSON(http.StatusOK, hook)
}

// DeleteWebhook removes a subscription
// DELETE /api/webhooks/:id
func (h *WebhookHandler) DeleteWebhook(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.repo.Delete(c.Request.Context(), id); err != nil {
		h.respondRepoError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse{Message: "Webhook deleted successfully"})
}

// TestWebhook sends one synchronous test delivery
// POST /api/webhooks/:id/test
func (h *WebhookHandler) TestWebhook(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	result, err := h.dispatcher.Test(c.Request.Context(), id)
	if err != nil {
		h.respondRepoError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *WebhookHandler) respondRepoError(c *gin.Context, err error) {
	if errors.Is(err, webhooks.ErrWebhookNotFound) {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "Webhook not found")
		return
	}
	h.logger.WithError(err).Error("Webhook repository error")
	respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to process webhook")
}
