package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"taskbridge/internal/logging"
	"taskbridge/internal/server/app"
)

// maxWebhookBodySize bounds inbound webhook payloads.
const maxWebhookBodySize = 1 << 20 // 1 MiB

// WebhookHandler adapts inbound GitHub deliveries to the webhook service.
type WebhookHandler struct {
	service *app.WebhookService
	logger  logging.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(service *app.WebhookService) *WebhookHandler {
	return &WebhookHandler{
		service: service,
		logger:  logging.NewComponentLogger("WebhookHandler"),
	}
}

// HandleGitHub handles POST /api/webhooks/github. The body is read raw so
// the signature is verified over the exact bytes GitHub signed.
func (h *WebhookHandler) HandleGitHub(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodySize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read request body"})
		return
	}

	signature := c.GetHeader("X-Hub-Signature-256")
	event := c.GetHeader("X-GitHub-Event")
	deliveryID := c.GetHeader("X-GitHub-Delivery")

	result, err := h.service.Handle(c.Request.Context(), signature, body, event, deliveryID)
	if err != nil {
		if errors.Is(err, app.ErrInvalidSignature) || errors.Is(err, app.ErrMissingSignature) {
			h.logger.Warn("Rejected webhook delivery %s: %v", deliveryID, err)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
			return
		}
		h.logger.Error("Webhook handling failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook handling failed"})
		return
	}

	c.JSON(http.StatusOK, result)
}
