package webhook

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/gearshareapp/gearshare/internal/logging"
	"github.com/gearshareapp/gearshare/internal/metrics"
)

// maxPayloadBytes caps the webhook body. Stripe events are small; anything
// bigger is not from Stripe.
const maxPayloadBytes = 1 << 20

// Handler exposes the webhook endpoint.
type Handler struct {
	reconciler *Reconciler
}

// NewHandler creates a webhook HTTP handler.
func NewHandler(reconciler *Reconciler) *Handler {
	return &Handler{reconciler: reconciler}
}

// RegisterRoutes sets up the webhook route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.HandleStripe)
}

// HandleStripe handles POST /webhooks/stripe.
//
// Signature verification happens before anything else; an unverifiable
// payload is rejected without touching state. Handler failures answer 500 so
// the gateway redelivers.
func (h *Handler) HandleStripe(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "Could not read request body",
		})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.reconciler.secret)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		logging.L(c.Request.Context()).Warn("webhook signature verification failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}

	ctx := c.Request.Context()
	if err := h.reconciler.Dispatch(ctx, event); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "error").Inc()
		logging.L(ctx).Error("webhook handler failed",
			"event_id", event.ID, "type", string(event.Type), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "handler_error",
			"message": "Event processing failed; it will be redelivered",
		})
		return
	}

	metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "ok").Inc()
	c.JSON(http.StatusOK, gin.H{"received": true})
}
