package connect

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for connected-account state.
type Handler struct {
	service *Service
	store   Store
}

// NewHandler creates a connect handler.
func NewHandler(service *Service, store Store) *Handler {
	return &Handler{service: service, store: store}
}

// RegisterRoutes sets up connect routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/connect", h.GetStatus)
}

// RegisterAdminRoutes sets up operator-only connect routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/connect/:stripeAccountId/refresh", h.Refresh)
}

// GetStatus handles GET /v1/users/:id/connect — the owner-facing payout
// readiness check.
func (h *Handler) GetStatus(c *gin.Context) {
	a, err := h.store.GetByUserID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusOK, gin.H{
				"status":        StatusConnectRequired,
				"payouts_ready": false,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account":       a,
		"status":        a.Status,
		"payouts_ready": a.Status == StatusActive,
	})
}

// Refresh handles POST /admin/connect/:stripeAccountId/refresh — re-pulls the
// account from the gateway when a webhook was missed.
func (h *Handler) Refresh(c *gin.Context) {
	a, err := h.service.Refresh(c.Request.Context(), c.Param("stripeAccountId"))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No mirror row for this account; it may belong to an unknown user",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"account": a})
}
