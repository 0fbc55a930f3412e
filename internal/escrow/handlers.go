package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gearshareapp/gearshare/internal/booking"
)

// Handler provides HTTP endpoints for escrow release and inspection.
type Handler struct {
	engine *Engine
	store  Store
}

// NewHandler creates a new escrow handler.
func NewHandler(engine *Engine, store Store) *Handler {
	return &Handler{engine: engine, store: store}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/release", h.Release)
	r.GET("/escrow/:bookingId", h.GetByBooking)
}

// RegisterAdminRoutes sets up operator-only escrow routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/escrow", h.ListByStatus)
	r.POST("/escrow/:bookingId/rearm", h.Rearm)
}

// ReleaseRequest is the body for POST /v1/escrow/release.
type ReleaseRequest struct {
	BookingID      string `json:"booking_id" binding:"required"`
	ReleaseType    string `json:"release_type" binding:"required"`
	DepositToOwner bool   `json:"deposit_to_owner"`
}

// Release handles POST /v1/escrow/release
func (h *Handler) Release(c *gin.Context) {
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "booking_id and release_type are required",
		})
		return
	}

	res, err := h.engine.Release(c.Request.Context(), req.BookingID,
		ReleaseType(req.ReleaseType), ReleaseOptions{DepositToOwner: req.DepositToOwner})
	if err != nil {
		h.releaseError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"booking_id":   res.BookingID,
		"release_type": res.ReleaseType,
		"transfer_id":  res.TransferID,
		"refund_id":    res.RefundID,
		"message":      res.Message,
	})
}

func (h *Handler) releaseError(c *gin.Context, err error) {
	var gwErr *GatewayError
	switch {
	case errors.Is(err, ErrInvalidReleaseType):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_release_type",
			"message": "release_type must be one of return_confirmed, completed, claim_owner, claim_denied, claim_renter_approved",
		})
	case errors.Is(err, ErrNotHeld):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "escrow_not_held",
			"message": err.Error(),
		})
	case errors.Is(err, ErrMissingCharge):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_charge",
			"message": "Payment has not been reconciled yet; retry after the payment webhook arrives",
		})
	case errors.Is(err, ErrAccountNotReady):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "account_not_ready",
			"message": "The owner's payout account is not ready to receive transfers",
		})
	case errors.Is(err, ErrEscrowNotFound), errors.Is(err, booking.ErrBookingNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.As(err, &gwErr):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "gateway_error",
			"message": "Payment gateway call failed; the escrow is marked for operator follow-up",
			"details": gwErr.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}

// GetByBooking handles GET /v1/escrow/:bookingId
func (h *Handler) GetByBooking(c *gin.Context) {
	tx, err := h.store.GetByBookingID(c.Request.Context(), c.Param("bookingId"))
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No escrow transaction for this booking",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": tx})
}

// ListByStatus handles GET /admin/escrow?status=transfer_failed
func (h *Handler) ListByStatus(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusTransferFailed)))

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	txs, err := h.store.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": txs,
		"count":   len(txs),
	})
}

// Rearm handles POST /admin/escrow/:bookingId/rearm — puts a transfer_failed
// transaction back into held so the release can be retried.
func (h *Handler) Rearm(c *gin.Context) {
	ok, err := h.engine.Rearm(c.Request.Context(), c.Param("bookingId"))
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No escrow transaction for this booking",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": "Escrow is not in transfer_failed state",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}
