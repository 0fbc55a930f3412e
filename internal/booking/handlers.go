package booking

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gearshareapp/gearshare/internal/validation"
)

// Handler provides HTTP endpoints for bookings and checkout.
type Handler struct {
	store    Store
	checkout *CheckoutService
}

// NewHandler creates a new booking handler.
func NewHandler(store Store, checkout *CheckoutService) *Handler {
	return &Handler{store: store, checkout: checkout}
}

// RegisterRoutes sets up booking routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/checkout", h.StartCheckout)
	r.GET("/bookings/:id", h.GetBooking)
	r.GET("/users/:id/bookings", h.ListBookings)
	r.POST("/bookings/:id/cancel", h.CancelBooking)
	r.POST("/bookings/:id/activate", h.ActivateBooking)
	r.POST("/bookings/:id/return", h.ReturnBooking)
}

// StartCheckout handles POST /v1/checkout
func (h *Handler) StartCheckout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("owner_id", req.OwnerID),
		validation.Required("renter_id", req.RenterID),
		validation.PositiveAmount("rental_amount", req.RentalAmount),
		validation.NonNegativeAmount("deposit_amount", req.DepositAmount),
		validation.DateOrder("dates", req.StartDate, req.EndDate),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	b, url, err := h.checkout.Start(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "checkout_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"booking":     b,
		"checkoutUrl": url,
	})
}

// GetBooking handles GET /v1/bookings/:id
func (h *Handler) GetBooking(c *gin.Context) {
	b, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Booking not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// ListBookings handles GET /v1/users/:id/bookings
func (h *Handler) ListBookings(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	bookings, err := h.store.ListByUser(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"bookings": bookings,
		"count":    len(bookings),
	})
}

// CancelBooking handles POST /v1/bookings/:id/cancel
// Only unpaid pending bookings can be cancelled directly; paid bookings move
// money and must go through the escrow release engine instead.
func (h *Handler) CancelBooking(c *gin.Context) {
	h.transition(c, StatusPending, StatusCancelled, "Only pending bookings can be cancelled")
}

// ActivateBooking handles POST /v1/bookings/:id/activate (handover happened).
func (h *Handler) ActivateBooking(c *gin.Context) {
	h.transition(c, StatusConfirmed, StatusActive, "Booking must be confirmed before pickup")
}

// ReturnBooking handles POST /v1/bookings/:id/return (gear came back).
func (h *Handler) ReturnBooking(c *gin.Context) {
	h.transition(c, StatusActive, StatusReturned, "Booking must be active to be returned")
}

func (h *Handler) transition(c *gin.Context, from, to Status, conflictMsg string) {
	ok, err := h.store.Transition(c.Request.Context(), c.Param("id"), from, to)
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Booking not found",
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
			"message": conflictMsg,
		})
		return
	}

	b, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}
