package claims

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gearshareapp/gearshare/internal/booking"
	"github.com/gearshareapp/gearshare/internal/validation"
)

// Handler provides HTTP endpoints for the claim workflow.
type Handler struct {
	service *Service
	store   Store
}

// NewHandler creates a claims handler.
func NewHandler(service *Service, store Store) *Handler {
	return &Handler{service: service, store: store}
}

// RegisterRoutes sets up claim routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/claims", h.FileClaim)
	r.GET("/claims/:id", h.GetClaim)
}

// RegisterAdminRoutes sets up reviewer-only claim routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/claims", h.ListClaims)
	r.POST("/claims/:id/review", h.StartReview)
	r.POST("/claims/:id/resolve", h.ResolveClaim)
}

// FileClaim handles POST /v1/claims
func (h *Handler) FileClaim(c *gin.Context) {
	var req FileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "booking_id, claimant_id and claim_type are required",
		})
		return
	}

	req.Description = validation.SanitizeString(req.Description, 4000)
	if errs := validation.Validate(
		validation.OneOf("claim_type", string(req.ClaimType),
			string(TypeDamage), string(TypeLateReturn), string(TypeNotAsDescribed), string(TypeOther)),
		validation.NonNegativeAmount("amount_requested", req.AmountRequested),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	claim, err := h.service.File(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, booking.ErrBookingNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Booking not found",
			})
		case errors.Is(err, ErrNotParty):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "not_party",
				"message": "Only the owner or renter of the booking can file a claim",
			})
		case errors.Is(err, ErrDuplicatePending):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_claim",
				"message": "An unresolved claim already exists for this booking",
			})
		case errors.Is(err, ErrBookingNotOpen):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_state",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"claim": claim})
}

// GetClaim handles GET /v1/claims/:id
func (h *Handler) GetClaim(c *gin.Context) {
	claim, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrClaimNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Claim not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"claim": claim})
}

// ListClaims handles GET /admin/claims?status=pending
func (h *Handler) ListClaims(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusPending)))

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	result, err := h.store.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"claims": result,
		"count":  len(result),
	})
}

// StartReview handles POST /admin/claims/:id/review
func (h *Handler) StartReview(c *gin.Context) {
	ok, err := h.service.StartReview(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrClaimNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Claim not found",
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
			"message": "Only pending claims can move to review",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ResolveRequest is the body for POST /admin/claims/:id/resolve.
type ResolveRequest struct {
	Decision   Decision `json:"decision" binding:"required"`
	ResolvedBy string   `json:"resolved_by" binding:"required"`
	Notes      string   `json:"notes"`
}

// ResolveClaim handles POST /admin/claims/:id/resolve.
//
// A 200 with release_error set means the verdict was recorded but the payout
// failed; retry goes through the escrow admin endpoints, not re-resolution.
func (h *Handler) ResolveClaim(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "decision and resolved_by are required",
		})
		return
	}

	res, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req.Decision, req.ResolvedBy,
		validation.SanitizeString(req.Notes, 4000))
	if err != nil {
		switch {
		case errors.Is(err, ErrClaimNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Claim not found",
			})
		case errors.Is(err, ErrInvalidDecision):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_decision",
				"message": "decision must be approved or rejected",
			})
		case errors.Is(err, ErrAlreadyResolved):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_resolved",
				"message": "Claim is already resolved",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"claim":          res.Claim,
		"release_type":   res.ReleaseType,
		"release_result": res.ReleaseResult,
		"release_error":  res.ReleaseError,
	})
}
