package refund

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/marketsettle/internal/escrow"
	"github.com/mbd888/marketsettle/internal/money"
	"github.com/mbd888/marketsettle/internal/orders"
	"github.com/mbd888/marketsettle/internal/validation"
)

// Handler provides HTTP endpoints for refunds.
type Handler struct {
	service *Service
}

// NewHandler creates a new refund handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up refund admin routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:id/refund-eligibility", h.Eligibility)
	r.GET("/orders/:id/refunds", h.ListByOrder)
	r.POST("/orders/:id/refunds", h.FullRefund)
	r.POST("/orders/:id/suborders/:subId/refunds", h.PartialRefund)
	r.GET("/refunds", h.ListByStatus)
	r.GET("/refunds/:id", h.GetRefund)
	r.POST("/refunds/:id/retry", h.Retry)
}

// Eligibility handles GET /v1/admin/orders/:id/refund-eligibility
// An optional subOrderId query parameter narrows the check to one sub-order.
func (h *Handler) Eligibility(c *gin.Context) {
	el, err := h.service.ValidateRefundEligibility(c.Request.Context(), c.Param("id"), c.Query("subOrderId"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"eligibility": el})
}

// FullRefundRequest is the body for a whole-order refund.
type FullRefundRequest struct {
	Reason      string `json:"reason"`
	InitiatedBy string `json:"initiatedBy"`
}

// FullRefund handles POST /v1/admin/orders/:id/refunds
func (h *Handler) FullRefund(c *gin.Context) {
	var req FullRefundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	if errs := validateNotes(req.Reason, req.InitiatedBy); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	rec, err := h.service.ProcessFullRefund(c.Request.Context(), c.Param("id"),
		validation.SanitizeString(req.Reason, validation.MaxNoteLength),
		validation.SanitizeString(req.InitiatedBy, validation.MaxNoteLength))
	if err != nil {
		writeError(c, err, rec)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"refund": rec})
}

// PartialRefundRequest is the body for a sub-order refund.
type PartialRefundRequest struct {
	Amount      string `json:"amount" binding:"required"`
	Reason      string `json:"reason"`
	InitiatedBy string `json:"initiatedBy"`
}

// PartialRefund handles POST /v1/admin/orders/:id/suborders/:subId/refunds
func (h *Handler) PartialRefund(c *gin.Context) {
	var req PartialRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	errs := validation.Validate(validation.PositiveAmount("amount", req.Amount))
	if errs = append(errs, validateNotes(req.Reason, req.InitiatedBy)...); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	amount, _ := money.Parse(req.Amount)

	rec, err := h.service.ProcessPartialRefund(c.Request.Context(), c.Param("id"), c.Param("subId"), amount,
		validation.SanitizeString(req.Reason, validation.MaxNoteLength),
		validation.SanitizeString(req.InitiatedBy, validation.MaxNoteLength))
	if err != nil {
		writeError(c, err, rec)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"refund": rec})
}

// GetRefund handles GET /v1/admin/refunds/:id
func (h *Handler) GetRefund(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": rec})
}

// ListByOrder handles GET /v1/admin/orders/:id/refunds
func (h *Handler) ListByOrder(c *gin.Context) {
	records, err := h.service.ListByOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	if records == nil {
		records = []*Record{}
	}
	c.JSON(http.StatusOK, gin.H{
		"refunds": records,
		"count":   len(records),
	})
}

// ListByStatus handles GET /v1/admin/refunds?status=failed&limit=50&cursor=...
func (h *Handler) ListByStatus(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusFailed)))
	if !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "unknown refund status",
		})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	page, err := h.service.ListByStatus(c.Request.Context(), status, limit, c.Query("cursor"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Retry handles POST /v1/admin/refunds/:id/retry
func (h *Handler) Retry(c *gin.Context) {
	rec, err := h.service.RetryFailedRefund(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, rec)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": rec})
}

func validateNotes(reason, initiatedBy string) validation.ValidationErrors {
	return validation.Validate(
		validation.MaxLength("reason", reason, validation.MaxNoteLength),
		validation.MaxLength("initiatedBy", initiatedBy, validation.MaxNoteLength),
	)
}

// writeError maps service errors to responses. rec, when set, is the
// refund left behind by a failed settlement and is included in the body.
func writeError(c *gin.Context, err error, rec *Record) {
	switch {
	case errors.Is(err, ErrRefundNotFound),
		errors.Is(err, orders.ErrOrderNotFound),
		errors.Is(err, orders.ErrSubOrderNotFound),
		errors.Is(err, orders.ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrExceedsRefundable),
		errors.Is(err, escrow.ErrExceedsRefundable), errors.Is(err, ErrInvalidCursor):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotEligible), errors.Is(err, ErrEscrowReleased),
		errors.Is(err, ErrInvalidStatus), errors.Is(err, escrow.ErrAlreadyReleased):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, ErrProviderFailed):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "provider_failed",
			"message": err.Error(),
			"refund":  rec,
		})
	default:
		body := gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		}
		if rec != nil {
			body["refund"] = rec
		}
		c.JSON(http.StatusInternalServerError, body)
	}
}
