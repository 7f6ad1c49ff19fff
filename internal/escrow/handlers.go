package escrow

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/marketsettle/internal/money"
	"github.com/mbd888/marketsettle/internal/orders"
)

// Sweeper runs one payout sweep on demand.
type Sweeper interface {
	Sweep(ctx context.Context) SweepResult
}

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
	sweeper Sweeper
}

// NewHandler creates a new escrow handler. sweeper may be nil, in which
// case the manual sweep endpoint only releases due records.
func NewHandler(service *Service, sweeper Sweeper) *Handler {
	return &Handler{service: service, sweeper: sweeper}
}

// RegisterAdminRoutes sets up escrow admin routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/payments/:id/allocations", h.CreateAllocations)
	r.GET("/payments/:id/escrows", h.ListByPayment)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/audit", h.ListAudit)
	r.POST("/escrows/:id/release", h.Release)
	r.POST("/escrows/:id/return", h.ReturnToBuyer)
	r.POST("/suborders/:id/eligible", h.MarkEligible)
	r.POST("/payouts/sweep", h.Sweep)
}

// CreateAllocations handles POST /v1/admin/payments/:id/allocations
func (h *Handler) CreateAllocations(c *gin.Context) {
	records, err := h.service.CreateAllocations(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": records,
		"count":   len(records),
	})
}

// ListByPayment handles GET /v1/admin/payments/:id/escrows
func (h *Handler) ListByPayment(c *gin.Context) {
	records, err := h.service.ListByPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if records == nil {
		records = []*Record{}
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": records,
		"count":   len(records),
	})
}

// GetEscrow handles GET /v1/admin/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// ListAudit handles GET /v1/admin/escrows/:id/audit
func (h *Handler) ListAudit(c *gin.Context) {
	audits, err := h.service.ListAudit(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"audit": audits,
		"count": len(audits),
	})
}

// Release handles POST /v1/admin/escrows/:id/release
func (h *Handler) Release(c *gin.Context) {
	rec, err := h.service.Release(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// ReturnRequest is the body for a manual return to the buyer.
type ReturnRequest struct {
	Amount string `json:"amount" binding:"required"`
	Notes  string `json:"notes"`
}

// ReturnToBuyer handles POST /v1/admin/escrows/:id/return
func (h *Handler) ReturnToBuyer(c *gin.Context) {
	var req ReturnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	amount, ok := money.Parse(req.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "amount must be a positive decimal amount",
		})
		return
	}

	rec, err := h.service.ReturnToBuyer(c.Request.Context(), c.Param("id"), amount, req.Notes)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// EligibleRequest optionally overrides the hold period.
type EligibleRequest struct {
	HoldDays int `json:"holdDays"`
}

// MarkEligible handles POST /v1/admin/suborders/:id/eligible
func (h *Handler) MarkEligible(c *gin.Context) {
	var req EligibleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	rec, err := h.service.MarkEligible(c.Request.Context(), c.Param("id"), req.HoldDays)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// Sweep handles POST /v1/admin/payouts/sweep
func (h *Handler) Sweep(c *gin.Context) {
	if h.sweeper != nil {
		c.JSON(http.StatusOK, gin.H{"sweep": h.sweeper.Sweep(c.Request.Context())})
		return
	}
	released, err := h.service.SweepEligiblePayouts(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sweep": SweepResult{Released: released}})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrEscrowNotFound),
		errors.Is(err, orders.ErrPaymentNotFound),
		errors.Is(err, orders.ErrSubOrderNotFound),
		errors.Is(err, orders.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrExceedsRefundable):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrAlreadyReleased),
		errors.Is(err, ErrNotDelivered), errors.Is(err, ErrPaymentNotSettled):
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
}
