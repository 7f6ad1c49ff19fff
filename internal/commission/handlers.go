package commission

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/marketsettle/internal/money"
)

// Handler provides HTTP endpoints for commission rule administration.
type Handler struct {
	service *Service
}

// NewHandler creates a new commission handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up commission admin routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/commission/rules", h.CreateRule)
	r.POST("/commission/rules/validate", h.ValidateRule)
	r.GET("/commission/rules", h.ListRules)
	r.GET("/commission/rules/:id", h.GetRule)
	r.PUT("/commission/rules/:id", h.UpdateRule)
	r.DELETE("/commission/rules/:id", h.DeactivateRule)
	r.GET("/commission/resolve", h.Resolve)
	r.POST("/commission/preview", h.Preview)
}

// CreateRule handles POST /v1/admin/commission/rules
func (h *Handler) CreateRule(c *gin.Context) {
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	rule, err := h.service.CreateRule(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"rule": rule})
}

// UpdateRule handles PUT /v1/admin/commission/rules/:id
func (h *Handler) UpdateRule(c *gin.Context) {
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	rule, err := h.service.UpdateRule(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// ValidateRule handles POST /v1/admin/commission/rules/validate
func (h *Handler) ValidateRule(c *gin.Context) {
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	conflicts, err := h.service.ValidateRule(c.Request.Context(), req, c.Query("excludeId"))
	if err != nil {
		writeError(c, err)
		return
	}
	if conflicts == nil {
		conflicts = []*Rule{}
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":     len(conflicts) == 0,
		"conflicts": conflicts,
	})
}

// GetRule handles GET /v1/admin/commission/rules/:id
func (h *Handler) GetRule(c *gin.Context) {
	rule, err := h.service.GetRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// ListRules handles GET /v1/admin/commission/rules
func (h *Handler) ListRules(c *gin.Context) {
	filter := ListFilter{
		Applicability: Applicability(c.Query("applicability")),
		ActiveOnly:    c.Query("active") == "true",
		Limit:         100,
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}

	rules, err := h.service.ListRules(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rules": rules,
		"count": len(rules),
	})
}

// DeactivateRule handles DELETE /v1/admin/commission/rules/:id
func (h *Handler) DeactivateRule(c *gin.Context) {
	rule, err := h.service.DeactivateRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// Resolve handles GET /v1/admin/commission/resolve
func (h *Handler) Resolve(c *gin.Context) {
	q := Query{
		StoreID:    c.Query("storeId"),
		CategoryID: c.Query("categoryId"),
		SellerTier: c.Query("sellerTier"),
	}
	if at := c.Query("at"); at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "at must be an RFC3339 timestamp",
			})
			return
		}
		q.At = t
	}

	rule, err := h.service.Resolve(c.Request.Context(), q)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rule":    rule,
		"matched": rule != nil,
	})
}

// PreviewRequest is the body for a commission preview.
type PreviewRequest struct {
	Gross      string     `json:"gross" binding:"required"`
	StoreID    string     `json:"storeId"`
	CategoryID string     `json:"categoryId"`
	SellerTier string     `json:"sellerTier"`
	At         *time.Time `json:"at"`
}

// Preview handles POST /v1/admin/commission/preview
func (h *Handler) Preview(c *gin.Context) {
	var req PreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	gross, ok := money.Parse(req.Gross)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "gross must be a non-negative decimal amount",
		})
		return
	}

	in := Input{
		Gross:      gross,
		StoreID:    req.StoreID,
		CategoryID: req.CategoryID,
		SellerTier: req.SellerTier,
	}
	if req.At != nil {
		in.At = *req.At
	}
	result, err := h.service.Preview(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func writeError(c *gin.Context, err error) {
	var conflict *ConflictError
	switch {
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":     "rule_conflict",
			"message":   err.Error(),
			"conflicts": conflict.Conflicts,
		})
	case errors.Is(err, ErrRuleNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Commission rule not found",
		})
	case errors.Is(err, ErrInvalidRule):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
