package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/marketsettle/internal/logging"
)

// Handler exposes on-demand reconciliation runs.
type Handler struct {
	service *Service
}

// NewHandler creates a new reconciliation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up reconciliation admin routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reconciliation/run", h.Run)
}

// Run handles POST /v1/admin/reconciliation/run
func (h *Handler) Run(c *gin.Context) {
	report, err := h.service.Run(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation run failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
		return
	}
	if report.Findings == nil {
		report.Findings = []Finding{}
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "clean": report.Clean()})
}
