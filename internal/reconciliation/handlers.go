package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fiatbridge/internal/apperr"
)

// Handler exposes reconciliation to admins.
type Handler struct {
	service *Service
}

// NewHandler creates a new reconciliation handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.Run)
}

// Run handles GET /admin/reconciliation
func (h *Handler) Run(c *gin.Context) {
	report, err := h.service.Run(c.Request.Context())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"report": report})
}
