package escrow

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fiatbridge/internal/apperr"
	"github.com/mbd888/fiatbridge/internal/ledger"
	"github.com/mbd888/fiatbridge/internal/pagination"
)

// Handler provides HTTP endpoints for escrows.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRoutes sets up authenticated escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.Get)
}

// RegisterAdminRoutes sets up admin-only escrow routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/sweep", h.Sweep)
}

// Get handles GET /escrows/:id
func (h *Handler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	actor := ledger.CallerActor(c)
	e, err := h.service.Get(ctx, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if !actor.IsAdmin() && e.UserID != actor.UserID && !h.isAgentUser(c, e.AgentID, actor.UserID) {
		apperr.Respond(c, apperr.NotFound("escrow"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// Sweep handles POST /admin/escrows/sweep
func (h *Handler) Sweep(c *gin.Context) {
	res, err := h.service.ProcessExpiredEscrows(c.Request.Context(),
		pagination.Limit(c.Query("limit"), ledger.MaxPageSize))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) isAgentUser(c *gin.Context, agentID, userID string) bool {
	if agentID == "" {
		return false
	}
	a, err := h.service.capacity.Get(c.Request.Context(), agentID)
	return err == nil && a.UserID == userID
}
