package dispute

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fiatbridge/internal/apperr"
	"github.com/mbd888/fiatbridge/internal/ledger"
	"github.com/mbd888/fiatbridge/internal/pagination"
	"github.com/mbd888/fiatbridge/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRoutes sets up authenticated dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.Open)
	r.GET("/disputes/:id", h.Get)
	r.POST("/disputes/:id/escalate", h.Escalate)
}

// RegisterAdminRoutes sets up admin-only dispute routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.List)
	r.POST("/disputes/:id/resolve", h.Resolve)
}

// OpenRequest is the body of POST /disputes. Exactly one subject is set.
type OpenRequest struct {
	EscrowID      string `json:"escrowId"`
	MintRequestID string `json:"mintRequestId"`
	BurnRequestID string `json:"burnRequestId"`
	Reason        string `json:"reason" binding:"required"`
	Details       string `json:"details"`
}

// Open handles POST /disputes
func (h *Handler) Open(c *gin.Context) {
	var req OpenRequest
	if !ledger.BindJSON(c, &req) {
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("reason", req.Reason, 200),
		validation.MaxLength("details", req.Details, 2000),
	); len(errs) > 0 {
		apperr.Respond(c, errs.AsError())
		return
	}

	ctx := c.Request.Context()
	actor := ledger.CallerActor(c)
	var (
		d   *ledger.Dispute
		err error
	)
	switch {
	case req.EscrowID != "" && req.MintRequestID == "" && req.BurnRequestID == "":
		d, err = h.service.OpenForEscrow(ctx, actor, req.EscrowID, req.Reason, req.Details)
	case req.MintRequestID != "" && req.EscrowID == "" && req.BurnRequestID == "":
		d, err = h.service.OpenForMint(ctx, actor, req.MintRequestID, req.Reason, req.Details)
	case req.BurnRequestID != "" && req.EscrowID == "" && req.MintRequestID == "":
		d, err = h.service.OpenForBurn(ctx, actor, req.BurnRequestID, req.Reason, req.Details)
	default:
		err = apperr.Validation("exactly one of escrowId, mintRequestId or burnRequestId is required")
	}
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// Get handles GET /disputes/:id
func (h *Handler) Get(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), ledger.CallerActor(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// EscalateRequest is the body of POST /disputes/:id/escalate.
type EscalateRequest struct {
	Level string `json:"level" binding:"required"`
}

// Escalate handles POST /disputes/:id/escalate
func (h *Handler) Escalate(c *gin.Context) {
	var req EscalateRequest
	if !ledger.BindJSON(c, &req) {
		return
	}
	d, err := h.service.Escalate(c.Request.Context(), ledger.CallerActor(c), c.Param("id"), ledger.EscalationLevel(req.Level))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// List handles GET /admin/disputes
func (h *Handler) List(c *gin.Context) {
	disputes, err := h.service.List(c.Request.Context(), ledger.DisputeQuery{
		Status:  ledger.DisputeStatus(c.Query("status")),
		AgentID: c.Query("agentId"),
		Limit:   pagination.Limit(c.Query("limit"), ledger.MaxPageSize),
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes})
}

// ResolveRequest is the body of POST /admin/disputes/:id/resolve.
type ResolveRequest struct {
	Action     string `json:"action" binding:"required"`
	PenaltyUSD string `json:"penaltyUsd"`
	Notes      string `json:"notes"`
}

// Resolve handles POST /admin/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if !ledger.BindJSON(c, &req) {
		return
	}
	in := ResolveInput{Action: ledger.ResolutionAction(req.Action), Notes: req.Notes}
	if req.PenaltyUSD != "" {
		p, err := ledger.ParseAmount(req.PenaltyUSD)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		in.PenaltyUSD = p
	}
	d, err := h.service.Resolve(c.Request.Context(), ledger.CallerActor(c), c.Param("id"), in)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}
