package capacity

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fiatbridge/internal/apperr"
	"github.com/mbd888/fiatbridge/internal/ledger"
	"github.com/mbd888/fiatbridge/internal/pagination"
	"github.com/mbd888/fiatbridge/internal/validation"
)

// Handler provides HTTP endpoints for agents.
type Handler struct {
	service *Service
}

// NewHandler creates a new capacity handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRoutes sets up authenticated agent routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/agents", h.ListActive)
	r.POST("/agents", h.Register)
	r.GET("/agents/me", h.Me)
	r.POST("/agents/me/deposits", h.Deposit)
	r.GET("/agents/me/withdrawals", h.MyWithdrawals)
	r.POST("/agents/me/withdrawals", h.RequestWithdrawal)
}

// RegisterAdminRoutes sets up admin-only agent routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/agents", h.ListAll)
	r.GET("/agents/:id", h.Summary)
	r.POST("/agents/:id/suspend", h.Suspend)
	r.POST("/agents/:id/activate", h.Activate)
	r.GET("/withdrawals", h.ListWithdrawals)
	r.POST("/withdrawals/:id/approve", h.Approve)
	r.POST("/withdrawals/:id/paid", h.MarkPaid)
	r.POST("/withdrawals/:id/reject", h.Reject)
}

// ListActive handles GET /agents
func (h *Handler) ListActive(c *gin.Context) {
	agents, err := h.service.List(c.Request.Context(), ledger.AgentActive, pagination.Limit(c.Query("limit"), ledger.MaxPageSize))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

// Register handles POST /agents
func (h *Handler) Register(c *gin.Context) {
	a, err := h.service.Register(c.Request.Context(), ledger.CallerActor(c).UserID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agent": a})
}

// Me handles GET /agents/me
func (h *Handler) Me(c *gin.Context) {
	a, ok := h.callerAgent(c)
	if !ok {
		return
	}
	sum, err := h.service.Summary(c.Request.Context(), a.ID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// DepositRequest is the body of POST /agents/me/deposits.
type DepositRequest struct {
	AmountUSD string `json:"amountUsd" binding:"required"`
	TxHash    string `json:"txHash" binding:"required"`
}

// Deposit handles POST /agents/me/deposits
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if !ledger.BindJSON(c, &req) {
		return
	}
	if errs := validation.Validate(
		validation.ValidAmount("amountUsd", req.AmountUSD),
		validation.ValidTxHash("txHash", req.TxHash),
	); len(errs) > 0 {
		apperr.Respond(c, errs.AsError())
		return
	}
	amount, err := ledger.ParseAmount(req.AmountUSD)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	a, ok := h.callerAgent(c)
	if !ok {
		return
	}
	dep, err := h.service.Deposit(c.Request.Context(), ledger.CallerActor(c), a.ID, amount, req.TxHash)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"deposit": dep})
}

// WithdrawalRequest is the body of POST /agents/me/withdrawals.
type WithdrawalRequest struct {
	AmountUSD   string `json:"amountUsd" binding:"required"`
	Destination string `json:"destination" binding:"required"`
}

// RequestWithdrawal handles POST /agents/me/withdrawals
func (h *Handler) RequestWithdrawal(c *gin.Context) {
	var req WithdrawalRequest
	if !ledger.BindJSON(c, &req) {
		return
	}
	if errs := validation.Validate(
		validation.ValidAmount("amountUsd", req.AmountUSD),
		validation.ValidAddress("destination", req.Destination),
	); len(errs) > 0 {
		apperr.Respond(c, errs.AsError())
		return
	}
	amount, err := ledger.ParseAmount(req.AmountUSD)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	a, ok := h.callerAgent(c)
	if !ok {
		return
	}
	w, err := h.service.RequestWithdrawal(c.Request.Context(), ledger.CallerActor(c), a.ID, amount, req.Destination)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"withdrawal": w})
}

// MyWithdrawals handles GET /agents/me/withdrawals
func (h *Handler) MyWithdrawals(c *gin.Context) {
	a, ok := h.callerAgent(c)
	if !ok {
		return
	}
	ws, err := h.service.ListWithdrawals(c.Request.Context(), ledger.WithdrawalQuery{
		AgentID: a.ID,
		Status:  ledger.WithdrawalStatus(c.Query("status")),
		Limit:   pagination.Limit(c.Query("limit"), ledger.MaxPageSize),
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": ws, "count": len(ws)})
}

// ListAll handles GET /admin/agents
func (h *Handler) ListAll(c *gin.Context) {
	agents, err := h.service.List(c.Request.Context(), ledger.AgentStatus(c.Query("status")), pagination.Limit(c.Query("limit"), ledger.MaxPageSize))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

// Summary handles GET /admin/agents/:id
func (h *Handler) Summary(c *gin.Context) {
	sum, err := h.service.Summary(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// SuspendRequest is the body of POST /admin/agents/:id/suspend.
type SuspendRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Suspend handles POST /admin/agents/:id/suspend
func (h *Handler) Suspend(c *gin.Context) {
	var req SuspendRequest
	if !ledger.BindJSON(c, &req) {
		return
	}
	a, err := h.service.Suspend(c.Request.Context(), c.Param("id"), validation.SanitizeString(req.Reason, 500))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": a})
}

// Activate handles POST /admin/agents/:id/activate
func (h *Handler) Activate(c *gin.Context) {
	a, err := h.service.Activate(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": a})
}

// ListWithdrawals handles GET /admin/withdrawals
func (h *Handler) ListWithdrawals(c *gin.Context) {
	ws, err := h.service.ListWithdrawals(c.Request.Context(), ledger.WithdrawalQuery{
		AgentID: c.Query("agentId"),
		Status:  ledger.WithdrawalStatus(c.Query("status")),
		Limit:   pagination.Limit(c.Query("limit"), ledger.MaxPageSize),
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": ws, "count": len(ws)})
}

// ReviewRequest is the body of the withdrawal review endpoints.
type ReviewRequest struct {
	Notes        string `json:"notes"`
	PayoutTxHash string `json:"payoutTxHash"`
}

// Approve handles POST /admin/withdrawals/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	var req ReviewRequest
	_ = c.ShouldBindJSON(&req)
	w, err := h.service.ApproveWithdrawal(c.Request.Context(), ledger.CallerActor(c), c.Param("id"), validation.SanitizeString(req.Notes, 500))
	h.respondWithdrawal(c, w, err)
}

// MarkPaid handles POST /admin/withdrawals/:id/paid
func (h *Handler) MarkPaid(c *gin.Context) {
	var req ReviewRequest
	if !ledger.BindJSON(c, &req) {
		return
	}
	w, err := h.service.MarkWithdrawalPaid(c.Request.Context(), ledger.CallerActor(c), c.Param("id"), req.PayoutTxHash)
	h.respondWithdrawal(c, w, err)
}

// Reject handles POST /admin/withdrawals/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	var req ReviewRequest
	_ = c.ShouldBindJSON(&req)
	w, err := h.service.RejectWithdrawal(c.Request.Context(), ledger.CallerActor(c), c.Param("id"), validation.SanitizeString(req.Notes, 500))
	h.respondWithdrawal(c, w, err)
}

func (h *Handler) respondWithdrawal(c *gin.Context, w *ledger.Withdrawal, err error) {
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// callerAgent loads the caller's agent, answering 404 if they are not one.
func (h *Handler) callerAgent(c *gin.Context) (*ledger.Agent, bool) {
	a, err := h.service.GetByUser(c.Request.Context(), ledger.CallerActor(c).UserID)
	if err != nil {
		apperr.Respond(c, err)
		return nil, false
	}
	return a, true
}
