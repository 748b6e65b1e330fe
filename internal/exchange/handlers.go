package exchange

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fiatbridge/internal/apperr"
	"github.com/mbd888/fiatbridge/internal/ledger"
	"github.com/mbd888/fiatbridge/internal/pagination"
	"github.com/mbd888/fiatbridge/internal/tokens"
	"github.com/mbd888/fiatbridge/internal/validation"
)

// Handler provides HTTP endpoints for mint and burn requests.
type Handler struct {
	service *Service
}

// NewHandler creates a new exchange handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRoutes sets up authenticated mint and burn routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/mints", h.CreateMint)
	r.GET("/mints", h.ListMyMints)
	r.GET("/mints/:id", h.GetMint)
	r.DELETE("/mints/:id", h.CancelMint)
	r.POST("/mints/:id/proof", h.SubmitMintProof)
	r.POST("/mints/:id/confirm", h.ConfirmMint)
	r.POST("/mints/:id/reject", h.RejectMint)

	r.POST("/burns", h.CreateBurn)
	r.GET("/burns", h.ListMyBurns)
	r.GET("/burns/:id", h.GetBurn)
	r.POST("/burns/:id/fiat-sent", h.MarkFiatSent)
	r.POST("/burns/:id/confirm", h.ConfirmBurn)
	r.POST("/burns/:id/reject", h.RejectBurn)

	r.GET("/agents/me/mints", h.ListAgentMints)
	r.GET("/agents/me/burns", h.ListAgentBurns)
}

// RegisterAdminRoutes sets up admin-only exchange routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/mints/expire", h.ExpireStale)
}

// CreateMintRequest is the body of POST /mints.
type CreateMintRequest struct {
	AgentID string `json:"agentId" binding:"required"`
	Token   string `json:"token" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

// CreateMint handles POST /mints
func (h *Handler) CreateMint(c *gin.Context) {
	var req CreateMintRequest
	if !ledger.BindJSON(c, &req) {
		return
	}
	token, err := tokens.Parse(req.Token)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	m, err := h.service.CreateMint(c.Request.Context(), ledger.CallerActor(c), MintInput{
		AgentID: req.AgentID,
		Token:   token,
		Amount:  amount,
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"mintRequest": m})
}

// ListMyMints handles GET /mints
func (h *Handler) ListMyMints(c *gin.Context) {
	mints, err := h.service.ListMints(c.Request.Context(), ledger.RequestQuery{
		UserID: ledger.CallerActor(c).UserID,
		Status: c.Query("status"),
		Limit:  pagination.Limit(c.Query("limit"), ledger.MaxPageSize),
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mintRequests": mints, "count": len(mints)})
}

// GetMint handles GET /mints/:id
func (h *Handler) GetMint(c *gin.Context) {
	m, err := h.service.GetMint(c.Request.Context(), ledger.CallerActor(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mintRequest": m})
}

// CancelMint handles DELETE /mints/:id
func (h *Handler) CancelMint(c *gin.Context) {
	if err := h.service.CancelMint(c.Request.Context(), ledger.CallerActor(c), c.Param("id")); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SubmitMintProof handles POST /mints/:id/proof (multipart field "proof")
func (h *Handler) SubmitMintProof(c *gin.Context) {
	proof, closeFn, ok := formProof(c)
	if !ok {
		return
	}
	defer closeFn()
	m, err := h.service.SubmitMintProof(c.Request.Context(), ledger.CallerActor(c), c.Param("id"), proof)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mintRequest": m})
}

// ConfirmMint handles POST /mints/:id/confirm
func (h *Handler) ConfirmMint(c *gin.Context) {
	m, err := h.service.ConfirmMint(c.Request.Context(), ledger.CallerActor(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mintRequest": m})
}

// RejectRequest is the body of the reject endpoints.
type RejectRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// RejectMint handles POST /mints/:id/reject
func (h *Handler) RejectMint(c *gin.Context) {
	var req RejectRequest
	if !ledger.BindJSON(c, &req) {
		return
	}
	m, err := h.service.RejectMint(c.Request.Context(), ledger.CallerActor(c), c.Param("id"),
		validation.SanitizeString(req.Reason, 500))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mintRequest": m})
}

// CreateBurnRequest is the body of POST /burns.
type CreateBurnRequest struct {
	AgentID string             `json:"agentId" binding:"required"`
	Token   string             `json:"token" binding:"required"`
	Amount  string             `json:"amount" binding:"required"`
	Bank    ledger.BankDetails `json:"bank"`
}

// CreateBurn handles POST /burns
func (h *Handler) CreateBurn(c *gin.Context) {
	var req CreateBurnRequest
	if !ledger.BindJSON(c, &req) {
		return
	}
	token, err := tokens.Parse(req.Token)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	b, err := h.service.CreateBurn(c.Request.Context(), ledger.CallerActor(c), BurnInput{
		AgentID: req.AgentID,
		Token:   token,
		Amount:  amount,
		Bank:    req.Bank,
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"burnRequest": b})
}

// ListMyBurns handles GET /burns
func (h *Handler) ListMyBurns(c *gin.Context) {
	burns, err := h.service.ListBurns(c.Request.Context(), ledger.RequestQuery{
		UserID: ledger.CallerActor(c).UserID,
		Status: c.Query("status"),
		Limit:  pagination.Limit(c.Query("limit"), ledger.MaxPageSize),
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"burnRequests": burns, "count": len(burns)})
}

// GetBurn handles GET /burns/:id
func (h *Handler) GetBurn(c *gin.Context) {
	b, err := h.service.GetBurn(c.Request.Context(), ledger.CallerActor(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"burnRequest": b})
}

// MarkFiatSent handles POST /burns/:id/fiat-sent (multipart field "proof")
func (h *Handler) MarkFiatSent(c *gin.Context) {
	proof, closeFn, ok := formProof(c)
	if !ok {
		return
	}
	defer closeFn()
	b, err := h.service.MarkFiatSent(c.Request.Context(), ledger.CallerActor(c), c.Param("id"), proof)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"burnRequest": b})
}

// ConfirmBurn handles POST /burns/:id/confirm
func (h *Handler) ConfirmBurn(c *gin.Context) {
	b, err := h.service.ConfirmBurn(c.Request.Context(), ledger.CallerActor(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"burnRequest": b})
}

// RejectBurn handles POST /burns/:id/reject
func (h *Handler) RejectBurn(c *gin.Context) {
	var req RejectRequest
	if !ledger.BindJSON(c, &req) {
		return
	}
	b, err := h.service.RejectBurn(c.Request.Context(), ledger.CallerActor(c), c.Param("id"),
		validation.SanitizeString(req.Reason, 500))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"burnRequest": b})
}

// ListAgentMints handles GET /agents/me/mints
func (h *Handler) ListAgentMints(c *gin.Context) {
	agentID, ok := h.callerAgentID(c)
	if !ok {
		return
	}
	mints, err := h.service.ListMints(c.Request.Context(), ledger.RequestQuery{
		AgentID: agentID,
		Status:  c.Query("status"),
		Limit:   pagination.Limit(c.Query("limit"), ledger.MaxPageSize),
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mintRequests": mints, "count": len(mints)})
}

// ListAgentBurns handles GET /agents/me/burns
func (h *Handler) ListAgentBurns(c *gin.Context) {
	agentID, ok := h.callerAgentID(c)
	if !ok {
		return
	}
	burns, err := h.service.ListBurns(c.Request.Context(), ledger.RequestQuery{
		AgentID: agentID,
		Status:  c.Query("status"),
		Limit:   pagination.Limit(c.Query("limit"), ledger.MaxPageSize),
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"burnRequests": burns, "count": len(burns)})
}

// ExpireStale handles POST /admin/mints/expire
func (h *Handler) ExpireStale(c *gin.Context) {
	n, err := h.service.ExpireStaleMints(c.Request.Context(), pagination.Limit(c.Query("limit"), ledger.MaxPageSize))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": n})
}

func (h *Handler) callerAgentID(c *gin.Context) (string, bool) {
	a, err := h.service.capacity.GetByUser(c.Request.Context(), ledger.CallerActor(c).UserID)
	if err != nil {
		apperr.Respond(c, err)
		return "", false
	}
	return a.ID, true
}

// formProof opens the multipart "proof" file.
func formProof(c *gin.Context) (Proof, func(), bool) {
	fh, err := c.FormFile("proof")
	if err != nil {
		apperr.Respond(c, apperr.Validation("proof file is required"))
		return Proof{}, nil, false
	}
	f, err := fh.Open()
	if err != nil {
		apperr.Respond(c, apperr.Validation("proof file is unreadable"))
		return Proof{}, nil, false
	}
	return Proof{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Body:        f,
	}, func() { _ = f.Close() }, true
}
