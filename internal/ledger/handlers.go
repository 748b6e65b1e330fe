package ledger

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/fiatbridge/internal/apperr"
	"github.com/mbd888/fiatbridge/internal/auth"
	"github.com/mbd888/fiatbridge/internal/money"
	"github.com/mbd888/fiatbridge/internal/pagination"
	"github.com/mbd888/fiatbridge/internal/tokens"
	"github.com/mbd888/fiatbridge/internal/validation"
)

// Handler provides HTTP endpoints for wallets and transactions.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// RegisterRoutes sets up authenticated wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets", h.ListWallets)
	r.GET("/wallets/:token", h.GetWallet)
	r.GET("/transactions", h.History)
	r.GET("/transactions/:id", h.GetTransaction)
	r.POST("/transfers", h.Transfer)
	r.POST("/swaps", h.Swap)
}

// RegisterAdminRoutes sets up admin-only wallet routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/wallets/:id/freeze", h.Freeze)
	r.POST("/wallets/:id/unfreeze", h.Unfreeze)
	r.POST("/wallets/:id/deactivate", h.Deactivate)
	r.POST("/credits", h.Credit)
	r.POST("/debits", h.Debit)
}

// CallerActor maps the verified identity onto a ledger Actor.
func CallerActor(c *gin.Context) Actor {
	id, _ := auth.GetIdentity(c)
	return Actor{UserID: id.UserID, Role: Role(id.Role)}
}

// BindJSON decodes the body into req, answering 400 on failure.
func BindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return false
	}
	return true
}

// ParseAmount parses a positive amount string.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, ok := money.ParsePositive(s)
	if !ok {
		return decimal.Zero, apperr.Validation("amount must be a positive decimal with at most %d places", money.Decimals)
	}
	return d, nil
}

// ListWallets handles GET /wallets
func (h *Handler) ListWallets(c *gin.Context) {
	wallets, err := h.ledger.ListWallets(c.Request.Context(), CallerActor(c).UserID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallets": wallets})
}

// GetWallet handles GET /wallets/:token
func (h *Handler) GetWallet(c *gin.Context) {
	token, err := tokens.Parse(c.Param("token"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	w, err := h.ledger.GetOrCreate(c.Request.Context(), CallerActor(c).UserID, token)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// History handles GET /transactions
func (h *Handler) History(c *gin.Context) {
	var token tokens.Token
	if raw := c.Query("token"); raw != "" {
		t, err := tokens.Parse(raw)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		token = t
	}
	page, err := h.ledger.History(c.Request.Context(), CallerActor(c).UserID, token,
		pagination.Limit(c.Query("limit"), MaxPageSize-1), c.Query("cursor"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetTransaction handles GET /transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	actor := CallerActor(c)
	txn, err := h.ledger.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if !actor.IsAdmin() && txn.FromUserID != actor.UserID && txn.ToUserID != actor.UserID {
		apperr.Respond(c, apperr.NotFound("transaction"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// TransferRequest is the body of POST /transfers.
type TransferRequest struct {
	To          string `json:"to" binding:"required"`
	Token       string `json:"token" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Description string `json:"description"`
}

// Transfer handles POST /transfers
func (h *Handler) Transfer(c *gin.Context) {
	var req TransferRequest
	if !BindJSON(c, &req) {
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("to", req.To, 320),
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("description", req.Description, 500),
	); len(errs) > 0 {
		apperr.Respond(c, errs.AsError())
		return
	}
	token, err := tokens.Parse(req.Token)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	amount, err := ParseAmount(req.Amount)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	txn, err := h.ledger.Transfer(c.Request.Context(), TransferInput{
		FromUserID:  CallerActor(c).UserID,
		To:          req.To,
		Token:       token,
		Amount:      amount,
		Description: validation.SanitizeString(req.Description, 500),
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// SwapRequest is the body of POST /swaps.
type SwapRequest struct {
	From   string `json:"from" binding:"required"`
	To     string `json:"to" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

// Swap handles POST /swaps
func (h *Handler) Swap(c *gin.Context) {
	var req SwapRequest
	if !BindJSON(c, &req) {
		return
	}
	from, err := tokens.Parse(req.From)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	to, err := tokens.Parse(req.To)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	amount, err := ParseAmount(req.Amount)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	txn, err := h.ledger.Swap(c.Request.Context(), CallerActor(c).UserID, from, to, amount)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// FreezeRequest is the body of POST /admin/wallets/:id/freeze.
type FreezeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Freeze handles POST /admin/wallets/:id/freeze
func (h *Handler) Freeze(c *gin.Context) {
	var req FreezeRequest
	if !BindJSON(c, &req) {
		return
	}
	w, err := h.ledger.Freeze(c.Request.Context(), c.Param("id"), validation.SanitizeString(req.Reason, 500))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// Unfreeze handles POST /admin/wallets/:id/unfreeze
func (h *Handler) Unfreeze(c *gin.Context) {
	w, err := h.ledger.Unfreeze(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// Deactivate handles POST /admin/wallets/:id/deactivate
func (h *Handler) Deactivate(c *gin.Context) {
	w, err := h.ledger.Deactivate(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// AdjustmentRequest is the body of the admin credit and debit endpoints.
type AdjustmentRequest struct {
	UserID string `json:"userId" binding:"required"`
	Token  string `json:"token" binding:"required"`
	Amount string `json:"amount" binding:"required"`
	Note   string `json:"note" binding:"required"`
}

// Credit handles POST /admin/credits
func (h *Handler) Credit(c *gin.Context) {
	h.adjust(c, h.ledger.Credit)
}

// Debit handles POST /admin/debits
func (h *Handler) Debit(c *gin.Context) {
	h.adjust(c, h.ledger.Debit)
}

func (h *Handler) adjust(c *gin.Context, op func(context.Context, string, tokens.Token, decimal.Decimal, Metadata) (*Transaction, error)) {
	var req AdjustmentRequest
	if !BindJSON(c, &req) {
		return
	}
	token, err := tokens.Parse(req.Token)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	amount, err := ParseAmount(req.Amount)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	meta := Metadata{
		MetaNote:   validation.SanitizeString(req.Note, 500),
		MetaReason: "admin:" + CallerActor(c).UserID,
	}
	txn, err := op(c.Request.Context(), req.UserID, token, amount, meta)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}
