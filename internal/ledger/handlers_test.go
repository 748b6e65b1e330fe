package ledger

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fiatbridge/internal/apperr"
	"github.com/mbd888/fiatbridge/internal/auth"
	"github.com/mbd888/fiatbridge/internal/tokens"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// asUser injects a verified identity the way auth.Middleware would.
func asUser(userID, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(auth.ContextKeyIdentity, auth.Identity{UserID: userID, Role: role})
		c.Next()
	}
}

func newRouter(h *Handler, userID, role string) *gin.Engine {
	r := gin.New()
	v1 := r.Group("/v1", asUser(userID, role))
	h.RegisterRoutes(v1)
	admin := v1.Group("/admin", auth.RequireAdmin())
	h.RegisterAdminRoutes(admin)
	return r
}

func send(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_TransferFlow(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", tokens.NT, "100")
	r := newRouter(NewHandler(f.l), "alice", auth.RoleUser)

	w := send(r, http.MethodPost, "/v1/transfers", `{"to":"bob@example.com","token":"nt","amount":"10"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Transaction Transaction `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, TxTransfer, resp.Transaction.Type)
	assert.True(t, resp.Transaction.Amount.Equal(dec("10")))

	w = send(r, http.MethodGet, "/v1/transactions/"+resp.Transaction.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = send(r, http.MethodGet, "/v1/transactions?token=NT&limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var page HistoryPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Transactions, 1)
	assert.True(t, page.HasMore)
	assert.NotEmpty(t, page.NextCursor)
}

func TestHandler_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", tokens.NT, "5")
	r := newRouter(NewHandler(f.l), "alice", auth.RoleUser)

	cases := []struct {
		name   string
		body   string
		status int
		kind   apperr.Kind
	}{
		{"insufficient", `{"to":"bob","token":"NT","amount":"10"}`, http.StatusUnprocessableEntity, apperr.KindInsufficientBalance},
		{"bad amount", `{"to":"bob","token":"NT","amount":"-1"}`, http.StatusBadRequest, apperr.KindValidation},
		{"bad token", `{"to":"bob","token":"EUR","amount":"1"}`, http.StatusBadRequest, apperr.KindValidation},
		{"unknown user", `{"to":"nobody","token":"NT","amount":"1"}`, http.StatusNotFound, apperr.KindNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := send(r, http.MethodPost, "/v1/transfers", tc.body)
			assert.Equal(t, tc.status, w.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, string(tc.kind), body["error"])
		})
	}

	w := send(r, http.MethodPost, "/v1/transfers", `{"token":"NT"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_OthersTransactionIsHidden(t *testing.T) {
	f := newFixture(t)
	txn, err := f.l.Credit(f.ctx, "bob", tokens.NT, dec("1"), nil)
	require.NoError(t, err)

	r := newRouter(NewHandler(f.l), "alice", auth.RoleUser)
	assert.Equal(t, http.StatusNotFound, send(r, http.MethodGet, "/v1/transactions/"+txn.ID, "").Code)
}

func TestHandler_AdminRoutes(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.l)

	user := newRouter(h, "alice", auth.RoleUser)
	assert.Equal(t, http.StatusForbidden,
		send(user, http.MethodPost, "/v1/admin/credits", `{"userId":"alice","token":"NT","amount":"1","note":"x"}`).Code)

	admin := newRouter(h, "root", auth.RoleAdmin)
	w := send(admin, http.MethodPost, "/v1/admin/credits", `{"userId":"alice","token":"NT","amount":"7","note":"goodwill"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	wallet := f.wallet(t, "alice", tokens.NT)
	assert.True(t, wallet.Balance.Equal(dec("7")))

	w = send(admin, http.MethodPost, "/v1/admin/wallets/"+wallet.ID+"/freeze", `{"reason":"chargeback"}`)
	require.Equal(t, http.StatusOK, w.Code)
	w = send(admin, http.MethodPost, "/v1/admin/debits", `{"userId":"alice","token":"NT","amount":"1","note":"fix"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = send(admin, http.MethodPost, "/v1/admin/wallets/"+wallet.ID+"/unfreeze", "")
	require.Equal(t, http.StatusOK, w.Code)
	w = send(admin, http.MethodPost, "/v1/admin/wallets/"+wallet.ID+"/deactivate", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_Swap(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", tokens.USDT, "2")
	r := newRouter(NewHandler(f.l), "alice", auth.RoleUser)

	w := send(r, http.MethodPost, "/v1/swaps", `{"from":"USDT","to":"CT","amount":"1"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.True(t, f.wallet(t, "alice", tokens.CT).Balance.Equal(dec("600")))

	w = send(r, http.MethodGet, "/v1/wallets", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"token":"CT"`)
}
