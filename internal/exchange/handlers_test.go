package exchange

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fiatbridge/internal/auth"
	"github.com/mbd888/fiatbridge/internal/ledger"
	"github.com/mbd888/fiatbridge/internal/tokens"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func routerAs(h *Handler, userID, role string) *gin.Engine {
	r := gin.New()
	v1 := r.Group("/v1", func(c *gin.Context) {
		c.Set(auth.ContextKeyIdentity, auth.Identity{UserID: userID, Role: role})
		c.Next()
	})
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("/admin", auth.RequireAdmin()))
	return r
}

func sendJSON(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	r.ServeHTTP(w, req)
	return w
}

func sendFile(t *testing.T, r http.Handler, path, filename, contentType, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="proof"; filename="`+filename+`"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_MintFlow(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	user := routerAs(h, "alice", auth.RoleUser)
	agent := routerAs(h, "agent-user", auth.RoleAgent)

	w := sendJSON(user, http.MethodPost, "/v1/mints", `{"agentId":"`+f.agent.ID+`","token":"nt","amount":"1000"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		MintRequest ledger.MintRequest `json:"mintRequest"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.MintRequest.ID

	w = sendFile(t, user, "/v1/mints/"+id+"/proof", "receipt.pdf", "application/pdf", "%PDF-1.4")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"proof_submitted"`)

	w = sendJSON(agent, http.MethodGet, "/v1/agents/me/mints?status=proof_submitted", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	w = sendJSON(user, http.MethodPost, "/v1/mints/"+id+"/confirm", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = sendJSON(agent, http.MethodPost, "/v1/mints/"+id+"/confirm", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, f.wallet(t, "alice", tokens.NT).Balance.Equal(dec("1000")))

	w = sendJSON(user, http.MethodDelete, "/v1/mints/"+id, "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_MintErrors(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	user := routerAs(h, "alice", auth.RoleUser)

	w := sendJSON(user, http.MethodPost, "/v1/mints", `{"agentId":"`+f.agent.ID+`","token":"NT","amount":"9999999"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	w = sendJSON(user, http.MethodPost, "/v1/mints", `{"agentId":"`+f.agent.ID+`","token":"EUR","amount":"1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	m := f.createMint(t, "10")
	w = sendJSON(user, http.MethodPost, "/v1/mints/"+m.ID+"/proof", "")
	assert.Equal(t, http.StatusBadRequest, w.Code, "proof file is required")
	w = sendFile(t, user, "/v1/mints/"+m.ID+"/proof", "run.sh", "text/x-sh", "echo")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = sendJSON(user, http.MethodDelete, "/v1/mints/"+m.ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = sendJSON(user, http.MethodGet, "/v1/agents/me/mints", "")
	assert.Equal(t, http.StatusNotFound, w.Code, "alice is not an agent")
}

func TestHandler_BurnFlow(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", tokens.CT, "600")
	h := NewHandler(f.svc)
	user := routerAs(h, "alice", auth.RoleUser)
	agent := routerAs(h, "agent-user", auth.RoleAgent)

	w := sendJSON(user, http.MethodPost, "/v1/burns", `{"agentId":"`+f.agent.ID+`","token":"CT","amount":"600",
		"bank":{"accountName":"Alice A","accountNumber":"0123","bankName":"First Bank"}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		BurnRequest ledger.BurnRequest `json:"burnRequest"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.BurnRequest.ID

	w = sendFile(t, agent, "/v1/burns/"+id+"/fiat-sent", "transfer.jpeg", "image/jpeg", "jpeg-bytes")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = sendJSON(user, http.MethodGet, "/v1/burns", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"fiat_sent"`)

	w = sendJSON(user, http.MethodPost, "/v1/burns/"+id+"/confirm", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"confirmed"`)

	w = sendJSON(agent, http.MethodPost, "/v1/burns/"+id+"/reject", `{"reason":"late"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_ExpireStaleIsAdminOnly(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)

	assert.Equal(t, http.StatusForbidden, sendJSON(routerAs(h, "alice", auth.RoleUser), http.MethodPost, "/v1/admin/mints/expire", "").Code)
	w := sendJSON(routerAs(h, "root", auth.RoleAdmin), http.MethodPost, "/v1/admin/mints/expire", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"expired":0}`, w.Body.String())
}
