package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fiatbridge/internal/auth"
	"github.com/mbd888/fiatbridge/internal/config"
	"github.com/mbd888/fiatbridge/internal/ledger"
)

const testSecret = "test-secret-that-is-at-least-32-characters"

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		JWTSecret:           testSecret,
		JWTIssuer:           "fiatbridge",
		PlatformUserID:      "platform",
		TransferFeeRate:     decimal.Zero,
		SwapFeeRate:         decimal.Zero,
		MinAgentDepositUSD:  decimal.NewFromInt(100),
		AgentCommissionRate: decimal.RequireFromString("0.01"),
		MintPendingTTL:      30 * time.Minute,
		MintReviewTTL:       24 * time.Hour,
		BurnTTL:             30 * time.Minute,
		BurnFiatSentTTL:     30 * time.Minute,
		EscrowSweepInterval: 50 * time.Millisecond,
		EscrowSweepBatch:    10,
		NotifyTimeout:       time.Second,
		RateLimitRPM:        6000,
		RateLimitBurst:      1000,
		MaxBodyBytes:        1 << 20,
		ShutdownTimeout:     2 * time.Second,
	}
}

// newTestServer creates a server backed by the in-memory store
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := auth.NewManager(testSecret, "fiatbridge").Issue(auth.Identity{
		UserID: userID,
		Email:  userID + "@example.com",
		Role:   role,
	}, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(s *Server, method, path, bearer, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decodeField(t *testing.T, w *httptest.ResponseRecorder, field string, v any) {
	t.Helper()
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw), w.Body.String())
	require.Contains(t, raw, field)
	require.NoError(t, json.Unmarshal(raw[field], v))
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Run has not started the escrow timer.
	w := do(s, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "escrow_timer")
}

func TestInfoAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"USDT"`)

	w = do(s, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fiatbridge_")
}

func TestRequestIDPropagates(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}

// ---------------------------------------------------------------------------
// Auth tests
// ---------------------------------------------------------------------------

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodGet, "/v1/wallets", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodGet, "/v1/wallets", "garbage", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodGet, "/v1/ws", "", "").Code)

	user := token(t, "alice", auth.RoleUser)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/v1/wallets", user, "").Code)
	assert.Equal(t, http.StatusForbidden, do(s, http.MethodGet, "/v1/admin/reconciliation", user, "").Code)
}

func TestFirstRequestSyncsUser(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/v1/wallets", token(t, "alice", auth.RoleUser), "")
	require.Equal(t, http.StatusOK, w.Code)

	u, err := s.store.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.Equal(t, ledger.RoleUser, u.Role)
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	registered := make(map[string]bool)
	for _, r := range s.Router().Routes() {
		registered[r.Method+" "+r.Path] = true
	}

	for _, want := range []string{
		"GET /v1/wallets",
		"POST /v1/transfers",
		"POST /v1/swaps",
		"POST /v1/agents",
		"POST /v1/agents/me/deposits",
		"POST /v1/mints",
		"POST /v1/burns",
		"POST /v1/disputes",
		"GET /v1/ws",
		"POST /v1/admin/credits",
		"POST /v1/admin/disputes/:id/resolve",
		"GET /v1/admin/reconciliation",
		"POST /v1/admin/mints/expire",
	} {
		assert.True(t, registered[want], "missing route %s", want)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, "/nonexistent", "", "").Code)
}

// ---------------------------------------------------------------------------
// End to end
// ---------------------------------------------------------------------------

func TestMintFlowThroughAPI(t *testing.T) {
	s := newTestServer(t)
	alice := token(t, "alice", auth.RoleUser)
	agent := token(t, "agent-user", auth.RoleAgent)
	admin := token(t, "root", auth.RoleAdmin)

	w := do(s, http.MethodPost, "/v1/agents", agent, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var a ledger.Agent
	decodeField(t, w, "agent", &a)

	w = do(s, http.MethodPost, "/v1/agents/me/deposits", agent,
		`{"amountUsd":"100","txHash":"0x`+strings.Repeat("ab", 32)+`"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(s, http.MethodPost, "/v1/mints", alice, `{"agentId":"`+a.ID+`","token":"NT","amount":"1500"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var m ledger.MintRequest
	decodeField(t, w, "mintRequest", &m)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="proof"; filename="receipt.png"`)
	hdr.Set("Content-Type", "image/png")
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write([]byte("\x89PNG\r\n\x1a\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/mints/"+m.ID+"/proof", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+alice)
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(s, http.MethodPost, "/v1/mints/"+m.ID+"/confirm", agent, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(s, http.MethodGet, "/v1/wallets/NT", alice, "")
	require.Equal(t, http.StatusOK, w.Code)
	var wallet ledger.Wallet
	decodeField(t, w, "wallet", &wallet)
	assert.True(t, wallet.Balance.Equal(decimal.NewFromInt(1500)), wallet.Balance.String())

	w = do(s, http.MethodGet, "/v1/admin/reconciliation", admin, "")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"healthy":true`)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestRunStopsOnCancel(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return do(s, http.MethodGet, "/health/ready", "", "").Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_RejectsPrivateWebhookInProduction(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	cfg.NotifyWebhookURL = "https://127.0.0.1/hook"

	_, err := New(cfg, WithStore(ledger.NewMemoryStore()),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOTIFY_WEBHOOK_URL")
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://app:secret@db:5432/fiat")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "@db:5432/fiat")
	assert.Equal(t, "***", maskDSN("://bad"))
}
