package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the FiatBridge API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Token  string // Admin bearer token
}

// Client is a pure HTTP client for the FiatBridge admin API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the FiatBridge API.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request and returns the response body. Statuses
// listed in accept are returned as bodies rather than errors.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any, accept ...int) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 && !accepted(resp.StatusCode, accept) {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

func accepted(status int, accept []int) bool {
	for _, a := range accept {
		if a == status {
			return true
		}
	}
	return false
}

// Reconcile runs the supply check. An unhealthy report (409) is still a
// report, not an error.
func (c *Client) Reconcile(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/reconciliation", nil, nil, http.StatusConflict)
}

// ListDisputes lists disputes, optionally filtered by status and agent.
func (c *Client) ListDisputes(ctx context.Context, status, agentID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if agentID != "" {
		q.Set("agentId", agentID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/disputes", q, nil)
}

// GetDispute returns one dispute.
func (c *Client) GetDispute(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/disputes/"+url.PathEscape(id), nil, nil)
}

// ResolveDispute applies an admin decision.
func (c *Client) ResolveDispute(ctx context.Context, id, action, penaltyUSD, notes string) (json.RawMessage, error) {
	body := map[string]string{
		"action": action,
		"notes":  notes,
	}
	if penaltyUSD != "" {
		body["penaltyUsd"] = penaltyUSD
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/disputes/"+url.PathEscape(id)+"/resolve", nil, body)
}

// ListAgents lists agents, optionally filtered by status.
func (c *Client) ListAgents(ctx context.Context, status string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/agents", q, nil)
}

// GetAgent returns an agent's capacity summary.
func (c *Client) GetAgent(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/agents/"+url.PathEscape(id), nil, nil)
}

// SuspendAgent stops an agent from taking new requests.
func (c *Client) SuspendAgent(ctx context.Context, id, reason string) (json.RawMessage, error) {
	body := map[string]string{"reason": reason}
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/agents/"+url.PathEscape(id)+"/suspend", nil, body)
}

// SweepEscrows processes expired escrows now.
func (c *Client) SweepEscrows(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/escrows/sweep", q, nil)
}

// ExpireMints expires stale mint requests now.
func (c *Client) ExpireMints(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/mints/expire", q, nil)
}

// FreezeWallet blocks outgoing movements from a wallet.
func (c *Client) FreezeWallet(ctx context.Context, walletID, reason string) (json.RawMessage, error) {
	body := map[string]string{"reason": reason}
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/wallets/"+url.PathEscape(walletID)+"/freeze", nil, body)
}
