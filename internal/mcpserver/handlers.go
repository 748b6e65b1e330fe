package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/shopspring/decimal"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleReconcile runs the supply check.
func (h *Handlers) HandleReconcile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Reconcile(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reconciliation failed: %v", err)), nil
	}

	text, err := formatReport(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse report: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListDisputes lists disputes.
func (h *Handlers) HandleListDisputes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", "open")
	agentID := req.GetString("agent_id", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListDisputes(ctx, status, agentID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list disputes: %v", err)), nil
	}

	text, err := formatDisputeList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse disputes: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetDispute shows one dispute.
func (h *Handlers) HandleGetDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	if id == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}

	raw, err := h.client.GetDispute(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get dispute: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleResolveDispute applies a resolution.
func (h *Handlers) HandleResolveDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	if id == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}
	action := req.GetString("action", "")
	switch action {
	case "refund", "complete":
	case "penalize_agent":
		if req.GetString("penalty_usd", "") == "" {
			return mcp.NewToolResultError("penalty_usd is required for penalize_agent"), nil
		}
	default:
		return mcp.NewToolResultError("action must be one of refund, complete, penalize_agent"), nil
	}
	penalty := req.GetString("penalty_usd", "")
	notes := req.GetString("notes", "")

	raw, err := h.client.ResolveDispute(ctx, id, action, penalty, notes)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Resolve failed: %v", err)), nil
	}

	var resp struct {
		Dispute struct {
			ID         string `json:"id"`
			Status     string `json:"status"`
			Resolution struct {
				Action     string          `json:"action"`
				PenaltyUSD decimal.Decimal `json:"penaltyUsd"`
				Metadata   map[string]any  `json:"metadata"`
			} `json:"resolution"`
		} `json:"dispute"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dispute: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute %s %s (%s)\n", resp.Dispute.ID, resp.Dispute.Status, resp.Dispute.Resolution.Action)
	if resp.Dispute.Resolution.PenaltyUSD.IsPositive() {
		fmt.Fprintf(&sb, "Penalty taken: %s USD\n", resp.Dispute.Resolution.PenaltyUSD.StringFixed(2))
	}
	if v := getString(resp.Dispute.Resolution.Metadata, "penalty_requested_usd"); v != "" {
		fmt.Fprintf(&sb, "Requested penalty %s USD exceeded the agent's deposit\n", v)
	}
	if v := getString(resp.Dispute.Resolution.Metadata, "fiat_reversal"); v == "manual" {
		sb.WriteString("Fiat already sent by the user must be reversed manually\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListAgents lists agents.
func (h *Handlers) HandleListAgents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListAgents(ctx, status, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list agents: %v", err)), nil
	}

	text, err := formatAgentList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse agents: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetAgent shows an agent's capacity summary.
func (h *Handlers) HandleGetAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("agent_id", "")
	if id == "" {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	raw, err := h.client.GetAgent(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get agent: %v", err)), nil
	}

	text, err := formatAgentSummary(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse agent: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleSuspendAgent suspends an agent.
func (h *Handlers) HandleSuspendAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("agent_id", "")
	if id == "" {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	if _, err := h.client.SuspendAgent(ctx, id, reason); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Suspend failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Agent %s suspended.\nReason: %s", id, reason)), nil
}

// HandleSweepEscrows runs the escrow expiry pass.
func (h *Handlers) HandleSweepEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.SweepEscrows(ctx, req.GetInt("limit", 100))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Sweep failed: %v", err)), nil
	}

	var res struct {
		Disputed int `json:"disputed"`
		Refunded int `json:"refunded"`
		Skipped  int `json:"skipped"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse sweep result: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Expired escrows processed.\n  Disputes opened: %d\n  Refunded: %d\n  Skipped: %d",
		res.Disputed, res.Refunded, res.Skipped)), nil
}

// HandleExpireMints expires stale mint requests.
func (h *Handlers) HandleExpireMints(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ExpireMints(ctx, req.GetInt("limit", 100))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Expiry failed: %v", err)), nil
	}

	var res struct {
		Expired int `json:"expired"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse expiry result: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Expired %d stale mint request(s).", res.Expired)), nil
}

// HandleFreezeWallet freezes a wallet.
func (h *Handlers) HandleFreezeWallet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("wallet_id", "")
	if id == "" {
		return mcp.NewToolResultError("wallet_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	if _, err := h.client.FreezeWallet(ctx, id, reason); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Freeze failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Wallet %s frozen.\nReason: %s", id, reason)), nil
}

// --- Formatting helpers ---

func formatReport(raw json.RawMessage) (string, error) {
	var r struct {
		Tokens []struct {
			Token      string          `json:"token"`
			Balance    decimal.Decimal `json:"balance"`
			Pending    decimal.Decimal `json:"pending"`
			JournalNet decimal.Decimal `json:"journalNet"`
			Drift      decimal.Decimal `json:"drift"`
			Match      bool            `json:"match"`
		} `json:"tokens"`
		StuckEscrows int  `json:"stuckEscrows"`
		StaleMints   int  `json:"staleMints"`
		Healthy      bool `json:"healthy"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", err
	}

	var sb strings.Builder
	if r.Healthy {
		sb.WriteString("Reconciliation: HEALTHY\n\n")
	} else {
		sb.WriteString("Reconciliation: DRIFT DETECTED\n\n")
	}
	for _, t := range r.Tokens {
		mark := "ok"
		if !t.Match {
			mark = "DRIFT " + t.Drift.String()
		}
		fmt.Fprintf(&sb, "  %-4s balance %s, pending %s, journal %s [%s]\n",
			t.Token, t.Balance.StringFixed(6), t.Pending.StringFixed(6), t.JournalNet.StringFixed(6), mark)
	}
	fmt.Fprintf(&sb, "\nExpired escrows awaiting sweep: %d\n", r.StuckEscrows)
	fmt.Fprintf(&sb, "Stale mint requests: %d\n", r.StaleMints)
	return sb.String(), nil
}

func formatDisputeList(raw json.RawMessage) (string, error) {
	var resp struct {
		Disputes []map[string]any `json:"disputes"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected disputes response format")
	}

	if len(resp.Disputes) == 0 {
		return "No disputes found.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d dispute(s):\n\n", len(resp.Disputes)))
	for i, d := range resp.Disputes {
		subject := getString(d, "escrowId", "mintRequestId")
		sb.WriteString(fmt.Sprintf("%d. %s [%s, %s] %s %s\n", i+1,
			getString(d, "id"), getString(d, "status"), getString(d, "level"),
			getString(d, "subjectType"), subject))
		if reason := getString(d, "reason"); reason != "" {
			sb.WriteString(fmt.Sprintf("   %s\n", reason))
		}
		if agent := getString(d, "agentId"); agent != "" {
			sb.WriteString(fmt.Sprintf("   agent: %s\n", agent))
		}
	}
	return sb.String(), nil
}

func formatAgentList(raw json.RawMessage) (string, error) {
	var resp struct {
		Agents []map[string]any `json:"agents"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected agents response format")
	}

	if len(resp.Agents) == 0 {
		return "No agents found.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d agent(s):\n\n", len(resp.Agents)))
	for i, a := range resp.Agents {
		sb.WriteString(fmt.Sprintf("%d. %s (user %s) %s\n", i+1,
			getString(a, "id"), getString(a, "userId"), getString(a, "status")))
		sb.WriteString(fmt.Sprintf("   deposit %s USD, capacity %s USD\n",
			getString(a, "depositUsd"), getString(a, "availableCapacity")))
	}
	return sb.String(), nil
}

func formatAgentSummary(raw json.RawMessage) (string, error) {
	var sum struct {
		Agent           map[string]any `json:"agent"`
		Outstanding     string         `json:"outstanding"`
		MaxWithdrawable string         `json:"maxWithdrawable"`
		OpenWithdrawals string         `json:"openWithdrawals"`
	}
	if err := json.Unmarshal(raw, &sum); err != nil {
		return "", err
	}
	if sum.Agent == nil {
		return "", fmt.Errorf("no agent in response")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Agent %s (%s)\n", getString(sum.Agent, "id"), getString(sum.Agent, "status"))
	fmt.Fprintf(&sb, "  User:             %s\n", getString(sum.Agent, "userId"))
	fmt.Fprintf(&sb, "  Deposit:          %s USD\n", getString(sum.Agent, "depositUsd"))
	fmt.Fprintf(&sb, "  Capacity:         %s USD\n", getString(sum.Agent, "availableCapacity"))
	fmt.Fprintf(&sb, "  Outstanding:      %s USD\n", sum.Outstanding)
	fmt.Fprintf(&sb, "  Max withdrawable: %s USD\n", sum.MaxWithdrawable)
	if sum.OpenWithdrawals != "" && sum.OpenWithdrawals != "0" {
		fmt.Fprintf(&sb, "  Open withdrawals: %s USD\n", sum.OpenWithdrawals)
	}
	if reason := getString(sum.Agent, "suspendedReason"); reason != "" {
		fmt.Fprintf(&sb, "  Suspended:        %s\n", reason)
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
