package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the FiatBridge operator MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolReconcile = mcp.NewTool("reconcile_supply",
	mcp.WithDescription(
		"Run the token supply reconciliation. For each token (NT, CT, USDT) compares the sum of "+
			"wallet balances with the transaction journal and reports drift, plus the number of "+
			"expired escrows and stale mint requests still waiting to be processed."),
)

var ToolListDisputes = mcp.NewTool("list_disputes",
	mcp.WithDescription(
		"List disputes raised against escrows, mint requests or burn requests. "+
			"Defaults to open disputes, which hold funds until an operator resolves them."),
	mcp.WithString("status",
		mcp.Description("Filter by status (default 'open')"),
		mcp.Enum("open", "resolved")),
	mcp.WithString("agent_id",
		mcp.Description("Only disputes involving this agent (e.g. 'agt_...')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of disputes to return (default 20)")),
)

var ToolGetDispute = mcp.NewTool("get_dispute",
	mcp.WithDescription("Show one dispute with its subject, reason, escalation level and resolution."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute ID (e.g. 'dsp_...')")),
)

var ToolResolveDispute = mcp.NewTool("resolve_dispute",
	mcp.WithDescription(
		"Resolve an open dispute. 'refund' returns escrowed tokens to the user (or rejects a disputed mint), "+
			"'complete' settles the request in the agent's favour, and 'penalize_agent' refunds the user and "+
			"also slashes the agent's deposit by penalty_usd. This moves money; confirm with the operator first."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute ID (e.g. 'dsp_...')")),
	mcp.WithString("action",
		mcp.Required(),
		mcp.Description("Resolution action"),
		mcp.Enum("refund", "complete", "penalize_agent")),
	mcp.WithString("penalty_usd",
		mcp.Description("USD amount to take from the agent's deposit. Required for penalize_agent.")),
	mcp.WithString("notes",
		mcp.Description("Operator notes recorded on the resolution")),
)

var ToolListAgents = mcp.NewTool("list_agents",
	mcp.WithDescription(
		"List exchange agents with their deposit, available capacity and status."),
	mcp.WithString("status",
		mcp.Description("Filter by status"),
		mcp.Enum("pending", "active", "suspended")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of agents to return (default 20)")),
)

var ToolGetAgent = mcp.NewTool("get_agent",
	mcp.WithDescription(
		"Show an agent's capacity summary: deposit, available capacity, outstanding exposure "+
			"and how much the agent could withdraw."),
	mcp.WithString("agent_id",
		mcp.Required(),
		mcp.Description("The agent ID (e.g. 'agt_...')")),
)

var ToolSuspendAgent = mcp.NewTool("suspend_agent",
	mcp.WithDescription(
		"Suspend an agent so it cannot take new mint or burn requests. Open requests are unaffected."),
	mcp.WithString("agent_id",
		mcp.Required(),
		mcp.Description("The agent ID (e.g. 'agt_...')")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the agent is being suspended")),
)

var ToolSweepEscrows = mcp.NewTool("sweep_expired_escrows",
	mcp.WithDescription(
		"Process escrows past their deadline now instead of waiting for the background sweep. "+
			"Expired burn escrows open disputes; the rest are refunded."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to process (default 100)")),
)

var ToolExpireMints = mcp.NewTool("expire_stale_mints",
	mcp.WithDescription(
		"Expire mint requests past their deadline now and release the agent capacity they reserved."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of mint requests to expire (default 100)")),
)

var ToolFreezeWallet = mcp.NewTool("freeze_wallet",
	mcp.WithDescription(
		"Freeze a wallet so no tokens can leave it. Use for suspected fraud or chargebacks."),
	mcp.WithString("wallet_id",
		mcp.Required(),
		mcp.Description("The wallet ID")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the wallet is being frozen")),
)
