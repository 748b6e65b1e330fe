package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all operator tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("fiatbridge-ops", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolReconcile, h.HandleReconcile)
	s.AddTool(ToolListDisputes, h.HandleListDisputes)
	s.AddTool(ToolGetDispute, h.HandleGetDispute)
	s.AddTool(ToolResolveDispute, h.HandleResolveDispute)
	s.AddTool(ToolListAgents, h.HandleListAgents)
	s.AddTool(ToolGetAgent, h.HandleGetAgent)
	s.AddTool(ToolSuspendAgent, h.HandleSuspendAgent)
	s.AddTool(ToolSweepEscrows, h.HandleSweepEscrows)
	s.AddTool(ToolExpireMints, h.HandleExpireMints)
	s.AddTool(ToolFreezeWallet, h.HandleFreezeWallet)

	return s
}
