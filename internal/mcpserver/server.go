// Package mcpserver exposes read-only portfolio queries as MCP tools for LLMs.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with the portfolio tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("loanmanager", "1.0.0")
	h := NewHandlers(NewPortfolioClient(cfg))

	s.AddTool(ToolPortfolioSummary, h.HandlePortfolioSummary)
	s.AddTool(ToolListLoans, h.HandleListLoans)
	s.AddTool(ToolGetLoan, h.HandleGetLoan)
	s.AddTool(ToolPaymentSchedule, h.HandlePaymentSchedule)
	s.AddTool(ToolListLiquidations, h.HandleListLiquidations)
	s.AddTool(ToolListEvents, h.HandleListEvents)
	if cfg.HasOperator() {
		s.AddTool(ToolReconcile, h.HandleReconcile)
	}

	return s
}
