package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the portfolio MCP server. Every tool is a read.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolPortfolioSummary = mcp.NewTool("portfolio_summary",
	mcp.WithDescription(
		"Get the pool's loan-portfolio position: assets under management, principal out, "+
			"accounted and accrued interest, unrealized losses and loan counts. "+
			"Amounts are shown in USDC and in base units."),
	mcp.WithNumber("at",
		mcp.Description("Unix seconds to value the portfolio at. Omit for now. Accrual stops at the current domain end.")),
)

var ToolListLoans = mcp.NewTool("list_loans",
	mcp.WithDescription(
		"List loans in the portfolio with principal, due date, status and fee rates."),
	mcp.WithString("status",
		mcp.Description("Only loans in this status"),
		mcp.Enum("performing", "past_due", "warned", "liquidating", "repaid")),
)

var ToolGetLoan = mcp.NewTool("get_loan",
	mcp.WithDescription(
		"Get one loan by id or by the vehicle address it was funded to. Give exactly one of loan_id or vehicle."),
	mcp.WithNumber("loan_id",
		mcp.Description("Loan id")),
	mcp.WithString("vehicle",
		mcp.Description("Vehicle address (e.g. '0x1234...')")),
)

var ToolPaymentSchedule = mcp.NewTool("payment_schedule",
	mcp.WithDescription(
		"List performing loans in the order their payments fall due, earliest first."),
)

var ToolListLiquidations = mcp.NewTool("list_liquidations",
	mcp.WithDescription(
		"List loans with an open default snapshot (warned or liquidating) and the losses recorded for each."),
)

var ToolListEvents = mcp.NewTool("list_events",
	mcp.WithDescription(
		"Read the ledger event log (funded, claimed, refinanced, past_due, default_warning, "+
			"warning_removed, liquidation_triggered, liquidation_finished), oldest first."),
	mcp.WithNumber("loan_id",
		mcp.Description("Only events for this loan")),
	mcp.WithString("type",
		mcp.Description("Only events of this type")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum events to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous list_events result to fetch the next page")),
)

var ToolReconcile = mcp.NewTool("reconcile",
	mcp.WithDescription(
		"Compare the live ledger with its durable copy and report any divergence. Requires operator credentials."),
)
