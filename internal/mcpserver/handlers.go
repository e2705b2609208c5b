package mcpserver

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/loanmanager/internal/loanmanager"
	"github.com/mbd888/loanmanager/internal/portfolio"
	"github.com/mbd888/loanmanager/internal/usdc"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *PortfolioClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *PortfolioClient) *Handlers {
	return &Handlers{client: client}
}

// HandlePortfolioSummary reports the pool position.
func (h *Handlers) HandlePortfolioSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	at := req.GetInt("at", 0)
	if at < 0 {
		return mcp.NewToolResultError("at must be unix seconds"), nil
	}

	resp, err := h.client.Summary(ctx, uint64(at))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get portfolio summary: %v", err)), nil
	}
	return mcp.NewToolResultText(formatSummary(resp)), nil
}

// HandleListLoans lists loans, optionally by status.
func (h *Handlers) HandleListLoans(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	loans, err := h.client.Loans(ctx, req.GetString("status", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list loans: %v", err)), nil
	}
	if len(loans) == 0 {
		return mcp.NewToolResultText("No loans found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d loan(s):\n\n", len(loans))
	for i, l := range loans {
		fmt.Fprintf(&sb, "%d. ", i+1)
		writeLoanLine(&sb, l)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetLoan returns one loan by id or vehicle.
func (h *Handlers) HandleGetLoan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetInt("loan_id", 0)
	vehicle := req.GetString("vehicle", "")

	var (
		loan portfolio.LoanRecord
		err  error
	)
	switch {
	case id > 0 && vehicle != "":
		return mcp.NewToolResultError("give either loan_id or vehicle, not both"), nil
	case id > 0:
		loan, err = h.client.Loan(ctx, uint64(id))
	case vehicle != "":
		if !common.IsHexAddress(vehicle) {
			return mcp.NewToolResultError("vehicle must be a 20-byte hex address"), nil
		}
		loan, err = h.client.LoanByVehicle(ctx, common.HexToAddress(vehicle))
	default:
		return mcp.NewToolResultError("loan_id or vehicle is required"), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get loan: %v", err)), nil
	}
	return mcp.NewToolResultText(formatLoan(loan)), nil
}

// HandlePaymentSchedule lists performing loans by due date.
func (h *Handlers) HandlePaymentSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries, err := h.client.Schedule(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get payment schedule: %v", err)), nil
	}
	if len(entries) == 0 {
		return mcp.NewToolResultText("No performing loans are scheduled."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Payment schedule (%d):\n\n", len(entries))
	for i, e := range entries {
		fmt.Fprintf(&sb, "%d. Loan #%d (%s) due %s\n", i+1, e.LoanID, e.Vehicle.Hex(), formatTime(e.PaymentDueDate))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListLiquidations lists open default snapshots.
func (h *Handlers) HandleListLiquidations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	infos, err := h.client.Liquidations(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list liquidations: %v", err)), nil
	}
	if len(infos) == 0 {
		return mcp.NewToolResultText("No loans are in default."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d loan(s) in default:\n\n", len(infos))
	for _, info := range infos {
		fmt.Fprintf(&sb, "Loan #%d\n", info.LoanID)
		fmt.Fprintf(&sb, "  Principal:     %s USDC\n", usdc.Format(info.Principal))
		fmt.Fprintf(&sb, "  Interest:      %s USDC\n", usdc.Format(info.Interest))
		fmt.Fprintf(&sb, "  Platform fees: %s USDC\n", usdc.Format(info.PlatformFees))
		fmt.Fprintf(&sb, "  Triggered:     %s", formatTime(info.TriggeredAt))
		if info.TriggeredByGovernor {
			sb.WriteString(" by governor")
		}
		sb.WriteString("\n")
		if info.Liquidator != (common.Address{}) {
			fmt.Fprintf(&sb, "  Liquidator:    %s\n", info.Liquidator.Hex())
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListEvents pages through the ledger event log.
func (h *Handlers) HandleListEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	loanID := req.GetInt("loan_id", 0)
	if loanID < 0 {
		return mcp.NewToolResultError("loan_id must be positive"), nil
	}
	limit := req.GetInt("limit", 20)

	page, err := h.client.Events(ctx, uint64(loanID), req.GetString("type", ""), limit, req.GetString("cursor", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list events: %v", err)), nil
	}
	if len(page.Events) == 0 {
		return mcp.NewToolResultText("No events found."), nil
	}

	var sb strings.Builder
	for _, e := range page.Events {
		writeEventLine(&sb, e)
	}
	if page.HasMore {
		fmt.Fprintf(&sb, "\nMore events available. cursor: %s\n", page.NextCursor)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleReconcile runs a ledger/store comparison.
func (h *Handlers) HandleReconcile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := h.client.Reconcile(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to reconcile: %v", err)), nil
	}
	if report == nil {
		return mcp.NewToolResultError("Reconcile returned no report"), nil
	}
	if report.Match {
		return mcp.NewToolResultText(fmt.Sprintf("Ledger matches store (checked in %s).", report.Duration)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Ledger DIVERGES from store (%d issue(s)):\n", len(report.Issues))
	for _, issue := range report.Issues {
		fmt.Fprintf(&sb, "  - %s\n", issue)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

func formatSummary(resp SummaryResponse) string {
	s := resp.Summary
	var sb strings.Builder
	fmt.Fprintf(&sb, "Portfolio as of %s\n", formatTime(s.At))
	fmt.Fprintf(&sb, "  Assets under management: %s USDC (%s)\n", resp.AUMUSDC, amount(s.AssetsUnderManagement))
	fmt.Fprintf(&sb, "  Principal out:           %s USDC\n", usdc.Format(s.State.PrincipalOut))
	fmt.Fprintf(&sb, "  Accounted interest:      %s USDC\n", usdc.Format(s.State.AccountedInterest))
	fmt.Fprintf(&sb, "  Accrued interest:        %s USDC\n", usdc.Format(s.AccruedInterest))
	fmt.Fprintf(&sb, "  Unrealized losses:       %s USDC\n", usdc.Format(s.State.UnrealizedLosses))
	fmt.Fprintf(&sb, "  Accrual domain:          %s → %s\n", formatTime(s.State.DomainStart), formatTime(s.State.DomainEnd))
	fmt.Fprintf(&sb, "  Loans:                   %d active, %d scheduled\n", s.ActiveLoans, s.ScheduledLoans)
	return sb.String()
}

func formatLoan(l portfolio.LoanRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Loan #%d (%s)\n", l.ID, l.Status)
	fmt.Fprintf(&sb, "  Vehicle:       %s\n", l.Vehicle.Hex())
	fmt.Fprintf(&sb, "  Principal:     %s USDC (%s)\n", usdc.Format(l.Principal), amount(l.Principal))
	fmt.Fprintf(&sb, "  Net interest:  %s USDC\n", usdc.Format(l.IncomingNetInterest))
	if l.RefinanceInterest != nil && !l.RefinanceInterest.IsZero() {
		fmt.Fprintf(&sb, "  Refi interest: %s USDC\n", usdc.Format(l.RefinanceInterest))
	}
	fmt.Fprintf(&sb, "  Cycle:         %s → %s\n", formatTime(l.StartDate), formatTime(l.PaymentDueDate))
	fmt.Fprintf(&sb, "  Fees:          platform %s, delegate %s\n", ppm(l.PlatformFeeRate), ppm(l.DelegateFeeRate))
	fmt.Fprintf(&sb, "  Funded:        %s\n", formatTime(l.FundedAt))
	return sb.String()
}

func writeLoanLine(sb *strings.Builder, l portfolio.LoanRecord) {
	fmt.Fprintf(sb, "Loan #%d [%s] %s USDC to %s, due %s\n",
		l.ID, l.Status, usdc.Format(l.Principal), l.Vehicle.Hex(), formatTime(l.PaymentDueDate))
}

func writeEventLine(sb *strings.Builder, e *loanmanager.Event) {
	fmt.Fprintf(sb, "#%d %s %s loan=%d", e.Seq, formatTime(e.LedgerAt), e.Type, e.LoanID)
	for _, k := range slices.Sorted(maps.Keys(e.Data)) {
		fmt.Fprintf(sb, " %s=%s", k, e.Data[k])
	}
	if e.AUM != "" {
		fmt.Fprintf(sb, " aum=%s", e.AUM)
	}
	sb.WriteString("\n")
}

func amount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func ppm(rate uint64) string {
	return fmt.Sprintf("%.2f%%", float64(rate)/10_000)
}

func formatTime(unix uint64) string {
	if unix == 0 {
		return "-"
	}
	return time.Unix(int64(unix), 0).UTC().Format(time.RFC3339)
}
