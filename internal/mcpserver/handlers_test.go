package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/loanmanager/internal/auth"
	"github.com/mbd888/loanmanager/internal/loanmanager"
	"github.com/mbd888/loanmanager/internal/usdc"
)

// --- Test helpers ---

const (
	t0        = 1_700_000_000
	govSecret = "gov-secret"
)

var (
	authority = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	vehicleA  = common.HexToAddress("0x0000000000000000000000000000000000001001")
	vehicleB  = common.HexToAddress("0x0000000000000000000000000000000000001002")
)

// portfolioAPI serves the real portfolio routes over a memory-backed
// service: loan #1 to vehicleA (warned), loan #2 to vehicleB (performing).
func portfolioAPI(t *testing.T) (*loanmanager.Service, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	book := loanmanager.NewLoanBook()
	clock := loanmanager.NewManualClock(time.Unix(t0, 0))
	svc, err := loanmanager.New(ctx, authority, loanmanager.NewMemoryStore(), book,
		loanmanager.StaticFees{Platform: 50_000, Delegate: 150_000},
		loanmanager.WithClock(clock),
		loanmanager.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)

	op := loanmanager.Actor{Address: authority}
	book.SetTerms(loanmanager.LoanTerms{Vehicle: vehicleA, Principal: uint256.NewInt(1_000_000), NextInterest: uint256.NewInt(100), NextDueDate: t0 + 10_000})
	book.SetTerms(loanmanager.LoanTerms{Vehicle: vehicleB, Principal: uint256.NewInt(500_000), NextInterest: uint256.NewInt(50), NextDueDate: t0 + 20_000})
	_, err = svc.Fund(ctx, op, vehicleA)
	require.NoError(t, err)
	_, err = svc.Fund(ctx, op, vehicleB)
	require.NoError(t, err)

	clock.Set(time.Unix(t0+5_000, 0))
	_, err = svc.TriggerDefaultWarning(ctx, op, vehicleA)
	require.NoError(t, err)

	r := gin.New()
	v1 := r.Group("/v1")
	h := loanmanager.NewHandler(svc, book)
	h.RegisterRoutes(v1)
	protected := v1.Group("")
	protected.Use(auth.Middleware(auth.NewSecrets(govSecret, "del-secret")), auth.RequireRole())
	h.RegisterProtectedRoutes(protected)

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return svc, ts
}

func newTestHandlers(t *testing.T, operator bool) (*Handlers, *loanmanager.Service) {
	t.Helper()
	svc, ts := portfolioAPI(t)
	cfg := Config{APIURL: ts.URL}
	if operator {
		cfg.OperatorHeader, cfg.OperatorSecret = auth.GovernorHeader, govSecret
	}
	return NewHandlers(NewPortfolioClient(cfg)), svc
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

type toolFunc func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

func call(t *testing.T, fn toolFunc, args map[string]any) (string, bool) {
	t.Helper()
	result, err := fn(context.Background(), makeRequest(args))
	require.NoError(t, err, "tool errors are reported in the result")
	return resultText(t, result), result.IsError
}

// ============================================================
// Client tests
// ============================================================

func TestClient_OperatorHeader(t *testing.T) {
	var got string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(auth.GovernorHeader)
		_, _ = w.Write([]byte(`{"report":{"match":true}}`))
	}))
	defer ts.Close()

	client := NewPortfolioClient(Config{APIURL: ts.URL, OperatorHeader: auth.GovernorHeader, OperatorSecret: "s3cret"})
	report, err := client.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Match)
	assert.Equal(t, "s3cret", got)
}

func TestClient_NoOperatorHeaderByDefault(t *testing.T) {
	var headers http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		_, _ = w.Write([]byte(`{"schedule":[]}`))
	}))
	defer ts.Close()

	_, err := NewPortfolioClient(Config{APIURL: ts.URL}).Schedule(context.Background())
	require.NoError(t, err)
	assert.Empty(t, headers.Get(auth.GovernorHeader))
	assert.Empty(t, headers.Get(auth.DelegateHeader))
}

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "not_found",
			"message": "loan 9 not found",
		})
	}))
	defer ts.Close()

	_, err := NewPortfolioClient(Config{APIURL: ts.URL}).Loan(context.Background(), 9)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "loan 9 not found")
}

func TestClient_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	_, err := NewPortfolioClient(Config{APIURL: ts.URL}).Summary(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_ConnectionRefused(t *testing.T) {
	_, err := NewPortfolioClient(Config{APIURL: "http://127.0.0.1:1"}).Liquidations(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_DecodesLedgerTypes(t *testing.T) {
	svc, ts := portfolioAPI(t)
	client := NewPortfolioClient(Config{APIURL: ts.URL})
	ctx := context.Background()

	want, err := svc.Loans(ctx, "")
	require.NoError(t, err)
	got, err := client.Loans(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, want, got, "amounts survive the JSON round trip")

	sum, err := client.Summary(ctx, 0)
	require.NoError(t, err)
	direct, err := svc.Summary(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, direct.AssetsUnderManagement, sum.Summary.AssetsUnderManagement)
	assert.Equal(t, usdc.Format(direct.AssetsUnderManagement), sum.AUMUSDC)
}

// ============================================================
// Tool handler tests
// ============================================================

func TestHandlePortfolioSummary(t *testing.T) {
	h, svc := newTestHandlers(t, false)
	sum, err := svc.Summary(context.Background(), 0)
	require.NoError(t, err)

	text, isErr := call(t, h.HandlePortfolioSummary, nil)
	assert.False(t, isErr)
	assert.Contains(t, text, usdc.Format(sum.AssetsUnderManagement)+" USDC")
	assert.Contains(t, text, "Unrealized losses")
	assert.Contains(t, text, fmt.Sprintf("%d active, %d scheduled", sum.ActiveLoans, sum.ScheduledLoans))

	text, isErr = call(t, h.HandlePortfolioSummary, map[string]any{"at": -5})
	assert.True(t, isErr)
	assert.Contains(t, text, "unix seconds")
}

func TestHandleListLoans(t *testing.T) {
	h, _ := newTestHandlers(t, false)

	text, isErr := call(t, h.HandleListLoans, nil)
	assert.False(t, isErr)
	assert.Contains(t, text, "2 loan(s)")

	text, _ = call(t, h.HandleListLoans, map[string]any{"status": "warned"})
	assert.Contains(t, text, "Loan #1 [warned]")
	assert.NotContains(t, text, "Loan #2")

	text, _ = call(t, h.HandleListLoans, map[string]any{"status": "repaid"})
	assert.Equal(t, "No loans found.", text)

	text, isErr = call(t, h.HandleListLoans, map[string]any{"status": "bogus"})
	assert.True(t, isErr)
	assert.Contains(t, text, "unknown status")
}

func TestHandleGetLoan(t *testing.T) {
	h, _ := newTestHandlers(t, false)

	text, isErr := call(t, h.HandleGetLoan, map[string]any{"vehicle": vehicleB.Hex()})
	assert.False(t, isErr)
	assert.Contains(t, text, "Loan #2 (performing)")
	assert.Contains(t, text, "0.500000 USDC")
	assert.Contains(t, text, "platform 5.00%, delegate 15.00%")

	text, _ = call(t, h.HandleGetLoan, map[string]any{"loan_id": 1})
	assert.Contains(t, text, "Loan #1 (warned)")

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"neither", nil, "loan_id or vehicle is required"},
		{"both", map[string]any{"loan_id": 1, "vehicle": vehicleA.Hex()}, "not both"},
		{"bad vehicle", map[string]any{"vehicle": "0x1234"}, "20-byte hex"},
		{"unknown loan", map[string]any{"loan_id": 99}, "404"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, isErr := call(t, h.HandleGetLoan, tt.args)
			assert.True(t, isErr)
			assert.Contains(t, text, tt.want)
		})
	}
}

func TestHandlePaymentSchedule(t *testing.T) {
	h, _ := newTestHandlers(t, false)

	text, isErr := call(t, h.HandlePaymentSchedule, nil)
	assert.False(t, isErr)
	assert.Contains(t, text, "Payment schedule (1)")
	assert.Contains(t, text, "Loan #2")
	assert.Contains(t, text, time.Unix(t0+20_000, 0).UTC().Format(time.RFC3339))
}

func TestHandleListLiquidations(t *testing.T) {
	h, _ := newTestHandlers(t, false)

	text, isErr := call(t, h.HandleListLiquidations, nil)
	assert.False(t, isErr)
	assert.Contains(t, text, "1 loan(s) in default")
	assert.Contains(t, text, "Loan #1")
	assert.Contains(t, text, "Principal:     1.000000 USDC")
	assert.NotContains(t, text, "Liquidator", "no liquidator before liquidation starts")
}

func TestHandleListEvents_Paginates(t *testing.T) {
	h, _ := newTestHandlers(t, false)

	text, isErr := call(t, h.HandleListEvents, map[string]any{"limit": 2})
	assert.False(t, isErr)
	assert.Contains(t, text, "#1 ")
	assert.Contains(t, text, "#2 ")
	require.Contains(t, text, "cursor: ")

	cursor := strings.TrimSpace(text[strings.Index(text, "cursor: ")+len("cursor: "):])
	text, _ = call(t, h.HandleListEvents, map[string]any{"limit": 2, "cursor": cursor})
	assert.Contains(t, text, "default_warning")
	assert.NotContains(t, text, "More events")

	text, _ = call(t, h.HandleListEvents, map[string]any{"loan_id": 2})
	assert.Contains(t, text, "funded loan=2")
	assert.NotContains(t, text, "loan=1")

	text, isErr = call(t, h.HandleListEvents, map[string]any{"cursor": "Zm9vOjE"})
	assert.True(t, isErr)
	assert.Contains(t, text, "400")
}

func TestHandleReconcile(t *testing.T) {
	h, _ := newTestHandlers(t, true)
	text, isErr := call(t, h.HandleReconcile, nil)
	assert.False(t, isErr)
	assert.Contains(t, text, "Ledger matches store")

	anon, _ := newTestHandlers(t, false)
	text, isErr = call(t, anon.HandleReconcile, nil)
	assert.True(t, isErr)
	assert.Contains(t, text, "401")
}

func TestNewMCPServer(t *testing.T) {
	assert.NotNil(t, NewMCPServer(Config{APIURL: "http://localhost:8080"}))
	assert.NotNil(t, NewMCPServer(Config{APIURL: "http://localhost:8080", OperatorHeader: auth.DelegateHeader, OperatorSecret: "x"}))
	assert.False(t, Config{OperatorHeader: auth.DelegateHeader}.HasOperator())
}

func TestPPM(t *testing.T) {
	assert.Equal(t, "5.00%", ppm(50_000))
	assert.Equal(t, "100.00%", ppm(1_000_000))
	assert.Equal(t, "0.01%", ppm(100))
}
