package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/loanmanager/internal/loanmanager"
	"github.com/mbd888/loanmanager/internal/portfolio"
	"github.com/mbd888/loanmanager/internal/reconciliation"
)

// Config holds the configuration for reaching the portfolio API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"

	// Optional operator credentials. Without them only public reads are
	// available and the reconcile tool is not registered.
	OperatorHeader string // auth.GovernorHeader or auth.DelegateHeader
	OperatorSecret string
}

// HasOperator reports whether operator-only reads are configured.
func (c Config) HasOperator() bool {
	return c.OperatorHeader != "" && c.OperatorSecret != ""
}

// PortfolioClient is a read-only HTTP client for the portfolio API.
type PortfolioClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewPortfolioClient creates a new client for the portfolio API.
func NewPortfolioClient(cfg Config) *PortfolioClient {
	return &PortfolioClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// get fetches path and decodes the JSON body into out.
func (c *PortfolioClient) get(ctx context.Context, path string, query url.Values, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.cfg.HasOperator() {
		req.Header.Set(c.cfg.OperatorHeader, c.cfg.OperatorSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// SummaryResponse is the body of GET /v1/portfolio.
type SummaryResponse struct {
	Summary loanmanager.Summary `json:"summary"`
	AUMUSDC string              `json:"aumUsdc"`
}

// Summary returns the portfolio position at a unix time; zero means now.
func (c *PortfolioClient) Summary(ctx context.Context, at uint64) (SummaryResponse, error) {
	q := url.Values{}
	if at > 0 {
		q.Set("at", strconv.FormatUint(at, 10))
	}
	var out SummaryResponse
	err := c.get(ctx, "/v1/portfolio", q, &out)
	return out, err
}

// Loans lists loan records, optionally filtered by status.
func (c *PortfolioClient) Loans(ctx context.Context, status string) ([]portfolio.LoanRecord, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	var out struct {
		Loans []portfolio.LoanRecord `json:"loans"`
	}
	err := c.get(ctx, "/v1/portfolio/loans", q, &out)
	return out.Loans, err
}

// Loan returns one loan by id.
func (c *PortfolioClient) Loan(ctx context.Context, id uint64) (portfolio.LoanRecord, error) {
	var out struct {
		Loan portfolio.LoanRecord `json:"loan"`
	}
	err := c.get(ctx, "/v1/portfolio/loans/"+strconv.FormatUint(id, 10), nil, &out)
	return out.Loan, err
}

// LoanByVehicle returns the live loan funded to vehicle.
func (c *PortfolioClient) LoanByVehicle(ctx context.Context, vehicle common.Address) (portfolio.LoanRecord, error) {
	var out struct {
		Loan portfolio.LoanRecord `json:"loan"`
	}
	err := c.get(ctx, "/v1/portfolio/vehicles/"+vehicle.Hex(), nil, &out)
	return out.Loan, err
}

// Schedule lists performing loans in due-date order.
func (c *PortfolioClient) Schedule(ctx context.Context) ([]loanmanager.ScheduleEntry, error) {
	var out struct {
		Schedule []loanmanager.ScheduleEntry `json:"schedule"`
	}
	err := c.get(ctx, "/v1/portfolio/schedule", nil, &out)
	return out.Schedule, err
}

// Liquidations lists open default snapshots.
func (c *PortfolioClient) Liquidations(ctx context.Context) ([]portfolio.LiquidationInfo, error) {
	var out struct {
		Liquidations []portfolio.LiquidationInfo `json:"liquidations"`
	}
	err := c.get(ctx, "/v1/portfolio/liquidations", nil, &out)
	return out.Liquidations, err
}

// EventPage is one page of the ledger event log.
type EventPage struct {
	Events     []*loanmanager.Event `json:"events"`
	NextCursor string               `json:"nextCursor"`
	HasMore    bool                 `json:"hasMore"`
}

// Events pages through the event log.
func (c *PortfolioClient) Events(ctx context.Context, loanID uint64, eventType string, limit int, cursor string) (EventPage, error) {
	q := url.Values{}
	if loanID > 0 {
		q.Set("loan_id", strconv.FormatUint(loanID, 10))
	}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out EventPage
	err := c.get(ctx, "/v1/portfolio/events", q, &out)
	return out, err
}

// Reconcile compares the in-memory ledger with the store. Operator only.
func (c *PortfolioClient) Reconcile(ctx context.Context) (*reconciliation.Report, error) {
	var out struct {
		Report *reconciliation.Report `json:"report"`
	}
	if err := c.get(ctx, "/v1/portfolio/reconcile", nil, &out); err != nil {
		return nil, err
	}
	return out.Report, nil
}
