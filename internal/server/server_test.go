package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/loanmanager/internal/auth"
	"github.com/mbd888/loanmanager/internal/config"
	"github.com/mbd888/loanmanager/internal/loanmanager"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testAuthority = "0x00000000000000000000000000000000000000a1"
	govSecret     = "gov-secret"
	delSecret     = "del-secret"
	t0            = 1_700_000_000
)

var (
	testVehicleKey, _ = crypto.HexToECDSA("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	testVehicle       = crypto.PubkeyToAddress(testVehicleKey.PublicKey).Hex()
)

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		AuthorityAddress:    testAuthority,
		GovernorSecret:      govSecret,
		DelegateSecret:      delSecret,
		PlatformFeeRate:     50_000,
		DelegateFeeRate:     150_000,
		TreasuryAddress:     "0x00000000000000000000000000000000000000b1",
		PoolDelegateAddress: "0x00000000000000000000000000000000000000b2",
		SampleInterval:      time.Hour,
		ReconcileInterval:   time.Hour,
		RateLimitRPS:        1000,
		CORSOrigins:         []string{"*"},
	}
}

// newTestServer creates an in-memory server on a fixed ledger clock
func newTestServer(t *testing.T) (*Server, *loanmanager.ManualClock) {
	t.Helper()
	clock := loanmanager.NewManualClock(time.Unix(t0, 0))
	s, err := New(testConfig(), WithClock(clock), WithDrainDelay(0))
	require.NoError(t, err)
	t.Cleanup(func() { s.rateLimiter.Stop() })
	return s, clock
}

func request(s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

var governor = map[string]string{auth.GovernorHeader: govSecret}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := request(s, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	var names []string
	for _, c := range resp.Checks {
		names = append(names, c.Name)
		assert.True(t, c.Healthy, c.Name)
	}
	assert.ElementsMatch(t, []string{"ledger", "event_log"}, names)
}

func TestLivenessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w := request(s, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
}

func TestReadinessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := request(s, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready before Run")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.startBackground(ctx)

	w = request(s, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Once running, the sampler joins the health checks.
	require.Eventually(t, func() bool {
		return request(s, http.MethodGet, "/health", nil, nil).Code == http.StatusOK
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, request(s, http.MethodGet, "/health", nil, nil).Body.String(), "sampler")
}

func TestCoreRoutesRegistered(t *testing.T) {
	s, _ := newTestServer(t)

	routes := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/v1/portfolio", http.StatusOK},
		{http.MethodGet, "/v1/portfolio/loans", http.StatusOK},
		{http.MethodGet, "/v1/portfolio/schedule", http.StatusOK},
		{http.MethodGet, "/v1/portfolio/events", http.StatusOK},
		{http.MethodGet, "/v1/portfolio/vehicles/" + testVehicle, http.StatusNotFound},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/api", http.StatusOK},
		{http.MethodPost, "/v1/portfolio/update-accounting", http.StatusUnauthorized},
		{http.MethodGet, "/v1/portfolio/transfers", http.StatusUnauthorized},
		{http.MethodGet, "/v1/portfolio/reconcile/last", http.StatusUnauthorized},
		{http.MethodGet, "/v1/webhooks", http.StatusUnauthorized},
		{http.MethodPost, "/v1/webhooks", http.StatusUnauthorized},
	}
	for _, r := range routes {
		t.Run(r.method+" "+r.path, func(t *testing.T) {
			w := request(s, r.method, r.path, nil, nil)
			assert.Equal(t, r.want, w.Code, w.Body.String())
		})
	}
}

func TestNotFoundRoute(t *testing.T) {
	s, _ := newTestServer(t)
	w := request(s, http.MethodGet, "/v1/nothing-here", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFundThroughServer(t *testing.T) {
	s, clock := newTestServer(t)

	w := request(s, http.MethodPut, "/v1/portfolio/vehicles/"+testVehicle+"/terms", map[string]any{
		"principal":    "1000000",
		"nextInterest": "100",
		"nextDueDate":  t0 + 10_000,
	}, governor)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = request(s, http.MethodPost, "/v1/portfolio/vehicles/"+testVehicle+"/fund", nil,
		map[string]string{auth.DelegateHeader: delSecret})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	clock.Set(time.Unix(t0+10_000, 0))
	claim := loanmanager.ClaimBody{
		Vehicle:         testVehicle,
		PrincipalPaid:   "1000000",
		InterestPaid:    "100",
		PreviousDueDate: t0 + 10_000,
		ExpiresAt:       t0 + 11_000,
	}
	w = request(s, http.MethodPost, "/v1/portfolio/claims", claim, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code, "claims must be signed by the vehicle")

	sig, err := claim.Intent(common.HexToAddress(testAuthority)).Sign(testVehicleKey)
	require.NoError(t, err)
	claim.Signature = sig
	w = request(s, http.MethodPost, "/v1/portfolio/claims", claim, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = request(s, http.MethodGet, "/v1/portfolio/transfers", nil, governor)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Count     int                    `json:"count"`
		Transfers []loanmanager.Transfer `json:"transfers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, len(resp.Transfers), resp.Count)
	assert.NotZero(t, resp.Count)

	report, err := s.Service().Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Match, report.String())
}

func TestLastReconcileBeforeFirstRun(t *testing.T) {
	s, _ := newTestServer(t)
	w := request(s, http.MethodGet, "/v1/portfolio/reconcile/last", nil, governor)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookRegistration(t *testing.T) {
	s, _ := newTestServer(t)

	w := request(s, http.MethodPost, "/v1/webhooks", map[string]any{
		"url":    "https://8.8.8.8/loans",
		"events": []string{"default_warning"},
	}, governor)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = request(s, http.MethodPost, "/v1/webhooks", map[string]any{"url": "http://127.0.0.1:9/hook"}, governor)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = request(s, http.MethodGet, "/v1/webhooks", nil, map[string]string{auth.DelegateHeader: delSecret})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestRequestID(t *testing.T) {
	s, _ := newTestServer(t)

	w := request(s, http.MethodGet, "/health/live", nil, nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = request(s, http.MethodGet, "/health/live", nil, map[string]string{"X-Request-ID": "req-upstream"})
	assert.Equal(t, "req-upstream", w.Header().Get("X-Request-ID"))
}

func TestSecurityHeaders(t *testing.T) {
	s, _ := newTestServer(t)
	w := request(s, http.MethodGet, "/v1/portfolio", nil, nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestInfoEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w := request(s, http.MethodGet, "/api", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var info map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "memory", info["storage"])
	assert.True(t, strings.EqualFold(testAuthority, info["authority"].(string)))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, s.ready.Load, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.False(t, s.ready.Load())
	assert.False(t, s.healthy.Load())
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://user:secret@db:5432/loans?sslmode=disable")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "user:")
	assert.Contains(t, masked, "db:5432/loans")

	assert.Equal(t, "***", maskDSN("postgres://db:5432/loans"))
	assert.Equal(t, "postgres://user@db/loans", maskDSN("postgres://user@db/loans"))
}
