// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/loanmanager/internal/auth"
	"github.com/mbd888/loanmanager/internal/circuitbreaker"
	"github.com/mbd888/loanmanager/internal/config"
	"github.com/mbd888/loanmanager/internal/health"
	"github.com/mbd888/loanmanager/internal/idgen"
	"github.com/mbd888/loanmanager/internal/loanmanager"
	"github.com/mbd888/loanmanager/internal/logging"
	"github.com/mbd888/loanmanager/internal/metrics"
	"github.com/mbd888/loanmanager/internal/ratelimit"
	"github.com/mbd888/loanmanager/internal/realtime"
	"github.com/mbd888/loanmanager/internal/reconciliation"
	"github.com/mbd888/loanmanager/internal/security"
	"github.com/mbd888/loanmanager/internal/traces"
	"github.com/mbd888/loanmanager/internal/validation"
	"github.com/mbd888/loanmanager/internal/webhooks"
)

// Version is reported by the health endpoint. Set by cmd/server.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	service     *loanmanager.Service
	book        *loanmanager.LoanBook
	transfers   *loanmanager.TransferLog
	eventLog    *loanmanager.GuardedEventStore
	sampler     *loanmanager.Sampler
	reconTimer  *reconciliation.Timer
	realtimeHub *realtime.Hub
	webhookSubs webhooks.Store
	webhooks    *webhooks.Dispatcher
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	clock          loanmanager.Clock
	drainDelay     time.Duration
	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithClock sets the ledger clock (for testing)
func WithClock(c loanmanager.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, "json"),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTraces = shutdown

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory
	var (
		store  loanmanager.Store
		events loanmanager.EventStore
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		store = loanmanager.NewPostgresStore(db)
		events = loanmanager.NewPostgresEventStore(db)
		s.webhookSubs = webhooks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		store = loanmanager.NewMemoryStore()
		events = loanmanager.NewMemoryEventStore()
		s.webhookSubs = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	s.eventLog = loanmanager.NewGuardedEventStore(events, circuitbreaker.New(5, 30*time.Second))

	s.book = loanmanager.NewLoanBook()
	s.transfers = loanmanager.NewTransferLog(
		common.HexToAddress(cfg.TreasuryAddress),
		common.HexToAddress(cfg.PoolDelegateAddress),
		s.logger,
	)
	s.realtimeHub = realtime.NewHub(s.logger)
	s.webhooks = webhooks.NewDispatcher(s.webhookSubs, s.logger)

	svcOpts := []loanmanager.Option{
		loanmanager.WithLogger(s.logger),
		loanmanager.WithEventStore(s.eventLog),
		loanmanager.WithCashMover(s.transfers),
		loanmanager.WithPublisher(s.realtimeHub),
		loanmanager.WithPublisher(s.webhooks),
	}
	if s.clock != nil {
		svcOpts = append(svcOpts, loanmanager.WithClock(s.clock))
	}
	fees := loanmanager.StaticFees{Platform: cfg.PlatformFeeRate, Delegate: cfg.DelegateFeeRate}
	s.service, err = loanmanager.New(ctx, cfg.Authority(), store, s.book, fees, svcOpts...)
	if err != nil {
		s.closeDB()
		return nil, fmt.Errorf("failed to load portfolio: %w", err)
	}

	s.sampler = loanmanager.NewSampler(s.service, cfg.SampleInterval, s.logger)
	s.reconTimer = reconciliation.NewTimer(s.service, cfg.ReconcileInterval, s.logger)

	s.checks = health.NewRegistry()
	s.checks.Register("ledger", health.ErrCheck("ledger", s.service.Check))
	s.checks.Register("event_log", health.ErrCheck("event_log", s.eventLog.Healthy))
	if s.db != nil {
		s.checks.Register("database", health.ErrCheck("database", s.db.PingContext))
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return "***"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.FromRPS(float64(s.cfg.RateLimitRPS)))
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream ID (load balancer, caller) when present
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.RequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Ledger event stream
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")
	handler := loanmanager.NewHandler(s.service, s.book)
	handler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.Middleware(auth.NewSecrets(s.cfg.GovernorSecret, s.cfg.DelegateSecret)))
	protected.Use(auth.RequireRole())
	handler.RegisterProtectedRoutes(protected)
	protected.GET("/portfolio/reconcile/last", s.lastReconcileHandler)
	protected.GET("/portfolio/transfers", s.transfersHandler)
	webhooks.NewHandler(s.webhookSubs, s.webhooks).RegisterRoutes(protected)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, statuses := s.checks.CheckAll(c.Request.Context())

	// The sampler only counts once Run has started it.
	if s.ready.Load() {
		st := health.ErrCheck("sampler", s.sampler.Healthy)(c.Request.Context())
		statuses = append(statuses, st)
		ok = ok && st.Healthy
	}

	status, httpStatus := "healthy", http.StatusOK
	if !ok {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}
	c.JSON(http.StatusOK, gin.H{
		"name":            "loanmanager",
		"version":         Version,
		"authority":       s.service.Authority().Hex(),
		"platformFeeRate": s.cfg.PlatformFeeRate,
		"delegateFeeRate": s.cfg.DelegateFeeRate,
		"storage":         storage,
		"realtime":        s.realtimeHub.Stats(),
	})
}

func (s *Server) lastReconcileHandler(c *gin.Context) {
	report := s.reconTimer.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No reconciliation has run yet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "running": s.reconTimer.Running()})
}

func (s *Server) transfersHandler(c *gin.Context) {
	transfers := s.transfers.Transfers()
	c.JSON(http.StatusOK, gin.H{"transfers": transfers, "count": len(transfers)})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"authority", s.service.Authority().Hex(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// startBackground launches the hub, sampler, reconciliation timer and DB
// stats collector. All of them exit when ctx is done.
func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	go s.sampler.Run(ctx)
	go s.reconTimer.Start(ctx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
	s.ready.Store(true)
	s.logger.Info("server ready")
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Stop the hub, sampler and timers once no handler can reach them
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.reconTimer.Stop()
	s.rateLimiter.Stop()
	s.webhooks.Wait()

	if err := s.shutdownTraces(ctx); err != nil {
		s.logger.Error("trace shutdown error", "error", err)
	}

	s.closeDB()
	s.healthy.Store(false)
	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
		return
	}
	s.logger.Info("database connection closed")
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Service returns the portfolio service for testing
func (s *Server) Service() *loanmanager.Service {
	return s.service
}
