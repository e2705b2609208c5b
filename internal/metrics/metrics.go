// Package metrics provides Prometheus instrumentation for the loan manager.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric exported by this process.
const Namespace = "loanmanager"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OperationsTotal counts ledger operations by name and result.
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Ledger operations by operation and result (ok, rejected, error).",
		},
		[]string{"op", "result"},
	)

	// OperationDuration observes ledger operation latency, persistence included.
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"op"},
	)

	// InterestDistributed counts claimed interest by recipient (pool, treasury, delegate).
	InterestDistributed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "interest_distributed_total",
			Help:      "Claimed interest in base units by recipient.",
		},
		[]string{"recipient"},
	)

	// LiquidationLosses counts losses left after collateral recovery.
	LiquidationLosses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "liquidation_losses_total",
		Help:      "Losses in base units remaining after liquidation.",
	})

	// Portfolio gauges, refreshed by the sampler and after each operation.
	AssetsUnderManagement = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Name: "assets_under_management",
		Help: "principalOut + accountedInterest + accrued interest, in base units.",
	})
	PrincipalOut = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Name: "principal_out",
		Help: "Outstanding principal in base units.",
	})
	AccountedInterest = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Name: "accounted_interest",
		Help: "Recognized, unpaid interest in base units.",
	})
	UnrealizedLosses = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Name: "unrealized_losses",
		Help: "Principal and interest under default warning or liquidation.",
	})
	ActiveLoans = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Name: "active_loans",
		Help: "Loans with outstanding principal.",
	})
	ScheduledLoans = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Name: "scheduled_loans",
		Help: "Loans accruing in the due-date registry.",
	})
	DomainSecondsRemaining = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Name: "domain_seconds_remaining",
		Help: "Seconds until the current accrual domain ends.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OperationsTotal,
		OperationDuration,
		InterestDistributed,
		LiquidationLosses,
		AssetsUnderManagement,
		PrincipalOut,
		AccountedInterest,
		UnrealizedLosses,
		ActiveLoans,
		ScheduledLoans,
		DomainSecondsRemaining,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps cardinality bounded
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
