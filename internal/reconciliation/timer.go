package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is how often the timer reconciles.
const DefaultInterval = 5 * time.Minute

// Timer periodically runs a Reconciler and keeps the last report.
type Timer struct {
	r        Reconciler
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool

	mu   sync.RWMutex
	last *Report
}

// NewTimer creates a timer. interval <= 0 uses DefaultInterval.
func NewTimer(r Reconciler, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Timer{
		r:        r,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Last returns the most recent report, or nil.
func (t *Timer) Last() *Report {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last
}

// Start runs until ctx is done or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	report, err := Run(ctx, t.r)
	if err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
		return
	}
	t.mu.Lock()
	t.last = report
	t.mu.Unlock()
	if !report.Match {
		t.logger.Error("ledger does not match store", "issues", report.Issues)
	}
}
