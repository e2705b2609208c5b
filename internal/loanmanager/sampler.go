package loanmanager

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/mbd888/loanmanager/internal/metrics"
)

// Sampler periodically refreshes the portfolio gauges so AUM moves between
// ledger calls.
type Sampler struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger
	last     atomic.Int64 // unix nanos of the last successful sample
}

// NewSampler creates a sampler for svc.
func NewSampler(svc *Service, interval time.Duration, logger *slog.Logger) *Sampler {
	return &Sampler{svc: svc, interval: interval, logger: logger}
}

// Run samples until ctx is done.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

func (s *Sampler) sample(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in sampler", "panic", fmt.Sprint(r))
		}
	}()
	metrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))

	ctx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()
	unlock, err := s.svc.lock(ctx)
	if err != nil {
		s.logger.Warn("sample skipped", "error", err)
		return
	}
	defer unlock()
	s.svc.publishGauges(s.svc.now())
	s.last.Store(time.Now().UnixNano())
}

// LastSample is when gauges were last refreshed, zero if never.
func (s *Sampler) LastSample() time.Time {
	n := s.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Healthy reports whether a sample landed within three intervals.
func (s *Sampler) Healthy(ctx context.Context) error {
	last := s.LastSample()
	if last.IsZero() {
		return fmt.Errorf("no sample yet")
	}
	if age := time.Since(last); age > 3*s.interval {
		return fmt.Errorf("last sample %s ago", age.Round(time.Second))
	}
	return nil
}
