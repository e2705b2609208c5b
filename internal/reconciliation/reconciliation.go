// Package reconciliation periodically compares in-memory ledger state with
// its durable copy and records the outcome.
package reconciliation

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Report is the outcome of one reconciliation pass.
type Report struct {
	Match     bool      `json:"match"`
	Issues    []string  `json:"issues,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
	Duration  string    `json:"duration"`
}

// Issuef appends a mismatch and marks the report failed.
func (r *Report) Issuef(format string, args ...any) {
	r.Match = false
	r.Issues = append(r.Issues, fmt.Sprintf(format, args...))
}

func (r *Report) String() string {
	if r.Match {
		return "match"
	}
	return strings.Join(r.Issues, "; ")
}

// Reconciler produces a report. The loan manager implements it.
type Reconciler interface {
	Reconcile(ctx context.Context) (*Report, error)
}

// Run executes one pass and records metrics.
func Run(ctx context.Context, r Reconciler) (*Report, error) {
	start := time.Now()
	report, err := r.Reconcile(ctx)
	reconcileDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		reconcileErrors.Inc()
		return nil, err
	}
	report.Duration = time.Since(start).String()
	reconcileMismatches.Set(float64(len(report.Issues)))
	return report, nil
}
