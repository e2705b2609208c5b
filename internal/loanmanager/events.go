package loanmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/loanmanager/internal/circuitbreaker"
)

// EventType names a committed ledger transition.
type EventType string

const (
	EventFunded               EventType = "funded"
	EventClaimed              EventType = "claimed"
	EventRefinanced           EventType = "refinanced"
	EventPastDue              EventType = "past_due"
	EventDefaultWarning       EventType = "default_warning"
	EventWarningRemoved       EventType = "warning_removed"
	EventLiquidationTriggered EventType = "liquidation_triggered"
	EventLiquidationFinished  EventType = "liquidation_finished"
)

// Event is one append-only entry in the ledger event log. Amounts in Data are
// base-unit decimal strings.
type Event struct {
	Seq       int64             `json:"seq"`
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	LoanID    uint64            `json:"loanId"`
	Vehicle   common.Address    `json:"vehicle"`
	LedgerAt  uint64            `json:"ledgerAt"` // ledger clock, unix seconds
	Data      map[string]string `json:"data,omitempty"`
	AUM       string            `json:"aum"`
	RequestID string            `json:"requestId,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// EventFilter narrows List. Zero fields match everything.
type EventFilter struct {
	LoanID   uint64
	Type     EventType
	AfterSeq int64
	Limit    int
}

// EventStore is the append-only event log.
type EventStore interface {
	Append(ctx context.Context, events ...*Event) error
	List(ctx context.Context, f EventFilter) ([]*Event, error)
}

// DefaultEventLimit caps List when no limit is given.
const DefaultEventLimit = 100

func (f EventFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return DefaultEventLimit
	}
	return f.Limit
}

func (f EventFilter) match(e *Event) bool {
	if f.LoanID != 0 && e.LoanID != f.LoanID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	return e.Seq > f.AfterSeq
}

// MemoryEventStore keeps events in memory.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryEventStore returns an empty event log.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{}
}

func (m *MemoryEventStore) Append(_ context.Context, events ...*Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		e.Seq = int64(len(m.events)) + 1
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		cp := *e
		m.events = append(m.events, &cp)
	}
	return nil
}

func (m *MemoryEventStore) List(_ context.Context, f EventFilter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := f.limit()
	var out []*Event
	for _, e := range m.events {
		if !f.match(e) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// eventLogKey is the breaker key guarding event-log writes.
const eventLogKey = "event_log"

// GuardedEventStore fails appends fast while the wrapped store keeps
// failing. Appends run after the ledger commit, so a dead event log must not
// stall every operation for the length of its retry policy. Reads pass
// through.
type GuardedEventStore struct {
	EventStore
	breaker *circuitbreaker.Breaker
}

// NewGuardedEventStore wraps es with breaker.
func NewGuardedEventStore(es EventStore, breaker *circuitbreaker.Breaker) *GuardedEventStore {
	return &GuardedEventStore{EventStore: es, breaker: breaker}
}

func (g *GuardedEventStore) Append(ctx context.Context, events ...*Event) error {
	return g.breaker.Do(ctx, eventLogKey, func(ctx context.Context) error {
		return g.EventStore.Append(ctx, events...)
	})
}

// Healthy reports an error while the circuit is not closed.
func (g *GuardedEventStore) Healthy(context.Context) error {
	if st := g.breaker.State(eventLogKey); st != circuitbreaker.StateClosed {
		return fmt.Errorf("event log circuit %s", st)
	}
	return nil
}
