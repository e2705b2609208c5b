package loanmanager

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/loanmanager/internal/portfolio"
)

// Snapshot is the full durable state of one ledger.
type Snapshot struct {
	State        portfolio.State
	Loans        []portfolio.LoanRecord
	Liquidations []portfolio.LiquidationInfo
}

// Store persists ledger state. Commit applies one change set atomically.
type Store interface {
	// Load returns the stored snapshot, or found=false for a fresh pool.
	Load(ctx context.Context) (snap Snapshot, found bool, err error)
	Commit(ctx context.Context, cs portfolio.ChangeSet) error
}

// MemoryStore is an in-memory Store for tests and single-process demos.
type MemoryStore struct {
	mu           sync.RWMutex
	found        bool
	state        portfolio.State
	loans        map[uint64]portfolio.LoanRecord
	liquidations map[uint64]portfolio.LiquidationInfo
	failCommit   error
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		loans:        make(map[uint64]portfolio.LoanRecord),
		liquidations: make(map[uint64]portfolio.LiquidationInfo),
	}
}

func (m *MemoryStore) Load(ctx context.Context) (Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.found {
		return Snapshot{}, false, nil
	}
	snap := Snapshot{State: m.state}
	for _, rec := range m.loans {
		snap.Loans = append(snap.Loans, rec)
	}
	for _, info := range m.liquidations {
		snap.Liquidations = append(snap.Liquidations, info)
	}
	sort.Slice(snap.Loans, func(i, j int) bool { return snap.Loans[i].ID < snap.Loans[j].ID })
	sort.Slice(snap.Liquidations, func(i, j int) bool { return snap.Liquidations[i].LoanID < snap.Liquidations[j].LoanID })
	return snap, true, nil
}

func (m *MemoryStore) Commit(ctx context.Context, cs portfolio.ChangeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCommit != nil {
		return m.failCommit
	}
	m.found = true
	m.state = cs.State
	for _, rec := range cs.Loans {
		m.loans[rec.ID] = rec
	}
	for _, id := range cs.Cleared {
		delete(m.loans, id)
	}
	for _, info := range cs.Liquidations {
		m.liquidations[info.LoanID] = info
	}
	for _, id := range cs.Resolved {
		delete(m.liquidations, id)
	}
	return nil
}

// SetFailCommit makes Commit fail with err until reset with nil.
func (m *MemoryStore) SetFailCommit(err error) {
	m.mu.Lock()
	m.failCommit = err
	m.mu.Unlock()
}
