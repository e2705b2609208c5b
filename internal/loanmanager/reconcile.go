package loanmanager

import (
	"context"
	"reflect"
	"time"

	"github.com/holiman/uint256"

	"github.com/mbd888/loanmanager/internal/portfolio"
	"github.com/mbd888/loanmanager/internal/reconciliation"
)

// Reconcile checks the ledger's invariants and compares it with the stored
// snapshot.
func (s *Service) Reconcile(ctx context.Context) (*reconciliation.Report, error) {
	report := &reconciliation.Report{Match: true, CheckedAt: time.Now().UTC()}

	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.ledger.Check(); err != nil {
		report.Issuef("invariants: %v", err)
	}

	snap, found, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if !found {
		report.Issuef("store is empty")
		return report, nil
	}
	compareState(report, s.ledger.State(), snap.State)
	compareLoans(report, s.ledger.Loans(), snap.Loans)
	compareLiquidations(report, s.ledger.Liquidations(), snap.Liquidations)
	return report, nil
}

func compareState(r *reconciliation.Report, mem, db portfolio.State) {
	amounts := []struct {
		name    string
		mem, db *uint256.Int
	}{
		{"principalOut", mem.PrincipalOut, db.PrincipalOut},
		{"accountedInterest", mem.AccountedInterest, db.AccountedInterest},
		{"issuanceRate", mem.IssuanceRate, db.IssuanceRate},
		{"unrealizedLosses", mem.UnrealizedLosses, db.UnrealizedLosses},
		{"accrualRemainder", mem.AccrualRemainder, db.AccrualRemainder},
	}
	for _, a := range amounts {
		if !sameAmount(a.mem, a.db) {
			r.Issuef("state %s: memory %s, store %s", a.name, amountString(a.mem), amountString(a.db))
		}
	}
	if mem.DomainStart != db.DomainStart || mem.DomainEnd != db.DomainEnd {
		r.Issuef("state domain: memory [%d,%d], store [%d,%d]", mem.DomainStart, mem.DomainEnd, db.DomainStart, db.DomainEnd)
	}
	if mem.NextLoanID != db.NextLoanID || mem.NextSequence != db.NextSequence {
		r.Issuef("state counters: memory %d/%d, store %d/%d", mem.NextLoanID, mem.NextSequence, db.NextLoanID, db.NextSequence)
	}
}

func compareLoans(r *reconciliation.Report, mem, db []portfolio.LoanRecord) {
	stored := make(map[uint64]portfolio.LoanRecord, len(db))
	for _, rec := range db {
		stored[rec.ID] = rec
	}
	for _, rec := range mem {
		got, ok := stored[rec.ID]
		if !ok {
			r.Issuef("loan %d missing from store", rec.ID)
			continue
		}
		delete(stored, rec.ID)
		if !sameLoan(rec, got) {
			r.Issuef("loan %d differs from store", rec.ID)
		}
	}
	for id := range stored {
		r.Issuef("loan %d only in store", id)
	}
}

func compareLiquidations(r *reconciliation.Report, mem, db []portfolio.LiquidationInfo) {
	stored := make(map[uint64]portfolio.LiquidationInfo, len(db))
	for _, info := range db {
		stored[info.LoanID] = info
	}
	for _, info := range mem {
		got, ok := stored[info.LoanID]
		if !ok {
			r.Issuef("liquidation %d missing from store", info.LoanID)
			continue
		}
		delete(stored, info.LoanID)
		if !sameAmount(info.Principal, got.Principal) || !sameAmount(info.Interest, got.Interest) ||
			!sameAmount(info.PlatformFees, got.PlatformFees) || info.Liquidator != got.Liquidator ||
			info.TriggeredByGovernor != got.TriggeredByGovernor || info.TriggeredAt != got.TriggeredAt {
			r.Issuef("liquidation %d differs from store", info.LoanID)
		}
	}
	for id := range stored {
		r.Issuef("liquidation %d only in store", id)
	}
}

func sameLoan(a, b portfolio.LoanRecord) bool {
	amounts := [][2]*uint256.Int{
		{a.Principal, b.Principal},
		{a.IncomingNetInterest, b.IncomingNetInterest},
		{a.RefinanceInterest, b.RefinanceInterest},
		{a.IssuanceRate, b.IssuanceRate},
		{a.Carried, b.Carried},
	}
	for _, p := range amounts {
		if !sameAmount(p[0], p[1]) {
			return false
		}
	}
	a.Principal, a.IncomingNetInterest, a.RefinanceInterest, a.IssuanceRate, a.Carried = nil, nil, nil, nil, nil
	b.Principal, b.IncomingNetInterest, b.RefinanceInterest, b.IssuanceRate, b.Carried = nil, nil, nil, nil, nil
	return reflect.DeepEqual(a, b)
}

func sameAmount(a, b *uint256.Int) bool {
	if a == nil {
		a = new(uint256.Int)
	}
	if b == nil {
		b = new(uint256.Int)
	}
	return a.Eq(b)
}
