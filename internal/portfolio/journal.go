package portfolio

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/loanmanager/internal/accrual"
	"github.com/mbd888/loanmanager/internal/registry"
)

type scheduleOp struct {
	entry    registry.Entry
	inserted bool
}

type vehicleSlot struct {
	id uint64
	ok bool
}

// journal records pre-images for the duration of one call so a failure can
// put the ledger back exactly as it was.
type journal struct {
	principalOut      *uint256.Int
	accountedInterest *uint256.Int
	unrealizedLosses  *uint256.Int
	window            accrual.Window
	nextID            uint64
	nextSeq           uint64

	records      map[uint64]*LoanRecord // nil pre-image: created in this call
	vehicles     map[common.Address]vehicleSlot
	liquidations map[uint64]*LiquidationInfo // nil pre-image: absent before
	schedule     []scheduleOp
}

func (l *Ledger) begin() {
	l.j = &journal{
		principalOut:      l.principalOut.Clone(),
		accountedInterest: l.accountedInterest.Clone(),
		unrealizedLosses:  l.unrealizedLosses.Clone(),
		window:            l.window.Clone(),
		nextID:            l.nextID,
		nextSeq:           l.schedule.NextSeq(),
		records:           make(map[uint64]*LoanRecord),
		vehicles:          make(map[common.Address]vehicleSlot),
		liquidations:      make(map[uint64]*LiquidationInfo),
	}
}

// finish commits or rolls back the open journal depending on *err.
func (l *Ledger) finish(err *error) {
	if *err != nil {
		l.rollback()
	} else {
		l.changes = l.changeSet()
	}
	l.j = nil
}

func (l *Ledger) touch(rec *LoanRecord) {
	if _, ok := l.j.records[rec.ID]; !ok {
		l.j.records[rec.ID] = rec.clone()
	}
}

func (l *Ledger) setVehicle(addr common.Address, id uint64, ok bool) {
	if _, seen := l.j.vehicles[addr]; !seen {
		prev, had := l.byVehicle[addr]
		l.j.vehicles[addr] = vehicleSlot{id: prev, ok: had}
	}
	if ok {
		l.byVehicle[addr] = id
	} else {
		delete(l.byVehicle, addr)
	}
}

func (l *Ledger) setLiquidation(id uint64, info *LiquidationInfo) {
	if _, seen := l.j.liquidations[id]; !seen {
		var pre *LiquidationInfo
		if cur, ok := l.liquidations[id]; ok {
			pre = cur.clone()
		}
		l.j.liquidations[id] = pre
	}
	if info != nil {
		l.liquidations[id] = info
	} else {
		delete(l.liquidations, id)
	}
}

func (l *Ledger) rollback() {
	j := l.j
	for i := len(j.schedule) - 1; i >= 0; i-- {
		op := j.schedule[i]
		if op.inserted {
			_, _ = l.schedule.Remove(op.entry.ID)
		} else {
			_ = l.schedule.Restore(op.entry)
		}
	}
	l.schedule.SetNextSeq(j.nextSeq)

	for id, pre := range j.records {
		if pre != nil {
			l.loans[id-1] = pre
		}
	}
	l.loans = l.loans[:j.nextID-1]

	for addr, slot := range j.vehicles {
		if slot.ok {
			l.byVehicle[addr] = slot.id
		} else {
			delete(l.byVehicle, addr)
		}
	}
	for id, pre := range j.liquidations {
		if pre != nil {
			l.liquidations[id] = pre
		} else {
			delete(l.liquidations, id)
		}
	}

	l.principalOut = j.principalOut
	l.accountedInterest = j.accountedInterest
	l.unrealizedLosses = j.unrealizedLosses
	l.window = j.window
	l.nextID = j.nextID
}

func (l *Ledger) changeSet() ChangeSet {
	cs := ChangeSet{State: l.State()}
	for id := range l.j.records {
		if rec := l.loans[id-1]; rec != nil {
			cs.Loans = append(cs.Loans, *rec.clone())
		} else {
			cs.Cleared = append(cs.Cleared, id)
		}
	}
	for id := range l.j.liquidations {
		if info, ok := l.liquidations[id]; ok {
			cs.Liquidations = append(cs.Liquidations, *info.clone())
		} else {
			cs.Resolved = append(cs.Resolved, id)
		}
	}
	sort.Slice(cs.Loans, func(a, b int) bool { return cs.Loans[a].ID < cs.Loans[b].ID })
	sort.Slice(cs.Cleared, func(a, b int) bool { return cs.Cleared[a] < cs.Cleared[b] })
	sort.Slice(cs.Liquidations, func(a, b int) bool { return cs.Liquidations[a].LoanID < cs.Liquidations[b].LoanID })
	sort.Slice(cs.Resolved, func(a, b int) bool { return cs.Resolved[a] < cs.Resolved[b] })
	return cs
}

// scheduleLoan inserts rec into the due-date registry and adds its rate to
// the aggregate.
func (l *Ledger) scheduleLoan(rec *LoanRecord) error {
	if err := l.window.AddRate(rec.IssuanceRate); err != nil {
		return err
	}
	e, err := l.schedule.Insert(rec.ID, rec.PaymentDueDate)
	if err != nil {
		return invalid("loan %d: %v", rec.ID, err)
	}
	l.j.schedule = append(l.j.schedule, scheduleOp{entry: e, inserted: true})
	rec.Sequence = e.Seq
	return nil
}

// rescheduleLoan puts rec back at the registry position recorded in its
// Sequence, so ties with equal due dates keep their original order.
func (l *Ledger) rescheduleLoan(rec *LoanRecord) error {
	if err := l.window.AddRate(rec.IssuanceRate); err != nil {
		return err
	}
	e := registry.Entry{ID: rec.ID, Due: rec.PaymentDueDate, Seq: rec.Sequence}
	if err := l.schedule.Restore(e); err != nil {
		return invalid("loan %d: %v", rec.ID, err)
	}
	l.j.schedule = append(l.j.schedule, scheduleOp{entry: e, inserted: true})
	return nil
}

// unscheduleLoan removes rec from the registry and its rate from the
// aggregate.
func (l *Ledger) unscheduleLoan(rec *LoanRecord) error {
	e, err := l.schedule.Remove(rec.ID)
	if err != nil {
		return ErrNotFound
	}
	l.j.schedule = append(l.j.schedule, scheduleOp{entry: e})
	return l.window.SubRate(rec.IssuanceRate)
}
