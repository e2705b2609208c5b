package portfolio

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/loanmanager/internal/accrual"
	"github.com/mbd888/loanmanager/internal/registry"
)

// State returns a copy of the ledger scalars.
func (l *Ledger) State() State {
	return State{
		PrincipalOut:      l.principalOut.Clone(),
		AccountedInterest: l.accountedInterest.Clone(),
		IssuanceRate:      l.window.Rate.Clone(),
		DomainStart:       l.window.Start,
		DomainEnd:         l.window.End,
		UnrealizedLosses:  l.unrealizedLosses.Clone(),
		AccrualRemainder:  l.window.Remainder.Clone(),
		NextLoanID:        l.nextID,
		NextSequence:      l.schedule.NextSeq(),
	}
}

// AccruedInterest is the interest accrued in the current domain as of now and
// not yet recognized. It stops growing at domainEnd.
func (l *Ledger) AccruedInterest(now uint64) (*uint256.Int, error) {
	return l.window.Accrued(now)
}

// AssetsUnderManagement is principalOut + accountedInterest + accrued interest.
func (l *Ledger) AssetsUnderManagement(now uint64) (*uint256.Int, error) {
	accrued, err := l.AccruedInterest(now)
	if err != nil {
		return nil, err
	}
	total, err := accrual.Add(l.principalOut, l.accountedInterest)
	if err != nil {
		return nil, err
	}
	return accrual.Add(total, accrued)
}

// Loan returns a copy of the record with the given id.
func (l *Ledger) Loan(id uint64) (LoanRecord, error) {
	rec, ok := l.loan(id)
	if !ok {
		return LoanRecord{}, fmt.Errorf("%w: loan %d", ErrNotFound, id)
	}
	return *rec.clone(), nil
}

// LoanByVehicle returns the live loan funded to vehicle.
func (l *Ledger) LoanByVehicle(vehicle common.Address) (LoanRecord, error) {
	rec, err := l.loanByVehicle(vehicle)
	if err != nil {
		return LoanRecord{}, err
	}
	return *rec.clone(), nil
}

// Loans returns every record still in the arena, repaid ones included,
// ordered by id.
func (l *Ledger) Loans() []LoanRecord {
	out := make([]LoanRecord, 0, len(l.loans))
	for _, rec := range l.loans {
		if rec != nil {
			out = append(out, *rec.clone())
		}
	}
	return out
}

// Liquidation returns the snapshot for a warned or liquidating loan.
func (l *Ledger) Liquidation(id uint64) (LiquidationInfo, error) {
	info, ok := l.liquidations[id]
	if !ok {
		return LiquidationInfo{}, fmt.Errorf("%w: no liquidation for loan %d", ErrNotFound, id)
	}
	return *info.clone(), nil
}

// Liquidations returns all snapshots ordered by loan id.
func (l *Ledger) Liquidations() []LiquidationInfo {
	out := make([]LiquidationInfo, 0, len(l.liquidations))
	for _, info := range l.liquidations {
		out = append(out, *info.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoanID < out[j].LoanID })
	return out
}

// Schedule returns the performing loans in due-date order.
func (l *Ledger) Schedule() []registry.Entry {
	return l.schedule.Entries()
}

// ActiveLoans counts loans whose principal is outstanding.
func (l *Ledger) ActiveLoans() int {
	return len(l.byVehicle)
}

// Check verifies the ledger's structural invariants: registry order and
// membership, the aggregate rate, the domain window, principal and loss
// totals, and that recognized interest is covered by accountedInterest.
func (l *Ledger) Check() error {
	if err := l.schedule.Check(); err != nil {
		return err
	}
	if l.window.End < l.window.Start {
		return fmt.Errorf("portfolio: domain end %d before start %d", l.window.End, l.window.Start)
	}
	if head, ok := l.schedule.Head(); ok {
		if head.Due != l.window.End {
			return fmt.Errorf("portfolio: domain end %d, head due %d", l.window.End, head.Due)
		}
	} else if l.window.End != l.window.Start {
		return fmt.Errorf("portfolio: open domain with empty schedule")
	}
	if !l.window.Remainder.Lt(accrual.Precision) {
		return fmt.Errorf("portfolio: accrual remainder not below precision")
	}

	rate := accrual.Zero()
	principal := accrual.Zero()
	losses := accrual.Zero()
	raw := accrual.Zero()
	vehicles := 0
	for i, rec := range l.loans {
		if rec == nil {
			if _, ok := l.liquidations[uint64(i+1)]; ok {
				return fmt.Errorf("portfolio: liquidation for cleared loan %d", i+1)
			}
			continue
		}
		if rec.ID != uint64(i+1) {
			return fmt.Errorf("portfolio: loan %d stored in slot %d", rec.ID, i+1)
		}
		entry, scheduled := l.schedule.Get(rec.ID)
		if scheduled != (rec.Status == StatusPerforming) {
			return fmt.Errorf("portfolio: loan %d is %s, scheduled=%t", rec.ID, rec.Status, scheduled)
		}
		if scheduled {
			if entry.Due != rec.PaymentDueDate || entry.Seq != rec.Sequence {
				return fmt.Errorf("portfolio: loan %d schedule entry out of sync", rec.ID)
			}
			if rec.StartDate > l.window.Start || rec.PaymentDueDate < l.window.Start {
				return fmt.Errorf("portfolio: loan %d cycle [%d, %d] outside domain start %d", rec.ID, rec.StartDate, rec.PaymentDueDate, l.window.Start)
			}
			rate.Add(rate, rec.IssuanceRate)
		}
		if rec.Status.Outstanding() {
			vehicles++
			if id, ok := l.byVehicle[rec.Vehicle]; !ok || id != rec.ID {
				return fmt.Errorf("portfolio: vehicle index missing loan %d", rec.ID)
			}
			principal.Add(principal, rec.Principal)
			r, err := recognizedRaw(rec, l.window.Start)
			if err != nil {
				return err
			}
			raw.Add(raw, r)
		}
		_, hasInfo := l.liquidations[rec.ID]
		warned := rec.Status == StatusWarned || rec.Status == StatusLiquidating
		if hasInfo != warned {
			return fmt.Errorf("portfolio: loan %d is %s, liquidation info=%t", rec.ID, rec.Status, hasInfo)
		}
	}
	for _, info := range l.liquidations {
		losses.Add(losses, info.Losses())
	}

	if vehicles != len(l.byVehicle) {
		return fmt.Errorf("portfolio: %d live loans, %d indexed vehicles", vehicles, len(l.byVehicle))
	}
	if !rate.Eq(l.window.Rate) {
		return fmt.Errorf("portfolio: issuance rate %s, scheduled loans sum to %s", l.window.Rate.Dec(), rate.Dec())
	}
	if !principal.Eq(l.principalOut) {
		return fmt.Errorf("portfolio: principalOut %s, loans sum to %s", l.principalOut.Dec(), principal.Dec())
	}
	if !losses.Eq(l.unrealizedLosses) {
		return fmt.Errorf("portfolio: unrealizedLosses %s, snapshots sum to %s", l.unrealizedLosses.Dec(), losses.Dec())
	}

	accounted := new(uint256.Int).Mul(l.accountedInterest, accrual.Precision)
	accounted.Add(accounted, l.window.Remainder)
	if raw.Gt(accounted) {
		return fmt.Errorf("portfolio: recognized interest exceeds accountedInterest %s", l.accountedInterest.Dec())
	}
	return nil
}
