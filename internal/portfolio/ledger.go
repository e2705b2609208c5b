// Package portfolio is the loan-portfolio ledger of a lending pool.
//
// The ledger tracks outstanding principal and recognized interest for every
// funded loan, accrues interest for all performing loans at once through an
// aggregate issuance rate, and applies the fund, claim, refinance, default
// warning and liquidation transitions. Every mutating call is atomic: on error
// the ledger is left exactly as it was.
//
// A Ledger is not safe for concurrent use. The owning service serializes calls.
package portfolio

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/loanmanager/internal/accrual"
	"github.com/mbd888/loanmanager/internal/registry"
)

// Ledger is the portfolio accounting state for one pool.
type Ledger struct {
	authority common.Address

	principalOut      *uint256.Int
	accountedInterest *uint256.Int
	unrealizedLosses  *uint256.Int
	window            accrual.Window // aggregate rate and [domainStart, domainEnd]

	nextID       uint64
	loans        []*LoanRecord // arena; loans[id-1], nil once cleared
	byVehicle    map[common.Address]uint64
	schedule     *registry.List
	liquidations map[uint64]*LiquidationInfo

	j       *journal
	changes ChangeSet
}

// New returns an empty ledger whose domain opens at start.
func New(authority common.Address, start uint64) *Ledger {
	return &Ledger{
		authority:         authority,
		principalOut:      accrual.Zero(),
		accountedInterest: accrual.Zero(),
		unrealizedLosses:  accrual.Zero(),
		window:            accrual.NewWindow(start),
		nextID:            1,
		byVehicle:         make(map[common.Address]uint64),
		schedule:          registry.New(),
		liquidations:      make(map[uint64]*LiquidationInfo),
	}
}

// Restore rebuilds a ledger from persisted state and verifies it.
func Restore(authority common.Address, st State, loans []LoanRecord, infos []LiquidationInfo) (*Ledger, error) {
	if st.NextLoanID == 0 {
		return nil, invalid("next loan id must be positive")
	}
	l := New(authority, st.DomainStart)
	l.principalOut = amountOrZero(st.PrincipalOut)
	l.accountedInterest = amountOrZero(st.AccountedInterest)
	l.unrealizedLosses = amountOrZero(st.UnrealizedLosses)
	l.window = accrual.Window{
		Rate:      amountOrZero(st.IssuanceRate),
		Start:     st.DomainStart,
		End:       st.DomainEnd,
		Remainder: amountOrZero(st.AccrualRemainder),
	}
	l.nextID = st.NextLoanID
	l.loans = make([]*LoanRecord, st.NextLoanID-1)

	for i := range loans {
		rec := normalize(loans[i])
		if rec.ID == 0 || rec.ID >= st.NextLoanID {
			return nil, invalid("loan id %d outside arena", rec.ID)
		}
		if l.loans[rec.ID-1] != nil {
			return nil, invalid("duplicate loan id %d", rec.ID)
		}
		l.loans[rec.ID-1] = rec
		if rec.Status != StatusRepaid {
			l.byVehicle[rec.Vehicle] = rec.ID
		}
		if rec.Status == StatusPerforming {
			e := registry.Entry{ID: rec.ID, Due: rec.PaymentDueDate, Seq: rec.Sequence}
			if err := l.schedule.Restore(e); err != nil {
				return nil, fmt.Errorf("restore loan %d: %w", rec.ID, err)
			}
		}
	}
	l.schedule.SetNextSeq(st.NextSequence)

	for i := range infos {
		info := infos[i]
		info.Principal = amountOrZero(info.Principal)
		info.Interest = amountOrZero(info.Interest)
		info.PlatformFees = amountOrZero(info.PlatformFees)
		l.liquidations[info.LoanID] = &info
	}

	if err := l.Check(); err != nil {
		return nil, err
	}
	return l, nil
}

func normalize(r LoanRecord) *LoanRecord {
	r.Principal = amountOrZero(r.Principal)
	r.IncomingNetInterest = amountOrZero(r.IncomingNetInterest)
	r.RefinanceInterest = amountOrZero(r.RefinanceInterest)
	r.IssuanceRate = amountOrZero(r.IssuanceRate)
	r.Carried = amountOrZero(r.Carried)
	return &r
}

// Authority is the address allowed to call the authority operations.
func (l *Ledger) Authority() common.Address { return l.authority }

// TakeChanges returns the change set of the last successful call and resets it.
func (l *Ledger) TakeChanges() ChangeSet {
	cs := l.changes
	l.changes = ChangeSet{}
	return cs
}

func (l *Ledger) requireAuthority(caller common.Address) error {
	if caller != l.authority {
		return fmt.Errorf("%w: %s", ErrNotAuthorized, caller.Hex())
	}
	return nil
}

func (l *Ledger) loan(id uint64) (*LoanRecord, bool) {
	if id == 0 || id > uint64(len(l.loans)) {
		return nil, false
	}
	rec := l.loans[id-1]
	return rec, rec != nil
}

func (l *Ledger) loanByVehicle(addr common.Address) (*LoanRecord, error) {
	id, ok := l.byVehicle[addr]
	if !ok {
		return nil, fmt.Errorf("%w: vehicle %s", ErrNotFound, addr.Hex())
	}
	rec, ok := l.loan(id)
	if !ok {
		return nil, fmt.Errorf("%w: loan %d", ErrNotFound, id)
	}
	return rec, nil
}

// advance brings the aggregate accrual up to now. Loans whose due date has
// passed are retired from the registry with their full cycle recognized, then
// a fresh domain opens at now and ends at the next due date.
func (l *Ledger) advance(now uint64) error {
	if now < l.window.Start {
		return fmt.Errorf("%w: %d < %d", ErrClockRegression, now, l.window.Start)
	}
	for {
		head, ok := l.schedule.Head()
		if !ok || head.Due >= now {
			break
		}
		if err := l.foldTo(head.Due); err != nil {
			return err
		}
		rec, _ := l.loan(head.ID)
		l.touch(rec)
		if err := collapse(rec, head.Due); err != nil {
			return err
		}
		if err := l.unscheduleLoan(rec); err != nil {
			return err
		}
		rec.Status = StatusPastDue
	}
	if err := l.foldTo(now); err != nil {
		return err
	}
	l.refreshDomain()
	return nil
}

func (l *Ledger) foldTo(t uint64) error {
	whole, err := l.window.Fold(t)
	if err != nil {
		return err
	}
	return l.addAccounted(whole)
}

// refreshDomain sets domainEnd to the head's due date, or closes the domain
// when nothing is scheduled.
func (l *Ledger) refreshDomain() {
	if head, ok := l.schedule.Head(); ok {
		l.window.End = head.Due
		return
	}
	l.window.End = l.window.Start
}

func (l *Ledger) addAccounted(v *uint256.Int) error {
	sum, err := accrual.Add(l.accountedInterest, v)
	if err != nil {
		return err
	}
	l.accountedInterest = sum
	return nil
}

func (l *Ledger) subAccounted(v *uint256.Int) error {
	diff, err := accrual.Sub(l.accountedInterest, v)
	if err != nil {
		return err
	}
	l.accountedInterest = diff
	return nil
}

// collapse moves the loan's accrual from StartDate to t into Carried.
func collapse(rec *LoanRecord, t uint64) error {
	if t <= rec.StartDate {
		return nil
	}
	raw, err := accrual.Mul(rec.IssuanceRate, accrual.Seconds(t-rec.StartDate))
	if err != nil {
		return err
	}
	if rec.Carried, err = accrual.Add(rec.Carried, raw); err != nil {
		return err
	}
	rec.StartDate = t
	return nil
}

// recognizedRaw is the scaled interest the ledger has recognized for rec as of
// now: refinance interest, carried interest and the running cycle.
func recognizedRaw(rec *LoanRecord, now uint64) (*uint256.Int, error) {
	raw, err := accrual.Mul(rec.RefinanceInterest, accrual.Precision)
	if err != nil {
		return nil, err
	}
	if raw, err = accrual.Add(raw, rec.Carried); err != nil {
		return nil, err
	}
	if rec.Status != StatusPerforming {
		return raw, nil
	}
	running, err := accrual.Mul(rec.IssuanceRate, accrual.Seconds(accrual.Width(rec.StartDate, rec.PaymentDueDate, now)))
	if err != nil {
		return nil, err
	}
	return accrual.Add(raw, running)
}

func recognized(rec *LoanRecord, now uint64) (*uint256.Int, error) {
	raw, err := recognizedRaw(rec, now)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Div(raw, accrual.Precision), nil
}

func (l *Ledger) addPrincipal(v *uint256.Int) error {
	sum, err := accrual.Add(l.principalOut, v)
	if err != nil {
		return err
	}
	l.principalOut = sum
	return nil
}

func (l *Ledger) subPrincipal(v *uint256.Int) error {
	diff, err := accrual.Sub(l.principalOut, v)
	if err != nil {
		return err
	}
	l.principalOut = diff
	return nil
}
