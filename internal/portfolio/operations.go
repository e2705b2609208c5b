package portfolio

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/loanmanager/internal/accrual"
)

// Fund adds a newly funded loan to the portfolio. Interest for existing loans
// is brought up to now first so the new rate only applies from now on.
func (l *Ledger) Fund(caller common.Address, now uint64, t FundTerms) (res FundResult, err error) {
	if err := l.requireAuthority(caller); err != nil {
		return res, err
	}
	if t.Vehicle == (common.Address{}) {
		return res, invalid("missing vehicle")
	}
	if t.Principal == nil || t.Principal.IsZero() {
		return res, invalid("zero principal")
	}
	if t.PaymentDueDate <= now {
		return res, invalid("due date %d not after %d", t.PaymentDueDate, now)
	}
	if _, ok := l.byVehicle[t.Vehicle]; ok {
		return res, invalid("vehicle %s already funded", t.Vehicle.Hex())
	}
	platform, delegate, err := accrual.ClampFeeRates(t.PlatformFeeRate, t.DelegateFeeRate)
	if err != nil {
		return res, invalid("%v", err)
	}

	l.begin()
	defer l.finish(&err)

	if err = l.advance(now); err != nil {
		return res, err
	}
	net, err := accrual.NetInterest(amountOrZero(t.GrossInterest), platform, delegate)
	if err != nil {
		return res, err
	}
	rate, err := accrual.IssuanceRate(net, t.PaymentDueDate-now)
	if err != nil {
		return res, err
	}

	rec := &LoanRecord{
		ID:                  l.nextID,
		Vehicle:             t.Vehicle,
		Principal:           t.Principal.Clone(),
		IncomingNetInterest: net,
		RefinanceInterest:   accrual.Zero(),
		IssuanceRate:        rate,
		StartDate:           now,
		PaymentDueDate:      t.PaymentDueDate,
		PlatformFeeRate:     platform,
		DelegateFeeRate:     delegate,
		Status:              StatusPerforming,
		FundedAt:            now,
		Carried:             accrual.Zero(),
	}
	l.j.records[rec.ID] = nil
	l.loans = append(l.loans, rec)
	l.nextID++
	l.setVehicle(rec.Vehicle, rec.ID, true)

	if err = l.scheduleLoan(rec); err != nil {
		return res, err
	}
	if err = l.addPrincipal(rec.Principal); err != nil {
		return res, err
	}
	l.refreshDomain()

	return FundResult{Loan: *rec.clone()}, nil
}

// Claim settles a payment made by the loan itself. The loan's recognized
// interest leaves accountedInterest, the cash interest is split between the
// treasury, the pool delegate and the pool, and the loan either rolls into its
// next cycle (NewDueDate set) or closes.
func (l *Ledger) Claim(caller common.Address, now uint64, t ClaimTerms) (res ClaimResult, err error) {
	id, ok := l.byVehicle[caller]
	if !ok {
		return res, fmt.Errorf("%w: %s", ErrNotLoan, caller.Hex())
	}
	rec, _ := l.loan(id)
	switch rec.Status {
	case StatusPerforming, StatusPastDue, StatusWarned:
	default:
		return res, fmt.Errorf("%w: loan %d is %s", ErrInvalidState, rec.ID, rec.Status)
	}
	if t.PreviousDueDate != rec.PaymentDueDate {
		return res, invalid("previous due date %d does not match %d", t.PreviousDueDate, rec.PaymentDueDate)
	}
	if t.NewDueDate != 0 && t.NewDueDate <= now {
		return res, invalid("new due date %d not after %d", t.NewDueDate, now)
	}
	principalPaid := amountOrZero(t.PrincipalPaid)
	interestPaid := amountOrZero(t.InterestPaid)

	l.begin()
	defer l.finish(&err)

	if err = l.advance(now); err != nil {
		return res, err
	}
	l.touch(rec)

	interest, err := recognized(rec, now)
	if err != nil {
		return res, err
	}
	if err = l.subAccounted(interest); err != nil {
		return res, err
	}
	if rec.Status == StatusPerforming {
		if err = l.unscheduleLoan(rec); err != nil {
			return res, err
		}
	}
	if err = l.subPrincipal(principalPaid); err != nil {
		return res, err
	}
	if rec.Principal, err = accrual.Sub(rec.Principal, principalPaid); err != nil {
		return res, err
	}

	fees, err := accrual.SplitFees(interestPaid, rec.PlatformFeeRate, rec.DelegateFeeRate)
	if err != nil {
		return res, err
	}

	resolved := false
	if rec.Status == StatusWarned {
		if err = l.resolveWarning(rec.ID); err != nil {
			return res, err
		}
		resolved = true
	}

	rec.RefinanceInterest = accrual.Zero()
	rec.Carried = accrual.Zero()

	final := t.NewDueDate == 0
	if final {
		if !rec.Principal.IsZero() {
			return res, invalid("final payment leaves %s principal outstanding", rec.Principal.Dec())
		}
		rec.IncomingNetInterest = accrual.Zero()
		rec.IssuanceRate = accrual.Zero()
		rec.StartDate = now
		rec.Status = StatusRepaid
		l.setVehicle(rec.Vehicle, 0, false)
	} else if err = l.startCycle(rec, now, t.NewDueDate, t.NextGrossInterest); err != nil {
		return res, err
	}
	l.refreshDomain()

	return ClaimResult{
		Loan:               *rec.clone(),
		PrincipalPaid:      principalPaid,
		Fees:               fees,
		RecognizedInterest: interest,
		Final:              final,
		ResolvedWarning:    resolved,
	}, nil
}

// AcceptNewTerms applies a refinance. Interest recognized under the old terms
// is replaced by the refinance interest reported by the loan, and the new
// terms start amortizing from now.
func (l *Ledger) AcceptNewTerms(caller common.Address, now uint64, vehicle common.Address, t RefinanceTerms) (res RefinanceResult, err error) {
	if err := l.requireAuthority(caller); err != nil {
		return res, err
	}
	rec, err := l.loanByVehicle(vehicle)
	if err != nil {
		return res, err
	}
	switch rec.Status {
	case StatusPerforming, StatusPastDue:
	default:
		return res, fmt.Errorf("%w: loan %d is %s", ErrInvalidState, rec.ID, rec.Status)
	}
	if t.NewPrincipal == nil || t.NewPrincipal.IsZero() {
		return res, invalid("zero principal")
	}
	if t.NewDueDate <= now {
		return res, invalid("new due date %d not after %d", t.NewDueDate, now)
	}
	platform, delegate, err := accrual.ClampFeeRates(t.PlatformFeeRate, t.DelegateFeeRate)
	if err != nil {
		return res, invalid("%v", err)
	}

	l.begin()
	defer l.finish(&err)

	if err = l.advance(now); err != nil {
		return res, err
	}
	l.touch(rec)

	old, err := recognized(rec, now)
	if err != nil {
		return res, err
	}
	if rec.Status == StatusPerforming {
		if err = l.unscheduleLoan(rec); err != nil {
			return res, err
		}
	}
	refinanceInterest, err := accrual.NetInterest(amountOrZero(t.RefinanceGrossInterest), rec.PlatformFeeRate, rec.DelegateFeeRate)
	if err != nil {
		return res, err
	}
	if err = l.subAccounted(old); err != nil {
		return res, err
	}
	if err = l.addAccounted(refinanceInterest); err != nil {
		return res, err
	}

	previous := rec.Principal.Clone()
	if err = l.subPrincipal(previous); err != nil {
		return res, err
	}
	if err = l.addPrincipal(t.NewPrincipal); err != nil {
		return res, err
	}

	rec.Principal = t.NewPrincipal.Clone()
	rec.RefinanceInterest = refinanceInterest
	rec.Carried = accrual.Zero()
	rec.PlatformFeeRate = platform
	rec.DelegateFeeRate = delegate
	if err = l.startCycle(rec, now, t.NewDueDate, t.NextGrossInterest); err != nil {
		return res, err
	}
	l.refreshDomain()

	return RefinanceResult{
		Loan:              *rec.clone(),
		PreviousPrincipal: previous,
		RefinanceInterest: refinanceInterest.Clone(),
	}, nil
}

// startCycle opens a payment cycle from now to due for the given gross
// interest and schedules the loan.
func (l *Ledger) startCycle(rec *LoanRecord, now, due uint64, gross *uint256.Int) error {
	net, err := accrual.NetInterest(amountOrZero(gross), rec.PlatformFeeRate, rec.DelegateFeeRate)
	if err != nil {
		return err
	}
	rate, err := accrual.IssuanceRate(net, due-now)
	if err != nil {
		return err
	}
	rec.IncomingNetInterest = net
	rec.IssuanceRate = rate
	rec.StartDate = now
	rec.PaymentDueDate = due
	rec.Status = StatusPerforming
	return l.scheduleLoan(rec)
}

// resolveWarning drops a loan's liquidation snapshot and its unrealized
// losses.
func (l *Ledger) resolveWarning(id uint64) error {
	info, ok := l.liquidations[id]
	if !ok {
		return errors.New("portfolio: warned loan has no liquidation info")
	}
	losses, err := accrual.Sub(l.unrealizedLosses, info.Losses())
	if err != nil {
		return err
	}
	l.unrealizedLosses = losses
	l.setLiquidation(id, nil)
	return nil
}

// UpdateAccounting brings accrual up to now without any other transition:
// overdue loans are retired to past_due and a fresh domain opens at now.
func (l *Ledger) UpdateAccounting(caller common.Address, now uint64) (err error) {
	if err := l.requireAuthority(caller); err != nil {
		return err
	}
	l.begin()
	defer l.finish(&err)
	return l.advance(now)
}
