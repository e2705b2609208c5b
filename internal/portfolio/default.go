package portfolio

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/loanmanager/internal/accrual"
)

// TriggerDefaultWarning freezes a loan suspected of default. Its accrual stops
// at now and its principal plus recognized interest move to unrealized losses.
func (l *Ledger) TriggerDefaultWarning(caller common.Address, now uint64, vehicle common.Address, byGovernor bool) (res LiquidationInfo, err error) {
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

	l.begin()
	defer l.finish(&err)

	if err = l.advance(now); err != nil {
		return res, err
	}
	info, err := l.warn(rec, now, byGovernor)
	if err != nil {
		return res, err
	}
	l.refreshDomain()
	return *info.clone(), nil
}

// warn takes the loan off the schedule and records its snapshot. The domain
// must already be advanced to now.
func (l *Ledger) warn(rec *LoanRecord, now uint64, byGovernor bool) (*LiquidationInfo, error) {
	l.touch(rec)
	if rec.Status == StatusPerforming {
		if err := collapse(rec, now); err != nil {
			return nil, err
		}
		if err := l.unscheduleLoan(rec); err != nil {
			return nil, err
		}
	}

	interest, err := recognized(rec, now)
	if err != nil {
		return nil, err
	}
	gross, err := accrual.GrossUp(interest, rec.PlatformFeeRate, rec.DelegateFeeRate)
	if err != nil {
		return nil, err
	}
	platformFees, err := accrual.Fee(gross, rec.PlatformFeeRate)
	if err != nil {
		return nil, err
	}
	info := &LiquidationInfo{
		LoanID:              rec.ID,
		Principal:           rec.Principal.Clone(),
		Interest:            interest,
		PlatformFees:        platformFees,
		TriggeredByGovernor: byGovernor,
		TriggeredAt:         now,
	}
	if l.unrealizedLosses, err = accrual.Add(l.unrealizedLosses, info.Losses()); err != nil {
		return nil, err
	}
	l.setLiquidation(rec.ID, info)
	rec.Status = StatusWarned
	return info, nil
}

// RemoveDefaultWarning reinstates a warned loan. The interest it had left to
// accrue in its cycle is spread over the time remaining until its due date; if
// the due date has already passed, that interest is recognized at once and
// the loan stays past due. A warning raised by the governor can only be
// removed by the governor.
func (l *Ledger) RemoveDefaultWarning(caller common.Address, now uint64, vehicle common.Address, byGovernor bool) (res LoanRecord, err error) {
	if err := l.requireAuthority(caller); err != nil {
		return res, err
	}
	rec, err := l.loanByVehicle(vehicle)
	if err != nil {
		return res, err
	}
	if rec.Status != StatusWarned {
		return res, fmt.Errorf("%w: loan %d is %s", ErrInvalidState, rec.ID, rec.Status)
	}
	info, ok := l.liquidations[rec.ID]
	if !ok {
		return res, fmt.Errorf("%w: no warning for loan %d", ErrNotFound, rec.ID)
	}
	if info.TriggeredByGovernor && !byGovernor {
		return res, fmt.Errorf("%w: warning was raised by the governor", ErrNotAuthorized)
	}

	l.begin()
	defer l.finish(&err)

	if err = l.advance(now); err != nil {
		return res, err
	}
	l.touch(rec)

	var remaining *uint256.Int
	if rec.PaymentDueDate > rec.StartDate {
		if remaining, err = accrual.Mul(rec.IssuanceRate, accrual.Seconds(rec.PaymentDueDate-rec.StartDate)); err != nil {
			return res, err
		}
	} else {
		remaining = accrual.Zero()
	}

	if rec.PaymentDueDate > now {
		if rec.IssuanceRate, err = accrual.MulDiv(remaining, accrual.Seconds(1), accrual.Seconds(rec.PaymentDueDate-now)); err != nil {
			return res, err
		}
		rec.StartDate = now
		rec.Status = StatusPerforming
		if err = l.rescheduleLoan(rec); err != nil {
			return res, err
		}
	} else {
		var whole *uint256.Int
		if whole, err = l.window.FoldScaled(remaining); err != nil {
			return res, err
		}
		if err = l.addAccounted(whole); err != nil {
			return res, err
		}
		if rec.Carried, err = accrual.Add(rec.Carried, remaining); err != nil {
			return res, err
		}
		rec.StartDate = rec.PaymentDueDate
		rec.Status = StatusPastDue
	}

	if err = l.resolveWarning(rec.ID); err != nil {
		return res, err
	}
	l.refreshDomain()
	return *rec.clone(), nil
}

// TriggerCollateralLiquidation starts collateral recovery for a warned or
// past-due loan. A past-due loan without a warning gets its snapshot recorded
// first.
func (l *Ledger) TriggerCollateralLiquidation(caller common.Address, now uint64, vehicle, liquidator common.Address, byGovernor bool) (res LiquidationInfo, err error) {
	if err := l.requireAuthority(caller); err != nil {
		return res, err
	}
	rec, err := l.loanByVehicle(vehicle)
	if err != nil {
		return res, err
	}
	if liquidator == (common.Address{}) {
		return res, invalid("missing liquidator")
	}

	l.begin()
	defer l.finish(&err)

	if err = l.advance(now); err != nil {
		return res, err
	}

	var info *LiquidationInfo
	switch rec.Status {
	case StatusWarned:
		info = l.liquidations[rec.ID]
		if info == nil {
			return res, fmt.Errorf("%w: no warning for loan %d", ErrNotFound, rec.ID)
		}
	case StatusPastDue:
		if info, err = l.warn(rec, now, byGovernor); err != nil {
			return res, err
		}
	default:
		return res, fmt.Errorf("%w: loan %d is %s", ErrInvalidState, rec.ID, rec.Status)
	}

	l.touch(rec)
	updated := info.clone()
	updated.Liquidator = liquidator
	l.setLiquidation(rec.ID, updated)
	rec.Status = StatusLiquidating
	l.refreshDomain()
	return *updated.clone(), nil
}

// FinishCollateralLiquidation closes a liquidation given the value recovered
// from collateral. The loan's record and snapshot are removed for good. It
// returns the losses left after recovery and the platform fees forgone.
func (l *Ledger) FinishCollateralLiquidation(caller common.Address, now uint64, vehicle common.Address, recovered *uint256.Int) (res LiquidationResult, err error) {
	if err := l.requireAuthority(caller); err != nil {
		return res, err
	}
	rec, err := l.loanByVehicle(vehicle)
	if err != nil {
		return res, err
	}
	if rec.Status != StatusLiquidating {
		return res, fmt.Errorf("%w: loan %d is %s", ErrInvalidState, rec.ID, rec.Status)
	}
	info, ok := l.liquidations[rec.ID]
	if !ok {
		return res, fmt.Errorf("%w: no liquidation for loan %d", ErrNotFound, rec.ID)
	}
	recovered = amountOrZero(recovered)

	l.begin()
	defer l.finish(&err)

	if err = l.advance(now); err != nil {
		return res, err
	}

	losses := info.Losses()
	remaining := accrual.Zero()
	if losses.Gt(recovered) {
		remaining.Sub(losses, recovered)
	}
	if l.unrealizedLosses, err = accrual.Sub(l.unrealizedLosses, losses); err != nil {
		return res, err
	}
	if err = l.subPrincipal(rec.Principal); err != nil {
		return res, err
	}
	if err = l.subAccounted(info.Interest); err != nil {
		return res, err
	}

	res = LiquidationResult{
		Loan:            *rec.clone(),
		Info:            *info.clone(),
		Recovered:       recovered,
		RemainingLosses: remaining,
		PlatformFees:    info.PlatformFees.Clone(),
	}

	l.touch(rec)
	l.loans[rec.ID-1] = nil
	l.setVehicle(rec.Vehicle, 0, false)
	l.setLiquidation(rec.ID, nil)
	l.refreshDomain()
	return res, nil
}
