package loanmanager

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/loanmanager/internal/portfolio"
)

// Summary is the portfolio position at a point in time.
type Summary struct {
	At                    uint64          `json:"at"`
	State                 portfolio.State `json:"state"`
	AccruedInterest       *uint256.Int    `json:"accruedInterest"`
	AssetsUnderManagement *uint256.Int    `json:"assetsUnderManagement"`
	ActiveLoans           int             `json:"activeLoans"`
	ScheduledLoans        int             `json:"scheduledLoans"`
}

// ScheduleEntry is one performing loan in due-date order.
type ScheduleEntry struct {
	LoanID         uint64         `json:"loanId"`
	Vehicle        common.Address `json:"vehicle"`
	PaymentDueDate uint64         `json:"paymentDueDate"`
	Sequence       uint64         `json:"sequence"`
}

func (s *Service) view(ctx context.Context, fn func(l *portfolio.Ledger) error) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(s.ledger)
}

// Now is the ledger clock reading in unix seconds.
func (s *Service) Now() uint64 { return s.now() }

// Summary reports the position as of at; zero means now. Accrual is
// read-only here: times past domainEnd see the frozen value.
func (s *Service) Summary(ctx context.Context, at uint64) (sum Summary, err error) {
	if at == 0 {
		at = s.now()
	}
	err = s.view(ctx, func(l *portfolio.Ledger) error {
		accrued, err := l.AccruedInterest(at)
		if err != nil {
			return err
		}
		aum, err := l.AssetsUnderManagement(at)
		if err != nil {
			return err
		}
		sum = Summary{
			At:                    at,
			State:                 l.State(),
			AccruedInterest:       accrued,
			AssetsUnderManagement: aum,
			ActiveLoans:           l.ActiveLoans(),
			ScheduledLoans:        len(l.Schedule()),
		}
		return nil
	})
	return sum, err
}

// Loan returns a loan record by id.
func (s *Service) Loan(ctx context.Context, id uint64) (rec portfolio.LoanRecord, err error) {
	err = s.view(ctx, func(l *portfolio.Ledger) error {
		rec, err = l.Loan(id)
		return err
	})
	return rec, err
}

// LoanByVehicle returns the live loan funded to vehicle.
func (s *Service) LoanByVehicle(ctx context.Context, vehicle common.Address) (rec portfolio.LoanRecord, err error) {
	err = s.view(ctx, func(l *portfolio.Ledger) error {
		rec, err = l.LoanByVehicle(vehicle)
		return err
	})
	return rec, err
}

// Loans returns all records, optionally filtered by status.
func (s *Service) Loans(ctx context.Context, status portfolio.Status) (out []portfolio.LoanRecord, err error) {
	err = s.view(ctx, func(l *portfolio.Ledger) error {
		for _, rec := range l.Loans() {
			if status == "" || rec.Status == status {
				out = append(out, rec)
			}
		}
		return nil
	})
	return out, err
}

// Schedule walks the due-date registry from the head.
func (s *Service) Schedule(ctx context.Context) (out []ScheduleEntry, err error) {
	err = s.view(ctx, func(l *portfolio.Ledger) error {
		for _, e := range l.Schedule() {
			rec, err := l.Loan(e.ID)
			if err != nil {
				return err
			}
			out = append(out, ScheduleEntry{LoanID: e.ID, Vehicle: rec.Vehicle, PaymentDueDate: e.Due, Sequence: e.Seq})
		}
		return nil
	})
	return out, err
}

// Liquidation returns the snapshot of a warned or liquidating loan.
func (s *Service) Liquidation(ctx context.Context, id uint64) (info portfolio.LiquidationInfo, err error) {
	err = s.view(ctx, func(l *portfolio.Ledger) error {
		info, err = l.Liquidation(id)
		return err
	})
	return info, err
}

// Liquidations returns every open snapshot.
func (s *Service) Liquidations(ctx context.Context) (out []portfolio.LiquidationInfo, err error) {
	err = s.view(ctx, func(l *portfolio.Ledger) error {
		out = l.Liquidations()
		return nil
	})
	return out, err
}

// Events lists the event log.
func (s *Service) Events(ctx context.Context, f EventFilter) ([]*Event, error) {
	return s.events.List(ctx, f)
}

// Check runs the ledger's structural invariant checks.
func (s *Service) Check(ctx context.Context) error {
	return s.view(ctx, func(l *portfolio.Ledger) error { return l.Check() })
}
