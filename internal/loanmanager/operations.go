package loanmanager

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/loanmanager/internal/accrual"
	"github.com/mbd888/loanmanager/internal/portfolio"
	"github.com/mbd888/loanmanager/internal/traces"
)

// Fund funds the loan at vehicle with the terms it reports and the fee rates
// in force now.
func (s *Service) Fund(ctx context.Context, actor Actor, vehicle common.Address) (res portfolio.FundResult, err error) {
	attrs := []attribute.KeyValue{traces.Vehicle(vehicle.Hex()), traces.Governor(actor.Governor)}
	err = s.mutate(ctx, "fund", attrs, func(ctx context.Context, now uint64) (outcome, error) {
		terms, err := s.loans.Terms(ctx, vehicle)
		if err != nil {
			return outcome{}, err
		}
		platform, delegate, err := s.fees.FeeRates(ctx)
		if err != nil {
			return outcome{}, err
		}
		res, err = s.ledger.Fund(actor.Address, now, portfolio.FundTerms{
			Vehicle:         vehicle,
			Principal:       terms.Principal,
			GrossInterest:   terms.NextInterest,
			PaymentDueDate:  terms.NextDueDate,
			PlatformFeeRate: platform,
			DelegateFeeRate: delegate,
		})
		if err != nil {
			return outcome{}, err
		}
		loan := res.Loan
		return outcome{
			target: loan.ID,
			events: []*Event{{
				Type:    EventFunded,
				LoanID:  loan.ID,
				Vehicle: vehicle,
				Data: map[string]string{
					"principal":           loan.Principal.Dec(),
					"incomingNetInterest": loan.IncomingNetInterest.Dec(),
					"issuanceRate":        loan.IssuanceRate.Dec(),
					"paymentDueDate":      strconv.FormatUint(loan.PaymentDueDate, 10),
					"platformFeeRate":     strconv.FormatUint(loan.PlatformFeeRate, 10),
					"delegateFeeRate":     strconv.FormatUint(loan.DelegateFeeRate, 10),
				},
			}},
		}, nil
	})
	return res, err
}

// ClaimRequest is a payment reported by a loan. NewDueDate zero closes the
// loan; otherwise the next cycle's interest is read from the LoanSource.
type ClaimRequest struct {
	PrincipalPaid   *uint256.Int
	InterestPaid    *uint256.Int
	PreviousDueDate uint64
	NewDueDate      uint64
}

// Claim settles a payment. caller must be the loan's vehicle.
func (s *Service) Claim(ctx context.Context, caller common.Address, req ClaimRequest) (res portfolio.ClaimResult, err error) {
	attrs := []attribute.KeyValue{traces.Vehicle(caller.Hex()), traces.Amount(amountString(req.InterestPaid))}
	err = s.mutate(ctx, "claim", attrs, func(ctx context.Context, now uint64) (outcome, error) {
		terms := portfolio.ClaimTerms{
			PrincipalPaid:   req.PrincipalPaid,
			InterestPaid:    req.InterestPaid,
			PreviousDueDate: req.PreviousDueDate,
			NewDueDate:      req.NewDueDate,
		}
		if req.NewDueDate != 0 {
			if _, err := s.ledger.LoanByVehicle(caller); err != nil {
				return outcome{}, fmt.Errorf("%w: %s", portfolio.ErrNotLoan, caller.Hex())
			}
			next, err := s.loans.Terms(ctx, caller)
			if err != nil {
				return outcome{}, err
			}
			terms.NextGrossInterest = next.NextInterest
		}
		res, err = s.ledger.Claim(caller, now, terms)
		if err != nil {
			return outcome{}, err
		}
		loan := res.Loan
		data := map[string]string{
			"principalPaid":      res.PrincipalPaid.Dec(),
			"interestPaid":       amountString(req.InterestPaid),
			"recognizedInterest": res.RecognizedInterest.Dec(),
			"platformFee":        res.Fees.Platform.Dec(),
			"delegateFee":        res.Fees.Delegate.Dec(),
			"poolInterest":       res.Fees.Pool.Dec(),
			"final":              strconv.FormatBool(res.Final),
		}
		if res.ResolvedWarning {
			data["resolvedWarning"] = "true"
		}
		fees, principal := res.Fees, res.PrincipalPaid
		return outcome{
			target: loan.ID,
			events: []*Event{{Type: EventClaimed, LoanID: loan.ID, Vehicle: caller, Data: data}},
			settle: s.claimTransfers(loan.ID, caller, fees, principal),
		}, nil
	})
	return res, err
}

// claimTransfers pays out the interest split and then returns principal.
func (s *Service) claimTransfers(id uint64, vehicle common.Address, fees accrual.FeeSplit, principal *uint256.Int) []func(context.Context) error {
	steps := []func(context.Context) error{func(ctx context.Context) error {
		return s.cash.DistributeInterest(ctx, id, vehicle, fees)
	}}
	if !principal.IsZero() {
		steps = append(steps, func(ctx context.Context) error {
			return s.cash.ReturnPrincipal(ctx, id, vehicle, principal)
		})
	}
	return steps
}

// AcceptNewTerms applies the refinance proposal the loan reports.
func (s *Service) AcceptNewTerms(ctx context.Context, actor Actor, vehicle common.Address) (res portfolio.RefinanceResult, err error) {
	attrs := []attribute.KeyValue{traces.Vehicle(vehicle.Hex()), traces.Governor(actor.Governor)}
	err = s.mutate(ctx, "refinance", attrs, func(ctx context.Context, now uint64) (outcome, error) {
		quote, err := s.loans.RefinanceTerms(ctx, vehicle)
		if err != nil {
			return outcome{}, err
		}
		platform, delegate, err := s.fees.FeeRates(ctx)
		if err != nil {
			return outcome{}, err
		}
		res, err = s.ledger.AcceptNewTerms(actor.Address, now, vehicle, portfolio.RefinanceTerms{
			NewPrincipal:           quote.Principal,
			RefinanceGrossInterest: quote.RefinanceInterest,
			NextGrossInterest:      quote.NextInterest,
			NewDueDate:             quote.NextDueDate,
			PlatformFeeRate:        platform,
			DelegateFeeRate:        delegate,
		})
		if err != nil {
			return outcome{}, err
		}
		loan := res.Loan
		return outcome{
			target: loan.ID,
			events: []*Event{{
				Type:    EventRefinanced,
				LoanID:  loan.ID,
				Vehicle: vehicle,
				Data: map[string]string{
					"previousPrincipal": res.PreviousPrincipal.Dec(),
					"principal":         loan.Principal.Dec(),
					"refinanceInterest": res.RefinanceInterest.Dec(),
					"issuanceRate":      loan.IssuanceRate.Dec(),
					"paymentDueDate":    strconv.FormatUint(loan.PaymentDueDate, 10),
				},
			}},
			settle: []func(context.Context) error{func(context.Context) error {
				if acc, ok := s.loans.(termsAcceptor); ok {
					acc.AcceptRefinance(vehicle)
				}
				return nil
			}},
		}, nil
	})
	return res, err
}

// TriggerDefaultWarning freezes a loan and books its snapshot as unrealized
// losses.
func (s *Service) TriggerDefaultWarning(ctx context.Context, actor Actor, vehicle common.Address) (res portfolio.LiquidationInfo, err error) {
	attrs := []attribute.KeyValue{traces.Vehicle(vehicle.Hex()), traces.Governor(actor.Governor)}
	err = s.mutate(ctx, "default_warning", attrs, func(ctx context.Context, now uint64) (outcome, error) {
		res, err = s.ledger.TriggerDefaultWarning(actor.Address, now, vehicle, actor.Governor)
		if err != nil {
			return outcome{}, err
		}
		return outcome{
			target: res.LoanID,
			events: []*Event{{
				Type:    EventDefaultWarning,
				LoanID:  res.LoanID,
				Vehicle: vehicle,
				Data:    infoData(res),
			}},
		}, nil
	})
	return res, err
}

// RemoveDefaultWarning reinstates a warned loan.
func (s *Service) RemoveDefaultWarning(ctx context.Context, actor Actor, vehicle common.Address) (res portfolio.LoanRecord, err error) {
	attrs := []attribute.KeyValue{traces.Vehicle(vehicle.Hex()), traces.Governor(actor.Governor)}
	err = s.mutate(ctx, "remove_warning", attrs, func(ctx context.Context, now uint64) (outcome, error) {
		res, err = s.ledger.RemoveDefaultWarning(actor.Address, now, vehicle, actor.Governor)
		if err != nil {
			return outcome{}, err
		}
		return outcome{
			target: res.ID,
			events: []*Event{{
				Type:    EventWarningRemoved,
				LoanID:  res.ID,
				Vehicle: vehicle,
				Data: map[string]string{
					"status":       string(res.Status),
					"issuanceRate": res.IssuanceRate.Dec(),
				},
			}},
		}, nil
	})
	return res, err
}

// TriggerCollateralLiquidation deploys a liquidator for a warned or overdue
// loan and moves it to liquidating.
func (s *Service) TriggerCollateralLiquidation(ctx context.Context, actor Actor, vehicle common.Address) (res portfolio.LiquidationInfo, err error) {
	attrs := []attribute.KeyValue{traces.Vehicle(vehicle.Hex()), traces.Governor(actor.Governor)}
	err = s.mutate(ctx, "liquidation_trigger", attrs, func(ctx context.Context, now uint64) (outcome, error) {
		if actor.Address != s.ledger.Authority() {
			return outcome{}, fmt.Errorf("%w: %s", portfolio.ErrNotAuthorized, actor.Address.Hex())
		}
		loan, err := s.ledger.LoanByVehicle(vehicle)
		if err != nil {
			return outcome{}, err
		}
		liquidator, err := s.liquidators.Deploy(ctx, loan.ID, vehicle)
		if err != nil {
			return outcome{}, fmt.Errorf("deploy liquidator: %w", err)
		}
		res, err = s.ledger.TriggerCollateralLiquidation(actor.Address, now, vehicle, liquidator, actor.Governor)
		if err != nil {
			return outcome{}, err
		}
		data := infoData(res)
		data["liquidator"] = res.Liquidator.Hex()
		return outcome{
			target: res.LoanID,
			events: []*Event{{Type: EventLiquidationTriggered, LoanID: res.LoanID, Vehicle: vehicle, Data: data}},
		}, nil
	})
	return res, err
}

// FinishCollateralLiquidation closes a liquidation with the recovered value
// and hands the remaining losses to the CashMover for write-off.
func (s *Service) FinishCollateralLiquidation(ctx context.Context, actor Actor, vehicle common.Address, recovered *uint256.Int) (res portfolio.LiquidationResult, err error) {
	attrs := []attribute.KeyValue{traces.Vehicle(vehicle.Hex()), traces.Governor(actor.Governor), traces.Amount(amountString(recovered))}
	err = s.mutate(ctx, "liquidation_finish", attrs, func(ctx context.Context, now uint64) (outcome, error) {
		res, err = s.ledger.FinishCollateralLiquidation(actor.Address, now, vehicle, recovered)
		if err != nil {
			return outcome{}, err
		}
		id := res.Loan.ID
		remaining, fees := res.RemainingLosses, res.PlatformFees
		return outcome{
			target: id,
			events: []*Event{{
				Type:    EventLiquidationFinished,
				LoanID:  id,
				Vehicle: vehicle,
				Data: map[string]string{
					"recovered":       res.Recovered.Dec(),
					"remainingLosses": remaining.Dec(),
					"platformFees":    fees.Dec(),
				},
			}},
			settle: []func(context.Context) error{func(ctx context.Context) error {
				return s.cash.WriteOff(ctx, id, vehicle, remaining, fees)
			}},
		}, nil
	})
	return res, err
}

// UpdateAccounting folds accrual up to now and retires overdue loans.
func (s *Service) UpdateAccounting(ctx context.Context, actor Actor) error {
	return s.mutate(ctx, "update_accounting", []attribute.KeyValue{traces.Governor(actor.Governor)},
		func(_ context.Context, now uint64) (outcome, error) {
			return outcome{}, s.ledger.UpdateAccounting(actor.Address, now)
		})
}

func infoData(info portfolio.LiquidationInfo) map[string]string {
	return map[string]string{
		"principal":           info.Principal.Dec(),
		"interest":            info.Interest.Dec(),
		"platformFees":        info.PlatformFees.Dec(),
		"triggeredByGovernor": strconv.FormatBool(info.TriggeredByGovernor),
	}
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
