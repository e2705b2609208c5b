package portfolio

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/loanmanager/internal/accrual"
)

// Status is the lifecycle position of a loan.
type Status string

const (
	StatusPerforming  Status = "performing"  // scheduled and accruing
	StatusPastDue     Status = "past_due"    // due date passed without settlement
	StatusWarned      Status = "warned"      // default warning, frozen
	StatusLiquidating Status = "liquidating" // collateral recovery in progress
	StatusRepaid      Status = "repaid"
)

// Outstanding reports whether the loan's principal still counts toward
// principalOut.
func (s Status) Outstanding() bool {
	switch s {
	case StatusPerforming, StatusPastDue, StatusWarned, StatusLiquidating:
		return true
	}
	return false
}

// LoanRecord is the ledger's view of one funded loan.
type LoanRecord struct {
	ID                  uint64         `json:"id"`
	Vehicle             common.Address `json:"vehicle"`
	Principal           *uint256.Int   `json:"principal"`
	IncomingNetInterest *uint256.Int   `json:"incomingNetInterest"`
	RefinanceInterest   *uint256.Int   `json:"refinanceInterest"`
	IssuanceRate        *uint256.Int   `json:"issuanceRate"`
	StartDate           uint64         `json:"startDate"`
	PaymentDueDate      uint64         `json:"paymentDueDate"`
	PlatformFeeRate     uint64         `json:"platformFeeRate"`
	DelegateFeeRate     uint64         `json:"delegateFeeRate"`
	Status              Status         `json:"status"`
	Sequence            uint64         `json:"sequence"`
	FundedAt            uint64         `json:"fundedAt"`

	// Carried is interest (scaled by accrual.Precision) recognized for the
	// current cycle before StartDate, e.g. across a default warning.
	Carried *uint256.Int `json:"carried"`
}

func (r *LoanRecord) clone() *LoanRecord {
	c := *r
	c.Principal = r.Principal.Clone()
	c.IncomingNetInterest = r.IncomingNetInterest.Clone()
	c.RefinanceInterest = r.RefinanceInterest.Clone()
	c.IssuanceRate = r.IssuanceRate.Clone()
	c.Carried = r.Carried.Clone()
	return &c
}

// LiquidationInfo is the frozen snapshot of a loan under default warning or
// liquidation.
type LiquidationInfo struct {
	LoanID              uint64         `json:"loanId"`
	Principal           *uint256.Int   `json:"principal"`
	Interest            *uint256.Int   `json:"interest"`
	PlatformFees        *uint256.Int   `json:"platformFees"`
	Liquidator          common.Address `json:"liquidator"`
	TriggeredByGovernor bool           `json:"triggeredByGovernor"`
	TriggeredAt         uint64         `json:"triggeredAt"`
}

// Losses is principal plus interest.
func (i *LiquidationInfo) Losses() *uint256.Int {
	return new(uint256.Int).Add(i.Principal, i.Interest)
}

func (i *LiquidationInfo) clone() *LiquidationInfo {
	c := *i
	c.Principal = i.Principal.Clone()
	c.Interest = i.Interest.Clone()
	c.PlatformFees = i.PlatformFees.Clone()
	return &c
}

// State holds the ledger scalars.
type State struct {
	PrincipalOut      *uint256.Int `json:"principalOut"`
	AccountedInterest *uint256.Int `json:"accountedInterest"`
	IssuanceRate      *uint256.Int `json:"issuanceRate"`
	DomainStart       uint64       `json:"domainStart"`
	DomainEnd         uint64       `json:"domainEnd"`
	UnrealizedLosses  *uint256.Int `json:"unrealizedLosses"`
	AccrualRemainder  *uint256.Int `json:"accrualRemainder"`
	NextLoanID        uint64       `json:"nextLoanId"`
	NextSequence      uint64       `json:"nextSequence"`
}

// FundTerms are the inputs to Fund. Fee rates are parts per million.
type FundTerms struct {
	Vehicle         common.Address
	Principal       *uint256.Int
	GrossInterest   *uint256.Int
	PaymentDueDate  uint64
	PlatformFeeRate uint64
	DelegateFeeRate uint64
}

// FundResult describes a newly funded loan.
type FundResult struct {
	Loan LoanRecord
}

// ClaimTerms are the inputs to Claim. NewDueDate zero means the payment
// closes the loan.
type ClaimTerms struct {
	PrincipalPaid     *uint256.Int
	InterestPaid      *uint256.Int
	PreviousDueDate   uint64
	NewDueDate        uint64
	NextGrossInterest *uint256.Int
}

// ClaimResult carries the amounts the transfer layer must move.
type ClaimResult struct {
	Loan               LoanRecord
	PrincipalPaid      *uint256.Int
	Fees               accrual.FeeSplit
	RecognizedInterest *uint256.Int
	Final              bool
	ResolvedWarning    bool
}

// RefinanceTerms are the inputs to AcceptNewTerms.
type RefinanceTerms struct {
	NewPrincipal           *uint256.Int
	RefinanceGrossInterest *uint256.Int
	NextGrossInterest      *uint256.Int
	NewDueDate             uint64
	PlatformFeeRate        uint64
	DelegateFeeRate        uint64
}

// RefinanceResult reports the refinanced loan. RefinanceInterest is the net
// interest recognized for the old terms.
type RefinanceResult struct {
	Loan              LoanRecord
	PreviousPrincipal *uint256.Int
	RefinanceInterest *uint256.Int
}

// LiquidationResult is returned by FinishCollateralLiquidation.
type LiquidationResult struct {
	Loan            LoanRecord
	Info            LiquidationInfo
	Recovered       *uint256.Int
	RemainingLosses *uint256.Int
	PlatformFees    *uint256.Int
}

// ChangeSet lists what a successful call modified.
type ChangeSet struct {
	State        State
	Loans        []LoanRecord
	Cleared      []uint64
	Liquidations []LiquidationInfo
	Resolved     []uint64
}

// Empty reports whether nothing beyond the scalars changed.
func (c ChangeSet) Empty() bool {
	return len(c.Loans) == 0 && len(c.Cleared) == 0 && len(c.Liquidations) == 0 && len(c.Resolved) == 0
}

func amountOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return accrual.Zero()
	}
	return v.Clone()
}
