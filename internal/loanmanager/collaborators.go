package loanmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/mbd888/loanmanager/internal/accrual"
	"github.com/mbd888/loanmanager/internal/metrics"
	"github.com/mbd888/loanmanager/internal/usdc"
)

// ErrNoTerms is returned by a LoanSource that has nothing for a vehicle.
var ErrNoTerms = errors.New("loanmanager: no terms for vehicle")

// LoanTerms is what a loan reports about its current position.
type LoanTerms struct {
	Vehicle      common.Address `json:"vehicle"`
	Principal    *uint256.Int   `json:"principal"`
	NextInterest *uint256.Int   `json:"nextInterest"` // gross, before fees
	NextDueDate  uint64         `json:"nextDueDate"`
}

// RefinanceQuote is what a loan reports after new terms were proposed.
type RefinanceQuote struct {
	Vehicle           common.Address `json:"vehicle"`
	Principal         *uint256.Int   `json:"principal"`
	RefinanceInterest *uint256.Int   `json:"refinanceInterest"` // gross interest owed under the old terms
	NextInterest      *uint256.Int   `json:"nextInterest"`
	NextDueDate       uint64         `json:"nextDueDate"`
}

// LoanSource supplies loan terms. The ledger never computes them.
type LoanSource interface {
	Terms(ctx context.Context, vehicle common.Address) (LoanTerms, error)
	RefinanceTerms(ctx context.Context, vehicle common.Address) (RefinanceQuote, error)
}

// FeeSource supplies the management fee rates, in parts per million, in
// force at call time.
type FeeSource interface {
	FeeRates(ctx context.Context) (platform, delegate uint64, err error)
}

// CashMover moves value for amounts the ledger computed.
type CashMover interface {
	DistributeInterest(ctx context.Context, loanID uint64, vehicle common.Address, split accrual.FeeSplit) error
	ReturnPrincipal(ctx context.Context, loanID uint64, vehicle common.Address, amount *uint256.Int) error
	WriteOff(ctx context.Context, loanID uint64, vehicle common.Address, remainingLosses, platformFees *uint256.Int) error
}

// LiquidatorFactory deploys the recovery agent for a liquidating loan.
type LiquidatorFactory interface {
	Deploy(ctx context.Context, loanID uint64, vehicle common.Address) (common.Address, error)
}

// Clock reads the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a settable clock for tests and replays.
type ManualClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewManualClock starts at t.
func NewManualClock(t time.Time) *ManualClock { return &ManualClock{t: t} }

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// StaticFees is a FeeSource with fixed rates.
type StaticFees struct {
	Platform uint64
	Delegate uint64
}

func (f StaticFees) FeeRates(context.Context) (uint64, uint64, error) {
	return f.Platform, f.Delegate, nil
}

// LoanBook is an in-memory LoanSource. Loans post their terms to it.
type LoanBook struct {
	mu        sync.RWMutex
	terms     map[common.Address]LoanTerms
	refinance map[common.Address]RefinanceQuote
}

// NewLoanBook returns an empty book.
func NewLoanBook() *LoanBook {
	return &LoanBook{
		terms:     make(map[common.Address]LoanTerms),
		refinance: make(map[common.Address]RefinanceQuote),
	}
}

// SetTerms records the current terms of a loan.
func (b *LoanBook) SetTerms(t LoanTerms) {
	b.mu.Lock()
	b.terms[t.Vehicle] = t
	b.mu.Unlock()
}

// SetRefinanceTerms records proposed refinance terms.
func (b *LoanBook) SetRefinanceTerms(q RefinanceQuote) {
	b.mu.Lock()
	b.refinance[q.Vehicle] = q
	b.mu.Unlock()
}

// AcceptRefinance makes the proposed terms current and drops the proposal.
func (b *LoanBook) AcceptRefinance(vehicle common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.refinance[vehicle]
	if !ok {
		return
	}
	delete(b.refinance, vehicle)
	b.terms[vehicle] = LoanTerms{
		Vehicle:      vehicle,
		Principal:    q.Principal,
		NextInterest: q.NextInterest,
		NextDueDate:  q.NextDueDate,
	}
}

func (b *LoanBook) Terms(_ context.Context, vehicle common.Address) (LoanTerms, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.terms[vehicle]
	if !ok {
		return LoanTerms{}, fmt.Errorf("%w: %s", ErrNoTerms, vehicle.Hex())
	}
	return t, nil
}

func (b *LoanBook) RefinanceTerms(_ context.Context, vehicle common.Address) (RefinanceQuote, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.refinance[vehicle]
	if !ok {
		return RefinanceQuote{}, fmt.Errorf("%w: refinance %s", ErrNoTerms, vehicle.Hex())
	}
	return q, nil
}

// CreateAddressFactory derives liquidator addresses the way a contract
// factory would: keccak(rlp(deployer, nonce)) with the loan id as nonce.
type CreateAddressFactory struct {
	Deployer common.Address
}

func (f CreateAddressFactory) Deploy(_ context.Context, loanID uint64, _ common.Address) (common.Address, error) {
	return crypto.CreateAddress(f.Deployer, loanID), nil
}

// Transfer is one instruction handed to the transfer layer.
type Transfer struct {
	LoanID    uint64         `json:"loanId"`
	Vehicle   common.Address `json:"vehicle"`
	Kind      string         `json:"kind"`
	Recipient string         `json:"recipient"`
	Amount    *uint256.Int   `json:"amount"`
}

// TransferLog is a CashMover that records instructions and logs them. The
// transfer layer consumes the log; nothing here moves tokens.
type TransferLog struct {
	Treasury     common.Address
	PoolDelegate common.Address

	logger *slog.Logger
	mu     sync.Mutex
	log    []Transfer
}

// NewTransferLog creates a TransferLog.
func NewTransferLog(treasury, delegate common.Address, logger *slog.Logger) *TransferLog {
	return &TransferLog{Treasury: treasury, PoolDelegate: delegate, logger: logger}
}

func (t *TransferLog) DistributeInterest(_ context.Context, loanID uint64, vehicle common.Address, split accrual.FeeSplit) error {
	t.record(Transfer{LoanID: loanID, Vehicle: vehicle, Kind: "platform_fee", Recipient: t.Treasury.Hex(), Amount: split.Platform})
	t.record(Transfer{LoanID: loanID, Vehicle: vehicle, Kind: "delegate_fee", Recipient: t.PoolDelegate.Hex(), Amount: split.Delegate})
	t.record(Transfer{LoanID: loanID, Vehicle: vehicle, Kind: "pool_interest", Recipient: "pool", Amount: split.Pool})
	metrics.InterestDistributed.WithLabelValues("treasury").Add(toFloat(split.Platform))
	metrics.InterestDistributed.WithLabelValues("delegate").Add(toFloat(split.Delegate))
	metrics.InterestDistributed.WithLabelValues("pool").Add(toFloat(split.Pool))
	return nil
}

func (t *TransferLog) ReturnPrincipal(_ context.Context, loanID uint64, vehicle common.Address, amount *uint256.Int) error {
	t.record(Transfer{LoanID: loanID, Vehicle: vehicle, Kind: "principal", Recipient: "pool", Amount: amount})
	return nil
}

func (t *TransferLog) WriteOff(_ context.Context, loanID uint64, vehicle common.Address, remaining, fees *uint256.Int) error {
	t.record(Transfer{LoanID: loanID, Vehicle: vehicle, Kind: "write_off", Recipient: "pool", Amount: remaining})
	t.record(Transfer{LoanID: loanID, Vehicle: vehicle, Kind: "liquidation_platform_fee", Recipient: t.Treasury.Hex(), Amount: fees})
	metrics.LiquidationLosses.Add(toFloat(remaining))
	return nil
}

func (t *TransferLog) record(tr Transfer) {
	if tr.Amount == nil || tr.Amount.IsZero() {
		return
	}
	tr.Amount = tr.Amount.Clone()
	t.mu.Lock()
	t.log = append(t.log, tr)
	t.mu.Unlock()
	if t.logger != nil {
		t.logger.Info("transfer instructed",
			"loan_id", tr.LoanID, "vehicle", tr.Vehicle.Hex(), "kind", tr.Kind,
			"recipient", tr.Recipient, "amount", usdc.Format(tr.Amount))
	}
}

// Transfers returns a copy of the recorded instructions.
func (t *TransferLog) Transfers() []Transfer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Transfer, len(t.log))
	copy(out, t.log)
	return out
}

// toFloat converts base units for gauges and counters. Values above 2^53
// lose precision.
func toFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	return v.Float64()
}
