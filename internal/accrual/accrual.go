// Package accrual implements the fixed-point linear interest model used by the
// loan ledger.
//
// Amounts are unsigned 256-bit integers in the pool's base unit. Issuance rates
// are interest per second scaled by Precision, so a loan paying 80 units over
// 10,000 seconds has a rate of 80 * 1e30 / 10,000. Fee rates are expressed in
// parts per million (HundredPercent).
package accrual

import (
	"errors"

	"github.com/holiman/uint256"
)

var (
	ErrOverflow     = errors.New("accrual: arithmetic overflow")
	ErrUnderflow    = errors.New("accrual: arithmetic underflow")
	ErrZeroInterval = errors.New("accrual: zero-length interval")
	ErrFeeRate      = errors.New("accrual: fee rate exceeds 100%")
)

// HundredPercent is the fee-rate denominator (parts per million).
const HundredPercent uint64 = 1_000_000

// Precision scales issuance rates to avoid truncation.
var Precision = uint256.MustFromDecimal("1000000000000000000000000000000")

var hundredPercent = uint256.NewInt(HundredPercent)

// Zero returns a fresh zero amount.
func Zero() *uint256.Int { return new(uint256.Int) }

// Add returns x + y.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sub returns x - y, rejecting negative results.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, ErrUnderflow
	}
	return z, nil
}

// Mul returns x * y.
func Mul(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// MulDiv returns floor(x * y / d) with a 512-bit intermediate product.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrZeroInterval
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Seconds converts an interval length into an amount for multiplication.
func Seconds(s uint64) *uint256.Int { return uint256.NewInt(s) }

// Width returns clamp(now, start, end) - start. A window whose end precedes its
// start has zero width: accrual never runs backwards.
func Width(start, end, now uint64) uint64 {
	if end < start || now <= start {
		return 0
	}
	if now > end {
		now = end
	}
	return now - start
}

// IssuanceRate returns net * Precision / interval.
func IssuanceRate(net *uint256.Int, interval uint64) (*uint256.Int, error) {
	if interval == 0 {
		return nil, ErrZeroInterval
	}
	return MulDiv(net, Precision, Seconds(interval))
}

// Accrued returns rate * (clamp(now, start, end) - start) / Precision.
func Accrued(rate *uint256.Int, start, end, now uint64) (*uint256.Int, error) {
	return MulDiv(rate, Seconds(Width(start, end, now)), Precision)
}

// ClampFeeRates validates a platform/delegate fee pair. The platform rate has
// priority: when the pair exceeds 100% the delegate rate is lowered to the
// remainder.
func ClampFeeRates(platform, delegate uint64) (uint64, uint64, error) {
	if platform > HundredPercent {
		return 0, 0, ErrFeeRate
	}
	if delegate > HundredPercent-platform {
		delegate = HundredPercent - platform
	}
	return platform, delegate, nil
}

// NetInterest returns gross * (100% - platform - delegate) / 100%.
func NetInterest(gross *uint256.Int, platform, delegate uint64) (*uint256.Int, error) {
	platform, delegate, err := ClampFeeRates(platform, delegate)
	if err != nil {
		return nil, err
	}
	return MulDiv(gross, uint256.NewInt(HundredPercent-platform-delegate), hundredPercent)
}

// FeeSplit is the three-way division of an interest payment.
type FeeSplit struct {
	Platform *uint256.Int
	Delegate *uint256.Int
	Pool     *uint256.Int
}

// SplitFees divides interest between the treasury, the pool delegate and the
// pool. Each fee share is rounded down, so division dust always stays with the
// pool and the three shares sum exactly to interest.
func SplitFees(interest *uint256.Int, platform, delegate uint64) (FeeSplit, error) {
	platform, delegate, err := ClampFeeRates(platform, delegate)
	if err != nil {
		return FeeSplit{}, err
	}
	platformFee, err := MulDiv(interest, uint256.NewInt(platform), hundredPercent)
	if err != nil {
		return FeeSplit{}, err
	}
	delegateFee, err := MulDiv(interest, uint256.NewInt(delegate), hundredPercent)
	if err != nil {
		return FeeSplit{}, err
	}
	fees, err := Add(platformFee, delegateFee)
	if err != nil {
		return FeeSplit{}, err
	}
	pool, err := Sub(interest, fees)
	if err != nil {
		return FeeSplit{}, err
	}
	return FeeSplit{Platform: platformFee, Delegate: delegateFee, Pool: pool}, nil
}

// GrossUp estimates the gross interest behind a net amount. It returns zero when
// fees consume the whole payment, since the gross figure is then unknowable.
func GrossUp(net *uint256.Int, platform, delegate uint64) (*uint256.Int, error) {
	platform, delegate, err := ClampFeeRates(platform, delegate)
	if err != nil {
		return nil, err
	}
	keep := HundredPercent - platform - delegate
	if keep == 0 {
		return Zero(), nil
	}
	return MulDiv(net, hundredPercent, uint256.NewInt(keep))
}

// Fee returns amount * rate / 100%.
func Fee(amount *uint256.Int, rate uint64) (*uint256.Int, error) {
	return MulDiv(amount, uint256.NewInt(rate), hundredPercent)
}
