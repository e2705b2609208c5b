// Package usdc converts between pool asset amounts and their text forms.
//
// The pool asset has 6 decimal places. Ledger amounts are uint256 values in
// the smallest unit (1 USDC = 1,000,000 units).
package usdc

import (
	"strings"

	"github.com/holiman/uint256"
)

const Decimals = 6

// ParseUnits parses a base-unit integer string ("1500000"). Signs, decimal
// points and values above 2^256-1 are rejected.
func ParseUnits(s string) (*uint256.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s[0] == '+' || s[0] == '-' {
		return nil, false
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, false
	}
	return v, true
}

// Parse converts a decimal string ("1.50") to base units (1500000).
// Fractions longer than 6 digits are rejected rather than truncated.
func Parse(s string) (*uint256.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") {
		return nil, false
	}
	whole, frac, hasPoint := strings.Cut(s, ".")
	if hasPoint && (whole == "" || frac == "") {
		return nil, false
	}
	if len(frac) > Decimals {
		return nil, false
	}
	frac += strings.Repeat("0", Decimals-len(frac))
	return ParseUnits(strings.TrimLeft(whole+frac, "0") + zeroIfEmpty(whole+frac))
}

func zeroIfEmpty(digits string) string {
	if strings.Trim(digits, "0") == "" {
		return "0"
	}
	return ""
}

// Format renders base units with exactly 6 decimals ("1.500000").
func Format(amount *uint256.Int) string {
	if amount == nil {
		return "0.000000"
	}
	s := amount.Dec()
	if len(s) <= Decimals {
		s = strings.Repeat("0", Decimals+1-len(s)) + s
	}
	point := len(s) - Decimals
	return s[:point] + "." + s[point:]
}
