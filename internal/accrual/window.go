package accrual

import "github.com/holiman/uint256"

// Window is an aggregate accrual domain: Rate is valid from Start until End.
// Remainder holds the scaled fraction (< Precision) left behind by earlier
// folds so repeated truncation never loses value.
type Window struct {
	Rate      *uint256.Int
	Start     uint64
	End       uint64
	Remainder *uint256.Int
}

// NewWindow returns a closed, zero-rate window at t.
func NewWindow(t uint64) Window {
	return Window{Rate: Zero(), Start: t, End: t, Remainder: Zero()}
}

// Clone returns a deep copy.
func (w Window) Clone() Window {
	return Window{
		Rate:      w.Rate.Clone(),
		Start:     w.Start,
		End:       w.End,
		Remainder: w.Remainder.Clone(),
	}
}

// Accrued returns the whole units accrued by now, clamped to the window.
func (w Window) Accrued(now uint64) (*uint256.Int, error) {
	raw, err := Mul(w.Rate, Seconds(Width(w.Start, w.End, now)))
	if err != nil {
		return nil, err
	}
	if raw, err = Add(raw, w.Remainder); err != nil {
		return nil, err
	}
	return new(uint256.Int).Div(raw, Precision), nil
}

// Fold accrues the current rate from Start to `to` and moves Start forward.
// It returns the whole units to recognize; the fraction stays in Remainder.
// Folding to a time at or before Start recognizes nothing.
func (w *Window) Fold(to uint64) (*uint256.Int, error) {
	var width uint64
	if to > w.Start {
		width = to - w.Start
	}
	raw, err := Mul(w.Rate, Seconds(width))
	if err != nil {
		return nil, err
	}
	whole, err := w.FoldScaled(raw)
	if err != nil {
		return nil, err
	}
	if to > w.Start {
		w.Start = to
	}
	return whole, nil
}

// FoldScaled recognizes a scaled (x Precision) amount outside of the rate, such
// as interest for time that elapsed while a loan was not accruing.
func (w *Window) FoldScaled(raw *uint256.Int) (*uint256.Int, error) {
	total, err := Add(raw, w.Remainder)
	if err != nil {
		return nil, err
	}
	whole, rem := new(uint256.Int).DivMod(total, Precision, new(uint256.Int))
	w.Remainder = rem
	return whole, nil
}

// AddRate increases the aggregate rate.
func (w *Window) AddRate(r *uint256.Int) error {
	rate, err := Add(w.Rate, r)
	if err != nil {
		return err
	}
	w.Rate = rate
	return nil
}

// SubRate decreases the aggregate rate.
func (w *Window) SubRate(r *uint256.Int) error {
	rate, err := Sub(w.Rate, r)
	if err != nil {
		return err
	}
	w.Rate = rate
	return nil
}
