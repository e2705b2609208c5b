package accrual

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func TestIssuanceRate_Example(t *testing.T) {
	rate, err := IssuanceRate(u(80), 10_000)
	require.NoError(t, err)
	assert.Equal(t, "8000000000000000000000000000", rate.Dec()) // 0.008 * 1e30

	accrued, err := Accrued(rate, 0, 10_000, 10_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(80), accrued.Uint64())
}

func TestIssuanceRate_ZeroInterval(t *testing.T) {
	_, err := IssuanceRate(u(80), 0)
	assert.ErrorIs(t, err, ErrZeroInterval)
}

func TestAccrued_ClampsToDomain(t *testing.T) {
	rate, err := IssuanceRate(u(100), 100)
	require.NoError(t, err)

	tests := []struct {
		name       string
		start, end uint64
		now        uint64
		want       uint64
	}{
		{"before start", 50, 150, 10, 0},
		{"at start", 50, 150, 50, 0},
		{"midway", 50, 150, 100, 50},
		{"at end", 50, 150, 150, 100},
		{"past end freezes", 50, 150, 10_000, 100},
		{"inverted domain", 150, 50, 200, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Accrued(rate, tt.start, tt.end, tt.now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Uint64())
		})
	}
}

func TestClampFeeRates(t *testing.T) {
	p, d, err := ClampFeeRates(50_000, 150_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(50_000), p)
	assert.Equal(t, uint64(150_000), d)

	p, d, err = ClampFeeRates(600_000, 700_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(600_000), p)
	assert.Equal(t, uint64(400_000), d, "delegate yields to platform")

	_, _, err = ClampFeeRates(HundredPercent+1, 0)
	assert.ErrorIs(t, err, ErrFeeRate)
}

func TestNetInterest(t *testing.T) {
	net, err := NetInterest(u(100), 50_000, 150_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(80), net.Uint64())

	net, err = NetInterest(u(100), 600_000, 600_000)
	require.NoError(t, err)
	assert.True(t, net.IsZero())
}

func TestSplitFees_DustGoesToPool(t *testing.T) {
	tests := []struct {
		interest uint64
		platform uint64
		delegate uint64
	}{
		{100, 50_000, 150_000},
		{101, 33_333, 66_667},
		{7, 333_333, 333_333},
		{1, 500_000, 499_999},
		{999_999_999, 123_457, 1},
		{0, 50_000, 150_000},
	}
	for _, tt := range tests {
		split, err := SplitFees(u(tt.interest), tt.platform, tt.delegate)
		require.NoError(t, err)

		sum := new(uint256.Int).Add(split.Platform, split.Delegate)
		sum.Add(sum, split.Pool)
		assert.Equal(t, tt.interest, sum.Uint64())

		// Fee shares are floors; any remainder is the pool's.
		assert.Equal(t, tt.interest*tt.platform/HundredPercent, split.Platform.Uint64())
		assert.Equal(t, tt.interest*tt.delegate/HundredPercent, split.Delegate.Uint64())
	}
}

func TestSplitFees_Example(t *testing.T) {
	split, err := SplitFees(u(100), 50_000, 150_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), split.Platform.Uint64())
	assert.Equal(t, uint64(15), split.Delegate.Uint64())
	assert.Equal(t, uint64(80), split.Pool.Uint64())
}

func TestGrossUp(t *testing.T) {
	gross, err := GrossUp(u(80), 50_000, 150_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), gross.Uint64())

	gross, err = GrossUp(u(80), HundredPercent, 0)
	require.NoError(t, err)
	assert.True(t, gross.IsZero())
}

func TestCheckedArithmetic(t *testing.T) {
	max := new(uint256.Int).SetAllOne()

	_, err := Add(max, u(1))
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = Sub(u(1), u(2))
	assert.ErrorIs(t, err, ErrUnderflow)

	_, err = Mul(max, u(2))
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = MulDiv(max, max, u(1))
	assert.ErrorIs(t, err, ErrOverflow)

	// The intermediate product may exceed 256 bits as long as the quotient fits.
	got, err := MulDiv(max, u(3), u(3))
	require.NoError(t, err)
	assert.Equal(t, max, got)
}

func TestWindow_FoldCarriesRemainder(t *testing.T) {
	// 1 unit over 3 seconds: each second accrues a third of a unit.
	rate, err := IssuanceRate(u(1), 3)
	require.NoError(t, err)

	w := NewWindow(0)
	w.Rate = rate
	w.End = 3

	var total uint64
	for ts := uint64(1); ts <= 3; ts++ {
		whole, err := w.Fold(ts)
		require.NoError(t, err)
		total += whole.Uint64()
	}
	// The rate truncates, so three seconds accrue just under one unit. The
	// fraction stays in the remainder instead of being dropped.
	assert.LessOrEqual(t, total, uint64(1))
	assert.True(t, w.Remainder.Lt(Precision))
	assert.Equal(t, uint64(3), w.Start)
}

func TestWindow_AccruedMatchesFold(t *testing.T) {
	rate, err := IssuanceRate(u(1_000), 7)
	require.NoError(t, err)

	w := NewWindow(10)
	w.Rate = rate
	w.End = 17

	view, err := w.Accrued(15)
	require.NoError(t, err)

	folded, err := w.Fold(15)
	require.NoError(t, err)
	assert.Equal(t, view, folded)

	// After folding, nothing is pending until time moves on.
	pending, err := w.Accrued(15)
	require.NoError(t, err)
	assert.True(t, pending.IsZero())
}

func TestWindow_FoldBackwardsIsNoop(t *testing.T) {
	w := NewWindow(100)
	w.Rate = u(5)
	whole, err := w.Fold(50)
	require.NoError(t, err)
	assert.True(t, whole.IsZero())
	assert.Equal(t, uint64(100), w.Start)
}

func TestWindow_Rates(t *testing.T) {
	w := NewWindow(0)
	require.NoError(t, w.AddRate(u(10)))
	require.NoError(t, w.SubRate(u(4)))
	assert.Equal(t, uint64(6), w.Rate.Uint64())
	assert.ErrorIs(t, w.SubRate(u(7)), ErrUnderflow)
	assert.Equal(t, uint64(6), w.Rate.Uint64(), "failed subtraction leaves rate intact")
}
