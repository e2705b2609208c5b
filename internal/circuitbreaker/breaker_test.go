package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newBreaker(threshold int, open time.Duration) (*Breaker, *clock) {
	b := New(threshold, open)
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	b.now = c.now
	return b, c
}

var errBoom = errors.New("boom")

func fail(context.Context) error { return errBoom }
func ok(context.Context) error   { return nil }

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newBreaker(3, time.Minute)

	assert.True(t, b.Allow("events"))
	b.RecordFailure("events")
	b.RecordFailure("events")
	assert.True(t, b.Allow("events"), "still closed below threshold")

	b.RecordFailure("events")
	assert.False(t, b.Allow("events"))
	assert.Equal(t, StateOpen, b.State("events"))
	assert.Equal(t, StateClosed, b.State("other"), "keys are independent")
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, c := newBreaker(2, time.Minute)
	b.RecordFailure("events")
	b.RecordFailure("events")
	require.False(t, b.Allow("events"))

	c.advance(time.Minute)
	assert.True(t, b.Allow("events"), "one probe after open duration")
	assert.Equal(t, StateHalfOpen, b.State("events"))
	assert.False(t, b.Allow("events"), "only one probe at a time")

	b.RecordSuccess("events")
	assert.Equal(t, StateClosed, b.State("events"))
	assert.True(t, b.Allow("events"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, c := newBreaker(1, time.Minute)
	b.RecordFailure("events")
	c.advance(time.Minute)
	require.True(t, b.Allow("events"))

	b.RecordFailure("events")
	assert.Equal(t, StateOpen, b.State("events"))
	assert.False(t, b.Allow("events"))
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newBreaker(2, time.Minute)
	b.RecordFailure("events")
	b.RecordSuccess("events")
	b.RecordFailure("events")
	assert.Equal(t, StateClosed, b.State("events"))
}

func TestBreaker_Do(t *testing.T) {
	ctx := context.Background()
	b, c := newBreaker(2, time.Minute)

	assert.NoError(t, b.Do(ctx, "events", ok))
	assert.ErrorIs(t, b.Do(ctx, "events", fail), errBoom)
	assert.ErrorIs(t, b.Do(ctx, "events", fail), errBoom)

	called := false
	err := b.Do(ctx, "events", func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	c.advance(time.Minute)
	assert.NoError(t, b.Do(ctx, "events", ok))
	assert.Equal(t, StateClosed, b.State("events"))
}

func TestBreaker_DoIgnoresCancellation(t *testing.T) {
	ctx := context.Background()
	b, c := newBreaker(1, time.Minute)

	cancelled := func(context.Context) error { return context.Canceled }
	assert.ErrorIs(t, b.Do(ctx, "events", cancelled), context.Canceled)
	assert.Equal(t, StateClosed, b.State("events"))

	// A cancelled probe leaves the circuit ready for the next probe.
	b.RecordFailure("events")
	c.advance(time.Minute)
	assert.ErrorIs(t, b.Do(ctx, "events", cancelled), context.Canceled)
	assert.Equal(t, StateOpen, b.State("events"))
	assert.True(t, b.Allow("events"))
}

func TestBreaker_OnTransition(t *testing.T) {
	b, _ := newBreaker(1, time.Minute)
	got := make(chan [2]State, 1)
	b.OnTransition(func(_ string, from, to State) { got <- [2]State{from, to} })

	b.RecordFailure("events")
	select {
	case tr := <-got:
		assert.Equal(t, [2]State{StateClosed, StateOpen}, tr)
	case <-time.After(time.Second):
		t.Fatal("no transition callback")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
