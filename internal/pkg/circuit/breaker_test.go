package circuit

import (
	"errors"
	"testing"
	"time"

	"quantforge/internal/clock"
	"quantforge/internal/types"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	cb := NewCircuitBreaker("producer", 2, time.Minute, clk)
	boom := errors.New("boom")

	assert.ErrorIs(t, cb.Execute(func() error { return boom }), boom)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(func() error { return boom }), boom)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, types.ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	cb := NewCircuitBreaker("producer", 1, time.Minute, clk)
	cb.RecordFailure()
	assert.False(t, cb.Allow())

	clk.Advance(time.Minute)
	assert.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one probe while half-open")

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	cb := NewCircuitBreaker("producer", 1, time.Minute, clk)
	cb.RecordFailure()
	clk.Advance(2 * time.Minute)
	assert.True(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())
}
