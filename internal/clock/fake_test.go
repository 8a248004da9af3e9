package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(t0)
	short := c.After(time.Minute)
	long := c.After(time.Hour)
	assert.Equal(t, 2, c.Waiters())

	c.Advance(30 * time.Second)
	select {
	case <-short:
		t.Fatal("fired early")
	default:
	}

	c.Advance(30 * time.Second)
	select {
	case at := <-short:
		assert.Equal(t, t0.Add(time.Minute), at)
	default:
		t.Fatal("did not fire at deadline")
	}
	assert.Equal(t, 1, c.Waiters())

	c.Set(t0.Add(2 * time.Hour))
	require.Len(t, long, 1)
	assert.Equal(t, t0.Add(2*time.Hour), c.Now())
}

func TestFakeAfterNonPositiveFiresImmediately(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatal("zero duration should fire immediately")
	}
	assert.Zero(t, c.Waiters())
}

func TestBlockUntilWaitsForRegistration(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		c.BlockUntil(1)
		close(done)
	}()
	c.After(time.Second)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("BlockUntil did not return")
	}
}

func TestOrDefaultsToReal(t *testing.T) {
	assert.IsType(t, realClock{}, Or(nil))
	f := Fake(time.Unix(0, 0))
	assert.Same(t, f, Or(f))
}
