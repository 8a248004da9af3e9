package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"quantforge/internal/clock"
	"quantforge/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	clk     *clock.FakeClock
	sched   *Scheduler
	results chan Result
	cancel  context.CancelFunc
	done    chan error
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{clk: clock.Fake(t0), results: make(chan Result, 64)}
	opts = append([]Option{WithClock(h.clk), WithObserver(func(r Result) { h.results <- r })}, opts...)
	h.sched = New(opts...)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.sched.Run(ctx) }()
	require.Eventually(t, h.sched.started.Load, time.Second, time.Millisecond)
	t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
}

// tick waits for the control loop to arm its timer, then advances past it.
func (h *harness) tick(d time.Duration) {
	h.clk.BlockUntil(1)
	h.clk.Advance(d)
}

func (h *harness) next(t *testing.T) Result {
	t.Helper()
	select {
	case r := <-h.results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no job result")
		return Result{}
	}
}

func TestIntervalJobFiresEachTick(t *testing.T) {
	h := newHarness(t)
	var runs atomic.Int32
	require.NoError(t, h.sched.Add(Job{Name: "evaluation", Every: time.Minute, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))
	h.start(t)

	for i := 1; i <= 3; i++ {
		h.tick(time.Minute)
		r := h.next(t)
		assert.Equal(t, "evaluation", r.Job)
		assert.NoError(t, r.Err)
	}
	assert.Equal(t, int32(3), runs.Load())
}

func TestRunImmediately(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sched.Add(Job{Name: "admission", Every: time.Hour, RunImmediately: true, Run: func(context.Context) error { return nil }}))
	h.start(t)
	r := h.next(t)
	assert.Equal(t, "admission", r.Job)
	next, ok := h.sched.Next("admission")
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Hour), next)
}

func TestBusyJobIsSkipped(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	require.NoError(t, h.sched.Add(Job{Name: "promotion", Every: time.Minute, Run: func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}}))
	h.start(t)

	h.tick(time.Minute)
	require.Eventually(t, func() bool { return len(h.sched.Running()) == 1 }, time.Second, time.Millisecond)
	h.tick(time.Minute)
	r := h.next(t)
	assert.True(t, r.Skipped)
	assert.Equal(t, []string{"promotion"}, h.sched.Running())

	close(release)
	r = h.next(t)
	assert.False(t, r.Skipped)
	require.Eventually(t, func() bool { return len(h.sched.Running()) == 0 }, time.Second, time.Millisecond)
}

func TestPanicAndFailureAreIsolated(t *testing.T) {
	h := newHarness(t)
	var healthy atomic.Int32
	require.NoError(t, h.sched.Add(Job{Name: "candidate", Every: time.Minute, Run: func(context.Context) error {
		panic("producer exploded")
	}}))
	require.NoError(t, h.sched.Add(Job{Name: "retention", Every: time.Minute, Run: func(context.Context) error {
		return errors.New("disk full")
	}}))
	require.NoError(t, h.sched.Add(Job{Name: "evaluation", Every: time.Minute, Run: func(context.Context) error {
		healthy.Add(1)
		return nil
	}}))
	h.start(t)

	for round := 0; round < 2; round++ {
		h.tick(time.Minute)
		seen := map[string]Result{}
		for i := 0; i < 3; i++ {
			r := h.next(t)
			seen[r.Job] = r
		}
		assert.True(t, seen["candidate"].Panicked())
		assert.EqualError(t, seen["retention"].Err, "disk full")
		assert.NoError(t, seen["evaluation"].Err)
	}
	assert.Equal(t, int32(2), healthy.Load())
	assert.Equal(t, map[string]int{"candidate": 2, "retention": 2}, h.sched.RecentFailures())
}

func TestRecentFailuresWindow(t *testing.T) {
	h := newHarness(t, WithFailureWindow(10*time.Minute))
	h.start(t)
	require.NoError(t, h.sched.Submit("evaluate:s1", func(context.Context) error { return types.ErrProcessFailed }))
	r := h.next(t)
	assert.True(t, r.Adhoc)
	assert.ErrorIs(t, r.Err, types.ErrProcessFailed)
	assert.Equal(t, 1, h.sched.RecentFailures()["evaluate:s1"])

	h.clk.Advance(11 * time.Minute)
	assert.Empty(t, h.sched.RecentFailures())
}

func TestSubmitRequiresRunningLoop(t *testing.T) {
	s := New()
	err := s.Submit("evaluate:s1", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestCronJob(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sched.Add(Job{Name: "retention", Cron: "*/5 * * * *", Run: func(context.Context) error { return nil }}))
	next, _ := h.sched.Next("retention")
	assert.True(t, next.IsZero())
	h.start(t)

	h.tick(5 * time.Minute)
	r := h.next(t)
	assert.Equal(t, "retention", r.Job)
	next, _ = h.sched.Next("retention")
	assert.Equal(t, t0.Add(10*time.Minute), next)
}

func TestAddValidation(t *testing.T) {
	s := New()
	noop := func(context.Context) error { return nil }
	assert.Error(t, s.Add(Job{Name: "x", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "y", Cron: "not a cron", Run: noop}))
	require.NoError(t, s.Add(Job{Name: "z", Every: time.Second, Run: noop}))
	assert.Error(t, s.Add(Job{Name: "z", Every: time.Second, Run: noop}))
}

func TestJitterBounds(t *testing.T) {
	s := New(WithJitter(0.2), WithRand(rand.New(rand.NewSource(7))))
	e := &entry{job: Job{Name: "j", Every: 10 * time.Minute}}
	seen := map[time.Duration]bool{}
	for i := 0; i < 200; i++ {
		d := s.nextFire(e, t0).Sub(t0)
		assert.GreaterOrEqual(t, d, 8*time.Minute)
		assert.LessOrEqual(t, d, 12*time.Minute)
		seen[d] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestTimeoutCancelsJobContext(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sched.Add(Job{Name: "slow", Every: time.Minute, Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))
	h.start(t)
	h.tick(time.Minute)
	r := h.next(t)
	assert.ErrorIs(t, r.Err, context.DeadlineExceeded)
}
