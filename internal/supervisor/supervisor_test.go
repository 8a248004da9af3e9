package supervisor

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"quantforge/internal/config"
	"quantforge/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shSpec(name, script string, timeout time.Duration) Spec {
	return Spec{Name: name, Command: "sh", Args: []string{"-c", script}, Timeout: timeout}
}

func TestWaitCompleted(t *testing.T) {
	s := New()
	sink := NewLineSink(10, nil)
	h, err := s.Start(shSpec("ok", "echo one; echo two >&2", 0), sink)
	require.NoError(t, err)
	out, err := s.Wait(context.Background(), h, 0)
	require.NoError(t, err)
	assert.True(t, out.Success())
	assert.NoError(t, out.AsError())
	assert.ElementsMatch(t, []string{"one", "two"}, sink.Lines())
	assert.Equal(t, 0, s.Active())

	_, err = s.Poll(h)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestWaitFailedKeepsExitCode(t *testing.T) {
	s := New()
	h, err := s.Start(shSpec("fail", "echo broken; exit 3", 0), nil)
	require.NoError(t, err)
	out, err := s.Wait(context.Background(), h, 0)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.Kind)
	assert.Equal(t, 3, out.ExitCode)
	assert.ErrorIs(t, out.AsError(), types.ErrProcessFailed)
	assert.True(t, strings.HasSuffix(out.Reason(), ": broken"))
}

func TestSpecTimeoutIsDistinctFromFailure(t *testing.T) {
	s := New()
	h, err := s.Start(shSpec("slow", "sleep 30", 100*time.Millisecond), nil)
	require.NoError(t, err)
	out, err := s.Wait(context.Background(), h, 0)
	require.NoError(t, err)
	assert.Equal(t, StateTimedOut, out.Kind)
	assert.ErrorIs(t, out.AsError(), types.ErrProcessTimeout)
}

func TestWaitTimeoutArgument(t *testing.T) {
	s := New()
	h, err := s.Start(shSpec("slow", "sleep 30", 0), nil)
	require.NoError(t, err)
	out, err := s.Wait(context.Background(), h, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StateTimedOut, out.Kind)
}

func TestWaitContextCancel(t *testing.T) {
	s := New()
	h, err := s.Start(shSpec("slow", "sleep 30", 0), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	out, err := s.Wait(ctx, h, 0)
	require.NoError(t, err)
	assert.Equal(t, StateCanceled, out.Kind)
}

func TestPollAndCancel(t *testing.T) {
	s := New()
	h, err := s.Start(shSpec("loop", "echo ready; sleep 30", 0), nil)
	require.NoError(t, err)
	assert.Greater(t, h.PID, 0)

	require.Eventually(t, func() bool {
		st, err := s.Poll(h)
		return err == nil && st.State == StateRunning && len(st.Excerpt) == 1
	}, 2*time.Second, 20*time.Millisecond)

	out, err := s.Cancel(h, 500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StateCanceled, out.Kind)
	assert.False(t, Alive(h.PID))
}

func TestCancelIgnoresSigtermThenKills(t *testing.T) {
	s := New()
	h, err := s.Start(shSpec("stubborn", "trap '' TERM; echo armed; while true; do sleep 1; done", 0), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, _ := s.Poll(h)
		return len(st.Excerpt) > 0
	}, 2*time.Second, 20*time.Millisecond)

	start := time.Now()
	out, err := s.Cancel(h, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StateCanceled, out.Kind)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestShutdownCancelsAll(t *testing.T) {
	s := New()
	for i := 0; i < 3; i++ {
		_, err := s.Start(shSpec(fmt.Sprintf("p%d", i), "sleep 30", 0), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, s.Active())
	s.Shutdown(200 * time.Millisecond)
	assert.Equal(t, 0, s.Active())
}

func TestStartErrors(t *testing.T) {
	s := New()
	_, err := s.Start(Spec{Name: "empty"}, nil)
	assert.ErrorIs(t, err, types.ErrProcessFailed)

	_, err = s.Start(Spec{Name: "missing", Command: "/definitely/not/here"}, nil)
	assert.ErrorIs(t, err, types.ErrProcessFailed)
}

func TestSpecFromExpandsPlaceholders(t *testing.T) {
	spec := SpecFrom("eval:s1", config.CommandConfig{
		Command: "freqtrade",
		Args:    []string{"--strategy-path", "{artifact}", "--keep", "{unknown}"},
		Dir:     "{workdir}",
		Env:     []string{"RUN={id}"},
		Timeout: "2m",
	}, map[string]string{"artifact": "/a/s1.py", "workdir": "/runs/s1", "id": "s1"})

	assert.Equal(t, "freqtrade", spec.Command)
	assert.Equal(t, []string{"--strategy-path", "/a/s1.py", "--keep", "{unknown}"}, spec.Args)
	assert.Equal(t, "/runs/s1", spec.Dir)
	assert.Equal(t, []string{"RUN=s1"}, spec.Env)
	assert.Equal(t, 2*time.Minute, spec.Timeout)
}

func TestLineSinkRingAndTruncation(t *testing.T) {
	var seen []string
	sink := NewLineSink(3, func(line string) { seen = append(seen, line) })
	for i := 1; i <= 5; i++ {
		sink.Append(fmt.Sprintf("line %d\n", i))
	}
	assert.Equal(t, []string{"line 3", "line 4", "line 5"}, sink.Lines())
	assert.Equal(t, []string{"line 4", "line 5"}, sink.Last(2))
	assert.Equal(t, 5, sink.Total())
	assert.Len(t, seen, 5)

	sink.Append(strings.Repeat("x", defaultMaxLineLen+10))
	last := sink.Last(1)[0]
	assert.True(t, strings.HasSuffix(last, truncatedMarker))
	assert.Len(t, last, defaultMaxLineLen+len(truncatedMarker))
}
