package simulation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quantforge/internal/supervisor"
	"quantforge/internal/types"
)

type fakeProc struct {
	state    supervisor.State
	canceled bool
}

// fakeSupervisor keeps process state in memory; tests drive exits explicitly.
type fakeSupervisor struct {
	mu        sync.Mutex
	next      uint64
	procs     map[uint64]*fakeProc
	specs     []supervisor.Spec
	failStart bool
	canceled  int
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{procs: make(map[uint64]*fakeProc)}
}

func (f *fakeSupervisor) Start(spec supervisor.Spec, _ *supervisor.LineSink) (supervisor.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart {
		return supervisor.Handle{}, fmt.Errorf("start %s: %w", spec.Name, types.ErrProcessFailed)
	}
	f.next++
	f.procs[f.next] = &fakeProc{state: supervisor.StateRunning}
	f.specs = append(f.specs, spec)
	return supervisor.Handle{ID: f.next, PID: 1000 + int(f.next)}, nil
}

func (f *fakeSupervisor) Poll(h supervisor.Handle) (supervisor.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[h.ID]
	if !ok {
		return supervisor.Status{}, types.ErrNotFound
	}
	return supervisor.Status{State: p.state, PID: h.PID}, nil
}

func (f *fakeSupervisor) Cancel(h supervisor.Handle, _ time.Duration) (supervisor.ExitOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[h.ID]
	if !ok {
		return supervisor.ExitOutcome{}, types.ErrNotFound
	}
	if p.state == supervisor.StateRunning {
		p.state = supervisor.StateCanceled
		p.canceled = true
		f.canceled++
	}
	delete(f.procs, h.ID)
	return supervisor.ExitOutcome{Kind: p.state}, nil
}

func (f *fakeSupervisor) Wait(_ context.Context, h supervisor.Handle, _ time.Duration) (supervisor.ExitOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[h.ID]
	if !ok {
		return supervisor.ExitOutcome{}, types.ErrNotFound
	}
	delete(f.procs, h.ID)
	out := supervisor.ExitOutcome{Kind: p.state}
	if p.state == supervisor.StateFailed {
		out.ExitCode = 1
	}
	return out, nil
}

// exitAll marks every live process as having exited with the given state.
func (f *fakeSupervisor) exitAll(state supervisor.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.procs {
		p.state = state
	}
}

func (f *fakeSupervisor) running() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.procs {
		if p.state == supervisor.StateRunning {
			n++
		}
	}
	return n
}

func (f *fakeSupervisor) canceledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canceled
}

// scriptedSource returns one RollingMetrics per monitor cycle, repeating the last entry.
type scriptedSource struct {
	mu     sync.Mutex
	script map[string][]types.RollingMetrics
}

func (s *scriptedSource) set(strategyID string, seq ...types.RollingMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.script == nil {
		s.script = make(map[string][]types.RollingMetrics)
	}
	s.script[strategyID] = seq
}

func (s *scriptedSource) Read(_ context.Context, run types.SimulationRun) (types.RollingMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.script[run.StrategyID]
	if len(seq) == 0 {
		return types.RollingMetrics{}, nil
	}
	idx := run.Cycles
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	return seq[idx], nil
}
