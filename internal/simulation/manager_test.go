package simulation

import (
	"context"
	"sync"
	"testing"
	"time"

	"quantforge/internal/clock"
	"quantforge/internal/config/loader"
	"quantforge/internal/registry"
	"quantforge/internal/store"
	"quantforge/internal/store/memstore"
	"quantforge/internal/supervisor"
	"quantforge/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	clk    *clock.FakeClock
	reg    *registry.Registry
	st     *memstore.Store
	procs  *fakeSupervisor
	source *scriptedSource
	mgr    *Manager
}

func testConfig(t *testing.T) Config {
	return Config{
		MaxConcurrent:   2,
		MonitorInterval: time.Minute,
		MaxAge:          30 * 24 * time.Hour,
		MinScore:        0.1,
		ReadmitAfter:    24 * time.Hour,
		CancelGrace:     time.Second,
		Run: types.RunConfig{
			Duration:        7 * 24 * time.Hour,
			StakeAmount:     100,
			StartingBalance: 1000,
			Pairs:           []string{"BTC/USDT"},
			Risk:            testThresholds,
		},
		RunsDir:  t.TempDir(),
		Criteria: types.Criteria{MinScore: 0.1},
	}
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clk:    clock.Fake(t0),
		st:     memstore.New(),
		procs:  newFakeSupervisor(),
		source: &scriptedSource{},
	}
	h.reg = registry.New(h.st, registry.WithClock(h.clk))
	h.reg.Start()
	t.Cleanup(h.reg.Stop)
	opts = append([]Option{WithClock(h.clk)}, opts...)
	h.mgr = NewManager(cfg, h.reg, h.st, h.procs, h.source, opts...)
	return h
}

func (h *harness) seed(t *testing.T, id string, state types.LifecycleState, score float64, producer string, created time.Time) {
	t.Helper()
	require.NoError(t, h.reg.Upsert(context.Background(), types.Strategy{
		ID:           id,
		ArtifactPath: "/artifacts/" + id + ".py",
		Producer:     producer,
		CreatedAt:    created,
		State:        state,
		Score:        types.Float64Ptr(score),
		EvalTrades:   30,
	}))
}

// assertSimulatingInvariant checks is_simulating ⇔ exactly one running run.
func (h *harness) assertSimulatingInvariant(t *testing.T) {
	t.Helper()
	runs, err := h.st.ListRuns(context.Background(), store.RunQuery{Statuses: []types.RunStatus{types.RunRunning}})
	require.NoError(t, err)
	perStrategy := map[string]int{}
	for _, r := range runs {
		perStrategy[r.StrategyID]++
	}
	for _, s := range h.reg.List(types.StrategyFilter{}) {
		if s.IsSimulating {
			assert.Equal(t, 1, perStrategy[s.ID], "simulating %s must have exactly one running run", s.ID)
		} else {
			assert.Zero(t, perStrategy[s.ID], "%s has a running run but is not simulating", s.ID)
		}
	}
	assert.LessOrEqual(t, len(runs), h.mgr.Limit())
}

func TestDrawdownBreachStopsOnFifthCycle(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.seed(t, "s1", types.StateEvaluated, 0.12, "gen", t0)
	ctx := context.Background()

	res, err := h.mgr.Admit(ctx)
	require.NoError(t, err)
	require.Equal(t, AdmitOK, res.Reason)
	assert.Equal(t, "s1", res.StrategyID)
	h.assertSimulatingInvariant(t)

	s, _ := h.reg.Get("s1")
	assert.True(t, s.IsSimulating)
	assert.Equal(t, types.StateSimulating, s.State)

	h.source.set("s1",
		types.RollingMetrics{TradeCount: 2, MaxDrawdown: 0.02},
		types.RollingMetrics{TradeCount: 4, MaxDrawdown: 0.05},
		types.RollingMetrics{TradeCount: 6, MaxDrawdown: 0.08},
		types.RollingMetrics{TradeCount: 7, MaxDrawdown: 0.12},
		types.RollingMetrics{TradeCount: 8, MaxDrawdown: 0.16},
	)
	for cycle := 1; cycle <= 4; cycle++ {
		h.clk.Advance(time.Minute)
		require.NoError(t, h.mgr.MonitorOnce(ctx))
		assert.Equal(t, 1, h.mgr.Active(), "cycle %d", cycle)
	}
	h.clk.Advance(time.Minute)
	require.NoError(t, h.mgr.MonitorOnce(ctx))
	assert.Equal(t, 0, h.mgr.Active())
	assert.Equal(t, 1, h.procs.canceledCount())

	run, err := h.st.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStoppedRisk, run.Status)
	assert.Equal(t, types.BreachMaxDrawdown, run.Breach)
	assert.Equal(t, 5, run.Cycles)
	assert.InDelta(t, 0.16, run.Metrics.MaxDrawdown, 1e-9)
	require.NotNil(t, run.EndedAt)

	s, _ = h.reg.Get("s1")
	assert.False(t, s.IsSimulating)
	assert.Equal(t, types.StateEvaluated, s.State)
	require.True(t, s.HasScore())
	assert.Equal(t, 0.12, s.ScoreValue())
	h.assertSimulatingInvariant(t)

	events, err := h.st.ListEvents(ctx, "s1", 0)
	require.NoError(t, err)
	var ended bool
	for _, e := range events {
		if e.Kind == types.EventSimulationEnd {
			ended = true
		}
	}
	assert.True(t, ended)
}

func TestAdmissionNeverExceedsLimit(t *testing.T) {
	h := newHarness(t, testConfig(t))
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		h.seed(t, id, types.StateEvaluated, 0.5, "gen", t0)
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.mgr.Admit(ctx)
			assert.LessOrEqual(t, h.mgr.Active(), 2)
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, h.mgr.Active())
	assert.Equal(t, 2, h.procs.running())
	h.assertSimulatingInvariant(t)

	res, err := h.mgr.Admit(ctx)
	require.NoError(t, err)
	assert.Equal(t, AdmitCapacity, res.Reason)
}

func TestAdmissionDelayPacesAdmissions(t *testing.T) {
	cfg := testConfig(t)
	cfg.AdmissionDelay = 2 * time.Minute
	h := newHarness(t, cfg)
	h.seed(t, "a", types.StateEvaluated, 0.5, "gen", t0)
	h.seed(t, "b", types.StateEvaluated, 0.4, "gen", t0)
	ctx := context.Background()

	res, err := h.mgr.Admit(ctx)
	require.NoError(t, err)
	assert.Equal(t, AdmitOK, res.Reason)

	res, err = h.mgr.Admit(ctx)
	require.NoError(t, err)
	assert.Equal(t, AdmitPaced, res.Reason)
	assert.Equal(t, 1, h.mgr.Active())

	h.clk.Advance(2 * time.Minute)
	res, err = h.mgr.Admit(ctx)
	require.NoError(t, err)
	assert.Equal(t, AdmitOK, res.Reason)
	assert.Equal(t, "b", res.StrategyID)
}

func TestCandidatesOrdering(t *testing.T) {
	tiers := loader.Static(0.5, map[string]float64{"gold": 0.9})
	h := newHarness(t, testConfig(t), WithTiers(tiers))
	h.seed(t, "plain_high", types.StateEvaluated, 0.8, "other", t0)
	h.seed(t, "gold_low", types.StateOptimized, 0.2, "gold", t0)
	h.seed(t, "plain_old", types.StateEvaluated, 0.5, "other", t0.Add(-time.Hour))
	h.seed(t, "plain_new_b", types.StateEvaluated, 0.5, "other", t0)
	h.seed(t, "plain_new_a", types.StateEvaluated, 0.5, "other", t0)
	h.seed(t, "low_score", types.StateEvaluated, 0.05, "gold", t0)
	h.seed(t, "too_old", types.StateEvaluated, 0.9, "gold", t0.Add(-40*24*time.Hour))
	h.seed(t, "validated", types.StateValidated, 0.9, "gold", t0)

	var ids []string
	for _, s := range h.mgr.Candidates(t0) {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"gold_low", "plain_high", "plain_new_a", "plain_new_b", "plain_old"}, ids)
}

func TestDurationCompletesWithFinalReportAndCooldown(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.seed(t, "s1", types.StateOptimized, 0.3, "gen", t0)
	h.source.set("s1", types.RollingMetrics{TradeCount: 12, Wins: 8, WinRate: 0.66, CumulativeReturn: 0.12, MaxDrawdown: 0.04})
	ctx := context.Background()

	res, err := h.mgr.Admit(ctx)
	require.NoError(t, err)
	h.clk.Advance(7*24*time.Hour + time.Minute)
	require.NoError(t, h.mgr.MonitorOnce(ctx))

	run, err := h.st.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.Status)
	require.NotNil(t, run.FinalReport)
	assert.True(t, run.FinalReport.Passed)
	assert.InDelta(t, 0.12, run.FinalReport.FinalScore, 1e-9)

	s, _ := h.reg.Get("s1")
	assert.Equal(t, types.StateOptimized, s.State)
	assert.False(t, s.IsSimulating)

	res, err = h.mgr.Admit(ctx)
	require.NoError(t, err)
	assert.Equal(t, AdmitNoCandidates, res.Reason)

	h.clk.Advance(25 * time.Hour)
	res, err = h.mgr.Admit(ctx)
	require.NoError(t, err)
	assert.Equal(t, AdmitOK, res.Reason)
}

func TestProcessExitIsDetectedOnPoll(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.seed(t, "s1", types.StateEvaluated, 0.3, "gen", t0)
	ctx := context.Background()

	res, err := h.mgr.Admit(ctx)
	require.NoError(t, err)
	h.procs.exitAll(supervisor.StateFailed)
	require.NoError(t, h.mgr.MonitorOnce(ctx))

	run, _ := h.st.GetRun(ctx, res.RunID)
	assert.Equal(t, types.RunFailed, run.Status)
	assert.Zero(t, h.procs.canceledCount())
	assert.Equal(t, 0, h.mgr.Active())
	h.assertSimulatingInvariant(t)
}

func TestStartFailureReleasesSlot(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.seed(t, "s1", types.StateEvaluated, 0.3, "gen", t0)
	h.procs.failStart = true

	res, err := h.mgr.Admit(context.Background())
	assert.ErrorIs(t, err, types.ErrProcessFailed)
	assert.Equal(t, 0, h.mgr.Active())

	run, getErr := h.st.GetRun(context.Background(), res.RunID)
	require.NoError(t, getErr)
	assert.Equal(t, types.RunFailed, run.Status)
	s, _ := h.reg.Get("s1")
	assert.Equal(t, types.StateEvaluated, s.State)
	assert.False(t, s.IsSimulating)
}

func TestStopRunManual(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.seed(t, "s1", types.StateEvaluated, 0.3, "gen", t0)
	ctx := context.Background()

	res, err := h.mgr.Admit(ctx)
	require.NoError(t, err)
	require.NoError(t, h.mgr.StopRun(ctx, res.RunID))
	assert.ErrorIs(t, h.mgr.StopRun(ctx, res.RunID), types.ErrNotFound)

	run, _ := h.st.GetRun(ctx, res.RunID)
	assert.Equal(t, types.RunStoppedManual, run.Status)
	assert.Equal(t, 1, h.procs.canceledCount())
	h.assertSimulatingInvariant(t)
}

func TestShutdownStopsAll(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.seed(t, "a", types.StateEvaluated, 0.3, "gen", t0)
	h.seed(t, "b", types.StateEvaluated, 0.4, "gen", t0)
	ctx := context.Background()
	_, err := h.mgr.Admit(ctx)
	require.NoError(t, err)
	_, err = h.mgr.Admit(ctx)
	require.NoError(t, err)

	require.NoError(t, h.mgr.Shutdown(ctx))
	assert.Equal(t, 0, h.mgr.Active())
	assert.Equal(t, 0, h.procs.running())
	runs, _ := h.st.ListRuns(ctx, store.RunQuery{Statuses: []types.RunStatus{types.RunStoppedManual}})
	assert.Len(t, runs, 2)
}

func TestReconcileMarksOrphanedRunsFailed(t *testing.T) {
	var killed []int
	h := newHarness(t, testConfig(t), WithOrphanKiller(func(pid int, _ time.Duration) { killed = append(killed, pid) }))
	ctx := context.Background()
	require.NoError(t, h.reg.Upsert(ctx, types.Strategy{
		ID:           "s1",
		ArtifactPath: "/artifacts/s1.py",
		State:        types.StateSimulating,
		PreSimState:  types.StateOptimized,
		IsSimulating: true,
		Score:        types.Float64Ptr(0.4),
	}))
	require.NoError(t, h.reg.Upsert(ctx, types.Strategy{
		ID:           "stray",
		ArtifactPath: "/artifacts/stray.py",
		State:        types.StateSimulating,
		IsSimulating: true,
	}))
	require.NoError(t, h.st.InsertRun(ctx, types.SimulationRun{
		ID: "r1", StrategyID: "s1", StartedAt: t0.Add(-time.Hour), Status: types.RunRunning, PID: 4242,
	}))

	fixed, err := h.mgr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)
	assert.Equal(t, []int{4242}, killed)

	run, _ := h.st.GetRun(ctx, "r1")
	assert.Equal(t, types.RunFailed, run.Status)
	require.NotNil(t, run.EndedAt)

	s, _ := h.reg.Get("s1")
	assert.Equal(t, types.StateOptimized, s.State)
	assert.False(t, s.IsSimulating)
	stray, _ := h.reg.Get("stray")
	assert.Equal(t, types.StateEvaluated, stray.State)
	assert.False(t, stray.IsSimulating)
	h.assertSimulatingInvariant(t)

	// The reconciled run counts towards the re-admission cooldown.
	var ids []string
	for _, c := range h.mgr.Candidates(t0) {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"stray"}, ids)
}

func TestMonitorPersistenceFailureIsRetried(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.seed(t, "s1", types.StateEvaluated, 0.3, "gen", t0)
	h.source.set("s1", types.RollingMetrics{TradeCount: 1})
	ctx := context.Background()
	res, err := h.mgr.Admit(ctx)
	require.NoError(t, err)

	h.st.FailWrites(true)
	err = h.mgr.MonitorOnce(ctx)
	assert.ErrorIs(t, err, types.ErrPersistence)

	h.st.FailWrites(false)
	require.NoError(t, h.mgr.MonitorOnce(ctx))
	run, _ := h.st.GetRun(ctx, res.RunID)
	assert.Equal(t, 2, run.Cycles)
}
