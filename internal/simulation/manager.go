// Package simulation 管理有上限的并发模拟运行：准入、监控、风控熔断与收尾。
//
// Manager 是 SimulationRun 的唯一写入者，也是 is_simulating 的唯一写入者。
// 槽位在任何 I/O 之前于互斥锁内预留，并发准入不会超过 max_concurrent_simulations。
package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"quantforge/internal/clock"
	"quantforge/internal/config"
	"quantforge/internal/logger"
	"quantforge/internal/metrics"
	"quantforge/internal/notifier"
	"quantforge/internal/store"
	"quantforge/internal/supervisor"
	"quantforge/internal/types"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	runConfigFile = "config.json"
	tradesDBFile  = "trades.sqlite"
)

var errNothingToRestore = errors.New("entity is not simulating")

type Supervisor interface {
	Start(spec supervisor.Spec, sink *supervisor.LineSink) (supervisor.Handle, error)
	Poll(h supervisor.Handle) (supervisor.Status, error)
	Cancel(h supervisor.Handle, grace time.Duration) (supervisor.ExitOutcome, error)
	Wait(ctx context.Context, h supervisor.Handle, timeout time.Duration) (supervisor.ExitOutcome, error)
}

type Registry interface {
	Get(id string) (types.Strategy, error)
	List(filter types.StrategyFilter) []types.Strategy
	Update(ctx context.Context, id string, fn func(*types.Strategy) error) (types.Strategy, error)
	AppendHistory(ctx context.Context, id string, kind types.EventKind, message string, details any) error
}

// TierSource 返回 producer 的档位权重。
type TierSource interface {
	Weight(producer string) float64
}

type Config struct {
	Executor        config.CommandConfig
	MaxConcurrent   int
	AdmissionDelay  time.Duration
	MonitorInterval time.Duration
	MaxAge          time.Duration
	MinScore        float64
	ReadmitAfter    time.Duration
	CancelGrace     time.Duration
	Run             types.RunConfig
	RunsDir         string
	Criteria        types.Criteria
	OutputLines     int
}

func ConfigFrom(c *config.Config) Config {
	sc := c.Simulation
	return Config{
		Executor:        sc.Executor,
		MaxConcurrent:   sc.MaxConcurrent,
		AdmissionDelay:  config.DurationOr(sc.AdmissionDelay, 2*time.Minute),
		MonitorInterval: config.DurationOr(sc.MonitorInterval, time.Minute),
		MaxAge:          config.DurationOr(sc.MaxAge, 30*24*time.Hour),
		MinScore:        sc.MinScore,
		ReadmitAfter:    config.DurationOr(sc.ReadmitAfter, 24*time.Hour),
		CancelGrace:     config.DurationOr(sc.CancelGrace, 10*time.Second),
		Run:             sc.RunConfig(),
		RunsDir:         c.Storage.RunsDir,
		Criteria:        c.Promotion.Criteria(),
		OutputLines:     c.Evaluation.OutputLines,
	}
}

// AdmitReason 说明本轮为何没有准入。
type AdmitReason string

const (
	AdmitOK           AdmitReason = "admitted"
	AdmitNoCandidates AdmitReason = "no_candidates"
	AdmitCapacity     AdmitReason = "capacity"
	AdmitPaced        AdmitReason = "admission_delay"
)

type AdmitResult struct {
	Reason     AdmitReason
	StrategyID string
	RunID      string
}

type activeRun struct {
	run       types.SimulationRun
	handle    supervisor.Handle
	hasHandle bool
	finishing bool
}

type Manager struct {
	cfg      Config
	reg      Registry
	runs     store.RunStore
	procs    Supervisor
	source   MetricsSource
	tiers    TierSource
	notifier notifier.TextNotifier
	clock    clock.Clock
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	orphan   func(pid int, grace time.Duration)

	admitMu   sync.Mutex
	monitorMu sync.Mutex

	mu           sync.Mutex
	reserved     int
	active       map[string]*activeRun
	byStrategy   map[string]string
	lastEnded    map[string]time.Time
	pendingSaves map[string]types.SimulationRun
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

func WithTiers(t TierSource) Option { return func(m *Manager) { m.tiers = t } }

func WithNotifier(n notifier.TextNotifier) Option { return func(m *Manager) { m.notifier = n } }

// WithOrphanKiller 替换重启恢复时终止遗留进程的方式。
func WithOrphanKiller(fn func(pid int, grace time.Duration)) Option {
	return func(m *Manager) { m.orphan = fn }
}

func NewManager(cfg Config, reg Registry, runs store.RunStore, procs Supervisor, source MetricsSource, opts ...Option) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	m := &Manager{
		cfg:          cfg,
		reg:          reg,
		runs:         runs,
		procs:        procs,
		source:       source,
		clock:        clock.Real(),
		orphan:       supervisor.TerminateOrphan,
		active:       make(map[string]*activeRun),
		byStrategy:   make(map[string]string),
		lastEnded:    make(map[string]time.Time),
		pendingSaves: make(map[string]types.SimulationRun),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.clock = clock.Or(m.clock)
	limit := rate.Inf
	if cfg.AdmissionDelay > 0 {
		limit = rate.Every(cfg.AdmissionDelay)
	}
	m.limiter = rate.NewLimiter(limit, 1)
	return m
}

func (m *Manager) Limit() int { return m.cfg.MaxConcurrent }

// Active 返回当前占用的槽位数（运行中 + 已预留）。
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active) + m.reserved
}

// ActiveRuns 返回运行中的模拟快照，按开始时间排序。
func (m *Manager) ActiveRuns() []types.SimulationRun {
	m.mu.Lock()
	out := make([]types.SimulationRun, 0, len(m.active))
	for _, ar := range m.active {
		out = append(out, ar.run.Clone())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (m *Manager) Runs(ctx context.Context, q store.RunQuery) ([]types.SimulationRun, error) {
	return m.runs.ListRuns(ctx, q)
}

func (m *Manager) weight(producer string) float64 {
	if m.tiers == nil {
		return 0
	}
	return m.tiers.Weight(producer)
}

// Candidates 返回可准入的实体，按 档位权重↓、分数↓、创建时间↓、id↑ 排序。
func (m *Manager) Candidates(now time.Time) []types.Strategy {
	list := m.reg.List(types.StrategyFilter{States: []types.LifecycleState{types.StateEvaluated, types.StateOptimized}})
	m.mu.Lock()
	out := list[:0]
	for _, s := range list {
		if s.IsSimulating {
			continue
		}
		if _, running := m.byStrategy[s.ID]; running {
			continue
		}
		if m.cfg.MaxAge > 0 && s.Age(now) > m.cfg.MaxAge {
			continue
		}
		if s.HasScore() && s.ScoreValue() < m.cfg.MinScore {
			continue
		}
		if last, ok := m.lastEnded[s.ID]; ok && m.cfg.ReadmitAfter > 0 && now.Sub(last) < m.cfg.ReadmitAfter {
			continue
		}
		out = append(out, s)
	}
	m.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if wa, wb := m.weight(a.Producer), m.weight(b.Producer); wa != wb {
			return wa > wb
		}
		if a.HasScore() != b.HasScore() {
			return a.HasScore()
		}
		if a.ScoreValue() != b.ScoreValue() {
			return a.ScoreValue() > b.ScoreValue()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func (m *Manager) reserve() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.active)+m.reserved >= m.cfg.MaxConcurrent {
		return false
	}
	m.reserved++
	return true
}

func (m *Manager) unreserve() {
	m.mu.Lock()
	if m.reserved > 0 {
		m.reserved--
	}
	m.mu.Unlock()
}

// Admit 至多准入一个候选。槽位已满、准入间隔未到或无候选时返回对应原因且不报错。
func (m *Manager) Admit(ctx context.Context) (AdmitResult, error) {
	m.admitMu.Lock()
	defer m.admitMu.Unlock()

	now := m.clock.Now()
	cands := m.Candidates(now)
	if len(cands) == 0 {
		return AdmitResult{Reason: AdmitNoCandidates}, nil
	}
	if !m.reserve() {
		logger.Debugf("[simulation] 槽位已满 (%d/%d)", m.Active(), m.cfg.MaxConcurrent)
		return AdmitResult{Reason: AdmitCapacity}, nil
	}
	if !m.limiter.AllowN(now, 1) {
		m.unreserve()
		return AdmitResult{Reason: AdmitPaced}, nil
	}
	s := cands[0]
	run, err := m.launch(ctx, s)
	return AdmitResult{Reason: AdmitOK, StrategyID: s.ID, RunID: run.ID}, err
}

// launch 持有一个预留槽位进入；无论成功与否都会消耗该预留。
func (m *Manager) launch(ctx context.Context, s types.Strategy) (types.SimulationRun, error) {
	now := m.clock.Now()
	run := types.SimulationRun{
		ID:         uuid.NewString(),
		StrategyID: s.ID,
		StartedAt:  now,
		Config:     m.cfg.Run,
		Status:     types.RunRunning,
	}
	run.Config.Pairs = append([]string(nil), m.cfg.Run.Pairs...)
	run.WorkDir = filepath.Join(m.cfg.RunsDir, run.ID)
	run.MetricsPath = filepath.Join(run.WorkDir, tradesDBFile)
	configPath := filepath.Join(run.WorkDir, runConfigFile)

	if err := writeRunConfig(configPath, run, s); err != nil {
		m.unreserve()
		return run, fmt.Errorf("simulation %s: write config: %w", s.ID, err)
	}
	if err := m.runs.InsertRun(ctx, run); err != nil {
		m.unreserve()
		return run, fmt.Errorf("simulation %s: insert run: %w: %v", s.ID, types.ErrPersistence, err)
	}
	ar := &activeRun{run: run}
	m.mu.Lock()
	m.reserved--
	m.active[run.ID] = ar
	m.byStrategy[s.ID] = run.ID
	m.mu.Unlock()

	_, err := m.reg.Update(ctx, s.ID, func(st *types.Strategy) error {
		if st.IsSimulating || (st.State != types.StateEvaluated && st.State != types.StateOptimized) {
			return fmt.Errorf("strategy %s not admissible in state %s: %w", st.ID, st.State, types.ErrInvalidTransition)
		}
		st.PreSimState = st.State
		st.State = types.StateSimulating
		st.IsSimulating = true
		return nil
	})
	if err != nil && !errors.Is(err, types.ErrPersistence) {
		return run, errors.Join(err, m.finish(ctx, ar, types.RunFailed, "", err.Error()))
	}
	if err == nil {
		_ = m.reg.AppendHistory(ctx, s.ID, types.EventTransition, fmt.Sprintf("%s → %s", s.State, types.StateSimulating),
			map[string]any{"run_id": run.ID})
	}

	spec := supervisor.SpecFrom("simulate:"+s.ID, m.cfg.Executor, map[string]string{
		"id":       s.ID,
		"run_id":   run.ID,
		"artifact": s.ArtifactPath,
		"config":   configPath,
		"db":       run.MetricsPath,
		"workdir":  run.WorkDir,
		"duration": strconv.FormatInt(int64(run.Config.Duration/time.Second), 10),
	})
	spec.Timeout = run.Config.Duration + m.cfg.MonitorInterval + m.cfg.CancelGrace
	h, startErr := m.procs.Start(spec, supervisor.NewLineSink(m.cfg.OutputLines, nil))
	if startErr != nil {
		return run, errors.Join(startErr, m.finish(ctx, ar, types.RunFailed, "", startErr.Error()))
	}
	m.mu.Lock()
	ar.handle = h
	ar.hasHandle = true
	ar.run.PID = h.PID
	run = ar.run.Clone()
	m.mu.Unlock()
	m.metrics.SetActiveSimulations(m.Active())
	logger.Infof("[simulation] 准入 %s run=%s pid=%d (%d/%d)", s.ID, run.ID, h.PID, m.Active(), m.cfg.MaxConcurrent)
	if err2 := m.runs.SaveRun(ctx, run); err2 != nil {
		m.deferSave(run)
		err = errors.Join(err, fmt.Errorf("simulation %s: save run: %w: %v", s.ID, types.ErrPersistence, err2))
	}
	return run, err
}

func writeRunConfig(path string, run types.SimulationRun, s types.Strategy) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	doc := map[string]any{
		"run_id":           run.ID,
		"strategy_id":      s.ID,
		"artifact":         s.ArtifactPath,
		"dry_run":          true,
		"db_url":           "sqlite:///" + run.MetricsPath,
		"duration_seconds": int64(run.Config.Duration / time.Second),
		"stake_amount":     run.Config.StakeAmount,
		"dry_run_wallet":   run.Config.StartingBalance,
		"exchange":         map[string]any{"pair_whitelist": run.Config.Pairs},
		"risk":             run.Config.Risk,
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func (m *Manager) deferSave(run types.SimulationRun) {
	m.mu.Lock()
	m.pendingSaves[run.ID] = run.Clone()
	m.mu.Unlock()
	m.metrics.RecordPersistenceFailure("simulation")
}

func (m *Manager) retryPendingSaves(ctx context.Context) error {
	m.mu.Lock()
	pending := make([]types.SimulationRun, 0, len(m.pendingSaves))
	for _, run := range m.pendingSaves {
		pending = append(pending, run)
	}
	m.mu.Unlock()
	var errs []error
	for _, run := range pending {
		if err := m.runs.SaveRun(ctx, run); err != nil {
			errs = append(errs, fmt.Errorf("save run %s: %w: %v", run.ID, types.ErrPersistence, err))
			continue
		}
		m.mu.Lock()
		if cur, ok := m.pendingSaves[run.ID]; ok && cur.Cycles == run.Cycles && cur.Status == run.Status {
			delete(m.pendingSaves, run.ID)
		}
		m.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (m *Manager) monitorTargets() []*activeRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*activeRun, 0, len(m.active))
	for _, ar := range m.active {
		if ar.hasHandle && !ar.finishing {
			out = append(out, ar)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].run.StartedAt.Before(out[j].run.StartedAt) })
	return out
}

// MonitorOnce 执行一个监控周期：刷新每个运行的滚动指标，并按顺序检查风控与时长。
func (m *Manager) MonitorOnce(ctx context.Context) error {
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()

	errs := []error{m.retryPendingSaves(ctx)}
	for _, ar := range m.monitorTargets() {
		if ctx.Err() != nil {
			break
		}
		errs = append(errs, m.monitorRun(ctx, ar))
	}
	m.metrics.SetActiveSimulations(m.Active())
	return errors.Join(errs...)
}

func (m *Manager) monitorRun(ctx context.Context, ar *activeRun) error {
	now := m.clock.Now()
	m.mu.Lock()
	run := ar.run.Clone()
	h := ar.handle
	m.mu.Unlock()

	st, pollErr := m.procs.Poll(h)
	exited := pollErr != nil || st.State != supervisor.StateRunning

	if m.source != nil {
		if fresh, err := m.source.Read(ctx, run); err != nil {
			logger.Warnf("[simulation] %s run=%s 读取指标失败: %v", run.StrategyID, run.ID, err)
		} else {
			run.Metrics = fresh
		}
	}
	run.Cycles++
	m.mu.Lock()
	ar.run.Metrics = run.Metrics
	ar.run.Cycles = run.Cycles
	m.mu.Unlock()

	if exited {
		var exit supervisor.ExitOutcome
		if pollErr == nil {
			exit, _ = m.procs.Wait(ctx, h, m.cfg.CancelGrace)
		}
		m.mu.Lock()
		ar.hasHandle = false
		m.mu.Unlock()
		if pollErr == nil && exit.Kind == supervisor.StateCompleted {
			return m.finish(ctx, ar, types.RunCompleted, "", "process exited")
		}
		reason := "process lost"
		if pollErr == nil {
			reason = exit.Reason()
		}
		return m.finish(ctx, ar, types.RunFailed, "", reason)
	}
	if b, hit := CheckRisk(run.Metrics, run.Config.Risk); hit {
		logger.Warnf("[simulation] %s run=%s 触发风控 %s: %s", run.StrategyID, run.ID, b.Field, b.Reason)
		return m.finish(ctx, ar, types.RunStoppedRisk, b.Field, b.Reason)
	}
	if run.Config.Duration > 0 && now.Sub(run.StartedAt) >= run.Config.Duration {
		return m.finish(ctx, ar, types.RunCompleted, "", "duration reached")
	}
	if err := m.runs.SaveRun(ctx, run); err != nil {
		m.deferSave(run)
		return fmt.Errorf("save run %s: %w: %v", run.ID, types.ErrPersistence, err)
	}
	return nil
}

// finish 停止并归档一次运行：取消进程、写入终态、恢复实体状态并释放槽位。重复调用无副作用。
func (m *Manager) finish(ctx context.Context, ar *activeRun, status types.RunStatus, breach, reason string) error {
	m.mu.Lock()
	if ar.finishing {
		m.mu.Unlock()
		return nil
	}
	ar.finishing = true
	h, hasHandle := ar.handle, ar.hasHandle
	m.mu.Unlock()

	if hasHandle {
		if _, err := m.procs.Cancel(h, m.cfg.CancelGrace); err != nil && !errors.Is(err, types.ErrNotFound) {
			logger.Warnf("[simulation] 取消 pid=%d 失败: %v", h.PID, err)
		}
	}
	now := m.clock.Now()
	m.mu.Lock()
	run := ar.run.Clone()
	m.mu.Unlock()
	run.Status = status
	run.Breach = breach
	run.Reason = reason
	run.EndedAt = types.TimePtr(now)
	if status == types.RunCompleted {
		rep := m.finalReport(run)
		run.FinalReport = &rep
	}

	var errs []error
	if err := m.runs.SaveRun(ctx, run); err != nil {
		m.deferSave(run)
		errs = append(errs, fmt.Errorf("save run %s: %w: %v", run.ID, types.ErrPersistence, err))
	}
	if err := m.restore(ctx, run.StrategyID); err != nil {
		errs = append(errs, err)
	}
	_ = m.reg.AppendHistory(ctx, run.StrategyID, types.EventSimulationEnd,
		fmt.Sprintf("simulation %s %s", run.ID, status), map[string]any{
			"run_id":       run.ID,
			"status":       status,
			"breach":       breach,
			"reason":       reason,
			"cycles":       run.Cycles,
			"metrics":      run.Metrics,
			"final_report": run.FinalReport,
		})

	m.mu.Lock()
	delete(m.active, run.ID)
	if m.byStrategy[run.StrategyID] == run.ID {
		delete(m.byStrategy, run.StrategyID)
	}
	m.lastEnded[run.StrategyID] = now
	m.mu.Unlock()

	m.metrics.RecordSimulationStop(string(status), breach)
	m.metrics.SetActiveSimulations(m.Active())
	logger.Infof("[simulation] %s run=%s 结束: %s %s", run.StrategyID, run.ID, status, reason)
	if m.notifier != nil && (status == types.RunStoppedRisk || status == types.RunCompleted) {
		msg := notifier.SimulationStopped(run, now)
		go notifier.Send(m.notifier, msg)
	}
	return errors.Join(errs...)
}

func (m *Manager) finalReport(run types.SimulationRun) types.FinalReport {
	score := run.Metrics.CumulativeReturn
	passed, reasons := m.cfg.Criteria.Judge(score, run.Metrics.TradeCount)
	return types.FinalReport{FinalScore: score, Passed: passed, Reasons: reasons, Metrics: run.Metrics}
}

// restore 清除 is_simulating 并恢复模拟前的状态。实体已不存在时忽略。
func (m *Manager) restore(ctx context.Context, id string) error {
	_, err := m.reg.Update(ctx, id, func(st *types.Strategy) error {
		if !st.IsSimulating && st.State != types.StateSimulating {
			return errNothingToRestore
		}
		if st.State == types.StateSimulating {
			to := st.PreSimState
			if to == "" || !types.CanTransition(types.StateSimulating, to) {
				to = types.StateEvaluated
			}
			st.State = to
		}
		st.IsSimulating = false
		st.PreSimState = ""
		return nil
	})
	if err == nil || errors.Is(err, errNothingToRestore) || errors.Is(err, types.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("restore %s after simulation: %w", id, err)
}

func (m *Manager) lookup(runID string) (*activeRun, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ar, ok := m.active[runID]
	return ar, ok
}

// StopRun 手动停止一个运行中的模拟。
func (m *Manager) StopRun(ctx context.Context, runID string) error {
	ar, ok := m.lookup(runID)
	if !ok {
		return fmt.Errorf("running simulation %s: %w", runID, types.ErrNotFound)
	}
	return m.finish(ctx, ar, types.RunStoppedManual, "", "manual stop")
}

// Shutdown 以 stopped_manual 停止全部运行，供进程退出时调用。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	all := make([]*activeRun, 0, len(m.active))
	for _, ar := range m.active {
		all = append(all, ar)
	}
	m.mu.Unlock()
	var errs []error
	for _, ar := range all {
		errs = append(errs, m.finish(ctx, ar, types.RunStoppedManual, "", "orchestrator shutdown"))
	}
	if len(all) > 0 {
		logger.Infof("[simulation] shutdown 停止 %d 个模拟", len(all))
	}
	return errors.Join(errs...)
}

// Reconcile 在启动时修复上次退出遗留的状态：
// 仍标记为 running 但没有受监管进程的运行记为 failed，遗留进程组被终止，
// 实体的 is_simulating 被清除。返回修复的运行数量。
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	running, err := m.runs.ListRuns(ctx, store.RunQuery{Statuses: []types.RunStatus{types.RunRunning}})
	if err != nil {
		return 0, fmt.Errorf("reconcile: list running: %w: %v", types.ErrPersistence, err)
	}
	now := m.clock.Now()
	var errs []error
	fixed := 0
	for _, run := range running {
		if _, ok := m.lookup(run.ID); ok {
			continue
		}
		if run.PID > 0 && m.orphan != nil {
			m.orphan(run.PID, m.cfg.CancelGrace)
		}
		run.Status = types.RunFailed
		run.Reason = "orchestrator restarted; process lost"
		run.EndedAt = types.TimePtr(now)
		if err := m.runs.SaveRun(ctx, run); err != nil {
			errs = append(errs, fmt.Errorf("reconcile run %s: %w: %v", run.ID, types.ErrPersistence, err))
			continue
		}
		if err := m.restore(ctx, run.StrategyID); err != nil {
			errs = append(errs, err)
		}
		_ = m.reg.AppendHistory(ctx, run.StrategyID, types.EventSimulationEnd,
			fmt.Sprintf("simulation %s failed", run.ID), map[string]any{"run_id": run.ID, "status": run.Status, "reason": run.Reason})
		m.metrics.RecordSimulationStop(string(types.RunFailed), "")
		fixed++
		logger.Warnf("[simulation] 恢复: run=%s (%s) 标记为 failed", run.ID, run.StrategyID)
	}

	simulating := true
	for _, s := range m.reg.List(types.StrategyFilter{Simulating: &simulating}) {
		m.mu.Lock()
		_, active := m.byStrategy[s.ID]
		m.mu.Unlock()
		if active {
			continue
		}
		if err := m.restore(ctx, s.ID); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range m.reg.List(types.StrategyFilter{States: []types.LifecycleState{types.StateSimulating}}) {
		m.mu.Lock()
		_, active := m.byStrategy[s.ID]
		m.mu.Unlock()
		if !active {
			if err := m.restore(ctx, s.ID); err != nil {
				errs = append(errs, err)
			}
		}
	}

	ended, err := m.runs.ListRuns(ctx, store.RunQuery{Statuses: []types.RunStatus{
		types.RunCompleted, types.RunStoppedRisk, types.RunStoppedManual, types.RunFailed,
	}})
	if err == nil {
		m.mu.Lock()
		for _, run := range ended {
			if run.EndedAt == nil {
				continue
			}
			if prev, ok := m.lastEnded[run.StrategyID]; !ok || run.EndedAt.After(prev) {
				m.lastEnded[run.StrategyID] = *run.EndedAt
			}
		}
		m.mu.Unlock()
	}
	return fixed, errors.Join(errs...)
}
