package evaluation

import (
	"context"
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
	"quantforge/internal/supervisor"
	"quantforge/internal/types"

	"golang.org/x/sync/semaphore"
)

// OutcomeKind 区分 "无事可做" 与 "出错"。
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
	OutcomeTimeout OutcomeKind = "timeout"
	OutcomeSkipped OutcomeKind = "skipped"
	OutcomeBusy    OutcomeKind = "busy"
)

type Outcome struct {
	Kind       OutcomeKind
	StrategyID string
	Score      float64
	Trades     int
	Reason     string
	Duration   time.Duration
}

// ProcessRunner 是 Runner 依赖的进程监管能力。
type ProcessRunner interface {
	Start(spec supervisor.Spec, sink *supervisor.LineSink) (supervisor.Handle, error)
	Wait(ctx context.Context, h supervisor.Handle, timeout time.Duration) (supervisor.ExitOutcome, error)
}

// Registry 是 Runner 依赖的注册表操作。
type Registry interface {
	Get(id string) (types.Strategy, error)
	List(filter types.StrategyFilter) []types.Strategy
	Update(ctx context.Context, id string, fn func(*types.Strategy) error) (types.Strategy, error)
	Transition(ctx context.Context, id string, to types.LifecycleState, fn func(*types.Strategy) error) (types.Strategy, error)
	AppendHistory(ctx context.Context, id string, kind types.EventKind, message string, details any) error
}

type Config struct {
	Executor        config.CommandConfig
	WindowDays      int
	MaxConcurrent   int
	ReevaluateAfter time.Duration
	ScorePath       string
	TradesPath      string
	ResultsDir      string
	OutputLines     int
}

func ConfigFrom(c *config.Config) Config {
	return Config{
		Executor:        c.Evaluation.Executor,
		WindowDays:      c.Evaluation.WindowDays,
		MaxConcurrent:   c.Evaluation.MaxConcurrent,
		ReevaluateAfter: config.DurationOr(c.Evaluation.ReevaluateAfter, 7*24*time.Hour),
		ScorePath:       c.Evaluation.ScorePath,
		TradesPath:      c.Evaluation.TradesPath,
		ResultsDir:      c.Storage.ResultsDir,
		OutputLines:     c.Evaluation.OutputLines,
	}
}

// Runner 对单个策略执行历史评估并回写分数。同一 id 同时只允许一个评估。
type Runner struct {
	cfg     Config
	reg     Registry
	procs   ProcessRunner
	clock   clock.Clock
	metrics *metrics.Metrics

	mu       sync.Mutex
	inFlight map[string]Milestone
}

type Option func(*Runner)

func WithClock(c clock.Clock) Option { return func(r *Runner) { r.clock = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Runner) { r.metrics = m } }

func NewRunner(cfg Config, reg Registry, procs ProcessRunner, opts ...Option) *Runner {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 30
	}
	r := &Runner{
		cfg:      cfg,
		reg:      reg,
		procs:    procs,
		clock:    clock.Real(),
		inFlight: make(map[string]Milestone),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.clock = clock.Or(r.clock)
	return r
}

// Eligible 判断实体当前是否可以评估。
func Eligible(s types.Strategy) (bool, string) {
	switch {
	case s.State == types.StateRetired:
		return false, "retired"
	case s.IsSimulating || s.State == types.StateSimulating:
		return false, "simulating"
	case !s.State.AtLeast(types.StateValidated):
		return false, fmt.Sprintf("state %s is not validated yet", s.State)
	case s.ArtifactPath == "":
		return false, "no artifact"
	}
	return true, ""
}

func (r *Runner) acquire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inFlight[id]; busy {
		return false
	}
	r.inFlight[id] = MilestoneQueued
	return true
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	delete(r.inFlight, id)
	r.mu.Unlock()
}

func (r *Runner) mark(id string, m Milestone) {
	r.mu.Lock()
	if prev, ok := r.inFlight[id]; ok && prev != m {
		r.inFlight[id] = m
		logger.Debugf("[evaluation] %s milestone %s → %s", id, prev, m)
	}
	r.mu.Unlock()
}

// InFlight 返回正在评估的策略及其进度。
func (r *Runner) InFlight() map[string]Milestone {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Milestone, len(r.inFlight))
	for k, v := range r.inFlight {
		out[k] = v
	}
	return out
}

// Evaluate 执行一次评估。返回的 error 只表示基础设施故障（持久化等），
// 进程失败、超时、不满足条件都通过 Outcome 表达。
func (r *Runner) Evaluate(ctx context.Context, id string) (Outcome, error) {
	out := Outcome{StrategyID: id}
	if !r.acquire(id) {
		out.Kind = OutcomeBusy
		out.Reason = "evaluation already in progress"
		logger.Infof("[evaluation] %s 已在评估中，拒绝重复请求", id)
		r.metrics.RecordEvaluation(string(out.Kind))
		return out, nil
	}
	defer r.release(id)
	return r.evaluate(ctx, id)
}

// Claim 预占一个评估槽位，之后由 EvaluateClaimed 执行并释放。
type Claim struct {
	r    *Runner
	id   string
	once sync.Once
}

func (c *Claim) Release() {
	c.once.Do(func() { c.r.release(c.id) })
}

// Claim 同步占用 id 的评估槽位，已在评估中时返回 ErrAlreadyRunning。
// 异步提交前调用，使重复请求在入队前就被拒绝。
func (r *Runner) Claim(id string) (*Claim, error) {
	if !r.acquire(id) {
		return nil, fmt.Errorf("evaluate %s: %w", id, types.ErrAlreadyRunning)
	}
	return &Claim{r: r, id: id}, nil
}

func (r *Runner) EvaluateClaimed(ctx context.Context, c *Claim) (Outcome, error) {
	defer c.Release()
	return r.evaluate(ctx, c.id)
}

func (r *Runner) evaluate(ctx context.Context, id string) (Outcome, error) {
	out := Outcome{StrategyID: id}
	s, err := r.reg.Get(id)
	if err != nil {
		out.Kind = OutcomeSkipped
		out.Reason = err.Error()
		r.metrics.RecordEvaluation(string(out.Kind))
		return out, nil
	}
	if ok, why := Eligible(s); !ok {
		out.Kind = OutcomeSkipped
		out.Reason = why
		logger.Infof("[evaluation] 跳过 %s: %s", id, why)
		r.metrics.RecordEvaluation(string(out.Kind))
		return out, nil
	}

	started := r.clock.Now()
	out, err = r.run(ctx, s)
	out.Duration = r.clock.Now().Sub(started)
	r.metrics.RecordEvaluation(string(out.Kind))
	return out, err
}

func (r *Runner) run(ctx context.Context, s types.Strategy) (Outcome, error) {
	out := Outcome{StrategyID: s.ID}
	now := r.clock.Now()
	if err := os.MkdirAll(r.cfg.ResultsDir, 0o755); err != nil {
		return r.fail(ctx, s, OutcomeFailure, fmt.Sprintf("results dir: %v", err), nil)
	}
	resultPath := filepath.Join(r.cfg.ResultsDir, fmt.Sprintf("%s-%d.json", s.ID, now.Unix()))
	vars := map[string]string{
		"id":          s.ID,
		"artifact":    s.ArtifactPath,
		"timerange":   Timerange(now, r.cfg.WindowDays),
		"result":      resultPath,
		"window_days": strconv.Itoa(r.cfg.WindowDays),
	}
	spec := supervisor.SpecFrom("evaluate:"+s.ID, r.cfg.Executor, vars)
	sink := supervisor.NewLineSink(r.cfg.OutputLines, func(line string) {
		if m, ok := ClassifyLine(line); ok {
			r.mark(s.ID, m)
		}
	})
	h, err := r.procs.Start(spec, sink)
	if err != nil {
		return r.fail(ctx, s, OutcomeFailure, err.Error(), nil)
	}
	r.mark(s.ID, MilestoneStarted)
	exit, err := r.procs.Wait(ctx, h, 0)
	if err != nil {
		return r.fail(ctx, s, OutcomeFailure, err.Error(), nil)
	}
	switch exit.Kind {
	case supervisor.StateCompleted:
	case supervisor.StateTimedOut:
		return r.fail(ctx, s, OutcomeTimeout, exit.Reason(), &exit)
	default:
		return r.fail(ctx, s, OutcomeFailure, exit.Reason(), &exit)
	}

	res, err := ReadResult(resultPath, s.ID, r.cfg.ScorePath, r.cfg.TradesPath)
	if err != nil {
		return r.fail(ctx, s, OutcomeFailure, err.Error(), &exit)
	}
	evaluatedAt := r.clock.Now()
	apply := func(st *types.Strategy) error {
		st.Score = types.Float64Ptr(res.Score)
		st.EvalTrades = res.Trades
		st.LastEvaluatedAt = types.TimePtr(evaluatedAt)
		st.LastError = ""
		st.LastErrorAt = nil
		return nil
	}
	if s.State == types.StateValidated {
		_, err = r.reg.Transition(ctx, s.ID, types.StateEvaluated, apply)
	} else {
		_, err = r.reg.Update(ctx, s.ID, apply)
	}
	if err != nil && !errors.Is(err, types.ErrPersistence) {
		out.Kind = OutcomeFailure
		out.Reason = err.Error()
		logger.Warnf("[evaluation] %s 回写分数失败: %v", s.ID, err)
		return out, nil
	}
	_ = r.reg.AppendHistory(ctx, s.ID, types.EventEvaluation,
		fmt.Sprintf("score=%.4f trades=%d", res.Score, res.Trades),
		map[string]any{"score": res.Score, "trades": res.Trades, "result": resultPath})
	logger.Infof("[evaluation] %s 完成 score=%.4f trades=%d", s.ID, res.Score, res.Trades)
	out.Kind = OutcomeSuccess
	out.Score = res.Score
	out.Trades = res.Trades
	return out, err
}

// fail 记录失败原因到实体与历史，状态保持不变。
func (r *Runner) fail(ctx context.Context, s types.Strategy, kind OutcomeKind, reason string, exit *supervisor.ExitOutcome) (Outcome, error) {
	logger.Warnf("[evaluation] %s %s: %s", s.ID, kind, reason)
	at := r.clock.Now()
	_, err := r.reg.Update(ctx, s.ID, func(st *types.Strategy) error {
		st.LastError = reason
		st.LastErrorAt = types.TimePtr(at)
		return nil
	})
	details := map[string]any{"kind": string(kind), "reason": reason}
	if exit != nil {
		details["exit_code"] = exit.ExitCode
		details["excerpt"] = exit.Excerpt
	}
	_ = r.reg.AppendHistory(ctx, s.ID, types.EventFailure, "evaluation "+string(kind), details)
	out := Outcome{Kind: kind, StrategyID: s.ID, Reason: reason}
	if err != nil && errors.Is(err, types.ErrPersistence) {
		return out, err
	}
	return out, nil
}

// Due 返回需要（重新）评估的实体：从未评估的优先，其次按上次评估时间升序。
func (r *Runner) Due() []types.Strategy {
	now := r.clock.Now()
	var due []types.Strategy
	for _, s := range r.reg.List(types.StrategyFilter{}) {
		if ok, _ := Eligible(s); !ok {
			continue
		}
		if s.LastEvaluatedAt != nil && now.Sub(*s.LastEvaluatedAt) < r.cfg.ReevaluateAfter {
			continue
		}
		due = append(due, s)
	}
	sort.SliceStable(due, func(i, j int) bool {
		a, b := due[i].LastEvaluatedAt, due[j].LastEvaluatedAt
		switch {
		case a == nil && b == nil:
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		case a == nil:
			return true
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
	return due
}

// SweepReport 汇总一次批量评估。
type SweepReport struct {
	Outcomes []Outcome
}

func (r SweepReport) Count(kind OutcomeKind) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Kind == kind {
			n++
		}
	}
	return n
}

// Sweep 以 max_concurrent 为上限并行评估所有到期实体。
func (r *Runner) Sweep(ctx context.Context) (SweepReport, error) {
	due := r.Due()
	if len(due) == 0 {
		return SweepReport{}, nil
	}
	sem := semaphore.NewWeighted(int64(r.cfg.MaxConcurrent))
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		rep  SweepReport
		errs []error
	)
	for _, s := range due {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer sem.Release(1)
			out, err := r.Evaluate(ctx, id)
			mu.Lock()
			rep.Outcomes = append(rep.Outcomes, out)
			if err != nil {
				errs = append(errs, err)
			}
			mu.Unlock()
		}(s.ID)
	}
	wg.Wait()
	logger.Infof("[evaluation] sweep done: due=%d success=%d failure=%d timeout=%d",
		len(due), rep.Count(OutcomeSuccess), rep.Count(OutcomeFailure), rep.Count(OutcomeTimeout))
	return rep, errors.Join(errs...)
}

// Timerange 生成评估窗口参数，格式 YYYYMMDD-YYYYMMDD。
func Timerange(now time.Time, days int) string {
	end := now.UTC()
	start := end.AddDate(0, 0, -days)
	return start.Format("20060102") + "-" + end.Format("20060102")
}
