// Package optimization 对已评估的策略调用外部参数优化器，产出新版本产物并迁移到 optimized。
package optimization

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"quantforge/internal/clock"
	"quantforge/internal/config"
	"quantforge/internal/logger"
	"quantforge/internal/supervisor"
	"quantforge/internal/types"
)

type ProcessRunner interface {
	Start(spec supervisor.Spec, sink *supervisor.LineSink) (supervisor.Handle, error)
	Wait(ctx context.Context, h supervisor.Handle, timeout time.Duration) (supervisor.ExitOutcome, error)
}

type Registry interface {
	Get(id string) (types.Strategy, error)
	List(filter types.StrategyFilter) []types.Strategy
	Update(ctx context.Context, id string, fn func(*types.Strategy) error) (types.Strategy, error)
	Transition(ctx context.Context, id string, to types.LifecycleState, fn func(*types.Strategy) error) (types.Strategy, error)
	AppendHistory(ctx context.Context, id string, kind types.EventKind, message string, details any) error
}

type Config struct {
	Enabled      bool
	Optimizer    config.CommandConfig
	PerTick      int
	MinScore     float64
	ArtifactsDir string
	OutputLines  int
}

func ConfigFrom(c *config.Config) Config {
	return Config{
		Enabled:      c.Optimization.Enabled,
		Optimizer:    c.Optimization.Optimizer,
		PerTick:      c.Optimization.PerTick,
		MinScore:     c.Optimization.MinScore,
		ArtifactsDir: c.Storage.ArtifactsDir,
		OutputLines:  c.Evaluation.OutputLines,
	}
}

type Report struct {
	Optimized []string
	Failed    []string
	Skipped   bool
}

type Job struct {
	cfg   Config
	reg   Registry
	procs ProcessRunner
	clock clock.Clock
}

func NewJob(cfg Config, reg Registry, procs ProcessRunner, clk clock.Clock) *Job {
	if cfg.PerTick <= 0 {
		cfg.PerTick = 1
	}
	return &Job{cfg: cfg, reg: reg, procs: procs, clock: clock.Or(clk)}
}

// Candidates 返回可优化的实体：evaluated、未在模拟、分数不低于 min_score，按分数降序。
func (j *Job) Candidates() []types.Strategy {
	list := j.reg.List(types.StrategyFilter{States: []types.LifecycleState{types.StateEvaluated}})
	out := list[:0]
	for _, s := range list {
		if s.IsSimulating || !s.HasScore() || s.ScoreValue() < j.cfg.MinScore {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].ScoreValue() != out[b].ScoreValue() {
			return out[a].ScoreValue() > out[b].ScoreValue()
		}
		return out[a].ID < out[b].ID
	})
	return out
}

func (j *Job) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	if !j.cfg.Enabled || !j.cfg.Optimizer.Enabled() {
		rep.Skipped = true
		return rep, nil
	}
	cands := j.Candidates()
	if len(cands) > j.cfg.PerTick {
		cands = cands[:j.cfg.PerTick]
	}
	var errs []error
	for _, s := range cands {
		if ctx.Err() != nil {
			break
		}
		if err := j.Optimize(ctx, s.ID); err != nil {
			rep.Failed = append(rep.Failed, s.ID)
			if errors.Is(err, types.ErrPersistence) {
				errs = append(errs, err)
			}
			continue
		}
		rep.Optimized = append(rep.Optimized, s.ID)
	}
	return rep, errors.Join(errs...)
}

// Optimize 对单个实体运行优化器。成功后产物替换为新版本，last_evaluated_at 清空以触发重新评估。
func (j *Job) Optimize(ctx context.Context, id string) error {
	s, err := j.reg.Get(id)
	if err != nil {
		return err
	}
	if s.State != types.StateEvaluated || s.IsSimulating {
		return fmt.Errorf("optimize %s in state %s: %w", id, s.State, types.ErrInvalidTransition)
	}
	dir := j.cfg.ArtifactsDir
	if dir == "" {
		dir = filepath.Dir(s.ArtifactPath)
	}
	ext := filepath.Ext(s.ArtifactPath)
	base := strings.TrimSuffix(filepath.Base(s.ArtifactPath), ext)
	out := filepath.Join(dir, fmt.Sprintf("%s.opt%d%s", base, j.clock.Now().Unix(), ext))

	spec := supervisor.SpecFrom("optimize:"+id, j.cfg.Optimizer, map[string]string{
		"id":       id,
		"artifact": s.ArtifactPath,
		"out":      out,
	})
	h, err := j.procs.Start(spec, supervisor.NewLineSink(j.cfg.OutputLines, nil))
	if err == nil {
		var exit supervisor.ExitOutcome
		exit, err = j.procs.Wait(ctx, h, 0)
		if err == nil && !exit.Success() {
			err = exit.AsError()
			if n := len(exit.Excerpt); n > 0 {
				err = fmt.Errorf("%w: %s", err, exit.Excerpt[n-1])
			}
		}
	}
	if err == nil {
		if info, statErr := os.Stat(out); statErr != nil || info.Size() == 0 {
			err = fmt.Errorf("%w: optimizer wrote no artifact", types.ErrProcessFailed)
		}
	}
	if err != nil {
		_ = os.Remove(out)
		j.recordFailure(ctx, id, err)
		return err
	}

	old := s.ArtifactPath
	// 优化器运行期间实体可能已被准入模拟：在 actor 内重新确认，避免删掉正在运行的产物。
	_, err = j.reg.Transition(ctx, id, types.StateOptimized, func(st *types.Strategy) error {
		if st.IsSimulating || st.State != types.StateEvaluated || st.ArtifactPath != old {
			return fmt.Errorf("optimize %s: now %s (simulating=%t): %w", id, st.State, st.IsSimulating, types.ErrInvalidTransition)
		}
		st.ArtifactPath = out
		st.LastEvaluatedAt = nil
		st.LastError = ""
		st.LastErrorAt = nil
		return nil
	})
	if err != nil && !errors.Is(err, types.ErrPersistence) {
		_ = os.Remove(out)
		j.recordFailure(ctx, id, err)
		return err
	}
	if old != out {
		_ = os.Remove(old)
	}
	_ = j.reg.AppendHistory(ctx, id, types.EventOptimization, "optimized artifact written",
		map[string]any{"from": old, "to": out})
	logger.Infof("[optimization] %s 优化完成 → %s", id, out)
	return err
}

func (j *Job) recordFailure(ctx context.Context, id string, cause error) {
	logger.Warnf("[optimization] %s 优化失败: %v", id, cause)
	at := j.clock.Now()
	_, _ = j.reg.Update(ctx, id, func(st *types.Strategy) error {
		st.LastError = "optimization: " + cause.Error()
		st.LastErrorAt = types.TimePtr(at)
		return nil
	})
	_ = j.reg.AppendHistory(ctx, id, types.EventFailure, "optimization failed", map[string]any{"error": cause.Error()})
}
