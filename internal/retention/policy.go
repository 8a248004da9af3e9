// Package retention 定期清理过期或低分的策略，受保护的实体永远不会被删除。
package retention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"quantforge/internal/clock"
	"quantforge/internal/config"
	"quantforge/internal/logger"
	"quantforge/internal/metrics"
	"quantforge/internal/types"
)

var errNoLongerDeletable = errors.New("no longer deletable")

type Registry interface {
	List(filter types.StrategyFilter) []types.Strategy
	DeleteIf(ctx context.Context, id string, check func(types.Strategy) error) (types.Strategy, error)
	Update(ctx context.Context, id string, fn func(*types.Strategy) error) (types.Strategy, error)
	AppendHistory(ctx context.Context, id string, kind types.EventKind, message string, details any) error
}

type Config struct {
	MaxAge         time.Duration
	MinScore       float64
	KeepTombstones bool
}

func ConfigFrom(c *config.Config) Config {
	return Config{
		MaxAge:         config.DurationOr(c.Retention.MaxAge, 30*24*time.Hour),
		MinScore:       c.Retention.MinScore,
		KeepTombstones: c.Retention.KeepTombstones,
	}
}

// Report 汇总一次清理。
type Report struct {
	Deleted   []string
	Retired   []string
	Protected int
	Failed    []string
}

type Policy struct {
	cfg     Config
	reg     Registry
	clock   clock.Clock
	metrics *metrics.Metrics
}

type Option func(*Policy)

func WithClock(c clock.Clock) Option { return func(p *Policy) { p.clock = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Policy) { p.metrics = m } }

func NewPolicy(cfg Config, reg Registry, opts ...Option) *Policy {
	p := &Policy{cfg: cfg, reg: reg, clock: clock.Real()}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.clock = clock.Or(p.clock)
	return p
}

// Protected 判断实体是否受保护：optimized，或分数不低于 min_score。
func Protected(s types.Strategy, minScore float64) bool {
	return s.State == types.StateOptimized || (s.HasScore() && s.ScoreValue() >= minScore)
}

// Decide 返回实体是否应被清理及原因。受保护、模拟中或处于其他状态的实体一律保留。
func (p *Policy) Decide(s types.Strategy, now time.Time) (bool, string) {
	if s.IsSimulating || Protected(s, p.cfg.MinScore) {
		return false, ""
	}
	switch s.State {
	case types.StateCreated, types.StateValidated, types.StateEvaluated:
	default:
		return false, ""
	}
	if p.cfg.MaxAge > 0 && s.Age(now) > p.cfg.MaxAge {
		return true, fmt.Sprintf("older than %s", p.cfg.MaxAge)
	}
	if s.HasScore() && s.ScoreValue() < p.cfg.MinScore {
		return true, fmt.Sprintf("score %.4f below %.4f", s.ScoreValue(), p.cfg.MinScore)
	}
	return false, ""
}

// Sweep 扫描注册表并清理符合条件的实体。判定在注册表 actor 内复核，
// 扫描之后被准入模拟或重新评估的实体不会被误删。
func (p *Policy) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	now := p.clock.Now()
	var errs []error
	for _, s := range p.reg.List(types.StrategyFilter{}) {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if Protected(s, p.cfg.MinScore) {
			rep.Protected++
			continue
		}
		ok, reason := p.Decide(s, now)
		if !ok {
			continue
		}
		if err := p.remove(ctx, s.ID, reason, now, &rep); err != nil {
			if errors.Is(err, errNoLongerDeletable) || errors.Is(err, types.ErrNotFound) {
				continue
			}
			logger.Errorf("[retention] 清理 %s 失败: %v", s.ID, err)
			rep.Failed = append(rep.Failed, s.ID)
			if errors.Is(err, types.ErrPersistence) {
				errs = append(errs, err)
			}
		}
	}
	if n := len(rep.Deleted) + len(rep.Retired); n > 0 {
		logger.Infof("[retention] 本轮清理 %d 个策略（删除 %d，墓碑 %d），保护 %d 个", n, len(rep.Deleted), len(rep.Retired), rep.Protected)
	}
	return rep, errors.Join(errs...)
}

func (p *Policy) recheck(now time.Time) func(types.Strategy) error {
	return func(cur types.Strategy) error {
		if ok, _ := p.Decide(cur, now); !ok {
			return errNoLongerDeletable
		}
		return nil
	}
}

func (p *Policy) remove(ctx context.Context, id, reason string, now time.Time, rep *Report) error {
	var (
		artifact string
		err      error
	)
	check := p.recheck(now)
	if p.cfg.KeepTombstones {
		var retired types.Strategy
		retired, err = p.reg.Update(ctx, id, func(s *types.Strategy) error {
			if err := check(*s); err != nil {
				return err
			}
			s.State = types.StateRetired
			return nil
		})
		artifact = retired.ArtifactPath
	} else {
		var removed types.Strategy
		removed, err = p.reg.DeleteIf(ctx, id, check)
		artifact = removed.ArtifactPath
	}
	if err != nil && !errors.Is(err, types.ErrPersistence) {
		return err
	}
	removeArtifact(id, artifact)
	action := "deleted"
	if p.cfg.KeepTombstones {
		action = "retired"
		rep.Retired = append(rep.Retired, id)
	} else {
		rep.Deleted = append(rep.Deleted, id)
	}
	_ = p.reg.AppendHistory(ctx, id, types.EventRetention, action+": "+reason, map[string]any{"artifact": artifact})
	p.metrics.RecordRetention(action)
	logger.Infof("[retention] %s %s: %s", action, id, reason)
	return err
}

func removeArtifact(id, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warnf("[retention] 删除 %s 的产物 %s 失败: %v", id, path, err)
	}
}
