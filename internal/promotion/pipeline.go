// Package promotion 对已评估的策略做加权排名，把前 K 个复制到 promoted 目录并写入晋升记录。
package promotion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"quantforge/internal/clock"
	"quantforge/internal/config"
	"quantforge/internal/logger"
	"quantforge/internal/metrics"
	"quantforge/internal/notifier"
	"quantforge/internal/types"
)

type Registry interface {
	Get(id string) (types.Strategy, error)
	List(filter types.StrategyFilter) []types.Strategy
	Transition(ctx context.Context, id string, to types.LifecycleState, fn func(*types.Strategy) error) (types.Strategy, error)
	AppendPromotion(ctx context.Context, rec types.PromotionRecord) (types.PromotionRecord, error)
	LatestPromotion(id string) (types.PromotionRecord, bool)
	AppendHistory(ctx context.Context, id string, kind types.EventKind, message string, details any) error
}

type TierSource interface {
	Weight(producer string) float64
}

type Config struct {
	MaxPromotions int
	Criteria      types.Criteria
	Weights       Weights
	HalfLife      time.Duration
	ScoreCeiling  float64
	PromotedDir   string
}

func ConfigFrom(c *config.Config) Config {
	p := c.Promotion
	return Config{
		MaxPromotions: p.MaxPromotions,
		Criteria:      p.Criteria(),
		Weights:       Weights{Recency: p.Weights.Recency, Score: p.Weights.Score, Tier: p.Weights.Tier},
		HalfLife:      config.DurationOr(p.RecencyHalfLife, 7*24*time.Hour),
		ScoreCeiling:  p.ScoreCeiling,
		PromotedDir:   c.Storage.PromotedDir,
	}
}

// Report 汇总一次 PromoteBest。
type Report struct {
	Promoted []types.PromotionRecord
	Failed   []string
	Ranked   int
}

type Pipeline struct {
	cfg      Config
	reg      Registry
	tiers    TierSource
	notifier notifier.TextNotifier
	clock    clock.Clock
	metrics  *metrics.Metrics

	// 同一时刻只允许一次晋升，避免并发调用重复备份。
	mu sync.Mutex
}

type Option func(*Pipeline)

func WithClock(c clock.Clock) Option { return func(p *Pipeline) { p.clock = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

func WithTiers(t TierSource) Option { return func(p *Pipeline) { p.tiers = t } }

func WithNotifier(n notifier.TextNotifier) Option { return func(p *Pipeline) { p.notifier = n } }

func NewPipeline(cfg Config, reg Registry, opts ...Option) *Pipeline {
	p := &Pipeline{cfg: cfg, reg: reg, clock: clock.Real()}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.clock = clock.Or(p.clock)
	return p
}

func (p *Pipeline) tierWeight(producer string) float64 {
	if p.tiers == nil {
		return 0
	}
	return p.tiers.Weight(producer)
}

// Eligible 判断实体能否参与排名，不能时返回原因。
func (p *Pipeline) Eligible(s types.Strategy) (bool, string) {
	switch {
	case !s.HasScore():
		return false, "no score"
	case s.IsSimulating:
		return false, "simulating"
	case s.State != types.StateEvaluated && s.State != types.StateOptimized && s.State != types.StatePromoted:
		return false, "state " + string(s.State)
	}
	if ok, reasons := p.cfg.Criteria.Judge(s.ScoreValue(), s.EvalTrades); !ok {
		return false, fmt.Sprint(reasons)
	}
	if prev, ok := p.reg.LatestPromotion(s.ID); ok && prev.ScoreAtPromotion >= s.ScoreValue() {
		return false, "already promoted at an equal or better score"
	}
	return true, ""
}

// Rank 返回全部合格实体，按加权分数降序（id 升序打破平局）。
func (p *Pipeline) Rank(now time.Time) []Candidate {
	var out []Candidate
	for _, s := range p.reg.List(types.StrategyFilter{}) {
		if ok, _ := p.Eligible(s); !ok {
			continue
		}
		at := s.CreatedAt
		if s.LastEvaluatedAt != nil {
			at = *s.LastEvaluatedAt
		}
		c := Candidate{
			Strategy: s,
			Recency:  recencyFactor(now, at, p.cfg.HalfLife),
			Tier:     p.tierWeight(s.Producer),
		}
		c.Weighted = p.cfg.Weights.combine(c.Recency, normalizeScore(s.ScoreValue(), p.cfg.ScoreCeiling), c.Tier)
		if prev, ok := p.reg.LatestPromotion(s.ID); ok {
			c.Previous = &prev
		}
		out = append(out, c)
	}
	sortCandidates(out)
	return out
}

// PromoteBest 晋升排名前 limit 的实体（limit <= 0 时使用配置值）。单个实体失败不影响其余实体；
// 持久化失败会在返回的错误中体现。
func (p *Pipeline) PromoteBest(ctx context.Context, limit int) (Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if limit <= 0 {
		limit = p.cfg.MaxPromotions
	}
	var rep Report
	if limit <= 0 {
		return rep, nil
	}
	now := p.clock.Now()
	ranked := p.Rank(now)
	rep.Ranked = len(ranked)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	var errs []error
	for _, c := range ranked {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		rec, err := p.promote(ctx, c, now)
		if err != nil {
			logger.Errorf("[promotion] %s 晋升失败: %v", c.Strategy.ID, err)
			rep.Failed = append(rep.Failed, c.Strategy.ID)
			if errors.Is(err, types.ErrPersistence) {
				errs = append(errs, err)
			}
			continue
		}
		rep.Promoted = append(rep.Promoted, rec)
	}
	return rep, errors.Join(errs...)
}

func (p *Pipeline) promote(ctx context.Context, c Candidate, now time.Time) (types.PromotionRecord, error) {
	s := c.Strategy
	if _, err := os.Stat(s.ArtifactPath); err != nil {
		return types.PromotionRecord{}, fmt.Errorf("artifact %s: %w", s.ArtifactPath, err)
	}
	ext := filepath.Ext(s.ArtifactPath)
	dest := filepath.Join(p.cfg.PromotedDir, s.ID+ext)
	staged := filepath.Join(p.cfg.PromotedDir, "."+s.ID+ext+".staged")
	if err := copyFile(s.ArtifactPath, staged); err != nil {
		return types.PromotionRecord{}, fmt.Errorf("stage artifact: %w", err)
	}
	defer os.Remove(staged)

	// 排名快照可能已过期：在 actor 内重新确认资格后才提交，之后准入不会再选中该实体。
	_, err := p.reg.Transition(ctx, s.ID, types.StatePromoted, func(st *types.Strategy) error {
		if st.IsSimulating || st.ArtifactPath != s.ArtifactPath || st.ScoreValue() != s.ScoreValue() {
			return fmt.Errorf("promote %s: changed since ranking: %w", s.ID, types.ErrInvalidTransition)
		}
		return nil
	})
	var errs []error
	switch {
	case errors.Is(err, types.ErrPersistence):
		errs = append(errs, err)
	case err != nil:
		return types.PromotionRecord{}, err
	}

	backup, err := backupExisting(dest, now)
	if err != nil {
		return types.PromotionRecord{}, errors.Join(append(errs, err)...)
	}
	if err := os.Rename(staged, dest); err != nil {
		if backup != "" {
			_ = os.Rename(backup, dest)
		}
		return types.PromotionRecord{}, errors.Join(append(errs, fmt.Errorf("install artifact: %w", err))...)
	}

	_, judged := p.cfg.Criteria.Judge(s.ScoreValue(), s.EvalTrades)
	rec := types.PromotionRecord{
		StrategyID:         s.ID,
		PromotedAt:         now,
		ScoreAtPromotion:   s.ScoreValue(),
		QualitativeReasons: c.reasons(p.cfg.Criteria.MinScore, judged),
		ArtifactPath:       dest,
		BackupPath:         backup,
	}
	manifest := Manifest{
		StrategyID: s.ID,
		Category:   s.Category,
		Producer:   s.Producer,
		Score:      s.ScoreValue(),
		Weighted:   c.Weighted,
		Trades:     s.EvalTrades,
		PromotedAt: now,
		Source:     s.ArtifactPath,
		Artifact:   dest,
		Backup:     backup,
		Reasons:    rec.QualitativeReasons,
	}
	if err := writeManifest(filepath.Join(p.cfg.PromotedDir, s.ID+".yaml"), manifest); err != nil {
		logger.Warnf("[promotion] %s manifest 写入失败: %v", s.ID, err)
	}

	rec, err = p.reg.AppendPromotion(ctx, rec)
	if err != nil {
		return rec, errors.Join(append(errs, err)...)
	}
	_ = p.reg.AppendHistory(ctx, s.ID, types.EventPromotion, fmt.Sprintf("promoted with score %.4f", rec.ScoreAtPromotion),
		map[string]any{"artifact": dest, "backup": backup, "weighted": c.Weighted, "reasons": rec.QualitativeReasons})
	p.metrics.RecordPromotion()
	logger.Infof("[promotion] 晋升 %s score=%.4f weighted=%.4f → %s", s.ID, rec.ScoreAtPromotion, c.Weighted, dest)
	if p.notifier != nil {
		go notifier.Send(p.notifier, notifier.Promoted(rec))
	}
	return rec, errors.Join(errs...)
}
