// Package candidate 调用外部生成器产出新策略，并经校验器确认后登记为 validated。
package candidate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"quantforge/internal/clock"
	"quantforge/internal/config"
	"quantforge/internal/logger"
	"quantforge/internal/metrics"
	"quantforge/internal/pkg/circuit"
	"quantforge/internal/supervisor"
	"quantforge/internal/types"

	"github.com/google/uuid"
)

const artifactExt = ".py"

// 校验器约定：0 = 通过，1 = 不合格，其余 = 执行失败。
const validatorInvalidExit = 1

var unsafeName = regexp.MustCompile(`[^a-z0-9_]+`)

type ProcessRunner interface {
	Start(spec supervisor.Spec, sink *supervisor.LineSink) (supervisor.Handle, error)
	Wait(ctx context.Context, h supervisor.Handle, timeout time.Duration) (supervisor.ExitOutcome, error)
}

type Registry interface {
	Upsert(ctx context.Context, s types.Strategy) error
	Transition(ctx context.Context, id string, to types.LifecycleState, fn func(*types.Strategy) error) (types.Strategy, error)
	Update(ctx context.Context, id string, fn func(*types.Strategy) error) (types.Strategy, error)
	AppendHistory(ctx context.Context, id string, kind types.EventKind, message string, details any) error
}

type Config struct {
	Enabled        bool
	Producer       config.CommandConfig
	Validator      config.CommandConfig
	ProducerName   string
	Categories     []string
	PerTick        int
	ArtifactsDir   string
	BreakerFails   int
	BreakerTimeout time.Duration
	OutputLines    int
}

func ConfigFrom(c *config.Config) Config {
	return Config{
		Enabled:        c.Candidate.Enabled,
		Producer:       c.Candidate.Producer,
		Validator:      c.Candidate.Validator,
		ProducerName:   c.Candidate.ProducerName,
		Categories:     append([]string(nil), c.Candidate.Categories...),
		PerTick:        c.Candidate.PerTick,
		ArtifactsDir:   c.Storage.ArtifactsDir,
		BreakerFails:   c.Candidate.BreakerFails,
		BreakerTimeout: config.DurationOr(c.Candidate.BreakerTimeout, 10*time.Minute),
		OutputLines:    c.Evaluation.OutputLines,
	}
}

// Result 是单次生成的结果。Valid=false 且 Err=nil 表示校验器判定不合格。
type Result struct {
	ID       string
	Category string
	Artifact string
	Valid    bool
	Reason   string
}

type Report struct {
	Created  []Result
	Rejected []Result
	Failed   int
	Skipped  bool
}

// Creator 是候选策略生成任务。
type Creator struct {
	cfg     Config
	reg     Registry
	procs   ProcessRunner
	breaker *circuit.CircuitBreaker
	clock   clock.Clock
	metrics *metrics.Metrics

	mu     sync.Mutex
	cursor int
}

type Option func(*Creator)

func WithClock(c clock.Clock) Option { return func(cr *Creator) { cr.clock = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(cr *Creator) { cr.metrics = m } }

func NewCreator(cfg Config, reg Registry, procs ProcessRunner, opts ...Option) *Creator {
	if cfg.PerTick <= 0 {
		cfg.PerTick = 1
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = []string{"trend"}
	}
	if strings.TrimSpace(cfg.ProducerName) == "" {
		cfg.ProducerName = "default"
	}
	c := &Creator{cfg: cfg, reg: reg, procs: procs, clock: clock.Real()}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.clock = clock.Or(c.clock)
	c.breaker = circuit.NewCircuitBreaker("producer:"+cfg.ProducerName, cfg.BreakerFails, cfg.BreakerTimeout, c.clock)
	return c
}

func (c *Creator) Breaker() *circuit.CircuitBreaker { return c.breaker }

func (c *Creator) nextCategory() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	cat := c.cfg.Categories[c.cursor%len(c.cfg.Categories)]
	c.cursor++
	return cat
}

// RunOnce 按 per_tick 生成若干候选，类别轮转。熔断打开时直接跳过本轮。
func (c *Creator) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	if !c.cfg.Enabled || !c.cfg.Producer.Enabled() {
		rep.Skipped = true
		return rep, nil
	}
	var errs []error
	for i := 0; i < c.cfg.PerTick; i++ {
		if ctx.Err() != nil {
			break
		}
		res, err := c.CreateOne(ctx, c.nextCategory())
		switch {
		case errors.Is(err, types.ErrCircuitOpen):
			logger.Warnf("[candidate] 生成器熔断中，本轮跳过: %v", err)
			rep.Skipped = true
			return rep, errors.Join(errs...)
		case err != nil:
			rep.Failed++
			errs = append(errs, err)
		case res.Valid:
			rep.Created = append(rep.Created, res)
		default:
			rep.Rejected = append(rep.Rejected, res)
		}
	}
	return rep, errors.Join(errs...)
}

// CreateOne 生成一个候选：生成器 → 登记 created → 校验器 → validated。
func (c *Creator) CreateOne(ctx context.Context, category string) (Result, error) {
	name := c.newName(category)
	res := Result{ID: name, Category: category}
	if err := os.MkdirAll(c.cfg.ArtifactsDir, 0o755); err != nil {
		return res, fmt.Errorf("candidate artifacts dir: %w", err)
	}
	artifact := filepath.Join(c.cfg.ArtifactsDir, name+artifactExt)
	res.Artifact = artifact

	err := c.breaker.Execute(func() error {
		return c.produce(ctx, category, name, artifact)
	})
	if err != nil {
		result := "failed"
		if errors.Is(err, types.ErrCircuitOpen) {
			result = "circuit_open"
		}
		c.metrics.RecordCandidate(category, result)
		_ = os.Remove(artifact)
		return res, err
	}

	now := c.clock.Now()
	if err := c.reg.Upsert(ctx, types.Strategy{
		ID:           name,
		ArtifactPath: artifact,
		Category:     category,
		Producer:     c.cfg.ProducerName,
		CreatedAt:    now,
		State:        types.StateCreated,
	}); err != nil && !errors.Is(err, types.ErrPersistence) {
		c.metrics.RecordCandidate(category, "failed")
		return res, fmt.Errorf("register candidate %s: %w", name, err)
	}
	logger.Infof("[candidate] 新候选 %s (category=%s producer=%s)", name, category, c.cfg.ProducerName)

	valid, reason, err := c.validate(ctx, name, artifact)
	if err != nil {
		c.recordFailure(ctx, name, "validator: "+err.Error())
		c.metrics.RecordCandidate(category, "failed")
		return res, err
	}
	if !valid {
		res.Reason = reason
		c.recordFailure(ctx, name, "validator rejected: "+reason)
		c.metrics.RecordCandidate(category, "rejected")
		logger.Infof("[candidate] %s 校验未通过: %s", name, reason)
		return res, nil
	}
	if _, err := c.reg.Transition(ctx, name, types.StateValidated, nil); err != nil {
		c.metrics.RecordCandidate(category, "failed")
		return res, fmt.Errorf("validate %s: %w", name, err)
	}
	_ = c.reg.AppendHistory(ctx, name, types.EventCandidateReady, "candidate validated",
		map[string]any{"category": category, "producer": c.cfg.ProducerName, "artifact": artifact})
	res.Valid = true
	c.metrics.RecordCandidate(category, "created")
	return res, nil
}

func (c *Creator) produce(ctx context.Context, category, name, out string) error {
	spec := supervisor.SpecFrom("produce:"+name, c.cfg.Producer, map[string]string{
		"category": category,
		"name":     name,
		"out":      out,
		"producer": c.cfg.ProducerName,
	})
	exit, err := c.run(ctx, spec)
	if err != nil {
		return fmt.Errorf("producer %s: %w", name, err)
	}
	if !exit.Success() {
		return fmt.Errorf("producer %s: %w", name, exit.AsError())
	}
	info, err := os.Stat(out)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("producer %s: %w: no artifact written to %s", name, types.ErrProcessFailed, out)
	}
	return nil
}

// validate 返回 (通过, 不通过原因, 执行错误)。未配置校验器时视为通过。
func (c *Creator) validate(ctx context.Context, name, artifact string) (bool, string, error) {
	if !c.cfg.Validator.Enabled() {
		logger.Debugf("[candidate] 未配置校验器，%s 直接视为通过", name)
		return true, "", nil
	}
	fixed := artifact + ".fixed"
	defer os.Remove(fixed)
	spec := supervisor.SpecFrom("validate:"+name, c.cfg.Validator, map[string]string{
		"in":   artifact,
		"out":  fixed,
		"name": name,
	})
	exit, err := c.run(ctx, spec)
	if err != nil {
		return false, "", err
	}
	switch {
	case exit.Success():
	case exit.Kind == supervisor.StateFailed && exit.ExitCode == validatorInvalidExit:
		reason := "invalid"
		if n := len(exit.Excerpt); n > 0 {
			reason = exit.Excerpt[n-1]
		}
		return false, reason, nil
	default:
		return false, "", exit.AsError()
	}
	if info, err := os.Stat(fixed); err == nil && info.Size() > 0 {
		if err := os.Rename(fixed, artifact); err != nil {
			return false, "", fmt.Errorf("replace artifact with fixed text: %w", err)
		}
	}
	return true, "", nil
}

func (c *Creator) run(ctx context.Context, spec supervisor.Spec) (supervisor.ExitOutcome, error) {
	h, err := c.procs.Start(spec, supervisor.NewLineSink(c.cfg.OutputLines, nil))
	if err != nil {
		return supervisor.ExitOutcome{}, err
	}
	return c.procs.Wait(ctx, h, 0)
}

func (c *Creator) recordFailure(ctx context.Context, id, reason string) {
	at := c.clock.Now()
	_, _ = c.reg.Update(ctx, id, func(s *types.Strategy) error {
		s.LastError = reason
		s.LastErrorAt = types.TimePtr(at)
		return nil
	})
	_ = c.reg.AppendHistory(ctx, id, types.EventFailure, reason, nil)
}

// newName 生成 <category>_<producer>_<时间戳>_<随机后缀>。
func (c *Creator) newName(category string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	raw := fmt.Sprintf("%s_%s_%s_%s", category, c.cfg.ProducerName, c.clock.Now().UTC().Format("20060102150405"), suffix)
	return strings.Trim(unsafeName.ReplaceAllString(strings.ToLower(raw), "_"), "_")
}
