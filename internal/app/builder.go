package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	"quantforge/internal/candidate"
	"quantforge/internal/clock"
	"quantforge/internal/config"
	cfgloader "quantforge/internal/config/loader"
	"quantforge/internal/evaluation"
	"quantforge/internal/logger"
	"quantforge/internal/metrics"
	"quantforge/internal/notifier"
	"quantforge/internal/optimization"
	"quantforge/internal/pkg/circuit"
	"quantforge/internal/promotion"
	"quantforge/internal/registry"
	"quantforge/internal/retention"
	"quantforge/internal/scheduler"
	"quantforge/internal/simulation"
	"quantforge/internal/store"
	"quantforge/internal/store/gormstore"
	"quantforge/internal/supervisor"
	statushttp "quantforge/internal/transport/http/status"
)

// 调度作业名，同时用作日志标签与 metrics label。
const (
	JobCandidates   = "candidates"
	JobEvaluation   = "evaluation"
	JobAdmission    = "admission"
	JobOptimization = "optimization"
	JobPromotion    = "promotion"
	JobRetention    = "retention"
)

type AppBuilder struct {
	cfg *config.Config

	storeFn    func(path string) (store.Store, error)
	tiersFn    func(path string) (*cfgloader.TierLoader, error)
	sourceFn   func(cfg *config.Config, clk clock.Clock) (simulation.MetricsSource, error)
	notifierFn func(cfg config.NotifyConfig) notifier.TextNotifier
	clock      clock.Clock
	noHTTP     bool
}

type AppBuilderOption func(*AppBuilder)

// WithStore 替换默认的 SQLite 存储，测试中注入 memstore。
func WithStore(st store.Store) AppBuilderOption {
	return func(b *AppBuilder) {
		b.storeFn = func(string) (store.Store, error) { return st, nil }
	}
}

func WithClock(c clock.Clock) AppBuilderOption { return func(b *AppBuilder) { b.clock = c } }

func WithMetricsSource(src simulation.MetricsSource) AppBuilderOption {
	return func(b *AppBuilder) {
		b.sourceFn = func(*config.Config, clock.Clock) (simulation.MetricsSource, error) { return src, nil }
	}
}

func WithNotifier(n notifier.TextNotifier) AppBuilderOption {
	return func(b *AppBuilder) {
		b.notifierFn = func(config.NotifyConfig) notifier.TextNotifier { return n }
	}
}

// WithoutHTTP 不启动状态接口。
func WithoutHTTP() AppBuilderOption { return func(b *AppBuilder) { b.noHTTP = true } }

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		storeFn:    openStore,
		tiersFn:    loadTiers,
		sourceFn:   newTradesSource,
		notifierFn: newTelegram,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func openStore(path string) (store.Store, error) {
	return gormstore.NewGormStore(path)
}

func loadTiers(path string) (*cfgloader.TierLoader, error) {
	if strings.TrimSpace(path) == "" {
		return cfgloader.Static(0, nil), nil
	}
	return cfgloader.NewTierLoader(path)
}

func newTradesSource(cfg *config.Config, clk clock.Clock) (simulation.MetricsSource, error) {
	return simulation.NewSQLiteSource(cfg.Simulation.TradesTable, clk)
}

func newTelegram(cfg config.NotifyConfig) notifier.TextNotifier {
	tg := cfg.Telegram
	if !tg.Enabled || strings.TrimSpace(tg.BotToken) == "" || strings.TrimSpace(tg.ChatID) == "" {
		return notifier.Nop{}
	}
	return notifier.NewTelegram(tg.BotToken, tg.ChatID)
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)
	clk := clock.Or(b.clock)

	if err := ensureDirs(cfg.Storage); err != nil {
		return nil, err
	}
	mt := metrics.New()

	st, err := b.storeFn(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	reg := registry.New(st, registry.WithClock(clk), registry.WithMetrics(mt))
	reg.Start()
	loaded, err := reg.Load(ctx)
	if err != nil {
		reg.Stop()
		_ = st.Close()
		return nil, fmt.Errorf("load registry: %w", err)
	}
	logger.Infof("✓ 注册表加载完成：%d 个策略", loaded)

	tiers, err := b.tiersFn(cfg.App.TiersPath)
	if err != nil {
		reg.Stop()
		_ = st.Close()
		return nil, fmt.Errorf("load tiers: %w", err)
	}
	tiers.Subscribe(func(snap cfgloader.TierSnapshot) {
		logger.Infof("[tiers] 档位权重已更新 version=%d producers=%v", snap.Version, snap.Names())
	})
	source, err := b.sourceFn(cfg, clk)
	if err != nil {
		reg.Stop()
		_ = st.Close()
		return nil, fmt.Errorf("simulation metrics source: %w", err)
	}
	notify := b.notifierFn(cfg.Notify)
	procs := supervisor.New()

	evalRunner := evaluation.NewRunner(evaluation.ConfigFrom(cfg), reg, procs,
		evaluation.WithClock(clk), evaluation.WithMetrics(mt))
	creator := candidate.NewCreator(candidate.ConfigFrom(cfg), reg, procs,
		candidate.WithClock(clk), candidate.WithMetrics(mt))
	creator.Breaker().SetStateChangeHandler(func(name string, from, to circuit.State) {
		logger.Warnf("[candidate] 熔断器 %s: %s → %s", name, from, to)
		if to == circuit.StateOpen {
			if err := notify.SendText(fmt.Sprintf("⚠️ %s 连续失败，熔断已打开", name)); err != nil {
				logger.Warnf("[notify] 熔断通知发送失败: %v", err)
			}
		}
	})
	optimizer := optimization.NewJob(optimization.ConfigFrom(cfg), reg, procs, clk)
	simCfg := simulation.ConfigFrom(cfg)
	sim := simulation.NewManager(simCfg, reg, st, procs, source,
		simulation.WithClock(clk),
		simulation.WithMetrics(mt),
		simulation.WithTiers(tiers),
		simulation.WithNotifier(notify))
	pipeline := promotion.NewPipeline(promotion.ConfigFrom(cfg), reg,
		promotion.WithClock(clk),
		promotion.WithMetrics(mt),
		promotion.WithTiers(tiers),
		promotion.WithNotifier(notify))
	policy := retention.NewPolicy(retention.ConfigFrom(cfg), reg,
		retention.WithClock(clk), retention.WithMetrics(mt))

	sched := scheduler.New(
		scheduler.WithClock(clk),
		scheduler.WithMetrics(mt),
		scheduler.WithJitter(cfg.Scheduler.Jitter()),
		scheduler.WithFailureWindow(cfg.Scheduler.FailureWindowDuration()),
	)
	jobs := []scheduler.Job{
		{Name: JobCandidates, Every: cfg.Scheduler.CandidateEvery(), Run: func(ctx context.Context) error {
			rep, err := creator.RunOnce(ctx)
			if len(rep.Created) > 0 || len(rep.Rejected) > 0 {
				logger.Infof("[candidates] created=%d rejected=%d failed=%d", len(rep.Created), len(rep.Rejected), rep.Failed)
			}
			return err
		}},
		{Name: JobEvaluation, Every: cfg.Scheduler.EvaluationEvery(), RunImmediately: true, Run: func(ctx context.Context) error {
			_, err := evalRunner.Sweep(ctx)
			return err
		}},
		{Name: JobAdmission, Every: cfg.Scheduler.AdmissionEvery(), Run: func(ctx context.Context) error {
			res, err := sim.Admit(ctx)
			if err == nil && res.Reason == simulation.AdmitOK {
				logger.Infof("[admission] %s 进入模拟 run=%s", res.StrategyID, res.RunID)
			}
			return err
		}},
		{Name: JobOptimization, Every: cfg.Scheduler.OptimizationEvery(), Run: func(ctx context.Context) error {
			_, err := optimizer.RunOnce(ctx)
			return err
		}},
		{Name: JobPromotion, Every: cfg.Scheduler.PromotionEvery(), Run: func(ctx context.Context) error {
			_, err := pipeline.PromoteBest(ctx, 0)
			return err
		}},
		{Name: JobRetention, Every: cfg.Scheduler.RetentionEvery(), Cron: strings.TrimSpace(cfg.Scheduler.RetentionCron), Run: func(ctx context.Context) error {
			_, err := policy.Sweep(ctx)
			return err
		}},
	}
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			reg.Stop()
			_ = st.Close()
			return nil, err
		}
	}

	app := &App{
		cfg:       cfg,
		clock:     clk,
		store:     st,
		reg:       reg,
		procs:     procs,
		tiers:     tiers,
		metrics:   mt,
		eval:      evalRunner,
		creator:   creator,
		optimizer: optimizer,
		sim:       sim,
		promotion: pipeline,
		retention: policy,
		sched:     sched,
		monitor:   simCfg.MonitorInterval,
		grace:     simCfg.CancelGrace,
	}
	if !b.noHTTP {
		srv, err := statushttp.NewServer(statushttp.ServerConfig{
			Addr:         cfg.App.HTTPAddr,
			Orchestrator: app,
			Metrics:      mt.Handler(),
		})
		if err != nil {
			reg.Stop()
			_ = st.Close()
			return nil, err
		}
		app.http = srv
	}
	app.Summary = buildSummary(cfg, loaded, tiers.Snapshot(), jobs, notify)
	return app, nil
}

func ensureDirs(sc config.StorageConfig) error {
	for _, dir := range []string{sc.ArtifactsDir, sc.PromotedDir, sc.RunsDir, sc.ResultsDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
