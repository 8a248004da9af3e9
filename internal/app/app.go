package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"quantforge/internal/candidate"
	"quantforge/internal/clock"
	"quantforge/internal/config"
	cfgloader "quantforge/internal/config/loader"
	"quantforge/internal/evaluation"
	"quantforge/internal/logger"
	"quantforge/internal/metrics"
	"quantforge/internal/optimization"
	"quantforge/internal/promotion"
	"quantforge/internal/registry"
	"quantforge/internal/retention"
	"quantforge/internal/scheduler"
	"quantforge/internal/simulation"
	"quantforge/internal/store"
	"quantforge/internal/supervisor"
	statushttp "quantforge/internal/transport/http/status"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// App 负责应用级编排：持有注册表与各阶段组件，运行调度循环、模拟监控与状态接口。
type App struct {
	cfg   *config.Config
	clock clock.Clock
	store store.Store

	reg       *registry.Registry
	procs     *supervisor.Supervisor
	tiers     *cfgloader.TierLoader
	metrics   *metrics.Metrics
	eval      *evaluation.Runner
	creator   *candidate.Creator
	optimizer *optimization.Job
	sim       *simulation.Manager
	promotion *promotion.Pipeline
	retention *retention.Policy
	sched     *scheduler.Scheduler
	http      *statushttp.Server

	monitor time.Duration
	grace   time.Duration

	closeOnce sync.Once
	closeErr  error

	Summary *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	return buildAppWithWire(context.Background(), cfg)
}

// Run 修复上次遗留的模拟后启动全部循环，ctx 结束时按顺序关闭。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	if fixed, err := a.sim.Reconcile(ctx); err != nil {
		logger.Warnf("[app] 模拟恢复存在错误: %v", err)
	} else if fixed > 0 {
		logger.Infof("[app] 已修复 %d 个遗留模拟", fixed)
	}

	group, gctx := errgroup.WithContext(ctx)
	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(gctx); err != nil {
				return fmt.Errorf("status http server error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		return a.sched.Run(gctx)
	})
	group.Go(func() error {
		return a.monitorLoop(gctx)
	})
	runErr := group.Wait()

	if err := a.Shutdown(); err != nil {
		logger.Errorf("[app] 关闭过程出现错误: %v", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func (a *App) monitorLoop(ctx context.Context) error {
	interval := a.monitor
	if interval <= 0 {
		interval = time.Minute
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.clock.After(interval):
		}
		if err := a.sim.MonitorOnce(ctx); err != nil {
			logger.Warnf("[simulation] 监控周期出错: %v", err)
		}
	}
}

// Shutdown 停止所有模拟、终止残留子进程并落盘未持久化的修改。重复调用只执行一次。
func (a *App) Shutdown() error {
	a.closeOnce.Do(func() { a.closeErr = a.shutdown() })
	return a.closeErr
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	if err := a.sim.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop simulations: %w", err))
	}
	a.procs.Shutdown(a.grace)
	if err := a.reg.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush registry: %w", err))
	}
	if n := a.reg.Pending(); n > 0 {
		logger.Warnf("[app] 仍有 %d 条修改未能落盘", n)
	}
	a.reg.Stop()
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	logger.Infof("[app] 已关闭")
	return errors.Join(errs...)
}
