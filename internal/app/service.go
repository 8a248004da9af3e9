package app

import (
	"context"
	"fmt"
	"sort"

	"quantforge/internal/evaluation"
	"quantforge/internal/logger"
	"quantforge/internal/store"
	"quantforge/internal/types"
)

// Status 汇总注册表、模拟与调度器的当前状态。
func (a *App) Status() types.StatusSnapshot {
	counts := a.reg.Counts()
	states := make(map[string]int, len(counts))
	for st, n := range counts {
		states[string(st)] = n
	}
	inFlight := a.eval.InFlight()
	evaluating := make([]string, 0, len(inFlight))
	for id, ms := range inFlight {
		evaluating = append(evaluating, fmt.Sprintf("%s:%s", id, ms))
	}
	sort.Strings(evaluating)
	return types.StatusSnapshot{
		GeneratedAt:       a.clock.Now().UTC(),
		States:            states,
		ActiveSimulations: a.sim.Active(),
		SimulationLimit:   a.sim.Limit(),
		RunningJobs:       a.sched.Running(),
		RecentFailures:    a.sched.RecentFailures(),
		Evaluating:        evaluating,
		PendingWrites:     a.reg.Pending(),
		BreakerState:      a.creator.Breaker().State().String(),
	}
}

func (a *App) Strategies(filter types.StrategyFilter) []types.Strategy {
	return a.reg.List(filter)
}

func (a *App) Strategy(id string) (types.Strategy, error) {
	return a.reg.Get(id)
}

func (a *App) History(ctx context.Context, id string, limit int) ([]types.HistoryEvent, error) {
	return a.reg.History(ctx, id, limit)
}

func (a *App) Promotions(ctx context.Context, id string) ([]types.PromotionRecord, error) {
	return a.reg.Promotions(ctx, id)
}

func (a *App) Simulations(ctx context.Context, q store.RunQuery) ([]types.SimulationRun, error) {
	return a.sim.Runs(ctx, q)
}

// EvaluateNow 把一次立即评估交给调度器执行，不等待结果。
func (a *App) EvaluateNow(id string) error {
	s, err := a.reg.Get(id)
	if err != nil {
		return err
	}
	if ok, reason := evaluation.Eligible(s); !ok {
		return fmt.Errorf("evaluate %s: %s: %w", id, reason, types.ErrInvalidTransition)
	}
	claim, err := a.eval.Claim(id)
	if err != nil {
		return err
	}
	err = a.sched.Submit("evaluate:"+id, func(ctx context.Context) error {
		out, err := a.eval.EvaluateClaimed(ctx, claim)
		logger.Infof("[evaluation] 手动评估 %s 结果=%s", id, out.Kind)
		return err
	})
	if err != nil {
		claim.Release()
	}
	return err
}

func (a *App) StopSimulation(ctx context.Context, runID string) error {
	return a.sim.StopRun(ctx, runID)
}
