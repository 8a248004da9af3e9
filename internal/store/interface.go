package store

import (
	"context"

	"quantforge/internal/store/model"
	"quantforge/internal/types"
)

// StrategyStore 持久化策略实体、晋升记录与历史事件。
type StrategyStore interface {
	// ListStrategyRows returns raw rows so the caller can skip malformed ones.
	ListStrategyRows(ctx context.Context) ([]model.StrategyModel, error)
	SaveStrategy(ctx context.Context, s types.Strategy) error
	DeleteStrategy(ctx context.Context, id string) error

	AppendPromotion(ctx context.Context, rec *types.PromotionRecord) error
	ListPromotions(ctx context.Context, strategyID string) ([]types.PromotionRecord, error)

	AppendEvent(ctx context.Context, evt *types.HistoryEvent) error
	ListEvents(ctx context.Context, strategyID string, limit int) ([]types.HistoryEvent, error)
}

// RunQuery 过滤 simulation_runs，零值字段不参与过滤。
type RunQuery struct {
	StrategyID string
	Statuses   []types.RunStatus
	Limit      int
}

// RunStore 持久化 SimulationRun。只有 Simulation Manager 写入。
type RunStore interface {
	InsertRun(ctx context.Context, run types.SimulationRun) error
	SaveRun(ctx context.Context, run types.SimulationRun) error
	GetRun(ctx context.Context, id string) (types.SimulationRun, error)
	ListRuns(ctx context.Context, q RunQuery) ([]types.SimulationRun, error)
}

// Store is the entry point for database access.
type Store interface {
	StrategyStore
	RunStore
	Close() error
}
