// Package memstore 是 store.Store 的内存实现，用于测试与无数据库的演练模式。
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"quantforge/internal/store"
	"quantforge/internal/store/model"
	"quantforge/internal/types"
)

// ErrInjected 是 FailWrites 打开时写操作返回的错误。
var ErrInjected = errors.New("memstore: injected write failure")

type Store struct {
	mu         sync.Mutex
	strategies map[string]model.StrategyModel
	runs       map[string]types.SimulationRun
	promotions []types.PromotionRecord
	events     []types.HistoryEvent
	nextID     int64
	failWrites bool
	writes     int
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		strategies: make(map[string]model.StrategyModel),
		runs:       make(map[string]types.SimulationRun),
	}
}

// FailWrites 打开/关闭写失败注入。
func (s *Store) FailWrites(fail bool) {
	s.mu.Lock()
	s.failWrites = fail
	s.mu.Unlock()
}

// Writes 返回成功写入次数。
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// PutRawStrategy 直接写入原始行，测试中用于构造损坏记录。
func (s *Store) PutRawStrategy(row model.StrategyModel) {
	s.mu.Lock()
	s.strategies[row.ID] = row
	s.mu.Unlock()
}

func (s *Store) write() error {
	if s.failWrites {
		return ErrInjected
	}
	s.writes++
	return nil
}

func (s *Store) ListStrategyRows(context.Context) ([]model.StrategyModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.StrategyModel, 0, len(s.strategies))
	for _, row := range s.strategies {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveStrategy(_ context.Context, st types.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(); err != nil {
		return err
	}
	s.strategies[st.ID] = model.NewStrategyModel(st)
	return nil
}

func (s *Store) DeleteStrategy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(); err != nil {
		return err
	}
	delete(s.strategies, id)
	return nil
}

func (s *Store) AppendPromotion(_ context.Context, rec *types.PromotionRecord) error {
	if rec == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(); err != nil {
		return err
	}
	s.nextID++
	rec.ID = s.nextID
	cp := *rec
	cp.QualitativeReasons = append([]string(nil), rec.QualitativeReasons...)
	s.promotions = append(s.promotions, cp)
	return nil
}

func (s *Store) ListPromotions(_ context.Context, strategyID string) ([]types.PromotionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.PromotionRecord
	for _, rec := range s.promotions {
		if strategyID == "" || rec.StrategyID == strategyID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) AppendEvent(_ context.Context, evt *types.HistoryEvent) error {
	if evt == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(); err != nil {
		return err
	}
	s.nextID++
	evt.ID = s.nextID
	s.events = append(s.events, *evt)
	return nil
}

func (s *Store) ListEvents(_ context.Context, strategyID string, limit int) ([]types.HistoryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.HistoryEvent
	for _, evt := range s.events {
		if evt.StrategyID == strategyID {
			out = append(out, evt)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) InsertRun(_ context.Context, run types.SimulationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("simulation run %s already exists", run.ID)
	}
	if err := s.write(); err != nil {
		return err
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *Store) SaveRun(_ context.Context, run types.SimulationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(); err != nil {
		return err
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *Store) GetRun(_ context.Context, id string) (types.SimulationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return types.SimulationRun{}, fmt.Errorf("simulation run %s: %w", id, types.ErrNotFound)
	}
	return run.Clone(), nil
}

func (s *Store) ListRuns(_ context.Context, q store.RunQuery) ([]types.SimulationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.SimulationRun
	for _, run := range s.runs {
		if q.StrategyID != "" && run.StrategyID != q.StrategyID {
			continue
		}
		if len(q.Statuses) > 0 && !containsStatus(q.Statuses, run.Status) {
			continue
		}
		out = append(out, run.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) Close() error { return nil }

func containsStatus(list []types.RunStatus, st types.RunStatus) bool {
	for _, item := range list {
		if item == st {
			return true
		}
	}
	return false
}
