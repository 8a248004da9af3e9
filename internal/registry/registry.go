package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"quantforge/internal/clock"
	"quantforge/internal/logger"
	"quantforge/internal/metrics"
	"quantforge/internal/store"
	"quantforge/internal/types"
)

const (
	defaultMailbox   = 128
	persistTimeout   = 5 * time.Second
	slowCommandLimit = 200 * time.Millisecond
)

var errStopped = errors.New("registry is stopped")

// Registry 是策略实体的唯一写入者。
//
// 所有修改都作为消息投递到单个 goroutine（runLoop）顺序执行，
// 读取方通过原子替换的快照访问，不与写入方共享 map。
// 持久化失败时内存状态保留，id 记入 dirty 集合，在之后每次写入和 Flush 时重试。
type Registry struct {
	store   store.StrategyStore
	clock   clock.Clock
	metrics *metrics.Metrics

	msgCh    chan command
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	running  atomic.Bool

	// owned by runLoop
	entities      map[string]types.Strategy
	dirty         map[string]struct{}
	pendingDelete map[string]struct{}
	lastPromotion map[string]types.PromotionRecord

	snapshot atomic.Value // *Snapshot
}

// Snapshot 是某一时刻注册表的只读视图。
type Snapshot struct {
	Version       int64
	Strategies    map[string]types.Strategy
	LastPromotion map[string]types.PromotionRecord
	Dirty         int
}

type command struct {
	name  string
	fn    func() error
	reply chan error
}

type Option func(*Registry)

func WithClock(c clock.Clock) Option { return func(r *Registry) { r.clock = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Registry) { r.metrics = m } }

func New(st store.StrategyStore, opts ...Option) *Registry {
	r := &Registry{
		store:         st,
		clock:         clock.Real(),
		msgCh:         make(chan command, defaultMailbox),
		stopCh:        make(chan struct{}),
		entities:      make(map[string]types.Strategy),
		dirty:         make(map[string]struct{}),
		pendingDelete: make(map[string]struct{}),
		lastPromotion: make(map[string]types.PromotionRecord),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.clock = clock.Or(r.clock)
	r.snapshot.Store(&Snapshot{Strategies: map[string]types.Strategy{}, LastPromotion: map[string]types.PromotionRecord{}})
	return r
}

func (r *Registry) Start() {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(1)
	go r.runLoop()
}

// Stop 停止 actor。未写入的 dirty 记录会在退出前尝试一次 Flush。
func (r *Registry) Stop() {
	if !r.running.Load() {
		return
	}
	_ = r.Flush(context.Background())
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Registry) runLoop() {
	defer r.wg.Done()
	logger.Infof("[registry] actor started")
	for {
		select {
		case cmd := <-r.msgCh:
			r.handle(cmd)
		case <-r.stopCh:
			logger.Infof("[registry] actor stopping")
			return
		}
	}
}

// handle 执行单条命令；panic 被捕获为错误返回给调用方，actor 继续运行。
func (r *Registry) handle(cmd command) {
	var err error
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("[registry] panic handling %s: %v\n%s", cmd.name, rec, debug.Stack())
			err = fmt.Errorf("registry %s panic: %v", cmd.name, rec)
		}
		if cmd.reply != nil {
			cmd.reply <- err
			close(cmd.reply)
		}
		if dur := time.Since(start); dur > slowCommandLimit {
			logger.Warnf("[registry] slow command %s took %v", cmd.name, dur)
		}
	}()
	defer r.refreshSnapshot()
	if cmd.name != "flush" && (len(r.dirty) > 0 || len(r.pendingDelete) > 0) {
		_ = r.flushDirty()
	}
	err = cmd.fn()
}

func (r *Registry) do(ctx context.Context, name string, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !r.running.Load() {
		return fmt.Errorf("%s: %w", name, errStopped)
	}
	cmd := command{name: name, fn: fn, reply: make(chan error, 1)}
	select {
	case r.msgCh <- cmd:
	case <-r.stopCh:
		return fmt.Errorf("%s: %w", name, errStopped)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-r.stopCh:
		return fmt.Errorf("%s: %w", name, errStopped)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) refreshSnapshot() {
	prev := r.Snapshot()
	snap := &Snapshot{
		Version:       prev.Version + 1,
		Strategies:    make(map[string]types.Strategy, len(r.entities)),
		LastPromotion: make(map[string]types.PromotionRecord, len(r.lastPromotion)),
		Dirty:         len(r.dirty) + len(r.pendingDelete),
	}
	counts := make(map[string]int, len(types.AllStates))
	for id, s := range r.entities {
		snap.Strategies[id] = s.Clone()
		counts[string(s.State)]++
	}
	for id, rec := range r.lastPromotion {
		snap.LastPromotion[id] = rec
	}
	r.snapshot.Store(snap)
	r.metrics.SetEntityCounts(counts)
}

// Snapshot 返回最近一次提交后的只读视图。
func (r *Registry) Snapshot() *Snapshot {
	val := r.snapshot.Load()
	if val == nil {
		return &Snapshot{Strategies: map[string]types.Strategy{}, LastPromotion: map[string]types.PromotionRecord{}}
	}
	return val.(*Snapshot)
}

// ---------------------------------------------------------------------------
// persistence

func (r *Registry) persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), persistTimeout)
}

func (r *Registry) persist(s types.Strategy) error {
	if r.store == nil {
		return nil
	}
	ctx, cancel := r.persistCtx()
	defer cancel()
	if err := r.store.SaveStrategy(ctx, s); err != nil {
		r.dirty[s.ID] = struct{}{}
		r.metrics.RecordPersistenceFailure("registry")
		logger.Warnf("[registry] 持久化 %s 失败，稍后重试: %v", s.ID, err)
		return fmt.Errorf("save strategy %s: %w: %v", s.ID, types.ErrPersistence, err)
	}
	delete(r.dirty, s.ID)
	return nil
}

func (r *Registry) persistDelete(id string) error {
	if r.store == nil {
		return nil
	}
	ctx, cancel := r.persistCtx()
	defer cancel()
	if err := r.store.DeleteStrategy(ctx, id); err != nil {
		r.pendingDelete[id] = struct{}{}
		r.metrics.RecordPersistenceFailure("registry")
		logger.Warnf("[registry] 删除 %s 持久化失败，稍后重试: %v", id, err)
		return fmt.Errorf("delete strategy %s: %w: %v", id, types.ErrPersistence, err)
	}
	delete(r.pendingDelete, id)
	return nil
}

// flushDirty 重试所有未落盘的记录，返回第一个错误。
func (r *Registry) flushDirty() error {
	var first error
	for id := range r.pendingDelete {
		if err := r.persistDelete(id); err != nil && first == nil {
			first = err
		}
	}
	for id := range r.dirty {
		s, ok := r.entities[id]
		if !ok {
			delete(r.dirty, id)
			continue
		}
		if err := r.persist(s); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ---------------------------------------------------------------------------
// commands

// Load 从持久层重建内存状态，必须在调度器启动前调用。格式错误的行会被跳过并记录警告。
func (r *Registry) Load(ctx context.Context) (int, error) {
	loaded := 0
	err := r.do(ctx, "load", func() error {
		if r.store == nil {
			return nil
		}
		rows, err := r.store.ListStrategyRows(ctx)
		if err != nil {
			return fmt.Errorf("load strategies: %w: %v", types.ErrPersistence, err)
		}
		entities := make(map[string]types.Strategy, len(rows))
		for _, row := range rows {
			s, err := row.Decode()
			if err != nil {
				logger.Warnf("[registry] 跳过格式错误的记录: %v", err)
				continue
			}
			entities[s.ID] = s
		}
		promos, err := r.store.ListPromotions(ctx, "")
		if err != nil {
			return fmt.Errorf("load promotions: %w: %v", types.ErrPersistence, err)
		}
		last := make(map[string]types.PromotionRecord)
		for _, rec := range promos {
			if prev, ok := last[rec.StrategyID]; !ok || !rec.PromotedAt.Before(prev.PromotedAt) {
				last[rec.StrategyID] = rec
			}
		}
		r.entities = entities
		r.lastPromotion = last
		loaded = len(entities)
		return nil
	})
	if err == nil {
		logger.Infof("[registry] loaded %d strategies", loaded)
	}
	return loaded, err
}

// Upsert 插入或替换实体。新实体缺省状态为 created，已存在实体的状态变化须合法。
func (r *Registry) Upsert(ctx context.Context, s types.Strategy) error {
	s.ID = strings.TrimSpace(s.ID)
	if s.ID == "" {
		return fmt.Errorf("upsert: empty strategy id")
	}
	if s.State == "" {
		s.State = types.StateCreated
	}
	if !s.State.Valid() {
		return fmt.Errorf("upsert %s: unknown state %q", s.ID, s.State)
	}
	return r.do(ctx, "upsert", func() error {
		now := r.clock.Now()
		if prev, ok := r.entities[s.ID]; ok {
			if !types.CanTransition(prev.State, s.State) {
				return fmt.Errorf("upsert %s %s→%s: %w", s.ID, prev.State, s.State, types.ErrInvalidTransition)
			}
			s.CreatedAt = prev.CreatedAt
		} else if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		s.UpdatedAt = now
		r.entities[s.ID] = s.Clone()
		return r.persist(s)
	})
}

func (r *Registry) Get(id string) (types.Strategy, error) {
	s, ok := r.Snapshot().Strategies[id]
	if !ok {
		return types.Strategy{}, fmt.Errorf("strategy %s: %w", id, types.ErrNotFound)
	}
	return s.Clone(), nil
}

// List 返回满足过滤条件的实体，按创建时间、id 排序。
func (r *Registry) List(filter types.StrategyFilter) []types.Strategy {
	snap := r.Snapshot()
	out := make([]types.Strategy, 0, len(snap.Strategies))
	for _, s := range snap.Strategies {
		if filter.Match(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.do(ctx, "delete", func() error {
		if _, ok := r.entities[id]; !ok {
			return fmt.Errorf("strategy %s: %w", id, types.ErrNotFound)
		}
		delete(r.entities, id)
		delete(r.dirty, id)
		return r.persistDelete(id)
	})
}

// DeleteIf 在 actor 内检查 check 后删除实体，check 返回错误时不删除。返回被删除的实体。
func (r *Registry) DeleteIf(ctx context.Context, id string, check func(types.Strategy) error) (types.Strategy, error) {
	var removed types.Strategy
	err := r.do(ctx, "delete", func() error {
		cur, ok := r.entities[id]
		if !ok {
			return fmt.Errorf("strategy %s: %w", id, types.ErrNotFound)
		}
		if check != nil {
			if err := check(cur.Clone()); err != nil {
				return err
			}
		}
		removed = cur.Clone()
		delete(r.entities, id)
		delete(r.dirty, id)
		return r.persistDelete(id)
	})
	return removed, err
}

// Update 原子地读取-修改-写入单个实体。fn 返回错误时不做任何修改。
// fn 修改 State 时同样需要满足合法迁移。
func (r *Registry) Update(ctx context.Context, id string, fn func(*types.Strategy) error) (types.Strategy, error) {
	var out types.Strategy
	err := r.do(ctx, "update", func() error {
		updated, err := r.apply(id, "", fn)
		out = updated
		return err
	})
	return out, err
}

// Transition 将实体迁移到 to 状态（可同时修改其他字段），并写入一条历史事件。
func (r *Registry) Transition(ctx context.Context, id string, to types.LifecycleState, fn func(*types.Strategy) error) (types.Strategy, error) {
	var out types.Strategy
	err := r.do(ctx, "transition", func() error {
		prev, ok := r.entities[id]
		if !ok {
			return fmt.Errorf("strategy %s: %w", id, types.ErrNotFound)
		}
		updated, err := r.apply(id, to, fn)
		out = updated
		if updated.ID == "" {
			return err
		}
		if prev.State != updated.State {
			r.appendEvent(types.HistoryEvent{
				StrategyID: id,
				Kind:       types.EventTransition,
				Message:    fmt.Sprintf("%s → %s", prev.State, updated.State),
				CreatedAt:  r.clock.Now(),
			})
		}
		return err
	})
	return out, err
}

// apply 在 actor 内执行修改；返回的实体 ID 为空表示未发生修改。
func (r *Registry) apply(id string, to types.LifecycleState, fn func(*types.Strategy) error) (types.Strategy, error) {
	prev, ok := r.entities[id]
	if !ok {
		return types.Strategy{}, fmt.Errorf("strategy %s: %w", id, types.ErrNotFound)
	}
	next := prev.Clone()
	if to != "" {
		next.State = to
	}
	if fn != nil {
		if err := fn(&next); err != nil {
			return types.Strategy{}, err
		}
	}
	if next.ID != prev.ID {
		return types.Strategy{}, fmt.Errorf("strategy %s: id is immutable", id)
	}
	if !types.CanTransition(prev.State, next.State) {
		return types.Strategy{}, fmt.Errorf("strategy %s %s→%s: %w", id, prev.State, next.State, types.ErrInvalidTransition)
	}
	next.CreatedAt = prev.CreatedAt
	next.UpdatedAt = r.clock.Now()
	r.entities[id] = next
	return next.Clone(), r.persist(next)
}

func (r *Registry) appendEvent(evt types.HistoryEvent) {
	if r.store == nil {
		return
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = r.clock.Now()
	}
	ctx, cancel := r.persistCtx()
	defer cancel()
	if err := r.store.AppendEvent(ctx, &evt); err != nil {
		r.metrics.RecordPersistenceFailure("history")
		logger.Warnf("[registry] 写入 %s 历史事件失败: %v", evt.StrategyID, err)
	}
}

// AppendHistory 为实体追加一条历史事件。details 会被序列化为 JSON。
func (r *Registry) AppendHistory(ctx context.Context, id string, kind types.EventKind, message string, details any) error {
	var raw json.RawMessage
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("history details for %s: %w", id, err)
		}
		raw = data
	}
	return r.do(ctx, "history", func() error {
		if r.store == nil {
			return nil
		}
		evt := types.HistoryEvent{StrategyID: id, Kind: kind, Message: message, Details: raw, CreatedAt: r.clock.Now()}
		pctx, cancel := r.persistCtx()
		defer cancel()
		if err := r.store.AppendEvent(pctx, &evt); err != nil {
			r.metrics.RecordPersistenceFailure("history")
			return fmt.Errorf("append history %s: %w: %v", id, types.ErrPersistence, err)
		}
		return nil
	})
}

func (r *Registry) History(ctx context.Context, id string, limit int) ([]types.HistoryEvent, error) {
	if r.store == nil {
		return nil, nil
	}
	return r.store.ListEvents(ctx, id, limit)
}

// AppendPromotion 写入晋升记录。记录只追加，写入失败直接返回错误。
func (r *Registry) AppendPromotion(ctx context.Context, rec types.PromotionRecord) (types.PromotionRecord, error) {
	err := r.do(ctx, "promotion", func() error {
		if _, ok := r.entities[rec.StrategyID]; !ok {
			return fmt.Errorf("strategy %s: %w", rec.StrategyID, types.ErrNotFound)
		}
		if rec.PromotedAt.IsZero() {
			rec.PromotedAt = r.clock.Now()
		}
		if r.store != nil {
			pctx, cancel := r.persistCtx()
			defer cancel()
			if err := r.store.AppendPromotion(pctx, &rec); err != nil {
				r.metrics.RecordPersistenceFailure("promotion")
				return fmt.Errorf("append promotion %s: %w: %v", rec.StrategyID, types.ErrPersistence, err)
			}
		}
		r.lastPromotion[rec.StrategyID] = rec
		return nil
	})
	return rec, err
}

func (r *Registry) Promotions(ctx context.Context, id string) ([]types.PromotionRecord, error) {
	if r.store == nil {
		if rec, ok := r.LatestPromotion(id); ok {
			return []types.PromotionRecord{rec}, nil
		}
		return nil, nil
	}
	return r.store.ListPromotions(ctx, id)
}

func (r *Registry) LatestPromotion(id string) (types.PromotionRecord, bool) {
	rec, ok := r.Snapshot().LastPromotion[id]
	return rec, ok
}

// Counts 返回每个生命周期状态的实体数量（包含数量为 0 的状态）。
func (r *Registry) Counts() map[types.LifecycleState]int {
	out := make(map[types.LifecycleState]int, len(types.AllStates))
	for _, st := range types.AllStates {
		out[st] = 0
	}
	for _, s := range r.Snapshot().Strategies {
		out[s.State]++
	}
	return out
}

// Flush 重试所有未持久化的修改。
func (r *Registry) Flush(ctx context.Context) error {
	return r.do(ctx, "flush", r.flushDirty)
}

// Pending 返回尚未落盘的记录数。
func (r *Registry) Pending() int {
	return r.Snapshot().Dirty
}
