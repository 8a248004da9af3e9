package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"quantforge/internal/clock"
	"quantforge/internal/store/memstore"
	"quantforge/internal/store/model"
	"quantforge/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) (*Registry, *memstore.Store, *clock.FakeClock) {
	t.Helper()
	st := memstore.New()
	clk := clock.Fake(t0)
	r := New(st, WithClock(clk))
	r.Start()
	t.Cleanup(r.Stop)
	return r, st, clk
}

func TestUpsertDefaultsAndTimestamps(t *testing.T) {
	r, _, clk := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Upsert(ctx, types.Strategy{ID: " s1 ", ArtifactPath: "/a.py"}))

	s, err := r.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, types.StateCreated, s.State)
	assert.Equal(t, t0, s.CreatedAt)

	clk.Advance(time.Hour)
	require.NoError(t, r.Upsert(ctx, types.Strategy{ID: "s1", ArtifactPath: "/b.py", CreatedAt: t0.Add(99 * time.Hour)}))
	s, _ = r.Get("s1")
	assert.Equal(t, t0, s.CreatedAt, "created_at is immutable")
	assert.Equal(t, t0.Add(time.Hour), s.UpdatedAt)
	assert.Equal(t, "/b.py", s.ArtifactPath)

	assert.Error(t, r.Upsert(ctx, types.Strategy{ID: ""}))
	assert.Error(t, r.Upsert(ctx, types.Strategy{ID: "x", State: "bogus"}))
}

func TestTransitionRules(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Upsert(ctx, types.Strategy{ID: "s1"}))

	_, err := r.Transition(ctx, "s1", types.StatePromoted, nil)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
	s, _ := r.Get("s1")
	assert.Equal(t, types.StateCreated, s.State)

	s, err = r.Transition(ctx, "s1", types.StateValidated, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StateValidated, s.State)

	_, err = r.Transition(ctx, "missing", types.StateValidated, nil)
	assert.ErrorIs(t, err, types.ErrNotFound)

	events, err := st.ListEvents(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventTransition, events[0].Kind)
	assert.Equal(t, "created → validated", events[0].Message)
}

func TestUpdateFnErrorLeavesEntityUntouched(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Upsert(ctx, types.Strategy{ID: "s1", Category: "trend"}))

	boom := errors.New("boom")
	_, err := r.Update(ctx, "s1", func(s *types.Strategy) error {
		s.Category = "changed"
		return boom
	})
	assert.ErrorIs(t, err, boom)
	s, _ := r.Get("s1")
	assert.Equal(t, "trend", s.Category)

	_, err = r.Update(ctx, "s1", func(s *types.Strategy) error {
		s.ID = "other"
		return nil
	})
	assert.Error(t, err)
}

func TestSnapshotIsIsolatedFromCallers(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Upsert(ctx, types.Strategy{ID: "s1", Score: types.Float64Ptr(0.2)}))

	s, _ := r.Get("s1")
	*s.Score = 9
	again, _ := r.Get("s1")
	assert.InDelta(t, 0.2, again.ScoreValue(), 1e-9)
}

func TestPersistenceFailureIsRetried(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	ctx := context.Background()
	st.FailWrites(true)
	err := r.Upsert(ctx, types.Strategy{ID: "s1"})
	assert.ErrorIs(t, err, types.ErrPersistence)

	s, err := r.Get("s1")
	require.NoError(t, err, "in-memory state survives a failed write")
	assert.Equal(t, "s1", s.ID)
	assert.Equal(t, 1, r.Pending())

	st.FailWrites(false)
	require.NoError(t, r.Flush(ctx))
	assert.Equal(t, 0, r.Pending())
	rows, _ := st.ListStrategyRows(ctx)
	assert.Len(t, rows, 1)
}

func TestLoadSkipsMalformedRows(t *testing.T) {
	st := memstore.New()
	good := model.NewStrategyModel(types.Strategy{ID: "good", State: types.StateEvaluated, CreatedAt: t0, UpdatedAt: t0})
	st.PutRawStrategy(good)
	st.PutRawStrategy(model.StrategyModel{ID: "bad-state", State: "unknown", CreatedAtUnix: t0.Unix()})
	st.PutRawStrategy(model.StrategyModel{ID: "bad-time", State: "created"})
	require.NoError(t, st.AppendPromotion(context.Background(), &types.PromotionRecord{StrategyID: "good", PromotedAt: t0, ScoreAtPromotion: 0.1}))
	require.NoError(t, st.AppendPromotion(context.Background(), &types.PromotionRecord{StrategyID: "good", PromotedAt: t0.Add(time.Hour), ScoreAtPromotion: 0.3}))

	r := New(st, WithClock(clock.Fake(t0)))
	r.Start()
	defer r.Stop()
	n, err := r.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = r.Get("bad-state")
	assert.ErrorIs(t, err, types.ErrNotFound)

	rec, ok := r.LatestPromotion("good")
	require.True(t, ok)
	assert.InDelta(t, 0.3, rec.ScoreAtPromotion, 1e-9)
}

func TestDeleteIfChecksInsideActor(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Upsert(ctx, types.Strategy{ID: "s1"}))

	veto := errors.New("keep")
	_, err := r.DeleteIf(ctx, "s1", func(types.Strategy) error { return veto })
	assert.ErrorIs(t, err, veto)
	_, err = r.Get("s1")
	require.NoError(t, err)

	removed, err := r.DeleteIf(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, "s1", removed.ID)
	_, err = r.Get("s1")
	assert.ErrorIs(t, err, types.ErrNotFound)
	rows, _ := st.ListStrategyRows(ctx)
	assert.Empty(t, rows)

	_, err = r.DeleteIf(ctx, "s1", nil)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Upsert(ctx, types.Strategy{ID: "s1", EvalTrades: 0}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Update(ctx, "s1", func(s *types.Strategy) error {
				s.EvalTrades++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	s, _ := r.Get("s1")
	assert.Equal(t, 50, s.EvalTrades)
}

func TestListFilterAndOrder(t *testing.T) {
	r, _, clk := newTestRegistry(t)
	ctx := context.Background()
	for i := 3; i >= 1; i-- {
		require.NoError(t, r.Upsert(ctx, types.Strategy{ID: fmt.Sprintf("s%d", i), Producer: "gold"}))
		clk.Advance(time.Minute)
	}
	require.NoError(t, r.Upsert(ctx, types.Strategy{ID: "p", Producer: "plain"}))

	var ids []string
	for _, s := range r.List(types.StrategyFilter{Producer: "GOLD"}) {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"s3", "s2", "s1"}, ids)

	counts := r.Counts()
	assert.Equal(t, 4, counts[types.StateCreated])
	assert.Equal(t, 0, counts[types.StatePromoted])
}

func TestAppendPromotionRequiresEntity(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.AppendPromotion(ctx, types.PromotionRecord{StrategyID: "ghost"})
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, r.Upsert(ctx, types.Strategy{ID: "s1"}))
	rec, err := r.AppendPromotion(ctx, types.PromotionRecord{StrategyID: "s1", ScoreAtPromotion: 0.4})
	require.NoError(t, err)
	assert.Equal(t, t0, rec.PromotedAt)
	list, err := r.Promotions(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStoppedRegistryRejectsCommands(t *testing.T) {
	r := New(memstore.New())
	err := r.Upsert(context.Background(), types.Strategy{ID: "s1"})
	assert.ErrorIs(t, err, errStopped)
}
