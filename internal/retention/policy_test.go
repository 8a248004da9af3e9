package retention

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"quantforge/internal/clock"
	"quantforge/internal/registry"
	"quantforge/internal/store/memstore"
	"quantforge/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

func newRegistry(t *testing.T) (*registry.Registry, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	reg := registry.New(st, registry.WithClock(clock.Fake(now)))
	reg.Start()
	t.Cleanup(reg.Stop)
	return reg, st
}

func newPolicy(reg *registry.Registry, tombstones bool) *Policy {
	return NewPolicy(Config{MaxAge: 30 * 24 * time.Hour, MinScore: 0.10, KeepTombstones: tombstones}, reg, WithClock(clock.Fake(now)))
}

func seed(t *testing.T, reg *registry.Registry, s types.Strategy) {
	t.Helper()
	require.NoError(t, reg.Upsert(context.Background(), s))
}

func TestSweepDeletesStaleLowScore(t *testing.T) {
	reg, _ := newRegistry(t)
	dir := t.TempDir()
	artifact := filepath.Join(dir, "s2.py")
	require.NoError(t, os.WriteFile(artifact, []byte("x"), 0o644))
	seed(t, reg, types.Strategy{
		ID:           "s2",
		ArtifactPath: artifact,
		State:        types.StateEvaluated,
		CreatedAt:    now.Add(-40 * 24 * time.Hour),
		Score:        types.Float64Ptr(0.05),
	})

	rep, err := newPolicy(reg, false).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, rep.Deleted)
	_, err = reg.Get("s2")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.NoFileExists(t, artifact)
}

func TestSweepKeepsTombstones(t *testing.T) {
	reg, _ := newRegistry(t)
	seed(t, reg, types.Strategy{
		ID:        "old",
		State:     types.StateValidated,
		CreatedAt: now.Add(-31 * 24 * time.Hour),
	})

	rep, err := newPolicy(reg, true).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, rep.Retired)
	s, err := reg.Get("old")
	require.NoError(t, err)
	assert.Equal(t, types.StateRetired, s.State)

	rep, err = newPolicy(reg, true).Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Retired)
}

func TestSweepSkipsSimulatingAndOtherStates(t *testing.T) {
	reg, _ := newRegistry(t)
	old := now.Add(-90 * 24 * time.Hour)
	seed(t, reg, types.Strategy{ID: "sim", State: types.StateSimulating, IsSimulating: true, CreatedAt: old, Score: types.Float64Ptr(0.01)})
	seed(t, reg, types.Strategy{ID: "promoted", State: types.StatePromoted, CreatedAt: old, Score: types.Float64Ptr(0.01)})
	seed(t, reg, types.Strategy{ID: "young", State: types.StateCreated, CreatedAt: now.Add(-time.Hour)})

	rep, err := newPolicy(reg, false).Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Deleted)
	assert.Len(t, reg.List(types.StrategyFilter{}), 3)
}

func TestSweepPersistenceFailureKeepsGoing(t *testing.T) {
	reg, st := newRegistry(t)
	old := now.Add(-60 * 24 * time.Hour)
	seed(t, reg, types.Strategy{ID: "a", State: types.StateCreated, CreatedAt: old})
	seed(t, reg, types.Strategy{ID: "b", State: types.StateCreated, CreatedAt: old})

	st.FailWrites(true)
	rep, err := newPolicy(reg, false).Sweep(context.Background())
	assert.ErrorIs(t, err, types.ErrPersistence)
	assert.ElementsMatch(t, []string{"a", "b"}, rep.Deleted)
	assert.Empty(t, reg.List(types.StrategyFilter{}))
	assert.Equal(t, 2, reg.Pending())

	st.FailWrites(false)
	require.NoError(t, reg.Flush(context.Background()))
	assert.Equal(t, 0, reg.Pending())
}

// Protected entities survive any population and any age.
func TestSweepNeverDeletesProtected(t *testing.T) {
	states := []types.LifecycleState{types.StateCreated, types.StateValidated, types.StateEvaluated, types.StateOptimized}
	for seedVal := int64(1); seedVal <= 20; seedVal++ {
		rng := rand.New(rand.NewSource(seedVal))
		reg, _ := newRegistry(t)
		protected := map[string]bool{}
		for i := 0; i < 40; i++ {
			s := types.Strategy{
				ID:        fmt.Sprintf("s%d_%d", seedVal, i),
				State:     states[rng.Intn(len(states))],
				CreatedAt: now.Add(-time.Duration(rng.Intn(120*24)) * time.Hour),
			}
			if rng.Intn(4) > 0 {
				s.Score = types.Float64Ptr(rng.Float64()*0.4 - 0.1)
			}
			seed(t, reg, s)
			if Protected(s, 0.10) {
				protected[s.ID] = true
			}
		}
		rep, err := newPolicy(reg, false).Sweep(context.Background())
		require.NoError(t, err)
		for _, id := range rep.Deleted {
			assert.False(t, protected[id], "seed %d deleted protected %s", seedVal, id)
		}
		for id := range protected {
			_, err := reg.Get(id)
			assert.NoError(t, err, "seed %d lost protected %s", seedVal, id)
		}
		for _, s := range reg.List(types.StrategyFilter{}) {
			ok, _ := newPolicy(reg, false).Decide(s, now)
			assert.False(t, ok, "seed %d left deletable %s", seedVal, s.ID)
		}
	}
}
