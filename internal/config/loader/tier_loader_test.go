package loader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tiersV1 = `
default_weight: 0.4
producers:
  Gold:
    weight: 0.9
    note: curated
  wild:
    weight: 1.7
`

func TestTierLoaderReadsAndClamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(tiersV1), 0o644))

	l, err := NewTierLoader(path)
	require.NoError(t, err)
	assert.Equal(t, 0.9, l.Weight("gold"))
	assert.Equal(t, 0.9, l.Weight(" GOLD "))
	assert.Equal(t, 1.0, l.Weight("wild"))
	assert.Equal(t, 0.4, l.Weight("unknown"))
	assert.Equal(t, []string{"wild", "gold"}, l.Snapshot().Names())
}

func TestTierLoaderHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(tiersV1), 0o644))
	l, err := NewTierLoader(path)
	require.NoError(t, err)

	updates := make(chan TierSnapshot, 8)
	l.Subscribe(func(s TierSnapshot) { updates <- s })
	select {
	case s := <-updates:
		assert.Equal(t, int64(1), s.Version)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive initial snapshot")
	}

	require.NoError(t, os.WriteFile(path, []byte("default_weight: 0.2\nproducers:\n  gold:\n    weight: 0.3\n"), 0o644))
	require.Eventually(t, func() bool { return l.Weight("gold") == 0.3 }, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, 0.2, l.Weight("unknown"))
}

func TestStaticAndNilLoader(t *testing.T) {
	l := Static(0, map[string]float64{"Manual": 0.8, "neg": -1})
	assert.Equal(t, 0.8, l.Weight("manual"))
	assert.Equal(t, 0.0, l.Weight("neg"))
	assert.Equal(t, defaultTierWeight, l.Weight("other"))

	var nilLoader *TierLoader
	assert.Equal(t, defaultTierWeight, nilLoader.Weight("x"))
}

func TestNewTierLoaderErrors(t *testing.T) {
	_, err := NewTierLoader("")
	assert.Error(t, err)
	_, err = NewTierLoader(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
