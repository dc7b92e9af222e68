package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newManagerFixture(t *testing.T, initialYAML string) (*HotReloadManager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stagehand.yaml")
	require.NoError(t, os.WriteFile(path, []byte(initialYAML), 0o644))

	initial, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	return NewHotReloadManager(path, initial, zap.NewNop()), path
}

func TestHotReload_AppliesValidChange(t *testing.T) {
	m, path := newManagerFixture(t, "log:\n  level: info\n")

	var mu sync.Mutex
	var gotChanged []string
	m.OnChange(func(old, updated *Config, changed []string) {
		mu.Lock()
		gotChanged = changed
		mu.Unlock()
		assert.Equal(t, "info", old.Log.Level)
		assert.Equal(t, "debug", updated.Log.Level)
	})

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644))
	require.NoError(t, m.Reload())

	assert.Equal(t, "debug", m.Current().Log.Level)
	mu.Lock()
	assert.Contains(t, gotChanged, "log.level")
	mu.Unlock()

	history := m.History()
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Changed, "log.level")
}

func TestHotReload_NoChangeIsQuiet(t *testing.T) {
	m, _ := newManagerFixture(t, "log:\n  level: info\n")

	var calls int
	m.OnChange(func(_, _ *Config, _ []string) { calls++ })

	require.NoError(t, m.Reload())
	assert.Zero(t, calls)
	assert.Empty(t, m.History())
}

func TestHotReload_RejectsInvalidCandidate(t *testing.T) {
	m, path := newManagerFixture(t, "log:\n  level: info\n")

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: extreme\n"), 0o644))
	err := m.Reload()
	require.Error(t, err)
	assert.Equal(t, "info", m.Current().Log.Level, "invalid candidate leaves active config untouched")
}

func TestHotReload_Rollback(t *testing.T) {
	m, path := newManagerFixture(t, "log:\n  level: info\n")

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o644))
	require.NoError(t, m.Reload())
	require.Equal(t, "warn", m.Current().Log.Level)

	require.NoError(t, m.Rollback())
	assert.Equal(t, "info", m.Current().Log.Level)

	// A second rollback has nothing to restore.
	require.Error(t, m.Rollback())
}

func TestHotReload_HistoryIsBounded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stagehand.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644))
	initial, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	m := NewHotReloadManager(path, initial, zap.NewNop(), WithMaxHistory(3))
	levels := []string{"debug", "warn", "error", "info", "debug"}
	for _, level := range levels {
		require.NoError(t, os.WriteFile(path, []byte("log:\n  level: "+level+"\n"), 0o644))
		require.NoError(t, m.Reload())
	}

	assert.Len(t, m.History(), 3)
	assert.Equal(t, "debug", m.Current().Log.Level)
}

func TestHotReload_CustomValidator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stagehand.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  max_parallel_steps: 2\n"), 0o644))
	initial, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	m := NewHotReloadManager(path, initial, zap.NewNop(), WithValidateFunc(func(c *Config) error {
		if c.Scheduler.MaxParallelSteps > 8 {
			return assert.AnError
		}
		return nil
	}))

	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  max_parallel_steps: 64\n"), 0o644))
	require.Error(t, m.Reload())
	assert.Equal(t, 2, m.Current().Scheduler.MaxParallelSteps)
}
