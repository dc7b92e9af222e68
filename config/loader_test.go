package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-dev/stagehand/types"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stagehand.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoader_DefaultsWithoutFile(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "file", cfg.Store.Backend)
	assert.Equal(t, 1024, cfg.Cache.Capacity)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/stagehand.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoader_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
log:
  level: debug
  format: console
store:
  backend: sqlite
  path: /var/lib/stagehand/runs.db
cache:
  capacity: 64
  stale_after: 10m
scheduler:
  max_parallel_steps: 8
  backoff_base: 2s
breaker:
  failure_threshold: 3
  cooldown: 45s
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "/var/lib/stagehand/runs.db", cfg.Store.Path)
	assert.Equal(t, 64, cfg.Cache.Capacity)
	assert.Equal(t, types.Duration(10*time.Minute), cfg.Cache.StaleAfter)
	assert.Equal(t, 8, cfg.Scheduler.MaxParallelSteps)
	assert.Equal(t, types.Duration(2*time.Second), cfg.Scheduler.BackoffBase)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, types.Duration(45*time.Second), cfg.Breaker.Cooldown)

	// Untouched sections keep their defaults.
	assert.Equal(t, "stagehand", cfg.Metrics.Namespace)
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "log:\n  level: warn\n")

	t.Setenv("STAGEHAND_LOG_LEVEL", "error")
	t.Setenv("STAGEHAND_SCHEDULER_MAX_PARALLEL_STEPS", "16")
	t.Setenv("STAGEHAND_SCHEDULER_BACKOFF_BASE", "250ms")
	t.Setenv("STAGEHAND_CACHE_CAPACITY", "2048")
	t.Setenv("STAGEHAND_REDIS_ENABLED", "true")
	t.Setenv("STAGEHAND_LOG_OUTPUT_PATHS", "stdout, /var/log/stagehand.log")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, 16, cfg.Scheduler.MaxParallelSteps)
	assert.Equal(t, types.Duration(250*time.Millisecond), cfg.Scheduler.BackoffBase)
	assert.Equal(t, 2048, cfg.Cache.Capacity, "embedded configs are env-overridable via yaml names")
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, []string{"stdout", "/var/log/stagehand.log"}, cfg.Log.OutputPaths)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("SH_TEST_LOG_LEVEL", "debug")

	cfg, err := NewLoader().WithEnvPrefix("SH_TEST").Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := writeConfigFile(t, "log: [not a mapping")

	_, err := NewLoader().WithConfigPath(path).Load()
	require.Error(t, err)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("STAGEHAND_CACHE_CAPACITY", "lots")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STAGEHAND_CACHE_CAPACITY")
}

func TestLoader_ValidatorRejects(t *testing.T) {
	boom := errors.New("no good")
	_, err := NewLoader().
		WithValidator(func(c *Config) error { return boom }).
		Load()
	require.Error(t, err)
	require.ErrorIs(t, err, boom)
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "log level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }, "store backend"},
		{"file backend without dir", func(c *Config) { c.Store.Backend = "file"; c.Store.Dir = "" }, "store.dir"},
		{"sqlite backend without path", func(c *Config) { c.Store.Backend = "sqlite"; c.Store.Path = "" }, "store.path"},
		{"zero cache capacity", func(c *Config) { c.Cache.Capacity = 0 }, "cache.capacity"},
		{"telemetry without endpoint", func(c *Config) { c.Telemetry.Enabled = true; c.Telemetry.OTLPEndpoint = "" }, "otlp_endpoint"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestMustLoad_PanicsOnBadConfig(t *testing.T) {
	path := writeConfigFile(t, "log: [broken")
	assert.Panics(t, func() { MustLoad(path) })
}
