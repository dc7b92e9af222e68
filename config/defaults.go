package config

import (
	"time"

	"github.com/stagehand-dev/stagehand/cache"
	"github.com/stagehand-dev/stagehand/resilience"
	"github.com/stagehand-dev/stagehand/types"
)

// DefaultConfig returns the configuration used when no file or
// environment overrides are present.
func DefaultConfig() *Config {
	return &Config{
		Log:       DefaultLogConfig(),
		Store:     DefaultStoreConfig(),
		Cache:     cache.DefaultConfig(),
		Redis:     DefaultRedisConfig(),
		Breaker:   resilience.DefaultBreakerConfig(),
		Lookup:    resilience.DefaultLookupConfig(),
		Scheduler: DefaultSchedulerConfig(),
		Metrics:   DefaultMetricsConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultLogConfig returns structured JSON logging at info level.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultStoreConfig returns the file backend under ./stagehand-data.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Backend: "file",
		Dir:     "stagehand-data",
		Path:    "stagehand.db",
	}
}

// DefaultRedisConfig returns a disabled local redis target.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled: false,
		Addr:    "localhost:6379",
		DB:      0,
		HashKey: "stagehand:cache",
	}
}

// DefaultSchedulerConfig leaves per-definition settings in charge and
// only fixes the loopback backoff curve.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BackoffBase: types.Duration(time.Second),
		BackoffMax:  types.Duration(30 * time.Second),
	}
}

// DefaultMetricsConfig returns the stagehand metrics namespace with no
// exposition listener.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace:  "stagehand",
		ListenAddr: "",
	}
}

// DefaultTelemetryConfig returns disabled telemetry pointed at a local
// collector.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "stagehand",
		SampleRate:   0.1,
	}
}
