package config

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ValidateFunc vets a candidate configuration before it is applied.
type ValidateFunc func(*Config) error

// ChangeCallback is notified after a new configuration is applied.
// changed lists the dotted yaml paths that differ from the previous
// configuration.
type ChangeCallback func(old, updated *Config, changed []string)

// ConfigSnapshot records one applied configuration for the history
// ring.
type ConfigSnapshot struct {
	AppliedAt time.Time `json:"applied_at"`
	Changed   []string  `json:"changed,omitempty"`
	Config    *Config   `json:"-"`
}

// HotReloadManager re-reads the configuration file when it changes,
// validates the result, and swaps it in atomically. The previous
// configuration is kept for rollback, and a bounded history of applied
// configurations is retained for inspection.
type HotReloadManager struct {
	mu sync.RWMutex

	current    *Config
	previous   *Config
	configPath string
	envPrefix  string

	history    []ConfigSnapshot
	maxHistory int

	validate  ValidateFunc
	callbacks []ChangeCallback

	watcher *FileWatcher
	logger  *zap.Logger
}

// ManagerOption configures a HotReloadManager.
type ManagerOption func(*HotReloadManager)

// WithValidateFunc sets the validation hook run on every candidate
// configuration. Defaults to Config.Validate.
func WithValidateFunc(fn ValidateFunc) ManagerOption {
	return func(m *HotReloadManager) { m.validate = fn }
}

// WithMaxHistory bounds the applied-configuration history.
func WithMaxHistory(n int) ManagerOption {
	return func(m *HotReloadManager) {
		if n > 0 {
			m.maxHistory = n
		}
	}
}

// NewHotReloadManager wraps an initial configuration loaded from
// configPath.
func NewHotReloadManager(configPath string, initial *Config, logger *zap.Logger, opts ...ManagerOption) *HotReloadManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &HotReloadManager{
		current:    initial,
		configPath: configPath,
		envPrefix:  "STAGEHAND",
		maxHistory: 10,
		validate:   func(c *Config) error { return c.Validate() },
		logger:     logger.With(zap.String("component", "config_reload")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the active configuration. Callers must treat it as
// read-only.
func (m *HotReloadManager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a callback fired after each applied reload.
func (m *HotReloadManager) OnChange(fn ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Reload re-reads the configuration file and applies it if valid. An
// invalid candidate leaves the active configuration untouched.
func (m *HotReloadManager) Reload() error {
	candidate, err := NewLoader().
		WithConfigPath(m.configPath).
		WithEnvPrefix(m.envPrefix).
		Load()
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	if err := m.validate(candidate); err != nil {
		m.logger.Warn("rejected config reload", zap.Error(err))
		return fmt.Errorf("reload rejected: %w", err)
	}

	m.mu.Lock()
	old := m.current
	changed := diffPaths(old, candidate)
	if len(changed) == 0 {
		m.mu.Unlock()
		return nil
	}
	m.previous = old
	m.current = candidate
	m.pushHistory(ConfigSnapshot{AppliedAt: time.Now(), Changed: changed, Config: candidate})
	callbacks := make([]ChangeCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	m.logger.Info("config reloaded", zap.Strings("changed", changed))
	for _, fn := range callbacks {
		fn(old, candidate, changed)
	}
	return nil
}

// Rollback restores the previously applied configuration.
func (m *HotReloadManager) Rollback() error {
	m.mu.Lock()
	if m.previous == nil {
		m.mu.Unlock()
		return fmt.Errorf("no previous config to roll back to")
	}
	old := m.current
	restored := m.previous
	changed := diffPaths(old, restored)
	m.current = restored
	m.previous = nil
	m.pushHistory(ConfigSnapshot{AppliedAt: time.Now(), Changed: changed, Config: restored})
	callbacks := make([]ChangeCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	m.logger.Info("config rolled back", zap.Strings("changed", changed))
	for _, fn := range callbacks {
		fn(old, restored, changed)
	}
	return nil
}

// History returns the applied-configuration history, newest last.
func (m *HotReloadManager) History() []ConfigSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ConfigSnapshot, len(m.history))
	copy(out, m.history)
	return out
}

// Watch starts a file watcher on the configuration file and reloads on
// every observed change until ctx is cancelled or Stop is called.
func (m *HotReloadManager) Watch(ctx context.Context, pollInterval time.Duration) {
	m.mu.Lock()
	if m.watcher != nil {
		m.mu.Unlock()
		return
	}
	w := NewFileWatcher([]string{m.configPath}, pollInterval, m.logger)
	m.watcher = w
	m.mu.Unlock()

	w.OnChange(func(ev FileEvent) {
		if err := m.Reload(); err != nil {
			m.logger.Warn("config reload failed", zap.String("path", ev.Path), zap.Error(err))
		}
	})
	w.Start(ctx)
}

// Stop halts the file watcher started by Watch.
func (m *HotReloadManager) Stop() {
	m.mu.Lock()
	w := m.watcher
	m.watcher = nil
	m.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

// pushHistory appends to the bounded history ring. Caller holds mu.
func (m *HotReloadManager) pushHistory(s ConfigSnapshot) {
	m.history = append(m.history, s)
	if len(m.history) > m.maxHistory {
		m.history = m.history[len(m.history)-m.maxHistory:]
	}
}

// diffPaths lists the dotted yaml paths whose values differ between
// two configurations.
func diffPaths(a, b *Config) []string {
	var changed []string
	diffValue(reflect.ValueOf(*a), reflect.ValueOf(*b), "", &changed)
	sort.Strings(changed)
	return changed
}

func diffValue(a, b reflect.Value, prefix string, changed *[]string) {
	if a.Kind() != reflect.Struct {
		if !reflect.DeepEqual(a.Interface(), b.Interface()) {
			*changed = append(*changed, prefix)
		}
		return
	}
	t := a.Type()
	for i := 0; i < a.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			continue
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		diffValue(a.Field(i), b.Field(i), path, changed)
	}
}
