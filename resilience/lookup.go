package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stagehand-dev/stagehand/cache"
	"github.com/stagehand-dev/stagehand/types"
)

// LookupFunc is the external knowledge-lookup collaborator contract:
// it returns the value for a key, or an error. The engine treats it as
// opaque, possibly slow, possibly failing.
type LookupFunc func(ctx context.Context, key string) (string, error)

// LookupConfig configures the protected lookup client.
type LookupConfig struct {
	// CallName names the protected call for breaker bookkeeping.
	CallName string `yaml:"call_name" json:"call_name"`
	// RatePerSecond caps outbound calls to the collaborator.
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	// RateBurst is the limiter burst size.
	RateBurst int `yaml:"rate_burst" json:"rate_burst"`
}

// DefaultLookupConfig returns the default lookup configuration.
func DefaultLookupConfig() LookupConfig {
	return LookupConfig{
		CallName:      "knowledge_lookup",
		RatePerSecond: 10,
		RateBurst:     5,
	}
}

// LookupClient fronts the knowledge-lookup collaborator with the
// non-blocking cache, a circuit breaker, and a rate limiter. The cache
// is consulted before any external call; stale hits are served while a
// background refresh repopulates them.
type LookupClient struct {
	source   LookupFunc
	breakers *Registry
	cache    *cache.Cache
	limiter  *rate.Limiter
	callName string
	logger   *zap.Logger

	mu         sync.Mutex
	refreshing map[string]bool
}

// NewLookupClient builds a protected lookup client. breakers and c
// must be non-nil; the client does not own their lifecycle.
func NewLookupClient(config LookupConfig, source LookupFunc, breakers *Registry, c *cache.Cache, logger *zap.Logger) *LookupClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.CallName == "" {
		config.CallName = DefaultLookupConfig().CallName
	}
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = DefaultLookupConfig().RatePerSecond
	}
	if config.RateBurst <= 0 {
		config.RateBurst = DefaultLookupConfig().RateBurst
	}
	return &LookupClient{
		source:     source,
		breakers:   breakers,
		cache:      c,
		limiter:    rate.NewLimiter(rate.Limit(config.RatePerSecond), config.RateBurst),
		callName:   config.CallName,
		logger:     logger.With(zap.String("component", "lookup_client")),
		refreshing: make(map[string]bool),
	}
}

// Lookup returns the value for key. The second return is false on a
// miss with no error: a fast-failed circuit returns the CIRCUIT_OPEN
// error so the caller can pick a fallback.
func (c *LookupClient) Lookup(ctx context.Context, key string) (string, bool, error) {
	if value, ok := c.cache.Get(key); ok {
		if c.cache.Staleness(key) == cache.StalenessStale {
			c.refreshAsync(key)
		}
		return value, true, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", false, err
	}

	var value string
	err := c.breakers.Execute(ctx, c.callName, func(ctx context.Context) error {
		v, err := c.source(ctx, key)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		return "", false, err
	}

	c.cache.Put(key, value)
	return value, true, nil
}

// refreshAsync repopulates a stale key in the background. At most one
// refresh per key is in flight, and refreshes never consume the
// caller's deadline.
func (c *LookupClient) refreshAsync(key string) {
	c.mu.Lock()
	if c.refreshing[key] {
		c.mu.Unlock()
		return
	}
	c.refreshing[key] = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.refreshing, key)
			c.mu.Unlock()
		}()

		if !c.limiter.Allow() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := c.breakers.Execute(ctx, c.callName, func(ctx context.Context) error {
			v, err := c.source(ctx, key)
			if err != nil {
				return err
			}
			c.cache.Put(key, v)
			return nil
		})
		if err != nil && !types.IsCode(err, types.ErrCircuitOpen) {
			c.logger.Debug("background refresh failed",
				zap.String("key", key), zap.Error(err))
		}
	}()
}
