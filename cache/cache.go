package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stagehand-dev/stagehand/types"
)

// StalenessClass buckets an entry's age so callers can decide whether
// a value is too old to serve without a background refresh.
type StalenessClass string

const (
	StalenessFresh StalenessClass = "fresh"
	StalenessAging StalenessClass = "aging"
	StalenessStale StalenessClass = "stale"
)

// Config controls cache behavior.
type Config struct {
	// Capacity bounds the number of entries; insertion beyond it
	// evicts the least-recently-used entry.
	Capacity int `yaml:"capacity" json:"capacity"`
	// AgingAfter is the age at which an entry leaves the fresh class.
	AgingAfter types.Duration `yaml:"aging_after" json:"aging_after"`
	// StaleAfter is the age at which an entry becomes stale.
	StaleAfter types.Duration `yaml:"stale_after" json:"stale_after"`
	// PersistDebounce batches rapid writes into one persistence pass.
	PersistDebounce types.Duration `yaml:"persist_debounce" json:"persist_debounce"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:        1024,
		AgingAfter:      types.Duration(5 * time.Minute),
		StaleAfter:      types.Duration(30 * time.Minute),
		PersistDebounce: types.Duration(250 * time.Millisecond),
	}
}

type entry struct {
	key          string
	value        string
	insertedAt   time.Time
	lastAccessed atomic.Int64 // unix nanos
	hits         atomic.Uint64
}

func (e *entry) touch() {
	e.lastAccessed.Store(time.Now().UnixNano())
	e.hits.Add(1)
}

// Recorder observes cache traffic for an external metrics sink. All
// methods are called on hot paths and must not block.
type Recorder interface {
	RecordCacheHit()
	RecordCacheMiss()
	RecordCacheEviction()
}

// Option configures a Cache.
type Option func(*Cache)

// WithRecorder forwards hit, miss, and eviction counts to r in
// addition to the cache's own Stats counters.
func WithRecorder(r Recorder) Option {
	return func(c *Cache) { c.recorder = r }
}

// Cache is a bounded LRU key/value store. Get never blocks on Put:
// values live in a sync.Map, and recency notes from readers are
// drained by the next writer rather than taken under a shared lock.
type Cache struct {
	config    Config
	persister Persister
	recorder  Recorder
	logger    *zap.Logger

	entries sync.Map // key -> *entry

	// mu guards the recency list and index; only writers take it.
	mu    sync.Mutex
	ll    *list.List // front = most recently used
	index map[string]*list.Element

	accessCh chan string
	dirtyCh  chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// New creates a cache. persister may be nil for a purely in-memory
// cache. A persisted snapshot that fails to load is logged and
// discarded; the cache starts cold.
func New(config Config, persister Persister, logger *zap.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Capacity <= 0 {
		config.Capacity = DefaultConfig().Capacity
	}
	if config.PersistDebounce <= 0 {
		config.PersistDebounce = DefaultConfig().PersistDebounce
	}

	c := &Cache{
		config:    config,
		persister: persister,
		logger:    logger.With(zap.String("component", "cache")),
		ll:        list.New(),
		index:     make(map[string]*list.Element),
		accessCh:  make(chan string, 1024),
		dirtyCh:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if persister != nil {
		c.loadPersisted()
		c.wg.Add(1)
		go c.persistLoop()
	}

	return c
}

// Get returns the cached value. A miss returns ("", false), not an
// error; callers decide whether to fall back to a slower path.
func (c *Cache) Get(key string) (string, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		c.misses.Add(1)
		if c.recorder != nil {
			c.recorder.RecordCacheMiss()
		}
		return "", false
	}
	e := v.(*entry)
	e.touch()
	c.hits.Add(1)
	if c.recorder != nil {
		c.recorder.RecordCacheHit()
	}

	// Recency note for the eviction list; dropped under pressure
	// rather than blocking the reader.
	select {
	case c.accessCh <- key:
	default:
	}

	return e.value, true
}

// Staleness classifies the entry's age. Unknown keys are stale.
func (c *Cache) Staleness(key string) StalenessClass {
	v, ok := c.entries.Load(key)
	if !ok {
		return StalenessStale
	}
	age := time.Since(v.(*entry).insertedAt)
	switch {
	case c.config.StaleAfter > 0 && age >= c.config.StaleAfter.Std():
		return StalenessStale
	case c.config.AgingAfter > 0 && age >= c.config.AgingAfter.Std():
		return StalenessAging
	default:
		return StalenessFresh
	}
}

// Put inserts or replaces a value. The update is visible to readers
// immediately; durable persistence happens in the background.
func (c *Cache) Put(key, value string) {
	e := &entry{key: key, value: value, insertedAt: time.Now()}
	e.lastAccessed.Store(e.insertedAt.UnixNano())

	c.mu.Lock()
	c.drainAccessNotes()

	c.entries.Store(key, e)
	if elem, ok := c.index[key]; ok {
		c.ll.MoveToFront(elem)
		elem.Value = key
	} else {
		c.index[key] = c.ll.PushFront(key)
		if c.ll.Len() > c.config.Capacity {
			c.evictOldest()
		}
	}
	c.mu.Unlock()

	c.markDirty()
}

// Delete removes a key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	c.entries.Delete(key)
	if elem, ok := c.index[key]; ok {
		c.ll.Remove(elem)
		delete(c.index, key)
	}
	c.mu.Unlock()
	c.markDirty()
}

// drainAccessNotes applies queued reader recency notes to the LRU
// list. Caller holds c.mu.
func (c *Cache) drainAccessNotes() {
	for {
		select {
		case key := <-c.accessCh:
			if elem, ok := c.index[key]; ok {
				c.ll.MoveToFront(elem)
			}
		default:
			return
		}
	}
}

// evictOldest removes the least-recently-used entry. Caller holds c.mu.
func (c *Cache) evictOldest() {
	back := c.ll.Back()
	if back == nil {
		return
	}
	key := back.Value.(string)
	c.ll.Remove(back)
	delete(c.index, key)
	c.entries.Delete(key)
	c.evictions.Add(1)
	if c.recorder != nil {
		c.recorder.RecordCacheEviction()
	}
	c.logger.Debug("evicted LRU entry", zap.String("key", key))
}

func (c *Cache) markDirty() {
	if c.persister == nil {
		return
	}
	select {
	case c.dirtyCh <- struct{}{}:
	default:
	}
}

// Stats reports cache counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	size := c.ll.Len()
	c.mu.Unlock()
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      size,
		Capacity:  c.config.Capacity,
	}
}

// snapshot copies all live entries for persistence.
func (c *Cache) snapshot() []PersistedEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PersistedEntry, 0, c.ll.Len())
	// Back-to-front so reload re-inserts in LRU order, ending with the
	// most recent at the front.
	for elem := c.ll.Back(); elem != nil; elem = elem.Prev() {
		key := elem.Value.(string)
		v, ok := c.entries.Load(key)
		if !ok {
			continue
		}
		e := v.(*entry)
		out = append(out, PersistedEntry{
			Key:            e.key,
			Value:          e.value,
			InsertedAt:     e.insertedAt,
			LastAccessedAt: time.Unix(0, e.lastAccessed.Load()),
			HitCount:       e.hits.Load(),
		})
	}
	return out
}

func (c *Cache) loadPersisted() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	persisted, err := c.persister.Load(ctx)
	if err != nil {
		// Corruption is a miss, not a failure: start cold.
		c.logger.Warn("discarding persisted cache state", zap.Error(err))
		return
	}

	for _, pe := range persisted {
		e := &entry{key: pe.Key, value: pe.Value, insertedAt: pe.InsertedAt}
		e.lastAccessed.Store(pe.LastAccessedAt.UnixNano())
		e.hits.Store(pe.HitCount)

		c.mu.Lock()
		c.entries.Store(pe.Key, e)
		if _, ok := c.index[pe.Key]; !ok {
			c.index[pe.Key] = c.ll.PushFront(pe.Key)
			if c.ll.Len() > c.config.Capacity {
				c.evictOldest()
			}
		}
		c.mu.Unlock()
	}

	c.logger.Info("loaded persisted cache entries", zap.Int("count", len(persisted)))
}

// persistLoop debounces dirty signals and writes snapshots until Close.
func (c *Cache) persistLoop() {
	defer c.wg.Done()

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-c.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-c.dirtyCh:
			if timer == nil {
				timer = time.NewTimer(c.config.PersistDebounce.Std())
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(c.config.PersistDebounce.Std())
			}
			timerCh = timer.C
		case <-timerCh:
			timerCh = nil
			c.persistOnce()
		}
	}
}

func (c *Cache) persistOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.persister.Persist(ctx, c.snapshot()); err != nil {
		c.logger.Error("cache persistence failed", zap.Error(err))
	}
}

// Close stops the background worker and flushes a final snapshot.
func (c *Cache) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	close(c.done)
	c.wg.Wait()
	if c.persister != nil {
		c.persistOnce()
	}
	return nil
}
