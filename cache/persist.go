package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stagehand-dev/stagehand/types"
)

// PersistedEntry is the durable representation of one cache entry.
type PersistedEntry struct {
	Key            string    `json:"key"`
	Value          string    `json:"value"`
	InsertedAt     time.Time `json:"inserted_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	HitCount       uint64    `json:"hit_count"`
}

// Persister stores cache snapshots durably. Load errors carrying the
// CACHE_CORRUPTION code are recoverable: the cache starts cold.
type Persister interface {
	Persist(ctx context.Context, entries []PersistedEntry) error
	Load(ctx context.Context) ([]PersistedEntry, error)
}

// FilePersister writes snapshots to a single JSON file using the
// write-to-temp-then-atomic-rename pattern: readers observe either the
// previous snapshot or the complete new one, never a partial file.
type FilePersister struct {
	path string
}

// NewFilePersister creates a persister writing to path.
func NewFilePersister(path string) (*FilePersister, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FilePersister{path: path}, nil
}

func (p *FilePersister) Persist(ctx context.Context, entries []PersistedEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache snapshot: %w", err)
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache snapshot: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("rename cache snapshot: %w", err)
	}
	return nil
}

func (p *FilePersister) Load(ctx context.Context) ([]PersistedEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache snapshot: %w", err)
	}

	var entries []PersistedEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, types.NewErrorf(types.ErrCacheCorruption,
			"corrupt cache snapshot at %s", p.path).WithCause(err)
	}
	return entries, nil
}

// RedisPersister stores the snapshot in a Redis hash, one field per
// cache key. Useful when several engine instances share warm lookups.
type RedisPersister struct {
	client  *redis.Client
	hashKey string
}

// NewRedisPersister connects to Redis and verifies the connection.
func NewRedisPersister(addr, password string, db int, hashKey string) (*RedisPersister, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if hashKey == "" {
		hashKey = "stagehand:cache"
	}
	return &RedisPersister{client: client, hashKey: hashKey}, nil
}

func (p *RedisPersister) Persist(ctx context.Context, entries []PersistedEntry) error {
	pipe := p.client.TxPipeline()
	pipe.Del(ctx, p.hashKey)
	if len(entries) > 0 {
		fields := make(map[string]any, len(entries))
		for _, e := range entries {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("marshal cache entry %q: %w", e.Key, err)
			}
			fields[e.Key] = data
		}
		pipe.HSet(ctx, p.hashKey, fields)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist cache to redis: %w", err)
	}
	return nil
}

func (p *RedisPersister) Load(ctx context.Context) ([]PersistedEntry, error) {
	fields, err := p.client.HGetAll(ctx, p.hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load cache from redis: %w", err)
	}

	entries := make([]PersistedEntry, 0, len(fields))
	for key, raw := range fields {
		var e PersistedEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, types.NewErrorf(types.ErrCacheCorruption,
				"corrupt cache entry %q in redis", key).WithCause(err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Close releases the Redis connection.
func (p *RedisPersister) Close() error {
	return p.client.Close()
}
