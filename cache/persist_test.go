package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-dev/stagehand/types"
)

func TestRedisPersister_RoundTrip(t *testing.T) {
	t.Parallel()
	srv := miniredis.RunT(t)

	persister, err := NewRedisPersister(srv.Addr(), "", 0, "test:cache")
	require.NoError(t, err)
	defer persister.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	entries := []PersistedEntry{
		{Key: "a", Value: "1", InsertedAt: now, LastAccessedAt: now, HitCount: 3},
		{Key: "b", Value: "2", InsertedAt: now, LastAccessedAt: now},
	}

	require.NoError(t, persister.Persist(ctx, entries))

	loaded, err := persister.Load(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, entries, loaded)
}

func TestRedisPersister_PersistReplacesSnapshot(t *testing.T) {
	t.Parallel()
	srv := miniredis.RunT(t)

	persister, err := NewRedisPersister(srv.Addr(), "", 0, "test:cache")
	require.NoError(t, err)
	defer persister.Close()

	ctx := context.Background()
	require.NoError(t, persister.Persist(ctx, []PersistedEntry{{Key: "old", Value: "x"}}))
	require.NoError(t, persister.Persist(ctx, []PersistedEntry{{Key: "new", Value: "y"}}))

	loaded, err := persister.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "new", loaded[0].Key)
}

func TestRedisPersister_CorruptEntry(t *testing.T) {
	t.Parallel()
	srv := miniredis.RunT(t)

	persister, err := NewRedisPersister(srv.Addr(), "", 0, "test:cache")
	require.NoError(t, err)
	defer persister.Close()

	srv.HSet("test:cache", "bad", "{not json")

	_, err = persister.Load(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrCacheCorruption, types.GetErrorCode(err))
}

func TestRedisPersister_EmptySnapshot(t *testing.T) {
	t.Parallel()
	srv := miniredis.RunT(t)

	persister, err := NewRedisPersister(srv.Addr(), "", 0, "")
	require.NoError(t, err)
	defer persister.Close()

	ctx := context.Background()
	require.NoError(t, persister.Persist(ctx, nil))
	loaded, err := persister.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
