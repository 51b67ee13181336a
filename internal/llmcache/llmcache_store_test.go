package llmcache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tablerst/storyteller/internal/llmcache"
	"github.com/tablerst/storyteller/internal/store"
)

func newCache(t *testing.T) (*llmcache.Cache, *store.Store) {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return llmcache.New(db.DB()), db
}

func TestCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t)

	key := llmcache.Key("storyteller_generate", "model", "v0-mvp", "hash")
	_, err := c.Get(ctx, key)
	require.ErrorIs(t, err, llmcache.ErrMiss)

	require.NoError(t, c.Set(ctx, key, `{"narration": "x"}`, 0))
	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, `{"narration": "x"}`, got)

	// Overwrite replaces the value in place.
	require.NoError(t, c.Set(ctx, key, `{"narration": "y"}`, 0))
	got, err = c.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, `{"narration": "y"}`, got)
}

func TestCacheTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c, db := newCache(t)

	key := llmcache.Key("k")
	require.NoError(t, c.Set(ctx, key, "v", time.Hour))

	// Backdate the entry past its TTL; expiry is computed at read time.
	backdated := time.Now().UTC().Add(-2 * time.Hour).Format(time.RFC3339Nano)
	_, err := db.DB().ExecContext(ctx,
		`UPDATE llm_cache SET created_at = ? WHERE cache_key = ?`, backdated, key)
	require.NoError(t, err)

	_, err = c.Get(ctx, key)
	require.ErrorIs(t, err, llmcache.ErrMiss)

	// The expired row is deleted on read, not just masked.
	var count int
	require.NoError(t, db.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM llm_cache WHERE cache_key = ?`, key).Scan(&count))
	require.Equal(t, 0, count)
}

func TestCacheDelete(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t)

	key := llmcache.Key("corrupt")
	require.NoError(t, c.Set(ctx, key, "not json", 0))
	require.NoError(t, c.Delete(ctx, key))

	_, err := c.Get(ctx, key)
	require.ErrorIs(t, err, llmcache.ErrMiss)
}
