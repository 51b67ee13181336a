// Package llmcache implements the content-addressed LLM response
// cache: a KV store keyed by a composite hash, with TTL-on-read and
// corrupt-entry invalidation so a bad cached payload is never served
// twice.
package llmcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tablerst/storyteller/internal/hashing"
)

// ErrMiss is returned when a key is absent or has expired.
var ErrMiss = errors.New("llmcache: miss")

// Cache is a thin wrapper around the store's llm_cache table. It is safe
// for concurrent use: get/set/delete are each a single statement, atomic
// with respect to each other at the SQLite connection level.
type Cache struct {
	db *sql.DB
}

// New wraps the given database handle (normally store.Store.DB()).
func New(db *sql.DB) *Cache {
	return &Cache{db: db}
}

// Key builds a cache key from arbitrary parts, matching
// make_cache_key(parts...) = sha256("::".join(parts)).
func Key(parts ...string) string {
	return hashing.CacheKey(parts...)
}

// Get returns the raw cached value for key, or ErrMiss if absent or
// expired. Expiry is computed at read time from created_at+ttl_seconds,
// not enforced by a background sweeper.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	var value, created string
	var ttl int64
	err := c.db.QueryRowContext(ctx,
		`SELECT value, created_at, ttl_seconds FROM llm_cache WHERE cache_key = ?`, key).
		Scan(&value, &created, &ttl)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrMiss
		}
		return "", fmt.Errorf("llmcache get: %w", err)
	}

	if ttl > 0 {
		createdAt, perr := time.Parse(time.RFC3339Nano, created)
		if perr == nil && time.Since(createdAt) > time.Duration(ttl)*time.Second {
			_ = c.Delete(ctx, key)
			return "", ErrMiss
		}
	}
	return value, nil
}

// Set stores value under key with the given TTL (0 = no expiry).
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO llm_cache (cache_key, value, created_at, ttl_seconds)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET value = excluded.value,
		   created_at = excluded.created_at, ttl_seconds = excluded.ttl_seconds`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano), int64(ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("llmcache set: %w", err)
	}
	return nil
}

// Delete removes a cache entry. Called whenever a cached payload fails to
// parse as the caller's schema, so it is never served again.
func (c *Cache) Delete(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM llm_cache WHERE cache_key = ?`, key)
	if err != nil {
		return fmt.Errorf("llmcache delete: %w", err)
	}
	return nil
}
