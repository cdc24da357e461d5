// Package cache implements the read-through cache over the local store's
// cache table. Expensive or remote fetches are performed once per TTL window;
// everything else is served from the durable cache rows.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sfdcai/mediasync/internal/store"
	"github.com/sfdcai/mediasync/internal/types"
)

// FetchFunc produces the value for a key on a cache miss.
type FetchFunc func(ctx context.Context) (json.RawMessage, error)

// Store is the subset of the local store the cache layer needs.
type Store interface {
	GetCacheEntry(ctx context.Context, key string, now time.Time) (*store.CacheEntry, error)
	PutCacheEntry(ctx context.Context, entry *store.CacheEntry) error
	TouchCacheEntry(ctx context.Context, key string, accessedAt time.Time) error
	InvalidateCache(ctx context.Context, endpointPattern string) (int64, error)
	ClearCache(ctx context.Context) (int64, error)
	CountCacheEntries(ctx context.Context) (int64, error)
}

// Cache is the read-through cache layer. Hit/miss counters are in-memory;
// the entries themselves are durable.
type Cache struct {
	store Store

	total  atomic.Int64
	hits   atomic.Int64
	misses atomic.Int64

	now func() time.Time
}

// New creates a Cache over the given store.
func New(s Store) *Cache {
	return &Cache{
		store: s,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the cached value for key if a fresh entry exists, bumping its
// access counters. Otherwise it invokes fetch, stores the result with
// expires_at = now + ttl, and returns it. A fetch failure propagates to the
// caller and is never cached. An unreadable entry is treated as a miss and
// heals on the next successful fetch.
func (c *Cache) Get(ctx context.Context, key, endpoint string, ttl time.Duration, fetch FetchFunc) (json.RawMessage, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("cache get %q: ttl must be positive", key)
	}

	c.total.Add(1)
	now := c.now()

	entry, err := c.store.GetCacheEntry(ctx, key, now)
	switch {
	case err == nil:
		c.hits.Add(1)
		if err := c.store.TouchCacheEntry(ctx, key, now); err != nil {
			slog.Warn("cache touch failed",
				"component", "cache",
				"key", key,
				"error", err,
			)
		}
		return entry.Value, nil

	case errors.Is(err, store.ErrCorrupt):
		slog.Warn("corrupt cache entry treated as miss",
			"component", "cache",
			"key", key,
		)

	case errors.Is(err, store.ErrNotFound):
		// Miss.

	default:
		return nil, fmt.Errorf("cache read %q: %w", key, err)
	}

	c.misses.Add(1)

	value, err := fetch(ctx)
	if err != nil {
		return nil, err
	}

	put := &store.CacheEntry{
		Key:          key,
		Value:        value,
		Endpoint:     endpoint,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		AccessCount:  0,
		LastAccessed: now,
	}
	if err := c.store.PutCacheEntry(ctx, put); err != nil {
		return nil, fmt.Errorf("cache store %q: %w", key, err)
	}

	return value, nil
}

// Invalidate bulk-deletes entries whose endpoint matches the SQL LIKE pattern.
// Returns the number of entries removed.
func (c *Cache) Invalidate(ctx context.Context, endpointPattern string) (int64, error) {
	removed, err := c.store.InvalidateCache(ctx, endpointPattern)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		slog.Info("cache invalidated",
			"component", "cache",
			"pattern", endpointPattern,
			"removed", removed,
		)
	}
	return removed, nil
}

// Clear deletes every cache entry. Returns the number removed.
func (c *Cache) Clear(ctx context.Context) (int64, error) {
	return c.store.ClearCache(ctx)
}

// Stats returns the cache effectiveness counters for this process.
func (c *Cache) Stats(ctx context.Context) types.CacheStats {
	total := c.total.Load()
	hits := c.hits.Load()

	var rate float64
	if total > 0 {
		rate = float64(hits) / float64(total)
	}

	entries, err := c.store.CountCacheEntries(ctx)
	if err != nil {
		slog.Warn("cache entry count failed", "component", "cache", "error", err)
	}

	return types.CacheStats{
		TotalRequests: total,
		CacheHits:     hits,
		CacheMisses:   c.misses.Load(),
		HitRate:       rate,
		Entries:       entries,
	}
}
