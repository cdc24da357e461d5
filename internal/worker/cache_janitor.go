package worker

import (
	"context"
	"log/slog"
	"time"
)

// JanitorStore defines the cache table operations the janitor needs.
// Implemented by SQLiteStore.
type JanitorStore interface {
	DeleteExpiredCache(ctx context.Context, now time.Time) (int64, error)
	EvictLRU(ctx context.Context, maxSize int) (int64, error)
}

// CacheJanitor periodically deletes expired cache entries and evicts the
// least-recently-accessed entries when the cache exceeds its size limit.
type CacheJanitor struct {
	store    JanitorStore
	interval time.Duration
	maxSize  int

	now func() time.Time
}

// NewCacheJanitor creates the cache maintenance worker.
func NewCacheJanitor(s JanitorStore, interval time.Duration, maxSize int) *CacheJanitor {
	return &CacheJanitor{
		store:    s,
		interval: interval,
		maxSize:  maxSize,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run starts the janitor loop. It blocks until ctx is cancelled.
func (j *CacheJanitor) Run(ctx context.Context) {
	slog.Info("cache janitor started",
		"component", "worker",
		"worker", "cache-janitor",
		"interval", j.interval.String(),
		"max_size", j.maxSize,
	)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("cache janitor stopped",
				"component", "worker",
				"worker", "cache-janitor",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

// sweep removes expired entries first, then enforces the size bound.
func (j *CacheJanitor) sweep(ctx context.Context) {
	expired, err := j.store.DeleteExpiredCache(ctx, j.now())
	if err != nil {
		slog.Error("expiry sweep failed",
			"component", "worker",
			"worker", "cache-janitor",
			"error", err,
		)
		return
	}

	evicted, err := j.store.EvictLRU(ctx, j.maxSize)
	if err != nil {
		slog.Error("lru eviction failed",
			"component", "worker",
			"worker", "cache-janitor",
			"error", err,
		)
		return
	}

	if expired > 0 || evicted > 0 {
		slog.Debug("cache sweep completed",
			"component", "worker",
			"worker", "cache-janitor",
			"expired", expired,
			"evicted", evicted,
		)
	}
}
