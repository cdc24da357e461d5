package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CacheEntry is one durable row of the read-through cache table.
type CacheEntry struct {
	Key          string          `json:"key"`
	Value        json.RawMessage `json:"value"`
	Endpoint     string          `json:"endpoint"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	AccessCount  int64           `json:"access_count"`
	LastAccessed time.Time       `json:"last_accessed"`
}

// GetCacheEntry returns the cache row for key if it has not expired as of now.
// Expired or missing rows return ErrNotFound; a row whose value is not valid
// JSON returns ErrCorrupt so the caller can treat it as a miss.
func (s *SQLiteStore) GetCacheEntry(ctx context.Context, key string, now time.Time) (*CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, value, endpoint, created_at, expires_at, access_count, last_accessed
		FROM api_cache
		WHERE key = ? AND expires_at > ?
	`, key, formatTime(now))

	var entry CacheEntry
	var value, createdAt, expiresAt, lastAccessed string
	err := row.Scan(&entry.Key, &value, &entry.Endpoint, &createdAt, &expiresAt,
		&entry.AccessCount, &lastAccessed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan cache entry: %w", err)
	}

	if !json.Valid([]byte(value)) {
		return nil, ErrCorrupt
	}
	entry.Value = json.RawMessage(value)

	if t, err := parseTime(createdAt); err == nil {
		entry.CreatedAt = t
	}
	if t, err := parseTime(expiresAt); err == nil {
		entry.ExpiresAt = t
	}
	if t, err := parseTime(lastAccessed); err == nil {
		entry.LastAccessed = t
	}

	return &entry, nil
}

// PutCacheEntry upserts a cache row, replacing any previous value for the key.
func (s *SQLiteStore) PutCacheEntry(ctx context.Context, entry *CacheEntry) error {
	if !entry.ExpiresAt.After(entry.CreatedAt) {
		return fmt.Errorf("cache entry %q: expires_at must be after created_at", entry.Key)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO api_cache (key, value, endpoint, created_at, expires_at, access_count, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.Key, string(entry.Value), entry.Endpoint,
		formatTime(entry.CreatedAt),
		formatTime(entry.ExpiresAt),
		entry.AccessCount,
		formatTime(entry.LastAccessed))
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

// TouchCacheEntry bumps the access counter and recency timestamp on a hit.
func (s *SQLiteStore) TouchCacheEntry(ctx context.Context, key string, accessedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_cache
		SET access_count = access_count + 1, last_accessed = ?
		WHERE key = ?
	`, formatTime(accessedAt), key)
	if err != nil {
		return fmt.Errorf("touch cache entry: %w", err)
	}
	return nil
}

// DeleteExpiredCache removes rows whose expiry has passed.
// Returns the number of rows removed.
func (s *SQLiteStore) DeleteExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM api_cache WHERE expires_at <= ?
	`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired cache: %w", err)
	}
	return result.RowsAffected()
}

// EvictLRU deletes the least-recently-accessed rows until the cache is at or
// under maxSize. Returns the number of rows evicted.
func (s *SQLiteStore) EvictLRU(ctx context.Context, maxSize int) (int64, error) {
	count, err := s.CountCacheEntries(ctx)
	if err != nil {
		return 0, err
	}
	excess := count - int64(maxSize)
	if excess <= 0 {
		return 0, nil
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM api_cache WHERE key IN (
			SELECT key FROM api_cache ORDER BY last_accessed ASC, key ASC LIMIT ?
		)
	`, excess)
	if err != nil {
		return 0, fmt.Errorf("evict lru: %w", err)
	}
	return result.RowsAffected()
}

// InvalidateCache bulk-deletes rows whose endpoint matches the SQL LIKE
// pattern. Used after writes that would make matching cached reads stale.
func (s *SQLiteStore) InvalidateCache(ctx context.Context, endpointPattern string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM api_cache WHERE endpoint LIKE ?
	`, endpointPattern)
	if err != nil {
		return 0, fmt.Errorf("invalidate cache: %w", err)
	}
	return result.RowsAffected()
}

// ClearCache removes every cache row. Returns the number of rows removed.
func (s *SQLiteStore) ClearCache(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_cache`)
	if err != nil {
		return 0, fmt.Errorf("clear cache: %w", err)
	}
	return result.RowsAffected()
}

// CountCacheEntries returns the number of cache rows, expired included.
func (s *SQLiteStore) CountCacheEntries(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_cache`).Scan(&count)
	return count, err
}
