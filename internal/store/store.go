package store

import (
	"context"
	"time"

	"github.com/sfdcai/mediasync/internal/types"
)

// RecordStore defines the durable record operations used by producers and the
// sync engine.
type RecordStore interface {
	PutRecord(ctx context.Context, table, id string, fields types.Fields) (*types.Record, error)
	PutSyncedRecord(ctx context.Context, table, id string, fields types.Fields, remoteID string) (*types.Record, error)
	GetRecord(ctx context.Context, table, id string) (*types.Record, error)
	GetUnsynced(ctx context.Context, table string, limit int) ([]types.Record, error)
	MarkSynced(ctx context.Context, table, id, remoteID string, observedUpdatedAt time.Time) error
	MarkSyncFailed(ctx context.Context, table, id, syncErr string) error
	ResetSyncAttempts(ctx context.Context, table, id string) error
	CountRecords(ctx context.Context) (int64, error)
	CountUnsynced(ctx context.Context, table string) (int64, error)
	ListSyncedBefore(ctx context.Context, table string, cutoff time.Time, limit int) ([]types.Record, error)
	DeleteSyncedRecords(ctx context.Context, table string, ids []string) (int64, error)
}

// CacheStore defines the durable cache table operations behind the Cache layer.
type CacheStore interface {
	GetCacheEntry(ctx context.Context, key string, now time.Time) (*CacheEntry, error)
	PutCacheEntry(ctx context.Context, entry *CacheEntry) error
	TouchCacheEntry(ctx context.Context, key string, accessedAt time.Time) error
	DeleteExpiredCache(ctx context.Context, now time.Time) (int64, error)
	EvictLRU(ctx context.Context, maxSize int) (int64, error)
	InvalidateCache(ctx context.Context, endpointPattern string) (int64, error)
	ClearCache(ctx context.Context) (int64, error)
	CountCacheEntries(ctx context.Context) (int64, error)
}

// QueueStore defines the durable FIFO operations behind the write-behind queue.
type QueueStore interface {
	AppendOperation(ctx context.Context, op *types.PendingOperation) (int64, error)
	PeekOperations(ctx context.Context, limit int) ([]types.PendingOperation, error)
	RemoveOperations(ctx context.Context, seqs []int64) error
	CountPendingOperations(ctx context.Context) (int64, error)
}

// StatusStore defines the persisted per-table sync engine state operations.
type StatusStore interface {
	EnsureTableStatus(ctx context.Context, table string, enabled bool, frequency time.Duration) error
	GetTableStatus(ctx context.Context, table string) (*types.TableStatus, error)
	ListTableStatuses(ctx context.Context) ([]types.TableStatus, error)
	SetTableEnabled(ctx context.Context, table string, enabled bool) error
	RecordSyncOutcome(ctx context.Context, table string, synced int64, failed int, lastErr string, at time.Time) error
}

// Store is the full local store contract. Implemented by SQLiteStore.
type Store interface {
	RecordStore
	CacheStore
	QueueStore
	StatusStore
	Close() error
}
