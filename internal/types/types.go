package types

import (
	"encoding/json"
	"time"
)

// SyncState represents the remote-delivery lifecycle of a record.
type SyncState string

const (
	// StateUnsynced marks a record that has not been accepted by the remote
	// system since its last local mutation.
	StateUnsynced SyncState = "unsynced"
	// StateSynced marks a record durably accepted by the remote system.
	StateSynced SyncState = "synced"
	// StateError marks a record whose last push attempt failed.
	StateError SyncState = "error"
)

// Fields is the typed key-value payload of a record. Values are restricted to
// JSON-representable types; per-table allow-lists are enforced at the boundary
// by the validation package.
type Fields map[string]any

// Clone returns a shallow copy of the fields map.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Without returns a copy of the fields map with the named keys removed.
func (f Fields) Without(keys []string) Fields {
	drop := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}
	out := make(Fields, len(f))
	for k, v := range f {
		if _, skip := drop[k]; !skip {
			out[k] = v
		}
	}
	return out
}

// Record is one locally persisted domain entity (a media file, a transfer log
// entry, a setting) carrying its sync metadata.
type Record struct {
	Table           string     `json:"table"`
	ID              string     `json:"id"`
	Fields          Fields     `json:"fields"`
	SyncState       SyncState  `json:"sync_state"`
	RemoteID        string     `json:"remote_id,omitempty"`
	SyncAttempts    int        `json:"sync_attempts"`
	LastSyncAttempt *time.Time `json:"last_sync_attempt,omitempty"`
	LastSyncError   string     `json:"last_sync_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Operation kinds for the write-behind queue.
const (
	OpRead  = "read"
	OpWrite = "write"
)

// PendingOperation is one durable entry in the write-behind queue. Seq is
// assigned by the store and orders the queue FIFO.
type PendingOperation struct {
	Seq        int64           `json:"seq"`
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Target     string          `json:"target"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// TableStatus is the persisted per-table sync engine state. It is the only
// state the sync engine keeps, so a restart resumes from the last row.
type TableStatus struct {
	TableName           string        `json:"table_name"`
	Enabled             bool          `json:"enabled"`
	Frequency           time.Duration `json:"frequency"`
	LastSyncTimestamp   *time.Time    `json:"last_sync_timestamp,omitempty"`
	TotalRecordsSynced  int64         `json:"total_records_synced"`
	ErrorCount          int           `json:"error_count"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// CacheStats reports read-through cache effectiveness counters.
type CacheStats struct {
	TotalRequests int64   `json:"total_requests"`
	CacheHits     int64   `json:"cache_hits"`
	CacheMisses   int64   `json:"cache_misses"`
	HitRate       float64 `json:"hit_rate"`
	Entries       int64   `json:"entries"`
}

// QueueStats reports write-behind queue depth.
type QueueStats struct {
	Pending int64 `json:"pending"`
}

// Stats is the aggregate snapshot returned by the stats surface.
type Stats struct {
	Records int64            `json:"records"`
	Cache   CacheStats       `json:"cache"`
	Queue   QueueStats       `json:"queue"`
	Tables  []TableStatus    `json:"tables"`
	Backlog map[string]int64 `json:"backlog"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Records int64  `json:"records"`
}
