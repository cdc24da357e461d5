package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sfdcai/mediasync/internal/types"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed local store. It holds the record tables,
// the cache table, the pending operation queue, and the sync status rows in a
// single database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Bounded pool; transactions stay short and are never held across a
	// network call.
	db.SetMaxOpenConns(4)

	// Enable pragmas for performance and safety
	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	// Run goose migrations
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// timeLayout is RFC 3339 with a fixed nine-digit fractional second. Timestamps
// are stored as TEXT and compared in SQL, so the format must be fixed-width:
// trimming trailing zeros would make string order disagree with time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

const recordColumns = `table_name, id, fields, sync_state, remote_id, sync_attempts,
	last_sync_attempt, last_sync_error, created_at, updated_at`

// PutRecord upserts a record and resets its sync state to unsynced. The upsert
// is idempotent: repeated calls with identical fields leave exactly one row.
func (s *SQLiteStore) PutRecord(ctx context.Context, table, id string, fields types.Fields) (*types.Record, error) {
	return s.putRecord(ctx, table, id, fields, types.StateUnsynced, "")
}

// PutSyncedRecord upserts a record that originated from the remote side,
// inserting it already synced with its remote identifier.
func (s *SQLiteStore) PutSyncedRecord(ctx context.Context, table, id string, fields types.Fields, remoteID string) (*types.Record, error) {
	return s.putRecord(ctx, table, id, fields, types.StateSynced, remoteID)
}

func (s *SQLiteStore) putRecord(ctx context.Context, table, id string, fields types.Fields, state types.SyncState, remoteID string) (*types.Record, error) {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal fields: %w", err)
	}

	nowStr := formatTime(time.Now())

	var remote any
	if remoteID != "" {
		remote = remoteID
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (table_name, id, fields, sync_state, remote_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (table_name, id) DO UPDATE SET
			fields = excluded.fields,
			sync_state = excluded.sync_state,
			remote_id = COALESCE(excluded.remote_id, records.remote_id),
			updated_at = excluded.updated_at
	`, table, id, string(fieldsJSON), string(state), remote, nowStr, nowStr)
	if err != nil {
		return nil, fmt.Errorf("upsert record: %w", err)
	}

	return s.GetRecord(ctx, table, id)
}

// GetRecord retrieves a record by logical table and id.
func (s *SQLiteStore) GetRecord(ctx context.Context, table, id string) (*types.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE table_name = ? AND id = ?
	`, table, id)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan record: %w", err)
	}
	return rec, nil
}

// GetUnsynced returns the oldest not-yet-synced records for a table, bounded
// by limit. Oldest-first ordering guarantees eventual coverage of a growing
// backlog; no single sync tick can monopolize the batch.
func (s *SQLiteStore) GetUnsynced(ctx context.Context, table string, limit int) ([]types.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE table_name = ? AND sync_state != 'synced'
		ORDER BY updated_at ASC, id ASC
		LIMIT ?
	`, table, limit)
	if err != nil {
		return nil, fmt.Errorf("query unsynced records: %w", err)
	}
	defer rows.Close()

	var records []types.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// MarkSynced records remote acceptance of a record. The update is a
// compare-and-set on updated_at: a confirmation for content that has been
// mutated since the batch was read returns ErrStale and leaves the record
// unsynced for re-delivery.
func (s *SQLiteStore) MarkSynced(ctx context.Context, table, id, remoteID string, observedUpdatedAt time.Time) error {
	now := formatTime(time.Now())

	result, err := s.db.ExecContext(ctx, `
		UPDATE records
		SET sync_state = 'synced',
		    remote_id = ?,
		    last_sync_attempt = ?,
		    last_sync_error = NULL
		WHERE table_name = ? AND id = ? AND updated_at = ?
	`, remoteID, now, table, id, formatTime(observedUpdatedAt))
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetRecord(ctx, table, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStale
	}
	return nil
}

// MarkSyncFailed records a failed push attempt. sync_attempts grows
// monotonically and the record moves to the error state, which keeps it in
// the GetUnsynced working set for retry.
func (s *SQLiteStore) MarkSyncFailed(ctx context.Context, table, id, syncErr string) error {
	now := formatTime(time.Now())

	result, err := s.db.ExecContext(ctx, `
		UPDATE records
		SET sync_state = 'error',
		    sync_attempts = sync_attempts + 1,
		    last_sync_attempt = ?,
		    last_sync_error = ?
		WHERE table_name = ? AND id = ?
	`, now, syncErr, table, id)
	if err != nil {
		return fmt.Errorf("mark sync failed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetSyncAttempts is the explicit reset allowed on the otherwise monotone
// sync_attempts counter.
func (s *SQLiteStore) ResetSyncAttempts(ctx context.Context, table, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE records
		SET sync_attempts = 0, last_sync_error = NULL
		WHERE table_name = ? AND id = ?
	`, table, id)
	if err != nil {
		return fmt.Errorf("reset sync attempts: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountRecords returns the number of records across all logical tables.
func (s *SQLiteStore) CountRecords(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&count)
	return count, err
}

// CountUnsynced returns the backlog depth for a table.
func (s *SQLiteStore) CountUnsynced(ctx context.Context, table string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records
		WHERE table_name = ? AND sync_state != 'synced'
	`, table).Scan(&count)
	return count, err
}

// ListSyncedBefore returns up to limit already-synced records whose last
// update is older than cutoff, oldest first, without removing them. Callers
// archive the batch before deleting it with DeleteSyncedRecords.
func (s *SQLiteStore) ListSyncedBefore(ctx context.Context, table string, cutoff time.Time, limit int) ([]types.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE table_name = ? AND sync_state = 'synced' AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?
	`, table, formatTime(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("query purgeable records: %w", err)
	}
	defer rows.Close()

	var records []types.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// DeleteSyncedRecords removes the named records if they are still synced. A
// record mutated since it was listed stays in place so the next sync cycle
// can push the new content.
func (s *SQLiteStore) DeleteSyncedRecords(ctx context.Context, table string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		DELETE FROM records WHERE table_name = ? AND id = ? AND sync_state = 'synced'
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare delete: %w", err)
	}
	defer stmt.Close()

	var deleted int64
	for _, id := range ids {
		result, err := stmt.ExecContext(ctx, table, id)
		if err != nil {
			return deleted, fmt.Errorf("delete record %s/%s: %w", table, id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return deleted, fmt.Errorf("get rows affected: %w", err)
		}
		deleted += n
	}

	if err := tx.Commit(); err != nil {
		return deleted, fmt.Errorf("commit transaction: %w", err)
	}
	return deleted, nil
}

// scanRecord scans a row into a Record, handling JSON fields and timestamps.
func scanRecord(scanner interface{ Scan(...any) error }) (*types.Record, error) {
	var rec types.Record
	var state, fieldsJSON string
	var remoteID, lastAttempt, lastError sql.NullString
	var createdAt, updatedAt string

	err := scanner.Scan(
		&rec.Table,
		&rec.ID,
		&fieldsJSON,
		&state,
		&remoteID,
		&rec.SyncAttempts,
		&lastAttempt,
		&lastError,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.SyncState = types.SyncState(state)
	if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
		return nil, fmt.Errorf("parse fields JSON: %w", err)
	}
	if remoteID.Valid {
		rec.RemoteID = remoteID.String
	}
	if lastError.Valid {
		rec.LastSyncError = lastError.String
	}
	if t, err := parseTime(createdAt); err == nil {
		rec.CreatedAt = t
	}
	if t, err := parseTime(updatedAt); err == nil {
		rec.UpdatedAt = t
	}
	if lastAttempt.Valid {
		if t, err := parseTime(lastAttempt.String); err == nil {
			rec.LastSyncAttempt = &t
		}
	}

	return &rec, nil
}
