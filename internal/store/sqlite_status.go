package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sfdcai/mediasync/internal/types"
)

// EnsureTableStatus creates the sync status row for a table if it does not
// exist. Existing rows are left untouched so restarts preserve engine state.
func (s *SQLiteStore) EnsureTableStatus(ctx context.Context, table string, enabled bool, frequency time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_status (table_name, enabled, frequency_seconds)
		VALUES (?, ?, ?)
		ON CONFLICT (table_name) DO NOTHING
	`, table, boolToInt(enabled), int64(frequency.Seconds()))
	if err != nil {
		return fmt.Errorf("ensure table status: %w", err)
	}
	return nil
}

// GetTableStatus retrieves the sync status row for a table.
func (s *SQLiteStore) GetTableStatus(ctx context.Context, table string) (*types.TableStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT table_name, enabled, frequency_seconds, last_sync_timestamp,
		       total_records_synced, error_count, last_error, consecutive_failures
		FROM sync_status
		WHERE table_name = ?
	`, table)

	status, err := scanTableStatus(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan table status: %w", err)
	}
	return status, nil
}

// ListTableStatuses returns the sync status of every registered table.
func (s *SQLiteStore) ListTableStatuses(ctx context.Context) ([]types.TableStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name, enabled, frequency_seconds, last_sync_timestamp,
		       total_records_synced, error_count, last_error, consecutive_failures
		FROM sync_status
		ORDER BY table_name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query table statuses: %w", err)
	}
	defer rows.Close()

	statuses := make([]types.TableStatus, 0)
	for rows.Next() {
		status, err := scanTableStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan table status: %w", err)
		}
		statuses = append(statuses, *status)
	}
	return statuses, rows.Err()
}

// SetTableEnabled toggles sync for a table.
func (s *SQLiteStore) SetTableEnabled(ctx context.Context, table string, enabled bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_status SET enabled = ? WHERE table_name = ?
	`, boolToInt(enabled), table)
	if err != nil {
		return fmt.Errorf("set table enabled: %w", err)
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

// RecordSyncOutcome persists the result of one sync cycle for a table.
//
// error_count resets to zero only when the whole batch had zero failures.
// consecutive_failures counts fully-failed batches and feeds backoff; any
// fully or partially successful batch resets it.
func (s *SQLiteStore) RecordSyncOutcome(ctx context.Context, table string, synced int64, failed int, lastErr string, at time.Time) error {
	var query string
	args := []any{synced, formatTime(at)}

	switch {
	case failed == 0:
		query = `
			UPDATE sync_status
			SET total_records_synced = total_records_synced + ?,
			    last_sync_timestamp = ?,
			    error_count = 0,
			    last_error = NULL,
			    consecutive_failures = 0
			WHERE table_name = ?`
		args = append(args, table)
	case synced > 0:
		query = `
			UPDATE sync_status
			SET total_records_synced = total_records_synced + ?,
			    last_sync_timestamp = ?,
			    error_count = error_count + 1,
			    last_error = ?,
			    consecutive_failures = 0
			WHERE table_name = ?`
		args = append(args, lastErr, table)
	default:
		query = `
			UPDATE sync_status
			SET total_records_synced = total_records_synced + ?,
			    last_sync_timestamp = ?,
			    error_count = error_count + 1,
			    last_error = ?,
			    consecutive_failures = consecutive_failures + 1
			WHERE table_name = ?`
		args = append(args, lastErr, table)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("record sync outcome: %w", err)
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

func scanTableStatus(scanner interface{ Scan(...any) error }) (*types.TableStatus, error) {
	var status types.TableStatus
	var enabled int
	var frequencySeconds int64
	var lastSync, lastError sql.NullString

	err := scanner.Scan(
		&status.TableName,
		&enabled,
		&frequencySeconds,
		&lastSync,
		&status.TotalRecordsSynced,
		&status.ErrorCount,
		&lastError,
		&status.ConsecutiveFailures,
	)
	if err != nil {
		return nil, err
	}

	status.Enabled = enabled != 0
	status.Frequency = time.Duration(frequencySeconds) * time.Second
	if lastSync.Valid {
		if t, err := parseTime(lastSync.String); err == nil {
			status.LastSyncTimestamp = &t
		}
	}
	if lastError.Valid {
		status.LastError = lastError.String
	}

	return &status, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
