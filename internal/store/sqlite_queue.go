package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sfdcai/mediasync/internal/types"
)

// AppendOperation durably appends a pending operation to the write-behind
// queue and returns its assigned sequence number.
func (s *SQLiteStore) AppendOperation(ctx context.Context, op *types.PendingOperation) (int64, error) {
	payload := "{}"
	if len(op.Payload) > 0 {
		payload = string(op.Payload)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_operations (id, kind, target, payload, enqueued_at)
		VALUES (?, ?, ?, ?, ?)
	`, op.ID, op.Kind, op.Target, payload, formatTime(op.EnqueuedAt))
	if err != nil {
		return 0, fmt.Errorf("append operation: %w", err)
	}
	return result.LastInsertId()
}

// PeekOperations non-destructively reads up to limit of the oldest pending
// operations in FIFO order.
func (s *SQLiteStore) PeekOperations(ctx context.Context, limit int) ([]types.PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, kind, target, payload, enqueued_at
		FROM pending_operations
		ORDER BY seq ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending operations: %w", err)
	}
	defer rows.Close()

	ops := make([]types.PendingOperation, 0)
	for rows.Next() {
		var op types.PendingOperation
		var payload sql.NullString
		var enqueuedAt string
		if err := rows.Scan(&op.Seq, &op.ID, &op.Kind, &op.Target, &payload, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("scan pending operation: %w", err)
		}
		if payload.Valid {
			op.Payload = []byte(payload.String)
		}
		if t, err := parseTime(enqueuedAt); err == nil {
			op.EnqueuedAt = t
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// RemoveOperations deletes exactly the operations with the given sequence
// numbers. Called only after the remote system confirmed application.
func (s *SQLiteStore) RemoveOperations(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(seqs)), ",")
	args := make([]any, len(seqs))
	for i, seq := range seqs {
		args[i] = seq
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_operations WHERE seq IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("remove operations: %w", err)
	}
	return nil
}

// CountPendingOperations returns the queue depth.
func (s *SQLiteStore) CountPendingOperations(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_operations`).Scan(&count)
	return count, err
}
