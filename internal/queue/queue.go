// Package queue implements the durable write-behind queue. Producers append
// and return immediately; the flusher worker drains, applies remotely, and
// commits each confirmed operation. Delivery is at-least-once, so the remote
// apply must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sfdcai/mediasync/internal/types"
)

// Store is the subset of the local store the queue needs.
type Store interface {
	AppendOperation(ctx context.Context, op *types.PendingOperation) (int64, error)
	PeekOperations(ctx context.Context, limit int) ([]types.PendingOperation, error)
	RemoveOperations(ctx context.Context, seqs []int64) error
	CountPendingOperations(ctx context.Context) (int64, error)
}

// Queue is the write-behind queue layer.
type Queue struct {
	store Store
	now   func() time.Time
}

// New creates a Queue over the given store.
func New(s Store) *Queue {
	return &Queue{
		store: s,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue durably appends an operation and returns immediately. The caller
// never blocks on remote availability; its durability contract is satisfied
// once the local append commits.
func (q *Queue) Enqueue(ctx context.Context, kind, target string, payload json.RawMessage) (*types.PendingOperation, error) {
	if kind != types.OpRead && kind != types.OpWrite {
		return nil, fmt.Errorf("enqueue: invalid kind %q", kind)
	}
	if target == "" {
		return nil, fmt.Errorf("enqueue: target is required")
	}

	op := &types.PendingOperation{
		ID:         uuid.NewString(),
		Kind:       kind,
		Target:     target,
		Payload:    payload,
		EnqueuedAt: q.now(),
	}

	seq, err := q.store.AppendOperation(ctx, op)
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	op.Seq = seq
	return op, nil
}

// Drain non-destructively reads up to batchSize of the oldest pending
// operations in FIFO order.
func (q *Queue) Drain(ctx context.Context, batchSize int) ([]types.PendingOperation, error) {
	return q.store.PeekOperations(ctx, batchSize)
}

// Commit removes exactly the operations the caller confirms were applied
// remotely. Partial-batch failures leave only the failed operations queued.
func (q *Queue) Commit(ctx context.Context, ops []types.PendingOperation) error {
	if len(ops) == 0 {
		return nil
	}
	seqs := make([]int64, len(ops))
	for i, op := range ops {
		seqs[i] = op.Seq
	}
	return q.store.RemoveOperations(ctx, seqs)
}

// Depth returns the number of pending operations.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.store.CountPendingOperations(ctx)
}
