package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/sfdcai/mediasync/internal/cache"
	"github.com/sfdcai/mediasync/internal/remote"
	"github.com/sfdcai/mediasync/internal/types"
)

// OpQueue is the write-behind queue surface the flusher drains.
// Implemented by queue.Queue.
type OpQueue interface {
	Drain(ctx context.Context, batchSize int) ([]types.PendingOperation, error)
	Commit(ctx context.Context, ops []types.PendingOperation) error
}

// Applier applies pending operations against the remote system.
// Implemented by remote.Client.
type Applier interface {
	Upsert(ctx context.Context, table string, records []remote.RecordPayload) ([]remote.UpsertResult, error)
	Fetch(ctx context.Context, table string, query url.Values) (json.RawMessage, error)
}

// CacheWarmer stores the results of applied read operations.
// Implemented by cache.Cache.
type CacheWarmer interface {
	Get(ctx context.Context, key, endpoint string, ttl time.Duration, fetch cache.FetchFunc) (json.RawMessage, error)
}

// QueueFlusher drains the write-behind queue and applies each operation
// remotely. Succeeded operations are committed individually; failed ones stay
// queued for the next pass, giving at-least-once delivery.
type QueueFlusher struct {
	queue     OpQueue
	applier   Applier
	warmer    CacheWarmer
	interval  time.Duration
	batchSize int
	readTTL   time.Duration
}

// NewQueueFlusher creates the queue flush worker.
func NewQueueFlusher(q OpQueue, applier Applier, warmer CacheWarmer, interval time.Duration, batchSize int, readTTL time.Duration) *QueueFlusher {
	return &QueueFlusher{
		queue:     q,
		applier:   applier,
		warmer:    warmer,
		interval:  interval,
		batchSize: batchSize,
		readTTL:   readTTL,
	}
}

// Run starts the flush loop. It blocks until ctx is cancelled.
//
// The first pass runs immediately so operations enqueued before a restart are
// applied promptly.
func (f *QueueFlusher) Run(ctx context.Context) {
	slog.Info("queue flusher started",
		"component", "worker",
		"worker", "queue-flusher",
		"interval", f.interval.String(),
		"batch_size", f.batchSize,
	)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.flush(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("queue flusher stopped",
				"component", "worker",
				"worker", "queue-flusher",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			f.flush(ctx)
		}
	}
}

// flush applies one batch. A remote outage stops the pass early; everything
// not yet confirmed stays queued.
func (f *QueueFlusher) flush(ctx context.Context) {
	ops, err := f.queue.Drain(ctx, f.batchSize)
	if err != nil {
		slog.Error("failed to drain queue",
			"component", "worker",
			"worker", "queue-flusher",
			"error", err,
		)
		return
	}
	if len(ops) == 0 {
		return
	}

	var applied int
	for _, op := range ops {
		if ctx.Err() != nil {
			return // Graceful shutdown
		}

		err := f.apply(ctx, &op)
		if errors.Is(err, remote.ErrUnavailable) {
			slog.Warn("remote unavailable, stopping flush pass",
				"component", "worker",
				"worker", "queue-flusher",
				"applied", applied,
				"remaining", len(ops)-applied,
			)
			return
		}
		if err != nil {
			// Unparseable or permanently rejected operations are dropped,
			// otherwise they would wedge the FIFO forever.
			slog.Error("dropping unapplicable operation",
				"component", "worker",
				"worker", "queue-flusher",
				"op_id", op.ID,
				"kind", op.Kind,
				"target", op.Target,
				"error", err,
			)
		}

		if err := f.queue.Commit(ctx, []types.PendingOperation{op}); err != nil {
			slog.Error("failed to commit operation",
				"component", "worker",
				"worker", "queue-flusher",
				"op_id", op.ID,
				"error", err,
			)
			return
		}
		applied++
	}

	slog.Debug("queue flush completed",
		"component", "worker",
		"worker", "queue-flusher",
		"applied", applied,
	)
}

// apply dispatches one operation by kind.
func (f *QueueFlusher) apply(ctx context.Context, op *types.PendingOperation) error {
	switch op.Kind {
	case types.OpWrite:
		var payload remote.RecordPayload
		if err := json.Unmarshal(op.Payload, &payload); err != nil {
			return err
		}
		results, err := f.applier.Upsert(ctx, op.Target, []remote.RecordPayload{payload})
		if err != nil {
			return err
		}
		for _, r := range results {
			if !r.OK {
				return errors.New(r.Error)
			}
		}
		return nil

	case types.OpRead:
		var params map[string]string
		if err := json.Unmarshal(op.Payload, &params); err != nil {
			return err
		}
		query := url.Values{}
		for k, v := range params {
			query.Set(k, v)
		}

		key := op.Target
		if encoded := query.Encode(); encoded != "" {
			key += "?" + encoded
		}
		_, err := f.warmer.Get(ctx, key, op.Target, f.readTTL, func(ctx context.Context) (json.RawMessage, error) {
			return f.applier.Fetch(ctx, op.Target, query)
		})
		return err

	default:
		return errors.New("unknown operation kind " + op.Kind)
	}
}
