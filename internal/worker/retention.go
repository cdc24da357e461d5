package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/sfdcai/mediasync/internal/archive"
	"github.com/sfdcai/mediasync/internal/types"
)

// RetentionStore defines the store operations the retention sweep needs.
// Implemented by SQLiteStore.
type RetentionStore interface {
	ListTableStatuses(ctx context.Context) ([]types.TableStatus, error)
	ListSyncedBefore(ctx context.Context, table string, cutoff time.Time, limit int) ([]types.Record, error)
	DeleteSyncedRecords(ctx context.Context, table string, ids []string) (int64, error)
}

// RetentionSweeper deletes already-synced records older than the retention
// window. Unsynced records are never touched. Each batch is archived before
// it is deleted; if the archive upload fails the batch stays local and is
// retried on the next pass.
type RetentionSweeper struct {
	store     RetentionStore
	archiver  archive.Archiver
	interval  time.Duration
	maxAge    time.Duration
	batchSize int

	now func() time.Time
}

// NewRetentionSweeper creates the retention worker.
func NewRetentionSweeper(s RetentionStore, archiver archive.Archiver, interval, maxAge time.Duration, batchSize int) *RetentionSweeper {
	return &RetentionSweeper{
		store:     s,
		archiver:  archiver,
		interval:  interval,
		maxAge:    maxAge,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run starts the retention loop. It blocks until ctx is cancelled.
func (r *RetentionSweeper) Run(ctx context.Context) {
	slog.Info("retention sweeper started",
		"component", "worker",
		"worker", "retention-sweeper",
		"interval", r.interval.String(),
		"max_age", r.maxAge.String(),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention sweeper stopped",
				"component", "worker",
				"worker", "retention-sweeper",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep purges one batch per table per pass.
func (r *RetentionSweeper) sweep(ctx context.Context) {
	statuses, err := r.store.ListTableStatuses(ctx)
	if err != nil {
		slog.Error("failed to list tables for retention",
			"component", "worker",
			"worker", "retention-sweeper",
			"error", err,
		)
		return
	}

	cutoff := r.now().Add(-r.maxAge)
	for _, status := range statuses {
		if ctx.Err() != nil {
			return // Graceful shutdown
		}

		batch, err := r.store.ListSyncedBefore(ctx, status.TableName, cutoff, r.batchSize)
		if err != nil {
			slog.Error("retention listing failed",
				"component", "worker",
				"worker", "retention-sweeper",
				"table", status.TableName,
				"error", err,
			)
			continue
		}
		if len(batch) == 0 {
			continue
		}

		if err := r.archiver.Archive(ctx, status.TableName, batch); err != nil {
			// Keep the batch local; it gets re-listed and re-archived next
			// pass. The remote system of record also still holds the rows.
			slog.Warn("archive of purgeable records failed",
				"component", "worker",
				"worker", "retention-sweeper",
				"table", status.TableName,
				"records", len(batch),
				"error", err,
			)
			continue
		}

		ids := make([]string, len(batch))
		for i, rec := range batch {
			ids[i] = rec.ID
		}
		deleted, err := r.store.DeleteSyncedRecords(ctx, status.TableName, ids)
		if err != nil {
			slog.Error("retention delete failed",
				"component", "worker",
				"worker", "retention-sweeper",
				"table", status.TableName,
				"error", err,
			)
			continue
		}

		slog.Info("retention sweep purged records",
			"component", "worker",
			"worker", "retention-sweeper",
			"table", status.TableName,
			"records", deleted,
		)
	}
}
