package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sfdcai/mediasync/internal/remote"
	"github.com/sfdcai/mediasync/internal/store"
	"github.com/sfdcai/mediasync/internal/types"
)

// SyncCapableStore defines the local store operations the sync engine needs.
// Implemented by SQLiteStore.
type SyncCapableStore interface {
	GetUnsynced(ctx context.Context, table string, limit int) ([]types.Record, error)
	MarkSynced(ctx context.Context, table, id, remoteID string, observedUpdatedAt time.Time) error
	MarkSyncFailed(ctx context.Context, table, id, syncErr string) error
	GetTableStatus(ctx context.Context, table string) (*types.TableStatus, error)
	ListTableStatuses(ctx context.Context) ([]types.TableStatus, error)
	RecordSyncOutcome(ctx context.Context, table string, synced int64, failed int, lastErr string, at time.Time) error
}

// Pusher pushes record batches to the remote system of record.
// Implemented by remote.Client.
type Pusher interface {
	Upsert(ctx context.Context, table string, records []remote.RecordPayload) ([]remote.UpsertResult, error)
}

// SyncCoordinator drains unsynced records table by table and pushes them to
// the remote system. All of its state lives in the local store's sync_status
// rows and record columns, so a restart resumes with no recovery step.
type SyncCoordinator struct {
	store            SyncCapableStore
	pusher           Pusher
	interval         time.Duration
	batchSize        int
	backoffThreshold int
	backoffCeiling   time.Duration

	now func() time.Time
}

// NewSyncCoordinator creates the per-table sync engine.
func NewSyncCoordinator(
	s SyncCapableStore,
	pusher Pusher,
	interval time.Duration,
	batchSize int,
	backoffThreshold int,
	backoffCeiling time.Duration,
) *SyncCoordinator {
	return &SyncCoordinator{
		store:            s,
		pusher:           pusher,
		interval:         interval,
		batchSize:        batchSize,
		backoffThreshold: backoffThreshold,
		backoffCeiling:   backoffCeiling,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// Run starts the sync tick loop. It blocks until ctx is cancelled.
//
// The first pass runs immediately so a backlog left by a previous process is
// drained promptly rather than waiting a full interval.
func (c *SyncCoordinator) Run(ctx context.Context) {
	slog.Info("sync coordinator started",
		"component", "worker",
		"worker", "sync-coordinator",
		"interval", c.interval.String(),
		"batch_size", c.batchSize,
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync coordinator stopped",
				"component", "worker",
				"worker", "sync-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick visits every registered table sequentially. Sequential processing
// avoids write contention on the local store. Cancellation is checked between
// tables, never mid-batch, so an in-flight batch always completes.
func (c *SyncCoordinator) tick(ctx context.Context) {
	statuses, err := c.store.ListTableStatuses(ctx)
	if err != nil {
		slog.Error("failed to list table statuses",
			"component", "worker",
			"worker", "sync-coordinator",
			"error", err,
		)
		return
	}

	for _, status := range statuses {
		if ctx.Err() != nil {
			return // Graceful shutdown
		}
		if !status.Enabled {
			continue
		}
		if !c.due(&status) {
			continue
		}
		c.syncTable(ctx, &status)
	}
}

// ForceSync runs one sync cycle for a table immediately, ignoring its
// schedule. Used by the administrative surface.
func (c *SyncCoordinator) ForceSync(ctx context.Context, table string) error {
	status, err := c.store.GetTableStatus(ctx, table)
	if err != nil {
		return err
	}
	c.syncTable(ctx, status)
	return nil
}

// due reports whether the table's next sync attempt is ready. After the
// backoff threshold of consecutive fully-failed batches, the wait doubles per
// additional failure up to the ceiling; any batch with at least one success
// resets the counter and restores the base frequency.
func (c *SyncCoordinator) due(status *types.TableStatus) bool {
	if status.LastSyncTimestamp == nil {
		return true
	}
	return !c.now().Before(status.LastSyncTimestamp.Add(c.delay(status)))
}

// delay computes the current wait between attempts for a table.
func (c *SyncCoordinator) delay(status *types.TableStatus) time.Duration {
	if status.ConsecutiveFailures < c.backoffThreshold {
		return status.Frequency
	}

	backoff := status.Frequency
	steps := status.ConsecutiveFailures - c.backoffThreshold + 1
	for i := 0; i < steps; i++ {
		backoff *= 2
		if backoff >= c.backoffCeiling {
			return c.backoffCeiling
		}
	}
	return backoff
}

// syncTable runs one sync cycle: drain a batch of unsynced records, push,
// apply per-record outcomes, and persist the table outcome. Remote failures
// never propagate; the producer's durability contract was satisfied locally.
func (c *SyncCoordinator) syncTable(ctx context.Context, status *types.TableStatus) {
	table := status.TableName

	batch, err := c.store.GetUnsynced(ctx, table, c.batchSize)
	if err != nil {
		slog.Error("failed to read unsynced batch",
			"component", "worker",
			"worker", "sync-coordinator",
			"table", table,
			"error", err,
		)
		return
	}

	if len(batch) == 0 {
		// A zero-record sync is still a successful sync.
		if err := c.store.RecordSyncOutcome(ctx, table, 0, 0, "", c.now()); err != nil {
			slog.Error("failed to record sync outcome",
				"component", "worker",
				"worker", "sync-coordinator",
				"table", table,
				"error", err,
			)
		}
		return
	}

	byID := make(map[string]*types.Record, len(batch))
	payloads := make([]remote.RecordPayload, len(batch))
	for i := range batch {
		rec := &batch[i]
		byID[rec.ID] = rec
		payloads[i] = remote.RecordPayload{ID: rec.ID, Fields: rec.Fields}
	}

	results, err := c.push(ctx, table, payloads)
	if err != nil {
		c.recordBatchFailure(ctx, table, len(batch), err)
		return
	}

	// Per-record schema mismatches: strip the offending fields and retry the
	// affected records once within this tick.
	retry := stripMismatched(results, byID)
	if len(retry) > 0 {
		slog.Warn("stripping unrecognized fields and retrying",
			"component", "worker",
			"worker", "sync-coordinator",
			"table", table,
			"records", len(retry),
		)
		retryResults, err := c.pusher.Upsert(ctx, table, retry)
		if err != nil {
			slog.Warn("schema mismatch retry failed",
				"component", "worker",
				"worker", "sync-coordinator",
				"table", table,
				"error", err,
			)
		} else {
			results = mergeResults(results, retryResults)
		}
	}

	var synced int64
	var failed int
	var lastErr string
	for _, result := range results {
		rec, ok := byID[result.ID]
		if !ok {
			continue
		}
		if !result.OK {
			failed++
			lastErr = result.Error
			if err := c.store.MarkSyncFailed(ctx, table, rec.ID, result.Error); err != nil {
				slog.Error("failed to mark record failed",
					"component", "worker",
					"worker", "sync-coordinator",
					"table", table,
					"record_id", rec.ID,
					"error", err,
				)
			}
			continue
		}

		err := c.store.MarkSynced(ctx, table, rec.ID, result.RemoteID, rec.UpdatedAt)
		switch {
		case err == nil:
			synced++
		case errors.Is(err, store.ErrStale):
			// Mutated since the batch was read; the newer content will be
			// re-delivered on a later tick.
			slog.Debug("stale sync confirmation rejected",
				"component", "worker",
				"worker", "sync-coordinator",
				"table", table,
				"record_id", rec.ID,
			)
		default:
			slog.Error("failed to mark record synced",
				"component", "worker",
				"worker", "sync-coordinator",
				"table", table,
				"record_id", rec.ID,
				"error", err,
			)
		}
	}

	if err := c.store.RecordSyncOutcome(ctx, table, synced, failed, lastErr, c.now()); err != nil {
		slog.Error("failed to record sync outcome",
			"component", "worker",
			"worker", "sync-coordinator",
			"table", table,
			"error", err,
		)
		return
	}

	slog.Info("sync cycle completed",
		"component", "worker",
		"worker", "sync-coordinator",
		"table", table,
		"synced", synced,
		"failed", failed,
	)
}

// push performs the initial batch push, handling an aggregate schema mismatch
// by stripping the rejected fields from every payload and retrying once.
func (c *SyncCoordinator) push(ctx context.Context, table string, payloads []remote.RecordPayload) ([]remote.UpsertResult, error) {
	results, err := c.pusher.Upsert(ctx, table, payloads)
	if err == nil {
		return results, nil
	}

	var mismatch *remote.SchemaMismatchError
	if !errors.As(err, &mismatch) {
		return nil, err
	}

	slog.Warn("remote rejected unknown fields",
		"component", "worker",
		"worker", "sync-coordinator",
		"table", table,
		"fields", mismatch.Fields,
	)

	stripped := make([]remote.RecordPayload, len(payloads))
	for i, p := range payloads {
		stripped[i] = remote.RecordPayload{ID: p.ID, Fields: p.Fields.Without(mismatch.Fields)}
	}
	return c.pusher.Upsert(ctx, table, stripped)
}

// recordBatchFailure handles a whole-batch push failure: the records remain
// unsynced, the table outcome counts one fully-failed batch, and backoff
// accounting advances. Timeouts are treated identically to connection errors.
func (c *SyncCoordinator) recordBatchFailure(ctx context.Context, table string, batchLen int, pushErr error) {
	level := slog.LevelError
	if errors.Is(pushErr, remote.ErrUnavailable) {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "batch push failed",
		"component", "worker",
		"worker", "sync-coordinator",
		"table", table,
		"records", batchLen,
		"error", pushErr,
	)

	if err := c.store.RecordSyncOutcome(ctx, table, 0, batchLen, pushErr.Error(), c.now()); err != nil {
		slog.Error("failed to record sync outcome",
			"component", "worker",
			"worker", "sync-coordinator",
			"table", table,
			"error", err,
		)
	}
}

// stripMismatched builds retry payloads for results that failed with
// per-record unknown-field errors.
func stripMismatched(results []remote.UpsertResult, byID map[string]*types.Record) []remote.RecordPayload {
	var retry []remote.RecordPayload
	for _, result := range results {
		if result.OK || len(result.UnknownFields) == 0 {
			continue
		}
		rec, ok := byID[result.ID]
		if !ok {
			continue
		}
		retry = append(retry, remote.RecordPayload{
			ID:     rec.ID,
			Fields: rec.Fields.Without(result.UnknownFields),
		})
	}
	return retry
}

// mergeResults overlays retry outcomes on the original result set.
func mergeResults(original, retried []remote.UpsertResult) []remote.UpsertResult {
	latest := make(map[string]remote.UpsertResult, len(retried))
	for _, r := range retried {
		latest[r.ID] = r
	}
	merged := make([]remote.UpsertResult, len(original))
	for i, r := range original {
		if updated, ok := latest[r.ID]; ok {
			merged[i] = updated
			continue
		}
		merged[i] = r
	}
	return merged
}
