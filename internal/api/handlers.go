package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/sfdcai/mediasync/internal/types"
	"github.com/sfdcai/mediasync/internal/validation"
)

// HandlerStore is the local store surface the admin API uses.
type HandlerStore interface {
	PutRecord(ctx context.Context, table, id string, fields types.Fields) (*types.Record, error)
	GetRecord(ctx context.Context, table, id string) (*types.Record, error)
	CountRecords(ctx context.Context) (int64, error)
	CountUnsynced(ctx context.Context, table string) (int64, error)
	ListTableStatuses(ctx context.Context) ([]types.TableStatus, error)
	SetTableEnabled(ctx context.Context, table string, enabled bool) error
}

// CacheControl is the cache surface the admin API uses.
type CacheControl interface {
	Invalidate(ctx context.Context, endpointPattern string) (int64, error)
	Clear(ctx context.Context) (int64, error)
	Stats(ctx context.Context) types.CacheStats
}

// OpEnqueuer is the write-behind queue surface the admin API uses.
type OpEnqueuer interface {
	Enqueue(ctx context.Context, kind, target string, payload json.RawMessage) (*types.PendingOperation, error)
	Depth(ctx context.Context) (int64, error)
}

// Syncer triggers an immediate sync cycle for a table.
type Syncer interface {
	ForceSync(ctx context.Context, table string) error
}

// Handler implements the API handlers
type Handler struct {
	store    HandlerStore
	cache    CacheControl
	queue    OpEnqueuer
	syncer   Syncer
	registry *validation.Registry
	apiKey   string
	version  string
}

// NewHandler creates a new Handler.
func NewHandler(s HandlerStore, c CacheControl, q OpEnqueuer, syncer Syncer, registry *validation.Registry, apiKey, version string) *Handler {
	return &Handler{
		store:    s,
		cache:    c,
		queue:    q,
		syncer:   syncer,
		registry: registry,
		apiKey:   apiKey,
		version:  version,
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.CountRecords(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	resp := types.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Records: count,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Stats handles GET /api/v1/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	records, err := h.store.CountRecords(ctx)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	statuses, err := h.store.ListTableStatuses(ctx)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	backlog := make(map[string]int64, len(statuses))
	for _, status := range statuses {
		depth, err := h.store.CountUnsynced(ctx, status.TableName)
		if err != nil {
			MapStoreError(w, r, err)
			return
		}
		backlog[status.TableName] = depth
	}

	pending, err := h.queue.Depth(ctx)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	resp := types.Stats{
		Records: records,
		Cache:   h.cache.Stats(ctx),
		Queue:   types.QueueStats{Pending: pending},
		Tables:  statuses,
		Backlog: backlog,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// PutRecordRequest is the body of POST /api/v1/records/{table}.
type PutRecordRequest struct {
	ID     string       `json:"id"`
	Fields types.Fields `json:"fields"`
}

// PutRecord handles POST /api/v1/records/{table}
func (h *Handler) PutRecord(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")

	var req PutRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	if req.ID == "" {
		req.ID = ulid.Make().String()
	}

	if errs := h.registry.ValidateRecord(table, req.ID, req.Fields); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	rec, err := h.store.PutRecord(r.Context(), table, req.ID, req.Fields)
	if err != nil {
		slog.Error("put record failed", "table", table, "record_id", req.ID, "error", err)
		MapStoreError(w, r, err)
		return
	}

	// Cached reads against this table are stale now.
	if _, err := h.cache.Invalidate(r.Context(), table+"%"); err != nil {
		slog.Warn("cache invalidation failed", "table", table, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

// GetRecord handles GET /api/v1/records/{table}/{id}
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	id := chi.URLParam(r, "id")

	rec, err := h.store.GetRecord(r.Context(), table, id)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

// EnqueueRequest is the body of POST /api/v1/ops.
type EnqueueRequest struct {
	Kind    string          `json:"kind"`
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload"`
}

// EnqueueOp handles POST /api/v1/ops
func (h *Handler) EnqueueOp(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	op, err := h.queue.Enqueue(r.Context(), req.Kind, req.Target, req.Payload)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(op)
}

// ForceSync handles POST /api/v1/sync/{table}
func (h *Handler) ForceSync(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")

	if err := h.syncer.ForceSync(r.Context(), table); err != nil {
		MapStoreError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SetTableEnabledRequest is the body of PUT /api/v1/sync/{table}.
type SetTableEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// SetTableEnabled handles PUT /api/v1/sync/{table}
func (h *Handler) SetTableEnabled(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")

	var req SetTableEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	if err := h.store.SetTableEnabled(r.Context(), table, req.Enabled); err != nil {
		MapStoreError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ClearCache handles DELETE /api/v1/cache. With an ?endpoint= pattern only
// matching entries are invalidated; without one the whole cache is cleared.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	var removed int64
	var err error

	if pattern := r.URL.Query().Get("endpoint"); pattern != "" {
		removed, err = h.cache.Invalidate(r.Context(), pattern)
	} else {
		removed, err = h.cache.Clear(r.Context())
	}
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{"removed": removed})
}

// settingsTable holds runtime configuration overrides. Settings flow through
// the regular record path, so they sync to the remote like any other table.
const settingsTable = "settings"

// GetConfig handles GET /api/v1/config/{key}
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	rec, err := h.store.GetRecord(r.Context(), settingsTable, key)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"key": key, "value": rec.Fields["value"]})
}

// SetConfigRequest is the body of PUT /api/v1/config/{key}.
type SetConfigRequest struct {
	Value any `json:"value"`
}

// SetConfig handles PUT /api/v1/config/{key}
func (h *Handler) SetConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req SetConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	fields := types.Fields{"value": req.Value}
	if errs := h.registry.ValidateRecord(settingsTable, key, fields); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	rec, err := h.store.PutRecord(r.Context(), settingsTable, key, fields)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}
