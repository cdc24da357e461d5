package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sfdcai/mediasync/internal/store"
	"github.com/sfdcai/mediasync/internal/types"
	"github.com/sfdcai/mediasync/internal/validation"
)

// --- Mock Implementations for Testing ---

// mockHandlerStore implements HandlerStore for testing
type mockHandlerStore struct {
	mu       sync.Mutex
	records  map[string]*types.Record // keyed table "/" id
	statuses []types.TableStatus
	unsynced map[string]int64
	putErr   error
	getErr   error
	puts     []string
	enabled  map[string]bool
}

func newMockHandlerStore() *mockHandlerStore {
	return &mockHandlerStore{
		records:  make(map[string]*types.Record),
		unsynced: make(map[string]int64),
		enabled:  make(map[string]bool),
	}
}

func (m *mockHandlerStore) PutRecord(ctx context.Context, table, id string, fields types.Fields) (*types.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return nil, m.putErr
	}
	now := time.Now().UTC()
	rec := &types.Record{
		Table:     table,
		ID:        id,
		Fields:    fields,
		SyncState: types.StateUnsynced,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.records[table+"/"+id] = rec
	m.puts = append(m.puts, table+"/"+id)
	return rec, nil
}

func (m *mockHandlerStore) GetRecord(ctx context.Context, table, id string) (*types.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	rec, ok := m.records[table+"/"+id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func (m *mockHandlerStore) CountRecords(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.records)), nil
}

func (m *mockHandlerStore) CountUnsynced(ctx context.Context, table string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unsynced[table], nil
}

func (m *mockHandlerStore) ListTableStatuses(ctx context.Context) ([]types.TableStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses, nil
}

func (m *mockHandlerStore) SetTableEnabled(ctx context.Context, table string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for _, s := range m.statuses {
		if s.TableName == table {
			found = true
		}
	}
	if !found {
		return store.ErrNotFound
	}
	m.enabled[table] = enabled
	return nil
}

// mockCacheControl implements CacheControl for testing
type mockCacheControl struct {
	mu          sync.Mutex
	invalidated []string
	cleared     int
	removed     int64
	stats       types.CacheStats
}

func (m *mockCacheControl) Invalidate(ctx context.Context, pattern string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated = append(m.invalidated, pattern)
	return m.removed, nil
}

func (m *mockCacheControl) Clear(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared++
	return m.removed, nil
}

func (m *mockCacheControl) Stats(ctx context.Context) types.CacheStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// mockOpEnqueuer implements OpEnqueuer for testing
type mockOpEnqueuer struct {
	mu         sync.Mutex
	enqueued   []types.PendingOperation
	enqueueErr error
	depth      int64
}

func (m *mockOpEnqueuer) Enqueue(ctx context.Context, kind, target string, payload json.RawMessage) (*types.PendingOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueErr != nil {
		return nil, m.enqueueErr
	}
	op := types.PendingOperation{
		Seq:        int64(len(m.enqueued) + 1),
		ID:         "op-1",
		Kind:       kind,
		Target:     target,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
	m.enqueued = append(m.enqueued, op)
	return &op, nil
}

func (m *mockOpEnqueuer) Depth(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth, nil
}

// mockSyncer implements Syncer for testing
type mockSyncer struct {
	mu     sync.Mutex
	forced []string
	err    error
}

func (m *mockSyncer) ForceSync(ctx context.Context, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.forced = append(m.forced, table)
	return nil
}

type testEnv struct {
	store  *mockHandlerStore
	cache  *mockCacheControl
	queue  *mockOpEnqueuer
	syncer *mockSyncer
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	registry := validation.NewRegistry([]validation.TableSchema{
		{Name: "media_files", Fields: []string{"filename", "checksum", "size_bytes", "status"}},
		{Name: "sync_logs"},
		{Name: "settings"},
	})

	env := &testEnv{
		store:  newMockHandlerStore(),
		cache:  &mockCacheControl{},
		queue:  &mockOpEnqueuer{},
		syncer: &mockSyncer{},
	}
	h := NewHandler(env.store, env.cache, env.queue, env.syncer, registry, testAPIKey, "test")
	env.router = NewRouter(h)
	return env
}

func (e *testEnv) request(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()

	var rdr *bytes.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestHealth_NoAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp types.HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy", resp.Status)
	}
	if resp.Version != "test" {
		t.Errorf("version = %q, want test", resp.Version)
	}
}

func TestProtectedRoutes_RequireAuth(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q, want application/problem+json", ct)
	}
}

func TestStats_AggregatesSources(t *testing.T) {
	env := newTestEnv(t)
	env.store.records["media_files/a"] = &types.Record{Table: "media_files", ID: "a"}
	env.store.records["sync_logs/b"] = &types.Record{Table: "sync_logs", ID: "b"}
	env.store.statuses = []types.TableStatus{
		{TableName: "media_files", Enabled: true},
		{TableName: "sync_logs", Enabled: true},
	}
	env.store.unsynced["media_files"] = 2
	env.queue.depth = 5
	env.cache.stats = types.CacheStats{TotalRequests: 10, CacheHits: 7, CacheMisses: 3, HitRate: 0.7, Entries: 4}

	w := env.request(t, http.MethodGet, "/api/v1/stats", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp types.Stats
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Records != 2 {
		t.Errorf("records = %d, want 2", resp.Records)
	}
	if resp.Queue.Pending != 5 {
		t.Errorf("queue.pending = %d, want 5", resp.Queue.Pending)
	}
	if resp.Cache.CacheHits != 7 {
		t.Errorf("cache.cache_hits = %d, want 7", resp.Cache.CacheHits)
	}
	if len(resp.Tables) != 2 {
		t.Errorf("tables length = %d, want 2", len(resp.Tables))
	}
	if resp.Backlog["media_files"] != 2 {
		t.Errorf("backlog[media_files] = %d, want 2", resp.Backlog["media_files"])
	}
	if resp.Backlog["sync_logs"] != 0 {
		t.Errorf("backlog[sync_logs] = %d, want 0", resp.Backlog["sync_logs"])
	}
}

func TestPutRecord_StoresAndInvalidatesCache(t *testing.T) {
	env := newTestEnv(t)

	body := `{"id":"rec-1","fields":{"filename":"IMG_0001.jpg","checksum":"abc123"}}`
	w := env.request(t, http.MethodPost, "/api/v1/records/media_files", body)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var rec types.Record
	if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if rec.ID != "rec-1" {
		t.Errorf("id = %q, want rec-1", rec.ID)
	}
	if rec.SyncState != types.StateUnsynced {
		t.Errorf("sync_state = %q, want unsynced", rec.SyncState)
	}

	env.cache.mu.Lock()
	defer env.cache.mu.Unlock()
	if len(env.cache.invalidated) != 1 || env.cache.invalidated[0] != "media_files%" {
		t.Errorf("cache invalidations = %v, want [media_files%%]", env.cache.invalidated)
	}
}

func TestPutRecord_GeneratesIDWhenOmitted(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/api/v1/records/media_files", `{"fields":{"filename":"a.jpg"}}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var rec types.Record
	if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(rec.ID) != 26 {
		t.Errorf("generated id = %q, want 26-char ULID", rec.ID)
	}
}

func TestPutRecord_InvalidJSON(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/api/v1/records/media_files", `{not json`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestPutRecord_RejectsUnknownField(t *testing.T) {
	env := newTestEnv(t)

	body := `{"id":"rec-1","fields":{"filename":"a.jpg","ransom_note":"hi"}}`
	w := env.request(t, http.MethodPost, "/api/v1/records/media_files", body)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}

	var p ProblemWithErrors
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatalf("failed to decode problem: %v", err)
	}
	if len(p.Errors) == 0 {
		t.Fatal("expected field errors in problem response")
	}
	if !strings.Contains(p.Errors[0].Field, "ransom_note") {
		t.Errorf("error field = %q, want reference to ransom_note", p.Errors[0].Field)
	}

	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	if len(env.store.puts) != 0 {
		t.Error("invalid record should not reach the store")
	}
}

func TestPutRecord_RejectsUnknownTable(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/api/v1/records/nonsense", `{"id":"x","fields":{}}`)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}
}

func TestGetRecord_Found(t *testing.T) {
	env := newTestEnv(t)
	env.store.records["media_files/rec-1"] = &types.Record{
		Table:     "media_files",
		ID:        "rec-1",
		Fields:    types.Fields{"filename": "a.jpg"},
		SyncState: types.StateSynced,
	}

	w := env.request(t, http.MethodGet, "/api/v1/records/media_files/rec-1", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var rec types.Record
	if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if rec.Fields["filename"] != "a.jpg" {
		t.Errorf("fields.filename = %v, want a.jpg", rec.Fields["filename"])
	}
}

func TestGetRecord_NotFound(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodGet, "/api/v1/records/media_files/missing", "")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}

	var p Problem
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatalf("failed to decode problem: %v", err)
	}
	if p.Status != http.StatusNotFound {
		t.Errorf("problem status = %d, want 404", p.Status)
	}
}

func TestEnqueueOp_Accepted(t *testing.T) {
	env := newTestEnv(t)

	body := `{"kind":"write","target":"media_files","payload":{"id":"rec-1"}}`
	w := env.request(t, http.MethodPost, "/api/v1/ops", body)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusAccepted, w.Body.String())
	}

	var op types.PendingOperation
	if err := json.NewDecoder(w.Body).Decode(&op); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if op.Kind != "write" || op.Target != "media_files" {
		t.Errorf("op = %+v, want kind=write target=media_files", op)
	}
}

func TestEnqueueOp_InvalidKindRejected(t *testing.T) {
	env := newTestEnv(t)
	env.queue.enqueueErr = errors.New("unknown operation kind")

	w := env.request(t, http.MethodPost, "/api/v1/ops", `{"kind":"explode","target":"media_files"}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestForceSync_TriggersCycle(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/api/v1/sync/media_files", "")

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}

	env.syncer.mu.Lock()
	defer env.syncer.mu.Unlock()
	if len(env.syncer.forced) != 1 || env.syncer.forced[0] != "media_files" {
		t.Errorf("forced = %v, want [media_files]", env.syncer.forced)
	}
}

func TestForceSync_UnknownTable(t *testing.T) {
	env := newTestEnv(t)
	env.syncer.err = store.ErrNotFound

	w := env.request(t, http.MethodPost, "/api/v1/sync/bogus", "")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestSetTableEnabled(t *testing.T) {
	env := newTestEnv(t)
	env.store.statuses = []types.TableStatus{{TableName: "media_files", Enabled: true}}

	w := env.request(t, http.MethodPut, "/api/v1/sync/media_files", `{"enabled":false}`)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusNoContent, w.Body.String())
	}

	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	if env.store.enabled["media_files"] {
		t.Error("table should be disabled")
	}
}

func TestClearCache_Full(t *testing.T) {
	env := newTestEnv(t)
	env.cache.removed = 42

	w := env.request(t, http.MethodDelete, "/api/v1/cache", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]int64
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["removed"] != 42 {
		t.Errorf("removed = %d, want 42", resp["removed"])
	}

	env.cache.mu.Lock()
	defer env.cache.mu.Unlock()
	if env.cache.cleared != 1 {
		t.Errorf("clear calls = %d, want 1", env.cache.cleared)
	}
	if len(env.cache.invalidated) != 0 {
		t.Errorf("unexpected pattern invalidations: %v", env.cache.invalidated)
	}
}

func TestClearCache_PatternOnly(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodDelete, "/api/v1/cache?endpoint=media_files%25", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	env.cache.mu.Lock()
	defer env.cache.mu.Unlock()
	if env.cache.cleared != 0 {
		t.Error("pattern invalidation should not clear the whole cache")
	}
	if len(env.cache.invalidated) != 1 || env.cache.invalidated[0] != "media_files%" {
		t.Errorf("invalidated = %v, want [media_files%%]", env.cache.invalidated)
	}
}

func TestConfig_SetThenGet(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPut, "/api/v1/config/sync_frequency", `{"value":"10m"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("set status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}

	w = env.request(t, http.MethodGet, "/api/v1/config/sync_frequency", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["key"] != "sync_frequency" {
		t.Errorf("key = %v, want sync_frequency", resp["key"])
	}
	if resp["value"] != "10m" {
		t.Errorf("value = %v, want 10m", resp["value"])
	}
}

func TestGetConfig_UnknownKey(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodGet, "/api/v1/config/never_set", "")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
