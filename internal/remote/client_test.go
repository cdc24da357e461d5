package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sfdcai/mediasync/internal/types"
)

func fastPolicy() Policy {
	return Policy{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestClient_Upsert_Success(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody upsertRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)

		json.NewEncoder(w).Encode(upsertResponse{Results: []UpsertResult{
			{ID: "abc", RemoteID: "srv-1", OK: true},
		}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", time.Second, fastPolicy())
	results, err := c.Upsert(context.Background(), "media_files", []RecordPayload{
		{ID: "abc", Fields: types.Fields{"status": "uploaded"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if gotAuth != "Bearer test-key" {
		t.Errorf("Expected bearer auth, got %q", gotAuth)
	}
	if gotPath != "/api/v1/tables/media_files" {
		t.Errorf("Expected table endpoint, got %q", gotPath)
	}
	if len(gotBody.Records) != 1 || gotBody.Records[0].ID != "abc" {
		t.Errorf("Expected request body with record abc, got %+v", gotBody)
	}
	if len(results) != 1 || !results[0].OK || results[0].RemoteID != "srv-1" {
		t.Errorf("Expected successful result with remote id, got %+v", results)
	}
}

func TestClient_Upsert_EmptyBatchIsNoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Expected no request for empty batch")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", time.Second, fastPolicy())
	results, err := c.Upsert(context.Background(), "media_files", nil)
	if err != nil || results != nil {
		t.Errorf("Expected nil/nil for empty batch, got %v/%v", results, err)
	}
}

func TestClient_Upsert_PerRecordFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(upsertResponse{Results: []UpsertResult{
			{ID: "a", RemoteID: "srv-a", OK: true},
			{ID: "b", OK: false, Error: "checksum mismatch"},
		}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", time.Second, fastPolicy())
	results, err := c.Upsert(context.Background(), "media_files", []RecordPayload{
		{ID: "a"}, {ID: "b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if results[1].OK || results[1].Error != "checksum mismatch" {
		t.Errorf("Expected per-record failure surfaced, got %+v", results[1])
	}
}

func TestClient_Upsert_SchemaMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(mismatchResponse{
			Error:  "unknown fields",
			Fields: []string{"compressed_size_bytes"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", time.Second, fastPolicy())
	_, err := c.Upsert(context.Background(), "media_files", []RecordPayload{{ID: "a"}})

	var mismatch *SchemaMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Expected SchemaMismatchError, got %v", err)
	}
	if len(mismatch.Fields) != 1 || mismatch.Fields[0] != "compressed_size_bytes" {
		t.Errorf("Expected offending fields listed, got %v", mismatch.Fields)
	}
}

func TestClient_Upsert_ServerErrorRetriesThenUnavailable(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", time.Second, fastPolicy())
	_, err := c.Upsert(context.Background(), "media_files", []RecordPayload{{ID: "a"}})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable, got %v", err)
	}

	// Initial attempt plus MaxRetries.
	if got := calls.Load(); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

func TestClient_Upsert_RecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(upsertResponse{Results: []UpsertResult{{ID: "a", OK: true}}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", time.Second, fastPolicy())
	results, err := c.Upsert(context.Background(), "media_files", []RecordPayload{{ID: "a"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || !results[0].OK {
		t.Errorf("Expected success after retry, got %+v", results)
	}
}

func TestClient_Upsert_TimeoutIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", 10*time.Millisecond, Policy{
		MaxRetries:     0,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	})
	_, err := c.Upsert(context.Background(), "media_files", []RecordPayload{{ID: "a"}})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected timeout to map to ErrUnavailable, got %v", err)
	}
}

func TestClient_Upsert_SchemaMismatchNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(mismatchResponse{Fields: []string{"x"}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", time.Second, fastPolicy())
	c.Upsert(context.Background(), "media_files", []RecordPayload{{ID: "a"}})

	if got := calls.Load(); got != 1 {
		t.Errorf("Expected schema mismatch not retried, got %d attempts", got)
	}
}

func TestClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("status") != "uploaded" {
			t.Errorf("Expected status query param, got %q", r.URL.RawQuery)
		}
		w.Write([]byte(`{"items":[{"id":"abc"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", time.Second, fastPolicy())
	body, err := c.Fetch(context.Background(), "media_files", url.Values{"status": {"uploaded"}})
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != `{"items":[{"id":"abc"}]}` {
		t.Errorf("Expected raw body returned, got %s", body)
	}
}

func TestClient_Fetch_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", time.Second, fastPolicy())
	_, err := c.Fetch(context.Background(), "media_files", nil)
	if err == nil {
		t.Fatal("Expected error for 404")
	}
	if errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected 4xx to not map to ErrUnavailable, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("Expected no retry for 4xx, got %d attempts", got)
	}
}
