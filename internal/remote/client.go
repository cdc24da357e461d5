// Package remote implements the HTTP client for the remote system of record.
// Each syncable table maps to one endpoint supporting bulk idempotent upsert
// and filtered reads, authenticated with a bearer API key.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sfdcai/mediasync/internal/types"
)

// ErrUnavailable covers network failures, timeouts, and 5xx responses. All
// three are treated identically for backoff and error accounting.
var ErrUnavailable = errors.New("remote unavailable")

// SchemaMismatchError is returned when the remote rejects a payload because
// of fields it does not recognize. The offending field names are listed so
// the caller can strip them and retry.
type SchemaMismatchError struct {
	Fields []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("remote rejected unknown fields: %v", e.Fields)
}

// Policy is an explicit retry policy value: attempts and backoff are visible
// at the call site instead of hidden in a wrapper.
type Policy struct {
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy retries transient failures twice with capped exponential backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

func (p Policy) backoff() retry.Backoff {
	b := retry.NewExponential(p.InitialBackoff)
	b = retry.WithCappedDuration(p.MaxBackoff, b)
	b = retry.WithMaxRetries(p.MaxRetries, b)
	return b
}

// RecordPayload is one record in a bulk upsert request.
type RecordPayload struct {
	ID     string       `json:"id"`
	Fields types.Fields `json:"fields"`
}

// UpsertResult is the per-record outcome of a bulk upsert.
type UpsertResult struct {
	ID            string   `json:"id"`
	RemoteID      string   `json:"remote_id,omitempty"`
	OK            bool     `json:"ok"`
	Error         string   `json:"error,omitempty"`
	UnknownFields []string `json:"unknown_fields,omitempty"`
}

type upsertRequest struct {
	Records []RecordPayload `json:"records"`
}

type upsertResponse struct {
	Results []UpsertResult `json:"results"`
}

type mismatchResponse struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields"`
}

// Client talks to the remote system of record. Every call carries the fixed
// request timeout configured at construction.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	policy  Policy
}

// NewClient creates a Client for the given base URL and API key.
func NewClient(baseURL, apiKey string, timeout time.Duration, policy Policy) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		policy:  policy,
	}
}

// Upsert pushes a batch of records to the table's endpoint and returns the
// per-record outcomes. The remote operation is idempotent, so retrying a
// partially delivered batch is safe. Transient failures are retried per the
// client's policy before ErrUnavailable is returned.
func (c *Client) Upsert(ctx context.Context, table string, records []RecordPayload) ([]UpsertResult, error) {
	if len(records) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(upsertRequest{Records: records})
	if err != nil {
		return nil, fmt.Errorf("marshal upsert request: %w", err)
	}

	var results []UpsertResult
	err = retry.Do(ctx, c.policy.backoff(), func(ctx context.Context) error {
		res, err := c.doUpsert(ctx, table, body)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				return retry.RetryableError(err)
			}
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Client) doUpsert(ctx context.Context, table string, body []byte) ([]UpsertResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/tables/"+url.PathEscape(table), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		// Timeouts and connection errors are indistinguishable to the caller.
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var parsed upsertResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, fmt.Errorf("decode upsert response: %w", err)
		}
		return parsed.Results, nil

	case resp.StatusCode == http.StatusUnprocessableEntity:
		var mismatch mismatchResponse
		if err := json.NewDecoder(resp.Body).Decode(&mismatch); err != nil {
			return nil, fmt.Errorf("decode mismatch response: %w", err)
		}
		return nil, &SchemaMismatchError{Fields: mismatch.Fields}

	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)

	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("upsert %s: unexpected status %d: %s", table, resp.StatusCode, snippet)
	}
}

// Fetch performs a filtered read against the table's endpoint and returns the
// raw JSON response body.
func (c *Client) Fetch(ctx context.Context, table string, query url.Values) (json.RawMessage, error) {
	u := c.baseURL + "/api/v1/tables/" + url.PathEscape(table)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var result json.RawMessage
	err := retry.Do(ctx, c.policy.backoff(), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		c.setHeaders(req)

		resp, err := c.client.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("%w: %v", ErrUnavailable, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fetch %s: unexpected status %d", table, resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read fetch response: %w", err)
		}
		result = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
}
