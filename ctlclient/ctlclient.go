// Package ctlclient talks to the control-plane API of a running engine.
package ctlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"engagebot/extractor"
	"engagebot/storage"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	Detail     string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("api returned status %d: %s: %s", e.StatusCode, e.Message, e.Detail)
	}
	return fmt.Sprintf("api returned status %d: %s", e.StatusCode, e.Message)
}

// retryable reports whether a status is worth another attempt.
func retryable(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// BatchResult is the answer to BatchUpsert.
type BatchResult struct {
	CandidateIDs []string `json:"candidate_ids"`
	Inserted     int      `json:"inserted"`
	Queued       int      `json:"queued"`
	Dropped      int      `json:"dropped"`
}

// Retry configures retries of transport errors and overload answers.
type Retry struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetry retries three times with backoff from 200ms to 3s.
var DefaultRetry = Retry{MaxRetries: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 3 * time.Second}

// Client is a control-plane API client.
type Client struct {
	client   *http.Client
	baseURL  string
	executor failsafe.Executor[*http.Response]
}

// NewClient creates a client for the API at baseURL.
func NewClient(client *http.Client, baseURL string, retry Retry) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = DefaultRetry.BaseDelay
	}
	if retry.MaxDelay < retry.BaseDelay {
		retry.MaxDelay = retry.BaseDelay
	}
	policy := retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(retry.BaseDelay, retry.MaxDelay).
		WithMaxRetries(retry.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ *http.Response, err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return retryable(apiErr.StatusCode)
			}
			return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}).
		Build()

	return &Client{
		client:   client,
		baseURL:  baseURL,
		executor: failsafe.With[*http.Response](policy),
	}
}

// CreateRun starts a new run.
func (c *Client) CreateRun(ctx context.Context, label string) (*storage.Run, error) {
	var run storage.Run
	if err := c.post(ctx, "/v1/runs", map[string]string{"label": label}, &run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	return &run, nil
}

// BatchUpsert submits extracted items under a run.
func (c *Client) BatchUpsert(ctx context.Context, runID string, items []extractor.Item) (*BatchResult, error) {
	body := map[string]any{"run_id": runID, "items": items}
	var res BatchResult
	if err := c.post(ctx, "/v1/candidates:batchUpsert", body, &res); err != nil {
		return nil, fmt.Errorf("submitting %d items: %w", len(items), err)
	}
	return &res, nil
}

// NextTask claims the oldest queued task of the account. It returns nil when
// nothing is queued.
func (c *Client) NextTask(ctx context.Context, accountID string) (*storage.Task, error) {
	var res struct {
		Task *storage.Task `json:"task"`
	}
	if err := c.post(ctx, "/v1/actionTasks:next", map[string]string{"account_id": accountID}, &res); err != nil {
		return nil, fmt.Errorf("fetching next task: %w", err)
	}
	return res.Task, nil
}

// ReportTask records the driver's result for a task.
func (c *Client) ReportTask(ctx context.Context, id, status, errorMessage string, evidence json.RawMessage) error {
	body := map[string]any{"status": status, "error_message": errorMessage}
	if len(evidence) > 0 {
		body["evidence"] = evidence
	}
	if err := c.post(ctx, "/v1/actionTasks/"+id+":report", body, nil); err != nil {
		return fmt.Errorf("reporting task %s: %w", id, err)
	}
	return nil
}

// Status returns the engine status document.
func (c *Client) Status(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &raw); err != nil {
		return nil, fmt.Errorf("fetching status: %w", err)
	}
	return raw, nil
}

// Stats returns candidate, task, rate and audit counters.
func (c *Client) Stats(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &raw); err != nil {
		return nil, fmt.Errorf("fetching stats: %w", err)
	}
	return raw, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	resp, err := c.executor.WithContext(ctx).Get(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 300 {
			defer resp.Body.Close()
			apiErr := &APIError{StatusCode: resp.StatusCode}
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
			return nil, apiErr
		}
		return resp, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
