// Package parent polls one or more collectors over HTTP, feeds their
// batches into a hierarchical sequencer, and runs the resulting stream
// through the same fiber-correlation pipeline as standalone mode.
package parent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aiguy110/noil/internal/collector"
	"github.com/aiguy110/noil/internal/config"
	"golang.org/x/time/rate"
)

// maxBackoff caps the exponential backoff WithRetry applies between
// attempts, regardless of how large retryInterval's doubling grows.
const maxBackoff = 60 * time.Second

// ClientError wraps a non-2xx response from a collector's HTTP API.
type ClientError struct {
	Status  int
	Message string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("collector returned %d: %s", e.Status, e.Message)
}

// ErrMaxRetriesExceeded is returned by WithRetry once every attempt has
// failed.
var ErrMaxRetriesExceeded = fmt.Errorf("max retries exceeded")

// Client polls one collector's HTTP API.
type Client struct {
	collectorID   string
	baseURL       string
	httpClient    *http.Client
	retryInterval time.Duration
}

// NewClient builds a Client for endpoint.
func NewClient(endpoint config.RemoteCollectorEndpoint) (*Client, error) {
	if endpoint.URL == "" {
		return nil, fmt.Errorf("collector endpoint %q has no url", endpoint.ID)
	}

	timeout := 30 * time.Second
	if endpoint.Timeout.Value != nil {
		timeout = *endpoint.Timeout.Value
	}
	retryInterval := 5 * time.Second
	if endpoint.RetryInterval.Value != nil {
		retryInterval = *endpoint.RetryInterval.Value
	}

	return &Client{
		collectorID:   endpoint.ID,
		baseURL:       strings.TrimRight(endpoint.URL, "/"),
		httpClient:    &http.Client{Timeout: timeout},
		retryInterval: retryInterval,
	}, nil
}

// CollectorID returns the configured identifier of the collector this
// client polls, which need not match the collector's self-reported
// StatusResponse.CollectorID.
func (c *Client) CollectorID() string { return c.collectorID }

// WithRetry runs operation, retrying on error with exponential backoff
// starting at c.retryInterval and doubling up to maxBackoff, until it
// succeeds, ctx is cancelled, or maxRetries attempts have failed. The
// pacing between attempts is driven by a rate.Limiter whose rate is
// tightened after every failure, the way an outbound client in this
// corpus throttles retries rather than hand-rolling a timer loop.
func (c *Client) WithRetry(ctx context.Context, maxRetries int, operation func() error) error {
	backoff := c.retryInterval
	limiter := rate.NewLimiter(rate.Every(backoff), 1)
	limiter.Allow() // drain the initial burst token so the first failure actually paces

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		limiter.SetLimit(rate.Every(backoff))
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return fmt.Errorf("%w: last error: %s", ErrMaxRetriesExceeded, lastErr)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ClientError{Status: resp.StatusCode, Message: string(body)}
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

// GetStatus fetches GET /collector/status.
func (c *Client) GetStatus(ctx context.Context) (collector.StatusResponse, error) {
	var resp collector.StatusResponse
	err := c.get(ctx, "/collector/status", &resp)
	return resp, err
}

// GetBatches fetches GET /collector/batches, omitting after when nil
// so the collector returns batches from the beginning of its buffer.
func (c *Client) GetBatches(ctx context.Context, after *uint64, limit int) (collector.BatchesResponse, error) {
	q := url.Values{}
	if after != nil {
		q.Set("after", strconv.FormatUint(*after, 10))
	}
	q.Set("limit", strconv.Itoa(limit))

	var resp collector.BatchesResponse
	err := c.get(ctx, "/collector/batches?"+q.Encode(), &resp)
	return resp, err
}

// Acknowledge posts POST /collector/acknowledge for sequenceNums.
func (c *Client) Acknowledge(ctx context.Context, sequenceNums []uint64) (collector.AcknowledgeResponse, error) {
	var resp collector.AcknowledgeResponse
	err := c.post(ctx, "/collector/acknowledge", collector.AcknowledgeRequest{SequenceNums: sequenceNums}, &resp)
	return resp, err
}

// Rewind posts POST /collector/rewind. A parent never preserves a
// collector's buffer on rewind: the collector's un-acknowledged
// batches are the only copy of those records, and a rewind before the
// parent has consumed them would otherwise lose data silently.
func (c *Client) Rewind(ctx context.Context, targetSequence *uint64) (collector.RewindResult, error) {
	var resp collector.RewindResult
	err := c.post(ctx, "/collector/rewind", collector.RewindRequest{TargetSequence: targetSequence, PreserveBuffer: false}, &resp)
	return resp, err
}

// GetCheckpoint fetches GET /collector/checkpoint.
func (c *Client) GetCheckpoint(ctx context.Context) (collector.CheckpointResponse, error) {
	var resp collector.CheckpointResponse
	err := c.get(ctx, "/collector/checkpoint", &resp)
	return resp, err
}
