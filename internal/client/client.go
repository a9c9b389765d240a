// Package client talks to a running factlog server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lazypower/factlog/internal/engine"
)

const (
	defaultServerURL = "http://127.0.0.1:37780"
	httpTimeout      = 10 * time.Second
)

// Client talks to the factlog server.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client for serverURL. An empty URL falls back to the
// FACTLOG_URL env var, then http://127.0.0.1:37780.
func New(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("FACTLOG_URL")
	}
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: strings.TrimRight(serverURL, "/"),
	}
}

// StatusError is a non-2xx response from the server.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// do sends a request with an optional JSON body and decodes the JSON
// response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

// Ingest submits one extracted item.
func (c *Client) Ingest(ctx context.Context, sub engine.Submission) (*engine.IngestResult, error) {
	var res engine.IngestResult
	if err := c.do(ctx, http.MethodPost, "/api/facts", sub, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Allocate upserts deliveries for an item.
func (c *Client) Allocate(ctx context.Context, a engine.Allocation) (*engine.AllocationResult, error) {
	var res engine.AllocationResult
	if err := c.do(ctx, http.MethodPost, "/api/deliveries", a, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Reduce triggers a lifecycle pass on the server.
func (c *Client) Reduce(ctx context.Context) (*engine.ReduceStats, error) {
	var res engine.ReduceStats
	if err := c.do(ctx, http.MethodPost, "/api/reduce", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Rank triggers a ranking pass on the server.
func (c *Client) Rank(ctx context.Context) (*engine.RankStats, error) {
	var res engine.RankStats
	if err := c.do(ctx, http.MethodPost, "/api/rank", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil) == nil
}
