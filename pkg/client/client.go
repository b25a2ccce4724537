// Package client provides a Go client library for procpoold's HTTP
// control-plane facade: submit, query, interact with, and inspect
// tasks from a CLI or another Go program.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client wraps an HTTP connection to one procpoold instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client targeting baseURL (e.g. "http://127.0.0.1:8080").
func NewClient(baseURL string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("client: base url must not be empty")
	}
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: 30 * time.Second}}, nil
}

// envelope mirrors the daemon's response shape.
type envelope struct {
	Method  string `json:"method"`
	Output  any    `json:"output"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*envelope, error) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("client: failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("client: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: request failed: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("client: failed to decode response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return &env, fmt.Errorf("client: %s %s returned %d: %s", method, path, resp.StatusCode, env.Message)
	}
	return &env, nil
}

// Submit posts one or more task requests and returns the inserted
// slim task projections.
func (c *Client) Submit(ctx context.Context, path string, requests []map[string]any) ([]any, error) {
	env, err := c.do(ctx, http.MethodPost, path, map[string]any{"requests": requests})
	if err != nil {
		return nil, err
	}
	return toSlice(env.Output), nil
}

// Running lists currently-running tasks.
func (c *Client) Running(ctx context.Context, path string, full bool) ([]any, error) {
	if full {
		path += "?full"
	}
	env, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return toSlice(env.Output), nil
}

// Queued lists currently-queued tasks.
func (c *Client) Queued(ctx context.Context, path string, full bool) ([]any, error) {
	if full {
		path += "?full"
	}
	env, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return toSlice(env.Output), nil
}

// Get fetches a single task by id.
func (c *Client) Get(ctx context.Context, path string, full bool) (map[string]any, error) {
	if full {
		path += "?full"
	}
	env, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	out, _ := env.Output.(map[string]any)
	return out, nil
}

// Query runs an arbitrary store query against the task collection.
func (c *Client) Query(ctx context.Context, path string, query map[string]any) ([]any, error) {
	env, err := c.do(ctx, http.MethodPost, path, map[string]any{"query": query})
	if err != nil {
		return nil, err
	}
	return toSlice(env.Output), nil
}

// Interact sends an action (e.g. "terminate", "pause") to a running task.
func (c *Client) Interact(ctx context.Context, path string, action string) (map[string]any, error) {
	env, err := c.do(ctx, http.MethodPost, path, map[string]any{"action": action})
	if err != nil {
		return nil, err
	}
	out, _ := env.Output.(map[string]any)
	return out, nil
}

func toSlice(v any) []any {
	s, _ := v.([]any)
	return s
}
