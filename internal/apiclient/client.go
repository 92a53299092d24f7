// Package apiclient talks to the orchestrator's HTTP API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agentlink/internal/agent"
	"agentlink/internal/domain"
	"agentlink/internal/messaging/endpoint"
	"agentlink/internal/orchestrator"
)

// Error is a non-2xx reply.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

type CreateTaskRequest struct {
	Description     string   `json:"description"`
	Priority        string   `json:"priority,omitempty"`
	DeadlineSeconds int      `json:"deadline_seconds,omitempty"`
	MaxRetries      *int     `json:"max_retries,omitempty"`
	Critical        bool     `json:"critical,omitempty"`
	Constraints     []string `json:"constraints,omitempty"`
	Decompose       bool     `json:"decompose,omitempty"`
	Sequential      bool     `json:"sequential,omitempty"`
	AutoStart       *bool    `json:"auto_start,omitempty"`
}

// WaitHealthy polls /healthz until it answers or timeout passes.
func (c *Client) WaitHealthy(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var out map[string]any
		if err := c.getJSON(ctx, "/healthz", &out); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(400 * time.Millisecond):
		}
	}
	return fmt.Errorf("timeout waiting for %s/healthz", c.baseURL)
}

func (c *Client) Tasks(ctx context.Context, status string) ([]orchestrator.TaskView, error) {
	path := "/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out []orchestrator.TaskView
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Task(ctx context.Context, id string) (orchestrator.TaskView, error) {
	var out orchestrator.TaskView
	err := c.getJSON(ctx, "/tasks/"+url.PathEscape(id), &out)
	return out, err
}

func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (orchestrator.TaskView, error) {
	var out orchestrator.TaskView
	err := c.postJSON(ctx, "/tasks", req, &out)
	return out, err
}

func (c *Client) Cancel(ctx context.Context, id, reason string) error {
	return c.postJSON(ctx, "/tasks/"+url.PathEscape(id)+"/cancel", map[string]string{"reason": reason}, nil)
}

func (c *Client) Decisions(ctx context.Context, id string, limit int) ([]domain.DecisionLog, error) {
	var out []domain.DecisionLog
	if err := c.getJSON(ctx, fmt.Sprintf("/tasks/%s/decisions?limit=%d", url.PathEscape(id), limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Summary(ctx context.Context) (orchestrator.Summary, error) {
	var out orchestrator.Summary
	err := c.getJSON(ctx, "/summary", &out)
	return out, err
}

func (c *Client) Endpoints(ctx context.Context) ([]endpoint.Stats, error) {
	var out []endpoint.Stats
	if err := c.getJSON(ctx, "/endpoints", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Workers(ctx context.Context) ([]agent.WorkerStatus, error) {
	var out []agent.WorkerStatus
	if err := c.getJSON(ctx, "/workers", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &Error{Status: resp.StatusCode, Message: msg}
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
