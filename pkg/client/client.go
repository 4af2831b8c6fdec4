// Package client provides a Go SDK for the Dispatch HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/milla-ai/dispatch/pkg/models"
)

// Client calls the Dispatch HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:4810"
	APIKey     string       // optional; set for X-API-Key
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL (e.g. "http://localhost:4810").
// APIKey is optional; when set, requests carry the X-API-Key header.
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	u := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	return c.client().Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("api %s %s: %s", method, path, errBody.Error)
		}
		return fmt.Errorf("api %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health returns the /health response (ok: true).
func (c *Client) Health(ctx context.Context) (ok bool, err error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err = c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out.OK, err
}

// CreateTask creates a task. Set req.Run to run it in the same request.
func (c *Client) CreateTask(ctx context.Context, req models.CreateTaskRequest) (*models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodPost, "/tasks", req, &out)
	return &out, err
}

// GetTask returns a task by ID.
func (c *Client) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &out)
	return &out, err
}

// ListTasks returns tasks, newest first (limit 0 = server default).
func (c *Client) ListTasks(ctx context.Context, limit int) ([]models.Task, error) {
	path := "/tasks"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []models.Task
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// RunTask runs a task through its agent handler and returns the settled task.
// A handler-level failure is reported on the returned task, not as an error.
func (c *Client) RunTask(ctx context.Context, taskID string) (*models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/run", nil, &out)
	return &out, err
}

// ApproveTask approves a gated task so a subsequent run may proceed.
func (c *Client) ApproveTask(ctx context.Context, taskID string) (*models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/approve", nil, &out)
	return &out, err
}

// RejectTask rejects a gated task, cancelling it with the given reason.
func (c *Client) RejectTask(ctx context.Context, taskID, reason string) (*models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/reject", map[string]string{"reason": reason}, &out)
	return &out, err
}

// CancelTask cancels a pending or in-progress task.
func (c *Client) CancelTask(ctx context.Context, taskID string) (*models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/cancel", nil, &out)
	return &out, err
}

// AuditTrail returns the append-only audit trail for a task, oldest first.
func (c *Client) AuditTrail(ctx context.Context, taskID string) ([]models.AuditEvent, error) {
	var out []models.AuditEvent
	err := c.doJSON(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID)+"/audit", nil, &out)
	return out, err
}

// Agents returns the registered agent handlers.
func (c *Client) Agents(ctx context.Context) ([]models.AgentInfo, error) {
	var out []models.AgentInfo
	err := c.doJSON(ctx, http.MethodGet, "/agents", nil, &out)
	return out, err
}

// Outbox returns all outbox items.
func (c *Client) Outbox(ctx context.Context) ([]models.OutboxItem, error) {
	var out []models.OutboxItem
	err := c.doJSON(ctx, http.MethodGet, "/outbox", nil, &out)
	return out, err
}

// OutboxMetrics returns process-lifetime delivery counters.
func (c *Client) OutboxMetrics(ctx context.Context) (*models.OutboxMetrics, error) {
	var out models.OutboxMetrics
	err := c.doJSON(ctx, http.MethodGet, "/outbox/metrics", nil, &out)
	return &out, err
}

// ResendOutboxItem resets an item's retry budget so delivery runs again.
func (c *Client) ResendOutboxItem(ctx context.Context, itemID int64) error {
	return c.doJSON(ctx, http.MethodPost, "/outbox/"+strconv.FormatInt(itemID, 10)+"/resend", nil, nil)
}

// DeleteOutboxItem removes an outbox item.
func (c *Client) DeleteOutboxItem(ctx context.Context, itemID int64) error {
	return c.doJSON(ctx, http.MethodDelete, "/outbox/"+strconv.FormatInt(itemID, 10), nil, nil)
}
