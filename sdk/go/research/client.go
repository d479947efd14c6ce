// Package research provides a small Go client for the researchd REST API.
package research

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// DefaultPollInterval is the default interval used by WaitForCompletion.
const DefaultPollInterval = time.Second

// Client wraps the HTTP interactions with the researchd REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	authToken  string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithAuthToken sets the bearer token attached to every request.
func WithAuthToken(token string) Option {
	return func(c *Client) {
		c.authToken = token
	}
}

// NewClient instantiates a client for the researchd API.
func NewClient(rawURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	client := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// SubmitRequest is the payload required to start a research task.
type SubmitRequest struct {
	Topic    string         `json:"topic"`
	Provider string         `json:"provider"`
	Model    string         `json:"model,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Wait     bool           `json:"wait,omitempty"`
}

// ExecutionResult carries the generated report of a finished task.
type ExecutionResult struct {
	Report       string `json:"report"`
	ReportFile   string `json:"report_file,omitempty"`
	Observations string `json:"observations,omitempty"`
}

// Task mirrors the server side task representation.
type Task struct {
	ID         string           `json:"id"`
	Topic      string           `json:"topic"`
	Provider   string           `json:"provider"`
	Model      string           `json:"model,omitempty"`
	Status     string           `json:"status"`
	Attempts   int              `json:"attempts"`
	MaxRetries int              `json:"max_retries"`
	LastError  string           `json:"last_error,omitempty"`
	Result     *ExecutionResult `json:"result,omitempty"`
	CreatedAt  int64            `json:"created_at"`
	UpdatedAt  int64            `json:"updated_at"`
}

// TaskView is the response envelope for submit and get operations.
type TaskView struct {
	Task    *Task  `json:"task"`
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

// Stats aggregates task counts by status.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("researchd api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("researchd api error (%d): %s", e.StatusCode, e.Message)
}

// Submit starts a new research task. When req.Wait is true the call blocks
// server side until the task reaches a terminal state.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (TaskView, error) {
	var view TaskView
	if err := c.post(ctx, "/api/v1/research", req, &view); err != nil {
		return TaskView{}, err
	}
	return view, nil
}

// Get fetches the current state of a task by identifier.
func (c *Client) Get(ctx context.Context, taskID string) (TaskView, error) {
	var view TaskView
	if err := c.get(ctx, "/api/v1/research/"+url.PathEscape(taskID), &view); err != nil {
		return TaskView{}, err
	}
	return view, nil
}

// ListFilter narrows down List results.
type ListFilter struct {
	Status string
	Query  string
	Limit  int
	Offset int
}

// List returns tasks matching the filter, most recently updated first.
func (c *Client) List(ctx context.Context, filter ListFilter) ([]*Task, error) {
	values := url.Values{}
	if filter.Status != "" {
		values.Set("status", filter.Status)
	}
	if filter.Query != "" {
		values.Set("q", filter.Query)
	}
	if filter.Limit > 0 {
		values.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		values.Set("offset", strconv.Itoa(filter.Offset))
	}
	endpoint := "/api/v1/research"
	if encoded := values.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var listResp struct {
		Tasks []*Task `json:"tasks"`
	}
	if err := c.get(ctx, endpoint, &listResp); err != nil {
		return nil, err
	}
	return listResp.Tasks, nil
}

// Stats returns aggregate task counts.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/research/stats", &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// WaitForCompletion polls a task until it reaches a terminal state.
func (c *Client) WaitForCompletion(ctx context.Context, taskID string, interval time.Duration) (TaskView, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		view, err := c.Get(ctx, taskID)
		if err != nil {
			return TaskView{}, err
		}
		if view.Task != nil && (view.Task.Status == "succeeded" || view.Task.Status == "failed") {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return TaskView{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// DownloadReport retrieves the markdown report of a finished task.
func (c *Client) DownloadReport(ctx context.Context, taskID string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/research/"+url.PathEscape(taskID)+"/report", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, decodeAPIError(resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
