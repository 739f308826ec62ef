// Package executor provides the HTTP client for the external executor
// service: the synchronous SDK quick path, the asynchronous container path,
// and the health probe.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// maxResponseSize limits executor response bodies to prevent memory
// exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Retry policy for transient failures. The service returns 429 and 503
// under load; everything else that fails is either the network or a bad
// request.
const (
	maxAttempts = 3
	backoffBase = 2 * time.Second
	backoffCap  = 30 * time.Second
)

// RequestError is a failed call to the executor service. Transient
// failures are retried by the client before they surface; callers check
// IsTransient to decide whether to leave a claim in place for the next
// poll instead of failing the entry.
type RequestError struct {
	Op        string // "sdk", "container" or "health"
	Status    int    // HTTP status, zero when the request never completed
	Transient bool
	Err       error
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("executor %s request: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("executor %s request: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// IsTransient reports whether err is an executor failure worth retrying
// later.
func IsTransient(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.Transient
}

// Client talks to the executor service with retry support. It never mutates
// queue state; callers apply transitions from its results.
type Client struct {
	baseURL    string
	httpClient *http.Client
	backoff    time.Duration
	logger     *slog.Logger
}

// SDKRequest is the quick-path request for simple AI tasks.
type SDKRequest struct {
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// SDKResponse is the synchronous quick-path result.
type SDKResponse struct {
	Success    bool   `json:"success"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	TokensUsed int    `json:"tokens_used,omitempty"`
}

// ContainerRequest is the asynchronous container-path request for code
// tasks.
type ContainerRequest struct {
	Task           string `json:"task"`
	Repo           string `json:"repo,omitempty"`
	Branch         string `json:"branch,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// ContainerResponse acknowledges a container dispatch. Completion arrives
// later through the workflow callback.
type ContainerResponse struct {
	Success            bool   `json:"success"`
	WorkflowInstanceID string `json:"workflow_instance_id,omitempty"`
	Logs               string `json:"logs,omitempty"`
	Error              string `json:"error,omitempty"`
	ExitCode           int    `json:"exit_code,omitempty"`
	DurationMS         int64  `json:"duration_ms,omitempty"`
}

// HealthResponse is the executor health probe result.
type HealthResponse struct {
	Status string `json:"status"`
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a new executor service client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 120 * time.Second, // SDK executions can run long
		},
		backoff: backoffBase,
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ExecuteSDK runs the synchronous quick path.
func (c *Client) ExecuteSDK(ctx context.Context, req *SDKRequest) (*SDKResponse, error) {
	if req.Prompt == "" {
		return nil, &RequestError{Op: "sdk", Err: errors.New("prompt is required")}
	}

	var resp SDKResponse
	if err := c.postWithRetry(ctx, "sdk", "/execute/sdk", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExecuteContainer starts the asynchronous container path. A success return
// only means the workflow was accepted.
func (c *Client) ExecuteContainer(ctx context.Context, req *ContainerRequest) (*ContainerResponse, error) {
	if req.Task == "" {
		return nil, &RequestError{Op: "container", Err: errors.New("task is required")}
	}

	var resp ContainerResponse
	if err := c.postWithRetry(ctx, "container", "/execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Healthy probes the executor service. Both healthy and degraded count as
// usable.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false, fmt.Errorf("create health request: %w", err)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return false, &RequestError{Op: "health", Transient: true, Err: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return false, &RequestError{Op: "health", Transient: true, Err: err}
	}
	if httpResp.StatusCode != http.StatusOK {
		return false, nil
	}

	var health HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return false, fmt.Errorf("parse health response: %w", err)
	}
	return health.Status == "healthy" || health.Status == "degraded", nil
}

// postWithRetry sends a JSON POST, retrying transient failures with
// exponential backoff.
func (c *Client) postWithRetry(ctx context.Context, op, path string, payload, out any) error {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := c.doPost(ctx, op, path, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			return err
		}

		if attempt < maxAttempts {
			backoff := c.retryBackoff(attempt)
			c.logger.Debug("executor request failed, retrying",
				"path", path,
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("executor request exhausted retries: %w", lastErr)
}

func (c *Client) doPost(ctx context.Context, op, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &RequestError{Op: op, Err: fmt.Errorf("marshal request body: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &RequestError{Op: op, Err: fmt.Errorf("create HTTP request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &RequestError{Op: op, Transient: true, Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return &RequestError{Op: op, Transient: true, Err: fmt.Errorf("read response body: %w", err)}
	}

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		// 429 and 5xx clear up on their own; any other status means the
		// request itself is wrong.
		return &RequestError{
			Op:        op,
			Status:    httpResp.StatusCode,
			Transient: httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500,
			Err:       errors.New(bodySnippet(respBody)),
		}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &RequestError{Op: op, Status: httpResp.StatusCode, Transient: true, Err: fmt.Errorf("parse response: %w", err)}
	}
	return nil
}

// retryBackoff doubles the base per attempt, capped, with +/- 25% jitter so
// concurrent workers don't retry in lockstep.
func (c *Client) retryBackoff(attempt int) time.Duration {
	backoff := c.backoff << (attempt - 1)
	if backoff > backoffCap {
		backoff = backoffCap
	}
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

func bodySnippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "no response body"
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
