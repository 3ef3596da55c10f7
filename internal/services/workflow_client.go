package services

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

	"github.com/huangang/reviewpulse/internal/config"
	"github.com/huangang/reviewpulse/internal/models"
)

// WorkflowState is the engine-side state of a run.
type WorkflowState string

const (
	WorkflowQueued   WorkflowState = "queued"
	WorkflowRunning  WorkflowState = "running"
	WorkflowSuccess  WorkflowState = "success"
	WorkflowFailed   WorkflowState = "failed"
	WorkflowCanceled WorkflowState = "canceled"
)

func (s WorkflowState) IsTerminal() bool {
	return s == WorkflowSuccess || s == WorkflowFailed || s == WorkflowCanceled
}

// TriggerRequest starts one analysis run. IdempotencyKey is the job id, so a repeated
// trigger for the same job maps to the same run.
type TriggerRequest struct {
	IdempotencyKey string            `json:"-"`
	JobID          string            `json:"job_id"`
	Kind           models.JobKind    `json:"kind"`
	Target         string            `json:"target"`
	RequesterID    string            `json:"requester_id"`
	Payload        models.JobPayload `json:"payload"`
	Product        *ProductMetadata  `json:"product,omitempty"`
}

// TriggerResponse is the engine's acknowledgement of a run.
type TriggerResponse struct {
	ExternalRef  string        `json:"external_ref"`
	InitialState WorkflowState `json:"initial_state"`
}

// WorkflowStatus is the state of a run as reported by the engine.
type WorkflowStatus struct {
	ExternalRef string        `json:"external_ref"`
	State       WorkflowState `json:"state"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
	Message     string        `json:"message,omitempty"`
}

// WorkflowTask is one step of a run.
type WorkflowTask struct {
	TaskID     string        `json:"task_id"`
	State      WorkflowState `json:"state"`
	DurationMs int64         `json:"duration_ms"`
}

// WorkflowClient is the port to the external analysis engine.
type WorkflowClient interface {
	Trigger(ctx context.Context, req TriggerRequest) (*TriggerResponse, error)
	PollStatus(ctx context.Context, externalRef string) (*WorkflowStatus, error)
	PollTasks(ctx context.Context, externalRef string) ([]WorkflowTask, error)
}

// HTTPWorkflowClient talks to the engine's JSON API.
type HTTPWorkflowClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPWorkflowClient creates a client for cfg.BaseURL.
func NewHTTPWorkflowClient(cfg *config.WorkflowConfig) *HTTPWorkflowClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPWorkflowClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Trigger starts a run for the request's job kind.
func (c *HTTPWorkflowClient) Trigger(ctx context.Context, req TriggerRequest) (*TriggerResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/api/v1/workflows/%s/runs", c.baseURL, url.PathEscape(string(req.Kind)))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	var resp TriggerResponse
	if err := c.do(httpReq, &resp); err != nil {
		return nil, fmt.Errorf("trigger %s workflow: %w", req.Kind, err)
	}
	if resp.ExternalRef == "" {
		return nil, fmt.Errorf("trigger %s workflow: engine returned no run reference", req.Kind)
	}
	return &resp, nil
}

// PollStatus fetches the current state of a run.
func (c *HTTPWorkflowClient) PollStatus(ctx context.Context, externalRef string) (*WorkflowStatus, error) {
	endpoint := fmt.Sprintf("%s/api/v1/runs/%s", c.baseURL, url.PathEscape(externalRef))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var status WorkflowStatus
	if err := c.do(httpReq, &status); err != nil {
		return nil, fmt.Errorf("poll run %s: %w", externalRef, err)
	}
	if status.ExternalRef == "" {
		status.ExternalRef = externalRef
	}
	return &status, nil
}

// PollTasks lists the steps of a run.
func (c *HTTPWorkflowClient) PollTasks(ctx context.Context, externalRef string) ([]WorkflowTask, error) {
	endpoint := fmt.Sprintf("%s/api/v1/runs/%s/tasks", c.baseURL, url.PathEscape(externalRef))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		Tasks []WorkflowTask `json:"tasks"`
	}
	if err := c.do(httpReq, &out); err != nil {
		return nil, fmt.Errorf("poll tasks of run %s: %w", externalRef, err)
	}
	return out.Tasks, nil
}

func (c *HTTPWorkflowClient) do(req *http.Request, out interface{}) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(data)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return fmt.Errorf("engine returned %d: %s", resp.StatusCode, snippet)
	}
	return json.Unmarshal(data, out)
}

// TotalDuration sums the reported duration of every task.
func TotalDuration(tasks []WorkflowTask) time.Duration {
	var total int64
	for _, t := range tasks {
		total += t.DurationMs
	}
	return time.Duration(total) * time.Millisecond
}
