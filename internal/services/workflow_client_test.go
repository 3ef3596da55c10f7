package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/huangang/reviewpulse/internal/config"
	"github.com/huangang/reviewpulse/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPWorkflowClient_Trigger(t *testing.T) {
	var gotKey, gotAuth, gotPath string
	var gotBody TriggerRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"external_ref":"run-42","initial_state":"queued"}`))
	}))
	defer srv.Close()

	c := NewHTTPWorkflowClient(&config.WorkflowConfig{BaseURL: srv.URL + "/", APIKey: "secret", Timeout: time.Second})
	resp, err := c.Trigger(context.Background(), TriggerRequest{
		IdempotencyKey: "job-1",
		JobID:          "job-1",
		Kind:           models.JobKindBatch,
		Target:         "P1",
		Payload:        models.NewPayload(models.JobKindBatch),
	})
	require.NoError(t, err)

	assert.Equal(t, "run-42", resp.ExternalRef)
	assert.Equal(t, WorkflowQueued, resp.InitialState)
	assert.Equal(t, "job-1", gotKey)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "/api/v1/workflows/batch/runs", gotPath)
	assert.Equal(t, "P1", gotBody.Target)
	require.NotNil(t, gotBody.Payload.Batch)
}

func TestHTTPWorkflowClient_TriggerErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"error":"down"}`},
		{"missing reference", http.StatusOK, `{"initial_state":"queued"}`},
		{"malformed body", http.StatusOK, `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewHTTPWorkflowClient(&config.WorkflowConfig{BaseURL: srv.URL})
			if _, err := c.Trigger(context.Background(), TriggerRequest{Kind: models.JobKindRealtime}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestHTTPWorkflowClient_PollStatusAndTasks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/runs/run-7", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"state":"success","ended_at":"2026-03-01T12:00:00Z"}`))
	})
	mux.HandleFunc("/api/v1/runs/run-7/tasks", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tasks":[{"task_id":"scrape","state":"success","duration_ms":1500},{"task_id":"analyze","state":"success","duration_ms":2500}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewHTTPWorkflowClient(&config.WorkflowConfig{BaseURL: srv.URL})
	ctx := context.Background()

	status, err := c.PollStatus(ctx, "run-7")
	require.NoError(t, err)
	assert.Equal(t, WorkflowSuccess, status.State)
	assert.Equal(t, "run-7", status.ExternalRef)
	require.NotNil(t, status.EndedAt)
	assert.True(t, status.State.IsTerminal())

	tasks, err := c.PollTasks(ctx, "run-7")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, 4*time.Second, TotalDuration(tasks))
}

func TestHTTPWorkflowClient_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewHTTPWorkflowClient(&config.WorkflowConfig{BaseURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := c.PollStatus(ctx, "run-1"); err == nil {
		t.Error("expected error when context expires")
	}
}
