package services

import (
	"context"
	"testing"
	"time"

	"github.com/huangang/reviewpulse/internal/config"
	"github.com/huangang/reviewpulse/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPoller(h *harness, reconcile bool) *StatusPoller {
	return NewStatusPoller(h.orch, &config.SchedulerConfig{
		PollSpec:        "@every 1s",
		PollRatePerSec:  1000,
		CompletionGrace: time.Minute,
	}, reconcile)
}

func TestStatusPoller_RunningJobHeartbeatsLock(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	ctx := context.Background()
	first := h.request(t, "P1", "u1")
	h.workflow.setStatus(first.ExternalRef, &WorkflowStatus{State: WorkflowRunning})

	h.mr.FastForward(9 * time.Minute)
	summary, err := newTestPoller(h, false).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Checked)
	assert.Equal(t, 1, summary.Extended)

	h.mr.FastForward(5 * time.Minute)
	owner, held := h.locks.Peek(ctx, "P1")
	assert.True(t, held, "extended lock should outlive its original TTL")
	assert.Equal(t, first.JobID, owner)
}

func TestStatusPoller_FailedRunFailsJobAndPromotes(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	ctx := context.Background()
	first := h.request(t, "P1", "u1")
	h.request(t, "P1", "u2")
	h.workflow.setStatus(first.ExternalRef, &WorkflowStatus{State: WorkflowCanceled})

	summary, err := newTestPoller(h, false).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Promoted)

	job, err := h.ledger.Get(ctx, first.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "workflow run canceled", job.ErrorMessage)
}

func TestStatusPoller_SuccessWaitsForGrace(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	ctx := context.Background()
	first := h.request(t, "P1", "u1")

	ended := time.Now()
	h.workflow.setStatus(first.ExternalRef, &WorkflowStatus{State: WorkflowSuccess, EndedAt: &ended})
	h.workflow.mu.Lock()
	h.workflow.tasks[first.ExternalRef] = []WorkflowTask{{TaskID: "scrape", DurationMs: 1200}, {TaskID: "analyze", DurationMs: 800}}
	h.workflow.mu.Unlock()

	p := newTestPoller(h, false)
	summary, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Completed, "webhook still has time to deliver the result")

	p.now = func() time.Time { return ended.Add(2 * time.Minute) }
	summary, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)

	result, err := h.ledger.GetResult(ctx, first.JobID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), result.ProcessingTimeMs)
	assert.True(t, result.Provisional)

	_, held := h.locks.Peek(ctx, "P1")
	assert.False(t, held)
}

func TestStatusPoller_UnknownRunIsSkipped(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	first := h.request(t, "P1", "u1")

	summary, err := newTestPoller(h, false).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Checked)
	assert.Equal(t, 0, summary.Extended+summary.Completed+summary.Failed)

	job, err := h.ledger.Get(context.Background(), first.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, job.Status)
}

func TestStatusPoller_DrainsOrphanedQueue(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	ctx := context.Background()
	_, err := h.queue.Enqueue(ctx, "P9", "u1", models.JobKindRealtime, nil)
	require.NoError(t, err)

	summary, err := newTestPoller(h, false).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Promoted)

	active, err := h.ledger.ActiveForTarget(ctx, "P9")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "u1", active.RequesterID)
}

func TestStatusPoller_ReconcileIsOptIn(t *testing.T) {
	h := newHarness(t, 2*time.Second)
	ctx := context.Background()
	first := h.request(t, "P1", "u1")
	h.mr.FastForward(3 * time.Second)
	h.orch.now = func() time.Time { return time.Now().Add(time.Minute) }

	summary, err := newTestPoller(h, false).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Reconciled)

	summary, err = newTestPoller(h, true).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Reconciled)

	job, err := h.ledger.Get(ctx, first.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
}

func TestStatusPoller_StartRejectsBadSpec(t *testing.T) {
	h := newHarness(t, time.Minute)
	p := NewStatusPoller(h.orch, &config.SchedulerConfig{PollSpec: "not a spec"}, false)
	assert.Error(t, p.Start())
}

func TestStatusPoller_LeaseSkipsSecondInstance(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	ctx := context.Background()
	first := h.request(t, "P1", "u1")
	h.workflow.setStatus(first.ExternalRef, &WorkflowStatus{State: WorkflowRunning})

	cfg := &config.SchedulerConfig{PollSpec: "@every 1s", PollRatePerSec: 1000, SweepLease: time.Minute}
	a := NewStatusPoller(h.orch, cfg, false)
	b := NewStatusPoller(h.orch, cfg, false)
	require.NotEqual(t, a.owner, b.owner)

	summary, err := a.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, summary.Skipped)
	assert.Equal(t, 1, summary.Checked)

	summary, err = b.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, summary.Skipped)
	assert.Zero(t, summary.Checked)
}

func TestStatusPoller_OverlappingCycleSkips(t *testing.T) {
	h := newHarness(t, 10*time.Minute)
	ctx := context.Background()
	first := h.request(t, "P1", "u1")
	h.workflow.setStatus(first.ExternalRef, &WorkflowStatus{State: WorkflowRunning})

	p := newTestPoller(h, false)
	p.mu.Lock()
	summary, err := p.RunOnce(ctx)
	p.mu.Unlock()
	require.NoError(t, err)
	assert.True(t, summary.Skipped)
	assert.Zero(t, summary.Checked)

	summary, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, summary.Skipped)
	assert.Equal(t, 1, summary.Checked)
}
