package services

import (
	"context"
	"testing"

	"github.com/huangang/reviewpulse/internal/config"
	"github.com/huangang/reviewpulse/internal/models"
)

func TestTopicConstants(t *testing.T) {
	tests := map[string]string{
		TaskTypeCompletion:     "analysis:completion",
		TaskTypeProgress:       "analysis:progress",
		TopicAnalysisTriggered: "notify:analysis.triggered",
		TopicAnalysisCompleted: "notify:analysis.completed",
		TopicAnalysisFailed:    "notify:analysis.failed",
		TopicAnalysisPromoted:  "notify:analysis.promoted",
	}
	for got, expected := range tests {
		if got != expected {
			t.Errorf("topic = %q, expected %q", got, expected)
		}
	}
}

func TestNewJobNotification(t *testing.T) {
	job := &models.AnalysisJob{
		ID:                  "j1",
		Target:              "P1",
		RequesterID:         "u1",
		Kind:                models.JobKindBatch,
		Status:              models.JobStatusFailed,
		ExternalWorkflowRef: "run-1",
		ErrorMessage:        "timeout",
	}
	n := newJobNotification(job)

	if n.JobID != "j1" || n.Target != "P1" || n.RequesterID != "u1" {
		t.Errorf("identity fields = %+v, expected j1/P1/u1", n)
	}
	if n.Status != models.JobStatusFailed {
		t.Errorf("Status = %q, expected %q", n.Status, models.JobStatusFailed)
	}
	if n.ExternalRef != "run-1" {
		t.Errorf("ExternalRef = %q, expected %q", n.ExternalRef, "run-1")
	}
	if n.Error != "timeout" {
		t.Errorf("Error = %q, expected %q", n.Error, "timeout")
	}
}

func TestLogPublisher(t *testing.T) {
	pub := NewLogPublisher()
	if pub.IsAsync() {
		t.Error("LogPublisher.IsAsync() should return false")
	}
	if err := pub.Publish(context.Background(), TopicAnalysisCompleted, JobNotification{JobID: "j1"}); err != nil {
		t.Errorf("Publish returned error: %v", err)
	}
	if err := pub.Publish(context.Background(), TopicAnalysisCompleted, make(chan int)); err == nil {
		t.Error("Publish of an unencodable message should error")
	}
	if err := pub.Close(); err != nil {
		t.Errorf("Close returned error: %v", err)
	}
}

func TestNewAsyncPublisher_UnreachableBroker(t *testing.T) {
	_, err := NewAsyncPublisher(&config.RedisConfig{Addr: "127.0.0.1:1"}, &config.BrokerConfig{})
	if err == nil {
		t.Error("expected error when the broker is unreachable")
	}
}

func TestAsyncPublisher_IsAsync(t *testing.T) {
	pub := &AsyncPublisher{}
	if !pub.IsAsync() {
		t.Error("AsyncPublisher.IsAsync() should return true")
	}
}
