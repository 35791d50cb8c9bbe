package main

import (
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/abickford/relay_hook/internal/a2a"
	"github.com/abickford/relay_hook/internal/config"
	"github.com/abickford/relay_hook/internal/notify"
)

func TestConfigFromEnv(t *testing.T) {
	originalEnvVars := map[string]string{
		"MAX_ATTEMPTS":         os.Getenv("MAX_ATTEMPTS"),
		"BACKOFF_SCHEDULE":     os.Getenv("BACKOFF_SCHEDULE"),
		"BACKOFF_JITTER_PCT":   os.Getenv("BACKOFF_JITTER_PCT"),
		"PUBLISH_DLQ_TOPIC":    os.Getenv("PUBLISH_DLQ_TOPIC"),
		"NOTIFIER_CONCURRENCY": os.Getenv("NOTIFIER_CONCURRENCY"),
	}
	defer func() {
		for key, value := range originalEnvVars {
			if value == "" {
				os.Unsetenv(key)
			} else {
				os.Setenv(key, value)
			}
		}
	}()

	t.Run("defaults", func(t *testing.T) {
		for key := range originalEnvVars {
			os.Unsetenv(key)
		}

		cfg := config.FromEnv()

		if cfg.Notifier.MaxAttempts != 6 {
			t.Errorf("expected MaxAttempts 6, got %d", cfg.Notifier.MaxAttempts)
		}
		if cfg.Notifier.JitterPercent != 0.25 {
			t.Errorf("expected JitterPercent 0.25, got %f", cfg.Notifier.JitterPercent)
		}
		if cfg.Notifier.PublishDLQ {
			t.Error("expected PublishDLQ false by default")
		}
		expectedSchedule := []time.Duration{
			time.Second,
			4 * time.Second,
			16 * time.Second,
			time.Minute,
			4 * time.Minute,
			10 * time.Minute,
		}
		if len(cfg.Notifier.BackoffSchedule) != len(expectedSchedule) {
			t.Fatalf("expected schedule length %d, got %d", len(expectedSchedule), len(cfg.Notifier.BackoffSchedule))
		}
		for i, expected := range expectedSchedule {
			if cfg.Notifier.BackoffSchedule[i] != expected {
				t.Errorf("expected backoff[%d] = %v, got %v", i, expected, cfg.Notifier.BackoffSchedule[i])
			}
		}
	})

	t.Run("custom values", func(t *testing.T) {
		os.Setenv("MAX_ATTEMPTS", "3")
		os.Setenv("BACKOFF_SCHEDULE", "2s,8s,30s")
		os.Setenv("BACKOFF_JITTER_PCT", "0.1")
		os.Setenv("PUBLISH_DLQ_TOPIC", "true")
		os.Setenv("NOTIFIER_CONCURRENCY", "8")

		cfg := config.FromEnv()

		if cfg.Notifier.MaxAttempts != 3 {
			t.Errorf("expected MaxAttempts 3, got %d", cfg.Notifier.MaxAttempts)
		}
		if cfg.Notifier.JitterPercent != 0.1 {
			t.Errorf("expected JitterPercent 0.1, got %f", cfg.Notifier.JitterPercent)
		}
		if !cfg.Notifier.PublishDLQ {
			t.Error("expected PublishDLQ true")
		}
		if cfg.Notifier.Concurrency != 8 {
			t.Errorf("expected Concurrency 8, got %d", cfg.Notifier.Concurrency)
		}
		expectedSchedule := []time.Duration{2 * time.Second, 8 * time.Second, 30 * time.Second}
		if len(cfg.Notifier.BackoffSchedule) != len(expectedSchedule) {
			t.Fatalf("expected schedule length %d, got %d", len(expectedSchedule), len(cfg.Notifier.BackoffSchedule))
		}
		for i, expected := range expectedSchedule {
			if cfg.Notifier.BackoffSchedule[i] != expected {
				t.Errorf("expected backoff[%d] = %v, got %v", i, expected, cfg.Notifier.BackoffSchedule[i])
			}
		}
	})
}

func TestErrString(t *testing.T) {
	if got := errString(nil); got != "" {
		t.Errorf("errString(nil) = %q, want empty string", got)
	}
	err := errors.New("boom")
	if got := errString(err); got != "boom" {
		t.Errorf("errString(err) = %q, want %q", got, "boom")
	}
}

func TestComputeDelay(t *testing.T) {
	schedule := []time.Duration{
		1 * time.Second,
		4 * time.Second,
		16 * time.Second,
		1 * time.Minute,
	}

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{"first attempt", 1, 1 * time.Second},
		{"attempt within schedule", 3, 16 * time.Second},
		{"attempt beyond schedule", 10, 1 * time.Minute},
		{"zero attempt", 0, 1 * time.Second},
		{"negative attempt", -1, 1 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Zero jitter makes the result deterministic.
			if got := computeDelay(tt.attempt, schedule, 0.0); got != tt.want {
				t.Errorf("computeDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}

	t.Run("with jitter stays in bounds", func(t *testing.T) {
		base := schedule[1]
		for i := 0; i < 50; i++ {
			got := computeDelay(2, schedule, 0.5)
			min := time.Duration(float64(base) * 0.1)
			max := time.Duration(float64(base) * 1.5)
			if got < min || got > max {
				t.Fatalf("computeDelay with jitter = %v, want between %v and %v", got, min, max)
			}
		}
	})
}

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		name     string
		doErr    error
		status   int
		expected string
	}{
		{"timeout error", errors.New("request timeout"), 0, "timeout"},
		{"connection refused", errors.New("dial tcp: connection refused"), 0, "connection_refused"},
		{"dns error", errors.New("lookup host: no such host"), 0, "dns_error"},
		{"generic network error", errors.New("network unreachable"), 0, "network"},
		{"HTTP 500", nil, 500, "http_5xx"},
		{"HTTP 503", nil, 503, "http_5xx"},
		{"HTTP 429", nil, 429, "http_429"},
		{"HTTP 400", nil, 400, "http_4xx"},
		{"HTTP 404", nil, 404, "http_4xx"},
		{"HTTP 200", nil, 200, "other"},
		{"HTTP 300", nil, 300, "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyReason(tt.doErr, tt.status); got != tt.expected {
				t.Errorf("classifyReason(%v, %d) = %q, want %q", tt.doErr, tt.status, got, tt.expected)
			}
		})
	}
}

func TestNotificationBody(t *testing.T) {
	t.Run("completed outcome", func(t *testing.T) {
		body := notificationBody(notify.Task{
			NotificationID: "n-1",
			TaskID:         "task-1",
			TodolistID:     "td-1",
			Kind:           "completed",
			Payload:        json.RawMessage(`{"result":"all done","artifacts":[{"artifactId":"a1"}]}`),
		})

		var task a2a.Task
		if err := json.Unmarshal(body, &task); err != nil {
			t.Fatalf("body did not decode as a task: %v", err)
		}
		if task.ID != "task-1" {
			t.Errorf("expected task id task-1, got %s", task.ID)
		}
		if task.Status.State != a2a.TaskStateCompleted {
			t.Errorf("expected completed, got %s", task.Status.State)
		}
		if task.Status.Message == nil || task.Status.Message.Parts[0].Text != "all done" {
			t.Errorf("expected result text on the status message, got %+v", task.Status.Message)
		}
		if len(task.Artifacts) != 1 {
			t.Errorf("expected one artifact, got %d", len(task.Artifacts))
		}

		var meta struct {
			TodolistID string `json:"todolist_id"`
		}
		if err := json.Unmarshal(task.Metadata, &meta); err != nil || meta.TodolistID != "td-1" {
			t.Errorf("expected todolist_id td-1 in metadata, got %s (err %v)", task.Metadata, err)
		}
	})

	t.Run("failed outcome", func(t *testing.T) {
		body := notificationBody(notify.Task{
			TaskID:     "task-2",
			TodolistID: "td-2",
			Kind:       "failed",
			Payload:    json.RawMessage(`{"type":"transport","detail":{"error":"connection refused"}}`),
		})

		var task a2a.Task
		if err := json.Unmarshal(body, &task); err != nil {
			t.Fatalf("body did not decode as a task: %v", err)
		}
		if task.Status.State != a2a.TaskStateFailed {
			t.Errorf("expected failed, got %s", task.Status.State)
		}
		if task.Status.Message == nil || task.Status.Message.Parts[0].Text != "connection refused" {
			t.Errorf("expected error text on the status message, got %+v", task.Status.Message)
		}
	})

	t.Run("cancelled outcome reports canceled", func(t *testing.T) {
		body := notificationBody(notify.Task{
			TaskID:     "task-3",
			TodolistID: "td-3",
			Kind:       "failed",
			Payload:    json.RawMessage(`{"type":"cancelled","detail":{}}`),
		})

		var task a2a.Task
		if err := json.Unmarshal(body, &task); err != nil {
			t.Fatalf("body did not decode as a task: %v", err)
		}
		if task.Status.State != a2a.TaskStateCanceled {
			t.Errorf("expected canceled, got %s", task.Status.State)
		}
	})

	t.Run("empty payload still renders", func(t *testing.T) {
		body := notificationBody(notify.Task{
			TaskID:     "task-4",
			TodolistID: "td-4",
			Kind:       "failed",
		})

		var task a2a.Task
		if err := json.Unmarshal(body, &task); err != nil {
			t.Fatalf("body did not decode as a task: %v", err)
		}
		if task.Status.State != a2a.TaskStateFailed {
			t.Errorf("expected failed, got %s", task.Status.State)
		}
		if task.Status.Message != nil {
			t.Errorf("expected no status message for an empty payload, got %+v", task.Status.Message)
		}
	})
}
