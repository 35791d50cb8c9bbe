// Package notify queues terminal task outcomes for delivery to the
// caller's own callback URL. The proxy and the webhook receiver both
// publish here; the notifier binary consumes and delivers.
package notify

import "encoding/json"

// Task is one queued notification job.
type Task struct {
	NotificationID string          `json:"notification_id"`
	TaskID         string          `json:"task_id"`
	TodolistID     string          `json:"todolist_id"`
	Kind           string          `json:"kind"`    // completed | failed
	Payload        json.RawMessage `json:"payload"` // terminal event payload
	Attempt        int             `json:"attempt"`
	QueuedAt       string          `json:"queued_at"` // RFC3339
	// TraceHeaders carries trace propagation across the queue hop.
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}
