package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a lifecycle event.
type Kind string

const (
	KindAccepted  Kind = "accepted"
	KindProgress  Kind = "progress"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
)

// Terminal reports whether the kind ends a task's lifecycle.
func (k Kind) Terminal() bool {
	return k == KindCompleted || k == KindFailed
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindAccepted, KindProgress, KindCompleted, KindFailed:
		return true
	}
	return false
}

// slotFor maps a kind to its uniqueness slot. A task gets at most one row
// per slot; progress events have no slot and append freely.
func slotFor(k Kind) (string, bool) {
	switch k {
	case KindAccepted:
		return "accepted", true
	case KindCompleted, KindFailed:
		return "terminal", true
	}
	return "", false
}

// Event is one immutable fact about a task. TaskID may be empty when the
// writer could not correlate the todolist to a task.
type Event struct {
	ID         string          `json:"id,omitempty"`
	TaskID     string          `json:"task_id,omitempty"`
	TodolistID string          `json:"todolist_id"`
	Kind       Kind            `json:"kind"`
	Stage      string          `json:"stage,omitempty"`
	Step       int             `json:"step,omitempty"`
	TotalSteps int             `json:"total_steps,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at,omitempty"`
}

// AppendResult reports what an Append did. Recorded is false when the
// uniqueness guard suppressed the write; EventID then names the event
// already holding the slot.
type AppendResult struct {
	Recorded bool
	EventID  string
}

// Registration maps a todolist correlation key to the task it belongs to
// and the caller's notification callback, if one was supplied.
type Registration struct {
	TodolistID  string    `json:"todolist_id"`
	TaskID      string    `json:"task_id"`
	CallbackURL string    `json:"callback_url,omitempty"`
	Token       string    `json:"token,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// ErrInvalidKind rejects events whose kind is outside the known set.
var ErrInvalidKind = errors.New("eventstore: invalid event kind")

// Store is the append-only event log plus the todolist correlation index.
//
// Append enforces the per-task uniqueness guard atomically: at most one
// accepted and one terminal event per todolist are ever recorded, no
// matter how many writers race. A suppressed write is not an error; the
// result reports Recorded=false.
type Store interface {
	Append(ctx context.Context, ev Event) (AppendResult, error)
	ListByTask(ctx context.Context, taskID string) ([]Event, error)
	ListByTodolist(ctx context.Context, todolistID string) ([]Event, error)

	RegisterCallback(ctx context.Context, reg Registration) error
	LookupCallback(ctx context.Context, todolistID string) (Registration, bool, error)
}

func validate(ev Event) error {
	if !ev.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, ev.Kind)
	}
	if ev.TodolistID == "" {
		return errors.New("eventstore: todolist_id is required")
	}
	return nil
}
