package main

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/abickford/relay_hook/internal/a2a"
	"github.com/abickford/relay_hook/internal/auth"
	"github.com/abickford/relay_hook/internal/endpoint"
	"github.com/abickford/relay_hook/internal/eventstore"
	"github.com/abickford/relay_hook/internal/executor"
	"github.com/abickford/relay_hook/internal/logging"
)

// queueDepth sizes the per-task event buffer between the executor and
// the caller's connection.
const queueDepth = 16

// proxyHandler adapts the executor and the event store to the inbound
// protocol surface.
type proxyHandler struct {
	exec  *executor.Executor
	store eventstore.Store
}

// newTask shapes an inbound request into a unit of work. Missing
// identifiers are generated; the todolist correlation key is always
// fresh per submission.
func newTask(req a2a.SendMessageRequest) executor.Task {
	msg := req.Message
	taskID := msg.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}
	contextID := msg.ContextID
	if contextID == "" {
		contextID = uuid.NewString()
	}

	task := executor.Task{
		ID:         taskID,
		ContextID:  contextID,
		TodolistID: uuid.NewString(),
		Message:    msg,
		Selection:  endpoint.ParseSelection(msg.Metadata),
	}
	if cfg := req.Configuration; cfg != nil {
		task.NonBlocking = !cfg.Blocking
		task.CallerCallback = cfg.PushNotificationConfig
	}
	return task
}

// logSubmission records the inbound request, with the authenticated
// caller attached when the auth middleware identified one.
func logSubmission(ctx context.Context, task executor.Task, rpc string) {
	entry := logging.WithContext(ctx).WithTask(task.ID).WithTodolist(task.TodolistID).
		WithField("rpc", rpc).WithField("non_blocking", task.NonBlocking)
	if caller, ok := auth.GetCallerFromContext(ctx); ok {
		entry = entry.WithField("caller", caller)
	}
	entry.Info("task submitted")
}

// HandleSendMessage runs the task and folds its event sequence into the
// single task answer of a message/send call. Blocking submissions hold
// here until terminal; non-blocking ones return at the submitted frame.
func (h *proxyHandler) HandleSendMessage(ctx context.Context, req a2a.SendMessageRequest) (*a2a.Task, error) {
	task := newTask(req)
	logSubmission(ctx, task, a2a.MethodSendMessage)
	queue := executor.NewChanQueue(queueDepth)
	go func() {
		_ = h.exec.Execute(ctx, task, queue)
		queue.Close()
	}()

	result := &a2a.Task{ID: task.ID, ContextID: task.ContextID}
	sawFinal := false
	for ev := range queue.Events() {
		switch {
		case ev.StatusUpdate != nil:
			result.Status = ev.StatusUpdate.Status
			if ev.StatusUpdate.Final {
				sawFinal = true
				if len(ev.StatusUpdate.Metadata) > 0 {
					result.Metadata = ev.StatusUpdate.Metadata
				}
			}
		case ev.ArtifactUpdate != nil:
			result.Artifacts = append(result.Artifacts, ev.ArtifactUpdate.Artifact)
		}
	}
	if !sawFinal {
		return nil, &a2a.ServerError{Code: a2a.ErrCodeInternal, Message: "delivery aborted before a terminal state"}
	}
	if result.Metadata == nil {
		result.Metadata, _ = json.Marshal(map[string]string{"todolist_id": task.TodolistID})
	}
	return result, nil
}

// HandleStreamMessage runs the task and hands its event sequence to the
// caller as it happens.
func (h *proxyHandler) HandleStreamMessage(ctx context.Context, req a2a.SendMessageRequest) (<-chan a2a.StreamEvent, error) {
	task := newTask(req)
	logSubmission(ctx, task, a2a.MethodStreamMessage)
	queue := executor.NewChanQueue(queueDepth)
	go func() {
		_ = h.exec.Execute(ctx, task, queue)
		queue.Close()
	}()
	return queue.Events(), nil
}

// HandleGetTask rebuilds the task's current view from its recorded
// events. The full event list rides along in the task metadata.
func (h *proxyHandler) HandleGetTask(ctx context.Context, req a2a.GetTaskRequest) (*a2a.Task, error) {
	events, err := h.store.ListByTask(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, &a2a.ServerError{Code: a2a.ErrCodeTaskNotFound, Message: "task not found: " + req.ID}
	}
	return taskFromEvents(req.ID, events), nil
}

// acceptedHandoff is the payload recorded with a non-blocking accepted
// event; it is everything needed to reach the remote task later.
type acceptedHandoff struct {
	RemoteTaskID string `json:"remote_task_id"`
	TargetURL    string `json:"target_url"`
	CallbackURL  string `json:"callback_url"`
}

// HandleCancelTask forwards a cancel for a task that was handed off
// asynchronously. Tasks holding a blocking connection cancel by the
// caller dropping that connection, not through here.
func (h *proxyHandler) HandleCancelTask(ctx context.Context, req a2a.CancelTaskRequest) (*a2a.Task, error) {
	events, err := h.store.ListByTask(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, &a2a.ServerError{Code: a2a.ErrCodeTaskNotFound, Message: "task not found: " + req.ID}
	}

	var handoff *acceptedHandoff
	for _, ev := range events {
		if ev.Kind.Terminal() {
			return nil, &a2a.ServerError{Code: a2a.ErrCodeTaskNotCancelable, Message: "task already reached a terminal state"}
		}
		if ev.Kind == eventstore.KindAccepted {
			var p acceptedHandoff
			if json.Unmarshal(ev.Payload, &p) == nil && p.TargetURL != "" {
				handoff = &p
			}
		}
	}
	if handoff == nil {
		return nil, &a2a.ServerError{Code: a2a.ErrCodeTaskNotCancelable, Message: "no asynchronous handoff on record for this task"}
	}

	if err := h.exec.Cancel(ctx, handoff.TargetURL, handoff.RemoteTaskID); err != nil {
		return nil, err
	}
	// The target's canceled terminal arrives through the webhook path and
	// is recorded there; this answer is only the view as of now.
	return taskFromEvents(req.ID, events), nil
}

// taskFromEvents folds a recorded event sequence into a task snapshot.
func taskFromEvents(taskID string, events []eventstore.Event) *a2a.Task {
	result := &a2a.Task{ID: taskID}
	for _, ev := range events {
		switch ev.Kind {
		case eventstore.KindAccepted:
			result.Status = a2a.TaskStatus{
				State:     a2a.TaskStateSubmitted,
				Timestamp: ev.CreatedAt,
			}

		case eventstore.KindProgress:
			result.Status = a2a.TaskStatus{
				State:     a2a.TaskStateWorking,
				Message:   snapshotText(taskID, ev.Stage),
				Timestamp: ev.CreatedAt,
			}

		case eventstore.KindCompleted:
			var detail struct {
				Result    string         `json:"result"`
				Artifacts []a2a.Artifact `json:"artifacts"`
			}
			_ = json.Unmarshal(ev.Payload, &detail)
			result.Artifacts = detail.Artifacts
			result.Status = a2a.TaskStatus{
				State:     a2a.TaskStateCompleted,
				Message:   snapshotText(taskID, detail.Result),
				Timestamp: ev.CreatedAt,
			}

		case eventstore.KindFailed:
			var detail struct {
				Type   string `json:"type"`
				Detail struct {
					Error string `json:"error"`
				} `json:"detail"`
			}
			_ = json.Unmarshal(ev.Payload, &detail)
			state := a2a.TaskStateFailed
			if detail.Type == "cancelled" {
				state = a2a.TaskStateCanceled
			}
			text := detail.Detail.Error
			if text == "" {
				text = detail.Type
			}
			result.Status = a2a.TaskStatus{
				State:     state,
				Message:   snapshotText(taskID, text),
				Timestamp: ev.CreatedAt,
			}
		}
	}

	meta := map[string]any{"events": events}
	if len(events) > 0 {
		meta["todolist_id"] = events[0].TodolistID
	}
	result.Metadata, _ = json.Marshal(meta)
	return result
}

func snapshotText(taskID, text string) *a2a.Message {
	if text == "" {
		return nil
	}
	return &a2a.Message{
		MessageID: uuid.NewString(),
		TaskID:    taskID,
		Role:      a2a.RoleAgent,
		Parts:     []a2a.Part{a2a.TextPart(text)},
	}
}
