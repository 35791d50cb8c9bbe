// Package executor orchestrates one proxied task: resolve the target,
// pick the delivery mode, drive the forwarding client, and republish
// the target's events to the caller while recording them durably.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/abickford/relay_hook/internal/a2a"
	"github.com/abickford/relay_hook/internal/endpoint"
	"github.com/abickford/relay_hook/internal/eventstore"
	"github.com/abickford/relay_hook/internal/forward"
	"github.com/abickford/relay_hook/internal/logging"
	"github.com/abickford/relay_hook/internal/metrics"
	"github.com/abickford/relay_hook/internal/tracing"
)

// Delivery mode labels, also used on metrics.
const (
	ModeBlocking    = "blocking"
	ModeNonBlocking = "non_blocking"
	// ModeDowngraded marks a non-blocking request served synchronously
	// because the target cannot call back.
	ModeDowngraded = "downgraded"
)

// Task is one unit of proxied work as accepted from the caller.
type Task struct {
	ID         string
	ContextID  string
	TodolistID string
	Message    a2a.Message

	// Selection carries the agent-selection hints parsed from the
	// message metadata.
	Selection endpoint.Selection

	// NonBlocking is the caller's mode request from the send
	// configuration; the metadata hint in Selection can also set it.
	NonBlocking bool

	// CallerCallback is the caller's own push registration, consumed by
	// the upstream notifier on terminal events.
	CallerCallback *a2a.PushNotificationConfig
}

// Notifier queues a terminal outcome for delivery to the caller's
// registered callback.
type Notifier interface {
	PublishTerminal(ctx context.Context, taskID, todolistID string, kind eventstore.Kind, payload json.RawMessage) error
}

// Executor runs tasks against resolved targets. It keeps no per-task
// state of its own: everything durable lives in the store, so a
// non-blocking task survives this process exiting right after dispatch.
type Executor struct {
	resolver *endpoint.Resolver
	client   *forward.Client
	store    eventstore.Store
	notifier Notifier
	baseURL  string
}

// New builds an executor. notifier may be nil when no queue is wired;
// terminal events then simply skip caller notification.
func New(resolver *endpoint.Resolver, client *forward.Client, store eventstore.Store, notifier Notifier, publicBaseURL string) *Executor {
	return &Executor{
		resolver: resolver,
		client:   client,
		store:    store,
		notifier: notifier,
		baseURL:  publicBaseURL,
	}
}

// Execute runs one task to its terminal state (blocking) or to its
// accepted handoff (non-blocking). Every failure is converted into a
// failed event on the store and the queue; the returned error is
// non-nil only when the caller's queue went away mid-delivery.
func (e *Executor) Execute(ctx context.Context, task Task, queue Queue) error {
	ctx, span := tracing.StartSpan(ctx, "executor.Execute",
		attribute.String("task_id", task.ID),
		attribute.String("todolist_id", task.TodolistID),
	)
	defer span.End()

	start := time.Now()

	res, err := e.resolver.Resolve(task.Selection)
	if err != nil {
		// No usable endpoint: fail locally, no network call is made.
		tracing.SetSpanError(ctx, err)
		return e.fail(ctx, task, queue, "resolution", err.Error())
	}
	span.SetAttributes(attribute.String("endpoint", res.Endpoint.URL))
	tracing.AddSpanEvent(ctx, "endpoint.resolved", attribute.String("url", res.Endpoint.URL))

	card, err := e.client.Discover(ctx, res.Endpoint.URL)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return e.fail(ctx, task, queue, forward.Reason(err), err.Error())
	}

	// Capture the caller's callback registration ahead of dispatch so a
	// terminal racing back is always routable to them.
	if cb := task.CallerCallback; cb != nil && cb.URL != "" {
		reg := eventstore.Registration{
			TodolistID:  task.TodolistID,
			TaskID:      task.ID,
			CallbackURL: cb.URL,
			Token:       cb.Token,
		}
		if err := e.store.RegisterCallback(ctx, reg); err != nil {
			logging.WithContext(ctx).WithTask(task.ID).WithTodolist(task.TodolistID).
				WithError(err).Warn("caller callback registration failed; outcome will not be pushed")
		}
	}

	if task.NonBlocking || res.NonBlocking {
		if !card.Capabilities.PushNotifications {
			logging.WithContext(ctx).WithTask(task.ID).WithEndpoint(res.Endpoint.URL).
				Warn("target cannot receive callbacks, delivering synchronously")
			if err := queue.Publish(ctx, progressEvent(task, "target does not support callbacks, delivering synchronously", 0, 0)); err != nil {
				return err
			}
			return e.dispatchBlocking(ctx, task, res.Endpoint, card, queue, start, ModeDowngraded)
		}
		return e.dispatchAsync(ctx, task, res.Endpoint, queue, start)
	}
	return e.dispatchBlocking(ctx, task, res.Endpoint, card, queue, start, ModeBlocking)
}

// Cancel forwards a best-effort cancellation to the target for a task
// the store still knows as live. Blocking deliveries cancel through
// their own request context; this is the path for an explicit cancel
// call from the caller.
func (e *Executor) Cancel(ctx context.Context, targetURL, remoteTaskID string) error {
	return e.client.Cancel(ctx, targetURL, remoteTaskID)
}

// dispatchAsync submits the task with our webhook as the callback and
// disengages. The accepted record is durable before control returns;
// after that the executor holds nothing for the task.
func (e *Executor) dispatchAsync(ctx context.Context, task Task, ep endpoint.Endpoint, queue Queue, start time.Time) error {
	callbackURL := forward.CallbackURL(e.baseURL, task.TodolistID)

	// The correlation row goes in before the submit so the receiver can
	// attribute a webhook that races ahead of the accepted write. It
	// carries the caller's callback when one was registered above;
	// otherwise it is the bare todolist-to-task mapping.
	if task.CallerCallback == nil || task.CallerCallback.URL == "" {
		reg := eventstore.Registration{TodolistID: task.TodolistID, TaskID: task.ID}
		if err := e.store.RegisterCallback(ctx, reg); err != nil {
			tracing.SetSpanError(ctx, err)
			return e.fail(ctx, task, queue, "internal", fmt.Sprintf("register correlation: %v", err))
		}
	}

	outcome, err := e.client.SendAsync(ctx, forwardTask(task), ep.URL, callbackURL, uuid.NewString())
	if err != nil {
		// The submit itself failed; nothing was accepted.
		tracing.SetSpanError(ctx, err)
		return e.fail(ctx, task, queue, forward.Reason(err), err.Error())
	}
	if outcome.Status == forward.SubmissionRejected {
		return e.failPayload(ctx, task, queue, "rejection", outcome.Detail)
	}

	// Accepted must be durable before control returns to the caller. A
	// webhook landing before this write is caught by the store's
	// uniqueness guard; the promise here is only that the record exists
	// once we answer.
	payload, _ := json.Marshal(map[string]string{
		"remote_task_id": outcome.RemoteTaskID,
		"target_url":     ep.URL,
		"callback_url":   callbackURL,
	})
	rec, err := e.store.Append(ctx, eventstore.Event{
		TaskID:     task.ID,
		TodolistID: task.TodolistID,
		Kind:       eventstore.KindAccepted,
		Payload:    payload,
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return e.fail(ctx, task, queue, "internal", fmt.Sprintf("record accepted: %v", err))
	}
	if rec.Recorded {
		metrics.RecordTaskEvent(string(eventstore.KindAccepted), "executor")
	} else {
		metrics.RecordDuplicateEvent(string(eventstore.KindAccepted), "executor")
	}

	metrics.RecordTask(ModeNonBlocking)
	metrics.ObserveDispatch(ModeNonBlocking, time.Since(start))
	tracing.AddSpanEvent(ctx, "task.accepted", attribute.String("remote_task_id", outcome.RemoteTaskID))
	logging.WithContext(ctx).WithTask(task.ID).WithTodolist(task.TodolistID).WithEndpoint(ep.URL).
		WithField("remote_task_id", outcome.RemoteTaskID).
		Info("task accepted for asynchronous delivery")

	return queue.Publish(ctx, submittedEvent(task))
}

// dispatchBlocking drives the event sequence to its terminal state,
// republishing each event to the caller as it arrives.
func (e *Executor) dispatchBlocking(ctx context.Context, task Task, ep endpoint.Endpoint, card *a2a.AgentCard, queue Queue, start time.Time, mode string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := queue.Publish(ctx, progressEvent(task, "forwarding to "+ep.DisplayName, 0, 0)); err != nil {
		return err
	}

	events, err := e.client.Send(ctx, forwardTask(task), ep.URL, forward.SendOptions{Streaming: card.Capabilities.Streaming})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return e.fail(ctx, task, queue, "cancelled", "delivery cancelled")
		}
		tracing.SetSpanError(ctx, err)
		return e.fail(ctx, task, queue, forward.Reason(err), err.Error())
	}

	metrics.RecordTask(mode)
	for ev := range events {
		if !ev.Kind.Terminal() {
			e.recordProgress(ctx, task, ev)
			if err := queue.Publish(ctx, progressEvent(task, ev.Stage, ev.Step, ev.TotalSteps)); err != nil {
				return err
			}
			continue
		}

		e.recordTerminal(ctx, task, ev)
		metrics.ObserveDispatch(mode, time.Since(start))
		return e.publishTerminal(ctx, task, ev, queue)
	}
	return nil
}

// recordProgress appends a progress event. Losing one is not fatal to
// the delivery, so store errors only log.
func (e *Executor) recordProgress(ctx context.Context, task Task, ev forward.Event) {
	_, err := e.store.Append(ctx, eventstore.Event{
		TaskID:     task.ID,
		TodolistID: task.TodolistID,
		Kind:       eventstore.KindProgress,
		Stage:      ev.Stage,
		Step:       ev.Step,
		TotalSteps: ev.TotalSteps,
	})
	if err != nil {
		logging.WithContext(ctx).WithTask(task.ID).WithError(err).Warn("progress event not recorded")
		return
	}
	metrics.RecordTaskEvent(string(eventstore.KindProgress), "executor")
}

// recordTerminal maps a terminal stream event onto the durable kinds
// and writes it through the uniqueness guard. The write must survive
// the caller leaving, so it runs detached from request cancellation.
func (e *Executor) recordTerminal(ctx context.Context, task Task, ev forward.Event) {
	kind := eventstore.KindCompleted
	payload := ev.Detail
	switch ev.Kind {
	case forward.EventCancelled:
		kind = eventstore.KindFailed
		payload = taggedPayload("cancelled", ev.Detail)
	case forward.EventFailed:
		kind = eventstore.KindFailed
		payload = taggedPayload(ev.Reason, ev.Detail)
	}

	sctx := context.WithoutCancel(ctx)
	rec, err := e.store.Append(sctx, eventstore.Event{
		TaskID:     task.ID,
		TodolistID: task.TodolistID,
		Kind:       kind,
		Payload:    payload,
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		logging.WithContext(ctx).WithTask(task.ID).WithTodolist(task.TodolistID).
			WithError(err).Error("terminal event not recorded")
		return
	}
	if !rec.Recorded {
		metrics.RecordDuplicateEvent(string(kind), "executor")
		return
	}
	metrics.RecordTaskEvent(string(kind), "executor")
	if ev.Kind == forward.EventFailed {
		metrics.RecordForwardFailure(ev.Reason)
	}
	logging.WithContext(ctx).WithTask(task.ID).WithTodolist(task.TodolistID).
		WithField("kind", string(kind)).Info("task reached terminal state")
	e.notifyTerminal(sctx, task, kind, payload)
}

// notifyTerminal queues a caller notification when the task has a
// registered callback URL.
func (e *Executor) notifyTerminal(ctx context.Context, task Task, kind eventstore.Kind, payload json.RawMessage) {
	if e.notifier == nil {
		return
	}
	reg, ok, err := e.store.LookupCallback(ctx, task.TodolistID)
	if err != nil {
		logging.WithContext(ctx).WithTask(task.ID).WithError(err).Warn("callback lookup failed")
		return
	}
	if !ok || reg.CallbackURL == "" {
		return
	}
	if err := e.notifier.PublishTerminal(ctx, task.ID, task.TodolistID, kind, payload); err != nil {
		logging.WithContext(ctx).WithTask(task.ID).WithError(err).Warn("caller notification not queued")
	}
}

// fail records and publishes the failed terminal for reason, with msg
// as the error detail. Failures are delivered as events, never
// re-raised toward the caller.
func (e *Executor) fail(ctx context.Context, task Task, queue Queue, reason, msg string) error {
	return e.failPayload(ctx, task, queue, reason, errPayload(msg))
}

func (e *Executor) failPayload(ctx context.Context, task Task, queue Queue, reason string, detail json.RawMessage) error {
	payload := taggedPayload(reason, detail)
	metrics.RecordForwardFailure(reason)

	sctx := context.WithoutCancel(ctx)
	rec, err := e.store.Append(sctx, eventstore.Event{
		TaskID:     task.ID,
		TodolistID: task.TodolistID,
		Kind:       eventstore.KindFailed,
		Payload:    payload,
	})
	switch {
	case err != nil:
		logging.WithContext(ctx).WithTask(task.ID).WithTodolist(task.TodolistID).
			WithError(err).Error("failed event not recorded")
	case rec.Recorded:
		metrics.RecordTaskEvent(string(eventstore.KindFailed), "executor")
		e.notifyTerminal(sctx, task, eventstore.KindFailed, payload)
	default:
		metrics.RecordDuplicateEvent(string(eventstore.KindFailed), "executor")
	}

	logging.WithContext(ctx).WithTask(task.ID).WithTodolist(task.TodolistID).
		WithField("reason", reason).Warn("task failed")
	return queue.Publish(ctx, failedEvent(task, reason, detail))
}

// publishTerminal republishes the terminal stream event to the caller:
// artifact chunks first for a completed task, then the final status.
func (e *Executor) publishTerminal(ctx context.Context, task Task, ev forward.Event, queue Queue) error {
	switch ev.Kind {
	case forward.EventCompleted:
		var detail struct {
			Result    string         `json:"result"`
			Artifacts []a2a.Artifact `json:"artifacts"`
		}
		_ = json.Unmarshal(ev.Detail, &detail)
		for i, art := range detail.Artifacts {
			chunk := a2a.StreamEvent{ArtifactUpdate: &a2a.TaskArtifactUpdateEvent{
				TaskID:    task.ID,
				ContextID: task.ContextID,
				Artifact:  art,
				LastChunk: i == len(detail.Artifacts)-1,
			}}
			if err := queue.Publish(ctx, chunk); err != nil {
				return err
			}
		}
		return queue.Publish(ctx, statusEvent(task, a2a.TaskStateCompleted, detail.Result, nil))

	case forward.EventCancelled:
		return queue.Publish(ctx, statusEvent(task, a2a.TaskStateCanceled, detailError(ev.Detail), nil))

	default:
		return queue.Publish(ctx, failedEvent(task, ev.Reason, ev.Detail))
	}
}

func forwardTask(task Task) forward.Task {
	return forward.Task{
		TaskID:     task.ID,
		ContextID:  task.ContextID,
		TodolistID: task.TodolistID,
		Message:    task.Message,
	}
}

// progressEvent builds a working status update for the caller. When the
// target supplied step hints a completion percentage rides along in the
// metadata.
func progressEvent(task Task, stage string, step, total int) a2a.StreamEvent {
	var meta json.RawMessage
	if total > 0 {
		meta, _ = json.Marshal(map[string]any{
			"step":        step,
			"total_steps": total,
			"percent":     math.Round(float64(step)/float64(total)*1000) / 10,
		})
	}
	return a2a.StreamEvent{StatusUpdate: &a2a.TaskStatusUpdateEvent{
		TaskID:    task.ID,
		ContextID: task.ContextID,
		Status: a2a.TaskStatus{
			State:     a2a.TaskStateWorking,
			Message:   agentText(task, stage),
			Timestamp: time.Now().UTC(),
		},
		Metadata: meta,
	}}
}

// submittedEvent is the final frame of a non-blocking exchange: the task
// is accepted and the held connection ends here.
func submittedEvent(task Task) a2a.StreamEvent {
	meta, _ := json.Marshal(map[string]string{"todolist_id": task.TodolistID})
	return a2a.StreamEvent{StatusUpdate: &a2a.TaskStatusUpdateEvent{
		TaskID:    task.ID,
		ContextID: task.ContextID,
		Status: a2a.TaskStatus{
			State:     a2a.TaskStateSubmitted,
			Message:   agentText(task, "task accepted, result will be delivered via callback"),
			Timestamp: time.Now().UTC(),
		},
		Final:    true,
		Metadata: meta,
	}}
}

func failedEvent(task Task, reason string, detail json.RawMessage) a2a.StreamEvent {
	text := detailError(detail)
	if text == "" {
		text = reason
	}
	ev := statusEvent(task, a2a.TaskStateFailed, text, taggedPayload(reason, detail))
	return ev
}

func statusEvent(task Task, state a2a.TaskState, text string, meta json.RawMessage) a2a.StreamEvent {
	return a2a.StreamEvent{StatusUpdate: &a2a.TaskStatusUpdateEvent{
		TaskID:    task.ID,
		ContextID: task.ContextID,
		Status: a2a.TaskStatus{
			State:     state,
			Message:   agentText(task, text),
			Timestamp: time.Now().UTC(),
		},
		Final:    true,
		Metadata: meta,
	}}
}

func agentText(task Task, text string) *a2a.Message {
	if text == "" {
		return nil
	}
	return &a2a.Message{
		MessageID: uuid.NewString(),
		TaskID:    task.ID,
		ContextID: task.ContextID,
		Role:      a2a.RoleAgent,
		Parts:     []a2a.Part{a2a.TextPart(text)},
	}
}

// taggedPayload wraps an error detail with its failure classification.
func taggedPayload(reason string, detail json.RawMessage) json.RawMessage {
	body := map[string]any{"type": reason}
	if len(detail) > 0 {
		body["detail"] = json.RawMessage(detail)
	}
	out, _ := json.Marshal(body)
	return out
}

func errPayload(msg string) json.RawMessage {
	out, _ := json.Marshal(map[string]string{"error": msg})
	return out
}

// detailError pulls the error text back out of an errPayload-shaped
// detail, if present.
func detailError(detail json.RawMessage) string {
	var d struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(detail, &d)
	return d.Error
}
