// Package forward drives the wire protocol toward a resolved target
// agent: blocking delivery as a bounded event stream, non-blocking
// delivery as submit-and-disengage with a callback URL.
package forward

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/abickford/relay_hook/internal/a2a"
)

// EventKind classifies one protocol event observed during blocking
// delivery.
type EventKind string

const (
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
)

// Terminal reports whether the kind ends the delivery.
func (k EventKind) Terminal() bool {
	return k != EventProgress
}

// Event is one normalized protocol event. A blocking delivery yields zero
// or more progress events followed by exactly one terminal event.
type Event struct {
	Kind       EventKind
	Stage      string
	Step       int
	TotalSteps int
	Reason     string          // failure classification, set for EventFailed
	Detail     json.RawMessage // artifact bundle or error detail
}

// Task is the unit of work being forwarded.
type Task struct {
	TaskID     string
	ContextID  string
	TodolistID string
	Message    a2a.Message
}

// SendOptions tunes a blocking delivery.
type SendOptions struct {
	// Streaming selects message/stream; callers set it from the target's
	// advertised capabilities. Off, the delivery degrades to one held
	// message/send call producing a single terminal event.
	Streaming bool
}

// SubmissionStatus is the non-blocking submit verdict.
type SubmissionStatus string

const (
	SubmissionSubmitted SubmissionStatus = "submitted"
	SubmissionRejected  SubmissionStatus = "rejected"
)

// SubmissionOutcome reports how the target answered a non-blocking
// submit. A rejection is a protocol-level answer; transport failures
// come back as an error instead.
type SubmissionOutcome struct {
	Status       SubmissionStatus
	State        a2a.TaskState
	RemoteTaskID string
	Detail       json.RawMessage
}

// Client forwards tasks over an a2a.Client.
type Client struct {
	agent         a2a.Client
	eventTimeout  time.Duration
	submitTimeout time.Duration
}

// NewClient builds a forwarding client. eventTimeout bounds each event
// wait in blocking mode; submitTimeout bounds discovery, non-blocking
// submits, and cancels.
func NewClient(agent a2a.Client, eventTimeout, submitTimeout time.Duration) *Client {
	return &Client{agent: agent, eventTimeout: eventTimeout, submitTimeout: submitTimeout}
}

// CallbackURL builds the webhook callback handed to targets for a
// todolist correlation key.
func CallbackURL(publicBaseURL, todolistID string) string {
	return strings.TrimRight(publicBaseURL, "/") + "/webhook/" + a2a.ProtocolName + "/todolist/" + todolistID
}

// Discover fetches the target's agent card, with transport failures
// classified.
func (c *Client) Discover(ctx context.Context, endpointURL string) (*a2a.AgentCard, error) {
	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	card, err := c.agent.Discover(ctx, endpointURL)
	if err != nil {
		return nil, classify(endpointURL, "discover", err)
	}
	return card, nil
}

// Send performs a blocking delivery and returns the event sequence. The
// returned channel always ends with exactly one terminal event; failures
// to even open the delivery come back as a classified error instead.
// Cancelling ctx aborts the transport and yields a cancelled terminal.
func (c *Client) Send(ctx context.Context, task Task, endpointURL string, opts SendOptions) (<-chan Event, error) {
	req := a2a.SendMessageRequest{
		Message:       c.outboundMessage(task),
		Configuration: &a2a.SendMessageConfig{Blocking: true},
	}

	if !opts.Streaming {
		return c.sendHeld(ctx, req, endpointURL)
	}

	frames, err := c.agent.StreamMessage(ctx, endpointURL, req)
	if err != nil {
		return nil, classify(endpointURL, "stream", err)
	}

	out := make(chan Event)
	go c.pump(ctx, endpointURL, frames, out)
	return out, nil
}

// sendHeld is the non-streaming blocking path: one held message/send call
// whose answer becomes the single terminal event.
func (c *Client) sendHeld(ctx context.Context, req a2a.SendMessageRequest, endpointURL string) (<-chan Event, error) {
	ctx, cancel := context.WithTimeout(ctx, c.eventTimeout)
	defer cancel()

	result, err := c.agent.SendMessage(ctx, endpointURL, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Endpoint: endpointURL, After: c.eventTimeout}
		}
		if errors.Is(err, context.Canceled) {
			return nil, context.Canceled
		}
		return nil, classify(endpointURL, "send", err)
	}

	out := make(chan Event, 1)
	out <- terminalFromTask(result)
	close(out)
	return out, nil
}

// pump translates raw stream frames into normalized events, enforcing
// the per-event timeout and the exactly-one-terminal contract.
func (c *Client) pump(ctx context.Context, endpointURL string, frames <-chan a2a.StreamEvent, out chan<- Event) {
	defer close(out)

	var artifacts []a2a.Artifact
	timer := time.NewTimer(c.eventTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			out <- Event{Kind: EventCancelled, Reason: "cancelled", Detail: errDetail("delivery cancelled")}
			return

		case <-timer.C:
			err := &TimeoutError{Endpoint: endpointURL, After: c.eventTimeout}
			out <- Event{Kind: EventFailed, Reason: Reason(err), Detail: errDetail(err.Error())}
			return

		case frame, ok := <-frames:
			if !ok {
				// A stream that ends without a terminal state broke the
				// protocol contract.
				out <- Event{
					Kind:   EventFailed,
					Reason: "transport",
					Detail: errDetail("stream ended without terminal state"),
				}
				return
			}

			ev, terminal := c.translate(frame, &artifacts)
			if ev != nil {
				select {
				case out <- *ev:
				case <-ctx.Done():
					out <- Event{Kind: EventCancelled, Reason: "cancelled", Detail: errDetail("delivery cancelled")}
					return
				}
			}
			if terminal {
				return
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.eventTimeout)
		}
	}
}

// translate maps one stream frame to at most one normalized event and
// reports whether it was terminal. Artifact chunks accumulate silently
// and ride out on the completed terminal.
func (c *Client) translate(frame a2a.StreamEvent, artifacts *[]a2a.Artifact) (*Event, bool) {
	switch {
	case frame.Err != nil:
		return &Event{
			Kind:   EventFailed,
			Reason: "transport",
			Detail: errDetail(frame.Err.Error()),
		}, true

	case frame.ArtifactUpdate != nil:
		*artifacts = append(*artifacts, frame.ArtifactUpdate.Artifact)
		return nil, false

	case frame.Message != nil:
		return &Event{Kind: EventProgress, Stage: textOf(frame.Message)}, false

	case frame.StatusUpdate != nil:
		st := frame.StatusUpdate.Status
		if st.State.IsTerminal() {
			ev := terminalFromStatus(st, *artifacts)
			return &ev, true
		}
		ev := Event{Kind: EventProgress, Stage: textOf(st.Message)}
		ev.Step, ev.TotalSteps = stepsOf(frame.StatusUpdate.Metadata)
		return &ev, false

	case frame.Task != nil:
		t := frame.Task
		if len(t.Artifacts) > 0 {
			*artifacts = append(*artifacts, t.Artifacts...)
		}
		if t.Status.State.IsTerminal() {
			ev := terminalFromStatus(t.Status, *artifacts)
			return &ev, true
		}
		return &Event{Kind: EventProgress, Stage: textOf(t.Status.Message)}, false
	}
	return nil, false
}

// SendAsync submits the task with a callback registration and returns
// without waiting for the result. The target's explicit refusal comes
// back as a rejected outcome; failing to reach it at all is an error.
func (c *Client) SendAsync(ctx context.Context, task Task, endpointURL, callbackURL, token string) (SubmissionOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	req := a2a.SendMessageRequest{
		Message: c.outboundMessage(task),
		Configuration: &a2a.SendMessageConfig{
			Blocking: false,
			PushNotificationConfig: &a2a.PushNotificationConfig{
				URL:   callbackURL,
				Token: token,
			},
		},
	}

	result, err := c.agent.SendMessage(ctx, endpointURL, req)
	if err != nil {
		var rpcErr *a2a.RPCError
		if errors.As(err, &rpcErr) {
			return SubmissionOutcome{
				Status: SubmissionRejected,
				Detail: rejectionDetail(rpcErr),
			}, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return SubmissionOutcome{}, &TransportError{Endpoint: endpointURL, Op: "submit", Err: err}
		}
		return SubmissionOutcome{}, classify(endpointURL, "submit", err)
	}

	state := result.Status.State
	if state == a2a.TaskStateRejected || state == a2a.TaskStateFailed {
		detail, _ := json.Marshal(map[string]any{
			"state":  string(state),
			"reason": textOf(result.Status.Message),
		})
		return SubmissionOutcome{
			Status:       SubmissionRejected,
			State:        state,
			RemoteTaskID: result.ID,
			Detail:       detail,
		}, nil
	}

	return SubmissionOutcome{
		Status:       SubmissionSubmitted,
		State:        state,
		RemoteTaskID: result.ID,
	}, nil
}

// Cancel asks the target to stop a task. Best effort; the caller decides
// what a failure means.
func (c *Client) Cancel(ctx context.Context, endpointURL, remoteTaskID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	if _, err := c.agent.CancelTask(ctx, endpointURL, a2a.CancelTaskRequest{ID: remoteTaskID}); err != nil {
		return classify(endpointURL, "cancel", err)
	}
	return nil
}

// outboundMessage stamps the task's identifiers onto the forwarded
// message without touching the caller's content.
func (c *Client) outboundMessage(task Task) a2a.Message {
	msg := task.Message
	msg.TaskID = task.TaskID
	msg.ContextID = task.ContextID
	return msg
}

func terminalFromTask(t *a2a.Task) Event {
	return terminalFromStatus(t.Status, t.Artifacts)
}

func terminalFromStatus(st a2a.TaskStatus, artifacts []a2a.Artifact) Event {
	switch st.State {
	case a2a.TaskStateCompleted:
		detail, _ := json.Marshal(map[string]any{
			"result":    textOf(st.Message),
			"artifacts": artifacts,
		})
		return Event{Kind: EventCompleted, Detail: detail}

	case a2a.TaskStateCanceled:
		return Event{Kind: EventCancelled, Reason: "cancelled", Detail: errDetail("task cancelled by target")}

	default:
		// failed, rejected, and anything else terminal.
		detail, _ := json.Marshal(map[string]any{
			"state": string(st.State),
			"error": textOf(st.Message),
		})
		return Event{Kind: EventFailed, Reason: "remote", Detail: detail}
	}
}

func rejectionDetail(rpcErr *a2a.RPCError) json.RawMessage {
	detail, _ := json.Marshal(map[string]any{
		"code":    rpcErr.Code,
		"message": rpcErr.Message,
		"data":    rpcErr.Data,
	})
	return detail
}

func errDetail(msg string) json.RawMessage {
	detail, _ := json.Marshal(map[string]string{"error": msg})
	return detail
}

// textOf pulls the first text part out of a message, if any.
func textOf(msg *a2a.Message) string {
	if msg == nil {
		return ""
	}
	for _, p := range msg.Parts {
		if p.Text != "" {
			return p.Text
		}
	}
	return ""
}

// stepsOf reads progress numerators from status update metadata.
func stepsOf(metadata json.RawMessage) (step, total int) {
	if len(metadata) == 0 {
		return 0, 0
	}
	var m struct {
		Step       int `json:"step"`
		TotalSteps int `json:"total_steps"`
	}
	if err := json.Unmarshal(metadata, &m); err != nil {
		return 0, 0
	}
	return m.Step, m.TotalSteps
}
