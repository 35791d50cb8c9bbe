// Package receiver accepts out-of-band webhook deliveries from target
// agents and turns them into durable task events. It runs with its own
// lifetime, coupled to the proxy only through the event store and the
// todolist correlation key in the callback path.
package receiver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/abickford/relay_hook/internal/a2a"
	"github.com/abickford/relay_hook/internal/eventstore"
	"github.com/abickford/relay_hook/internal/logging"
	"github.com/abickford/relay_hook/internal/metrics"
	"github.com/abickford/relay_hook/internal/tracing"
)

// Dispositions reported in the acknowledgement body.
const (
	DispositionRecorded  = "recorded"  // fresh terminal event written
	DispositionDuplicate = "duplicate" // terminal already held, write suppressed
	DispositionIgnored   = "ignored"   // non-terminal state, acknowledged without a write
	DispositionUnknown   = "unknown"   // no registration for the todolist, recorded uncorrelated
	DispositionRejected  = "rejected"  // unusable delivery, nothing written
)

// Notifier queues a caller notification for a freshly recorded terminal.
type Notifier interface {
	PublishTerminal(ctx context.Context, taskID, todolistID string, kind eventstore.Kind, payload json.RawMessage) error
}

// Handler serves the webhook callback surface. Anyone who can reach it
// and knows a todolist id can inject an event; callback authentication
// is deliberately absent and the token header is only logged.
type Handler struct {
	store    eventstore.Store
	notifier Notifier
}

// NewHandler builds a webhook handler. notifier may be nil; terminal
// deliveries then skip caller notification.
func NewHandler(store eventstore.Store, notifier Notifier) *Handler {
	return &Handler{store: store, notifier: notifier}
}

// Routes binds the webhook endpoint onto mux. Protocols other than a2a
// fall through to the mux's not-found handling.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhook/"+a2a.ProtocolName+"/todolist/{todolist_id}", h.receive)
}

// receipt is the acknowledgement body for one delivery.
type receipt struct {
	Status      string `json:"status"`
	Disposition string `json:"disposition"`
	TodolistID  string `json:"todolist_id,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	EventID     string `json:"event_id,omitempty"`
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "receiver.Receive")
	defer span.End()

	todolistID := r.PathValue("todolist_id")
	if _, err := uuid.Parse(todolistID); err != nil {
		// Unusable correlation key: reject without touching the store.
		metrics.RecordWebhookDelivery(DispositionRejected)
		logging.WithContext(ctx).WithTodolist(todolistID).Warn("webhook rejected, malformed todolist id")
		writeReceipt(w, http.StatusBadRequest, receipt{Status: "rejected", Disposition: DispositionRejected})
		return
	}
	span.SetAttributes(attribute.String("todolist_id", todolistID))

	var task a2a.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		metrics.RecordWebhookDelivery(DispositionRejected)
		logging.WithContext(ctx).WithTodolist(todolistID).WithError(err).Warn("webhook rejected, undecodable payload")
		writeReceipt(w, http.StatusBadRequest, receipt{Status: "rejected", Disposition: DispositionRejected, TodolistID: todolistID})
		return
	}

	if token := r.Header.Get(a2a.NotificationTokenHeader); token != "" {
		logging.WithContext(ctx).WithTodolist(todolistID).WithField("token_present", true).
			Debug("notification token received but not verified")
	}

	reg, known, err := h.store.LookupCallback(ctx, todolistID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		logging.WithContext(ctx).WithTodolist(todolistID).WithError(err).Error("callback lookup failed")
		writeReceipt(w, http.StatusInternalServerError, receipt{Status: "error", TodolistID: todolistID})
		return
	}

	cls := classify(&task)
	if !cls.record {
		metrics.RecordWebhookDelivery(DispositionIgnored)
		logging.WithContext(ctx).WithTodolist(todolistID).WithTask(reg.TaskID).
			WithField("state", string(task.Status.State)).Info("non-terminal webhook acknowledged without write")
		writeReceipt(w, http.StatusOK, receipt{Status: "ok", Disposition: DispositionIgnored, TodolistID: todolistID, TaskID: reg.TaskID})
		return
	}

	res, err := h.store.Append(ctx, eventstore.Event{
		TaskID:     reg.TaskID,
		TodolistID: todolistID,
		Kind:       cls.kind,
		Payload:    cls.payload,
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		logging.WithContext(ctx).WithTodolist(todolistID).WithError(err).Error("webhook event not recorded")
		writeReceipt(w, http.StatusInternalServerError, receipt{Status: "error", TodolistID: todolistID})
		return
	}

	disposition := DispositionRecorded
	switch {
	case !res.Recorded:
		// The correlation already holds a terminal. Not the sender's
		// fault, so this still acknowledges.
		disposition = DispositionDuplicate
		metrics.RecordDuplicateEvent(string(cls.kind), "webhook")
	case !known:
		disposition = DispositionUnknown
		metrics.RecordTaskEvent(string(cls.kind), "webhook")
	default:
		metrics.RecordTaskEvent(string(cls.kind), "webhook")
	}
	metrics.RecordWebhookDelivery(disposition)

	if res.Recorded && known && reg.CallbackURL != "" && h.notifier != nil {
		if err := h.notifier.PublishTerminal(ctx, reg.TaskID, todolistID, cls.kind, cls.payload); err != nil {
			logging.WithContext(ctx).WithTodolist(todolistID).WithError(err).Warn("caller notification not queued")
		}
	}

	tracing.AddSpanEvent(ctx, "webhook.processed",
		attribute.String("disposition", disposition),
		attribute.String("kind", string(cls.kind)),
	)
	logging.WithContext(ctx).WithTodolist(todolistID).WithTask(reg.TaskID).
		WithField("disposition", disposition).WithField("kind", string(cls.kind)).
		Info("webhook processed")
	writeReceipt(w, http.StatusOK, receipt{
		Status:      "ok",
		Disposition: disposition,
		TodolistID:  todolistID,
		TaskID:      reg.TaskID,
		EventID:     res.EventID,
	})
}

// classification is the store-write decision for one delivery.
type classification struct {
	kind    eventstore.Kind
	payload json.RawMessage
	record  bool
}

// classify maps a pushed task's state onto a durable event kind.
// Completed carries the extracted result; every other terminal state
// and anything unrecognized becomes a failed event so nothing is
// silently dropped. Known non-terminal states are acknowledged only.
func classify(task *a2a.Task) classification {
	switch task.Status.State {
	case a2a.TaskStateCompleted:
		payload, _ := json.Marshal(map[string]any{
			"result":    resultText(task),
			"artifacts": task.Artifacts,
		})
		return classification{kind: eventstore.KindCompleted, payload: payload, record: true}

	case a2a.TaskStateFailed, a2a.TaskStateCanceled, a2a.TaskStateRejected:
		payload, _ := json.Marshal(map[string]any{
			"type":  "remote",
			"state": string(task.Status.State),
			"error": statusText(task),
		})
		return classification{kind: eventstore.KindFailed, payload: payload, record: true}

	case a2a.TaskStateInputRequired:
		payload, _ := json.Marshal(map[string]string{
			"type":  "input_required",
			"error": "target requested input, which webhook delivery cannot relay",
		})
		return classification{kind: eventstore.KindFailed, payload: payload, record: true}

	case a2a.TaskStateWorking, a2a.TaskStateSubmitted:
		return classification{}

	default:
		payload, _ := json.Marshal(map[string]string{
			"type":  "classification",
			"error": "unrecognized task state " + string(task.Status.State),
		})
		return classification{kind: eventstore.KindFailed, payload: payload, record: true}
	}
}

// resultText pulls the best human-readable result out of a completed
// task: the status message first, then artifact parts, then the last
// agent turn in the history.
func resultText(task *a2a.Task) string {
	if text := messageText(task.Status.Message); text != "" {
		return text
	}
	for _, art := range task.Artifacts {
		for _, p := range art.Parts {
			if p.Text != "" {
				return p.Text
			}
		}
	}
	for i := len(task.History) - 1; i >= 0; i-- {
		if task.History[i].Role != a2a.RoleAgent {
			continue
		}
		if text := messageText(&task.History[i]); text != "" {
			return text
		}
	}
	return ""
}

func statusText(task *a2a.Task) string {
	if text := messageText(task.Status.Message); text != "" {
		return text
	}
	return "task ended in state " + string(task.Status.State)
}

func messageText(msg *a2a.Message) string {
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

func writeReceipt(w http.ResponseWriter, code int, rc receipt) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rc)
}
