package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"

	"github.com/abickford/relay_hook/internal/eventstore"
	"github.com/abickford/relay_hook/internal/logging"
	"github.com/abickford/relay_hook/internal/metrics"
	"github.com/abickford/relay_hook/internal/tracing"
)

// Producer is the queue publish seam; *nsq.Producer satisfies it.
type Producer interface {
	Publish(topic string, body []byte) error
}

// Publisher records a notification row and queues the delivery job.
type Publisher struct {
	pool  *pgxpool.Pool
	prod  Producer
	topic string
}

// NewPublisher builds a publisher. pool may be nil when the deployment
// runs on the in-memory event store; jobs then carry a generated id and
// no durable status row.
func NewPublisher(pool *pgxpool.Pool, prod Producer, topic string) *Publisher {
	return &Publisher{pool: pool, prod: prod, topic: topic}
}

// PublishTerminal queues one terminal outcome for delivery to the
// caller's registered callback. Current trace context rides along in
// the job headers.
func (p *Publisher) PublishTerminal(ctx context.Context, taskID, todolistID string, kind eventstore.Kind, payload json.RawMessage) error {
	ctx, span := tracing.StartSpan(ctx, "notify.PublishTerminal",
		attribute.String("task_id", taskID),
		attribute.String("todolist_id", todolistID),
		attribute.String("kind", string(kind)),
	)
	defer span.End()

	id := uuid.NewString()
	if p.pool != nil {
		body := []byte("null")
		if len(payload) > 0 {
			body = payload
		}
		err := p.pool.QueryRow(ctx, `
			INSERT INTO relayhook.caller_notifications(task_id, todolist_id, kind, payload, status)
			VALUES ($1, $2, $3, $4::jsonb, 'queued')
			RETURNING id`,
			taskID, todolistID, string(kind), string(body),
		).Scan(&id)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return fmt.Errorf("insert notification: %w", err)
		}
	}

	job := Task{
		NotificationID: id,
		TaskID:         taskID,
		TodolistID:     todolistID,
		Kind:           string(kind),
		Payload:        payload,
		QueuedAt:       time.Now().UTC().Format(time.RFC3339),
		TraceHeaders:   tracing.PropagateTraceToNSQ(ctx),
	}
	b, _ := json.Marshal(job)
	if err := p.prod.Publish(p.topic, b); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("nsq publish: %w", err)
	}

	metrics.NotificationsTotal.WithLabelValues("queued").Inc()
	tracing.AddSpanEvent(ctx, "nsq.published", attribute.String("topic", p.topic))
	logging.WithContext(ctx).WithTask(taskID).WithTodolist(todolistID).
		WithNotification(id).WithField("kind", string(kind)).
		Info("caller notification queued")
	return nil
}
