package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/abickford/relay_hook/internal/a2a"
	"github.com/abickford/relay_hook/internal/config"
	"github.com/abickford/relay_hook/internal/db"
	"github.com/abickford/relay_hook/internal/eventstore"
	"github.com/abickford/relay_hook/internal/health"
	"github.com/abickford/relay_hook/internal/logging"
	"github.com/abickford/relay_hook/internal/metrics"
	"github.com/abickford/relay_hook/internal/notify"
	"github.com/abickford/relay_hook/internal/tracing"

	"go.opentelemetry.io/otel/attribute"
)

const serviceName = "relayhook-notifier"

// The notifier drains queued terminal outcomes and pushes each one to
// the callback URL its caller registered at submission time. Delivery
// state lives in relayhook.caller_notifications; retries ride on NSQ
// requeues with the attempt counter kept in the database.
func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logging.SetDefaultService(serviceName)
	logger := logging.New(serviceName)

	shutdownTracing, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	pool, err := db.Connect(ctx, cfg.DSN(), 0)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to connect to database")
	}
	defer pool.Close()
	store := eventstore.NewPostgresStore(pool)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	conf := nsq.NewConfig()
	conf.MaxInFlight = 1000
	consumer, err := nsq.NewConsumer(cfg.NSQ.NotificationsTopic, cfg.NSQ.NotifierChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("NSQ consumer creation failed")
	}

	var dlqProducer *nsq.Producer
	if cfg.Notifier.PublishDLQ {
		dlqProducer, err = nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("NSQ producer for DLQ creation failed")
		}
		defer dlqProducer.Stop()
	}

	mux := http.NewServeMux()
	var queuePing func() error
	if dlqProducer != nil {
		queuePing = dlqProducer.Ping
	}
	mux.HandleFunc("/healthz", health.HTTPHandler(serviceName, pool, queuePing))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Notifier.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("Notifier HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("Notifier HTTP server failed")
		}
	}()

	httpClient := &http.Client{Timeout: cfg.Notifier.HTTPTimeout}

	startBacklogMonitor(cfg)

	handler := nsq.HandlerFunc(func(m *nsq.Message) error {
		m.DisableAutoResponse() // we manually requeue or finish
		defer func() {
			if !m.HasResponded() {
				logger.Plain().Warn("message had no response, finishing")
				m.Finish()
			}
		}()

		var t notify.Task
		if err := json.Unmarshal(m.Body, &t); err != nil {
			logger.Plain().WithError(err).Error("bad notification payload")
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()
			m.Finish() // terminal: don't retry bad payloads
			return nil
		}

		ctx := tracing.ExtractTraceFromNSQ(ctx, t.TraceHeaders)
		ctx, span := tracing.StartSpan(ctx, "notifier.delivery",
			attribute.String("notification_id", t.NotificationID),
			attribute.String("task_id", t.TaskID),
			attribute.String("todolist_id", t.TodolistID),
			attribute.String("kind", t.Kind),
			attribute.Int("attempt", t.Attempt),
		)
		defer span.End()

		tracing.AddSpanEvent(ctx, "db.update_notification_inflight")
		_, _ = pool.Exec(ctx, `
			UPDATE relayhook.caller_notifications
			SET status='inflight', dequeued_at=now(), updated_at=now()
			WHERE id=$1`, t.NotificationID)

		// The callback URL is re-read at delivery time, never carried in
		// the queue job, so a registration fixed after queueing still
		// routes the push.
		tracing.AddSpanEvent(ctx, "db.lookup_callback")
		registration, found, lookErr := store.LookupCallback(ctx, t.TodolistID)
		if lookErr != nil {
			tracing.SetSpanError(ctx, lookErr)
			logger.WithContext(ctx).WithNotification(t.NotificationID).WithTodolist(t.TodolistID).
				WithError(lookErr).Error("callback lookup failed")
			m.Requeue(computeDelay(int(m.Attempts), cfg.Notifier.BackoffSchedule, cfg.Notifier.JitterPercent))
			return nil
		}
		if !found || registration.CallbackURL == "" {
			// No push destination; the outcome stays queryable via tasks/get.
			_, _ = pool.Exec(ctx, `
				UPDATE relayhook.caller_notifications
				SET status='skipped', updated_at=now()
				WHERE id=$1`, t.NotificationID)
			logger.WithContext(ctx).WithNotification(t.NotificationID).WithTodolist(t.TodolistID).
				Info("no caller callback registered, skipping push")
			metrics.NotificationsTotal.WithLabelValues("skipped").Inc()
			m.Finish()
			return nil
		}

		body := notificationBody(t)
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, registration.CallbackURL, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if registration.Token != "" {
			req.Header.Set(cfg.NSQ.TokenHeader, registration.Token)
		}
		if traceID := tracing.GetTraceID(ctx); traceID != "" {
			req.Header.Set("X-Trace-Id", traceID)
		}

		start := time.Now()
		tracing.AddSpanEvent(ctx, "db.update_notification_sent")
		_, _ = pool.Exec(ctx, `
			UPDATE relayhook.caller_notifications
			SET sent_at=$2, updated_at=now()
			WHERE id=$1`, t.NotificationID, start)

		tracing.AddSpanEvent(ctx, "http.push_notification")
		resp, doErr := httpClient.Do(req)
		latency := time.Since(start)
		status := 0
		if doErr == nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}

		span.SetAttributes(
			attribute.Int("http.status_code", status),
			attribute.Int64("http.latency_ms", latency.Milliseconds()),
		)
		if doErr != nil {
			span.SetAttributes(attribute.String("http.error", doErr.Error()))
		}

		ok := doErr == nil && status >= 200 && status < 300
		if ok {
			tracing.AddSpanEvent(ctx, "notification.delivered")
			_, updErr := pool.Exec(ctx, `
				UPDATE relayhook.caller_notifications
				SET status='delivered', delivered_at=now(), attempt=attempt+1, http_status=$1, latency_ms=$2, updated_at=now(), last_error=NULL
				WHERE id=$3`,
				status, int(latency.Milliseconds()), t.NotificationID,
			)
			if updErr != nil {
				logger.WithContext(ctx).WithNotification(t.NotificationID).WithError(updErr).Error("db update success failed")
				tracing.SetSpanError(ctx, updErr)
			}
			metrics.RecordNotification("delivered", latency)
			m.Finish()
			return nil
		}

		tracing.AddSpanEvent(ctx, "notification.failed")
		_, updErr := pool.Exec(ctx, `
			UPDATE relayhook.caller_notifications
			SET status='failed', failed_at=now(), attempt=attempt+1, http_status=$1, latency_ms=$2, updated_at=now(), last_error=$3
			WHERE id=$4`,
			status, int(latency.Milliseconds()), errString(doErr), t.NotificationID,
		)
		if updErr != nil {
			logger.WithContext(ctx).WithNotification(t.NotificationID).WithError(updErr).Error("db update fail failed")
			tracing.SetSpanError(ctx, updErr)
		}

		var newAttempt int
		if err := pool.QueryRow(ctx, `SELECT attempt FROM relayhook.caller_notifications WHERE id=$1`, t.NotificationID).Scan(&newAttempt); err != nil {
			logger.WithContext(ctx).WithNotification(t.NotificationID).WithError(err).Error("read attempt failed")
			tracing.SetSpanError(ctx, err)
			newAttempt = cfg.Notifier.MaxAttempts // be safe -> DLQ
		}
		t.Attempt = newAttempt

		reason := classifyReason(doErr, status)
		span.SetAttributes(attribute.String("failure_reason", reason))
		metrics.RecordRetry(reason)
		metrics.RecordNotification("failed", latency)

		if newAttempt >= cfg.Notifier.MaxAttempts {
			tracing.AddSpanEvent(ctx, "notification.dlq", attribute.Int("attempt", newAttempt))
			_, qErr := pool.Exec(ctx, `
				INSERT INTO relayhook.notifications_dlq(notification_id, reason) VALUES ($1,$2)`,
				t.NotificationID, fmt.Sprintf("max attempts reached (%d), last status=%d, err=%s", newAttempt, status, errString(doErr)),
			)
			if qErr != nil {
				logger.WithContext(ctx).WithNotification(t.NotificationID).WithError(qErr).Error("dlq insert failed")
				tracing.SetSpanError(ctx, qErr)
			}

			_, updateErr := pool.Exec(ctx, `
				UPDATE relayhook.caller_notifications SET status='dead', updated_at=now() WHERE id=$1`,
				t.NotificationID,
			)
			if updateErr != nil {
				logger.WithContext(ctx).WithNotification(t.NotificationID).WithError(updateErr).Error("dlq status update failed")
				tracing.SetSpanError(ctx, updateErr)
			}

			if cfg.Notifier.PublishDLQ && dlqProducer != nil {
				env := notify.NewDeadLetter(t, newAttempt, status, errString(doErr), fmt.Sprintf("max attempts reached (%d)", newAttempt))
				b, _ := json.Marshal(env)
				if err := dlqProducer.Publish(cfg.NSQ.DLQTopic, b); err != nil {
					logger.WithContext(ctx).WithNotification(t.NotificationID).WithError(err).Error("dlq publish failed")
					tracing.SetSpanError(ctx, err)
				} else {
					logger.WithContext(ctx).WithNotification(t.NotificationID).WithField("topic", cfg.NSQ.DLQTopic).Info("dlq published")
					tracing.AddSpanEvent(ctx, "nsq.published_dlq", attribute.String("topic", cfg.NSQ.DLQTopic))
				}
			}

			span.SetAttributes(
				attribute.String("notification.final_status", "dead"),
				attribute.Int("notification.final_attempt", newAttempt),
			)
			metrics.RecordDLQ(reason)
			m.Finish() // drop from main topic
			return nil
		}

		delay := computeDelay(newAttempt, cfg.Notifier.BackoffSchedule, cfg.Notifier.JitterPercent)
		tracing.AddSpanEvent(ctx, "notification.requeue",
			attribute.Int("attempt", newAttempt),
			attribute.String("delay", delay.String()),
		)
		span.SetAttributes(
			attribute.String("notification.final_status", "requeued"),
			attribute.Int("notification.next_attempt", newAttempt),
		)
		logger.WithContext(ctx).WithNotification(t.NotificationID).WithFields(map[string]any{
			"attempt": newAttempt,
			"delay":   delay.String(),
		}).Info("requeue notification")

		m.Requeue(delay)
		return nil
	})

	concurrency := cfg.Notifier.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	consumer.AddConcurrentHandlers(handler, concurrency)

	// Connecting directly to NSQD forces channel creation, instead of the channel being lazily created on first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().Info("notifier service started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	logger.Plain().Info("Shutting down notifier service")
	consumer.Stop()
	<-consumer.StopChan
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("notifier service stopped")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// notificationBody renders the terminal outcome as the task object the
// caller's push endpoint expects.
func notificationBody(t notify.Task) []byte {
	task := a2a.Task{ID: t.TaskID}
	now := time.Now().UTC()

	switch eventstore.Kind(t.Kind) {
	case eventstore.KindCompleted:
		var detail struct {
			Result    string         `json:"result"`
			Artifacts []a2a.Artifact `json:"artifacts"`
		}
		_ = json.Unmarshal(t.Payload, &detail)
		task.Artifacts = detail.Artifacts
		task.Status = a2a.TaskStatus{
			State:     a2a.TaskStateCompleted,
			Message:   outcomeMessage(t.TaskID, detail.Result),
			Timestamp: now,
		}
	default:
		var detail struct {
			Type   string `json:"type"`
			Detail struct {
				Error string `json:"error"`
			} `json:"detail"`
		}
		_ = json.Unmarshal(t.Payload, &detail)
		state := a2a.TaskStateFailed
		if detail.Type == "cancelled" {
			state = a2a.TaskStateCanceled
		}
		text := detail.Detail.Error
		if text == "" {
			text = detail.Type
		}
		task.Status = a2a.TaskStatus{
			State:     state,
			Message:   outcomeMessage(t.TaskID, text),
			Timestamp: now,
		}
	}

	task.Metadata, _ = json.Marshal(map[string]string{"todolist_id": t.TodolistID})
	b, _ := json.Marshal(task)
	return b
}

func outcomeMessage(taskID, text string) *a2a.Message {
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

func computeDelay(attempt int, schedule []time.Duration, jitterPct float64) time.Duration {
	// attempt is 1-based after increment; map to schedule index
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	base := schedule[idx]
	// jitter: +/- jitterPct
	j := 1 + (rand.Float64()*2-1)*jitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(base) * j)
}

func classifyReason(doErr error, status int) string {
	if doErr != nil {
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}

// startBacklogMonitor polls nsqd stats and keeps the backlog gauges
// current for the notifications topic and its dead letter topic.
func startBacklogMonitor(cfg config.Config) {
	go func() {
		logger := logging.New(serviceName + "-monitor")
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		httpClient := &http.Client{Timeout: 5 * time.Second}

		for range ticker.C {
			// nsqd answers stats on its HTTP port, one above the TCP port
			nsqdHTTPAddr := strings.Replace(cfg.NSQ.NsqdTCPAddr, ":4150", ":4151", 1)
			resp, err := httpClient.Get(fmt.Sprintf("http://%s/stats?format=json", nsqdHTTPAddr))
			if err != nil {
				logger.Plain().WithError(err).Error("Failed to get NSQ stats")
				continue
			}

			var stats struct {
				Topics []struct {
					Name     string `json:"topic_name"`
					Channels []struct {
						Name  string `json:"channel_name"`
						Depth int64  `json:"depth"`
					} `json:"channels"`
				} `json:"topics"`
			}

			if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
				resp.Body.Close()
				logger.Plain().WithError(err).Error("Failed to decode NSQ stats")
				continue
			}
			resp.Body.Close()

			for _, topic := range stats.Topics {
				if topic.Name != cfg.NSQ.NotificationsTopic && topic.Name != cfg.NSQ.DLQTopic {
					continue
				}
				for _, channel := range topic.Channels {
					if topic.Name == cfg.NSQ.NotificationsTopic && channel.Name == cfg.NSQ.NotifierChannel {
						metrics.UpdateNotifierBacklog(float64(channel.Depth))
					}
					metrics.UpdateNSQTopicDepth(topic.Name, channel.Name, float64(channel.Depth))
				}
			}
		}
	}()
}
