package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abickford/relay_hook/internal/a2a"
	"github.com/abickford/relay_hook/internal/config"
)

// fakeAgent is a stand-in target for exercising the proxy end to end:
// it completes blocking sends after a few simulated steps, accepts
// non-blocking sends and posts the outcome to the given callback URL,
// and can be told to fail its first N submissions or to post each
// callback more than once.
type fakeAgent struct {
	cfg    config.FakeAgent
	client *http.Client

	mu        sync.Mutex
	count     int
	tasks     map[string]*a2a.Task
	cancelled map[string]bool
}

func newFakeAgent(cfg config.FakeAgent) *fakeAgent {
	return &fakeAgent{
		cfg:       cfg,
		client:    &http.Client{Timeout: 10 * time.Second},
		tasks:     make(map[string]*a2a.Task),
		cancelled: make(map[string]bool),
	}
}

func (f *fakeAgent) HandleSendMessage(ctx context.Context, req a2a.SendMessageRequest) (*a2a.Task, error) {
	f.mu.Lock()
	f.count++
	n := f.count
	f.mu.Unlock()

	// Simulate flakiness: first N submissions -> error
	if n <= f.cfg.FailFirstN {
		log.Printf("FAILING submission (%d/%d)", n, f.cfg.FailFirstN)
		return nil, &a2a.ServerError{Code: a2a.ErrCodeInternal, Message: "temporary failure"}
	}

	taskID := uuid.NewString()
	input := messageText(req.Message)

	var cb *a2a.PushNotificationConfig
	if req.Configuration != nil {
		cb = req.Configuration.PushNotificationConfig
	}
	if cb != nil && cb.URL != "" {
		task := &a2a.Task{
			ID:     taskID,
			Status: a2a.TaskStatus{State: a2a.TaskStateSubmitted, Timestamp: time.Now().UTC()},
		}
		f.remember(task)
		log.Printf("accepted task %s, callback=%s", taskID, cb.URL)
		go f.deliverLater(taskID, *cb, input)
		return task, nil
	}

	// Blocking: hold the connection through the simulated steps.
	for i := 0; i < f.cfg.ProgressSteps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.cfg.StepDelay):
		}
	}
	task := f.completedTask(taskID, input)
	f.remember(task)
	log.Printf("completed task %s inline", taskID)
	return task, nil
}

func (f *fakeAgent) HandleStreamMessage(ctx context.Context, req a2a.SendMessageRequest) (<-chan a2a.StreamEvent, error) {
	f.mu.Lock()
	f.count++
	n := f.count
	f.mu.Unlock()

	if n <= f.cfg.FailFirstN {
		log.Printf("FAILING stream submission (%d/%d)", n, f.cfg.FailFirstN)
		return nil, &a2a.ServerError{Code: a2a.ErrCodeInternal, Message: "temporary failure"}
	}

	taskID := uuid.NewString()
	input := messageText(req.Message)
	out := make(chan a2a.StreamEvent)

	go func() {
		defer close(out)
		for i := 1; i <= f.cfg.ProgressSteps; i++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(f.cfg.StepDelay):
			}
			out <- a2a.StreamEvent{StatusUpdate: &a2a.TaskStatusUpdateEvent{
				TaskID: taskID,
				Status: a2a.TaskStatus{
					State:     a2a.TaskStateWorking,
					Message:   agentText(taskID, fmt.Sprintf("step %d/%d", i, f.cfg.ProgressSteps)),
					Timestamp: time.Now().UTC(),
				},
			}}
		}
		task := f.completedTask(taskID, input)
		f.remember(task)
		out <- a2a.StreamEvent{StatusUpdate: &a2a.TaskStatusUpdateEvent{
			TaskID: taskID,
			Status: task.Status,
			Final:  true,
		}}
	}()
	return out, nil
}

func (f *fakeAgent) HandleGetTask(ctx context.Context, req a2a.GetTaskRequest) (*a2a.Task, error) {
	f.mu.Lock()
	task, ok := f.tasks[req.ID]
	f.mu.Unlock()
	if !ok {
		return nil, &a2a.ServerError{Code: a2a.ErrCodeTaskNotFound, Message: "task not found: " + req.ID}
	}
	return task, nil
}

func (f *fakeAgent) HandleCancelTask(ctx context.Context, req a2a.CancelTaskRequest) (*a2a.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[req.ID]
	if !ok {
		return nil, &a2a.ServerError{Code: a2a.ErrCodeTaskNotFound, Message: "task not found: " + req.ID}
	}
	if task.Status.State.IsTerminal() {
		return nil, &a2a.ServerError{Code: a2a.ErrCodeTaskNotCancelable, Message: "task already terminal"}
	}
	f.cancelled[req.ID] = true
	cancelledTask := &a2a.Task{
		ID:     req.ID,
		Status: a2a.TaskStatus{State: a2a.TaskStateCanceled, Timestamp: time.Now().UTC()},
	}
	f.tasks[req.ID] = cancelledTask
	log.Printf("cancelled task %s", req.ID)
	return cancelledTask, nil
}

// deliverLater simulates the work and then posts the outcome. The same
// body is posted CallbackRepeat times so duplicate suppression on the
// receiving side can be observed.
func (f *fakeAgent) deliverLater(taskID string, cb a2a.PushNotificationConfig, input string) {
	time.Sleep(time.Duration(f.cfg.ProgressSteps) * f.cfg.StepDelay)

	f.mu.Lock()
	wasCancelled := f.cancelled[taskID]
	f.mu.Unlock()

	var task *a2a.Task
	if wasCancelled {
		task = &a2a.Task{
			ID:     taskID,
			Status: a2a.TaskStatus{State: a2a.TaskStateCanceled, Timestamp: time.Now().UTC()},
		}
	} else {
		task = f.completedTask(taskID, input)
	}
	f.remember(task)

	body, _ := json.Marshal(task)
	repeat := f.cfg.CallbackRepeat
	if repeat < 1 {
		repeat = 1
	}
	for i := 1; i <= repeat; i++ {
		req, err := http.NewRequest(http.MethodPost, cb.URL, bytes.NewReader(body))
		if err != nil {
			log.Printf("callback request build failed: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if cb.Token != "" {
			req.Header.Set(a2a.NotificationTokenHeader, cb.Token)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			log.Printf("callback POST (%d/%d) for %s failed: %v", i, repeat, taskID, err)
			continue
		}
		resp.Body.Close()
		log.Printf("callback POST (%d/%d) for %s -> %d", i, repeat, taskID, resp.StatusCode)
	}
}

func (f *fakeAgent) completedTask(taskID, input string) *a2a.Task {
	result := "processed: " + input
	if input == "" {
		result = "processed"
	}
	return &a2a.Task{
		ID: taskID,
		Status: a2a.TaskStatus{
			State:     a2a.TaskStateCompleted,
			Message:   agentText(taskID, result),
			Timestamp: time.Now().UTC(),
		},
		Artifacts: []a2a.Artifact{{
			ArtifactID: uuid.NewString(),
			Name:       "result",
			Parts:      []a2a.Part{a2a.TextPart(result)},
		}},
	}
}

func (f *fakeAgent) remember(task *a2a.Task) {
	f.mu.Lock()
	f.tasks[task.ID] = task
	f.mu.Unlock()
}

func agentText(taskID, text string) *a2a.Message {
	return &a2a.Message{
		MessageID: uuid.NewString(),
		TaskID:    taskID,
		Role:      a2a.RoleAgent,
		Parts:     []a2a.Part{a2a.TextPart(text)},
	}
}

func messageText(msg a2a.Message) string {
	for _, p := range msg.Parts {
		if p.Text != "" {
			return p.Text
		}
	}
	return ""
}

func agentCard(cfg config.FakeAgent) a2a.AgentCard {
	return a2a.AgentCard{
		Name:        cfg.Name,
		Description: "Test double for a downstream agent. Completes every task after a configurable number of steps.",
		URL:         "http://localhost" + cfg.Port,
		Version:     "dev",
		Capabilities: a2a.AgentCapabilities{
			Streaming:         cfg.Streaming,
			PushNotifications: cfg.Push,
		},
		DefaultInputModes:  []string{"text/plain"},
		DefaultOutputModes: []string{"text/plain"},
		Skills: []a2a.AgentSkill{{
			ID:          "echo",
			Name:        "Echo processing",
			Description: "Returns the submitted text after simulated work.",
		}},
	}
}

func main() {
	cfg := config.FromEnv().FakeAgent

	agent := newFakeAgent(cfg)
	srv := a2a.NewServer(agentCard(cfg), agent)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.Handle("/", srv.HTTPHandler())

	httpSrv := &http.Server{
		Addr:         cfg.Port,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	log.Printf("fake-agent %q listening on %s (streaming=%v push=%v failFirstN=%d)",
		cfg.Name, cfg.Port, cfg.Streaming, cfg.Push, cfg.FailFirstN)
	log.Fatal(httpSrv.ListenAndServe())
}
