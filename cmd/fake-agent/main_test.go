package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/abickford/relay_hook/internal/a2a"
	"github.com/abickford/relay_hook/internal/config"
)

func testCfg() config.FakeAgent {
	return config.FakeAgent{
		Port:           ":0",
		Name:           "Test Double",
		ProgressSteps:  1,
		StepDelay:      time.Millisecond,
		CallbackRepeat: 1,
		Push:           true,
		Streaming:      true,
	}
}

func userMessage(text string) a2a.Message {
	return a2a.Message{
		MessageID: "m-1",
		Role:      a2a.RoleUser,
		Parts:     []a2a.Part{a2a.TextPart(text)},
	}
}

func TestAgentCard(t *testing.T) {
	cfg := testCfg()
	cfg.Push = false
	card := agentCard(cfg)

	if card.Name != "Test Double" {
		t.Errorf("expected card name Test Double, got %s", card.Name)
	}
	if !card.Capabilities.Streaming {
		t.Error("expected streaming capability")
	}
	if card.Capabilities.PushNotifications {
		t.Error("expected push notifications to be off")
	}
}

func TestHandleSendMessage_Blocking(t *testing.T) {
	agent := newFakeAgent(testCfg())

	task, err := agent.HandleSendMessage(context.Background(), a2a.SendMessageRequest{
		Message: userMessage("hello"),
	})
	if err != nil {
		t.Fatalf("HandleSendMessage failed: %v", err)
	}
	if task.Status.State != a2a.TaskStateCompleted {
		t.Fatalf("expected completed, got %s", task.Status.State)
	}
	if task.Status.Message == nil || task.Status.Message.Parts[0].Text != "processed: hello" {
		t.Errorf("unexpected result message %+v", task.Status.Message)
	}
	if len(task.Artifacts) != 1 {
		t.Errorf("expected one artifact, got %d", len(task.Artifacts))
	}
}

func TestHandleSendMessage_FailFirstN(t *testing.T) {
	cfg := testCfg()
	cfg.FailFirstN = 1
	agent := newFakeAgent(cfg)

	_, err := agent.HandleSendMessage(context.Background(), a2a.SendMessageRequest{Message: userMessage("x")})
	var srvErr *a2a.ServerError
	if !errors.As(err, &srvErr) {
		t.Fatalf("expected a server error on the first submission, got %v", err)
	}

	task, err := agent.HandleSendMessage(context.Background(), a2a.SendMessageRequest{Message: userMessage("x")})
	if err != nil {
		t.Fatalf("second submission failed: %v", err)
	}
	if task.Status.State != a2a.TaskStateCompleted {
		t.Errorf("expected completed on the second submission, got %s", task.Status.State)
	}
}

func TestHandleSendMessage_AsyncCallback(t *testing.T) {
	type delivery struct {
		body  []byte
		token string
	}
	received := make(chan delivery, 4)
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		received <- delivery{body: b, token: r.Header.Get(a2a.NotificationTokenHeader)}
		w.WriteHeader(http.StatusOK)
	}))
	defer callback.Close()

	cfg := testCfg()
	cfg.CallbackRepeat = 2
	agent := newFakeAgent(cfg)

	task, err := agent.HandleSendMessage(context.Background(), a2a.SendMessageRequest{
		Message: userMessage("later"),
		Configuration: &a2a.SendMessageConfig{
			PushNotificationConfig: &a2a.PushNotificationConfig{URL: callback.URL, Token: "tok-1"},
		},
	})
	if err != nil {
		t.Fatalf("HandleSendMessage failed: %v", err)
	}
	if task.Status.State != a2a.TaskStateSubmitted {
		t.Fatalf("expected submitted, got %s", task.Status.State)
	}

	for i := 0; i < 2; i++ {
		select {
		case d := <-received:
			if d.token != "tok-1" {
				t.Errorf("expected notification token tok-1, got %q", d.token)
			}
			var delivered a2a.Task
			if err := json.Unmarshal(d.body, &delivered); err != nil {
				t.Fatalf("callback body did not decode: %v", err)
			}
			if delivered.ID != task.ID {
				t.Errorf("callback for task %s, want %s", delivered.ID, task.ID)
			}
			if delivered.Status.State != a2a.TaskStateCompleted {
				t.Errorf("expected completed callback, got %s", delivered.Status.State)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for callback %d", i+1)
		}
	}
}

func TestHandleCancelTask(t *testing.T) {
	received := make(chan []byte, 1)
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		received <- b
		w.WriteHeader(http.StatusOK)
	}))
	defer callback.Close()

	cfg := testCfg()
	cfg.StepDelay = 200 * time.Millisecond
	agent := newFakeAgent(cfg)

	t.Run("unknown task", func(t *testing.T) {
		_, err := agent.HandleCancelTask(context.Background(), a2a.CancelTaskRequest{ID: "nope"})
		var srvErr *a2a.ServerError
		if !errors.As(err, &srvErr) || srvErr.Code != a2a.ErrCodeTaskNotFound {
			t.Fatalf("expected task not found, got %v", err)
		}
	})

	t.Run("cancel before delivery yields canceled callback", func(t *testing.T) {
		task, err := agent.HandleSendMessage(context.Background(), a2a.SendMessageRequest{
			Message: userMessage("cancel me"),
			Configuration: &a2a.SendMessageConfig{
				PushNotificationConfig: &a2a.PushNotificationConfig{URL: callback.URL},
			},
		})
		if err != nil {
			t.Fatalf("HandleSendMessage failed: %v", err)
		}

		got, err := agent.HandleCancelTask(context.Background(), a2a.CancelTaskRequest{ID: task.ID})
		if err != nil {
			t.Fatalf("HandleCancelTask failed: %v", err)
		}
		if got.Status.State != a2a.TaskStateCanceled {
			t.Errorf("expected canceled, got %s", got.Status.State)
		}

		select {
		case body := <-received:
			var delivered a2a.Task
			if err := json.Unmarshal(body, &delivered); err != nil {
				t.Fatalf("callback body did not decode: %v", err)
			}
			if delivered.Status.State != a2a.TaskStateCanceled {
				t.Errorf("expected canceled callback, got %s", delivered.Status.State)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for the callback")
		}
	})

	t.Run("terminal task is not cancelable", func(t *testing.T) {
		fast := newFakeAgent(testCfg())
		task, err := fast.HandleSendMessage(context.Background(), a2a.SendMessageRequest{Message: userMessage("done")})
		if err != nil {
			t.Fatalf("HandleSendMessage failed: %v", err)
		}
		_, err = fast.HandleCancelTask(context.Background(), a2a.CancelTaskRequest{ID: task.ID})
		var srvErr *a2a.ServerError
		if !errors.As(err, &srvErr) || srvErr.Code != a2a.ErrCodeTaskNotCancelable {
			t.Fatalf("expected not cancelable, got %v", err)
		}
	})
}

func TestHandleStreamMessage(t *testing.T) {
	cfg := testCfg()
	cfg.ProgressSteps = 3
	agent := newFakeAgent(cfg)

	events, err := agent.HandleStreamMessage(context.Background(), a2a.SendMessageRequest{
		Message: userMessage("stream"),
	})
	if err != nil {
		t.Fatalf("HandleStreamMessage failed: %v", err)
	}

	var working int
	var final *a2a.TaskStatusUpdateEvent
	for ev := range events {
		if ev.StatusUpdate == nil {
			continue
		}
		if ev.StatusUpdate.Final {
			final = ev.StatusUpdate
			continue
		}
		if ev.StatusUpdate.Status.State == a2a.TaskStateWorking {
			working++
		}
	}
	if working != 3 {
		t.Errorf("expected 3 working updates, got %d", working)
	}
	if final == nil || final.Status.State != a2a.TaskStateCompleted {
		t.Fatalf("expected a final completed update, got %+v", final)
	}
}

func TestHandleGetTask(t *testing.T) {
	agent := newFakeAgent(testCfg())

	task, err := agent.HandleSendMessage(context.Background(), a2a.SendMessageRequest{Message: userMessage("keep")})
	if err != nil {
		t.Fatalf("HandleSendMessage failed: %v", err)
	}

	got, err := agent.HandleGetTask(context.Background(), a2a.GetTaskRequest{ID: task.ID})
	if err != nil {
		t.Fatalf("HandleGetTask failed: %v", err)
	}
	if got.Status.State != a2a.TaskStateCompleted {
		t.Errorf("expected completed, got %s", got.Status.State)
	}

	_, err = agent.HandleGetTask(context.Background(), a2a.GetTaskRequest{ID: "missing"})
	var srvErr *a2a.ServerError
	if !errors.As(err, &srvErr) || srvErr.Code != a2a.ErrCodeTaskNotFound {
		t.Fatalf("expected task not found, got %v", err)
	}
}
