package a2a

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSSEWriter_Format(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewSSEWriter(rec)
	sw.Init()

	if err := sw.WriteEvent(StreamEvent{StatusUpdate: &TaskStatusUpdateEvent{
		TaskID: "t1", Status: TaskStatus{State: TaskStateWorking},
	}}); err != nil {
		t.Fatalf("WriteEvent() error = %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", cc)
	}

	body := rec.Body.String()
	if !strings.HasPrefix(body, "data: {") {
		t.Errorf("frame should start with 'data: {', got %q", body)
	}
	if !strings.HasSuffix(body, "\n\n") {
		t.Errorf("frame should end with blank line, got %q", body)
	}
}

func TestReadEvents(t *testing.T) {
	tests := []struct {
		name      string
		stream    string
		wantTasks []string
		wantErrs  int
	}{
		{
			name: "two status updates",
			stream: "data: {\"statusUpdate\":{\"taskId\":\"t1\",\"status\":{\"state\":\"working\"}}}\n\n" +
				"data: {\"statusUpdate\":{\"taskId\":\"t2\",\"status\":{\"state\":\"completed\"}}}\n\n",
			wantTasks: []string{"t1", "t2"},
		},
		{
			name: "comments and unknown fields skipped",
			stream: ": keepalive\n" +
				"event: update\n" +
				"data: {\"statusUpdate\":{\"taskId\":\"t3\",\"status\":{\"state\":\"working\"}}}\n\n",
			wantTasks: []string{"t3"},
		},
		{
			name:      "data line without space after colon",
			stream:    "data:{\"statusUpdate\":{\"taskId\":\"t4\",\"status\":{\"state\":\"working\"}}}\n\n",
			wantTasks: []string{"t4"},
		},
		{
			name:      "final frame without trailing blank line",
			stream:    "data: {\"statusUpdate\":{\"taskId\":\"t5\",\"status\":{\"state\":\"completed\"}}}",
			wantTasks: []string{"t5"},
		},
		{
			name:     "malformed json surfaces as Err event",
			stream:   "data: {not json}\n\n",
			wantErrs: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := io.NopCloser(strings.NewReader(tt.stream))
			ch := ReadEvents(context.Background(), body)

			var gotTasks []string
			var gotErrs int
			for ev := range ch {
				if ev.Err != nil {
					gotErrs++
					continue
				}
				if ev.StatusUpdate != nil {
					gotTasks = append(gotTasks, ev.StatusUpdate.TaskID)
				}
			}

			if len(gotTasks) != len(tt.wantTasks) {
				t.Fatalf("got %d events %v, want %d %v", len(gotTasks), gotTasks, len(tt.wantTasks), tt.wantTasks)
			}
			for i, id := range tt.wantTasks {
				if gotTasks[i] != id {
					t.Errorf("event %d taskId = %q, want %q", i, gotTasks[i], id)
				}
			}
			if gotErrs != tt.wantErrs {
				t.Errorf("error events = %d, want %d", gotErrs, tt.wantErrs)
			}
		})
	}
}

func TestReadEvents_MultilineData(t *testing.T) {
	// Two data lines in one frame join with a newline; valid JSON may span both.
	stream := "data: {\"statusUpdate\":{\"taskId\":\"t1\",\n" +
		"data: \"status\":{\"state\":\"working\"}}}\n\n"
	ch := ReadEvents(context.Background(), io.NopCloser(strings.NewReader(stream)))

	ev := <-ch
	if ev.Err != nil {
		t.Fatalf("event error = %v", ev.Err)
	}
	if ev.StatusUpdate == nil || ev.StatusUpdate.TaskID != "t1" {
		t.Errorf("event = %+v, want status update for t1", ev)
	}
}

func TestReadEvents_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	pr, pw := io.Pipe()
	defer pw.Close()
	go fmt.Fprint(pw, "data: {\"statusUpdate\":{\"taskId\":\"t1\",\"status\":{\"state\":\"working\"}}}\n\n")

	ch := ReadEvents(ctx, pr)
	<-ch

	cancel()
	pw.Close()
	for range ch {
	}
	// Reaching here means the reader goroutine shut down after cancellation.
}
