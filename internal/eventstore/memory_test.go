package eventstore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
)

func TestMemoryStore_AppendAcceptedOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.Append(ctx, Event{TaskID: "t1", TodolistID: "tl1", Kind: KindAccepted})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if !first.Recorded {
		t.Fatal("first accepted should be recorded")
	}

	second, err := s.Append(ctx, Event{TaskID: "t1", TodolistID: "tl1", Kind: KindAccepted})
	if err != nil {
		t.Fatalf("Append() duplicate error = %v", err)
	}
	if second.Recorded {
		t.Error("duplicate accepted should be suppressed")
	}
	if second.EventID != first.EventID {
		t.Errorf("duplicate should report the holder id %q, got %q", first.EventID, second.EventID)
	}
}

func TestMemoryStore_OneTerminalPerTask(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	completed, err := s.Append(ctx, Event{
		TaskID: "t1", TodolistID: "tl1", Kind: KindCompleted,
		Payload: json.RawMessage(`{"result":"ok"}`),
	})
	if err != nil {
		t.Fatalf("Append(completed) error = %v", err)
	}
	if !completed.Recorded {
		t.Fatal("completed should be recorded")
	}

	// A failed after a completed shares the terminal slot and must lose.
	failed, err := s.Append(ctx, Event{TaskID: "t1", TodolistID: "tl1", Kind: KindFailed})
	if err != nil {
		t.Fatalf("Append(failed) error = %v", err)
	}
	if failed.Recorded {
		t.Error("second terminal should be suppressed")
	}
	if failed.EventID != completed.EventID {
		t.Errorf("suppressed terminal should report holder %q, got %q", completed.EventID, failed.EventID)
	}

	events, err := s.ListByTask(ctx, "t1")
	if err != nil {
		t.Fatalf("ListByTask() error = %v", err)
	}
	terminals := 0
	for _, ev := range events {
		if ev.Kind.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("stored terminals = %d, want 1", terminals)
	}
}

func TestMemoryStore_ProgressUnlimited(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := s.Append(ctx, Event{
			TaskID: "t1", TodolistID: "tl1", Kind: KindProgress,
			Stage: "forwarding", Step: i, TotalSteps: 3,
		})
		if err != nil {
			t.Fatalf("Append(progress %d) error = %v", i, err)
		}
		if !res.Recorded {
			t.Errorf("progress %d should always be recorded", i)
		}
	}

	events, _ := s.ListByTask(ctx, "t1")
	if len(events) != 3 {
		t.Errorf("events = %d, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Step != i+1 {
			t.Errorf("event %d step = %d, want %d (append order preserved)", i, ev.Step, i+1)
		}
	}
}

func TestMemoryStore_GuardScopedPerTodolist(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a, _ := s.Append(ctx, Event{TaskID: "t1", TodolistID: "tl1", Kind: KindCompleted})
	b, _ := s.Append(ctx, Event{TaskID: "t2", TodolistID: "tl2", Kind: KindCompleted})
	if !a.Recorded || !b.Recorded {
		t.Error("terminals for different todolists must not collide")
	}
}

func TestMemoryStore_TerminalBeforeAccepted(t *testing.T) {
	// A callback can land before the accepted write finishes. The terminal
	// must be recorded, and the late accepted still takes its own slot.
	s := NewMemoryStore()
	ctx := context.Background()

	term, err := s.Append(ctx, Event{TodolistID: "tl1", Kind: KindCompleted})
	if err != nil || !term.Recorded {
		t.Fatalf("terminal before accepted: recorded=%v err=%v", term.Recorded, err)
	}

	acc, err := s.Append(ctx, Event{TaskID: "t1", TodolistID: "tl1", Kind: KindAccepted})
	if err != nil || !acc.Recorded {
		t.Fatalf("late accepted: recorded=%v err=%v", acc.Recorded, err)
	}
}

func TestMemoryStore_ConcurrentTerminalWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const writers = 32
	results := make([]AppendResult, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kind := KindCompleted
			if i%2 == 1 {
				kind = KindFailed
			}
			res, err := s.Append(ctx, Event{TaskID: "t1", TodolistID: "tl1", Kind: kind})
			if err != nil {
				t.Errorf("Append() error = %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	recorded := 0
	for _, res := range results {
		if res.Recorded {
			recorded++
		}
	}
	if recorded != 1 {
		t.Errorf("recorded terminals under contention = %d, want exactly 1", recorded)
	}

	events, _ := s.ListByTodolist(ctx, "tl1")
	if len(events) != 1 {
		t.Errorf("stored events = %d, want 1", len(events))
	}
}

func TestMemoryStore_InvalidEvent(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Append(context.Background(), Event{TodolistID: "tl1", Kind: "bogus"}); err == nil {
		t.Error("expected error for unknown kind")
	}
	if _, err := s.Append(context.Background(), Event{Kind: KindAccepted}); err == nil {
		t.Error("expected error for missing todolist_id")
	}
}

func TestMemoryStore_Registrations(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, ok, err := s.LookupCallback(ctx, "tl1"); err != nil || ok {
		t.Fatalf("lookup before register: ok=%v err=%v", ok, err)
	}

	reg := Registration{TodolistID: "tl1", TaskID: "t1", CallbackURL: "http://caller:9000/hook", Token: "tok-1"}
	if err := s.RegisterCallback(ctx, reg); err != nil {
		t.Fatalf("RegisterCallback() error = %v", err)
	}

	got, ok, err := s.LookupCallback(ctx, "tl1")
	if err != nil || !ok {
		t.Fatalf("lookup after register: ok=%v err=%v", ok, err)
	}
	if got.TaskID != "t1" || got.CallbackURL != reg.CallbackURL || got.Token != "tok-1" {
		t.Errorf("registration = %+v, want %+v", got, reg)
	}

	// Re-registering the same todolist keeps the first row.
	if err := s.RegisterCallback(ctx, Registration{TodolistID: "tl1", TaskID: "t2"}); err != nil {
		t.Fatalf("re-register error = %v", err)
	}
	got, _, _ = s.LookupCallback(ctx, "tl1")
	if got.TaskID != "t1" {
		t.Errorf("re-register overwrote task id: got %q, want t1", got.TaskID)
	}
}
