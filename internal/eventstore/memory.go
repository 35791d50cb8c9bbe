package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps events in process memory. Same guard semantics as the
// Postgres store, enforced under a single mutex. Intended for local
// development and tests; nothing survives a restart.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
	// slot holder index: todolist_id -> slot -> event id
	slots map[string]map[string]string
	regs  map[string]Registration
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slots: make(map[string]map[string]string),
		regs:  make(map[string]Registration),
	}
}

func (s *MemoryStore) Append(_ context.Context, ev Event) (AppendResult, error) {
	if err := validate(ev); err != nil {
		return AppendResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	slot, guarded := slotFor(ev.Kind)
	if guarded {
		if held, ok := s.slots[ev.TodolistID][slot]; ok {
			return AppendResult{Recorded: false, EventID: held}, nil
		}
	}

	ev.ID = uuid.NewString()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	s.events = append(s.events, ev)

	if guarded {
		if s.slots[ev.TodolistID] == nil {
			s.slots[ev.TodolistID] = make(map[string]string)
		}
		s.slots[ev.TodolistID][slot] = ev.ID
	}
	return AppendResult{Recorded: true, EventID: ev.ID}, nil
}

func (s *MemoryStore) ListByTask(_ context.Context, taskID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, ev := range s.events {
		if ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListByTodolist(_ context.Context, todolistID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, ev := range s.events {
		if ev.TodolistID == todolistID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *MemoryStore) RegisterCallback(_ context.Context, reg Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.regs[reg.TodolistID]; exists {
		return nil
	}
	if reg.CreatedAt.IsZero() {
		reg.CreatedAt = time.Now().UTC()
	}
	s.regs[reg.TodolistID] = reg
	return nil
}

func (s *MemoryStore) LookupCallback(_ context.Context, todolistID string) (Registration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.regs[todolistID]
	return reg, ok, nil
}
