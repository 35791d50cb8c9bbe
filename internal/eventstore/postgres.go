package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore persists events in relayhook.task_events with the
// uniqueness guard enforced by the uq_task_events_todolist_slot
// constraint, so concurrent writers race at the database, not in Go.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Append inserts the event. Guarded kinds (accepted, terminal) use
// insert-or-ignore against the slot constraint; progress rows always land.
func (s *PostgresStore) Append(ctx context.Context, ev Event) (AppendResult, error) {
	if err := validate(ev); err != nil {
		return AppendResult{}, err
	}

	payload := []byte("null")
	if len(ev.Payload) > 0 {
		payload = ev.Payload
	}

	slot, guarded := slotFor(ev.Kind)
	if !guarded {
		var id string
		err := s.pool.QueryRow(ctx, `
			INSERT INTO relayhook.task_events(task_id, todolist_id, kind, slot, stage, step, total_steps, payload)
			VALUES ($1, $2, $3, NULL, $4, $5, $6, $7::jsonb)
			RETURNING id`,
			ev.TaskID, ev.TodolistID, string(ev.Kind), ev.Stage, ev.Step, ev.TotalSteps, string(payload),
		).Scan(&id)
		if err != nil {
			return AppendResult{}, fmt.Errorf("insert event: %w", err)
		}
		return AppendResult{Recorded: true, EventID: id}, nil
	}

	ct, err := s.pool.Exec(ctx, `
		INSERT INTO relayhook.task_events(task_id, todolist_id, kind, slot, stage, step, total_steps, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
		ON CONFLICT ON CONSTRAINT uq_task_events_todolist_slot DO NOTHING`,
		ev.TaskID, ev.TodolistID, string(ev.Kind), slot, ev.Stage, ev.Step, ev.TotalSteps, string(payload),
	)
	if err != nil {
		return AppendResult{}, fmt.Errorf("insert event (guarded): %w", err)
	}

	// Fetch the slot holder's id whether we inserted it now or lost the race.
	var id string
	if err := s.pool.QueryRow(ctx, `
		SELECT id FROM relayhook.task_events
		WHERE todolist_id = $1 AND slot = $2
		LIMIT 1`,
		ev.TodolistID, slot,
	).Scan(&id); err != nil {
		return AppendResult{}, fmt.Errorf("select slot holder: %w", err)
	}

	return AppendResult{Recorded: ct.RowsAffected() > 0, EventID: id}, nil
}

func (s *PostgresStore) ListByTask(ctx context.Context, taskID string) ([]Event, error) {
	return s.list(ctx, `
		SELECT id, task_id, todolist_id, kind, stage, step, total_steps, payload::text, created_at
		FROM relayhook.task_events
		WHERE task_id = $1
		ORDER BY created_at ASC`, taskID)
}

func (s *PostgresStore) ListByTodolist(ctx context.Context, todolistID string) ([]Event, error) {
	return s.list(ctx, `
		SELECT id, task_id, todolist_id, kind, stage, step, total_steps, payload::text, created_at
		FROM relayhook.task_events
		WHERE todolist_id = $1
		ORDER BY created_at ASC`, todolistID)
}

func (s *PostgresStore) list(ctx context.Context, query, key string) ([]Event, error) {
	rows, err := s.pool.Query(ctx, query, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev          Event
			kind        string
			stage       sql.NullString
			step, total sql.NullInt32
			payload     sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.TodolistID, &kind, &stage, &step, &total, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Kind = Kind(kind)
		ev.Stage = stage.String
		ev.Step = int(step.Int32)
		ev.TotalSteps = int(total.Int32)
		if payload.Valid && payload.String != "null" {
			ev.Payload = json.RawMessage(payload.String)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RegisterCallback(ctx context.Context, reg Registration) error {
	if reg.TodolistID == "" || reg.TaskID == "" {
		return errors.New("eventstore: todolist_id and task_id are required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relayhook.callback_registrations(todolist_id, task_id, callback_url, token)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (todolist_id) DO NOTHING`,
		reg.TodolistID, reg.TaskID, reg.CallbackURL, reg.Token,
	)
	if err != nil {
		return fmt.Errorf("insert registration: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupCallback(ctx context.Context, todolistID string) (Registration, bool, error) {
	var (
		reg       Registration
		url, tok  sql.NullString
		createdAt time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT todolist_id, task_id, callback_url, token, created_at
		FROM relayhook.callback_registrations
		WHERE todolist_id = $1`,
		todolistID,
	).Scan(&reg.TodolistID, &reg.TaskID, &url, &tok, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Registration{}, false, nil
	}
	if err != nil {
		return Registration{}, false, fmt.Errorf("select registration: %w", err)
	}
	reg.CallbackURL = url.String
	reg.Token = tok.String
	reg.CreatedAt = createdAt
	return reg, true, nil
}
