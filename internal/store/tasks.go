// ABOUTME: Task and purpose persistence for the orchestrator
// ABOUTME: Tasks are upserted on every status change and never deleted

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SaveTask inserts or updates a task. Every status change goes through here.
func (s *SQLiteStore) SaveTask(ctx context.Context, t *Task) error {
	if t.AssignedAt.IsZero() {
		t.AssignedAt = time.Now().UTC()
	}
	deps := t.Dependencies
	if deps == nil {
		deps = []string{}
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return fmt.Errorf("marshaling dependencies: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, purpose_id, worker_id, task, context, dependencies_json, status,
			assigned_at, started_at, completed_at, result, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			worker_id = excluded.worker_id,
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			result = excluded.result,
			error = excluded.error
	`,
		t.ID, t.PurposeID, t.WorkerID, t.Task, t.Context, string(depsJSON), t.Status,
		formatTime(t.AssignedAt), formatTimePtr(t.StartedAt), formatTimePtr(t.CompletedAt),
		t.Result, t.Error,
	)
	if err != nil {
		return fmt.Errorf("saving task %s: %w", t.ID, err)
	}

	s.logger.Debug("saved task", "task_id", t.ID, "worker_id", t.WorkerID, "status", t.Status)
	return nil
}

const taskColumns = `id, purpose_id, worker_id, task, context, dependencies_json, status,
	assigned_at, started_at, completed_at, result, error`

// GetTask returns the task with the given id, or ErrNotFound.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return t, nil
}

// ListTasks returns every task of a purpose in assignment order.
func (s *SQLiteStore) ListTasks(ctx context.Context, purposeID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE purpose_id = ? ORDER BY assigned_at, id`, purposeID)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tasks: %w", err)
	}
	return tasks, nil
}

func scanTask(sc scanner) (*Task, error) {
	var t Task
	var depsJSON, assignedAt string
	var startedAt, completedAt *string

	if err := sc.Scan(&t.ID, &t.PurposeID, &t.WorkerID, &t.Task, &t.Context, &depsJSON, &t.Status,
		&assignedAt, &startedAt, &completedAt, &t.Result, &t.Error); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(depsJSON), &t.Dependencies); err != nil {
		return nil, fmt.Errorf("unmarshaling dependencies: %w", err)
	}

	var err error
	if t.AssignedAt, err = parseTime(assignedAt); err != nil {
		return nil, err
	}
	if t.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// SavePurpose inserts or updates a purpose. Description, constraints, criteria
// and team are fixed by the first save.
func (s *SQLiteStore) SavePurpose(ctx context.Context, p *Purpose) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = PurposeRunning
	}
	constraints, err := marshalStrings(p.Constraints)
	if err != nil {
		return fmt.Errorf("marshaling constraints: %w", err)
	}
	criteria, err := marshalStrings(p.SuccessCriteria)
	if err != nil {
		return fmt.Errorf("marshaling success criteria: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO purposes (id, description, constraints_json, criteria_json, status, team_json,
			summary, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			team_json = CASE WHEN purposes.team_json = '' THEN excluded.team_json ELSE purposes.team_json END,
			status = excluded.status,
			summary = excluded.summary,
			completed_at = excluded.completed_at
	`,
		p.ID, p.Description, constraints, criteria, p.Status, p.TeamJSON,
		p.Summary, formatTime(p.CreatedAt), formatTimePtr(p.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("saving purpose %s: %w", p.ID, err)
	}
	return nil
}

const purposeColumns = `id, description, constraints_json, criteria_json, status, team_json,
	summary, created_at, completed_at`

// GetPurpose returns the purpose with the given id, or ErrNotFound.
func (s *SQLiteStore) GetPurpose(ctx context.Context, id string) (*Purpose, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+purposeColumns+` FROM purposes WHERE id = ?`, id)
	p, err := scanPurpose(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying purpose: %w", err)
	}
	return p, nil
}

// ListPurposes returns the most recent purposes, newest first.
func (s *SQLiteStore) ListPurposes(ctx context.Context, limit int) ([]*Purpose, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+purposeColumns+` FROM purposes ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying purposes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var purposes []*Purpose
	for rows.Next() {
		p, err := scanPurpose(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning purpose: %w", err)
		}
		purposes = append(purposes, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating purposes: %w", err)
	}
	return purposes, nil
}

func scanPurpose(sc scanner) (*Purpose, error) {
	var p Purpose
	var constraints, criteria, createdAt string
	var completedAt *string

	if err := sc.Scan(&p.ID, &p.Description, &constraints, &criteria, &p.Status, &p.TeamJSON,
		&p.Summary, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(constraints), &p.Constraints); err != nil {
		return nil, fmt.Errorf("unmarshaling constraints: %w", err)
	}
	if err := json.Unmarshal([]byte(criteria), &p.SuccessCriteria); err != nil {
		return nil, fmt.Errorf("unmarshaling success criteria: %w", err)
	}

	var err error
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func marshalStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
