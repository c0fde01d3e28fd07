// ABOUTME: Escalation persistence: strategic worker questions awaiting a human answer
// ABOUTME: An escalation moves from open to answered exactly once

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateEscalation stores a new open escalation. ID and CreatedAt are
// generated when unset.
func (s *SQLiteStore) CreateEscalation(ctx context.Context, e *Escalation) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.Status = EscalationOpen

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escalations (id, purpose_id, task_id, worker_id, question, classification, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.PurposeID, e.TaskID, e.WorkerID, e.Question, e.Classification, e.Status, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting escalation: %w", err)
	}

	s.logger.Info("escalation opened", "id", e.ID, "task_id", e.TaskID, "worker_id", e.WorkerID)
	return nil
}

const escalationColumns = `id, purpose_id, task_id, worker_id, question, classification, status,
	response, created_at, answered_at`

// GetEscalation returns the escalation with the given id, or ErrNotFound.
func (s *SQLiteStore) GetEscalation(ctx context.Context, id string) (*Escalation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id = ?`, id)
	e, err := scanEscalation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying escalation: %w", err)
	}
	return e, nil
}

// AnswerEscalation records a response. Answering twice returns ErrAlreadyAnswered.
func (s *SQLiteStore) AnswerEscalation(ctx context.Context, id, response string) (*Escalation, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE escalations SET status = ?, response = ?, answered_at = ?
		WHERE id = ? AND status = ?
	`, EscalationAnswered, response, formatTime(now), id, EscalationOpen)
	if err != nil {
		return nil, fmt.Errorf("answering escalation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}

	e, err := s.GetEscalation(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return e, ErrAlreadyAnswered
	}
	return e, nil
}

// ListEscalations returns escalations for a purpose, oldest first. An empty
// purposeID lists across all purposes.
func (s *SQLiteStore) ListEscalations(ctx context.Context, purposeID string, openOnly bool) ([]*Escalation, error) {
	var purposeArg, statusArg *string
	if purposeID != "" {
		purposeArg = &purposeID
	}
	if openOnly {
		open := EscalationOpen
		statusArg = &open
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+escalationColumns+` FROM escalations
		WHERE (? IS NULL OR purpose_id = ?)
		  AND (? IS NULL OR status = ?)
		ORDER BY created_at
	`, purposeArg, purposeArg, statusArg, statusArg)
	if err != nil {
		return nil, fmt.Errorf("querying escalations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning escalation: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating escalations: %w", err)
	}
	return out, nil
}

func scanEscalation(sc scanner) (*Escalation, error) {
	var e Escalation
	var createdAt string
	var answeredAt *string
	if err := sc.Scan(&e.ID, &e.PurposeID, &e.TaskID, &e.WorkerID, &e.Question, &e.Classification,
		&e.Status, &e.Response, &createdAt, &answeredAt); err != nil {
		return nil, err
	}
	var err error
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.AnsweredAt, err = parseTimePtr(answeredAt); err != nil {
		return nil, err
	}
	return &e, nil
}
