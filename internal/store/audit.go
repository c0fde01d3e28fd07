// ABOUTME: Audit log of authentication failures for signed messages
// ABOUTME: Records which agent, which message, and why verification rejected it

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuthFailure is a single rejected message.
type AuthFailure struct {
	ID        string         // UUID v4
	AgentID   string         // claimed sender
	Reason    string         // unauthorized, stale, future, replay, bad_signature, ...
	MessageID string         // id of the rejected message, if known
	Timestamp time.Time      // when it was rejected
	Detail    map[string]any // additional context
}

// AuthFailureFilter specifies filtering options for listing failures.
type AuthFailureFilter struct {
	AgentID *string
	Reason  *string
	Since   *time.Time
	Limit   int // default 100, max 1000
}

// AppendAuthFailure appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuthFailure(ctx context.Context, e *AuthFailure) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_audit (audit_id, agent_id, reason, message_id, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.AgentID, e.Reason, e.MessageID, formatTime(e.Timestamp), detailJSON)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended auth failure",
		"id", e.ID,
		"agent_id", e.AgentID,
		"reason", e.Reason,
		"message_id", e.MessageID,
	)
	return nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// ListAuthFailures returns failures matching the filter, newest first.
func (s *SQLiteStore) ListAuthFailures(ctx context.Context, f AuthFailureFilter) ([]AuthFailure, error) {
	var since *string
	if f.Since != nil {
		s := formatTime(*f.Since)
		since = &s
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, agent_id, reason, message_id, ts, detail_json
		FROM auth_audit
		WHERE (? IS NULL OR agent_id = ?)
		  AND (? IS NULL OR reason = ?)
		  AND (? IS NULL OR ts >= ?)
		ORDER BY ts DESC
		LIMIT ?
	`, f.AgentID, f.AgentID, f.Reason, f.Reason, since, since, normalizeAuditLimit(f.Limit))
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AuthFailure{}
	for rows.Next() {
		var e AuthFailure
		var ts string
		var detailJSON *string
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Reason, &e.MessageID, &ts, &detailJSON); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if detailJSON != nil {
			if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}
