// ABOUTME: Delivery bookkeeping: the processed-message set and shared log read offsets
// ABOUTME: Makes handling idempotent when a message arrives over both network and file paths

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MarkProcessed records that agentID has handled messageID. The insert is
// atomic, so of two concurrent callers exactly one sees true.
func (s *SQLiteStore) MarkProcessed(ctx context.Context, agentID, messageID, path string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_messages (agent_id, message_id, path, processed_at)
		VALUES (?, ?, ?, ?)
	`, agentID, messageID, path, formatTime(time.Now()))
	if err != nil {
		return false, fmt.Errorf("marking message processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n == 1, nil
}

// IsProcessed reports whether agentID already handled messageID.
func (s *SQLiteStore) IsProcessed(ctx context.Context, agentID, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM processed_messages WHERE agent_id = ? AND message_id = ?
	`, agentID, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying processed message: %w", err)
	}
	return true, nil
}

// GetOffset returns the stored read offset for a stream, zero when none.
func (s *SQLiteStore) GetOffset(ctx context.Context, agentID, stream string) (int64, error) {
	var offset int64
	err := s.db.QueryRowContext(ctx, `
		SELECT byte_offset FROM log_offsets WHERE agent_id = ? AND stream = ?
	`, agentID, stream).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying log offset: %w", err)
	}
	return offset, nil
}

// SetOffset stores the read offset for a stream.
func (s *SQLiteStore) SetOffset(ctx context.Context, agentID, stream string, offset int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO log_offsets (agent_id, stream, byte_offset, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id, stream) DO UPDATE SET
			byte_offset = excluded.byte_offset,
			updated_at = excluded.updated_at
	`, agentID, stream, offset, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("saving log offset: %w", err)
	}
	return nil
}
