// ABOUTME: Key registry methods: publish, fetch, and list agent public keys
// ABOUTME: Publishing a different key for a known agent fails with ErrKeyConflict

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PublishKey records an agent's public key. Republishing the same key is a
// no-op; publishing a different key for the same agent returns ErrKeyConflict.
func (s *SQLiteStore) PublishKey(ctx context.Context, key *AgentKey) error {
	if key.PublishedAt.IsZero() {
		key.PublishedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO agent_keys (agent_id, public_key, fingerprint, role, published_at)
		VALUES (?, ?, ?, ?, ?)
	`, key.AgentID, key.PublicKey, key.Fingerprint, key.Role, formatTime(key.PublishedAt))
	if err != nil {
		return fmt.Errorf("inserting agent key: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 1 {
		s.logger.Debug("published agent key", "agent_id", key.AgentID, "fingerprint", key.Fingerprint)
		return nil
	}

	existing, err := s.GetKey(ctx, key.AgentID)
	if err != nil {
		return err
	}
	if existing.Fingerprint != key.Fingerprint {
		return fmt.Errorf("%w: %s", ErrKeyConflict, key.AgentID)
	}
	key.PublishedAt = existing.PublishedAt
	return nil
}

// GetKey returns the published key for agentID, or ErrNotFound.
func (s *SQLiteStore) GetKey(ctx context.Context, agentID string) (*AgentKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, public_key, fingerprint, role, published_at
		FROM agent_keys WHERE agent_id = ?
	`, agentID)

	k, err := scanAgentKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent key: %w", err)
	}
	return k, nil
}

// ListKeys returns every published key ordered by agent id.
func (s *SQLiteStore) ListKeys(ctx context.Context) ([]*AgentKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, public_key, fingerprint, role, published_at
		FROM agent_keys ORDER BY agent_id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying agent keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*AgentKey
	for rows.Next() {
		k, err := scanAgentKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent keys: %w", err)
	}
	return keys, nil
}

func scanAgentKey(sc scanner) (*AgentKey, error) {
	var k AgentKey
	var publishedAt string
	if err := sc.Scan(&k.AgentID, &k.PublicKey, &k.Fingerprint, &k.Role, &publishedAt); err != nil {
		return nil, err
	}
	t, err := parseTime(publishedAt)
	if err != nil {
		return nil, err
	}
	k.PublishedAt = t
	return &k, nil
}
