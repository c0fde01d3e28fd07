// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database in WAL mode and creates the swarm schema on first use

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is used for every persisted timestamp. Fixed-width fractional
// seconds keep lexical ordering consistent with chronological ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers from every goroutine in the process;
	// other processes are handled by WAL plus the busy timeout.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agent_keys (
			agent_id     TEXT PRIMARY KEY,
			public_key   TEXT NOT NULL,
			fingerprint  TEXT NOT NULL,
			role         TEXT NOT NULL DEFAULT '',
			published_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agent_keys_fingerprint ON agent_keys(fingerprint);

		CREATE TABLE IF NOT EXISTS processed_messages (
			agent_id     TEXT NOT NULL,
			message_id   TEXT NOT NULL,
			path         TEXT NOT NULL,
			processed_at TEXT NOT NULL,
			PRIMARY KEY (agent_id, message_id)
		);

		CREATE TABLE IF NOT EXISTS log_offsets (
			agent_id   TEXT NOT NULL,
			stream     TEXT NOT NULL,
			byte_offset INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (agent_id, stream)
		);

		CREATE TABLE IF NOT EXISTS purposes (
			id               TEXT PRIMARY KEY,
			description      TEXT NOT NULL,
			constraints_json TEXT NOT NULL,
			criteria_json    TEXT NOT NULL,
			status           TEXT NOT NULL,
			team_json        TEXT NOT NULL DEFAULT '',
			summary          TEXT NOT NULL DEFAULT '',
			created_at       TEXT NOT NULL,
			completed_at     TEXT,

			CHECK (status IN ('running', 'complete', 'failed'))
		);

		CREATE TABLE IF NOT EXISTS tasks (
			id                TEXT PRIMARY KEY,
			purpose_id        TEXT NOT NULL,
			worker_id         TEXT NOT NULL,
			task              TEXT NOT NULL,
			context           TEXT NOT NULL DEFAULT '',
			dependencies_json TEXT NOT NULL,
			status            TEXT NOT NULL,
			assigned_at       TEXT NOT NULL,
			started_at        TEXT,
			completed_at      TEXT,
			result            TEXT NOT NULL DEFAULT '',
			error             TEXT NOT NULL DEFAULT '',

			CHECK (status IN ('pending', 'in-progress', 'completed', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_purpose ON tasks(purpose_id, assigned_at);

		CREATE TABLE IF NOT EXISTS escalations (
			id             TEXT PRIMARY KEY,
			purpose_id     TEXT NOT NULL,
			task_id        TEXT NOT NULL,
			worker_id      TEXT NOT NULL,
			question       TEXT NOT NULL,
			classification TEXT NOT NULL,
			status         TEXT NOT NULL,
			response       TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			answered_at    TEXT,

			CHECK (status IN ('open', 'answered'))
		);

		CREATE INDEX IF NOT EXISTS idx_escalations_purpose ON escalations(purpose_id, status);

		CREATE TABLE IF NOT EXISTS auth_audit (
			audit_id   TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			reason     TEXT NOT NULL,
			message_id TEXT NOT NULL DEFAULT '',
			ts         TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_auth_audit_ts ON auth_audit(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_auth_audit_agent ON auth_audit(agent_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}
