// Package store provides persistent storage for a swarm process using SQLite.
//
// # Architecture
//
// The package is interface-driven. Each concern has its own interface:
//
//   - KeyRegistry: published agent public keys
//   - DeliveryStore: the processed-message set and shared log read offsets
//   - TaskStore: task assignments and purposes
//   - EscalationStore: strategic questions awaiting a human answer
//   - AuditStore: authentication failures
//
// Store composes all of them; SQLiteStore implements Store in a single struct.
//
// # Schema
//
// Tables are created with CREATE TABLE IF NOT EXISTS on open:
//
//   - agent_keys: one row per agent, never replaced with a different key
//   - processed_messages: (agent_id, message_id) pairs already handled
//   - log_offsets: (agent_id, stream) read positions in the shared log
//   - purposes, tasks: orchestration state; tasks are never deleted
//   - escalations: open and answered escalations
//   - auth_audit: rejected messages with reason and detail
//
// Timestamps are stored as fixed-width RFC 3339 strings in UTC so that
// string comparison orders them correctly.
//
// # Concurrency
//
// The database runs in WAL mode with a busy timeout. Within a process a single
// connection serializes writers; MarkProcessed and PublishKey rely on
// INSERT OR IGNORE for atomicity.
package store
