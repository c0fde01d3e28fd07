// ABOUTME: Store interfaces and data types for coven-swarm persistence
// ABOUTME: Defines key registry, delivery, task, purpose, escalation, and audit records

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrKeyConflict is returned when publishing a key for an agent that already
// has a different key registered. Published keys are never replaced silently.
var ErrKeyConflict = errors.New("agent already has a different published key")

// ErrAlreadyAnswered is returned when responding to a closed escalation
var ErrAlreadyAnswered = errors.New("escalation already answered")

// AgentKey is a public key published to the shared registry
type AgentKey struct {
	AgentID     string
	PublicKey   string // authorized_keys format
	Fingerprint string // SHA-256 hex of the marshaled key
	Role        string
	PublishedAt time.Time
}

// Task status values
const (
	TaskPending    = "pending"
	TaskInProgress = "in-progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// Task is a unit of work assigned to one worker. Tasks are never deleted.
type Task struct {
	ID           string     `json:"id"`
	PurposeID    string     `json:"purposeId"`
	WorkerID     string     `json:"workerId"`
	Task         string     `json:"task"`
	Context      string     `json:"context,omitempty"`
	Dependencies []string   `json:"dependencies"`
	Status       string     `json:"status"`
	AssignedAt   time.Time  `json:"assignedAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	Result       string     `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Terminal reports whether the task has finished, successfully or not.
func (t *Task) Terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// Purpose status values
const (
	PurposeRunning  = "running"
	PurposeComplete = "complete"
	PurposeFailed   = "failed"
)

// Purpose is a human-specified goal and the team formed to meet it
type Purpose struct {
	ID              string
	Description     string
	Constraints     []string
	SuccessCriteria []string
	Status          string
	TeamJSON        string // serialized team spec, immutable after formation
	Summary         string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// Escalation status values
const (
	EscalationOpen     = "open"
	EscalationAnswered = "answered"
)

// Escalation is a worker question the coordinator could not answer on its own
type Escalation struct {
	ID             string
	PurposeID      string
	TaskID         string
	WorkerID       string
	Question       string
	Classification string
	Status         string
	Response       string
	CreatedAt      time.Time
	AnsweredAt     *time.Time
}

// KeyRegistry stores published public keys, read by every agent
type KeyRegistry interface {
	PublishKey(ctx context.Context, key *AgentKey) error
	GetKey(ctx context.Context, agentID string) (*AgentKey, error)
	ListKeys(ctx context.Context) ([]*AgentKey, error)
}

// DeliveryStore tracks which messages each agent has handled and how far it
// has read each shared log stream.
type DeliveryStore interface {
	// MarkProcessed records messageID as handled by agentID. It returns false
	// when the message had already been recorded.
	MarkProcessed(ctx context.Context, agentID, messageID, path string) (bool, error)
	IsProcessed(ctx context.Context, agentID, messageID string) (bool, error)
	GetOffset(ctx context.Context, agentID, stream string) (int64, error)
	SetOffset(ctx context.Context, agentID, stream string, offset int64) error
}

// TaskStore persists task assignments and purposes
type TaskStore interface {
	SaveTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, purposeID string) ([]*Task, error)

	SavePurpose(ctx context.Context, p *Purpose) error
	GetPurpose(ctx context.Context, id string) (*Purpose, error)
	ListPurposes(ctx context.Context, limit int) ([]*Purpose, error)
}

// EscalationStore persists escalations awaiting a human response
type EscalationStore interface {
	CreateEscalation(ctx context.Context, e *Escalation) error
	GetEscalation(ctx context.Context, id string) (*Escalation, error)
	AnswerEscalation(ctx context.Context, id, response string) (*Escalation, error)
	ListEscalations(ctx context.Context, purposeID string, openOnly bool) ([]*Escalation, error)
}

// AuditStore records authentication failures
type AuditStore interface {
	AppendAuthFailure(ctx context.Context, e *AuthFailure) error
	ListAuthFailures(ctx context.Context, f AuthFailureFilter) ([]AuthFailure, error)
}

// Store is the full persistence surface used by a swarm process
type Store interface {
	KeyRegistry
	DeliveryStore
	TaskStore
	EscalationStore
	AuditStore

	Close() error
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
