// ABOUTME: Conversation runtime: one LLM-backed thread per agent with a status state machine
// ABOUTME: Turns are committed to history only when a completion finishes

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-swarm/internal/config"
	"github.com/2389/coven-swarm/internal/identity"
	"github.com/2389/coven-swarm/internal/provider"
	"github.com/2389/coven-swarm/internal/store"
)

// ErrNoIdentity is returned when a runtime is built without key material.
var ErrNoIdentity = errors.New("runtime requires a created identity")

// Config tunes a runtime. Zero values take the defaults from config.Defaults.
type Config struct {
	SystemPrompt      string
	ContextWindow     int
	CharsPerToken     int
	CondenseThreshold float64
	MaxMessages       int
	KeepRecent        int
	KeepFirst         bool
	Backups           int

	HistoryDir      string
	HistoryMaxBytes int64

	WorkspaceRoot  string
	AllowExec      bool
	CommandTimeout time.Duration
}

// ConfigFrom converts the runtime section of the process config.
func ConfigFrom(c config.RuntimeConfig) Config {
	return Config{
		SystemPrompt:      c.SystemPrompt,
		ContextWindow:     c.ContextWindow,
		CharsPerToken:     c.CharsPerToken,
		CondenseThreshold: c.CondenseThreshold,
		MaxMessages:       c.MaxMessages,
		KeepRecent:        c.KeepRecent,
		KeepFirst:         c.KeepFirst,
		Backups:           c.Backups,
		HistoryDir:        c.HistoryDir,
		HistoryMaxBytes:   c.HistoryMaxBytes,
		WorkspaceRoot:     c.WorkspaceRoot,
		AllowExec:         c.AllowExec,
		CommandTimeout:    c.CommandTimeout,
	}
}

func (c *Config) applyDefaults() {
	d := config.Defaults().Runtime
	if c.ContextWindow <= 0 {
		c.ContextWindow = d.ContextWindow
	}
	if c.CharsPerToken <= 0 {
		c.CharsPerToken = d.CharsPerToken
	}
	if c.CondenseThreshold <= 0 {
		c.CondenseThreshold = d.CondenseThreshold
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = d.MaxMessages
	}
	if c.KeepRecent <= 0 {
		c.KeepRecent = d.KeepRecent
	}
	if c.Backups <= 0 {
		c.Backups = d.Backups
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.HistoryMaxBytes <= 0 {
		c.HistoryMaxBytes = d.HistoryMaxBytes
	}
}

// EventType identifies a runtime event.
type EventType string

const (
	EventCondensed      EventType = "condensed"
	EventCondenseFailed EventType = "condense_failed"
	EventStatusChanged  EventType = "status_changed"
)

// Event is delivered to the runtime's event handler.
type Event struct {
	Type     EventType
	AgentID  string
	Status   Status
	Condense *CondenseResult
}

// ContextStats describes the current context budget.
type ContextStats struct {
	EstimatedTokens int       `json:"estimatedTokens"`
	ContextWindow   int       `json:"contextWindow"`
	Usage           float64   `json:"usage"`
	Messages        int       `json:"messages"`
	Condensations   int       `json:"condensations"`
	LastCondensedAt time.Time `json:"lastCondensedAt,omitempty"`
}

// Chunk is one item of a streamed reply. The last chunk has Done set, and
// carries either the full Reply or Err.
type Chunk struct {
	Text     string
	Done     bool
	Reply    string
	Err      error
	Condense *CondenseResult
}

// Runtime owns one conversation thread. Exported methods are safe for
// concurrent use; only one completion runs at a time.
type Runtime struct {
	id       identity.Identity
	cfg      Config
	provider provider.Provider
	reporter StatusReporter
	asker    Questioner
	onEvent  func(Event)
	logger   *slog.Logger
	now      func() time.Time

	mu            sync.Mutex
	status        Status
	busy          bool
	history       []provider.Message
	summary       string
	backups       []Backup
	currentTask   *store.Task
	condensations int
	lastCondensed time.Time
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithReporter sets where task results are sent.
func WithReporter(rep StatusReporter) Option {
	return func(r *Runtime) { r.reporter = rep }
}

// WithQuestioner sets who answers questions a task raises. Without one,
// tasks proceed on the information they were given.
func WithQuestioner(q Questioner) Option {
	return func(r *Runtime) { r.asker = q }
}

// WithEventHandler receives condensation and status events. The handler
// runs synchronously and must not call back into the runtime.
func WithEventHandler(fn func(Event)) Option {
	return func(r *Runtime) { r.onEvent = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) { r.now = now }
}

// New creates a runtime for an identity that already has key material.
func New(id *identity.Identity, p provider.Provider, cfg Config, opts ...Option) (*Runtime, error) {
	if id == nil || id.AgentID == "" || id.PublicKey == "" {
		return nil, ErrNoIdentity
	}
	if p == nil {
		return nil, errors.New("runtime requires a provider")
	}
	cfg.applyDefaults()

	r := &Runtime{
		id:       *id,
		cfg:      cfg,
		provider: p,
		now:      time.Now,
		status:   StatusIdle,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "agent", "agent_id", id.AgentID)
	return r, nil
}

// Identity returns the runtime's identity.
func (r *Runtime) Identity() identity.Identity {
	return r.id
}

// AgentID returns the runtime's agent id.
func (r *Runtime) AgentID() string {
	return r.id.AgentID
}

// Status returns the current status.
func (r *Runtime) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// History returns a copy of the conversation.
func (r *Runtime) History() []provider.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]provider.Message(nil), r.history...)
}

// Summary returns the most recent condensation summary.
func (r *Runtime) Summary() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

// CurrentTask returns the task being executed, if any.
func (r *Runtime) CurrentTask() *store.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentTask == nil {
		return nil
	}
	t := *r.currentTask
	return &t
}

// Stats reports the estimated context budget.
func (r *Runtime) Stats() ContextStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statsLocked()
}

func (r *Runtime) statsLocked() ContextStats {
	tokens := EstimateTokens(r.cfg.SystemPrompt, r.history, r.cfg.CharsPerToken)
	return ContextStats{
		EstimatedTokens: tokens,
		ContextWindow:   r.cfg.ContextWindow,
		Usage:           float64(tokens) / float64(r.cfg.ContextWindow),
		Messages:        len(r.history),
		Condensations:   r.condensations,
		LastCondensedAt: r.lastCondensed,
	}
}

// SetStatus moves the runtime to a new status if the transition is allowed.
func (r *Runtime) SetStatus(to Status) error {
	r.mu.Lock()
	err := r.setStatusLocked(to)
	r.mu.Unlock()
	if err == nil {
		r.emit(Event{Type: EventStatusChanged, Status: to})
	}
	return err
}

func (r *Runtime) setStatusLocked(to Status) error {
	if r.status == to {
		return nil
	}
	if err := checkTransition(r.status, to); err != nil {
		return err
	}
	r.logger.Debug("status change", "from", r.status, "to", to)
	r.status = to
	return nil
}

// Pause suspends the runtime. New completions are refused until Resume.
func (r *Runtime) Pause() error {
	return r.SetStatus(StatusPaused)
}

// Resume returns a paused runtime to idle.
func (r *Runtime) Resume() error {
	r.mu.Lock()
	if r.status != StatusPaused {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s (not paused)", ErrInvalidTransition, r.status, StatusIdle)
	}
	r.status = StatusIdle
	r.mu.Unlock()
	r.emit(Event{Type: EventStatusChanged, Status: StatusIdle})
	return nil
}

func (r *Runtime) emit(ev Event) {
	if r.onEvent == nil {
		return
	}
	ev.AgentID = r.id.AgentID
	r.onEvent(ev)
}

// acquire claims the single completion slot and moves to working.
func (r *Runtime) acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy {
		return ErrBusy
	}
	if err := r.setStatusLocked(StatusWorking); err != nil {
		return err
	}
	r.busy = true
	return nil
}

// release frees the completion slot and settles the status.
func (r *Runtime) release(to Status) {
	r.mu.Lock()
	r.busy = false
	if r.status == StatusWorking {
		if err := r.setStatusLocked(to); err != nil {
			r.logger.Warn("settling status", "error", err)
		}
	}
	final := r.status
	r.mu.Unlock()
	r.emit(Event{Type: EventStatusChanged, Status: final})
}

// SendMessage sends content and returns the full reply.
func (r *Runtime) SendMessage(ctx context.Context, content string) (string, error) {
	if err := r.acquire(); err != nil {
		return "", err
	}
	reply, _, err := r.turn(ctx, content, nil)
	r.release(settle(err))
	return reply, err
}

// StreamMessage sends content and streams the reply. Cancel ctx to stop
// early; history is then left as it was before the call.
func (r *Runtime) StreamMessage(ctx context.Context, content string) (<-chan Chunk, error) {
	if err := r.acquire(); err != nil {
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		reply, cr, err := r.turn(ctx, content, func(text string) bool {
			select {
			case out <- Chunk{Text: text}:
				return true
			case <-ctx.Done():
				return false
			}
		})
		r.release(settle(err))

		final := Chunk{Done: true, Reply: reply, Err: err, Condense: cr}
		select {
		case out <- final:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// settle picks the status after a turn. Cancellation is not a failure.
func settle(err error) Status {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return StatusIdle
	}
	return StatusError
}

// turn runs one user/assistant exchange. The caller holds the completion
// slot. onDelta may be nil; returning false from it abandons the turn.
func (r *Runtime) turn(ctx context.Context, content string, onDelta func(string) bool) (string, *CondenseResult, error) {
	r.mu.Lock()
	msgs := append(append([]provider.Message(nil), r.history...), provider.Message{Role: provider.RoleUser, Content: content})
	r.mu.Unlock()

	events, err := r.provider.CreateMessage(ctx, r.cfg.SystemPrompt, msgs)
	if err != nil {
		return "", nil, fmt.Errorf("starting completion: %w", err)
	}

	var sb strings.Builder
	for ev := range events {
		switch ev.Type {
		case provider.EventTextDelta:
			sb.WriteString(ev.Text)
			if onDelta != nil && !onDelta(ev.Text) {
				drain(events)
				return "", nil, ctx.Err()
			}
		case provider.EventError:
			drain(events)
			return "", nil, fmt.Errorf("completion failed: %w", ev.Err)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	reply := sb.String()
	if reply == "" {
		return "", nil, provider.ErrEmptyCompletion
	}

	r.commit(provider.Message{Role: provider.RoleUser, Content: content}, provider.Message{Role: provider.RoleAssistant, Content: reply})
	return reply, r.maybeCondense(ctx), nil
}

// commit appends turns to history.
func (r *Runtime) commit(turns ...provider.Message) {
	r.mu.Lock()
	r.history = append(r.history, turns...)
	r.mu.Unlock()
}

func drain(events <-chan provider.StreamEvent) {
	go func() {
		for range events {
		}
	}()
}
