// ABOUTME: Host notification sink: fire-and-forget events about arrivals and failures
// ABOUTME: Provides the Sink interface, a slog-backed sink, and a fan-out to several sinks

package notify

import (
	"log/slog"
	"time"
)

// Notification types.
const (
	TypeMessage        = "message"
	TypeFile           = "file"
	TypeTask           = "task"
	TypeTaskResult     = "task_result"
	TypeEscalation     = "escalation"
	TypeCondenseFailed = "condense_failed"
	TypeStatus         = "status"
)

// Notification is one event for the host UI.
type Notification struct {
	Type      string         `json:"type"`
	AgentID   string         `json:"agentId"`
	From      string         `json:"from,omitempty"`
	MessageID string         `json:"messageId,omitempty"`
	Summary   string         `json:"summary"`
	Data      map[string]any `json:"data,omitempty"`
	Time      time.Time      `json:"time"`
}

// Sink receives notifications. Notify must not block the caller.
type Sink interface {
	Notify(n Notification)
}

// Func adapts a function to Sink.
type Func func(Notification)

// Notify implements Sink.
func (f Func) Notify(n Notification) { f(n) }

// Discard drops every notification.
var Discard Sink = Func(func(Notification) {})

// LogSink writes notifications to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs at Info. Pass nil logger for default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "notify")}
}

// Notify implements Sink.
func (s *LogSink) Notify(n Notification) {
	s.logger.Info("notification",
		"type", n.Type,
		"agent_id", n.AgentID,
		"from", n.From,
		"message_id", n.MessageID,
		"summary", n.Summary,
	)
}

// Multi fans a notification out to every sink.
type Multi []Sink

// Notify implements Sink.
func (m Multi) Notify(n Notification) {
	if n.Time.IsZero() {
		n.Time = time.Now().UTC()
	}
	for _, s := range m {
		if s != nil {
			s.Notify(n)
		}
	}
}
