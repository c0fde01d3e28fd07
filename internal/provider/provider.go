// ABOUTME: Streaming completion provider interface consumed by agent runtimes
// ABOUTME: Defines conversation turns, stream events, and a helper that drains a stream

package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EventType identifies a stream event.
type EventType string

const (
	EventTextDelta EventType = "text_delta"
	EventUsage     EventType = "usage"
	EventError     EventType = "error"
)

// StreamEvent is one item from a completion stream. An error event is always
// the last event sent.
type StreamEvent struct {
	Type         EventType
	Text         string
	InputTokens  int64
	OutputTokens int64
	Err          error
}

// Usage reports token counts when the provider supplies them.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Provider produces a streamed completion. The returned channel is closed when
// the completion ends or ctx is cancelled. Implementations must stop sending
// once ctx is done.
type Provider interface {
	CreateMessage(ctx context.Context, system string, messages []Message) (<-chan StreamEvent, error)
}

// ErrEmptyCompletion is returned when a stream ends without any text.
var ErrEmptyCompletion = errors.New("completion produced no text")

// Collect drains a completion into a single string.
func Collect(ctx context.Context, p Provider, system string, messages []Message) (string, Usage, error) {
	events, err := p.CreateMessage(ctx, system, messages)
	if err != nil {
		return "", Usage{}, fmt.Errorf("starting completion: %w", err)
	}

	var sb strings.Builder
	var usage Usage
	for {
		select {
		case <-ctx.Done():
			return "", usage, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if err := ctx.Err(); err != nil {
					return "", usage, err
				}
				if sb.Len() == 0 {
					return "", usage, ErrEmptyCompletion
				}
				return sb.String(), usage, nil
			}
			switch ev.Type {
			case EventTextDelta:
				sb.WriteString(ev.Text)
			case EventUsage:
				usage.InputTokens += ev.InputTokens
				usage.OutputTokens += ev.OutputTokens
			case EventError:
				return "", usage, fmt.Errorf("completion failed: %w", ev.Err)
			}
		}
	}
}

// Send delivers ev unless ctx is done first. Adapters use it so a cancelled
// consumer never blocks the producing goroutine.
func Send(ctx context.Context, out chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
