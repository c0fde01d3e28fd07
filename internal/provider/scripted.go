// ABOUTME: Scripted in-process provider that replays canned replies as a stream
// ABOUTME: Used by tests and offline runs; records every request it receives

package provider

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrScriptExhausted is returned when a Scripted provider has no reply left.
var ErrScriptExhausted = errors.New("scripted provider has no more replies")

// Reply is one scripted completion: text to stream, or an error.
type Reply struct {
	Text string
	Err  error
}

// Call records one request made to a Scripted provider.
type Call struct {
	System   string
	Messages []Message
}

// Scripted streams canned replies. Respond, when set, is consulted first and
// takes precedence over the queue.
type Scripted struct {
	Respond    func(system string, messages []Message) (string, error)
	ChunkSize  int           // characters per text_delta; default 8
	ChunkDelay time.Duration // pause between deltas

	mu      sync.Mutex
	replies []Reply
	calls   []Call
}

// NewScripted returns a provider that replies with texts in order.
func NewScripted(texts ...string) *Scripted {
	s := &Scripted{}
	for _, t := range texts {
		s.replies = append(s.replies, Reply{Text: t})
	}
	return s
}

// Push queues more replies.
func (s *Scripted) Push(replies ...Reply) {
	s.mu.Lock()
	s.replies = append(s.replies, replies...)
	s.mu.Unlock()
}

// Calls returns a copy of every request received so far.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

func (s *Scripted) next(system string, messages []Message) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{System: system, Messages: append([]Message(nil), messages...)})
	respond := s.Respond
	var r *Reply
	if respond == nil && len(s.replies) > 0 {
		r = &s.replies[0]
		s.replies = s.replies[1:]
	}
	s.mu.Unlock()

	if respond != nil {
		return respond(system, messages)
	}
	if r == nil {
		return "", ErrScriptExhausted
	}
	return r.Text, r.Err
}

// CreateMessage implements Provider.
func (s *Scripted) CreateMessage(ctx context.Context, system string, messages []Message) (<-chan StreamEvent, error) {
	text, err := s.next(system, messages)

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		if err != nil {
			Send(ctx, out, StreamEvent{Type: EventError, Err: err})
			return
		}

		size := s.ChunkSize
		if size <= 0 {
			size = 8
		}
		runes := []rune(text)
		for i := 0; i < len(runes); i += size {
			end := min(i+size, len(runes))
			if !Send(ctx, out, StreamEvent{Type: EventTextDelta, Text: string(runes[i:end])}) {
				return
			}
			if s.ChunkDelay > 0 {
				select {
				case <-time.After(s.ChunkDelay):
				case <-ctx.Done():
					return
				}
			}
		}
		Send(ctx, out, StreamEvent{Type: EventUsage, OutputTokens: int64(len(text) / 4)})
	}()
	return out, nil
}
