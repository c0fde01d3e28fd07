// ABOUTME: Questioner lets a worker ask its coordinator for missing information mid-task
// ABOUTME: The transport questioner sends a question envelope and waits for the matching answer

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/coven-swarm/internal/envelope"
	"github.com/2389/coven-swarm/internal/store"
)

// Questioner answers a question raised while executing t. It may block for
// as long as a human takes to respond.
type Questioner interface {
	AskQuestion(ctx context.Context, t *store.Task, question string) (string, error)
}

// QuestionerFunc adapts a function to Questioner.
type QuestionerFunc func(ctx context.Context, t *store.Task, question string) (string, error)

// AskQuestion implements Questioner.
func (f QuestionerFunc) AskQuestion(ctx context.Context, t *store.Task, question string) (string, error) {
	return f(ctx, t, question)
}

// Clarification is a question a task raised and the answer it got.
type Clarification struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// TransportQuestioner asks over the hybrid transport. Answers come back as
// answer envelopes and must be handed to Deliver.
type TransportQuestioner struct {
	from        string
	coordinator string
	sender      Sender
	logger      *slog.Logger

	mu      sync.Mutex
	pending map[string]chan string
}

// NewTransportQuestioner asks coordinator on behalf of agent from.
func NewTransportQuestioner(from, coordinator string, s Sender, logger *slog.Logger) *TransportQuestioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransportQuestioner{
		from:        from,
		coordinator: coordinator,
		sender:      s,
		logger:      logger.With("component", "agent.questioner", "agent_id", from),
		pending:     make(map[string]chan string),
	}
}

// AskQuestion implements Questioner. The question carries the task id so the
// coordinator can tie an escalation to the task.
func (q *TransportQuestioner) AskQuestion(ctx context.Context, t *store.Task, question string) (string, error) {
	msg := envelope.New(q.from, q.coordinator, envelope.TypeQuestion, question)
	if err := msg.SetData(map[string]string{"taskId": t.ID}); err != nil {
		return "", err
	}

	ch := make(chan string, 1)
	q.mu.Lock()
	q.pending[msg.ID] = ch
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.pending, msg.ID)
		q.mu.Unlock()
	}()

	res, err := q.sender.Send(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("sending question for task %s: %w", t.ID, err)
	}
	q.logger.Info("question sent", "task_id", t.ID, "message_id", msg.ID, "path", res.Path)

	select {
	case answer := <-ch:
		return answer, nil
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for answer to %s: %w", msg.ID, ctx.Err())
	}
}

// Deliver hands an answer envelope to the question it replies to. It reports
// false when no question from this agent is waiting on it.
func (q *TransportQuestioner) Deliver(msg *envelope.Message) bool {
	if msg.Type != envelope.TypeAnswer || msg.ReplyTo == "" {
		return false
	}
	q.mu.Lock()
	ch, ok := q.pending[msg.ReplyTo]
	q.mu.Unlock()
	if !ok {
		return false
	}
	if msg.From != q.coordinator {
		q.logger.Warn("answer from someone other than the coordinator", "from", msg.From, "reply_to", msg.ReplyTo)
		return false
	}
	select {
	case ch <- msg.Content:
		return true
	default:
		return false
	}
}
