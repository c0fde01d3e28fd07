// ABOUTME: Inbox feeds authenticated deliveries into a runtime one at a time
// ABOUTME: Handlers return immediately; tasks and messages are worked off a queue

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/coven-swarm/internal/envelope"
	"github.com/2389/coven-swarm/internal/transport"
)

// ErrInboxFull is returned when the queue cannot take another delivery.
var ErrInboxFull = errors.New("inbox full")

const inboxSize = 64

// Replier answers conversational messages.
type Replier interface {
	Reply(ctx context.Context, to *envelope.Message, content string) error
}

// AnswerRouter takes answers to questions this agent asked.
type AnswerRouter interface {
	Deliver(msg *envelope.Message) bool
}

// Inbox is a transport.Handler backed by a runtime.
type Inbox struct {
	rt      *Runtime
	replier Replier
	answers AnswerRouter
	queue   chan *transport.Delivery
	logger  *slog.Logger
}

// NewInbox creates an inbox. A nil replier drops conversational replies.
func NewInbox(rt *Runtime, replier Replier) *Inbox {
	return &Inbox{
		rt:      rt,
		replier: replier,
		queue:   make(chan *transport.Delivery, inboxSize),
		logger:  rt.logger.With("component", "agent.inbox"),
	}
}

// RouteAnswers sends answer envelopes to a. Answers skip the queue, since
// the task waiting on one holds the runtime.
func (in *Inbox) RouteAnswers(a AnswerRouter) {
	in.answers = a
}

// HandleDelivery implements transport.Handler. It never blocks on the runtime.
func (in *Inbox) HandleDelivery(_ context.Context, d *transport.Delivery) error {
	switch d.Message.Type {
	case envelope.TypeTask:
		if _, err := d.Task(); err != nil {
			return err
		}
	case envelope.TypeAnswer:
		if in.answers != nil && in.answers.Deliver(d.Message) {
			return nil
		}
		in.logger.Info("answer with no waiting question", "from", d.Message.From, "reply_to", d.Message.ReplyTo)
		return nil
	case envelope.TypeMessage, envelope.TypeQuestion:
	default:
		in.logger.Info("received", "type", d.Message.Type, "from", d.Message.From, "message_id", d.Message.ID)
		return nil
	}

	select {
	case in.queue <- d:
		return nil
	default:
		return fmt.Errorf("%w: dropping %s from %s", ErrInboxFull, d.Message.ID, d.Message.From)
	}
}

// Run works the queue until ctx is done.
func (in *Inbox) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-in.queue:
			in.process(ctx, d)
		}
	}
}

func (in *Inbox) process(ctx context.Context, d *transport.Delivery) {
	msg := d.Message
	logger := in.logger.With("message_id", msg.ID, "from", msg.From)

	if msg.Type == envelope.TypeTask {
		task, err := d.Task()
		if err != nil {
			logger.Warn("bad task payload", "error", err)
			return
		}
		if _, err := in.rt.ExecuteTask(ctx, task); err != nil {
			logger.Error("task not run", "task_id", task.ID, "error", err)
		}
		return
	}

	content := msg.Content
	for _, a := range d.Attachments {
		content += fmt.Sprintf("\n\n[attachment %s (%s, %d bytes) at %s]", a.Ref.Name, a.Ref.MimeType, a.Ref.SizeBytes, a.LocalPath)
	}
	reply, err := in.rt.SendMessage(ctx, content)
	if err != nil {
		logger.Warn("no reply produced", "error", err)
		return
	}
	if in.replier == nil {
		return
	}
	if err := in.replier.Reply(ctx, msg, reply); err != nil {
		logger.Warn("sending reply", "error", err)
	}
}
