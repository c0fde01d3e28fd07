// ABOUTME: The accept pipeline shared by the HTTP endpoint and shared-log catch-up
// ABOUTME: Verifies, claims the message in the processed set, then dispatches to the handler

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-swarm/internal/envelope"
	"github.com/2389/coven-swarm/internal/notify"
	"github.com/2389/coven-swarm/internal/store"
)

var (
	// ErrDuplicate is returned when the message was already handled.
	ErrDuplicate = errors.New("message already processed")

	// ErrNotAddressed is returned for messages meant for another agent.
	ErrNotAddressed = errors.New("message not addressed to this agent")

	// ErrRejected wraps authentication failures. Rejected messages are never retried.
	ErrRejected = errors.New("message rejected")
)

// Path says which route delivered a message.
type Path string

const (
	PathNetwork Path = "network"
	PathFile    Path = "file"
)

// Verifier authenticates inbound messages. Verify applies the freshness
// window and nonce cache; VerifyStored is used for messages read back from
// the shared log.
type Verifier interface {
	Verify(ctx context.Context, msg *envelope.Message) error
	VerifyStored(ctx context.Context, msg *envelope.Message) error
}

// Delivery is an authenticated message handed to the agent.
type Delivery struct {
	Message     *envelope.Message
	Path        Path
	Attachments []StoredAttachment
}

// Task decodes the task assignment carried by a task message.
func (d *Delivery) Task() (*store.Task, error) {
	if d.Message.Type != envelope.TypeTask {
		return nil, fmt.Errorf("%w: message %s is %q, not a task", envelope.ErrMalformed, d.Message.ID, d.Message.Type)
	}
	var t store.Task
	if err := d.Message.DecodeData(&t); err != nil {
		return nil, err
	}
	if t.ID == "" || t.Task == "" {
		return nil, fmt.Errorf("%w: task assignment missing id or task", envelope.ErrMalformed)
	}
	return &t, nil
}

// Handler consumes deliveries.
type Handler interface {
	HandleDelivery(ctx context.Context, d *Delivery) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d *Delivery) error

// HandleDelivery implements Handler.
func (f HandlerFunc) HandleDelivery(ctx context.Context, d *Delivery) error {
	return f(ctx, d)
}

// Receiver runs the accept pipeline for one agent.
type Receiver struct {
	agentID    string
	verifier   Verifier
	deliveries store.DeliveryStore
	handler    Handler
	sink       notify.Sink
	logger     *slog.Logger
	now        func() time.Time
}

// NewReceiver creates a receiver. A nil sink discards notifications.
func NewReceiver(agentID string, v Verifier, ds store.DeliveryStore, h Handler, sink notify.Sink, logger *slog.Logger) *Receiver {
	if sink == nil {
		sink = notify.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		agentID:    agentID,
		verifier:   v,
		deliveries: ds,
		handler:    h,
		sink:       sink,
		logger:     logger.With("component", "transport.receiver", "agent_id", agentID),
		now:        time.Now,
	}
}

// AgentID returns the agent this receiver accepts messages for.
func (r *Receiver) AgentID() string {
	return r.agentID
}

// SetHandler replaces the delivery handler. Call before serving.
func (r *Receiver) SetHandler(h Handler) {
	r.handler = h
}

// Precheck runs everything that must pass before any side effect: the
// recipient check, the processed set, and authentication.
func (r *Receiver) Precheck(ctx context.Context, msg *envelope.Message, path Path) error {
	if !msg.IsFor(r.agentID) {
		return fmt.Errorf("%w: to %s", ErrNotAddressed, msg.To)
	}
	done, err := r.deliveries.IsProcessed(ctx, r.agentID, msg.ID)
	if err != nil {
		return err
	}
	if done {
		return ErrDuplicate
	}
	verify := r.verifier.Verify
	if path == PathFile {
		verify = r.verifier.VerifyStored
	}
	if err := verify(ctx, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return nil
}

// Accept claims msg and hands it to the handler. Of concurrent deliveries
// of the same message, exactly one is accepted and the rest get ErrDuplicate.
// A handler error is logged; the message stays claimed.
func (r *Receiver) Accept(ctx context.Context, msg *envelope.Message, path Path, atts []StoredAttachment) error {
	first, err := r.deliveries.MarkProcessed(ctx, r.agentID, msg.ID, string(path))
	if err != nil {
		return err
	}
	if !first {
		return ErrDuplicate
	}

	now := r.now().UTC()
	msg.Delivered = true
	msg.DeliveredAt = &now

	r.logger.Info("message delivered",
		"message_id", msg.ID,
		"from", msg.From,
		"type", msg.Type,
		"path", path,
		"attachments", len(atts),
	)

	if r.handler != nil {
		d := &Delivery{Message: msg, Path: path, Attachments: atts}
		if err := r.handler.HandleDelivery(ctx, d); err != nil {
			r.logger.Error("handler failed", "message_id", msg.ID, "error", err)
		}
	}
	r.notifyArrival(msg, path, atts)
	return nil
}

// Receive runs Precheck then Accept for a message without attachments.
func (r *Receiver) Receive(ctx context.Context, msg *envelope.Message, path Path) error {
	if err := r.Precheck(ctx, msg, path); err != nil {
		return err
	}
	return r.Accept(ctx, msg, path, nil)
}

func (r *Receiver) notifyArrival(msg *envelope.Message, path Path, atts []StoredAttachment) {
	typ := notify.TypeMessage
	switch msg.Type {
	case envelope.TypeTask:
		typ = notify.TypeTask
	case envelope.TypeTaskResult:
		typ = notify.TypeTaskResult
	}
	r.sink.Notify(notify.Notification{
		Type:      typ,
		AgentID:   r.agentID,
		From:      msg.From,
		MessageID: msg.ID,
		Summary:   summarize(msg.Content),
		Data:      map[string]any{"path": string(path), "messageType": msg.Type},
		Time:      r.now().UTC(),
	})
	for _, a := range atts {
		r.sink.Notify(notify.Notification{
			Type:      notify.TypeFile,
			AgentID:   r.agentID,
			From:      msg.From,
			MessageID: msg.ID,
			Summary:   a.Ref.Name,
			Data: map[string]any{
				"localPath": a.LocalPath,
				"mimeType":  a.Ref.MimeType,
				"sizeBytes": a.Ref.SizeBytes,
			},
			Time: r.now().UTC(),
		})
	}
}

func summarize(s string) string {
	const max = 120
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
