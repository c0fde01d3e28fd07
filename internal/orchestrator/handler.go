// ABOUTME: Inbound envelopes for the coordinator: remote task results and worker questions
// ABOUTME: Questions are answered in the background so the receiver is never held up by an escalation

package orchestrator

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/2389/coven-swarm/internal/agent"
	"github.com/2389/coven-swarm/internal/envelope"
	"github.com/2389/coven-swarm/internal/notify"
	"github.com/2389/coven-swarm/internal/transport"
)

// HandleDelivery implements transport.Handler.
func (c *Coordinator) HandleDelivery(ctx context.Context, d *transport.Delivery) error {
	msg := d.Message
	logger := c.logger.With("message_id", msg.ID, "from", msg.From, "type", msg.Type, "path", d.Path)

	switch msg.Type {
	case envelope.TypeTaskResult:
		var res agent.TaskResult
		if err := msg.DecodeData(&res); err != nil {
			return fmt.Errorf("decoding task result: %w", err)
		}
		remote, ok := c.delegate.(*RemoteDelegate)
		if !ok || !remote.Deliver(msg.From, &res) {
			logger.Warn("task result not claimed", "task_id", res.TaskID)
		}
		c.sink.Notify(notify.Notification{
			Type:      notify.TypeTaskResult,
			AgentID:   c.cfg.CoordinatorID,
			From:      msg.From,
			MessageID: msg.ID,
			Summary:   msg.Content,
			Data:      map[string]any{"taskId": res.TaskID, "attachments": len(d.Attachments)},
			Time:      msg.Timestamp,
		})

	case envelope.TypeQuestion:
		taskID := gjson.GetBytes(msg.Data, "taskId").String()
		go c.answer(context.WithoutCancel(ctx), msg, taskID)

	default:
		logger.Info("message for coordinator", "content", msg.Content)
		c.sink.Notify(notify.Notification{
			Type:      notify.TypeMessage,
			AgentID:   c.cfg.CoordinatorID,
			From:      msg.From,
			MessageID: msg.ID,
			Summary:   msg.Content,
			Time:      msg.Timestamp,
		})
	}
	return nil
}

func (c *Coordinator) answer(ctx context.Context, msg *envelope.Message, taskID string) {
	logger := c.logger.With("message_id", msg.ID, "from", msg.From, "task_id", taskID)
	answer, err := c.Ask(ctx, msg.From, taskID, msg.Content)
	if err != nil {
		logger.Error("answering question", "error", err)
		return
	}
	if c.sender == nil {
		logger.Warn("no sender configured, answer dropped")
		return
	}
	var replier agent.Replier = agent.NewTransportReporter(c.cfg.CoordinatorID, c.cfg.CoordinatorID, c.sender)
	if err := replier.Reply(ctx, msg, answer); err != nil {
		logger.Error("sending answer", "error", err)
	}
}
