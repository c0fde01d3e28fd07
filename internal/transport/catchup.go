// ABOUTME: Catch-up: replays messages from the shared log that arrived while the agent was offline
// ABOUTME: Progress is an offset in the store; the processed set makes repeated runs idempotent

package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-swarm/internal/envelope"
	"github.com/2389/coven-swarm/internal/sharedlog"
)

// attachmentGrace is how long catch-up waits for a message's attachments to
// appear in the shared store before dropping the message.
const attachmentGrace = 5 * time.Minute

// KindDelivered marks a delivery receipt in the message stream.
const KindDelivered = "delivered"

// DeliveredReceipt is appended to the message stream after a file-path delivery.
type DeliveredReceipt struct {
	Kind        string    `json:"kind"`
	MessageID   string    `json:"messageId"`
	AgentID     string    `json:"agentId"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// CatchupStats summarizes one catch-up pass.
type CatchupStats struct {
	Read       int
	Delivered  int
	Duplicates int
	Rejected   int
	Deferred   int
	Offset     int64
}

// Catchup processes every message in the shared log after this agent's
// stored offset, then stores the new offset. Messages whose attachments are
// not yet visible stop the pass so they are retried on the next run.
func (r *Receiver) Catchup(ctx context.Context, l *sharedlog.Log, atts *AttachmentStore) (CatchupStats, error) {
	var stats CatchupStats
	stream := string(sharedlog.StreamMessages)

	offset, err := r.deliveries.GetOffset(ctx, r.agentID, stream)
	if err != nil {
		return stats, err
	}
	entries, next, err := l.ReadFrom(sharedlog.StreamMessages, offset)
	if err != nil {
		return stats, err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if e.Kind() != "" {
			continue // receipts and other non-message records
		}
		if to := e.Get("to").String(); to != r.agentID && to != envelope.Broadcast {
			continue
		}

		var msg envelope.Message
		if err := e.Decode(&msg); err != nil {
			r.logger.Warn("skipping undecodable log record", "offset", e.Offset, "error", err)
			continue
		}
		stats.Read++

		err := r.Precheck(ctx, &msg, PathFile)
		if err == nil {
			var stored []StoredAttachment
			stored, err = r.resolveStored(&msg, atts)
			if errors.Is(err, ErrAttachmentMissing) && r.now().Sub(msg.Timestamp) < attachmentGrace {
				// Stop here; the next pass resumes at this record.
				r.logger.Info("attachments not yet visible, deferring", "message_id", msg.ID)
				stats.Deferred++
				next = e.Offset
				break
			}
			if err != nil {
				r.logger.Warn("dropping message with unusable attachments", "message_id", msg.ID, "error", err)
				err = fmt.Errorf("%w: %w", ErrRejected, err)
			} else {
				err = r.Accept(ctx, &msg, PathFile, stored)
			}
		}
		switch {
		case errors.Is(err, ErrNotAddressed):
		case errors.Is(err, ErrDuplicate):
			stats.Duplicates++
		case errors.Is(err, ErrRejected):
			stats.Rejected++
		case err != nil:
			return stats, fmt.Errorf("delivering %s: %w", msg.ID, err)
		default:
			stats.Delivered++
			r.appendReceipt(l, &msg)
		}
	}

	if err := r.deliveries.SetOffset(ctx, r.agentID, stream, next); err != nil {
		return stats, err
	}
	stats.Offset = next

	if stats.Delivered > 0 || stats.Rejected > 0 {
		r.logger.Info("catch-up complete",
			"delivered", stats.Delivered,
			"duplicates", stats.Duplicates,
			"rejected", stats.Rejected,
			"deferred", stats.Deferred,
			"offset", next,
		)
	}
	return stats, nil
}

func (r *Receiver) resolveStored(msg *envelope.Message, atts *AttachmentStore) ([]StoredAttachment, error) {
	if len(msg.Attachments) == 0 {
		return nil, nil
	}
	if atts == nil {
		return nil, fmt.Errorf("%w: no attachment store configured", ErrAttachmentMissing)
	}
	out := make([]StoredAttachment, 0, len(msg.Attachments))
	for _, ref := range msg.Attachments {
		p, err := atts.Resolve(msg.ID, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, StoredAttachment{Ref: ref, LocalPath: p})
	}
	return out, nil
}

func (r *Receiver) appendReceipt(l *sharedlog.Log, msg *envelope.Message) {
	at := r.now().UTC()
	if msg.DeliveredAt != nil {
		at = *msg.DeliveredAt
	}
	receipt := DeliveredReceipt{
		Kind:        KindDelivered,
		MessageID:   msg.ID,
		AgentID:     r.agentID,
		DeliveredAt: at,
	}
	if _, err := l.Append(sharedlog.StreamMessages, receipt); err != nil {
		r.logger.Warn("appending delivery receipt", "message_id", msg.ID, "error", err)
	}
}

// RunCatchup runs Catchup immediately and then every interval until ctx is done.
func (r *Receiver) RunCatchup(ctx context.Context, l *sharedlog.Log, atts *AttachmentStore, interval time.Duration) {
	run := func() {
		if _, err := r.Catchup(ctx, l, atts); err != nil && ctx.Err() == nil {
			r.logger.Error("catch-up failed", "error", err)
		}
	}
	run()
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
