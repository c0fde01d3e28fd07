// ABOUTME: StatusReporter sends task results and replies back to the coordinator
// ABOUTME: The transport-backed reporter signs a task_result envelope and attaches artifacts

package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/2389/coven-swarm/internal/envelope"
	"github.com/2389/coven-swarm/internal/store"
	"github.com/2389/coven-swarm/internal/transport"
)

// maxReportAttachments bounds how many artifacts travel with a result.
const maxReportAttachments = 16

// StatusReporter receives the outcome of every executed task.
type StatusReporter interface {
	ReportTaskResult(ctx context.Context, t *store.Task, res *TaskResult) error
}

// ReporterFunc adapts a function to StatusReporter.
type ReporterFunc func(ctx context.Context, t *store.Task, res *TaskResult) error

// ReportTaskResult implements StatusReporter.
func (f ReporterFunc) ReportTaskResult(ctx context.Context, t *store.Task, res *TaskResult) error {
	return f(ctx, t, res)
}

// Sender is the part of transport.Client the reporter uses.
type Sender interface {
	Send(ctx context.Context, msg *envelope.Message, files ...transport.Attachment) (*transport.Result, error)
}

// TransportReporter reports over the hybrid transport, so results reach an
// offline coordinator through the shared log.
type TransportReporter struct {
	from        string
	coordinator string
	sender      Sender
}

// NewTransportReporter reports results from agent from to coordinator.
func NewTransportReporter(from, coordinator string, s Sender) *TransportReporter {
	return &TransportReporter{from: from, coordinator: coordinator, sender: s}
}

// ReportTaskResult implements StatusReporter.
func (t *TransportReporter) ReportTaskResult(ctx context.Context, task *store.Task, res *TaskResult) error {
	msg := envelope.New(t.from, t.coordinator, envelope.TypeTaskResult, res.Summary())
	if err := msg.SetData(res); err != nil {
		return err
	}
	if _, err := t.sender.Send(ctx, msg, artifactAttachments(res)...); err != nil {
		return fmt.Errorf("sending result for task %s: %w", task.ID, err)
	}
	return nil
}

// Reply answers an inbound message. Questions get an answer envelope.
func (t *TransportReporter) Reply(ctx context.Context, to *envelope.Message, content string) error {
	typ := envelope.TypeMessage
	if to.Type == envelope.TypeQuestion {
		typ = envelope.TypeAnswer
	}
	msg := envelope.New(t.from, to.From, typ, content)
	msg.ReplyTo = to.ID
	if _, err := t.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("replying to %s: %w", to.ID, err)
	}
	return nil
}

// artifactAttachments flattens artifact paths into single-element names.
func artifactAttachments(res *TaskResult) []transport.Attachment {
	if res.Workspace == "" {
		return nil
	}
	var out []transport.Attachment
	seen := map[string]bool{}
	for _, a := range res.Artifacts {
		if len(out) == maxReportAttachments {
			break
		}
		name := strings.ReplaceAll(filepath.ToSlash(a.Path), "/", "__")
		if seen[name] || transport.ValidateName(name) != nil {
			continue
		}
		seen[name] = true
		out = append(out, transport.Attachment{Name: name, Path: filepath.Join(res.Workspace, filepath.FromSlash(a.Path))})
	}
	return out
}
