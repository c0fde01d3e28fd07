// ABOUTME: Worker question triage: tactical questions are answered by the coordinator,
// ABOUTME: strategic ones become escalations that block the asking task until a human responds

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389/coven-swarm/internal/notify"
	"github.com/2389/coven-swarm/internal/provider"
	"github.com/2389/coven-swarm/internal/store"
)

// Question classifications.
const (
	Tactical  = "tactical"
	Strategic = "strategic"
)

// escalationPoll is how often a waiting task rechecks the store for an answer.
const escalationPoll = time.Second

type questionClass struct {
	Classification string `json:"classification"`
	Reason         string `json:"reason"`
}

// Classify triages a worker question. Anything that cannot be read as
// tactical is treated as strategic.
func (c *Coordinator) Classify(ctx context.Context, workerID string, t *store.Task, question string) string {
	res := provider.Ask[questionClass](ctx, c.provider, triagePrompt, questionText(workerID, t, question))
	class := strings.ToLower(strings.TrimSpace(res.Value.Classification))
	if !res.Ok() {
		class = strings.ToLower(res.Lookup("classification").String())
	}
	if class == Tactical {
		return Tactical
	}
	if class != Strategic {
		c.logger.Warn("question triage unusable, escalating", "worker_id", workerID, "error", res.Err)
	}
	return Strategic
}

// Ask answers a worker question. Tactical questions are answered by the
// coordinator's own conversation. Strategic questions open an escalation and
// Ask blocks until Respond is called for it or ctx is done.
func (c *Coordinator) Ask(ctx context.Context, workerID, taskID, question string) (string, error) {
	var task *store.Task
	if taskID != "" {
		t, err := c.store.GetTask(ctx, taskID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("loading task %s: %w", taskID, err)
		}
		task = t
	}

	class := c.Classify(ctx, workerID, task, question)
	logger := c.logger.With("worker_id", workerID, "task_id", taskID, "classification", class)

	if class == Tactical {
		self, err := c.ensureSelf(ctx)
		if err != nil {
			return "", err
		}
		// The coordinator runtime takes one turn at a time.
		c.selfMu.Lock()
		answer, err := self.SendMessage(ctx, questionText(workerID, task, question))
		c.selfMu.Unlock()
		if err != nil {
			return "", fmt.Errorf("answering question: %w", err)
		}
		logger.Info("question answered")
		return answer, nil
	}

	esc := &store.Escalation{
		TaskID:         taskID,
		WorkerID:       workerID,
		Question:       question,
		Classification: Strategic,
	}
	if task != nil {
		esc.PurposeID = task.PurposeID
	}
	if err := c.store.CreateEscalation(ctx, esc); err != nil {
		return "", err
	}
	logger.Info("question escalated", "escalation_id", esc.ID)
	c.sink.Notify(notify.Notification{
		Type:    notify.TypeEscalation,
		AgentID: c.cfg.CoordinatorID,
		From:    workerID,
		Summary: question,
		Data:    map[string]any{"escalationId": esc.ID, "taskId": taskID, "purposeId": esc.PurposeID},
		Time:    esc.CreatedAt,
	})

	answered, err := c.waitAnswered(ctx, esc.ID)
	if err != nil {
		return "", err
	}
	return answered.Response, nil
}

// askForWorker serves questions raised by local worker runtimes mid-task.
func (c *Coordinator) askForWorker(ctx context.Context, t *store.Task, question string) (string, error) {
	return c.Ask(ctx, t.WorkerID, t.ID, question)
}

// Respond records a human answer to an escalation and releases everything
// waiting on it. A second answer returns store.ErrAlreadyAnswered.
func (c *Coordinator) Respond(ctx context.Context, escalationID, answer string) error {
	esc, err := c.store.AnswerEscalation(ctx, escalationID, answer)
	if err != nil {
		return err
	}
	c.release(esc.ID)
	c.logger.Info("escalation answered", "escalation_id", esc.ID, "task_id", esc.TaskID)
	c.sink.Notify(notify.Notification{
		Type:    notify.TypeEscalation,
		AgentID: esc.WorkerID,
		From:    c.cfg.CoordinatorID,
		Summary: answer,
		Data:    map[string]any{"escalationId": esc.ID, "taskId": esc.TaskID, "status": store.EscalationAnswered},
		Time:    time.Now().UTC(),
	})
	return nil
}

// Escalations lists a purpose's escalations.
func (c *Coordinator) Escalations(ctx context.Context, purposeID string, openOnly bool) ([]*store.Escalation, error) {
	return c.store.ListEscalations(ctx, purposeID, openOnly)
}

// waiter returns the channel for an escalation, registering ch when none exists.
func (c *Coordinator) waiter(id string, ch chan struct{}) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.waiters[id]; ok {
		return existing
	}
	c.waiters[id] = ch
	return ch
}

// release closes an escalation's channel. Closed channels stay registered so
// later waiters return at once.
func (c *Coordinator) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.waiters[id]
	if !ok {
		ch = make(chan struct{})
		c.waiters[id] = ch
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// awaitEscalations blocks while the task has open escalations.
func (c *Coordinator) awaitEscalations(ctx context.Context, purposeID, taskID string) error {
	open, err := c.store.ListEscalations(ctx, purposeID, true)
	if err != nil {
		return fmt.Errorf("listing escalations: %w", err)
	}
	for _, e := range open {
		if e.TaskID != taskID {
			continue
		}
		c.logger.Info("task waiting on escalation", "task_id", taskID, "escalation_id", e.ID)
		if _, err := c.waitAnswered(ctx, e.ID); err != nil {
			return err
		}
	}
	return nil
}

// waitAnswered blocks until the escalation is answered. Respond in this
// process wakes it at once; an answer recorded by another process is seen
// on the next poll of the store.
func (c *Coordinator) waitAnswered(ctx context.Context, id string) (*store.Escalation, error) {
	// A Respond that lands first leaves a closed channel behind.
	ch := c.waiter(id, make(chan struct{}))
	ticker := time.NewTicker(escalationPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ch:
			return c.store.GetEscalation(context.WithoutCancel(ctx), id)
		case <-ticker.C:
			e, err := c.store.GetEscalation(ctx, id)
			if err != nil {
				c.logger.Warn("polling escalation", "escalation_id", id, "error", err)
				continue
			}
			if e.Status == store.EscalationAnswered {
				c.release(id)
				return e, nil
			}
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for escalation %s: %w", id, ctx.Err())
		}
	}
}
