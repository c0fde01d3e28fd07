// ABOUTME: Wave scheduler: runs every ready task concurrently and joins on the whole wave
// ABOUTME: Tasks behind a failed dependency are failed without running

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-swarm/internal/agent"
	"github.com/2389/coven-swarm/internal/envelope"
	"github.com/2389/coven-swarm/internal/notify"
	"github.com/2389/coven-swarm/internal/store"
)

// runWaves executes the purpose's tasks and returns the ids run in each wave.
func (c *Coordinator) runWaves(ctx context.Context, run *purposeRun) ([][]string, error) {
	logger := c.logger.With("purpose_id", run.purpose.ID)
	var waves [][]string

	for {
		if err := ctx.Err(); err != nil {
			return waves, err
		}
		c.failBlocked(ctx, run)

		run.mu.Lock()
		wave := Ready(run.tasks)
		run.mu.Unlock()
		if len(wave) == 0 {
			break
		}

		ids := make([]string, len(wave))
		for i, t := range wave {
			ids[i] = t.ID
		}
		logger.Info("starting wave", "wave", len(waves)+1, "tasks", ids)

		var g errgroup.Group
		if c.cfg.MaxParallel > 0 {
			g.SetLimit(c.cfg.MaxParallel)
		}
		for _, t := range wave {
			g.Go(func() error {
				c.runTask(ctx, run, t)
				return nil
			})
		}
		// Barrier: the next wave is computed only once every member finished.
		_ = g.Wait()

		waves = append(waves, ids)
		c.announceWave(ctx, run, len(waves), ids)
	}

	// Anything still pending could never become ready.
	run.mu.Lock()
	var stuck []*store.Task
	for _, t := range run.tasks {
		if t.Status == store.TaskPending {
			stuck = append(stuck, t)
		}
	}
	run.mu.Unlock()
	for _, t := range stuck {
		c.finishTask(ctx, run, t, nil, fmt.Errorf("dependencies never completed"))
	}
	return waves, nil
}

// failBlocked fails pending tasks whose dependency failed, until none remain.
func (c *Coordinator) failBlocked(ctx context.Context, run *purposeRun) {
	for {
		run.mu.Lock()
		blocked := Blocked(run.tasks)
		run.mu.Unlock()
		if len(blocked) == 0 {
			return
		}
		for t, dep := range blocked {
			c.finishTask(ctx, run, t, nil, fmt.Errorf("dependency failed: %s", dep))
		}
	}
}

// runTask dispatches one task and records its outcome.
func (c *Coordinator) runTask(ctx context.Context, run *purposeRun, t *store.Task) {
	now := time.Now().UTC()
	run.mu.Lock()
	t.Status = store.TaskInProgress
	t.StartedAt = &now
	snapshot := *t
	run.mu.Unlock()
	c.persist(ctx, &snapshot)
	c.sink.Notify(notify.Notification{
		Type:    notify.TypeTask,
		AgentID: t.WorkerID,
		From:    c.cfg.CoordinatorID,
		Summary: "started " + t.ID,
		Data:    map[string]any{"taskId": t.ID, "status": store.TaskInProgress},
		Time:    now,
	})

	tctx := ctx
	if c.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, c.cfg.TaskTimeout)
		defer cancel()
	}

	res, err := c.delegate.Execute(tctx, &snapshot)
	if err == nil {
		// A strategic question holds the task open until a human answers.
		err = c.awaitEscalations(ctx, run.purpose.ID, t.ID)
	}
	c.finishTask(ctx, run, t, res, err)
}

// finishTask moves a task to a terminal status.
func (c *Coordinator) finishTask(ctx context.Context, run *purposeRun, t *store.Task, res *agent.TaskResult, err error) {
	now := time.Now().UTC()
	run.mu.Lock()
	t.CompletedAt = &now
	switch {
	case err != nil:
		t.Status = store.TaskFailed
		t.Error = err.Error()
	case res == nil:
		t.Status = store.TaskFailed
		t.Error = "no result"
	case res.Failed():
		t.Status = store.TaskFailed
		t.Error = res.Error
		t.Result = res.Summary()
	default:
		t.Status = store.TaskCompleted
		t.Result = res.Summary()
	}
	if res != nil {
		run.results[t.ID] = res
	}
	snapshot := *t
	run.mu.Unlock()

	c.persist(ctx, &snapshot)
	c.logger.Info("task finished", "task_id", t.ID, "worker_id", t.WorkerID, "status", snapshot.Status, "error", snapshot.Error)
	c.sink.Notify(notify.Notification{
		Type:    notify.TypeTaskResult,
		AgentID: c.cfg.CoordinatorID,
		From:    t.WorkerID,
		Summary: fmt.Sprintf("%s %s", t.ID, snapshot.Status),
		Data:    map[string]any{"taskId": t.ID, "status": snapshot.Status, "error": snapshot.Error},
		Time:    now,
	})
}

// announceWave broadcasts wave progress to the team.
func (c *Coordinator) announceWave(ctx context.Context, run *purposeRun, n int, ids []string) {
	summary := fmt.Sprintf("wave %d finished: %v", n, ids)
	c.sink.Notify(notify.Notification{
		Type:    notify.TypeStatus,
		AgentID: c.cfg.CoordinatorID,
		Summary: summary,
		Data:    map[string]any{"purposeId": run.purpose.ID, "wave": n, "tasks": ids},
		Time:    time.Now().UTC(),
	})
	if c.sender == nil {
		return
	}
	msg := envelope.New(c.cfg.CoordinatorID, envelope.Broadcast, envelope.TypeStatus, summary)
	if _, err := c.sender.Send(context.WithoutCancel(ctx), msg); err != nil {
		c.logger.Warn("announcing wave", "error", err)
	}
}
