// ABOUTME: Delegates run one task on a worker: in process, or over the signed transport
// ABOUTME: Remote results arrive later as task_result messages and are matched by task id

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/coven-swarm/internal/agent"
	"github.com/2389/coven-swarm/internal/envelope"
	"github.com/2389/coven-swarm/internal/store"
)

// ErrUnknownWorker is returned when a task names a worker the delegate cannot reach.
var ErrUnknownWorker = errors.New("unknown worker")

// Delegate executes a task on its assigned worker and waits for the result.
type Delegate interface {
	Execute(ctx context.Context, t *store.Task) (*agent.TaskResult, error)
}

// LocalDelegate runs tasks on in-process runtimes, one at a time per worker.
type LocalDelegate struct {
	mu       sync.Mutex
	runtimes map[string]*agent.Runtime
	locks    map[string]*sync.Mutex
}

// NewLocalDelegate creates an empty local delegate.
func NewLocalDelegate() *LocalDelegate {
	return &LocalDelegate{
		runtimes: make(map[string]*agent.Runtime),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Add registers a worker runtime.
func (d *LocalDelegate) Add(rt *agent.Runtime) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runtimes[rt.AgentID()] = rt
	if _, ok := d.locks[rt.AgentID()]; !ok {
		d.locks[rt.AgentID()] = &sync.Mutex{}
	}
}

// Runtime returns the runtime for a worker.
func (d *LocalDelegate) Runtime(workerID string) (*agent.Runtime, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rt, ok := d.runtimes[workerID]
	return rt, ok
}

// Execute implements Delegate.
func (d *LocalDelegate) Execute(ctx context.Context, t *store.Task) (*agent.TaskResult, error) {
	d.mu.Lock()
	rt, ok := d.runtimes[t.WorkerID]
	lock := d.locks[t.WorkerID]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, t.WorkerID)
	}

	// A worker holding two tasks in one wave runs them back to back.
	lock.Lock()
	defer lock.Unlock()
	return rt.ExecuteTask(ctx, t)
}

// RemoteDelegate sends signed task envelopes to worker processes and waits
// for their task_result replies.
type RemoteDelegate struct {
	from   string
	sender agent.Sender
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]pendingTask
}

type pendingTask struct {
	worker string
	ch     chan *agent.TaskResult
}

// NewRemoteDelegate sends tasks as agent from.
func NewRemoteDelegate(from string, s agent.Sender, logger *slog.Logger) *RemoteDelegate {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteDelegate{
		from:    from,
		sender:  s,
		logger:  logger.With("component", "orchestrator.remote"),
		pending: make(map[string]pendingTask),
	}
}

// Execute implements Delegate. A worker that is offline picks the task up
// from the shared log when it starts, so Execute waits until ctx is done.
func (d *RemoteDelegate) Execute(ctx context.Context, t *store.Task) (*agent.TaskResult, error) {
	ch := make(chan *agent.TaskResult, 1)
	d.mu.Lock()
	d.pending[t.ID] = pendingTask{worker: t.WorkerID, ch: ch}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, t.ID)
		d.mu.Unlock()
	}()

	msg := envelope.New(d.from, t.WorkerID, envelope.TypeTask, t.Task)
	if err := msg.SetData(t); err != nil {
		return nil, err
	}
	res, err := d.sender.Send(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("dispatching task %s: %w", t.ID, err)
	}
	d.logger.Info("task dispatched", "task_id", t.ID, "worker_id", t.WorkerID, "path", res.Path)

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for task %s: %w", t.ID, ctx.Err())
	}
}

// Deliver hands a task_result sent by agent from to the waiting Execute
// call. It reports false when nothing is waiting for that task from that
// worker.
func (d *RemoteDelegate) Deliver(from string, res *agent.TaskResult) bool {
	d.mu.Lock()
	p, ok := d.pending[res.TaskID]
	d.mu.Unlock()
	if !ok {
		d.logger.Warn("result for task nobody is waiting on", "task_id", res.TaskID, "from", from)
		return false
	}
	if p.worker != from {
		d.logger.Warn("result from wrong worker", "task_id", res.TaskID, "from", from, "assigned", p.worker)
		return false
	}
	select {
	case p.ch <- res:
		return true
	default:
		return false
	}
}
