// ABOUTME: Task graph validation: ids, worker assignment, dependencies and cycle detection
// ABOUTME: A plan is checked in full before any task is dispatched

package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/2389/coven-swarm/internal/store"
)

// ErrDuplicateTask is returned when two planned tasks share an id.
var ErrDuplicateTask = errors.New("duplicate task id")

// ErrNoTasks is returned when a plan has nothing to run.
var ErrNoTasks = errors.New("plan contains no tasks")

// CycleError reports a dependency cycle. Cycle starts and ends with the same id.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Cycle, " -> ")
}

// PlannedTask is one entry of the task list the coordinator asks for.
type PlannedTask struct {
	ID           string   `json:"id"`
	Worker       string   `json:"worker"`
	Task         string   `json:"task"`
	Context      string   `json:"context,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Plan is the structured task list reply.
type Plan struct {
	Tasks []PlannedTask `json:"tasks"`
}

// BuildTasks turns a plan into pending tasks for purposeID. Tasks naming an
// unknown worker are reassigned round robin; unknown dependencies are
// dropped. Duplicate ids and cycles are errors.
func BuildTasks(purposeID string, plan Plan, workers []string, logger *slog.Logger) ([]*store.Task, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(plan.Tasks) == 0 {
		return nil, ErrNoTasks
	}
	if len(workers) == 0 {
		return nil, errors.New("no workers to assign tasks to")
	}

	known := make(map[string]bool, len(workers))
	for _, w := range workers {
		known[w] = true
	}

	ids := make(map[string]bool, len(plan.Tasks))
	for i := range plan.Tasks {
		p := &plan.Tasks[i]
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			p.ID = fmt.Sprintf("task-%d", i+1)
		}
		if ids[p.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, p.ID)
		}
		ids[p.ID] = true
	}

	next := 0
	tasks := make([]*store.Task, 0, len(plan.Tasks))
	for _, p := range plan.Tasks {
		worker := p.Worker
		if !known[worker] {
			worker = workers[next%len(workers)]
			next++
			logger.Warn("task names unknown worker, reassigning", "task_id", p.ID, "worker", p.Worker, "assigned", worker)
		}

		deps := make([]string, 0, len(p.Dependencies))
		for _, d := range p.Dependencies {
			switch {
			case !ids[d]:
				logger.Warn("dropping unknown dependency", "task_id", p.ID, "dependency", d)
			case slices.Contains(deps, d):
			default:
				deps = append(deps, d)
			}
		}

		tasks = append(tasks, &store.Task{
			ID:           p.ID,
			PurposeID:    purposeID,
			WorkerID:     worker,
			Task:         p.Task,
			Context:      p.Context,
			Dependencies: deps,
			Status:       store.TaskPending,
		})
	}

	if err := DetectCycle(tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// DetectCycle returns a *CycleError for the first cycle found, or nil.
// Traversal order is by task id so the reported cycle is deterministic.
func DetectCycle(tasks []*store.Task) error {
	deps := make(map[string][]string, len(tasks))
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = t.Dependencies
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(tasks))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = visiting
		stack = append(stack, id)
		for _, d := range deps[id] {
			switch state[d] {
			case visiting:
				start := slices.Index(stack, d)
				return append(slices.Clone(stack[start:]), d)
			case unvisited:
				if _, ok := deps[d]; !ok {
					continue
				}
				if c := visit(d); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range ids {
		if state[id] != unvisited {
			continue
		}
		if c := visit(id); c != nil {
			return &CycleError{Cycle: c}
		}
	}
	return nil
}

// Ready returns the pending tasks whose dependencies have all completed, in
// input order.
func Ready(tasks []*store.Task) []*store.Task {
	status := statusIndex(tasks)
	var out []*store.Task
	for _, t := range tasks {
		if t.Status != store.TaskPending {
			continue
		}
		ok := true
		for _, d := range t.Dependencies {
			if status[d] != store.TaskCompleted {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, t)
		}
	}
	return out
}

// Blocked returns the pending tasks with a failed dependency, and for each
// the dependency that failed.
func Blocked(tasks []*store.Task) map[*store.Task]string {
	status := statusIndex(tasks)
	out := map[*store.Task]string{}
	for _, t := range tasks {
		if t.Status != store.TaskPending {
			continue
		}
		for _, d := range t.Dependencies {
			if status[d] == store.TaskFailed {
				out[t] = d
				break
			}
		}
	}
	return out
}

func statusIndex(tasks []*store.Task) map[string]string {
	m := make(map[string]string, len(tasks))
	for _, t := range tasks {
		m[t.ID] = t.Status
	}
	return m
}
