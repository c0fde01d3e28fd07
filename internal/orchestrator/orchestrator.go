// ABOUTME: Coordinator: turns a purpose into a team, a task graph, and a run of waves
// ABOUTME: Worker identities are created synchronously before any runtime is handed out

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-swarm/internal/agent"
	"github.com/2389/coven-swarm/internal/config"
	"github.com/2389/coven-swarm/internal/identity"
	"github.com/2389/coven-swarm/internal/notify"
	"github.com/2389/coven-swarm/internal/provider"
	"github.com/2389/coven-swarm/internal/sharedlog"
	"github.com/2389/coven-swarm/internal/store"
)

// ErrUnknownPurpose is returned for a purpose this coordinator is not running.
var ErrUnknownPurpose = errors.New("unknown purpose")

// maxWorkersPerType caps what a single team entry can ask for.
const maxWorkersPerType = 5

// Config tunes the coordinator.
type Config struct {
	CoordinatorID string
	MaxParallel   int // 0 means a whole wave at once
	PurposeRoot   string
	TaskTimeout   time.Duration
	Runtime       agent.Config
}

// ConfigFrom builds a coordinator config from the process config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		CoordinatorID: c.Agent.ID,
		MaxParallel:   c.Orchestrator.MaxParallel,
		PurposeRoot:   c.Orchestrator.PurposeRoot,
		TaskTimeout:   c.Orchestrator.TaskTimeout,
		Runtime:       agent.ConfigFrom(c.Runtime),
	}
}

// Identities creates agent identities. *identity.Manager implements it.
type Identities interface {
	CreateIdentity(ctx context.Context, spec identity.Spec) (*identity.Identity, error)
}

// Store is the persistence the coordinator needs.
type Store interface {
	store.TaskStore
	store.EscalationStore
}

// Deps are the coordinator's collaborators. Provider, Identities and Store
// are required.
type Deps struct {
	Provider   provider.Provider
	Identities Identities
	Store      Store

	// Delegate runs tasks. When nil, worker runtimes are created in process.
	Delegate Delegate
	// Log receives a record of every task status change.
	Log *sharedlog.Log
	// Sender broadcasts wave progress and replies to worker questions.
	Sender agent.Sender
	Sink   notify.Sink
	Logger *slog.Logger
}

// WorkerSpec is one line of a team specification.
type WorkerSpec struct {
	WorkerType string `json:"workerType"`
	Count      int    `json:"count"`
	Reason     string `json:"reason"`
}

// TeamSpec is the team formed for a purpose.
type TeamSpec []WorkerSpec

// Worker is one member of a formed team.
type Worker struct {
	ID       string
	Type     string
	Identity *identity.Identity
}

// Report is the outcome of a purpose run.
type Report struct {
	Purpose     *store.Purpose
	Team        TeamSpec
	Workers     []Worker
	Tasks       []*store.Task
	Waves       [][]string
	SummaryPath string
	HTMLPath    string
}

// Coordinator runs purposes. It is safe for concurrent use.
type Coordinator struct {
	cfg      Config
	provider provider.Provider
	ids      Identities
	store    Store
	log      *sharedlog.Log
	sender   agent.Sender
	sink     notify.Sink
	logger   *slog.Logger

	delegate Delegate
	local    *LocalDelegate

	selfOnce sync.Once
	selfErr  error
	self     *agent.Runtime
	selfMu   sync.Mutex

	mu      sync.Mutex
	runs    map[string]*purposeRun
	waiters map[string]chan struct{}
}

// purposeRun is the live state of one purpose.
type purposeRun struct {
	mu      sync.Mutex
	purpose *store.Purpose
	dir     string
	tasks   []*store.Task
	results map[string]*agent.TaskResult
}

// New creates a coordinator.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Provider == nil || deps.Identities == nil || deps.Store == nil {
		return nil, errors.New("coordinator requires a provider, identities and a store")
	}
	if cfg.CoordinatorID == "" {
		cfg.CoordinatorID = "coordinator"
	}
	if cfg.PurposeRoot == "" {
		cfg.PurposeRoot = config.Defaults().Orchestrator.PurposeRoot
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := deps.Sink
	if sink == nil {
		sink = notify.Discard
	}

	c := &Coordinator{
		cfg:      cfg,
		provider: deps.Provider,
		ids:      deps.Identities,
		store:    deps.Store,
		log:      deps.Log,
		sender:   deps.Sender,
		sink:     sink,
		logger:   logger.With("component", "orchestrator", "agent_id", cfg.CoordinatorID),
		delegate: deps.Delegate,
		runs:     make(map[string]*purposeRun),
		waiters:  make(map[string]chan struct{}),
	}
	if c.delegate == nil {
		c.local = NewLocalDelegate()
		c.delegate = c.local
	}
	return c, nil
}

// ID returns the coordinator's agent id.
func (c *Coordinator) ID() string {
	return c.cfg.CoordinatorID
}

// ensureSelf creates the coordinator's own identity and runtime once.
func (c *Coordinator) ensureSelf(ctx context.Context) (*agent.Runtime, error) {
	c.selfOnce.Do(func() {
		id, err := c.ids.CreateIdentity(ctx, identity.Spec{AgentID: c.cfg.CoordinatorID, Role: "coordinator"})
		if err != nil {
			c.selfErr = fmt.Errorf("creating coordinator identity: %w", err)
			return
		}
		rcfg := c.cfg.Runtime
		rcfg.SystemPrompt = coordinatorPrompt
		rcfg.HistoryDir = ""
		c.self, c.selfErr = agent.New(id, c.provider, rcfg, agent.WithLogger(c.logger))
	})
	return c.self, c.selfErr
}

// Purpose is a human goal handed to the coordinator.
type Purpose struct {
	Description     string
	Constraints     []string
	SuccessCriteria []string
}

// NewPurpose builds a store record for p with a fresh id.
func NewPurpose(p Purpose) *store.Purpose {
	return &store.Purpose{
		ID:              uuid.New().String(),
		Description:     p.Description,
		Constraints:     p.Constraints,
		SuccessCriteria: p.SuccessCriteria,
		Status:          store.PurposeRunning,
	}
}

// Run analyzes a purpose, forms its team and runs it to completion.
func (c *Coordinator) Run(ctx context.Context, p Purpose) (*Report, error) {
	sp := NewPurpose(p)
	team := c.AnalyzePurpose(ctx, sp)
	return c.BuildAndRun(ctx, sp, team)
}

type teamReply struct {
	Workers []WorkerSpec `json:"workers"`
}

// AnalyzePurpose maps a purpose to a team. It never fails: an unusable
// reply yields a single generalist.
func (c *Coordinator) AnalyzePurpose(ctx context.Context, p *store.Purpose) TeamSpec {
	res := provider.Ask[teamReply](ctx, c.provider, analyzePrompt, purposeText(p))
	var team TeamSpec
	if res.Ok() {
		for _, w := range res.Value.Workers {
			w.WorkerType = strings.TrimSpace(w.WorkerType)
			if w.WorkerType == "" {
				continue
			}
			w.Count = max(1, min(w.Count, maxWorkersPerType))
			team = append(team, w)
		}
	}
	if len(team) == 0 {
		c.logger.Warn("team analysis unusable, using a single generalist", "error", res.Err)
		team = TeamSpec{{WorkerType: "generalist", Count: 1, Reason: "fallback: team analysis could not be parsed"}}
	}
	c.logger.Info("team formed", "purpose_id", p.ID, "team", team)
	return team
}

// BuildAndRun creates the team, plans tasks, runs them in waves and writes
// the summary. A dependency cycle fails the purpose before any dispatch.
func (c *Coordinator) BuildAndRun(ctx context.Context, p *store.Purpose, team TeamSpec) (*Report, error) {
	if _, err := c.ensureSelf(ctx); err != nil {
		return nil, err
	}
	logger := c.logger.With("purpose_id", p.ID)

	teamJSON, err := json.Marshal(team)
	if err != nil {
		return nil, fmt.Errorf("encoding team: %w", err)
	}
	p.TeamJSON = string(teamJSON)
	p.Status = store.PurposeRunning
	if err := c.store.SavePurpose(ctx, p); err != nil {
		return nil, err
	}

	run := &purposeRun{
		purpose: p,
		dir:     filepath.Join(c.cfg.PurposeRoot, p.ID),
		results: make(map[string]*agent.TaskResult),
	}
	if err := os.MkdirAll(run.dir, 0755); err != nil {
		return nil, fmt.Errorf("creating purpose directory: %w", err)
	}
	c.mu.Lock()
	c.runs[p.ID] = run
	c.mu.Unlock()

	workers, err := c.formTeam(ctx, run, team)
	if err != nil {
		return nil, c.failPurpose(ctx, p, err)
	}

	plan := c.requestPlan(ctx, p, workers)
	tasks, err := BuildTasks(p.ID, plan, workerIDs(workers), logger)
	if err != nil {
		var cycle *CycleError
		if errors.As(err, &cycle) {
			logger.Error("task graph has a cycle, purpose halted", "cycle", cycle.Cycle)
		}
		return nil, c.failPurpose(ctx, p, err)
	}

	run.mu.Lock()
	run.tasks = tasks
	run.mu.Unlock()
	for _, t := range tasks {
		c.persist(ctx, t)
	}

	waves, err := c.runWaves(ctx, run)
	if err != nil {
		return nil, c.failPurpose(ctx, p, err)
	}

	report, err := c.finish(ctx, run)
	if err != nil {
		return nil, err
	}
	report.Team = team
	report.Workers = workers
	report.Waves = waves
	return report, nil
}

// formTeam creates one identity per worker slot, and in local mode one runtime.
func (c *Coordinator) formTeam(ctx context.Context, run *purposeRun, team TeamSpec) ([]Worker, error) {
	var workers []Worker
	for _, spec := range team {
		base := workerSlug(spec.WorkerType)
		for i := 1; i <= spec.Count; i++ {
			agentID := fmt.Sprintf("%s-%d", base, i)
			id, err := c.ids.CreateIdentity(ctx, identity.Spec{
				AgentID:      agentID,
				Role:         spec.WorkerType,
				Capabilities: []string{spec.WorkerType},
				TeamID:       run.purpose.ID,
			})
			if err != nil {
				return nil, fmt.Errorf("creating identity for %s: %w", agentID, err)
			}
			workers = append(workers, Worker{ID: agentID, Type: spec.WorkerType, Identity: id})

			if c.local == nil {
				continue
			}
			rcfg := c.cfg.Runtime
			rcfg.SystemPrompt = workerPrompt(spec.WorkerType, run.purpose)
			rcfg.WorkspaceRoot = filepath.Join(run.dir, "workspaces")
			rt, err := agent.New(id, c.provider, rcfg,
				agent.WithLogger(c.logger),
				agent.WithQuestioner(agent.QuestionerFunc(c.askForWorker)),
			)
			if err != nil {
				return nil, err
			}
			c.local.Add(rt)
		}
	}
	return workers, nil
}

func workerIDs(ws []Worker) []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.ID
	}
	return out
}

// workerSlug makes a worker type usable as an agent id prefix.
func workerSlug(t string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(t) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	if s == "" {
		return "worker"
	}
	return s
}

// requestPlan asks for the task list. An unusable reply degrades to one
// task per worker carrying the whole purpose.
func (c *Coordinator) requestPlan(ctx context.Context, p *store.Purpose, workers []Worker) Plan {
	res := provider.Ask[Plan](ctx, c.provider, planPrompt, planRequest(p, workers))
	if res.Ok() && len(res.Value.Tasks) > 0 {
		return res.Value
	}
	c.logger.Warn("task plan unusable, assigning the purpose directly", "purpose_id", p.ID, "error", res.Err)
	var plan Plan
	for i, w := range workers {
		plan.Tasks = append(plan.Tasks, PlannedTask{
			ID:     fmt.Sprintf("task-%d", i+1),
			Worker: w.ID,
			Task:   p.Description,
		})
	}
	return plan
}

func (c *Coordinator) failPurpose(ctx context.Context, p *store.Purpose, cause error) error {
	now := time.Now().UTC()
	p.Status = store.PurposeFailed
	p.Summary = cause.Error()
	p.CompletedAt = &now
	if err := c.store.SavePurpose(context.WithoutCancel(ctx), p); err != nil {
		c.logger.Error("saving failed purpose", "purpose_id", p.ID, "error", err)
	}
	c.sink.Notify(notify.Notification{
		Type:    notify.TypeStatus,
		AgentID: c.cfg.CoordinatorID,
		Summary: "purpose failed: " + cause.Error(),
		Data:    map[string]any{"purposeId": p.ID},
		Time:    now,
	})
	return cause
}

// persist records a task status change in the store and the task stream.
func (c *Coordinator) persist(ctx context.Context, t *store.Task) {
	ctx = context.WithoutCancel(ctx)
	if err := c.store.SaveTask(ctx, t); err != nil {
		c.logger.Error("saving task", "task_id", t.ID, "error", err)
	}
	if c.log == nil {
		return
	}
	if _, err := c.log.Append(sharedlog.StreamTasks, taskRecord{Kind: "task", Task: t}); err != nil {
		c.logger.Error("appending task record", "task_id", t.ID, "error", err)
	}
}

type taskRecord struct {
	Kind string `json:"kind"`
	*store.Task
}

// Tasks returns a snapshot of a running or finished purpose's tasks.
func (c *Coordinator) Tasks(purposeID string) ([]store.Task, error) {
	c.mu.Lock()
	run, ok := c.runs[purposeID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPurpose, purposeID)
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	out := make([]store.Task, len(run.tasks))
	for i, t := range run.tasks {
		out[i] = *t
	}
	return out, nil
}

// Worker returns the in-process runtime of a worker, when running locally.
func (c *Coordinator) Worker(agentID string) (*agent.Runtime, bool) {
	if c.local == nil {
		return nil, false
	}
	return c.local.Runtime(agentID)
}
