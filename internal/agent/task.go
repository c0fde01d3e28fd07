// ABOUTME: Task execution: intent classification, workspace selection, manifest materialization
// ABOUTME: Unparseable manifests degrade to a STATUS.md artifact instead of failing the task

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/2389/coven-swarm/internal/provider"
	"github.com/2389/coven-swarm/internal/store"
)

// Intent is what a task asks the agent to produce.
type Intent string

const (
	IntentAnswer              Intent = "answer"
	IntentArtifacts           Intent = "artifacts"
	IntentArtifactsAndExecute Intent = "artifacts_and_execute"
)

// ErrUnsafePath is returned for manifest paths that escape the workspace.
var ErrUnsafePath = errors.New("path escapes workspace")

const statusFile = "STATUS.md"

// maxCommandOutput bounds the output kept per command.
const maxCommandOutput = 8 << 10

// Artifact is a file written while executing a task.
type Artifact struct {
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
	SizeBytes int64     `json:"sizeBytes"`
}

// CommandResult records one manifest command.
type CommandResult struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exitCode"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
}

// TaskResult is what a runtime reports after executing a task.
type TaskResult struct {
	TaskID    string          `json:"taskId"`
	AgentID   string          `json:"agentId"`
	Intent    Intent          `json:"intent"`
	Workspace string          `json:"workspace,omitempty"`
	Artifacts []Artifact      `json:"artifacts,omitempty"`
	Answer    string          `json:"answer,omitempty"`
	Commands  []CommandResult `json:"commands,omitempty"`
	Degraded  bool            `json:"degraded,omitempty"`
	Error     string          `json:"error,omitempty"`
	// Clarifications lists questions the task raised before producing output.
	Clarifications []Clarification `json:"clarifications,omitempty"`
}

// Failed reports whether the task did not complete.
func (r *TaskResult) Failed() bool {
	return r.Error != ""
}

// Summary is a one-paragraph description used in reports and envelopes.
func (r *TaskResult) Summary() string {
	switch {
	case r.Failed():
		return "failed: " + r.Error
	case r.Intent == IntentAnswer:
		return r.Answer
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d artifact(s) in %s", len(r.Artifacts), r.Workspace)
	for _, a := range r.Artifacts {
		fmt.Fprintf(&b, "\n- %s", a.Path)
	}
	if r.Degraded {
		b.WriteString("\n(manifest could not be parsed; raw response saved to " + statusFile + ")")
	}
	return b.String()
}

type classification struct {
	Intent   Intent `json:"intent"`
	Reason   string `json:"reason"`
	Question string `json:"question"`
}

// ManifestFile is one file the provider asked to create.
type ManifestFile struct {
	Path         string  `json:"path"`
	Content      string  `json:"content"`
	DelaySeconds float64 `json:"delay_seconds,omitempty"`
}

// Manifest is the structured reply for artifact tasks.
type Manifest struct {
	Files    []ManifestFile `json:"files"`
	Commands []string       `json:"commands,omitempty"`
}

const classifyPrompt = `Classify the task below. Reply with JSON only:
{"intent": "answer" | "artifacts" | "artifacts_and_execute", "reason": "...", "question": ""}
Use "answer" when a written reply is enough, "artifacts" when files must be created,
and "artifacts_and_execute" when files must be created and then commands run.
Set "question" only when the task cannot be done well without information that
only the coordinator or the person who set the goal can give. Otherwise leave it empty.`

func manifestPrompt(t *store.Task, intent Intent) string {
	var b strings.Builder
	b.WriteString("Produce the files for this task.\n\n")
	fmt.Fprintf(&b, "Task: %s\n", t.Task)
	if t.Context != "" {
		fmt.Fprintf(&b, "Context:\n%s\n", t.Context)
	}
	b.WriteString(`
Reply with JSON only:
{"files": [{"path": "relative/path", "content": "...", "delay_seconds": 0}]`)
	if intent == IntentArtifactsAndExecute {
		b.WriteString(`, "commands": ["shell command run in the workspace"]`)
	}
	b.WriteString("}\nPaths are relative to the workspace. delay_seconds waits before writing that file.")
	return b.String()
}

func answerPrompt(t *store.Task) string {
	if t.Context == "" {
		return t.Task
	}
	return fmt.Sprintf("%s\n\nContext:\n%s", t.Task, t.Context)
}

// ExecuteTask runs one task to completion and reports the result. A returned
// error means the task could not run at all; task-level failures are in
// TaskResult.Error.
func (r *Runtime) ExecuteTask(ctx context.Context, t *store.Task) (*TaskResult, error) {
	if err := r.acquire(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	cur := *t
	r.currentTask = &cur
	r.mu.Unlock()

	logger := r.logger.With("task_id", t.ID)
	logger.Info("executing task")

	res := r.executeTask(ctx, t, logger)

	r.mu.Lock()
	r.currentTask = nil
	r.mu.Unlock()
	if res.Failed() {
		r.release(StatusError)
	} else {
		r.release(StatusIdle)
	}

	if r.reporter != nil {
		if err := r.reporter.ReportTaskResult(context.WithoutCancel(ctx), t, res); err != nil {
			logger.Warn("reporting task result", "error", err)
		}
	}
	logger.Info("task finished", "intent", res.Intent, "artifacts", len(res.Artifacts), "degraded", res.Degraded, "error", res.Error)
	return res, nil
}

func (r *Runtime) executeTask(ctx context.Context, t *store.Task, logger *slog.Logger) *TaskResult {
	res := &TaskResult{TaskID: t.ID, AgentID: r.id.AgentID}
	cls := r.classify(ctx, t, logger)
	res.Intent = cls.Intent

	if cls.Question != "" && r.asker != nil {
		clarified, c, err := r.clarify(ctx, t, cls.Question, logger)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		res.Clarifications = append(res.Clarifications, c)
		t = clarified
	}

	if res.Intent == IntentAnswer {
		answer, _, err := r.turn(ctx, answerPrompt(t), nil)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		res.Answer = answer
		return res
	}

	ws, err := r.workspaceFor(t)
	if err != nil {
		res.Error = fmt.Sprintf("preparing workspace: %v", err)
		return res
	}
	res.Workspace = ws

	raw, _, err := r.turn(ctx, manifestPrompt(t, res.Intent), nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	parsed := provider.ParseJSON[Manifest](raw)
	if !parsed.Ok() || len(parsed.Value.Files) == 0 {
		logger.Warn("manifest unusable, saving raw response", "error", parsed.Err)
		a, err := writeStatus(ws, t, raw, r.now)
		if err != nil {
			res.Error = fmt.Sprintf("writing %s: %v", statusFile, err)
			return res
		}
		res.Artifacts = []Artifact{a}
		res.Degraded = true
		return res
	}

	arts, err := r.Materialize(ctx, ws, parsed.Value)
	res.Artifacts = arts
	if err != nil {
		res.Error = err.Error()
		return res
	}

	if res.Intent == IntentArtifactsAndExecute {
		res.Commands = r.runCommands(ctx, ws, parsed.Value.Commands)
	}
	return res
}

// classify never fails: anything unclear is treated as a question.
func (r *Runtime) classify(ctx context.Context, t *store.Task, logger *slog.Logger) classification {
	out := provider.Ask[classification](ctx, r.provider, classifyPrompt, answerPrompt(t))
	if !out.Ok() {
		// A single field is enough when the rest is malformed.
		c := classification{
			Intent:   Intent(out.Lookup("intent").String()),
			Question: strings.TrimSpace(out.Lookup("question").String()),
		}
		if !validIntent(c.Intent) {
			logger.Warn("intent classification failed, answering directly", "error", out.Err)
			c.Intent = IntentAnswer
		}
		return c
	}
	c := out.Value
	c.Question = strings.TrimSpace(c.Question)
	if !validIntent(c.Intent) {
		c.Intent = IntentAnswer
	}
	return c
}

// clarify puts a question to the questioner while the runtime waits, and
// returns a copy of t whose context carries the answer.
func (r *Runtime) clarify(ctx context.Context, t *store.Task, question string, logger *slog.Logger) (*store.Task, Clarification, error) {
	if err := r.SetStatus(StatusWaiting); err != nil {
		logger.Warn("entering waiting", "error", err)
	}
	logger.Info("asking before continuing", "question", question)
	answer, err := r.asker.AskQuestion(ctx, t, question)
	if serr := r.SetStatus(StatusWorking); serr != nil {
		logger.Warn("resuming after question", "error", serr)
	}
	if err != nil {
		return nil, Clarification{}, fmt.Errorf("question not answered: %w", err)
	}

	c := Clarification{Question: question, Answer: answer}
	cp := *t
	cp.Context = strings.TrimSpace(fmt.Sprintf("%s\n\nQuestion: %s\nAnswer: %s", t.Context, question, answer))
	return &cp, c, nil
}

func validIntent(i Intent) bool {
	return i == IntentAnswer || i == IntentArtifacts || i == IntentArtifactsAndExecute
}

// Materialize writes manifest files under dir in order, honoring each
// entry's delay. It returns the artifacts written before any error.
func (r *Runtime) Materialize(ctx context.Context, dir string, m Manifest) ([]Artifact, error) {
	arts := make([]Artifact, 0, len(m.Files))
	for _, f := range m.Files {
		target, err := safeJoin(dir, f.Path)
		if err != nil {
			return arts, err
		}
		if f.DelaySeconds > 0 {
			timer := time.NewTimer(time.Duration(f.DelaySeconds * float64(time.Second)))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return arts, ctx.Err()
			}
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return arts, fmt.Errorf("creating directory for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(target, []byte(f.Content), 0644); err != nil {
			return arts, fmt.Errorf("writing %s: %w", f.Path, err)
		}
		arts = append(arts, Artifact{Path: filepath.ToSlash(filepath.Clean(f.Path)), CreatedAt: r.now(), SizeBytes: int64(len(f.Content))})
		r.logger.Debug("artifact written", "path", f.Path, "bytes", len(f.Content))
	}
	return arts, nil
}

// safeJoin resolves rel inside dir, rejecting absolute paths and traversal.
func safeJoin(dir, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrUnsafePath)
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	}
	return filepath.Join(dir, clean), nil
}

func writeStatus(dir string, t *store.Task, raw string, now func() time.Time) (Artifact, error) {
	body := fmt.Sprintf("# Task %s\n\n%s\n\nThe response could not be turned into files. Raw response:\n\n%s\n", t.ID, t.Task, raw)
	if err := os.WriteFile(filepath.Join(dir, statusFile), []byte(body), 0644); err != nil {
		return Artifact{}, err
	}
	return Artifact{Path: statusFile, CreatedAt: now(), SizeBytes: int64(len(body))}, nil
}

func (r *Runtime) runCommands(ctx context.Context, dir string, commands []string) []CommandResult {
	out := make([]CommandResult, 0, len(commands))
	for _, c := range commands {
		if !r.cfg.AllowExec {
			r.logger.Info("command execution disabled, skipping", "command", c)
			out = append(out, CommandResult{Command: c, Skipped: true})
			continue
		}
		out = append(out, r.runCommand(ctx, dir, c))
	}
	return out
}

func (r *Runtime) runCommand(ctx context.Context, dir, command string) CommandResult {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", command)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if len(output) > maxCommandOutput {
		output = output[len(output)-maxCommandOutput:]
	}

	res := CommandResult{Command: command, Output: string(output)}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		if cctx.Err() != nil {
			err = fmt.Errorf("timed out after %s: %w", r.cfg.CommandTimeout, err)
		}
		res.Error = err.Error()
		r.logger.Warn("command failed", "command", command, "exit_code", res.ExitCode, "error", err)
	}
	return res
}

// workspaceFor picks the directory a task writes into: the identity's hint,
// an existing workspace sharing keywords with the task, or a new one.
func (r *Runtime) workspaceFor(t *store.Task) (string, error) {
	root := r.cfg.WorkspaceRoot
	if hint := r.id.WorkspaceHint; hint != "" {
		dir := hint
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(root, dir)
		}
		return dir, os.MkdirAll(dir, 0755)
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return "", err
	}
	words := keywords(t.Task)
	if dir := matchWorkspace(root, words); dir != "" {
		r.logger.Debug("reusing workspace", "dir", dir)
		return dir, nil
	}

	dir := filepath.Join(root, slug(words)+"-"+uuid.New().String()[:8])
	return dir, os.Mkdir(dir, 0755)
}

// matchWorkspace returns the existing directory under root sharing the most
// keywords with the task: at least two, or the only one when the task has one.
func matchWorkspace(root string, words []string) string {
	if len(words) == 0 {
		return ""
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return ""
	}
	need := min(2, len(words))
	want := make(map[string]bool, len(words))
	for _, w := range words {
		want[w] = true
	}

	best, bestScore := "", 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		score := 0
		for _, part := range splitWords(e.Name()) {
			if want[part] {
				score++
			}
		}
		if score >= need && score > bestScore {
			best, bestScore = filepath.Join(root, e.Name()), score
		}
	}
	return best
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true, "this": true,
	"from": true, "into": true, "about": true, "create": true, "write": true, "make": true,
	"please": true, "file": true, "files": true, "some": true, "then": true, "each": true,
}

// keywords returns the distinct significant words of s, in order.
func keywords(s string) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range splitWords(s) {
		if len(w) < 3 || stopwords[w] || seen[w] {
			continue
		}
		if _, err := strconv.Atoi(w); err == nil {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

func splitWords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func slug(words []string) string {
	if len(words) > 4 {
		words = words[:4]
	}
	s := strings.Join(words, "-")
	if len(s) > 40 {
		s = strings.TrimRight(s[:40], "-")
	}
	if s == "" {
		return "task"
	}
	return s
}
