// ABOUTME: Final purpose report: a markdown summary with every task's outcome, rendered to HTML too
// ABOUTME: The summary is written even when tasks failed; failures are listed, not hidden

package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/coven-swarm/internal/notify"
	"github.com/2389/coven-swarm/internal/provider"
	"github.com/2389/coven-swarm/internal/store"
)

const (
	summaryFile     = "SUMMARY.md"
	summaryHTMLFile = "SUMMARY.html"
)

type summaryReply struct {
	Overview  string   `json:"overview"`
	Outcomes  []string `json:"outcomes"`
	Issues    []string `json:"issues"`
	NextSteps []string `json:"next_steps"`
}

var summaryPage = template.Must(template.New("summary").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 56rem; margin: 2rem auto; padding: 0 1rem; line-height: 1.5; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #ccc; padding: 0.3rem 0.6rem; text-align: left; vertical-align: top; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// finish writes the purpose summary and marks the purpose complete.
func (c *Coordinator) finish(ctx context.Context, run *purposeRun) (*Report, error) {
	run.mu.Lock()
	tasks := make([]*store.Task, len(run.tasks))
	for i, t := range run.tasks {
		cp := *t
		tasks[i] = &cp
	}
	run.mu.Unlock()
	p := run.purpose

	reply := c.summarize(ctx, p, tasks)
	md := renderSummary(p, reply, tasks)

	mdPath := filepath.Join(run.dir, summaryFile)
	if err := os.WriteFile(mdPath, []byte(md), 0644); err != nil {
		return nil, fmt.Errorf("writing summary: %w", err)
	}
	htmlPath := filepath.Join(run.dir, summaryHTMLFile)
	page, err := renderHTML(p.Description, md)
	if err != nil {
		c.logger.Error("rendering summary html", "purpose_id", p.ID, "error", err)
		htmlPath = ""
	} else if err := os.WriteFile(htmlPath, page, 0644); err != nil {
		return nil, fmt.Errorf("writing summary html: %w", err)
	}

	now := time.Now().UTC()
	p.Status = store.PurposeComplete
	p.Summary = reply.Overview
	p.CompletedAt = &now
	if err := c.store.SavePurpose(context.WithoutCancel(ctx), p); err != nil {
		return nil, err
	}

	failed := 0
	for _, t := range tasks {
		if t.Status == store.TaskFailed {
			failed++
		}
	}
	c.logger.Info("purpose complete", "purpose_id", p.ID, "tasks", len(tasks), "failed", failed, "summary", mdPath)
	c.sink.Notify(notify.Notification{
		Type:    notify.TypeStatus,
		AgentID: c.cfg.CoordinatorID,
		Summary: fmt.Sprintf("purpose complete: %d tasks, %d failed", len(tasks), failed),
		Data:    map[string]any{"purposeId": p.ID, "summaryPath": mdPath},
		Time:    now,
	})

	return &Report{
		Purpose:     p,
		Tasks:       tasks,
		SummaryPath: mdPath,
		HTMLPath:    htmlPath,
	}, nil
}

// summarize asks for a structured summary, falling back to prose and then
// to a plain statement of the error.
func (c *Coordinator) summarize(ctx context.Context, p *store.Purpose, tasks []*store.Task) summaryReply {
	res := provider.Ask[summaryReply](ctx, c.provider, summaryPrompt, summaryRequest(p, tasks))
	if res.Ok() {
		return res.Value
	}
	if _, ok := res.ParseErr(); ok && strings.TrimSpace(res.Raw) != "" {
		return summaryReply{Overview: strings.TrimSpace(res.Raw)}
	}
	c.logger.Warn("summary unavailable", "purpose_id", p.ID, "error", res.Err)
	return summaryReply{Overview: fmt.Sprintf("No summary could be generated: %v", res.Err)}
}

func renderSummary(p *store.Purpose, r summaryReply, tasks []*store.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", oneLine(p.Description))
	fmt.Fprintf(&b, "%s\n", r.Overview)

	list := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n## %s\n\n", title)
		for _, it := range items {
			fmt.Fprintf(&b, "- %s\n", it)
		}
	}
	list("Outcomes", r.Outcomes)
	list("Issues", r.Issues)
	list("Next steps", r.NextSteps)

	b.WriteString("\n## Tasks\n\n| Task | Worker | Status | Result |\n| --- | --- | --- | --- |\n")
	for _, t := range tasks {
		outcome := t.Result
		if t.Status == store.TaskFailed {
			outcome = t.Error
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", cell(t.ID), cell(t.WorkerID), t.Status, cell(outcome))
	}
	return b.String()
}

func renderHTML(title, md string) ([]byte, error) {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(md), &body); err != nil {
		return nil, fmt.Errorf("converting markdown: %w", err)
	}
	var page bytes.Buffer
	err := summaryPage.Execute(&page, struct {
		Title string
		Body  template.HTML
	}{Title: oneLine(title), Body: template.HTML(body.String())})
	if err != nil {
		return nil, err
	}
	return page.Bytes(), nil
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > 80 {
		s = string(r[:77]) + "..."
	}
	return s
}

// cell escapes text for a markdown table cell.
func cell(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.ReplaceAll(s, "|", `\|`)
}
