// ABOUTME: Prompts for team analysis, task planning, question triage and the final summary
// ABOUTME: Every structured request states the exact JSON shape expected back

package orchestrator

import (
	"fmt"
	"strings"

	"github.com/2389/coven-swarm/internal/store"
)

const coordinatorPrompt = `You coordinate a team of autonomous agents working toward a purpose.
Answer worker questions directly and concisely so they can keep working.`

const analyzePrompt = `You form teams of specialist agents.
Given a purpose, decide which kinds of workers are needed and how many of each.
Reply with JSON only:
{"workers": [{"workerType": "researcher", "count": 1, "reason": "..."}]}
Keep the team small. Use at most 5 of any one type.`

const planPrompt = `You break a purpose into tasks for a team.
Each task goes to exactly one worker by id. A task may depend on other tasks by id;
it starts only after all of them have completed. Do not create dependency cycles.
Reply with JSON only:
{"tasks": [{"id": "t1", "worker": "<worker id>", "task": "...", "context": "...", "dependencies": []}]}`

const triagePrompt = `A worker on your team asked a question.
Classify it as "tactical" when you can answer it yourself without changing the purpose,
scope, budget or deliverables, otherwise "strategic" so a human decides.
Reply with JSON only:
{"classification": "tactical" | "strategic", "reason": "..."}`

const summaryPrompt = `You write the final report for a completed purpose.
Reply with JSON only:
{"overview": "...", "outcomes": ["..."], "issues": ["..."], "next_steps": ["..."]}`

func purposeText(p *store.Purpose) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Purpose: %s\n", p.Description)
	if len(p.Constraints) > 0 {
		b.WriteString("\nConstraints:\n")
		for _, c := range p.Constraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if len(p.SuccessCriteria) > 0 {
		b.WriteString("\nSuccess criteria:\n")
		for _, c := range p.SuccessCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	return b.String()
}

func workerPrompt(workerType string, p *store.Purpose) string {
	return fmt.Sprintf("You are a %s on a team of agents.\n\n%s\nDo your assigned task well and report plainly.",
		workerType, purposeText(p))
}

func planRequest(p *store.Purpose, workers []Worker) string {
	var b strings.Builder
	b.WriteString(purposeText(p))
	b.WriteString("\nWorkers:\n")
	for _, w := range workers {
		fmt.Fprintf(&b, "- %s (%s)\n", w.ID, w.Type)
	}
	return b.String()
}

func questionText(workerID string, t *store.Task, question string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Worker %s asks:\n%s\n", workerID, question)
	if t != nil {
		fmt.Fprintf(&b, "\nThey are working on task %s: %s\n", t.ID, t.Task)
	}
	return b.String()
}

func summaryRequest(p *store.Purpose, tasks []*store.Task) string {
	var b strings.Builder
	b.WriteString(purposeText(p))
	b.WriteString("\nTask outcomes:\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "\n## %s (%s, %s)\n%s\n", t.ID, t.WorkerID, t.Status, t.Task)
		if t.Result != "" {
			fmt.Fprintf(&b, "Result: %s\n", t.Result)
		}
		if t.Error != "" {
			fmt.Fprintf(&b, "Error: %s\n", t.Error)
		}
	}
	return b.String()
}
