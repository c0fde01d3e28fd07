// ABOUTME: Context budget estimation and history condensation with a bounded backup ring
// ABOUTME: A failed condensation leaves history untouched and reports the reason

package agent

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/2389/coven-swarm/internal/provider"
)

const condenseSystemPrompt = `You compress conversations for an autonomous agent.
Reply with JSON only:
{"prior_discussion": "...", "work_in_progress": "...", "key_decisions": ["..."], "open_items": ["..."]}`

const condenseAck = "Understood. I have the summary of our earlier conversation and will continue from it."

// Backup is a pre-condensation copy of the history.
type Backup struct {
	TakenAt  time.Time          `json:"takenAt"`
	Messages []provider.Message `json:"messages"`
	Summary  string             `json:"summary,omitempty"`
}

// CondenseResult reports the outcome of a condensation attempt.
type CondenseResult struct {
	OK           bool   `json:"ok"`
	Reason       string `json:"reason,omitempty"`
	Trigger      string `json:"trigger,omitempty"`
	Before       int    `json:"before"`
	After        int    `json:"after"`
	TokensBefore int    `json:"tokensBefore"`
	TokensAfter  int    `json:"tokensAfter"`
}

// condenseSummary is the structured reply requested from the provider.
type condenseSummary struct {
	PriorDiscussion string   `json:"prior_discussion"`
	WorkInProgress  string   `json:"work_in_progress"`
	KeyDecisions    []string `json:"key_decisions"`
	OpenItems       []string `json:"open_items"`
}

func (s condenseSummary) render() string {
	var b strings.Builder
	section := func(title, body string) {
		if strings.TrimSpace(body) == "" {
			return
		}
		fmt.Fprintf(&b, "## %s\n%s\n\n", title, strings.TrimSpace(body))
	}
	list := func(items []string) string {
		var lb strings.Builder
		for _, it := range items {
			fmt.Fprintf(&lb, "- %s\n", it)
		}
		return lb.String()
	}
	section("Prior discussion", s.PriorDiscussion)
	section("Work in progress", s.WorkInProgress)
	section("Key decisions", list(s.KeyDecisions))
	section("Open items", list(s.OpenItems))
	return strings.TrimSpace(b.String())
}

// EstimateTokens approximates token usage as characters / charsPerToken.
// It can be far off for code or non-English text, which is why the
// message ceiling also triggers condensation.
func EstimateTokens(system string, history []provider.Message, charsPerToken int) int {
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	chars := utf8.RuneCountInString(system)
	for _, m := range history {
		chars += utf8.RuneCountInString(m.Content)
	}
	return chars / charsPerToken
}

// condenseTrigger returns why condensation is due, or "".
func (r *Runtime) condenseTrigger() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.history) >= r.cfg.MaxMessages {
		return "message_ceiling"
	}
	st := r.statsLocked()
	if st.Usage >= r.cfg.CondenseThreshold {
		return "token_budget"
	}
	return ""
}

// maybeCondense runs after each committed turn.
func (r *Runtime) maybeCondense(ctx context.Context) *CondenseResult {
	trigger := r.condenseTrigger()
	if trigger == "" {
		return nil
	}
	res := r.condense(ctx)
	res.Trigger = trigger
	return &res
}

// Condense summarizes older history now, regardless of budget.
func (r *Runtime) Condense(ctx context.Context) (CondenseResult, error) {
	if err := r.acquire(); err != nil {
		return CondenseResult{}, err
	}
	res := r.condense(ctx)
	res.Trigger = "manual"
	r.release(StatusIdle)
	return res, nil
}

// condense requires the completion slot.
func (r *Runtime) condense(ctx context.Context) CondenseResult {
	r.mu.Lock()
	original := append([]provider.Message(nil), r.history...)
	tokensBefore := EstimateTokens(r.cfg.SystemPrompt, original, r.cfg.CharsPerToken)
	r.mu.Unlock()

	res := CondenseResult{Before: len(original), After: len(original), TokensBefore: tokensBefore, TokensAfter: tokensBefore}

	keep := r.cfg.KeepRecent
	head := 0
	if r.cfg.KeepFirst {
		head = 1
	}
	if len(original) <= keep+head {
		res.Reason = "history too short to condense"
		return r.condenseFailed(res)
	}
	older := original[head : len(original)-keep]
	recent := original[len(original)-keep:]

	r.pushBackup(original)

	summary := provider.Complete[condenseSummary](ctx, r.provider, condenseSystemPrompt, []provider.Message{
		{Role: provider.RoleUser, Content: transcript(older)},
	})
	var text string
	switch {
	case summary.Ok():
		text = summary.Value.render()
	case isParseErr(summary):
		// Free-form text is still a usable summary.
		text = strings.TrimSpace(summary.Raw)
	}
	if text == "" {
		res.Reason = "summary request failed"
		if summary.Err != nil {
			res.Reason = fmt.Sprintf("summary request failed: %v", summary.Err)
		}
		return r.condenseFailed(res)
	}

	next := make([]provider.Message, 0, keep+head+2)
	if head == 1 {
		next = append(next, original[0])
	}
	next = append(next,
		provider.Message{Role: provider.RoleUser, Content: "Summary of the conversation so far:\n\n" + text},
		provider.Message{Role: provider.RoleAssistant, Content: condenseAck},
	)
	next = append(next, recent...)

	r.mu.Lock()
	// Turns committed while summarizing would be lost by the swap.
	if len(r.history) != len(original) {
		r.mu.Unlock()
		res.Reason = "history changed during condensation"
		return r.condenseFailed(res)
	}
	r.history = next
	r.summary = text
	r.condensations++
	r.lastCondensed = r.now()
	res.After = len(next)
	res.TokensAfter = EstimateTokens(r.cfg.SystemPrompt, next, r.cfg.CharsPerToken)
	r.mu.Unlock()

	res.OK = true
	r.logger.Info("history condensed",
		"before", res.Before, "after", res.After,
		"tokens_before", res.TokensBefore, "tokens_after", res.TokensAfter)
	r.emit(Event{Type: EventCondensed, Condense: &res})
	return res
}

func isParseErr(res provider.Result[condenseSummary]) bool {
	_, ok := res.ParseErr()
	return ok
}

func (r *Runtime) condenseFailed(res CondenseResult) CondenseResult {
	res.OK = false
	r.logger.Warn("condensation failed, history preserved", "reason", res.Reason)
	r.emit(Event{Type: EventCondenseFailed, Condense: &res})
	return res
}

func transcript(msgs []provider.Message) string {
	var b strings.Builder
	b.WriteString("Summarize this conversation between a user and an assistant.\n\n")
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s]\n%s\n\n", m.Role, m.Content)
	}
	return b.String()
}

func (r *Runtime) pushBackup(msgs []provider.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backups = append(r.backups, Backup{TakenAt: r.now(), Messages: msgs, Summary: r.summary})
	if over := len(r.backups) - r.cfg.Backups; over > 0 {
		r.backups = append([]Backup(nil), r.backups[over:]...)
	}
}

// Backups returns the backup ring, oldest first.
func (r *Runtime) Backups() []Backup {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Backup, len(r.backups))
	for i, b := range r.backups {
		b.Messages = append([]provider.Message(nil), b.Messages...)
		out[i] = b
	}
	return out
}

// Rollback replaces history with backup i (as indexed by Backups).
func (r *Runtime) Rollback(i int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy {
		return ErrBusy
	}
	if i < 0 || i >= len(r.backups) {
		return fmt.Errorf("backup %d out of range (have %d)", i, len(r.backups))
	}
	b := r.backups[i]
	r.history = append([]provider.Message(nil), b.Messages...)
	r.summary = b.Summary
	r.logger.Info("history rolled back", "backup", i, "messages", len(r.history))
	return nil
}
