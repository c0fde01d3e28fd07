// Package agent runs one LLM-backed conversation per agent.
//
// # Runtime
//
// A Runtime owns the conversation history of a single agent and drives it
// through a provider:
//
//	rt, err := agent.New(id, prov, agent.ConfigFrom(cfg.Runtime), agent.WithReporter(rep))
//	reply, err := rt.SendMessage(ctx, "what changed?")
//
// Only one completion runs at a time; a second caller gets ErrBusy. The user
// and assistant turns are added to history together once the completion
// finishes, so a cancelled StreamMessage leaves history as it was.
//
// # Status
//
// The runtime moves between idle, working, waiting, error and completed as
// described by CanTransition. Pause is allowed from any non-terminal status
// and Resume returns to idle.
//
// # Condensation
//
// After each turn the runtime estimates its token usage from character
// counts. When usage crosses the threshold, or the turn count reaches the
// message ceiling, older turns are replaced by a structured summary. The
// prior history is kept in a small ring (Backups, Rollback). A failed
// condensation never changes history.
//
// # Tasks
//
// ExecuteTask classifies a task, then either answers it or writes the files
// of a JSON manifest into a workspace directory. Results go to the
// StatusReporter. Inbox adapts a runtime to transport deliveries.
//
// # Snapshots
//
// SaveSnapshot and Restore persist history to <history_dir>/<agent>.json.
// The directory is size-capped; the oldest snapshots of other agents are
// evicted first.
package agent
