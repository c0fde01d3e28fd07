// Package orchestrator turns a purpose into a team of agents and runs it.
//
// A Coordinator asks the provider which workers a purpose needs, creates
// an identity for each, asks for a task plan and validates it with
// BuildTasks. A plan containing a dependency cycle fails the purpose before
// any task is persisted or dispatched.
//
// Tasks run in waves. Every pending task whose dependencies have completed
// is dispatched at once (bounded by MaxParallel), and the next wave starts
// only after the whole current wave has finished. Tasks behind a failed
// dependency fail without running.
//
// Workers run in process through LocalDelegate, or in other processes
// through RemoteDelegate, which sends signed task envelopes and matches the
// task_result replies the Coordinator receives as a transport.Handler.
//
// Worker questions are triaged. Tactical ones are answered by the
// coordinator's own conversation; strategic ones become escalations that
// hold the asking task open until Respond records a human answer.
//
// When every task is terminal the coordinator writes SUMMARY.md and
// SUMMARY.html into the purpose directory.
package orchestrator
