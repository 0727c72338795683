// Package worker runs the background tick loop that advances harvest jobs.
//
// Exactly one worker runs per database, guarded by an instance lock. Each
// tick repairs derived state first (job counters, wedged tasks), then works
// through the pending tasks of a single job, one task and one provider call
// at a time, and finally enqueues monitored products whose next
// observation is due.
//
// Writes for a task always happen in the same order: results, then the
// task's terminal status, then history and the TaskFinished event. Job
// counters are never written here; the reconciler derives them from the
// task rows, so a crash at any point leaves state the next tick repairs.
package worker
