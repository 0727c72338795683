// Package harvest implements the per-task fan-out: one provider call per
// filter variant, paced by the job's call delay, merged into a single
// result set deduplicated by natural key.
//
// Deduplication is global per product: the merger is seeded with every key
// already stored for the (marketplace, work unit) pair, so re-scrapes never
// reintroduce stored reviews. A task fails only when every variant failed.
package harvest
