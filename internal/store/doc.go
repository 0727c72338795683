// Package store defines the persistence contracts of the harvest engine:
// the job ledger, the task ledger, the result store, the monitored entity
// schedule and the harvest history. The PostgreSQL implementations live in
// internal/platform/postgres; tests use in-memory fakes.
//
// The task ledger is the single source of truth for progress. Job counters
// are derived from it and are written only through JobStore.UpdateCounters.
package store
