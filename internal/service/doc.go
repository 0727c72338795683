// Package service contains the use cases exposed to the outside world: the
// job lifecycle (create, inspect, cancel, retry failed, delete), the
// previous-harvest check, and opting products in and out of recurring
// monitoring.
//
// Every operation is a short synchronous read or write against the ledgers
// defined in internal/store. None of them calls the review provider; all
// provider traffic happens on the worker loop. Status transitions issued
// here use the same compare-and-set primitives the worker uses, so a user
// action racing the worker either wins cleanly or reports a conflict.
//
// Errors follow the usual layering: expected conditions come back as the
// sentinels in errors.go or as domain errors (validation, not retryable,
// not cancellable); everything else is wrapped in a JobServiceError or
// EntityServiceError that the API layer maps to a 500.
package service
