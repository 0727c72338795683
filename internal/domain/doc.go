// Package domain contains the core entities of the harvest engine: jobs,
// tasks, harvested reviews and monitored entities, together with the job
// and task state machines and the recurrence policy arithmetic.
//
// Nothing in this package performs I/O. Time is always passed in by the
// caller so that state transitions and due-time computations stay
// deterministic under test.
package domain
