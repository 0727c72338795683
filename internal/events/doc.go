// Package events carries lifecycle notifications from the worker to the
// components that react to them, such as the recurrence scheduler.
//
// Subscribers run synchronously on the emitting goroutine, in subscription
// order. A failing or panicking subscriber never stops delivery to the
// others.
package events
