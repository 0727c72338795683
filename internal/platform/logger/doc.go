// Package logger provides structured logging functionality for the application.
//
// It utilizes Go's standard library log/slog package to implement structured JSON logging
// with configurable log levels, an optional file copy of every record, and a
// context-carried logger for request- and tick-scoped attributes.
package logger
