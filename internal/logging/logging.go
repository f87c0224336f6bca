// Package logging provides the structured logger shared by the service
// packages. It uses the Temporal SDK logger interface so the same key/value
// logger flows through workflows, activities and plain Go code.
package logging

import (
	"io"
	"log/slog"
	"os"

	"go.temporal.io/sdk/log"
)

// New returns a structured logger writing text records to stderr.
func New(debug bool) log.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return log.NewStructuredLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// Nop returns a logger that drops everything.
func Nop() log.Logger {
	return log.NewStructuredLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l log.Logger) log.Logger {
	if l == nil {
		return Nop()
	}
	return l
}
