// Command flowengine is the entry point for the workflow engine's
// worker, HTTP API, and operator subcommands, grounded on the
// teacher's cobra root command plus signal-aware context pattern
// (cmd/bd/main.go's rootCmd and signal.NotifyContext usage).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flowengine/flowengine/internal/logging"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "flowengine",
	Short: "flowengine - a durable Postgres-backed workflow run queue",
}

func main() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.AddCommand(workerCmd, migrateCmd, serveCmd, enqueueCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return logging.New(level)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
