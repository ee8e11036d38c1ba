// wfinterop claims evaluation queue submissions, runs them on GA4GH
// workflow execution services and records the outcome back on the queue.
package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"wfinterop/internal/config"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Logs go to stderr so command output on stdout stays machine readable.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(config.GetEnv("LOG_LEVEL", "info")),
	})))

	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func logLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}
