// treeherder runs the ingestion service and its one-shot maintenance
// commands.
//
// Usage:
//
//	treeherder serve
//	treeherder parse-log <url>
//	treeherder classify <job-guid>
//	treeherder perf-analyze <signature-hash> [--since <date>] [--repo <name>]
//	treeherder merge-duplicates
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mozilla/treeherder"
)

// version is set at build time via -ldflags.
var version = "dev"

// exitError carries a specific process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// newLogger writes JSON logs to w; stdout is reserved for command output.
func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("TH_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:   "treeherder",
		Short: "CI result ingestion, failure classification and performance alerting",
		Long: "Treeherder ingests CI job results, parses their logs, classifies\n" +
			"failures against known intermittents and detects performance changes.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}
	root.AddCommand(
		newServeCmd(logger),
		newParseLogCmd(logger),
		newClassifyCmd(logger),
		newPerfAnalyzeCmd(logger),
		newMergeDuplicatesCmd(logger),
	)
	return root
}

// openApp builds an App from the environment.
func openApp(logger *slog.Logger) (*treeherder.App, error) {
	return treeherder.New(
		treeherder.WithLogger(logger),
		treeherder.WithVersion(version),
	)
}

func main() {
	os.Exit(run())
}

func run() int {
	logger := newLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := newRootCmd(logger).ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	return exitCode(err)
}
