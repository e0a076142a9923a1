package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/mozilla/treeherder/internal/logparse"
)

// Exit codes of parse-log.
const (
	exitParseError   = 2
	exitNetworkError = 3
)

// artifactLine is one NDJSON record of parse-log output.
type artifactLine struct {
	Name string `json:"name"`
	Blob any    `json:"blob"`
}

func newParseLogCmd(logger *slog.Logger) *cobra.Command {
	var timeout time.Duration
	var cutoff int

	cmd := &cobra.Command{
		Use:   "parse-log <url>",
		Short: "Parse one log and print its artifacts as NDJSON",
		Long: `Fetches and parses a log without touching the database. Prints one
JSON object per artifact: job details, the step summary, the failure lines
and each performance data block.

Exit status is 2 when the log cannot be parsed and 3 when it cannot be
fetched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parser, err := logparse.NewParser(logger, logparse.Options{})
			if err != nil {
				return err
			}
			art, err := parser.ParseURL(cmd.Context(), logparse.NewFetcher(timeout), args[0])
			if err != nil {
				var fe *logparse.FetchError
				if errors.As(err, &fe) {
					return &exitError{code: exitNetworkError, err: err}
				}
				return &exitError{code: exitParseError, err: err}
			}

			parsed := art.ParsedLog(cutoff)
			lines := []artifactLine{
				{Name: "job_details", Blob: art.JobDetails},
				{Name: "text_log_summary", Blob: art.StepData},
				{Name: "failure_lines", Blob: parsed.FailureLines},
			}
			for _, pd := range art.PerformanceData {
				lines = append(lines, artifactLine{Name: "performance_data", Blob: pd})
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, l := range lines {
				if err := enc.Encode(l); err != nil {
					return fmt.Errorf("write %s: %w", l.Name, err)
				}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.DurationVar(&timeout, "timeout", 60*time.Second, "Fetch timeout")
	f.IntVar(&cutoff, "failure-lines-cutoff", 35, "Maximum failure lines kept before truncation")
	return cmd
}
