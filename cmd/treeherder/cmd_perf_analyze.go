package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
)

func newPerfAnalyzeCmd(logger *slog.Logger) *cobra.Command {
	var since, repo string

	cmd := &cobra.Command{
		Use:   "perf-analyze <signature-hash>",
		Short: "Run change detection over a performance series",
		Long: `Analyzes every series with the given signature hash, writes the
resulting alerts and summaries and prints each alert as one JSON line.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseSince(since)
			if err != nil {
				return err
			}
			app, err := openApp(logger)
			if err != nil {
				return err
			}
			defer func() { _ = app.Shutdown(context.Background()) }()

			generated, err := app.AnalyzePerf(cmd.Context(), args[0], repo, from)
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, g := range generated {
				if werr := enc.Encode(g); werr != nil {
					return fmt.Errorf("write alert: %w", werr)
				}
			}
			if err != nil {
				return fmt.Errorf("perf-analyze %s: %w", args[0], err)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&since, "since", "", "Only analyze data pushed at or after this date (YYYY-MM-DD or RFC 3339)")
	f.StringVar(&repo, "repo", "", "Restrict to one repository")
	return cmd
}

// parseSince accepts a date or an RFC 3339 timestamp. Empty yields the
// zero time.
func parseSince(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--since %q: want YYYY-MM-DD or RFC 3339", s)
	}
	return t, nil
}
