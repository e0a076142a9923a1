package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func newClassifyCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "classify <job-guid>",
		Short: "Match and autoclassify the failure lines of one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(logger)
			if err != nil {
				return err
			}
			defer func() { _ = app.Shutdown(context.Background()) }()

			out, err := app.Classify(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("classify %s: %w", args[0], err)
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"job_guid":   args[0],
				"status":     out.Status,
				"lines":      out.Lines,
				"classified": out.Classified,
				"updated":    out.Updated,
			})
		},
	}
}
