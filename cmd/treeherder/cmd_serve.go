package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func newServeCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume job events and run the periodic sweeps",
		Long: `Consumes job messages from TH_PULSE_QUEUE (or TH_NOTIFY_JOB_CHANNEL), runs the performance
and SETA sweeps and mirrors classifications into Qdrant when QDRANT_URL is
set. Exits non-zero when the consumer loses its connection so a supervisor
can restart it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := openApp(logger)
			if err != nil {
				return err
			}
			if err := app.Run(cmd.Context()); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
}
