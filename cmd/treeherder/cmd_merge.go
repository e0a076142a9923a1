package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func newMergeDuplicatesCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "merge-duplicates",
		Short: "Fold classified failures that share a bug number",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := openApp(logger)
			if err != nil {
				return err
			}
			defer func() { _ = app.Shutdown(context.Background()) }()

			n, err := app.MergeDuplicates(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "merged %d classified failures\n", n)
			return nil
		},
	}
}
