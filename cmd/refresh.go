package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <source-id>",
		Short: "Re-queue a source's stale documents for conditional re-fetch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if app.Engine() == nil {
				return fmt.Errorf("crawl engine is not wired (repository or probe fetcher unavailable)")
			}
			n, err := app.Engine().Refresh(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("refresh: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "re-queued %d stale documents for source %q\n", n, args[0])
			return nil
		},
	}
}
