package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report which subsystems this build has wired up",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "repository:  %v\n", app.Repo() != nil)
			fmt.Fprintf(out, "crawl engine: %v\n", app.Engine() != nil)
			fmt.Fprintf(out, "discovery:   %v\n", app.Discovery() != nil)
			fmt.Fprintf(out, "analysis:    %v\n", app.Analysis() != nil)
			fmt.Fprintf(out, "annotator:   %v\n", app.Annotator() != nil)
			if app.Repo() == nil {
				return nil
			}
			sources, err := app.Repo().ListSources(cmd.Context())
			if err != nil {
				return fmt.Errorf("list sources: %w", err)
			}
			fmt.Fprintf(out, "sources:     %d\n", len(sources))
			return nil
		},
	}
}
