package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAnalyzeCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Explode pending document versions into pages and run configured OCR backends over them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if app.Analysis() == nil {
				return fmt.Errorf("analysis pipeline is not wired (repository or backends unavailable)")
			}
			repo := app.Repo()

			exploded := 0
			versions, err := repo.ListLatestVersionsNeedingPages(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list versions needing pages: %w", err)
			}
			for _, v := range versions {
				n, err := app.Analysis().ExplodeVersion(cmd.Context(), v)
				if err != nil {
					return fmt.Errorf("explode version %s: %w", v.ID, err)
				}
				exploded += n
			}

			processed := 0
			for {
				n, err := app.Analysis().RunBatch(cmd.Context(), limit)
				if err != nil {
					return fmt.Errorf("analysis batch: %w", err)
				}
				processed += n
				if n == 0 {
					break
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exploded %d pages, processed %d analysis claims\n", exploded, processed)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows claimed per batch")
	return cmd
}
