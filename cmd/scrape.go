package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newScrapeCmd() *cobra.Command {
	var claimedBy string
	cmd := &cobra.Command{
		Use:   "scrape <source-id>",
		Short: "Claim and fetch queued URLs for a source until the queue is drained",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if app.Engine() == nil {
				return fmt.Errorf("crawl engine is not wired (repository or probe fetcher unavailable)")
			}
			sourceID := args[0]
			total := 0
			for {
				n, err := app.Engine().RunBatch(cmd.Context(), sourceID, claimedBy)
				if err != nil {
					return fmt.Errorf("scrape batch: %w", err)
				}
				total += n
				if n == 0 {
					break
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "processed %d URLs for source %q\n", total, sourceID)
			return nil
		},
	}
	hostname, _ := os.Hostname()
	cmd.Flags().StringVar(&claimedBy, "claimed-by", hostname, "worker identity recorded on claimed rows")
	return cmd
}
