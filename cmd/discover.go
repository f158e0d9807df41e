package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pubrecords/acquire/internal/discovery"
)

// sourceStrategies is the shape a Source's config_json takes: a list of
// discovery strategies to run concurrently for that source.
type sourceStrategies struct {
	Strategies []discovery.SourceConfig `json:"strategies"`
}

func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover <source-id>",
		Short: "Run a source's configured discovery strategies and enqueue candidates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if app.Repo() == nil || app.Discovery() == nil {
				return fmt.Errorf("discovery is not wired (repository or probe fetcher unavailable)")
			}
			sourceID := args[0]
			src, ok, err := app.Repo().GetSource(cmd.Context(), sourceID)
			if err != nil {
				return fmt.Errorf("look up source: %w", err)
			}
			if !ok {
				return fmt.Errorf("source %q not found", sourceID)
			}

			var cfg sourceStrategies
			if src.ConfigJSON != "" {
				if err := json.Unmarshal([]byte(src.ConfigJSON), &cfg); err != nil {
					return fmt.Errorf("parse source config: %w", err)
				}
			}
			if len(cfg.Strategies) == 0 {
				return fmt.Errorf("source %q has no discovery strategies configured", sourceID)
			}

			n, err := app.Discovery().Run(cmd.Context(), sourceID, cfg.Strategies)
			if err != nil {
				return fmt.Errorf("discover: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d candidate URLs for source %q\n", n, sourceID)
			return nil
		},
	}
}
