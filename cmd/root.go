// Package cmd implements the acquire CLI: source management, discovery,
// acquisition, and the long-running API server, all built on top of
// internal/server's dependency-injected App.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pubrecords/acquire/internal/config"
	"github.com/pubrecords/acquire/internal/server"
)

var cfgFile string

type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory, a variable so tests can substitute a
// lighter build.
var newApp = func(ctx context.Context) (*server.App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return server.Build(ctx, &cfg)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "acquire",
		Short: "A document-acquisition crawler for public records sources.",
		Long: `acquire discovers, fetches, and versions documents published by
public-records sources: it turns a source's discovery configuration into a
bounded queue of candidate URLs, claims and fetches them with conditional
revalidation, and stores every distinct content version it observes.`,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(*server.App); ok && appInstance != nil {
				if err := appInstance.Close(cmd.Context()); err != nil {
					appInstance.Logger().Warn("app close failed", zap.Error(err))
				}
			}
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newSourceCmd())
	root.AddCommand(newDiscoverCmd())
	root.AddCommand(newScrapeCmd())
	root.AddCommand(newRefreshCmd())
	root.AddCommand(newAnalyzeCmd())
	root.AddCommand(newAnnotateCmd())
	root.AddCommand(newDetectDatesCmd())
	root.AddCommand(newExtractEntitiesCmd())
	root.AddCommand(newStatusCmd())

	return root
}

// Execute is the CLI's entry point.
func Execute() error {
	return newRootCmd().Execute()
}

func resolveApp(ctx context.Context) (*server.App, error) {
	appInstance, ok := ctx.Value(appKey).(*server.App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application not initialized")
	}
	return appInstance, nil
}
