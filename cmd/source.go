package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pubrecords/acquire/internal/crawler"
)

func newSourceCmd() *cobra.Command {
	source := &cobra.Command{
		Use:   "source",
		Short: "Manage configured document sources",
	}
	source.AddCommand(newSourceAddCmd())
	source.AddCommand(newSourceListCmd())
	return source
}

func newSourceAddCmd() *cobra.Command {
	var baseURL, configPath string
	cmd := &cobra.Command{
		Use:   "add <id> <name>",
		Short: "Register or update a source",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if app.Repo() == nil {
				return fmt.Errorf("no repository configured")
			}
			var configJSON string
			if configPath != "" {
				raw, err := os.ReadFile(configPath)
				if err != nil {
					return fmt.Errorf("read config file: %w", err)
				}
				configJSON = string(raw)
			}
			_, err = app.Repo().EnsureSource(cmd.Context(), crawler.Source{
				ID:         args[0],
				Name:       args[1],
				BaseURL:    baseURL,
				ConfigJSON: configJSON,
				Enabled:    true,
			})
			if err != nil {
				return fmt.Errorf("add source: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "source %q registered\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "", "base URL for the source")
	cmd.Flags().StringVar(&configPath, "config", "", "path to a JSON file listing discovery strategies")
	return cmd
}

func newSourceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if app.Repo() == nil {
				return fmt.Errorf("no repository configured")
			}
			sources, err := app.Repo().ListSources(cmd.Context())
			if err != nil {
				return fmt.Errorf("list sources: %w", err)
			}
			for _, src := range sources {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\tenabled=%v\n", src.ID, src.Name, src.BaseURL, src.Enabled)
			}
			return nil
		},
	}
}
