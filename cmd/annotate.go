package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pubrecords/acquire/internal/annotator"
	"github.com/pubrecords/acquire/internal/server"
)

// runAnnotationBatches drains annotationType's claimable work through the
// wired Annotator, looping until a batch claims zero documents.
func runAnnotationBatches(ctx context.Context, app *server.App, annotationType string, limit int) (int, error) {
	if app.Annotator() == nil {
		return 0, fmt.Errorf("annotator is not wired (repository unavailable or llm block disabled)")
	}
	total := 0
	for {
		n, err := app.Annotator().RunBatch(ctx, annotationType, limit)
		if err != nil {
			return total, fmt.Errorf("annotation batch: %w", err)
		}
		total += n
		if n == 0 {
			break
		}
	}
	return total, nil
}

func newAnnotateCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "annotate",
		Short: "Generate synopses and topical tags for documents with extracted text",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			synopses, err := runAnnotationBatches(cmd.Context(), app, annotator.Synopsis, limit)
			if err != nil {
				return err
			}
			tags, err := runAnnotationBatches(cmd.Context(), app, annotator.Tags, limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "generated %d synopses, %d tag sets\n", synopses, tags)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 25, "maximum documents claimed per batch")
	return cmd
}

func newDetectDatesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "detect-dates",
		Short: "Estimate publication dates for documents with extracted text",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := runAnnotationBatches(cmd.Context(), app, annotator.DateDetect, limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "detected dates for %d documents\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 25, "maximum documents claimed per batch")
	return cmd
}

func newExtractEntitiesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "extract-entities",
		Short: "Extract people, organizations, locations, and file numbers from documents with extracted text",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := runAnnotationBatches(cmd.Context(), app, annotator.NER, limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "extracted entities for %d documents\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 25, "maximum documents claimed per batch")
	return cmd
}
