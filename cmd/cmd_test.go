package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pubrecords/acquire/internal/config"
	"github.com/pubrecords/acquire/internal/server"
)

// testConfig builds a Config backed by an on-disk sqlite file under t's temp
// dir, so state persists across the separate App each runCLI call builds
// (each cobra invocation runs PersistentPostRun, which closes that App's
// repository; an in-memory DSN would lose its data at that point).
func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Repository.SqliteDSN = filepath.Join(t.TempDir(), "state.db")
	return cfg
}

func runCLI(t *testing.T, cfg config.Config, args ...string) (string, error) {
	t.Helper()
	prior := newApp
	newApp = func(ctx context.Context) (*server.App, error) { return server.Build(ctx, &cfg) }
	t.Cleanup(func() { newApp = prior })

	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestStatusReportsWiredSubsystems(t *testing.T) {
	cfg := testConfig(t)
	out, err := runCLI(t, cfg, "status")
	require.NoError(t, err)
	require.Contains(t, out, "repository:  true")
	require.Contains(t, out, "crawl engine: true")
}

func TestSourceAddThenList(t *testing.T) {
	cfg := testConfig(t)
	_, err := runCLI(t, cfg, "source", "add", "src-1", "Example Gov", "--base-url", "https://example.gov")
	require.NoError(t, err)

	out, err := runCLI(t, cfg, "source", "list")
	require.NoError(t, err)
	require.Contains(t, out, "src-1")
	require.Contains(t, out, "Example Gov")
}

func TestDiscoverRequiresConfiguredStrategies(t *testing.T) {
	cfg := testConfig(t)
	_, err := runCLI(t, cfg, "source", "add", "src-1", "Example Gov")
	require.NoError(t, err)

	_, err = runCLI(t, cfg, "discover", "src-1")
	require.Error(t, err)
}

func TestScrapeDrainsEmptyQueueWithoutError(t *testing.T) {
	cfg := testConfig(t)
	_, err := runCLI(t, cfg, "source", "add", "src-1", "Example Gov")
	require.NoError(t, err)

	out, err := runCLI(t, cfg, "scrape", "src-1")
	require.NoError(t, err)
	require.Contains(t, out, "processed 0 URLs")
}

func TestAnalyzeDrainsEmptyQueueWithoutError(t *testing.T) {
	cfg := testConfig(t)
	out, err := runCLI(t, cfg, "analyze")
	require.NoError(t, err)
	require.Contains(t, out, "exploded 0 pages, processed 0 analysis claims")
}

func TestAnnotateFailsWithoutLLMConfigured(t *testing.T) {
	cfg := testConfig(t) // llm.enabled defaults to false
	_, err := runCLI(t, cfg, "annotate")
	require.Error(t, err)
}

func TestDetectDatesFailsWithoutLLMConfigured(t *testing.T) {
	cfg := testConfig(t)
	_, err := runCLI(t, cfg, "detect-dates")
	require.Error(t, err)
}

func TestExtractEntitiesFailsWithoutLLMConfigured(t *testing.T) {
	cfg := testConfig(t)
	_, err := runCLI(t, cfg, "extract-entities")
	require.Error(t, err)
}
