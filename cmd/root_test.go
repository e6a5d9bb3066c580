package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-scrape-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/review-scrape-orchestrator/internal/scrape"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	require.True(t, names["serve"])
	require.True(t, names["run"])
	require.True(t, names["lambda"])
	require.NotNil(t, root.PersistentFlags().Lookup("config"))
	require.NotNil(t, root.PersistentFlags().Lookup("env-file"))
}

func TestLoadDotEnvIgnoresMissingFile(t *testing.T) {
	t.Parallel()

	require.NoError(t, loadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
	require.NoError(t, loadDotEnv(""))
}

func TestLoadDotEnvSetsVariables(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("REVIEW_SCRAPER_TEST_VAR=from-dotenv\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("REVIEW_SCRAPER_TEST_VAR") })

	require.NoError(t, loadDotEnv(path))
	require.Equal(t, "from-dotenv", os.Getenv("REVIEW_SCRAPER_TEST_VAR"))
}

func TestResolveEnvRequiresInitialization(t *testing.T) {
	t.Parallel()

	_, err := resolveEnv(context.Background())
	require.Error(t, err)
}

func TestRunOptionsBuildSynchronousRequest(t *testing.T) {
	t.Parallel()

	opts := runOptions{placeIDs: []string{"p1"}, maxReviews: 2, attemptID: "demo-test-id", userProfileID: "42"}
	req := opts.request()
	require.False(t, req.Defer)
	require.Equal(t, []string{"p1"}, req.PlaceIDs)
	require.Equal(t, "demo-test-id", req.AttemptID)
}

func TestPrintResult(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := printResult(&buf, orchestrator.SubmitResponse{Result: &scrape.Result{
		TotalItems: 1, SuccessfulInserts: 1, Errors: []scrape.ProcessedError{}, AttemptID: "a1",
	}})
	require.NoError(t, err)
	require.Contains(t, buf.String(), `"scrapingAttemptId": "a1"`)
	require.Contains(t, buf.String(), `"successfulInserts": 1`)
}
