package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeatlas/internal/batch"
	"codeatlas/internal/config"
	"codeatlas/internal/types"
)

func testRunnerConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Store.Path = filepath.Join(dir, "atlas.db")
	cfg.Graph.Path = filepath.Join(dir, "graph.db")
	cfg.Queue.PollInterval = config.Duration(50 * time.Millisecond)
	cfg.Shutdown.PhaseTimeout = config.Duration(3 * time.Second)
	cfg.Shutdown.TotalTimeout = config.Duration(15 * time.Second)
	cfg.Shutdown.ForceOpTimeout = config.Duration(500 * time.Millisecond)
	return cfg
}

func TestNewRunnerAndClose(t *testing.T) {
	r, err := New(testRunnerConfig(t))
	require.NoError(t, err)
	require.NoError(t, r.Close())
}

func TestPlanBatchesGroupsWhenEnabled(t *testing.T) {
	cfg := testRunnerConfig(t)
	r, err := New(cfg)
	require.NoError(t, err)
	defer r.Close()

	files := []batch.FileInfo{
		{Path: "a.go", SizeBytes: 500},
		{Path: "b.go", SizeBytes: 600},
		{Path: "c.go", SizeBytes: 700},
	}
	batches := r.planBatches(files)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Files, 3)
}

func TestPlanBatchesOnePerFileWhenDisabled(t *testing.T) {
	cfg := testRunnerConfig(t)
	cfg.Batch.Enabled = false
	r, err := New(cfg)
	require.NoError(t, err)
	defer r.Close()

	files := []batch.FileInfo{
		{Path: "a.go", SizeBytes: 500},
		{Path: "b.go", SizeBytes: 600},
	}
	batches := r.planBatches(files)
	require.Len(t, batches, 2)
	for _, b := range batches {
		assert.Len(t, b.Files, 1)
	}
}

func TestEnqueueBatchesMarksFilesBatched(t *testing.T) {
	r, err := New(testRunnerConfig(t))
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	files := []batch.FileInfo{
		{Path: "a.go", SizeBytes: 500},
		{Path: "b.go", SizeBytes: 600},
	}
	for _, f := range files {
		_, err := r.store.UpsertFile(ctx, f.Path, "hash-"+f.Path, f.SizeBytes)
		require.NoError(t, err)
	}

	require.NoError(t, r.enqueueBatches(ctx, r.planBatches(files)))

	for _, f := range files {
		got, err := r.store.GetFile(ctx, f.Path)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, types.FileStatusBatched, got.Status)
	}
}

func TestSummarizeEmptyPipelineSucceeds(t *testing.T) {
	r, err := New(testRunnerConfig(t))
	require.NoError(t, err)
	defer r.Close()

	s, err := r.summarize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, s.ExitCode)
	assert.Zero(t, s.FilesAnalyzed)
	assert.Zero(t, s.DeadJobs)
}

func TestResetWipesStores(t *testing.T) {
	r, err := New(testRunnerConfig(t))
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Reset(context.Background()))
}

func TestRunEmptyTargetDrainsAndSucceeds(t *testing.T) {
	if testing.Short() {
		t.Skip("drain polling makes this a multi-second test")
	}

	target := t.TempDir()
	// A directory with nothing analyzable: the pipeline should start,
	// observe an idle system, and shut down cleanly.
	require.NoError(t, os.WriteFile(filepath.Join(target, "image.png"), []byte{0x89, 0x50}, 0o644))

	r, err := New(testRunnerConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	summary, err := r.Run(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, summary.ExitCode)
	assert.Zero(t, summary.FilesAnalyzed)
	assert.Zero(t, summary.POIs)
}
