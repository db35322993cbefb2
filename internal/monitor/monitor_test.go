package monitor

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeatlas/internal/graph"
	"codeatlas/internal/queue"
	"codeatlas/internal/store"
	"codeatlas/internal/types"
)

func newFixtures(t *testing.T) (*store.Store, *graph.SQLiteStore, *queue.SQLiteQueue, *Monitor) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.New(filepath.Join(dir, "atlas.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	g, err := graph.NewSQLite(filepath.Join(dir, "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })

	q, err := queue.NewSQLite(queue.SQLiteQueueConfig{Path: filepath.Join(dir, "queue.db")})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	return st, g, q, New(st, g, q)
}

func TestSnapshotEmptyPipeline(t *testing.T) {
	_, _, _, m := newFixtures(t)

	s, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Zero(t, s.TotalFiles())
	assert.Zero(t, s.POIs)
	assert.Zero(t, s.GraphNodes)
	assert.True(t, s.Idle())
	assert.Len(t, s.Queues, 6)
}

func TestSnapshotCountsEntities(t *testing.T) {
	st, g, q, m := newFixtures(t)
	ctx := context.Background()

	_, err := st.UpsertFile(ctx, "a.go", "h1", 100)
	require.NoError(t, err)
	_, err = st.UpsertFile(ctx, "b.go", "h2", 200)
	require.NoError(t, err)
	require.NoError(t, st.SetFileStatus(ctx, "a.go", types.FileStatusAnalyzed))

	poi := types.POI{
		ID: types.POIID("a.go", "f", types.POIFunction, 1, 5),
		FilePath: "a.go", Name: "f", Type: types.POIFunction, StartLine: 1, EndLine: 5,
	}
	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.InsertPOIsTx(ctx, tx, []types.POI{poi})
	}))

	require.NoError(t, g.MergeNodes(ctx, []graph.Node{{ID: poi.ID, Label: "POI", Name: "f"}}))

	_, err = q.Enqueue(ctx, queue.QueueFileAnalysis, []byte(`{}`), queue.Options{})
	require.NoError(t, err)

	s, serr := m.Snapshot(ctx)
	require.NoError(t, serr)
	assert.Equal(t, 2, s.TotalFiles())
	assert.Equal(t, 1, s.Files[types.FileStatusAnalyzed])
	assert.Equal(t, 1, s.POIs)
	assert.Equal(t, 1, s.GraphNodes)
	assert.Equal(t, 1, s.Queues[queue.QueueFileAnalysis].Pending)
	assert.False(t, s.Idle())
}

func TestSnapshotRatesFromDeltas(t *testing.T) {
	st, _, _, m := newFixtures(t)
	ctx := context.Background()

	_, err := m.Snapshot(ctx)
	require.NoError(t, err)

	poi := types.POI{
		ID: types.POIID("a.go", "f", types.POIFunction, 1, 5),
		FilePath: "a.go", Name: "f", Type: types.POIFunction, StartLine: 1, EndLine: 5,
	}
	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.InsertPOIsTx(ctx, tx, []types.POI{poi})
	}))

	time.Sleep(10 * time.Millisecond)
	s, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Greater(t, s.Rates.POIsPerSec, 0.0)
	assert.Greater(t, s.Rates.WindowSeconds, 0.0)
}
