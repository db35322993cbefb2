package graphbuild

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeatlas/internal/graph"
	"codeatlas/internal/store"
	"codeatlas/internal/types"
)

func newFixtures(t *testing.T) (*store.Store, *graph.SQLiteStore, *Worker) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(filepath.Join(dir, "atlas.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	g, err := graph.NewSQLite(filepath.Join(dir, "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })

	return st, g, NewWorker(st, g, 50)
}

func seedPOI(t *testing.T, st *store.Store, filePath, name string) types.POI {
	t.Helper()
	p := types.POI{
		ID:        types.POIID(filePath, name, types.POIFunction, 1, 10),
		FilePath:  filePath,
		Name:      name,
		Type:      types.POIFunction,
		StartLine: 1,
		EndLine:   10,
	}
	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return st.InsertPOIsTx(context.Background(), tx, []types.POI{p})
	})
	require.NoError(t, err)
	return p
}

func seedAcceptedCandidate(t *testing.T, st *store.Store, source, target types.POI) types.RelationshipCandidate {
	t.Helper()
	ctx := context.Background()
	cand := types.RelationshipCandidate{
		ID:       types.CandidateID(source.ID, target.ID, "CALLS"),
		SourceID: source.ID,
		TargetID: target.ID,
		Type:     "CALLS",
		FilePath: source.FilePath,
		Status:   types.CandidatePending,
	}
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := st.InsertCandidateTx(ctx, tx, cand, []types.EvidenceItem{
			{Kind: types.EvidenceLLMReasoning, Confidence: 0.9},
		}); err != nil {
			return err
		}
		return st.UpdateCandidateScoreTx(ctx, tx, cand.ID, 0.9, types.CandidateAccepted)
	})
	require.NoError(t, err)
	cand.Status = types.CandidateAccepted
	cand.Confidence = 0.9
	return cand
}

func candidatePayload(t *testing.T, id string) []byte {
	t.Helper()
	data, err := json.Marshal(types.CandidateEventPayload{CandidateID: id})
	require.NoError(t, err)
	return data
}

func TestMergeAcceptedCandidate(t *testing.T) {
	st, g, w := newFixtures(t)
	source := seedPOI(t, st, "src/a.go", "caller")
	target := seedPOI(t, st, "src/b.go", "callee")
	cand := seedAcceptedCandidate(t, st, source, target)

	require.NoError(t, w.Handle(context.Background(), candidatePayload(t, cand.ID)))

	nodes, err := g.NodeCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, nodes)

	edges, err := g.EdgeCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, edges)

	out, err := g.Neighbors(context.Background(), source.ID, graph.Outgoing)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, target.ID, out[0].TargetID)
	assert.Equal(t, "CALLS", out[0].Type)
	assert.InDelta(t, 0.9, out[0].Confidence, 1e-9)
}

func TestRepeatedMergeIsIdempotent(t *testing.T) {
	st, g, w := newFixtures(t)
	source := seedPOI(t, st, "src/a.go", "caller")
	target := seedPOI(t, st, "src/b.go", "callee")
	cand := seedAcceptedCandidate(t, st, source, target)

	require.NoError(t, w.Handle(context.Background(), candidatePayload(t, cand.ID)))
	require.NoError(t, w.Handle(context.Background(), candidatePayload(t, cand.ID)))

	nodes, err := g.NodeCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, nodes)

	edges, err := g.EdgeCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, edges)
}

func TestMergeFilePOIs(t *testing.T) {
	st, g, w := newFixtures(t)
	seedPOI(t, st, "src/a.go", "one")
	seedPOI(t, st, "src/a.go", "two")

	payload, err := json.Marshal(types.FileEventPayload{FilePath: "src/a.go"})
	require.NoError(t, err)
	require.NoError(t, w.Handle(context.Background(), payload))

	nodes, nerr := g.NodeCount(context.Background())
	require.NoError(t, nerr)
	assert.Equal(t, 2, nodes)
}

func TestUnresolvedTargetBecomesExternalNode(t *testing.T) {
	st, g, w := newFixtures(t)
	source := seedPOI(t, st, "src/a.go", "caller")

	ctx := context.Background()
	cand := types.RelationshipCandidate{
		ID:         types.CandidateID(source.ID, "fetchRemote", "USES"),
		SourceID:   source.ID,
		TargetName: "fetchRemote",
		Type:       "USES",
		FilePath:   "src/a.go",
		Status:     types.CandidatePending,
	}
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := st.InsertCandidateTx(ctx, tx, cand, []types.EvidenceItem{
			{Kind: types.EvidenceLLMReasoning, Confidence: 0.8},
		}); err != nil {
			return err
		}
		return st.UpdateCandidateScoreTx(ctx, tx, cand.ID, 0.8, types.CandidateAccepted)
	})
	require.NoError(t, err)

	require.NoError(t, w.Handle(ctx, candidatePayload(t, cand.ID)))

	nodes, err := g.NodeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, nodes)

	edges, err := g.EdgeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, edges)
}

func TestLateTargetResolution(t *testing.T) {
	st, g, w := newFixtures(t)
	source := seedPOI(t, st, "src/a.go", "caller")

	ctx := context.Background()
	cand := types.RelationshipCandidate{
		ID:         types.CandidateID(source.ID, "callee", "CALLS"),
		SourceID:   source.ID,
		TargetName: "callee",
		Type:       "CALLS",
		FilePath:   "src/a.go",
		Status:     types.CandidatePending,
	}
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := st.InsertCandidateTx(ctx, tx, cand, []types.EvidenceItem{
			{Kind: types.EvidenceLLMReasoning, Confidence: 0.8},
		}); err != nil {
			return err
		}
		return st.UpdateCandidateScoreTx(ctx, tx, cand.ID, 0.8, types.CandidateAccepted)
	})
	require.NoError(t, err)

	// The target POI appears after the candidate was created.
	target := seedPOI(t, st, "src/b.go", "callee")

	require.NoError(t, w.Handle(ctx, candidatePayload(t, cand.ID)))

	out, err := g.Neighbors(ctx, source.ID, graph.Outgoing)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, target.ID, out[0].TargetID)

	got, err := st.GetCandidate(ctx, cand.ID)
	require.NoError(t, err)
	assert.Equal(t, target.ID, got.TargetID, "late resolution must be written back")
}

func TestNonAcceptedCandidateIsSkipped(t *testing.T) {
	st, g, w := newFixtures(t)
	source := seedPOI(t, st, "src/a.go", "caller")
	target := seedPOI(t, st, "src/b.go", "callee")

	ctx := context.Background()
	cand := types.RelationshipCandidate{
		ID:       types.CandidateID(source.ID, target.ID, "CALLS"),
		SourceID: source.ID,
		TargetID: target.ID,
		Type:     "CALLS",
		FilePath: "src/a.go",
		Status:   types.CandidatePending,
	}
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.InsertCandidateTx(ctx, tx, cand, []types.EvidenceItem{
			{Kind: types.EvidenceLLMReasoning, Confidence: 0.5},
		})
	})
	require.NoError(t, err)

	require.NoError(t, w.Handle(ctx, candidatePayload(t, cand.ID)))

	edges, err := g.EdgeCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, edges)
}

func TestBadPayloadErrors(t *testing.T) {
	_, _, w := newFixtures(t)
	require.Error(t, w.Handle(context.Background(), []byte("nope")))
	require.Error(t, w.Handle(context.Background(), []byte(`{}`)))
}
