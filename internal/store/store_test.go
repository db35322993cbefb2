package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeatlas/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "atlas.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insertPOI(t *testing.T, s *Store, p types.POI) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), func(tx *sql.Tx) error {
		return s.InsertPOIsTx(context.Background(), tx, []types.POI{p})
	}))
}

func TestUpsertFileChangeDetection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	changed, err := s.UpsertFile(ctx, "a.go", "hash-1", 100)
	require.NoError(t, err)
	assert.True(t, changed)

	// Same hash: untouched.
	changed, err = s.UpsertFile(ctx, "a.go", "hash-1", 100)
	require.NoError(t, err)
	assert.False(t, changed)

	// Analyzed file whose content changes goes back to pending.
	require.NoError(t, s.SetFileStatus(ctx, "a.go", types.FileStatusAnalyzed))
	changed, err = s.UpsertFile(ctx, "a.go", "hash-2", 120)
	require.NoError(t, err)
	assert.True(t, changed)

	f, err := s.GetFile(ctx, "a.go")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, types.FileStatusPending, f.Status)
	assert.Equal(t, "hash-2", f.ContentHash)
}

func TestSetFileStatusUnknownPath(t *testing.T) {
	s := newTestStore(t)
	require.Error(t, s.SetFileStatus(context.Background(), "ghost.go", types.FileStatusAnalyzed))
}

func TestInsertPOIsIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := types.POI{
		ID:        types.POIID("a.go", "handler", types.POIFunction, 10, 30),
		FilePath:  "a.go",
		Name:      "handler",
		Type:      types.POIFunction,
		StartLine: 10,
		EndLine:   30,
		Excerpt:   "func handler() {",
	}
	insertPOI(t, s, p)
	insertPOI(t, s, p)

	n, err := s.POICount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	loaded, err := s.GetPOI(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "handler", loaded.Name)
}

func TestFindPOIByNamePrefersHintScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertPOI(t, s, types.POI{
		ID: types.POIID("a.go", "parse", types.POIFunction, 1, 5),
		FilePath: "a.go", Name: "parse", Type: types.POIFunction, StartLine: 1, EndLine: 5,
	})
	insertPOI(t, s, types.POI{
		ID: types.POIID("b.go", "parse", types.POIFunction, 9, 20),
		FilePath: "b.go", Name: "parse", Type: types.POIFunction, StartLine: 9, EndLine: 20,
	})

	p, err := s.FindPOIByName(ctx, "parse", "b.go")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "b.go", p.FilePath)

	// Hint misses: falls back to a global match.
	p, err = s.FindPOIByName(ctx, "parse", "c.go")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "a.go", p.FilePath)

	p, err = s.FindPOIByName(ctx, "missing", "")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestCandidateLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cand := types.RelationshipCandidate{
		ID:       types.CandidateID("src-poi", "dst-poi", "CALLS"),
		SourceID: "src-poi",
		TargetID: "dst-poi",
		Type:     "CALLS",
		FilePath: "a.go",
		Status:   types.CandidatePending,
	}
	evidence := []types.EvidenceItem{
		{ID: "ev-1", Kind: types.EvidenceSyntaxPattern, Confidence: 0.9},
		{ID: "ev-2", Kind: types.EvidenceLLMReasoning, Confidence: 0.7, Context: map[string]string{"ambiguous": "true"}},
	}
	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.InsertCandidateTx(ctx, tx, cand, evidence)
	}))

	// Redelivery re-asserts the same rows.
	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.InsertCandidateTx(ctx, tx, cand, evidence)
	}))

	items, err := s.GetEvidence(ctx, cand.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.True(t, items[1].ContextFlag("ambiguous"))

	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.UpdateCandidateScoreTx(ctx, tx, cand.ID, 0.87, types.CandidateAccepted)
	}))

	loaded, err := s.GetCandidate(ctx, cand.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, types.CandidateAccepted, loaded.Status)
	assert.InDelta(t, 0.87, loaded.Confidence, 1e-9)

	counts, err := s.CandidateCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.CandidateAccepted])
}

func TestInsertCandidateRequiresEvidence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.InsertCandidateTx(ctx, tx, types.RelationshipCandidate{ID: "c1", SourceID: "s"}, nil)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no evidence")
}

func TestResolveCandidateTargetLate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cand := types.RelationshipCandidate{
		ID:             "cand-sym",
		SourceID:       "src",
		TargetName:     "Router",
		ResolutionHint: "router.go",
		Type:           "USES",
		Status:         types.CandidatePending,
	}
	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.InsertCandidateTx(ctx, tx, cand, []types.EvidenceItem{{ID: "e1", Kind: types.EvidenceLLMReasoning, Confidence: 0.6}})
	}))

	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.ResolveCandidateTargetTx(ctx, tx, "cand-sym", "resolved-target")
	}))

	loaded, err := s.GetCandidate(ctx, "cand-sym")
	require.NoError(t, err)
	assert.Equal(t, "resolved-target", loaded.TargetID)
	assert.Equal(t, "Router", loaded.TargetName)
}

func TestSessionStateMachine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := types.TriangulationSession{
		ID:          "sess-1",
		CandidateID: "cand-1",
		State:       types.SessionQueued,
		Assignments: map[string]types.SessionState{
			"syntax-analyst":   types.SessionQueued,
			"semantic-analyst": types.SessionQueued,
		},
	}
	require.NoError(t, s.CreateSession(ctx, sess))
	// Idempotent on id.
	require.NoError(t, s.CreateSession(ctx, sess))

	n, err := s.SessionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	results := []types.AgentResult{{Agent: "syntax-analyst", Score: 0.8}}
	require.NoError(t, s.UpdateSessionState(ctx, "sess-1", types.SessionAccepted, results, 0.82))

	loaded, err := s.GetSessionByCandidate(ctx, "cand-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, types.SessionAccepted, loaded.State)
	assert.InDelta(t, 0.82, loaded.FinalConfidence, 1e-9)
	require.Len(t, loaded.Results, 1)
	assert.Equal(t, "syntax-analyst", loaded.Results[0].Agent)
	assert.Equal(t, sess.Assignments, loaded.Assignments)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sentinel := errors.New("abort")
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.InsertPOIsTx(ctx, tx, []types.POI{{
			ID: "p1", FilePath: "a.go", Name: "f", Type: types.POIFunction, StartLine: 1, EndLine: 2,
		}}); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	n, err := s.POICount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResetClearsEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertFile(ctx, "a.go", "h", 10)
	require.NoError(t, err)
	insertPOI(t, s, types.POI{ID: "p1", FilePath: "a.go", Name: "f", Type: types.POIFunction, StartLine: 1, EndLine: 2})

	require.NoError(t, s.Reset(ctx))

	n, err := s.POICount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	files, err := s.FileCounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)
}
