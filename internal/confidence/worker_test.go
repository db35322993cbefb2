package confidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeatlas/internal/config"
	"codeatlas/internal/store"
	"codeatlas/internal/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "atlas.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedCandidate(t *testing.T, st *store.Store, evidence []types.EvidenceItem) types.RelationshipCandidate {
	t.Helper()
	cand := types.RelationshipCandidate{
		ID:       types.CandidateID("src-"+uuid.NewString(), "tgt", "CALLS"),
		SourceID: "src",
		TargetID: "tgt",
		Type:     "CALLS",
		FilePath: "src/a.go",
		Status:   types.CandidatePending,
	}
	for i := range evidence {
		evidence[i].CandidateID = cand.ID
	}
	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return st.InsertCandidateTx(context.Background(), tx, cand, evidence)
	})
	require.NoError(t, err)
	return cand
}

func payloadFor(t *testing.T, candidateID string) []byte {
	t.Helper()
	data, err := json.Marshal(types.CandidateEventPayload{CandidateID: candidateID})
	require.NoError(t, err)
	return data
}

func TestWorkerAcceptsStrongCandidate(t *testing.T) {
	st := newTestStore(t)
	w := NewWorker(st, config.DefaultConfidenceConfig())

	cand := seedCandidate(t, st, []types.EvidenceItem{
		{Kind: types.EvidenceSyntaxPattern, Confidence: 0.95},
		{Kind: types.EvidenceLLMReasoning, Confidence: 0.9},
		{Kind: types.EvidenceSemanticDomain, Confidence: 0.8},
	})

	require.NoError(t, w.Handle(context.Background(), payloadFor(t, cand.ID)))

	got, err := st.GetCandidate(context.Background(), cand.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CandidateAccepted, got.Status)
	assert.Greater(t, got.Confidence, 0.8)

	events, err := st.FetchNewEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventCandidateAccepted, events[0].EventType)
	assert.Equal(t, cand.ID, events[0].AggregateID)
}

func TestWorkerResumesScoredCandidate(t *testing.T) {
	st := newTestStore(t)
	w := NewWorker(st, config.DefaultConfidenceConfig())

	cand := seedCandidate(t, st, []types.EvidenceItem{
		{Kind: types.EvidenceSyntaxPattern, Confidence: 0.95},
		{Kind: types.EvidenceLLMReasoning, Confidence: 0.9},
		{Kind: types.EvidenceSemanticDomain, Confidence: 0.8},
	})
	// A crash between the scored mark and the routing decision leaves
	// the candidate in scored; redelivery must carry it to a decision.
	require.NoError(t, st.UpdateCandidateStatus(context.Background(), cand.ID, types.CandidateScored))

	require.NoError(t, w.Handle(context.Background(), payloadFor(t, cand.ID)))

	got, err := st.GetCandidate(context.Background(), cand.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CandidateAccepted, got.Status)
}

func TestWorkerEscalatesWeakCandidate(t *testing.T) {
	st := newTestStore(t)
	w := NewWorker(st, config.DefaultConfidenceConfig())

	cand := seedCandidate(t, st, []types.EvidenceItem{
		{Kind: types.EvidenceLLMReasoning, Confidence: 0.3},
		{Kind: types.EvidenceDynamicPattern, Confidence: 0.2,
			Context: map[string]string{FlagDynamicImport: "true"}},
	})

	require.NoError(t, w.Handle(context.Background(), payloadFor(t, cand.ID)))

	got, err := st.GetCandidate(context.Background(), cand.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CandidateEscalated, got.Status)
	assert.Less(t, got.Confidence, 0.5)

	sess, err := st.GetSessionByCandidate(context.Background(), cand.ID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, types.SessionQueued, sess.State)

	events, err := st.FetchNewEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventCandidateEscalated, events[0].EventType)

	var payload types.CandidateEventPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, sess.ID, payload.SessionID)
}

func TestWorkerRedeliveryIsNoOp(t *testing.T) {
	st := newTestStore(t)
	w := NewWorker(st, config.DefaultConfidenceConfig())

	cand := seedCandidate(t, st, []types.EvidenceItem{
		{Kind: types.EvidenceSyntaxPattern, Confidence: 0.95},
		{Kind: types.EvidenceLLMReasoning, Confidence: 0.9},
		{Kind: types.EvidenceSemanticDomain, Confidence: 0.8},
	})

	require.NoError(t, w.Handle(context.Background(), payloadFor(t, cand.ID)))
	require.NoError(t, w.Handle(context.Background(), payloadFor(t, cand.ID)))

	events, err := st.FetchNewEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestWorkerRejectsUnknownCandidate(t *testing.T) {
	st := newTestStore(t)
	w := NewWorker(st, config.DefaultConfidenceConfig())
	err := w.Handle(context.Background(), payloadFor(t, "no-such-candidate"))
	require.Error(t, err)
}

func TestWorkerRejectsMalformedPayload(t *testing.T) {
	st := newTestStore(t)
	w := NewWorker(st, config.DefaultConfidenceConfig())
	require.Error(t, w.Handle(context.Background(), []byte("not json")))
	require.Error(t, w.Handle(context.Background(), []byte(`{}`)))
}
