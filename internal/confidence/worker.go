package confidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"codeatlas/internal/config"
	"codeatlas/internal/logging"
	"codeatlas/internal/store"
	"codeatlas/internal/types"
)

// Worker consumes candidate-ready-for-scoring jobs: it scores the
// candidate and either accepts it (emitting candidate-accepted) or
// escalates it into a triangulation session (emitting
// candidate-escalated). The candidate passes through scored on the way
// to either decision; redelivered jobs are no-ops once a decision
// landed.
type Worker struct {
	store  *store.Store
	scorer *Scorer
	log    *zap.Logger
}

// NewWorker builds a scoring worker.
func NewWorker(st *store.Store, cfg config.ConfidenceConfig) *Worker {
	return &Worker{
		store:  st,
		scorer: NewScorer(cfg),
		log:    logging.Get(logging.CategoryConfidence),
	}
}

// Handle processes one scoring job payload.
func (w *Worker) Handle(ctx context.Context, payload []byte) error {
	var event types.CandidateEventPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("bad scoring payload: %w", err)
	}
	if event.CandidateID == "" {
		return fmt.Errorf("scoring payload missing candidate id")
	}

	cand, err := w.store.GetCandidate(ctx, event.CandidateID)
	if err != nil {
		return err
	}
	if cand == nil {
		return fmt.Errorf("candidate %s not found", event.CandidateID)
	}
	// A scored candidate is resumable: the mark landed but the routing
	// decision did not. Anything past that is a redelivery no-op.
	if cand.Status != types.CandidatePending && cand.Status != types.CandidateScored {
		w.log.Debug("candidate already decided, skipping",
			zap.String("candidate", cand.ID), zap.String("status", string(cand.Status)))
		return nil
	}

	evidence, err := w.store.GetEvidence(ctx, cand.ID)
	if err != nil {
		return err
	}

	bd := w.scorer.Score(*cand, evidence)
	w.log.Debug("candidate scored",
		zap.String("candidate", cand.ID),
		zap.Float64("final", bd.FinalConfidence),
		zap.String("level", string(bd.Level)),
		zap.Bool("escalate", bd.EscalationNeeded))

	if err := w.store.WithTx(ctx, func(tx *sql.Tx) error {
		return w.store.UpdateCandidateScoreTx(ctx, tx, cand.ID, bd.FinalConfidence, types.CandidateScored)
	}); err != nil {
		return err
	}

	if bd.EscalationNeeded {
		return w.escalate(ctx, cand, bd)
	}
	return w.accept(ctx, cand, bd)
}

func (w *Worker) accept(ctx context.Context, cand *types.RelationshipCandidate, bd types.ConfidenceBreakdown) error {
	return w.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := w.store.UpdateCandidateScoreTx(ctx, tx, cand.ID, bd.FinalConfidence, types.CandidateAccepted); err != nil {
			return err
		}
		return w.store.AppendEventTx(ctx, tx, types.EventCandidateAccepted, cand.ID,
			types.CandidateEventPayload{CandidateID: cand.ID, Confidence: bd.FinalConfidence})
	})
}

func (w *Worker) escalate(ctx context.Context, cand *types.RelationshipCandidate, bd types.ConfidenceBreakdown) error {
	// The session row is created first so the escalation event always
	// references an existing session. Creation is idempotent per
	// candidate attempt; a crash between these two steps leaves a queued
	// session that the next delivery reuses or replaces.
	session := types.TriangulationSession{
		ID:          uuid.NewString(),
		CandidateID: cand.ID,
		State:       types.SessionQueued,
		StartedAt:   time.Now().UTC(),
	}
	if existing, err := w.store.GetSessionByCandidate(ctx, cand.ID); err != nil {
		return err
	} else if existing != nil && existing.CompletedAt == nil {
		session = *existing
	} else if err := w.store.CreateSession(ctx, session); err != nil {
		return err
	}

	return w.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := w.store.UpdateCandidateScoreTx(ctx, tx, cand.ID, bd.FinalConfidence, types.CandidateEscalated); err != nil {
			return err
		}
		return w.store.AppendEventTx(ctx, tx, types.EventCandidateEscalated, cand.ID,
			types.CandidateEventPayload{
				CandidateID: cand.ID,
				SessionID:   session.ID,
				Confidence:  bd.FinalConfidence,
			})
	})
}
