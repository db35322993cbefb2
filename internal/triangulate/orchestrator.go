package triangulate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"codeatlas/internal/config"
	"codeatlas/internal/llm"
	"codeatlas/internal/logging"
	"codeatlas/internal/store"
	"codeatlas/internal/types"
)

// Orchestrator runs the triangulation state machine for escalated
// candidates: dispatch the roster, await verdicts, fold them into a
// weighted consensus, and persist the decision.
type Orchestrator struct {
	store  *store.Store
	cfg    config.TriangulationConfig
	roster []Agent
	log    *zap.Logger
}

// NewOrchestrator builds an orchestrator over the default roster.
// client may be nil; agents then score from evidence alone.
func NewOrchestrator(st *store.Store, cfg config.TriangulationConfig, client llm.Client) *Orchestrator {
	roster := make([]Agent, 0, len(DefaultRoster))
	for _, kind := range DefaultRoster {
		roster = append(roster, Agent{Kind: kind, Client: client})
	}
	return &Orchestrator{
		store:  st,
		cfg:    cfg,
		roster: roster,
		log:    logging.Get(logging.CategoryTriangulate),
	}
}

// Decision is the consensus outcome over one set of agent results.
type Decision struct {
	Outcome         types.SessionState
	FinalConfidence float64
	WeightedMean    float64
	Agreement       float64
	Responded       int
	Vetoes          int
}

// Handle processes one candidate-escalated job payload.
func (o *Orchestrator) Handle(ctx context.Context, payload []byte) error {
	var event types.CandidateEventPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("bad triangulation payload: %w", err)
	}
	if event.CandidateID == "" {
		return fmt.Errorf("triangulation payload missing candidate id")
	}

	cand, err := o.store.GetCandidate(ctx, event.CandidateID)
	if err != nil {
		return err
	}
	if cand == nil {
		return fmt.Errorf("candidate %s not found", event.CandidateID)
	}
	if cand.Status != types.CandidateEscalated {
		o.log.Debug("candidate not escalated, skipping",
			zap.String("candidate", cand.ID), zap.String("status", string(cand.Status)))
		return nil
	}

	session, err := o.store.GetSessionByCandidate(ctx, cand.ID)
	if err != nil {
		return err
	}
	if session == nil {
		// The scoring worker normally creates the session; tolerate a
		// direct escalation without one.
		session = &types.TriangulationSession{
			ID:          uuid.NewString(),
			CandidateID: cand.ID,
			State:       types.SessionQueued,
			StartedAt:   time.Now().UTC(),
		}
		if err := o.store.CreateSession(ctx, *session); err != nil {
			return err
		}
	}

	evidence, err := o.store.GetEvidence(ctx, cand.ID)
	if err != nil {
		return err
	}

	if err := o.store.UpdateSessionState(ctx, session.ID, types.SessionDispatched, nil, 0); err != nil {
		return err
	}
	// Agents run under their own timeouts; the session sits in
	// awaiting-agents until the slowest returns.
	if err := o.store.UpdateSessionState(ctx, session.ID, types.SessionAwaitingAgents, nil, 0); err != nil {
		return err
	}
	timer := logging.StartTimer(logging.CategoryTriangulate, "roster")
	results := o.dispatch(ctx, *cand, evidence)
	timer.Stop()

	if err := o.store.UpdateSessionState(ctx, session.ID, types.SessionConsensus, results, 0); err != nil {
		return err
	}

	decision := o.Consensus(results)
	o.log.Info("triangulation decided",
		zap.String("candidate", cand.ID),
		zap.String("outcome", string(decision.Outcome)),
		zap.Float64("final", decision.FinalConfidence),
		zap.Int("responded", decision.Responded),
		zap.Int("vetoes", decision.Vetoes))

	status := map[types.SessionState]types.CandidateStatus{
		types.SessionAccepted: types.CandidateAccepted,
		types.SessionRejected: types.CandidateRejected,
		types.SessionDeferred: types.CandidateDeferred,
	}[decision.Outcome]

	err = o.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := o.store.UpdateCandidateScoreTx(ctx, tx, cand.ID, decision.FinalConfidence, status); err != nil {
			return err
		}
		if decision.Outcome == types.SessionAccepted {
			return o.store.AppendEventTx(ctx, tx, types.EventCandidateAccepted, cand.ID,
				types.CandidateEventPayload{CandidateID: cand.ID, Confidence: decision.FinalConfidence})
		}
		return nil
	})
	if err != nil {
		return err
	}

	return o.store.UpdateSessionState(ctx, session.ID, decision.Outcome, results, decision.FinalConfidence)
}

// dispatch runs every roster agent concurrently, each under its own
// timeout. A timed-out agent yields an errored result so the consensus
// can count it against quorum.
func (o *Orchestrator) dispatch(ctx context.Context, cand types.RelationshipCandidate, evidence []types.EvidenceItem) []types.AgentResult {
	timeout := o.cfg.AgentTimeout.Std()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	results := make([]types.AgentResult, len(o.roster))
	var wg sync.WaitGroup
	for i, agent := range o.roster {
		wg.Add(1)
		go func(i int, a Agent) {
			defer wg.Done()
			actx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan types.AgentResult, 1)
			go func() { done <- a.Evaluate(actx, cand, evidence) }()
			select {
			case r := <-done:
				results[i] = r
			case <-actx.Done():
				results[i] = types.AgentResult{Agent: string(a.Kind), Err: actx.Err().Error()}
			}
		}(i, agent)
	}
	wg.Wait()
	return results
}

// Consensus folds agent results into a decision:
//
//	weightedMean = Σ w·score / Σ w        over responding agents
//	agreement    = clamp(1 − stddev − 0.05·missing, 0, 1)
//	final        = weightedMean × agreement
//
// Accept requires final strictly above the accept threshold and zero
// vetoes; final at or below the reject threshold, or two vetoes,
// rejects. Landing exactly on a threshold resolves to the lower-
// confidence outcome. Below quorum the candidate is deferred outright.
func (o *Orchestrator) Consensus(results []types.AgentResult) Decision {
	d := Decision{Outcome: types.SessionDeferred}

	var scores []float64
	var weightedSum, totalWeight float64
	for _, r := range results {
		if r.Err != "" {
			continue
		}
		d.Responded++
		if r.Veto {
			d.Vetoes++
		}
		w := 1.0
		if cw, ok := o.cfg.AgentWeights[r.Agent]; ok {
			w = cw
		}
		weightedSum += w * r.Score
		totalWeight += w
		scores = append(scores, r.Score)
	}

	if d.Responded < o.cfg.Quorum || totalWeight == 0 {
		return d
	}

	d.WeightedMean = weightedSum / totalWeight
	missing := len(results) - d.Responded
	d.Agreement = clamp01(1 - stddev(scores) - 0.05*float64(missing))
	d.FinalConfidence = d.WeightedMean * d.Agreement

	switch {
	case d.Vetoes >= 2 || d.FinalConfidence <= o.cfg.RejectThreshold:
		d.Outcome = types.SessionRejected
	case d.FinalConfidence > o.cfg.AcceptThreshold && d.Vetoes == 0:
		d.Outcome = types.SessionAccepted
	default:
		d.Outcome = types.SessionDeferred
	}
	return d
}

func stddev(scores []float64) float64 {
	if len(scores) < 2 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	mean := sum / float64(len(scores))

	var variance float64
	for _, s := range scores {
		d := s - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(scores)))
}
