package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"codeatlas/internal/types"
)

// CreateSession persists a new triangulation session.
func (s *Store) CreateSession(ctx context.Context, sess types.TriangulationSession) error {
	assignments, err := json.Marshal(sess.Assignments)
	if err != nil {
		return fmt.Errorf("failed to marshal session assignments: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO triangulation_sessions (id, candidate_id, state, assignments, final_confidence)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		sess.ID, sess.CandidateID, sess.State, string(assignments), sess.FinalConfidence)
	if err != nil {
		return fmt.Errorf("failed to create session %s: %w", sess.ID, err)
	}
	return nil
}

// UpdateSessionState advances the session state machine, optionally
// recording agent results and final confidence.
func (s *Store) UpdateSessionState(ctx context.Context, id string, state types.SessionState, results []types.AgentResult, finalConfidence float64) error {
	var resultsJSON []byte
	if results != nil {
		var err error
		resultsJSON, err = json.Marshal(results)
		if err != nil {
			return fmt.Errorf("failed to marshal session results: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	terminal := state == types.SessionAccepted || state == types.SessionRejected || state == types.SessionDeferred
	var err error
	if terminal {
		_, err = s.db.ExecContext(ctx,
			`UPDATE triangulation_sessions
			 SET state = ?, results = COALESCE(?, results), final_confidence = ?, completed_at = CURRENT_TIMESTAMP
			 WHERE id = ?`,
			state, nullableString(resultsJSON), finalConfidence, id)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE triangulation_sessions
			 SET state = ?, results = COALESCE(?, results), final_confidence = ?
			 WHERE id = ?`,
			state, nullableString(resultsJSON), finalConfidence, id)
	}
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", id, err)
	}
	return nil
}

func nullableString(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// GetSessionByCandidate returns the most recent session for a candidate.
func (s *Store) GetSessionByCandidate(ctx context.Context, candidateID string) (*types.TriangulationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sess types.TriangulationSession
	var assignments, results sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, candidate_id, state, assignments, results, final_confidence
		 FROM triangulation_sessions WHERE candidate_id = ?
		 ORDER BY started_at DESC, id DESC LIMIT 1`, candidateID).
		Scan(&sess.ID, &sess.CandidateID, &sess.State, &assignments, &results, &sess.FinalConfidence)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session for %s: %w", candidateID, err)
	}
	if assignments.Valid && assignments.String != "" {
		_ = json.Unmarshal([]byte(assignments.String), &sess.Assignments)
	}
	if results.Valid && results.String != "" {
		_ = json.Unmarshal([]byte(results.String), &sess.Results)
	}
	return &sess, nil
}

// SessionCount returns the number of triangulation sessions.
func (s *Store) SessionCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM triangulation_sessions").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}
