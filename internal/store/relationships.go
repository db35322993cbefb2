package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"codeatlas/internal/types"
)

// InsertCandidateTx persists a relationship candidate plus its evidence
// inside an existing transaction. Inserts are idempotent on candidate id;
// re-delivered jobs simply re-assert the same rows.
func (s *Store) InsertCandidateTx(ctx context.Context, tx *sql.Tx, c types.RelationshipCandidate, evidence []types.EvidenceItem) error {
	if len(evidence) == 0 {
		return fmt.Errorf("candidate %s has no evidence", c.ID)
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO relationships
			(id, source_id, target_id, target_name, resolution_hint, type, file_path, reason, confidence, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		c.ID, c.SourceID, c.TargetID, c.TargetName, c.ResolutionHint,
		c.Type, c.FilePath, c.Reason, c.Confidence, c.Status)
	if err != nil {
		return fmt.Errorf("failed to insert candidate %s: %w", c.ID, err)
	}

	for _, e := range evidence {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		var ctxJSON []byte
		if len(e.Context) > 0 {
			ctxJSON, err = json.Marshal(e.Context)
			if err != nil {
				return fmt.Errorf("failed to marshal evidence context: %w", err)
			}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO relationship_evidence
				(id, candidate_id, kind, text, source_agent, confidence, context)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			e.ID, c.ID, e.Kind, e.Text, e.SourceAgent, e.Confidence, string(ctxJSON))
		if err != nil {
			return fmt.Errorf("failed to insert evidence for %s: %w", c.ID, err)
		}
	}
	return nil
}

// AppendEvidence attaches additional evidence to an existing candidate
// (used by triangulation sub-agents).
func (s *Store) AppendEvidence(ctx context.Context, candidateID string, evidence []types.EvidenceItem) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, e := range evidence {
			if e.ID == "" {
				e.ID = uuid.NewString()
			}
			var ctxJSON []byte
			if len(e.Context) > 0 {
				var err error
				ctxJSON, err = json.Marshal(e.Context)
				if err != nil {
					return fmt.Errorf("failed to marshal evidence context: %w", err)
				}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO relationship_evidence
					(id, candidate_id, kind, text, source_agent, confidence, context)
				 VALUES (?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(id) DO NOTHING`,
				e.ID, candidateID, e.Kind, e.Text, e.SourceAgent, e.Confidence, string(ctxJSON))
			if err != nil {
				return fmt.Errorf("failed to append evidence: %w", err)
			}
		}
		return nil
	})
}

// GetCandidate loads one candidate by id.
func (s *Store) GetCandidate(ctx context.Context, id string) (*types.RelationshipCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c types.RelationshipCandidate
	var targetID, targetName, hint, filePath, reason sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, source_id, target_id, target_name, resolution_hint, type, file_path, reason, confidence, status
		 FROM relationships WHERE id = ?`, id).
		Scan(&c.ID, &c.SourceID, &targetID, &targetName, &hint, &c.Type, &filePath, &reason, &c.Confidence, &c.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load candidate %s: %w", id, err)
	}
	c.TargetID = targetID.String
	c.TargetName = targetName.String
	c.ResolutionHint = hint.String
	c.FilePath = filePath.String
	c.Reason = reason.String
	return &c, nil
}

// GetEvidence returns a candidate's evidence in insertion order.
func (s *Store) GetEvidence(ctx context.Context, candidateID string) ([]types.EvidenceItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, candidate_id, kind, COALESCE(text, ''), COALESCE(source_agent, ''), confidence, COALESCE(context, '')
		 FROM relationship_evidence WHERE candidate_id = ? ORDER BY created_at, id`, candidateID)
	if err != nil {
		return nil, fmt.Errorf("failed to query evidence: %w", err)
	}
	defer rows.Close()

	var items []types.EvidenceItem
	for rows.Next() {
		var e types.EvidenceItem
		var ctxJSON string
		if err := rows.Scan(&e.ID, &e.CandidateID, &e.Kind, &e.Text, &e.SourceAgent, &e.Confidence, &ctxJSON); err != nil {
			return nil, err
		}
		if ctxJSON != "" {
			_ = json.Unmarshal([]byte(ctxJSON), &e.Context)
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

// UpdateCandidateScoreTx records a scoring outcome: confidence, status,
// and resolved target if resolution happened during scoring.
func (s *Store) UpdateCandidateScoreTx(ctx context.Context, tx *sql.Tx, id string, confidence float64, status types.CandidateStatus) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE relationships SET confidence = ?, status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		confidence, status, id)
	if err != nil {
		return fmt.Errorf("failed to update candidate %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("candidate not found: %s", id)
	}
	return nil
}

// UpdateCandidateStatus transitions a candidate's status outside any
// larger transaction.
func (s *Store) UpdateCandidateStatus(ctx context.Context, id string, status types.CandidateStatus) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.UpdateCandidateScoreStatusTx(ctx, tx, id, status)
	})
}

// UpdateCandidateScoreStatusTx updates only the status column.
func (s *Store) UpdateCandidateScoreStatusTx(ctx context.Context, tx *sql.Tx, id string, status types.CandidateStatus) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE relationships SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update candidate status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("candidate not found: %s", id)
	}
	return nil
}

// ResolveCandidateTargetTx fills in a resolved target POI id.
func (s *Store) ResolveCandidateTargetTx(ctx context.Context, tx *sql.Tx, id, targetID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE relationships SET target_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, targetID, id)
	if err != nil {
		return fmt.Errorf("failed to resolve candidate target: %w", err)
	}
	return nil
}

// ListCandidatesByStatus returns candidates in one status, oldest first.
func (s *Store) ListCandidatesByStatus(ctx context.Context, status types.CandidateStatus, limit int) ([]types.RelationshipCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, source_id, COALESCE(target_id, ''), COALESCE(target_name, ''),
			COALESCE(resolution_hint, ''), type, COALESCE(file_path, ''), COALESCE(reason, ''), confidence, status
		 FROM relationships WHERE status = ? ORDER BY created_at, id`
	args := []any{status}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	defer rows.Close()

	var out []types.RelationshipCandidate
	for rows.Next() {
		var c types.RelationshipCandidate
		if err := rows.Scan(&c.ID, &c.SourceID, &c.TargetID, &c.TargetName,
			&c.ResolutionHint, &c.Type, &c.FilePath, &c.Reason, &c.Confidence, &c.Status); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CandidateCounts returns candidate counts grouped by status.
func (s *Store) CandidateCounts(ctx context.Context) (map[types.CandidateStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM relationships GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count candidates: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.CandidateStatus]int)
	for rows.Next() {
		var status types.CandidateStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
