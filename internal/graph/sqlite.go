package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"codeatlas/internal/logging"
)

// SQLiteStore is the default graph backend: one node table, one edge
// table with a UNIQUE (source, target, type) key.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLite opens (or creates) the graph database at path.
func NewSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create graph directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS graph_nodes (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL DEFAULT 'POI',
		file_path TEXT,
		name TEXT,
		type TEXT,
		properties TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS graph_edges (
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		type TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		provenance TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(source_id, target_id, type)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_source ON graph_edges(source_id);
	CREATE INDEX IF NOT EXISTS idx_edges_target ON graph_edges(target_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create graph schema: %w", err)
	}
	return nil
}

// MergeNodes upserts nodes in one transaction. Attributes are set on
// first insert; later merges only fill in previously empty attributes
// (never downgrade).
func (s *SQLiteStore) MergeNodes(ctx context.Context, nodes []Node) error {
	timer := logging.StartTimer(logging.CategoryGraph, "MergeNodes")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin graph transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO graph_nodes (id, label, file_path, name, type, properties)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			file_path = CASE WHEN graph_nodes.file_path IS NULL OR graph_nodes.file_path = '' THEN excluded.file_path ELSE graph_nodes.file_path END,
			name = CASE WHEN graph_nodes.name IS NULL OR graph_nodes.name = '' THEN excluded.name ELSE graph_nodes.name END,
			type = CASE WHEN graph_nodes.type IS NULL OR graph_nodes.type = '' THEN excluded.type ELSE graph_nodes.type END,
			updated_at = CURRENT_TIMESTAMP`)
	if err != nil {
		return fmt.Errorf("failed to prepare node merge: %w", err)
	}
	defer stmt.Close()

	for _, n := range nodes {
		if n.ID == "" {
			return fmt.Errorf("graph node with empty id")
		}
		label := n.Label
		if label == "" {
			label = "POI"
		}
		var props []byte
		if len(n.Properties) > 0 {
			props, err = json.Marshal(n.Properties)
			if err != nil {
				return fmt.Errorf("failed to marshal node properties: %w", err)
			}
		}
		if _, err := stmt.ExecContext(ctx, n.ID, label, n.FilePath, n.Name, n.Type, string(props)); err != nil {
			return fmt.Errorf("failed to merge node %s: %w", n.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit node merge: %w", err)
	}
	return nil
}

// MergeEdges upserts edges in one transaction. Re-merging an existing
// edge keeps the higher confidence and is otherwise a no-op.
func (s *SQLiteStore) MergeEdges(ctx context.Context, edges []Edge) error {
	timer := logging.StartTimer(logging.CategoryGraph, "MergeEdges")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin graph transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO graph_edges (source_id, target_id, type, confidence, provenance)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(source_id, target_id, type) DO UPDATE SET
			confidence = MAX(graph_edges.confidence, excluded.confidence),
			provenance = COALESCE(graph_edges.provenance, excluded.provenance)`)
	if err != nil {
		return fmt.Errorf("failed to prepare edge merge: %w", err)
	}
	defer stmt.Close()

	for _, e := range edges {
		if e.SourceID == "" || e.TargetID == "" || e.Type == "" {
			return fmt.Errorf("graph edge with empty key: %q -[%s]-> %q", e.SourceID, e.Type, e.TargetID)
		}
		if math.IsNaN(e.Confidence) || math.IsInf(e.Confidence, 0) {
			return fmt.Errorf("invalid edge confidence: %v", e.Confidence)
		}
		if _, err := stmt.ExecContext(ctx, e.SourceID, e.TargetID, e.Type, e.Confidence, e.Provenance); err != nil {
			return fmt.Errorf("failed to merge edge %s->%s: %w", e.SourceID, e.TargetID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit edge merge: %w", err)
	}
	return nil
}

// NodeCount returns the node cardinality.
func (s *SQLiteStore) NodeCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM graph_nodes").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	return n, nil
}

// EdgeCount returns the edge cardinality.
func (s *SQLiteStore) EdgeCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM graph_edges").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count edges: %w", err)
	}
	return n, nil
}

// Neighbors returns edges touching a node.
func (s *SQLiteStore) Neighbors(ctx context.Context, nodeID string, direction Direction) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var query string
	var args []any
	switch direction {
	case Outgoing:
		query = `SELECT source_id, target_id, type, confidence, COALESCE(provenance, '') FROM graph_edges WHERE source_id = ?`
		args = []any{nodeID}
	case Incoming:
		query = `SELECT source_id, target_id, type, confidence, COALESCE(provenance, '') FROM graph_edges WHERE target_id = ?`
		args = []any{nodeID}
	default:
		query = `SELECT source_id, target_id, type, confidence, COALESCE(provenance, '') FROM graph_edges WHERE source_id = ? OR target_id = ?`
		args = []any{nodeID, nodeID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query neighbors of %s: %w", nodeID, err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.SourceID, &e.TargetID, &e.Type, &e.Confidence, &e.Provenance); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// Reset drops all graph data. Used by the explicit reset command only.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, table := range []string{"graph_edges", "graph_nodes"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
