// Package store implements the codeatlas relational store on SQLite.
// It holds files, POIs, relationship candidates, evidence, the
// transactional outbox, triangulation sessions, and directory summaries.
// All event emissions append to the outbox inside the same transaction as
// the business rows they describe.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"codeatlas/internal/logging"
)

// Store wraps the SQLite database. Writes are serialized through mu;
// SQLite allows a single writer and the mutex keeps write transactions
// from contending at the driver level.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// New opens (or creates) the SQLite database at path and applies the
// schema and any pending migrations.
func New(path string) (*Store, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps :memory: databases coherent and avoids
	// SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	timer := logging.StartTimer(logging.CategoryStore, "initialize")
	defer timer.Stop()

	schema := []string{
		`CREATE TABLE IF NOT EXISTS files (
			path TEXT PRIMARY KEY,
			content_hash TEXT NOT NULL,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			first_seen DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_updated DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_files_status ON files(status);`,

		`CREATE TABLE IF NOT EXISTS pois (
			id TEXT PRIMARY KEY,
			file_path TEXT NOT NULL,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			start_line INTEGER NOT NULL DEFAULT 0,
			end_line INTEGER NOT NULL DEFAULT 0,
			excerpt TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_pois_file ON pois(file_path);
		CREATE INDEX IF NOT EXISTS idx_pois_name ON pois(name);`,

		`CREATE TABLE IF NOT EXISTS relationships (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			target_id TEXT,
			target_name TEXT,
			resolution_hint TEXT,
			type TEXT NOT NULL,
			file_path TEXT,
			reason TEXT,
			confidence REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_rel_status ON relationships(status);
		CREATE INDEX IF NOT EXISTS idx_rel_file ON relationships(file_path);`,

		`CREATE TABLE IF NOT EXISTS relationship_evidence (
			id TEXT PRIMARY KEY,
			candidate_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			text TEXT,
			source_agent TEXT,
			confidence REAL NOT NULL DEFAULT 0,
			context TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_evidence_candidate ON relationship_evidence(candidate_id);`,

		`CREATE TABLE IF NOT EXISTS directory_summaries (
			dir_path TEXT PRIMARY KEY,
			file_count INTEGER NOT NULL DEFAULT 0,
			poi_count INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,

		`CREATE TABLE IF NOT EXISTS outbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			payload BLOB,
			status TEXT NOT NULL DEFAULT 'new',
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			processed_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status, id);`,

		`CREATE TABLE IF NOT EXISTS outbox_lease (
			name TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			expires_at DATETIME NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS triangulation_sessions (
			id TEXT PRIMARY KEY,
			candidate_id TEXT NOT NULL,
			state TEXT NOT NULL,
			assignments TEXT,
			results TEXT,
			final_confidence REAL NOT NULL DEFAULT 0,
			started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_candidate ON triangulation_sessions(candidate_id);`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// WithTx runs fn inside a write transaction. The transaction is rolled
// back if fn returns an error or panics.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.dbPath }

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Reset drops all pipeline data. Used by the explicit reset command only.
func (s *Store) Reset(ctx context.Context) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{
			"files", "pois", "relationships", "relationship_evidence",
			"directory_summaries", "outbox", "outbox_lease", "triangulation_sessions",
		} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to reset %s: %w", table, err)
			}
		}
		return nil
	})
}
