package store

import (
	"context"
	"database/sql"
	"fmt"

	"codeatlas/internal/types"
)

// InsertPOIsTx inserts POIs idempotently inside an existing transaction.
// Rows with an id already present are left untouched; POIs are immutable
// after creation.
func (s *Store) InsertPOIsTx(ctx context.Context, tx *sql.Tx, pois []types.POI) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO pois (id, file_path, name, type, start_line, end_line, excerpt)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare poi insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range pois {
		if _, err := stmt.ExecContext(ctx,
			p.ID, p.FilePath, p.Name, p.Type, p.StartLine, p.EndLine, p.Excerpt); err != nil {
			return fmt.Errorf("failed to insert poi %s: %w", p.ID, err)
		}
	}
	return nil
}

// GetPOI loads one POI by id.
func (s *Store) GetPOI(ctx context.Context, id string) (*types.POI, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p types.POI
	err := s.db.QueryRowContext(ctx,
		`SELECT id, file_path, name, type, start_line, end_line, COALESCE(excerpt, '')
		 FROM pois WHERE id = ?`, id).
		Scan(&p.ID, &p.FilePath, &p.Name, &p.Type, &p.StartLine, &p.EndLine, &p.Excerpt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load poi %s: %w", id, err)
	}
	return &p, nil
}

// GetPOIsByFile returns all POIs for one file, line ordered.
func (s *Store) GetPOIsByFile(ctx context.Context, filePath string) ([]types.POI, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, file_path, name, type, start_line, end_line, COALESCE(excerpt, '')
		 FROM pois WHERE file_path = ? ORDER BY start_line`, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to query pois for %s: %w", filePath, err)
	}
	defer rows.Close()

	var pois []types.POI
	for rows.Next() {
		var p types.POI
		if err := rows.Scan(&p.ID, &p.FilePath, &p.Name, &p.Type, &p.StartLine, &p.EndLine, &p.Excerpt); err != nil {
			return nil, err
		}
		pois = append(pois, p)
	}
	return pois, rows.Err()
}

// FindPOIByName resolves a symbolic target name to a POI. When hint is a
// file path the search is scoped to it first, falling back to a global
// match by name. Returns nil when unresolved.
func (s *Store) FindPOIByName(ctx context.Context, name, hint string) (*types.POI, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if hint != "" {
		p, err := s.findPOIByNameLocked(ctx, name, hint)
		if err != nil || p != nil {
			return p, err
		}
	}
	return s.findPOIByNameLocked(ctx, name, "")
}

// findPOIByNameLocked assumes the caller holds at least s.mu.RLock().
func (s *Store) findPOIByNameLocked(ctx context.Context, name, scope string) (*types.POI, error) {
	query := `SELECT id, file_path, name, type, start_line, end_line, COALESCE(excerpt, '')
		 FROM pois WHERE name = ?`
	args := []any{name}
	if scope != "" {
		query += " AND file_path = ?"
		args = append(args, scope)
	}
	query += " ORDER BY file_path, start_line LIMIT 1"

	var p types.POI
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&p.ID, &p.FilePath, &p.Name, &p.Type, &p.StartLine, &p.EndLine, &p.Excerpt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve poi %q: %w", name, err)
	}
	return &p, nil
}

// POICount returns the total number of POIs.
func (s *Store) POICount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pois").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pois: %w", err)
	}
	return n, nil
}

// POICountByDir returns POI counts grouped by the direct parent directory.
func (s *Store) POICountByDir(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT file_path, COUNT(*) FROM pois GROUP BY file_path`)
	if err != nil {
		return nil, fmt.Errorf("failed to count pois by file: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var path string
		var n int
		if err := rows.Scan(&path, &n); err != nil {
			return nil, err
		}
		counts[path] = n
	}
	return counts, rows.Err()
}
