package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"codeatlas/internal/types"
)

// UpsertFile records a scanned file. If the path already exists with the
// same content hash, the row is untouched and changed=false, which lets
// re-runs skip unchanged files. A changed hash resets status to pending.
func (s *Store) UpsertFile(ctx context.Context, path, contentHash string, sizeBytes int64) (changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing string
	err = s.db.QueryRowContext(ctx,
		"SELECT content_hash FROM files WHERE path = ?", path).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO files (path, content_hash, size_bytes, status) VALUES (?, ?, ?, ?)`,
			path, contentHash, sizeBytes, types.FileStatusPending)
		if err != nil {
			return false, fmt.Errorf("failed to insert file %s: %w", path, err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("failed to query file %s: %w", path, err)
	case existing == contentHash:
		return false, nil
	default:
		_, err = s.db.ExecContext(ctx,
			`UPDATE files SET content_hash = ?, size_bytes = ?, status = ?, last_updated = CURRENT_TIMESTAMP
			 WHERE path = ?`,
			contentHash, sizeBytes, types.FileStatusPending, path)
		if err != nil {
			return false, fmt.Errorf("failed to update file %s: %w", path, err)
		}
		return true, nil
	}
}

// SetFileStatus transitions a file's processing status.
func (s *Store) SetFileStatus(ctx context.Context, path string, status types.FileStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setFileStatus(ctx, s.db, path, status)
}

// SetFileStatusTx is the in-transaction variant.
func (s *Store) SetFileStatusTx(ctx context.Context, tx *sql.Tx, path string, status types.FileStatus) error {
	return setFileStatus(ctx, tx, path, status)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setFileStatus(ctx context.Context, db execer, path string, status types.FileStatus) error {
	res, err := db.ExecContext(ctx,
		"UPDATE files SET status = ?, last_updated = CURRENT_TIMESTAMP WHERE path = ?",
		status, path)
	if err != nil {
		return fmt.Errorf("failed to set file status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("file not found: %s", path)
	}
	return nil
}

// GetFile loads one file row.
func (s *Store) GetFile(ctx context.Context, path string) (*types.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var f types.File
	var firstSeen, lastUpdated string
	err := s.db.QueryRowContext(ctx,
		`SELECT path, content_hash, size_bytes, status, first_seen, last_updated
		 FROM files WHERE path = ?`, path).
		Scan(&f.Path, &f.ContentHash, &f.SizeBytes, &f.Status, &firstSeen, &lastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load file %s: %w", path, err)
	}
	f.FirstSeen, _ = time.Parse("2006-01-02 15:04:05", firstSeen)
	f.LastUpdated, _ = time.Parse("2006-01-02 15:04:05", lastUpdated)
	return &f, nil
}

// ListFilesByStatus returns files in the given status, path ordered.
func (s *Store) ListFilesByStatus(ctx context.Context, status types.FileStatus) ([]types.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT path, content_hash, size_bytes, status FROM files WHERE status = ? ORDER BY path`,
		status)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var files []types.File
	for rows.Next() {
		var f types.File
		if err := rows.Scan(&f.Path, &f.ContentHash, &f.SizeBytes, &f.Status); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// FileCounts returns file counts grouped by status.
func (s *Store) FileCounts(ctx context.Context) (map[types.FileStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM files GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count files: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.FileStatus]int)
	for rows.Next() {
		var status types.FileStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// UpsertDirectorySummary records per-directory aggregate counts.
func (s *Store) UpsertDirectorySummary(ctx context.Context, dirPath string, fileCount, poiCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO directory_summaries (dir_path, file_count, poi_count, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(dir_path) DO UPDATE SET
			file_count = excluded.file_count,
			poi_count = excluded.poi_count,
			updated_at = CURRENT_TIMESTAMP`,
		dirPath, fileCount, poiCount)
	if err != nil {
		return fmt.Errorf("failed to upsert directory summary: %w", err)
	}
	return nil
}
