// Package scan walks a target directory, fingerprints source files, and
// registers new or changed files in the store for analysis. Unchanged
// files (same content hash) are skipped so re-runs only pay for deltas.
package scan

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"codeatlas/internal/batch"
	"codeatlas/internal/logging"
	"codeatlas/internal/store"
	"codeatlas/internal/types"
)

// Directories never worth descending into.
var skipDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"__pycache__":  true,
	".venv":        true,
	".atlas":       true,
}

// Extensions never worth analyzing even when their content looks textual.
var skipExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true,
	".pdf": true, ".zip": true, ".gz": true, ".tar": true, ".jar": true,
	".so": true, ".dll": true, ".dylib": true, ".exe": true, ".bin": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
	".lock": true, ".sum": true,
}

// Scanner registers files for analysis.
type Scanner struct {
	store *store.Store
	log   *zap.Logger
}

// New builds a scanner over the given store.
func New(st *store.Store) *Scanner {
	return &Scanner{store: st, log: logging.Get(logging.CategoryScan)}
}

// Result summarizes one scan pass.
type Result struct {
	Seen      int
	Changed   []batch.FileInfo // new or modified files, in walk order
	Unchanged int
	Skipped   int
}

// Scan walks root and upserts every eligible file. Files whose content
// hash matches the stored row are counted unchanged and excluded from
// Changed.
func (s *Scanner) Scan(ctx context.Context, root string) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryScan, "Scan")
	defer timer.Stop()

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat scan root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan root %s is not a directory", root)
	}

	res := &Result{}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.IsDir() {
			if skipDirs[d.Name()] || (strings.HasPrefix(d.Name(), ".") && path != root) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if !eligible(path, rel) {
			res.Skipped++
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			s.log.Warn("unreadable file skipped", zap.String("path", rel), zap.Error(err))
			res.Skipped++
			return nil
		}
		if isBinary(data) {
			res.Skipped++
			return nil
		}

		res.Seen++
		hash := sha256.Sum256(data)
		changed, err := s.store.UpsertFile(ctx, rel, hex.EncodeToString(hash[:]), int64(len(data)))
		if err != nil {
			return err
		}
		if !changed {
			res.Unchanged++
			return nil
		}
		res.Changed = append(res.Changed, batch.FileInfo{Path: rel, SizeBytes: int64(len(data))})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("scan complete",
		zap.String("root", root),
		zap.Int("seen", res.Seen),
		zap.Int("changed", len(res.Changed)),
		zap.Int("unchanged", res.Unchanged),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

// SummarizeDirectories aggregates per-directory file and POI counts into
// the directory_summaries table. Meant to run after a pipeline pass.
func (s *Scanner) SummarizeDirectories(ctx context.Context) error {
	files, err := s.store.ListFilesByStatus(ctx, types.FileStatusAnalyzed)
	if err != nil {
		return err
	}
	fileCounts := make(map[string]int)
	for _, f := range files {
		fileCounts[dirOf(f.Path)]++
	}

	poiCounts, err := s.store.POICountByDir(ctx)
	if err != nil {
		return err
	}

	for dir, n := range fileCounts {
		if err := s.store.UpsertDirectorySummary(ctx, dir, n, poiCounts[dir]); err != nil {
			return err
		}
	}
	return nil
}

func dirOf(path string) string {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[:idx]
	}
	return "."
}

func eligible(absPath, relPath string) bool {
	ext := strings.ToLower(filepath.Ext(relPath))
	if skipExts[ext] {
		return false
	}
	base := filepath.Base(relPath)
	if strings.HasPrefix(base, ".") {
		return false
	}
	if fi, err := os.Stat(absPath); err == nil && fi.Size() > 4<<20 {
		// Past 4 MiB a file is generated or data, not hand-written source.
		return false
	}
	return true
}

// isBinary samples the first KiB for NUL bytes, the same heuristic git
// uses for its text/binary split.
func isBinary(data []byte) bool {
	sample := data
	if len(sample) > 1024 {
		sample = sample[:1024]
	}
	return bytes.IndexByte(sample, 0) >= 0
}
