package scan

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestScanRegistersEligibleFiles(t *testing.T) {
	st := newTestStore(t)
	root := t.TempDir()

	writeFile(t, root, "src/main.go", "package main\n")
	writeFile(t, root, "src/util.js", "export function x() {}\n")
	writeFile(t, root, "node_modules/dep/index.js", "module.exports = {}\n")
	writeFile(t, root, ".git/config", "[core]\n")
	writeFile(t, root, "logo.png", "\x89PNG\x00\x00")

	sc := New(st)
	res, err := sc.Scan(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Seen)
	require.Len(t, res.Changed, 2)

	f, err := st.GetFile(context.Background(), "src/main.go")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, types.FileStatusPending, f.Status)
	assert.NotEmpty(t, f.ContentHash)
}

func TestScanSkipsUnchangedOnRerun(t *testing.T) {
	st := newTestStore(t)
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")
	writeFile(t, root, "b.go", "package b\n")

	sc := New(st)
	first, err := sc.Scan(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, first.Changed, 2)

	writeFile(t, root, "b.go", "package b // edited\n")

	second, err := sc.Scan(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, second.Changed, 1)
	assert.Equal(t, "b.go", second.Changed[0].Path)
	assert.Equal(t, 1, second.Unchanged)
}

func TestScanSkipsBinaryContent(t *testing.T) {
	st := newTestStore(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "blob.dat"),
		[]byte{0x00, 0x01, 0x02, 'a', 'b'}, 0o644))

	sc := New(st)
	res, err := sc.Scan(context.Background(), root)
	require.NoError(t, err)
	assert.Zero(t, res.Seen)
	assert.Equal(t, 1, res.Skipped)
}

func TestScanRejectsNonDirectoryRoot(t *testing.T) {
	st := newTestStore(t)
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")

	sc := New(st)
	_, err := sc.Scan(context.Background(), filepath.Join(root, "a.go"))
	require.Error(t, err)
}
