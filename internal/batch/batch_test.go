package batch

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanBatchesGroupsSmallAndSeparatesLarge(t *testing.T) {
	planner := NewPlanner(Policy{
		SmallFileThreshold: 8 * 1024,
		MaxBatchChars:      3000,
		MaxFilesPerBatch:   20,
	})

	files := []FileInfo{
		{Path: "src/a.js", SizeBytes: 500},
		{Path: "src/b.js", SizeBytes: 800},
		{Path: "src/big.js", SizeBytes: 15000},
		{Path: "src/c.js", SizeBytes: 600},
		{Path: "src/d.js", SizeBytes: 400},
	}

	batches := planner.PlanBatches(files)
	require.Len(t, batches, 2)

	small := batches[0]
	assert.False(t, small.IsSingleLargeFile)
	require.Len(t, small.Files, 4)
	assert.Equal(t, "src/a.js", small.Files[0].Path)
	assert.Equal(t, "src/b.js", small.Files[1].Path)
	assert.Equal(t, "src/c.js", small.Files[2].Path)
	assert.Equal(t, "src/d.js", small.Files[3].Path)
	assert.Equal(t, 2300, small.TotalChars)
	assert.LessOrEqual(t, small.TotalChars, 3000)

	big := batches[1]
	assert.True(t, big.IsSingleLargeFile)
	require.Len(t, big.Files, 1)
	assert.Equal(t, "src/big.js", big.Files[0].Path)
}

func TestPlanBatchesSplitsOnCharBudget(t *testing.T) {
	planner := NewPlanner(Policy{
		SmallFileThreshold: 8 * 1024,
		MaxBatchChars:      1000,
		MaxFilesPerBatch:   20,
	})

	files := []FileInfo{
		{Path: "a.go", SizeBytes: 600},
		{Path: "b.go", SizeBytes: 600},
		{Path: "c.go", SizeBytes: 300},
	}

	batches := planner.PlanBatches(files)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0].Files, 1)
	assert.Len(t, batches[1].Files, 2)
	assert.Equal(t, 900, batches[1].TotalChars)
}

func TestPlanBatchesSplitsOnFileCap(t *testing.T) {
	planner := NewPlanner(Policy{
		SmallFileThreshold: 8 * 1024,
		MaxBatchChars:      100000,
		MaxFilesPerBatch:   3,
	})

	var files []FileInfo
	for i := 0; i < 7; i++ {
		files = append(files, FileInfo{Path: fmt.Sprintf("f%d.go", i), SizeBytes: 100})
	}

	batches := planner.PlanBatches(files)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0].Files, 3)
	assert.Len(t, batches[1].Files, 3)
	assert.Len(t, batches[2].Files, 1)
}

func TestPlanBatchesOffsetsAreSequential(t *testing.T) {
	planner := NewPlanner(Policy{SmallFileThreshold: 8 * 1024, MaxBatchChars: 5000, MaxFilesPerBatch: 10})
	batches := planner.PlanBatches([]FileInfo{
		{Path: "x.go", SizeBytes: 100},
		{Path: "y.go", SizeBytes: 100},
		{Path: "z.go", SizeBytes: 100},
	})
	require.Len(t, batches, 1)
	for i, f := range batches[0].Files {
		assert.Equal(t, i, f.Offset)
	}
}

func TestConstructBatchPromptAnchorsEveryFile(t *testing.T) {
	b := Batch{
		ID: "test",
		Files: []BatchFile{
			{FileName: "a.go", Path: "src/a.go"},
			{FileName: "b.go", Path: "src/b.go"},
		},
	}
	contents := map[string]string{
		"src/a.go": "package a\n",
		"src/b.go": "package b",
	}

	prompt := ConstructBatchPrompt(b, contents)
	assert.Contains(t, prompt, "=== FILE: src/a.go ===")
	assert.Contains(t, prompt, "=== FILE: src/b.go ===")
	assert.Equal(t, 2, strings.Count(prompt, "=== END FILE ==="))
	// Content without a trailing newline must still end cleanly before
	// the end anchor.
	assert.Contains(t, prompt, "package b\n=== END FILE ===")
}

func TestParseBatchResponseRoutesByPath(t *testing.T) {
	b := Batch{
		ID: "test",
		Files: []BatchFile{
			{Path: "src/a.go"},
			{Path: "src/b.go"},
		},
	}

	response := "```json\n" + `{
	  "files": [
	    {"file_path": "src/a.go", "pois": [
	      {"name": "LoadUser", "type": "function", "start_line": 10, "end_line": 24}
	    ]},
	    {"file_path": "src/b.go", "pois": [
	      {"name": "Cache", "type": "class", "start_line": 3, "end_line": 80},
	      {"name": "", "type": "function", "start_line": 1, "end_line": 2}
	    ]},
	    {"file_path": "src/never-sent.go", "pois": [
	      {"name": "Ghost", "type": "function", "start_line": 1, "end_line": 5}
	    ]}
	  ]
	}` + "\n```"

	result, err := ParseBatchResponse(b, response)
	require.NoError(t, err)

	require.Len(t, result.POIs["src/a.go"], 1)
	assert.Equal(t, "LoadUser", result.POIs["src/a.go"][0].Name)
	assert.NotEmpty(t, result.POIs["src/a.go"][0].ID)

	require.Len(t, result.POIs["src/b.go"], 1)
	assert.Equal(t, "Cache", result.POIs["src/b.go"][0].Name)

	assert.NotContains(t, result.POIs, "src/never-sent.go")
	assert.Equal(t, 1, result.Dropped)
	assert.Equal(t, 1, result.Invalid)
}

func TestParseBatchResponseRejectsBadLineRanges(t *testing.T) {
	b := Batch{ID: "test", Files: []BatchFile{{Path: "a.go"}}}
	response := `{"files": [{"file_path": "a.go", "pois": [
	  {"name": "x", "type": "function", "start_line": 0, "end_line": 5},
	  {"name": "y", "type": "function", "start_line": 9, "end_line": 4}
	]}]}`

	result, err := ParseBatchResponse(b, response)
	require.NoError(t, err)
	assert.Empty(t, result.POIs)
	assert.Equal(t, 2, result.Invalid)
}

func TestParseBatchResponseFailsOnNonJSON(t *testing.T) {
	b := Batch{ID: "test", Files: []BatchFile{{Path: "a.go"}}}
	_, err := ParseBatchResponse(b, "I could not analyze these files.")
	require.Error(t, err)
}

func TestParseBatchResponseStableIDs(t *testing.T) {
	b := Batch{ID: "test", Files: []BatchFile{{Path: "a.go"}}}
	response := `{"files": [{"file_path": "a.go", "pois": [
	  {"name": "Run", "type": "function", "start_line": 5, "end_line": 30}
	]}]}`

	first, err := ParseBatchResponse(b, response)
	require.NoError(t, err)
	second, err := ParseBatchResponse(b, response)
	require.NoError(t, err)
	assert.Equal(t, first.POIs["a.go"][0].ID, second.POIs["a.go"][0].ID)
}
