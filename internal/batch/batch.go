// Package batch groups small files into one LLM call to amortize request
// overhead. Large files pass through as single-file batches. The package
// also owns the deterministic batch prompt format and the routing of
// per-file POI blocks in the response back to their source files.
package batch

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// FileInfo is the planner's view of one scanned file.
type FileInfo struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

// BatchFile is one file's slot inside a batch.
type BatchFile struct {
	FileName string `json:"file_name"`
	Path     string `json:"path"`
	Chars    int    `json:"chars"`
	Offset   int    `json:"offset"` // position within the batch, 0-based
}

// Batch is one unit of work for the file-analysis worker.
type Batch struct {
	ID                string      `json:"id"`
	Files             []BatchFile `json:"files"`
	TotalChars        int         `json:"total_chars"`
	IsSingleLargeFile bool        `json:"is_single_large_file"`
}

// Policy bounds batch construction.
type Policy struct {
	SmallFileThreshold int64 // bytes; above this a file is non-batchable
	MaxBatchChars      int
	MaxFilesPerBatch   int
}

// Planner builds batches under a policy.
type Planner struct {
	policy Policy
}

// NewPlanner validates and stores the policy.
func NewPlanner(policy Policy) *Planner {
	if policy.SmallFileThreshold <= 0 {
		policy.SmallFileThreshold = 8 * 1024
	}
	if policy.MaxBatchChars <= 0 {
		policy.MaxBatchChars = 50000
	}
	if policy.MaxFilesPerBatch <= 0 {
		policy.MaxFilesPerBatch = 20
	}
	return &Planner{policy: policy}
}

// PlanBatches groups batchable files in insertion order, closing a batch
// when either the char budget or the file-count cap would be exceeded.
// Non-batchable files become single-file batches flagged
// IsSingleLargeFile, emitted after the grouped batches.
func (p *Planner) PlanBatches(files []FileInfo) []Batch {
	var batches []Batch
	var large []Batch

	current := newBatch()
	flush := func() {
		if len(current.Files) > 0 {
			batches = append(batches, current)
			current = newBatch()
		}
	}

	for _, f := range files {
		// Byte size approximates char count closely enough for budget
		// purposes; source files are overwhelmingly ASCII.
		chars := int(f.SizeBytes)

		if f.SizeBytes > p.policy.SmallFileThreshold {
			large = append(large, Batch{
				ID:                uuid.NewString(),
				Files:             []BatchFile{{FileName: baseName(f.Path), Path: f.Path, Chars: chars}},
				TotalChars:        chars,
				IsSingleLargeFile: true,
			})
			continue
		}

		if current.TotalChars+chars > p.policy.MaxBatchChars ||
			len(current.Files)+1 > p.policy.MaxFilesPerBatch {
			flush()
		}

		current.Files = append(current.Files, BatchFile{
			FileName: baseName(f.Path),
			Path:     f.Path,
			Chars:    chars,
			Offset:   len(current.Files),
		})
		current.TotalChars += chars
	}
	flush()

	return append(batches, large...)
}

func newBatch() Batch {
	return Batch{ID: uuid.NewString()}
}

func baseName(path string) string {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

// File anchors used in batch prompts. ParseBatchResponse keys on the
// same paths, so the format must stay deterministic.
const (
	fileAnchorPrefix = "=== FILE: "
	fileAnchorSuffix = " ==="
	fileEndAnchor    = "=== END FILE ==="
)

// ConstructBatchPrompt assembles the delimited multi-file prompt.
// contents maps file path to file content; files missing from the map
// are skipped (the caller decides whether that is an error).
func ConstructBatchPrompt(b Batch, contents map[string]string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Analyze the following %d source file(s). For each file, extract every point of interest.\n\n", len(b.Files))
	for _, f := range b.Files {
		content, ok := contents[f.Path]
		if !ok {
			continue
		}
		sb.WriteString(fileAnchorPrefix)
		sb.WriteString(f.Path)
		sb.WriteString(fileAnchorSuffix)
		sb.WriteString("\n")
		sb.WriteString(content)
		if !strings.HasSuffix(content, "\n") {
			sb.WriteString("\n")
		}
		sb.WriteString(fileEndAnchor)
		sb.WriteString("\n\n")
	}
	return sb.String()
}
