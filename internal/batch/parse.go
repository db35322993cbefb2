package batch

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"codeatlas/internal/llm"
	"codeatlas/internal/logging"
	"codeatlas/internal/types"
)

// rawPOI mirrors the JSON shape the model is asked to produce per POI.
type rawPOI struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Excerpt   string `json:"excerpt,omitempty"`
}

type rawFileBlock struct {
	FilePath string   `json:"file_path"`
	POIs     []rawPOI `json:"pois"`
}

type rawBatchResponse struct {
	Files []rawFileBlock `json:"files"`
}

// ParseResult is the outcome of parsing one batch response. POIs are
// keyed by file path; only paths present in the batch appear. Dropped
// counts blocks whose anchor matched no batch file, Invalid counts POIs
// rejected by field validation.
type ParseResult struct {
	POIs    map[string][]types.POI
	Dropped int
	Invalid int
}

// ParseBatchResponse extracts the JSON payload from a model response and
// routes each per-file POI block back to its batch file by path. Blocks
// for unknown paths are dropped and counted, never misattributed.
func ParseBatchResponse(b Batch, response string) (ParseResult, error) {
	result := ParseResult{POIs: make(map[string][]types.POI)}

	payload, err := llm.ExtractJSON(response)
	if err != nil {
		return result, fmt.Errorf("batch %s: %w", b.ID, err)
	}

	var parsed rawBatchResponse
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return result, fmt.Errorf("batch %s: failed to decode response: %w", b.ID, err)
	}

	known := make(map[string]bool, len(b.Files))
	for _, f := range b.Files {
		known[f.Path] = true
	}

	log := logging.Get(logging.CategoryBatch)
	for _, block := range parsed.Files {
		path := strings.TrimSpace(block.FilePath)
		if !known[path] {
			result.Dropped++
			log.Warn("response block for file not in batch",
				zap.String("batch", b.ID), zap.String("path", path))
			continue
		}
		for _, rp := range block.POIs {
			poi, ok := validatePOI(path, rp)
			if !ok {
				result.Invalid++
				continue
			}
			result.POIs[path] = append(result.POIs[path], poi)
		}
	}
	return result, nil
}

func validatePOI(path string, rp rawPOI) (types.POI, bool) {
	name := strings.TrimSpace(rp.Name)
	poiType := strings.TrimSpace(rp.Type)
	if name == "" || poiType == "" {
		return types.POI{}, false
	}
	if rp.StartLine <= 0 || rp.EndLine < rp.StartLine {
		return types.POI{}, false
	}
	t := types.POIType(poiType)
	return types.POI{
		ID:        types.POIID(path, name, t, rp.StartLine, rp.EndLine),
		FilePath:  path,
		Name:      name,
		Type:      t,
		StartLine: rp.StartLine,
		EndLine:   rp.EndLine,
		Excerpt:   rp.Excerpt,
	}, true
}
