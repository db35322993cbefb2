// Package resolution is the relationship-resolution stage: given the
// POIs of an analyzed file, it asks the LLM for candidate relationships
// and persists each with its evidence, handing them to the scorer via
// the outbox.
package resolution

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"codeatlas/internal/llm"
	"codeatlas/internal/logging"
	"codeatlas/internal/store"
	"codeatlas/internal/types"
)

// Worker consumes relationships-requested jobs.
type Worker struct {
	store  *store.Store
	client llm.Client
	log    *zap.Logger
}

// NewWorker builds a resolution worker.
func NewWorker(st *store.Store, client llm.Client) *Worker {
	return &Worker{
		store:  st,
		client: client,
		log:    logging.Get(logging.CategoryResolution),
	}
}

type rawEvidence struct {
	Kind       string            `json:"kind"`
	Text       string            `json:"text"`
	Confidence float64           `json:"confidence"`
	Context    map[string]string `json:"context,omitempty"`
}

type rawRelationship struct {
	From           string        `json:"from"`
	To             string        `json:"to"`
	Type           string        `json:"type"`
	Reason         string        `json:"reason"`
	Confidence     float64       `json:"confidence"`
	ResolutionHint string        `json:"resolution_hint,omitempty"`
	Evidence       []rawEvidence `json:"evidence,omitempty"`
}

type rawResponse struct {
	Relationships []rawRelationship `json:"relationships"`
}

// Handle processes one relationships-requested payload. Candidates are
// persisted pending with their evidence and a candidate-ready-for-
// scoring event, one transaction per file. Candidates whose "from" does
// not match a known POI are counted invalid and skipped.
func (w *Worker) Handle(ctx context.Context, payload []byte) error {
	var event types.FileEventPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("bad resolution payload: %w", err)
	}
	if event.FilePath == "" {
		return fmt.Errorf("resolution payload missing file path")
	}

	pois, err := w.store.GetPOIsByFile(ctx, event.FilePath)
	if err != nil {
		return err
	}
	if len(pois) == 0 {
		w.log.Debug("no pois for file, nothing to resolve", zap.String("file", event.FilePath))
		return nil
	}

	response, err := w.client.CompleteWithSystem(ctx, systemPrompt, buildPrompt(event.FilePath, pois))
	if err != nil {
		return err
	}
	raw, err := parseResponse(response)
	if err != nil {
		return fmt.Errorf("file %s: %w", event.FilePath, err)
	}

	byName := make(map[string]types.POI, len(pois))
	for _, p := range pois {
		byName[p.Name] = p
	}

	invalid := 0
	candidates := make([]types.RelationshipCandidate, 0, len(raw.Relationships))
	evidenceByID := make(map[string][]types.EvidenceItem)
	for _, rel := range raw.Relationships {
		source, ok := byName[strings.TrimSpace(rel.From)]
		if !ok || strings.TrimSpace(rel.To) == "" || strings.TrimSpace(rel.Type) == "" {
			invalid++
			continue
		}

		cand := types.RelationshipCandidate{
			SourceID:       source.ID,
			TargetName:     strings.TrimSpace(rel.To),
			ResolutionHint: rel.ResolutionHint,
			Type:           strings.ToUpper(strings.TrimSpace(rel.Type)),
			FilePath:       event.FilePath,
			Reason:         rel.Reason,
			Status:         types.CandidatePending,
		}

		// Resolve the target now when a matching POI already exists;
		// otherwise the symbolic name rides along for later resolution.
		if target, err := w.store.FindPOIByName(ctx, cand.TargetName, rel.ResolutionHint); err != nil {
			return err
		} else if target != nil {
			cand.TargetID = target.ID
		}

		targetRef := cand.TargetID
		if targetRef == "" {
			targetRef = cand.TargetName
		}
		cand.ID = types.CandidateID(cand.SourceID, targetRef, cand.Type)

		candidates = append(candidates, cand)
		evidenceByID[cand.ID] = buildEvidence(cand.ID, rel)
	}

	if invalid > 0 {
		w.log.Warn("invalid relationships discarded",
			zap.String("file", event.FilePath), zap.Int("count", invalid))
	}
	if len(candidates) == 0 {
		return nil
	}

	err = w.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, cand := range candidates {
			if err := w.store.InsertCandidateTx(ctx, tx, cand, evidenceByID[cand.ID]); err != nil {
				return err
			}
			if err := w.store.AppendEventTx(ctx, tx, types.EventCandidateReady, cand.ID,
				types.CandidateEventPayload{CandidateID: cand.ID}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	w.log.Info("relationships resolved",
		zap.String("file", event.FilePath),
		zap.Int("candidates", len(candidates)),
		zap.Int("invalid", invalid))
	return nil
}

// buildEvidence always yields at least the primary LLM_REASONING item;
// structured hints from the model become additional typed items.
// Evidence ids are deterministic so redelivered jobs re-assert the same
// rows instead of duplicating them.
func buildEvidence(candidateID string, rel rawRelationship) []types.EvidenceItem {
	items := []types.EvidenceItem{{
		ID:          evidenceID(candidateID, string(types.EvidenceLLMReasoning), 0),
		CandidateID: candidateID,
		Kind:        types.EvidenceLLMReasoning,
		Text:        rel.Reason,
		SourceAgent: "relationship-resolver",
		Confidence:  clamp01(rel.Confidence),
	}}
	for i, e := range rel.Evidence {
		kind := types.EvidenceKind(strings.ToUpper(strings.TrimSpace(e.Kind)))
		if kind == "" || kind == types.EvidenceLLMReasoning {
			continue
		}
		items = append(items, types.EvidenceItem{
			ID:          evidenceID(candidateID, string(kind), i+1),
			CandidateID: candidateID,
			Kind:        kind,
			Text:        e.Text,
			SourceAgent: "relationship-resolver",
			Confidence:  clamp01(e.Confidence),
			Context:     e.Context,
		})
	}
	return items
}

func evidenceID(candidateID, kind string, ordinal int) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d", candidateID, kind, ordinal))
	return hex.EncodeToString(h[:])
}

func buildPrompt(filePath string, pois []types.POI) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "File: %s\n\nPoints of interest:\n", filePath)
	for _, p := range pois {
		fmt.Fprintf(&sb, "- %s (%s, lines %d-%d)\n", p.Name, p.Type, p.StartLine, p.EndLine)
	}
	sb.WriteString("\nPropose the relationships these entities participate in.")
	return sb.String()
}

func parseResponse(response string) (rawResponse, error) {
	var parsed rawResponse
	payload, err := llm.ExtractJSON(response)
	if err != nil {
		return parsed, err
	}
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return parsed, fmt.Errorf("failed to decode relationships: %w", err)
	}
	return parsed, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
