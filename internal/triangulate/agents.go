// Package triangulate re-analyzes escalated relationship candidates with
// a roster of independent analyst agents and folds their verdicts into a
// weighted consensus decision.
package triangulate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"codeatlas/internal/confidence"
	"codeatlas/internal/llm"
	"codeatlas/internal/logging"
	"codeatlas/internal/types"
)

// AgentKind names one analyst in the roster. The set is closed; adding
// an analyst means extending the dispatch table below.
type AgentKind string

const (
	SyntaxAnalyst        AgentKind = "syntax-analyst"
	SemanticAnalyst      AgentKind = "semantic-analyst"
	ContextualAnalyst    AgentKind = "contextual-analyst"
	CrossRefAnalyst      AgentKind = "crossref-analyst"
	ArchitecturalAnalyst AgentKind = "architectural-analyst"
	DynamicAnalyst       AgentKind = "dynamic-analyst"
)

// DefaultRoster is the full analyst set, in dispatch order.
var DefaultRoster = []AgentKind{
	SyntaxAnalyst,
	SemanticAnalyst,
	ContextualAnalyst,
	CrossRefAnalyst,
	ArchitecturalAnalyst,
	DynamicAnalyst,
}

// agentEvidence maps each analyst to the disjoint evidence subset it is
// allowed to see. Disjointness keeps the verdicts independent.
var agentEvidence = map[AgentKind][]types.EvidenceKind{
	SyntaxAnalyst:        {types.EvidenceSyntaxPattern},
	SemanticAnalyst:      {types.EvidenceSemanticDomain, types.EvidenceDomainConsistency},
	ContextualAnalyst:    {types.EvidenceLLMReasoning},
	CrossRefAnalyst:      {types.EvidenceCrossReference},
	ArchitecturalAnalyst: {types.EvidenceArchitecturalPattern, types.EvidenceAPIIntegration},
	DynamicAnalyst:       {types.EvidenceDynamicPattern},
}

// Agent is one analyst instance. A nil client means the agent scores
// from evidence alone; with a client it additionally asks the model to
// re-judge the candidate and blends the two scores.
type Agent struct {
	Kind   AgentKind
	Client llm.Client
}

// Evaluate re-scores the candidate from this agent's evidence subset.
// It never returns an error: failures are reported in the result so the
// orchestrator can count them against quorum.
func (a Agent) Evaluate(ctx context.Context, cand types.RelationshipCandidate, evidence []types.EvidenceItem) types.AgentResult {
	start := time.Now()
	result := types.AgentResult{Agent: string(a.Kind)}

	subset := a.subset(evidence)
	result.Score, result.Veto = a.heuristicScore(subset)

	if a.Client != nil {
		if score, veto, err := a.modelScore(ctx, cand, subset); err != nil {
			// The heuristic verdict stands; the model pass is additive.
			logging.Get(logging.CategoryTriangulate).Warn("agent model pass failed",
				zap.String("agent", string(a.Kind)), zap.Error(err))
		} else {
			result.Score = (result.Score + score) / 2
			result.Veto = result.Veto || veto
		}
	}

	result.Evidence = subset
	result.DurationMS = time.Since(start).Milliseconds()
	return result
}

func (a Agent) subset(evidence []types.EvidenceItem) []types.EvidenceItem {
	kinds := agentEvidence[a.Kind]
	var out []types.EvidenceItem
	for _, e := range evidence {
		for _, k := range kinds {
			if e.Kind == k {
				out = append(out, e)
			}
		}
	}
	return out
}

// heuristicScore is the evidence-only verdict: mean confidence over the
// subset, neutral 0.5 when the agent saw nothing. A conflict flag on
// any visible evidence is a veto.
func (a Agent) heuristicScore(subset []types.EvidenceItem) (score float64, veto bool) {
	if len(subset) == 0 {
		return 0.5, false
	}
	var sum float64
	for _, e := range subset {
		sum += clamp01(e.Confidence)
		if e.ContextFlag(confidence.FlagConflict) {
			veto = true
		}
	}
	return sum / float64(len(subset)), veto
}

type agentVerdict struct {
	Score  float64 `json:"score"`
	Veto   bool    `json:"veto"`
	Reason string  `json:"reason"`
}

func (a Agent) modelScore(ctx context.Context, cand types.RelationshipCandidate, subset []types.EvidenceItem) (float64, bool, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Candidate relationship: %s -[%s]-> %s (file %s).\n",
		cand.SourceID, cand.Type, targetRef(cand), cand.FilePath)
	if cand.Reason != "" {
		fmt.Fprintf(&sb, "Original reasoning: %s\n", cand.Reason)
	}
	sb.WriteString("Evidence visible to you:\n")
	for _, e := range subset {
		fmt.Fprintf(&sb, "- [%s, confidence %.2f] %s\n", e.Kind, e.Confidence, e.Text)
	}
	sb.WriteString("\nRespond with JSON only: {\"score\": <0..1>, \"veto\": <bool>, \"reason\": \"...\"}")

	raw, err := a.Client.CompleteWithSystem(ctx, systemPromptFor(a.Kind), sb.String())
	if err != nil {
		return 0, false, err
	}
	payload, err := llm.ExtractJSON(raw)
	if err != nil {
		return 0, false, err
	}
	var v agentVerdict
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return 0, false, fmt.Errorf("bad agent verdict: %w", err)
	}
	return clamp01(v.Score), v.Veto, nil
}

func systemPromptFor(kind AgentKind) string {
	base := "You are an independent code-relationship analyst. Judge only from the evidence given; do not assume unstated facts."
	switch kind {
	case SyntaxAnalyst:
		return base + " Focus on syntactic call/reference patterns."
	case SemanticAnalyst:
		return base + " Focus on domain and naming semantics."
	case ContextualAnalyst:
		return base + " Focus on the surrounding reasoning context."
	case CrossRefAnalyst:
		return base + " Focus on cross-file reference consistency."
	case ArchitecturalAnalyst:
		return base + " Focus on architectural and API-boundary patterns."
	case DynamicAnalyst:
		return base + " Focus on dynamic or runtime-resolved references."
	}
	return base
}

func targetRef(cand types.RelationshipCandidate) string {
	if cand.TargetID != "" {
		return cand.TargetID
	}
	return cand.TargetName
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
