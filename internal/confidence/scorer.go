// Package confidence scores relationship candidates. The scorer is a
// pure function of (candidate, evidence, config): no I/O, no clock, no
// randomness, so identical inputs always produce identical breakdowns.
package confidence

import (
	"math"

	"codeatlas/internal/config"
	"codeatlas/internal/types"
)

// Factor names used in breakdowns and trigger reasons.
const (
	factorSyntax   = "syntax"
	factorSemantic = "semantic"
	factorContext  = "context"
	factorCrossRef = "crossRef"
)

// defaultFactorScore is reported for a factor with no supporting
// evidence. Defaulted factors carry no weight in the weighted sum; only
// evidenced factors are averaged, with their weights renormalized.
const defaultFactorScore = 0.5

// Evidence kinds feeding each factor. DYNAMIC_PATTERN feeds no factor:
// it exists to carry penalty context flags.
var factorKinds = map[string][]types.EvidenceKind{
	factorSyntax:   {types.EvidenceSyntaxPattern},
	factorSemantic: {types.EvidenceSemanticDomain, types.EvidenceDomainConsistency, types.EvidenceLLMReasoning},
	factorContext:  {types.EvidenceArchitecturalPattern, types.EvidenceAPIIntegration},
	factorCrossRef: {types.EvidenceCrossReference},
}

// Context flags that fire penalty predicates.
const (
	FlagDynamicImport = "dynamic_import"
	FlagIndirectRef   = "indirect_ref"
	FlagConflict      = "conflict"
	FlagAmbiguous     = "ambiguous"
)

// Scorer computes confidence breakdowns under a fixed config.
type Scorer struct {
	cfg config.ConfidenceConfig
}

// NewScorer builds a scorer. The config must already be validated.
func NewScorer(cfg config.ConfidenceConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score computes the full breakdown for one candidate. Evidence order
// does not affect the result: every aggregate used (max, count, stddev)
// is permutation-invariant.
func (s *Scorer) Score(_ types.RelationshipCandidate, evidence []types.EvidenceItem) types.ConfidenceBreakdown {
	bd := types.ConfidenceBreakdown{}

	// Factor scores: max evidence confidence per factor, default when a
	// factor has no evidence at all.
	scores := make(map[string]float64, 4)
	evidenced := make(map[string]bool, 4)
	for name, kinds := range factorKinds {
		best := 0.0
		found := false
		for _, e := range evidence {
			for _, k := range kinds {
				if e.Kind == k {
					found = true
					if c := clamp01(e.Confidence); c > best {
						best = c
					}
				}
			}
		}
		if !found {
			best = defaultFactorScore
		}
		scores[name] = best
		evidenced[name] = found
	}
	bd.Syntax = scores[factorSyntax]
	bd.Semantic = scores[factorSemantic]
	bd.Context = scores[factorContext]
	bd.CrossRef = scores[factorCrossRef]

	// Weighted sum over evidenced factors only, weights renormalized so
	// defaulted factors cannot dilute strong evidence. With no evidenced
	// factor at all the sum falls back to the neutral default.
	weights := map[string]float64{
		factorSyntax:   s.cfg.Weights.Syntax,
		factorSemantic: s.cfg.Weights.Semantic,
		factorContext:  s.cfg.Weights.Context,
		factorCrossRef: s.cfg.Weights.CrossRef,
	}
	var weightedSum, totalWeight float64
	for name, w := range weights {
		if evidenced[name] {
			weightedSum += w * scores[name]
			totalWeight += w
		}
	}
	if totalWeight > 0 {
		bd.WeightedSum = weightedSum / totalWeight
	} else {
		bd.WeightedSum = defaultFactorScore
	}

	bd.PenaltyFactor = s.penaltyFactor(evidence)
	bd.Uncertainty = uncertaintyAdjustment(evidence)
	bd.RawScore = bd.WeightedSum * bd.PenaltyFactor
	bd.FinalConfidence = clamp01(bd.RawScore * bd.Uncertainty)
	bd.Level = s.level(bd.FinalConfidence)

	for _, trigger := range s.cfg.Triggers {
		switch trigger {
		case config.TriggerLowConfidence:
			if bd.FinalConfidence < s.cfg.EscalationThreshold {
				bd.Triggers = append(bd.Triggers, trigger)
			}
		case config.TriggerHighUncertainty:
			if bd.Uncertainty < s.cfg.UncertaintyTriggerBelow {
				bd.Triggers = append(bd.Triggers, trigger)
			}
		}
	}
	bd.EscalationNeeded = len(bd.Triggers) > 0

	return bd
}

// penaltyFactor is 1 plus the sum of matched penalties, clamped to
// [0,1]. Each predicate fires at most once regardless of how many
// evidence items carry the flag.
func (s *Scorer) penaltyFactor(evidence []types.EvidenceItem) float64 {
	fired := map[string]bool{}
	for _, e := range evidence {
		for _, flag := range []string{FlagDynamicImport, FlagIndirectRef, FlagConflict, FlagAmbiguous} {
			if e.ContextFlag(flag) {
				fired[flag] = true
			}
		}
	}

	factor := 1.0
	if fired[FlagDynamicImport] {
		factor += s.cfg.Penalties.DynamicImport
	}
	if fired[FlagIndirectRef] {
		factor += s.cfg.Penalties.IndirectRef
	}
	if fired[FlagConflict] {
		factor += s.cfg.Penalties.Conflict
	}
	if fired[FlagAmbiguous] {
		factor += s.cfg.Penalties.Ambiguous
	}
	return clamp01(factor)
}

// uncertaintyAdjustment rewards many concordant evidence items and
// penalizes sparse or discordant ones:
//
//	clamp(1 - 0.1*max(0, 3-n) - 0.5*stddev(confidences), 0.3, 1)
//
// Monotone in evidence count, anti-monotone in spread.
func uncertaintyAdjustment(evidence []types.EvidenceItem) float64 {
	n := len(evidence)
	sparsity := 0.1 * math.Max(0, float64(3-n))
	adj := 1.0 - sparsity - 0.5*stddev(evidence)
	return clamp(adj, 0.3, 1.0)
}

func stddev(evidence []types.EvidenceItem) float64 {
	if len(evidence) < 2 {
		return 0
	}
	var sum float64
	for _, e := range evidence {
		sum += clamp01(e.Confidence)
	}
	mean := sum / float64(len(evidence))

	var variance float64
	for _, e := range evidence {
		d := clamp01(e.Confidence) - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(evidence)))
}

func (s *Scorer) level(final float64) types.ConfidenceLevel {
	switch {
	case final >= s.cfg.Thresholds.High:
		return types.LevelHigh
	case final >= s.cfg.Thresholds.Medium:
		return types.LevelMedium
	case final >= s.cfg.Thresholds.Low:
		return types.LevelLow
	default:
		return types.LevelVeryLow
	}
}

func clamp01(v float64) float64 { return clamp(v, 0, 1) }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
