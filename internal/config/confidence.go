package config

import (
	"fmt"
	"math"
	"time"
)

// FactorWeights weight the four confidence factors. They must sum to 1.
type FactorWeights struct {
	Syntax   float64 `yaml:"syntax"`
	Semantic float64 `yaml:"semantic"`
	Context  float64 `yaml:"context"`
	CrossRef float64 `yaml:"cross_ref"`
}

// Penalties are the (negative) adjustments applied when the matching
// predicate fires on a candidate's evidence.
type Penalties struct {
	DynamicImport float64 `yaml:"dynamic_import"`
	IndirectRef   float64 `yaml:"indirect_ref"`
	Conflict      float64 `yaml:"conflict"`
	Ambiguous     float64 `yaml:"ambiguous"`
}

// LevelThresholds bucket final confidence into HIGH/MEDIUM/LOW.
type LevelThresholds struct {
	High   float64 `yaml:"high"`
	Medium float64 `yaml:"medium"`
	Low    float64 `yaml:"low"`
}

// Escalation trigger names understood by the scorer. The trigger list is
// configurable; unknown names are ignored with a warning.
const (
	TriggerLowConfidence   = "LOW_CONFIDENCE"
	TriggerHighUncertainty = "HIGH_UNCERTAINTY"
)

// ConfidenceConfig drives the pure confidence scorer.
type ConfidenceConfig struct {
	Weights             FactorWeights   `yaml:"weights"`
	Penalties           Penalties       `yaml:"penalties"`
	Thresholds          LevelThresholds `yaml:"thresholds"`
	EscalationThreshold float64         `yaml:"escalation_threshold"`
	// UncertaintyTriggerBelow fires HIGH_UNCERTAINTY when the uncertainty
	// adjustment drops under this value.
	UncertaintyTriggerBelow float64  `yaml:"uncertainty_trigger_below"`
	Triggers                []string `yaml:"triggers"`
}

// DefaultConfidenceConfig returns the documented scorer defaults.
func DefaultConfidenceConfig() ConfidenceConfig {
	return ConfidenceConfig{
		Weights: FactorWeights{
			Syntax:   0.3,
			Semantic: 0.3,
			Context:  0.2,
			CrossRef: 0.2,
		},
		Penalties: Penalties{
			DynamicImport: -0.15,
			IndirectRef:   -0.10,
			Conflict:      -0.20,
			Ambiguous:     -0.05,
		},
		Thresholds: LevelThresholds{
			High:   0.85,
			Medium: 0.65,
			Low:    0.45,
		},
		EscalationThreshold:     0.5,
		UncertaintyTriggerBelow: 0.6,
		Triggers:                []string{TriggerLowConfidence, TriggerHighUncertainty},
	}
}

// Validate checks the scorer invariants.
func (c ConfidenceConfig) Validate() error {
	sum := c.Weights.Syntax + c.Weights.Semantic + c.Weights.Context + c.Weights.CrossRef
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("confidence weights must sum to 1, got %.4f", sum)
	}
	if c.EscalationThreshold < 0 || c.EscalationThreshold > 1 {
		return fmt.Errorf("escalation threshold out of range: %.4f", c.EscalationThreshold)
	}
	if !(c.Thresholds.High >= c.Thresholds.Medium && c.Thresholds.Medium >= c.Thresholds.Low) {
		return fmt.Errorf("level thresholds must be ordered high >= medium >= low")
	}
	return nil
}

// TriangulationConfig drives the escalation orchestrator.
type TriangulationConfig struct {
	AcceptThreshold float64  `yaml:"accept_threshold"`
	RejectThreshold float64  `yaml:"reject_threshold"`
	Quorum          int      `yaml:"quorum"`
	AgentTimeout    Duration `yaml:"agent_timeout"`
	// AgentWeights map agent kind -> consensus weight; unlisted agents
	// get weight 1.0.
	AgentWeights map[string]float64 `yaml:"agent_weights"`
	// MaxAttempts before a candidate lands in deferred.
	MaxAttempts int `yaml:"max_attempts"`
}

// DefaultTriangulationConfig returns orchestrator defaults.
func DefaultTriangulationConfig() TriangulationConfig {
	return TriangulationConfig{
		AcceptThreshold: 0.7,
		RejectThreshold: 0.3,
		Quorum:          3,
		AgentTimeout:    Duration(60 * time.Second),
		MaxAttempts:     3,
	}
}

// Validate checks the orchestrator invariants.
func (c TriangulationConfig) Validate() error {
	if c.AcceptThreshold <= c.RejectThreshold {
		return fmt.Errorf("accept threshold (%.2f) must exceed reject threshold (%.2f)",
			c.AcceptThreshold, c.RejectThreshold)
	}
	if c.Quorum < 1 {
		return fmt.Errorf("quorum must be at least 1, got %d", c.Quorum)
	}
	return nil
}
