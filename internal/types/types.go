// Package types defines the core entities flowing through the codeatlas
// pipeline: files, points of interest, relationship candidates, evidence,
// outbox events, and triangulation sessions. Entities reference each other
// by stable string ids so they survive serialization across queue hops.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// FileStatus tracks where a file is in the analysis lifecycle.
type FileStatus string

const (
	FileStatusPending  FileStatus = "pending"
	FileStatusBatched  FileStatus = "batched"
	FileStatusAnalyzed FileStatus = "analyzed"
	FileStatusFailed   FileStatus = "failed"
)

// File is a scanned source file awaiting or past analysis.
type File struct {
	Path        string     `json:"path"`
	ContentHash string     `json:"content_hash"`
	SizeBytes   int64      `json:"size_bytes"`
	Status      FileStatus `json:"status"`
	FirstSeen   time.Time  `json:"first_seen"`
	LastUpdated time.Time  `json:"last_updated"`
}

// POIType classifies a point of interest. The set is open: the LLM may
// report types outside this list and they are stored verbatim.
type POIType string

const (
	POIFunction POIType = "function"
	POIClass    POIType = "class"
	POIMethod   POIType = "method"
	POIVariable POIType = "variable"
	POIImport   POIType = "import"
	POITable    POIType = "table"
	POIConstant POIType = "constant"
)

// POI is a named program entity extracted from a file.
// POIs are immutable once created.
type POI struct {
	ID        string  `json:"id"`
	FilePath  string  `json:"file_path"`
	Name      string  `json:"name"`
	Type      POIType `json:"type"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Excerpt   string  `json:"excerpt,omitempty"`
}

// POIID computes the stable id for a POI: sha256 over the identity tuple.
// The same entity extracted twice hashes to the same id, which is what
// makes POI inserts idempotent.
func POIID(filePath, name string, poiType POIType, startLine, endLine int) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%d|%d", filePath, name, poiType, startLine, endLine))
	return hex.EncodeToString(h[:])
}

// CandidateStatus tracks a relationship candidate through scoring and
// triangulation.
type CandidateStatus string

const (
	CandidatePending   CandidateStatus = "pending"
	CandidateScored    CandidateStatus = "scored"
	CandidateEscalated CandidateStatus = "escalated"
	CandidateAccepted  CandidateStatus = "accepted"
	CandidateRejected  CandidateStatus = "rejected"
	CandidateDeferred  CandidateStatus = "deferred"
)

// RelationshipCandidate is a proposed edge between two POIs. TargetID may
// be empty while the target is unresolved; TargetName plus ResolutionHint
// carry the symbolic reference until resolution.
type RelationshipCandidate struct {
	ID             string          `json:"id"`
	SourceID       string          `json:"source_id"`
	TargetID       string          `json:"target_id,omitempty"`
	TargetName     string          `json:"target_name,omitempty"`
	ResolutionHint string          `json:"resolution_hint,omitempty"`
	Type           string          `json:"type"`
	FilePath       string          `json:"file_path"`
	Reason         string          `json:"reason,omitempty"`
	Confidence     float64         `json:"confidence"`
	Status         CandidateStatus `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}

// CandidateID computes the stable id for a candidate.
func CandidateID(sourceID, targetRef, relType string) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s", sourceID, targetRef, relType))
	return hex.EncodeToString(h[:])
}

// EvidenceKind classifies a piece of evidence for or against a candidate.
type EvidenceKind string

const (
	EvidenceLLMReasoning         EvidenceKind = "LLM_REASONING"
	EvidenceSyntaxPattern        EvidenceKind = "SYNTAX_PATTERN"
	EvidenceSemanticDomain       EvidenceKind = "SEMANTIC_DOMAIN"
	EvidenceArchitecturalPattern EvidenceKind = "ARCHITECTURAL_PATTERN"
	EvidenceCrossReference       EvidenceKind = "CROSS_REFERENCE"
	EvidenceDynamicPattern       EvidenceKind = "DYNAMIC_PATTERN"
	EvidenceAPIIntegration       EvidenceKind = "API_INTEGRATION"
	EvidenceDomainConsistency    EvidenceKind = "DOMAIN_CONSISTENCY"
)

// EvidenceItem is a single typed justification attached to a candidate.
// Context carries structured flags (e.g. dynamic_import=true) that the
// confidence scorer's penalty predicates inspect.
type EvidenceItem struct {
	ID          string            `json:"id"`
	CandidateID string            `json:"candidate_id"`
	Kind        EvidenceKind      `json:"kind"`
	Text        string            `json:"text,omitempty"`
	SourceAgent string            `json:"source_agent,omitempty"`
	Confidence  float64           `json:"confidence"`
	Context     map[string]string `json:"context,omitempty"`
}

// ContextFlag reports whether the named context flag is set truthy.
func (e EvidenceItem) ContextFlag(name string) bool {
	v, ok := e.Context[name]
	return ok && (v == "true" || v == "1" || v == "yes")
}

// ConfidenceLevel buckets a final confidence score.
type ConfidenceLevel string

const (
	LevelHigh    ConfidenceLevel = "HIGH"
	LevelMedium  ConfidenceLevel = "MEDIUM"
	LevelLow     ConfidenceLevel = "LOW"
	LevelVeryLow ConfidenceLevel = "VERY_LOW"
)

// ConfidenceBreakdown is the full output of the confidence scorer for one
// candidate. All factor scores and the final confidence are in [0,1].
type ConfidenceBreakdown struct {
	Syntax           float64         `json:"syntax"`
	Semantic         float64         `json:"semantic"`
	Context          float64         `json:"context"`
	CrossRef         float64         `json:"cross_ref"`
	WeightedSum      float64         `json:"weighted_sum"`
	PenaltyFactor    float64         `json:"penalty_factor"`
	Uncertainty      float64         `json:"uncertainty_adjustment"`
	RawScore         float64         `json:"raw_score"`
	FinalConfidence  float64         `json:"final_confidence"`
	Level            ConfidenceLevel `json:"level"`
	EscalationNeeded bool            `json:"escalation_needed"`
	Triggers         []string        `json:"triggers,omitempty"`
}

// OutboxStatus tracks an outbox event through dispatch.
type OutboxStatus string

const (
	OutboxNew        OutboxStatus = "new"
	OutboxDispatched OutboxStatus = "dispatched"
	OutboxFailed     OutboxStatus = "failed"
)

// Outbox event types emitted by the pipeline. Each maps to a target queue
// in the outbox publisher's routing table.
const (
	EventPOICreated             = "poi-created"
	EventRelationshipsRequested = "relationships-requested"
	EventCandidateReady         = "candidate-ready-for-scoring"
	EventCandidateEscalated     = "candidate-escalated"
	EventCandidateAccepted      = "candidate-accepted"
	EventFileFailed             = "file-analysis-failed"
)

// FileEventPayload is the payload for file-scoped events (poi-created,
// relationships-requested, file-analysis-failed).
type FileEventPayload struct {
	FilePath string   `json:"file_path"`
	POIIDs   []string `json:"poi_ids,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// CandidateEventPayload is the payload for candidate-scoped events
// (candidate-ready-for-scoring, candidate-escalated, candidate-accepted).
type CandidateEventPayload struct {
	CandidateID string  `json:"candidate_id"`
	SessionID   string  `json:"session_id,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
}

// OutboxEvent is one row of the transactional outbox. Events are appended
// in the same transaction as the business rows they describe and drained
// in id order by the publisher.
type OutboxEvent struct {
	ID          int64        `json:"id"`
	EventType   string       `json:"event_type"`
	AggregateID string       `json:"aggregate_id"`
	Payload     []byte       `json:"payload"`
	Status      OutboxStatus `json:"status"`
	Attempts    int          `json:"attempts"`
	CreatedAt   time.Time    `json:"created_at"`
	ProcessedAt *time.Time   `json:"processed_at,omitempty"`
}

// SessionState is the triangulation session state machine.
type SessionState string

const (
	SessionQueued         SessionState = "queued"
	SessionDispatched     SessionState = "dispatched"
	SessionAwaitingAgents SessionState = "awaiting-agents"
	SessionConsensus      SessionState = "consensus"
	SessionAccepted       SessionState = "accepted"
	SessionRejected       SessionState = "rejected"
	SessionDeferred       SessionState = "deferred"
)

// AgentResult is one sub-agent's verdict on an escalated candidate.
type AgentResult struct {
	Agent      string         `json:"agent"`
	Score      float64        `json:"score"`
	Veto       bool           `json:"veto"`
	Evidence   []EvidenceItem `json:"evidence,omitempty"`
	Err        string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// TriangulationSession records one escalation run for a candidate.
type TriangulationSession struct {
	ID              string                  `json:"id"`
	CandidateID     string                  `json:"candidate_id"`
	State           SessionState            `json:"state"`
	Assignments     map[string]SessionState `json:"assignments"`
	Results         []AgentResult           `json:"results,omitempty"`
	FinalConfidence float64                 `json:"final_confidence"`
	StartedAt       time.Time               `json:"started_at"`
	CompletedAt     *time.Time              `json:"completed_at,omitempty"`
}
