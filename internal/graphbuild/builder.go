// Package graphbuild drains graph-build jobs into the graph store:
// poi-created events become node merges, candidate-accepted events
// become edge merges (plus their endpoint nodes). All merges are
// idempotent, so redelivery is harmless.
package graphbuild

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"codeatlas/internal/graph"
	"codeatlas/internal/logging"
	"codeatlas/internal/store"
	"codeatlas/internal/types"
)

// Worker consumes graph-build jobs.
type Worker struct {
	store   *store.Store
	graph   graph.Store
	txBatch int
	log     *zap.Logger
}

// NewWorker builds a graph builder. txBatch bounds how many nodes are
// merged per call to the graph store.
func NewWorker(st *store.Store, g graph.Store, txBatch int) *Worker {
	if txBatch <= 0 {
		txBatch = 100
	}
	return &Worker{
		store:   st,
		graph:   g,
		txBatch: txBatch,
		log:     logging.Get(logging.CategoryGraph),
	}
}

// graphJob is the union of the two payload shapes routed to the
// graph-build queue. Exactly one of CandidateID and FilePath is set.
type graphJob struct {
	CandidateID string   `json:"candidate_id,omitempty"`
	FilePath    string   `json:"file_path,omitempty"`
	POIIDs      []string `json:"poi_ids,omitempty"`
}

// Handle processes one graph-build payload. Failures return an error so
// the queue retries; successful merges are no-ops on redelivery.
func (w *Worker) Handle(ctx context.Context, payload []byte) error {
	var job graphJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("bad graph-build payload: %w", err)
	}

	switch {
	case job.CandidateID != "":
		return w.mergeCandidate(ctx, job.CandidateID)
	case job.FilePath != "":
		return w.mergeFilePOIs(ctx, job.FilePath)
	default:
		return fmt.Errorf("graph-build payload names neither candidate nor file")
	}
}

// mergeFilePOIs projects every POI of a file into the graph.
func (w *Worker) mergeFilePOIs(ctx context.Context, filePath string) error {
	pois, err := w.store.GetPOIsByFile(ctx, filePath)
	if err != nil {
		return err
	}
	nodes := make([]graph.Node, 0, len(pois))
	for _, p := range pois {
		nodes = append(nodes, nodeFromPOI(p))
	}
	for start := 0; start < len(nodes); start += w.txBatch {
		end := start + w.txBatch
		if end > len(nodes) {
			end = len(nodes)
		}
		if err := w.graph.MergeNodes(ctx, nodes[start:end]); err != nil {
			return err
		}
	}
	w.log.Debug("file pois merged", zap.String("file", filePath), zap.Int("nodes", len(nodes)))
	return nil
}

// mergeCandidate merges one accepted candidate: both endpoint nodes
// then the edge carrying its confidence and provenance.
func (w *Worker) mergeCandidate(ctx context.Context, candidateID string) error {
	cand, err := w.store.GetCandidate(ctx, candidateID)
	if err != nil {
		return err
	}
	if cand == nil {
		return fmt.Errorf("candidate %s not found", candidateID)
	}
	if cand.Status != types.CandidateAccepted {
		w.log.Debug("candidate not accepted, skipping",
			zap.String("candidate", candidateID), zap.String("status", string(cand.Status)))
		return nil
	}

	source, err := w.store.GetPOI(ctx, cand.SourceID)
	if err != nil {
		return err
	}
	if source == nil {
		return fmt.Errorf("candidate %s source poi %s missing", candidateID, cand.SourceID)
	}

	target, err := w.resolveTarget(ctx, cand)
	if err != nil {
		return err
	}

	if err := w.graph.MergeNodes(ctx, []graph.Node{nodeFromPOI(*source), target}); err != nil {
		return err
	}
	edge := graph.Edge{
		SourceID:   source.ID,
		TargetID:   target.ID,
		Type:       cand.Type,
		Confidence: cand.Confidence,
		Provenance: cand.ID,
	}
	if err := w.graph.MergeEdges(ctx, []graph.Edge{edge}); err != nil {
		return err
	}

	w.log.Debug("candidate merged",
		zap.String("candidate", candidateID),
		zap.String("type", cand.Type),
		zap.Float64("confidence", cand.Confidence))
	return nil
}

// resolveTarget returns the target node for a candidate. A late lookup
// resolves symbolic targets whose POI appeared after the candidate was
// created; a target that still has no POI becomes an external node so
// the accepted edge is never dropped.
func (w *Worker) resolveTarget(ctx context.Context, cand *types.RelationshipCandidate) (graph.Node, error) {
	if cand.TargetID != "" {
		poi, err := w.store.GetPOI(ctx, cand.TargetID)
		if err != nil {
			return graph.Node{}, err
		}
		if poi != nil {
			return nodeFromPOI(*poi), nil
		}
	}

	if cand.TargetName != "" {
		poi, err := w.store.FindPOIByName(ctx, cand.TargetName, cand.ResolutionHint)
		if err != nil {
			return graph.Node{}, err
		}
		if poi != nil {
			err := w.store.WithTx(ctx, func(tx *sql.Tx) error {
				return w.store.ResolveCandidateTargetTx(ctx, tx, cand.ID, poi.ID)
			})
			if err != nil {
				return graph.Node{}, err
			}
			return nodeFromPOI(*poi), nil
		}
	}

	return externalNode(cand), nil
}

func nodeFromPOI(p types.POI) graph.Node {
	return graph.Node{
		ID:       p.ID,
		Label:    "POI",
		FilePath: p.FilePath,
		Name:     p.Name,
		Type:     string(p.Type),
	}
}

// externalNode stands in for a target defined outside the scanned tree.
// The id is the stable hash of its symbolic identity so repeated merges
// converge on one node.
func externalNode(cand *types.RelationshipCandidate) graph.Node {
	return graph.Node{
		ID:    types.POIID(cand.ResolutionHint, cand.TargetName, "external", 0, 0),
		Label: "POI",
		Name:  cand.TargetName,
		Type:  "external",
		Properties: map[string]string{
			"resolution_hint": cand.ResolutionHint,
		},
	}
}
