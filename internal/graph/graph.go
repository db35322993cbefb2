// Package graph implements the codeatlas graph store: POI nodes and
// typed relationship edges with idempotent MERGE semantics. The default
// backend is SQLite; the Store interface keeps the graph builder
// independent of the backing engine.
package graph

import (
	"context"
	"time"
)

// Node is a POI projected into the graph, keyed by POI id.
type Node struct {
	ID         string            `json:"id"`
	Label      string            `json:"label"` // always "POI"
	FilePath   string            `json:"file_path"`
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Edge is a typed relationship between two nodes, keyed by
// (source, target, type).
type Edge struct {
	SourceID   string  `json:"source_id"`
	TargetID   string  `json:"target_id"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	// Provenance references the accepted candidate this edge came from.
	Provenance string `json:"provenance"`
}

// Store is the graph backend contract. All Merge operations are
// idempotent: repeated application of the same node or edge leaves the
// graph unchanged, and attributes are only ever upgraded (an edge's
// confidence takes the max of old and new).
type Store interface {
	MergeNodes(ctx context.Context, nodes []Node) error
	MergeEdges(ctx context.Context, edges []Edge) error
	NodeCount(ctx context.Context) (int, error)
	EdgeCount(ctx context.Context) (int, error)
	Neighbors(ctx context.Context, nodeID string, direction Direction) ([]Edge, error)
	Close() error
}

// Direction selects edge orientation for neighbor queries.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
	Both     Direction = "both"
)

// Stats is a read-only snapshot for the monitor.
type Stats struct {
	Nodes     int       `json:"nodes"`
	Edges     int       `json:"edges"`
	Timestamp time.Time `json:"timestamp"`
}
