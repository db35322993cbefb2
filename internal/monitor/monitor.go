// Package monitor is the read-only health projection over the stores
// and queues. It mutates nothing; rates are derived from deltas between
// consecutive snapshots.
package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"codeatlas/internal/graph"
	"codeatlas/internal/logging"
	"codeatlas/internal/queue"
	"codeatlas/internal/store"
	"codeatlas/internal/types"
)

// watchedQueues are the queues included in every snapshot.
var watchedQueues = []string{
	queue.QueueFileAnalysis,
	queue.QueueRelationshipResolution,
	queue.QueueScoring,
	queue.QueueTriangulation,
	queue.QueueGraphBuild,
	queue.QueueDiagnostics,
}

// Rates are per-second deltas between consecutive snapshots.
type Rates struct {
	POIsPerSec     float64 `json:"pois_per_sec"`
	AcceptedPerSec float64 `json:"accepted_per_sec"`
	JobsDonePerSec float64 `json:"jobs_done_per_sec"`
	WindowSeconds  float64 `json:"window_seconds"`
}

// Snapshot is one point-in-time view of the pipeline.
type Snapshot struct {
	Timestamp  time.Time                     `json:"timestamp"`
	Files      map[types.FileStatus]int      `json:"files"`
	POIs       int                           `json:"pois"`
	Candidates map[types.CandidateStatus]int `json:"candidates"`
	Accepted   int                           `json:"accepted"`
	Sessions   int                           `json:"sessions"`
	Outbox     map[types.OutboxStatus]int    `json:"outbox"`
	GraphNodes int                           `json:"graph_nodes"`
	GraphEdges int                           `json:"graph_edges"`
	Queues     map[string]queue.Stats        `json:"queues"`
	Rates      Rates                         `json:"rates"`
}

// TotalFiles sums files across statuses.
func (s *Snapshot) TotalFiles() int {
	total := 0
	for _, n := range s.Files {
		total += n
	}
	return total
}

// jobsCompleted sums completed jobs across watched queues.
func (s *Snapshot) jobsCompleted() int {
	total := 0
	for _, qs := range s.Queues {
		total += qs.Completed
	}
	return total
}

// Idle reports whether no work is pending or in flight anywhere: used
// by the pipeline runner to detect drain completion.
func (s *Snapshot) Idle() bool {
	for _, qs := range s.Queues {
		if qs.Pending > 0 || qs.Active > 0 {
			return false
		}
	}
	return s.Outbox[types.OutboxNew] == 0
}

// Monitor produces snapshots. Safe for use from one goroutine; callers
// wanting concurrent reads take their own snapshots.
type Monitor struct {
	store *store.Store
	graph graph.Store
	queue queue.Queue
	log   *zap.Logger

	prev *Snapshot
}

// New builds a monitor.
func New(st *store.Store, g graph.Store, q queue.Queue) *Monitor {
	return &Monitor{store: st, graph: g, queue: q, log: logging.Get(logging.CategoryMonitor)}
}

// Snapshot reads every projection source once. Partial failures abort
// the snapshot; the monitor never reports half a picture.
func (m *Monitor) Snapshot(ctx context.Context) (*Snapshot, error) {
	s := &Snapshot{
		Timestamp: time.Now().UTC(),
		Queues:    make(map[string]queue.Stats, len(watchedQueues)),
	}

	var err error
	if s.Files, err = m.store.FileCounts(ctx); err != nil {
		return nil, err
	}
	if s.POIs, err = m.store.POICount(ctx); err != nil {
		return nil, err
	}
	if s.Candidates, err = m.store.CandidateCounts(ctx); err != nil {
		return nil, err
	}
	s.Accepted = s.Candidates[types.CandidateAccepted]
	if s.Sessions, err = m.store.SessionCount(ctx); err != nil {
		return nil, err
	}
	if s.Outbox, err = m.store.OutboxCounts(ctx); err != nil {
		return nil, err
	}
	if s.GraphNodes, err = m.graph.NodeCount(ctx); err != nil {
		return nil, err
	}
	if s.GraphEdges, err = m.graph.EdgeCount(ctx); err != nil {
		return nil, err
	}
	for _, name := range watchedQueues {
		qs, err := m.queue.Stats(ctx, name)
		if err != nil {
			return nil, err
		}
		s.Queues[name] = qs
	}

	if m.prev != nil {
		window := s.Timestamp.Sub(m.prev.Timestamp).Seconds()
		if window > 0 {
			s.Rates = Rates{
				POIsPerSec:     float64(s.POIs-m.prev.POIs) / window,
				AcceptedPerSec: float64(s.Accepted-m.prev.Accepted) / window,
				JobsDonePerSec: float64(s.jobsCompleted()-m.prev.jobsCompleted()) / window,
				WindowSeconds:  window,
			}
		}
	}
	m.prev = s
	return s, nil
}

// Log emits one structured progress line for the snapshot.
func (m *Monitor) Log(s *Snapshot) {
	m.log.Info("pipeline progress",
		zap.Int("files", s.TotalFiles()),
		zap.Int("analyzed", s.Files[types.FileStatusAnalyzed]),
		zap.Int("failed", s.Files[types.FileStatusFailed]),
		zap.Int("pois", s.POIs),
		zap.Int("pending_candidates", s.Candidates[types.CandidatePending]),
		zap.Int("accepted", s.Accepted),
		zap.Int("graph_nodes", s.GraphNodes),
		zap.Int("graph_edges", s.GraphEdges),
		zap.Float64("pois_per_sec", s.Rates.POIsPerSec))
}
