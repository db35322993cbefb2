// Package pipeline wires the full analysis pipeline: scan, batch,
// analyze, resolve, score, triangulate, and build the graph, with the
// outbox publisher and worker pools in between.
package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"codeatlas/internal/analysis"
	"codeatlas/internal/batch"
	"codeatlas/internal/config"
	"codeatlas/internal/confidence"
	"codeatlas/internal/graph"
	"codeatlas/internal/graphbuild"
	"codeatlas/internal/llm"
	"codeatlas/internal/logging"
	"codeatlas/internal/monitor"
	"codeatlas/internal/outbox"
	"codeatlas/internal/pool"
	"codeatlas/internal/queue"
	"codeatlas/internal/resolution"
	"codeatlas/internal/scan"
	"codeatlas/internal/shutdown"
	"codeatlas/internal/store"
	"codeatlas/internal/triangulate"
	"codeatlas/internal/types"
)

// Exit codes of the run command.
const (
	ExitSuccess = 0
	ExitPartial = 1
	ExitFailure = 2
)

// Summary is the final accounting of one run.
type Summary struct {
	FilesAnalyzed int `json:"files_analyzed"`
	FilesFailed   int `json:"files_failed"`
	POIs          int `json:"pois"`
	Accepted      int `json:"accepted"`
	Deferred      int `json:"deferred"`
	GraphNodes    int `json:"graph_nodes"`
	GraphEdges    int `json:"graph_edges"`
	DeadJobs      int `json:"dead_jobs"`
	ExitCode      int `json:"exit_code"`
}

// Runner owns every pipeline component for one process.
type Runner struct {
	cfg config.Config
	log *zap.Logger

	store   *store.Store
	graph   *graph.SQLiteStore
	queue   queue.Queue
	client  llm.Client
	scanner *scan.Scanner
	planner *batch.Planner
	pub     *outbox.Publisher
	pools   *pool.Manager
	monitor *monitor.Monitor
	coord   *shutdown.Coordinator
}

// New builds and wires a runner. Construction failures are fatal: a
// component that cannot initialize refuses to start the pipeline.
func New(cfg config.Config) (*Runner, error) {
	r := &Runner{cfg: cfg, log: logging.Get(logging.CategoryBoot)}

	var err error
	if r.store, err = store.New(cfg.Store.Path); err != nil {
		return nil, &FatalError{Component: "store", Cause: err}
	}

	graphPath := cfg.Graph.Path
	if graphPath == "" {
		graphPath = filepath.Join(filepath.Dir(cfg.Store.Path), "graph.db")
	}
	if r.graph, err = graph.NewSQLite(graphPath); err != nil {
		r.store.Close()
		return nil, &FatalError{Component: "graph", Cause: err}
	}

	if cfg.Queue.RedisURL != "" {
		r.queue, err = queue.NewRedis(queue.RedisQueueConfig{
			URL:         cfg.Queue.RedisURL,
			MaxAttempts: cfg.Queue.MaxAttempts,
			DedupWindow: cfg.Queue.DedupWindow.Std(),
		})
	} else {
		r.queue, err = queue.NewSQLite(queue.SQLiteQueueConfig{
			Path:        filepath.Join(filepath.Dir(cfg.Store.Path), "queue.db"),
			MaxAttempts: cfg.Queue.MaxAttempts,
			DedupWindow: cfg.Queue.DedupWindow.Std(),
		})
	}
	if err != nil {
		r.graph.Close()
		r.store.Close()
		return nil, &FatalError{Component: "queue", Cause: err}
	}

	r.client = llm.NewOpenAIClient(cfg.LLM)
	r.scanner = scan.New(r.store)
	r.planner = batch.NewPlanner(batch.Policy{
		SmallFileThreshold: cfg.Batch.SmallFileThreshold,
		MaxBatchChars:      cfg.Batch.MaxBatchChars,
		MaxFilesPerBatch:   cfg.Batch.MaxFilesPerBatch,
	})
	r.pub = outbox.NewPublisher(r.store, r.queue, outbox.Config{
		Interval:    cfg.Queue.PollInterval.Std(),
		MaxAttempts: cfg.Queue.MaxAttempts,
	})
	r.pools = pool.NewManager(r.queue, cfg.Workers, cfg.Queue.PollInterval.Std())
	r.monitor = monitor.New(r.store, r.graph, r.queue)
	r.coord = shutdown.NewCoordinator(cfg.Shutdown)
	return r, nil
}

// Monitor exposes the read-only projection for external callers.
func (r *Runner) Monitor() *monitor.Monitor { return r.monitor }

// registerPools binds every worker to its queue.
func (r *Runner) registerPools(root string) error {
	retry := queue.RetryPolicy{
		MaxAttempts:    r.cfg.Queue.MaxAttempts,
		InitialBackoff: r.cfg.Queue.BackoffInitial.Std(),
		MaxBackoff:     r.cfg.Queue.BackoffMax.Std(),
	}
	visibility := r.cfg.Queue.VisibilityTimeout.Std()

	analysisWorker := analysis.NewWorker(root, r.store, r.client)
	resolutionWorker := resolution.NewWorker(r.store, r.client)
	scoringWorker := confidence.NewWorker(r.store, r.cfg.Confidence)
	triangulator := triangulate.NewOrchestrator(r.store, r.cfg.Triangulation, r.client)
	graphWorker := graphbuild.NewWorker(r.store, r.graph, r.cfg.Graph.TxBatchSize)

	register := func(kind, q string, workers int, h pool.Handler) error {
		return r.pools.Register(kind, h, pool.Policy{
			Queue:      q,
			MinWorkers: 1,
			MaxWorkers: workers,
			Visibility: visibility,
			Retry:      retry,
		})
	}

	if err := register("file-analysis", queue.QueueFileAnalysis,
		r.cfg.Workers.FileAnalysisWorkers, analysisWorker.Handle); err != nil {
		return err
	}
	if err := register("relationship-resolution", queue.QueueRelationshipResolution,
		r.cfg.Workers.RelationshipWorkers, resolutionWorker.Handle); err != nil {
		return err
	}
	if err := register("confidence-scoring", queue.QueueScoring,
		r.cfg.Workers.RelationshipWorkers, scoringWorker.Handle); err != nil {
		return err
	}
	if err := register("triangulation", queue.QueueTriangulation,
		r.cfg.Workers.TriangulationWorkers, triangulator.Handle); err != nil {
		return err
	}
	if err := register("graph-build", queue.QueueGraphBuild,
		r.cfg.Workers.GraphBuildWorkers, graphWorker.Handle); err != nil {
		return err
	}
	// Diagnostic events carry failure context already persisted on the
	// file row; consuming them here keeps the queue drained and logged.
	diagLog := logging.Get(logging.CategoryMonitor)
	return register("diagnostics", queue.QueueDiagnostics, 1,
		func(ctx context.Context, payload []byte) error {
			diagLog.Warn("diagnostic event", zap.ByteString("payload", payload))
			return nil
		})
}

// Run executes one full pipeline pass over target and blocks until the
// pipeline drains or ctx is canceled. The returned summary carries the
// CLI exit code.
func (r *Runner) Run(ctx context.Context, target string) (*Summary, error) {
	timer := logging.StartTimer(logging.CategoryBoot, "pipeline-run")
	defer timer.Stop()

	scanRes, err := r.scanner.Scan(ctx, target)
	if err != nil {
		return &Summary{ExitCode: ExitFailure}, err
	}
	r.log.Info("scan complete",
		zap.Int("seen", scanRes.Seen),
		zap.Int("changed", len(scanRes.Changed)),
		zap.Int("unchanged", scanRes.Unchanged),
		zap.Int("skipped", scanRes.Skipped))

	if err := r.enqueueBatches(ctx, r.planBatches(scanRes.Changed)); err != nil {
		return &Summary{ExitCode: ExitFailure}, err
	}

	if err := r.registerPools(target); err != nil {
		return &Summary{ExitCode: ExitFailure}, &FatalError{Component: "pools", Cause: err}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pubDone := make(chan struct{})
	go func() {
		defer close(pubDone)
		if perr := r.pub.Run(runCtx); perr != nil && runCtx.Err() == nil {
			r.log.Error("outbox publisher stopped", zap.Error(perr))
		}
	}()

	if err := r.pools.Start(runCtx); err != nil {
		cancel()
		<-pubDone
		return &Summary{ExitCode: ExitFailure}, err
	}

	r.registerShutdown(cancel, pubDone)

	drainErr := r.awaitDrain(runCtx)
	if drainErr != nil && runCtx.Err() == nil {
		r.log.Error("pipeline aborted", zap.Error(drainErr))
	}

	// Post-drain work runs on a detached context so cancellation still
	// yields a summary and an orderly shutdown.
	tail := context.WithoutCancel(ctx)

	if serr := r.scanner.SummarizeDirectories(tail); serr != nil {
		r.log.Warn("directory summaries failed", zap.Error(serr))
	}

	summary, sumErr := r.summarize(tail)

	if derr := r.coord.Shutdown(tail); derr != nil {
		r.log.Error("shutdown failed", zap.Error(derr))
		summary.ExitCode = ExitFailure
	}

	if drainErr != nil && ctx.Err() == nil {
		return summary, drainErr
	}
	return summary, sumErr
}

// Shutdown triggers the coordinator directly (signal handling path).
func (r *Runner) Shutdown(ctx context.Context) error {
	return r.coord.Shutdown(ctx)
}

// planBatches groups changed files per config. With batching disabled
// every file rides alone.
func (r *Runner) planBatches(files []batch.FileInfo) []batch.Batch {
	if r.cfg.Batch.Enabled {
		return r.planner.PlanBatches(files)
	}
	var batches []batch.Batch
	for i := range files {
		batches = append(batches, r.planner.PlanBatches(files[i:i+1])...)
	}
	return batches
}

func (r *Runner) enqueueBatches(ctx context.Context, batches []batch.Batch) error {
	for _, b := range batches {
		payload, err := json.Marshal(b)
		if err != nil {
			return err
		}
		if _, err := r.queue.Enqueue(ctx, queue.QueueFileAnalysis, payload, queue.Options{
			DedupKey: "batch-" + b.ID,
		}); err != nil {
			return err
		}
		for _, f := range b.Files {
			if err := r.store.SetFileStatus(ctx, f.Path, types.FileStatusBatched); err != nil {
				return err
			}
		}
	}
	r.log.Info("batches enqueued", zap.Int("count", len(batches)))
	return nil
}

// registerShutdown wires components into the coordinator buckets:
// pools drain first, then the publisher stops, then connections close.
func (r *Runner) registerShutdown(cancel context.CancelFunc, pubDone <-chan struct{}) {
	phase := r.cfg.Shutdown.PhaseTimeout.Std()

	_ = r.coord.Register("worker-pools", shutdown.BucketWorkers, 10, func(ctx context.Context) error {
		return r.pools.Shutdown(ctx, phase)
	})
	_ = r.coord.Register("outbox-publisher", shutdown.BucketManagers, 10, func(ctx context.Context) error {
		cancel()
		select {
		case <-pubDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	_ = r.coord.Register("queue", shutdown.BucketConnections, 10, func(ctx context.Context) error {
		return r.queue.Close()
	})
	_ = r.coord.Register("graph-store", shutdown.BucketConnections, 5, func(ctx context.Context) error {
		return r.graph.Close()
	})
	_ = r.coord.Register("store", shutdown.BucketConnections, 1, func(ctx context.Context) error {
		return r.store.Close()
	})
	_ = r.coord.Register("log-flush", shutdown.BucketCleanup, 0, func(ctx context.Context) error {
		logging.Sync()
		return nil
	})
}

// awaitDrain polls the monitor until nothing is pending anywhere.
func (r *Runner) awaitDrain(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	// Two consecutive idle snapshots guard against the window between
	// an outbox append and the publisher's next drain tick.
	idleStreak := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			snap, err := r.monitor.Snapshot(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
			r.monitor.Log(snap)
			if !snap.Idle() {
				idleStreak = 0
				continue
			}
			if idleStreak++; idleStreak >= 2 {
				return nil
			}
		}
	}
}

// summarize builds the final accounting and decides the exit code:
// 0 everything analyzed, 1 partial results, 2 nothing usable.
func (r *Runner) summarize(ctx context.Context) (*Summary, error) {
	snap, err := r.monitor.Snapshot(ctx)
	if err != nil {
		return &Summary{ExitCode: ExitFailure}, err
	}

	dead := 0
	for _, qs := range snap.Queues {
		dead += qs.Dead
	}

	s := &Summary{
		FilesAnalyzed: snap.Files[types.FileStatusAnalyzed],
		FilesFailed:   snap.Files[types.FileStatusFailed],
		POIs:          snap.POIs,
		Accepted:      snap.Accepted,
		Deferred:      snap.Candidates[types.CandidateDeferred],
		GraphNodes:    snap.GraphNodes,
		GraphEdges:    snap.GraphEdges,
		DeadJobs:      dead,
	}

	switch {
	case s.FilesFailed == 0 && s.DeadJobs == 0:
		s.ExitCode = ExitSuccess
	case s.FilesAnalyzed > 0 || s.POIs > 0:
		s.ExitCode = ExitPartial
	default:
		s.ExitCode = ExitFailure
	}
	return s, nil
}

// Reset wipes both stores. Destructive; gated behind an explicit CLI
// confirmation.
func (r *Runner) Reset(ctx context.Context) error {
	if err := r.store.Reset(ctx); err != nil {
		return err
	}
	return r.graph.Reset(ctx)
}

// Close releases resources for runs that never reached shutdown.
func (r *Runner) Close() error {
	var first error
	for _, c := range []func() error{r.queue.Close, r.graph.Close, r.store.Close} {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
