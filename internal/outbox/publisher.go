// Package outbox drains the transactional outbox into the queue layer.
// Producers append events in the same transaction as their business
// writes; the publisher guarantees at-least-once delivery by marking an
// event dispatched only after its job has been enqueued.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"codeatlas/internal/logging"
	"codeatlas/internal/queue"
	"codeatlas/internal/store"
	"codeatlas/internal/types"
)

const leaseName = "outbox-publisher"

// Routes maps event types to target queues. Events with no route are a
// configuration error and are parked as failed rather than dropped.
var Routes = map[string]string{
	types.EventPOICreated:             queue.QueueGraphBuild,
	types.EventRelationshipsRequested: queue.QueueRelationshipResolution,
	types.EventCandidateReady:         queue.QueueScoring,
	types.EventCandidateEscalated:     queue.QueueTriangulation,
	types.EventCandidateAccepted:      queue.QueueGraphBuild,
	types.EventFileFailed:             queue.QueueDiagnostics,
}

// Config controls polling cadence and batch size.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	LeaseTTL    time.Duration
}

// Publisher is the single-writer outbox drain loop. Multiple instances
// are safe: only the lease holder publishes.
type Publisher struct {
	store    *store.Store
	queue    queue.Queue
	cfg      Config
	instance string
	log      *zap.Logger
}

// NewPublisher constructs a publisher with a unique instance id.
func NewPublisher(st *store.Store, q queue.Queue, cfg Config) *Publisher {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	return &Publisher{
		store:    st,
		queue:    q,
		cfg:      cfg,
		instance: uuid.NewString(),
		log:      logging.Get(logging.CategoryOutbox),
	}
}

// Run polls until ctx is canceled. Drain errors back off exponentially
// and reset after a clean cycle.
func (p *Publisher) Run(ctx context.Context) error {
	p.log.Info("outbox publisher starting",
		zap.Duration("interval", p.cfg.Interval), zap.Int("batch", p.cfg.BatchSize))

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = p.cfg.Interval
	retry.MaxInterval = 30 * time.Second
	retry.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			p.log.Info("outbox publisher stopping")
			_ = p.store.ReleaseLease(context.WithoutCancel(ctx), leaseName, p.instance)
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.DrainOnce(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				wait := retry.NextBackOff()
				p.log.Error("outbox drain failed", zap.Error(err), zap.Duration("backoff", wait))
				select {
				case <-ctx.Done():
				case <-time.After(wait):
				}
				continue
			}
			retry.Reset()
		}
	}
}

// DrainOnce publishes one batch of new events in id order. Returns the
// number of events dispatched. Without the lease it is a no-op.
func (p *Publisher) DrainOnce(ctx context.Context) (int, error) {
	held, err := p.store.AcquireLease(ctx, leaseName, p.instance, p.cfg.LeaseTTL)
	if err != nil {
		return 0, err
	}
	if !held {
		return 0, nil
	}

	events, err := p.store.FetchNewEvents(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, e := range events {
		target, ok := Routes[e.EventType]
		if !ok {
			p.log.Error("unroutable outbox event",
				zap.Int64("id", e.ID), zap.String("type", e.EventType))
			if err := p.store.RecordEventFailure(ctx, e.ID, 1); err != nil {
				return dispatched, err
			}
			continue
		}

		// Dedup on the outbox id so redelivery after a crash between
		// enqueue and mark-dispatched cannot double-enqueue within the
		// dedup window.
		_, err := p.queue.Enqueue(ctx, target, e.Payload, queue.Options{
			DedupKey: fmt.Sprintf("outbox-%d", e.ID),
		})
		if err != nil {
			p.log.Warn("outbox enqueue failed",
				zap.Int64("id", e.ID), zap.String("queue", target), zap.Error(err))
			if ferr := p.store.RecordEventFailure(ctx, e.ID, p.cfg.MaxAttempts); ferr != nil {
				return dispatched, ferr
			}
			continue
		}

		// The side effect is durable in the queue; only now may the
		// event be marked dispatched.
		if err := p.store.MarkEventDispatched(ctx, e.ID); err != nil {
			return dispatched, err
		}
		dispatched++
	}

	if dispatched > 0 {
		p.log.Debug("outbox batch dispatched", zap.Int("count", dispatched))
	}
	return dispatched, nil
}
