// Package shutdown implements dependency-ordered graceful shutdown: a
// single-holder coordinator drains registered components bucket by
// bucket, with bounded timeouts, per-op retries, and a force fallback
// when the graceful path cannot finish.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"codeatlas/internal/config"
	"codeatlas/internal/logging"
)

// State is the coordinator's lifecycle.
type State string

const (
	StateIdle        State = "IDLE"
	StateStarting    State = "STARTING"
	StateWorkers     State = "WORKERS"
	StateManagers    State = "MANAGERS"
	StateConnections State = "CONNECTIONS"
	StateCleanup     State = "CLEANUP"
	StateCompleted   State = "COMPLETED"
	StateFailed      State = "FAILED"
)

// Bucket orders components: workers drain before their managers, which
// stop before connections close, with cleanup last.
type Bucket string

const (
	BucketWorkers     Bucket = "workers"
	BucketManagers    Bucket = "managers"
	BucketConnections Bucket = "connections"
	BucketCleanup     Bucket = "cleanup"
)

var phaseOrder = []struct {
	state  State
	bucket Bucket
}{
	{StateWorkers, BucketWorkers},
	{StateManagers, BucketManagers},
	{StateConnections, BucketConnections},
	{StateCleanup, BucketCleanup},
}

// ErrInProgress is returned to every caller after the first.
var ErrInProgress = errors.New("shutdown already in progress")

// Op shuts one component down. It must respect ctx.
type Op func(ctx context.Context) error

// EventKind classifies observability events.
type EventKind string

const (
	EventStateTransition EventKind = "stateTransition"
	EventStarted         EventKind = "shutdownStarted"
	EventCompleted       EventKind = "shutdownCompleted"
	EventFailed          EventKind = "shutdownFailed"
)

// Event is one observability record.
type Event struct {
	Kind EventKind `json:"kind"`
	From State     `json:"from,omitempty"`
	To   State     `json:"to,omitempty"`
	Name string    `json:"name,omitempty"`
	Err  string    `json:"error,omitempty"`
	At   time.Time `json:"at"`
}

type registration struct {
	name     string
	bucket   Bucket
	priority int
	op       Op
}

// Coordinator runs the shutdown state machine. Zero value is not
// usable; construct with NewCoordinator.
type Coordinator struct {
	cfg config.ShutdownConfig
	log *zap.Logger

	mu         sync.Mutex
	state      State
	inProgress bool
	regs       []registration

	events chan Event
}

// NewCoordinator builds an idle coordinator.
func NewCoordinator(cfg config.ShutdownConfig) *Coordinator {
	return &Coordinator{
		cfg:    cfg,
		log:    logging.Get(logging.CategoryShutdown),
		state:  StateIdle,
		events: make(chan Event, 64),
	}
}

// Register adds a component. Within a bucket, higher priority shuts
// down first. Registration after shutdown has begun is rejected.
func (c *Coordinator) Register(name string, bucket Bucket, priority int, op Op) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inProgress {
		return ErrInProgress
	}
	c.regs = append(c.regs, registration{name: name, bucket: bucket, priority: priority, op: op})
	return nil
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events exposes the observability stream. The channel is buffered;
// slow consumers lose events rather than blocking shutdown.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// Shutdown runs the full sequence. Exactly one caller proceeds; every
// concurrent or subsequent caller gets ErrInProgress.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.inProgress {
		c.mu.Unlock()
		return ErrInProgress
	}
	c.inProgress = true
	c.mu.Unlock()

	c.emit(Event{Kind: EventStarted, At: time.Now().UTC()})
	c.transition(StateStarting)

	total := c.cfg.TotalTimeout.Std()
	if total <= 0 {
		total = time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, total)
	defer cancel()

	err := c.graceful(runCtx)
	if err != nil {
		c.log.Error("graceful shutdown failed, forcing", zap.Error(err))
		c.force()
		c.transition(StateFailed)
		c.emit(Event{Kind: EventFailed, Err: err.Error(), At: time.Now().UTC()})
		return fmt.Errorf("shutdown failed: %w", err)
	}

	c.transition(StateCompleted)
	c.emit(Event{Kind: EventCompleted, At: time.Now().UTC()})
	return nil
}

// graceful walks the phases in order, each bucket sequential in
// descending priority with the phase timeout split across its ops.
func (c *Coordinator) graceful(ctx context.Context) error {
	phaseTimeout := c.cfg.PhaseTimeout.Std()
	if phaseTimeout <= 0 {
		phaseTimeout = 15 * time.Second
	}

	for _, phase := range phaseOrder {
		ops := c.bucketOps(phase.bucket)
		c.transition(phase.state)
		if len(ops) == 0 {
			continue
		}

		perOp := phaseTimeout / time.Duration(len(ops))
		for _, reg := range ops {
			if err := c.runOp(ctx, reg, perOp); err != nil {
				return fmt.Errorf("phase %s: %s: %w", phase.state, reg.name, err)
			}
		}
	}
	return nil
}

// runOp executes one op under its timeout slice, retrying with backoff
// up to the configured attempts.
func (c *Coordinator) runOp(ctx context.Context, reg registration, timeout time.Duration) error {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attempts := c.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	initial := c.cfg.RetryBackoff.Std()
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	retry := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(initial)),
		uint64(attempts)), opCtx)

	var attempt int
	return backoff.Retry(func() error {
		attempt++
		if err := reg.op(opCtx); err != nil {
			c.log.Warn("shutdown op failed",
				zap.String("component", reg.name), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		c.log.Debug("component stopped", zap.String("component", reg.name))
		return nil
	}, retry)
}

// force is the best-effort fallback: every remaining op in parallel
// under a short timeout, errors logged and ignored.
func (c *Coordinator) force() {
	opTimeout := c.cfg.ForceOpTimeout.Std()
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}

	c.mu.Lock()
	regs := make([]registration, len(c.regs))
	copy(regs, c.regs)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, reg := range regs {
		wg.Add(1)
		go func(reg registration) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			defer cancel()
			if err := reg.op(ctx); err != nil {
				c.log.Warn("force shutdown op failed",
					zap.String("component", reg.name), zap.Error(err))
			}
		}(reg)
	}
	wg.Wait()
}

func (c *Coordinator) bucketOps(bucket Bucket) []registration {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ops []registration
	for _, reg := range c.regs {
		if reg.bucket == bucket {
			ops = append(ops, reg)
		}
	}
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].priority > ops[j].priority })
	return ops
}

func (c *Coordinator) transition(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()

	c.log.Info("shutdown state", zap.String("from", string(from)), zap.String("to", string(to)))
	c.emit(Event{Kind: EventStateTransition, From: from, To: to, At: time.Now().UTC()})
}

func (c *Coordinator) emit(e Event) {
	select {
	case c.events <- e:
	default:
	}
}
