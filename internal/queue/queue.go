// Package queue provides named durable job queues with visibility
// timeouts, retries with exponential backoff, deduplication windows, and
// dead-letter companion queues. Two backends exist: SQLite (durable
// default, single node) and Redis (shared across nodes).
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Pipeline queue names. Every cross-stage hop is a job on one of these.
const (
	QueueFileAnalysis           = "file-analysis"
	QueueRelationshipResolution = "relationship-resolution"
	QueueScoring                = "confidence-scoring"
	QueueTriangulation          = "triangulation"
	QueueGraphBuild             = "graph-build"
	QueueDiagnostics            = "diagnostics"

	// DeadSuffix names the dead-letter companion of a queue.
	DeadSuffix = ".dead"
)

// State is the lifecycle state of a job.
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateDead      State = "dead"
)

// Sentinel errors.
var (
	ErrEmpty       = errors.New("queue is empty")
	ErrNotReserved = errors.New("job is not reserved by this worker")
	ErrClosed      = errors.New("queue is closed")
)

// Job is one unit of work on a queue.
type Job struct {
	ID          string    `json:"id"`
	Queue       string    `json:"queue"`
	Payload     []byte    `json:"payload"`
	Priority    int       `json:"priority"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	State       State     `json:"state"`
	LastError   string    `json:"last_error,omitempty"`
	VisibleAt   time.Time `json:"visible_at"`
	CreatedAt   time.Time `json:"created_at"`
	ReservedBy  string    `json:"reserved_by,omitempty"`
}

// Options control a single enqueue.
type Options struct {
	Priority    int           // higher runs first within readiness
	Delay       time.Duration // initial invisibility
	DedupKey    string        // suppress duplicates within the dedup window
	MaxAttempts int           // 0 means the backend default
}

// RetryPolicy controls nack behavior.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Stats is a point-in-time view of one queue. Failed counts nacked
// attempts cumulatively — a job retried twice before completing adds
// two — while the other fields count jobs.
type Stats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Dead      int    `json:"dead"`
}

// Total returns the number of jobs currently accounted for on this
// queue across live and terminal states.
func (s Stats) Total() int {
	return s.Pending + s.Active + s.Completed + s.Dead
}

// Queue is the backend contract. Reserve returns ErrEmpty when no job is
// ready; reserved jobs invisible past their visibility deadline return to
// pending automatically.
type Queue interface {
	Enqueue(ctx context.Context, queue string, payload []byte, opts Options) (string, error)
	Reserve(ctx context.Context, queue, workerID string, visibility time.Duration) (*Job, error)
	Ack(ctx context.Context, job *Job) error
	Nack(ctx context.Context, job *Job, cause error, policy RetryPolicy) error
	Stats(ctx context.Context, queue string) (Stats, error)
	Close() error
}

// retryDelay computes the backoff before a nacked job becomes visible
// again: exponential in the attempt count with randomized jitter.
func retryDelay(policy RetryPolicy, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialBackoff
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Second
	}
	b.MaxInterval = policy.MaxBackoff
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Minute
	}
	b.MaxElapsedTime = 0 // never give up; attempts are bounded separately

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
