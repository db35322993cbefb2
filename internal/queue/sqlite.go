package queue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"codeatlas/internal/logging"
)

// SQLiteQueue is the durable default backend. Job state survives process
// restart; reserved-but-abandoned jobs become reservable again once
// their visibility deadline passes.
type SQLiteQueue struct {
	db          *sql.DB
	mu          sync.Mutex
	closed      bool
	maxAttempts int
	dedupWindow time.Duration
}

// SQLiteQueueConfig configures the backend.
type SQLiteQueueConfig struct {
	Path        string
	MaxAttempts int
	DedupWindow time.Duration
}

// NewSQLite opens (or creates) the queue database.
func NewSQLite(cfg SQLiteQueueConfig) (*SQLiteQueue, error) {
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create queue directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 10 * time.Minute
	}

	q := &SQLiteQueue{db: db, maxAttempts: cfg.MaxAttempts, dedupWindow: cfg.DedupWindow}
	if err := q.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS queue_jobs (
		id TEXT PRIMARY KEY,
		queue TEXT NOT NULL,
		payload BLOB,
		priority INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 5,
		last_error TEXT,
		dedup_key TEXT,
		visible_at INTEGER NOT NULL DEFAULT 0,
		reserved_by TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_reserve ON queue_jobs(queue, state, visible_at, priority);
	CREATE INDEX IF NOT EXISTS idx_jobs_dedup ON queue_jobs(queue, dedup_key);
	`
	if _, err := q.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create queue schema: %w", err)
	}
	return nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// Enqueue adds a job. When opts.DedupKey matches an existing job on the
// same queue enqueued inside the dedup window, the existing id is
// returned and no new job is created.
func (q *SQLiteQueue) Enqueue(ctx context.Context, queue string, payload []byte, opts Options) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}

	now := nowMillis()
	if opts.DedupKey != "" {
		var existing string
		err := q.db.QueryRowContext(ctx,
			`SELECT id FROM queue_jobs
			 WHERE queue = ? AND dedup_key = ? AND created_at > ? AND state != 'dead'
			 LIMIT 1`,
			queue, opts.DedupKey, now-q.dedupWindow.Milliseconds()).Scan(&existing)
		if err == nil {
			logging.Get(logging.CategoryQueue).Debug("enqueue deduplicated")
			return existing, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("failed dedup lookup: %w", err)
		}
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}

	id := uuid.NewString()
	visibleAt := now + opts.Delay.Milliseconds()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_jobs (id, queue, payload, priority, state, max_attempts, dedup_key, visible_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'pending', ?, ?, ?, ?, ?)`,
		id, queue, payload, opts.Priority, maxAttempts, opts.DedupKey, visibleAt, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue: %w", err)
	}
	return id, nil
}

// Reserve claims the next ready job: highest priority band first, FIFO
// within a band. Expired active jobs (visibility passed) are reservable
// again. Returns ErrEmpty when nothing is ready.
func (q *SQLiteQueue) Reserve(ctx context.Context, queue, workerID string, visibility time.Duration) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	now := nowMillis()
	row := q.db.QueryRowContext(ctx,
		`SELECT id, payload, priority, attempts, max_attempts, COALESCE(last_error, ''), created_at
		 FROM queue_jobs
		 WHERE queue = ? AND state IN ('pending', 'active') AND visible_at <= ?
		 ORDER BY priority DESC, created_at ASC, id ASC
		 LIMIT 1`, queue, now)

	var j Job
	var createdAt int64
	err := row.Scan(&j.ID, &j.Payload, &j.Priority, &j.Attempts, &j.MaxAttempts, &j.LastError, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve: %w", err)
	}

	deadline := now + visibility.Milliseconds()
	_, err = q.db.ExecContext(ctx,
		`UPDATE queue_jobs SET state = 'active', reserved_by = ?, visible_at = ?, updated_at = ? WHERE id = ?`,
		workerID, deadline, now, j.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark job active: %w", err)
	}

	j.Queue = queue
	j.State = StateActive
	j.ReservedBy = workerID
	j.VisibleAt = time.UnixMilli(deadline)
	j.CreatedAt = time.UnixMilli(createdAt)
	return &j, nil
}

// Ack completes a reserved job.
func (q *SQLiteQueue) Ack(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.ExecContext(ctx,
		`UPDATE queue_jobs SET state = 'completed', updated_at = ? WHERE id = ? AND state = 'active' AND reserved_by = ?`,
		nowMillis(), job.ID, job.ReservedBy)
	if err != nil {
		return fmt.Errorf("failed to ack: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotReserved
	}
	return nil
}

// Nack records a failure. Below the attempt cap the job returns to
// pending after an exponential backoff; at the cap it moves to the
// dead-letter companion queue.
func (q *SQLiteQueue) Nack(ctx context.Context, job *Job, cause error, policy RetryPolicy) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := nowMillis()
	attempts := job.Attempts + 1
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = job.MaxAttempts
	}

	errText := ""
	if cause != nil {
		errText = cause.Error()
	}

	if attempts >= maxAttempts {
		res, err := q.db.ExecContext(ctx,
			`UPDATE queue_jobs SET state = 'dead', queue = queue || ?, attempts = ?, last_error = ?, updated_at = ?
			 WHERE id = ? AND state = 'active' AND reserved_by = ?`,
			DeadSuffix, attempts, errText, now, job.ID, job.ReservedBy)
		if err != nil {
			return fmt.Errorf("failed to dead-letter: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotReserved
		}
		logging.Get(logging.CategoryQueue).Warn("job dead-lettered")
		return nil
	}

	delay := retryDelay(policy, attempts)
	res, err := q.db.ExecContext(ctx,
		`UPDATE queue_jobs SET state = 'pending', attempts = ?, last_error = ?, visible_at = ?, reserved_by = NULL, updated_at = ?
		 WHERE id = ? AND state = 'active' AND reserved_by = ?`,
		attempts, errText, now+delay.Milliseconds(), now, job.ID, job.ReservedBy)
	if err != nil {
		return fmt.Errorf("failed to nack: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotReserved
	}
	return nil
}

// Stats counts jobs by state. Dead jobs live on the companion queue.
func (q *SQLiteQueue) Stats(ctx context.Context, queue string) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{Queue: queue}
	now := nowMillis()

	rows, err := q.db.QueryContext(ctx,
		`SELECT state, visible_at <= ? AS expired, COUNT(*) FROM queue_jobs WHERE queue = ? OR queue = ?
		 GROUP BY state, expired`,
		now, queue, queue+DeadSuffix)
	if err != nil {
		return stats, fmt.Errorf("failed to query stats: %w", err)
	}

	for rows.Next() {
		var state State
		var expired bool
		var n int
		if err := rows.Scan(&state, &expired, &n); err != nil {
			rows.Close()
			return stats, err
		}
		switch state {
		case StatePending:
			stats.Pending += n
		case StateActive:
			// An expired reservation is effectively pending again.
			if expired {
				stats.Pending += n
			} else {
				stats.Active += n
			}
		case StateCompleted:
			stats.Completed += n
		case StateDead:
			stats.Dead += n
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return stats, err
	}
	rows.Close()

	// attempts only ever advances on nack, so its sum over live and
	// terminal rows is the cumulative failure count.
	err = q.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(attempts), 0) FROM queue_jobs WHERE queue = ? OR queue = ?`,
		queue, queue+DeadSuffix).Scan(&stats.Failed)
	if err != nil {
		return stats, fmt.Errorf("failed to count failures: %w", err)
	}
	return stats, nil
}

// Close closes the database.
func (q *SQLiteQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.db.Close()
}
