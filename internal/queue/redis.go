package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"codeatlas/internal/logging"
)

// Priority bands for the Redis backend. Priorities outside the range are
// clamped; within a band ordering is FIFO by ready time.
const (
	minPriority = 0
	maxPriority = 9
)

// RedisQueue is the shared backend for multi-node runs. Pending jobs
// live in per-priority sorted sets scored by ready time; active jobs in
// a sorted set scored by their visibility deadline.
type RedisQueue struct {
	rdb         *redis.Client
	prefix      string
	maxAttempts int
	dedupWindow time.Duration
}

// RedisQueueConfig configures the backend.
type RedisQueueConfig struct {
	URL         string
	Prefix      string
	MaxAttempts int
	DedupWindow time.Duration
}

// NewRedis connects to Redis at the configured URL.
func NewRedis(cfg RedisQueueConfig) (*RedisQueue, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "atlas:q"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 10 * time.Minute
	}
	return &RedisQueue{
		rdb:         redis.NewClient(opts),
		prefix:      cfg.Prefix,
		maxAttempts: cfg.MaxAttempts,
		dedupWindow: cfg.DedupWindow,
	}, nil
}

func (q *RedisQueue) bandKey(queue string, priority int) string {
	return fmt.Sprintf("%s:%s:pending:%d", q.prefix, queue, priority)
}
func (q *RedisQueue) activeKey(queue string) string {
	return fmt.Sprintf("%s:%s:active", q.prefix, queue)
}
func (q *RedisQueue) jobKey(queue, id string) string {
	return fmt.Sprintf("%s:%s:job:%s", q.prefix, queue, id)
}
func (q *RedisQueue) counterKey(queue, name string) string {
	return fmt.Sprintf("%s:%s:%s", q.prefix, queue, name)
}
func (q *RedisQueue) dedupKey(queue, key string) string {
	return fmt.Sprintf("%s:%s:dedup:%s", q.prefix, queue, key)
}
func (q *RedisQueue) deadKey(queue string) string {
	return fmt.Sprintf("%s:%s%s", q.prefix, queue, DeadSuffix)
}

func clampPriority(p int) int {
	if p < minPriority {
		return minPriority
	}
	if p > maxPriority {
		return maxPriority
	}
	return p
}

// reserveScript pops the first ready job across priority bands (KEYS[1..n-1],
// highest first) and moves it to the active set (KEYS[n]) with the new
// visibility deadline. Atomic so concurrent reservers never double-claim.
var reserveScript = redis.NewScript(`
for i = 1, #KEYS - 1 do
	local ids = redis.call('ZRANGEBYSCORE', KEYS[i], '-inf', ARGV[1], 'LIMIT', 0, 1)
	if #ids > 0 then
		redis.call('ZREM', KEYS[i], ids[1])
		redis.call('ZADD', KEYS[#KEYS], ARGV[2], ids[1])
		return ids[1]
	end
end
return false
`)

// enqueueScript writes the dedup marker and the job in one atomic step,
// so a marker can never exist without a job behind it. A marker whose
// job hash is gone (a writer that died mid-enqueue under an older
// scheme, or manual cleanup) is treated as stale and overwritten.
// KEYS: dedup marker, job hash, priority band.
// ARGV: id, payload, priority, max attempts, state, created-at,
// visible-at, job key prefix, dedup window ms.
var enqueueScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing and redis.call('EXISTS', ARGV[8] .. existing) == 1 then
	return existing
end
redis.call('HSET', KEYS[2],
	'payload', ARGV[2],
	'priority', ARGV[3],
	'attempts', 0,
	'max_attempts', ARGV[4],
	'state', ARGV[5],
	'created_at', ARGV[6])
redis.call('ZADD', KEYS[3], ARGV[7], ARGV[1])
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[9])
return ARGV[1]
`)

// Enqueue adds a job to the queue.
func (q *RedisQueue) Enqueue(ctx context.Context, queue string, payload []byte, opts Options) (string, error) {
	id := uuid.NewString()
	if opts.DedupKey == "" {
		return id, q.enqueueJob(ctx, queue, id, payload, opts)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}
	priority := clampPriority(opts.Priority)
	now := time.Now()

	keys := []string{
		q.dedupKey(queue, opts.DedupKey),
		q.jobKey(queue, id),
		q.bandKey(queue, priority),
	}
	res, err := enqueueScript.Run(ctx, q.rdb, keys,
		id, payload, priority, maxAttempts, string(StatePending),
		now.UnixMilli(), now.Add(opts.Delay).UnixMilli(),
		q.jobKey(queue, ""), q.dedupWindow.Milliseconds()).Result()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue: %w", err)
	}
	got, ok := res.(string)
	if !ok || got == "" {
		return "", fmt.Errorf("failed to enqueue: unexpected reply %v", res)
	}
	if got != id {
		logging.Get(logging.CategoryQueue).Debug("enqueue deduplicated")
	}
	return got, nil
}

func (q *RedisQueue) enqueueJob(ctx context.Context, queue, id string, payload []byte, opts Options) error {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}
	priority := clampPriority(opts.Priority)
	now := time.Now()
	visibleAt := now.Add(opts.Delay).UnixMilli()

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(queue, id), map[string]any{
		"payload":      payload,
		"priority":     priority,
		"attempts":     0,
		"max_attempts": maxAttempts,
		"state":        string(StatePending),
		"created_at":   now.UnixMilli(),
	})
	pipe.ZAdd(ctx, q.bandKey(queue, priority), redis.Z{Score: float64(visibleAt), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}
	return nil
}

// Reserve claims the next ready job, reclaiming expired reservations
// first. Returns ErrEmpty when nothing is ready.
func (q *RedisQueue) Reserve(ctx context.Context, queue, workerID string, visibility time.Duration) (*Job, error) {
	now := time.Now()
	if err := q.reclaimExpired(ctx, queue, now); err != nil {
		return nil, err
	}

	keys := make([]string, 0, maxPriority-minPriority+2)
	for p := maxPriority; p >= minPriority; p-- {
		keys = append(keys, q.bandKey(queue, p))
	}
	keys = append(keys, q.activeKey(queue))

	deadline := now.Add(visibility).UnixMilli()
	res, err := reserveScript.Run(ctx, q.rdb, keys, now.UnixMilli(), deadline).Result()
	if err == redis.Nil || res == nil {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve: %w", err)
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return nil, ErrEmpty
	}

	fields, err := q.rdb.HGetAll(ctx, q.jobKey(queue, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}

	j := &Job{
		ID:         id,
		Queue:      queue,
		State:      StateActive,
		ReservedBy: workerID,
		VisibleAt:  time.UnixMilli(deadline),
	}
	j.Payload = []byte(fields["payload"])
	j.Priority, _ = strconv.Atoi(fields["priority"])
	j.Attempts, _ = strconv.Atoi(fields["attempts"])
	j.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	j.LastError = fields["last_error"]
	if created, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		j.CreatedAt = time.UnixMilli(created)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(queue, id), "state", string(StateActive), "reserved_by", workerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to mark job active: %w", err)
	}
	return j, nil
}

// reclaimExpired returns jobs whose visibility deadline passed to their
// pending band.
func (q *RedisQueue) reclaimExpired(ctx context.Context, queue string, now time.Time) error {
	ids, err := q.rdb.ZRangeByScore(ctx, q.activeKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to scan expired reservations: %w", err)
	}
	for _, id := range ids {
		priority := minPriority
		if p, err := q.rdb.HGet(ctx, q.jobKey(queue, id), "priority").Result(); err == nil {
			priority, _ = strconv.Atoi(p)
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.activeKey(queue), id)
		pipe.ZAdd(ctx, q.bandKey(queue, clampPriority(priority)), redis.Z{
			Score: float64(now.UnixMilli()), Member: id,
		})
		pipe.HSet(ctx, q.jobKey(queue, id), "state", string(StatePending), "reserved_by", "")
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to reclaim job %s: %w", id, err)
		}
		logging.Get(logging.CategoryQueue).Debug("reclaimed expired reservation")
	}
	return nil
}

// Ack completes a reserved job.
func (q *RedisQueue) Ack(ctx context.Context, job *Job) error {
	removed, err := q.rdb.ZRem(ctx, q.activeKey(job.Queue), job.ID).Result()
	if err != nil {
		return fmt.Errorf("failed to ack: %w", err)
	}
	if removed == 0 {
		return ErrNotReserved
	}
	pipe := q.rdb.TxPipeline()
	pipe.Incr(ctx, q.counterKey(job.Queue, "completed"))
	// The hash outlives the ack for the dedup window, so a dedup marker
	// pointing at a completed job still suppresses re-enqueue.
	pipe.HSet(ctx, q.jobKey(job.Queue, job.ID), "state", string(StateCompleted))
	pipe.PExpire(ctx, q.jobKey(job.Queue, job.ID), q.dedupWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to finalize ack: %w", err)
	}
	return nil
}

// Nack fails a reserved job: backoff then retry, or dead-letter at the
// attempt cap.
func (q *RedisQueue) Nack(ctx context.Context, job *Job, cause error, policy RetryPolicy) error {
	removed, err := q.rdb.ZRem(ctx, q.activeKey(job.Queue), job.ID).Result()
	if err != nil {
		return fmt.Errorf("failed to nack: %w", err)
	}
	if removed == 0 {
		return ErrNotReserved
	}

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
		pipe := q.rdb.TxPipeline()
		pipe.Incr(ctx, q.counterKey(job.Queue, "failed"))
		pipe.HSet(ctx, q.jobKey(job.Queue, job.ID), "state", string(StateDead), "attempts", attempts, "last_error", errText)
		pipe.LPush(ctx, q.deadKey(job.Queue), job.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to dead-letter: %w", err)
		}
		logging.Get(logging.CategoryQueue).Warn("job dead-lettered")
		return nil
	}

	delay := retryDelay(policy, attempts)
	visibleAt := time.Now().Add(delay).UnixMilli()
	pipe := q.rdb.TxPipeline()
	pipe.Incr(ctx, q.counterKey(job.Queue, "failed"))
	pipe.HSet(ctx, q.jobKey(job.Queue, job.ID), "state", string(StatePending), "attempts", attempts, "last_error", errText, "reserved_by", "")
	pipe.ZAdd(ctx, q.bandKey(job.Queue, clampPriority(job.Priority)), redis.Z{Score: float64(visibleAt), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to requeue: %w", err)
	}
	return nil
}

// Stats counts jobs by state.
func (q *RedisQueue) Stats(ctx context.Context, queue string) (Stats, error) {
	stats := Stats{Queue: queue}
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	for p := minPriority; p <= maxPriority; p++ {
		n, err := q.rdb.ZCard(ctx, q.bandKey(queue, p)).Result()
		if err != nil {
			return stats, fmt.Errorf("failed to count pending: %w", err)
		}
		stats.Pending += int(n)
	}

	expired, err := q.rdb.ZCount(ctx, q.activeKey(queue), "-inf", now).Result()
	if err != nil {
		return stats, fmt.Errorf("failed to count expired: %w", err)
	}
	stats.Pending += int(expired)

	active, err := q.rdb.ZCount(ctx, q.activeKey(queue), "("+now, "+inf").Result()
	if err != nil {
		return stats, fmt.Errorf("failed to count active: %w", err)
	}
	stats.Active = int(active)

	if n, err := q.rdb.Get(ctx, q.counterKey(queue, "completed")).Int(); err == nil {
		stats.Completed = n
	}
	if n, err := q.rdb.Get(ctx, q.counterKey(queue, "failed")).Int(); err == nil {
		stats.Failed = n
	}
	if n, err := q.rdb.LLen(ctx, q.deadKey(queue)).Result(); err == nil {
		stats.Dead = int(n)
	}
	return stats, nil
}

// Close closes the Redis client.
func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}
