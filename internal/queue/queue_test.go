package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastRetry keeps nacked jobs nearly immediately visible so tests do not
// wait out real backoff windows.
var fastRetry = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     5 * time.Millisecond,
}

// runQueueContract exercises the behavior both backends must share.
func runQueueContract(t *testing.T, q Queue) {
	ctx := context.Background()

	t.Run("enqueue and reserve round-trip", func(t *testing.T) {
		id, err := q.Enqueue(ctx, "contract-basic", []byte(`{"n":1}`), Options{})
		require.NoError(t, err)
		require.NotEmpty(t, id)

		job, err := q.Reserve(ctx, "contract-basic", "w1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, id, job.ID)
		assert.Equal(t, []byte(`{"n":1}`), job.Payload)
		assert.Equal(t, StateActive, job.State)

		require.NoError(t, q.Ack(ctx, job))

		_, err = q.Reserve(ctx, "contract-basic", "w1", time.Minute)
		require.ErrorIs(t, err, ErrEmpty)
	})

	t.Run("higher priority reserves first", func(t *testing.T) {
		low, err := q.Enqueue(ctx, "contract-prio", []byte("low"), Options{Priority: 0})
		require.NoError(t, err)
		high, err := q.Enqueue(ctx, "contract-prio", []byte("high"), Options{Priority: 5})
		require.NoError(t, err)

		first, err := q.Reserve(ctx, "contract-prio", "w1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, high, first.ID)

		second, err := q.Reserve(ctx, "contract-prio", "w1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, low, second.ID)

		require.NoError(t, q.Ack(ctx, first))
		require.NoError(t, q.Ack(ctx, second))
	})

	t.Run("delayed job is invisible until due", func(t *testing.T) {
		_, err := q.Enqueue(ctx, "contract-delay", []byte("later"), Options{Delay: 80 * time.Millisecond})
		require.NoError(t, err)

		_, err = q.Reserve(ctx, "contract-delay", "w1", time.Minute)
		require.ErrorIs(t, err, ErrEmpty)

		require.Eventually(t, func() bool {
			job, err := q.Reserve(ctx, "contract-delay", "w1", time.Minute)
			if err != nil {
				return false
			}
			return q.Ack(ctx, job) == nil
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("dedup key suppresses duplicates", func(t *testing.T) {
		first, err := q.Enqueue(ctx, "contract-dedup", []byte("once"), Options{DedupKey: "batch-42"})
		require.NoError(t, err)
		second, err := q.Enqueue(ctx, "contract-dedup", []byte("twice"), Options{DedupKey: "batch-42"})
		require.NoError(t, err)
		assert.Equal(t, first, second)

		stats, err := q.Stats(ctx, "contract-dedup")
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Pending)
	})

	t.Run("nack retries with incremented attempts", func(t *testing.T) {
		id, err := q.Enqueue(ctx, "contract-retry", []byte("flaky"), Options{})
		require.NoError(t, err)

		job, err := q.Reserve(ctx, "contract-retry", "w1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, q.Nack(ctx, job, errors.New("boom"), fastRetry))

		require.Eventually(t, func() bool {
			again, err := q.Reserve(ctx, "contract-retry", "w1", time.Minute)
			if err != nil {
				return false
			}
			assert.Equal(t, id, again.ID)
			assert.Equal(t, 1, again.Attempts)
			assert.Contains(t, again.LastError, "boom")
			return q.Ack(ctx, again) == nil
		}, time.Second, 10*time.Millisecond)

		stats, err := q.Stats(ctx, "contract-retry")
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Failed)
		assert.Equal(t, 1, stats.Completed)
	})

	t.Run("exhausted attempts dead-letter", func(t *testing.T) {
		_, err := q.Enqueue(ctx, "contract-dead", []byte("doomed"), Options{})
		require.NoError(t, err)

		job, err := q.Reserve(ctx, "contract-dead", "w1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, q.Nack(ctx, job, errors.New("fatal input"),
			RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Millisecond}))

		stats, err := q.Stats(ctx, "contract-dead")
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Dead)
		assert.Equal(t, 1, stats.Failed)
		assert.Zero(t, stats.Pending)

		_, err = q.Reserve(ctx, "contract-dead", "w1", time.Minute)
		require.ErrorIs(t, err, ErrEmpty)
	})

	t.Run("expired reservation is reclaimable", func(t *testing.T) {
		id, err := q.Enqueue(ctx, "contract-expire", []byte("abandoned"), Options{})
		require.NoError(t, err)

		_, err = q.Reserve(ctx, "contract-expire", "w1", 20*time.Millisecond)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			job, err := q.Reserve(ctx, "contract-expire", "w2", time.Minute)
			if err != nil {
				return false
			}
			assert.Equal(t, id, job.ID)
			return q.Ack(ctx, job) == nil
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("ack of unreserved job fails", func(t *testing.T) {
		id, err := q.Enqueue(ctx, "contract-noack", []byte("x"), Options{})
		require.NoError(t, err)

		ghost := &Job{ID: id, Queue: "contract-noack", ReservedBy: "nobody"}
		require.ErrorIs(t, q.Ack(ctx, ghost), ErrNotReserved)
	})

	t.Run("stats count states", func(t *testing.T) {
		_, err := q.Enqueue(ctx, "contract-stats", []byte("a"), Options{})
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, "contract-stats", []byte("b"), Options{})
		require.NoError(t, err)

		job, err := q.Reserve(ctx, "contract-stats", "w1", time.Minute)
		require.NoError(t, err)

		stats, err := q.Stats(ctx, "contract-stats")
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Pending)
		assert.Equal(t, 1, stats.Active)

		require.NoError(t, q.Ack(ctx, job))
		stats, err = q.Stats(ctx, "contract-stats")
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Completed)
	})
}
