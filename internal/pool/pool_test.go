package pool

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"codeatlas/internal/config"
	"codeatlas/internal/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestQueue(t *testing.T) *queue.SQLiteQueue {
	t.Helper()
	q, err := queue.NewSQLite(queue.SQLiteQueueConfig{
		Path:        filepath.Join(t.TempDir(), "queue.db"),
		MaxAttempts: 3,
		DedupWindow: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func testWorkerConfig() config.WorkerConfig {
	cfg := config.DefaultWorkerConfig()
	cfg.ControlTick = config.Duration(20 * time.Millisecond)
	cfg.BreakerCooldown = config.Duration(100 * time.Millisecond)
	return cfg
}

func enqueueN(t *testing.T, q queue.Queue, queueName string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := q.Enqueue(context.Background(), queueName,
			[]byte(fmt.Sprintf(`{"n":%d}`, i)), queue.Options{})
		require.NoError(t, err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestManagerProcessesJobs(t *testing.T) {
	q := newTestQueue(t)
	m := NewManager(q, testWorkerConfig(), 10*time.Millisecond)

	var processed atomic.Int64
	require.NoError(t, m.Register("test", func(ctx context.Context, payload []byte) error {
		processed.Add(1)
		return nil
	}, Policy{Queue: "test-queue", MinWorkers: 2, MaxWorkers: 4}))

	enqueueN(t, q, "test-queue", 10)
	require.NoError(t, m.Start(context.Background()))
	defer m.Shutdown(context.Background(), 2*time.Second)

	waitFor(t, 5*time.Second, func() bool { return processed.Load() == 10 })

	stats, err := q.Stats(context.Background(), "test-queue")
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Completed)
	assert.Zero(t, stats.Pending)
}

func TestManagerNacksFailedJobs(t *testing.T) {
	q := newTestQueue(t)
	cfg := testWorkerConfig()
	cfg.CircuitBreakerEnabled = false
	m := NewManager(q, cfg, 10*time.Millisecond)

	var attempts atomic.Int64
	require.NoError(t, m.Register("flaky", func(ctx context.Context, payload []byte) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient failure")
		}
		return nil
	}, Policy{
		Queue: "flaky-queue", MinWorkers: 1, MaxWorkers: 1,
		Retry: queue.RetryPolicy{MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond},
	}))

	enqueueN(t, q, "flaky-queue", 1)
	require.NoError(t, m.Start(context.Background()))
	defer m.Shutdown(context.Background(), 2*time.Second)

	waitFor(t, 5*time.Second, func() bool {
		stats, err := q.Stats(context.Background(), "flaky-queue")
		return err == nil && stats.Completed == 1
	})
	assert.GreaterOrEqual(t, attempts.Load(), int64(2))
}

func TestManagerExhaustedJobGoesDead(t *testing.T) {
	q := newTestQueue(t)
	cfg := testWorkerConfig()
	cfg.CircuitBreakerEnabled = false
	m := NewManager(q, cfg, 10*time.Millisecond)

	require.NoError(t, m.Register("doomed", func(ctx context.Context, payload []byte) error {
		return errors.New("permanent failure")
	}, Policy{
		Queue: "doomed-queue", MinWorkers: 1, MaxWorkers: 1,
		Retry: queue.RetryPolicy{MaxAttempts: 2, InitialBackoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond},
	}))

	enqueueN(t, q, "doomed-queue", 1)
	require.NoError(t, m.Start(context.Background()))
	defer m.Shutdown(context.Background(), 2*time.Second)

	waitFor(t, 5*time.Second, func() bool {
		stats, err := q.Stats(context.Background(), "doomed-queue"+queue.DeadSuffix)
		return err == nil && stats.Dead == 1
	})
}

func TestCircuitBreakerOpensOnConsecutiveFailures(t *testing.T) {
	q := newTestQueue(t)
	cfg := testWorkerConfig()
	cfg.BreakerConsecutiveFailures = 3
	cfg.AdaptiveConcurrency = false
	m := NewManager(q, cfg, 5*time.Millisecond)

	require.NoError(t, m.Register("broken", func(ctx context.Context, payload []byte) error {
		return errors.New("downstream down")
	}, Policy{
		Queue: "broken-queue", MinWorkers: 1, MaxWorkers: 1,
		Retry: queue.RetryPolicy{MaxAttempts: 10, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	}))

	enqueueN(t, q, "broken-queue", 6)
	require.NoError(t, m.Start(context.Background()))
	defer m.Shutdown(context.Background(), 2*time.Second)

	waitFor(t, 5*time.Second, func() bool {
		return m.Status()["broken"].CircuitState == "open"
	})
}

func TestAdaptiveConcurrencyGrowsUnderBacklog(t *testing.T) {
	q := newTestQueue(t)
	cfg := testWorkerConfig()
	m := NewManager(q, cfg, 5*time.Millisecond)

	block := make(chan struct{})
	require.NoError(t, m.Register("busy", func(ctx context.Context, payload []byte) error {
		select {
		case <-block:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, Policy{Queue: "busy-queue", MinWorkers: 1, MaxWorkers: 4}))

	// Pre-seed a perfect success window so the controller sees a healthy
	// pool with backlog.
	enqueueN(t, q, "busy-queue", 30)
	require.NoError(t, m.Start(context.Background()))
	defer func() {
		close(block)
		m.Shutdown(context.Background(), 2*time.Second)
	}()

	// Let a few jobs through to build a success history.
	for i := 0; i < 5; i++ {
		block <- struct{}{}
	}

	waitFor(t, 5*time.Second, func() bool {
		return m.Status()["busy"].Concurrency > 1
	})
}

func TestShutdownWaitsForInflight(t *testing.T) {
	q := newTestQueue(t)
	cfg := testWorkerConfig()
	cfg.AdaptiveConcurrency = false
	m := NewManager(q, cfg, 5*time.Millisecond)

	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, m.Register("slow", func(ctx context.Context, payload []byte) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
		return nil
	}, Policy{Queue: "slow-queue", MinWorkers: 1, MaxWorkers: 1}))

	enqueueN(t, q, "slow-queue", 1)
	require.NoError(t, m.Start(context.Background()))

	<-started
	require.NoError(t, m.Shutdown(context.Background(), 2*time.Second))
	assert.True(t, finished.Load())

	// The finished job must have been acked despite shutdown.
	stats, err := q.Stats(context.Background(), "slow-queue")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
}

func TestRegisterAfterStartFails(t *testing.T) {
	q := newTestQueue(t)
	m := NewManager(q, testWorkerConfig(), 10*time.Millisecond)
	require.NoError(t, m.Register("a", func(context.Context, []byte) error { return nil },
		Policy{Queue: "a-queue", MinWorkers: 1, MaxWorkers: 1}))
	require.NoError(t, m.Start(context.Background()))
	defer m.Shutdown(context.Background(), time.Second)

	assert.Error(t, m.Register("b", func(context.Context, []byte) error { return nil },
		Policy{Queue: "b-queue", MinWorkers: 1, MaxWorkers: 1}))
}

func TestRollingWindowRates(t *testing.T) {
	w := newRollingWindow(4)
	s, f, n := w.rates()
	assert.Equal(t, 1.0, s)
	assert.Equal(t, 0.0, f)
	assert.Zero(t, n)

	w.add(true)
	w.add(true)
	w.add(false)
	w.add(false)
	s, f, n = w.rates()
	assert.InDelta(t, 0.5, s, 1e-9)
	assert.InDelta(t, 0.5, f, 1e-9)
	assert.Equal(t, 4, n)

	// Ring wraps: oldest sample evicted.
	w.add(true)
	s, _, n = w.rates()
	assert.InDelta(t, 0.75, s, 1e-9)
	assert.Equal(t, 4, n)
}
