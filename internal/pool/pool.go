// Package pool runs bounded worker pools over the queue layer: one pool
// per job kind, each with adaptive concurrency and a circuit breaker,
// all sharing one global concurrency budget.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"codeatlas/internal/config"
	"codeatlas/internal/logging"
	"codeatlas/internal/queue"
)

// Handler processes one job payload. A nil return acks the job; an
// error nacks it for retry under the pool's policy.
type Handler func(ctx context.Context, payload []byte) error

// Policy bounds one pool.
type Policy struct {
	Queue      string
	MinWorkers int
	MaxWorkers int
	Visibility time.Duration
	Retry      queue.RetryPolicy
}

// Status is a point-in-time view of one pool.
type Status struct {
	Kind         string  `json:"kind"`
	Queue        string  `json:"queue"`
	Concurrency  int     `json:"concurrency"`
	Inflight     int     `json:"inflight"`
	SuccessRate  float64 `json:"success_rate"`
	Samples      int     `json:"samples"`
	CircuitState string  `json:"circuit_state"`
}

// pool is the per-kind state the manager controls.
type pool struct {
	kind    string
	handler Handler
	policy  Policy

	mu          sync.Mutex
	concurrency int
	window      *rollingWindow

	inflight atomic.Int64
	breaker  *gobreaker.CircuitBreaker
}

func (p *pool) currentConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.concurrency
}

func (p *pool) setConcurrency(n int) {
	if n < p.policy.MinWorkers {
		n = p.policy.MinWorkers
	}
	if n > p.policy.MaxWorkers {
		n = p.policy.MaxWorkers
	}
	p.mu.Lock()
	p.concurrency = n
	p.mu.Unlock()
}

func (p *pool) record(success bool) {
	p.mu.Lock()
	p.window.add(success)
	p.mu.Unlock()
}

func (p *pool) rates() (successRate, failureRate float64, samples int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.window.rates()
}

// rollingWindow is a fixed-size ring of job outcomes.
type rollingWindow struct {
	outcomes []bool
	idx      int
	filled   int
}

func newRollingWindow(size int) *rollingWindow {
	if size <= 0 {
		size = 20
	}
	return &rollingWindow{outcomes: make([]bool, size)}
}

func (w *rollingWindow) add(success bool) {
	w.outcomes[w.idx] = success
	w.idx = (w.idx + 1) % len(w.outcomes)
	if w.filled < len(w.outcomes) {
		w.filled++
	}
}

func (w *rollingWindow) rates() (successRate, failureRate float64, samples int) {
	if w.filled == 0 {
		return 1, 0, 0
	}
	successes := 0
	for i := 0; i < w.filled; i++ {
		if w.outcomes[i] {
			successes++
		}
	}
	s := float64(successes) / float64(w.filled)
	return s, 1 - s, w.filled
}

// Manager owns every pool plus the global concurrency semaphore.
type Manager struct {
	queue  queue.Queue
	cfg    config.WorkerConfig
	poll   time.Duration
	global *semaphore.Weighted
	log    *zap.Logger

	mu      sync.Mutex
	pools   map[string]*pool
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager builds an empty manager; pools are added via Register.
func NewManager(q queue.Queue, cfg config.WorkerConfig, pollInterval time.Duration) *Manager {
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	maxGlobal := cfg.MaxGlobalConcurrency
	if maxGlobal <= 0 {
		maxGlobal = 50
	}
	return &Manager{
		queue:  q,
		cfg:    cfg,
		poll:   pollInterval,
		global: semaphore.NewWeighted(int64(maxGlobal)),
		log:    logging.Get(logging.CategoryPool),
		pools:  make(map[string]*pool),
	}
}

// Register adds a pool for one job kind. Must be called before Start.
func (m *Manager) Register(kind string, handler Handler, policy Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("cannot register pool %s after start", kind)
	}
	if _, exists := m.pools[kind]; exists {
		return fmt.Errorf("pool %s already registered", kind)
	}
	if policy.MinWorkers <= 0 {
		policy.MinWorkers = 1
	}
	if policy.MaxWorkers < policy.MinWorkers {
		policy.MaxWorkers = policy.MinWorkers
	}
	if policy.Visibility <= 0 {
		policy.Visibility = 5 * time.Minute
	}

	p := &pool{
		kind:        kind,
		handler:     handler,
		policy:      policy,
		concurrency: policy.MinWorkers,
		window:      newRollingWindow(m.cfg.RollingWindow),
	}
	if m.cfg.CircuitBreakerEnabled {
		consecutive := uint32(m.cfg.BreakerConsecutiveFailures)
		if consecutive == 0 {
			consecutive = 5
		}
		cooldown := m.cfg.BreakerCooldown.Std()
		if cooldown <= 0 {
			cooldown = 30 * time.Second
		}
		p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        kind,
			MaxRequests: 1, // single half-open probe
			Timeout:     cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= consecutive
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				m.log.Warn("circuit state change",
					zap.String("pool", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
	}
	m.pools[kind] = p
	return nil
}

// Start launches the dispatch loop for every registered pool plus the
// adaptive concurrency controller.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("manager already started")
	}
	if len(m.pools) == 0 {
		return fmt.Errorf("no pools registered")
	}
	m.started = true

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, p := range m.pools {
		m.wg.Add(1)
		go func(p *pool) {
			defer m.wg.Done()
			m.dispatch(runCtx, p)
		}(p)
	}

	if m.cfg.AdaptiveConcurrency {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.control(runCtx)
		}()
	}

	m.log.Info("worker pools started", zap.Int("pools", len(m.pools)))
	return nil
}

// Shutdown stops reserving, waits for in-flight jobs up to timeout, and
// returns an error if any remain. Abandoned reservations return to
// pending via visibility timeout.
func (m *Manager) Shutdown(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancel
	m.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.log.Info("worker pools drained")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker pools did not drain within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports every pool.
func (m *Manager) Status() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Status, len(m.pools))
	for kind, p := range m.pools {
		successRate, _, samples := p.rates()
		circuit := "disabled"
		if p.breaker != nil {
			circuit = p.breaker.State().String()
		}
		out[kind] = Status{
			Kind:         kind,
			Queue:        p.policy.Queue,
			Concurrency:  p.currentConcurrency(),
			Inflight:     int(p.inflight.Load()),
			SuccessRate:  successRate,
			Samples:      samples,
			CircuitState: circuit,
		}
	}
	return out
}

// dispatch is the reserve loop for one pool: reserve up to the pool's
// current concurrency, run each job on its own goroutine, and throttle
// against the global budget.
func (m *Manager) dispatch(ctx context.Context, p *pool) {
	workerID := p.kind + "-" + uuid.NewString()[:8]
	var jobs sync.WaitGroup
	defer jobs.Wait()

	for {
		if ctx.Err() != nil {
			return
		}

		if int(p.inflight.Load()) >= p.currentConcurrency() || m.circuitOpen(p) {
			if !sleep(ctx, m.poll) {
				return
			}
			continue
		}

		if err := m.global.Acquire(ctx, 1); err != nil {
			return
		}

		job, err := m.queue.Reserve(ctx, p.policy.Queue, workerID, p.policy.Visibility)
		if err != nil {
			m.global.Release(1)
			if err == queue.ErrEmpty {
				if !sleep(ctx, m.poll) {
					return
				}
				continue
			}
			if ctx.Err() != nil {
				return
			}
			m.log.Error("reserve failed", zap.String("pool", p.kind), zap.Error(err))
			if !sleep(ctx, m.poll) {
				return
			}
			continue
		}

		p.inflight.Add(1)
		jobs.Add(1)
		go func(job *queue.Job) {
			defer jobs.Done()
			defer p.inflight.Add(-1)
			defer m.global.Release(1)
			m.execute(ctx, p, job)
		}(job)
	}
}

func (m *Manager) circuitOpen(p *pool) bool {
	return p.breaker != nil && p.breaker.State() == gobreaker.StateOpen
}

func (m *Manager) execute(ctx context.Context, p *pool, job *queue.Job) {
	run := func() error { return p.handler(ctx, job.Payload) }

	var err error
	if p.breaker != nil {
		_, err = p.breaker.Execute(func() (any, error) { return nil, run() })
	} else {
		err = run()
	}

	// Completion uses a detached context: an in-flight job that finished
	// during shutdown must still be acked so it is not redelivered.
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err != nil {
		p.record(false)
		m.log.Warn("job failed",
			zap.String("pool", p.kind), zap.String("job", job.ID),
			zap.Int("attempt", job.Attempts), zap.Error(err))
		if nerr := m.queue.Nack(opCtx, job, err, p.policy.Retry); nerr != nil {
			m.log.Error("nack failed", zap.String("job", job.ID), zap.Error(nerr))
		}
		return
	}

	p.record(true)
	if aerr := m.queue.Ack(opCtx, job); aerr != nil {
		m.log.Error("ack failed", zap.String("job", job.ID), zap.Error(aerr))
	}
}

// control is the adaptive concurrency loop: grow by one while healthy
// and backlogged, halve on a failure burst.
func (m *Manager) control(ctx context.Context) {
	tick := m.cfg.ControlTick.Std()
	if tick <= 0 {
		tick = 2 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			pools := make([]*pool, 0, len(m.pools))
			for _, p := range m.pools {
				pools = append(pools, p)
			}
			m.mu.Unlock()

			for _, p := range pools {
				m.adjust(ctx, p)
			}
		}
	}
}

func (m *Manager) adjust(ctx context.Context, p *pool) {
	successRate, failureRate, samples := p.rates()
	current := p.currentConcurrency()

	if samples >= 5 && failureRate > m.cfg.FailureThreshold {
		next := current / 2
		p.setConcurrency(next)
		m.log.Warn("halving pool concurrency on failure burst",
			zap.String("pool", p.kind),
			zap.Float64("failure_rate", failureRate),
			zap.Int("from", current), zap.Int("to", p.currentConcurrency()))
		return
	}

	if successRate > m.cfg.SuccessRateTarget && current < p.policy.MaxWorkers {
		stats, err := m.queue.Stats(ctx, p.policy.Queue)
		if err != nil || stats.Pending == 0 {
			return
		}
		p.setConcurrency(current + 1)
		m.log.Debug("raising pool concurrency",
			zap.String("pool", p.kind), zap.Int("to", current+1))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
