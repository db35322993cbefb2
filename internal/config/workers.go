package config

import "time"

// QueueConfig configures the queue layer.
type QueueConfig struct {
	// RedisURL selects the Redis backend when set; empty means the
	// durable SQLite backend.
	RedisURL string `yaml:"redis_url"`

	PollInterval      Duration `yaml:"poll_interval"`
	VisibilityTimeout Duration `yaml:"visibility_timeout"`
	DedupWindow       Duration `yaml:"dedup_window"`
	MaxAttempts       int      `yaml:"max_attempts"`
	BackoffInitial    Duration `yaml:"backoff_initial"`
	BackoffMax        Duration `yaml:"backoff_max"`
}

// DefaultQueueConfig returns queue defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		PollInterval:      Duration(250 * time.Millisecond),
		VisibilityTimeout: Duration(5 * time.Minute),
		DedupWindow:       Duration(10 * time.Minute),
		MaxAttempts:       5,
		BackoffInitial:    Duration(time.Second),
		BackoffMax:        Duration(time.Minute),
	}
}

// WorkerConfig configures the worker pool manager.
type WorkerConfig struct {
	MaxGlobalConcurrency int `yaml:"max_global_concurrency"`
	FileAnalysisWorkers  int `yaml:"file_analysis_workers"`
	RelationshipWorkers  int `yaml:"relationship_workers"`
	TriangulationWorkers int `yaml:"triangulation_workers"`
	GraphBuildWorkers    int `yaml:"graph_build_workers"`

	AdaptiveConcurrency   bool `yaml:"adaptive_concurrency"`
	CircuitBreakerEnabled bool `yaml:"circuit_breaker_enabled"`

	// ControlTick is the cadence of the adaptive concurrency controller.
	ControlTick Duration `yaml:"control_tick"`
	// SuccessRateTarget: rolling success rate above which concurrency
	// grows by one, provided the queue has depth.
	SuccessRateTarget float64 `yaml:"success_rate_target"`
	// FailureThreshold: rolling failure rate that halves concurrency.
	FailureThreshold float64 `yaml:"failure_threshold"`
	// RollingWindow is the sample window for success/failure rates.
	RollingWindow int `yaml:"rolling_window"`

	// Circuit breaker settings (per pool).
	BreakerConsecutiveFailures int      `yaml:"breaker_consecutive_failures"`
	BreakerCooldown            Duration `yaml:"breaker_cooldown"`
}

// DefaultWorkerConfig returns pool defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MaxGlobalConcurrency:       50,
		FileAnalysisWorkers:        8,
		RelationshipWorkers:        8,
		TriangulationWorkers:       4,
		GraphBuildWorkers:          2,
		AdaptiveConcurrency:        true,
		CircuitBreakerEnabled:      true,
		ControlTick:                Duration(2 * time.Second),
		SuccessRateTarget:          0.95,
		FailureThreshold:           0.5,
		RollingWindow:              20,
		BreakerConsecutiveFailures: 5,
		BreakerCooldown:            Duration(30 * time.Second),
	}
}

// BatchConfig configures the file batcher.
type BatchConfig struct {
	Enabled            bool  `yaml:"enabled"`
	SmallFileThreshold int64 `yaml:"small_file_threshold"` // bytes
	MaxBatchChars      int   `yaml:"max_batch_chars"`
	MaxFilesPerBatch   int   `yaml:"max_files_per_batch"`
}

// DefaultBatchConfig returns batcher defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		Enabled:            true,
		SmallFileThreshold: 8 * 1024,
		MaxBatchChars:      50000,
		MaxFilesPerBatch:   20,
	}
}

// ShutdownConfig configures the shutdown coordinator.
type ShutdownConfig struct {
	PhaseTimeout   Duration `yaml:"phase_timeout"`
	TotalTimeout   Duration `yaml:"total_timeout"`
	RetryAttempts  int      `yaml:"retry_attempts"`
	RetryBackoff   Duration `yaml:"retry_backoff"`
	ForceOpTimeout Duration `yaml:"force_op_timeout"`
}

// DefaultShutdownConfig returns shutdown defaults.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		PhaseTimeout:   Duration(15 * time.Second),
		TotalTimeout:   Duration(60 * time.Second),
		RetryAttempts:  2,
		RetryBackoff:   Duration(500 * time.Millisecond),
		ForceOpTimeout: Duration(2 * time.Second),
	}
}
