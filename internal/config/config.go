// Package config loads and validates codeatlas configuration from YAML
// with environment variable overrides. Each pipeline area has its own
// config struct; Default() returns the documented defaults and Validate()
// fast-fails on fatal misconfiguration before any component starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"codeatlas/internal/logging"
)

// Config holds all codeatlas configuration.
type Config struct {
	Name string `yaml:"name"`

	LLM           LLMConfig           `yaml:"llm"`
	Store         StoreConfig         `yaml:"store"`
	Graph         GraphConfig         `yaml:"graph"`
	Queue         QueueConfig         `yaml:"queue"`
	Workers       WorkerConfig        `yaml:"workers"`
	Batch         BatchConfig         `yaml:"batch"`
	Confidence    ConfidenceConfig    `yaml:"confidence"`
	Triangulation TriangulationConfig `yaml:"triangulation"`
	Shutdown      ShutdownConfig      `yaml:"shutdown"`
	Logging       logging.Config      `yaml:"logging"`
}

// StoreConfig configures the relational store.
type StoreConfig struct {
	// Path to the SQLite database file. ":memory:" is valid for tests.
	Path string `yaml:"path"`
}

// GraphConfig configures the graph store.
type GraphConfig struct {
	// Path to the graph SQLite database. Empty means share the relational
	// store's directory with a "graph.db" filename.
	Path string `yaml:"path"`
	// TxBatchSize bounds how many merges the graph builder applies per
	// transaction.
	TxBatchSize int `yaml:"tx_batch_size"`
}

// Default returns the full default configuration.
func Default() Config {
	return Config{
		Name:          "codeatlas",
		LLM:           DefaultLLMConfig(),
		Store:         StoreConfig{Path: ".atlas/atlas.db"},
		Graph:         GraphConfig{Path: ".atlas/graph.db", TxBatchSize: 100},
		Queue:         DefaultQueueConfig(),
		Workers:       DefaultWorkerConfig(),
		Batch:         DefaultBatchConfig(),
		Confidence:    DefaultConfidenceConfig(),
		Triangulation: DefaultTriangulationConfig(),
		Shutdown:      DefaultShutdownConfig(),
		Logging:       logging.Config{Level: "info"},
	}
}

// Load reads YAML config from path, layered over defaults, then applies
// environment overrides. A missing file is not an error: defaults + env
// are used.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks invariants that would make components refuse to start.
func (c *Config) Validate() error {
	if err := c.Confidence.Validate(); err != nil {
		return err
	}
	if err := c.Triangulation.Validate(); err != nil {
		return err
	}
	if c.Workers.MaxGlobalConcurrency <= 0 {
		return fmt.Errorf("workers.max_global_concurrency must be positive, got %d", c.Workers.MaxGlobalConcurrency)
	}
	if c.Batch.MaxBatchChars <= 0 || c.Batch.MaxFilesPerBatch <= 0 {
		return fmt.Errorf("batch limits must be positive (max_batch_chars=%d, max_files_per_batch=%d)",
			c.Batch.MaxBatchChars, c.Batch.MaxFilesPerBatch)
	}
	if c.LLM.BaseURL != "" && c.LLM.APIKey == "" && !strings.HasPrefix(c.LLM.BaseURL, "http://localhost") {
		return fmt.Errorf("llm.api_key is required when a remote llm.base_url is configured")
	}
	return nil
}

// applyEnvOverrides maps the documented environment keys onto the config.
func (c *Config) applyEnvOverrides() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString("LLM_API_KEY", &c.LLM.APIKey)
	setString("LLM_BASE_URL", &c.LLM.BaseURL)
	setString("LLM_MODEL", &c.LLM.Model)
	setFloat("API_RATE_LIMIT", &c.LLM.RateLimitPerSec)

	setString("SQLITE_PATH", &c.Store.Path)
	setString("GRAPH_SQLITE_PATH", &c.Graph.Path)
	setString("REDIS_URL", &c.Queue.RedisURL)

	setInt("MAX_GLOBAL_CONCURRENCY", &c.Workers.MaxGlobalConcurrency)
	setInt("MAX_FILE_ANALYSIS_WORKERS", &c.Workers.FileAnalysisWorkers)
	setInt("MAX_RELATIONSHIP_WORKERS", &c.Workers.RelationshipWorkers)
	setBool("ADAPTIVE_CONCURRENCY", &c.Workers.AdaptiveConcurrency)
	setBool("CIRCUIT_BREAKER_ENABLED", &c.Workers.CircuitBreakerEnabled)

	setInt("BATCH_SIZE", &c.Batch.MaxFilesPerBatch)
	setBool("FILE_BATCHING_ENABLED", &c.Batch.Enabled)

	setFloat("CONFIDENCE_WEIGHTS_SYNTAX", &c.Confidence.Weights.Syntax)
	setFloat("CONFIDENCE_WEIGHTS_SEMANTIC", &c.Confidence.Weights.Semantic)
	setFloat("CONFIDENCE_WEIGHTS_CONTEXT", &c.Confidence.Weights.Context)
	setFloat("CONFIDENCE_WEIGHTS_CROSSREF", &c.Confidence.Weights.CrossRef)
	setFloat("CONFIDENCE_THRESHOLDS_HIGH", &c.Confidence.Thresholds.High)
	setFloat("CONFIDENCE_THRESHOLDS_MEDIUM", &c.Confidence.Thresholds.Medium)
	setFloat("CONFIDENCE_THRESHOLDS_LOW", &c.Confidence.Thresholds.Low)
	setFloat("CONFIDENCE_THRESHOLDS_ESCALATION", &c.Confidence.EscalationThreshold)

	if v := os.Getenv("ESCALATION_TRIGGERS"); v != "" {
		parts := strings.Split(v, ",")
		triggers := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				triggers = append(triggers, t)
			}
		}
		c.Confidence.Triggers = triggers
	}
}
