// Package logging provides category-scoped structured logging for the
// codeatlas pipeline. Every subsystem logs through a named child of one
// shared zap logger so that output can be filtered per category.
package logging

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names one pipeline subsystem.
type Category string

const (
	CategoryBoot        Category = "boot"
	CategoryScan        Category = "scan"
	CategoryBatch       Category = "batch"
	CategoryQueue       Category = "queue"
	CategoryOutbox      Category = "outbox"
	CategoryPool        Category = "pool"
	CategoryLLM         Category = "llm"
	CategoryAnalysis    Category = "analysis"
	CategoryResolution  Category = "resolution"
	CategoryConfidence  Category = "confidence"
	CategoryTriangulate Category = "triangulate"
	CategoryGraph       Category = "graph"
	CategoryStore       Category = "store"
	CategoryMonitor     Category = "monitor"
	CategoryShutdown    Category = "shutdown"
)

// Config controls the shared logger.
type Config struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	JSONFormat bool   `yaml:"json_format"` // JSON encoding instead of console
	// Disabled categories log nothing; empty map enables everything.
	Categories map[string]bool `yaml:"categories"`
}

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	enabled map[string]bool
	loggers = make(map[Category]*zap.Logger)
)

// Initialize builds the shared logger from config. Safe to call more than
// once; later calls replace the logger (used by tests).
func Initialize(cfg Config) error {
	level := zapcore.InfoLevel
	switch cfg.Level {
	case "", "info":
	case "debug":
		level = zapcore.DebugLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		return fmt.Errorf("unknown log level %q", cfg.Level)
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	if !cfg.JSONFormat {
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	logger, err := zc.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	root = logger
	enabled = cfg.Categories
	loggers = make(map[Category]*zap.Logger)
	return nil
}

// Get returns the logger for a category. Disabled categories get a no-op
// logger so call sites never need to guard.
func Get(category Category) *zap.Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	var l *zap.Logger
	if on, found := enabled[string(category)]; found && !on {
		l = zap.NewNop()
	} else {
		l = root.Named(string(category))
	}
	loggers[category] = l
	return l
}

// Sync flushes buffered log entries. Called at shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}

// Timer measures an operation's duration and debug-logs it on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the elapsed time at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("operation complete",
		zap.String("op", t.op), zap.Duration("elapsed", elapsed))
	return elapsed
}

// StopWithThreshold warns when the operation exceeded the threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	l := Get(t.category)
	if elapsed > threshold {
		l.Warn("slow operation",
			zap.String("op", t.op), zap.Duration("elapsed", elapsed),
			zap.Duration("threshold", threshold))
	} else {
		l.Debug("operation complete",
			zap.String("op", t.op), zap.Duration("elapsed", elapsed))
	}
	return elapsed
}
