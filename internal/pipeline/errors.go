package pipeline

import (
	"context"
	"errors"
	"strings"

	"codeatlas/internal/llm"
)

// Kind classifies pipeline errors for retry and propagation decisions.
type Kind string

const (
	// KindTransient: timeouts, rate limits, 5xx, connection resets.
	// Recovered locally via queue backoff.
	KindTransient Kind = "transient"
	// KindParse: malformed LLM output after the stricter re-prompt.
	// Per-aggregate failure; the pipeline continues.
	KindParse Kind = "parse"
	// KindValidation: schema or invariant breach in one record. The
	// record is dropped and logged.
	KindValidation Kind = "validation"
	// KindStore: relational store contention (busy, locked, unique
	// violation). Retried a small finite number of times.
	KindStore Kind = "store"
	// KindFatal: misconfiguration or corruption. The component refuses
	// to start, or shutdown is triggered.
	KindFatal Kind = "fatal"
)

// ParseError marks a persistently unparseable model response.
type ParseError struct {
	Aggregate string
	Cause     error
}

func (e *ParseError) Error() string {
	return "unparseable response for " + e.Aggregate + ": " + e.Cause.Error()
}

func (e *ParseError) Unwrap() error { return e.Cause }

// ValidationError marks a record that breaches an invariant.
type ValidationError struct {
	Record string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Record + ": " + e.Reason
}

// FatalError refuses component start.
type FatalError struct {
	Component string
	Cause     error
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Component + ": " + e.Cause.Error()
}

func (e *FatalError) Unwrap() error { return e.Cause }

// Classify maps an error onto the taxonomy. Unknown errors default to
// transient so the retry cap, not a guess, bounds them.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var fatal *FatalError
	if errors.As(err, &fatal) {
		return KindFatal
	}
	var parse *ParseError
	if errors.As(err, &parse) {
		return KindParse
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return KindValidation
	}

	if llm.IsTransient(err) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database table is locked"),
		strings.Contains(msg, "SQLITE_BUSY"),
		strings.Contains(msg, "UNIQUE constraint failed"):
		return KindStore
	}

	return KindTransient
}
