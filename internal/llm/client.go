// Package llm provides the LLM client used for POI extraction and
// relationship resolution. The wire protocol is OpenAI-compatible chat
// completions; a token-bucket rate limit and bounded retries sit in
// front of every request.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Client is the contract both workers program against. Implementations
// must be safe for concurrent use.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// HTTPError is a non-2xx response from the provider.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("llm http %d: %s", e.Status, truncate(e.Body, 200))
}

// ErrRateLimited is returned when the local token bucket cannot admit
// the request before the context deadline.
var ErrRateLimited = errors.New("llm rate limit wait exceeded context deadline")

// IsTransient reports whether the error is worth retrying: timeouts,
// rate limiting, and 5xx/429 responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrRateLimited) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == 429 || httpErr.Status >= 500
	}
	// Connection resets and transport errors come through as plain
	// errors from net/http; treat unknown transport failures as
	// transient and let the attempt cap bound them.
	var ctxErr interface{ Timeout() bool }
	if errors.As(err, &ctxErr) {
		return ctxErr.Timeout()
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
