package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for Floodgate admission and isolation outcomes.
//
// Each sentinel maps to a distinct externally observable condition; callers
// must be able to tell "you are asking too fast" from "the system is
// saturated" from "the engine is down", so these are never collapsed.
var (
	// ErrQueueFull indicates the request queue is at capacity. Transient;
	// safe to retry with backoff.
	ErrQueueFull = errors.New("request queue is full")

	// ErrCircuitOpen indicates the engine is isolated after repeated
	// failures. Transient; longer backoff recommended.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTimeout indicates no result arrived within the caller's deadline.
	// The engine may or may not have consumed resources for the request.
	ErrTimeout = errors.New("no result within deadline")

	// ErrShuttingDown indicates the service is draining and no longer
	// accepts work.
	ErrShuttingDown = errors.New("service is shutting down")

	// ErrUnauthorized indicates a missing or unrecognized API key.
	ErrUnauthorized = errors.New("invalid or missing API key")
)

// RateLimitError reports a denied admission. RetryAfter estimates when the
// client's bucket will hold enough tokens for the rejected request.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// EngineError reports a failure inside the inference engine. Detail is
// already scrubbed of engine internals before it reaches callers.
type EngineError struct {
	Detail string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("inference engine error: %s", e.Detail)
}
