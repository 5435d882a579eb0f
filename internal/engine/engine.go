// Package engine defines the inference engine collaborator and its
// OpenAI-compatible client implementation.
//
// The admission layer performs no inference itself: it guards calls into an
// external engine that may be slow, overloaded, or crash-prone. This
// package is the only place that knows the engine's wire format.
package engine

import (
	"context"

	"github.com/solatis/floodgate/internal/types"
)

// Engine is the single operation surface consumed from the inference
// engine. Both calls are opaque to the resilience layer and are never
// retried by it.
type Engine interface {
	// Generate runs one completion to the end and returns the result.
	Generate(ctx context.Context, req *types.GenerationRequest) (*types.GenerationResult, error)

	// GenerateStream starts a streaming completion. The returned stream is
	// finite and not restartable. Setup failure is reported here; errors
	// surfaced later by the stream itself do not count as setup failures.
	GenerateStream(ctx context.Context, req *types.GenerationRequest) (TokenStream, error)
}

// TokenStream is a cancellable, finite, non-restartable sequence of token
// events. Next returns io.EOF after the final event has been delivered.
// Close cancels an in-progress stream; it is safe to call more than once
// and after exhaustion.
type TokenStream interface {
	Next() (types.TokenEvent, error)
	Close() error
}
