// Package types provides domain models shared across Floodgate components.
//
// It holds the identifiers, request/result models, and error taxonomy that
// every other package refers to, without pulling in any of their
// dependencies.
package types

import "time"

// ClientID is the opaque rate-limit partition key: an API key when
// authentication is enabled, otherwise the caller's source address.
// No two distinct ClientIDs ever share token-bucket state.
type ClientID string

// RequestID identifies one admitted request end to end: queue item, engine
// call, ticket, and log lines all carry the same ID.
type RequestID string

// Priority orders queued requests. Lower values are more urgent.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

// GenerationRequest is the payload handed to the inference engine.
// The admission layer treats it as opaque; fields exist only so the engine
// client can translate them to the wire format.
type GenerationRequest struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
	TopP        float64
	Stop        []string
}

// GenerationResult is the completed output of one engine call.
type GenerationResult struct {
	Text            string
	PromptTokens    int
	GeneratedTokens int
	FinishReason    string
	Latency         time.Duration
}

// TokenEvent is one element of a streaming generation. Final marks the end
// of the stream; a Final event carries no Delta.
type TokenEvent struct {
	Delta string
	Final bool
}
