package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket holds the rate-limit state for a single client.
//
// Refill is lazy: tokens accumulate as elapsed * refillRate, computed at
// check time and clamped to capacity. Tokens are fractional so sub-second
// refill rates debit correctly. Each bucket carries its own mutex; buckets
// for different clients never contend with one another.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time
	lastUsed   time.Time
}

// newBucket creates a bucket at full capacity. A new client's first burst
// is admitted without waiting for refill.
func newBucket(capacity, refillRate float64, now time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: now,
		lastUsed:   now,
	}
}

// take refills the bucket and attempts to debit cost tokens. On denial it
// returns an estimate of how long the client must wait for cost tokens to
// become available.
func (b *TokenBucket) take(cost float64, now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	b.lastUsed = now

	if b.tokens >= cost {
		b.tokens -= cost
		return true, 0
	}

	missing := cost - b.tokens
	retryAfter := time.Duration(missing / b.refillRate * float64(time.Second))
	return false, retryAfter
}

// refill applies lazy refill. Caller must hold b.mu.
func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// level reports the current token count after refill. Used for stats only.
func (b *TokenBucket) level(now time.Time) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now)
	return b.tokens
}

// idleSince reports the last time the bucket was addressed.
func (b *TokenBucket) idleSince() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUsed
}
