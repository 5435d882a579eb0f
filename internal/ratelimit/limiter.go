// Package ratelimit provides per-client token-bucket admission control.
//
// One RateLimiter instance is shared by all request handlers in a process.
// Buckets are created on first sight of a client identity and evicted after
// an idle period to bound memory. Eviction is a hygiene measure, never a
// correctness requirement: an evicted client simply gets a fresh bucket at
// full capacity on its next request.
//
// Locking discipline: the limiter's RWMutex guards only the bucket map.
// Debits take the per-bucket mutex, so clients never contend with each
// other on the hot path.
package ratelimit

import (
	"sync"
	"time"

	"github.com/solatis/floodgate/internal/types"
)

// Defaults match a deployment of 60 requests/minute with a modest burst.
const (
	defaultRequestsPerMinute = 60
	maxDefaultBurst          = 100
	defaultIdleTTL           = time.Hour
	defaultCleanupInterval   = 5 * time.Minute
)

// Config holds rate limiter parameters.
type Config struct {
	RequestsPerMinute int
	Burst             int
	IdleTTL           time.Duration
	CleanupInterval   time.Duration
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // populated only on denial
	Remaining  float64       // tokens left after the check
}

// RateLimiter owns one token bucket per client identity.
type RateLimiter struct {
	mu          sync.RWMutex
	buckets     map[types.ClientID]*TokenBucket
	rate        float64 // tokens per second
	burst       float64
	idleTTL     time.Duration
	cleanupEvry time.Duration
	lastCleanup time.Time

	now func() time.Time // injectable clock for tests
}

// New constructs a RateLimiter with defaults applied.
func New(cfg Config) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRequestsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RequestsPerMinute
		if cfg.Burst > maxDefaultBurst {
			cfg.Burst = maxDefaultBurst
		}
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	return &RateLimiter{
		buckets:     make(map[types.ClientID]*TokenBucket),
		rate:        float64(cfg.RequestsPerMinute) / 60.0,
		burst:       float64(cfg.Burst),
		idleTTL:     cfg.IdleTTL,
		cleanupEvry: cfg.CleanupInterval,
		now:         time.Now,
	}
}

// CheckAndConsume admits or denies one request for clientID, debiting cost
// tokens on admission. Never blocks: denial is immediate, with a RetryAfter
// estimate of (cost - tokens) / refill rate.
func (l *RateLimiter) CheckAndConsume(clientID types.ClientID, cost float64) Decision {
	now := l.now()
	bucket := l.bucket(clientID, now)

	ok, retryAfter := bucket.take(cost, now)

	l.maybeCleanup(now)

	if !ok {
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}
	return Decision{Allowed: true, Remaining: bucket.level(now)}
}

// ClientCount reports the number of live buckets. Exposed for stats.
func (l *RateLimiter) ClientCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// bucket returns the client's bucket, creating it at full capacity when the
// client is first seen.
func (l *RateLimiter) bucket(clientID types.ClientID, now time.Time) *TokenBucket {
	l.mu.RLock()
	b, ok := l.buckets[clientID]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check: another goroutine may have created the bucket between the
	// read unlock and the write lock.
	if b, ok := l.buckets[clientID]; ok {
		return b
	}
	b = newBucket(l.burst, l.rate, now)
	l.buckets[clientID] = b
	return b
}

// maybeCleanup evicts buckets idle longer than IdleTTL, at most once per
// CleanupInterval. Runs inline on the request path; the sweep is O(clients)
// and rare enough not to matter.
func (l *RateLimiter) maybeCleanup(now time.Time) {
	l.mu.RLock()
	due := now.Sub(l.lastCleanup) >= l.cleanupEvry
	l.mu.RUnlock()
	if !due {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastCleanup) < l.cleanupEvry {
		return
	}
	l.lastCleanup = now

	for id, b := range l.buckets {
		if now.Sub(b.idleSince()) > l.idleTTL {
			delete(l.buckets, id)
		}
	}
}
