// Package breaker implements the circuit breaker guarding calls into the
// inference engine.
//
// # State machine
//
// The breaker follows the standard three-state model:
//
//	Closed ──(failures reach threshold)──► Open ──(recovery timeout)──► HalfOpen
//	  ▲                                                                     │
//	  ├────────────(trial successes reach target)────────────────────────────┘
//	  └── any trial failure returns the breaker to Open immediately
//
// # Failure counting policy
//
// Whether Closed-state failures are counted consecutively (reset to zero on
// any success) or within a sliding time window is a deployment policy, not
// a property of this package: both appear in production breakers and the
// upstream behavior is not pinned down. Config.Policy selects one;
// consecutive is the default.
//
// # Concurrency
//
// All methods are safe for concurrent use; a single mutex guards every
// transition so state changes are linearizable with respect to the call
// outcomes the breaker is informed of. In HalfOpen, trial admission and
// trial completion are counted under the same mutex, so the trial limit
// holds even when completions race with new calls. Trials are stamped with
// the half-open round that admitted them; a trial completing after its
// round ended updates the aggregate counters only.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/solatis/floodgate/internal/types"
)

// State is the breaker's position in the three-state machine.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls rejected without reaching the engine
	StateHalfOpen              // limited trial calls allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Policy selects how Closed-state failures are counted.
type Policy string

const (
	// PolicyConsecutive trips on N failures with no intervening success.
	PolicyConsecutive Policy = "consecutive"
	// PolicyWindow trips on N failures within Window, regardless of
	// interleaved successes.
	PolicyWindow Policy = "window"
)

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
	SuccessThreshold int // trial successes needed to close from HalfOpen
	Policy           Policy
	Window           time.Duration // only used by PolicyWindow
}

// Stats is a point-in-time snapshot for operators.
type Stats struct {
	State           State
	Failures        int64
	Successes       int64
	Rejections      int64
	LastStateChange time.Time
}

// Breaker tracks recent call outcomes and gates whether a call may be
// attempted at all.
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	state            State
	generation       uint64      // bumped on every transition; stales old trials
	failures         int         // consecutive policy counter
	failureTimes     []time.Time // window policy timestamps
	trialSuccesses   int
	halfOpenInFlight int
	lastStateChange  time.Time

	totalSuccesses int64
	totalFailures  int64
	totalRejected  int64

	now func() time.Time // injectable clock for tests
}

// New constructs a breaker. Zero config fields get production defaults
// matching the service's historical tuning.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 3
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 3
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyConsecutive
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	b := &Breaker{cfg: cfg, state: StateClosed, now: time.Now}
	b.lastStateChange = b.now()
	return b
}

// Guard wraps exactly one externally-supplied call. It rejects with
// ErrCircuitOpen when the breaker disallows the attempt; otherwise it runs
// the call, records the outcome, and returns the call's error unchanged.
// A call whose context deadline expires counts as a failure, as if the
// engine itself had failed. Guard never retries; retry policy belongs to
// the caller.
func (b *Breaker) Guard(ctx context.Context, call func(context.Context) error) error {
	trial, gen, ok := b.preCall()
	if !ok {
		return types.ErrCircuitOpen
	}

	err := call(ctx)
	b.postCall(trial, gen, err == nil)
	return err
}

// State reports the current state. An Open breaker whose recovery timeout
// has elapsed still reports Open until the next call drives the lazy
// transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns operator-facing counters.
func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:           b.state,
		Failures:        b.totalFailures,
		Successes:       b.totalSuccesses,
		Rejections:      b.totalRejected,
		LastStateChange: b.lastStateChange,
	}
}

// preCall decides whether a call may proceed. trial marks a HalfOpen probe;
// gen stamps the half-open round that admitted it, so a trial completing
// after the round ended is recognized as stale in postCall.
func (b *Breaker) preCall() (trial bool, gen uint64, admitted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, b.generation, true

	case StateOpen:
		if b.now().Sub(b.lastStateChange) < b.cfg.RecoveryTimeout {
			b.totalRejected++
			return false, 0, false
		}
		b.transition(StateHalfOpen)
		fallthrough

	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			b.totalRejected++
			return false, 0, false
		}
		b.halfOpenInFlight++
		return true, b.generation, true

	default:
		return false, b.generation, true
	}
}

// postCall records a completed call's outcome and drives transitions.
func (b *Breaker) postCall(trial bool, gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// A trial from an earlier half-open round: the transition that ended
	// that round already discarded its outcome. Update the totals, touch
	// nothing that drives state.
	if trial && gen != b.generation {
		if success {
			b.totalSuccesses++
		} else {
			b.totalFailures++
		}
		return
	}
	if trial {
		b.halfOpenInFlight--
	}

	if success {
		b.totalSuccesses++
		switch b.state {
		case StateHalfOpen:
			if trial {
				b.trialSuccesses++
				if b.trialSuccesses >= b.cfg.SuccessThreshold {
					b.transition(StateClosed)
				}
			}
		case StateClosed:
			// Success wipes the consecutive counter. Window policy keeps
			// its timestamps: interleaved successes don't excuse failures.
			if b.cfg.Policy == PolicyConsecutive {
				b.failures = 0
			}
		}
		return
	}

	b.totalFailures++
	switch b.state {
	case StateHalfOpen:
		// One trial failure re-isolates the engine; in-flight trials may
		// still complete but their outcomes no longer drive transitions.
		b.transition(StateOpen)

	case StateClosed:
		if b.tripped() {
			b.transition(StateOpen)
		}

	case StateOpen:
		// Late completion of a call admitted before the trip. Counted,
		// nothing to transition.
	}
}

// tripped records one Closed-state failure and reports whether the
// threshold is reached. Caller must hold b.mu.
func (b *Breaker) tripped() bool {
	switch b.cfg.Policy {
	case PolicyWindow:
		now := b.now()
		cutoff := now.Add(-b.cfg.Window)
		kept := b.failureTimes[:0]
		for _, t := range b.failureTimes {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		b.failureTimes = append(kept, now)
		return len(b.failureTimes) >= b.cfg.FailureThreshold

	default:
		b.failures++
		return b.failures >= b.cfg.FailureThreshold
	}
}

// transition moves to a new state and resets the counters that belong to
// the state being left. Caller must hold b.mu.
func (b *Breaker) transition(next State) {
	b.state = next
	b.generation++
	b.lastStateChange = b.now()

	switch next {
	case StateHalfOpen:
		b.trialSuccesses = 0
		b.halfOpenInFlight = 0
	case StateClosed:
		b.failures = 0
		b.failureTimes = b.failureTimes[:0]
	case StateOpen:
		b.failures = 0
		b.failureTimes = b.failureTimes[:0]
	}
}
