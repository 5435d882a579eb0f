package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/solatis/floodgate/internal/types"
)

var errEngine = errors.New("engine unavailable")

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(cfg Config, clock *fakeClock) *Breaker {
	b := New(cfg)
	b.now = clock.Now
	return b
}

func fail(ctx context.Context) error    { return errEngine }
func succeed(ctx context.Context) error { return nil }

func TestClosedPassesThrough(t *testing.T) {
	b := newTestBreaker(Config{}, newFakeClock())

	if err := b.Guard(context.Background(), succeed); err != nil {
		t.Fatalf("Guard returned %v, expected nil", err)
	}
	if err := b.Guard(context.Background(), fail); !errors.Is(err, errEngine) {
		t.Fatalf("Guard returned %v, expected the call's own error", err)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("State = %v, expected closed", got)
	}
}

func TestTripsAtThreshold(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 3}, newFakeClock())

	for i := 0; i < 2; i++ {
		b.Guard(context.Background(), fail)
		if got := b.State(); got != StateClosed {
			t.Fatalf("after %d failures State = %v, expected closed", i+1, got)
		}
	}
	b.Guard(context.Background(), fail)
	if got := b.State(); got != StateOpen {
		t.Fatalf("after 3 failures State = %v, expected open", got)
	}
}

func TestOpenRejectsWithoutCalling(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute}, clock)

	b.Guard(context.Background(), fail)

	called := false
	err := b.Guard(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, types.ErrCircuitOpen) {
		t.Fatalf("Guard returned %v, expected ErrCircuitOpen", err)
	}
	if called {
		t.Error("call ran while the breaker was open")
	}
	if b.Snapshot().Rejections != 1 {
		t.Errorf("Rejections = %d, expected 1", b.Snapshot().Rejections)
	}
}

func TestConsecutivePolicyResetsOnSuccess(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 3, Policy: PolicyConsecutive}, newFakeClock())

	b.Guard(context.Background(), fail)
	b.Guard(context.Background(), fail)
	b.Guard(context.Background(), succeed)
	b.Guard(context.Background(), fail)
	b.Guard(context.Background(), fail)

	if got := b.State(); got != StateClosed {
		t.Errorf("State = %v, expected closed: success should reset the streak", got)
	}
	b.Guard(context.Background(), fail)
	if got := b.State(); got != StateOpen {
		t.Errorf("State = %v, expected open after 3 consecutive failures", got)
	}
}

func TestWindowPolicyCountsThroughSuccesses(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(Config{
		FailureThreshold: 3,
		Policy:           PolicyWindow,
		Window:           time.Minute,
	}, clock)

	b.Guard(context.Background(), fail)
	clock.Advance(10 * time.Second)
	b.Guard(context.Background(), succeed)
	b.Guard(context.Background(), fail)
	clock.Advance(10 * time.Second)
	b.Guard(context.Background(), fail)

	if got := b.State(); got != StateOpen {
		t.Errorf("State = %v, expected open: 3 failures within the window", got)
	}
}

func TestWindowPolicyExpiresOldFailures(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(Config{
		FailureThreshold: 3,
		Policy:           PolicyWindow,
		Window:           time.Minute,
	}, clock)

	b.Guard(context.Background(), fail)
	b.Guard(context.Background(), fail)
	clock.Advance(2 * time.Minute)
	b.Guard(context.Background(), fail)

	if got := b.State(); got != StateClosed {
		t.Errorf("State = %v, expected closed: early failures aged out", got)
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 3,
		SuccessThreshold: 2,
	}, clock)

	b.Guard(context.Background(), fail)
	if got := b.State(); got != StateOpen {
		t.Fatalf("State = %v, expected open", got)
	}

	// Before the recovery timeout, still rejecting.
	clock.Advance(30 * time.Second)
	if err := b.Guard(context.Background(), succeed); !errors.Is(err, types.ErrCircuitOpen) {
		t.Fatalf("Guard returned %v, expected rejection before recovery timeout", err)
	}

	// After the timeout, trials are admitted and successes close.
	clock.Advance(31 * time.Second)
	if err := b.Guard(context.Background(), succeed); err != nil {
		t.Fatalf("trial 1 returned %v, expected nil", err)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("State = %v, expected half_open after first trial", got)
	}
	if err := b.Guard(context.Background(), succeed); err != nil {
		t.Fatalf("trial 2 returned %v, expected nil", err)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("State = %v, expected closed after success threshold", got)
	}
}

func TestHalfOpenTrialFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 3,
	}, clock)

	b.Guard(context.Background(), fail)
	clock.Advance(2 * time.Minute)

	if err := b.Guard(context.Background(), fail); !errors.Is(err, errEngine) {
		t.Fatalf("trial returned %v, expected the engine error", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("State = %v, expected open after failed trial", got)
	}

	// The re-opened breaker rejects again until another recovery timeout.
	if err := b.Guard(context.Background(), succeed); !errors.Is(err, types.ErrCircuitOpen) {
		t.Errorf("Guard returned %v, expected ErrCircuitOpen", err)
	}
}

func TestHalfOpenLimitsConcurrentTrials(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 2,
		SuccessThreshold: 5,
	}, clock)

	b.Guard(context.Background(), fail)
	clock.Advance(2 * time.Minute)

	// Hold two trials in flight and verify the third is rejected.
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	for i := 0; i < 2; i++ {
		go b.Guard(context.Background(), func(ctx context.Context) error {
			started <- struct{}{}
			<-release
			return nil
		})
	}
	<-started
	<-started

	if err := b.Guard(context.Background(), succeed); !errors.Is(err, types.ErrCircuitOpen) {
		t.Errorf("Guard returned %v, expected rejection at trial limit", err)
	}
	close(release)
}

func TestStaleTrialOutcomeDoesNotDriveTransitions(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 2,
		SuccessThreshold: 2,
	}, clock)

	b.Guard(context.Background(), fail)
	clock.Advance(2 * time.Minute)

	// Hold one first-round trial in flight.
	started := make(chan struct{})
	release := make(chan error)
	done := make(chan error, 1)
	go func() {
		done <- b.Guard(context.Background(), func(ctx context.Context) error {
			close(started)
			return <-release
		})
	}()
	<-started

	// A second first-round trial fails and re-opens the breaker.
	b.Guard(context.Background(), fail)
	if got := b.State(); got != StateOpen {
		t.Fatalf("State = %v, expected open after failed trial", got)
	}

	// A second half-open round begins with one genuine success.
	clock.Advance(2 * time.Minute)
	if err := b.Guard(context.Background(), succeed); err != nil {
		t.Fatalf("second-round trial returned %v, expected nil", err)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("State = %v, expected half_open", got)
	}

	// The held first-round trial now completes successfully. It must not
	// count toward the second round's success target.
	release <- nil
	if err := <-done; err != nil {
		t.Fatalf("held trial returned %v, expected nil", err)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("State = %v after stale trial success, expected half_open", got)
	}

	// A genuine second success closes as usual.
	if err := b.Guard(context.Background(), succeed); err != nil {
		t.Fatalf("closing trial returned %v, expected nil", err)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("State = %v, expected closed", got)
	}
}

func TestSnapshotCounters(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(Config{FailureThreshold: 2}, clock)

	b.Guard(context.Background(), succeed)
	b.Guard(context.Background(), fail)
	b.Guard(context.Background(), fail)
	b.Guard(context.Background(), succeed) // rejected, breaker open

	stats := b.Snapshot()
	if stats.State != StateOpen {
		t.Errorf("State = %v, expected open", stats.State)
	}
	if stats.Successes != 1 {
		t.Errorf("Successes = %d, expected 1", stats.Successes)
	}
	if stats.Failures != 2 {
		t.Errorf("Failures = %d, expected 2", stats.Failures)
	}
	if stats.Rejections != 1 {
		t.Errorf("Rejections = %d, expected 1", stats.Rejections)
	}
}

func TestContextErrorCountsAsFailure(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 1}, newFakeClock())

	err := b.Guard(context.Background(), func(ctx context.Context) error {
		return context.DeadlineExceeded
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Guard returned %v, expected DeadlineExceeded", err)
	}
	if got := b.State(); got != StateOpen {
		t.Errorf("State = %v, expected open: timeouts count as failures", got)
	}
}
