package resilience

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/solatis/floodgate/internal/breaker"
	"github.com/solatis/floodgate/internal/engine"
	"github.com/solatis/floodgate/internal/queue"
	"github.com/solatis/floodgate/internal/ratelimit"
	"github.com/solatis/floodgate/internal/types"
)

// fakeEngine is a function-backed Engine for pipeline tests.
type fakeEngine struct {
	generate func(ctx context.Context, req *types.GenerationRequest) (*types.GenerationResult, error)
	stream   func(ctx context.Context, req *types.GenerationRequest) (engine.TokenStream, error)
}

func (e *fakeEngine) Generate(ctx context.Context, req *types.GenerationRequest) (*types.GenerationResult, error) {
	return e.generate(ctx, req)
}

func (e *fakeEngine) GenerateStream(ctx context.Context, req *types.GenerationRequest) (engine.TokenStream, error) {
	if e.stream == nil {
		return nil, errors.New("streaming not configured")
	}
	return e.stream(ctx, req)
}

type testPipeline struct {
	mgr  *Manager
	done chan struct{}
}

// newTestPipeline wires a manager with a generous rate limit so tests
// exercise the component under test, not the limiter.
func newTestPipeline(t *testing.T, cfg Config, brkCfg breaker.Config, queueCap int, eng engine.Engine) *testPipeline {
	t.Helper()
	limiter := ratelimit.New(ratelimit.Config{RequestsPerMinute: 600000, Burst: 100000})
	q := queue.New(queue.Config{Capacity: queueCap})
	mgr := New(cfg, limiter, breaker.New(brkCfg), q, eng, nil, nil, zerolog.Nop())

	p := &testPipeline{mgr: mgr, done: make(chan struct{})}
	go func() {
		mgr.Run()
		close(p.done)
	}()
	t.Cleanup(func() {
		mgr.Close()
		select {
		case <-p.done:
		case <-time.After(5 * time.Second):
			t.Error("pipeline did not drain within 5s")
		}
	})
	return p
}

func echoEngine() *fakeEngine {
	return &fakeEngine{
		generate: func(ctx context.Context, req *types.GenerationRequest) (*types.GenerationResult, error) {
			return &types.GenerationResult{Text: "echo: " + req.Prompt, GeneratedTokens: 2, FinishReason: "stop"}, nil
		},
	}
}

func TestGenerateCompletes(t *testing.T) {
	p := newTestPipeline(t, Config{}, breaker.Config{}, 10, echoEngine())

	res, err := p.mgr.Generate(context.Background(), "client", &types.GenerationRequest{Prompt: "hi"}, types.PriorityNormal)
	if err != nil {
		t.Fatalf("Generate returned %v, expected nil", err)
	}
	if res.Text != "echo: hi" {
		t.Errorf("Text = %q", res.Text)
	}

	stats := p.mgr.Stats()
	if stats.Completed != 1 {
		t.Errorf("Completed = %d, expected 1", stats.Completed)
	}
	if stats.Admitted != 1 {
		t.Errorf("Admitted = %d, expected 1", stats.Admitted)
	}
}

func TestRateLimitRejection(t *testing.T) {
	eng := echoEngine()
	limiter := ratelimit.New(ratelimit.Config{RequestsPerMinute: 60, Burst: 1})
	q := queue.New(queue.Config{Capacity: 10})
	mgr := New(Config{}, limiter, breaker.New(breaker.Config{}), q, eng, nil, nil, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		mgr.Run()
		close(done)
	}()
	defer func() {
		mgr.Close()
		<-done
	}()

	if _, err := mgr.Generate(context.Background(), "client", &types.GenerationRequest{Prompt: "a"}, types.PriorityNormal); err != nil {
		t.Fatalf("first request failed: %v", err)
	}

	_, err := mgr.AdmitAndSubmit(context.Background(), "client", &types.GenerationRequest{Prompt: "b"}, types.PriorityNormal)
	var rle *types.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("second request returned %v, expected RateLimitError", err)
	}
	if rle.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, expected a positive hint", rle.RetryAfter)
	}
	if got := mgr.Stats().RejectedRateLimited; got != 1 {
		t.Errorf("RejectedRateLimited = %d, expected 1", got)
	}
}

func TestQueueFullRejection(t *testing.T) {
	// No consume loop: the queue fills and stays full.
	limiter := ratelimit.New(ratelimit.Config{RequestsPerMinute: 600000, Burst: 100000})
	q := queue.New(queue.Config{Capacity: 2})
	mgr := New(Config{}, limiter, breaker.New(breaker.Config{}), q, echoEngine(), nil, nil, zerolog.Nop())

	for i := 0; i < 2; i++ {
		if _, err := mgr.AdmitAndSubmit(context.Background(), "client", &types.GenerationRequest{Prompt: "x"}, types.PriorityNormal); err != nil {
			t.Fatalf("submission %d failed: %v", i, err)
		}
	}

	_, err := mgr.AdmitAndSubmit(context.Background(), "client", &types.GenerationRequest{Prompt: "x"}, types.PriorityNormal)
	if !errors.Is(err, types.ErrQueueFull) {
		t.Fatalf("third submission returned %v, expected ErrQueueFull", err)
	}
	if got := mgr.Stats().RejectedQueueFull; got != 1 {
		t.Errorf("RejectedQueueFull = %d, expected 1", got)
	}
}

func TestCircuitOpenShortCircuits(t *testing.T) {
	engErr := errors.New("engine down")
	eng := &fakeEngine{
		generate: func(ctx context.Context, req *types.GenerationRequest) (*types.GenerationResult, error) {
			return nil, engErr
		},
	}
	p := newTestPipeline(t, Config{}, breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour}, 10, eng)

	if _, err := p.mgr.Generate(context.Background(), "client", &types.GenerationRequest{Prompt: "a"}, types.PriorityNormal); !errors.Is(err, engErr) {
		t.Fatalf("first request returned %v, expected the engine error", err)
	}

	_, err := p.mgr.Generate(context.Background(), "client", &types.GenerationRequest{Prompt: "b"}, types.PriorityNormal)
	if !errors.Is(err, types.ErrCircuitOpen) {
		t.Fatalf("second request returned %v, expected ErrCircuitOpen", err)
	}

	stats := p.mgr.Stats()
	if stats.EngineErrors != 1 {
		t.Errorf("EngineErrors = %d, expected 1", stats.EngineErrors)
	}
	if stats.RejectedCircuitOpen != 1 {
		t.Errorf("RejectedCircuitOpen = %d, expected 1", stats.RejectedCircuitOpen)
	}
	if stats.BreakerState != breaker.StateOpen {
		t.Errorf("BreakerState = %v, expected open", stats.BreakerState)
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	running, peak := 0, 0

	eng := &fakeEngine{
		generate: func(ctx context.Context, req *types.GenerationRequest) (*types.GenerationResult, error) {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			<-release
			mu.Lock()
			running--
			mu.Unlock()
			return &types.GenerationResult{Text: "ok"}, nil
		},
	}
	p := newTestPipeline(t, Config{ConcurrencyLimit: 2}, breaker.Config{}, 10, eng)

	var tickets []*Ticket
	for i := 0; i < 4; i++ {
		ticket, err := p.mgr.AdmitAndSubmit(context.Background(), "client", &types.GenerationRequest{Prompt: "x"}, types.PriorityNormal)
		if err != nil {
			t.Fatalf("submission %d failed: %v", i, err)
		}
		tickets = append(tickets, ticket)
	}

	// Give the consume loop time to saturate the slots.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.mgr.Stats().InFlight == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := p.mgr.Stats().InFlight; got != 2 {
		t.Fatalf("InFlight = %d, expected the ceiling of 2", got)
	}

	close(release)
	for i, ticket := range tickets {
		if _, err := ticket.Wait(context.Background()); err != nil {
			t.Errorf("ticket %d resolved with %v, expected nil", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("peak concurrency = %d, expected at most 2", peak)
	}
}

func TestCallerTimeoutDoesNotChargeBreaker(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	eng := &fakeEngine{
		generate: func(ctx context.Context, req *types.GenerationRequest) (*types.GenerationResult, error) {
			close(started)
			<-release
			return &types.GenerationResult{Text: "late"}, nil
		},
	}
	p := newTestPipeline(t, Config{}, breaker.Config{FailureThreshold: 1}, 10, eng)

	ticket, err := p.mgr.AdmitAndSubmit(context.Background(), "client", &types.GenerationRequest{Prompt: "x"}, types.PriorityNormal)
	if err != nil {
		t.Fatalf("AdmitAndSubmit failed: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := ticket.Wait(ctx); !errors.Is(err, types.ErrTimeout) {
		t.Fatalf("Wait returned %v, expected ErrTimeout", err)
	}

	// The dispatched call still completes and counts as a success.
	close(release)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && p.mgr.Stats().Completed == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := p.mgr.BreakerState(); got != breaker.StateClosed {
		t.Errorf("BreakerState = %v, expected closed", got)
	}
}

func TestExpiredItemResolvedWithoutEngineCall(t *testing.T) {
	calls := 0
	eng := &fakeEngine{
		generate: func(ctx context.Context, req *types.GenerationRequest) (*types.GenerationResult, error) {
			calls++
			return &types.GenerationResult{}, nil
		},
	}

	// Manual dispatch: no consume loop racing the cancellation.
	limiter := ratelimit.New(ratelimit.Config{RequestsPerMinute: 600000, Burst: 100000})
	q := queue.New(queue.Config{Capacity: 10})
	mgr := New(Config{}, limiter, breaker.New(breaker.Config{}), q, eng, nil, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	ticket, err := mgr.AdmitAndSubmit(ctx, "client", &types.GenerationRequest{Prompt: "x"}, types.PriorityNormal)
	if err != nil {
		t.Fatalf("AdmitAndSubmit failed: %v", err)
	}
	cancel()

	batch, err := q.DequeueBatch(context.Background(), 0, 1)
	if err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}
	mgr.dispatch(batch[0])

	if _, err := ticket.Wait(context.Background()); !errors.Is(err, types.ErrTimeout) {
		t.Fatalf("Wait returned %v, expected ErrTimeout", err)
	}
	if calls != 0 {
		t.Errorf("engine called %d times for an expired item, expected 0", calls)
	}
	if got := mgr.Stats().Timeouts; got != 1 {
		t.Errorf("Timeouts = %d, expected 1", got)
	}
}

func TestShutdownDrainsAcceptedWork(t *testing.T) {
	eng := echoEngine()
	limiter := ratelimit.New(ratelimit.Config{RequestsPerMinute: 600000, Burst: 100000})
	q := queue.New(queue.Config{Capacity: 10})
	mgr := New(Config{ConcurrencyLimit: 1}, limiter, breaker.New(breaker.Config{}), q, eng, nil, nil, zerolog.Nop())

	var tickets []*Ticket
	for i := 0; i < 5; i++ {
		ticket, err := mgr.AdmitAndSubmit(context.Background(), "client", &types.GenerationRequest{Prompt: "x"}, types.PriorityNormal)
		if err != nil {
			t.Fatalf("submission %d failed: %v", i, err)
		}
		tickets = append(tickets, ticket)
	}

	done := make(chan struct{})
	go func() {
		mgr.Run()
		close(done)
	}()
	mgr.Close()

	// Intake refuses immediately.
	if _, err := mgr.AdmitAndSubmit(context.Background(), "client", &types.GenerationRequest{Prompt: "x"}, types.PriorityNormal); !errors.Is(err, types.ErrShuttingDown) {
		t.Fatalf("post-Close submission returned %v, expected ErrShuttingDown", err)
	}

	// Every accepted item resolves.
	for i, ticket := range tickets {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := ticket.Wait(ctx)
		cancel()
		if err != nil {
			t.Errorf("ticket %d resolved with %v, expected nil", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Run did not return after drain")
	}
}

// staticStream serves canned events for streaming tests.
type staticStream struct {
	events []types.TokenEvent
	pos    int
	closed bool
}

func (s *staticStream) Next() (types.TokenEvent, error) {
	if s.pos >= len(s.events) {
		return types.TokenEvent{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *staticStream) Close() error {
	s.closed = true
	return nil
}

func TestGenerateStreamReleasesSlotOnExhaustion(t *testing.T) {
	inner := &staticStream{events: []types.TokenEvent{{Delta: "a"}, {Delta: "b"}, {Final: true}}}
	eng := &fakeEngine{
		generate: func(ctx context.Context, req *types.GenerationRequest) (*types.GenerationResult, error) {
			return &types.GenerationResult{}, nil
		},
		stream: func(ctx context.Context, req *types.GenerationRequest) (engine.TokenStream, error) {
			return inner, nil
		},
	}
	p := newTestPipeline(t, Config{ConcurrencyLimit: 1}, breaker.Config{}, 10, eng)

	stream, err := p.mgr.GenerateStream(context.Background(), "client", &types.GenerationRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("GenerateStream failed: %v", err)
	}
	if got := p.mgr.Stats().InFlight; got != 1 {
		t.Fatalf("InFlight = %d during stream, expected 1", got)
	}

	var deltas []string
	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next returned %v", err)
		}
		if !ev.Final {
			deltas = append(deltas, ev.Delta)
		}
	}
	if len(deltas) != 2 {
		t.Errorf("got %d deltas, expected 2", len(deltas))
	}
	if got := p.mgr.Stats().InFlight; got != 0 {
		t.Errorf("InFlight = %d after exhaustion, expected 0", got)
	}

	if got := p.mgr.Stats().Completed; got != 1 {
		t.Errorf("Completed = %d after exhaustion, expected 1", got)
	}

	// Close after exhaustion must not double-release or double-count.
	stream.Close()
	if got := p.mgr.Stats().InFlight; got != 0 {
		t.Errorf("InFlight = %d after Close, expected 0", got)
	}
	if got := p.mgr.Stats().Completed; got != 1 {
		t.Errorf("Completed = %d after Close, expected 1", got)
	}
}

// brokenStream yields one delta, then dies.
type brokenStream struct {
	pos int
}

func (s *brokenStream) Next() (types.TokenEvent, error) {
	if s.pos == 0 {
		s.pos++
		return types.TokenEvent{Delta: "a"}, nil
	}
	return types.TokenEvent{}, errors.New("connection reset")
}

func (s *brokenStream) Close() error { return nil }

func TestGenerateStreamErrorNotCountedAsCompleted(t *testing.T) {
	eng := &fakeEngine{
		generate: func(ctx context.Context, req *types.GenerationRequest) (*types.GenerationResult, error) {
			return &types.GenerationResult{}, nil
		},
		stream: func(ctx context.Context, req *types.GenerationRequest) (engine.TokenStream, error) {
			return &brokenStream{}, nil
		},
	}
	p := newTestPipeline(t, Config{ConcurrencyLimit: 1}, breaker.Config{}, 10, eng)

	stream, err := p.mgr.GenerateStream(context.Background(), "client", &types.GenerationRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("GenerateStream failed: %v", err)
	}
	if _, err := stream.Next(); err != nil {
		t.Fatalf("first Next returned %v, expected a delta", err)
	}
	if _, err := stream.Next(); err == nil {
		t.Fatal("second Next returned nil, expected the mid-stream error")
	}

	stats := p.mgr.Stats()
	if stats.Completed != 0 {
		t.Errorf("Completed = %d for a failed stream, expected 0", stats.Completed)
	}
	if stats.EngineErrors != 1 {
		t.Errorf("EngineErrors = %d, expected 1", stats.EngineErrors)
	}
	if stats.InFlight != 0 {
		t.Errorf("InFlight = %d after stream error, expected 0", stats.InFlight)
	}

	// Close after the error must not rewrite the outcome.
	stream.Close()
	stats = p.mgr.Stats()
	if stats.Completed != 0 || stats.EngineErrors != 1 {
		t.Errorf("Completed = %d, EngineErrors = %d after Close, expected 0 and 1", stats.Completed, stats.EngineErrors)
	}
}

func TestGenerateStreamSetupFailureChargesBreaker(t *testing.T) {
	setupErr := &types.EngineError{Detail: "engine returned status 503"}
	eng := &fakeEngine{
		generate: func(ctx context.Context, req *types.GenerationRequest) (*types.GenerationResult, error) {
			return &types.GenerationResult{}, nil
		},
		stream: func(ctx context.Context, req *types.GenerationRequest) (engine.TokenStream, error) {
			return nil, setupErr
		},
	}
	p := newTestPipeline(t, Config{}, breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour}, 10, eng)

	if _, err := p.mgr.GenerateStream(context.Background(), "client", &types.GenerationRequest{Prompt: "x"}); !errors.Is(err, setupErr) {
		t.Fatalf("GenerateStream returned %v, expected the setup error", err)
	}
	if got := p.mgr.BreakerState(); got != breaker.StateOpen {
		t.Errorf("BreakerState = %v, expected open after setup failure", got)
	}
	if got := p.mgr.Stats().InFlight; got != 0 {
		t.Errorf("InFlight = %d after failed setup, expected 0", got)
	}
}
