// Package resilience composes the admission pipeline: rate limiter, bounded
// priority queue, concurrency ceiling, and circuit breaker, in front of the
// inference engine.
//
// # Pipeline order
//
// A request passes the gates in a fixed order. The rate limiter runs first
// so over-quota clients are turned away before consuming queue capacity.
// The queue absorbs admitted bursts. A buffered-channel semaphore caps how
// many engine calls run at once. The breaker is the final gate, checked at
// the moment the call would actually be made, so its view of engine health
// is as fresh as possible.
//
// # Failure domains
//
// The limiter protects against noisy clients, the queue against bursts, the
// semaphore against engine overload, the breaker against a sick engine.
// Each gate rejects with its own error, so callers and dashboards can tell
// the failure modes apart.
package resilience

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/solatis/floodgate/internal/breaker"
	"github.com/solatis/floodgate/internal/engine"
	"github.com/solatis/floodgate/internal/metrics"
	"github.com/solatis/floodgate/internal/queue"
	"github.com/solatis/floodgate/internal/ratelimit"
	"github.com/solatis/floodgate/internal/types"
)

// Config holds the manager's own knobs; the limiter, queue, and breaker
// carry their configuration separately.
type Config struct {
	ConcurrencyLimit int
	MaxBatchSize     int
	MicrobatchWait   time.Duration
	EngineTimeout    time.Duration
}

// Stats is a point-in-time operational snapshot.
type Stats struct {
	QueueDepth          int           `json:"queue_depth"`
	InFlight            int           `json:"in_flight"`
	BreakerState        breaker.State `json:"-"`
	Admitted            int64         `json:"admitted"`
	Completed           int64         `json:"completed"`
	RejectedRateLimited int64         `json:"rejected_rate_limited"`
	RejectedQueueFull   int64         `json:"rejected_queue_full"`
	RejectedCircuitOpen int64         `json:"rejected_circuit_open"`
	EngineErrors        int64         `json:"engine_errors"`
	Timeouts            int64         `json:"timeouts"`
	TrackedClients      int           `json:"tracked_clients"`
}

// Ticket is the caller's handle on an accepted request.
type Ticket struct {
	item *queue.Item
}

// ID returns the request's assigned identifier.
func (t *Ticket) ID() types.RequestID { return t.item.ID }

// Wait blocks until the request resolves or ctx expires. Expiry returns
// ErrTimeout; a call already dispatched to the engine runs to completion
// and its outcome still informs the breaker.
func (t *Ticket) Wait(ctx context.Context) (*types.GenerationResult, error) {
	return t.item.Wait(ctx)
}

// Manager runs the admission pipeline. Construct with New, start with Run,
// stop with Close.
type Manager struct {
	cfg     Config
	limiter *ratelimit.RateLimiter
	brk     *breaker.Breaker
	q       *queue.Queue
	eng     engine.Engine

	slots    chan struct{}
	inFlight atomic.Int64
	wg       sync.WaitGroup

	registry  *metrics.Registry
	collector *metrics.Collector
	log       zerolog.Logger

	admitted            atomic.Int64
	completed           atomic.Int64
	rejectedRateLimited atomic.Int64
	rejectedQueueFull   atomic.Int64
	rejectedCircuitOpen atomic.Int64
	engineErrors        atomic.Int64
	timeouts            atomic.Int64
}

// New wires the pipeline. registry and collector may be nil; the manager
// then runs uninstrumented.
func New(
	cfg Config,
	limiter *ratelimit.RateLimiter,
	brk *breaker.Breaker,
	q *queue.Queue,
	eng engine.Engine,
	registry *metrics.Registry,
	collector *metrics.Collector,
	log zerolog.Logger,
) *Manager {
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = 8
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 8
	}
	if cfg.MicrobatchWait <= 0 {
		cfg.MicrobatchWait = 10 * time.Millisecond
	}
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = 120 * time.Second
	}
	return &Manager{
		cfg:       cfg,
		limiter:   limiter,
		brk:       brk,
		q:         q,
		eng:       eng,
		slots:     make(chan struct{}, cfg.ConcurrencyLimit),
		registry:  registry,
		collector: collector,
		log:       log.With().Str("component", "resilience").Logger(),
	}
}

// Run starts the consume loop and blocks until the queue is closed and
// every dispatched call has finished. Callers run it in its own goroutine.
func (m *Manager) Run() {
	m.log.Info().
		Int("concurrency_limit", m.cfg.ConcurrencyLimit).
		Int("max_batch_size", m.cfg.MaxBatchSize).
		Dur("microbatch_wait", m.cfg.MicrobatchWait).
		Msg("admission pipeline started")

	for {
		batch, err := m.q.DequeueBatch(context.Background(), m.cfg.MicrobatchWait, m.cfg.MaxBatchSize)
		if err != nil {
			// ErrShuttingDown after the queue drained; the loop is done.
			break
		}
		for _, it := range batch {
			m.dispatch(it)
		}
	}

	m.wg.Wait()
	m.log.Info().Msg("admission pipeline drained")
}

// AdmitAndSubmit runs the admission gates and enqueues the request. A nil
// error means the request was accepted and the Ticket will resolve exactly
// once. Rejections are immediate: RateLimitError with a retry hint, or
// ErrQueueFull.
func (m *Manager) AdmitAndSubmit(ctx context.Context, clientID types.ClientID, req *types.GenerationRequest, priority types.Priority) (*Ticket, error) {
	decision := m.limiter.CheckAndConsume(clientID, 1)
	if !decision.Allowed {
		m.rejectedRateLimited.Add(1)
		m.registry.IncOutcome(metrics.OutcomeRateLimited)
		m.log.Debug().
			Str("client_id", string(clientID)).
			Dur("retry_after", decision.RetryAfter).
			Msg("rate limited")
		return nil, &types.RateLimitError{RetryAfter: decision.RetryAfter}
	}

	it := queue.NewItem(ctx, clientID, priority, req)
	if err := m.q.Enqueue(it); err != nil {
		switch {
		case errors.Is(err, types.ErrQueueFull):
			m.rejectedQueueFull.Add(1)
			m.registry.IncOutcome(metrics.OutcomeQueueFull)
		case errors.Is(err, types.ErrShuttingDown):
			// Counted nowhere: shutdown rejections are not a health signal.
		}
		return nil, err
	}

	m.admitted.Add(1)
	m.registry.SetQueueDepth(m.q.Depth())
	return &Ticket{item: it}, nil
}

// Generate is the blocking convenience path: admit, submit, wait.
func (m *Manager) Generate(ctx context.Context, clientID types.ClientID, req *types.GenerationRequest, priority types.Priority) (*types.GenerationResult, error) {
	ticket, err := m.AdmitAndSubmit(ctx, clientID, req, priority)
	if err != nil {
		return nil, err
	}
	return ticket.Wait(ctx)
}

// GenerateStream admits and starts a streaming completion. Streams bypass
// the queue: a stream occupies a slot for its whole lifetime, so queueing
// it behind batch work would just move the wait somewhere less observable.
// The breaker guards stream setup only; mid-stream failures are the
// caller's to observe and do not count against the breaker.
func (m *Manager) GenerateStream(ctx context.Context, clientID types.ClientID, req *types.GenerationRequest) (engine.TokenStream, error) {
	decision := m.limiter.CheckAndConsume(clientID, 1)
	if !decision.Allowed {
		m.rejectedRateLimited.Add(1)
		m.registry.IncOutcome(metrics.OutcomeRateLimited)
		return nil, &types.RateLimitError{RetryAfter: decision.RetryAfter}
	}

	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		m.timeouts.Add(1)
		m.registry.IncOutcome(metrics.OutcomeTimeout)
		return nil, types.ErrTimeout
	}
	m.inFlight.Add(1)
	m.registry.SetInFlight(int(m.inFlight.Load()))

	var stream engine.TokenStream
	err := m.brk.Guard(ctx, func(ctx context.Context) error {
		var guardErr error
		stream, guardErr = m.eng.GenerateStream(ctx, req)
		return guardErr
	})
	m.publishBreakerState()
	if err != nil {
		m.releaseSlot()
		if errors.Is(err, types.ErrCircuitOpen) {
			m.rejectedCircuitOpen.Add(1)
			m.registry.IncOutcome(metrics.OutcomeCircuitOpen)
		} else {
			m.engineErrors.Add(1)
			m.registry.IncOutcome(metrics.OutcomeEngineError)
		}
		return nil, err
	}

	m.admitted.Add(1)
	return &guardedStream{inner: stream, done: m.streamDone()}, nil
}

// Stats returns the operational snapshot served on the stats endpoint.
func (m *Manager) Stats() Stats {
	return Stats{
		QueueDepth:          m.q.Depth(),
		InFlight:            int(m.inFlight.Load()),
		BreakerState:        m.brk.State(),
		Admitted:            m.admitted.Load(),
		Completed:           m.completed.Load(),
		RejectedRateLimited: m.rejectedRateLimited.Load(),
		RejectedQueueFull:   m.rejectedQueueFull.Load(),
		RejectedCircuitOpen: m.rejectedCircuitOpen.Load(),
		EngineErrors:        m.engineErrors.Load(),
		Timeouts:            m.timeouts.Load(),
		TrackedClients:      m.limiter.ClientCount(),
	}
}

// BreakerState exposes the breaker state for health checks.
func (m *Manager) BreakerState() breaker.State { return m.brk.State() }

// QueueDepth exposes the queue depth for health checks.
func (m *Manager) QueueDepth() int { return m.q.Depth() }

// Close stops intake and waits for the pipeline to drain. Every item
// accepted before Close resolves exactly once; new submissions fail with
// ErrShuttingDown.
func (m *Manager) Close() {
	m.log.Info().Msg("shutting down, draining queue")
	m.q.Close()
}

// dispatch hands one item to a worker goroutine, respecting the
// concurrency ceiling. Items whose caller already gave up are resolved
// without spending a slot or an engine call.
func (m *Manager) dispatch(it *queue.Item) {
	m.registry.SetQueueDepth(m.q.Depth())

	if err := it.Context().Err(); err != nil {
		m.timeouts.Add(1)
		m.registry.IncOutcome(metrics.OutcomeTimeout)
		it.Resolve(nil, types.ErrTimeout)
		return
	}

	select {
	case m.slots <- struct{}{}:
	case <-it.Context().Done():
		m.timeouts.Add(1)
		m.registry.IncOutcome(metrics.OutcomeTimeout)
		it.Resolve(nil, types.ErrTimeout)
		return
	}

	m.inFlight.Add(1)
	m.registry.SetInFlight(int(m.inFlight.Load()))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.releaseSlot()
		m.process(it)
	}()
}

// process runs one engine call under the breaker and resolves the item.
func (m *Manager) process(it *queue.Item) {
	ctx, cancel := context.WithTimeout(it.Context(), m.cfg.EngineTimeout)
	defer cancel()

	start := time.Now()
	var res *types.GenerationResult
	err := m.brk.Guard(ctx, func(ctx context.Context) error {
		var callErr error
		res, callErr = m.eng.Generate(ctx, it.Request)
		return callErr
	})
	elapsed := time.Since(start)
	m.publishBreakerState()

	switch {
	case err == nil:
		m.completed.Add(1)
		m.registry.IncOutcome(metrics.OutcomeCompleted)
		m.registry.ObserveLatency(elapsed.Seconds())
		m.registry.AddGeneratedTokens(res.GeneratedTokens)
		if m.collector != nil {
			m.collector.Observe(elapsed, false)
			m.collector.AddTokens(res.GeneratedTokens)
		}
		it.Resolve(res, nil)

	case errors.Is(err, types.ErrCircuitOpen):
		m.rejectedCircuitOpen.Add(1)
		m.registry.IncOutcome(metrics.OutcomeCircuitOpen)
		it.Resolve(nil, types.ErrCircuitOpen)

	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		m.timeouts.Add(1)
		m.registry.IncOutcome(metrics.OutcomeTimeout)
		if m.collector != nil {
			m.collector.Observe(elapsed, true)
		}
		it.Resolve(nil, types.ErrTimeout)

	default:
		m.engineErrors.Add(1)
		m.registry.IncOutcome(metrics.OutcomeEngineError)
		if m.collector != nil {
			m.collector.Observe(elapsed, true)
		}
		m.log.Warn().
			Str("request_id", string(it.ID)).
			Err(err).
			Msg("engine call failed")
		it.Resolve(nil, err)
	}
}

// releaseSlot frees one concurrency slot.
func (m *Manager) releaseSlot() {
	<-m.slots
	m.inFlight.Add(-1)
	m.registry.SetInFlight(int(m.inFlight.Load()))
}

// streamDone returns the completion callback shared by a stream's exit
// paths. The slot is freed exactly once no matter how many paths fire, and
// only the first caller's outcome is recorded: a stream that ran to
// exhaustion (or was closed by its caller) counts as completed, one that
// died mid-stream counts as an engine error.
func (m *Manager) streamDone() func(failed bool) {
	var once sync.Once
	return func(failed bool) {
		once.Do(func() {
			if failed {
				m.engineErrors.Add(1)
				m.registry.IncOutcome(metrics.OutcomeEngineError)
			} else {
				m.completed.Add(1)
				m.registry.IncOutcome(metrics.OutcomeCompleted)
			}
			m.releaseSlot()
		})
	}
}

func (m *Manager) publishBreakerState() {
	m.registry.SetBreakerState(int(m.brk.State()))
}

// guardedStream wraps an engine stream so the concurrency slot is freed
// when the stream ends, whether by exhaustion, error, or Close.
type guardedStream struct {
	inner engine.TokenStream
	done  func(failed bool)
}

func (s *guardedStream) Next() (types.TokenEvent, error) {
	ev, err := s.inner.Next()
	switch {
	case errors.Is(err, io.EOF):
		s.done(false)
	case err != nil:
		s.done(true)
	}
	return ev, err
}

func (s *guardedStream) Close() error {
	err := s.inner.Close()
	s.done(false)
	return err
}
