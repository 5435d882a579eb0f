package queue

import (
	"context"
	"sync"
	"time"

	"github.com/solatis/floodgate/internal/types"
)

// Outcome is the terminal result of one queued request: exactly one of
// Result or Err is set.
type Outcome struct {
	Result *types.GenerationResult
	Err    error
}

// Item carries one admitted request through the queue.
//
// The result slot is single-assignment: Resolve is idempotent and only the
// first call wins, so an item can never be completed twice or silently
// dropped without a visible outcome.
type Item struct {
	ID         types.RequestID
	ClientID   types.ClientID
	Priority   types.Priority
	EnqueuedAt time.Time
	Request    *types.GenerationRequest

	ctx     context.Context
	seq     uint64 // assigned by the queue; FIFO tiebreak within a priority
	index   int    // heap bookkeeping
	once    sync.Once
	outcome chan Outcome
}

// NewItem builds a queue item bound to the caller's context. The context's
// deadline, if any, bounds both queue wait and the engine call.
func NewItem(ctx context.Context, clientID types.ClientID, priority types.Priority, req *types.GenerationRequest) *Item {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Item{
		ID:       types.NewRequestID(),
		ClientID: clientID,
		Priority: priority,
		Request:  req,
		ctx:      ctx,
		outcome:  make(chan Outcome, 1),
	}
}

// Context returns the caller context the item was submitted under.
func (it *Item) Context() context.Context {
	return it.ctx
}

// Resolve writes the item's outcome. The first call wins; later calls are
// no-ops, which makes "release exactly once on every exit path" a local
// property instead of a protocol every caller must get right.
func (it *Item) Resolve(res *types.GenerationResult, err error) {
	it.once.Do(func() {
		it.outcome <- Outcome{Result: res, Err: err}
	})
}

// Wait blocks until the item is resolved or ctx expires. Expiry yields
// ErrTimeout; the in-flight engine call, if any, still runs to completion
// and is accounted for by the breaker.
func (it *Item) Wait(ctx context.Context) (*types.GenerationResult, error) {
	select {
	case out := <-it.outcome:
		return out.Result, out.Err
	case <-ctx.Done():
		return nil, types.ErrTimeout
	}
}
