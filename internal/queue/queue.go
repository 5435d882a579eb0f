// Package queue provides the bounded, priority-ordered holding area between
// admitted requests and the inference engine.
//
// # Ordering
//
// Items dequeue by ascending priority number, FIFO within a priority (a
// monotonic sequence number breaks ties, so ordering is stable). A low
// priority item that has waited longer than PromoteAfter is dequeued next
// regardless of priority, which bounds starvation under a sustained stream
// of urgent work.
//
// # Backpressure
//
// Enqueue never blocks: a full queue fails fast with ErrQueueFull, and that
// error is the backpressure signal propagated to callers. Only the consumer
// side suspends, in DequeueBatch, and only up to its batching window.
//
// # Micro-batching
//
// DequeueBatch waits for the first available item, then keeps collecting
// until maxBatch items are gathered or maxWait has elapsed since the first
// item was seen, whichever comes first. The consumer amortizes fixed
// per-call overhead across the batch without holding early arrivals hostage
// to a full batch.
//
// The queue supports one consumer loop; Enqueue may be called from any
// number of goroutines.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/solatis/floodgate/internal/types"
)

// Config holds queue parameters.
type Config struct {
	Capacity     int
	PromoteAfter time.Duration // 0 disables starvation promotion
}

// Queue is the bounded priority queue.
type Queue struct {
	mu           sync.Mutex
	items        itemHeap
	capacity     int
	promoteAfter time.Duration
	seq          uint64
	closed       bool

	signal chan struct{} // 1-buffered enqueue wakeup
	done   chan struct{} // closed by Close

	now func() time.Time // injectable clock for tests
}

// New constructs a queue. Capacity must be positive.
func New(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	return &Queue{
		capacity:     cfg.Capacity,
		promoteAfter: cfg.PromoteAfter,
		signal:       make(chan struct{}, 1),
		done:         make(chan struct{}),
		now:          time.Now,
	}
}

// Enqueue accepts an item or fails fast. ErrQueueFull when the queue holds
// Capacity items, ErrShuttingDown after Close. Never blocks.
func (q *Queue) Enqueue(it *Item) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return types.ErrShuttingDown
	}
	if q.items.Len() >= q.capacity {
		q.mu.Unlock()
		return types.ErrQueueFull
	}
	q.seq++
	it.seq = q.seq
	it.EnqueuedAt = q.now()
	heap.Push(&q.items, it)
	q.mu.Unlock()

	// Non-blocking wake; a pending signal already covers this enqueue.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// DequeueBatch blocks until at least one item is available, then collects
// up to maxBatch items within maxWait of the first. Returns
// ErrShuttingDown once the queue is closed and drained; a non-empty batch
// is always returned before that happens, so no accepted item is lost.
func (q *Queue) DequeueBatch(ctx context.Context, maxWait time.Duration, maxBatch int) ([]*Item, error) {
	if maxBatch <= 0 {
		maxBatch = 1
	}

	first, err := q.waitOne(ctx)
	if err != nil {
		return nil, err
	}
	batch := []*Item{first}
	if maxBatch == 1 || maxWait <= 0 {
		return batch, nil
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	for len(batch) < maxBatch {
		if it, ok := q.tryPop(); ok {
			batch = append(batch, it)
			continue
		}
		select {
		case <-q.signal:
		case <-timer.C:
			return batch, nil
		case <-ctx.Done():
			return batch, nil
		case <-q.done:
			// Drain whatever remains, then hand the batch over; the final
			// ErrShuttingDown comes from the next call.
			if it, ok := q.tryPop(); ok {
				batch = append(batch, it)
				continue
			}
			return batch, nil
		}
	}
	return batch, nil
}

// Depth reports the number of items currently queued.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close stops intake. Queued items remain dequeueable so the consumer can
// drain and resolve every accepted item exactly once.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	q.mu.Unlock()
}

// waitOne blocks until an item is available, the queue is closed and empty,
// or ctx expires.
func (q *Queue) waitOne(ctx context.Context) (*Item, error) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			it := q.popLocked()
			q.mu.Unlock()
			return it, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, types.ErrShuttingDown
		}
		select {
		case <-q.signal:
		case <-q.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// tryPop removes the next item without blocking.
func (q *Queue) tryPop() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil, false
	}
	return q.popLocked(), true
}

// popLocked removes the next item honoring starvation promotion: when the
// oldest queued item has waited past PromoteAfter it goes first, otherwise
// strict (priority, seq) order applies. Caller must hold q.mu.
//
// The oldest-item scan is O(n); the queue is bounded and the scan only
// runs when promotion is enabled.
func (q *Queue) popLocked() *Item {
	if q.promoteAfter > 0 {
		oldest := 0
		for i := 1; i < q.items.Len(); i++ {
			if q.items[i].seq < q.items[oldest].seq {
				oldest = i
			}
		}
		if q.now().Sub(q.items[oldest].EnqueuedAt) > q.promoteAfter {
			return heap.Remove(&q.items, oldest).(*Item)
		}
	}
	return heap.Pop(&q.items).(*Item)
}

// itemHeap orders items by (priority, seq). Lower priority numbers are more
// urgent; seq preserves FIFO within a priority.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*Item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
