package trigger

import (
	"container/heap"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/emergence-labs/agora/pkg/eventlog"
)

// ErrQueueClosed is returned by operations on a closed queue.
var ErrQueueClosed = errors.New("trigger queue closed")

// Invocation is one pending firing: which callback to invoke, as whom, and
// the event that matched.
type Invocation struct {
	TriggerID  string             `json:"trigger_id"`
	CallbackID string             `json:"callback_id"`
	Method     string             `json:"method"`
	RunAs      string             `json:"run_as"`
	EventSeq   uint64             `json:"event_seq"`
	EventType  eventlog.EventType `json:"event_type"`
	EnqueuedAt time.Time          `json:"enqueued_at"`

	order uint64
}

// invocationHeap orders pending firings by the sequence number of the event
// that matched, then by arrival, so replays of the same log drain in the
// same order.
type invocationHeap []*Invocation

func (h invocationHeap) Len() int { return len(h) }

func (h invocationHeap) Less(i, j int) bool {
	if h[i].EventSeq != h[j].EventSeq {
		return h[i].EventSeq < h[j].EventSeq
	}
	return h[i].order < h[j].order
}

func (h invocationHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *invocationHeap) Push(x any) {
	*h = append(*h, x.(*Invocation))
}

func (h *invocationHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Queue holds fired-but-not-yet-executed invocations. Producers are the
// per-trigger watchers; the consumer is the loop manager, which drains the
// queue only when otherwise idle.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending invocationHeap
	nextOrd uint64
	closed  bool
	clock   func() time.Time
}

// NewQueue creates an empty pending-invocation queue.
func NewQueue() *Queue {
	q := &Queue{nextOrd: 1, clock: time.Now}
	q.cond = sync.NewCond(&q.mu)
	heap.Init(&q.pending)
	return q
}

// Enqueue adds one pending firing and wakes a blocked consumer.
func (q *Queue) Enqueue(inv Invocation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if inv.EnqueuedAt.IsZero() {
		inv.EnqueuedAt = q.clock().UTC()
	}
	inv.order = q.nextOrd
	q.nextOrd++
	heap.Push(&q.pending, &inv)
	q.cond.Signal()
	return nil
}

// Dequeue removes and returns the next pending firing, blocking until one
// arrives, the context ends, or the queue closes.
func (q *Queue) Dequeue(ctx context.Context) (Invocation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return Invocation{}, err
		}
		if q.pending.Len() > 0 {
			return *heap.Pop(&q.pending).(*Invocation), nil
		}
		if q.closed {
			return Invocation{}, ErrQueueClosed
		}

		// cond.Wait cannot watch the context, so cancellation is turned
		// into a broadcast; Close broadcasts too.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				q.cond.Broadcast()
			case <-done:
			}
		}()
		q.cond.Wait()
		close(done)
	}
}

// TryDequeue removes the next pending firing without blocking.
func (q *Queue) TryDequeue() (Invocation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending.Len() == 0 {
		return Invocation{}, false
	}
	return *heap.Pop(&q.pending).(*Invocation), true
}

// Pending returns a snapshot of queued firings in drain order, optionally
// filtered to one principal. This backs the get_pending_triggers handle.
func (q *Queue) Pending(runAs string) []Invocation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Invocation, 0, len(q.pending))
	for _, inv := range q.pending {
		if runAs != "" && inv.RunAs != runAs {
			continue
		}
		out = append(out, *inv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EventSeq != out[j].EventSeq {
			return out[i].EventSeq < out[j].EventSeq
		}
		return out[i].order < out[j].order
	})
	return out
}

// Len returns the number of pending firings.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close rejects further enqueues and wakes every blocked consumer. Pending
// firings already queued are still drainable until empty.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}
