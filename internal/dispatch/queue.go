package dispatch

import (
	"sync"
	"sync/atomic"
	"time"
)

// Priority selects the admission class of a dispatch. High requests are
// admitted before Low requests; within a class admission is FIFO. Priority
// never preempts an in-flight call.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "low"
}

// Waiter lifecycle, driven by atomic CAS so the admission loop and the
// waiting caller can race safely on grant vs. abandon.
const (
	waiterQueued int32 = iota
	waiterGranted
	waiterAbandoned
)

type waiter struct {
	id       string
	priority Priority
	enqueued time.Time
	state    int32
	ready    chan struct{} // buffered; admission loop sends exactly once
}

func newWaiter(id string, priority Priority) *waiter {
	return &waiter{
		id:       id,
		priority: priority,
		enqueued: time.Now(),
		ready:    make(chan struct{}, 1),
	}
}

// grant moves the waiter to granted. Returns false if the caller already
// abandoned it.
func (w *waiter) grant() bool {
	return atomic.CompareAndSwapInt32(&w.state, waiterQueued, waiterGranted)
}

// abandon moves the waiter to abandoned. Returns false if a grant won the
// race, in which case the caller must drain w.ready and release the slot.
func (w *waiter) abandon() bool {
	return atomic.CompareAndSwapInt32(&w.state, waiterQueued, waiterAbandoned)
}

// requestQueue is a bounded two-class FIFO of waiters.
type requestQueue struct {
	mu       sync.Mutex
	high     []*waiter
	low      []*waiter
	capacity int
}

func newRequestQueue(capacity int) *requestQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &requestQueue{capacity: capacity}
}

// push enqueues a waiter, or returns ErrQueueFull at capacity.
func (q *requestQueue) push(w *waiter) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.high)+len(q.low) >= q.capacity {
		return ErrQueueFull
	}
	if w.priority == PriorityHigh {
		q.high = append(q.high, w)
	} else {
		q.low = append(q.low, w)
	}
	return nil
}

// pop removes and returns the next waiter by class order, or nil when empty.
func (q *requestQueue) pop() *waiter {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.high) > 0 {
		w := q.high[0]
		q.high = q.high[1:]
		return w
	}
	if len(q.low) > 0 {
		w := q.low[0]
		q.low = q.low[1:]
		return w
	}
	return nil
}

// remove takes a specific waiter out of the queue. Returns false if it was
// already popped by the admission loop.
func (q *requestQueue) remove(target *waiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := &q.low
	if target.priority == PriorityHigh {
		list = &q.high
	}
	for i, w := range *list {
		if w == target {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

// depth returns the number of queued waiters across both classes.
func (q *requestQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.high) + len(q.low)
}
