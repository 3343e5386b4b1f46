package frame

import (
	"sync/atomic"
	"time"
)

// Queue is a bounded, thread-safe FIFO of frames with drop-oldest overflow
// semantics. All operations are non-blocking except PopWait, which bounds
// its wait so consumers can poll a stop flag.
//
// Push never blocks the producer: when the queue is full the oldest entry is
// dropped (and released) to make room, favoring freshness over completeness.
type Queue struct {
	ch      chan Frame
	dropped atomic.Int64
	pushed  atomic.Int64
}

// NewQueue creates a queue holding at most capacity frames.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan Frame, capacity)}
}

// TryPush enqueues f without blocking. It takes ownership of f: on overflow
// the oldest queued frame is dropped, released and the push retried once; if
// the retry also fails (raced full) f itself is released and false returned.
func (q *Queue) TryPush(f Frame) bool {
	select {
	case q.ch <- f:
		q.pushed.Add(1)
		return true
	default:
	}

	// Full: evict the oldest entry to keep the queue fresh.
	select {
	case old := <-q.ch:
		old.Release()
		q.dropped.Add(1)
	default:
	}

	select {
	case q.ch <- f:
		q.pushed.Add(1)
		return true
	default:
		f.Release()
		q.dropped.Add(1)
		return false
	}
}

// Offer enqueues f with a single non-blocking attempt and no eviction. It
// takes ownership of f: on failure f is released and false returned. Used
// where admission is already bounded by a semaphore.
func (q *Queue) Offer(f Frame) bool {
	select {
	case q.ch <- f:
		q.pushed.Add(1)
		return true
	default:
		f.Release()
		q.dropped.Add(1)
		return false
	}
}

// TryPop dequeues the oldest frame without blocking. The caller owns the
// returned frame and must release it.
func (q *Queue) TryPop() (Frame, bool) {
	select {
	case f := <-q.ch:
		return f, true
	default:
		return Frame{}, false
	}
}

// PopWait dequeues the oldest frame, waiting up to timeout for one to
// arrive. The bounded wait keeps consumer loops responsive to stop flags.
func (q *Queue) PopWait(timeout time.Duration) (Frame, bool) {
	select {
	case f := <-q.ch:
		return f, true
	case <-time.After(timeout):
		return Frame{}, false
	}
}

// Drain pops and releases queued frames until the queue is empty or the
// time budget is spent, returning how many frames were released.
func (q *Queue) Drain(budget time.Duration) int {
	deadline := time.Now().Add(budget)
	n := 0
	for time.Now().Before(deadline) {
		f, ok := q.TryPop()
		if !ok {
			return n
		}
		f.Release()
		n++
	}
	return n
}

// Len reports how many frames are currently queued.
func (q *Queue) Len() int { return len(q.ch) }

// Cap reports the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Dropped reports the total number of frames dropped on overflow.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// Pushed reports the total number of frames accepted.
func (q *Queue) Pushed() int64 { return q.pushed.Load() }
