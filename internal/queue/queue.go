// Package queue implements the Feature Queue: an unbounded,
// single-producer/single-consumer FIFO of domain.QueueItem values with
// a blocking dequeue and explicit end-of-stream signaling. Grounded on
// otto's internal/storage/memory.go for the mutex-guarded-state shape,
// generalized from a map to a sync.Cond-signaled growable slice
// because spec.md calls for an unbounded queue: a buffered channel
// would impose a capacity ceiling a cond-guarded slice does not.
package queue

import (
	"sync"

	"github.com/rayfollow/scorefollower/internal/domain"
)

// Queue is the Feature Queue. The zero value is not usable; construct
// with New. Safe for exactly one producer and one consumer goroutine.
type Queue struct {
	mu     sync.Mutex
	notEmp sync.Cond
	items  []domain.QueueItem
	closed bool
}

// New returns an empty, open Queue.
func New() *Queue {
	q := &Queue{}
	q.notEmp.L = &q.mu
	return q
}

// Push enqueues one feature item. Push after Close is a no-op: the
// producer must stop calling Push once it has called Close.
func (q *Queue) Push(item domain.QueueItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, item)
	q.notEmp.Signal()
}

// Close marks the queue as ended: once the backlog already pushed has
// been drained, subsequent Pop calls report ok=false instead of
// blocking forever. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notEmp.Broadcast()
}

// Pop blocks until an item is available or the queue is closed and
// drained. ok is false only in the latter case (domain.ErrQueueClosed
// semantics), never on a spurious wakeup.
func (q *Queue) Pop() (domain.QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if q.closed {
			return domain.QueueItem{}, false
		}
		q.notEmp.Wait()
	}
	item := q.items[0]
	q.items[0] = domain.QueueItem{} // drop the reference promptly
	q.items = q.items[1:]
	return item, true
}

// Len reports the current backlog size. Intended for diagnostics
// (session.Monitor), not for flow control.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
