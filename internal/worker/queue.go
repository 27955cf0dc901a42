// Package worker provides the background pools that run blocking build work.
package worker

import (
	"sync"
)

// Queue is a deduplicating work queue. A key added while it is being
// processed is queued again when Done is called for it.
type Queue[K comparable] struct {
	// queue is the ordered list of keys to process
	queue []K

	// dirty tracks keys that need processing
	dirty map[K]struct{}

	// processing tracks keys currently being processed
	processing map[K]struct{}

	cond *sync.Cond

	shuttingDown bool

	mu sync.Mutex
}

// NewQueue creates a new work queue.
func NewQueue[K comparable]() *Queue[K] {
	q := &Queue[K]{
		queue:      make([]K, 0),
		dirty:      make(map[K]struct{}),
		processing: make(map[K]struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Add marks key as needing processing. It reports whether the key was newly
// marked; false means it was already waiting and the call coalesced.
func (q *Queue[K]) Add(key K) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shuttingDown {
		return false
	}

	if _, exists := q.dirty[key]; exists {
		return false
	}
	q.dirty[key] = struct{}{}

	// Re-added by Done once the current run finishes.
	if _, exists := q.processing[key]; exists {
		return true
	}

	q.queue = append(q.queue, key)
	q.cond.Signal()
	return true
}

// Get blocks until a key is ready, returning the key and whether the queue
// is shutting down.
func (q *Queue[K]) Get() (K, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.queue) == 0 && !q.shuttingDown {
		q.cond.Wait()
	}

	if q.shuttingDown {
		var zero K
		return zero, true
	}

	key := q.queue[0]
	q.queue = q.queue[1:]

	delete(q.dirty, key)
	q.processing[key] = struct{}{}

	return key, false
}

// Done marks key as processed. If it was added again meanwhile it is
// re-queued.
func (q *Queue[K]) Done(key K) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.processing, key)

	if _, exists := q.dirty[key]; exists && !q.shuttingDown {
		q.queue = append(q.queue, key)
		q.cond.Signal()
	}
}

// Len returns the number of keys waiting.
func (q *Queue[K]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// ShutDown signals workers to stop.
func (q *Queue[K]) ShutDown() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.shuttingDown = true
	q.cond.Broadcast()
}
