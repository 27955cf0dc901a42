// Package notify provides typed observer registration with deterministic
// unsubscribe, used by managers to publish events and property changes.
package notify

import (
	"sort"
	"sync"
)

// Handler receives an emitted value.
type Handler[T any] func(T)

// Notifier fans values out to subscribed handlers. Handlers are invoked
// synchronously, in subscription order, and never while the notifier's
// lock is held, so a handler may subscribe or unsubscribe freely.
type Notifier[T any] struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[uint64]Handler[T]
}

// Subscribe registers h and returns a function that removes it. The
// returned function is safe to call more than once.
func (n *Notifier[T]) Subscribe(h Handler[T]) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.handlers == nil {
		n.handlers = make(map[uint64]Handler[T])
	}
	n.next++
	id := n.next
	n.handlers[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.handlers, id)
			n.mu.Unlock()
		})
	}
}

// Emit delivers v to every handler registered at the time of the call.
func (n *Notifier[T]) Emit(v T) {
	for _, h := range n.snapshot() {
		h(v)
	}
}

// Len returns the number of registered handlers.
func (n *Notifier[T]) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.handlers)
}

func (n *Notifier[T]) snapshot() []Handler[T] {
	n.mu.RLock()
	defer n.mu.RUnlock()

	ids := make([]uint64, 0, len(n.handlers))
	for id := range n.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Handler[T], 0, len(ids))
	for _, id := range ids {
		out = append(out, n.handlers[id])
	}
	return out
}
