// Package registry implements the shared shape of the runtime and device
// managers: a set of entities looked up by id, a list of providers that can
// install missing entities on demand, and change notifications.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/altuslabsxyz/devbuild/internal/errdefs"
	"github.com/altuslabsxyz/devbuild/internal/notify"
)

// Entity is anything addressable by id.
type Entity interface {
	ID() string
}

// Provider discovers entities and can install missing ones.
type Provider[T Entity] interface {
	Name() string

	// Load registers the entities the provider already knows about.
	Load(ctx context.Context, r *Registry[T]) error

	// Unload removes anything the provider registered.
	Unload(r *Registry[T])

	// CanInstall reports whether Install can make id available.
	CanInstall(id string) bool

	// Install makes id available. On success the provider must have
	// registered an entity with that id.
	Install(ctx context.Context, id string) error
}

// ChangeType describes a registry change.
type ChangeType string

const (
	Added   ChangeType = "ADDED"
	Removed ChangeType = "REMOVED"
)

// Change is emitted when an entity is added or removed.
type Change[T Entity] struct {
	Type   ChangeType
	Entity T
}

// Registry holds entities of one kind.
type Registry[T Entity] struct {
	kind      string
	mu        sync.RWMutex
	items     []T
	providers []Provider[T]
	changes   notify.Notifier[Change[T]]
	logger    *slog.Logger
}

// New creates a registry. kind names the entity type in errors and logs.
func New[T Entity](kind string, providers []Provider[T], logger *slog.Logger) *Registry[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry[T]{
		kind:      kind,
		providers: providers,
		logger:    logger,
	}
}

// Kind returns the entity kind name.
func (r *Registry[T]) Kind() string {
	return r.kind
}

// SetLogger sets the logger.
func (r *Registry[T]) SetLogger(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// Subscribe registers a handler for added and removed entities.
func (r *Registry[T]) Subscribe(h func(Change[T])) (unsubscribe func()) {
	return r.changes.Subscribe(h)
}

// Add registers e, replacing any entity with the same id.
func (r *Registry[T]) Add(e T) {
	r.mu.Lock()
	var replaced []T
	if idx := r.indexLocked(e.ID()); idx >= 0 {
		replaced = append(replaced, r.items[idx])
		r.items = append(r.items[:idx], r.items[idx+1:]...)
	}
	r.items = append(r.items, e)
	r.mu.Unlock()

	for _, old := range replaced {
		r.changes.Emit(Change[T]{Type: Removed, Entity: old})
	}
	r.changes.Emit(Change[T]{Type: Added, Entity: e})
}

// Remove unregisters the entity with id. It reports whether one was found.
func (r *Registry[T]) Remove(id string) bool {
	r.mu.Lock()
	idx := r.indexLocked(id)
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	e := r.items[idx]
	r.items = append(r.items[:idx], r.items[idx+1:]...)
	r.mu.Unlock()

	r.changes.Emit(Change[T]{Type: Removed, Entity: e})
	return true
}

func (r *Registry[T]) indexLocked(id string) int {
	for i, e := range r.items {
		if e.ID() == id {
			return i
		}
	}
	return -1
}

// Get returns the entity with id, or the zero value.
func (r *Registry[T]) Get(id string) T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx := r.indexLocked(id); idx >= 0 {
		return r.items[idx]
	}
	var zero T
	return zero
}

// Has reports whether an entity with id is registered.
func (r *Registry[T]) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.indexLocked(id) >= 0
}

// List returns the registered entities in registration order.
func (r *Registry[T]) List() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

// LoadProviders loads every provider concurrently. Failures are logged and
// do not stop other providers.
func (r *Registry[T]) LoadProviders(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range r.providers {
		p := p
		g.Go(func() error {
			if err := p.Load(gctx, r); err != nil {
				r.logger.Warn("failed to load provider",
					"kind", r.kind,
					"provider", p.Name(),
					"error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// UnloadProviders unloads every provider.
func (r *Registry[T]) UnloadProviders() {
	for _, p := range r.providers {
		p.Unload(r)
	}
}

func (r *Registry[T]) installer(id string) Provider[T] {
	for _, p := range r.providers {
		if p.CanInstall(id) {
			return p
		}
	}
	return nil
}

// EnsureAvailable returns the entity with id, installing it through a
// capable provider when one exists. Without a capable provider an already
// registered entity is returned as is; otherwise the error satisfies
// errdefs.IsNotSupported.
func (r *Registry[T]) EnsureAvailable(ctx context.Context, id string) (T, error) {
	var zero T

	if err := ctx.Err(); err != nil {
		return zero, errdefs.Cancelled("ensure "+r.kind, err)
	}

	p := r.installer(id)
	if p == nil {
		if r.Has(id) {
			return r.Get(id), nil
		}
		return zero, &errdefs.NotSupportedError{Kind: r.kind, ID: id}
	}

	r.logger.Info("installing",
		"kind", r.kind,
		"id", id,
		"provider", p.Name())

	if err := p.Install(ctx, id); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return zero, errdefs.Cancelled("ensure "+r.kind, err)
		}
		return zero, fmt.Errorf("failed to install %s %s: %w", r.kind, id, err)
	}

	if !r.Has(id) {
		return zero, fmt.Errorf("%s provider %s returned success but did not register %s %s",
			r.kind, p.Name(), r.kind, id)
	}
	return r.Get(id), nil
}
