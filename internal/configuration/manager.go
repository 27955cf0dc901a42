package configuration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/altuslabsxyz/devbuild/internal/notify"
)

// DefaultWritebackDelay is how long the manager waits after a change before
// writing configurations back to their providers.
const DefaultWritebackDelay = 2 * time.Second

// EventType identifies a manager event.
type EventType string

const (
	// EventInvalidate tells listeners to discard any cached pipeline.
	EventInvalidate     EventType = "invalidate"
	EventAdded          EventType = "added"
	EventRemoved        EventType = "removed"
	EventCurrentChanged EventType = "current"
	EventDisplayName    EventType = "display-name"
	EventReady          EventType = "ready"
)

// Event is emitted by the Manager.
type Event struct {
	Type   EventType
	Config *Configuration
}

type entry struct {
	config      *Configuration
	provider    Provider
	unsubscribe func()
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Providers      []Provider
	WritebackDelay time.Duration
	Logger         *slog.Logger
}

// Manager owns the set of configurations and tracks the current one.
type Manager struct {
	mu        sync.Mutex
	entries   []*entry
	current   *Configuration
	following *Configuration
	curUnsub  func()
	providers []Provider

	writebackDelay time.Duration
	writeback      *time.Timer

	events notify.Notifier[Event]
	logger *slog.Logger
}

// NewManager creates a manager. Call LoadProviders to populate it.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	delay := cfg.WritebackDelay
	if delay <= 0 {
		delay = DefaultWritebackDelay
	}
	return &Manager{
		providers:      cfg.Providers,
		writebackDelay: delay,
		logger:         logger,
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = logger
}

// Subscribe registers a handler for manager events.
func (m *Manager) Subscribe(h func(Event)) (unsubscribe func()) {
	return m.events.Subscribe(h)
}

func (m *Manager) emit(events []Event) {
	for _, e := range events {
		m.events.Emit(e)
	}
}

// LoadProviders loads every registered provider concurrently. A provider
// that fails to load is logged and skipped. If no configuration exists
// afterwards, the default configuration is added.
func (m *Manager) LoadProviders(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range m.providers {
		p := p
		g.Go(func() error {
			if err := p.Load(gctx, m); err != nil {
				m.logger.Warn("failed to load configuration provider",
					"provider", p.Name(),
					"error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	empty := len(m.entries) == 0
	m.mu.Unlock()

	if empty {
		m.AddFrom(m.primaryProvider(), NewDefault())
	}
	return nil
}

func (m *Manager) primaryProvider() Provider {
	if len(m.providers) == 0 {
		return nil
	}
	return m.providers[0]
}

// Add adds a configuration owned by the primary provider.
func (m *Manager) Add(c *Configuration) {
	m.AddFrom(m.primaryProvider(), c)
}

// AddFrom adds a configuration owned by p. If no configuration is current,
// the new one becomes current. Adding an id that already exists replaces
// the existing configuration.
func (m *Manager) AddFrom(p Provider, c *Configuration) {
	m.mu.Lock()

	var events []Event
	if idx := m.indexLocked(c.ID()); idx >= 0 {
		events = append(events, m.removeLocked(idx)...)
	}

	e := &entry{config: c, provider: p}
	e.unsubscribe = c.Subscribe(m.handleChange)
	m.entries = append(m.entries, e)
	events = append(events, Event{Type: EventAdded, Config: c})

	if m.current == nil {
		events = append(events, m.setCurrentLocked(c)...)
	}
	m.mu.Unlock()

	m.emit(events)
}

// Remove removes a configuration. Removing the last configuration adds a
// fresh default so the manager is never empty.
func (m *Manager) Remove(c *Configuration) {
	m.mu.Lock()
	idx := m.indexLocked(c.ID())
	if idx < 0 || m.entries[idx].config != c {
		m.mu.Unlock()
		return
	}
	owner := m.entries[idx].provider
	events := m.removeLocked(idx)
	empty := len(m.entries) == 0
	m.mu.Unlock()

	m.emit(events)

	if empty {
		m.logger.Debug("last configuration removed, adding default")
		m.AddFrom(owner, NewDefault())
	}
}

func (m *Manager) removeLocked(idx int) []Event {
	e := m.entries[idx]
	e.unsubscribe()
	m.entries = append(m.entries[:idx], m.entries[idx+1:]...)

	events := []Event{{Type: EventRemoved, Config: e.config}}
	switch {
	case m.current == e.config:
		events = append(events, m.setCurrentLocked(nil)...)
	case m.current == nil && m.followLocked():
		// The fallback current configuration moved to the next entry.
		events = append(events,
			Event{Type: EventCurrentChanged, Config: m.following},
			Event{Type: EventInvalidate, Config: m.following})
	}
	return events
}

func (m *Manager) indexLocked(id string) int {
	for i, e := range m.entries {
		if e.config.ID() == id {
			return i
		}
	}
	return -1
}

// Get returns the configuration with id, or nil.
func (m *Manager) Get(id string) *Configuration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx := m.indexLocked(id); idx >= 0 {
		return m.entries[idx].config
	}
	return nil
}

// List returns the configurations in insertion order.
func (m *Manager) List() []*Configuration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Configuration, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.config
	}
	return out
}

// Len returns the number of configurations.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// ProviderOf returns the provider owning c, or nil.
func (m *Manager) ProviderOf(c *Configuration) Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx := m.indexLocked(c.ID()); idx >= 0 {
		return m.entries[idx].provider
	}
	return nil
}

// SetCurrent selects the configuration to build. Passing nil clears the
// explicit selection so Current falls back to the first configuration.
// A change of selection emits EventInvalidate.
func (m *Manager) SetCurrent(c *Configuration) {
	m.mu.Lock()
	events := m.setCurrentLocked(c)
	m.mu.Unlock()

	m.emit(events)
}

func (m *Manager) setCurrentLocked(c *Configuration) []Event {
	if m.current == c {
		return nil
	}

	m.current = c
	m.followLocked()

	return []Event{
		{Type: EventCurrentChanged, Config: c},
		{Type: EventInvalidate, Config: c},
	}
}

// followLocked moves the display-name and ready listener to the effective
// current configuration. It reports whether that configuration changed.
func (m *Manager) followLocked() bool {
	eff := m.currentLocked()
	if eff == m.following {
		return false
	}
	if m.curUnsub != nil {
		m.curUnsub()
		m.curUnsub = nil
	}
	m.following = eff
	if eff != nil {
		m.curUnsub = eff.Subscribe(m.handleCurrentChange)
	}
	return true
}

// Current returns the selected configuration, falling back to the first
// configuration when none has been selected.
func (m *Manager) Current() *Configuration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked()
}

func (m *Manager) currentLocked() *Configuration {
	if m.current != nil {
		return m.current
	}
	if len(m.entries) > 0 {
		return m.entries[0].config
	}
	return nil
}

// Ready reports whether the current configuration's runtime is available.
func (m *Manager) Ready() bool {
	c := m.Current()
	return c != nil && c.Ready()
}

// RefreshReady recomputes readiness of every configuration using has, which
// reports whether a runtime id is registered. It returns the configurations
// that just became ready so their runtime can prepare them.
func (m *Manager) RefreshReady(has func(runtimeID string) bool) []*Configuration {
	var became []*Configuration
	for _, c := range m.List() {
		ready := has(c.RuntimeID())
		if c.setReady(ready) && ready {
			became = append(became, c)
		}
	}
	return became
}

func (m *Manager) handleCurrentChange(ch Change) {
	switch ch.Property {
	case PropDisplayName:
		m.events.Emit(Event{Type: EventDisplayName, Config: ch.Config})
	case PropReady:
		m.events.Emit(Event{Type: EventReady, Config: ch.Config})
	}
}

// handleChange queues a writeback whenever any configuration changes.
func (m *Manager) handleChange(ch Change) {
	if ch.Property != PropChanged {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writeback != nil {
		m.writeback.Stop()
	}
	m.writeback = time.AfterFunc(m.writebackDelay, m.doWriteback)
}

func (m *Manager) doWriteback() {
	m.mu.Lock()
	m.writeback = nil
	current := m.current
	m.mu.Unlock()

	m.events.Emit(Event{Type: EventInvalidate, Config: current})

	if err := m.SaveAll(context.Background()); err != nil {
		m.logger.Warn("failed to write back configurations", "error", err)
	}
}

// SaveAll asks every provider to persist the configurations it owns.
func (m *Manager) SaveAll(ctx context.Context) error {
	m.mu.Lock()
	owned := make(map[Provider][]*Configuration)
	for _, e := range m.entries {
		if e.provider != nil {
			owned[e.provider] = append(owned[e.provider], e.config)
		}
	}
	providers := m.providers
	m.mu.Unlock()

	var errs []error
	for _, p := range providers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.Save(ctx, owned[p]); err != nil {
			errs = append(errs, fmt.Errorf("failed to save provider %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) saveProvider(ctx context.Context, p Provider) error {
	if p == nil {
		return nil
	}
	var configs []*Configuration
	m.mu.Lock()
	for _, e := range m.entries {
		if e.provider == p {
			configs = append(configs, e.config)
		}
	}
	m.mu.Unlock()

	if err := p.Save(ctx, configs); err != nil {
		return fmt.Errorf("failed to save provider %s: %w", p.Name(), err)
	}
	return nil
}

// Duplicate copies c under a fresh id, adds it next to the original owner
// and saves that provider.
func (m *Manager) Duplicate(ctx context.Context, c *Configuration) (*Configuration, error) {
	owner := m.ProviderOf(c)

	dup := c.Copy(fmt.Sprintf("%s-%s", c.ID(), uuid.NewString()[:8]))
	dup.BlockChanged()
	dup.SetDisplayName(fmt.Sprintf("%s (copy)", c.DisplayName()))
	dup.UnblockChanged()

	m.AddFrom(owner, dup)
	if err := m.saveProvider(ctx, owner); err != nil {
		return dup, err
	}
	return dup, nil
}

// Delete removes c and saves its owning provider.
func (m *Manager) Delete(ctx context.Context, c *Configuration) error {
	owner := m.ProviderOf(c)
	m.Remove(c)
	return m.saveProvider(ctx, owner)
}

// Close flushes a pending writeback and unloads every provider.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	pending := m.writeback != nil && m.writeback.Stop()
	m.writeback = nil
	m.mu.Unlock()

	var err error
	if pending {
		err = m.SaveAll(ctx)
	}

	for _, p := range m.providers {
		p.Unload(m)
	}
	return err
}
