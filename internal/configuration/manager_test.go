package configuration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Mock Implementations
// =============================================================================

type mockProvider struct {
	name    string
	load    []*Configuration
	loadErr error

	mu       sync.Mutex
	saves    [][]string
	unloaded bool
}

func (p *mockProvider) Name() string { return p.name }

func (p *mockProvider) Load(ctx context.Context, m *Manager) error {
	if p.loadErr != nil {
		return p.loadErr
	}
	for _, c := range p.load {
		m.AddFrom(p, c)
	}
	return nil
}

func (p *mockProvider) Unload(m *Manager) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unloaded = true
}

func (p *mockProvider) Save(ctx context.Context, configs []*Configuration) error {
	ids := make([]string, len(configs))
	for i, c := range configs {
		ids[i] = c.ID()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves = append(p.saves, ids)
	return nil
}

func (p *mockProvider) saveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.saves)
}

func (p *mockProvider) lastSave() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.saves) == 0 {
		return nil
	}
	return p.saves[len(p.saves)-1]
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// =============================================================================
// Tests
// =============================================================================

func TestManagerFirstAddBecomesCurrent(t *testing.T) {
	m := NewManager(ManagerConfig{})
	rec := &eventRecorder{}
	m.Subscribe(rec.record)

	a := New("a")
	b := New("b")
	m.Add(a)
	m.Add(b)

	assert.Same(t, a, m.Current())
	assert.Equal(t, 1, rec.count(EventInvalidate))
	assert.Equal(t, 2, rec.count(EventAdded))
	assert.Equal(t, []*Configuration{a, b}, m.List())
}

func TestManagerSetCurrentEmitsInvalidate(t *testing.T) {
	m := NewManager(ManagerConfig{})
	a, b := New("a"), New("b")
	m.Add(a)
	m.Add(b)

	rec := &eventRecorder{}
	m.Subscribe(rec.record)

	m.SetCurrent(b)
	assert.Same(t, b, m.Current())
	assert.Equal(t, 1, rec.count(EventInvalidate))

	// Selecting the same configuration again is a no-op.
	m.SetCurrent(b)
	assert.Equal(t, 1, rec.count(EventInvalidate))

	// Clearing the selection falls back to the first configuration.
	m.SetCurrent(nil)
	assert.Same(t, a, m.Current())
	assert.Equal(t, 2, rec.count(EventInvalidate))
}

func TestManagerCurrentListenersFollowSelection(t *testing.T) {
	m := NewManager(ManagerConfig{})
	a, b := New("a"), New("b")
	m.Add(a)
	m.Add(b)

	rec := &eventRecorder{}
	m.Subscribe(rec.record)

	a.SetDisplayName("Alpha")
	assert.Equal(t, 1, rec.count(EventDisplayName))

	m.SetCurrent(b)
	a.SetDisplayName("Alpha 2")
	assert.Equal(t, 1, rec.count(EventDisplayName), "listener on previous current must be disconnected")

	b.SetDisplayName("Beta")
	assert.Equal(t, 2, rec.count(EventDisplayName))
}

func TestManagerFallbackCurrentIsFollowed(t *testing.T) {
	m := NewManager(ManagerConfig{})
	a, b, c := New("a"), New("b"), New("c")
	m.Add(a)
	m.Add(b)
	m.Add(c)
	m.SetCurrent(c)
	m.SetCurrent(nil)
	require.Same(t, a, m.Current())

	rec := &eventRecorder{}
	m.Subscribe(rec.record)

	a.SetDisplayName("Alpha")
	assert.Equal(t, 1, rec.count(EventDisplayName))
	c.SetDisplayName("Gamma")
	assert.Equal(t, 1, rec.count(EventDisplayName))

	m.Remove(a)
	require.Same(t, b, m.Current())
	assert.Equal(t, 1, rec.count(EventInvalidate))

	a.SetDisplayName("Alpha 2")
	assert.Equal(t, 1, rec.count(EventDisplayName))
	b.SetDisplayName("Beta")
	assert.Equal(t, 2, rec.count(EventDisplayName))

	// Removing a configuration that is not the fallback changes nothing.
	m.Remove(c)
	assert.Equal(t, 1, rec.count(EventInvalidate))
}

func TestManagerRemoveLastAddsDefault(t *testing.T) {
	m := NewManager(ManagerConfig{})
	only := New("only")
	m.Add(only)

	m.Remove(only)

	require.Equal(t, 1, m.Len())
	cur := m.Current()
	require.NotNil(t, cur)
	assert.Equal(t, DefaultID, cur.ID())
	assert.Nil(t, m.Get("only"))
}

func TestManagerRemoveCurrentInvalidates(t *testing.T) {
	m := NewManager(ManagerConfig{})
	a, b := New("a"), New("b")
	m.Add(a)
	m.Add(b)
	m.SetCurrent(b)

	rec := &eventRecorder{}
	m.Subscribe(rec.record)

	m.Remove(b)
	assert.Equal(t, 1, rec.count(EventRemoved))
	assert.Equal(t, 1, rec.count(EventInvalidate))
	assert.Same(t, a, m.Current())
}

func TestManagerLoadProviders(t *testing.T) {
	good := &mockProvider{name: "good", load: []*Configuration{New("x"), New("y")}}
	bad := &mockProvider{name: "bad", loadErr: errors.New("parse error")}

	m := NewManager(ManagerConfig{Providers: []Provider{good, bad}})
	require.NoError(t, m.LoadProviders(context.Background()))

	assert.Equal(t, 2, m.Len())
	assert.Same(t, good, m.ProviderOf(m.Get("x")))
}

func TestManagerLoadProvidersAddsDefault(t *testing.T) {
	p := &mockProvider{name: "empty"}
	m := NewManager(ManagerConfig{Providers: []Provider{p}})
	require.NoError(t, m.LoadProviders(context.Background()))

	require.Equal(t, 1, m.Len())
	assert.Equal(t, DefaultID, m.Current().ID())
	assert.Same(t, p, m.ProviderOf(m.Current()))
}

func TestManagerWriteback(t *testing.T) {
	p := &mockProvider{name: "file", load: []*Configuration{New("dev")}}
	m := NewManager(ManagerConfig{Providers: []Provider{p}, WritebackDelay: 10 * time.Millisecond})
	require.NoError(t, m.LoadProviders(context.Background()))

	rec := &eventRecorder{}
	m.Subscribe(rec.record)

	m.Get("dev").SetPrefix("/opt")
	m.Get("dev").SetPrefix("/opt/dev")

	require.Eventually(t, func() bool { return p.saveCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"dev"}, p.lastSave())
	assert.Equal(t, 1, rec.count(EventInvalidate))
}

func TestManagerCloseFlushesWriteback(t *testing.T) {
	p := &mockProvider{name: "file", load: []*Configuration{New("dev")}}
	m := NewManager(ManagerConfig{Providers: []Provider{p}, WritebackDelay: time.Hour})
	require.NoError(t, m.LoadProviders(context.Background()))

	m.Get("dev").SetDebug(false)
	require.NoError(t, m.Close(context.Background()))

	assert.Equal(t, 1, p.saveCount())
	assert.True(t, p.unloaded)
}

func TestManagerDuplicateAndDelete(t *testing.T) {
	p := &mockProvider{name: "file", load: []*Configuration{New("dev")}}
	m := NewManager(ManagerConfig{Providers: []Provider{p}})
	require.NoError(t, m.LoadProviders(context.Background()))

	orig := m.Get("dev")
	orig.SetDisplayName("Dev")

	dup, err := m.Duplicate(context.Background(), orig)
	require.NoError(t, err)
	assert.NotEqual(t, orig.ID(), dup.ID())
	assert.Equal(t, "Dev (copy)", dup.DisplayName())
	assert.Equal(t, []string{"dev", dup.ID()}, p.lastSave())

	require.NoError(t, m.Delete(context.Background(), orig))
	assert.Equal(t, []string{dup.ID()}, p.lastSave())
}

func TestManagerRefreshReady(t *testing.T) {
	m := NewManager(ManagerConfig{})
	host := New("host-cfg")
	goCfg := New("go-cfg")
	goCfg.SetRuntimeID("go@>=1.22")
	m.Add(host)
	m.Add(goCfg)

	available := map[string]bool{"host": true}
	became := m.RefreshReady(func(id string) bool { return available[id] })
	assert.Equal(t, []*Configuration{host}, became)
	assert.True(t, m.Ready())
	assert.False(t, goCfg.Ready())

	available["go@>=1.22"] = true
	became = m.RefreshReady(func(id string) bool { return available[id] })
	assert.Equal(t, []*Configuration{goCfg}, became)
}
