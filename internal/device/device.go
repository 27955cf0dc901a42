// Package device holds build targets and the manager that tracks which
// device is selected.
package device

import (
	"log/slog"
	goruntime "runtime"
	"sync"

	"github.com/altuslabsxyz/devbuild/internal/notify"
	"github.com/altuslabsxyz/devbuild/internal/registry"
)

// LocalID is the device that is always registered.
const LocalID = "local"

// Kind describes the class of a device.
type Kind string

const (
	KindComputer Kind = "computer"
	KindTablet   Kind = "tablet"
	KindPhone    Kind = "phone"
)

// Device is a target a build runs on.
type Device struct {
	id          string
	DisplayName string
	Kind        Kind

	// System is the target triplet, e.g. "linux/amd64".
	System string
}

// New creates a device.
func New(id, displayName string, kind Kind, system string) *Device {
	return &Device{id: id, DisplayName: displayName, Kind: kind, System: system}
}

// NewLocal returns the device for this machine.
func NewLocal() *Device {
	return New(LocalID, "My Computer", KindComputer, goruntime.GOOS+"/"+goruntime.GOARCH)
}

// ID returns the device id.
func (d *Device) ID() string {
	return d.id
}

// Provider discovers and installs devices.
type Provider = registry.Provider[*Device]

// Registry is the registry type providers receive.
type Registry = registry.Registry[*Device]

// Manager is the device registry plus the current selection.
type Manager struct {
	*registry.Registry[*Device]

	mu        sync.Mutex
	selected  string
	selection notify.Notifier[*Device]
}

// NewManager creates a device manager with the local device selected.
func NewManager(providers []Provider, logger *slog.Logger) *Manager {
	m := &Manager{
		Registry: registry.New[*Device]("device", providers, logger),
		selected: LocalID,
	}
	m.Add(NewLocal())
	return m
}

// Device returns the selected device, falling back to the local device when
// the selection is no longer registered.
func (m *Manager) Device() *Device {
	m.mu.Lock()
	id := m.selected
	m.mu.Unlock()

	if d := m.Get(id); d != nil {
		return d
	}
	if d := m.Get(LocalID); d != nil {
		return d
	}
	// A provider removed the local device through the registry.
	local := NewLocal()
	m.Add(local)
	return local
}

// Remove unregisters a device. The local device cannot be removed.
func (m *Manager) Remove(id string) bool {
	if id == LocalID {
		return false
	}
	return m.Registry.Remove(id)
}

// SetDevice selects a device by id. An unknown or empty id selects the
// local device. Listeners are notified only when the selection changes.
func (m *Manager) SetDevice(id string) {
	if id == "" || !m.Has(id) {
		id = LocalID
	}

	m.mu.Lock()
	if m.selected == id {
		m.mu.Unlock()
		return
	}
	m.selected = id
	m.mu.Unlock()

	m.selection.Emit(m.Device())
}

// SubscribeSelection registers a handler for device selection changes.
func (m *Manager) SubscribeSelection(h func(*Device)) (unsubscribe func()) {
	return m.selection.Subscribe(h)
}
