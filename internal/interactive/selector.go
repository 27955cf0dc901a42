package interactive

import (
	"fmt"

	"github.com/altuslabsxyz/devbuild/internal/configuration"
	"github.com/altuslabsxyz/devbuild/internal/device"
)

// Selector picks configurations and devices, prompting only on a terminal.
type Selector struct {
	interactive bool
	selectCfg   func(label string, items []ConfigItem) (string, error)
	selectDev   func(label string, items []DeviceItem) (string, error)
}

// NewSelector creates a selector that prompts when stdin is a terminal.
func NewSelector() *Selector {
	return &Selector{
		interactive: IsInteractive(),
		selectCfg:   SelectConfiguration,
		selectDev:   SelectDevice,
	}
}

// ConfigItems lists the manager's configurations for display.
func ConfigItems(m *configuration.Manager) []ConfigItem {
	current := m.Current()
	var items []ConfigItem
	for _, c := range m.List() {
		items = append(items, ConfigItem{
			ID:          c.ID(),
			DisplayName: c.DisplayName(),
			RuntimeID:   c.RuntimeID(),
			DeviceID:    c.DeviceID(),
			Current:     c == current,
			Ready:       c.Ready(),
		})
	}
	return items
}

// DeviceItems lists the manager's devices for display.
func DeviceItems(m *device.Manager) []DeviceItem {
	current := m.Device()
	var items []DeviceItem
	for _, d := range m.List() {
		items = append(items, DeviceItem{
			ID:          d.ID(),
			DisplayName: d.DisplayName,
			Kind:        string(d.Kind),
			System:      d.System,
			Current:     current != nil && d.ID() == current.ID(),
		})
	}
	return items
}

// ChooseConfiguration returns the configuration named id, or prompts for
// one when id is empty.
func (s *Selector) ChooseConfiguration(m *configuration.Manager, id string) (*configuration.Configuration, error) {
	if id == "" {
		if !s.interactive {
			return nil, fmt.Errorf("a configuration id is required: %w", ErrNotInteractive)
		}
		chosen, err := s.selectCfg("Select configuration", ConfigItems(m))
		if err != nil {
			return nil, err
		}
		id = chosen
	}

	c := m.Get(id)
	if c == nil {
		return nil, fmt.Errorf("configuration %q not found", id)
	}
	return c, nil
}

// ChooseDevice returns the device named id, or prompts for one when id is
// empty.
func (s *Selector) ChooseDevice(m *device.Manager, id string) (string, error) {
	if id == "" {
		if !s.interactive {
			return "", fmt.Errorf("a device id is required: %w", ErrNotInteractive)
		}
		return s.selectDev("Select device", DeviceItems(m))
	}
	if !m.Has(id) {
		return "", fmt.Errorf("device %q not found", id)
	}
	return id, nil
}
