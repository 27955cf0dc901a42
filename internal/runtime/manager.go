package runtime

import (
	"context"
	"errors"
	"log/slog"

	"github.com/altuslabsxyz/devbuild/internal/configuration"
	"github.com/altuslabsxyz/devbuild/internal/registry"
)

// Provider discovers and installs runtimes.
type Provider = registry.Provider[*Runtime]

// Registry is the registry type providers receive.
type Registry = registry.Registry[*Runtime]

// Change is emitted when a runtime is added or removed.
type Change = registry.Change[*Runtime]

// Manager is the runtime registry. The host runtime is always registered.
type Manager struct {
	*registry.Registry[*Runtime]
}

// NewManager creates a runtime manager with the given providers.
func NewManager(providers []Provider, logger *slog.Logger) *Manager {
	m := &Manager{Registry: registry.New[*Runtime]("runtime", providers, logger)}
	m.Add(NewHost())
	return m
}

// EnsureConfig ensures the runtime selected by c is available, installing
// it if a provider can.
func (m *Manager) EnsureConfig(ctx context.Context, c *configuration.Configuration) (*Runtime, error) {
	id := c.RuntimeID()
	if id == "" {
		return nil, errors.New("configuration does not have specified runtime")
	}
	return m.EnsureAvailable(ctx, id)
}
