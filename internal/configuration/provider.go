package configuration

import "context"

// Provider loads configurations into a Manager and persists the ones it owns.
// Providers are registered explicitly when the Manager is constructed.
type Provider interface {
	// Name identifies the provider in logs.
	Name() string

	// Load discovers configurations and adds them with Manager.AddFrom.
	Load(ctx context.Context, m *Manager) error

	// Unload releases watchers or other resources held by the provider.
	Unload(m *Manager)

	// Save persists configs, which are all configurations currently owned
	// by the provider, in manager order.
	Save(ctx context.Context, configs []*Configuration) error
}
