package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altuslabsxyz/devbuild/internal/errdefs"
)

func TestLocalDeviceAlwaysPresent(t *testing.T) {
	m := NewManager(nil, nil)

	d := m.Device()
	require.NotNil(t, d)
	assert.Equal(t, LocalID, d.ID())
	assert.Equal(t, KindComputer, d.Kind)
	assert.NotEmpty(t, d.System)
}

func TestSetDevice(t *testing.T) {
	m := NewManager(nil, nil)
	m.Add(New("pi", "Raspberry Pi", KindComputer, "linux/arm64"))

	var selected []string
	m.SubscribeSelection(func(d *Device) { selected = append(selected, d.ID()) })

	m.SetDevice("pi")
	m.SetDevice("pi")
	assert.Equal(t, "pi", m.Device().ID())

	m.SetDevice("unknown")
	assert.Equal(t, LocalID, m.Device().ID())

	assert.Equal(t, []string{"pi", LocalID}, selected)
}

func TestDeviceRemovedFallsBackToLocal(t *testing.T) {
	m := NewManager(nil, nil)
	m.Add(New("pi", "Raspberry Pi", KindComputer, "linux/arm64"))
	m.SetDevice("pi")

	m.Remove("pi")
	assert.Equal(t, LocalID, m.Device().ID())
}

func TestLocalDeviceCannotBeRemoved(t *testing.T) {
	m := NewManager(nil, nil)

	assert.False(t, m.Remove(LocalID))
	require.NotNil(t, m.Device())
	assert.Equal(t, LocalID, m.Device().ID())

	// Providers hold the registry itself.
	m.Registry.Remove(LocalID)
	d := m.Device()
	require.NotNil(t, d)
	assert.Equal(t, LocalID, d.ID())
	assert.True(t, m.Has(LocalID))
}

func TestEnsureDevice(t *testing.T) {
	m := NewManager(nil, nil)

	d, err := m.EnsureAvailable(context.Background(), LocalID)
	require.NoError(t, err)
	assert.Equal(t, LocalID, d.ID())

	_, err = m.EnsureAvailable(context.Background(), "phone")
	assert.True(t, errdefs.IsNotSupported(err))
}
