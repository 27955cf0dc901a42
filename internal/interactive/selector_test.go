package interactive

import (
	"context"
	"fmt"
	"testing"

	"github.com/manifoldco/promptui"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altuslabsxyz/devbuild/internal/configuration"
	"github.com/altuslabsxyz/devbuild/internal/device"
)

func newConfigs(t *testing.T) *configuration.Manager {
	t.Helper()
	m := configuration.NewManager(configuration.ManagerConfig{})
	dev := configuration.New("dev")
	dev.SetDisplayName("Development")
	rel := configuration.New("release")
	rel.SetDisplayName("Release")
	m.Add(dev)
	m.Add(rel)
	m.SetCurrent(rel)
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

func TestConfigItems(t *testing.T) {
	items := ConfigItems(newConfigs(t))
	require.Len(t, items, 2)

	assert.Equal(t, "dev", items[0].ID)
	assert.Equal(t, "Development", items[0].DisplayName)
	assert.False(t, items[0].Current)
	assert.True(t, items[1].Current)
	assert.Equal(t, 1, currentIndex(items))
	assert.Equal(t, "release - Release (current)", items[1].String())
}

func TestConfigItemString(t *testing.T) {
	assert.Equal(t, "x - X (runtime missing)", ConfigItem{ID: "x", DisplayName: "X"}.String())
	assert.Equal(t, "x - X", ConfigItem{ID: "x", DisplayName: "X", Ready: true}.String())
}

func TestDeviceItems(t *testing.T) {
	m := device.NewManager(nil, nil)
	m.Add(device.New("phone", "Pixel", device.KindPhone, "linux/arm64"))

	items := DeviceItems(m)
	require.Len(t, items, 2)
	assert.True(t, items[0].Current)
	assert.Equal(t, device.LocalID, items[0].ID)
	assert.Equal(t, "phone - Pixel [linux/arm64]", items[1].String())
}

func TestConfigSearcher(t *testing.T) {
	items := []ConfigItem{
		{ID: "dev", DisplayName: "Development"},
		{ID: "release", DisplayName: "Optimized"},
	}
	search := configSearcher(items)

	assert.True(t, search("DEV", 0))
	assert.False(t, search("dev", 1))
	assert.True(t, search("optim", 1))
	assert.True(t, search("  ", 1))
}

func TestValidateConfigID(t *testing.T) {
	validate := validateConfigID([]string{"dev"})

	assert.NoError(t, validate("release"))
	assert.EqualError(t, validate("  "), "id cannot be empty")
	assert.EqualError(t, validate("a b"), "id cannot contain spaces or slashes")
	assert.EqualError(t, validate("a/b"), "id cannot contain spaces or slashes")
	assert.EqualError(t, validate("dev"), `configuration "dev" already exists`)
}

func TestHandleInterruptError(t *testing.T) {
	assert.True(t, IsCancellation(handleInterruptError(promptui.ErrInterrupt)))
	assert.True(t, IsCancellation(handleInterruptError(promptui.ErrEOF)))
	assert.True(t, IsCancellation(fmt.Errorf("wrapped: %w", &CancellationError{Message: "x"})))

	other := fmt.Errorf("other")
	assert.Same(t, other, handleInterruptError(other))
	assert.False(t, IsCancellation(other))
}

func TestChooseConfiguration(t *testing.T) {
	m := newConfigs(t)

	s := &Selector{}
	c, err := s.ChooseConfiguration(m, "dev")
	require.NoError(t, err)
	assert.Equal(t, "dev", c.ID())

	_, err = s.ChooseConfiguration(m, "missing")
	assert.EqualError(t, err, `configuration "missing" not found`)

	_, err = s.ChooseConfiguration(m, "")
	assert.ErrorIs(t, err, ErrNotInteractive)

	var offered []ConfigItem
	s = &Selector{
		interactive: true,
		selectCfg: func(label string, items []ConfigItem) (string, error) {
			offered = items
			return "release", nil
		},
	}
	c, err = s.ChooseConfiguration(m, "")
	require.NoError(t, err)
	assert.Equal(t, "release", c.ID())
	assert.Len(t, offered, 2)
}

func TestChooseDevice(t *testing.T) {
	m := device.NewManager(nil, nil)
	m.Add(device.New("phone", "Pixel", device.KindPhone, "linux/arm64"))

	s := &Selector{}
	id, err := s.ChooseDevice(m, "phone")
	require.NoError(t, err)
	assert.Equal(t, "phone", id)

	_, err = s.ChooseDevice(m, "tablet")
	assert.EqualError(t, err, `device "tablet" not found`)

	_, err = s.ChooseDevice(m, "")
	assert.ErrorIs(t, err, ErrNotInteractive)

	s = &Selector{
		interactive: true,
		selectDev: func(label string, items []DeviceItem) (string, error) {
			return "", &CancellationError{Message: "operation cancelled"}
		},
	}
	_, err = s.ChooseDevice(m, "")
	assert.True(t, IsCancellation(err))
}
