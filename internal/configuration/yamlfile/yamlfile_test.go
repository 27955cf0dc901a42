package yamlfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/altuslabsxyz/devbuild/internal/configuration"
)

const sample = `configurations:
  - id: dev
    name: Development
    runtime: go@>=1.22
    env:
      CGO_ENABLED: "0"
    config-commands:
      - go generate ./...
    build-commands:
      - go build ./...
    parallelism: 4
    internal:
      export.enabled: true
      flatpak.args: [--share=network, --socket=x11]
  - id: release
    debug: false
    locality: local
`

func setup(t *testing.T, content string, watch bool) (*Provider, *configuration.Manager) {
	t.Helper()
	dir := t.TempDir()
	if content != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644))
	}

	p := New(Options{Dir: dir, Watch: watch})
	m := configuration.NewManager(configuration.ManagerConfig{
		Providers:      []configuration.Provider{p},
		WritebackDelay: time.Hour,
	})
	require.NoError(t, m.LoadProviders(context.Background()))
	t.Cleanup(func() { m.Close(context.Background()) })
	return p, m
}

func TestLoad(t *testing.T) {
	_, m := setup(t, sample, false)

	require.Equal(t, 2, m.Len())
	dev := m.Get("dev")
	require.NotNil(t, dev)
	assert.Same(t, dev, m.Current())

	assert.Equal(t, "Development", dev.DisplayName())
	assert.Equal(t, "go@>=1.22", dev.RuntimeID())
	assert.Equal(t, "local", dev.DeviceID())
	assert.Equal(t, "0", dev.Getenv("CGO_ENABLED"))
	assert.Equal(t, []string{"go generate ./..."}, dev.ConfigCommands())
	assert.Equal(t, []string{"go build ./..."}, dev.BuildCommands())
	assert.Equal(t, 4, dev.Parallelism())
	assert.True(t, dev.Debug())
	assert.True(t, dev.InternalBool("export.enabled"))
	assert.Equal(t, []string{"--share=network", "--socket=x11"}, dev.InternalStrings("flatpak.args"))
	assert.False(t, dev.Dirty())

	rel := m.Get("release")
	require.NotNil(t, rel)
	assert.Equal(t, "release", rel.DisplayName())
	assert.False(t, rel.Debug())
	assert.Equal(t, -1, rel.Parallelism())
	assert.Equal(t, configuration.LocalityLocal, rel.Locality())
}

func TestLoadMissingFileAddsDefault(t *testing.T) {
	p, m := setup(t, "", false)

	require.Equal(t, 1, m.Len())
	def := m.Current()
	assert.Equal(t, configuration.DefaultID, def.ID())
	assert.Equal(t, configuration.Provider(p), m.ProviderOf(def))
	assert.NoFileExists(t, p.Path())
}

func TestLoadInvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("configurations: [\n"), 0o644))

	p := New(Options{Dir: dir})
	m := configuration.NewManager(configuration.ManagerConfig{})
	err := p.Load(context.Background(), m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration file")
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte("configurations:\n  - name: x\n"))
	assert.EqualError(t, err, "configuration 0: id is required")

	_, err = Decode([]byte("configurations:\n  - id: a\n  - id: a\n"))
	assert.EqualError(t, err, `configuration 1: duplicate id "a"`)
}

func TestEncodeOmitsDefaults(t *testing.T) {
	s := configuration.DefaultSettings("dev")
	s.BuildCommands = []string{"make"}

	data, err := Encode([]configuration.Settings{s})
	require.NoError(t, err)

	out := string(data)
	assert.Contains(t, out, "id: dev")
	assert.Contains(t, out, "- make")
	for _, key := range []string{"name:", "runtime:", "device:", "env:", "parallelism:", "debug:", "locality:", "internal:"} {
		assert.NotContains(t, out, key)
	}

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, []configuration.Settings{s}, decoded)
}

func TestDecodeKeepsDefaultRuntimeAndDevice(t *testing.T) {
	decoded, err := Decode([]byte("configurations:\n  - id: dev\n"))
	require.NoError(t, err)
	require.Len(t, decoded, 1)

	def := configuration.DefaultSettings("dev")
	assert.Equal(t, def.RuntimeID, decoded[0].RuntimeID)
	assert.Equal(t, def.DeviceID, decoded[0].DeviceID)
}

func TestSaveRoundTrip(t *testing.T) {
	p, m := setup(t, sample, false)

	dev := m.Get("dev")
	dev.SetPrefix("/opt/app")
	dev.SetInternalValue("stamp", cty.NumberIntVal(7))
	require.NoError(t, m.SaveAll(context.Background()))

	data, err := os.ReadFile(p.Path())
	require.NoError(t, err)
	settings, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, settings, 2)

	got := configuration.FromSettings(settings[0])
	assert.Equal(t, "/opt/app", got.Prefix())
	assert.Equal(t, int64(7), got.InternalInt64("stamp"))
	assert.True(t, got.InternalBool("export.enabled"))
	assert.Equal(t, "release", settings[1].ID)
}

func TestSaveSkipsUnchangedContent(t *testing.T) {
	p, m := setup(t, "", false)

	require.NoError(t, m.SaveAll(context.Background()))
	require.FileExists(t, p.Path())

	require.NoError(t, os.Remove(p.Path()))
	require.NoError(t, m.SaveAll(context.Background()))
	assert.NoFileExists(t, p.Path(), "identical content is not rewritten")
}

func TestReloadReconciles(t *testing.T) {
	p, m := setup(t, sample, false)
	dev := m.Get("dev")

	edited := `configurations:
  - id: dev
    name: Development
    runtime: go@>=1.23
  - id: profile
    name: Profiling
`
	require.NoError(t, os.WriteFile(p.Path(), []byte(edited), 0o644))
	require.NoError(t, p.Reload())

	assert.Same(t, dev, m.Get("dev"), "existing configurations are updated in place")
	assert.Equal(t, "go@>=1.23", dev.RuntimeID())
	assert.True(t, dev.Dirty())
	assert.Nil(t, m.Get("release"))
	require.NotNil(t, m.Get("profile"))
	assert.Equal(t, "Profiling", m.Get("profile").DisplayName())

	// Reloading the same content is a no-op.
	seq := dev.Sequence()
	require.NoError(t, p.Reload())
	assert.Equal(t, seq, dev.Sequence())
}

func TestWatchReloadsOnExternalEdit(t *testing.T) {
	p, m := setup(t, sample, true)

	edited := `configurations:
  - id: dev
    name: Renamed
`
	require.NoError(t, os.WriteFile(p.Path(), []byte(edited), 0o644))

	require.Eventually(t, func() bool {
		c := m.Get("dev")
		return c != nil && c.DisplayName() == "Renamed" && m.Get("release") == nil
	}, 5*time.Second, 20*time.Millisecond)
}
