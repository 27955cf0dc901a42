package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altuslabsxyz/devbuild/internal/appconfig"
	"github.com/altuslabsxyz/devbuild/internal/configuration"
	"github.com/altuslabsxyz/devbuild/internal/configuration/yamlfile"
	"github.com/altuslabsxyz/devbuild/internal/history"
	"github.com/altuslabsxyz/devbuild/internal/paths"
	"github.com/altuslabsxyz/devbuild/internal/pipeline"
	"github.com/altuslabsxyz/devbuild/internal/runtime"
)

const projectYAML = `configurations:
  - id: dev
    build-commands:
      - echo "$DEVBUILD_CONFIG" > built.txt
  - id: release
    runtime: custom
`

type fixture struct {
	dir     string
	history string
	cfg     *appconfig.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, yamlfile.FileName), []byte(projectYAML), 0o644))

	cfg := appconfig.DefaultConfig()
	cfg.Paths.CacheDir = t.TempDir()
	cfg.Paths.DataDir = t.TempDir()
	cfg.Build.WritebackDelay = time.Hour
	t.Cleanup(func() {
		paths.SetCacheDir("")
		paths.SetDataDir("")
	})

	return &fixture{
		dir:     dir,
		history: filepath.Join(t.TempDir(), "history.db"),
		cfg:     cfg,
	}
}

func (f *fixture) open(t *testing.T) *Context {
	t.Helper()
	c, err := Open(context.Background(), Options{
		Dir:              f.dir,
		Config:           f.cfg,
		RuntimeProviders: []runtime.Provider{},
		HistoryPath:      f.history,
	})
	require.NoError(t, err)
	return c
}

func waitSetup(t *testing.T, c *Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Builds().WaitForSetup(ctx))
}

func TestOpenLoadsProject(t *testing.T) {
	f := newFixture(t)
	c := f.open(t)
	defer c.Close(context.Background())

	assert.Equal(t, f.dir, c.Dir())
	assert.Equal(t, filepath.Base(f.dir), c.Name())
	assert.Equal(t, 2, c.Configs().Len())
	assert.Equal(t, "dev", c.Configs().Current().ID())
	assert.True(t, c.Configs().Get("dev").Ready())
	assert.False(t, c.Configs().Get("release").Ready())
	assert.NotNil(t, c.History())
	assert.Equal(t, f.cfg.Paths.CacheDir, paths.CacheDir())
}

func TestOpenRejectsMissingDir(t *testing.T) {
	_, err := Open(context.Background(), Options{
		Dir:         filepath.Join(t.TempDir(), "absent"),
		HistoryPath: "-",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open project")
}

func TestBuildRecordsHistory(t *testing.T) {
	f := newFixture(t)
	c := f.open(t)
	defer c.Close(context.Background())

	waitSetup(t, c)
	require.NoError(t, c.Builds().Execute(context.Background(), pipeline.PhaseBuild))

	data, err := os.ReadFile(filepath.Join(f.dir, "built.txt"))
	require.NoError(t, err)
	assert.Equal(t, "dev\n", string(data))
	assert.DirExists(t, paths.BuildDir(c.Name(), "dev", "local"))

	require.Eventually(t, func() bool {
		records, err := c.History().List(context.Background(), history.ListOptions{})
		return err == nil && len(records) == 1
	}, 5*time.Second, 10*time.Millisecond)

	records, err := c.History().List(context.Background(), history.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, "dev", records[0].ConfigID)
	assert.Equal(t, history.ResultSucceeded, records[0].Result)
}

func TestSelectionPersists(t *testing.T) {
	f := newFixture(t)

	c := f.open(t)
	require.NoError(t, c.SelectConfiguration(context.Background(), c.Configs().Get("release")))
	assert.EqualError(t, c.SelectDevice(context.Background(), "phone"), `device "phone" not found`)
	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))

	c = f.open(t)
	defer c.Close(context.Background())
	assert.Equal(t, "release", c.Configs().Current().ID())
}

func TestRuntimeArrivalPreparesConfiguration(t *testing.T) {
	f := newFixture(t)
	c := f.open(t)
	defer c.Close(context.Background())

	rel := c.Configs().Get("release")
	require.False(t, rel.Ready())

	rt := runtime.New("custom", "Custom SDK")
	rt.Prepare = func(cfg *configuration.Configuration) {
		cfg.SetInternalString("sdk.prepared", "yes")
	}
	c.Runtimes().Add(rt)

	assert.True(t, rel.Ready())
	assert.Equal(t, "yes", rel.InternalString("sdk.prepared"))
}

func TestHistoryDisabled(t *testing.T) {
	f := newFixture(t)
	c, err := Open(context.Background(), Options{
		Dir:              f.dir,
		Config:           f.cfg,
		RuntimeProviders: []runtime.Provider{},
		HistoryPath:      "-",
	})
	require.NoError(t, err)
	defer c.Close(context.Background())

	assert.Nil(t, c.History())
	require.NoError(t, c.SelectConfiguration(context.Background(), c.Configs().Get("release")))
}

func TestCompilerWorkers(t *testing.T) {
	cfg := appconfig.DefaultConfig()
	cfg.Build.Parallelism = 3
	assert.Equal(t, 3, compilerWorkers(cfg))

	cfg.Workers.Compiler = 6
	assert.Equal(t, 6, compilerWorkers(cfg))

	assert.Equal(t, -1, historyKeep(0))
	assert.Equal(t, 10, historyKeep(10))
}
