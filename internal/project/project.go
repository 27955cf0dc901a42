// Package project wires the build engine for one project directory. A
// Context owns every manager the engine needs; there are no package-level
// singletons.
package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/altuslabsxyz/devbuild/internal/appconfig"
	"github.com/altuslabsxyz/devbuild/internal/buildmgr"
	"github.com/altuslabsxyz/devbuild/internal/configuration"
	"github.com/altuslabsxyz/devbuild/internal/configuration/hclfile"
	"github.com/altuslabsxyz/devbuild/internal/configuration/yamlfile"
	"github.com/altuslabsxyz/devbuild/internal/device"
	"github.com/altuslabsxyz/devbuild/internal/history"
	"github.com/altuslabsxyz/devbuild/internal/metrics"
	"github.com/altuslabsxyz/devbuild/internal/paths"
	"github.com/altuslabsxyz/devbuild/internal/pipeline"
	"github.com/altuslabsxyz/devbuild/internal/pipeline/addins"
	"github.com/altuslabsxyz/devbuild/internal/runtime"
	"github.com/altuslabsxyz/devbuild/internal/runtime/gotoolchain"
	"github.com/altuslabsxyz/devbuild/internal/worker"
)

// Options configures Open. Nil provider slices select the built-in
// providers; pass an empty non-nil slice to register none.
type Options struct {
	// Dir is the project directory. It defaults to the working directory.
	Dir string

	// Config is the application configuration. Nil uses the defaults.
	Config *appconfig.Config

	ConfigProviders  []configuration.Provider
	RuntimeProviders []runtime.Provider
	DeviceProviders  []device.Provider

	// Addins returns fresh stage providers for each pipeline.
	Addins func() []pipeline.Addin

	Saver buildmgr.BufferSaver

	// WatchConfig reloads .devbuild.yaml when it changes on disk.
	WatchConfig bool

	// HistoryPath overrides the history database location. "-" disables
	// build history.
	HistoryPath string

	Logger *slog.Logger
}

// Context is an opened project.
type Context struct {
	dir    string
	name   string
	cfg    *appconfig.Config
	logger *slog.Logger

	configs  *configuration.Manager
	runtimes *runtime.Manager
	devices  *device.Manager
	pools    *worker.Pools
	builds   *buildmgr.Manager

	store    *history.Store
	recorder *history.Recorder

	unsubs    []func()
	closeOnce sync.Once
	closeErr  error
}

// Open loads the project in opts.Dir and starts setting up its first
// pipeline. Call Close when done.
func Open(ctx context.Context, opts Options) (*Context, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dir, err := resolveDir(opts.Dir)
	if err != nil {
		return nil, err
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = appconfig.DefaultConfig()
	}
	cfg.Apply()

	c := &Context{
		dir:    dir,
		name:   filepath.Base(dir),
		cfg:    cfg,
		logger: logger.With("project", filepath.Base(dir)),
	}

	configProviders := opts.ConfigProviders
	if configProviders == nil {
		configProviders = DefaultConfigProviders(dir, opts.WatchConfig, c.logger)
	}
	runtimeProviders := opts.RuntimeProviders
	if runtimeProviders == nil {
		runtimeProviders = []runtime.Provider{gotoolchain.New(nil)}
	}

	c.pools = worker.NewPools(compilerWorkers(cfg), cfg.Workers.Indexer, c.logger)
	c.pools.SetObserver(metrics.ObserveJob)
	c.pools.Start(context.Background())

	c.configs = configuration.NewManager(configuration.ManagerConfig{
		Providers:      configProviders,
		WritebackDelay: cfg.Build.WritebackDelay,
		Logger:         c.logger,
	})
	c.runtimes = runtime.NewManager(runtimeProviders, c.logger)
	c.devices = device.NewManager(opts.DeviceProviders, c.logger)

	c.unsubs = append(c.unsubs, c.runtimes.Subscribe(func(runtime.Change) {
		c.refreshReady()
	}))

	if err := c.loadProviders(ctx); err != nil {
		c.shutdown(context.Background())
		return nil, err
	}
	c.refreshReady()

	if opts.HistoryPath != "-" {
		path := opts.HistoryPath
		if path == "" {
			path = paths.HistoryDB()
		}
		store, err := history.Open(path)
		if err != nil {
			c.logger.Warn("build history unavailable", "path", path, "error", err)
		} else {
			c.store = store
		}
	}
	c.restoreSelection(ctx)

	addinsFn := opts.Addins
	if addinsFn == nil {
		addinsFn = addins.Default
	}
	c.builds = buildmgr.New(buildmgr.Options{
		Project:   c.name,
		SourceDir: dir,
		Configs:   c.configs,
		Runtimes:  c.runtimes,
		Devices:   c.devices,
		Pools:     c.pools,
		Addins:    addinsFn,
		Saver:     opts.Saver,
		Logger:    c.logger,
	})

	if c.store != nil {
		c.recorder = history.NewRecorder(history.RecorderConfig{
			Store:   c.store,
			Manager: c.builds,
			Pool:    c.pools.Indexer,
			Keep:    historyKeep(cfg.History.Keep),
			Logger:  c.logger,
		})
		c.recorder.Start()
	}

	c.builds.Start()
	return c, nil
}

// DefaultConfigProviders returns the YAML provider, which owns new
// configurations, followed by the HCL provider.
func DefaultConfigProviders(dir string, watch bool, logger *slog.Logger) []configuration.Provider {
	return []configuration.Provider{
		yamlfile.New(yamlfile.Options{Dir: dir, Watch: watch, Logger: logger}),
		hclfile.New(dir, logger),
	}
}

func resolveDir(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get working directory: %w", err)
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve project directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("failed to open project: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("project %s is not a directory", abs)
	}
	return abs, nil
}

// compilerWorkers sizes the compiler pool from [workers] compiler, falling
// back to [build] parallelism.
func compilerWorkers(cfg *appconfig.Config) int {
	if cfg.Workers.Compiler > 0 {
		return cfg.Workers.Compiler
	}
	return cfg.Build.Parallelism
}

// historyKeep maps the config value, where zero disables pruning, to the
// recorder's convention.
func historyKeep(keep int) int {
	if keep == 0 {
		return -1
	}
	return keep
}

func (c *Context) loadProviders(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.runtimes.LoadProviders(gctx) })
	g.Go(func() error { return c.devices.LoadProviders(gctx) })
	g.Go(func() error { return c.configs.LoadProviders(gctx) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to load providers: %w", err)
	}
	return nil
}

// refreshReady recomputes configuration readiness and lets each runtime
// prepare the configurations that just became ready for it.
func (c *Context) refreshReady() {
	for _, cfg := range c.configs.RefreshReady(c.runtimes.Has) {
		if rt := c.runtimes.Get(cfg.RuntimeID()); rt != nil {
			rt.PrepareConfiguration(cfg)
		}
	}
}

func (c *Context) restoreSelection(ctx context.Context) {
	if c.store == nil {
		return
	}
	if id, err := c.store.State(ctx, c.stateKey(history.StateCurrentConfig)); err == nil {
		if cfg := c.configs.Get(id); cfg != nil {
			c.configs.SetCurrent(cfg)
		}
	}
	if id, err := c.store.State(ctx, c.stateKey(history.StateCurrentDevice)); err == nil {
		c.devices.SetDevice(id)
	}
}

// stateKey scopes a state key to this project directory.
func (c *Context) stateKey(key string) string {
	return key + ":" + c.dir
}

// Dir returns the absolute project directory.
func (c *Context) Dir() string { return c.dir }

// Name returns the project name, the base name of Dir.
func (c *Context) Name() string { return c.name }

func (c *Context) Config() *appconfig.Config       { return c.cfg }
func (c *Context) Logger() *slog.Logger            { return c.logger }
func (c *Context) Configs() *configuration.Manager { return c.configs }
func (c *Context) Runtimes() *runtime.Manager      { return c.runtimes }
func (c *Context) Devices() *device.Manager        { return c.devices }
func (c *Context) Pools() *worker.Pools            { return c.pools }
func (c *Context) Builds() *buildmgr.Manager       { return c.builds }

// History returns the build history store, or nil when it is unavailable.
func (c *Context) History() *history.Store { return c.store }

// SelectConfiguration makes cfg current and remembers the choice for the
// next invocation in this project.
func (c *Context) SelectConfiguration(ctx context.Context, cfg *configuration.Configuration) error {
	c.configs.SetCurrent(cfg)
	if c.store == nil {
		return nil
	}
	if err := c.store.SetState(ctx, c.stateKey(history.StateCurrentConfig), cfg.ID()); err != nil {
		return fmt.Errorf("failed to save selected configuration: %w", err)
	}
	return nil
}

// SelectDevice selects the target device and remembers the choice.
func (c *Context) SelectDevice(ctx context.Context, id string) error {
	if !c.devices.Has(id) {
		return fmt.Errorf("device %q not found", id)
	}
	c.devices.SetDevice(id)
	if c.store == nil {
		return nil
	}
	if err := c.store.SetState(ctx, c.stateKey(history.StateCurrentDevice), id); err != nil {
		return fmt.Errorf("failed to save selected device: %w", err)
	}
	return nil
}

// Close stops the build manager, flushes pending configuration writes and
// history records, and releases every resource. It is safe to call more
// than once.
func (c *Context) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.shutdown(ctx)
	})
	return c.closeErr
}

func (c *Context) shutdown(ctx context.Context) error {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil

	if c.builds != nil {
		c.builds.Close()
	}
	if c.recorder != nil {
		c.recorder.Stop()
	}

	var errs []error
	if err := c.configs.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to save configurations: %w", err))
	}
	c.runtimes.UnloadProviders()
	c.devices.UnloadProviders()
	c.pools.Stop()

	if c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close history: %w", err))
		}
	}
	return errors.Join(errs...)
}
