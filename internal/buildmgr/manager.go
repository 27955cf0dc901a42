// Package buildmgr owns the current build pipeline for a project. It
// rebuilds the pipeline whenever the configuration or device selection
// changes, gates build requests on setup, and turns pipeline progress into
// counters, timers and build events.
package buildmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/altuslabsxyz/devbuild/internal/configuration"
	"github.com/altuslabsxyz/devbuild/internal/device"
	"github.com/altuslabsxyz/devbuild/internal/errdefs"
	"github.com/altuslabsxyz/devbuild/internal/notify"
	"github.com/altuslabsxyz/devbuild/internal/paths"
	"github.com/altuslabsxyz/devbuild/internal/pipeline"
	"github.com/altuslabsxyz/devbuild/internal/runtime"
	"github.com/altuslabsxyz/devbuild/internal/worker"
)

// DefaultTickInterval is how often running-time changes are announced while
// a build runs.
const DefaultTickInterval = time.Second

// BufferSaver flushes unsaved editor buffers before a build.
type BufferSaver interface {
	SaveAll(ctx context.Context) error
}

// NopSaver has nothing to save.
type NopSaver struct{}

func (NopSaver) SaveAll(ctx context.Context) error { return nil }

// BuildDirFunc picks the build directory for a project, configuration and
// device.
type BuildDirFunc func(project, configID, deviceID string) string

// Options configures a Manager.
type Options struct {
	Project   string
	SourceDir string

	Configs  *configuration.Manager
	Runtimes *runtime.Manager
	Devices  *device.Manager
	Pools    *worker.Pools

	// Addins returns fresh addin instances for each new pipeline.
	Addins func() []pipeline.Addin

	// BuildDir defaults to paths.BuildDir.
	BuildDir BuildDirFunc

	// Saver defaults to NopSaver.
	Saver BufferSaver

	TickInterval  time.Duration
	EventRingSize int
	Logger        *slog.Logger
}

type setupState struct {
	done chan struct{}
	err  error
}

// Manager is the build facade for one project.
type Manager struct {
	project   string
	srcdir    string
	configs   *configuration.Manager
	runtimes  *runtime.Manager
	devices   *device.Manager
	pools     *worker.Pools
	addins    func() []pipeline.Addin
	buildDir  BuildDirFunc
	saver     BufferSaver
	tick      time.Duration
	events    notify.Notifier[Event]
	ring      *EventRing
	startOnce sync.Once

	mu             sync.Mutex
	logger         *slog.Logger
	pipeline       *pipeline.Pipeline
	pipeUnsub      func()
	running        *pipeline.Pipeline
	generation     uint64
	genCtx         context.Context
	genCancel      context.CancelFunc
	setup          *setupState
	setupCancel    context.CancelFunc
	canBuild       bool
	closed         bool
	lastBuild      time.Time
	runStart       time.Time
	runningTime    time.Duration
	tickStop       chan struct{}
	errorCount     int
	warningCount   int
	hasDiagnostics bool
	unsubs         []func()
}

// New creates a manager. Call Start to subscribe to configuration and
// device changes and set up the first pipeline.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	addins := opts.Addins
	if addins == nil {
		addins = func() []pipeline.Addin { return nil }
	}
	buildDir := opts.BuildDir
	if buildDir == nil {
		buildDir = paths.BuildDir
	}
	saver := opts.Saver
	if saver == nil {
		saver = NopSaver{}
	}
	tick := opts.TickInterval
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	pools := opts.Pools
	if pools == nil {
		pools = worker.NewPools(0, 1, logger)
	}
	runtimes := opts.Runtimes
	if runtimes == nil {
		runtimes = runtime.NewManager(nil, logger)
	}
	devices := opts.Devices
	if devices == nil {
		devices = device.NewManager(nil, logger)
	}
	configs := opts.Configs
	if configs == nil {
		configs = configuration.NewManager(configuration.ManagerConfig{Logger: logger})
	}

	m := &Manager{
		project:  opts.Project,
		srcdir:   opts.SourceDir,
		configs:  configs,
		runtimes: runtimes,
		devices:  devices,
		pools:    pools,
		addins:   addins,
		buildDir: buildDir,
		saver:    saver,
		tick:     tick,
		ring:     NewEventRing(opts.EventRingSize),
		logger:   logger,
	}
	m.genCtx, m.genCancel = context.WithCancel(context.Background())
	return m
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = logger
}

func (m *Manager) log() *slog.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logger
}

// Subscribe registers a handler for manager events. Handlers run outside
// the manager's lock on the goroutine that caused the event.
func (m *Manager) Subscribe(h func(Event)) (unsubscribe func()) {
	return m.events.Subscribe(h)
}

func (m *Manager) emit(events ...Event) {
	for _, ev := range events {
		if ev.recorded() {
			m.ring.Add(ev)
		}
		m.events.Emit(ev)
	}
}

// Events returns the most recent build events, oldest first.
func (m *Manager) Events() []Event {
	return m.ring.List()
}

// Start subscribes to configuration invalidation and device selection and
// sets up the first pipeline.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		unsubConfigs := m.configs.Subscribe(func(ev configuration.Event) {
			if ev.Type == configuration.EventInvalidate {
				m.InvalidatePipeline()
			}
		})
		unsubDevices := m.devices.SubscribeSelection(func(*device.Device) {
			m.InvalidatePipeline()
		})

		m.mu.Lock()
		m.unsubs = append(m.unsubs, unsubConfigs, unsubDevices)
		m.mu.Unlock()

		m.InvalidatePipeline()
	})
}

// Close cancels any running build, tears the pipeline down and stops
// listening for changes. It is safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	m.InvalidatePipeline()
}

// InvalidatePipeline discards the current pipeline and starts setting up a
// new one for the current configuration and device. A build that is still
// running is cancelled and reported as failed.
func (m *Manager) InvalidatePipeline() {
	m.mu.Lock()
	old := m.pipeline
	oldUnsub := m.pipeUnsub
	preempted := m.running != nil && m.running == old
	m.running = nil
	m.pipeline = nil
	m.pipeUnsub = nil

	oldCancel := m.genCancel
	m.genCtx, m.genCancel = context.WithCancel(context.Background())
	if m.setupCancel != nil {
		m.setupCancel()
		m.setupCancel = nil
	}

	props := m.resetCountersLocked()
	m.stopTimerLocked()
	m.runningTime = 0
	if m.canBuild {
		m.canBuild = false
		props = append(props, propertyEvent(PropCanBuild))
	}

	m.generation++
	gen := m.generation
	closed := m.closed
	var setup *setupState
	var setupCtx context.Context
	if !closed {
		setup = &setupState{done: make(chan struct{})}
		setupCtx, m.setupCancel = context.WithCancel(context.Background())
		m.setup = setup
	}
	logger := m.logger
	m.mu.Unlock()

	if preempted {
		ev := newEvent(EventBuildFailed)
		ev.Pipeline = old
		ev.Err = errdefs.Cancelled("build", context.Canceled)
		m.emit(ev)
	}
	oldCancel()
	if oldUnsub != nil {
		oldUnsub()
	}
	if old != nil {
		old.Unload()
	}

	m.emit(props...)
	m.emit(propertyEvent(PropPipeline), propertyEvent(PropBusy), propertyEvent(PropMessage), propertyEvent(PropRunningTime))

	if closed {
		logger.Debug("build manager closed, not creating a pipeline")
		return
	}

	cfg := m.configs.Current()
	if cfg == nil {
		setup.err = errdefs.NewPending("no configuration is available")
		close(setup.done)
		return
	}
	dev := m.devices.Device()
	logger.Debug("invalidating pipeline",
		"config", cfg.ID(),
		"device", dev.ID(),
		"generation", gen)

	go m.setupPipeline(setupCtx, gen, cfg, dev, setup)
}

func (m *Manager) setupPipeline(ctx context.Context, gen uint64, cfg *configuration.Configuration, dev *device.Device, setup *setupState) {
	defer close(setup.done)

	p, err := m.preparePipeline(ctx, cfg, dev)
	if err != nil {
		setup.err = err
		if errdefs.IsCancelled(err) {
			m.log().Debug("pipeline setup cancelled", "config", cfg.ID())
			return
		}

		m.log().Warn("failed to setup build pipeline",
			"config", cfg.ID(),
			"runtime", cfg.RuntimeID(),
			"error", err)

		m.mu.Lock()
		current := m.generation == gen
		m.mu.Unlock()
		if current {
			ev := newEvent(EventSetupFailed)
			ev.Err = err
			m.emit(ev)
		}
		return
	}

	m.mu.Lock()
	if m.generation != gen || m.closed {
		m.mu.Unlock()
		p.Unload()
		setup.err = errdefs.Cancelled("pipeline setup", context.Canceled)
		return
	}
	m.pipeline = p
	m.pipeUnsub = p.Subscribe(func(ev pipeline.Event) { m.handlePipelineEvent(p, ev) })
	m.canBuild = true
	m.mu.Unlock()

	m.log().Debug("pipeline ready",
		"config", cfg.ID(),
		"device", dev.ID(),
		"builddir", p.BuildDir())

	m.emit(propertyEvent(PropPipeline), propertyEvent(PropCanBuild), propertyEvent(PropMessage))
}

func (m *Manager) preparePipeline(ctx context.Context, cfg *configuration.Configuration, dev *device.Device) (*pipeline.Pipeline, error) {
	rt, err := m.runtimes.EnsureConfig(ctx, cfg)
	if err != nil {
		if errdefs.IsCancelled(err) {
			return nil, err
		}
		return nil, &errdefs.SetupError{ConfigID: cfg.ID(), Err: err}
	}

	p := pipeline.New(pipeline.Options{
		Project:   m.project,
		SourceDir: m.srcdir,
		BuildDir:  m.buildDir(m.project, cfg.ID(), dev.ID()),
		Config:    cfg,
		Runtime:   rt,
		Device:    dev,
		Pools:     m.pools,
		Logger:    m.log(),
	})

	if err := p.Init(ctx, m.addins()); err != nil {
		if errdefs.IsCancelled(err) {
			return nil, err
		}
		return nil, &errdefs.SetupError{ConfigID: cfg.ID(), Err: err}
	}
	return p, nil
}

// WaitForSetup blocks until the current pipeline setup finishes and
// returns its error. If the pipeline is invalidated meanwhile it waits for
// the replacement.
func (m *Manager) WaitForSetup(ctx context.Context) error {
	for {
		m.mu.Lock()
		s := m.setup
		m.mu.Unlock()
		if s == nil {
			return errdefs.NewPending("pipeline setup has not started")
		}

		select {
		case <-s.done:
			m.mu.Lock()
			cur := m.setup
			m.mu.Unlock()
			if cur != s {
				continue
			}
			return s.err
		case <-ctx.Done():
			return errdefs.Cancelled("wait for pipeline setup", ctx.Err())
		}
	}
}

func (m *Manager) handlePipelineEvent(p *pipeline.Pipeline, ev pipeline.Event) {
	m.mu.Lock()
	if m.pipeline != p {
		m.mu.Unlock()
		return
	}

	switch ev.Type {
	case pipeline.EventStarted:
		m.running = p
		m.startTimerLocked()
		m.mu.Unlock()

		out := newEvent(EventBuildStarted)
		out.Pipeline = p
		out.Phase = ev.Phase
		out.Operation = ev.Operation
		m.emit(out, propertyEvent(PropRunningTime))

	case pipeline.EventFinished:
		if m.running != p {
			m.mu.Unlock()
			return
		}
		m.running = nil
		m.stopTimerLocked()
		m.mu.Unlock()

		out := newEvent(EventBuildFinished)
		if ev.Failed {
			out.Type = EventBuildFailed
		}
		out.Pipeline = p
		out.Phase = ev.Phase
		out.Operation = ev.Operation
		out.Err = ev.Err
		m.emit(propertyEvent(PropRunningTime), out)

	case pipeline.EventProperty:
		m.mu.Unlock()
		switch ev.Property {
		case pipeline.PropBusy:
			m.emit(propertyEvent(PropBusy))
		case pipeline.PropMessage:
			m.emit(propertyEvent(PropMessage))
		}

	case pipeline.EventDiagnostic:
		var props []Event
		switch {
		case ev.Diagnostic.Severity.IsError():
			m.errorCount++
			props = append(props, propertyEvent(PropErrorCount))
		case ev.Diagnostic.Severity == pipeline.SeverityWarning:
			m.warningCount++
			props = append(props, propertyEvent(PropWarningCount))
		}
		if !m.hasDiagnostics {
			m.hasDiagnostics = true
			props = append(props, propertyEvent(PropHasDiagnostics))
		}
		m.mu.Unlock()

		out := newEvent(EventDiagnostic)
		out.Pipeline = p
		out.Diagnostic = ev.Diagnostic
		m.emit(out)
		m.emit(props...)

	case pipeline.EventLog:
		m.mu.Unlock()
		out := newEvent(EventLog)
		out.Pipeline = p
		out.Stream = ev.Stream
		out.Line = ev.Line
		m.emit(out)

	default:
		m.mu.Unlock()
	}
}

func (m *Manager) startTimerLocked() {
	m.stopTimerLocked()
	m.runStart = time.Now()
	m.runningTime = 0

	stop := make(chan struct{})
	m.tickStop = stop
	ticker := time.NewTicker(m.tick)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.emit(propertyEvent(PropRunningTime))
			}
		}
	}()
}

func (m *Manager) stopTimerLocked() {
	if m.tickStop == nil {
		return
	}
	close(m.tickStop)
	m.tickStop = nil
	m.runningTime = time.Since(m.runStart)
}

func (m *Manager) resetCountersLocked() []Event {
	var props []Event
	if m.errorCount != 0 {
		m.errorCount = 0
		props = append(props, propertyEvent(PropErrorCount))
	}
	if m.warningCount != 0 {
		m.warningCount = 0
		props = append(props, propertyEvent(PropWarningCount))
	}
	if m.hasDiagnostics {
		m.hasDiagnostics = false
		props = append(props, propertyEvent(PropHasDiagnostics))
	}
	return props
}

func (m *Manager) resetCounters() {
	m.mu.Lock()
	props := m.resetCountersLocked()
	m.mu.Unlock()
	m.emit(props...)
}

// acquire returns the current pipeline and generation context, or a pending
// error when nothing can run.
func (m *Manager) acquire() (*pipeline.Pipeline, context.Context, error) {
	m.mu.Lock()
	p := m.pipeline
	canBuild := m.canBuild
	gen := m.genCtx
	m.mu.Unlock()

	if p == nil || !canBuild {
		return nil, nil, errdefs.NewPending("cannot execute pipeline, it has not yet been prepared")
	}
	if p.Busy() {
		return nil, nil, errdefs.NewPending("cannot execute pipeline, it is already busy")
	}
	return p, gen, nil
}

// chain returns a context cancelled when either ctx or gen ends.
func chain(ctx, gen context.Context) (context.Context, context.CancelFunc) {
	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(gen, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}

func (m *Manager) markBuildStart(p *pipeline.Pipeline) {
	p.ClearDiagnostics()

	m.mu.Lock()
	m.lastBuild = time.Now()
	props := m.resetCountersLocked()
	m.mu.Unlock()

	m.emit(propertyEvent(PropLastBuildTime))
	m.emit(props...)
}

// Execute builds the current pipeline up to phase.
func (m *Manager) Execute(ctx context.Context, phase pipeline.Phase) error {
	p, gen, err := m.acquire()
	if err != nil {
		return err
	}

	if !p.RequestPhase(phase) {
		m.log().Debug("pipeline already at requested phase", "phase", phase.String())
		return nil
	}

	if phase.Base() >= pipeline.PhaseBuild {
		if err := m.saver.SaveAll(ctx); err != nil {
			return fmt.Errorf("failed to save buffers: %w", err)
		}
		m.markBuildStart(p)
	}

	opCtx, cancel := chain(ctx, gen)
	defer cancel()
	return p.Build(opCtx, phase)
}

// Clean cleans the current pipeline from phase upward.
func (m *Manager) Clean(ctx context.Context, phase pipeline.Phase) error {
	p, gen, err := m.acquire()
	if err != nil {
		return err
	}
	m.resetCounters()

	opCtx, cancel := chain(ctx, gen)
	defer cancel()
	return p.Clean(opCtx, phase)
}

// Rebuild cleans and rebuilds the current pipeline up to phase.
func (m *Manager) Rebuild(ctx context.Context, phase pipeline.Phase) error {
	p, gen, err := m.acquire()
	if err != nil {
		return err
	}

	if phase.Base() >= pipeline.PhaseBuild {
		if err := m.saver.SaveAll(ctx); err != nil {
			return fmt.Errorf("failed to save buffers: %w", err)
		}
	}
	m.markBuildStart(p)

	opCtx, cancel := chain(ctx, gen)
	defer cancel()
	return p.Rebuild(opCtx, phase)
}

// Cancel cancels every operation started before the call. Operations
// started afterwards are unaffected.
func (m *Manager) Cancel() {
	m.mu.Lock()
	old := m.genCancel
	m.genCtx, m.genCancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	m.log().Debug("cancelling build")
	old()
}

// Pipeline returns the current pipeline, or nil while one is being set up.
func (m *Manager) Pipeline() *pipeline.Pipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pipeline
}

// Busy reports whether the current pipeline is running.
func (m *Manager) Busy() bool {
	p := m.Pipeline()
	return p != nil && p.Busy()
}

// CanBuild reports whether a pipeline is set up and ready to accept work.
func (m *Manager) CanBuild() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canBuild
}

// Message returns the current pipeline's progress message.
func (m *Manager) Message() string {
	p := m.Pipeline()
	if p == nil {
		return ""
	}
	return p.Message()
}

// LastBuildTime returns when the last build of BUILD or later started.
func (m *Manager) LastBuildTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBuild
}

// RunningTime returns the duration of the running build, or of the last
// one.
func (m *Manager) RunningTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tickStop != nil {
		return time.Since(m.runStart)
	}
	return m.runningTime
}

// ErrorCount returns the number of error diagnostics since the last reset.
func (m *Manager) ErrorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorCount
}

// WarningCount returns the number of warning diagnostics since the last
// reset.
func (m *Manager) WarningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.warningCount
}

// HasDiagnostics reports whether any diagnostic arrived since the last
// reset.
func (m *Manager) HasDiagnostics() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasDiagnostics
}

// Configs returns the configuration manager.
func (m *Manager) Configs() *configuration.Manager { return m.configs }

// Runtimes returns the runtime manager.
func (m *Manager) Runtimes() *runtime.Manager { return m.runtimes }

// Devices returns the device manager.
func (m *Manager) Devices() *device.Manager { return m.devices }
