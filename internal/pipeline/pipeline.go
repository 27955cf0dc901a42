// Package pipeline implements the phased build pipeline: stages attached to
// ordered phases, walked forward to build and backward to clean.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/altuslabsxyz/devbuild/internal/configuration"
	"github.com/altuslabsxyz/devbuild/internal/device"
	"github.com/altuslabsxyz/devbuild/internal/errdefs"
	"github.com/altuslabsxyz/devbuild/internal/notify"
	"github.com/altuslabsxyz/devbuild/internal/paths"
	"github.com/altuslabsxyz/devbuild/internal/runtime"
	"github.com/altuslabsxyz/devbuild/internal/worker"
)

// ErrNeedsRebuild is returned when an early-phase build is requested after
// a failed run.
var ErrNeedsRebuild = errors.New("the build pipeline is in a failed state and requires a rebuild")

// State is the pipeline lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateExecuting
	StateFinished
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Operation is the kind of run in progress.
type Operation string

const (
	OpBuild   Operation = "build"
	OpClean   Operation = "clean"
	OpRebuild Operation = "rebuild"
)

// Messages shown outside of a running phase.
const (
	MessageReady    = "Ready"
	MessageSuccess  = "Success"
	MessageFailed   = "Failed"
	MessageCleaning = "Cleaning…"
)

// Options configures a new Pipeline.
type Options struct {
	// Project names the project; it is part of the default build directory.
	Project string

	// SourceDir is the project directory.
	SourceDir string

	// BuildDir overrides the cache-based build directory.
	BuildDir string

	Config  *configuration.Configuration
	Runtime *runtime.Runtime
	Device  *device.Device
	Pools   *worker.Pools
	Logger  *slog.Logger
}

type entry struct {
	id        uint
	seq       uint
	phase     Phase
	priority  int
	stage     Stage
	completed bool
}

func (e *entry) less(o *entry) bool {
	if a, b := e.phase.Base(), o.phase.Base(); a != b {
		return a < b
	}
	if a, b := whenceRank(e.phase), whenceRank(o.phase); a != b {
		return a < b
	}
	if e.priority != o.priority {
		return e.priority < o.priority
	}
	return e.seq < o.seq
}

// Pipeline is an ordered set of stages for one configuration, device and
// runtime.
type Pipeline struct {
	project  string
	srcdir   string
	builddir string
	live     *configuration.Configuration
	config   *configuration.Snapshot
	runtime  *runtime.Runtime
	device   *device.Device
	pools    *worker.Pools
	logger   *slog.Logger
	events   notify.Notifier[Event]
	logMu    sync.Mutex
	dirs     dirTracker
	addinsMu sync.Mutex
	addins   []Addin

	mu          sync.Mutex
	state       State
	entries     []*entry
	nextID      uint
	nextSeq     uint
	requested   Phase
	busy        bool
	failed      bool
	inClean     bool
	op          Operation
	message     string
	current     *entry
	phase       Phase
	diagnostics []*Diagnostic
	errfmts     []*errorFormat
	nextFmtID   uint
}

// New creates an uninitialized pipeline. The configuration is snapshotted
// immediately; later edits to it do not affect this pipeline.
func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = configuration.NewDefault()
	}
	dev := opts.Device
	if dev == nil {
		dev = device.NewLocal()
	}
	rt := opts.Runtime
	if rt == nil {
		rt = runtime.NewHost()
	}
	pools := opts.Pools
	if pools == nil {
		pools = worker.NewPools(0, 1, logger)
	}

	srcdir := opts.SourceDir
	if srcdir == "" {
		srcdir, _ = os.Getwd()
	}
	project := opts.Project
	if project == "" {
		project = filepath.Base(srcdir)
	}
	builddir := opts.BuildDir
	if builddir == "" {
		builddir = paths.BuildDir(project, cfg.ID(), dev.ID())
	}

	p := &Pipeline{
		project:  project,
		srcdir:   srcdir,
		builddir: builddir,
		live:     cfg,
		config:   cfg.Snapshot(),
		runtime:  rt,
		device:   dev,
		pools:    pools,
		logger: logger.With(
			"component", "pipeline",
			"config", cfg.ID(),
			"device", dev.ID()),
	}

	if _, err := p.AddErrorFormat(DefaultErrorFormat, false); err != nil {
		panic(err)
	}
	return p
}

// Init loads addins so they can connect stages. A failing addin unloads
// every addin loaded before it.
func (p *Pipeline) Init(ctx context.Context, addins []Addin) error {
	p.mu.Lock()
	if p.state != StateUninitialized {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already initialized")
	}
	p.state = StateInitializing
	p.mu.Unlock()

	loaded := make([]Addin, 0, len(addins))
	for _, a := range addins {
		if err := ctx.Err(); err != nil {
			p.unloadAddins(loaded)
			p.setState(StateUninitialized)
			return errdefs.Cancelled("initialize pipeline", err)
		}
		if err := a.Load(ctx, p); err != nil {
			p.unloadAddins(loaded)
			p.setState(StateUninitialized)
			return fmt.Errorf("failed to load pipeline addin %s: %w", a.Name(), err)
		}
		loaded = append(loaded, a)
		p.logger.Debug("loaded pipeline addin", "addin", a.Name())
	}

	p.addinsMu.Lock()
	p.addins = loaded
	p.addinsMu.Unlock()

	p.setState(StateReady)
	p.emit(Event{Type: EventProperty, Property: PropMessage})
	return nil
}

// Unload unloads addins in reverse order and drops every stage.
func (p *Pipeline) Unload() {
	p.addinsMu.Lock()
	addins := p.addins
	p.addins = nil
	p.addinsMu.Unlock()

	p.unloadAddins(addins)

	p.mu.Lock()
	p.entries = nil
	p.state = StateUninitialized
	p.mu.Unlock()
}

func (p *Pipeline) unloadAddins(addins []Addin) {
	for i := len(addins) - 1; i >= 0; i-- {
		addins[i].Unload(p)
	}
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Subscribe registers a handler for pipeline events. Handlers run on the
// goroutine that caused the event.
func (p *Pipeline) Subscribe(h func(Event)) (unsubscribe func()) {
	return p.events.Subscribe(h)
}

func (p *Pipeline) emit(events ...Event) {
	for _, ev := range events {
		p.events.Emit(ev)
	}
}

// Connect attaches stage at phase. Lower priority runs first within the
// same phase and whence; full ties run in insertion order.
func (p *Pipeline) Connect(phase Phase, priority int, stage Stage) (uint, error) {
	if stage == nil {
		return 0, errors.New("stage must not be nil")
	}
	if !phase.Base().IsBase() {
		return 0, fmt.Errorf("invalid phase %s", phase)
	}
	if w := phase.Whence(); w == PhaseWhenceMask {
		return 0, fmt.Errorf("phase %s cannot be both before and after", phase)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	p.nextSeq++
	e := &entry{
		id:       p.nextID,
		seq:      p.nextSeq,
		phase:    phase &^ (PhaseFinished | PhaseFailed),
		priority: priority,
		stage:    stage,
	}

	idx := sort.Search(len(p.entries), func(i int) bool { return e.less(p.entries[i]) })
	p.entries = append(p.entries, nil)
	copy(p.entries[idx+1:], p.entries[idx:])
	p.entries[idx] = e

	return e.id, nil
}

// Disconnect removes the entry with id.
func (p *Pipeline) Disconnect(id uint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, e := range p.entries {
		if e.id == id {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return true
		}
	}
	return false
}

// StageByID returns the stage connected under id.
func (p *Pipeline) StageByID(id uint) (Stage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.entries {
		if e.id == id {
			return e.stage, true
		}
	}
	return nil, false
}

// EntryInfo describes a connected stage.
type EntryInfo struct {
	ID        uint
	Phase     Phase
	Priority  int
	Name      string
	Completed bool
	Disabled  bool
}

// Entries lists connected stages in execution order.
func (p *Pipeline) Entries() []EntryInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]EntryInfo, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, EntryInfo{
			ID:        e.id,
			Phase:     e.phase,
			Priority:  e.priority,
			Name:      StageName(e.stage),
			Completed: e.completed,
			Disabled:  isDisabled(e.stage),
		})
	}
	return out
}

// InvalidatePhase clears the completed flag of every entry in phases.
func (p *Pipeline) InvalidatePhase(phases Phase) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.entries {
		if e.phase.Base()&phases.Base() != 0 {
			e.completed = false
		}
	}
}

// RequestPhase marks phase and every lower phase as requested. It reports
// whether a build would do anything: some requested entry is incomplete or
// has a query.
func (p *Pipeline) RequestPhase(phase Phase) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requestPhaseLocked(phase)
}

func (p *Pipeline) requestPhaseLocked(phase Phase) bool {
	p.requested |= phase.Through()

	for _, e := range p.entries {
		if e.phase.Base()&p.requested == 0 {
			continue
		}
		if !e.completed || hasQuery(e.stage) {
			return true
		}
	}
	return false
}

// Build runs every requested stage up to and including phase.
func (p *Pipeline) Build(ctx context.Context, phase Phase) error {
	phase = phase.Base()
	if !phase.IsBase() {
		return fmt.Errorf("invalid phase %s", phase)
	}

	if err := p.begin(OpBuild, phase); err != nil {
		return err
	}
	err := p.buildWalk(ctx, phase)
	p.end(OpBuild, phase, err)
	return err
}

// Clean cleans stages from the highest phase down to phase, in reverse
// order, clearing their completed flags.
func (p *Pipeline) Clean(ctx context.Context, phase Phase) error {
	phase = phase.Base()
	if phase == PhaseNone {
		return fmt.Errorf("invalid phase %s", phase)
	}

	if err := p.begin(OpClean, phase); err != nil {
		return err
	}
	err := p.cleanWalk(ctx, phase)
	p.end(OpClean, phase, err)
	return err
}

// Rebuild cleans from phase, reaps build artifacts, then builds up to phase.
func (p *Pipeline) Rebuild(ctx context.Context, phase Phase) error {
	phase = phase.Base()
	if !phase.IsBase() {
		return fmt.Errorf("invalid phase %s", phase)
	}

	if err := p.begin(OpRebuild, phase); err != nil {
		return err
	}
	err := p.cleanWalk(ctx, phase)
	if err == nil {
		err = p.reap(ctx)
	}
	if err == nil {
		p.mu.Lock()
		p.inClean = false
		p.mu.Unlock()
		err = p.buildWalk(ctx, phase)
	}
	p.end(OpRebuild, phase, err)
	return err
}

func (p *Pipeline) begin(op Operation, phase Phase) error {
	p.mu.Lock()
	switch p.state {
	case StateUninitialized, StateInitializing:
		p.mu.Unlock()
		return errdefs.NewPending("pipeline is not initialized")
	}
	if p.busy {
		p.mu.Unlock()
		return errdefs.NewPending("pipeline is busy")
	}
	if op == OpBuild && p.failed && phase <= PhaseConfigure {
		p.mu.Unlock()
		return ErrNeedsRebuild
	}

	p.busy = true
	p.failed = false
	p.inClean = op != OpBuild
	p.op = op
	p.message = ""
	p.current = nil
	p.phase = PhaseNone
	p.state = StateExecuting
	p.mu.Unlock()

	p.logMu.Lock()
	p.dirs.reset()
	p.logMu.Unlock()

	p.logger.Debug("executing pipeline",
		"operation", op,
		"phase", phase.String(),
		"stages", len(p.Entries()))

	p.emit(
		Event{Type: EventStarted, Phase: phase, Operation: op},
		Event{Type: EventProperty, Property: PropBusy},
		Event{Type: EventProperty, Property: PropMessage},
	)
	return nil
}

func (p *Pipeline) end(op Operation, phase Phase, err error) {
	cancelled := err != nil && errdefs.IsCancelled(err)
	failed := err != nil && !cancelled && !errdefs.IsPending(err)

	p.mu.Lock()
	p.busy = false
	p.requested = 0
	p.inClean = false
	p.current = nil
	p.message = ""
	p.failed = failed
	switch {
	case failed:
		p.state = StateFailed
		p.phase = PhaseFailed
	case cancelled:
		p.state = StateCancelled
		p.phase = PhaseNone
	default:
		p.state = StateFinished
		p.phase = PhaseFinished
	}
	p.releaseTransientsLocked()
	p.mu.Unlock()

	if err != nil {
		p.logger.Debug("pipeline run ended", "operation", op, "phase", phase.String(), "error", err)
	}

	p.emit(
		Event{Type: EventFinished, Phase: phase, Operation: op, Failed: err != nil, Err: err},
		Event{Type: EventProperty, Property: PropBusy},
		Event{Type: EventProperty, Property: PropPhase},
		Event{Type: EventProperty, Property: PropMessage},
	)
}

func (p *Pipeline) releaseTransientsLocked() {
	kept := p.entries[:0]
	for _, e := range p.entries {
		if isTransient(e.stage) {
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(p.entries); i++ {
		p.entries[i] = nil
	}
	p.entries = kept
}

func (p *Pipeline) snapshotEntries() []*entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*entry, len(p.entries))
	copy(out, p.entries)
	return out
}

func (p *Pipeline) setCurrent(e *entry) {
	p.mu.Lock()
	p.current = e
	if e != nil {
		p.phase = e.phase.Base()
	}
	p.message = ""
	p.mu.Unlock()

	p.emit(
		Event{Type: EventProperty, Property: PropPhase},
		Event{Type: EventProperty, Property: PropMessage},
	)
}

func (p *Pipeline) buildWalk(ctx context.Context, phase Phase) error {
	if err := os.MkdirAll(p.builddir, 0o755); err != nil {
		return fmt.Errorf("failed to create build directory: %w", err)
	}

	p.mu.Lock()
	needed := p.requestPhaseLocked(phase)
	requested := p.requested
	p.mu.Unlock()
	if !needed {
		return nil
	}

	for _, e := range p.snapshotEntries() {
		if e.phase.Base()&requested == 0 || isDisabled(e.stage) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return errdefs.Cancelled("build", err)
		}

		p.setCurrent(e)
		if err := p.runEntry(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) runEntry(ctx context.Context, e *entry) error {
	name := StageName(e.stage)

	if q, ok := e.stage.(Querier); ok {
		completed, err := q.Query(ctx, p)
		if err != nil {
			return p.stageError(ctx, e, "query", err)
		}
		p.mu.Lock()
		e.completed = completed
		p.mu.Unlock()
	}

	p.mu.Lock()
	done := e.completed
	p.mu.Unlock()
	if done {
		p.logger.Debug("stage already completed", "stage", name, "phase", e.phase.String())
		return nil
	}

	p.logger.Debug("executing stage", "stage", name, "phase", e.phase.String())
	err := e.stage.Execute(ctx, p)

	p.mu.Lock()
	e.completed = err == nil
	p.mu.Unlock()

	if err != nil {
		return p.stageError(ctx, e, "execute", err)
	}
	return nil
}

func (p *Pipeline) stageError(ctx context.Context, e *entry, op string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return errdefs.Cancelled(op+" "+StageName(e.stage), err)
	}
	return &errdefs.StageError{
		Stage:   StageName(e.stage),
		EntryID: e.id,
		Phase:   e.phase.String(),
		Op:      op,
		Err:     err,
	}
}

func (p *Pipeline) cleanWalk(ctx context.Context, phase Phase) error {
	mask := phase.From()

	entries := p.snapshotEntries()
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.phase.Base()&mask == 0 || isDisabled(e.stage) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return errdefs.Cancelled("clean", err)
		}

		p.setCurrent(e)
		p.logger.Debug("cleaning stage", "stage", StageName(e.stage), "phase", e.phase.String())
		if err := e.stage.Clean(ctx, p); err != nil {
			return p.stageError(ctx, e, "clean", err)
		}

		p.mu.Lock()
		e.completed = false
		p.mu.Unlock()
	}
	return nil
}

// reap removes the build directory when it is inside the cache and runs
// every Reaper stage.
func (p *Pipeline) reap(ctx context.Context) error {
	if paths.IsCachePath(p.builddir) {
		p.Log(StreamStdout, "Removing "+p.builddir)
		if err := os.RemoveAll(p.builddir); err != nil {
			return fmt.Errorf("failed to remove build directory: %w", err)
		}
		p.InvalidatePhase(PhaseMask)
	} else {
		p.logger.Debug("build directory is not in the cache, not removing it", "builddir", p.builddir)
	}

	for _, e := range p.snapshotEntries() {
		r, ok := e.stage.(Reaper)
		if !ok || isDisabled(e.stage) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return errdefs.Cancelled("rebuild", err)
		}
		if err := r.Reap(ctx, p); err != nil {
			return p.stageError(ctx, e, "reap", err)
		}
		p.mu.Lock()
		e.completed = false
		p.mu.Unlock()
	}
	return nil
}

// SetMessage overrides the progress message until the current stage ends.
func (p *Pipeline) SetMessage(msg string) {
	p.mu.Lock()
	p.message = msg
	p.mu.Unlock()
	p.emit(Event{Type: EventProperty, Property: PropMessage})
}

// Message returns the current progress message.
func (p *Pipeline) Message() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.busy && p.message != "" {
		return p.message
	}
	if p.inClean {
		return MessageCleaning
	}
	if !p.busy {
		switch p.state {
		case StateFailed:
			return MessageFailed
		case StateFinished:
			return MessageSuccess
		default:
			return MessageReady
		}
	}
	if p.current != nil {
		if n, ok := p.current.stage.(Named); ok && n.Name() != "" {
			return n.Name()
		}
	}
	if msg := p.phase.Message(); msg != "" {
		return msg
	}
	return MessageReady
}

// Busy reports whether a run is in progress.
func (p *Pipeline) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// Failed reports whether the last run failed.
func (p *Pipeline) Failed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}

// State returns the lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Phase returns the running phase, or PhaseFinished / PhaseFailed after a
// run, or PhaseNone.
func (p *Pipeline) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// HasConfigured reports whether every configure stage has completed.
func (p *Pipeline) HasConfigured() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.entries {
		base := e.phase.Base()
		if base < PhaseConfigure {
			continue
		}
		if base > PhaseConfigure {
			break
		}
		if !e.completed {
			return false
		}
	}
	return true
}

// CanExport reports whether any stage is connected at the export phase.
func (p *Pipeline) CanExport() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.entries {
		if e.phase.Base() == PhaseExport {
			return true
		}
	}
	return false
}

// Config returns the configuration snapshot taken when the pipeline was
// created.
func (p *Pipeline) Config() *configuration.Snapshot { return p.config }

// LiveConfig returns the live configuration.
func (p *Pipeline) LiveConfig() *configuration.Configuration { return p.live }

// Runtime returns the resolved runtime.
func (p *Pipeline) Runtime() *runtime.Runtime { return p.runtime }

// Device returns the resolved device.
func (p *Pipeline) Device() *device.Device { return p.device }

// Pools returns the worker pools stages should use for blocking work.
func (p *Pipeline) Pools() *worker.Pools { return p.pools }

// Logger returns the pipeline logger.
func (p *Pipeline) Logger() *slog.Logger { return p.logger }

// Project returns the project name.
func (p *Pipeline) Project() string { return p.project }

// BuildDir returns the build directory.
func (p *Pipeline) BuildDir() string { return p.builddir }

// SourceDir returns the project directory.
func (p *Pipeline) SourceDir() string { return p.srcdir }

// BuildPath joins elems onto the build directory.
func (p *Pipeline) BuildPath(elems ...string) string {
	return filepath.Join(append([]string{p.builddir}, elems...)...)
}

// SourcePath joins elems onto the source directory.
func (p *Pipeline) SourcePath(elems ...string) string {
	return filepath.Join(append([]string{p.srcdir}, elems...)...)
}

// Environ returns the environment for commands: the runtime environment
// with the configuration's overlay.
func (p *Pipeline) Environ() []string {
	return p.runtime.Environ(p.config.Env)
}
