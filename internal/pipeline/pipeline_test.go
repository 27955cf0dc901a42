package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altuslabsxyz/devbuild/internal/errdefs"
)

// =============================================================================
// Test helpers
// =============================================================================

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

type testStage struct {
	name     string
	rec      *recorder
	err      error
	cleanErr error
	block    chan struct{}
	started  chan struct{}
}

func (s *testStage) Name() string { return s.name }

func (s *testStage) Execute(ctx context.Context, p *Pipeline) error {
	s.rec.add("exec:" + s.name)
	if s.started != nil {
		close(s.started)
		s.started = nil
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.err
}

func (s *testStage) Clean(ctx context.Context, p *Pipeline) error {
	s.rec.add("clean:" + s.name)
	return s.cleanErr
}

type queryStage struct {
	testStage
	done bool
}

func (s *queryStage) Query(ctx context.Context, p *Pipeline) (bool, error) {
	s.rec.add("query:" + s.name)
	return s.done, nil
}

type reaperStage struct {
	testStage
}

func (s *reaperStage) Reap(ctx context.Context, p *Pipeline) error {
	s.rec.add("reap:" + s.name)
	return nil
}

type transientStage struct {
	testStage
}

func (s *transientStage) Transient() bool { return true }

type disabledStage struct {
	testStage
}

func (s *disabledStage) Disabled() bool { return true }

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	p := New(Options{
		Project:   "demo",
		SourceDir: t.TempDir(),
		BuildDir:  filepath.Join(t.TempDir(), "build"),
	})
	require.NoError(t, p.Init(context.Background(), nil))
	return p
}

func connect(t *testing.T, p *Pipeline, phase Phase, priority int, s Stage) uint {
	t.Helper()
	id, err := p.Connect(phase, priority, s)
	require.NoError(t, err)
	return id
}

// =============================================================================
// Ordering
// =============================================================================

func TestConnectOrdering(t *testing.T) {
	p := newTestPipeline(t)
	rec := &recorder{}

	connect(t, p, PhaseBuild, 0, &testStage{name: "build", rec: rec})
	connect(t, p, PhaseBuild|PhaseAfter, 0, &testStage{name: "build-after", rec: rec})
	connect(t, p, PhaseBuild|PhaseBefore, 0, &testStage{name: "build-before", rec: rec})
	connect(t, p, PhaseConfigure, 5, &testStage{name: "configure-5", rec: rec})
	connect(t, p, PhaseConfigure, -1, &testStage{name: "configure-neg", rec: rec})
	connect(t, p, PhaseConfigure, 5, &testStage{name: "configure-5b", rec: rec})
	connect(t, p, PhasePrepare, 100, &testStage{name: "prepare", rec: rec})

	require.NoError(t, p.Build(context.Background(), PhaseBuild))

	assert.Equal(t, []string{
		"exec:prepare",
		"exec:configure-neg",
		"exec:configure-5",
		"exec:configure-5b",
		"exec:build-before",
		"exec:build",
		"exec:build-after",
	}, rec.list())
}

func TestConnectRejectsInvalidPhase(t *testing.T) {
	p := newTestPipeline(t)

	_, err := p.Connect(PhaseNone, 0, &testStage{})
	assert.Error(t, err)

	_, err = p.Connect(PhaseBuild|PhaseBefore|PhaseAfter, 0, &testStage{})
	assert.Error(t, err)

	_, err = p.Connect(PhaseBuild, 0, nil)
	assert.Error(t, err)
}

// =============================================================================
// Build
// =============================================================================

func TestBuildStopsAtRequestedPhase(t *testing.T) {
	p := newTestPipeline(t)
	rec := &recorder{}

	connect(t, p, PhaseConfigure, 0, &testStage{name: "configure", rec: rec})
	connect(t, p, PhaseBuild, 0, &testStage{name: "build", rec: rec})
	connect(t, p, PhaseInstall, 0, &testStage{name: "install", rec: rec})

	require.NoError(t, p.Build(context.Background(), PhaseConfigure))
	assert.Equal(t, []string{"exec:configure"}, rec.list())
	assert.True(t, p.HasConfigured())

	rec.reset()
	require.NoError(t, p.Build(context.Background(), PhaseInstall))
	assert.Equal(t, []string{"exec:build", "exec:install"}, rec.list())

	// Everything completed and nothing has a query.
	rec.reset()
	assert.False(t, p.RequestPhase(PhaseInstall))
	require.NoError(t, p.Build(context.Background(), PhaseInstall))
	assert.Empty(t, rec.list())
}

func TestRequestPhaseWithQuery(t *testing.T) {
	p := newTestPipeline(t)
	rec := &recorder{}

	connect(t, p, PhaseBuild, 0, &queryStage{testStage: testStage{name: "q", rec: rec}, done: true})

	assert.True(t, p.RequestPhase(PhaseBuild))
	require.NoError(t, p.Build(context.Background(), PhaseBuild))

	// The query reported completion, so Execute never ran.
	assert.Equal(t, []string{"query:q"}, rec.list())

	// A stage with a query always needs a walk.
	assert.True(t, p.RequestPhase(PhaseBuild))
}

func TestQueryIncompleteRunsExecute(t *testing.T) {
	p := newTestPipeline(t)
	rec := &recorder{}

	connect(t, p, PhaseBuild, 0, &queryStage{testStage: testStage{name: "q", rec: rec}})
	require.NoError(t, p.Build(context.Background(), PhaseBuild))
	assert.Equal(t, []string{"query:q", "exec:q"}, rec.list())
}

func TestBuildFailure(t *testing.T) {
	p := newTestPipeline(t)
	rec := &recorder{}
	boom := errors.New("boom")

	connect(t, p, PhasePrepare, 0, &testStage{name: "prepare", rec: rec})
	id := connect(t, p, PhaseConfigure, 0, &testStage{name: "configure", rec: rec, err: boom})
	connect(t, p, PhaseBuild, 0, &testStage{name: "build", rec: rec})

	err := p.Build(context.Background(), PhaseBuild)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, errdefs.IsStageFailed(err))

	var se *errdefs.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "configure", se.Stage)
	assert.Equal(t, id, se.EntryID)

	assert.Equal(t, []string{"exec:prepare", "exec:configure"}, rec.list())
	assert.True(t, p.Failed())
	assert.Equal(t, StateFailed, p.State())
	assert.Equal(t, PhaseFailed, p.Phase())
	assert.Equal(t, MessageFailed, p.Message())
	assert.False(t, p.HasConfigured())
}

func TestFailedStateGuard(t *testing.T) {
	p := newTestPipeline(t)
	rec := &recorder{}
	stage := &testStage{name: "configure", rec: rec, err: errors.New("boom")}
	connect(t, p, PhaseConfigure, 0, stage)

	require.Error(t, p.Build(context.Background(), PhaseConfigure))

	err := p.Build(context.Background(), PhaseConfigure)
	assert.ErrorIs(t, err, ErrNeedsRebuild)
	assert.EqualError(t, err, "the build pipeline is in a failed state and requires a rebuild")

	// Rebuild is allowed and clears the failed flag on success.
	stage.err = nil
	require.NoError(t, p.Rebuild(context.Background(), PhaseConfigure))
	assert.False(t, p.Failed())
	require.NoError(t, p.Build(context.Background(), PhaseConfigure))
}

func TestFailedStateAllowsLaterPhases(t *testing.T) {
	p := newTestPipeline(t)
	rec := &recorder{}
	stage := &testStage{name: "build", rec: rec, err: errors.New("boom")}
	connect(t, p, PhaseBuild, 0, stage)

	require.Error(t, p.Build(context.Background(), PhaseBuild))

	stage.err = nil
	require.NoError(t, p.Build(context.Background(), PhaseBuild))
	assert.Equal(t, MessageSuccess, p.Message())
}

func TestBuildCancellation(t *testing.T) {
	p := newTestPipeline(t)
	rec := &recorder{}

	started := make(chan struct{})
	connect(t, p, PhaseBuild, 0, &testStage{name: "slow", rec: rec, block: make(chan struct{}), started: started})
	connect(t, p, PhaseInstall, 0, &testStage{name: "install", rec: rec})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Build(ctx, PhaseInstall) }()

	<-started
	cancel()

	err := <-errCh
	assert.True(t, errdefs.IsCancelled(err))
	assert.False(t, errdefs.IsStageFailed(err))
	assert.Equal(t, StateCancelled, p.State())
	assert.False(t, p.Failed())
	assert.NotContains(t, rec.list(), "exec:install")
}

func TestBuildWhileBusyIsPending(t *testing.T) {
	p := newTestPipeline(t)
	rec := &recorder{}

	release := make(chan struct{})
	started := make(chan struct{})
	connect(t, p, PhaseBuild, 0, &testStage{name: "slow", rec: rec, block: release, started: started})

	errCh := make(chan error, 1)
	go func() { errCh <- p.Build(context.Background(), PhaseBuild) }()
	<-started

	assert.True(t, p.Busy())
	assert.True(t, errdefs.IsPending(p.Build(context.Background(), PhaseBuild)))
	assert.True(t, errdefs.IsPending(p.Clean(context.Background(), PhaseBuild)))
	assert.True(t, errdefs.IsPending(p.Rebuild(context.Background(), PhaseBuild)))
	assert.Equal(t, "slow", p.Message())

	close(release)
	require.NoError(t, <-errCh)
	assert.False(t, p.Busy())
}

func TestBuildBeforeInitIsPending(t *testing.T) {
	p := New(Options{SourceDir: t.TempDir(), BuildDir: t.TempDir()})
	assert.Equal(t, StateUninitialized, p.State())
	assert.True(t, errdefs.IsPending(p.Build(context.Background(), PhaseBuild)))
}

func TestDisabledStagesSkipped(t *testing.T) {
	p := newTestPipeline(t)
	rec := &recorder{}

	connect(t, p, PhaseBuild, 0, &disabledStage{testStage{name: "off", rec: rec}})
	connect(t, p, PhaseBuild, 1, &testStage{name: "on", rec: rec})

	require.NoError(t, p.Build(context.Background(), PhaseBuild))
	require.NoError(t, p.Clean(context.Background(), PhaseBuild))
	assert.Equal(t, []string{"exec:on", "clean:on"}, rec.list())
}

func TestTransientStagesReleased(t *testing.T) {
	p := newTestPipeline(t)
	rec := &recorder{}

	id := connect(t, p, PhaseBuild, 0, &transientStage{testStage{name: "once", rec: rec}})
	connect(t, p, PhaseBuild, 1, &testStage{name: "always", rec: rec})

	require.NoError(t, p.Build(context.Background(), PhaseBuild))
	_, ok := p.StageByID(id)
	assert.False(t, ok)
	assert.Len(t, p.Entries(), 1)
}

// =============================================================================
// Clean and rebuild
// =============================================================================

func TestCleanReverseFromPhase(t *testing.T) {
	p := newTestPipeline(t)
	rec := &recorder{}

	connect(t, p, PhaseConfigure, 0, &testStage{name: "configure", rec: rec})
	connect(t, p, PhaseBuild, 0, &testStage{name: "build", rec: rec})
	connect(t, p, PhaseBuild|PhaseAfter, 0, &testStage{name: "build-after", rec: rec})
	connect(t, p, PhaseInstall, 0, &testStage{name: "install", rec: rec})

	require.NoError(t, p.Build(context.Background(), PhaseInstall))
	rec.reset()

	require.NoError(t, p.Clean(context.Background(), PhaseBuild))
	assert.Equal(t, []string{"clean:install", "clean:build-after", "clean:build"}, rec.list())

	for _, e := range p.Entries() {
		if e.Phase.Base() >= PhaseBuild {
			assert.False(t, e.Completed, e.Name)
		} else {
			assert.True(t, e.Completed, e.Name)
		}
	}

	rec.reset()
	require.NoError(t, p.Build(context.Background(), PhaseInstall))
	assert.Equal(t, []string{"exec:build", "exec:build-after", "exec:install"}, rec.list())
}

func TestCleanFailure(t *testing.T) {
	p := newTestPipeline(t)
	rec := &recorder{}
	connect(t, p, PhaseBuild, 0, &testStage{name: "build", rec: rec, cleanErr: errors.New("nope")})

	err := p.Clean(context.Background(), PhaseBuild)
	require.Error(t, err)
	assert.True(t, errdefs.IsStageFailed(err))
}

func TestRebuildCleansReapsAndBuilds(t *testing.T) {
	p := newTestPipeline(t)
	rec := &recorder{}

	connect(t, p, PhaseConfigure, 0, &reaperStage{testStage{name: "configure", rec: rec}})
	connect(t, p, PhaseBuild, 0, &testStage{name: "build", rec: rec})

	require.NoError(t, p.Build(context.Background(), PhaseBuild))
	rec.reset()

	require.NoError(t, p.Rebuild(context.Background(), PhaseBuild))
	assert.Equal(t, []string{
		"clean:build",
		"reap:configure",
		"exec:configure",
		"exec:build",
	}, rec.list())
	assert.DirExists(t, p.BuildDir())
}

func TestRebuildOutsideCacheKeepsBuildDir(t *testing.T) {
	p := newTestPipeline(t)
	require.NoError(t, p.Build(context.Background(), PhaseBuild))

	marker := p.BuildPath("marker")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o644))

	require.NoError(t, p.Rebuild(context.Background(), PhaseBuild))
	assert.FileExists(t, marker)
}

// =============================================================================
// Entries
// =============================================================================

func TestInvalidatePhase(t *testing.T) {
	p := newTestPipeline(t)
	rec := &recorder{}

	connect(t, p, PhaseConfigure, 0, &testStage{name: "configure", rec: rec})
	connect(t, p, PhaseBuild, 0, &testStage{name: "build", rec: rec})
	require.NoError(t, p.Build(context.Background(), PhaseBuild))
	rec.reset()

	p.InvalidatePhase(PhaseConfigure)
	require.NoError(t, p.Build(context.Background(), PhaseBuild))
	assert.Equal(t, []string{"exec:configure"}, rec.list())
}

func TestDisconnect(t *testing.T) {
	p := newTestPipeline(t)
	rec := &recorder{}
	stage := &testStage{name: "build", rec: rec}

	id := connect(t, p, PhaseBuild, 0, stage)
	got, ok := p.StageByID(id)
	require.True(t, ok)
	assert.Same(t, stage, got)

	assert.True(t, p.Disconnect(id))
	assert.False(t, p.Disconnect(id))

	require.NoError(t, p.Build(context.Background(), PhaseBuild))
	assert.Empty(t, rec.list())
}

func TestCanExport(t *testing.T) {
	p := newTestPipeline(t)
	assert.False(t, p.CanExport())

	connect(t, p, PhaseExport|PhaseAfter, 0, &testStage{name: "export", rec: &recorder{}})
	assert.True(t, p.CanExport())
}

// =============================================================================
// Events
// =============================================================================

func TestBusyTransitionsObserved(t *testing.T) {
	p := newTestPipeline(t)
	connect(t, p, PhaseBuild, 0, &testStage{name: "build", rec: &recorder{}})

	var mu sync.Mutex
	var seen []string
	p.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case ev.Type == EventStarted:
			seen = append(seen, "started")
		case ev.Type == EventFinished:
			seen = append(seen, "finished")
		case ev.Type == EventProperty && ev.Property == PropBusy:
			if p.Busy() {
				seen = append(seen, "busy")
			} else {
				seen = append(seen, "idle")
			}
		}
	})

	require.NoError(t, p.Build(context.Background(), PhaseBuild))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"started", "busy", "finished", "idle"}, seen)
}

func TestFinishedEventCarriesFailure(t *testing.T) {
	p := newTestPipeline(t)
	connect(t, p, PhaseBuild, 0, &testStage{name: "build", rec: &recorder{}, err: errors.New("boom")})

	var finished []Event
	p.Subscribe(func(ev Event) {
		if ev.Type == EventFinished {
			finished = append(finished, ev)
		}
	})

	require.Error(t, p.Build(context.Background(), PhaseBuild))
	require.Len(t, finished, 1)
	assert.True(t, finished[0].Failed)
	assert.Equal(t, OpBuild, finished[0].Operation)
	assert.Error(t, finished[0].Err)
}

func TestMessages(t *testing.T) {
	p := New(Options{SourceDir: t.TempDir(), BuildDir: t.TempDir()})
	require.NoError(t, p.Init(context.Background(), nil))
	assert.Equal(t, MessageReady, p.Message())

	messages := make(chan string, 1)
	stage := &StageFunc{ExecuteFn: func(ctx context.Context, p *Pipeline) error {
		messages <- p.Message()
		return nil
	}}
	connect(t, p, PhaseInstall, 0, stage)

	require.NoError(t, p.Build(context.Background(), PhaseInstall))
	assert.Equal(t, "Installing…", <-messages)
	assert.Equal(t, MessageSuccess, p.Message())

	cleanMsg := make(chan string, 1)
	stage.CleanFn = func(ctx context.Context, p *Pipeline) error {
		cleanMsg <- p.Message()
		return nil
	}
	require.NoError(t, p.Clean(context.Background(), PhaseInstall))
	assert.Equal(t, MessageCleaning, <-cleanMsg)
}

// =============================================================================
// Addins
// =============================================================================

type testAddin struct {
	name    string
	rec     *recorder
	err     error
	stageID uint
}

func (a *testAddin) Name() string { return a.name }

func (a *testAddin) Load(ctx context.Context, p *Pipeline) error {
	a.rec.add("load:" + a.name)
	if a.err != nil {
		return a.err
	}
	id, err := p.Connect(PhaseBuild, 0, &testStage{name: a.name, rec: a.rec})
	a.stageID = id
	return err
}

func (a *testAddin) Unload(p *Pipeline) {
	a.rec.add("unload:" + a.name)
	p.Disconnect(a.stageID)
}

func TestInitAndUnload(t *testing.T) {
	rec := &recorder{}
	p := New(Options{SourceDir: t.TempDir(), BuildDir: t.TempDir()})

	a := &testAddin{name: "a", rec: rec}
	b := &testAddin{name: "b", rec: rec}
	require.NoError(t, p.Init(context.Background(), []Addin{a, b}))
	assert.Equal(t, StateReady, p.State())
	assert.Len(t, p.Entries(), 2)

	assert.Error(t, p.Init(context.Background(), nil))

	p.Unload()
	assert.Equal(t, []string{"load:a", "load:b", "unload:b", "unload:a"}, rec.list())
	assert.Empty(t, p.Entries())
	assert.Equal(t, StateUninitialized, p.State())
}

func TestInitFailureUnloadsLoaded(t *testing.T) {
	rec := &recorder{}
	p := New(Options{SourceDir: t.TempDir(), BuildDir: t.TempDir()})

	err := p.Init(context.Background(), []Addin{
		&testAddin{name: "a", rec: rec},
		&testAddin{name: "b", rec: rec, err: errors.New("broken")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load pipeline addin b")
	assert.Equal(t, []string{"load:a", "load:b", "unload:a"}, rec.list())
	assert.Equal(t, StateUninitialized, p.State())
}

func TestSnapshotIsolation(t *testing.T) {
	p := newTestPipeline(t)
	live := p.LiveConfig()

	live.Setenv("FOO", "after")
	assert.Empty(t, p.Config().Env["FOO"])
}

func TestBuildCreatesBuildDir(t *testing.T) {
	p := newTestPipeline(t)
	require.NoError(t, p.Build(context.Background(), PhasePrepare))
	assert.DirExists(t, p.BuildDir())
}

func TestCancelDuringQuietWalk(t *testing.T) {
	p := newTestPipeline(t)
	connect(t, p, PhaseBuild, 0, &testStage{name: "build", rec: &recorder{}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	err := p.Build(ctx, PhaseBuild)
	assert.True(t, errdefs.IsCancelled(err))
}
