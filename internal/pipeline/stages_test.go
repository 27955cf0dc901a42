package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altuslabsxyz/devbuild/internal/configuration"
	"github.com/altuslabsxyz/devbuild/internal/errdefs"
)

type logCollector struct {
	mu    sync.Mutex
	lines map[LogStream][]string
}

func collectLogs(p *Pipeline) *logCollector {
	c := &logCollector{lines: make(map[LogStream][]string)}
	p.Subscribe(func(ev Event) {
		if ev.Type != EventLog {
			return
		}
		c.mu.Lock()
		c.lines[ev.Stream] = append(c.lines[ev.Stream], ev.Line)
		c.mu.Unlock()
	})
	return c
}

func (c *logCollector) get(stream LogStream) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines[stream]...)
}

func TestMkdirStage(t *testing.T) {
	p := newTestPipeline(t)
	dir := filepath.Join(t.TempDir(), "a", "b")
	s := &MkdirStage{Path: dir, RemoveOnReap: true}

	done, err := s.Query(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, s.Execute(context.Background(), p))
	done, err = s.Query(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, done)

	require.NoError(t, s.Reap(context.Background(), p))
	assert.NoDirExists(t, dir)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = (&MkdirStage{Path: file}).Query(context.Background(), p)
	assert.ErrorContains(t, err, "is not a directory")
}

func TestLauncherStageOutput(t *testing.T) {
	p := newTestPipeline(t)
	logs := collectLogs(p)
	require.NoError(t, os.MkdirAll(p.BuildDir(), 0o755))

	out := filepath.Join(t.TempDir(), "logs", "stdout.txt")
	s := &LauncherStage{
		StageName:  "echo",
		Command:    `echo "hello $GREETING"; pwd; echo "main.c:3:1: error: broken" >&2`,
		Env:        map[string]string{"GREETING": "world"},
		StdoutPath: out,
	}
	require.NoError(t, s.Execute(context.Background(), p))

	stdout := logs.get(StreamStdout)
	require.Len(t, stdout, 2)
	assert.Equal(t, "hello world", stdout[0])
	resolved, err := filepath.EvalSymlinks(p.BuildDir())
	require.NoError(t, err)
	assert.Contains(t, []string{p.BuildDir(), resolved}, stdout[1])

	assert.Equal(t, []string{"main.c:3:1: error: broken"}, logs.get(StreamStderr))

	diags := p.Diagnostics()
	require.Len(t, diags, 1)
	assert.Equal(t, SeverityError, diags[0].Severity)
	assert.Equal(t, filepath.Join(p.BuildDir(), "main.c"), diags[0].File)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "hello world\n"))
}

func TestLauncherStageStdoutDiagnostics(t *testing.T) {
	p := newTestPipeline(t)
	require.NoError(t, os.MkdirAll(p.BuildDir(), 0o755))

	quiet := &LauncherStage{Command: `echo "a.c:1:1: warning: w"`}
	require.NoError(t, quiet.Execute(context.Background(), p))
	assert.Empty(t, p.Diagnostics())

	checked := &LauncherStage{Command: `echo "a.c:1:1: warning: w"`, CheckStdout: true}
	require.NoError(t, checked.Execute(context.Background(), p))
	assert.Len(t, p.Diagnostics(), 1)
}

func TestLauncherStageExitStatus(t *testing.T) {
	p := newTestPipeline(t)
	require.NoError(t, os.MkdirAll(p.BuildDir(), 0o755))

	err := (&LauncherStage{Command: "exit 3"}).Execute(context.Background(), p)
	var ce *CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.ExitCode)
	assert.EqualError(t, err, "command exited with status 3")

	require.NoError(t, (&LauncherStage{Command: "exit 3", IgnoreExitStatus: true}).Execute(context.Background(), p))
}

func TestLauncherStageInPipeline(t *testing.T) {
	p := newTestPipeline(t)
	connect(t, p, PhaseBuild, 0, &LauncherStage{StageName: "make", Command: "exit 2"})

	err := p.Build(context.Background(), PhaseBuild)
	require.Error(t, err)
	assert.True(t, errdefs.IsStageFailed(err))

	var ce *CommandError
	assert.ErrorAs(t, err, &ce)
}

func TestLauncherStageCancel(t *testing.T) {
	p := newTestPipeline(t)
	require.NoError(t, os.MkdirAll(p.BuildDir(), 0o755))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := (&LauncherStage{Command: "sleep 30"}).Execute(ctx, p)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestLauncherStageClean(t *testing.T) {
	p := newTestPipeline(t)
	require.NoError(t, os.MkdirAll(p.BuildDir(), 0o755))
	marker := p.BuildPath("cleaned")

	s := &LauncherStage{CleanCommand: "touch cleaned"}
	require.NoError(t, s.Execute(context.Background(), p))
	assert.NoFileExists(t, marker)

	require.NoError(t, s.Clean(context.Background(), p))
	assert.FileExists(t, marker)
}

func TestLauncherStageEphemeral(t *testing.T) {
	p := newTestPipeline(t)
	id := connect(t, p, PhaseBuild, 0, &LauncherStage{Command: "true", Ephemeral: true})
	connect(t, p, PhaseBuild, 1, &LauncherStage{Command: "false", Off: true})

	require.NoError(t, p.Build(context.Background(), PhaseBuild))
	_, ok := p.StageByID(id)
	assert.False(t, ok)
}

func TestBootstrapStage(t *testing.T) {
	cfg := configuration.New("dev")
	src := t.TempDir()
	cfg.SetConfigCommands([]string{"echo run >> bootstrap.log"})

	p := New(Options{Config: cfg, SourceDir: src, BuildDir: filepath.Join(t.TempDir(), "build")})
	require.NoError(t, p.Init(context.Background(), nil))
	s := &BootstrapStage{}
	connect(t, p, PhaseConfigure, 0, s)
	assert.True(t, cfg.Dirty())

	require.NoError(t, p.Build(context.Background(), PhaseConfigure))
	assert.False(t, cfg.Dirty())
	assert.Equal(t, "run\n", readFile(t, filepath.Join(src, "bootstrap.log")))
	assert.FileExists(t, filepath.Join(p.BuildDir(), BootstrapStamp))

	// Clean state: the query reports completion.
	require.NoError(t, p.Build(context.Background(), PhaseConfigure))
	assert.Equal(t, "run\n", readFile(t, filepath.Join(src, "bootstrap.log")))

	// Cleaning forces another run without touching the configuration.
	require.NoError(t, p.Clean(context.Background(), PhaseConfigure))
	assert.False(t, cfg.Dirty())
	require.NoError(t, p.Build(context.Background(), PhaseConfigure))
	assert.Equal(t, "run\nrun\n", readFile(t, filepath.Join(src, "bootstrap.log")))
}

func TestBootstrapStageRunsWithoutStamp(t *testing.T) {
	cfg := configuration.New("dev")
	cfg.BlockChanged()
	cfg.SetConfigCommands([]string{"echo run >> bootstrap.log"})
	cfg.UnblockChanged()
	require.False(t, cfg.Dirty())

	src := t.TempDir()
	p := New(Options{Config: cfg, SourceDir: src, BuildDir: t.TempDir()})
	require.NoError(t, p.Init(context.Background(), nil))
	connect(t, p, PhaseConfigure, 0, &BootstrapStage{})

	require.NoError(t, p.Build(context.Background(), PhaseConfigure))
	assert.Equal(t, "run\n", readFile(t, filepath.Join(src, "bootstrap.log")))
}

func TestBootstrapStageKeepsDirtyOnConcurrentChange(t *testing.T) {
	cfg := configuration.New("dev")
	cfg.SetConfigCommands([]string{"echo configuring"})

	p := New(Options{Config: cfg, SourceDir: t.TempDir(), BuildDir: t.TempDir()})
	require.NoError(t, p.Init(context.Background(), nil))
	connect(t, p, PhaseConfigure, 0, &BootstrapStage{})

	// Edit the live configuration while the config command runs.
	p.Subscribe(func(ev Event) {
		if ev.Type == EventLog && ev.Line == "configuring" {
			cfg.SetPrefix("/opt/changed")
		}
	})

	require.NoError(t, p.Build(context.Background(), PhaseConfigure))
	assert.True(t, cfg.Dirty())
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
