package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
)

// MkdirStage creates a directory.
type MkdirStage struct {
	Path string
	Mode os.FileMode

	// RemoveOnReap deletes the directory during rebuild.
	RemoveOnReap bool
}

func (s *MkdirStage) Query(ctx context.Context, p *Pipeline) (bool, error) {
	info, err := os.Stat(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if !info.IsDir() {
		return false, fmt.Errorf("%s exists and is not a directory", s.Path)
	}
	return true, nil
}

func (s *MkdirStage) Execute(ctx context.Context, p *Pipeline) error {
	mode := s.Mode
	if mode == 0 {
		mode = 0o755
	}
	if err := os.MkdirAll(s.Path, mode); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func (s *MkdirStage) Clean(ctx context.Context, p *Pipeline) error { return nil }

func (s *MkdirStage) Reap(ctx context.Context, p *Pipeline) error {
	if !s.RemoveOnReap {
		return nil
	}
	return os.RemoveAll(s.Path)
}

// CommandError is returned when a launched command exits non-zero.
type CommandError struct {
	Command  string
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.ExitCode)
}

// LauncherStage runs a shell command in the runtime environment and feeds
// its output to the pipeline log and error formats.
type LauncherStage struct {
	StageName string
	Command   string

	// CleanCommand runs on Clean when set.
	CleanCommand string

	// Dir defaults to the build directory.
	Dir string

	// Env is applied over the pipeline environment.
	Env map[string]string

	// CheckStdout parses stdout for diagnostics as well as stderr.
	CheckStdout bool

	// StdoutPath receives a copy of stdout.
	StdoutPath string

	// IgnoreExitStatus treats any exit status as success.
	IgnoreExitStatus bool

	// Ephemeral stages are dropped after the run that saw them.
	Ephemeral bool

	// Off disables the stage.
	Off bool

	// Shell defaults to /bin/sh.
	Shell string
}

func (s *LauncherStage) Name() string    { return s.StageName }
func (s *LauncherStage) Transient() bool { return s.Ephemeral }
func (s *LauncherStage) Disabled() bool  { return s.Off }

func (s *LauncherStage) shell() string {
	if s.Shell != "" {
		return s.Shell
	}
	return "/bin/sh"
}

func (s *LauncherStage) Execute(ctx context.Context, p *Pipeline) error {
	if s.Command == "" {
		return nil
	}
	return s.run(ctx, p, s.Command, s.StdoutPath)
}

func (s *LauncherStage) Clean(ctx context.Context, p *Pipeline) error {
	if s.CleanCommand == "" {
		return nil
	}
	return s.run(ctx, p, s.CleanCommand, "")
}

func (s *LauncherStage) run(ctx context.Context, p *Pipeline, command, stdoutPath string) error {
	dir := s.Dir
	if dir == "" {
		dir = p.BuildDir()
	}

	cmd := exec.CommandContext(ctx, s.shell(), "-c", command)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.Env = p.Environ()
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+s.Env[k])
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr: %w", err)
	}

	var tee io.WriteCloser
	if stdoutPath != "" {
		if err := os.MkdirAll(filepath.Dir(stdoutPath), 0o755); err != nil {
			return fmt.Errorf("failed to create stdout directory: %w", err)
		}
		f, err := os.Create(stdoutPath)
		if err != nil {
			return fmt.Errorf("failed to open stdout file: %w", err)
		}
		tee = f
	}

	p.Logger().Debug("launching command", "stage", StageName(s), "command", command, "dir", dir)

	if err := cmd.Start(); err != nil {
		if tee != nil {
			tee.Close()
		}
		return fmt.Errorf("failed to start command: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pump(p, StreamStdout, stdout, tee, s.CheckStdout)
	}()
	go func() {
		defer wg.Done()
		s.pump(p, StreamStderr, stderr, nil, true)
	}()

	// The wait must finish even when ctx ends, or the process is never reaped.
	waitErr := p.Pools().Compiler.Run(context.WithoutCancel(ctx), "", func(context.Context) error {
		wg.Wait()
		return cmd.Wait()
	})
	if tee != nil {
		tee.Close()
	}

	if waitErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if s.IgnoreExitStatus {
			return nil
		}
		return &CommandError{Command: command, ExitCode: exitErr.ExitCode()}
	}
	return waitErr
}

func (s *LauncherStage) pump(p *Pipeline, stream LogStream, r io.Reader, tee io.Writer, parse bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if tee != nil {
			fmt.Fprintln(tee, line)
		}
		p.Log(stream, line)
		if parse {
			p.ExtractDiagnostics(line)
		}
	}
}

// BootstrapStamp is written to the build directory after a successful
// bootstrap.
const BootstrapStamp = ".devbuild-bootstrap"

// BootstrapStage runs the configuration's config commands when the live
// configuration is dirty or the build directory has never been
// bootstrapped. The dirty flag is cleared only if the configuration did not
// change while the commands ran.
type BootstrapStage struct {
	StageName string

	mu    sync.Mutex
	force bool
}

func (s *BootstrapStage) Name() string {
	if s.StageName == "" {
		return "Bootstrapping…"
	}
	return s.StageName
}

func (s *BootstrapStage) Query(ctx context.Context, p *Pipeline) (bool, error) {
	s.mu.Lock()
	force := s.force
	s.mu.Unlock()
	if force || p.LiveConfig().Dirty() {
		return false, nil
	}
	if _, err := os.Stat(filepath.Join(p.BuildDir(), BootstrapStamp)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *BootstrapStage) Execute(ctx context.Context, p *Pipeline) error {
	live := p.LiveConfig()
	seq := live.Sequence()

	for _, command := range p.Config().ConfigCommands {
		l := &LauncherStage{StageName: s.Name(), Command: command, Dir: p.SourceDir()}
		if err := l.Execute(ctx, p); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(p.BuildDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create build directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(p.BuildDir(), BootstrapStamp), []byte(live.ID()+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write bootstrap stamp: %w", err)
	}

	s.mu.Lock()
	s.force = false
	s.mu.Unlock()

	if !live.ClearDirtyIfSequence(seq) {
		p.Logger().Debug("configuration changed during bootstrap, keeping it dirty",
			"sequence", seq,
			"current", live.Sequence())
	}
	return nil
}

// Clean forces the next build to bootstrap again.
func (s *BootstrapStage) Clean(ctx context.Context, p *Pipeline) error {
	s.mu.Lock()
	s.force = true
	s.mu.Unlock()
	return nil
}
