package addins

import (
	"context"
	"fmt"
	"strconv"

	"github.com/altuslabsxyz/devbuild/internal/pipeline"
)

// Commands runs the configuration's build commands after BUILD and its
// post-install commands after INSTALL.
type Commands struct {
	conns connections
}

func (a *Commands) Name() string { return "commands" }

func (a *Commands) Load(ctx context.Context, p *pipeline.Pipeline) error {
	cfg := p.Config()
	env := commandEnv(p)

	for i, command := range cfg.BuildCommands {
		stage := &pipeline.LauncherStage{
			StageName:   "Building…",
			Command:     command,
			Dir:         p.SourceDir(),
			Env:         env,
			CheckStdout: true,
		}
		if err := a.conns.connect(p, pipeline.PhaseBuild|pipeline.PhaseAfter, i, &alwaysRun{stage}); err != nil {
			return fmt.Errorf("failed to connect build command: %w", err)
		}
	}

	for i, command := range cfg.PostInstallCommands {
		stage := &pipeline.LauncherStage{
			StageName:   "Installing…",
			Command:     command,
			Dir:         p.SourceDir(),
			Env:         env,
			CheckStdout: true,
		}
		if err := a.conns.connect(p, pipeline.PhaseInstall|pipeline.PhaseAfter, i, &alwaysRun{stage}); err != nil {
			return fmt.Errorf("failed to connect post-install command: %w", err)
		}
	}
	return nil
}

func (a *Commands) Unload(p *pipeline.Pipeline) { a.conns.disconnectAll(p) }

// InstallPrefix returns the configuration prefix, or <builddir>/install.
func InstallPrefix(p *pipeline.Pipeline) string {
	if prefix := p.Config().Prefix; prefix != "" {
		return prefix
	}
	return p.BuildPath("install")
}

func commandEnv(p *pipeline.Pipeline) map[string]string {
	cfg := p.Config()
	env := map[string]string{
		"PREFIX":            InstallPrefix(p),
		"DEVBUILD_BUILDDIR": p.BuildDir(),
		"DEVBUILD_SRCDIR":   p.SourceDir(),
		"DEVBUILD_CONFIG":   cfg.ID,
		"DEVBUILD_DEVICE":   p.Device().ID(),
		"DEVBUILD_RUNTIME":  p.Runtime().ID(),
	}
	if cfg.Parallelism > 0 {
		env["DEVBUILD_JOBS"] = strconv.Itoa(cfg.Parallelism)
	}
	if cfg.Debug {
		env["DEVBUILD_DEBUG"] = "1"
	}
	return env
}

// alwaysRun has a query that never reports completion, so the command runs
// on every build that reaches its phase.
type alwaysRun struct {
	*pipeline.LauncherStage
}

func (s *alwaysRun) Query(ctx context.Context, p *pipeline.Pipeline) (bool, error) {
	return false, nil
}
