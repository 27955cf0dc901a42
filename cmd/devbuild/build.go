package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/altuslabsxyz/devbuild/internal/buildmgr"
	"github.com/altuslabsxyz/devbuild/internal/output"
	"github.com/altuslabsxyz/devbuild/internal/pipeline"
	"github.com/altuslabsxyz/devbuild/internal/project"
)

func newBuildCmd() *cobra.Command {
	return newPhaseCmd(buildmgr.ActionBuild, "Build the current configuration",
		`Build the current configuration up to a phase.

Phases already completed are skipped. The default phase comes from
default_phase in the [build] section of config.toml.

Examples:
  devbuild build
  devbuild build --phase configure`)
}

func newCleanCmd() *cobra.Command {
	return newPhaseCmd(buildmgr.ActionClean, "Clean build results",
		`Clean the results of a phase and every phase after it.

Examples:
  # Clean the build phase and later
  devbuild clean

  # Clean everything, including configure results
  devbuild clean --phase prepare`)
}

func newRebuildCmd() *cobra.Command {
	return newPhaseCmd(buildmgr.ActionRebuild, "Clean and build again",
		`Clean and then build the current configuration up to a phase.

Examples:
  devbuild rebuild
  devbuild rebuild --phase install`)
}

func newInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Build and install into the configuration prefix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, buildmgr.ActionInstall, pipeline.PhaseInstall)
		},
	}
}

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Build, install and export an archive",
		Long: `Build, install and export the install prefix as an archive in the build
directory. Export must be enabled for the configuration:

  devbuild config set <id> internal.export.enabled true`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, buildmgr.ActionExport, pipeline.PhaseExport)
		},
	}
}

func newPhaseCmd(action buildmgr.Action, short, long string) *cobra.Command {
	var phase string

	cmd := &cobra.Command{
		Use:   string(action),
		Short: short,
		Long:  long,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolvePhase(phase)
			if err != nil {
				return err
			}
			return runBuild(cmd, action, target)
		},
	}

	cmd.Flags().StringVar(&phase, "phase", "", "Target phase (prepare, downloads, dependencies, configure, build, install, export)")
	return cmd
}

// resolvePhase parses a --phase value, falling back to the configured
// default phase.
func resolvePhase(name string) (pipeline.Phase, error) {
	if name == "" {
		name = appCfg.Build.DefaultPhase
	}
	phase, err := pipeline.ParsePhase(name)
	if err != nil {
		return pipeline.PhaseNone, err
	}
	if !phase.IsBase() {
		return pipeline.PhaseNone, fmt.Errorf("invalid phase %q: modifiers are not allowed", name)
	}
	return phase, nil
}

func runBuild(cmd *cobra.Command, action buildmgr.Action, phase pipeline.Phase) error {
	proj, err := openProject(cmd, false)
	if err != nil {
		return err
	}
	defer closeProject(proj)

	ctx := cmd.Context()
	if err := prepareBuild(ctx, proj); err != nil {
		return err
	}

	builds := proj.Builds()
	if action == buildmgr.ActionExport && !builds.Actions()[buildmgr.ActionExport] {
		return fmt.Errorf("export is not enabled for configuration %q (set internal.export.enabled to true)",
			proj.Configs().Current().ID())
	}

	rep := newReporter(out, phase)
	detach := rep.attach(builds)
	defer detach()

	out.Bold("%s %s (%s)", actionTitle(action), proj.Name(), proj.Configs().Current().DisplayName())
	return rep.finish(actionTitle(action), runAction(ctx, builds, action, phase))
}

func runAction(ctx context.Context, m *buildmgr.Manager, action buildmgr.Action, phase pipeline.Phase) error {
	switch action {
	case buildmgr.ActionBuild:
		return m.Execute(ctx, phase)
	case buildmgr.ActionClean:
		return m.Clean(ctx, phase)
	case buildmgr.ActionRebuild:
		return m.Rebuild(ctx, phase)
	default:
		return m.Activate(ctx, action)
	}
}

// prepareBuild waits for the build manager to set up the pipeline, which
// includes making the current configuration's runtime available.
func prepareBuild(ctx context.Context, proj *project.Context) error {
	builds := proj.Builds()
	cfg := proj.Configs().Current()

	var spinner *output.StatusSpinner
	if !cfg.Ready() {
		spinner = output.NewStatusSpinnerTo(out.ErrWriter(), output.DefaultSpinnerInterval)
		spinner.Start(fmt.Sprintf("Installing runtime %s", cfg.RuntimeID()))
	}
	err := builds.WaitForSetup(ctx)
	if spinner != nil {
		spinner.Stop()
	}
	if err != nil {
		return err
	}

	if !builds.CanBuild() {
		return fmt.Errorf("configuration %q cannot be built: %s", cfg.ID(), builds.Message())
	}
	return nil
}

func actionTitle(action buildmgr.Action) string {
	switch action {
	case buildmgr.ActionBuild:
		return "Build"
	case buildmgr.ActionRebuild:
		return "Rebuild"
	case buildmgr.ActionClean:
		return "Clean"
	case buildmgr.ActionInstall:
		return "Install"
	case buildmgr.ActionExport:
		return "Export"
	default:
		return string(action)
	}
}
