package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/altuslabsxyz/devbuild/internal/appconfig"
	"github.com/altuslabsxyz/devbuild/internal/interactive"
	"github.com/altuslabsxyz/devbuild/internal/output"
	"github.com/altuslabsxyz/devbuild/internal/project"
	"github.com/altuslabsxyz/devbuild/internal/runtime"
	"github.com/altuslabsxyz/devbuild/internal/version"
)

// Global flags
var (
	projectDir string
	configFile string
	logLevel   string
	noColor    bool
	verbose    bool
)

var (
	// appCfg is the loaded application configuration, set before any
	// command runs.
	appCfg *appconfig.Config

	out output.LoggerInterface = output.NewLogger()

	// runtimeProviders overrides the built-in runtime providers when non-nil.
	runtimeProviders []runtime.Provider
)

// errReported is returned once a failure has already been printed.
var errReported = errors.New("build failed")

// Command group IDs for organized help output.
const (
	GroupBuild  = "build"
	GroupManage = "manage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		switch {
		case interactive.IsCancellation(err):
			fmt.Fprintln(os.Stderr, err)
			os.Exit(130)
		case errors.Is(err, errReported):
		default:
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devbuild",
		Short: "Build orchestration for project configurations",
		Long: `devbuild drives a project through its build phases (prepare, downloads,
dependencies, configure, build, install, export) using the configurations
stored in .devbuild.yaml or .devbuild.hcl in the project directory.

Examples:
  # Build the current configuration
  devbuild build

  # Run only up to the configure phase
  devbuild build --phase configure

  # Switch configuration, then rebuild from scratch
  devbuild config use release
  devbuild rebuild

  # Rebuild whenever a source file changes
  devbuild watch --metrics-addr 127.0.0.1:9464`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return setup(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&projectDir, "project", "C", "", "Project directory (default: working directory)")
	cmd.PersistentFlags().StringVar(&configFile, "config-file", "", "Application config file (default: $XDG_CONFIG_HOME/devbuild/config.toml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	cmd.AddGroup(
		&cobra.Group{ID: GroupBuild, Title: "Build Commands:"},
		&cobra.Group{ID: GroupManage, Title: "Management Commands:"},
	)

	for _, c := range []*cobra.Command{
		newBuildCmd(),
		newCleanCmd(),
		newRebuildCmd(),
		newInstallCmd(),
		newExportCmd(),
		newWatchCmd(),
	} {
		c.GroupID = GroupBuild
		cmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{
		newConfigCmd(),
		newRuntimeCmd(),
		newDeviceCmd(),
		newHistoryCmd(),
	} {
		c.GroupID = GroupManage
		cmd.AddCommand(c)
	}
	cmd.AddCommand(version.NewCmd("devbuild"))

	return cmd
}

// setup loads the application configuration and configures logging.
// Priority: default < config.toml < env < flag
func setup(cmd *cobra.Command) error {
	cfg, err := appconfig.NewLoader(configFile).Load()
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = logLevel
	} else if verbose {
		cfg.Log.Level = "debug"
	}
	if err := appconfig.Validate(cfg); err != nil {
		return err
	}

	if os.Getenv("NO_COLOR") != "" && !cmd.Flags().Changed("no-color") {
		noColor = true
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}
	if noColor {
		color.NoColor = true
	}

	logger := output.NewLoggerTo(cmd.OutOrStdout(), cmd.ErrOrStderr())
	logger.SetNoColor(noColor)
	logger.SetVerbose(verbose)
	out = logger

	slog.SetDefault(newSlogLogger(cmd, cfg.Log.Level))
	appCfg = cfg
	return nil
}

func newSlogLogger(cmd *cobra.Command, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: lvl}))
}

// openProject opens the project selected by --project.
func openProject(cmd *cobra.Command, watchConfig bool) (*project.Context, error) {
	return project.Open(cmd.Context(), project.Options{
		Dir:              projectDir,
		Config:           appCfg,
		RuntimeProviders: runtimeProviders,
		WatchConfig:      watchConfig,
		Logger:           slog.Default(),
	})
}

// closeProject closes p, reporting failures without masking the command's
// own error.
func closeProject(p *project.Context) {
	if err := p.Close(context.Background()); err != nil {
		out.Warn("Failed to close project: %v", err)
	}
}
