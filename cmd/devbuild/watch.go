package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/altuslabsxyz/devbuild/internal/buildmgr"
	"github.com/altuslabsxyz/devbuild/internal/errdefs"
	"github.com/altuslabsxyz/devbuild/internal/metrics"
	"github.com/altuslabsxyz/devbuild/internal/pipeline"
	"github.com/altuslabsxyz/devbuild/internal/project"
)

const defaultWatchDebounce = 300 * time.Millisecond

func newWatchCmd() *cobra.Command {
	var (
		phase       string
		metricsAddr string
		debounce    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Rebuild when source files change",
		Long: `Build the current configuration, then build again whenever a file in the
project directory changes. Hidden directories are not watched. Edits to
.devbuild.yaml are picked up and rebuild with the new settings.

With --metrics-addr (or address in the [metrics] section of config.toml)
Prometheus metrics are served on /metrics.

Examples:
  devbuild watch
  devbuild watch --phase install --metrics-addr 127.0.0.1:9464`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolvePhase(phase)
			if err != nil {
				return err
			}
			addr := appCfg.Metrics.Address
			if cmd.Flags().Changed("metrics-addr") {
				addr = metricsAddr
			}

			proj, err := openProject(cmd, true)
			if err != nil {
				return err
			}
			defer closeProject(proj)

			sw, err := newSourceWatcher(proj.Dir(), slog.Default())
			if err != nil {
				return err
			}
			defer sw.Close()

			session := &watchSession{
				proj:    proj,
				target:  target,
				trigger: make(chan struct{}, 1),
				rep:     newReporter(out, target),
			}
			return session.run(cmd.Context(), sw, addr, debounce)
		},
	}

	cmd.Flags().StringVar(&phase, "phase", "", "Target phase for each build")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (host:port)")
	cmd.Flags().DurationVar(&debounce, "debounce", defaultWatchDebounce, "Quiet period after a change before building")
	return cmd
}

// watchSession rebuilds a project each time it is triggered.
type watchSession struct {
	proj    *project.Context
	target  pipeline.Phase
	trigger chan struct{}
	rep     *reporter
}

func (s *watchSession) run(ctx context.Context, sw *sourceWatcher, metricsAddr string, debounce time.Duration) error {
	builds := s.proj.Builds()

	stopMetrics := metrics.Watch(builds)
	defer stopMetrics()
	detach := s.rep.attach(builds)
	defer detach()

	// A reloaded configuration replaces the pipeline; build again once the
	// new one can build.
	unsub := builds.Subscribe(func(ev buildmgr.Event) {
		if ev.Type == buildmgr.EventProperty && ev.Property == buildmgr.PropCanBuild && builds.CanBuild() {
			s.request()
		}
	})
	defer unsub()

	g, gctx := errgroup.WithContext(ctx)
	if metricsAddr != "" {
		out.Info("Serving metrics on http://%s/metrics", metricsAddr)
		g.Go(func() error { return metrics.Serve(gctx, metricsAddr) })
	}
	g.Go(func() error {
		return sw.Run(gctx, debounce, builds.Busy, func(paths []string) {
			out.Debug("Changed: %s", strings.Join(paths, ", "))
			s.request()
		})
	})
	g.Go(func() error { return s.buildLoop(gctx) })

	out.Info("Watching %s (Ctrl+C to stop)", s.proj.Dir())
	s.request()
	return g.Wait()
}

func (s *watchSession) request() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *watchSession) buildLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.trigger:
		}
		s.build(ctx)
	}
}

func (s *watchSession) build(ctx context.Context) {
	builds := s.proj.Builds()
	if err := prepareBuild(ctx, s.proj); err != nil {
		if ctx.Err() == nil {
			out.Error("%v", err)
		}
		return
	}
	if p := builds.Pipeline(); p != nil {
		p.InvalidatePhase(pipeline.PhaseBuild.From())
	}

	s.rep.retarget(s.target)
	out.Bold("Build %s (%s)", s.proj.Name(), s.proj.Configs().Current().DisplayName())
	err := s.rep.finish("Build", builds.Execute(ctx, s.target))
	if err != nil && !errors.Is(err, errReported) && !errdefs.IsPending(err) {
		out.Error("%v", err)
	}
}

// sourceWatcher reports changes below a project directory. fsnotify does
// not watch recursively, so every directory is added and new ones are
// added as they appear.
type sourceWatcher struct {
	root    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

func newSourceWatcher(root string, logger *slog.Logger) (*sourceWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	sw := &sourceWatcher{root: root, watcher: w, logger: logger}
	if err := sw.addTree(root); err != nil {
		w.Close()
		return nil, err
	}
	return sw, nil
}

func (sw *sourceWatcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != sw.root && ignoredName(d.Name()) {
			return filepath.SkipDir
		}
		if err := sw.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// ignoredName reports whether a file or directory never triggers a build:
// hidden entries, which include .devbuild.yaml and .git, and editor
// backups.
func ignoredName(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~")
}

// relevant reports whether ev should trigger a build.
func (sw *sourceWatcher) relevant(ev fsnotify.Event) bool {
	rel, err := filepath.Rel(sw.root, ev.Name)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if ignoredName(part) {
			return false
		}
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
}

// Run delivers batches of changed paths to changed, each after debounce of
// quiet, until ctx ends. Changes seen while busy reports true are dropped,
// so a build writing into the project does not trigger itself.
func (sw *sourceWatcher) Run(ctx context.Context, debounce time.Duration, busy func() bool, changed func(paths []string)) error {
	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending []string
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-sw.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !ignoredName(info.Name()) {
					if err := sw.addTree(ev.Name); err != nil {
						sw.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err)
					}
				}
			}
			if !sw.relevant(ev) {
				continue
			}
			if busy != nil && busy() {
				sw.logger.Debug("ignoring change during build", "path", ev.Name)
				continue
			}
			pending = append(pending, ev.Name)
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			batch := pending
			pending = nil
			changed(batch)

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return nil
			}
			sw.logger.Warn("file watcher error", "error", err)
		}
	}
}

// Close stops watching.
func (sw *sourceWatcher) Close() error {
	return sw.watcher.Close()
}
