package main

import (
	"errors"
	"sync"

	"github.com/altuslabsxyz/devbuild/internal/buildmgr"
	"github.com/altuslabsxyz/devbuild/internal/errdefs"
	"github.com/altuslabsxyz/devbuild/internal/output"
	"github.com/altuslabsxyz/devbuild/internal/pipeline"
)

// reporter prints build events for one command: phase progress, command
// output and diagnostics. It remembers the last output lines for failure
// reports.
type reporter struct {
	log      output.LoggerInterface
	progress *output.Progress
	tail     *output.Tail

	mu       sync.Mutex
	errors   int
	warnings int
}

func newReporter(log output.LoggerInterface, target pipeline.Phase) *reporter {
	progress := output.NewProgress(target)
	progress.SetWriter(log.Writer())
	progress.SetNoColor(noColor)
	return &reporter{
		log:      log,
		progress: progress,
		tail:     output.NewTail(output.DefaultTailLines),
	}
}

// retarget resets progress and counters for a new build up to target.
func (r *reporter) retarget(target pipeline.Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress.SetTarget(target)
	r.tail.Reset()
	r.errors = 0
	r.warnings = 0
}

// attach subscribes to m until the returned func is called.
func (r *reporter) attach(m *buildmgr.Manager) (detach func()) {
	return m.Subscribe(func(ev buildmgr.Event) {
		r.handle(m, ev)
	})
}

func (r *reporter) handle(m *buildmgr.Manager, ev buildmgr.Event) {
	switch ev.Type {
	case buildmgr.EventProperty:
		if ev.Property != buildmgr.PropMessage {
			return
		}
		if p := m.Pipeline(); p != nil {
			r.mu.Lock()
			r.progress.Phase(p.Phase())
			r.mu.Unlock()
		}

	case buildmgr.EventLog:
		r.tail.Add(ev.Line)
		r.log.Output(ev.Stream, ev.Line)

	case buildmgr.EventDiagnostic:
		r.mu.Lock()
		switch {
		case ev.Diagnostic.Severity.IsError():
			r.errors++
		case ev.Diagnostic.Severity == pipeline.SeverityWarning:
			r.warnings++
		}
		r.mu.Unlock()
		r.log.Diagnostic(ev.Diagnostic)

	case buildmgr.EventSetupFailed:
		r.log.Error("Pipeline setup failed: %v", ev.Err)
	}
}

// finish reports the outcome of an operation. A failed build is printed
// in full and errReported is returned in its place.
func (r *reporter) finish(op string, err error) error {
	if err == nil {
		r.log.Success("%s finished", op)
		return nil
	}
	if errdefs.IsCancelled(err) {
		r.log.Warn("%s cancelled", op)
		return errReported
	}

	var stageErr *errdefs.StageError
	if !errors.As(err, &stageErr) {
		return err
	}

	info := output.NewBuildFailureInfo(err, r.tail.Lines())
	r.mu.Lock()
	info.Errors = r.errors
	info.Warnings = r.warnings
	r.mu.Unlock()
	r.log.BuildFailure(info)
	return errReported
}
