package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/altuslabsxyz/devbuild/internal/buildmgr"
	"github.com/altuslabsxyz/devbuild/internal/errdefs"
	"github.com/altuslabsxyz/devbuild/internal/pipeline"
	"github.com/altuslabsxyz/devbuild/internal/worker"
)

// DefaultKeep is how many records the recorder keeps after each write.
const DefaultKeep = 500

type run struct {
	started   time.Time
	phase     pipeline.Phase
	operation pipeline.Operation
	errors    int
	warnings  int
}

// Recorder writes a BuildRecord for every build the manager finishes.
type Recorder struct {
	store  *Store
	mgr    *buildmgr.Manager
	pool   *worker.Pool
	keep   int
	logger *slog.Logger

	mu    sync.Mutex
	runs  map[*pipeline.Pipeline]*run
	unsub func()
	wg    sync.WaitGroup
}

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	Store   *Store
	Manager *buildmgr.Manager

	// Pool runs the writes. Records are written inline when it is nil or
	// not started.
	Pool *worker.Pool

	// Keep bounds the history; zero means DefaultKeep and a negative value
	// disables pruning.
	Keep int

	Logger *slog.Logger
}

// NewRecorder creates a recorder. Call Start to begin recording.
func NewRecorder(cfg RecorderConfig) *Recorder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keep := cfg.Keep
	if keep == 0 {
		keep = DefaultKeep
	}
	return &Recorder{
		store:  cfg.Store,
		mgr:    cfg.Manager,
		pool:   cfg.Pool,
		keep:   keep,
		logger: logger,
		runs:   make(map[*pipeline.Pipeline]*run),
	}
}

// Start subscribes to the manager.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsub != nil {
		return
	}
	r.unsub = r.mgr.Subscribe(r.handle)
}

// Stop unsubscribes and waits for pending writes.
func (r *Recorder) Stop() {
	r.mu.Lock()
	unsub := r.unsub
	r.unsub = nil
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	r.Flush()
}

// Flush waits for pending writes.
func (r *Recorder) Flush() {
	r.wg.Wait()
}

func (r *Recorder) handle(ev buildmgr.Event) {
	if ev.Pipeline == nil {
		return
	}

	switch ev.Type {
	case buildmgr.EventBuildStarted:
		r.mu.Lock()
		r.runs[ev.Pipeline] = &run{
			started:   ev.Timestamp,
			phase:     ev.Phase,
			operation: ev.Operation,
		}
		r.mu.Unlock()

	case buildmgr.EventDiagnostic:
		r.mu.Lock()
		if cur, ok := r.runs[ev.Pipeline]; ok && ev.Diagnostic != nil {
			switch {
			case ev.Diagnostic.Severity.IsError():
				cur.errors++
			case ev.Diagnostic.Severity == pipeline.SeverityWarning:
				cur.warnings++
			}
		}
		r.mu.Unlock()

	case buildmgr.EventBuildFinished, buildmgr.EventBuildFailed:
		r.mu.Lock()
		cur, ok := r.runs[ev.Pipeline]
		delete(r.runs, ev.Pipeline)
		r.mu.Unlock()
		if !ok {
			return
		}
		r.write(newRecord(ev, cur))
	}
}

func newRecord(ev buildmgr.Event, cur *run) *BuildRecord {
	p := ev.Pipeline
	cfg := p.Config()

	rec := &BuildRecord{
		Project:   p.Project(),
		ConfigID:  cfg.ID,
		DeviceID:  p.Device().ID(),
		Operation: string(cur.operation),
		Phase:     cur.phase.String(),
		StartedAt: cur.started,
		Duration:  ev.Timestamp.Sub(cur.started),
		Errors:    cur.errors,
		Warnings:  cur.warnings,
		Result:    ResultSucceeded,
	}
	switch {
	case ev.Err != nil && errdefs.IsCancelled(ev.Err):
		rec.Result = ResultCancelled
		rec.Message = ev.Err.Error()
	case ev.Type == buildmgr.EventBuildFailed:
		rec.Result = ResultFailed
		if ev.Err != nil {
			rec.Message = ev.Err.Error()
		}
	}
	return rec
}

func (r *Recorder) write(rec *BuildRecord) {
	fn := func(ctx context.Context) error {
		if err := r.store.Put(ctx, rec); err != nil {
			return err
		}
		if r.keep > 0 {
			if _, err := r.store.Prune(ctx, rec.Project, r.keep); err != nil {
				return err
			}
		}
		return nil
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		var err error
		if r.pool == nil {
			err = fn(context.Background())
		} else {
			err = r.pool.Run(context.Background(), "", fn)
		}
		if err != nil {
			r.logger.Warn("failed to record build", "config", rec.ConfigID, "error", err)
			return
		}
		r.logger.Debug("recorded build",
			"id", rec.ID,
			"config", rec.ConfigID,
			"result", rec.Result)
	}()
}
