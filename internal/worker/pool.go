package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/altuslabsxyz/devbuild/internal/errdefs"
)

// ErrStopped is returned for work submitted to, or still queued in, a
// stopped pool.
var ErrStopped = errors.New("worker pool is stopped")

// Func is a unit of work.
type Func func(ctx context.Context) error

// JobObserver is told about every finished job.
type JobObserver func(pool string, elapsed time.Duration, err error)

type job struct {
	ctx     context.Context
	fn      Func
	waiters []chan error
}

// Pool runs submitted work on a fixed number of goroutines. Work is keyed:
// a submission whose key is already waiting joins it and receives the same
// result.
type Pool struct {
	name  string
	size  int
	queue *Queue[string]

	mu      sync.Mutex
	jobs    map[string]*job
	started bool
	stopped bool
	anon    atomic.Uint64

	wg       sync.WaitGroup
	stopOnce sync.Once
	observer JobObserver
	logger   *slog.Logger
}

// NewPool creates a pool with size workers. A size below one uses NumCPU.
func NewPool(name string, size int, logger *slog.Logger) *Pool {
	if size < 1 {
		size = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		name:   name,
		size:   size,
		queue:  NewQueue[string](),
		jobs:   make(map[string]*job),
		logger: logger,
	}
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// Pending returns the number of jobs waiting for a worker.
func (p *Pool) Pending() int { return p.queue.Len() }

// Started reports whether workers are running.
func (p *Pool) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopped
}

// SetObserver sets the callback run after each job.
func (p *Pool) SetObserver(o JobObserver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observer = o
}

// Start launches the workers. The pool stops when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			p.runWorker(workerID)
		}(i)
	}

	context.AfterFunc(ctx, p.Stop)
}

// Stop shuts the queue down, waits for running jobs and fails anything
// still queued with ErrStopped.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()

		p.queue.ShutDown()
		p.wg.Wait()

		p.mu.Lock()
		left := p.jobs
		p.jobs = make(map[string]*job)
		p.mu.Unlock()

		for _, j := range left {
			for _, w := range j.waiters {
				w <- ErrStopped
			}
		}
		p.logger.Debug("worker pool stopped", "pool", p.name)
	})
}

// Submit queues fn under key. An empty key is never coalesced. The returned
// channel receives exactly one value.
func (p *Pool) Submit(ctx context.Context, key string, fn Func) <-chan error {
	ch := make(chan error, 1)

	if key == "" {
		key = fmt.Sprintf("anonymous-%d", p.anon.Add(1))
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		ch <- ErrStopped
		return ch
	}
	if j, ok := p.jobs[key]; ok {
		j.waiters = append(j.waiters, ch)
		p.mu.Unlock()
		p.logger.Debug("coalesced work", "pool", p.name, "key", key)
		return ch
	}
	p.jobs[key] = &job{ctx: ctx, fn: fn, waiters: []chan error{ch}}
	p.mu.Unlock()

	p.queue.Add(key)
	return ch
}

// Do submits fn and waits for its result or for ctx to end.
func (p *Pool) Do(ctx context.Context, key string, fn Func) error {
	select {
	case err := <-p.Submit(ctx, key, fn):
		return err
	case <-ctx.Done():
		return errdefs.Cancelled(p.name+" job "+key, ctx.Err())
	}
}

// Run is Do on a started pool and a direct call on one that is not.
func (p *Pool) Run(ctx context.Context, key string, fn Func) error {
	if !p.Started() {
		return fn(ctx)
	}
	return p.Do(ctx, key, fn)
}

func (p *Pool) runWorker(workerID int) {
	p.logger.Debug("worker started", "pool", p.name, "workerID", workerID)

	for {
		key, shutdown := p.queue.Get()
		if shutdown {
			p.logger.Debug("worker shutting down", "pool", p.name, "workerID", workerID)
			return
		}
		p.processItem(key)
	}
}

func (p *Pool) processItem(key string) {
	defer p.queue.Done(key)

	p.mu.Lock()
	j, ok := p.jobs[key]
	delete(p.jobs, key)
	observer := p.observer
	p.mu.Unlock()
	if !ok {
		return
	}

	start := time.Now()
	err := p.run(j)
	elapsed := time.Since(start)

	if err != nil {
		p.logger.Debug("job failed", "pool", p.name, "key", key, "error", err)
	}
	if observer != nil {
		observer(p.name, elapsed, err)
	}
	for _, w := range j.waiters {
		w <- err
	}
}

func (p *Pool) run(j *job) (err error) {
	if cerr := j.ctx.Err(); cerr != nil {
		return errdefs.Cancelled(p.name+" job", cerr)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return j.fn(j.ctx)
}

// Pools are the shared background pools.
type Pools struct {
	Compiler *Pool
	Indexer  *Pool
}

// NewPools creates the compiler and indexer pools. Sizes below one fall back
// to NumCPU for the compiler pool and one for the indexer pool.
func NewPools(compiler, indexer int, logger *slog.Logger) *Pools {
	if indexer < 1 {
		indexer = 1
	}
	return &Pools{
		Compiler: NewPool("compiler", compiler, logger),
		Indexer:  NewPool("indexer", indexer, logger),
	}
}

// Start launches both pools.
func (ps *Pools) Start(ctx context.Context) {
	ps.Compiler.Start(ctx)
	ps.Indexer.Start(ctx)
}

// Stop stops both pools.
func (ps *Pools) Stop() {
	ps.Compiler.Stop()
	ps.Indexer.Stop()
}

// SetObserver sets the job observer on both pools.
func (ps *Pools) SetObserver(o JobObserver) {
	ps.Compiler.SetObserver(o)
	ps.Indexer.SetObserver(o)
}
