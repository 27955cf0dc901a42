// Package metrics exposes build and worker pool metrics in Prometheus
// format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/altuslabsxyz/devbuild/internal/buildmgr"
	"github.com/altuslabsxyz/devbuild/internal/errdefs"
)

// Build results used as label values.
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
	ResultCancelled = "cancelled"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	buildsTotal   *prometheus.CounterVec
	buildDuration *prometheus.HistogramVec
	buildBusy     prometheus.Gauge
	diagnostics   *prometheus.CounterVec
	jobsTotal     *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	setupFailures prometheus.Counter
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Registry returns the current registry.
func Registry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return reg
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{})
}

// ObserveBuild records a finished build.
func ObserveBuild(operation, result string, duration time.Duration) {
	op := sanitizeLabel(operation, "unknown")
	res := sanitizeLabel(result, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	buildsTotal.WithLabelValues(op, res).Inc()
	buildDuration.WithLabelValues(op).Observe(durationSeconds(duration))
}

// SetBusy sets the busy gauge.
func SetBusy(busy bool) {
	v := 0.0
	if busy {
		v = 1
	}

	mu.RLock()
	defer mu.RUnlock()
	buildBusy.Set(v)
}

// IncDiagnostic counts a reported diagnostic by severity.
func IncDiagnostic(severity string) {
	sev := sanitizeLabel(severity, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	diagnostics.WithLabelValues(sev).Inc()
}

// IncSetupFailure counts a failed pipeline setup.
func IncSetupFailure() {
	mu.RLock()
	defer mu.RUnlock()
	setupFailures.Inc()
}

// ObserveJob records a worker pool job. It has the worker.JobObserver
// signature.
func ObserveJob(pool string, elapsed time.Duration, err error) {
	p := sanitizeLabel(pool, "unknown")
	status := "ok"
	switch {
	case err == nil:
	case errdefs.IsCancelled(err):
		status = "cancelled"
	default:
		status = "error"
	}

	mu.RLock()
	defer mu.RUnlock()
	jobsTotal.WithLabelValues(p, status).Inc()
	jobDuration.WithLabelValues(p).Observe(durationSeconds(elapsed))
}

// Watch feeds manager events into the collectors until the returned func is
// called.
func Watch(m *buildmgr.Manager) (stop func()) {
	var (
		startMu sync.Mutex
		started time.Time
	)

	return m.Subscribe(func(ev buildmgr.Event) {
		switch ev.Type {
		case buildmgr.EventBuildStarted:
			startMu.Lock()
			started = ev.Timestamp
			startMu.Unlock()

		case buildmgr.EventBuildFinished, buildmgr.EventBuildFailed:
			startMu.Lock()
			var elapsed time.Duration
			if !started.IsZero() {
				elapsed = ev.Timestamp.Sub(started)
			}
			started = time.Time{}
			startMu.Unlock()
			ObserveBuild(string(ev.Operation), BuildResult(ev), elapsed)

		case buildmgr.EventSetupFailed:
			IncSetupFailure()

		case buildmgr.EventDiagnostic:
			if ev.Diagnostic != nil {
				IncDiagnostic(ev.Diagnostic.Severity.String())
			}

		case buildmgr.EventProperty:
			if ev.Property == buildmgr.PropBusy {
				SetBusy(m.Busy())
			}
		}
	})
}

// BuildResult maps a finished or failed build event to a result label.
func BuildResult(ev buildmgr.Event) string {
	switch {
	case ev.Err != nil && errdefs.IsCancelled(ev.Err):
		return ResultCancelled
	case ev.Type == buildmgr.EventBuildFailed:
		return ResultFailed
	default:
		return ResultSucceeded
	}
}

// Serve serves /metrics on addr until ctx ends.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve metrics: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	total := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devbuild",
		Subsystem: "build",
		Name:      "runs_total",
		Help:      "Total pipeline runs grouped by operation and result.",
	}, []string{"operation", "result"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "devbuild",
		Subsystem: "build",
		Name:      "duration_seconds",
		Help:      "Duration of pipeline runs by operation.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"operation"})

	busy := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "devbuild",
		Subsystem: "build",
		Name:      "busy",
		Help:      "Whether a pipeline run is in progress.",
	})

	diags := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devbuild",
		Subsystem: "build",
		Name:      "diagnostics_total",
		Help:      "Diagnostics reported by build output, by severity.",
	}, []string{"severity"})

	setup := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "devbuild",
		Subsystem: "pipeline",
		Name:      "setup_failures_total",
		Help:      "Pipeline setups that failed to ensure a runtime or load addins.",
	})

	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devbuild",
		Subsystem: "worker",
		Name:      "jobs_total",
		Help:      "Worker pool jobs by pool and status.",
	}, []string{"pool", "status"})

	jobHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "devbuild",
		Subsystem: "worker",
		Name:      "job_duration_seconds",
		Help:      "Duration of worker pool jobs.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"pool"})

	registry.MustRegister(total, duration, busy, diags, setup, jobs, jobHist)

	reg = registry
	buildsTotal = total
	buildDuration = duration
	buildBusy = busy
	diagnostics = diags
	setupFailures = setup
	jobsTotal = jobs
	jobDuration = jobHist
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
