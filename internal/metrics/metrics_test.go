package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altuslabsxyz/devbuild/internal/buildmgr"
	"github.com/altuslabsxyz/devbuild/internal/errdefs"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestObserveBuild(t *testing.T) {
	Reset()

	ObserveBuild("build", ResultSucceeded, 2*time.Second)
	ObserveBuild("build", ResultSucceeded, time.Second)
	ObserveBuild("rebuild", ResultFailed, -time.Second)

	body := scrape(t)
	assert.Contains(t, body, `devbuild_build_runs_total{operation="build",result="succeeded"} 2`)
	assert.Contains(t, body, `devbuild_build_runs_total{operation="rebuild",result="failed"} 1`)
	assert.Contains(t, body, `devbuild_build_duration_seconds_count{operation="build"} 2`)
	assert.Contains(t, body, `devbuild_build_duration_seconds_sum{operation="build"} 3`)
	assert.Contains(t, body, `devbuild_build_duration_seconds_sum{operation="rebuild"} 0`)
}

func TestSetBusy(t *testing.T) {
	Reset()

	SetBusy(true)
	assert.Contains(t, scrape(t), "devbuild_build_busy 1")
	SetBusy(false)
	assert.Contains(t, scrape(t), "devbuild_build_busy 0")
}

func TestObserveJob(t *testing.T) {
	Reset()

	ObserveJob("indexer", time.Millisecond, nil)
	ObserveJob("indexer", time.Millisecond, errors.New("boom"))
	ObserveJob("compiler", time.Millisecond, errdefs.Cancelled("job", context.Canceled))

	body := scrape(t)
	assert.Contains(t, body, `devbuild_worker_jobs_total{pool="indexer",status="ok"} 1`)
	assert.Contains(t, body, `devbuild_worker_jobs_total{pool="indexer",status="error"} 1`)
	assert.Contains(t, body, `devbuild_worker_jobs_total{pool="compiler",status="cancelled"} 1`)
}

func TestDiagnosticsAndSetupFailures(t *testing.T) {
	Reset()

	IncDiagnostic("error")
	IncDiagnostic("warning")
	IncDiagnostic("warning")
	IncSetupFailure()

	body := scrape(t)
	assert.Contains(t, body, `devbuild_build_diagnostics_total{severity="error"} 1`)
	assert.Contains(t, body, `devbuild_build_diagnostics_total{severity="warning"} 2`)
	assert.Contains(t, body, "devbuild_pipeline_setup_failures_total 1")
}

func TestResetClearsCollectors(t *testing.T) {
	Reset()
	ObserveBuild("build", ResultSucceeded, time.Second)
	Reset()

	assert.NotContains(t, scrape(t), "devbuild_build_runs_total{")
}

func TestBuildResult(t *testing.T) {
	tests := []struct {
		name string
		ev   buildmgr.Event
		want string
	}{
		{"finished", buildmgr.Event{Type: buildmgr.EventBuildFinished}, ResultSucceeded},
		{"failed", buildmgr.Event{Type: buildmgr.EventBuildFailed, Err: errors.New("x")}, ResultFailed},
		{"cancelled", buildmgr.Event{Type: buildmgr.EventBuildFailed, Err: errdefs.Cancelled("build", context.Canceled)}, ResultCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildResult(tt.ev))
		})
	}
}

func TestSanitizeLabel(t *testing.T) {
	assert.Equal(t, "unknown", sanitizeLabel("  ", "unknown"))
	assert.Equal(t, "a_b", sanitizeLabel("a b", "unknown"))
	assert.Equal(t, "pool.1-x:y", sanitizeLabel("pool.1-x:y", "unknown"))
}

func TestServeStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
