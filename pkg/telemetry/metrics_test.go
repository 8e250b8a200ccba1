package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/plugsync/pkg/engine"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	m, err := NewMetrics(cfg)
	require.NoError(t, err)
	return m
}

func TestMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)

	// Every observer method is a no-op.
	m.ObserveOperation(engine.KindStep, engine.OperationCreate, engine.ResultSucceeded, time.Second)
	m.ObserveRemoteCall("CreateStep", nil, time.Second)
	m.ObserveRetry(engine.KindStep)
	m.ObserveRun(&engine.Report{})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, m.StartMetricsServer(context.Background(), testLogger()))
}

func TestMetrics_ObserveOperation(t *testing.T) {
	m := newTestMetrics(t)

	m.ObserveOperation(engine.KindStep, engine.OperationCreate, engine.ResultSucceeded, 100*time.Millisecond)
	m.ObserveOperation(engine.KindStep, engine.OperationCreate, engine.ResultSucceeded, 200*time.Millisecond)
	m.ObserveOperation(engine.KindImage, engine.OperationUpdate, engine.ResultFailed, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("step", "create", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("image", "update", "failed")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.operationDuration))
}

func TestMetrics_ObserveRemoteCall(t *testing.T) {
	m := newTestMetrics(t)

	m.ObserveRemoteCall("CreateStep", nil, time.Millisecond)
	m.ObserveRemoteCall("CreateStep", engine.NewThrottledError("429", nil), time.Millisecond)
	m.ObserveRemoteCall("ListSteps", context.DeadlineExceeded, time.Millisecond)
	m.ObserveRetry(engine.KindStep)
	m.ObserveRetry(engine.KindStep)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.remoteCalls.WithLabelValues("CreateStep", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.remoteCalls.WithLabelValues("CreateStep", "throttled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.remoteCalls.WithLabelValues("ListSteps", "timeout")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.retries.WithLabelValues("step")))
}

func TestMetrics_ObserveRun(t *testing.T) {
	m := newTestMetrics(t)
	start := time.Now()

	m.ObserveRun(&engine.Report{
		Status:      engine.RunStatusSucceeded,
		StartedAt:   start,
		CompletedAt: start.Add(3 * time.Second),
		Counts: map[engine.EntityKind]engine.KindCounts{
			engine.KindStep: {Orphaned: 2},
		},
	})
	m.ObserveRun(&engine.Report{
		DryRun:      true,
		Status:      engine.RunStatusSucceeded,
		StartedAt:   start,
		CompletedAt: start.Add(time.Second),
		Counts: map[engine.EntityKind]engine.KindCounts{
			engine.KindStep: {Orphaned: 1},
		},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("apply", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("plan", "succeeded")))
	// The gauge reflects the latest run.
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orphans.WithLabelValues("step")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.orphans.WithLabelValues("image")))

	expected := `
# HELP plugsync_runs_total Total number of reconciliation runs by mode and final status
# TYPE plugsync_runs_total counter
plugsync_runs_total{mode="apply",status="succeeded"} 1
plugsync_runs_total{mode="plan",status="succeeded"} 1
`
	require.NoError(t, testutil.CollectAndCompare(m.runs, strings.NewReader(expected)))
}

func TestCallOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{context.Canceled, "cancelled"},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), "timeout"},
		{engine.NewTransientError("timed out", nil).WithCode(engine.ErrCodeTimeout), "timeout"},
		{engine.NewThrottledError("slow down", nil), "throttled"},
		{engine.NewConflictError("exists", nil), "conflict"},
		{engine.NewTransientError("503", nil), "transient"},
		{errors.New("boom"), "error"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, CallOutcome(tt.err))
		})
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := newTestMetrics(t)
	m.ObserveRetry(engine.KindImage)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `plugsync_retries_total{kind="image"} 1`)
}

func TestMetrics_StartMetricsServer(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	cfg.ListenAddress = "127.0.0.1:0"
	m, err := NewMetrics(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.StartMetricsServer(ctx, testLogger()))

	bad := *m
	bad.config.ListenAddress = "256.0.0.1:bad"
	assert.Error(t, bad.StartMetricsServer(ctx, testLogger()))
}
