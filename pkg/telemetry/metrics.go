package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/plugsync/pkg/engine"
)

// Metrics provides Prometheus metrics for plugsync. It implements
// engine.Observer. A Metrics built from a disabled config records nothing.
type Metrics struct {
	config MetricsConfig

	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	remoteCalls        *prometheus.CounterVec
	remoteCallDuration *prometheus.HistogramVec
	retries            *prometheus.CounterVec

	orphans *prometheus.GaugeVec

	registry *prometheus.Registry
}

var _ engine.Observer = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of reconciliation runs by mode and final status",
			},
			[]string{"mode", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of reconciliation runs in seconds",
				Buckets:   buckets,
			},
			[]string{"mode"},
		),

		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of plan operations executed",
			},
			[]string{"kind", "action", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of plan operations in seconds, retries included",
				Buckets:   buckets,
			},
			[]string{"kind", "action"},
		),

		remoteCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_calls_total",
				Help:      "Total number of registry calls by outcome",
			},
			[]string{"call", "outcome"},
		),
		remoteCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_call_duration_seconds",
				Help:      "Duration of registry calls in seconds",
				Buckets:   buckets,
			},
			[]string{"call"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of operation retries",
			},
			[]string{"kind"},
		),

		orphans: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "orphans",
				Help:      "Remote entities without a declaration, as of the last run",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.runs,
		m.runDuration,
		m.operations,
		m.operationDuration,
		m.remoteCalls,
		m.remoteCallDuration,
		m.retries,
		m.orphans,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// ObserveOperation records a finished operation.
func (m *Metrics) ObserveOperation(kind engine.EntityKind, action engine.OperationType, status engine.ResultStatus, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.operations.WithLabelValues(string(kind), string(action), string(status)).Inc()
	m.operationDuration.WithLabelValues(string(kind), string(action)).Observe(duration.Seconds())
}

// ObserveRemoteCall records a single registry call attempt.
func (m *Metrics) ObserveRemoteCall(call string, err error, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.remoteCalls.WithLabelValues(call, CallOutcome(err)).Inc()
	m.remoteCallDuration.WithLabelValues(call).Observe(duration.Seconds())
}

// ObserveRetry records a retry of an operation.
func (m *Metrics) ObserveRetry(kind engine.EntityKind) {
	if !m.enabled() {
		return
	}
	m.retries.WithLabelValues(string(kind)).Inc()
}

// ObserveRun records a finished run and refreshes the orphan gauge.
func (m *Metrics) ObserveRun(report *engine.Report) {
	if !m.enabled() || report == nil {
		return
	}

	mode := "apply"
	if report.DryRun {
		mode = "plan"
	}
	m.runs.WithLabelValues(mode, string(report.Status)).Inc()
	if !report.CompletedAt.IsZero() {
		m.runDuration.WithLabelValues(mode).Observe(report.CompletedAt.Sub(report.StartedAt).Seconds())
	}

	for _, kind := range engine.Kinds {
		counts := report.Counts[kind]
		m.orphans.WithLabelValues(string(kind)).Set(float64(counts.Orphaned))
	}
}

// CallOutcome classifies the error of a registry call for the outcome label.
func CallOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded), engine.HasCode(err, engine.ErrCodeTimeout):
		return "timeout"
	case engine.IsThrottled(err):
		return "throttled"
	case engine.IsConflict(err):
		return "conflict"
	case engine.IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint until ctx is cancelled. It
// returns once the listener is bound so a bad address fails fast.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger zerolog.Logger) error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	listener, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", listener.Addr().String()).Str("path", path).Msg("Serving metrics")
	return nil
}
