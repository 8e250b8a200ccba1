package telemetry

import (
	"context"

	"go.uber.org/multierr"
)

// Telemetry is the observability bundle of one CLI invocation.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
}

// NewTelemetry validates cfg and builds every component. Nothing is left open
// when an error is returned.
func NewTelemetry(cfg *Config) (t *Telemetry, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t = &Telemetry{}
	if t.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = t.Logger.Close()
		}
	}()

	if t.Tracer, err = NewTracer(cfg); err != nil {
		return nil, err
	}
	if t.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		return nil, err
	}
	t.Events = NewEventPublisher(cfg.Events, t.Logger.Zerolog())
	return t, nil
}

// WithContext attaches the logger to ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(ctx)
}

// StartMetricsServer serves /metrics until ctx is done. It is a no-op when
// metrics are disabled.
func (t *Telemetry) StartMetricsServer(ctx context.Context) error {
	return t.Metrics.StartMetricsServer(ctx, t.Logger.Component("metrics").Zerolog())
}

// Shutdown drains queued events, flushes spans and closes the log file. All
// three run even if one fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return multierr.Combine(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Logger.Close(),
	)
}
