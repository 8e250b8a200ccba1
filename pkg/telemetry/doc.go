// Package telemetry carries the observability stack of plugsync: zerolog
// structured logging, OpenTelemetry tracing, Prometheus metrics and the run
// event publisher.
//
// # Usage
//
//	cfg := settings.TelemetryConfig(version)
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(ctx); err != nil {
//	    return err
//	}
//
// # Logging
//
// Loggers derive fields for the unit of work being logged:
//
//	zlog := tel.Logger.Component("apply").WithRunID(report.RunID).Zerolog()
//	zlog.Info().Str("key", op.Key).Msg("Creating step")
//
// Library packages take a zerolog.Logger; Logger.Zerolog hands one over.
//
// # Tracing
//
// NewTracer installs the global tracer provider, which the engine uses for its
// run and operation spans. The CLI opens one root span per command with
// Tracer.StartCommandSpan. Exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
// Metrics implements engine.Observer. Series are prefixed with the configured
// namespace (plugsync by default):
//
//   - runs_total{mode,status}, run_duration_seconds{mode}
//   - operations_total{kind,action,status}, operation_duration_seconds{kind,action}
//   - remote_calls_total{call,outcome}, remote_call_duration_seconds{call}
//   - retries_total{kind}
//   - orphans{kind}
//
// # Events
//
// EventPublisher implements engine.EventSink and fans run events out to
// subscribers such as the CLI progress printer and the run journal:
//
//	tel.Events.SubscribeSink("journal", store, nil)
//	tel.Events.Subscribe("progress", printProgress, telemetry.FilterByLevel(telemetry.EventLevelInfo))
package telemetry
