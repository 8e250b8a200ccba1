package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attributes set by the CLI.
var (
	AttrCommand = attribute.Key("plugsync.command")
	AttrScope   = attribute.Key("plugsync.scope")
	AttrRunID   = attribute.Key("plugsync.run_id")
)

// Tracer holds the tracer provider. The engine opens its plan, apply and
// per-operation spans on the global provider, which NewTracer replaces when
// tracing is enabled.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds the tracer described by cfg.Tracing. The stdout exporter
// writes to stderr so it never mixes with command output.
func NewTracer(cfg *Config) (*Tracer, error) {
	return newTracer(cfg, os.Stderr)
}

func newTracer(cfg *Config, stdout io.Writer) (*Tracer, error) {
	tc := cfg.Tracing
	if !tc.Enabled || tc.Exporter == "none" {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(cfg.ServiceName)}, nil
	}

	exporter, err := newSpanExporter(tc, stdout, cfg.ServiceName+"/"+cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}
	res, err := serviceResource(cfg)
	if err != nil {
		return nil, err
	}

	var batching []sdktrace.BatchSpanProcessorOption
	if tc.MaxExportBatchSize > 0 {
		batching = append(batching, sdktrace.WithMaxExportBatchSize(tc.MaxExportBatchSize))
	}
	if tc.ExportTimeout > 0 {
		batching = append(batching, sdktrace.WithExportTimeout(tc.ExportTimeout))
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tc.SamplingRate))),
		sdktrace.WithBatcher(exporter, batching...),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}, nil
}

func serviceResource(cfg *Config) (*resource.Resource, error) {
	attrs := make([]attribute.KeyValue, 0, 3+len(cfg.ResourceAttributes))
	attrs = append(attrs,
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		attribute.String("environment", cfg.Environment),
	)
	for k, v := range cfg.ResourceAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}
	return res, nil
}

func newSpanExporter(tc TracingConfig, stdout io.Writer, userAgent string) (sdktrace.SpanExporter, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch tc.Exporter {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(stdout))
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(tc.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent(userAgent)),
			otlptracegrpc.WithHeaders(tc.Headers),
		}
		if tc.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if tc.ExportTimeout > 0 {
			opts = append(opts, otlptracegrpc.WithTimeout(tc.ExportTimeout))
		}
		exporter, err = otlptracegrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", tc.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("%s trace exporter: %w", tc.Exporter, err)
	}
	return exporter, nil
}

// StartCommandSpan opens the root span "plugsync.<command>".
func (t *Tracer) StartCommandSpan(ctx context.Context, command, scope string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "plugsync."+command, trace.WithAttributes(
		AttrCommand.String(command),
		AttrScope.String(scope),
	))
}

// Shutdown flushes buffered spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// RecordError marks span failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceID returns the trace of the span in ctx, or "" outside a sampled span.
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
