package telemetry

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTracer_Disabled(t *testing.T) {
	tracer, err := NewTracer(DefaultConfig())
	require.NoError(t, err)

	ctx, span := tracer.StartCommandSpan(context.Background(), "plan", "Contoso.Plugins")
	defer span.End()

	assert.False(t, span.SpanContext().IsValid())
	assert.Empty(t, TraceID(ctx))
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestNewTracer_Stdout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	cfg.ResourceAttributes["plugsync.scope"] = "Contoso.Plugins"

	var buf bytes.Buffer
	tracer, err := newTracer(cfg, &buf)
	require.NoError(t, err)

	ctx, span := tracer.StartCommandSpan(context.Background(), "apply", "Contoso.Plugins")
	span.SetAttributes(AttrRunID.String("run-1"))
	assert.NotEmpty(t, TraceID(ctx))
	RecordError(span, errors.New("operation failed"))
	RecordError(span, nil)
	span.End()

	require.NoError(t, tracer.Shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, `"Name":"plugsync.apply"`)
	assert.Contains(t, out, "plugsync.command")
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "operation failed")
}

func TestNewTracer_UnsupportedExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "zipkin"

	_, err := newTracer(cfg, &bytes.Buffer{})
	assert.Error(t, err)
}
