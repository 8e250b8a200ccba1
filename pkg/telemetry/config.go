package telemetry

import (
	"fmt"
	"time"
)

// Config is the observability setup of one plugsync invocation. The CLI
// builds it from plugsync.yaml with config.Settings.TelemetryConfig.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig

	// ResourceAttributes are added to every exported span (the CLI sets
	// plugsync.scope).
	ResourceAttributes map[string]string
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	// Level is trace, debug, info, warn, error or fatal.
	Level string

	// Format is console or json.
	Format string

	// Output is stdout, stderr or a file path opened for appending.
	Output string

	EnableCaller bool

	// Sampling keeps SamplingInitial messages per second, then every
	// SamplingThereafter-th.
	EnableSampling     bool
	SamplingInitial    int
	SamplingThereafter int

	// TimeFormat is rfc3339, unix or unixms.
	TimeFormat string
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none.
	Exporter string

	// Endpoint is the OTLP gRPC collector, e.g. "localhost:4317".
	Endpoint string

	// SamplingRate is the ratio of root spans kept, 0..1.
	SamplingRate float64

	MaxExportBatchSize int
	ExportTimeout      time.Duration

	// Headers are sent with every OTLP export.
	Headers map[string]string

	// Insecure uses a plaintext connection to the collector.
	Insecure bool
}

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress serves Path when set, e.g. ":9090".
	ListenAddress string
	Path          string

	// Namespace prefixes every series name.
	Namespace string

	// DefaultHistogramBuckets are the duration buckets in seconds.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the run event publisher.
type EventsConfig struct {
	Enabled bool

	// BufferSize is the queue length of an asynchronous publisher.
	BufferSize int

	// EnableAsync delivers from a background goroutine. The CLI keeps it off
	// so progress lines are printed in operation order.
	EnableAsync bool
}

// DefaultConfig returns the configuration of a plain CLI run: console logs
// on stderr, no tracing, no metrics endpoint and synchronous events.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "plugsync",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "plugsync",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
			},
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 1000,
		},
		ResourceAttributes: make(map[string]string),
	}
}

var (
	logLevels     = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	traceExporter = map[string]bool{"otlp": true, "stdout": true, "none": true}
)

// Validate checks the configuration before any component is built.
func (c *Config) Validate() error {
	switch {
	case c.ServiceName == "":
		return fmt.Errorf("service name is required")
	case c.ServiceVersion == "":
		return fmt.Errorf("service version is required")
	case !logLevels[c.Logging.Level]:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	case c.Logging.Format != "console" && c.Logging.Format != "json":
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	case c.Tracing.Enabled && !traceExporter[c.Tracing.Exporter]:
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	case c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1:
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	case c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "":
		return fmt.Errorf("otlp exporter requires an endpoint")
	case c.Metrics.Enabled && c.Metrics.ListenAddress == "":
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	case c.Events.Enabled && c.Events.BufferSize <= 0:
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}
	return nil
}
