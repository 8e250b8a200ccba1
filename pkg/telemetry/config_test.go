package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "plugsync", cfg.ServiceName)
	assert.False(t, cfg.Tracing.Enabled)
	assert.False(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Events.EnableAsync)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{
			name:   "missing service name",
			mutate: func(c *Config) { c.ServiceName = "" },
			errMsg: "service name is required",
		},
		{
			name:   "missing version",
			mutate: func(c *Config) { c.ServiceVersion = "" },
			errMsg: "service version is required",
		},
		{
			name:   "bad level",
			mutate: func(c *Config) { c.Logging.Level = "loud" },
			errMsg: "invalid log level",
		},
		{
			name:   "bad format",
			mutate: func(c *Config) { c.Logging.Format = "xml" },
			errMsg: "invalid log format",
		},
		{
			name: "bad exporter",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "jaeger"
			},
			errMsg: "invalid trace exporter",
		},
		{
			name:   "sampling out of range",
			mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 },
			errMsg: "sampling rate",
		},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
			},
			errMsg: "requires an endpoint",
		},
		{
			name: "metrics without address",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.ListenAddress = ""
			},
			errMsg: "listen address is required",
		},
		{
			name:   "zero event buffer",
			mutate: func(c *Config) { c.Events.BufferSize = 0 },
			errMsg: "buffer size must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.errMsg)
			}
		})
	}
}
