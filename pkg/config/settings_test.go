package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/plugsync/pkg/engine"
)

func validSettings() *Settings {
	s := DefaultSettings()
	s.Scope = "Contoso.Plugins"
	s.Registry.URL = "https://contoso.crm.dynamics.com"
	return s
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()

	assert.Equal(t, "webapi", s.Registry.Backend)
	assert.Equal(t, engine.DefaultApplyOptions().MaxRetries, s.Apply.MaxRetries)
	assert.True(t, s.Policy.Enabled)
	assert.Equal(t, "none", s.Telemetry.Tracing.Exporter)

	// Scope and URL have no default.
	require.Error(t, s.Validate())
	require.NoError(t, validSettings().Validate())
}

func TestLoadSettings(t *testing.T) {
	path := writeFile(t, "plugsync.yaml", `
scope: Contoso.Plugins
declaration: decl/plugins.yaml
registry:
  backend: snapshot
  snapshot: state.json
apply:
  callTimeout: 5s
  maxRetries: 2
  retryBaseDelay: 100ms
  maxRetryDelay: 2s
policy:
  paths: [policies]
store:
  path: /var/lib/plugsync/journal.db
`)
	s, err := LoadSettings(path)
	require.NoError(t, err)
	require.NoError(t, s.Validate())

	dir := filepath.Dir(path)
	assert.Equal(t, filepath.Join(dir, "decl", "plugins.yaml"), s.Declaration)
	assert.Equal(t, filepath.Join(dir, "state.json"), s.Registry.Snapshot)
	assert.Equal(t, []string{filepath.Join(dir, "policies")}, s.Policy.Paths)
	assert.Equal(t, "/var/lib/plugsync/journal.db", s.Store.Path)

	opts := s.ApplyOptions()
	assert.Equal(t, 5*time.Second, opts.CallTimeout)
	assert.Equal(t, 2, opts.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, opts.RetryBaseDelay)
	assert.Equal(t, 2*time.Second, opts.MaxRetryDelay)

	// Untouched sections keep their defaults.
	assert.Equal(t, "info", s.Telemetry.LogLevel)
	assert.True(t, s.Store.Enabled)
}

func TestLoadSettings_UnknownField(t *testing.T) {
	_, err := LoadSettings(writeFile(t, "plugsync.yaml", "scope: x\nregistery: {}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registery")
}

func TestLoadSettingsOrDefault(t *testing.T) {
	s, err := LoadSettingsOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s)
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
		want   string
	}{
		{"unknown backend", func(s *Settings) { s.Registry.Backend = "ftp" }, "registry.backend"},
		{"webapi without url", func(s *Settings) { s.Registry.URL = "" }, "registry.url"},
		{"bad url", func(s *Settings) { s.Registry.URL = "not a url" }, "registry.url"},
		{"snapshot without file", func(s *Settings) { s.Registry.Backend = "snapshot" }, "registry.snapshot"},
		{"negative retries", func(s *Settings) { s.Apply.MaxRetries = -1 }, "apply.maxRetries"},
		{"zero timeout", func(s *Settings) { s.Apply.CallTimeout = 0 }, "apply.callTimeout"},
		{"max delay below base", func(s *Settings) { s.Apply.MaxRetryDelay = time.Millisecond }, "apply.maxRetryDelay"},
		{"store without path", func(s *Settings) { s.Store.Path = "" }, "store.path"},
		{"log level", func(s *Settings) { s.Telemetry.LogLevel = "loud" }, "telemetry.logLevel"},
		{"otlp without endpoint", func(s *Settings) { s.Telemetry.Tracing.Exporter = "otlp" }, "telemetry.tracing.endpoint"},
		{"metrics address", func(s *Settings) { s.Telemetry.MetricsAddr = "nine" }, "telemetry.metricsAddr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSettings()
			tt.mutate(s)
			err := s.Validate()
			require.Error(t, err)
			assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSettings_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "plugsync.yaml")
	s := validSettings()
	s.Declaration = "/abs/plugins.json"
	s.Store.Path = "/abs/journal.db"
	s.Policy.Paths = []string{"/abs/policies"}
	require.NoError(t, s.Save(path))

	loaded, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
}

func TestSettings_TelemetryConfig(t *testing.T) {
	s := validSettings()
	s.Telemetry.MetricsAddr = ":9100"
	s.Telemetry.Tracing.Exporter = "otlp"
	s.Telemetry.Tracing.Endpoint = "localhost:4317"

	cfg := s.TelemetryConfig("1.2.3")
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9100", cfg.Metrics.ListenAddress)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "localhost:4317", cfg.Tracing.Endpoint)
	assert.Equal(t, "Contoso.Plugins", cfg.ResourceAttributes["plugsync.scope"])
	require.NoError(t, cfg.Validate())
}

func TestSettings_Token(t *testing.T) {
	t.Setenv("PLUGSYNC_TEST_TOKEN", "secret")
	s := validSettings()
	s.Registry.TokenEnv = "PLUGSYNC_TEST_TOKEN"
	assert.Equal(t, "secret", s.Token())

	s.Registry.TokenEnv = ""
	assert.Empty(t, s.Token())
}
