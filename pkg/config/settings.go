package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/plugsync/pkg/engine"
	"github.com/openfroyo/plugsync/pkg/telemetry"
)

// DefaultSettingsFile is the settings file looked up in the working directory.
const DefaultSettingsFile = "plugsync.yaml"

// DefaultSettings returns settings with every optional value filled in.
func DefaultSettings() *Settings {
	apply := engine.DefaultApplyOptions()
	return &Settings{
		Declaration: "plugins.json",
		Registry: RegistrySettings{
			Backend:    "webapi",
			APIVersion: "9.2",
			TokenEnv:   "PLUGSYNC_TOKEN",
		},
		Apply: ApplySettings{
			CallTimeout:    apply.CallTimeout,
			MaxRetries:     apply.MaxRetries,
			RetryBaseDelay: apply.RetryBaseDelay,
			MaxRetryDelay:  apply.MaxRetryDelay,
		},
		Policy: PolicySettings{Enabled: true},
		Store: StoreSettings{
			Enabled: true,
			Path:    filepath.Join(".plugsync", "journal.db"),
		},
		Telemetry: TelemetrySettings{
			LogLevel:  "info",
			LogFormat: "console",
			Tracing: TracingSettings{
				Exporter:     "none",
				SamplingRate: 1.0,
				Insecure:     true,
			},
		},
	}
}

// LoadSettings reads a settings file on top of DefaultSettings. The result is
// not validated; callers apply flag overrides first and then call Validate.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}

	// Relative paths in the file are relative to the file.
	base := filepath.Dir(path)
	s.Declaration = resolvePath(base, s.Declaration)
	s.Registry.Snapshot = resolvePath(base, s.Registry.Snapshot)
	s.Store.Path = resolvePath(base, s.Store.Path)
	for i, p := range s.Policy.Paths {
		s.Policy.Paths[i] = resolvePath(base, p)
	}

	return s, nil
}

// LoadSettingsOrDefault loads path when it exists and falls back to the
// defaults otherwise.
func LoadSettingsOrDefault(path string) (*Settings, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultSettings(), nil
	}
	return LoadSettings(path)
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) || base == "." {
		return p
	}
	return filepath.Join(base, p)
}

// Validate checks the settings against their struct tags.
func (s *Settings) Validate() error {
	if err := newValidator("yaml").Struct(s); err != nil {
		errs := convertValidatorErrors("", err)
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.String())
		}
		return engine.NewPermanentError("invalid settings: "+strings.Join(msgs, "; "), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// Save writes the settings as YAML.
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create settings directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// ApplyOptions converts the apply settings into engine options.
func (s *Settings) ApplyOptions() engine.ApplyOptions {
	return engine.ApplyOptions{
		CallTimeout:    s.Apply.CallTimeout,
		MaxRetries:     s.Apply.MaxRetries,
		RetryBaseDelay: s.Apply.RetryBaseDelay,
		MaxRetryDelay:  s.Apply.MaxRetryDelay,
	}
}

// Token reads the bearer token from the configured environment variable.
func (s *Settings) Token() string {
	if s.Registry.TokenEnv == "" {
		return ""
	}
	return os.Getenv(s.Registry.TokenEnv)
}

// TelemetryConfig builds the telemetry configuration for a CLI run.
func (s *Settings) TelemetryConfig(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Logging.Level = s.Telemetry.LogLevel
	cfg.Logging.Format = s.Telemetry.LogFormat
	cfg.Logging.Output = "stderr"
	cfg.Metrics.Enabled = s.Telemetry.MetricsAddr != ""
	cfg.Metrics.ListenAddress = s.Telemetry.MetricsAddr
	cfg.Tracing.Enabled = s.Telemetry.Tracing.Exporter != "none"
	cfg.Tracing.Exporter = s.Telemetry.Tracing.Exporter
	cfg.Tracing.Endpoint = s.Telemetry.Tracing.Endpoint
	cfg.Tracing.SamplingRate = s.Telemetry.Tracing.SamplingRate
	cfg.Tracing.Insecure = s.Telemetry.Tracing.Insecure
	cfg.Tracing.ExportTimeout = 10 * time.Second
	cfg.ResourceAttributes["plugsync.scope"] = s.Scope
	return cfg
}
