package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/plugsync/pkg/config"
)

// ExitError carries a specific process exit code. Err, when set, is logged
// before exiting.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// globalOptions are the persistent flags. Flag values override plugsync.yaml.
type globalOptions struct {
	configPath  string
	scope       string
	declaration string
	backend     string
	url         string
	snapshot    string
	metricsAddr string
	logLevel    string
	logFormat   string
	noPolicy    bool
	noJournal   bool
	jsonOutput  bool

	version string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{version: version}

	rootCmd := &cobra.Command{
		Use:   "plugsync",
		Short: "plugsync - plugin registration reconciler",
		Long: `plugsync reconciles the plugin registrations of a platform environment
(plugin types, processing steps and step images) against a declaration document.

Features:
  - Declarations in JSON, YAML or CUE, validated against a schema
  - Plan/apply with dependency-ordered operations
  - Orphan detection; deletion only with --force
  - Plan guard policies (OPA/rego)
  - Run journal in SQLite
  - Prometheus metrics and OpenTelemetry traces`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", config.DefaultSettingsFile, "settings file path")
	flags.StringVarP(&opts.scope, "scope", "s", "", "assembly whose registrations are reconciled")
	flags.StringVarP(&opts.declaration, "declaration", "f", "", "declaration document (.json, .yaml, .cue)")
	flags.StringVar(&opts.backend, "registry", "", "registry backend: webapi or snapshot")
	flags.StringVar(&opts.url, "url", "", "environment URL for the webapi registry")
	flags.StringVar(&opts.snapshot, "snapshot", "", "state file for the snapshot registry")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format (console, json)")
	flags.BoolVar(&opts.noPolicy, "no-policy", false, "skip plan guard policies")
	flags.BoolVar(&opts.noJournal, "no-journal", false, "do not record the run in the journal")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newPlanCommand(opts))
	rootCmd.AddCommand(newApplyCommand(opts))
	rootCmd.AddCommand(newDriftCommand(opts))
	rootCmd.AddCommand(newExportCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))

	return rootCmd
}

// loadSettings reads the settings file, applies flag overrides and validates
// the result.
func (o *globalOptions) loadSettings() (*config.Settings, error) {
	s, err := config.LoadSettingsOrDefault(o.configPath)
	if err != nil {
		return nil, err
	}

	if o.scope != "" {
		s.Scope = o.scope
	}
	if o.declaration != "" {
		s.Declaration = o.declaration
	}
	if o.backend != "" {
		s.Registry.Backend = o.backend
	}
	if o.url != "" {
		s.Registry.URL = o.url
	}
	if o.snapshot != "" {
		s.Registry.Snapshot = o.snapshot
		if o.backend == "" {
			s.Registry.Backend = "snapshot"
		}
	}
	if o.metricsAddr != "" {
		s.Telemetry.MetricsAddr = o.metricsAddr
	}
	if o.logLevel != "" {
		s.Telemetry.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		s.Telemetry.LogFormat = o.logFormat
	}
	if o.noPolicy {
		s.Policy.Enabled = false
	}
	if o.noJournal {
		s.Store.Enabled = false
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
