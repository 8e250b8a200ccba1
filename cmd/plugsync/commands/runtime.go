package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/openfroyo/plugsync/pkg/config"
	"github.com/openfroyo/plugsync/pkg/engine"
	"github.com/openfroyo/plugsync/pkg/policy"
	"github.com/openfroyo/plugsync/pkg/registry"
	"github.com/openfroyo/plugsync/pkg/stores"
	"github.com/openfroyo/plugsync/pkg/telemetry"
)

// shutdownTimeout bounds event draining and span flushing on exit.
const shutdownTimeout = 5 * time.Second

// needs selects the collaborators a command sets up.
type needs struct {
	registry bool
	policy   bool
	journal  bool
	progress bool
}

// runtime holds the collaborators of one command invocation.
type runtime struct {
	settings *config.Settings
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	registry engine.Registry
	guard    *policy.Engine
	journal  *stores.SQLiteStore
	span     trace.Span
}

// newRuntime loads settings and builds telemetry plus the collaborators
// listed in n. The returned context carries the command span and logger.
func (o *globalOptions) newRuntime(cmd *cobra.Command, name string, n needs) (context.Context, *runtime, error) {
	settings, err := o.loadSettings()
	if err != nil {
		return nil, nil, err
	}

	tel, err := telemetry.NewTelemetry(settings.TelemetryConfig(o.version))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	rt := &runtime{
		settings: settings,
		tel:      tel,
		logger:   tel.Logger.WithScope(settings.Scope).Zerolog(),
	}

	ctx := tel.WithContext(cmd.Context())
	ctx, rt.span = tel.Tracer.StartCommandSpan(ctx, name, settings.Scope)

	if err := rt.setup(ctx, cmd, n, o.jsonOutput); err != nil {
		_ = rt.close(ctx, err)
		return nil, nil, err
	}
	return ctx, rt, nil
}

func (rt *runtime) setup(ctx context.Context, cmd *cobra.Command, n needs, jsonOutput bool) error {
	if err := rt.tel.StartMetricsServer(ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	if n.registry {
		reg, err := openRegistry(rt.settings, rt.logger)
		if err != nil {
			return err
		}
		rt.registry = reg
	}

	if n.policy && rt.settings.Policy.Enabled {
		guard, err := policy.NewEngine(rt.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize policy engine: %w", err)
		}
		if len(rt.settings.Policy.Paths) > 0 {
			if err := guard.LoadPolicies(ctx, rt.settings.Policy.Paths); err != nil {
				return err
			}
		}
		rt.guard = guard
	}

	if n.journal && rt.settings.Store.Enabled {
		journal, err := openJournal(ctx, rt.settings)
		if err != nil {
			return err
		}
		rt.journal = journal
		rt.tel.Events.SubscribeSink("journal", journal, nil)
	}

	if n.progress && !jsonOutput {
		rt.tel.Events.Subscribe("progress", progressPrinter(cmd.ErrOrStderr()), telemetry.FilterByType(
			engine.EventTypeOperationSucceeded,
			engine.EventTypeOperationFailed,
			engine.EventTypeOperationSkipped,
			engine.EventTypeRetry,
		))
	}
	return nil
}

// reconciler builds a reconciler from the runtime's collaborators.
func (rt *runtime) reconciler() *engine.Reconciler {
	opts := []engine.Option{
		engine.WithEventSink(rt.tel.Events),
		engine.WithObserver(rt.tel.Metrics),
		engine.WithCallTimeout(rt.settings.Apply.CallTimeout),
	}
	if rt.guard != nil {
		opts = append(opts, engine.WithPlanGuard(rt.guard))
	}
	if rt.journal != nil {
		opts = append(opts, engine.WithRecorder(rt.journal))
	}
	return engine.NewReconciler(rt.registry, rt.logger, opts...)
}

// loadDocument reads the configured declaration document.
func (rt *runtime) loadDocument() (*engine.Document, error) {
	doc, err := config.LoadDocument(rt.settings.Declaration)
	if err != nil {
		return nil, err
	}
	rt.logger.Debug().Str("declaration", rt.settings.Declaration).Msg("Declaration loaded")
	return doc, nil
}

// close ends the command span and shuts everything down. cmdErr is recorded
// on the span and returned unchanged; shutdown failures are only logged.
func (rt *runtime) close(ctx context.Context, cmdErr error) error {
	telemetry.RecordError(rt.span, cmdErr)
	rt.span.End()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var err error
	if shutdownErr := rt.tel.Shutdown(shutdownCtx); shutdownErr != nil {
		err = multierr.Append(err, fmt.Errorf("telemetry shutdown: %w", shutdownErr))
	}
	if rt.journal != nil {
		if closeErr := rt.journal.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("journal close: %w", closeErr))
		}
	}
	if err != nil {
		rt.logger.Warn().Err(err).Msg("Shutdown incomplete")
	}
	return cmdErr
}

// openRegistry builds the configured registry backend.
func openRegistry(s *config.Settings, logger zerolog.Logger) (engine.Registry, error) {
	switch s.Registry.Backend {
	case "snapshot":
		snap, err := registry.OpenSnapshot(s.Registry.Snapshot)
		if err != nil {
			return nil, err
		}
		return snap, nil
	case "webapi":
		api, err := registry.NewWebAPI(registry.WebAPIConfig{
			BaseURL:    s.Registry.URL,
			APIVersion: s.Registry.APIVersion,
			Token:      s.Token(),
		}, logger)
		if err != nil {
			return nil, err
		}
		return api, nil
	default:
		return nil, fmt.Errorf("unknown registry backend %q", s.Registry.Backend)
	}
}

// openJournal opens and migrates the run journal.
func openJournal(ctx context.Context, s *config.Settings) (*stores.SQLiteStore, error) {
	journal, err := stores.Open(ctx, stores.Config{
		Path:          s.Store.Path,
		RecordDryRuns: s.Store.RecordDryRuns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", s.Store.Path, err)
	}
	return journal, nil
}

// progressPrinter writes one line per operation outcome.
func progressPrinter(w io.Writer) telemetry.EventSubscriber {
	return func(_ context.Context, event *engine.Event) error {
		symbol := "✓"
		switch event.Level {
		case telemetry.EventLevelError:
			symbol = "✗"
		case telemetry.EventLevelWarning:
			symbol = "!"
		}
		_, err := fmt.Fprintf(w, "%s %s\n", symbol, event.Message)
		return err
	}
}
