package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process logger. Library packages never see it; they receive
// the zerolog.Logger returned by Zerolog, already carrying the run fields.
type Logger struct {
	zlog   zerolog.Logger
	closer io.Closer
}

type loggerKey struct{}

// NewLogger builds the logger described by cfg.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	w, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	l := NewLoggerTo(w, cfg)
	l.closer = closer
	return l, nil
}

// NewLoggerTo builds a logger writing to w, ignoring cfg.Output.
func NewLoggerTo(w io.Writer, cfg LoggingConfig) *Logger {
	zerolog.TimeFieldFormat = timeFieldFormat(cfg.TimeFormat)
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: !isTerminalOutput(cfg.Output)}
	}

	ctx := zerolog.New(w).Level(ParseLogLevel(cfg.Level)).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	zlog := ctx.Logger()

	if cfg.EnableSampling {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}
	return &Logger{zlog: zlog}
}

func openOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, f, nil
}

func isTerminalOutput(output string) bool {
	return output == "" || output == "stderr" || output == "stdout"
}

func timeFieldFormat(format string) string {
	switch format {
	case "unix":
		return zerolog.TimeFormatUnix
	case "unixms":
		return zerolog.TimeFormatUnixMs
	}
	return time.RFC3339
}

// Zerolog returns the underlying logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// Close closes the log file when logging to one.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *Logger) with(key, value string) *Logger {
	return &Logger{zlog: l.zlog.With().Str(key, value).Logger()}
}

// Component tags entries with the emitting component (apply, registry, policy).
func (l *Logger) Component(name string) *Logger { return l.with("component", name) }

// WithRunID tags entries with the reconciliation run.
func (l *Logger) WithRunID(runID string) *Logger { return l.with("run_id", runID) }

// WithScope tags entries with the assembly scope being reconciled.
func (l *Logger) WithScope(scope string) *Logger { return l.with("scope", scope) }

// WithOperation tags entries with one plan operation.
func (l *Logger) WithOperation(kind, key, action string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("kind", kind).Str("key", key).Str("action", action).Logger()}
}

// WithContext stores l in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext returns the logger stored in ctx, or a disabled one.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.Nop()}
}

// ParseLogLevel maps a settings level name to zerolog. Unknown and empty
// names map to info.
func ParseLogLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
