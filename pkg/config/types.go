package config

import (
	"fmt"
	"time"

	"github.com/openfroyo/plugsync/pkg/engine"
)

// Settings is the content of plugsync.yaml.
type Settings struct {
	// Scope is the assembly whose registrations are reconciled.
	Scope string `yaml:"scope" validate:"required"`

	// Declaration is the path of the declaration document.
	Declaration string `yaml:"declaration" validate:"required"`

	// Registry selects and configures the remote registry.
	Registry RegistrySettings `yaml:"registry"`

	// Apply configures retries and call timeouts.
	Apply ApplySettings `yaml:"apply"`

	// Policy configures the plan guard.
	Policy PolicySettings `yaml:"policy"`

	// Store configures the run journal.
	Store StoreSettings `yaml:"store"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry TelemetrySettings `yaml:"telemetry"`
}

// RegistrySettings selects the registry backend.
type RegistrySettings struct {
	// Backend is "webapi" or "snapshot".
	Backend string `yaml:"backend" validate:"required,oneof=webapi snapshot"`

	// URL is the environment URL used by the webapi backend.
	URL string `yaml:"url" validate:"required_if=Backend webapi,omitempty,url"`

	// APIVersion is the Web API version, e.g. "9.2".
	APIVersion string `yaml:"apiVersion"`

	// TokenEnv names the environment variable holding the bearer token.
	TokenEnv string `yaml:"tokenEnv"`

	// Snapshot is the JSON file used by the snapshot backend.
	Snapshot string `yaml:"snapshot" validate:"required_if=Backend snapshot"`
}

// ApplySettings mirrors engine.ApplyOptions.
type ApplySettings struct {
	CallTimeout    time.Duration `yaml:"callTimeout" validate:"gt=0"`
	MaxRetries     int           `yaml:"maxRetries" validate:"gte=0,lte=10"`
	RetryBaseDelay time.Duration `yaml:"retryBaseDelay" validate:"gt=0"`
	MaxRetryDelay  time.Duration `yaml:"maxRetryDelay" validate:"gtefield=RetryBaseDelay"`
}

// PolicySettings configures plan guard evaluation.
type PolicySettings struct {
	// Enabled turns the plan guard on.
	Enabled bool `yaml:"enabled"`

	// Paths lists extra .rego files or directories loaded next to the built-ins.
	Paths []string `yaml:"paths" validate:"dive,required"`
}

// StoreSettings configures the SQLite run journal.
type StoreSettings struct {
	Enabled bool `yaml:"enabled"`

	// Path is the database file.
	Path string `yaml:"path" validate:"required_if=Enabled true"`

	// RecordDryRuns also journals dry runs.
	RecordDryRuns bool `yaml:"recordDryRuns"`
}

// TelemetrySettings configures logging, metrics and tracing.
type TelemetrySettings struct {
	LogLevel  string `yaml:"logLevel" validate:"oneof=trace debug info warn error"`
	LogFormat string `yaml:"logFormat" validate:"oneof=console json"`

	// MetricsAddr serves /metrics when set.
	MetricsAddr string `yaml:"metricsAddr" validate:"omitempty,hostname_port"`

	Tracing TracingSettings `yaml:"tracing"`
}

// TracingSettings configures the span exporter.
type TracingSettings struct {
	Exporter     string  `yaml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint     string  `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate float64 `yaml:"samplingRate" validate:"gte=0,lte=1"`
	Insecure     bool    `yaml:"insecure"`
}

// DeclarationFile is the decoded declaration document before it becomes an
// engine.Document. Enum fields are pointers so a missing value is reported
// instead of silently taking the zero code.
type DeclarationFile struct {
	PluginTypes []PluginTypeDecl `json:"pluginTypes" validate:"dive"`
	Steps       []StepDecl       `json:"steps" validate:"dive"`
	Images      []ImageDecl      `json:"images" validate:"dive"`
}

// PluginTypeDecl declares a plugin type.
type PluginTypeDecl struct {
	TypeName   string `json:"typeName" validate:"required"`
	AssemblyID string `json:"assemblyId"`
}

// StepKeyDecl references a step by identity.
type StepKeyDecl struct {
	TypeName      string        `json:"typeName" validate:"required"`
	Message       string        `json:"message" validate:"required"`
	PrimaryEntity string        `json:"primaryEntity" validate:"required"`
	Stage         *engine.Stage `json:"stage" validate:"required"`
}

// StepDecl declares a step. Mode defaults to Synchronous and rank to 1.
type StepDecl struct {
	TypeName            string        `json:"typeName" validate:"required"`
	Message             string        `json:"message" validate:"required"`
	PrimaryEntity       string        `json:"primaryEntity" validate:"required"`
	Stage               *engine.Stage `json:"stage" validate:"required"`
	Mode                *engine.Mode  `json:"mode"`
	Rank                *int          `json:"rank"`
	FilteringAttributes []string      `json:"filteringAttributes" validate:"dive,required"`
	Configuration       string        `json:"configuration"`
}

// ImageDecl declares an image.
type ImageDecl struct {
	StepKey    StepKeyDecl       `json:"stepKey"`
	ImageType  *engine.ImageType `json:"imageType" validate:"required"`
	Name       string            `json:"name" validate:"required"`
	Attributes []string          `json:"attributes" validate:"dive,required"`
}

// DefaultRank is the rank given to steps that do not declare one.
const DefaultRank = 1

// Document converts the file into the engine's declaration model.
func (f *DeclarationFile) Document() *engine.Document {
	doc := &engine.Document{
		PluginTypes: make([]engine.PluginType, 0, len(f.PluginTypes)),
		Steps:       make([]engine.Step, 0, len(f.Steps)),
		Images:      make([]engine.Image, 0, len(f.Images)),
	}
	for _, pt := range f.PluginTypes {
		doc.PluginTypes = append(doc.PluginTypes, engine.PluginType{TypeName: pt.TypeName, AssemblyID: pt.AssemblyID})
	}
	for _, s := range f.Steps {
		step := engine.Step{
			TypeName:            s.TypeName,
			Message:             s.Message,
			PrimaryEntity:       s.PrimaryEntity,
			Stage:               *s.Stage,
			Mode:                engine.ModeSynchronous,
			Rank:                DefaultRank,
			FilteringAttributes: s.FilteringAttributes,
			Configuration:       s.Configuration,
		}
		if s.Mode != nil {
			step.Mode = *s.Mode
		}
		if s.Rank != nil {
			step.Rank = *s.Rank
		}
		doc.Steps = append(doc.Steps, step)
	}
	for _, img := range f.Images {
		doc.Images = append(doc.Images, engine.Image{
			StepKey: engine.StepKey{
				TypeName:      img.StepKey.TypeName,
				Message:       img.StepKey.Message,
				PrimaryEntity: img.StepKey.PrimaryEntity,
				Stage:         *img.StepKey.Stage,
			},
			ImageType:  *img.ImageType,
			Name:       img.Name,
			Attributes: img.Attributes,
		})
	}
	return doc
}

// ValidationError is a single problem found while loading a file.
type ValidationError struct {
	// File is the source file, if known.
	File string `json:"file,omitempty"`

	// Line and Column locate the problem in File.
	Line   int `json:"line,omitempty"`
	Column int `json:"column,omitempty"`

	// Path is the field path, e.g. steps.0.stage.
	Path string `json:"path,omitempty"`

	Message string `json:"message"`
}

// String renders the error as file:line:col: path: message, omitting unknown parts.
func (e ValidationError) String() string {
	var prefix string
	if e.File != "" {
		prefix = e.File
		if e.Line > 0 {
			prefix = fmt.Sprintf("%s:%d:%d", prefix, e.Line, e.Column)
		}
		prefix += ": "
	}
	if e.Path != "" {
		return fmt.Sprintf("%s%s: %s", prefix, e.Path, e.Message)
	}
	return prefix + e.Message
}
