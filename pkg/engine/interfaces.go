package engine

import (
	"context"
	"time"
)

// RemotePluginType is a plugin type record as stored in the registry.
type RemotePluginType struct {
	ID string `json:"id"`
	PluginType
}

// RemoteStep is a step record as stored in the registry. PluginTypeID links it
// to its parent; the loader resolves the parent's type name.
type RemoteStep struct {
	ID           string `json:"id"`
	PluginTypeID string `json:"pluginTypeId"`
	Step
}

// RemoteImage is an image record as stored in the registry.
type RemoteImage struct {
	ID        string    `json:"id"`
	StepID    string    `json:"stepId"`
	ImageType ImageType `json:"imageType"`
	Name      string    `json:"name"`
	// Attributes is the set of captured fields; empty means all.
	Attributes []string `json:"attributes,omitempty"`
}

// Registry is the remote plugin registration API. Implementations map their
// own field names and codes onto the model; the engine never sees them.
// All methods may fail with transport or authorization errors; implementations
// should classify throttling with NewThrottledError so it is retried.
type Registry interface {
	// ListPluginTypes returns all plugin types belonging to scope.
	ListPluginTypes(ctx context.Context, scope string) ([]RemotePluginType, error)

	// ListSteps returns all steps whose plugin type belongs to scope.
	ListSteps(ctx context.Context, scope string) ([]RemoteStep, error)

	// ListImages returns all images whose step belongs to scope.
	ListImages(ctx context.Context, scope string) ([]RemoteImage, error)

	// CreatePluginType registers a plugin type and returns its identifier.
	CreatePluginType(ctx context.Context, scope string, pt PluginType) (string, error)

	// CreateStep registers a step under the given plugin type identifier.
	CreateStep(ctx context.Context, pluginTypeID string, step Step) (string, error)

	// UpdateStep applies the changed fields to an existing step.
	UpdateStep(ctx context.Context, id string, changes []FieldChange) error

	// CreateImage registers an image under the given step identifier.
	CreateImage(ctx context.Context, stepID string, img Image) (string, error)

	// UpdateImage applies the changed fields to an existing image.
	UpdateImage(ctx context.Context, id string, changes []FieldChange) error

	// DeletePluginType removes a plugin type.
	DeletePluginType(ctx context.Context, id string) error

	// DeleteStep removes a step.
	DeleteStep(ctx context.Context, id string) error

	// DeleteImage removes an image.
	DeleteImage(ctx context.Context, id string) error
}

// PlanGuard evaluates a plan before any mutation is issued.
type PlanGuard interface {
	// EvaluatePlan returns the violations found in the plan.
	EvaluatePlan(ctx context.Context, plan *Plan) (*PolicyResult, error)
}

// PolicyResult is the outcome of a plan guard evaluation.
type PolicyResult struct {
	// Allowed is false when at least one blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists every violation, blocking or not.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists non-fatal evaluation problems.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedAt is when the evaluation completed.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// PolicyViolation is a single policy finding against a plan operation.
type PolicyViolation struct {
	Policy      string `json:"policy"`
	OperationID string `json:"operation_id,omitempty"`
	Resource    string `json:"resource,omitempty"`
	Message     string `json:"message"`
	Severity    string `json:"severity"`
}

// Blocking reports whether the violation prevents apply.
func (v PolicyViolation) Blocking() bool {
	return v.Severity == "error" || v.Severity == "critical"
}

// Observer receives execution measurements.
type Observer interface {
	// ObserveOperation records a finished operation.
	ObserveOperation(kind EntityKind, action OperationType, status ResultStatus, duration time.Duration)

	// ObserveRemoteCall records a single registry call attempt.
	ObserveRemoteCall(call string, err error, duration time.Duration)

	// ObserveRetry records a retry of an operation.
	ObserveRetry(kind EntityKind)

	// ObserveRun records a finished run.
	ObserveRun(report *Report)
}

// EventSink receives timeline events of a run.
type EventSink interface {
	// Publish delivers an event. Implementations must not block the run.
	Publish(ctx context.Context, event *Event) error
}

// RunRecorder persists the outcome of a run.
type RunRecorder interface {
	// RecordRun stores the run report.
	RecordRun(ctx context.Context, report *Report) error
}

// Event is a timeline entry emitted while reconciling.
type Event struct {
	// ID is the unique identifier of the event.
	ID string `json:"id"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the run the event belongs to.
	RunID string `json:"run_id"`

	// OperationID is the plan operation the event refers to, if any.
	OperationID string `json:"operation_id,omitempty"`

	// Message is a human-readable message.
	Message string `json:"message"`

	// Level is the severity (info, warning, error).
	Level string `json:"level"`

	// Data contains additional structured data.
	Data map[string]interface{} `json:"data,omitempty"`
}
