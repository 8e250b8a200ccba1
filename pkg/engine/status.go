package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a reconciliation run.
type RunStatus string

const (
	// RunStatusPending indicates the run has not started applying.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently applying.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every planned operation succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates at least one operation failed or was skipped.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run stopped on user request.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusAborted indicates an internal invariant stopped the apply.
	RunStatusAborted RunStatus = "aborted"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusAborted
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled, RunStatusAborted:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// OperationType represents the action a plan operation takes.
type OperationType string

const (
	// OperationCreate registers a declared entity that does not exist remotely.
	OperationCreate OperationType = "create"

	// OperationUpdate changes fields of an existing remote entity in place.
	OperationUpdate OperationType = "update"

	// OperationOrphan marks a remote entity with no declaration. The orphan
	// policy turns it into a warning or a delete at apply time.
	OperationOrphan OperationType = "orphan"
)

// IsMutating reports whether the operation changes remote state on apply.
// Orphans only change it under force.
func (o OperationType) IsMutating() bool {
	return o == OperationCreate || o == OperationUpdate
}

// Symbol returns the one-character marker used in rendered plans.
func (o OperationType) Symbol() string {
	switch o {
	case OperationCreate:
		return "+"
	case OperationUpdate:
		return "~"
	case OperationOrphan:
		return "-"
	default:
		return "?"
	}
}

// Validate checks if the operation type is valid.
func (o OperationType) Validate() error {
	switch o {
	case OperationCreate, OperationUpdate, OperationOrphan:
		return nil
	default:
		return fmt.Errorf("invalid operation type: %s", o)
	}
}

// ResultStatus is the outcome of one plan operation.
type ResultStatus string

const (
	// ResultPending indicates the operation has not been reached.
	ResultPending ResultStatus = "pending"

	// ResultSucceeded indicates the remote call succeeded.
	ResultSucceeded ResultStatus = "succeeded"

	// ResultPlanned indicates a dry run reached the operation without calling the registry.
	ResultPlanned ResultStatus = "planned"

	// ResultWarned indicates an orphan was reported but not deleted.
	ResultWarned ResultStatus = "warned"

	// ResultDeleted indicates an orphan was deleted.
	ResultDeleted ResultStatus = "deleted"

	// ResultFailed indicates the remote call failed.
	ResultFailed ResultStatus = "failed"

	// ResultSkipped indicates a prerequisite failed, was skipped, or conflicted.
	ResultSkipped ResultStatus = "skipped"

	// ResultCancelled indicates the run stopped before the operation.
	ResultCancelled ResultStatus = "cancelled"
)

// IsFailure returns true if the status makes the run fail.
func (s ResultStatus) IsFailure() bool {
	return s == ResultFailed || s == ResultSkipped || s == ResultCancelled
}

// Satisfies returns true if dependents of an operation in this status may proceed.
func (s ResultStatus) Satisfies() bool {
	return s == ResultSucceeded || s == ResultPlanned || s == ResultDeleted
}

// EventType represents the type of event in the run timeline.
type EventType string

const (
	EventTypeRunStarted         EventType = "run_started"
	EventTypeRunCompleted       EventType = "run_completed"
	EventTypeRunFailed          EventType = "run_failed"
	EventTypeOperationStarted   EventType = "operation_started"
	EventTypeOperationSucceeded EventType = "operation_succeeded"
	EventTypeOperationFailed    EventType = "operation_failed"
	EventTypeOperationSkipped   EventType = "operation_skipped"
	EventTypeOrphanWarning      EventType = "orphan_warning"
	EventTypeRetry              EventType = "retry"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeOperationFailed:
		return "error"
	case EventTypeOrphanWarning, EventTypeOperationSkipped, EventTypeRetry:
		return "warning"
	default:
		return "info"
	}
}
