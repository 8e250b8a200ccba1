package stores

import (
	"context"
	"time"

	"github.com/openfroyo/plugsync/pkg/engine"
)

// Run is a journaled reconciliation run.
type Run struct {
	ID          string                                   `json:"id"`
	PlanID      string                                   `json:"plan_id,omitempty"`
	Scope       string                                   `json:"scope"`
	Status      engine.RunStatus                         `json:"status"`
	DryRun      bool                                     `json:"dry_run"`
	Force       bool                                     `json:"force"`
	StartedAt   time.Time                                `json:"started_at"`
	CompletedAt *time.Time                               `json:"completed_at,omitempty"`
	Error       string                                   `json:"error,omitempty"`
	Counts      map[engine.EntityKind]engine.KindCounts `json:"counts"`
	Violations  []engine.PolicyViolation                 `json:"violations,omitempty"`
	CreatedAt   time.Time                                `json:"created_at"`
}

// Duration returns how long the run took, or zero if it never completed.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// OperationRecord is the journaled outcome of one plan operation.
type OperationRecord struct {
	ID          int64                `json:"id"`
	RunID       string               `json:"run_id"`
	Seq         int                  `json:"seq"`
	OperationID string               `json:"operation_id"`
	Kind        engine.EntityKind    `json:"kind"`
	Action      engine.OperationType `json:"action"`
	Key         string               `json:"key"`
	Status      engine.ResultStatus  `json:"status"`
	RemoteID    string               `json:"remote_id,omitempty"`
	Attempts    int                  `json:"attempts"`
	Duration    time.Duration        `json:"duration"`
	Code        string               `json:"code,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// Event is a journaled timeline event.
type Event struct {
	ID          string                 `json:"id"`
	RunID       string                 `json:"run_id"`
	OperationID string                 `json:"operation_id,omitempty"`
	Type        engine.EventType       `json:"type"`
	Level       string                 `json:"level"`
	Message     string                 `json:"message"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// AuditEntry represents an audit trail entry.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"` // e.g. "run.applied", "run.planned"
	Actor     string    `json:"actor"`
	RunID     *string   `json:"run_id,omitempty"`
	Scope     *string   `json:"scope,omitempty"`
	Details   *string   `json:"details,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Audit actions.
const (
	AuditRunApplied = "run.applied"
	AuditRunPlanned = "run.planned"
)

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Scope  string
	Status engine.RunStatus
	Limit  int
	Offset int
}

// Store is the run journal.
type Store interface {
	engine.RunRecorder
	engine.EventSink

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Runs
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	ListOperations(ctx context.Context, runID string) ([]*OperationRecord, error)
	DeleteRun(ctx context.Context, id string) error

	// Events
	GetEvents(ctx context.Context, runID string, limit int) ([]*Event, error)

	// Audit
	ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
