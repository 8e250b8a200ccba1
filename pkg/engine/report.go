package engine

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// OperationResult is the outcome of one plan operation.
type OperationResult struct {
	OperationID string        `json:"operationId"`
	Kind        EntityKind    `json:"kind"`
	Action      OperationType `json:"action"`
	Key         string        `json:"key"`
	Status      ResultStatus  `json:"status"`

	// RemoteID is the identifier returned by a create, or the target of an
	// update or delete. Dry-run creates carry a placeholder.
	RemoteID string `json:"remoteId,omitempty"`

	// Attempts counts registry calls, retries included.
	Attempts int `json:"attempts"`

	// Duration covers all attempts and backoff waits.
	Duration time.Duration `json:"duration"`

	// Code and Error describe the failure, skip or warning cause.
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`

	err error
}

// Err returns the underlying error of a failed or skipped operation.
func (r *OperationResult) Err() error {
	if r.err != nil {
		return r.err
	}
	if r.Error != "" {
		return errors.New(r.Error)
	}
	return nil
}

func (r *OperationResult) setError(err error) {
	r.err = err
	if err == nil {
		return
	}
	r.Error = err.Error()
	var ee *EngineError
	if errors.As(err, &ee) {
		r.Code = ee.Code
	}
}

// KindCounts are the per-kind totals of a report.
type KindCounts struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Orphaned  int `json:"orphaned"`
	Deleted   int `json:"deleted"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Report summarizes a reconciliation run, or a plan when DryRun is set.
type Report struct {
	RunID       string    `json:"runId"`
	PlanID      string    `json:"planId,omitempty"`
	Scope       string    `json:"scope"`
	DryRun      bool      `json:"dryRun"`
	Force       bool      `json:"force"`
	Status      RunStatus `json:"status"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`

	Results []OperationResult         `json:"results"`
	Counts  map[EntityKind]KindCounts `json:"counts"`

	// Violations holds plan guard findings, blocking or not.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Error is the fatal error that stopped the run, if any.
	Error string `json:"error,omitempty"`

	fatal error
}

// newReport starts an empty report for a plan.
func newReport(runID string, plan *Plan, opts ApplyOptions) *Report {
	r := &Report{
		RunID:     runID,
		DryRun:    opts.DryRun,
		Force:     opts.Force,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
		Counts:    make(map[EntityKind]KindCounts, len(Kinds)),
	}
	if plan != nil {
		r.PlanID = plan.ID
		r.Scope = plan.Scope
		r.Results = make([]OperationResult, len(plan.Operations))
		for i, op := range plan.Operations {
			r.Results[i] = OperationResult{
				OperationID: op.ID,
				Kind:        op.Kind,
				Action:      op.Action,
				Key:         op.Key,
				RemoteID:    op.RemoteID,
				Status:      ResultPending,
			}
		}
	}
	return r
}

// NewFailedReport builds the report of a run that stopped before apply.
func NewFailedReport(runID, scope string, opts ApplyOptions, err error) *Report {
	r := newReport(runID, nil, opts)
	r.Scope = scope
	r.Results = []OperationResult{}
	r.fail(RunStatusFailed, err)
	r.CompletedAt = time.Now()
	r.tally(nil)
	return r
}

func (r *Report) fail(status RunStatus, err error) {
	r.Status = status
	r.fatal = err
	if err != nil {
		r.Error = err.Error()
	}
}

// finish sets the final status and counts.
func (r *Report) finish(plan *Plan) {
	r.CompletedAt = time.Now()
	r.tally(plan)
	if r.Status.IsTerminal() {
		return
	}
	r.Status = RunStatusSucceeded
	for _, res := range r.Results {
		if res.Status.IsFailure() {
			r.Status = RunStatusFailed
			return
		}
	}
}

func (r *Report) tally(plan *Plan) {
	counts := make(map[EntityKind]KindCounts, len(Kinds))
	for _, kind := range Kinds {
		c := KindCounts{}
		if plan != nil {
			c.Unchanged = len(plan.Unchanged[kind])
		}
		counts[kind] = c
	}
	for _, res := range r.Results {
		c := counts[res.Kind]
		switch res.Status {
		case ResultSucceeded, ResultPlanned:
			switch res.Action {
			case OperationCreate:
				c.Created++
			case OperationUpdate:
				c.Updated++
			case OperationOrphan:
				c.Deleted++
			}
		case ResultDeleted:
			c.Deleted++
		case ResultWarned:
			c.Orphaned++
		case ResultFailed, ResultCancelled:
			c.Failed++
		case ResultSkipped:
			c.Skipped++
		}
		counts[res.Kind] = c
	}
	r.Counts = counts
}

// Failed returns the failed, skipped and cancelled operations in plan order.
func (r *Report) Failed() []OperationResult {
	out := make([]OperationResult, 0)
	for _, res := range r.Results {
		if res.Status.IsFailure() {
			out = append(out, res)
		}
	}
	return out
}

// Warned returns orphans that were reported but left in place.
func (r *Report) Warned() []OperationResult {
	out := make([]OperationResult, 0)
	for _, res := range r.Results {
		if res.Status == ResultWarned {
			out = append(out, res)
		}
	}
	return out
}

// Changed reports whether the run would change or report anything.
func (r *Report) Changed() bool {
	return len(r.Results) > 0
}

// Err combines the fatal error and every operation failure, or returns nil
// when the run succeeded.
func (r *Report) Err() error {
	var err error
	if r.fatal != nil {
		err = multierr.Append(err, r.fatal)
	} else if r.Error != "" {
		err = multierr.Append(err, errors.New(r.Error))
	}
	for _, res := range r.Failed() {
		cause := res.Err()
		if cause == nil {
			cause = fmt.Errorf("%s", res.Status)
		}
		err = multierr.Append(err, fmt.Errorf("%s %s %s: %w", res.Action, res.Kind, res.Key, cause))
	}
	return err
}

// ExitCode returns 0 for a succeeded run and 1 otherwise.
func (r *Report) ExitCode() int {
	if r.Status == RunStatusSucceeded {
		return 0
	}
	return 1
}

// Render writes the human-readable summary. The output contains no
// timestamps or identifiers so identical runs render identically.
func (r *Report) Render(w io.Writer) error {
	var sb strings.Builder

	title := "Apply"
	if r.DryRun {
		title = "Plan"
	}
	fmt.Fprintf(&sb, "%s for scope %q", title, r.Scope)
	if r.Force {
		sb.WriteString(" (force)")
	}
	sb.WriteString("\n\n")

	fmt.Fprintf(&sb, "%-12s %7s %7s %9s %8s %7s %6s %7s\n",
		"KIND", "CREATED", "UPDATED", "UNCHANGED", "ORPHANED", "DELETED", "FAILED", "SKIPPED")
	for _, kind := range Kinds {
		c := r.Counts[kind]
		fmt.Fprintf(&sb, "%-12s %7d %7d %9d %8d %7d %6d %7d\n",
			kind, c.Created, c.Updated, c.Unchanged, c.Orphaned, c.Deleted, c.Failed, c.Skipped)
	}

	if len(r.Results) > 0 {
		sb.WriteString("\nOperations:\n")
		for _, res := range r.Results {
			fmt.Fprintf(&sb, "  %s %-10s %-9s %s\n", res.Action.Symbol(), res.Kind, res.Status, res.Key)
		}
	}

	if warned := r.Warned(); len(warned) > 0 {
		sb.WriteString("\nOrphans left in place (use --force to delete):\n")
		for _, res := range warned {
			fmt.Fprintf(&sb, "  %s %s\n", res.Kind, res.Key)
		}
	}

	if len(r.Violations) > 0 {
		sb.WriteString("\nPolicy findings:\n")
		for _, v := range r.Violations {
			fmt.Fprintf(&sb, "  [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
		}
	}

	if failed := r.Failed(); len(failed) > 0 {
		sb.WriteString("\nFailures:\n")
		for _, res := range failed {
			fmt.Fprintf(&sb, "  %s %s %s (%s): %s\n", res.Action, res.Kind, res.Key, res.Status, res.Error)
		}
	}

	if r.Error != "" {
		fmt.Fprintf(&sb, "\nError: %s\n", r.Error)
	}
	fmt.Fprintf(&sb, "\nStatus: %s\n", r.Status)

	_, err := io.WriteString(w, sb.String())
	return err
}
