package policy

import (
	"fmt"
	"time"

	"github.com/openfroyo/plugsync/pkg/engine"
)

// Severity of a violation. Error and critical block apply.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Validate rejects unknown severities.
func (s Severity) Validate() error {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return nil
	}
	return fmt.Errorf("invalid severity: %q", s)
}

// Policy is a Rego module evaluated against every plan. The module defines a
// deny set whose elements are message strings, or objects with message and
// optional severity, operation and resource fields.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Rego        string   `json:"rego"`
	Severity    Severity `json:"severity"` // default for the policy's violations
	Enabled     bool     `json:"enabled"`
	Builtin     bool     `json:"builtin,omitempty"`
	Source      string   `json:"source,omitempty"` // file the policy came from
}

// PolicyInput is bound to input during evaluation: input.plan is the plan as
// serialized by engine.Plan, input.context describes the evaluation.
type PolicyInput struct {
	Plan    *engine.Plan   `json:"plan"`
	Context *PolicyContext `json:"context"`
}

// PolicyContext is input.context.
type PolicyContext struct {
	Scope     string    `json:"scope"`
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"` // always "plan"
}

// PolicyBundle is a JSON file carrying several policies.
type PolicyBundle struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Policies    []Policy `json:"policies"`
}
