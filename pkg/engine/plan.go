package engine

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Field names used in FieldChange.Field.
const (
	FieldMode                = "mode"
	FieldRank                = "rank"
	FieldFilteringAttributes = "filteringAttributes"
	FieldConfiguration       = "configuration"
	FieldAttributes          = "attributes"
)

// FieldChange is a single field difference between declared and remote state.
type FieldChange struct {
	// Field is the model field name.
	Field string `json:"field"`

	// Before is the remote value.
	Before interface{} `json:"before"`

	// After is the declared value.
	After interface{} `json:"after"`
}

// String renders the change as "field: before -> after".
func (c FieldChange) String() string {
	return fmt.Sprintf("%s: %s -> %s", c.Field, formatValue(c.Before), formatValue(c.After))
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case []string:
		if len(val) == 0 {
			return "(all)"
		}
		return "[" + strings.Join(val, ", ") + "]"
	case string:
		return fmt.Sprintf("%q", val)
	case nil:
		return "(none)"
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Operation is one step of a plan.
type Operation struct {
	// ID is unique within the plan and stable for the same input.
	ID string `json:"id"`

	// Kind is the entity kind the operation targets.
	Kind EntityKind `json:"kind"`

	// Action is create, update or orphan.
	Action OperationType `json:"action"`

	// Key is the identity key of the target entity.
	Key string `json:"key"`

	// RemoteID is the registry identifier for updates and orphans.
	RemoteID string `json:"remoteId,omitempty"`

	// ParentKey is the identity key of the owning entity: the type name for
	// steps and the step key for images. Empty for plugin types.
	ParentKey string `json:"parentKey,omitempty"`

	// PluginType, Step and Image carry the declared (create/update) or remote
	// (orphan) entity. Exactly one is set, matching Kind.
	PluginType *PluginType `json:"pluginType,omitempty"`
	Step       *Step       `json:"step,omitempty"`
	Image      *Image      `json:"image,omitempty"`

	// Changes lists the changed fields of an update.
	Changes []FieldChange `json:"changes,omitempty"`

	// DependsOn lists the IDs of operations that must succeed first.
	DependsOn []string `json:"dependsOn,omitempty"`
}

// operationID builds the deterministic ID of an operation.
func operationID(kind EntityKind, action OperationType, key string) string {
	return fmt.Sprintf("%s:%s:%s", kind, action, key)
}

// orphanID names an orphan by its remote record, since duplicate
// registrations share a key.
func orphanID(kind EntityKind, key, remoteID string) string {
	return operationID(kind, OperationOrphan, key) + "@" + remoteID
}

// KindSummary counts plan entries of one entity kind.
type KindSummary struct {
	ToCreate  int `json:"toCreate"`
	ToUpdate  int `json:"toUpdate"`
	Unchanged int `json:"unchanged"`
	Orphaned  int `json:"orphaned"`
}

// Plan is the ordered set of operations needed to converge a scope.
// It is built once by the Differ and not modified afterwards.
type Plan struct {
	// ID is the unique identifier of this plan.
	ID string `json:"id"`

	// Scope is the registry scope the plan reconciles.
	Scope string `json:"scope"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"createdAt"`

	// Operations are in execution order.
	Operations []Operation `json:"operations"`

	// Unchanged lists the keys of matched entities with no differences.
	Unchanged map[EntityKind][]string `json:"unchanged"`

	// Summary provides per-kind statistics.
	Summary map[EntityKind]KindSummary `json:"summary"`

	index map[string]int
}

// newPlan assembles a plan and indexes its operations.
func newPlan(id, scope string, ops []Operation, unchanged map[EntityKind][]string) *Plan {
	p := &Plan{
		ID:         id,
		Scope:      scope,
		CreatedAt:  time.Now(),
		Operations: ops,
		Unchanged:  unchanged,
		Summary:    make(map[EntityKind]KindSummary, len(Kinds)),
	}
	p.reindex()
	for _, kind := range Kinds {
		s := KindSummary{Unchanged: len(unchanged[kind])}
		for _, op := range ops {
			if op.Kind != kind {
				continue
			}
			switch op.Action {
			case OperationCreate:
				s.ToCreate++
			case OperationUpdate:
				s.ToUpdate++
			case OperationOrphan:
				s.Orphaned++
			}
		}
		p.Summary[kind] = s
	}
	return p
}

func (p *Plan) reindex() {
	p.index = make(map[string]int, len(p.Operations))
	for i := range p.Operations {
		p.index[p.Operations[i].ID] = i
	}
}

// Operation returns the operation with the given ID.
func (p *Plan) Operation(id string) (*Operation, bool) {
	if p.index == nil {
		p.reindex()
	}
	i, ok := p.index[id]
	if !ok {
		return nil, false
	}
	return &p.Operations[i], true
}

// Position returns the index of an operation in execution order, or -1.
func (p *Plan) Position(id string) int {
	if p.index == nil {
		p.reindex()
	}
	if i, ok := p.index[id]; ok {
		return i
	}
	return -1
}

// IsEmpty reports whether the plan has no operations at all, orphans included.
func (p *Plan) IsEmpty() bool {
	return len(p.Operations) == 0
}

// Orphans returns the orphan operations in plan order.
func (p *Plan) Orphans() []Operation {
	out := make([]Operation, 0)
	for _, op := range p.Operations {
		if op.Action == OperationOrphan {
			out = append(out, op)
		}
	}
	return out
}

// Validate checks that every dependency exists, there are no cycles, and
// every operation appears after the operations it depends on.
func (p *Plan) Validate() error {
	if p == nil {
		return NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
	}
	seen := make(map[string]bool, len(p.Operations))
	for _, op := range p.Operations {
		if op.ID == "" {
			return NewPermanentError("plan operation has empty ID", nil).WithCode(ErrCodeValidation)
		}
		if err := op.Action.Validate(); err != nil {
			return NewPermanentError("invalid plan operation", err).
				WithCode(ErrCodeValidation).WithResource(op.Key)
		}
		if seen[op.ID] {
			return NewPermanentError(fmt.Sprintf("duplicate plan operation ID: %s", op.ID), nil).
				WithCode(ErrCodeValidation)
		}
		seen[op.ID] = true
	}

	if _, err := NewDAGBuilder().BuildGraph(p.Operations); err != nil {
		return err
	}

	for i, op := range p.Operations {
		for _, dep := range op.DependsOn {
			if p.Position(dep) > i {
				return NewPermanentError(
					fmt.Sprintf("operation %s is ordered before its dependency %s", op.ID, dep), nil).
					WithCode(ErrCodeInternal)
			}
		}
	}
	return nil
}

// Render writes the human-readable list of planned operations.
func (p *Plan) Render(w io.Writer) error {
	if len(p.Operations) == 0 {
		_, err := fmt.Fprintln(w, "No changes. Remote registrations match the declaration.")
		return err
	}
	for _, op := range p.Operations {
		if _, err := fmt.Fprintf(w, "  %s %s %s\n", op.Action.Symbol(), op.Kind, op.Key); err != nil {
			return err
		}
		for _, c := range op.Changes {
			if _, err := fmt.Fprintf(w, "      %s\n", c); err != nil {
				return err
			}
		}
	}
	return nil
}
