package engine

import (
	"context"
	"fmt"
)

// OrphanDecision is what the orphan policy does with one orphan.
type OrphanDecision string

const (
	// OrphanWarn reports the orphan and leaves it in place.
	OrphanWarn OrphanDecision = "warn"

	// OrphanDelete issues the delete call.
	OrphanDelete OrphanDecision = "delete"

	// OrphanSkip leaves the orphan because a child delete did not happen.
	OrphanSkip OrphanDecision = "skip"
)

// OrphanPolicy decides whether orphaned remote entities are reported or deleted.
// Without force nothing is ever deleted.
type OrphanPolicy struct {
	force bool
}

// NewOrphanPolicy creates an orphan policy.
func NewOrphanPolicy(force bool) *OrphanPolicy {
	return &OrphanPolicy{force: force}
}

// Decide returns the decision for an orphan operation. status reports the
// outcome of already processed operations. When the decision is OrphanSkip the
// returned error explains which child blocked the delete.
func (p *OrphanPolicy) Decide(op *Operation, status func(id string) ResultStatus) (OrphanDecision, error) {
	if !p.force {
		return OrphanWarn, nil
	}

	for _, dep := range op.DependsOn {
		if status(dep).Satisfies() {
			continue
		}
		if op.Kind == KindPluginType {
			return OrphanSkip, NewConflictError(
				fmt.Sprintf("plugin type still has a step that was not deleted (%s)", dep), nil).
				WithResource(op.Key).
				WithOperation("delete").
				WithDetail("dependency", dep)
		}
		return OrphanSkip, NewSkippedError(op, dep)
	}
	return OrphanDelete, nil
}

// Delete issues the delete call matching the orphan's kind.
func (p *OrphanPolicy) Delete(ctx context.Context, registry Registry, op *Operation) error {
	if !p.force {
		return NewPermanentError("orphan deletion requires force", nil).
			WithCode(ErrCodeValidation).WithResource(op.Key)
	}
	switch op.Kind {
	case KindImage:
		return registry.DeleteImage(ctx, op.RemoteID)
	case KindStep:
		return registry.DeleteStep(ctx, op.RemoteID)
	case KindPluginType:
		return registry.DeletePluginType(ctx, op.RemoteID)
	default:
		return NewPermanentError(fmt.Sprintf("unknown entity kind %q", op.Kind), nil).
			WithCode(ErrCodeInternal)
	}
}
