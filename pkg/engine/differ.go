package engine

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Differ computes the plan that converges remote state to the declaration.
// It performs no remote calls.
type Differ struct {
	logger zerolog.Logger
}

// NewDiffer creates a new differ.
func NewDiffer(logger zerolog.Logger) *Differ {
	return &Differ{
		logger: logger.With().Str("component", "differ").Logger(),
	}
}

// Diff matches declared and remote entities by identity key and builds the plan.
//
// Creates and updates come first in dependency order (plugin types, steps,
// images), each group in declaration order. Orphans follow in reverse
// dependency order (images, steps, plugin types), each group in fetch order.
func (d *Differ) Diff(desired *DesiredState, remote *RemoteState) (*Plan, error) {
	if desired == nil || remote == nil {
		return nil, NewPermanentError("desired and remote state are required", nil).
			WithCode(ErrCodeValidation)
	}

	unchanged := map[EntityKind][]string{
		KindPluginType: {},
		KindStep:       {},
		KindImage:      {},
	}
	ops := make([]Operation, 0)

	idx := remote.Index()

	// Plugin types have no mutable fields: a matched key is always unchanged.
	typeOps := make(map[string]string)
	for i := range desired.PluginTypes {
		pt := desired.PluginTypes[i]
		if _, ok := idx.PluginTypes[pt.TypeName]; ok {
			unchanged[KindPluginType] = append(unchanged[KindPluginType], pt.Key())
			continue
		}
		op := Operation{
			ID:         operationID(KindPluginType, OperationCreate, pt.Key()),
			Kind:       KindPluginType,
			Action:     OperationCreate,
			Key:        pt.Key(),
			PluginType: &pt,
		}
		typeOps[pt.TypeName] = op.ID
		ops = append(ops, op)
	}

	stepOps := make(map[StepKey]string)
	for i := range desired.Steps {
		step := desired.Steps[i]
		key := step.Key()
		op := Operation{
			Kind:      KindStep,
			Key:       key.String(),
			ParentKey: step.TypeName,
			Step:      &step,
		}
		if parent, ok := typeOps[step.TypeName]; ok {
			op.DependsOn = []string{parent}
		}

		existing, ok := idx.Steps[key]
		if !ok {
			op.Action = OperationCreate
		} else {
			changes := diffStep(&existing.Step, &step)
			if len(changes) == 0 {
				unchanged[KindStep] = append(unchanged[KindStep], key.String())
				continue
			}
			op.Action = OperationUpdate
			op.RemoteID = existing.ID
			op.Changes = changes
		}
		op.ID = operationID(KindStep, op.Action, op.Key)
		stepOps[key] = op.ID
		ops = append(ops, op)
	}

	for i := range desired.Images {
		img := desired.Images[i]
		key := img.Key()
		op := Operation{
			Kind:      KindImage,
			Key:       key.String(),
			ParentKey: img.StepKey.String(),
			Image:     &img,
		}
		if parent, ok := stepOps[img.StepKey]; ok {
			op.DependsOn = []string{parent}
		}

		existing, ok := idx.Images[key]
		if !ok {
			op.Action = OperationCreate
		} else {
			changes := diffImage(&existing.Image, &img)
			if len(changes) == 0 {
				unchanged[KindImage] = append(unchanged[KindImage], key.String())
				continue
			}
			op.Action = OperationUpdate
			op.RemoteID = existing.ID
			op.Changes = changes
		}
		op.ID = operationID(KindImage, op.Action, op.Key)
		ops = append(ops, op)
	}

	ops = append(ops, d.orphans(desired, remote, idx)...)

	plan := newPlan(uuid.New().String(), remote.Scope, ops, unchanged)
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	d.logger.Debug().
		Str("plan_id", plan.ID).
		Str("scope", plan.Scope).
		Int("operations", len(plan.Operations)).
		Msg("Plan computed")

	return plan, nil
}

// orphans emits orphan operations for remote records with no declaration,
// including duplicates of a declared key that lost to an earlier record. An
// orphan step depends on the orphan operations of its images, and an orphan
// plugin type on the orphan operations of its steps.
func (d *Differ) orphans(desired *DesiredState, remote *RemoteState, idx *RemoteIndex) []Operation {
	imageOps := make([]Operation, 0)
	imagesByStep := make(map[string][]string)
	for i := range remote.Images {
		rec := &remote.Images[i]
		img := rec.Image
		if _, ok := desired.Image(img.Key()); ok && idx.Images[img.Key()] == rec {
			continue
		}
		op := Operation{
			ID:        orphanID(KindImage, img.Key().String(), rec.ID),
			Kind:      KindImage,
			Action:    OperationOrphan,
			Key:       img.Key().String(),
			RemoteID:  rec.ID,
			ParentKey: img.StepKey.String(),
			Image:     &img,
		}
		imagesByStep[rec.StepID] = append(imagesByStep[rec.StepID], op.ID)
		imageOps = append(imageOps, op)
	}

	stepOps := make([]Operation, 0)
	stepsByType := make(map[string][]string)
	for i := range remote.Steps {
		rec := &remote.Steps[i]
		step := rec.Step
		key := step.Key()
		if _, ok := desired.Step(key); ok && idx.Steps[key] == rec {
			continue
		}
		op := Operation{
			ID:        orphanID(KindStep, key.String(), rec.ID),
			Kind:      KindStep,
			Action:    OperationOrphan,
			Key:       key.String(),
			RemoteID:  rec.ID,
			ParentKey: step.TypeName,
			Step:      &step,
			DependsOn: imagesByStep[rec.ID],
		}
		stepsByType[rec.PluginTypeID] = append(stepsByType[rec.PluginTypeID], op.ID)
		stepOps = append(stepOps, op)
	}

	typeOps := make([]Operation, 0)
	for i := range remote.PluginTypes {
		rec := &remote.PluginTypes[i]
		pt := rec.PluginType
		if _, ok := desired.PluginType(pt.TypeName); ok && idx.PluginTypes[pt.TypeName] == rec {
			continue
		}
		typeOps = append(typeOps, Operation{
			ID:         orphanID(KindPluginType, pt.Key(), rec.ID),
			Kind:       KindPluginType,
			Action:     OperationOrphan,
			Key:        pt.Key(),
			RemoteID:   rec.ID,
			PluginType: &pt,
			DependsOn:  stepsByType[rec.ID],
		})
	}

	out := make([]Operation, 0, len(imageOps)+len(stepOps)+len(typeOps))
	out = append(out, imageOps...)
	out = append(out, stepOps...)
	out = append(out, typeOps...)
	return out
}

// diffStep returns the changed fields between a remote and a declared step.
func diffStep(remote, declared *Step) []FieldChange {
	changes := make([]FieldChange, 0)
	if remote.Mode != declared.Mode {
		changes = append(changes, FieldChange{Field: FieldMode, Before: remote.Mode, After: declared.Mode})
	}
	if remote.Rank != declared.Rank {
		changes = append(changes, FieldChange{Field: FieldRank, Before: remote.Rank, After: declared.Rank})
	}
	if !setsEqual(remote.FilteringAttributes, declared.FilteringAttributes) {
		changes = append(changes, FieldChange{
			Field:  FieldFilteringAttributes,
			Before: NormalizeSet(remote.FilteringAttributes),
			After:  NormalizeSet(declared.FilteringAttributes),
		})
	}
	if remote.Configuration != declared.Configuration {
		changes = append(changes, FieldChange{Field: FieldConfiguration, Before: remote.Configuration, After: declared.Configuration})
	}
	if len(changes) == 0 {
		return nil
	}
	return changes
}

// diffImage returns the changed fields between a remote and a declared image.
func diffImage(remote, declared *Image) []FieldChange {
	if setsEqual(remote.Attributes, declared.Attributes) {
		return nil
	}
	return []FieldChange{{
		Field:  FieldAttributes,
		Before: NormalizeSet(remote.Attributes),
		After:  NormalizeSet(declared.Attributes),
	}}
}
