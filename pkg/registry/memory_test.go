package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/plugsync/pkg/engine"
)

func seedDoc() *engine.Document {
	step := engine.Step{
		TypeName:      "Foo.Bar",
		Message:       "Create",
		PrimaryEntity: "account",
		Stage:         engine.StagePostOperation,
		Rank:          1,
	}
	return &engine.Document{
		PluginTypes: []engine.PluginType{{TypeName: "Foo.Bar"}},
		Steps:       []engine.Step{step},
		Images: []engine.Image{{
			StepKey:    step.Key(),
			ImageType:  engine.ImagePost,
			Name:       "PostImage",
			Attributes: []string{"name"},
		}},
	}
}

func TestMemory_ListsAreScoped(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Seed("Contoso.Plugins", seedDoc()))

	other := seedDoc()
	other.PluginTypes[0].TypeName = "Other.Type"
	other.Steps[0].TypeName = "Other.Type"
	other.Images[0].StepKey = other.Steps[0].Key()
	require.NoError(t, m.Seed("Other.Plugins", other))

	types, err := m.ListPluginTypes(ctx, "Contoso.Plugins")
	require.NoError(t, err)
	require.Len(t, types, 1)
	assert.Equal(t, "Foo.Bar", types[0].TypeName)

	steps, err := m.ListSteps(ctx, "Contoso.Plugins")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, types[0].ID, steps[0].PluginTypeID)

	images, err := m.ListImages(ctx, "Contoso.Plugins")
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, steps[0].ID, images[0].StepID)

	assert.Empty(t, m.MutationCalls())
	assert.Len(t, m.Calls(), 3)
}

func TestMemory_DeleteStepRemovesImages(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Seed("s", seedDoc()))

	steps, err := m.ListSteps(ctx, "s")
	require.NoError(t, err)
	require.NoError(t, m.DeleteStep(ctx, steps[0].ID))

	images, err := m.ListImages(ctx, "s")
	require.NoError(t, err)
	assert.Empty(t, images)
	assert.Empty(t, m.State().Images)
}

func TestMemory_DeletePluginTypeWithStepsConflicts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Seed("s", seedDoc()))

	types, err := m.ListPluginTypes(ctx, "s")
	require.NoError(t, err)

	err = m.DeletePluginType(ctx, types[0].ID)
	require.Error(t, err)
	assert.True(t, engine.IsConflict(err))
}

func TestMemory_UpdateStepAppliesChanges(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Seed("s", seedDoc()))
	steps, err := m.ListSteps(ctx, "s")
	require.NoError(t, err)

	err = m.UpdateStep(ctx, steps[0].ID, []engine.FieldChange{
		{Field: engine.FieldMode, Before: engine.ModeSynchronous, After: engine.ModeAsynchronous},
		{Field: engine.FieldRank, Before: 1, After: 5},
		{Field: engine.FieldFilteringAttributes, Before: nil, After: []string{"name", "telephone1"}},
		{Field: engine.FieldConfiguration, Before: "", After: "cfg"},
	})
	require.NoError(t, err)

	steps, err = m.ListSteps(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, engine.ModeAsynchronous, steps[0].Mode)
	assert.Equal(t, 5, steps[0].Rank)
	assert.Equal(t, []string{"name", "telephone1"}, steps[0].FilteringAttributes)
	assert.Equal(t, "cfg", steps[0].Configuration)
}

func TestMemory_UpdateStepRejectsUnknownField(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Seed("s", seedDoc()))
	steps, err := m.ListSteps(ctx, "s")
	require.NoError(t, err)

	err = m.UpdateStep(ctx, steps[0].ID, []engine.FieldChange{{Field: "stage", After: 10}})
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))
}

func TestMemory_FaultInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	throttled := engine.NewThrottledError("slow down", nil)
	m.InjectFault(Fault{Method: MethodCreatePluginType, Target: "Foo.Bar", Err: throttled, Times: 1})

	_, err := m.CreatePluginType(ctx, "s", engine.PluginType{TypeName: "Foo.Bar"})
	require.Error(t, err)
	assert.True(t, engine.IsThrottled(err))

	id, err := m.CreatePluginType(ctx, "s", engine.PluginType{TypeName: "Foo.Bar"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	calls := m.MutationCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, Call{Method: MethodCreatePluginType, Target: "Foo.Bar"}, calls[1])
}

func TestMemory_FaultDelayHonorsDeadline(t *testing.T) {
	m := NewMemory()
	m.InjectFault(Fault{Method: MethodListSteps, Delay: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.ListSteps(ctx, "s")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestMemory_CreateStepUnknownParent(t *testing.T) {
	m := NewMemory()
	_, err := m.CreateStep(context.Background(), "missing", seedDoc().Steps[0])
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeNotFound))
}
