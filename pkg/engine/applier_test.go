package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRegistry succeeds every call and counts mutations.
type stubRegistry struct {
	mutations int
}

func (s *stubRegistry) ListPluginTypes(context.Context, string) ([]RemotePluginType, error) {
	return nil, nil
}

func (s *stubRegistry) ListSteps(context.Context, string) ([]RemoteStep, error) {
	return nil, nil
}

func (s *stubRegistry) ListImages(context.Context, string) ([]RemoteImage, error) {
	return nil, nil
}

func (s *stubRegistry) CreatePluginType(context.Context, string, PluginType) (string, error) {
	s.mutations++
	return "pt-1", nil
}

func (s *stubRegistry) CreateStep(context.Context, string, Step) (string, error) {
	s.mutations++
	return "st-1", nil
}

func (s *stubRegistry) UpdateStep(context.Context, string, []FieldChange) error {
	s.mutations++
	return nil
}

func (s *stubRegistry) CreateImage(context.Context, string, Image) (string, error) {
	s.mutations++
	return "im-1", nil
}

func (s *stubRegistry) UpdateImage(context.Context, string, []FieldChange) error {
	s.mutations++
	return nil
}

func (s *stubRegistry) DeletePluginType(context.Context, string) error {
	s.mutations++
	return nil
}

func (s *stubRegistry) DeleteStep(context.Context, string) error {
	s.mutations++
	return nil
}

func (s *stubRegistry) DeleteImage(context.Context, string) error {
	s.mutations++
	return nil
}

func TestApplier_UnresolvedParentAbortsRun(t *testing.T) {
	doc := fooBarDoc()
	step := doc.Steps[0]
	img := doc.Images[0]

	// The step's plugin type is neither remote nor created by the plan.
	plan := newPlan("p", "s", []Operation{
		{ID: "step:create:x", Kind: KindStep, Action: OperationCreate, Key: step.Key().String(), Step: &step},
		{ID: "image:create:y", Kind: KindImage, Action: OperationCreate, Key: img.Key().String(), Image: &img},
	}, nil)

	reg := &stubRegistry{}
	report, err := NewApplier(reg, nil, nil, zerolog.Nop()).Apply(context.Background(), plan, &RemoteState{}, ApplyOptions{})
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeUnresolvedDependency))
	assert.Equal(t, RunStatusAborted, report.Status)
	assert.Equal(t, ResultFailed, report.Results[0].Status)
	assert.Equal(t, ResultCancelled, report.Results[1].Status)
	assert.Zero(t, reg.mutations)
}

func TestApplier_NilPlan(t *testing.T) {
	report, err := NewApplier(&stubRegistry{}, nil, nil, zerolog.Nop()).
		Apply(context.Background(), nil, nil, ApplyOptions{RunID: "r"})
	require.Error(t, err)
	assert.Equal(t, "r", report.RunID)
	assert.Equal(t, RunStatusFailed, report.Status)
}

func TestApplier_SleepCancelledStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	doc := fooBarDoc()
	pt := doc.PluginTypes[0]
	plan := newPlan("p", "s", []Operation{
		{ID: "plugintype:create:Foo.Bar", Kind: KindPluginType, Action: OperationCreate, Key: pt.Key(), PluginType: &pt},
	}, nil)

	a := NewApplier(&throttlingRegistry{}, nil, nil, zerolog.Nop())
	a.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	report, err := a.Apply(ctx, plan, &RemoteState{}, ApplyOptions{MaxRetries: 5})
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeCancelled))
	assert.Equal(t, RunStatusCancelled, report.Status)
	assert.Equal(t, ResultCancelled, report.Results[0].Status)
	assert.Equal(t, 1, report.Results[0].Attempts)
}

type throttlingRegistry struct {
	stubRegistry
}

func (r *throttlingRegistry) CreatePluginType(context.Context, string, PluginType) (string, error) {
	return "", NewThrottledError("slow down", nil)
}

func TestCalculateBackoff(t *testing.T) {
	opts := ApplyOptions{RetryBaseDelay: 100 * time.Millisecond, MaxRetryDelay: 2 * time.Second}
	transient := NewTransientError("reset", nil)
	throttled := NewThrottledError("slow", nil)

	tests := []struct {
		name    string
		attempt int
		err     error
		want    time.Duration
	}{
		{"first transient", 0, transient, 100 * time.Millisecond},
		{"third transient", 2, transient, 400 * time.Millisecond},
		{"throttled doubles", 1, throttled, 400 * time.Millisecond},
		{"capped", 10, transient, 2 * time.Second},
		{"retry after hint", 0, NewThrottledError("slow", nil).WithDetail("retry_after", 1500*time.Millisecond), 1500 * time.Millisecond},
		{"hint capped", 0, NewThrottledError("slow", nil).WithDetail("retry_after", time.Minute), 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, calculateBackoff(tt.attempt, tt.err, opts))
		})
	}
}

func TestCallName(t *testing.T) {
	assert.Equal(t, "create_step", callName(&Operation{Kind: KindStep, Action: OperationCreate}))
	assert.Equal(t, "update_image", callName(&Operation{Kind: KindImage, Action: OperationUpdate}))
	assert.Equal(t, "delete_plugintype", callName(&Operation{Kind: KindPluginType, Action: OperationOrphan}))
}

func TestOrphanPolicy_Decide(t *testing.T) {
	op := &Operation{ID: "plugintype:orphan:A", Kind: KindPluginType, Action: OperationOrphan, Key: "A",
		DependsOn: []string{"step:orphan:s"}}
	status := map[string]ResultStatus{"step:orphan:s": ResultDeleted}
	lookup := func(id string) ResultStatus { return status[id] }

	decision, err := NewOrphanPolicy(false).Decide(op, lookup)
	require.NoError(t, err)
	assert.Equal(t, OrphanWarn, decision)

	decision, err = NewOrphanPolicy(true).Decide(op, lookup)
	require.NoError(t, err)
	assert.Equal(t, OrphanDelete, decision)

	status["step:orphan:s"] = ResultFailed
	decision, err = NewOrphanPolicy(true).Decide(op, lookup)
	assert.Equal(t, OrphanSkip, decision)
	assert.True(t, IsConflict(err))

	stepOp := &Operation{ID: "step:orphan:s", Kind: KindStep, Action: OperationOrphan, Key: "s",
		DependsOn: []string{"image:orphan:i"}}
	decision, err = NewOrphanPolicy(true).Decide(stepOp, func(string) ResultStatus { return ResultSkipped })
	assert.Equal(t, OrphanSkip, decision)
	assert.True(t, HasCode(err, ErrCodeDependencyFailed))
}

func TestOrphanPolicy_DeleteRequiresForce(t *testing.T) {
	reg := &stubRegistry{}
	err := NewOrphanPolicy(false).Delete(context.Background(), reg, &Operation{Kind: KindImage, Key: "i"})
	require.Error(t, err)
	assert.Zero(t, reg.mutations)

	require.NoError(t, NewOrphanPolicy(true).Delete(context.Background(), reg, &Operation{Kind: KindImage, Key: "i"}))
	assert.Equal(t, 1, reg.mutations)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewTransientError("x", nil)))
	assert.True(t, IsRetryable(NewThrottledError("x", nil)))
	assert.False(t, IsRetryable(NewConflictError("x", nil)))
	assert.False(t, IsRetryable(NewPermanentError("x", context.DeadlineExceeded)))
	assert.False(t, IsRetryable(errors.New("plain")))
}
