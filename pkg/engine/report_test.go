package engine

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reportPlan() *Plan {
	return newPlan("plan-1", "Contoso.Plugins", []Operation{
		{ID: "plugintype:create:Foo.Bar", Kind: KindPluginType, Action: OperationCreate, Key: "Foo.Bar"},
		{ID: "step:create:Foo.Bar/Create/account/PostOperation", Kind: KindStep, Action: OperationCreate,
			Key: "Foo.Bar/Create/account/PostOperation"},
		{ID: "image:create:Foo.Bar/Create/account/PostOperation#PostImage:PostImage", Kind: KindImage,
			Action: OperationCreate, Key: "Foo.Bar/Create/account/PostOperation#PostImage:PostImage"},
		{ID: "step:orphan:Foo.Old/Update/contact/PreValidation", Kind: KindStep, Action: OperationOrphan,
			Key: "Foo.Old/Update/contact/PreValidation", RemoteID: "st-9"},
	}, map[EntityKind][]string{KindImage: {"Foo.Bar/Update/account/PreOperation#PreImage:pre"}})
}

func TestReport_RenderApply(t *testing.T) {
	plan := reportPlan()
	r := newReport("run-1", plan, ApplyOptions{})
	r.Results[0].Status = ResultSucceeded
	r.Results[1].Status = ResultFailed
	r.Results[1].setError(errors.New("registry rejected the step"))
	r.Results[2].Status = ResultSkipped
	r.Results[2].setError(NewSkippedError(&plan.Operations[2], plan.Operations[1].ID))
	r.Results[3].Status = ResultWarned
	r.Violations = []PolicyViolation{{Policy: "rank-range", Message: "rank 0 is outside 1..2147483647", Severity: "warning"}}
	r.finish(plan)

	assert.Equal(t, RunStatusFailed, r.Status)
	assert.Equal(t, KindCounts{Failed: 1, Orphaned: 1}, r.Counts[KindStep])
	assert.Equal(t, KindCounts{Unchanged: 1, Skipped: 1}, r.Counts[KindImage])
	assert.Equal(t, 1, r.ExitCode())

	var buf bytes.Buffer
	require.NoError(t, r.Render(&buf))

	g := goldie.New(t)
	g.Assert(t, "report_apply", buf.Bytes())
}

func TestReport_RenderDryRunForce(t *testing.T) {
	plan := newPlan("plan-2", "Contoso.Plugins", []Operation{
		{ID: "plugintype:create:Foo.Bar", Kind: KindPluginType, Action: OperationCreate, Key: "Foo.Bar"},
		{ID: "image:orphan:Foo.Bar/Create/account/PostOperation#PostImage:old", Kind: KindImage,
			Action: OperationOrphan, Key: "Foo.Bar/Create/account/PostOperation#PostImage:old", RemoteID: "im-1"},
	}, nil)
	r := newReport("run-2", plan, ApplyOptions{DryRun: true, Force: true})
	r.Results[0].Status = ResultPlanned
	r.Results[1].Status = ResultPlanned
	r.finish(plan)

	assert.Equal(t, RunStatusSucceeded, r.Status)
	assert.Equal(t, 0, r.ExitCode())
	assert.NoError(t, r.Err())

	var buf bytes.Buffer
	require.NoError(t, r.Render(&buf))

	g := goldie.New(t)
	g.Assert(t, "report_plan_force", buf.Bytes())
}

func TestReport_ErrCombinesFailures(t *testing.T) {
	plan := reportPlan()
	r := newReport("run-3", plan, ApplyOptions{})
	r.Results[1].Status = ResultFailed
	r.Results[1].setError(NewPermanentError("bad", nil).WithCode(ErrCodePermissionDenied))
	r.Results[2].Status = ResultCancelled
	r.fail(RunStatusCancelled, NewPermanentError("run cancelled", nil).WithCode(ErrCodeCancelled))
	r.finish(plan)

	err := r.Err()
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeCancelled))
	assert.Contains(t, err.Error(), "create step Foo.Bar/Create/account/PostOperation")
	assert.Contains(t, err.Error(), "cancelled")
	assert.Equal(t, RunStatusCancelled, r.Status)
	assert.Equal(t, ErrCodePermissionDenied, r.Results[1].Code)
	assert.Equal(t, 2, r.Counts[KindStep].Failed+r.Counts[KindImage].Failed)
}

func TestNewFailedReport(t *testing.T) {
	err := NewRemoteStateUnavailableError("Contoso.Plugins", errors.New("connection refused"))
	r := NewFailedReport("run-4", "Contoso.Plugins", ApplyOptions{DryRun: true}, err)

	assert.Equal(t, RunStatusFailed, r.Status)
	assert.Empty(t, r.Results)
	assert.False(t, r.Changed())
	assert.True(t, HasCode(r.Err(), ErrCodeRemoteStateUnavailable))
	assert.Equal(t, 1, r.ExitCode())
}
