package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/openfroyo/plugsync/pkg/engine"

// ApplyOptions controls how a plan is executed.
type ApplyOptions struct {
	// RunID identifies the run; generated when empty.
	RunID string

	// DryRun walks the plan without issuing mutation calls.
	DryRun bool

	// Force enables orphan deletion.
	Force bool

	// CallTimeout bounds every registry call. Zero disables the bound.
	CallTimeout time.Duration

	// MaxRetries is the number of retries after the first attempt for
	// transient and throttled failures.
	MaxRetries int

	// RetryBaseDelay is the backoff before the first retry; it doubles per attempt.
	RetryBaseDelay time.Duration

	// MaxRetryDelay caps a single backoff wait.
	MaxRetryDelay time.Duration
}

// DefaultApplyOptions returns the default apply options.
func DefaultApplyOptions() ApplyOptions {
	return ApplyOptions{
		CallTimeout:    30 * time.Second,
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
		MaxRetryDelay:  30 * time.Second,
	}
}

// Applier executes a plan's operations one at a time against the registry.
type Applier struct {
	registry Registry
	events   EventSink
	observer Observer
	tracer   trace.Tracer
	logger   zerolog.Logger

	// sleep waits between retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewApplier creates an applier. events and observer may be nil.
func NewApplier(registry Registry, events EventSink, observer Observer, logger zerolog.Logger) *Applier {
	return &Applier{
		registry: registry,
		events:   events,
		observer: observer,
		tracer:   otel.Tracer(tracerName),
		logger:   logger.With().Str("component", "applier").Logger(),
		sleep:    sleepContext,
	}
}

// applyRun holds the mutable state of one Apply call.
type applyRun struct {
	plan    *Plan
	report  *Report
	opts    ApplyOptions
	orphans *OrphanPolicy

	// typeIDs and stepIDs resolve parents to registry identifiers. They are
	// seeded from remote state and extended by creates of this run.
	typeIDs map[string]string
	stepIDs map[StepKey]string
}

func (r *applyRun) status(id string) ResultStatus {
	if i := r.plan.Position(id); i >= 0 {
		return r.report.Results[i].Status
	}
	return ResultPending
}

// Apply executes the plan in order and returns the run report.
//
// A failed call fails only that operation; operations depending on it are
// skipped and independent ones proceed. An unresolved parent identifier
// aborts the run. Cancellation stops before the next operation and nothing
// already applied is rolled back. The returned error is non-nil only when the
// run was aborted or cancelled; the report is returned in every case.
func (a *Applier) Apply(ctx context.Context, plan *Plan, remote *RemoteState, opts ApplyOptions) (*Report, error) {
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	if plan == nil {
		err := NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
		return NewFailedReport(opts.RunID, "", opts, err), err
	}

	run := &applyRun{
		plan:    plan,
		report:  newReport(opts.RunID, plan, opts),
		opts:    opts,
		orphans: NewOrphanPolicy(opts.Force),
		typeIDs: make(map[string]string),
		stepIDs: make(map[StepKey]string),
	}
	if remote != nil {
		idx := remote.Index()
		for name, pt := range idx.PluginTypes {
			run.typeIDs[name] = pt.ID
		}
		for key, s := range idx.Steps {
			run.stepIDs[key] = s.ID
		}
	}

	ctx, span := a.tracer.Start(ctx, "apply", trace.WithAttributes(
		attribute.String("run.id", opts.RunID),
		attribute.String("plan.id", plan.ID),
		attribute.String("scope", plan.Scope),
		attribute.Bool("dry_run", opts.DryRun),
		attribute.Bool("force", opts.Force),
	))
	defer span.End()

	logger := a.logger.With().Str("run_id", opts.RunID).Str("scope", plan.Scope).Logger()
	logger.Info().
		Int("operations", len(plan.Operations)).
		Bool("dry_run", opts.DryRun).
		Bool("force", opts.Force).
		Msg("Applying plan")

	var runErr error
	for i := range plan.Operations {
		if err := ctx.Err(); err != nil {
			run.cancelRemaining(i, "run cancelled before operation started")
			run.report.fail(RunStatusCancelled, NewPermanentError("run cancelled", err).WithCode(ErrCodeCancelled))
			runErr = run.report.fatal
			break
		}

		op := &plan.Operations[i]
		if err := a.execute(ctx, run, i, op, logger); err != nil {
			run.cancelRemaining(i+1, "apply aborted")
			if HasCode(err, ErrCodeCancelled) {
				run.report.fail(RunStatusCancelled, err)
			} else {
				run.report.fail(RunStatusAborted, err)
			}
			runErr = err
			break
		}
	}

	run.report.finish(plan)

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	span.SetAttributes(attribute.String("run.status", string(run.report.Status)))

	logger.Info().
		Str("status", string(run.report.Status)).
		Int("failed", len(run.report.Failed())).
		Msg("Plan applied")

	return run.report, runErr
}

func (r *applyRun) cancelRemaining(from int, reason string) {
	for j := from; j < len(r.report.Results); j++ {
		res := &r.report.Results[j]
		if res.Status == ResultPending {
			res.Status = ResultCancelled
			res.setError(NewPermanentError(reason, nil).WithCode(ErrCodeCancelled))
		}
	}
}

// execute runs one operation and records its result. A non-nil error aborts
// the whole run.
func (a *Applier) execute(ctx context.Context, run *applyRun, index int, op *Operation, logger zerolog.Logger) error {
	res := &run.report.Results[index]
	start := time.Now()

	ctx, span := a.tracer.Start(ctx, "apply.operation", trace.WithAttributes(
		attribute.String("operation.id", op.ID),
		attribute.String("operation.kind", string(op.Kind)),
		attribute.String("operation.action", string(op.Action)),
		attribute.String("resource.key", op.Key),
	))
	defer span.End()

	oplog := logger.With().
		Str("kind", string(op.Kind)).
		Str("key", op.Key).
		Str("action", string(op.Action)).
		Logger()

	defer func() {
		res.Duration = time.Since(start)
		span.SetAttributes(attribute.String("operation.status", string(res.Status)))
		if res.Status.IsFailure() {
			span.SetStatus(codes.Error, res.Error)
		}
		if a.observer != nil && res.Status != ResultCancelled {
			a.observer.ObserveOperation(op.Kind, op.Action, res.Status, res.Duration)
		}
	}()

	if op.Action == OperationOrphan {
		return a.executeOrphan(ctx, run, res, op, oplog)
	}

	for _, dep := range op.DependsOn {
		if !run.status(dep).Satisfies() {
			res.Status = ResultSkipped
			res.setError(NewSkippedError(op, dep))
			oplog.Warn().Str("dependency", dep).Msg("Operation skipped due to dependency failure")
			a.publish(ctx, run, op, EventTypeOperationSkipped,
				fmt.Sprintf("Skipped %s %s %s: dependency %s did not succeed", op.Action, op.Kind, op.Key, dep), nil)
			return nil
		}
	}

	a.publish(ctx, run, op, EventTypeOperationStarted,
		fmt.Sprintf("Started %s %s %s", op.Action, op.Kind, op.Key), nil)

	call, err := a.mutation(run, op)
	if err != nil {
		res.Status = ResultFailed
		res.setError(err)
		oplog.Error().Err(err).Msg("Apply aborted")
		a.publish(ctx, run, op, EventTypeOperationFailed, err.Error(), nil)
		return err
	}

	if run.opts.DryRun {
		id := op.RemoteID
		if op.Action == OperationCreate {
			id = "planned:" + op.ID
		}
		run.record(op, id)
		res.RemoteID = id
		res.Status = ResultPlanned
		return nil
	}

	id, attempts, err := a.callWithRetry(ctx, run, op, call, oplog)
	res.Attempts = attempts
	if err != nil {
		if ctx.Err() != nil {
			res.Status = ResultCancelled
			cerr := NewPermanentError("run cancelled during operation", err).WithCode(ErrCodeCancelled)
			res.setError(cerr)
			return cerr
		}
		ferr := NewOperationFailedError(op, err)
		res.Status = ResultFailed
		res.setError(ferr)
		oplog.Error().Err(err).Int("attempt", attempts).Msg("Operation failed")
		a.publish(ctx, run, op, EventTypeOperationFailed,
			fmt.Sprintf("Failed %s %s %s: %v", op.Action, op.Kind, op.Key, err), nil)
		return nil
	}

	if op.Action == OperationUpdate {
		id = op.RemoteID
	}
	run.record(op, id)
	res.RemoteID = id
	res.Status = ResultSucceeded
	oplog.Info().Str("remote_id", id).Int("attempt", attempts).Msg("Operation succeeded")
	a.publish(ctx, run, op, EventTypeOperationSucceeded,
		fmt.Sprintf("Completed %s %s %s", op.Action, op.Kind, op.Key),
		map[string]interface{}{"remote_id": id})
	return nil
}

// executeOrphan delegates an orphan to the orphan policy.
func (a *Applier) executeOrphan(ctx context.Context, run *applyRun, res *OperationResult, op *Operation, oplog zerolog.Logger) error {
	decision, reason := run.orphans.Decide(op, run.status)
	switch decision {
	case OrphanWarn:
		res.Status = ResultWarned
		res.Code = "ORPHAN"
		res.Error = "remote entity has no declaration"
		oplog.Warn().Str("remote_id", op.RemoteID).Msg("Orphaned registration left in place")
		a.publish(ctx, run, op, EventTypeOrphanWarning,
			fmt.Sprintf("Orphaned %s %s has no declaration", op.Kind, op.Key), nil)
		return nil

	case OrphanSkip:
		res.Status = ResultSkipped
		res.setError(reason)
		oplog.Warn().Err(reason).Msg("Orphan delete skipped")
		a.publish(ctx, run, op, EventTypeOperationSkipped, reason.Error(), nil)
		return nil
	}

	a.publish(ctx, run, op, EventTypeOperationStarted,
		fmt.Sprintf("Started delete %s %s", op.Kind, op.Key), nil)

	if run.opts.DryRun {
		res.Status = ResultPlanned
		return nil
	}

	_, attempts, err := a.callWithRetry(ctx, run, op, func(c context.Context) (string, error) {
		return "", run.orphans.Delete(c, a.registry, op)
	}, oplog)
	res.Attempts = attempts
	if err != nil {
		if ctx.Err() != nil {
			res.Status = ResultCancelled
			cerr := NewPermanentError("run cancelled during operation", err).WithCode(ErrCodeCancelled)
			res.setError(cerr)
			return cerr
		}
		ferr := NewOperationFailedError(op, err).WithOperation("delete")
		res.Status = ResultFailed
		res.setError(ferr)
		oplog.Error().Err(err).Int("attempt", attempts).Msg("Orphan delete failed")
		a.publish(ctx, run, op, EventTypeOperationFailed,
			fmt.Sprintf("Failed delete %s %s: %v", op.Kind, op.Key, err), nil)
		return nil
	}

	res.Status = ResultDeleted
	oplog.Info().Str("remote_id", op.RemoteID).Msg("Orphaned registration deleted")
	a.publish(ctx, run, op, EventTypeOperationSucceeded,
		fmt.Sprintf("Deleted %s %s", op.Kind, op.Key), nil)
	return nil
}

// mutation resolves the parent identifier and returns the registry call for a
// create or update. An unresolved parent is an ordering bug and aborts the run.
func (a *Applier) mutation(run *applyRun, op *Operation) (func(context.Context) (string, error), error) {
	switch op.Kind {
	case KindPluginType:
		if op.PluginType == nil {
			return nil, NewPermanentError("plugin type operation without payload", nil).
				WithCode(ErrCodeInternal).WithResource(op.Key)
		}
		pt := *op.PluginType
		return func(c context.Context) (string, error) {
			if op.Action == OperationUpdate {
				return "", NewPermanentError("plugin types cannot be updated", nil).
					WithCode(ErrCodeValidation).WithResource(op.Key)
			}
			return a.registry.CreatePluginType(c, run.plan.Scope, pt)
		}, nil

	case KindStep:
		if op.Step == nil {
			return nil, NewPermanentError("step operation without payload", nil).
				WithCode(ErrCodeInternal).WithResource(op.Key)
		}
		step := *op.Step
		parentID, ok := run.typeIDs[step.TypeName]
		if !ok || parentID == "" {
			return nil, NewUnresolvedDependencyError(op, step.TypeName)
		}
		if op.Action == OperationUpdate {
			return func(c context.Context) (string, error) {
				return "", a.registry.UpdateStep(c, op.RemoteID, op.Changes)
			}, nil
		}
		return func(c context.Context) (string, error) {
			return a.registry.CreateStep(c, parentID, step)
		}, nil

	case KindImage:
		if op.Image == nil {
			return nil, NewPermanentError("image operation without payload", nil).
				WithCode(ErrCodeInternal).WithResource(op.Key)
		}
		img := *op.Image
		stepID, ok := run.stepIDs[img.StepKey]
		if !ok || stepID == "" {
			return nil, NewUnresolvedDependencyError(op, img.StepKey.String())
		}
		if op.Action == OperationUpdate {
			return func(c context.Context) (string, error) {
				return "", a.registry.UpdateImage(c, op.RemoteID, op.Changes)
			}, nil
		}
		return func(c context.Context) (string, error) {
			return a.registry.CreateImage(c, stepID, img)
		}, nil
	}

	return nil, NewPermanentError(fmt.Sprintf("unknown entity kind %q", op.Kind), nil).
		WithCode(ErrCodeInternal)
}

// record stores the identifier of an applied create so children can resolve it.
func (r *applyRun) record(op *Operation, id string) {
	switch op.Kind {
	case KindPluginType:
		r.typeIDs[op.PluginType.TypeName] = id
	case KindStep:
		r.stepIDs[op.Step.Key()] = id
	}
}

// callWithRetry issues a registry call bounded by the call timeout. Transient
// and throttled failures are retried with exponential backoff; a timeout is
// reported as a failure and not retried.
func (a *Applier) callWithRetry(
	ctx context.Context,
	run *applyRun,
	op *Operation,
	call func(context.Context) (string, error),
	oplog zerolog.Logger,
) (string, int, error) {
	name := callName(op)
	for attempt := 0; ; attempt++ {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if run.opts.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, run.opts.CallTimeout)
		}
		start := time.Now()
		id, err := call(callCtx)
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		if err == nil {
			if a.observer != nil {
				a.observer.ObserveRemoteCall(name, nil, time.Since(start))
			}
			return id, attempt + 1, nil
		}
		if timedOut {
			err = NewPermanentError(fmt.Sprintf("%s timed out after %s", name, run.opts.CallTimeout), err).
				WithCode(ErrCodeTimeout)
		}
		if a.observer != nil {
			a.observer.ObserveRemoteCall(name, err, time.Since(start))
		}

		if !IsRetryable(err) || attempt >= run.opts.MaxRetries || ctx.Err() != nil {
			return "", attempt + 1, err
		}

		delay := calculateBackoff(attempt, err, run.opts)
		oplog.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("Retrying registry call")
		if a.observer != nil {
			a.observer.ObserveRetry(op.Kind)
		}
		a.publish(ctx, run, op, EventTypeRetry,
			fmt.Sprintf("Retrying after failure (attempt %d/%d)", attempt+1, run.opts.MaxRetries+1),
			map[string]interface{}{"backoff": delay.String(), "error": err.Error()})

		if serr := a.sleep(ctx, delay); serr != nil {
			return "", attempt + 1, serr
		}
	}
}

// calculateBackoff returns baseDelay * 2^attempt, doubled for throttling and
// raised to a registry-provided retry_after hint, capped at MaxRetryDelay.
func calculateBackoff(attempt int, err error, opts ApplyOptions) time.Duration {
	base := opts.RetryBaseDelay
	if base <= 0 {
		base = time.Second
	}
	delay := base * time.Duration(math.Pow(2, float64(attempt)))
	if IsThrottled(err) {
		delay *= 2
	}

	var ee *EngineError
	if errors.As(err, &ee) {
		if hint, ok := ee.Details["retry_after"].(time.Duration); ok && hint > delay {
			delay = hint
		}
	}

	if opts.MaxRetryDelay > 0 && delay > opts.MaxRetryDelay {
		delay = opts.MaxRetryDelay
	}
	return delay
}

// callName is the metric label of the registry call an operation issues.
func callName(op *Operation) string {
	verb := string(op.Action)
	if op.Action == OperationOrphan {
		verb = "delete"
	}
	return fmt.Sprintf("%s_%s", verb, op.Kind)
}

func (a *Applier) publish(ctx context.Context, run *applyRun, op *Operation, typ EventType, msg string, data map[string]interface{}) {
	if a.events == nil {
		return
	}
	event := &Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Timestamp: time.Now(),
		RunID:     run.report.RunID,
		Message:   msg,
		Level:     typ.Severity(),
		Data:      data,
	}
	if op != nil {
		event.OperationID = op.ID
	}
	if err := a.events.Publish(ctx, event); err != nil {
		a.logger.Debug().Err(err).Str("event_type", string(typ)).Msg("Failed to publish event")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
