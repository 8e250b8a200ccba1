package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithPlanGuard evaluates every plan before it is applied.
func WithPlanGuard(guard PlanGuard) Option {
	return func(r *Reconciler) { r.guard = guard }
}

// WithRecorder persists every finished run.
func WithRecorder(recorder RunRecorder) Option {
	return func(r *Reconciler) { r.recorder = recorder }
}

// WithEventSink publishes run and operation events.
func WithEventSink(events EventSink) Option {
	return func(r *Reconciler) { r.events = events }
}

// WithObserver receives execution measurements.
func WithObserver(observer Observer) Option {
	return func(r *Reconciler) { r.observer = observer }
}

// WithCallTimeout bounds the remote state reads.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Reconciler) { r.callTimeout = d }
}

// Reconciler wires the declaration model, state loader, differ, plan guard
// and applier into plan and apply runs for one registry.
type Reconciler struct {
	registry    Registry
	guard       PlanGuard
	recorder    RunRecorder
	events      EventSink
	observer    Observer
	callTimeout time.Duration
	tracer      trace.Tracer
	logger      zerolog.Logger
}

// NewReconciler creates a reconciler for the given registry.
func NewReconciler(registry Registry, logger zerolog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		registry:    registry,
		callTimeout: DefaultApplyOptions().CallTimeout,
		tracer:      otel.Tracer(tracerName),
		logger:      logger.With().Str("component", "reconciler").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Prepared is a computed plan with the inputs it was computed from.
type Prepared struct {
	Desired *DesiredState
	Remote  *RemoteState
	Plan    *Plan
	Policy  *PolicyResult
}

// Blocked reports whether the plan guard rejected the plan.
func (p *Prepared) Blocked() bool {
	return p.Policy != nil && !p.Policy.Allowed
}

// Prepare validates the document, loads the remote state of scope, computes
// the plan and evaluates it against the plan guard. Nothing is mutated.
func (r *Reconciler) Prepare(ctx context.Context, scope string, doc *Document) (*Prepared, error) {
	ctx, span := r.tracer.Start(ctx, "plan", trace.WithAttributes(attribute.String("scope", scope)))
	defer span.End()

	desired, err := NewDesiredState(doc)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	loadCtx, loadSpan := r.tracer.Start(ctx, "load_remote_state")
	remote, err := NewStateLoader(r.registry, r.callTimeout, r.logger, r.observer).Load(loadCtx, scope)
	if err != nil {
		recordSpanError(loadSpan, err)
		loadSpan.End()
		recordSpanError(span, err)
		return nil, err
	}
	loadSpan.SetAttributes(
		attribute.Int("plugin_types", len(remote.PluginTypes)),
		attribute.Int("steps", len(remote.Steps)),
		attribute.Int("images", len(remote.Images)),
	)
	loadSpan.End()

	_, diffSpan := r.tracer.Start(ctx, "diff")
	plan, err := NewDiffer(r.logger).Diff(desired, remote)
	if err != nil {
		recordSpanError(diffSpan, err)
		diffSpan.End()
		recordSpanError(span, err)
		return nil, err
	}
	diffSpan.SetAttributes(attribute.Int("operations", len(plan.Operations)))
	diffSpan.End()

	prepared := &Prepared{Desired: desired, Remote: remote, Plan: plan}
	if r.guard != nil {
		result, err := r.guard.EvaluatePlan(ctx, plan)
		if err != nil {
			err = NewPermanentError("plan guard evaluation failed", err).WithCode(ErrCodePolicyViolation)
			recordSpanError(span, err)
			return nil, err
		}
		prepared.Policy = result
	}

	r.logger.Info().
		Str("scope", scope).
		Str("plan_id", plan.ID).
		Int("operations", len(plan.Operations)).
		Msg("Plan prepared")

	return prepared, nil
}

// Execute applies a prepared plan (or walks it in dry run), then records and
// observes the run. Blocking policy violations fail the run before any
// mutation.
func (r *Reconciler) Execute(ctx context.Context, prepared *Prepared, opts ApplyOptions) (*Report, error) {
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	ctx, span := r.tracer.Start(ctx, "reconcile", trace.WithAttributes(
		attribute.String("run.id", opts.RunID),
		attribute.Bool("dry_run", opts.DryRun),
	))
	defer span.End()

	r.publish(ctx, opts.RunID, EventTypeRunStarted, "Run started")

	var report *Report
	var err error
	if prepared.Blocked() {
		err = policyError(prepared.Policy)
		report = NewFailedReport(opts.RunID, prepared.Plan.Scope, opts, err)
		report.PlanID = prepared.Plan.ID
		report.tally(prepared.Plan)
	} else {
		report, err = NewApplier(r.registry, r.events, r.observer, r.logger).
			Apply(ctx, prepared.Plan, prepared.Remote, opts)
	}
	if prepared.Policy != nil {
		report.Violations = prepared.Policy.Violations
	}

	r.finish(ctx, report)
	if err != nil {
		recordSpanError(span, err)
	}
	return report, err
}

// Run prepares and executes in one pass. Failures before apply still produce
// a recorded report.
func (r *Reconciler) Run(ctx context.Context, scope string, doc *Document, opts ApplyOptions) (*Report, error) {
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	prepared, err := r.Prepare(ctx, scope, doc)
	if err != nil {
		report := NewFailedReport(opts.RunID, scope, opts, err)
		r.publish(ctx, opts.RunID, EventTypeRunStarted, "Run started")
		r.finish(ctx, report)
		return report, err
	}
	return r.Execute(ctx, prepared, opts)
}

func (r *Reconciler) finish(ctx context.Context, report *Report) {
	if report.Status == RunStatusSucceeded {
		r.publish(ctx, report.RunID, EventTypeRunCompleted, "Run completed successfully")
	} else {
		r.publish(ctx, report.RunID, EventTypeRunFailed,
			fmt.Sprintf("Run completed with status: %s", report.Status))
	}

	if r.observer != nil {
		r.observer.ObserveRun(report)
	}
	if r.recorder != nil {
		if err := r.recorder.RecordRun(ctx, report); err != nil {
			r.logger.Error().Err(err).Str("run_id", report.RunID).Msg("Failed to record run")
		}
	}
}

func (r *Reconciler) publish(ctx context.Context, runID string, typ EventType, msg string) {
	if r.events == nil {
		return
	}
	event := &Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Timestamp: time.Now(),
		RunID:     runID,
		Message:   msg,
		Level:     typ.Severity(),
	}
	if err := r.events.Publish(ctx, event); err != nil {
		r.logger.Debug().Err(err).Msg("Failed to publish event")
	}
}

func policyError(result *PolicyResult) error {
	msgs := make([]string, 0)
	for _, v := range result.Violations {
		if v.Blocking() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
		}
	}
	return NewPermanentError(fmt.Sprintf("plan rejected by policy: %s", strings.Join(msgs, "; ")), nil).
		WithCode(ErrCodePolicyViolation)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
