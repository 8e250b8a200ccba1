// Package engine reconciles plugin registrations against a declaration.
//
// # Overview
//
// A run follows a fixed pipeline:
//
//  1. Declaration - validate the extractor's document into a DesiredState
//  2. Remote state - load plugin types, steps and images of one scope (StateLoader)
//  3. Diff - match entities by identity key and build an immutable Plan (Differ)
//  4. Guard - evaluate the plan against policies (PlanGuard)
//  5. Apply - execute the plan serially against the registry (Applier)
//  6. Report - summarize per-kind counts and failures (Report)
//
// # Identity Keys
//
// Entities are matched across runs by deterministic keys:
//
//   - PluginType: TypeName
//   - Step: (TypeName, Message, PrimaryEntity, Stage)
//   - Image: (Step key, ImageType, Name)
//
// Mode, rank, filtering attributes and configuration are not part of the step
// key; changing them updates the step in place.
//
// # Plan Order
//
// Creates and updates run parents first (plugin types, steps, images) in
// declaration order. Orphans follow children first (images, steps, plugin
// types) in remote fetch order. Each operation lists the IDs it depends on;
// when a dependency fails, dependents are skipped and unrelated operations
// still run.
//
// # Orphans
//
// Remote entities without a declaration are orphans. Without force they are
// reported and left in place. With force they are deleted, images before
// their step; a plugin type is deleted only when all of its steps were.
//
// # Error Classification
//
// Registry errors are classified for retry logic:
//
//   - Transient: temporary failures that may succeed on retry
//   - Throttled: rate limiting that requires backoff
//   - Conflict: state that blocks an operation
//   - Permanent: non-recoverable errors
//
// Only transient and throttled errors are retried. A call that exceeds the
// call timeout fails its operation without a retry.
//
// # Example Usage
//
//	rec := engine.NewReconciler(registry, logger,
//	    engine.WithPlanGuard(guard),
//	    engine.WithRecorder(journal),
//	)
//	report, err := rec.Run(ctx, "Contoso.Plugins", doc, engine.ApplyOptions{DryRun: true})
//	if err != nil {
//	    return err
//	}
//	report.Render(os.Stdout)
package engine
