package policy

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/plugsync/pkg/engine"
)

// Engine is the plan guard: it evaluates the built-in and user Rego policies
// against every plan before anything is applied.
type Engine struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	paths    []string // user policy paths, for reloads
}

type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

var _ engine.PlanGuard = (*Engine)(nil)

// NewEngine returns an engine holding the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{logger: logger.With().Str("component", "policy-engine").Logger()}
	policies, err := e.compileAll(context.Background(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	e.policies = policies
	return e, nil
}

// EvaluatePlan runs every enabled policy against plan. A policy that fails to
// evaluate becomes a warning of the result and blocks nothing.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.Plan) (*engine.PolicyResult, error) {
	if plan == nil {
		return nil, fmt.Errorf("plan is nil")
	}
	start := time.Now()
	input := &PolicyInput{
		Plan:    plan,
		Context: &PolicyContext{Scope: plan.Scope, Timestamp: start, Operation: "plan"},
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &engine.PolicyResult{Violations: []engine.PolicyViolation{}}
	for _, name := range slices.Sorted(maps.Keys(e.policies)) {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		found, err := cp.deny(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Error().Err(err).Str("policy", name).Str("plan", plan.ID).Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
		}
		result.Violations = append(result.Violations, found...)
	}

	slices.SortStableFunc(result.Violations, func(a, b engine.PolicyViolation) int {
		return cmp.Or(
			cmp.Compare(a.Policy, b.Policy),
			cmp.Compare(a.OperationID, b.OperationID),
			cmp.Compare(a.Message, b.Message),
		)
	})
	result.Allowed = !slices.ContainsFunc(result.Violations, engine.PolicyViolation.Blocking)
	result.EvaluatedAt = time.Now()

	e.logger.Debug().
		Str("plan_id", plan.ID).
		Int("violations", len(result.Violations)).
		Bool("allowed", result.Allowed).
		Dur("duration", time.Since(start)).
		Msg("Plan policy evaluation completed")
	return result, nil
}

// deny evaluates the policy's deny set.
func (cp *compiledPolicy) deny(ctx context.Context, input *PolicyInput) ([]engine.PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}
	var out []engine.PolicyViolation
	for _, r := range results {
		if len(r.Expressions) == 0 {
			continue
		}
		set, _ := r.Expressions[0].Value.([]interface{})
		for _, elem := range set {
			out = append(out, cp.violation(elem))
		}
	}
	return out, nil
}

// violation converts one deny set element.
func (cp *compiledPolicy) violation(elem interface{}) engine.PolicyViolation {
	v := engine.PolicyViolation{Policy: cp.policy.Name, Severity: string(cp.policy.Severity)}
	switch d := elem.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		v.Message, _ = d["message"].(string)
		v.OperationID, _ = d["operation"].(string)
		v.Resource, _ = d["resource"].(string)
		if sev, ok := d["severity"].(string); ok && Severity(sev).Validate() == nil {
			v.Severity = sev
		}
	default:
		v.Message = fmt.Sprintf("%v", elem)
	}
	return v
}

// compile prepares the <package>.deny query of policy.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}
	if err := policy.Severity.Validate(); err != nil {
		return nil, err
	}

	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	pkg := module.Package.Path.String()
	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(pkg+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	e.logger.Debug().Str("policy", policy.Name).Str("package", pkg).Msg("Policy compiled")
	return &compiledPolicy{policy: policy, query: query}, nil
}

// compileAll compiles the built-ins followed by user. A user policy may
// replace a built-in of the same name.
func (e *Engine) compileAll(ctx context.Context, user []Policy) (map[string]*compiledPolicy, error) {
	out := map[string]*compiledPolicy{}
	builtins := GetBuiltinPolicies()
	for _, set := range [][]Policy{builtins, user} {
		for i := range set {
			cp, err := e.compile(ctx, &set[i])
			if err != nil {
				kind := "policy"
				if set[i].Builtin {
					kind = "built-in policy"
				}
				return nil, fmt.Errorf("failed to compile %s %s: %w", kind, set[i].Name, err)
			}
			out[set[i].Name] = cp
		}
	}
	return out, nil
}

// LoadPolicies adds the policies found under paths and remembers the paths
// for ReloadPolicies and Watch. Nothing changes when any policy fails to load
// or compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := e.compile(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled[policies[i].Name] = cp
	}

	e.mu.Lock()
	maps.Copy(e.policies, compiled)
	e.paths = append(e.paths, paths...)
	e.mu.Unlock()

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded successfully")
	return nil
}

// ReloadPolicies rebuilds the policy set from the built-ins and the
// remembered paths. On failure the current set stays in place.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.RLock()
	paths := slices.Clone(e.paths)
	e.mu.RUnlock()

	var policies []Policy
	if len(paths) > 0 {
		var err error
		if policies, err = NewLoader(e.logger).LoadFromPaths(ctx, paths); err != nil {
			return fmt.Errorf("failed to reload policies: %w", err)
		}
	}
	return e.replace(ctx, policies)
}

// Watch reloads the remembered paths whenever a policy file changes, until
// ctx is done.
func (e *Engine) Watch(ctx context.Context) error {
	e.mu.RLock()
	paths := slices.Clone(e.paths)
	e.mu.RUnlock()
	if len(paths) == 0 {
		return nil
	}
	return NewLoader(e.logger).Watch(ctx, paths, func(policies []Policy) error {
		return e.replace(ctx, policies)
	})
}

// replace swaps in a freshly compiled set. Policies disabled in the current
// set stay disabled.
func (e *Engine) replace(ctx context.Context, user []Policy) error {
	next, err := e.compileAll(ctx, user)
	if err != nil {
		return err
	}

	e.mu.Lock()
	for name, cp := range e.policies {
		if n, ok := next[name]; ok && !cp.policy.Enabled {
			n.policy.Enabled = false
		}
	}
	e.policies = next
	e.mu.Unlock()

	e.logger.Info().Int("count", len(next)).Msg("Policies reloaded")
	return nil
}

// GetPolicy returns a copy of the named policy.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns copies of all policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policies))
	for _, name := range slices.Sorted(maps.Keys(e.policies)) {
		out = append(out, *e.policies[name].policy)
	}
	return out
}

// EnablePolicy turns the named policy on.
func (e *Engine) EnablePolicy(name string) error { return e.setEnabled(name, true) }

// DisablePolicy turns the named policy off.
func (e *Engine) DisablePolicy(name string) error { return e.setEnabled(name, false) }

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}
