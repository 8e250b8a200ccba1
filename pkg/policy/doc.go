// Package policy guards plugsync plans with Open Policy Agent (OPA) Rego
// policies.
//
// Engine implements engine.PlanGuard. Each enabled policy is evaluated
// against the document
//
//	{"plan": <engine.Plan as JSON>, "context": {"scope": ..., "timestamp": ..., "operation": "plan"}}
//
// and must define a deny set in its package. A deny element is either a
// message string or an object with message and optional operation, resource
// and severity keys. Error and critical violations make the plan blocked;
// apply then stops before any registry call. Other severities are reported
// only.
//
// # Built-in policies
//
//   - async-requires-postoperation (error): asynchronous steps only run at PostOperation.
//   - image-message-compat (error): pre-images do not exist on Create, post-images
//     do not exist on Delete and need the PostOperation stage.
//   - plugin-type-delete (warning): a plugin type is no longer declared.
//   - rank-range (warning): step rank below 1.
//
// # Custom policies
//
// LoadPolicies reads .rego and .json files. Rego modules use v0 syntax unless
// they import rego.v1:
//
//	# Steps on contact are frozen.
//	# severity: error
//	package contoso.frozen
//
//	import rego.v1
//
//	deny contains v if {
//	    some op in input.plan.operations
//	    op.step.primaryEntity == "contact"
//	    v := {"message": "contact is frozen", "operation": op.id}
//	}
//
// Watch reloads the loaded paths when a policy file changes.
package policy
