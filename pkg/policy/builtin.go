package policy

// Built-in policy names.
const (
	PolicyAsyncRequiresPostOperation = "async-requires-postoperation"
	PolicyImageMessageCompat         = "image-message-compat"
	PolicyPluginTypeDelete           = "plugin-type-delete"
	PolicyRankRange                  = "rank-range"
)

// GetBuiltinPolicies returns all built-in policies. They encode the platform's
// registration rules so a plan the platform would reject fails before any
// call is made.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		asyncRequiresPostOperationPolicy(),
		imageMessageCompatPolicy(),
		pluginTypeDeletePolicy(),
		rankRangePolicy(),
	}
}

func asyncRequiresPostOperationPolicy() Policy {
	return Policy{
		Name:        PolicyAsyncRequiresPostOperation,
		Description: "Asynchronous steps can only be registered at the PostOperation stage",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package plugsync.async_requires_postoperation

import rego.v1

deny contains violation if {
	some op in input.plan.operations
	op.kind == "step"
	op.action in {"create", "update"}
	op.step.mode == "Asynchronous"
	op.step.stage != "PostOperation"
	violation := {
		"message": sprintf("asynchronous step %s must be registered at PostOperation, not %s", [op.key, op.step.stage]),
		"operation": op.id,
		"resource": op.key,
	}
}
`,
	}
}

func imageMessageCompatPolicy() Policy {
	return Policy{
		Name:        PolicyImageMessageCompat,
		Description: "Images must be available for the step's message and stage",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package plugsync.image_message_compat

import rego.v1

image_ops contains op if {
	some op in input.plan.operations
	op.kind == "image"
	op.action in {"create", "update"}
}

has_pre(image) if image.imageType in {"PreImage", "Both"}

has_post(image) if image.imageType in {"PostImage", "Both"}

deny contains violation if {
	some op in image_ops
	has_pre(op.image)
	op.image.stepKey.message == "Create"
	violation := {
		"message": sprintf("image %s: a pre-image is not available on the Create message", [op.key]),
		"operation": op.id,
		"resource": op.key,
	}
}

deny contains violation if {
	some op in image_ops
	has_post(op.image)
	op.image.stepKey.message == "Delete"
	violation := {
		"message": sprintf("image %s: a post-image is not available on the Delete message", [op.key]),
		"operation": op.id,
		"resource": op.key,
	}
}

deny contains violation if {
	some op in image_ops
	has_post(op.image)
	op.image.stepKey.stage != "PostOperation"
	violation := {
		"message": sprintf("image %s: a post-image requires the PostOperation stage, not %s", [op.key, op.image.stepKey.stage]),
		"operation": op.id,
		"resource": op.key,
	}
}
`,
	}
}

func pluginTypeDeletePolicy() Policy {
	return Policy{
		Name:        PolicyPluginTypeDelete,
		Description: "Calls out plugin types that are no longer declared",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package plugsync.plugin_type_delete

import rego.v1

deny contains violation if {
	some op in input.plan.operations
	op.kind == "plugintype"
	op.action == "orphan"
	violation := {
		"message": sprintf("plugin type %s is no longer declared and is deleted with --force", [op.key]),
		"operation": op.id,
		"resource": op.key,
	}
}
`,
	}
}

func rankRangePolicy() Policy {
	return Policy{
		Name:        PolicyRankRange,
		Description: "Step rank should be at least 1",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package plugsync.rank_range

import rego.v1

deny contains violation if {
	some op in input.plan.operations
	op.kind == "step"
	op.action in {"create", "update"}
	op.step.rank < 1
	violation := {
		"message": sprintf("step %s has rank %d; ranks start at 1", [op.key, op.step.rank]),
		"operation": op.id,
		"resource": op.key,
	}
}
`,
	}
}
