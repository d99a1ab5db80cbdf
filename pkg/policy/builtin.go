package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		approvalTypesPolicy(),
		destructivePlanPolicy(),
		createSpecPolicy(),
	}
}

// approvalTypesPolicy requires approval for configured deployment types.
func approvalTypesPolicy() Policy {
	return Policy{
		Name:        "approval-types",
		Description: "Requires approval for deployment types listed in settings",
		Enabled:     true,
		Builtin:     true,
		UpdatedAt:   time.Now(),
		Rego: `package cirrus.approval

import rego.v1

require contains msg if {
	some t in data.cirrus.settings.require_approval_types
	input.deployment.type == t
	msg := sprintf("%s deployments always require approval", [t])
}
`,
	}
}

// destructivePlanPolicy requires approval for plans that delete or replace.
func destructivePlanPolicy() Policy {
	return Policy{
		Name:        "destructive-plan",
		Description: "Requires approval when the plan contains destructive changes",
		Enabled:     true,
		Builtin:     true,
		UpdatedAt:   time.Now(),
		Rego: `package cirrus.approval

import rego.v1

require contains "plan contains destructive changes" if {
	data.cirrus.settings.require_approval_destructive
	input.plan.destructive
}
`,
	}
}

// createSpecPolicy denies create deployments missing placement fields.
func createSpecPolicy() Policy {
	return Policy{
		Name:        "create-spec",
		Description: "Denies create deployments without region, size or image",
		Enabled:     true,
		Builtin:     true,
		UpdatedAt:   time.Now(),
		Rego: `package cirrus.approval

import rego.v1

deny contains "create deployment has no machine spec" if {
	input.deployment.type == "create"
	not input.deployment.payload.spec
}

deny contains msg if {
	input.deployment.type == "create"
	spec := input.deployment.payload.spec
	some field in ["region", "size", "image"]
	object.get(spec, field, "") == ""
	msg := sprintf("create deployment is missing %s", [field])
}
`,
	}
}
