// Package policy decides which deployments need an operator's approval,
// using Open Policy Agent (OPA) Rego rules.
//
// # Rules
//
// Every enabled module is compiled into a single query over
// data.cirrus.approval. Two rule sets are read from it:
//
//   - require: a set of reasons; any entry sends the deployment to
//     awaiting_approval.
//   - deny: a set of reasons; any entry fails the deployment as a
//     precondition failure before it touches the provider.
//
// The input document is the deployment, its target machine and the dry-run
// plan:
//
//	{
//	  "deployment": {"type": "destroy", "payload": {"spec": {...}}, ...},
//	  "machine":    {"provider": "hetzner", "region": "fsn1", ...},
//	  "plan":       {"destructive": true, "changes": [...]}
//	}
//
// # Built-in rules
//
// approval-types requires approval for the deployment types listed in
// data.cirrus.settings.require_approval_types (destroy by default).
// destructive-plan requires approval for destructive plans when
// data.cirrus.settings.require_approval_destructive is true. create-spec
// denies create deployments without region, size or image.
//
// # Operator rules
//
// Config.Dir points at a directory of .rego (or JSON-wrapped) modules that are
// compiled alongside the built-ins. With Config.Watch set, Engine.Watch
// reloads the directory on change; a module that fails to compile leaves the
// previous rule set in effect.
//
//	package cirrus.approval
//
//	import rego.v1
//
//	require contains "production machines need approval" if {
//	    input.machine.tags.env == "production"
//	}
package policy
