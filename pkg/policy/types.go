package policy

import (
	"time"
)

// Package names the approval rules must live in. Every loaded module is
// compiled together, so several files can contribute to the same rule sets.
const (
	// ApprovalPackage is the Rego package queried on every evaluation.
	ApprovalPackage = "cirrus.approval"

	// approvalQuery reads both rule sets in one evaluation.
	approvalQuery = "data.cirrus.approval"
)

// Policy is one Rego module.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the binary.
	Builtin bool `json:"builtin"`

	// Source is the file the policy was loaded from, if any.
	Source string `json:"source,omitempty"`

	// UpdatedAt is when the policy was last loaded.
	UpdatedAt time.Time `json:"updated_at"`
}

// Settings parameterise the built-in rules. They are exposed to Rego as
// data.cirrus.settings so operator policies can read them too.
type Settings struct {
	// RequireApprovalTypes lists deployment types that always need approval.
	RequireApprovalTypes []string `json:"require_approval_types" yaml:"require_approval_types" env:"REQUIRE_APPROVAL_TYPES" envSeparator:","`

	// RequireApprovalDestructive requires approval for destructive plans.
	RequireApprovalDestructive bool `json:"require_approval_destructive" yaml:"require_approval_destructive" env:"REQUIRE_APPROVAL_DESTRUCTIVE"`
}

// DefaultSettings requires approval for destroy and for destructive plans.
func DefaultSettings() Settings {
	return Settings{
		RequireApprovalTypes:       []string{"destroy"},
		RequireApprovalDestructive: true,
	}
}

// Config configures the policy engine.
type Config struct {
	// Dir is an optional directory of .rego files compiled alongside the built-ins.
	Dir string `yaml:"dir" env:"DIR"`

	// Watch reloads Dir when its files change.
	Watch bool `yaml:"watch" env:"WATCH"`

	// DisableBuiltins drops the built-in rules, leaving only Dir.
	DisableBuiltins bool `yaml:"disable_builtins" env:"DISABLE_BUILTINS"`

	Settings Settings `yaml:"settings" envPrefix:"SETTINGS_"`
}
