package engine

import (
	"context"
	"fmt"
)

// DefaultApprovalPolicy is the built-in approval rule set: deployments of the
// listed types always need approval, and so do destructive plans when
// RequireDestructive is set.
type DefaultApprovalPolicy struct {
	// RequireTypes lists deployment types that always need approval.
	RequireTypes []DeploymentType

	// RequireDestructive requires approval for any plan marked destructive.
	RequireDestructive bool
}

// NewDefaultApprovalPolicy returns the default policy: destroy always needs
// approval, as does any destructive plan.
func NewDefaultApprovalPolicy() *DefaultApprovalPolicy {
	return &DefaultApprovalPolicy{
		RequireTypes:       []DeploymentType{DeploymentDestroy},
		RequireDestructive: true,
	}
}

// Evaluate implements ApprovalPolicy.
func (p *DefaultApprovalPolicy) Evaluate(_ context.Context, input ApprovalInput) (*ApprovalDecision, error) {
	if input.Deployment == nil {
		return nil, fmt.Errorf("approval input has no deployment")
	}

	decision := &ApprovalDecision{}
	for _, t := range p.RequireTypes {
		if input.Deployment.Type == t {
			decision.RequireApproval = true
			decision.Reasons = append(decision.Reasons,
				fmt.Sprintf("%s deployments always require approval", t))
		}
	}
	if p.RequireDestructive && input.Plan != nil && input.Plan.Destructive {
		decision.RequireApproval = true
		decision.Reasons = append(decision.Reasons, "plan contains destructive changes")
	}
	return decision, nil
}
