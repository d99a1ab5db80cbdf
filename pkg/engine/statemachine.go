package engine

import (
	"fmt"
	"time"
)

// transitions is the complete deployment transition table.
var transitions = map[DeploymentState][]DeploymentState{
	DeploymentPending:          {DeploymentValidating, DeploymentCancelled, DeploymentFailed},
	DeploymentValidating:       {DeploymentAwaitingApproval, DeploymentInProgress, DeploymentFailed, DeploymentCancelled},
	DeploymentAwaitingApproval: {DeploymentInProgress, DeploymentCancelled},
	DeploymentInProgress:       {DeploymentCompleted, DeploymentFailed, DeploymentCancelled},
}

// CanTransition reports whether a deployment may move from one state to another.
func CanTransition(from, to DeploymentState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves d to the given state, recording err for failed and
// cancelled outcomes. Terminal deployments are never modified.
func Transition(d *Deployment, to DeploymentState, err *DeploymentError, now time.Time) error {
	if !CanTransition(d.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.State, to)
	}

	d.State = to
	d.UpdatedAt = now
	if err != nil {
		d.Error = err.Error()
		d.ErrorClass = err.Class
	}
	if to.IsTerminal() {
		finished := now
		d.FinishedAt = &finished
		if to == DeploymentCancelled && d.Error == "" {
			d.Error = NewCancelledError("cancelled by operator").Error()
			d.ErrorClass = ErrorClassCancelled
		}
	}
	return nil
}

// outcomeFor maps a target state to the audit outcome recorded for it.
func outcomeFor(to DeploymentState) string {
	switch to {
	case DeploymentFailed:
		return OutcomeFailure
	case DeploymentCancelled:
		return OutcomeCancelled
	default:
		return OutcomeSuccess
	}
}
