package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// onGrant is called by the lock manager when a queued deployment gets its lock.
func (o *Orchestrator) onGrant(machineID, deploymentID string) {
	o.metrics.LocksWaiting(o.locks.TotalWaiting())
	o.appendLog(o.workCtx, deploymentID, LogSystem, fmt.Sprintf("machine %s lock granted", machineID))
	o.schedule(deploymentID)
}

// schedule queues a deployment for the next free worker.
func (o *Orchestrator) schedule(deploymentID string) {
	o.readyMu.Lock()
	o.ready = append(o.ready, deploymentID)
	o.readyMu.Unlock()

	select {
	case o.readySig <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) nextReady() (string, bool) {
	for {
		o.readyMu.Lock()
		if len(o.ready) > 0 {
			id := o.ready[0]
			o.ready = o.ready[1:]
			o.readyMu.Unlock()
			return id, true
		}
		o.readyMu.Unlock()

		select {
		case <-o.stopCtx.Done():
			return "", false
		case <-o.readySig:
		}
	}
}

// dispatchLoop hands ready deployments to at most MaxWorkers goroutines.
func (o *Orchestrator) dispatchLoop() {
	defer o.dispatch.Done()

	for {
		id, ok := o.nextReady()
		if !ok {
			return
		}
		if err := o.sem.Acquire(o.stopCtx, 1); err != nil {
			return
		}
		o.wg.Add(1)
		go func(id string) {
			defer o.wg.Done()
			defer o.sem.Release(1)
			o.execute(o.workCtx, id)
		}(id)
	}
}

// execute runs the next phase of a deployment: validation and planning for a
// pending deployment, or the apply loop for an approved one.
func (o *Orchestrator) execute(ctx context.Context, deploymentID string) {
	a := o.activeByID(deploymentID)
	if a == nil {
		return
	}

	a.mu.Lock()
	if a.dep.State.IsTerminal() {
		a.mu.Unlock()
		return
	}
	if a.running {
		a.rerun = true
		a.mu.Unlock()
		return
	}
	a.running = true
	state := a.dep.State
	a.mu.Unlock()

	ctx, span := tracer().Start(ctx, "deployment."+string(state),
		trace.WithAttributes(
			attribute.String(attrDeploymentID, deploymentID),
			attribute.String(attrMachineID, a.dep.MachineID),
			attribute.String(attrTenantID, a.dep.TenantID),
			attribute.String(attrDeploymentType, string(a.dep.Type)),
		))

	switch state {
	case DeploymentPending:
		o.validate(ctx, a)
	case DeploymentInProgress:
		o.apply(ctx, a)
	default:
		o.logger.Warn().Str("deployment_id", deploymentID).Str("state", string(state)).
			Msg("Deployment scheduled in unexpected state")
	}
	span.End()

	a.mu.Lock()
	a.running = false
	rerun := a.rerun
	a.rerun = false
	cancelNow := a.cancelled() && a.dep.State == DeploymentAwaitingApproval
	var snapshot *Deployment
	if cancelNow {
		if err := o.transitionLocked(ctx, a, DeploymentCancelled, nil); err == nil {
			snapshot = o.snapshotLocked(a)
		}
	}
	terminal := a.dep.State.IsTerminal()
	a.mu.Unlock()

	if snapshot != nil {
		o.release(ctx, a, snapshot)
	}
	if rerun && !terminal {
		o.schedule(deploymentID)
	}
}

// validate checks preconditions, computes the plan and either parks the
// deployment for approval or proceeds straight to apply.
func (o *Orchestrator) validate(ctx context.Context, a *activeDeployment) {
	if !o.transition(ctx, a, DeploymentValidating, nil) {
		return
	}
	if a.cancelled() {
		o.finish(ctx, a, DeploymentCancelled, nil)
		return
	}

	job, derr := o.prepareJob(ctx, a)
	if derr != nil {
		o.appendLog(ctx, job.Deployment.ID, LogSystem, derr.Error())
		o.finish(ctx, a, DeploymentFailed, derr)
		return
	}

	planCtx, cancel := context.WithTimeout(ctx, o.planTimeout)
	plan, err := o.executor.Plan(planCtx, job)
	timedOut := errors.Is(planCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		derr := AsDeploymentError(err)
		if timedOut {
			derr = NewTransientError(fmt.Sprintf("plan exceeded %s", o.planTimeout), err).WithCode(ErrCodeTimeout)
		}
		o.appendLog(ctx, job.Deployment.ID, LogSystem, "plan failed: "+derr.Error())
		o.finish(ctx, a, DeploymentFailed, derr)
		return
	}
	if a.cancelled() {
		o.finish(ctx, a, DeploymentCancelled, nil)
		return
	}

	for _, change := range plan.Changes {
		o.appendLog(ctx, job.Deployment.ID, LogSystem, fmt.Sprintf("plan: %s %s", change.Action, change.Target))
	}
	if raw, err := json.Marshal(plan); err == nil {
		a.mu.Lock()
		a.dep.Plan = raw
		a.mu.Unlock()
	}

	decision, err := o.approval.Evaluate(ctx, ApprovalInput{
		Deployment: job.Deployment,
		Machine:    job.Machine,
		Plan:       plan,
	})
	if err != nil {
		o.finish(ctx, a, DeploymentFailed,
			NewPreconditionError("approval policy evaluation failed", err).WithCode(ErrCodePolicyDenied))
		return
	}
	if len(decision.Denials) > 0 {
		o.finish(ctx, a, DeploymentFailed,
			NewPreconditionError(strings.Join(decision.Denials, "; "), nil).WithCode(ErrCodePolicyDenied))
		return
	}

	if decision.RequireApproval {
		o.appendLog(ctx, job.Deployment.ID, LogSystem,
			"approval required: "+strings.Join(decision.Reasons, "; "))
		o.transition(ctx, a, DeploymentAwaitingApproval, nil)
		return
	}

	if !o.transition(ctx, a, DeploymentInProgress, nil) {
		return
	}
	o.apply(ctx, a)
}

// prepareJob checks the deployment's preconditions and builds the executor job.
func (o *Orchestrator) prepareJob(ctx context.Context, a *activeDeployment) (*Job, *DeploymentError) {
	a.mu.Lock()
	d := o.snapshotLocked(a)
	a.mu.Unlock()

	job := &Job{Deployment: d, Cancelled: a.cancelled}

	if holder, ok := o.locks.Holder(d.MachineID); !ok || holder != d.ID {
		return job, NewPreconditionError(fmt.Sprintf("machine %s lock is not held by this deployment", d.MachineID), nil).
			WithCode(ErrCodeLockNotHeld)
	}

	machine, err := o.store.GetMachine(ctx, d.TenantID, d.MachineID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return job, NewPreconditionError(fmt.Sprintf("machine %s not found", d.MachineID), nil).WithCode(ErrCodeNotFound)
		}
		return job, NewPreconditionError("failed to load machine", err)
	}
	job.Machine = machine

	switch {
	case d.Type == DeploymentCreate && machine.ProviderMachineID != "":
		return job, NewPreconditionError(fmt.Sprintf("machine %s already exists at the provider", machine.ID), nil).
			WithCode(ErrCodeValidation)
	case d.Type.RequiresExistingMachine() && machine.ProviderMachineID == "":
		return job, NewPreconditionError(fmt.Sprintf("machine %s has no provider instance", machine.ID), nil).
			WithCode(ErrCodeNotFound)
	case d.Type.RequiresExistingMachine() && machine.ActualStatus == MachineStatusTerminated:
		return job, NewPreconditionError(fmt.Sprintf("machine %s is terminated", machine.ID), nil).
			WithCode(ErrCodeValidation)
	}

	if d.Type == DeploymentCreate && o.specs != nil && d.Payload.Spec != nil {
		if err := o.specs.ValidateSpec(ctx, *d.Payload.Spec); err != nil {
			return job, NewPreconditionError("machine spec is invalid", err).WithCode(ErrCodeValidation)
		}
	}

	account, err := o.creds.Account(ctx, machine.ProviderAccountID)
	if err != nil {
		return job, NewPreconditionError(fmt.Sprintf("provider account %s unavailable", machine.ProviderAccountID), err).
			WithCode(ErrCodeAccountInvalid)
	}
	if account.TenantID != "" && account.TenantID != d.TenantID {
		return job, NewPreconditionError(fmt.Sprintf("provider account %s not found", account.ID), nil).
			WithCode(ErrCodeAccountInvalid)
	}
	if account.CredentialStatus != CredentialStatusValid {
		return job, NewPreconditionError(fmt.Sprintf("provider account %s credentials are %s", account.ID, account.CredentialStatus), nil).
			WithCode(ErrCodeAccountInvalid)
	}
	if account.ProviderType != machine.Provider {
		return job, NewPreconditionError(fmt.Sprintf("provider account %s is for %s, machine is on %s",
			account.ID, account.ProviderType, machine.Provider), nil).WithCode(ErrCodeAccountInvalid)
	}

	adapter, creds, err := o.adapters.AdapterFor(ctx, account.ID)
	if err != nil {
		return job, NewPreconditionError("failed to construct provider adapter", err).WithCode(ErrCodeAccountInvalid)
	}
	job.Adapter = adapter
	job.Credentials = creds
	return job, nil
}

// apply runs the apply step with the retry policy. Only transient failures
// are retried; cancellation is honoured between attempts.
func (o *Orchestrator) apply(ctx context.Context, a *activeDeployment) {
	job, derr := o.prepareJob(ctx, a)
	if derr != nil {
		o.appendLog(ctx, job.Deployment.ID, LogSystem, derr.Error())
		o.finish(ctx, a, DeploymentFailed, derr)
		return
	}
	d := job.Deployment
	provider := string(job.Machine.Provider)
	maxAttempts := o.retry.MaxAttempts()

	var last *DeploymentError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if a.cancelled() {
			o.finishCancelled(ctx, a)
			return
		}

		a.mu.Lock()
		a.dep.Attempts = attempt
		a.mu.Unlock()
		o.appendLog(ctx, d.ID, LogSystem, fmt.Sprintf("attempt %d/%d", attempt, maxAttempts))

		result, timedOut := o.applyAttempt(ctx, job, attempt)
		if result.Mutated {
			a.mu.Lock()
			a.mutated = true
			a.mu.Unlock()
		}
		if !result.Success && d.Type == DeploymentCreate && result.ProviderMachineID != "" && job.Machine.ProviderMachineID == "" {
			// The instance exists even though a later step failed; later
			// attempts resume from it instead of creating another.
			if m, err := o.reconciler.RecordCreated(ctx, d.TenantID, d.MachineID, result.ProviderMachineID, result.PublicIP); err == nil {
				job.Machine = m
			}
		}

		if result.Success {
			o.metrics.ApplyAttempt(provider, "success")
			o.complete(ctx, a, job, result)
			return
		}

		diag := result.Diagnostic
		if diag == nil {
			diag = NewExecutorCrash("apply failed without a diagnostic", "", nil)
		}
		if timedOut && !a.cancelled() {
			diag = NewTransientError(fmt.Sprintf("apply attempt %d exceeded %s", attempt, o.applyTimeout), diag).
				WithCode(ErrCodeTimeout)
		}
		if diag.Class == ErrorClassCancelled {
			if a.cancelled() || ctx.Err() != nil {
				o.metrics.ApplyAttempt(provider, string(diag.Class))
				o.finishCancelled(ctx, a)
				return
			}
			// Only an operator cancel or shutdown may end a deployment as cancelled.
			diag = NewExecutorCrash("executor reported a cancellation that was not requested", "", diag)
		}
		o.metrics.ApplyAttempt(provider, string(diag.Class))

		last = diag
		o.appendLog(ctx, d.ID, LogSystem, fmt.Sprintf("attempt %d/%d failed: %s", attempt, maxAttempts, diag.Error()))
		if !diag.Class.IsRetryable() || attempt == maxAttempts {
			break
		}

		delay := o.retry.Delay(attempt)
		o.appendLog(ctx, d.ID, LogSystem, fmt.Sprintf("retrying in %s", delay))
		if !a.sleep(delay) {
			o.finishCancelled(ctx, a)
			return
		}
	}

	if last.Class.IsRetryable() {
		last.WithDetail("attempts", maxAttempts)
		o.appendLog(ctx, d.ID, LogSystem, fmt.Sprintf("retry budget exhausted after %d attempts", maxAttempts))
	}
	o.finish(ctx, a, DeploymentFailed, last)
}

func (o *Orchestrator) applyAttempt(ctx context.Context, job *Job, attempt int) (*ApplyResult, bool) {
	ctx, span := tracer().Start(ctx, "apply.attempt",
		trace.WithAttributes(attribute.Int(attrAttempt, attempt)))
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, o.applyTimeout)
	defer cancel()

	job.Attempt = attempt
	result := o.executor.Apply(attemptCtx, job, func(stream LogStream, text string) {
		o.appendLog(ctx, job.Deployment.ID, stream, text)
	})
	timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
	if result == nil {
		result = &ApplyResult{Diagnostic: NewExecutorCrash("executor returned no result", "", nil)}
	}
	if !result.Success && result.Diagnostic != nil {
		span.RecordError(result.Diagnostic)
		span.SetStatus(codes.Error, string(result.Diagnostic.Class))
	}
	return result, timedOut
}

// complete records the provider result, reconciles the machine and only then
// marks the deployment completed.
func (o *Orchestrator) complete(ctx context.Context, a *activeDeployment, job *Job, result *ApplyResult) {
	d := job.Deployment
	if d.Type == DeploymentCreate {
		if _, err := o.reconciler.RecordCreated(ctx, d.TenantID, d.MachineID, result.ProviderMachineID, result.PublicIP); err != nil {
			o.finish(ctx, a, DeploymentFailed,
				NewCancelledAfterPartialApply(fmt.Sprintf("machine created as %s but could not be recorded", result.ProviderMachineID)).
					WithCode(ErrCodeInternal))
			return
		}
	}

	machine, err := o.reconciler.Reconcile(ctx, d.TenantID, d.MachineID)
	if err != nil {
		o.appendLog(ctx, d.ID, LogSystem, "reconcile failed, machine status unchanged: "+err.Error())
	} else {
		o.appendLog(ctx, d.ID, LogSystem, fmt.Sprintf("machine %s is %s", machine.ID, machine.ActualStatus))
	}
	o.finish(ctx, a, DeploymentCompleted, nil)
}

// finishCancelled resolves a cancellation observed at a checkpoint.
func (o *Orchestrator) finishCancelled(ctx context.Context, a *activeDeployment) {
	a.mu.Lock()
	mutated := a.mutated
	a.mu.Unlock()

	if mutated {
		o.finish(ctx, a, DeploymentFailed,
			NewCancelledAfterPartialApply("cancelled after provider state was mutated"))
		return
	}
	o.finish(ctx, a, DeploymentCancelled, nil)
}

// transition moves a to the given non-terminal state. It returns false if the
// transition was rejected, for example because a cancel already finished it.
func (o *Orchestrator) transition(ctx context.Context, a *activeDeployment, to DeploymentState, derr *DeploymentError) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return o.transitionLocked(ctx, a, to, derr) == nil
}

// finish moves a to a terminal state and releases everything it holds.
func (o *Orchestrator) finish(ctx context.Context, a *activeDeployment, to DeploymentState, derr *DeploymentError) {
	a.mu.Lock()
	if err := o.transitionLocked(ctx, a, to, derr); err != nil {
		a.mu.Unlock()
		return
	}
	snapshot := o.snapshotLocked(a)
	a.mu.Unlock()

	o.release(ctx, a, snapshot)
}

// transitionLocked applies a state change, persists it and emits exactly one
// audit event. Callers hold a.mu.
func (o *Orchestrator) transitionLocked(ctx context.Context, a *activeDeployment, to DeploymentState, derr *DeploymentError) error {
	d := a.dep
	from := d.State
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	line := o.appendLog(ctx, d.ID, LogSystem, fmt.Sprintf("state %s -> %s", from, to))
	d.LogCursor = line.Cursor
	if err := Transition(d, to, derr, o.now().UTC()); err != nil {
		return err
	}
	if err := o.store.UpdateDeployment(ctx, d); err != nil {
		o.logger.Error().Err(err).Str("deployment_id", d.ID).Msg("Failed to persist deployment state")
	}

	o.recordAudit(ctx, AuditEvent{
		Action:       "deployment." + string(to),
		Outcome:      outcomeFor(to),
		TenantID:     d.TenantID,
		DeploymentID: d.ID,
		MachineID:    d.MachineID,
		FromState:    from,
		ToState:      to,
		Message:      d.Error,
	})
	o.publish(ctx, d, from)

	event := o.logger.Info()
	if to == DeploymentFailed {
		event = o.logger.Warn().Str("error", d.Error)
	}
	event.Str("deployment_id", d.ID).
		Str("machine_id", d.MachineID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Deployment state changed")
	return nil
}

// release hands the machine lock to the next waiter and closes the log
// stream of a terminal deployment.
func (o *Orchestrator) release(ctx context.Context, a *activeDeployment, d *Deployment) {
	o.locks.Remove(d.MachineID, d.ID)
	o.locks.ReleaseIfHeld(d.MachineID, d.ID)
	o.logs.Close(d.ID)

	o.mu.Lock()
	delete(o.active, d.ID)
	n := len(o.active)
	o.mu.Unlock()

	o.metrics.ActiveDeployments(n)
	o.metrics.LocksWaiting(o.locks.TotalWaiting())
	o.metrics.DeploymentFinished(string(d.Type), string(d.State), d.UpdatedAt.Sub(d.CreatedAt))
	close(a.done)

	if o.archiver != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.archive(context.WithoutCancel(ctx), d)
		}()
	}
}

func (o *Orchestrator) archive(ctx context.Context, d *Deployment) {
	var lines []LogLine
	var after int64
	for {
		page, err := o.store.ReadLogs(ctx, d.ID, after, logReplayPageSize)
		if err != nil {
			o.logger.Error().Err(err).Str("deployment_id", d.ID).Msg("Failed to read logs for archive")
			return
		}
		if len(page) == 0 {
			break
		}
		lines = append(lines, page...)
		after = page[len(page)-1].Cursor
	}
	if err := o.archiver.Archive(ctx, d, lines); err != nil {
		o.logger.Error().Err(err).Str("deployment_id", d.ID).Msg("Failed to archive deployment log")
	}
}

func (o *Orchestrator) appendLog(ctx context.Context, deploymentID string, stream LogStream, text string) LogLine {
	return o.logs.Append(ctx, deploymentID, stream, text)
}

func (o *Orchestrator) recordAudit(ctx context.Context, event AuditEvent) {
	if o.audit == nil {
		return
	}
	event.Timestamp = o.now().UTC()
	if err := o.audit.Record(ctx, event); err != nil {
		o.logger.Error().Err(err).Str("action", event.Action).Msg("Failed to record audit event")
	}
}

func (o *Orchestrator) publish(ctx context.Context, d *Deployment, from DeploymentState) {
	if o.events == nil {
		return
	}
	o.events.PublishState(ctx, StateEvent{
		DeploymentID: d.ID,
		TenantID:     d.TenantID,
		MachineID:    d.MachineID,
		Type:         d.Type,
		From:         from,
		To:           d.State,
		Error:        d.Error,
		Timestamp:    time.Now().UTC(),
	})
}
