package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from DeploymentState
		to   DeploymentState
		want bool
	}{
		{DeploymentPending, DeploymentValidating, true},
		{DeploymentPending, DeploymentCancelled, true},
		{DeploymentPending, DeploymentInProgress, false},
		{DeploymentValidating, DeploymentAwaitingApproval, true},
		{DeploymentValidating, DeploymentInProgress, true},
		{DeploymentValidating, DeploymentFailed, true},
		{DeploymentAwaitingApproval, DeploymentInProgress, true},
		{DeploymentAwaitingApproval, DeploymentCancelled, true},
		{DeploymentAwaitingApproval, DeploymentFailed, false},
		{DeploymentInProgress, DeploymentCompleted, true},
		{DeploymentInProgress, DeploymentAwaitingApproval, false},
		{DeploymentCompleted, DeploymentFailed, false},
		{DeploymentFailed, DeploymentPending, false},
		{DeploymentCancelled, DeploymentValidating, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransition(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	d := &Deployment{State: DeploymentPending}
	if err := Transition(d, DeploymentValidating, nil, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.FinishedAt != nil || !d.UpdatedAt.Equal(now) {
		t.Errorf("non-terminal transition: FinishedAt=%v UpdatedAt=%v", d.FinishedAt, d.UpdatedAt)
	}

	if err := Transition(d, DeploymentFailed, NewPermanentError("image not found", nil), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.FinishedAt == nil || d.ErrorClass != ErrorClassPermanent || d.Error != "permanent: image not found" {
		t.Errorf("unexpected failed deployment %+v", d)
	}

	if err := Transition(d, DeploymentCompleted, nil, now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("terminal deployments must not move, got %v", err)
	}

	c := &Deployment{State: DeploymentAwaitingApproval}
	if err := Transition(c, DeploymentCancelled, nil, now); err != nil {
		t.Fatal(err)
	}
	if c.ErrorClass != ErrorClassCancelled || c.Error != "cancelled: cancelled by operator" {
		t.Errorf("unexpected cancel error %q (%s)", c.Error, c.ErrorClass)
	}
}

func TestRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.MaxAttempts() != 4 {
		t.Errorf("expected 4 attempts, got %d", p.MaxAttempts())
	}

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 4 * time.Second},
		{10, 4 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.retry); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.retry, got, tt.want)
		}
	}

	if got := (RetryPolicy{MaxRetries: -1}).MaxAttempts(); got != 1 {
		t.Errorf("negative retries should allow one attempt, got %d", got)
	}
	if got := (RetryPolicy{BaseDelay: time.Second}).Delay(4); got != 8*time.Second {
		t.Errorf("uncapped delay: expected 8s, got %s", got)
	}
}

func TestDeploymentErrorFormat(t *testing.T) {
	tests := []struct {
		name string
		err  *DeploymentError
		want string
	}{
		{
			name: "message only",
			err:  NewTransientError("rate limited", nil),
			want: "transient: rate limited",
		},
		{
			name: "with operation and cause",
			err:  NewPermanentError("request rejected", fmt.Errorf("422 unprocessable")).WithOperation("create").WithProvider(ProviderHetzner),
			want: "permanent: request rejected (operation=create, provider=hetzner): 422 unprocessable",
		},
		{
			name: "crash keeps stderr",
			err:  NewExecutorCrash("tofu exited with status 2", "panic: boom", nil),
			want: "executor_crash: tofu exited with status 2\npanic: boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeploymentErrorClassification(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("apply: %w", NewTransientError("provider unreachable", cause).WithCode(ErrCodeTimeout))

	if !errors.Is(err, &DeploymentError{Class: ErrorClassTransient}) {
		t.Error("expected class match")
	}
	if !errors.Is(err, &DeploymentError{Class: ErrorClassTransient, Code: ErrCodeTimeout}) {
		t.Error("expected class and code match")
	}
	if errors.Is(err, &DeploymentError{Class: ErrorClassTransient, Code: ErrCodeRateLimited}) {
		t.Error("different code must not match")
	}
	if !errors.Is(err, cause) {
		t.Error("expected the cause to be reachable")
	}
	if !IsTransient(err) || IsPermanent(err) || ClassOf(err) != ErrorClassTransient {
		t.Errorf("unexpected classification %s", ClassOf(err))
	}
	if !ErrorClassTransient.IsRetryable() || ErrorClassPermanent.IsRetryable() || ErrorClassExecutorCrash.IsRetryable() {
		t.Error("only transient errors are retryable")
	}

	plain := errors.New("something odd")
	if ClassOf(plain) != ErrorClassPermanent {
		t.Errorf("unclassified errors are permanent, got %s", ClassOf(plain))
	}
	wrapped := AsDeploymentError(plain)
	if wrapped.Class != ErrorClassPermanent || !errors.Is(wrapped, plain) {
		t.Errorf("unexpected wrapped error %v", wrapped)
	}
	if AsDeploymentError(nil) != nil || ClassOf(nil) != "" {
		t.Error("nil errors stay nil")
	}
}

func TestDefaultApprovalPolicy(t *testing.T) {
	policy := NewDefaultApprovalPolicy()
	ctx := context.Background()

	tests := []struct {
		name    string
		dtype   DeploymentType
		plan    *PlanResult
		want    bool
		reasons int
	}{
		{"reboot", DeploymentReboot, &PlanResult{}, false, 0},
		{"create", DeploymentCreate, &PlanResult{}, false, 0},
		{"destroy", DeploymentDestroy, &PlanResult{}, true, 1},
		{"destructive plan", DeploymentCreate, &PlanResult{Destructive: true}, true, 1},
		{"destructive destroy", DeploymentDestroy, &PlanResult{Destructive: true}, true, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := policy.Evaluate(ctx, ApprovalInput{
				Deployment: &Deployment{Type: tt.dtype},
				Plan:       tt.plan,
			})
			if err != nil {
				t.Fatal(err)
			}
			if decision.RequireApproval != tt.want || len(decision.Reasons) != tt.reasons {
				t.Errorf("got require=%v reasons=%v", decision.RequireApproval, decision.Reasons)
			}
		})
	}

	if _, err := policy.Evaluate(ctx, ApprovalInput{}); err == nil {
		t.Error("expected error without a deployment")
	}

	relaxed := &DefaultApprovalPolicy{}
	decision, _ := relaxed.Evaluate(ctx, ApprovalInput{Deployment: &Deployment{Type: DeploymentDestroy}})
	if decision.RequireApproval {
		t.Errorf("empty policy should not require approval: %s", strings.Join(decision.Reasons, "; "))
	}
}
