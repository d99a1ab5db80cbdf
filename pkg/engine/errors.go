package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of a deployment error.
// The state machine is the only place a class is turned into a transition.
type ErrorClass string

const (
	// ErrorClassPrecondition indicates the deployment could not start.
	// Examples: invalid provider account, missing machine, policy denial.
	ErrorClassPrecondition ErrorClass = "precondition_failed"

	// ErrorClassTransient indicates a provider failure expected to succeed on retry.
	// Examples: timeouts, rate limits, 5xx responses.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a provider rejected the request.
	// Examples: 4xx responses other than rate limiting, malformed machine spec.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassExecutorCrash indicates the provisioning tool exited unexpectedly.
	ErrorClassExecutorCrash ErrorClass = "executor_crash"

	// ErrorClassCancelled indicates the work stopped at a checkpoint on request.
	ErrorClassCancelled ErrorClass = "cancelled"

	// ErrorClassCancelledAfterPartialApply indicates cancellation arrived after
	// provider state had already been mutated.
	ErrorClassCancelledAfterPartialApply ErrorClass = "cancelled_after_partial_apply"
)

// IsRetryable returns true if the class feeds the apply retry policy.
func (c ErrorClass) IsRetryable() bool {
	return c == ErrorClassTransient
}

// Sentinel errors returned by the orchestrator facade and stores.
var (
	// ErrNotFound is returned when a machine, deployment or account does not
	// exist or belongs to another tenant.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a state change is not in the transition table.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotAwaitingApproval is returned by Approve for deployments that never asked for approval.
	ErrNotAwaitingApproval = errors.New("deployment is not awaiting approval")

	// ErrInvalidRequest is returned for malformed enqueue requests.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrClosed is returned once the orchestrator has been shut down.
	ErrClosed = errors.New("orchestrator closed")
)

// DeploymentError is a classified error produced by the executor, a provider
// adapter or the state machine itself.
type DeploymentError struct {
	// Class is the error classification used by the retry policy.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Provider is the provider that produced the error, if any.
	Provider ProviderType `json:"provider,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Stderr is the full captured stderr of a crashed provisioning tool.
	Stderr string `json:"stderr,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface. The class is always the leading token
// so the string can be stored verbatim on the deployment.
func (e *DeploymentError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Class))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Operation != "" {
		fmt.Fprintf(&b, " (operation=%s", e.Operation)
		if e.Provider != "" {
			fmt.Fprintf(&b, ", provider=%s", e.Provider)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Stderr != "" {
		b.WriteString("\n")
		b.WriteString(e.Stderr)
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *DeploymentError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *DeploymentError) Is(target error) bool {
	t, ok := target.(*DeploymentError)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

func newDeploymentError(class ErrorClass, message string, err error) *DeploymentError {
	return &DeploymentError{
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// NewPreconditionError creates a new precondition failure.
func NewPreconditionError(message string, err error) *DeploymentError {
	return newDeploymentError(ErrorClassPrecondition, message, err)
}

// NewTransientError creates a new transient provider error.
func NewTransientError(message string, err error) *DeploymentError {
	return newDeploymentError(ErrorClassTransient, message, err)
}

// NewPermanentError creates a new permanent provider error.
func NewPermanentError(message string, err error) *DeploymentError {
	return newDeploymentError(ErrorClassPermanent, message, err)
}

// NewExecutorCrash creates an error for a provisioning tool that exited with an
// unrecognised failure. The full stderr is kept.
func NewExecutorCrash(message, stderr string, err error) *DeploymentError {
	e := newDeploymentError(ErrorClassExecutorCrash, message, err)
	e.Stderr = stderr
	return e
}

// NewCancelledError creates an error for work stopped at a cancellation checkpoint.
func NewCancelledError(message string) *DeploymentError {
	return newDeploymentError(ErrorClassCancelled, message, nil)
}

// NewCancelledAfterPartialApply creates the error recorded when a cancellation
// lands after provider state was mutated.
func NewCancelledAfterPartialApply(message string) *DeploymentError {
	return newDeploymentError(ErrorClassCancelledAfterPartialApply, message, nil)
}

// WithCode adds an error code to an error.
func (e *DeploymentError) WithCode(code string) *DeploymentError {
	e.Code = code
	return e
}

// WithOperation adds operation context to an error.
func (e *DeploymentError) WithOperation(operation string) *DeploymentError {
	e.Operation = operation
	return e
}

// WithProvider records which provider produced the error.
func (e *DeploymentError) WithProvider(provider ProviderType) *DeploymentError {
	e.Provider = provider
	return e
}

// WithDetail adds a detail field to the error context.
func (e *DeploymentError) WithDetail(key string, value interface{}) *DeploymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the classification of err. Unclassified errors are permanent.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var e *DeploymentError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassPermanent
}

// AsDeploymentError returns err as a *DeploymentError, wrapping unclassified
// errors as permanent.
func AsDeploymentError(err error) *DeploymentError {
	if err == nil {
		return nil
	}
	var e *DeploymentError
	if errors.As(err, &e) {
		return e
	}
	return NewPermanentError("unclassified error", err)
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return ClassOf(err) == ErrorClassTransient
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return ClassOf(err) == ErrorClassPermanent
}

// IsPrecondition returns true if the error is a precondition failure.
func IsPrecondition(err error) bool {
	return ClassOf(err) == ErrorClassPrecondition
}

// Common error codes.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeAccountInvalid  = "ACCOUNT_INVALID"
	ErrCodeLockNotHeld     = "LOCK_NOT_HELD"
	ErrCodePolicyDenied    = "POLICY_DENIED"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeProviderFailed  = "PROVIDER_FAILED"
	ErrCodeRetryExhausted  = "RETRY_EXHAUSTED"
	ErrCodeRestarted       = "ORCHESTRATOR_RESTARTED"
	ErrCodeInternal        = "INTERNAL_ERROR"
	ErrCodeToolUnavailable = "TOOL_UNAVAILABLE"
)
