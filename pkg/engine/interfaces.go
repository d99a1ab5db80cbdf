package engine

import (
	"context"
	"time"
)

// ProviderAdapter is the per-provider capability set used by the executor's
// apply step and by the reconciler. Every call is idempotent from the caller's
// point of view and every returned error is a classified *DeploymentError.
type ProviderAdapter interface {
	// Type returns the provider this adapter talks to.
	Type() ProviderType

	// CreateMachine creates a machine and returns the provider's id for it and
	// the public address if one is already known.
	CreateMachine(ctx context.Context, spec MachineSpec) (providerMachineID string, ip string, err error)

	// Reboot restarts a machine.
	Reboot(ctx context.Context, providerMachineID string) error

	// Destroy deletes a machine. Destroying a machine that no longer exists succeeds.
	Destroy(ctx context.Context, providerMachineID string) error

	// FetchStatus reads the machine's current status and addresses.
	// A machine that no longer exists is reported as terminated.
	FetchStatus(ctx context.Context, providerMachineID string) (MachineState, error)
}

// AdapterFactory builds the adapter for an account. It is called once per
// account and the result cached, so the provider implementation is fixed when
// the adapter is constructed.
type AdapterFactory func(ctx context.Context, account ProviderAccount, creds Credentials) (ProviderAdapter, error)

// CredentialProvider resolves provider accounts and their decrypted credentials.
type CredentialProvider interface {
	// Account returns the account record, including its credential status.
	Account(ctx context.Context, accountID string) (*ProviderAccount, error)

	// Resolve returns decrypted credentials for the account.
	Resolve(ctx context.Context, accountID string) (Credentials, error)
}

// AuditSink records audit events. Implementations must not block for long;
// a sink error is logged and never fails a deployment.
type AuditSink interface {
	// Record appends an event to the audit trail.
	Record(ctx context.Context, event AuditEvent) error
}

// HeartbeatSource reports when a machine's agent was last heard from.
type HeartbeatSource interface {
	// LastSeen returns the time of the last heartbeat for the machine.
	LastSeen(machineID string) (time.Time, bool)
}

// EventPublisher receives deployment state changes.
type EventPublisher interface {
	// PublishState publishes a state change. It must not block.
	PublishState(ctx context.Context, event StateEvent)
}

// LogArchiver stores the complete log of a finished deployment.
type LogArchiver interface {
	// Archive uploads the log lines of a terminal deployment.
	Archive(ctx context.Context, deployment *Deployment, lines []LogLine) error
}

// Job is everything the executor needs for one plan or apply call.
type Job struct {
	// Deployment is a snapshot of the deployment being executed.
	Deployment *Deployment

	// Machine is a snapshot of the target machine.
	Machine *Machine

	// Adapter is the provider adapter for the machine's account.
	Adapter ProviderAdapter

	// Credentials are the resolved credentials for the machine's account.
	Credentials Credentials

	// Attempt is the 1-based apply attempt number; zero for plan.
	Attempt int

	// Cancelled reports whether cancellation was requested. The executor checks
	// it between log lines and never in the middle of a provider call.
	Cancelled func() bool
}

// LogFunc receives one log line produced by the executor.
type LogFunc func(stream LogStream, text string)

// Executor runs the provisioning tool for a deployment. It never decides state
// transitions; it only returns classified results.
type Executor interface {
	// Plan computes a dry run of the deployment.
	Plan(ctx context.Context, job *Job) (*PlanResult, error)

	// Apply performs the deployment, streaming output through onLine.
	// Failures are reported in ApplyResult.Diagnostic rather than as an error.
	Apply(ctx context.Context, job *Job, onLine LogFunc) *ApplyResult
}

// ApprovalInput is what an approval policy decides on.
type ApprovalInput struct {
	// Deployment is the deployment being validated.
	Deployment *Deployment `json:"deployment"`

	// Machine is the target machine.
	Machine *Machine `json:"machine"`

	// Plan is the dry-run result.
	Plan *PlanResult `json:"plan"`
}

// ApprovalDecision is the outcome of an approval policy evaluation.
type ApprovalDecision struct {
	// RequireApproval is true if an operator must approve before apply.
	RequireApproval bool `json:"require_approval"`

	// Reasons explains why approval is required.
	Reasons []string `json:"reasons,omitempty"`

	// Denials lists reasons the deployment may not run at all.
	Denials []string `json:"denials,omitempty"`
}

// ApprovalPolicy decides whether a planned deployment needs approval.
type ApprovalPolicy interface {
	// Evaluate decides on a planned deployment.
	Evaluate(ctx context.Context, input ApprovalInput) (*ApprovalDecision, error)
}

// SpecValidator checks a create deployment's machine spec beyond the
// structural checks done at enqueue time.
type SpecValidator interface {
	// ValidateSpec returns an error describing every problem with the spec.
	ValidateSpec(ctx context.Context, spec MachineSpec) error
}

// MachineStore persists machines.
type MachineStore interface {
	// CreateMachine inserts a new machine.
	CreateMachine(ctx context.Context, m *Machine) error

	// GetMachine returns a machine owned by the tenant, or ErrNotFound.
	GetMachine(ctx context.Context, tenantID, machineID string) (*Machine, error)

	// UpdateMachine replaces a machine record.
	UpdateMachine(ctx context.Context, m *Machine) error

	// ListMachines returns the tenant's machines. An empty tenant lists all machines.
	ListMachines(ctx context.Context, tenantID string) ([]*Machine, error)
}

// DeploymentStore persists deployments.
type DeploymentStore interface {
	// CreateDeployment inserts a new deployment.
	CreateDeployment(ctx context.Context, d *Deployment) error

	// GetDeployment returns a deployment owned by the tenant, or ErrNotFound.
	GetDeployment(ctx context.Context, tenantID, deploymentID string) (*Deployment, error)

	// UpdateDeployment replaces a deployment record.
	UpdateDeployment(ctx context.Context, d *Deployment) error

	// ListDeployments returns the tenant's deployments, newest first.
	// An empty tenant lists deployments of all tenants.
	ListDeployments(ctx context.Context, tenantID string, filter DeploymentFilter) ([]*Deployment, error)
}

// LogStore persists deployment log lines.
type LogStore interface {
	// AppendLog stores one log line.
	AppendLog(ctx context.Context, deploymentID string, line LogLine) error

	// ReadLogs returns up to limit lines with a cursor greater than after, in cursor order.
	ReadLogs(ctx context.Context, deploymentID string, after int64, limit int) ([]LogLine, error)
}

// Store is the persistence the orchestrator needs.
type Store interface {
	MachineStore
	DeploymentStore
	LogStore
}

// MetricsRecorder receives orchestrator measurements.
type MetricsRecorder interface {
	DeploymentStarted(deploymentType string)
	DeploymentFinished(deploymentType, state string, duration time.Duration)
	ApplyAttempt(provider, outcome string)
	LocksWaiting(n int)
	ActiveDeployments(n int)
	LogLinesDropped(n int64)
	Reconciled(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) DeploymentStarted(string)                         {}
func (nopMetrics) DeploymentFinished(string, string, time.Duration) {}
func (nopMetrics) ApplyAttempt(string, string)                      {}
func (nopMetrics) LocksWaiting(int)                                 {}
func (nopMetrics) ActiveDeployments(int)                            {}
func (nopMetrics) LogLinesDropped(int64)                            {}
func (nopMetrics) Reconciled(string)                                {}
