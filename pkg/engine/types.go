package engine

import (
	"encoding/json"
	"time"
)

// Machine is a cloud compute instance managed through deployments.
type Machine struct {
	// ID is the orchestrator's identifier for the machine.
	ID string `json:"machine_id"`

	// TenantID is the team that owns the machine.
	TenantID string `json:"tenant_id"`

	// Name is the hostname requested at creation.
	Name string `json:"name"`

	// Provider is the cloud provider hosting the machine.
	Provider ProviderType `json:"provider"`

	// ProviderAccountID is the account whose credentials manage the machine.
	ProviderAccountID string `json:"provider_account_id"`

	// ProviderMachineID is the provider's own identifier, empty until created.
	ProviderMachineID string `json:"provider_machine_id,omitempty"`

	// Region is the provider region or zone.
	Region string `json:"region"`

	// Size is the provider instance size or type.
	Size string `json:"size"`

	// Image is the operating system image.
	Image string `json:"image"`

	// DesiredStatus is the status an operator asked for.
	DesiredStatus MachineStatus `json:"desired_status"`

	// ActualStatus is the status last read from the provider.
	// Only the reconciler writes it.
	ActualStatus MachineStatus `json:"actual_status"`

	// PublicIP is the public address, if any.
	PublicIP string `json:"public_ip,omitempty"`

	// PrivateIP is the private network address, if any.
	PrivateIP string `json:"private_ip,omitempty"`

	// Tags are user labels applied at the provider.
	Tags map[string]string `json:"tags,omitempty"`

	// AgentStatus is derived from agent heartbeats at read time and never stored.
	AgentStatus AgentStatus `json:"agent_status"`

	// CreatedAt is when the machine record was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the machine record was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the machine.
func (m *Machine) Clone() *Machine {
	if m == nil {
		return nil
	}
	c := *m
	if m.Tags != nil {
		c.Tags = make(map[string]string, len(m.Tags))
		for k, v := range m.Tags {
			c.Tags[k] = v
		}
	}
	return &c
}

// MachineSpec describes a machine to create.
type MachineSpec struct {
	// Name is the hostname to give the machine.
	Name string `json:"name" validate:"required,hostname_rfc1123"`

	// Provider is the cloud provider to create the machine on.
	Provider ProviderType `json:"provider" validate:"required,oneof=digitalocean aws gcp hetzner"`

	// ProviderAccountID is the account used to create the machine.
	ProviderAccountID string `json:"provider_account_id" validate:"required"`

	// Region is the provider region or zone.
	Region string `json:"region" validate:"required"`

	// Size is the provider instance size or type.
	Size string `json:"size" validate:"required"`

	// Image is the operating system image.
	Image string `json:"image" validate:"required"`

	// Tags are user labels applied at the provider.
	Tags map[string]string `json:"tags,omitempty"`

	// SSHKeys are provider key identifiers or fingerprints to install.
	SSHKeys []string `json:"ssh_keys,omitempty"`

	// Bootstrap is the pre-rendered bootstrap configuration (cloud-init or script).
	// It is opaque to the orchestrator.
	Bootstrap string `json:"bootstrap,omitempty"`

	// BootstrapKind tells the executor how to deliver Bootstrap: "cloud-init" is
	// passed as user data, "ssh-script" is uploaded and run after creation.
	BootstrapKind string `json:"bootstrap_kind,omitempty" validate:"omitempty,oneof=cloud-init ssh-script"`

	// MachineID is the cirrus machine being created. Adapters derive their
	// idempotency key from it so a retried create never makes a second
	// instance. It is set by the executor, never by API callers.
	MachineID string `json:"-"`
}

// Payload carries the type-specific input of a deployment.
type Payload struct {
	// Spec is the machine to create, set for create deployments.
	Spec *MachineSpec `json:"spec,omitempty"`

	// Service is the systemd unit to restart, set for service_restart deployments.
	Service string `json:"service,omitempty"`
}

// Deployment is one typed unit of work against a machine.
type Deployment struct {
	// ID is the unique identifier of the deployment.
	ID string `json:"deployment_id"`

	// TenantID is the team that owns the deployment.
	TenantID string `json:"tenant_id"`

	// MachineID is the machine the deployment operates on. For create it is
	// reserved when the deployment is enqueued.
	MachineID string `json:"machine_id"`

	// Type is the kind of work.
	Type DeploymentType `json:"type"`

	// State is the current state machine state.
	State DeploymentState `json:"state"`

	// Payload is the type-specific input.
	Payload Payload `json:"payload"`

	// Plan is the dry-run output awaiting approval, if any.
	Plan json.RawMessage `json:"plan,omitempty"`

	// Error is the diagnostic for a deployment that did not complete.
	Error string `json:"error,omitempty"`

	// ErrorClass classifies Error.
	ErrorClass ErrorClass `json:"error_class,omitempty"`

	// LogCursor is the cursor of the last log line written.
	LogCursor int64 `json:"log_cursor"`

	// Attempts is the number of apply attempts made.
	Attempts int `json:"attempts"`

	// CreatedAt is when the deployment was enqueued.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the deployment last changed state.
	UpdatedAt time.Time `json:"updated_at"`

	// FinishedAt is when the deployment reached a terminal state.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of the deployment.
func (d *Deployment) Clone() *Deployment {
	if d == nil {
		return nil
	}
	c := *d
	if d.Plan != nil {
		c.Plan = append(json.RawMessage(nil), d.Plan...)
	}
	if d.Payload.Spec != nil {
		spec := *d.Payload.Spec
		if spec.Tags != nil {
			spec.Tags = make(map[string]string, len(d.Payload.Spec.Tags))
			for k, v := range d.Payload.Spec.Tags {
				spec.Tags[k] = v
			}
		}
		spec.SSHKeys = append([]string(nil), d.Payload.Spec.SSHKeys...)
		c.Payload.Spec = &spec
	}
	if d.FinishedAt != nil {
		t := *d.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// LogLine is one line of a deployment's log stream.
type LogLine struct {
	// Cursor is the 1-based position of the line in the deployment's log.
	Cursor int64 `json:"cursor"`

	// Timestamp is when the line was produced.
	Timestamp time.Time `json:"timestamp"`

	// Stream identifies the producer of the line.
	Stream LogStream `json:"stream"`

	// Text is the line without its trailing newline.
	Text string `json:"text"`

	// Gap is the number of lines a slow subscriber missed immediately before this one.
	Gap int64 `json:"gap,omitempty"`
}

// PlannedChange is a single change a plan would make.
type PlannedChange struct {
	// Action is the kind of change: create, reboot, delete, restart or update.
	Action string `json:"action"`

	// Target is the resource the change applies to.
	Target string `json:"target"`

	// Description is a human-readable summary of the change.
	Description string `json:"description,omitempty"`
}

// PlanResult is the outcome of a dry run.
type PlanResult struct {
	// Changes lists what an apply would do.
	Changes []PlannedChange `json:"changes"`

	// Destructive is true if the plan deletes or replaces provider resources.
	Destructive bool `json:"destructive"`

	// Summary is the tool's one-line plan summary, if any.
	Summary string `json:"summary,omitempty"`
}

// ApplyResult is the outcome of one apply attempt.
type ApplyResult struct {
	// Success is true if the apply finished without error.
	Success bool `json:"success"`

	// Mutated is true once a mutating provider call was sent during this attempt.
	Mutated bool `json:"mutated"`

	// ProviderMachineID is set by create applies.
	ProviderMachineID string `json:"provider_machine_id,omitempty"`

	// PublicIP is the address reported at creation, if any.
	PublicIP string `json:"public_ip,omitempty"`

	// Diagnostic is the classified failure when Success is false.
	Diagnostic *DeploymentError `json:"diagnostic,omitempty"`
}

// MachineState is a provider's authoritative view of a machine.
type MachineState struct {
	// Status is the mapped provider status.
	Status MachineStatus `json:"status"`

	// PublicIP is the public address, if any.
	PublicIP string `json:"public_ip,omitempty"`

	// PrivateIP is the private address, if any.
	PrivateIP string `json:"private_ip,omitempty"`
}

// ProviderAccount is a set of provider credentials owned by a tenant.
type ProviderAccount struct {
	// ID is the account identifier.
	ID string `json:"provider_account_id"`

	// TenantID is the team that owns the account.
	TenantID string `json:"tenant_id"`

	// ProviderType is the provider the credentials are for.
	ProviderType ProviderType `json:"provider_type"`

	// CredentialStatus is the last known validity of the credentials.
	CredentialStatus CredentialStatus `json:"credential_status"`
}

// Credentials are decrypted provider credentials. Which fields are used depends
// on the provider.
type Credentials struct {
	// Token is an API token (DigitalOcean, Hetzner).
	Token string `json:"-"`

	// AccessKeyID is the AWS access key.
	AccessKeyID string `json:"-"`

	// SecretAccessKey is the AWS secret key.
	SecretAccessKey string `json:"-"`

	// SessionToken is an optional AWS session token.
	SessionToken string `json:"-"`

	// Region is the default region for providers that need one at client construction.
	Region string `json:"region,omitempty"`

	// ProjectID is the GCP project.
	ProjectID string `json:"project_id,omitempty"`

	// ServiceAccountJSON is a GCP service account key.
	ServiceAccountJSON []byte `json:"-"`

	// SSHUser is the login user for service restarts and bootstrap scripts.
	SSHUser string `json:"ssh_user,omitempty"`

	// SSHPrivateKey is the PEM private key for SSH access to machines.
	SSHPrivateKey []byte `json:"-"`
}

// AuditEvent is one entry in the append-only audit trail.
type AuditEvent struct {
	// Action is what happened, such as deployment.in_progress or machine.drift.
	Action string `json:"action"`

	// Outcome is success, failure or cancelled.
	Outcome string `json:"outcome"`

	// TenantID is the owning team.
	TenantID string `json:"tenant_id"`

	// DeploymentID correlates the event with a deployment, if any.
	DeploymentID string `json:"deployment_id,omitempty"`

	// MachineID correlates the event with a machine, if any.
	MachineID string `json:"machine_id,omitempty"`

	// FromState is the state before a transition.
	FromState DeploymentState `json:"from_state,omitempty"`

	// ToState is the state after a transition.
	ToState DeploymentState `json:"to_state,omitempty"`

	// Message carries the error or drift detail.
	Message string `json:"message,omitempty"`

	// Timestamp is when the event happened.
	Timestamp time.Time `json:"timestamp"`
}

// Audit outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeCancelled = "cancelled"
)

// StateEvent is published on every deployment state change.
type StateEvent struct {
	// DeploymentID is the deployment that changed.
	DeploymentID string `json:"deployment_id"`

	// TenantID is the owning team.
	TenantID string `json:"tenant_id"`

	// MachineID is the deployment's machine.
	MachineID string `json:"machine_id"`

	// Type is the deployment type.
	Type DeploymentType `json:"type"`

	// From is the previous state.
	From DeploymentState `json:"from"`

	// To is the new state.
	To DeploymentState `json:"to"`

	// Error is the deployment error, set for failed and cancelled.
	Error string `json:"error,omitempty"`

	// Timestamp is when the change happened.
	Timestamp time.Time `json:"timestamp"`
}

// EnqueueRequest asks the orchestrator for a new deployment.
type EnqueueRequest struct {
	// Type is the kind of deployment.
	Type DeploymentType `json:"type"`

	// MachineID is the target machine; ignored for create.
	MachineID string `json:"machine_id,omitempty"`

	// Spec is the machine to create; required for create.
	Spec *MachineSpec `json:"spec,omitempty"`

	// Service is the unit to restart; required for service_restart.
	Service string `json:"service,omitempty"`
}

// DeploymentFilter narrows ListDeployments.
type DeploymentFilter struct {
	// MachineID restricts results to one machine when set.
	MachineID string

	// ActiveOnly restricts results to non-terminal deployments.
	ActiveOnly bool

	// Limit caps the number of results; zero means no limit.
	Limit int
}
