package engine

import (
	"encoding/json"
	"fmt"
)

// ProviderType identifies the cloud provider backing a machine.
type ProviderType string

const (
	// ProviderDigitalOcean manages droplets through the DigitalOcean API.
	ProviderDigitalOcean ProviderType = "digitalocean"

	// ProviderAWS manages EC2 instances.
	ProviderAWS ProviderType = "aws"

	// ProviderGCP manages Compute Engine instances.
	ProviderGCP ProviderType = "gcp"

	// ProviderHetzner manages Hetzner Cloud servers.
	ProviderHetzner ProviderType = "hetzner"
)

// Validate checks if the provider type is one of the supported providers.
func (p ProviderType) Validate() error {
	switch p {
	case ProviderDigitalOcean, ProviderAWS, ProviderGCP, ProviderHetzner:
		return nil
	default:
		return fmt.Errorf("invalid provider type: %s", p)
	}
}

// MachineStatus is the lifecycle status of a machine as observed at the provider.
type MachineStatus string

const (
	// MachineStatusPending indicates the machine has been requested but not yet observed.
	MachineStatusPending MachineStatus = "pending"

	// MachineStatusProvisioning indicates the provider is still building the machine.
	MachineStatusProvisioning MachineStatus = "provisioning"

	// MachineStatusRunning indicates the machine is up.
	MachineStatusRunning MachineStatus = "running"

	// MachineStatusStopping indicates the machine is shutting down.
	MachineStatusStopping MachineStatus = "stopping"

	// MachineStatusStopped indicates the machine is powered off.
	MachineStatusStopped MachineStatus = "stopped"

	// MachineStatusRebooting indicates the machine is restarting.
	MachineStatusRebooting MachineStatus = "rebooting"

	// MachineStatusTerminating indicates the machine is being deleted.
	MachineStatusTerminating MachineStatus = "terminating"

	// MachineStatusTerminated indicates the machine no longer exists at the provider.
	MachineStatusTerminated MachineStatus = "terminated"

	// MachineStatusError indicates the provider reports the machine as broken.
	MachineStatusError MachineStatus = "error"
)

// IsTransitional returns true if the provider is still moving the machine between states.
func (s MachineStatus) IsTransitional() bool {
	switch s {
	case MachineStatusPending, MachineStatusProvisioning, MachineStatusStopping,
		MachineStatusRebooting, MachineStatusTerminating:
		return true
	}
	return false
}

// Validate checks if the machine status is valid.
func (s MachineStatus) Validate() error {
	switch s {
	case MachineStatusPending, MachineStatusProvisioning, MachineStatusRunning,
		MachineStatusStopping, MachineStatusStopped, MachineStatusRebooting,
		MachineStatusTerminating, MachineStatusTerminated, MachineStatusError:
		return nil
	default:
		return fmt.Errorf("invalid machine status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s MachineStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *MachineStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = MachineStatus(str)
	return s.Validate()
}

// DeploymentType is the kind of work a deployment performs.
type DeploymentType string

const (
	// DeploymentCreate provisions a new machine.
	DeploymentCreate DeploymentType = "create"

	// DeploymentReboot restarts an existing machine.
	DeploymentReboot DeploymentType = "reboot"

	// DeploymentDestroy deletes an existing machine.
	DeploymentDestroy DeploymentType = "destroy"

	// DeploymentServiceRestart restarts a systemd unit on an existing machine over SSH.
	DeploymentServiceRestart DeploymentType = "service_restart"
)

// Validate checks if the deployment type is valid.
func (t DeploymentType) Validate() error {
	switch t {
	case DeploymentCreate, DeploymentReboot, DeploymentDestroy, DeploymentServiceRestart:
		return nil
	default:
		return fmt.Errorf("invalid deployment type: %s", t)
	}
}

// RequiresExistingMachine returns true if the deployment operates on a machine that must already exist.
func (t DeploymentType) RequiresExistingMachine() bool {
	return t != DeploymentCreate
}

// DesiredStatus returns the machine status a successful deployment of this type converges to.
// The boolean is false for types that do not change the desired status.
func (t DeploymentType) DesiredStatus() (MachineStatus, bool) {
	switch t {
	case DeploymentCreate, DeploymentReboot:
		return MachineStatusRunning, true
	case DeploymentDestroy:
		return MachineStatusTerminated, true
	}
	return "", false
}

// DeploymentState is the state of a deployment in the orchestrator's state machine.
type DeploymentState string

const (
	// DeploymentPending indicates the deployment is waiting for its machine lock or a worker.
	DeploymentPending DeploymentState = "pending"

	// DeploymentValidating indicates preconditions are being checked and a plan computed.
	DeploymentValidating DeploymentState = "validating"

	// DeploymentAwaitingApproval indicates the plan needs an operator's confirmation.
	DeploymentAwaitingApproval DeploymentState = "awaiting_approval"

	// DeploymentInProgress indicates the apply step is running.
	DeploymentInProgress DeploymentState = "in_progress"

	// DeploymentCompleted indicates the deployment succeeded and the machine was reconciled.
	DeploymentCompleted DeploymentState = "completed"

	// DeploymentFailed indicates the deployment ended with an error.
	DeploymentFailed DeploymentState = "failed"

	// DeploymentCancelled indicates the deployment was cancelled before touching the provider.
	DeploymentCancelled DeploymentState = "cancelled"
)

// IsTerminal returns true if no transition can leave this state.
func (s DeploymentState) IsTerminal() bool {
	return s == DeploymentCompleted || s == DeploymentFailed || s == DeploymentCancelled
}

// IsActive returns true if the deployment still holds or waits for its machine lock.
func (s DeploymentState) IsActive() bool {
	return !s.IsTerminal()
}

// Validate checks if the deployment state is valid.
func (s DeploymentState) Validate() error {
	switch s {
	case DeploymentPending, DeploymentValidating, DeploymentAwaitingApproval,
		DeploymentInProgress, DeploymentCompleted, DeploymentFailed, DeploymentCancelled:
		return nil
	default:
		return fmt.Errorf("invalid deployment state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s DeploymentState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *DeploymentState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = DeploymentState(str)
	return s.Validate()
}

// CredentialStatus is the last known validity of a provider account's credentials.
type CredentialStatus string

const (
	// CredentialStatusValid indicates the credentials were checked and work.
	CredentialStatusValid CredentialStatus = "valid"

	// CredentialStatusInvalid indicates the provider rejected the credentials.
	CredentialStatusInvalid CredentialStatus = "invalid"

	// CredentialStatusUnchecked indicates the credentials were never verified.
	CredentialStatusUnchecked CredentialStatus = "unchecked"
)

// Validate checks if the credential status is valid.
func (s CredentialStatus) Validate() error {
	switch s {
	case CredentialStatusValid, CredentialStatusInvalid, CredentialStatusUnchecked:
		return nil
	default:
		return fmt.Errorf("invalid credential status: %s", s)
	}
}

// AgentStatus reports whether the on-machine agent is sending heartbeats.
type AgentStatus string

const (
	// AgentConnected indicates a recent heartbeat was seen.
	AgentConnected AgentStatus = "connected"

	// AgentDisconnected indicates no recent heartbeat.
	AgentDisconnected AgentStatus = "disconnected"
)

// LogStream identifies where a log line came from.
type LogStream string

const (
	// LogStdout is output from the provisioning tool's stdout.
	LogStdout LogStream = "stdout"

	// LogStderr is output from the provisioning tool's stderr.
	LogStderr LogStream = "stderr"

	// LogSystem is a line written by the orchestrator itself, such as attempt markers.
	LogSystem LogStream = "system"
)
