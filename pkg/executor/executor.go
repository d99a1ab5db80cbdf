// Package executor runs the provisioning work of a deployment: a dry-run plan
// followed by an apply that streams its output line by line.
//
// Two backends are available. The native backend calls the provider adapter
// directly and reaches machines over SSH for service restarts and bootstrap
// scripts. The tool backend drives terraform or OpenTofu against a per-machine
// working directory and classifies the tool's stderr into deployment errors.
//
// Executors never decide state transitions. They return classified results
// and leave retries, approval and cancellation resolution to the engine.
package executor

import (
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/cirrusops/cirrus/pkg/engine"
	"github.com/cirrusops/cirrus/pkg/transports/ssh"
)

// Backend names an executor implementation.
type Backend string

const (
	// BackendNative calls provider APIs directly.
	BackendNative Backend = "native"

	// BackendTerraform drives the terraform CLI.
	BackendTerraform Backend = "terraform"

	// BackendTofu drives the OpenTofu CLI.
	BackendTofu Backend = "tofu"
)

// Config configures the executor.
type Config struct {
	// Backend selects the implementation. Defaults to native.
	Backend Backend `yaml:"backend" json:"backend" validate:"omitempty,oneof=native terraform tofu" env:"BACKEND"`

	// BinaryPath is the tool executable. Defaults to the backend name on PATH.
	BinaryPath string `yaml:"binary_path" json:"binary_path" env:"BINARY_PATH"`

	// ModuleDir holds one module directory per provider for the tool backend.
	ModuleDir string `yaml:"module_dir" json:"module_dir" env:"MODULE_DIR"`

	// StateDir holds one working directory per machine for the tool backend.
	StateDir string `yaml:"state_dir" json:"state_dir" env:"STATE_DIR"`

	// SSHPort is the port used to reach machines.
	SSHPort int `yaml:"ssh_port" json:"ssh_port" env:"SSH_PORT"`

	// SSHUser is the login user when the account does not name one.
	SSHUser string `yaml:"ssh_user" json:"ssh_user" env:"SSH_USER"`

	// BootstrapPath is where ssh-script bootstraps are uploaded.
	BootstrapPath string `yaml:"bootstrap_path" json:"bootstrap_path" env:"BOOTSTRAP_PATH"`

	// BootstrapWait bounds how long a new machine may take to accept SSH.
	BootstrapWait time.Duration `yaml:"bootstrap_wait" json:"bootstrap_wait" env:"BOOTSTRAP_WAIT"`

	// CommandTimeout bounds a single remote command.
	CommandTimeout time.Duration `yaml:"command_timeout" json:"command_timeout" env:"COMMAND_TIMEOUT"`

	// KillGrace is how long an interrupted tool may take to release its state
	// lock before it is killed. It also bounds how long output pipes held
	// open by the tool's children are waited for.
	KillGrace time.Duration `yaml:"kill_grace" json:"kill_grace" env:"KILL_GRACE"`
}

// DefaultConfig returns the native backend configuration.
func DefaultConfig() Config {
	return Config{
		Backend:        BackendNative,
		StateDir:       "./data/workspaces",
		ModuleDir:      "./modules",
		SSHPort:        22,
		SSHUser:        "root",
		BootstrapPath:  "/var/lib/cirrus/bootstrap.sh",
		BootstrapWait:  3 * time.Minute,
		CommandTimeout: 10 * time.Minute,
		KillGrace:      30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Backend == "" {
		c.Backend = d.Backend
	}
	if c.StateDir == "" {
		c.StateDir = d.StateDir
	}
	if c.ModuleDir == "" {
		c.ModuleDir = d.ModuleDir
	}
	if c.SSHPort == 0 {
		c.SSHPort = d.SSHPort
	}
	if c.SSHUser == "" {
		c.SSHUser = d.SSHUser
	}
	if c.BootstrapPath == "" {
		c.BootstrapPath = d.BootstrapPath
	}
	if c.BootstrapWait == 0 {
		c.BootstrapWait = d.BootstrapWait
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.KillGrace == 0 {
		c.KillGrace = d.KillGrace
	}
}

// New builds the executor selected by cfg.
func New(cfg Config, logger zerolog.Logger) (engine.Executor, error) {
	cfg.applyDefaults()

	native := NewNativeExecutor(cfg, ssh.Dial, logger)

	switch cfg.Backend {
	case BackendNative:
		return native, nil
	case BackendTerraform, BackendTofu:
		binary := cfg.BinaryPath
		if binary == "" {
			binary = string(cfg.Backend)
		}
		path, err := exec.LookPath(binary)
		if err != nil {
			return nil, fmt.Errorf("%s binary not found: %w", cfg.Backend, err)
		}
		cfg.BinaryPath = path
		return NewToolExecutor(cfg, native, logger), nil
	default:
		return nil, fmt.Errorf("unknown executor backend %q", cfg.Backend)
	}
}
