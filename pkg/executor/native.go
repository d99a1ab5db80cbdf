package executor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/cirrusops/cirrus/pkg/engine"
	"github.com/cirrusops/cirrus/pkg/transports/ssh"
)

const (
	bootstrapCloudInit = "cloud-init"
	bootstrapSSHScript = "ssh-script"

	sshRetryInterval = 5 * time.Second
)

var unitNamePattern = regexp.MustCompile(`^[A-Za-z0-9@._:-]+$`)

// NativeExecutor applies deployments by calling the provider adapter directly.
type NativeExecutor struct {
	config Config
	dial   ssh.Dialer
	logger zerolog.Logger

	// retryInterval is the pause between SSH connection attempts to a new machine.
	retryInterval time.Duration
}

// NewNativeExecutor creates a native executor. dial opens SSH connections for
// service restarts and ssh-script bootstraps.
func NewNativeExecutor(cfg Config, dial ssh.Dialer, logger zerolog.Logger) *NativeExecutor {
	cfg.applyDefaults()
	return &NativeExecutor{
		config:        cfg,
		dial:          dial,
		logger:        logger.With().Str("component", "executor").Str("backend", string(BackendNative)).Logger(),
		retryInterval: sshRetryInterval,
	}
}

// Plan describes what Apply would do. It reads the machine's provider status
// for deployments on existing machines but never mutates anything.
func (e *NativeExecutor) Plan(ctx context.Context, job *engine.Job) (*engine.PlanResult, error) {
	d := job.Deployment
	m := job.Machine

	switch d.Type {
	case engine.DeploymentCreate:
		spec := d.Payload.Spec
		if spec == nil {
			return nil, engine.NewPreconditionError("create deployment has no machine spec", nil).WithCode(engine.ErrCodeValidation)
		}
		changes := []engine.PlannedChange{{
			Action:      "create",
			Target:      "machine/" + spec.Name,
			Description: fmt.Sprintf("%s %s in %s from %s", spec.Provider, spec.Size, spec.Region, spec.Image),
		}}
		if spec.Bootstrap != "" && spec.BootstrapKind == bootstrapSSHScript {
			changes = append(changes, engine.PlannedChange{
				Action:      "update",
				Target:      "file/" + e.config.BootstrapPath,
				Description: "upload and run bootstrap script",
			})
		}
		if spec.Bootstrap != "" && spec.BootstrapKind != bootstrapSSHScript {
			changes[0].Description += " with " + bootstrapCloudInit + " user data"
		}
		return &engine.PlanResult{
			Changes: changes,
			Summary: "Plan: 1 to add, 0 to change, 0 to destroy.",
		}, nil

	case engine.DeploymentServiceRestart:
		if !unitNamePattern.MatchString(d.Payload.Service) {
			return nil, engine.NewPreconditionError(fmt.Sprintf("invalid service name %q", d.Payload.Service), nil).
				WithCode(engine.ErrCodeValidation)
		}
		if m.PublicIP == "" {
			return nil, engine.NewPreconditionError(fmt.Sprintf("machine %s has no public address", m.ID), nil).
				WithCode(engine.ErrCodeValidation)
		}
	}

	state, err := job.Adapter.FetchStatus(ctx, m.ProviderMachineID)
	if err != nil {
		return nil, err
	}
	if state.Status == engine.MachineStatusTerminated {
		return nil, engine.NewPreconditionError(fmt.Sprintf("machine %s no longer exists at the provider", m.ID), nil).
			WithCode(engine.ErrCodeNotFound)
	}

	target := "machine/" + m.Name
	switch d.Type {
	case engine.DeploymentReboot:
		return &engine.PlanResult{
			Changes: []engine.PlannedChange{{Action: "reboot", Target: target, Description: "currently " + string(state.Status)}},
			Summary: "Plan: 0 to add, 1 to change, 0 to destroy.",
		}, nil
	case engine.DeploymentDestroy:
		return &engine.PlanResult{
			Changes:     []engine.PlannedChange{{Action: "delete", Target: target, Description: m.ProviderMachineID}},
			Destructive: true,
			Summary:     "Plan: 0 to add, 0 to change, 1 to destroy.",
		}, nil
	case engine.DeploymentServiceRestart:
		return &engine.PlanResult{
			Changes: []engine.PlannedChange{{Action: "restart", Target: "service/" + d.Payload.Service, Description: "on " + m.PublicIP}},
		}, nil
	}
	return nil, engine.NewPreconditionError(fmt.Sprintf("unsupported deployment type %q", d.Type), nil).
		WithCode(engine.ErrCodeValidation)
}

// Apply performs the deployment.
func (e *NativeExecutor) Apply(ctx context.Context, job *engine.Job, onLine engine.LogFunc) *engine.ApplyResult {
	if job.Cancelled != nil && job.Cancelled() {
		return &engine.ApplyResult{Diagnostic: engine.NewCancelledError("cancelled before apply")}
	}

	switch job.Deployment.Type {
	case engine.DeploymentCreate:
		return e.create(ctx, job, onLine)
	case engine.DeploymentReboot:
		return e.providerCall(ctx, job, onLine, "reboot", job.Adapter.Reboot)
	case engine.DeploymentDestroy:
		return e.providerCall(ctx, job, onLine, "destroy", job.Adapter.Destroy)
	case engine.DeploymentServiceRestart:
		return e.restartService(ctx, job, onLine)
	}
	return &engine.ApplyResult{
		Diagnostic: engine.NewPreconditionError(fmt.Sprintf("unsupported deployment type %q", job.Deployment.Type), nil),
	}
}

func (e *NativeExecutor) providerCall(ctx context.Context, job *engine.Job, onLine engine.LogFunc, op string,
	call func(context.Context, string) error) *engine.ApplyResult {
	m := job.Machine
	onLine(engine.LogStdout, fmt.Sprintf("%s: %s (%s) on %s", op, m.Name, m.ProviderMachineID, m.Provider))

	start := time.Now()
	if err := call(ctx, m.ProviderMachineID); err != nil {
		derr := engine.AsDeploymentError(err).WithOperation(op).WithProvider(m.Provider)
		onLine(engine.LogStderr, derr.Error())
		return &engine.ApplyResult{Diagnostic: derr}
	}
	onLine(engine.LogStdout, fmt.Sprintf("%s: complete after %s", op, time.Since(start).Round(time.Second)))
	return &engine.ApplyResult{Success: true, Mutated: true}
}

func (e *NativeExecutor) create(ctx context.Context, job *engine.Job, onLine engine.LogFunc) *engine.ApplyResult {
	if job.Deployment.Payload.Spec == nil {
		return &engine.ApplyResult{
			Diagnostic: engine.NewPreconditionError("create deployment has no machine spec", nil).WithCode(engine.ErrCodeValidation),
		}
	}
	spec := *job.Deployment.Payload.Spec
	m := job.Machine
	spec.MachineID = m.ID
	result := &engine.ApplyResult{
		ProviderMachineID: m.ProviderMachineID,
		PublicIP:          m.PublicIP,
	}

	runScript := spec.Bootstrap != "" && spec.BootstrapKind == bootstrapSSHScript
	if runScript {
		spec.Bootstrap = ""
	}

	if result.ProviderMachineID == "" {
		onLine(engine.LogStdout, fmt.Sprintf("create: %s (%s %s in %s)", spec.Name, spec.Provider, spec.Size, spec.Region))
		start := time.Now()
		id, ip, err := job.Adapter.CreateMachine(ctx, spec)
		if err != nil {
			derr := engine.AsDeploymentError(err).WithOperation("create").WithProvider(spec.Provider)
			onLine(engine.LogStderr, derr.Error())
			result.Diagnostic = derr
			return result
		}
		result.Mutated = true
		result.ProviderMachineID = id
		result.PublicIP = ip
		onLine(engine.LogStdout, fmt.Sprintf("create: complete after %s [id=%s]", time.Since(start).Round(time.Second), id))
	} else {
		onLine(engine.LogStdout, fmt.Sprintf("create: %s already exists as %s, resuming", spec.Name, result.ProviderMachineID))
	}

	if !runScript {
		result.Success = true
		return result
	}

	if job.Cancelled != nil && job.Cancelled() {
		result.Diagnostic = engine.NewCancelledError("cancelled before bootstrap")
		return result
	}

	if derr := e.bootstrap(ctx, job, result, []byte(job.Deployment.Payload.Spec.Bootstrap), onLine); derr != nil {
		result.Mutated = true
		result.Diagnostic = derr
		return result
	}
	result.Success = true
	return result
}

// bootstrap uploads the script to a freshly created machine and runs it.
func (e *NativeExecutor) bootstrap(ctx context.Context, job *engine.Job, result *engine.ApplyResult, script []byte, onLine engine.LogFunc) *engine.DeploymentError {
	onLine(engine.LogSystem, "bootstrap: waiting for ssh")
	conn, derr := e.connectNew(ctx, job, result)
	if derr != nil {
		return derr
	}
	defer conn.Close()

	path := e.config.BootstrapPath
	if err := conn.Upload(ctx, script, path, 0o700); err != nil {
		return classifyTransport("upload", err)
	}
	sum, err := conn.Checksum(ctx, path)
	if err != nil {
		return classifyTransport("upload", err)
	}
	if sum != ssh.LocalChecksum(script) {
		return engine.NewTransientError("bootstrap script checksum mismatch after upload", nil).
			WithCode(engine.ErrCodeProviderFailed).
			WithOperation("upload")
	}
	onLine(engine.LogSystem, fmt.Sprintf("bootstrap: uploaded %d bytes to %s", len(script), path))

	code, err := conn.Run(ctx, e.privileged(job.Credentials, "/bin/sh "+ssh.ShellQuote(path)), relay(onLine))
	if err != nil {
		return classifyTransport("bootstrap", err)
	}
	if code != 0 {
		return engine.NewPermanentError(fmt.Sprintf("bootstrap script exited with status %d", code), nil).
			WithCode(engine.ErrCodeProviderFailed).
			WithOperation("bootstrap")
	}
	onLine(engine.LogSystem, "bootstrap: complete")
	return nil
}

// connectNew dials a machine that may still be booting. It polls the provider
// for an address when creation did not return one.
func (e *NativeExecutor) connectNew(ctx context.Context, job *engine.Job, result *engine.ApplyResult) (ssh.Transport, *engine.DeploymentError) {
	ctx, cancel := context.WithTimeout(ctx, e.config.BootstrapWait)
	defer cancel()

	var lastErr error
	for {
		if result.PublicIP == "" {
			state, err := job.Adapter.FetchStatus(ctx, result.ProviderMachineID)
			if err == nil && state.PublicIP != "" {
				result.PublicIP = state.PublicIP
			} else if err != nil {
				lastErr = err
			}
		}

		if result.PublicIP != "" {
			cfg, derr := e.sshConfig(job.Credentials, result.PublicIP)
			if derr != nil {
				return nil, derr
			}
			conn, err := e.dial(ctx, cfg)
			if err == nil {
				return conn, nil
			}
			var te *ssh.TransportError
			if errors.As(err, &te) && te.IsAuthError {
				return nil, classifyTransport("connect", err)
			}
			e.logger.Debug().Err(err).Str("host", result.PublicIP).Msg("machine not accepting ssh yet")
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return nil, engine.NewTransientError(
				fmt.Sprintf("machine %s did not accept ssh within %s", result.ProviderMachineID, e.config.BootstrapWait), lastErr).
				WithCode(engine.ErrCodeTimeout).
				WithOperation("bootstrap")
		case <-time.After(e.retryInterval):
		}
	}
}

func (e *NativeExecutor) restartService(ctx context.Context, job *engine.Job, onLine engine.LogFunc) *engine.ApplyResult {
	m := job.Machine
	unit := job.Deployment.Payload.Service

	cfg, derr := e.sshConfig(job.Credentials, m.PublicIP)
	if derr != nil {
		return &engine.ApplyResult{Diagnostic: derr}
	}

	onLine(engine.LogSystem, fmt.Sprintf("connecting to %s", cfg.Address()))
	conn, err := e.dial(ctx, cfg)
	if err != nil {
		return &engine.ApplyResult{Diagnostic: classifyTransport("connect", err)}
	}
	defer conn.Close()

	if job.Cancelled != nil && job.Cancelled() {
		return &engine.ApplyResult{Diagnostic: engine.NewCancelledError("cancelled before restart")}
	}

	cmd := e.privileged(job.Credentials, "systemctl restart "+ssh.ShellQuote(unit))
	onLine(engine.LogSystem, "$ "+cmd)
	code, err := conn.Run(ctx, cmd, relay(onLine))
	if err != nil {
		return &engine.ApplyResult{Mutated: true, Diagnostic: classifyTransport("restart", err)}
	}
	if code != 0 {
		return &engine.ApplyResult{
			Mutated: true,
			Diagnostic: engine.NewPermanentError(fmt.Sprintf("systemctl restart %s exited with status %d", unit, code), nil).
				WithCode(engine.ErrCodeProviderFailed).
				WithOperation("service_restart"),
		}
	}

	code, err = conn.Run(ctx, "systemctl is-active "+ssh.ShellQuote(unit), relay(onLine))
	if err == nil && code != 0 {
		return &engine.ApplyResult{
			Mutated: true,
			Diagnostic: engine.NewPermanentError(fmt.Sprintf("service %s is not active after restart", unit), nil).
				WithCode(engine.ErrCodeProviderFailed).
				WithOperation("service_restart"),
		}
	}
	return &engine.ApplyResult{Success: true, Mutated: true}
}

func (e *NativeExecutor) sshConfig(creds engine.Credentials, host string) (*ssh.Config, *engine.DeploymentError) {
	if len(creds.SSHPrivateKey) == 0 {
		return nil, engine.NewPreconditionError("provider account has no ssh private key", nil).
			WithCode(engine.ErrCodeAccountInvalid)
	}
	user := creds.SSHUser
	if user == "" {
		user = e.config.SSHUser
	}
	cfg := ssh.DefaultConfig(host, user)
	cfg.Port = e.config.SSHPort
	cfg.PrivateKey = creds.SSHPrivateKey
	cfg.CommandTimeout = e.config.CommandTimeout
	return cfg, nil
}

func (e *NativeExecutor) privileged(creds engine.Credentials, cmd string) string {
	user := creds.SSHUser
	if user == "" {
		user = e.config.SSHUser
	}
	if user == "root" {
		return cmd
	}
	return "sudo -n " + cmd
}

func relay(onLine engine.LogFunc) ssh.LineFunc {
	return func(stream ssh.Stream, line string) {
		if stream == ssh.StreamStderr {
			onLine(engine.LogStderr, line)
			return
		}
		onLine(engine.LogStdout, line)
	}
}
