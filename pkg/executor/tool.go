package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cirrusops/cirrus/pkg/engine"
)

const (
	varsFile  = "cirrus.auto.tfvars.json"
	planFile  = "cirrus.tfplan"
	stateFile = "terraform.tfstate"

	cancelPollInterval = 250 * time.Millisecond

	// maxToolLine bounds one line of tool output. Longer lines are truncated.
	maxToolLine = 1024 * 1024
)

const truncatedSuffix = " ...[truncated]"

var mutationPattern = regexp.MustCompile(`^\S+: (Creating|Destroying|Modifying|Still creating|Still destroying)`)

// ToolExecutor drives terraform or OpenTofu. Each machine gets its own working
// directory under the state dir, initialised from the provider's module.
// Reboots and service restarts have no tool representation and are handled by
// the native executor.
type ToolExecutor struct {
	config Config
	native *NativeExecutor
	logger zerolog.Logger
}

// NewToolExecutor creates a tool executor. cfg.BinaryPath must name the tool.
func NewToolExecutor(cfg Config, native *NativeExecutor, logger zerolog.Logger) *ToolExecutor {
	cfg.applyDefaults()
	return &ToolExecutor{
		config: cfg,
		native: native,
		logger: logger.With().Str("component", "executor").Str("backend", string(cfg.Backend)).Logger(),
	}
}

// toolRun is the outcome of one tool invocation.
type toolRun struct {
	exitCode  int
	stdout    []string
	stderr    string
	mutated   bool
	cancelled bool
}

// Plan runs a saved plan and reads its resource changes.
func (e *ToolExecutor) Plan(ctx context.Context, job *engine.Job) (*engine.PlanResult, error) {
	if e.delegate(job) {
		return e.native.Plan(ctx, job)
	}

	dir, err := e.prepare(ctx, job)
	if err != nil {
		return nil, err
	}

	args := []string{"plan", "-input=false", "-no-color", "-detailed-exitcode", "-out=" + planFile}
	if job.Deployment.Type == engine.DeploymentDestroy {
		args = append(args, "-destroy")
	}
	run, err := e.run(ctx, dir, job, args, nil, nil)
	if err != nil {
		return nil, err
	}
	// -detailed-exitcode: 0 means no changes, 2 means changes present.
	if run.exitCode != 0 && run.exitCode != 2 {
		return nil, ClassifyToolFailure("plan", run.exitCode, run.stderr)
	}

	result := &engine.PlanResult{Summary: planSummary(run.stdout)}
	if run.exitCode == 0 {
		return result, nil
	}

	show, err := e.run(ctx, dir, job, []string{"show", "-json", "-no-color", planFile}, nil, nil)
	if err != nil {
		return nil, err
	}
	if show.exitCode != 0 {
		return nil, ClassifyToolFailure("show", show.exitCode, show.stderr)
	}
	changes, destructive, err := parsePlanJSON([]byte(strings.Join(show.stdout, "\n")))
	if err != nil {
		return nil, engine.NewExecutorCrash("unreadable plan output", "", err).WithOperation("show")
	}
	result.Changes = changes
	result.Destructive = destructive
	return result, nil
}

// Apply runs apply or destroy, streaming the tool's output. Provider mutation
// is inferred from the tool's progress lines.
func (e *ToolExecutor) Apply(ctx context.Context, job *engine.Job, onLine engine.LogFunc) *engine.ApplyResult {
	if e.delegate(job) {
		return e.native.Apply(ctx, job, onLine)
	}
	if job.Cancelled != nil && job.Cancelled() {
		return &engine.ApplyResult{Diagnostic: engine.NewCancelledError("cancelled before apply")}
	}
	if job.Deployment.Type == engine.DeploymentCreate && job.Deployment.Payload.Spec == nil {
		return &engine.ApplyResult{
			Diagnostic: engine.NewPreconditionError("create deployment has no machine spec", nil).WithCode(engine.ErrCodeValidation),
		}
	}

	dir, err := e.prepare(ctx, job)
	if err != nil {
		return &engine.ApplyResult{Diagnostic: engine.AsDeploymentError(err)}
	}

	op := "apply"
	if job.Deployment.Type == engine.DeploymentDestroy {
		op = "destroy"
	}
	run, err := e.run(ctx, dir, job, []string{op, "-input=false", "-no-color", "-auto-approve"}, onLine, job.Cancelled)
	if err != nil {
		return &engine.ApplyResult{Mutated: run != nil && run.mutated, Diagnostic: engine.AsDeploymentError(err)}
	}

	result := &engine.ApplyResult{Mutated: run.mutated}
	if run.cancelled {
		result.Diagnostic = engine.NewCancelledError(op + " interrupted")
		return result
	}
	if run.exitCode != 0 {
		result.Diagnostic = ClassifyToolFailure(op, run.exitCode, run.stderr).WithProvider(job.Machine.Provider)
		return result
	}

	if job.Deployment.Type == engine.DeploymentDestroy {
		if err := os.RemoveAll(dir); err != nil {
			e.logger.Warn().Err(err).Str("dir", dir).Msg("failed to remove workspace")
		}
		result.Success = true
		return result
	}

	id, ip, derr := e.outputs(ctx, dir, job)
	if derr != nil {
		result.Diagnostic = derr
		return result
	}
	result.ProviderMachineID = id
	result.PublicIP = ip

	spec := job.Deployment.Payload.Spec
	if spec.Bootstrap != "" && spec.BootstrapKind == bootstrapSSHScript {
		if derr := e.native.bootstrap(ctx, job, result, []byte(spec.Bootstrap), onLine); derr != nil {
			result.Diagnostic = derr
			return result
		}
	}
	result.Success = true
	return result
}

// delegate reports whether the job runs on the native executor. Destroying a
// machine with no tool state, such as one created natively, also goes there.
func (e *ToolExecutor) delegate(job *engine.Job) bool {
	switch job.Deployment.Type {
	case engine.DeploymentReboot, engine.DeploymentServiceRestart:
		return true
	case engine.DeploymentDestroy:
		_, err := os.Stat(filepath.Join(e.workspace(job), stateFile))
		return err != nil
	}
	return false
}

func (e *ToolExecutor) workspace(job *engine.Job) string {
	return filepath.Join(e.config.StateDir, job.Deployment.MachineID)
}

// prepare initialises the machine's working directory and writes its variables.
func (e *ToolExecutor) prepare(ctx context.Context, job *engine.Job) (string, error) {
	dir := e.workspace(job)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", engine.NewExecutorCrash("failed to create workspace", "", err)
	}

	if _, err := os.Stat(filepath.Join(dir, ".terraform")); os.IsNotExist(err) {
		args := []string{"init", "-input=false", "-no-color"}
		if !hasConfiguration(dir) {
			module, err := filepath.Abs(filepath.Join(e.config.ModuleDir, string(job.Machine.Provider)))
			if err != nil {
				return "", engine.NewExecutorCrash("invalid module dir", "", err)
			}
			args = append(args, "-from-module="+module)
		}
		run, err := e.run(ctx, dir, job, args, nil, nil)
		if err != nil {
			return "", err
		}
		if run.exitCode != 0 {
			return "", ClassifyToolFailure("init", run.exitCode, run.stderr)
		}
	}

	if spec := job.Deployment.Payload.Spec; spec != nil {
		if err := writeVars(dir, spec); err != nil {
			return "", engine.NewExecutorCrash("failed to write variables", "", err)
		}
	}
	return dir, nil
}

func hasConfiguration(dir string) bool {
	matches, _ := filepath.Glob(filepath.Join(dir, "*.tf"))
	return len(matches) > 0
}

func writeVars(dir string, spec *engine.MachineSpec) error {
	vars := map[string]interface{}{
		"name":     spec.Name,
		"region":   spec.Region,
		"size":     spec.Size,
		"image":    spec.Image,
		"tags":     spec.Tags,
		"ssh_keys": spec.SSHKeys,
	}
	if spec.Tags == nil {
		vars["tags"] = map[string]string{}
	}
	if spec.SSHKeys == nil {
		vars["ssh_keys"] = []string{}
	}
	if spec.BootstrapKind != bootstrapSSHScript {
		vars["user_data"] = spec.Bootstrap
	} else {
		vars["user_data"] = ""
	}

	data, err := json.MarshalIndent(vars, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, varsFile), data, 0o600)
}

// outputs reads machine_id and public_ip from the module outputs.
func (e *ToolExecutor) outputs(ctx context.Context, dir string, job *engine.Job) (string, string, *engine.DeploymentError) {
	run, err := e.run(ctx, dir, job, []string{"output", "-json", "-no-color"}, nil, nil)
	if err != nil {
		return "", "", engine.AsDeploymentError(err)
	}
	if run.exitCode != 0 {
		return "", "", ClassifyToolFailure("output", run.exitCode, run.stderr)
	}

	var outputs map[string]struct {
		Value interface{} `json:"value"`
	}
	if err := json.Unmarshal([]byte(strings.Join(run.stdout, "\n")), &outputs); err != nil {
		return "", "", engine.NewExecutorCrash("unreadable module outputs", "", err).WithOperation("output")
	}

	id, ok := outputs["machine_id"]
	if !ok || id.Value == nil {
		return "", "", engine.NewExecutorCrash("module did not output machine_id", "", nil).WithOperation("output")
	}
	var ip string
	if out, ok := outputs["public_ip"]; ok && out.Value != nil {
		ip = fmt.Sprint(out.Value)
	}
	return fmt.Sprint(id.Value), ip, nil
}

// run executes the tool in dir. Lines are passed to onLine as they arrive.
// When cancelled reports true the tool is interrupted and allowed to exit
// cleanly. A non-nil error means the tool could not be run at all.
func (e *ToolExecutor) run(ctx context.Context, dir string, job *engine.Job, args []string,
	onLine engine.LogFunc, cancelled func() bool) (*toolRun, error) {
	cmd := exec.CommandContext(ctx, e.config.BinaryPath, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TF_IN_AUTOMATION=1", "TF_INPUT=0")
	cmd.Env = append(cmd.Env, credentialEnv(job.Machine.Provider, job.Credentials)...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = e.config.KillGrace

	lines := make(chan toolLine, 64)
	done := make(chan struct{})
	stdout := &lineWriter{stream: engine.LogStdout, out: lines, done: done}
	stderr := &lineWriter{stream: engine.LogStderr, out: lines, done: done}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	e.logger.Debug().Str("dir", dir).Strs("args", args).Msg("running tool")
	if err := cmd.Start(); err != nil {
		return nil, engine.NewPreconditionError("failed to start "+filepath.Base(e.config.BinaryPath), err).
			WithCode(engine.ErrCodeToolUnavailable)
	}
	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()

	run := &toolRun{}
	var errBuf strings.Builder
	handle := func(line toolLine) {
		if line.stream == engine.LogStderr {
			errBuf.WriteString(line.text)
			errBuf.WriteByte('\n')
		} else {
			run.stdout = append(run.stdout, line.text)
			if mutationPattern.MatchString(line.text) {
				run.mutated = true
			}
		}
		if onLine != nil {
			onLine(line.stream, line.text)
		}
	}

	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()

	checkCancel := func() {
		if run.cancelled || cancelled == nil || !cancelled() {
			return
		}
		run.cancelled = true
		if onLine != nil {
			onLine(engine.LogSystem, "cancellation requested, interrupting "+args[0])
		}
		_ = cmd.Process.Signal(os.Interrupt)
	}

	// Wait returns once the tool has exited and its output is copied, or
	// KillGrace after the deadline or the exit when something keeps the
	// pipes open.
	var err error
	for running := true; running; {
		select {
		case line := <-lines:
			handle(line)
			checkCancel()
		case <-ticker.C:
			checkCancel()
		case err = <-waited:
			running = false
		}
	}
	for drained := false; !drained; {
		select {
		case line := <-lines:
			handle(line)
		default:
			drained = true
		}
	}
	// Writers still copying output abandoned by Wait give up here.
	close(done)
	for _, w := range []*lineWriter{stdout, stderr} {
		if text, ok := w.rest(); ok {
			handle(toolLine{stream: w.stream, text: text})
		}
	}

	if errors.Is(err, exec.ErrWaitDelay) {
		e.logger.Warn().Strs("args", args).Msg("tool exited but its output was held open, continuing")
		err = nil
	}
	run.stderr = errBuf.String()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			if ctx.Err() != nil {
				return run, engine.NewTransientError(args[0]+" interrupted by deadline", ctx.Err()).WithCode(engine.ErrCodeTimeout)
			}
			return run, engine.NewExecutorCrash(args[0]+" did not complete", run.stderr, err)
		}
		run.exitCode = exitErr.ExitCode()
		if run.exitCode < 0 && ctx.Err() != nil {
			return run, engine.NewTransientError(args[0]+" interrupted by deadline", ctx.Err()).WithCode(engine.ErrCodeTimeout)
		}
	}
	return run, nil
}

type toolLine struct {
	stream engine.LogStream
	text   string
}

// lineWriter splits tool output into lines for the run loop. Lines longer than
// maxToolLine are cut and the remainder is discarded up to the next newline.
type lineWriter struct {
	stream engine.LogStream
	out    chan<- toolLine
	done   <-chan struct{}

	mu   sync.Mutex
	buf  []byte
	skip bool
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			w.add(p)
			break
		}
		w.add(p[:i])
		if w.skip {
			w.skip = false
		} else {
			w.send()
		}
		p = p[i+1:]
	}
	return n, nil
}

func (w *lineWriter) add(b []byte) {
	if w.skip {
		return
	}
	if room := maxToolLine - len(w.buf); len(b) > room {
		w.buf = append(w.buf, b[:room]...)
		w.buf = append(w.buf, truncatedSuffix...)
		w.send()
		w.skip = true
		return
	}
	w.buf = append(w.buf, b...)
}

func (w *lineWriter) send() {
	text := strings.TrimSuffix(string(w.buf), "\r")
	w.buf = w.buf[:0]
	select {
	case w.out <- toolLine{stream: w.stream, text: text}:
	case <-w.done:
	}
}

// rest returns output left after the last newline.
func (w *lineWriter) rest() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) == 0 || w.skip {
		return "", false
	}
	text := strings.TrimSuffix(string(w.buf), "\r")
	w.buf = w.buf[:0]
	return text, true
}

// credentialEnv exposes account credentials in the variables each provider's
// terraform provider reads.
func credentialEnv(provider engine.ProviderType, creds engine.Credentials) []string {
	var env []string
	add := func(k, v string) {
		if v != "" {
			env = append(env, k+"="+v)
		}
	}
	switch provider {
	case engine.ProviderDigitalOcean:
		add("DIGITALOCEAN_TOKEN", creds.Token)
	case engine.ProviderHetzner:
		add("HCLOUD_TOKEN", creds.Token)
	case engine.ProviderAWS:
		add("AWS_ACCESS_KEY_ID", creds.AccessKeyID)
		add("AWS_SECRET_ACCESS_KEY", creds.SecretAccessKey)
		add("AWS_SESSION_TOKEN", creds.SessionToken)
		add("AWS_REGION", creds.Region)
	case engine.ProviderGCP:
		add("GOOGLE_CREDENTIALS", string(creds.ServiceAccountJSON))
		add("GOOGLE_PROJECT", creds.ProjectID)
	}
	return env
}

// planJSON is the subset of `show -json` output the executor reads.
type planJSON struct {
	ResourceChanges []struct {
		Address string `json:"address"`
		Change  struct {
			Actions []string `json:"actions"`
		} `json:"change"`
	} `json:"resource_changes"`
}

func parsePlanJSON(data []byte) ([]engine.PlannedChange, bool, error) {
	var plan planJSON
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, false, err
	}

	var changes []engine.PlannedChange
	destructive := false
	for _, rc := range plan.ResourceChanges {
		action := planAction(rc.Change.Actions)
		if action == "" {
			continue
		}
		if action == "delete" || action == "replace" {
			destructive = true
		}
		changes = append(changes, engine.PlannedChange{
			Action:      action,
			Target:      rc.Address,
			Description: strings.Join(rc.Change.Actions, ","),
		})
	}
	return changes, destructive, nil
}

func planAction(actions []string) string {
	switch {
	case len(actions) == 2:
		return "replace"
	case len(actions) == 1 && (actions[0] == "create" || actions[0] == "update" || actions[0] == "delete"):
		return actions[0]
	}
	return ""
}

func planSummary(stdout []string) string {
	for _, line := range stdout {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Plan:") || strings.HasPrefix(line, "No changes.") {
			return line
		}
	}
	return ""
}
