package executor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cirrusops/cirrus/pkg/engine"
)

const fakeShowJSON = `{"format_version":"1.2","resource_changes":[` +
	`{"address":"digitalocean_droplet.machine","change":{"actions":["create"]}},` +
	`{"address":"digitalocean_tag.env","change":{"actions":["no-op"]}},` +
	`{"address":"digitalocean_volume.data","change":{"actions":["delete","create"]}}]}`

// writeFakeTool writes a shell script standing in for terraform. applyBody is
// the script run for the apply subcommand.
func writeFakeTool(t *testing.T, applyBody string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "terraform")
	script := `#!/bin/sh
echo "$*" >> "$(dirname "$0")/invocations.log"
env | grep -E '^(DIGITALOCEAN_TOKEN|TF_IN_AUTOMATION)=' >> "$(dirname "$0")/env.log"
case "$1" in
init)
  mkdir -p .terraform
  echo "Terraform has been successfully initialized!"
  ;;
plan)
  echo "Plan: 1 to add, 0 to change, 1 to destroy."
  exit 2
  ;;
show)
  echo '` + fakeShowJSON + `'
  ;;
apply)
` + applyBody + `
  ;;
destroy)
  echo "digitalocean_droplet.machine: Destroying... [id=9001]"
  echo "Destroy complete! Resources: 1 destroyed."
  ;;
output)
  echo '{"machine_id":{"value":"9001","type":"string"},"public_ip":{"value":"198.51.100.4","type":"string"}}'
  ;;
esac
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write fake tool: %v", err)
	}
	return path
}

func newTestTool(t *testing.T, binary string) *ToolExecutor {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Backend = BackendTerraform
	cfg.BinaryPath = binary
	cfg.StateDir = t.TempDir()
	cfg.ModuleDir = t.TempDir()
	return NewToolExecutor(cfg, newTestNative(newFakeTransport(), nil), zerolog.Nop())
}

func invocations(t *testing.T, binary string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(filepath.Dir(binary), "invocations.log"))
	if err != nil {
		t.Fatalf("failed to read invocations: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

const successfulApply = `  echo "digitalocean_droplet.machine: Creating..."
  echo "digitalocean_droplet.machine: Creation complete after 31s [id=9001]"
  echo '{}' > terraform.tfstate
  echo "Apply complete! Resources: 1 added, 0 changed, 0 destroyed."`

func TestToolPlan(t *testing.T) {
	binary := writeFakeTool(t, successfulApply)
	e := newTestTool(t, binary)
	job := testJob(engine.DeploymentCreate, &fakeAdapter{})

	plan, err := e.Plan(context.Background(), job)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Summary != "Plan: 1 to add, 0 to change, 1 to destroy." {
		t.Errorf("unexpected summary: %q", plan.Summary)
	}
	if len(plan.Changes) != 2 {
		t.Fatalf("expected no-op changes to be skipped, got %+v", plan.Changes)
	}
	if plan.Changes[1].Action != "replace" || !plan.Destructive {
		t.Errorf("expected replacement to make the plan destructive: %+v", plan)
	}

	calls := invocations(t, binary)
	if !strings.HasPrefix(calls[0], "init -input=false -no-color -from-module=") {
		t.Errorf("expected init from module, got %q", calls[0])
	}
	if calls[1] != "plan -input=false -no-color -detailed-exitcode -out=cirrus.tfplan" {
		t.Errorf("unexpected plan invocation: %q", calls[1])
	}

	data, err := os.ReadFile(filepath.Join(e.workspace(job), varsFile))
	if err != nil {
		t.Fatalf("variables not written: %v", err)
	}
	var vars map[string]interface{}
	if err := json.Unmarshal(data, &vars); err != nil {
		t.Fatalf("invalid variables file: %v", err)
	}
	if vars["name"] != "web-1" || vars["region"] != "ams3" {
		t.Errorf("unexpected variables: %v", vars)
	}

	env, _ := os.ReadFile(filepath.Join(filepath.Dir(binary), "env.log"))
	if !strings.Contains(string(env), "DIGITALOCEAN_TOKEN=token") || !strings.Contains(string(env), "TF_IN_AUTOMATION=1") {
		t.Errorf("expected credentials in tool environment, got %q", env)
	}
}

func TestToolPlanReusesWorkspace(t *testing.T) {
	binary := writeFakeTool(t, successfulApply)
	e := newTestTool(t, binary)
	job := testJob(engine.DeploymentCreate, &fakeAdapter{})

	for i := 0; i < 2; i++ {
		if _, err := e.Plan(context.Background(), job); err != nil {
			t.Fatalf("plan %d failed: %v", i, err)
		}
	}

	inits := 0
	for _, call := range invocations(t, binary) {
		if strings.HasPrefix(call, "init") {
			inits++
		}
	}
	if inits != 1 {
		t.Errorf("expected one init, got %d", inits)
	}
}

func TestToolApplyCreate(t *testing.T) {
	binary := writeFakeTool(t, successfulApply)
	e := newTestTool(t, binary)
	job := testJob(engine.DeploymentCreate, &fakeAdapter{})
	rec := &lineRecorder{}

	result := e.Apply(context.Background(), job, rec.log)
	if !result.Success {
		t.Fatalf("expected success, got %v", result.Diagnostic)
	}
	if !result.Mutated {
		t.Error("expected mutation to be inferred from tool output")
	}
	if result.ProviderMachineID != "9001" || result.PublicIP != "198.51.100.4" {
		t.Errorf("unexpected outputs: %+v", result)
	}
	if !rec.contains("stdout: digitalocean_droplet.machine: Creation complete") {
		t.Errorf("expected tool output to be streamed, got %v", rec.lines)
	}
}

func TestToolApplyFailureIsClassified(t *testing.T) {
	binary := writeFakeTool(t, `  echo "digitalocean_droplet.machine: Creating..."
  echo "Error: Error creating droplet: 422 Size is not available in this region." >&2
  exit 1`)
	e := newTestTool(t, binary)

	result := e.Apply(context.Background(), testJob(engine.DeploymentCreate, &fakeAdapter{}), (&lineRecorder{}).log)
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Diagnostic.Class != engine.ErrorClassPermanent {
		t.Errorf("expected permanent, got %s", result.Diagnostic.Class)
	}
	if !result.Mutated {
		t.Error("expected mutation from Creating line")
	}
	if !strings.Contains(result.Diagnostic.Stderr, "422") {
		t.Errorf("expected stderr on diagnostic, got %q", result.Diagnostic.Stderr)
	}
}

func TestToolApplyCrash(t *testing.T) {
	binary := writeFakeTool(t, `  echo "segmentation fault" >&2
  exit 139`)
	e := newTestTool(t, binary)

	result := e.Apply(context.Background(), testJob(engine.DeploymentCreate, &fakeAdapter{}), (&lineRecorder{}).log)
	if result.Diagnostic == nil || result.Diagnostic.Class != engine.ErrorClassExecutorCrash {
		t.Fatalf("expected executor crash, got %+v", result.Diagnostic)
	}
	if result.Diagnostic.Stderr != "segmentation fault" {
		t.Errorf("expected full stderr, got %q", result.Diagnostic.Stderr)
	}
	if result.Mutated {
		t.Error("expected no mutation")
	}
}

func TestToolApplyCancel(t *testing.T) {
	binary := writeFakeTool(t, `  trap 'echo "Interrupt received." >&2; exit 1' INT
  echo "digitalocean_droplet.machine: Creating..."
  while true; do sleep 0.05; done`)
	e := newTestTool(t, binary)
	rec := &lineRecorder{}

	job := testJob(engine.DeploymentCreate, &fakeAdapter{})
	job.Cancelled = func() bool { return rec.contains("Creating...") }

	done := make(chan *engine.ApplyResult, 1)
	go func() { done <- e.Apply(context.Background(), job, rec.log) }()

	select {
	case result := <-done:
		if result.Diagnostic == nil || result.Diagnostic.Class != engine.ErrorClassCancelled {
			t.Fatalf("expected cancelled, got %+v", result.Diagnostic)
		}
		if !result.Mutated {
			t.Error("expected mutation before cancellation")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("tool was not interrupted")
	}
	if !rec.contains("cancellation requested") {
		t.Errorf("expected cancellation line, got %v", rec.lines)
	}
}

func TestToolApplyLongLine(t *testing.T) {
	binary := writeFakeTool(t, `  head -c 2097152 /dev/zero | tr '\000' x
  echo
`+successfulApply)
	e := newTestTool(t, binary)
	rec := &lineRecorder{}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result := e.Apply(ctx, testJob(engine.DeploymentCreate, &fakeAdapter{}), rec.log)
	if !result.Success {
		t.Fatalf("expected success, got %+v", result.Diagnostic)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var truncated int
	for _, line := range rec.lines {
		if strings.HasSuffix(line, truncatedSuffix) {
			truncated++
			if len(line) > maxToolLine+len(truncatedSuffix)+len("stdout: ") {
				t.Errorf("truncated line is %d bytes", len(line))
			}
		}
	}
	if truncated != 1 {
		t.Errorf("expected one truncated line, got %d", truncated)
	}
	if !strings.Contains(strings.Join(rec.lines, "\n"), "Apply complete!") {
		t.Error("expected output after the long line")
	}
}

func TestToolApplyDeadlineWithHeldPipes(t *testing.T) {
	binary := writeFakeTool(t, `  echo "digitalocean_droplet.machine: Creating..."
  sleep 5 &
  sleep 5`)
	e := newTestTool(t, binary)
	e.config.KillGrace = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan *engine.ApplyResult, 1)
	go func() { done <- e.Apply(ctx, testJob(engine.DeploymentCreate, &fakeAdapter{}), (&lineRecorder{}).log) }()

	select {
	case result := <-done:
		if result.Diagnostic == nil || result.Diagnostic.Class != engine.ErrorClassTransient {
			t.Fatalf("expected transient timeout, got %+v", result.Diagnostic)
		}
		if result.Diagnostic.Code != engine.ErrCodeTimeout {
			t.Errorf("expected timeout code, got %s", result.Diagnostic.Code)
		}
		if !result.Mutated {
			t.Error("expected mutation before the deadline")
		}
	case <-time.After(4 * time.Second):
		t.Fatal("apply outlived its deadline")
	}
}

func TestToolDestroy(t *testing.T) {
	binary := writeFakeTool(t, successfulApply)
	e := newTestTool(t, binary)

	create := testJob(engine.DeploymentCreate, &fakeAdapter{})
	if result := e.Apply(context.Background(), create, (&lineRecorder{}).log); !result.Success {
		t.Fatalf("create failed: %v", result.Diagnostic)
	}

	adapter := &fakeAdapter{}
	destroy := testJob(engine.DeploymentDestroy, adapter)
	result := e.Apply(context.Background(), destroy, (&lineRecorder{}).log)
	if !result.Success || !result.Mutated {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(adapter.Calls()) != 0 {
		t.Errorf("expected destroy through the tool, got adapter calls %v", adapter.Calls())
	}
	if _, err := os.Stat(e.workspace(destroy)); !os.IsNotExist(err) {
		t.Error("expected workspace to be removed after destroy")
	}
}

func TestToolDelegatesToNative(t *testing.T) {
	binary := writeFakeTool(t, successfulApply)
	e := newTestTool(t, binary)

	t.Run("reboot", func(t *testing.T) {
		adapter := &fakeAdapter{}
		result := e.Apply(context.Background(), testJob(engine.DeploymentReboot, adapter), (&lineRecorder{}).log)
		if !result.Success {
			t.Fatalf("expected success, got %v", result.Diagnostic)
		}
		if calls := adapter.Calls(); len(calls) != 1 || calls[0] != "reboot:4242" {
			t.Errorf("expected adapter reboot, got %v", calls)
		}
	})

	t.Run("destroy without tool state", func(t *testing.T) {
		adapter := &fakeAdapter{}
		result := e.Apply(context.Background(), testJob(engine.DeploymentDestroy, adapter), (&lineRecorder{}).log)
		if !result.Success {
			t.Fatalf("expected success, got %v", result.Diagnostic)
		}
		if calls := adapter.Calls(); len(calls) != 1 || calls[0] != "destroy:4242" {
			t.Errorf("expected adapter destroy, got %v", calls)
		}
	})
}

func TestParsePlanJSON(t *testing.T) {
	changes, destructive, err := parsePlanJSON([]byte(`{"resource_changes":[{"address":"a.b","change":{"actions":["update"]}}]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if destructive {
		t.Error("update should not be destructive")
	}
	if len(changes) != 1 || changes[0].Action != "update" || changes[0].Target != "a.b" {
		t.Errorf("unexpected changes: %+v", changes)
	}

	if _, _, err := parsePlanJSON([]byte("not json")); err == nil {
		t.Error("expected error for invalid json")
	}
}
