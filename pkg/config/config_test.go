package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cirrus.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
database:
  path: /var/lib/cirrus/cirrus.db
orchestrator:
  max_workers: 4
  retry:
    max_retries: 5
    base_delay: 2s
    max_delay: 1m
policy:
  settings:
    require_approval_types: [destroy, reboot]
accounts:
  - id: do-main
    tenant_id: team-a
    provider: digitalocean
    token_env: DO_TOKEN
`)

	cfg, err := load(path, map[string]string{
		"CIRRUS_ORCHESTRATOR_MAX_WORKERS": "16",
		"CIRRUS_SERVER_ADDR":              ":9090",
		"CIRRUS_NATS_ENABLED":             "true",
		"CIRRUS_TELEMETRY_LOG_LEVEL":      "debug",
	})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Database.Path != "/var/lib/cirrus/cirrus.db" {
		t.Errorf("unexpected database path %q", cfg.Database.Path)
	}
	if cfg.Orchestrator.MaxWorkers != 16 {
		t.Errorf("expected environment to override max_workers, got %d", cfg.Orchestrator.MaxWorkers)
	}
	if cfg.Orchestrator.Retry.BaseDelay != 2*time.Second || cfg.Orchestrator.Retry.MaxRetries != 5 {
		t.Errorf("unexpected retry settings %+v", cfg.Orchestrator.Retry)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("unexpected server addr %q", cfg.Server.Addr)
	}
	if !cfg.NATS.Enabled || cfg.NATS.URL == "" {
		t.Errorf("unexpected nats settings %+v", cfg.NATS)
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("unexpected log level %q", cfg.Telemetry.Logging.Level)
	}
	if got := strings.Join(cfg.Policy.Settings.RequireApprovalTypes, ","); got != "destroy,reboot" {
		t.Errorf("unexpected approval types %q", got)
	}
	if len(cfg.Accounts) != 1 || cfg.Accounts[0].TokenEnv != "DO_TOKEN" {
		t.Errorf("unexpected accounts %+v", cfg.Accounts)
	}

	ec := cfg.EngineConfig()
	if ec.MaxWorkers != 16 || ec.Retry.MaxDelay != time.Minute {
		t.Errorf("unexpected engine config %+v", ec)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := load("", map[string]string{"CIRRUS_DEV": "true"})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !cfg.Dev {
		t.Error("expected dev mode from environment")
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		environ map[string]string
		wantErr string
	}{
		{
			name:    "unknown key",
			content: "databse:\n  path: x.db\n",
			wantErr: "databse",
		},
		{
			name:    "bad duration in environment",
			environ: map[string]string{"CIRRUS_ORCHESTRATOR_PLAN_TIMEOUT": "soon"},
			wantErr: "environment",
		},
		{
			name:    "missing database path",
			content: "database:\n  path: \"\"\n",
			wantErr: "database.path",
		},
		{
			name:    "max delay below base delay",
			content: "orchestrator:\n  retry:\n    base_delay: 10s\n    max_delay: 1s\n",
			wantErr: "orchestrator.retry.max_delay",
		},
		{
			name:    "unknown executor backend",
			content: "executor:\n  backend: pulumi\n",
			wantErr: "executor.backend",
		},
		{
			name:    "archive without bucket",
			content: "archive:\n  enabled: true\n",
			wantErr: "archive.bucket",
		},
		{
			name:    "watch without directory",
			content: "policy:\n  watch: true\n",
			wantErr: "policy.dir",
		},
		{
			name: "duplicate account",
			content: `
accounts:
  - {id: a, tenant_id: t, provider: hetzner, token_env: HCLOUD_TOKEN}
  - {id: a, tenant_id: t, provider: hetzner, token_env: HCLOUD_TOKEN}
`,
			wantErr: "duplicate account",
		},
		{
			name:    "bad log level",
			environ: map[string]string{"CIRRUS_TELEMETRY_LOG_LEVEL": "loud"},
			wantErr: "level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := ""
			if tt.content != "" {
				path = writeConfig(t, tt.content)
			}
			environ := tt.environ
			if environ == nil {
				environ = map[string]string{}
			}

			_, err := load(path, environ)
			if err == nil {
				t.Fatalf("expected error mentioning %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
