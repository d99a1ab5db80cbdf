package stores

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cirrusops/cirrus/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testMachine(id, tenant string, created time.Time) *engine.Machine {
	return &engine.Machine{
		ID:                id,
		TenantID:          tenant,
		Name:              "web-" + id,
		Provider:          engine.ProviderHetzner,
		ProviderAccountID: "acct-1",
		Region:            "fsn1",
		Size:              "cx22",
		Image:             "ubuntu-24.04",
		DesiredStatus:     engine.MachineStatusRunning,
		ActualStatus:      engine.MachineStatusPending,
		Tags:              map[string]string{"env": "test"},
		CreatedAt:         created,
		UpdatedAt:         created,
	}
}

func testDeployment(id, tenant, machineID string, state engine.DeploymentState, created time.Time) *engine.Deployment {
	return &engine.Deployment{
		ID:        id,
		TenantID:  tenant,
		MachineID: machineID,
		Type:      engine.DeploymentCreate,
		State:     state,
		Payload: engine.Payload{Spec: &engine.MachineSpec{
			Name:              "web",
			Provider:          engine.ProviderHetzner,
			ProviderAccountID: "acct-1",
			Region:            "fsn1",
			Size:              "cx22",
			Image:             "ubuntu-24.04",
		}},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "cirrus.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	// Running migrations twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestBackup(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.CreateMachine(ctx, testMachine("m-1", "team-a", now)); err != nil {
		t.Fatalf("CreateMachine failed: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := store.Backup(ctx, dest); err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	if err := store.Backup(ctx, dest); err == nil {
		t.Error("expected backup onto an existing file to fail")
	}

	restored, err := NewSQLiteStore(Config{Path: dest})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := restored.Init(ctx); err != nil {
		t.Fatalf("failed to open backup: %v", err)
	}
	defer restored.Close()

	m, err := restored.GetMachine(ctx, "team-a", "m-1")
	if err != nil {
		t.Fatalf("GetMachine on backup failed: %v", err)
	}
	if m.Name != "web-m-1" {
		t.Errorf("unexpected machine %+v", m)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestMachineOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	m1 := testMachine("m1", "team-a", base)
	m2 := testMachine("m2", "team-a", base.Add(time.Second))
	m3 := testMachine("m3", "team-b", base.Add(2*time.Second))
	for _, m := range []*engine.Machine{m2, m1, m3} {
		if err := store.CreateMachine(ctx, m); err != nil {
			t.Fatalf("failed to create machine %s: %v", m.ID, err)
		}
	}

	if err := store.CreateMachine(ctx, m1); err == nil {
		t.Error("expected duplicate machine insert to fail")
	}

	got, err := store.GetMachine(ctx, "team-a", "m1")
	if err != nil {
		t.Fatalf("failed to get machine: %v", err)
	}
	if got.Name != m1.Name || got.Provider != engine.ProviderHetzner || got.Tags["env"] != "test" {
		t.Errorf("unexpected machine: %+v", got)
	}
	if !got.CreatedAt.Equal(base) {
		t.Errorf("expected created_at %v, got %v", base, got.CreatedAt)
	}

	if _, err := store.GetMachine(ctx, "team-b", "m1"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected ErrNotFound across tenants, got %v", err)
	}
	if _, err := store.GetMachine(ctx, "", "m1"); err != nil {
		t.Errorf("expected empty tenant to match any owner, got %v", err)
	}

	got.ProviderMachineID = "12345"
	got.ActualStatus = engine.MachineStatusRunning
	got.PublicIP = "203.0.113.10"
	got.Tags = nil
	got.UpdatedAt = base.Add(time.Minute)
	if err := store.UpdateMachine(ctx, got); err != nil {
		t.Fatalf("failed to update machine: %v", err)
	}

	updated, err := store.GetMachine(ctx, "team-a", "m1")
	if err != nil {
		t.Fatalf("failed to get updated machine: %v", err)
	}
	if updated.ProviderMachineID != "12345" || updated.ActualStatus != engine.MachineStatusRunning || updated.PublicIP != "203.0.113.10" {
		t.Errorf("update not persisted: %+v", updated)
	}
	if len(updated.Tags) != 0 {
		t.Errorf("expected tags to be cleared, got %v", updated.Tags)
	}

	if err := store.UpdateMachine(ctx, testMachine("missing", "team-a", base)); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing machine, got %v", err)
	}

	teamA, err := store.ListMachines(ctx, "team-a")
	if err != nil {
		t.Fatalf("failed to list machines: %v", err)
	}
	if len(teamA) != 2 || teamA[0].ID != "m1" || teamA[1].ID != "m2" {
		t.Errorf("expected [m1 m2] in creation order, got %v", machineIDs(teamA))
	}

	all, err := store.ListMachines(ctx, "")
	if err != nil {
		t.Fatalf("failed to list all machines: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 machines, got %d", len(all))
	}
}

func TestDeploymentOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	deployments := []*engine.Deployment{
		testDeployment("d1", "team-a", "m1", engine.DeploymentCompleted, base),
		testDeployment("d2", "team-a", "m1", engine.DeploymentInProgress, base.Add(time.Second)),
		testDeployment("d3", "team-a", "m2", engine.DeploymentAwaitingApproval, base.Add(2*time.Second)),
		testDeployment("d4", "team-b", "m3", engine.DeploymentPending, base.Add(3*time.Second)),
	}
	for _, d := range deployments {
		if err := store.CreateDeployment(ctx, d); err != nil {
			t.Fatalf("failed to create deployment %s: %v", d.ID, err)
		}
	}

	got, err := store.GetDeployment(ctx, "team-a", "d2")
	if err != nil {
		t.Fatalf("failed to get deployment: %v", err)
	}
	if got.Payload.Spec == nil || got.Payload.Spec.Region != "fsn1" {
		t.Errorf("payload not round-tripped: %+v", got.Payload)
	}
	if got.Plan != nil || got.FinishedAt != nil {
		t.Errorf("expected empty plan and finished_at, got %s %v", got.Plan, got.FinishedAt)
	}
	if _, err := store.GetDeployment(ctx, "team-b", "d2"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected ErrNotFound across tenants, got %v", err)
	}

	finished := base.Add(time.Minute)
	got.State = engine.DeploymentFailed
	got.Plan = json.RawMessage(`{"changes":[{"action":"create","target":"web"}],"destructive":false}`)
	got.Error = "provider rejected size"
	got.ErrorClass = engine.ErrorClassPermanent
	got.Attempts = 3
	got.LogCursor = 42
	got.UpdatedAt = finished
	got.FinishedAt = &finished
	if err := store.UpdateDeployment(ctx, got); err != nil {
		t.Fatalf("failed to update deployment: %v", err)
	}

	updated, err := store.GetDeployment(ctx, "", "d2")
	if err != nil {
		t.Fatalf("failed to get updated deployment: %v", err)
	}
	if updated.State != engine.DeploymentFailed || updated.ErrorClass != engine.ErrorClassPermanent ||
		updated.Error != "provider rejected size" || updated.Attempts != 3 || updated.LogCursor != 42 {
		t.Errorf("update not persisted: %+v", updated)
	}
	if updated.FinishedAt == nil || !updated.FinishedAt.Equal(finished) {
		t.Errorf("expected finished_at %v, got %v", finished, updated.FinishedAt)
	}
	var plan engine.PlanResult
	if err := json.Unmarshal(updated.Plan, &plan); err != nil || len(plan.Changes) != 1 {
		t.Errorf("plan not round-tripped: %s (%v)", updated.Plan, err)
	}

	missing := testDeployment("missing", "team-a", "m1", engine.DeploymentPending, base)
	if err := store.UpdateDeployment(ctx, missing); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing deployment, got %v", err)
	}

	tests := []struct {
		name   string
		tenant string
		filter engine.DeploymentFilter
		want   []string
	}{
		{"tenant newest first", "team-a", engine.DeploymentFilter{}, []string{"d3", "d2", "d1"}},
		{"all tenants", "", engine.DeploymentFilter{}, []string{"d4", "d3", "d2", "d1"}},
		{"by machine", "team-a", engine.DeploymentFilter{MachineID: "m1"}, []string{"d2", "d1"}},
		{"active only", "team-a", engine.DeploymentFilter{ActiveOnly: true}, []string{"d3"}},
		{"limit", "", engine.DeploymentFilter{Limit: 2}, []string{"d4", "d3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := store.ListDeployments(ctx, tt.tenant, tt.filter)
			if err != nil {
				t.Fatalf("failed to list deployments: %v", err)
			}
			ids := make([]string, len(list))
			for i, d := range list {
				ids[i] = d.ID
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, ids)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Fatalf("expected %v, got %v", tt.want, ids)
				}
			}
		})
	}
}

func TestLogOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.CreateDeployment(ctx, testDeployment("d1", "team-a", "m1", engine.DeploymentInProgress, now)); err != nil {
		t.Fatalf("failed to create deployment: %v", err)
	}

	for i := int64(1); i <= 5; i++ {
		line := engine.LogLine{Cursor: i, Timestamp: now, Stream: engine.LogStdout, Text: "line"}
		if i == 3 {
			line.Gap = 7
		}
		if err := store.AppendLog(ctx, "d1", line); err != nil {
			t.Fatalf("failed to append log line %d: %v", i, err)
		}
	}
	// Duplicate cursors are ignored.
	if err := store.AppendLog(ctx, "d1", engine.LogLine{Cursor: 2, Timestamp: now, Stream: engine.LogStderr, Text: "dup"}); err != nil {
		t.Fatalf("duplicate append failed: %v", err)
	}

	lines, err := store.ReadLogs(ctx, "d1", 0, 0)
	if err != nil {
		t.Fatalf("failed to read logs: %v", err)
	}
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(lines))
	}
	if lines[1].Text != "line" || lines[1].Stream != engine.LogStdout {
		t.Errorf("duplicate append overwrote line: %+v", lines[1])
	}
	if lines[2].Gap != 7 {
		t.Errorf("expected gap marker on cursor 3, got %+v", lines[2])
	}

	page, err := store.ReadLogs(ctx, "d1", 2, 2)
	if err != nil {
		t.Fatalf("failed to read log page: %v", err)
	}
	if len(page) != 2 || page[0].Cursor != 3 || page[1].Cursor != 4 {
		t.Errorf("expected cursors [3 4], got %+v", page)
	}

	if err := store.DeleteLogs(ctx, "d1"); err != nil {
		t.Fatalf("failed to delete logs: %v", err)
	}
	lines, err = store.ReadLogs(ctx, "d1", 0, 0)
	if err != nil {
		t.Fatalf("failed to read logs after delete: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("expected no lines after delete, got %d", len(lines))
	}
}

func TestAccountOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	account := &engine.ProviderAccount{ID: "acct-1", TenantID: "team-a", ProviderType: engine.ProviderAWS}
	if err := store.UpsertAccount(ctx, account); err != nil {
		t.Fatalf("failed to upsert account: %v", err)
	}

	got, err := store.GetAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("failed to get account: %v", err)
	}
	if got.CredentialStatus != engine.CredentialStatusUnchecked {
		t.Errorf("expected unchecked status by default, got %s", got.CredentialStatus)
	}

	if err := store.SetCredentialStatus(ctx, "acct-1", engine.CredentialStatusInvalid); err != nil {
		t.Fatalf("failed to set credential status: %v", err)
	}
	got, _ = store.GetAccount(ctx, "acct-1")
	if got.CredentialStatus != engine.CredentialStatusInvalid {
		t.Errorf("expected invalid status, got %s", got.CredentialStatus)
	}

	if err := store.SetCredentialStatus(ctx, "acct-1", "bogus"); err == nil {
		t.Error("expected invalid status value to be rejected")
	}
	if err := store.SetCredentialStatus(ctx, "missing", engine.CredentialStatusValid); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetAccount(ctx, "missing"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	account.CredentialStatus = engine.CredentialStatusValid
	if err := store.UpsertAccount(ctx, account); err != nil {
		t.Fatalf("failed to re-upsert account: %v", err)
	}
	if err := store.UpsertAccount(ctx, &engine.ProviderAccount{ID: "acct-2", TenantID: "team-b", ProviderType: engine.ProviderGCP}); err != nil {
		t.Fatalf("failed to upsert second account: %v", err)
	}

	teamA, err := store.ListAccounts(ctx, "team-a")
	if err != nil {
		t.Fatalf("failed to list accounts: %v", err)
	}
	if len(teamA) != 1 || teamA[0].CredentialStatus != engine.CredentialStatusValid {
		t.Errorf("unexpected team-a accounts: %+v", teamA)
	}
	all, _ := store.ListAccounts(ctx, "")
	if len(all) != 2 {
		t.Errorf("expected 2 accounts, got %d", len(all))
	}
}

func TestAuditOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var sink engine.AuditSink = store
	events := []engine.AuditEvent{
		{Action: "deployment.created", Outcome: engine.OutcomeSuccess, TenantID: "team-a", DeploymentID: "d1", MachineID: "m1", ToState: engine.DeploymentPending, Timestamp: base},
		{Action: "deployment.transition", Outcome: engine.OutcomeSuccess, TenantID: "team-a", DeploymentID: "d1", MachineID: "m1", FromState: engine.DeploymentPending, ToState: engine.DeploymentValidating, Timestamp: base.Add(time.Second)},
		{Action: "deployment.created", Outcome: engine.OutcomeSuccess, TenantID: "team-b", DeploymentID: "d2", MachineID: "m2", ToState: engine.DeploymentPending, Timestamp: base.Add(2 * time.Second)},
		{Action: "deployment.transition", Outcome: engine.OutcomeFailure, TenantID: "team-a", DeploymentID: "d1", MachineID: "m1", FromState: engine.DeploymentValidating, ToState: engine.DeploymentFailed, Message: "account invalid"},
	}
	for _, e := range events {
		if err := sink.Record(ctx, e); err != nil {
			t.Fatalf("failed to record audit event: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter AuditFilter
		want   int
	}{
		{"all", AuditFilter{}, 4},
		{"by tenant", AuditFilter{TenantID: "team-a"}, 3},
		{"by deployment", AuditFilter{DeploymentID: "d2"}, 1},
		{"by action", AuditFilter{Action: "deployment.created"}, 2},
		{"since", AuditFilter{Since: base.Add(time.Second)}, 3},
		{"paged", AuditFilter{Limit: 2, Offset: 1}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := store.ListAudit(ctx, tt.filter)
			if err != nil {
				t.Fatalf("failed to list audit: %v", err)
			}
			if len(entries) != tt.want {
				t.Errorf("expected %d entries, got %d", tt.want, len(entries))
			}
		})
	}

	entries, _ := store.ListAudit(ctx, AuditFilter{DeploymentID: "d1"})
	last := entries[len(entries)-1]
	if last.FromState != engine.DeploymentValidating || last.ToState != engine.DeploymentFailed || last.Message != "account invalid" {
		t.Errorf("unexpected last entry: %+v", last)
	}
	if last.Timestamp.IsZero() {
		t.Error("expected missing timestamp to be filled in")
	}
}

// TestStoreSatisfiesEngine runs the orchestrator's store against SQLite.
func TestStoreSatisfiesEngine(t *testing.T) {
	var _ engine.Store = setupTestStore(t)
}

func machineIDs(ms []*engine.Machine) []string {
	ids := make([]string, len(ms))
	for i, m := range ms {
		ids[i] = m.ID
	}
	return ids
}
