package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	policyFile := filepath.Join(t.TempDir(), "test-policy.rego")
	regoContent := `# Test policy for validation
# spanning two lines
package cirrus.approval

deny contains "invalid" if input.deployment.type == "invalid"
`
	if err := os.WriteFile(policyFile, []byte(regoContent), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "test-policy" {
		t.Errorf("Expected name 'test-policy', got '%s'", policy.Name)
	}
	if policy.Rego != regoContent {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Description != "Test policy for validation spanning two lines" {
		t.Errorf("unexpected description %q", policy.Description)
	}
	if policy.Source != policyFile {
		t.Errorf("expected source %s, got %s", policyFile, policy.Source)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()

	valid := filepath.Join(dir, "wrapped.json")
	if err := os.WriteFile(valid, []byte(`{"description":"wrapped","rego":"package cirrus.approval\n","builtin":true}`), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	policy, err := loader.loadFromFile(context.Background(), valid)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "wrapped" || !policy.Enabled || policy.Builtin {
		t.Errorf("unexpected policy: %+v", policy)
	}

	empty := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(empty, []byte(`{"name":"empty"}`), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	if _, err := loader.loadFromFile(context.Background(), empty); err == nil {
		t.Error("expected error for policy without rego")
	}

	garbage := filepath.Join(dir, "garbage.json")
	if err := os.WriteFile(garbage, []byte(`{`), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	if _, err := loader.loadFromFile(context.Background(), garbage); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestLoadFromDirectory(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()
	nested := filepath.Join(dir, "team")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}

	files := map[string]string{
		filepath.Join(dir, "a.rego"):      "package cirrus.approval\n",
		filepath.Join(nested, "b.rego"):   "package cirrus.approval\n",
		filepath.Join(dir, "README.md"):   "not a policy",
		filepath.Join(dir, "broken.json"): "{",
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("Failed to write %s: %v", path, err)
		}
	}

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("expected 2 policies (broken and non-policy files skipped), got %d", len(policies))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestLoaderCache(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	path := filepath.Join(t.TempDir(), "cached.rego")
	if err := os.WriteFile(path, []byte("package cirrus.approval\n"), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	first, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if err := os.WriteFile(path, []byte("package cirrus.approval\n\n# changed\n"), 0o644); err != nil {
		t.Fatalf("Failed to rewrite test file: %v", err)
	}

	second, _ := loader.loadFromFile(context.Background(), path)
	if second != first {
		t.Error("expected cached policy before ClearCache")
	}

	loader.ClearCache()
	third, _ := loader.loadFromFile(context.Background(), path)
	if third.Rego == first.Rego {
		t.Error("expected fresh policy after ClearCache")
	}
}
