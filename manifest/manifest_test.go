package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadManifest(t *testing.T) {
	// Create a temporary directory with a lumen.toml
	dir := t.TempDir()
	tomlContent := `
[project]
name = "test-app"
version = "0.1.0"
entry = "main"

[runtime]
workers = 4
fuel = 2048
deterministic = true

[trace]
enabled = true
store = "traces.db"

[tools]
search = { endpoint = "https://tools.local/search", timeout = "5s" }

[processes]
grants = ["search", "fetch"]
`
	if err := os.WriteFile(filepath.Join(dir, "lumen.toml"), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Name != "test-app" {
		t.Errorf("project name = %q, want test-app", m.Project.Name)
	}
	if m.Project.Version != "0.1.0" {
		t.Errorf("project version = %q, want 0.1.0", m.Project.Version)
	}
	if m.Runtime.Workers != 4 {
		t.Errorf("runtime workers = %d, want 4", m.Runtime.Workers)
	}
	if m.Runtime.Fuel != 2048 {
		t.Errorf("runtime fuel = %d, want 2048", m.Runtime.Fuel)
	}
	if !m.Runtime.Deterministic {
		t.Error("runtime deterministic = false, want true")
	}
	if !m.Trace.Enabled || m.Trace.Store != "traces.db" {
		t.Errorf("trace = %+v, want enabled with traces.db", m.Trace)
	}
	if tool, ok := m.Tools["search"]; !ok || tool.Endpoint != "https://tools.local/search" {
		t.Errorf("search tool = %v, want endpoint https://tools.local/search", m.Tools["search"])
	}
	if len(m.Processes.Grants) != 2 {
		t.Errorf("grants count = %d, want 2", len(m.Processes.Grants))
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	tomlContent := `
[project]
name = "minimal"

[trace]
enabled = true
`
	if err := os.WriteFile(filepath.Join(dir, "lumen.toml"), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Entry != "main" {
		t.Errorf("default entry = %q, want main", m.Project.Entry)
	}
	if m.Trace.Store != ".lumen/traces.db" {
		t.Errorf("default trace store = %q, want .lumen/traces.db", m.Trace.Store)
	}
}

func TestFindAndLoad(t *testing.T) {
	// Create nested directory structure
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}

	tomlContent := `[project]
name = "found-project"
`
	if err := os.WriteFile(filepath.Join(dir, "lumen.toml"), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	// Should find manifest when starting from a deep subdirectory
	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Project.Name != "found-project" {
		t.Errorf("project name = %q, want found-project", m.Project.Name)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no lumen.toml exists")
	}
}

func TestGrantSet(t *testing.T) {
	m := &Manifest{
		Processes: ProcessConfig{Grants: []string{"search", "fetch"}},
	}
	grants := m.GrantSet()
	if !grants["search"] || !grants["fetch"] {
		t.Errorf("GrantSet = %v, want search and fetch", grants)
	}
	if grants["other"] {
		t.Error("GrantSet allows undeclared tool")
	}

	empty := &Manifest{}
	if empty.GrantSet() != nil {
		t.Error("empty manifest should produce a nil grant set")
	}
}

func TestTraceStorePath(t *testing.T) {
	m := &Manifest{
		Dir:   "/app",
		Trace: TraceConfig{Store: "traces.db"},
	}
	if got := m.TraceStorePath(); got != "/app/traces.db" {
		t.Errorf("TraceStorePath = %q, want /app/traces.db", got)
	}

	m.Trace.Store = "/var/traces.db"
	if got := m.TraceStorePath(); got != "/var/traces.db" {
		t.Errorf("TraceStorePath = %q, want /var/traces.db", got)
	}
}
