package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "quill.toml"), []byte(content), 0644); err != nil {
		t.Fatalf("write quill.toml: %v", err)
	}
	return dir
}

func TestLoad(t *testing.T) {
	dir := writeManifest(t, `
[project]
name = "demo"
version = "0.1.0"

[engine]
adaptive = false
stats-db = "stats.db"
log-verbosity = 2

[container]
output = "demo.quill"
debug-info = true
`)
	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Project.Name != "demo" || m.Project.Version != "0.1.0" {
		t.Errorf("project: %+v", m.Project)
	}
	if m.Engine.Adaptive {
		t.Error("adaptive = false not honored")
	}
	if m.Engine.LogVerbosity != 2 {
		t.Errorf("log-verbosity = %d", m.Engine.LogVerbosity)
	}
	if m.Container.Output != "demo.quill" || !m.Container.DebugInfo {
		t.Errorf("container: %+v", m.Container)
	}
	if m.Dir != dir {
		t.Errorf("Dir = %q, want %q", m.Dir, dir)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := writeManifest(t, `
[project]
name = "bare"
`)
	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !m.Engine.Adaptive {
		t.Error("adaptive should default to true")
	}
	if m.Engine.StatsDB != "" || m.StatsDBPath() != "" {
		t.Error("stats persistence should default to disabled")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("Load succeeded without quill.toml")
	}
}

func TestLoadRejectsBadVerbosity(t *testing.T) {
	dir := writeManifest(t, `
[engine]
log-verbosity = 9
`)
	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), "log-verbosity") {
		t.Errorf("Load: %v", err)
	}
}

func TestStatsDBPath(t *testing.T) {
	m := Default()
	m.Dir = "/proj"
	m.Engine.StatsDB = "stats.db"
	if got := m.StatsDBPath(); got != filepath.Join("/proj", "stats.db") {
		t.Errorf("relative path: %q", got)
	}
	m.Engine.StatsDB = "/var/lib/quill/stats.db"
	if got := m.StatsDBPath(); got != "/var/lib/quill/stats.db" {
		t.Errorf("absolute path: %q", got)
	}
}
