package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "test-app"
namespace = "app"
version = "0.1.0"

[source]
dirs = ["src", "lib"]
entry = "app.main.start"

[modules]
paths = ["build"]
bundles = ["vendor/core.qbundle"]
store = "modules.db"

[scheduler]
budget = "250ms"
workers = 3

[log]
verbosity = 2
file = "quill.log"

[dependencies]
helper = { path = "../helper" }
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Name != "test-app" || m.Project.Namespace != "app" || m.Project.Version != "0.1.0" {
		t.Errorf("project = %+v", m.Project)
	}
	if len(m.Source.Dirs) != 2 {
		t.Errorf("source dirs count = %d, want 2", len(m.Source.Dirs))
	}
	if mod, meth := m.Entry(); mod != "app.main" || meth != "start" {
		t.Errorf("Entry() = %q, %q", mod, meth)
	}
	if got := m.ModulePaths(); len(got) != 1 || got[0] != filepath.Join(m.Dir, "build") {
		t.Errorf("ModulePaths() = %v", got)
	}
	if got := m.BundlePaths(); len(got) != 1 || got[0] != filepath.Join(m.Dir, "vendor", "core.qbundle") {
		t.Errorf("BundlePaths() = %v", got)
	}
	if got := m.StorePath(); got != filepath.Join(m.Dir, "modules.db") {
		t.Errorf("StorePath() = %q", got)
	}
	if b, err := m.Budget(); err != nil || b != 250*time.Millisecond {
		t.Errorf("Budget() = %v, %v", b, err)
	}
	if m.Scheduler.Workers != 3 || m.Log.Verbosity != 2 || m.Log.File != "quill.log" {
		t.Errorf("scheduler = %+v, log = %+v", m.Scheduler, m.Log)
	}
	if dep, ok := m.Dependencies["helper"]; !ok || dep.Path != "../helper" {
		t.Errorf("helper dep = %v, want path ../helper", m.Dependencies["helper"])
	}
	if opts, err := m.VMOptions(); err != nil || len(opts) != 2 {
		t.Errorf("VMOptions() = %d options, %v", len(opts), err)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "minimal"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(m.Source.Dirs) != 1 || m.Source.Dirs[0] != "src" {
		t.Errorf("default source dirs = %v, want [src]", m.Source.Dirs)
	}
	if mod, meth := m.Entry(); mod != "" || meth != "" {
		t.Errorf("Entry() = %q, %q", mod, meth)
	}
	if m.StorePath() != "" {
		t.Errorf("StorePath() = %q, want empty", m.StorePath())
	}
	if opts, err := m.VMOptions(); err != nil || len(opts) != 0 {
		t.Errorf("VMOptions() = %d options, %v", len(opts), err)
	}
}

func TestLoadManifestInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"syntax", "[project\nname = 1"},
		{"budget", "[scheduler]\nbudget = \"soon\""},
		{"negative workers", "[scheduler]\nworkers = -1"},
		{"policy default", "[policy]\ndefault = \"maybe\""},
		{"rule verdict", "[[policy.rules]]\nmodule = \"fs\"\nverdict = \"perhaps\""},
		{"rule access", "[[policy.rules]]\nmodule = \"fs\"\naccess = [\"delete\"]\nverdict = \"deny\""},
		{"reserved namespace", "[project]\nnamespace = \"sys\""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeManifest(t, dir, tc.content)
			if _, err := Load(dir); err == nil {
				t.Error("Load succeeded")
			}
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, dir, "[project]\nname = \"found-project\"\n")

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
	m, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no quill.toml exists")
	}
}

func TestSourceDirPaths(t *testing.T) {
	m := &Manifest{
		Dir:    "/app",
		Source: Source{Dirs: []string{"src", "/abs/lib"}},
	}
	paths := m.SourceDirPaths()
	if len(paths) != 2 {
		t.Fatalf("expected 2 paths, got %d", len(paths))
	}
	if paths[0] != "/app/src" {
		t.Errorf("paths[0] = %q, want /app/src", paths[0])
	}
	if paths[1] != "/abs/lib" {
		t.Errorf("paths[1] = %q, want /abs/lib", paths[1])
	}
	if got := m.LockFilePath(); got != "/app/.quill/lock.toml" {
		t.Errorf("LockFilePath() = %q", got)
	}
}

func TestLockFileRoundTrip(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "lock.toml")
	lf := &LockFile{
		Deps: []LockedDep{
			{Name: "yutani", Git: "https://example.com/yutani.git", Commit: "abc123", Tag: "v0.5.0"},
			{Name: "helper", Path: "../helper"},
		},
	}
	if err := WriteLock(lockPath, lf); err != nil {
		t.Fatalf("WriteLock failed: %v", err)
	}

	loaded, err := ReadLock(lockPath)
	if err != nil {
		t.Fatalf("ReadLock failed: %v", err)
	}
	if len(loaded.Deps) != 2 {
		t.Fatalf("expected 2 deps, got %d", len(loaded.Deps))
	}
	// Entries are written sorted by name.
	if loaded.Deps[1].Name != "yutani" || loaded.Deps[1].Commit != "abc123" {
		t.Errorf("dep[1] = %+v", loaded.Deps[1])
	}
	if found := loaded.FindLockedDep("helper"); found == nil || found.Path != "../helper" {
		t.Errorf("FindLockedDep(helper) = %v, want path ../helper", found)
	}
	if notFound := loaded.FindLockedDep("nonexistent"); notFound != nil {
		t.Errorf("FindLockedDep(nonexistent) = %v, want nil", notFound)
	}
}

func TestReadLockNotFound(t *testing.T) {
	lf, err := ReadLock("/nonexistent/path/lock.toml")
	if err != nil {
		t.Errorf("ReadLock on a missing file: %v", err)
	}
	if lf == nil || len(lf.Deps) != 0 {
		t.Errorf("ReadLock on a missing file = %v, want an empty lock", lf)
	}
}
