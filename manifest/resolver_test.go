package manifest

import (
	"path/filepath"
	"testing"
)

func TestResolveNamespace(t *testing.T) {
	tests := []struct {
		name        string
		depName     string
		dep         Dependency
		depManifest *Manifest
		wantNS      string
		wantErr     bool
	}{
		{
			name:        "consumer override wins",
			depName:     "yutani",
			dep:         Dependency{Path: "../y", Namespace: "custom"},
			depManifest: &Manifest{Project: Project{Namespace: "yutani"}},
			wantNS:      "custom",
		},
		{
			name:        "producer namespace when no consumer override",
			depName:     "yutani",
			dep:         Dependency{Path: "../y"},
			depManifest: &Manifest{Project: Project{Namespace: "yt"}},
			wantNS:      "yt",
		},
		{
			name:    "module name fallback when no manifest",
			depName: "my-lib",
			dep:     Dependency{Path: "../my-lib"},
			wantNS:  "my_lib",
		},
		{
			name:        "module name fallback when manifest has no namespace",
			depName:     "myLib",
			dep:         Dependency{Path: "../my-lib"},
			depManifest: &Manifest{Project: Project{Name: "my-lib"}},
			wantNS:      "my_lib",
		},
		{
			name:    "reserved namespace rejected",
			depName: "system",
			dep:     Dependency{Path: "../system", Namespace: "sys"},
			wantErr: true,
		},
		{
			name:    "reserved namespace via fallback",
			depName: "print",
			dep:     Dependency{Path: "../print"},
			wantErr: true,
		},
		{
			name:    "empty fallback rejected",
			depName: "--",
			dep:     Dependency{Path: "../x"},
			wantErr: true,
		},
		{
			name:    "multi-segment with non-reserved root is OK",
			depName: "tp",
			dep:     Dependency{Path: "../tp", Namespace: "third_party.sys"},
			wantNS:  "third_party.sys",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ns, err := resolveNamespace(tc.depName, tc.dep, tc.depManifest)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got namespace %q", ns)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ns != tc.wantNS {
				t.Errorf("namespace = %q, want %q", ns, tc.wantNS)
			}
		})
	}
}

func TestResolvePathDependencies(t *testing.T) {
	root := t.TempDir()
	app := filepath.Join(root, "app")
	writeManifest(t, app, `
[project]
name = "app"

[dependencies]
helper = { path = "../helper" }
plain = { path = "../plain" }
`)
	writeManifest(t, filepath.Join(root, "helper"), `
[project]
name = "helper"
namespace = "hlp"

[dependencies]
base = { path = "../base" }
`)
	writeManifest(t, filepath.Join(root, "base"), "[project]\nname = \"base-lib\"\n")
	writeSource(t, filepath.Join(root, "plain"), "x.ql", "var x = 1")

	m, err := Load(app)
	if err != nil {
		t.Fatal(err)
	}
	deps, err := NewResolver(m).Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	var names []string
	for _, d := range deps {
		names = append(names, d.Name+"="+d.Namespace)
	}
	want := []string{"base=base", "helper=hlp", "plain=plain"}
	if len(names) != len(want) {
		t.Fatalf("resolved %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("resolved[%d] = %s, want %s", i, names[i], want[i])
		}
	}
	if deps[2].Manifest != nil {
		t.Error("plain dependency should have no manifest")
	}
	if got := deps[2].SourceDirPaths(); len(got) != 1 || got[0] != filepath.Join(root, "plain") {
		t.Errorf("plain source dirs = %v", got)
	}

	lock, err := ReadLock(m.LockFilePath())
	if err != nil {
		t.Fatal(err)
	}
	if len(lock.Deps) != 3 || lock.FindLockedDep("base").Path != "../base" {
		t.Errorf("lock = %+v", lock.Deps)
	}
}

func TestResolveMissingPath(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "[dependencies]\nghost = { path = \"../ghost\" }\n")
	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewResolver(m).Resolve(); err == nil {
		t.Error("Resolve succeeded with a missing path dependency")
	}
}

func TestResolveRequiresSource(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "[dependencies]\nnowhere = { tag = \"v1\" }\n")
	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewResolver(m).Resolve(); err == nil {
		t.Error("Resolve succeeded without git or path")
	}
}

func TestManifestNamespaceField(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "test"

[dependencies]
yutani = { path = "../y", namespace = "custom.yutani" }
`)
	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	dep, ok := m.Dependencies["yutani"]
	if !ok {
		t.Fatal("missing yutani dependency")
	}
	if dep.Namespace != "custom.yutani" {
		t.Errorf("dep.Namespace = %q, want %q", dep.Namespace, "custom.yutani")
	}
}
