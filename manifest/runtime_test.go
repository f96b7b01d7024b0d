package manifest

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/chazu/quill/compiler"
	"github.com/chazu/quill/vm"
	"github.com/chazu/quill/vm/bundle"
	"github.com/chazu/quill/vm/store"
)

func writeSource(t *testing.T, dir, rel, text string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLinkingPolicy(t *testing.T) {
	m := &Manifest{Policy: PolicyConfig{
		Default: "deny",
		Allow:   []string{"sys"},
		Deny:    []string{"net"},
		Rules: []RuleConfig{
			{Module: "vault", Class: "Secret", Members: []string{"reveal"}, Verdict: "deny"},
			{Module: "vault", Access: []string{"call", "new"}, Verdict: "allow"},
		},
	}}
	p, err := m.LinkingPolicy()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		req  vm.Request
		want vm.Verdict
	}{
		{vm.Request{Access: vm.AccessCall, Module: "vault", Class: "Secret", Member: "reveal"}, vm.Denied},
		{vm.Request{Access: vm.AccessCall, Module: "vault", Class: "Secret", Member: "describe"}, vm.Allowed},
		{vm.Request{Access: vm.AccessNew, Module: "vault", Class: "Secret"}, vm.Allowed},
		{vm.Request{Access: vm.AccessGetField, Module: "vault", Class: "Secret", Member: "label"}, vm.Denied},
		{vm.Request{Access: vm.AccessCall, Module: "sys", Member: "print"}, vm.Allowed},
		{vm.Request{Access: vm.AccessCall, Module: "net", Member: "dial"}, vm.Denied},
		{vm.Request{Access: vm.AccessCall, Module: "fs", Member: "open"}, vm.Denied},
	}
	for _, tc := range tests {
		if got := p.Decide(tc.req).Verdict; got != tc.want {
			t.Errorf("Decide(%s) = %s, want %s", tc.req, got, tc.want)
		}
	}
}

func TestLinkingPolicyModes(t *testing.T) {
	tests := []struct {
		pc      PolicyConfig
		want    vm.Mode
		wantErr bool
	}{
		{PolicyConfig{}, vm.Allowing, false},
		{PolicyConfig{Default: "allow"}, vm.Allowing, false},
		{PolicyConfig{Default: "DENY"}, vm.Denying, false},
		{PolicyConfig{Sandbox: true}, vm.Denying, false},
		{PolicyConfig{Sandbox: true, Default: "allow"}, 0, true},
	}
	for _, tc := range tests {
		p, err := (&Manifest{Policy: tc.pc}).LinkingPolicy()
		if tc.wantErr {
			if err == nil {
				t.Errorf("%+v: expected error", tc.pc)
			}
			continue
		}
		if err != nil || p.Default != tc.want {
			t.Errorf("%+v: mode = %v, %v; want %v", tc.pc, p, err, tc.want)
		}
	}
}

func TestSources(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "[project]\nname = \"app\"\nnamespace = \"app\"\n")
	writeSource(t, filepath.Join(root, "src"), "main.ql", "def main() { return 1 }")
	writeSource(t, filepath.Join(root, "src"), "net/http.ql", "var port = 80")
	writeSource(t, filepath.Join(root, "src"), "README.md", "ignored")
	writeSource(t, filepath.Join(root, "src"), ".hidden/x.ql", "ignored")
	writeSource(t, filepath.Join(root, "dep"), "util.ql", "def f() {}")

	m, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	dep := ResolvedDep{Name: "dep", LocalPath: filepath.Join(root, "dep"), Namespace: "vendor"}
	srcs, err := m.Sources(dep)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, s := range srcs {
		names = append(names, s.Name)
	}
	want := []string{"vendor.util", "app.main", "app.net.http"}
	if len(names) != len(want) {
		t.Fatalf("sources = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("sources[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestLocatorsAndRun(t *testing.T) {
	root := t.TempDir()
	mods, err := compiler.CompileBatch([]compiler.Source{
		{Name: "fromdir", Text: "def v() { return 1 }"},
		{Name: "frombundle", Text: "def v() { return 10 }"},
		{Name: "fromstore", Text: "def v() { return 100 }"},
		{Name: "app", Text: "def main() { return fromdir::v() + frombundle::v() + fromstore::v() }"},
	})
	if err != nil {
		t.Fatalf("CompileBatch: %v", err)
	}

	if _, err := vm.WriteModuleFile(filepath.Join(root, "build"), mods[0]); err != nil {
		t.Fatal(err)
	}
	if _, err := vm.WriteModuleFile(filepath.Join(root, "build"), mods[3]); err != nil {
		t.Fatal(err)
	}
	b, err := bundle.New("lib", mods[1])
	if err != nil {
		t.Fatal(err)
	}
	if err := bundle.WriteFile(filepath.Join(root, "lib"+bundle.Ext), b); err != nil {
		t.Fatal(err)
	}
	s, err := store.Open(filepath.Join(root, "modules.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Publish(context.Background(), mods[2]); err != nil {
		t.Fatal(err)
	}
	s.Close()

	writeManifest(t, root, `
[modules]
paths = ["build"]
bundles = ["lib.qbundle"]
store = "modules.db"
`)
	m, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	locs, closer, err := m.Locators()
	if err != nil {
		t.Fatalf("Locators: %v", err)
	}
	defer closer.Close()
	if len(locs) != 3 {
		t.Fatalf("got %d locators, want 3", len(locs))
	}

	var out bytes.Buffer
	v := vm.New(vm.WithLocators(locs...), vm.WithStdout(&out), vm.WithWorkers(1))
	defer v.Close()
	got, err := v.NewScript("app").Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != int64(111) {
		t.Errorf("Run = %v, want 111", vm.Repr(got))
	}
}

func TestLocatorsMissingBundle(t *testing.T) {
	m := &Manifest{Dir: t.TempDir(), Modules: Modules{Bundles: []string{"nope.qbundle"}}}
	_, _, err := m.Locators()
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want a not-exist error", err)
	}
}
