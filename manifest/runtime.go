package manifest

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/chazu/quill/compiler"
	"github.com/chazu/quill/vm"
	"github.com/chazu/quill/vm/bundle"
	"github.com/chazu/quill/vm/store"
)

// SourceExt is the extension of Quill source files.
const SourceExt = ".ql"

// PolicyConfig is the [policy] table. Rules are consulted in order,
// then the deny list, then the allow list; the first opinion wins.
type PolicyConfig struct {
	Default string       `toml:"default"` // "allow" (default) or "deny"
	Sandbox bool         `toml:"sandbox"` // shorthand for default = "deny"
	Allow   []string     `toml:"allow"`   // native modules always allowed
	Deny    []string     `toml:"deny"`    // native modules always denied
	Rules   []RuleConfig `toml:"rules"`
}

// RuleConfig is one [[policy.rules]] entry.
type RuleConfig struct {
	Module  string   `toml:"module"`
	Class   string   `toml:"class"`
	Members []string `toml:"members"`
	Access  []string `toml:"access"` // call, get, set, new
	Verdict string   `toml:"verdict"`
}

func parseVerdict(s string) (vm.Verdict, error) {
	switch strings.ToLower(s) {
	case "allow", "allowed":
		return vm.Allowed, nil
	case "deny", "denied":
		return vm.Denied, nil
	}
	return vm.Unspecified, fmt.Errorf("unknown verdict %q", s)
}

func parseAccess(s string) (vm.Access, error) {
	for _, a := range []vm.Access{vm.AccessCall, vm.AccessGetField, vm.AccessSetField, vm.AccessNew} {
		if a.String() == strings.ToLower(s) {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown access %q", s)
}

// LinkingPolicy builds the policy described by the [policy] table.
func (m *Manifest) LinkingPolicy() (*vm.LinkingPolicy, error) {
	pc := m.Policy
	p := vm.NewPermissivePolicy()
	switch strings.ToLower(pc.Default) {
	case "", "allow":
		if pc.Sandbox {
			if pc.Default != "" {
				return nil, fmt.Errorf("policy: sandbox conflicts with default = %q", pc.Default)
			}
			p.Default = vm.Denying
		}
	case "deny":
		p.Default = vm.Denying
	default:
		return nil, fmt.Errorf("policy: unknown default %q", pc.Default)
	}

	for i, rc := range pc.Rules {
		v, err := parseVerdict(rc.Verdict)
		if err != nil {
			return nil, fmt.Errorf("policy rule %d: %w", i+1, err)
		}
		rule := &vm.Rule{Module: rc.Module, Class: rc.Class, Members: rc.Members, Verdict: v}
		for _, a := range rc.Access {
			acc, err := parseAccess(a)
			if err != nil {
				return nil, fmt.Errorf("policy rule %d: %w", i+1, err)
			}
			rule.Access = append(rule.Access, acc)
		}
		p.Add(rule)
	}
	for _, mod := range pc.Deny {
		p.Deny(mod, "")
	}
	for _, mod := range pc.Allow {
		p.Allow(mod, "")
	}
	return p, nil
}

// VMOptions returns the VM options the [scheduler] table configures.
func (m *Manifest) VMOptions() ([]vm.Option, error) {
	var opts []vm.Option
	budget, err := m.Budget()
	if err != nil {
		return nil, err
	}
	if budget > 0 {
		opts = append(opts, vm.WithBudget(budget))
	}
	if m.Scheduler.Workers > 0 {
		opts = append(opts, vm.WithWorkers(m.Scheduler.Workers))
	}
	return opts, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Locators builds the module locators configured by the project and its
// dependencies: module directories first, then bundles, then the store.
// The returned closer releases the store.
func (m *Manifest) Locators(deps ...ResolvedDep) ([]vm.ModuleLocator, io.Closer, error) {
	var locs []vm.ModuleLocator

	dirs := m.ModulePaths()
	for _, d := range deps {
		if d.Manifest != nil {
			dirs = append(dirs, d.Manifest.ModulePaths()...)
		}
	}
	if len(dirs) > 0 {
		locs = append(locs, &vm.DirLocator{Dirs: dirs})
	}

	if paths := m.BundlePaths(); len(paths) > 0 {
		bl, err := bundle.OpenLocator(paths...)
		if err != nil {
			return nil, nil, err
		}
		locs = append(locs, bl)
	}

	var closer io.Closer = nopCloser{}
	if path := m.StorePath(); path != "" {
		s, err := store.Open(path)
		if err != nil {
			return nil, nil, err
		}
		locs = append(locs, s.Locator())
		closer = s
	}
	return locs, closer, nil
}

// Sources reads the .ql files of the project and its dependencies,
// dependencies first. A file's module name is its path below the source
// directory with separators turned into dots, prefixed by the namespace.
func (m *Manifest) Sources(deps ...ResolvedDep) ([]compiler.Source, error) {
	var out []compiler.Source
	for _, d := range deps {
		srcs, err := CollectSources(d.SourceDirPaths(), d.Namespace)
		if err != nil {
			return nil, fmt.Errorf("dependency %s: %w", d.Name, err)
		}
		out = append(out, srcs...)
	}
	srcs, err := CollectSources(m.SourceDirPaths(), m.Project.Namespace)
	if err != nil {
		return nil, err
	}
	return append(out, srcs...), nil
}

// CollectSources reads the .ql files below dirs. Missing directories are
// skipped.
func CollectSources(dirs []string, namespace string) ([]compiler.Source, error) {
	var out []compiler.Source
	for _, dir := range dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			log.Debugf("source dir %s does not exist", dir)
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != dir && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if filepath.Ext(path) != SourceExt {
				return nil
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			text, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			name := strings.ReplaceAll(filepath.ToSlash(strings.TrimSuffix(rel, SourceExt)), "/", ".")
			out = append(out, compiler.Source{
				Name: Qualify(namespace, name),
				File: path,
				Text: string(text),
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
