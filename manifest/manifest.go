// Package manifest handles quill.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("quill.manifest")

// FileName is the manifest file looked up in project directories.
const FileName = "quill.toml"

// Manifest represents a quill.toml project configuration.
type Manifest struct {
	Project      Project               `toml:"project"`
	Source       Source                `toml:"source"`
	Modules      Modules               `toml:"modules"`
	Policy       PolicyConfig          `toml:"policy"`
	Scheduler    SchedulerConfig       `toml:"scheduler"`
	Log          LogConfig             `toml:"log"`
	Dependencies map[string]Dependency `toml:"dependencies"`

	// Dir is the directory containing the quill.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata. Namespace prefixes the names of
// modules compiled from header-less files.
type Project struct {
	Name      string `toml:"name"`
	Namespace string `toml:"namespace"`
	Version   string `toml:"version"`
}

// Source configures source file locations. Entry is "module" or
// "module.method".
type Source struct {
	Dirs  []string `toml:"dirs"`
	Entry string   `toml:"entry"`
}

// Modules configures where precompiled modules are found, in lookup
// order: directories, then bundles, then the store.
type Modules struct {
	Paths   []string `toml:"paths"`
	Bundles []string `toml:"bundles"`
	Store   string   `toml:"store"`
}

// SchedulerConfig configures the run-time monitor.
type SchedulerConfig struct {
	Budget  string `toml:"budget"`
	Workers int    `toml:"workers"`
}

// LogConfig configures the command line logging backend.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Dependency represents a single project dependency.
type Dependency struct {
	Git       string `toml:"git"`
	Tag       string `toml:"tag"`
	Path      string `toml:"path"`
	Namespace string `toml:"namespace"`
}

// Load parses a quill.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		log.Warningf("%s: unknown key %s", path, key)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if len(m.Source.Dirs) == 0 {
		m.Source.Dirs = []string{"src"}
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Project.Namespace != "" && IsReservedNamespace(m.Project.Namespace) {
		return fmt.Errorf("project namespace %q is reserved", m.Project.Namespace)
	}
	if _, err := m.Budget(); err != nil {
		return err
	}
	if m.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler workers must not be negative")
	}
	_, err := m.LinkingPolicy()
	return err
}

// FindAndLoad walks up from startDir to find a quill.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Entry splits the configured entry into module and method. The method is
// empty when the entry names only a module.
func (m *Manifest) Entry() (module, method string) {
	e := m.Source.Entry
	if i := strings.LastIndex(e, "."); i >= 0 {
		return e[:i], e[i+1:]
	}
	return e, ""
}

// Budget returns the scheduler budget; zero disables yield requests.
func (m *Manifest) Budget() (time.Duration, error) {
	if m.Scheduler.Budget == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(m.Scheduler.Budget)
	if err != nil {
		return 0, fmt.Errorf("scheduler budget: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("scheduler budget must not be negative")
	}
	return d, nil
}

func (m *Manifest) abs(paths []string) []string {
	var out []string
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(m.Dir, p)
		}
		out = append(out, p)
	}
	return out
}

// SourceDirPaths returns absolute paths for the configured source directories.
func (m *Manifest) SourceDirPaths() []string {
	return m.abs(m.Source.Dirs)
}

// ModulePaths returns absolute paths for the precompiled module directories.
func (m *Manifest) ModulePaths() []string {
	return m.abs(m.Modules.Paths)
}

// BundlePaths returns absolute paths for the configured bundles.
func (m *Manifest) BundlePaths() []string {
	return m.abs(m.Modules.Bundles)
}

// StorePath returns the absolute store path, or "" when none is set.
func (m *Manifest) StorePath() string {
	if m.Modules.Store == "" {
		return ""
	}
	return m.abs([]string{m.Modules.Store})[0]
}

// DepsDir returns the path to the .quill/deps directory.
func (m *Manifest) DepsDir() string {
	return filepath.Join(m.Dir, ".quill", "deps")
}

// LockFilePath returns the path to .quill/lock.toml.
func (m *Manifest) LockFilePath() string {
	return filepath.Join(m.Dir, ".quill", "lock.toml")
}
