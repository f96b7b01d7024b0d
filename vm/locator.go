package vm

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chazu/quill/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Locators
// ---------------------------------------------------------------------------

// ModuleExt is the file extension of binary modules.
const ModuleExt = ".qbc"

// ModulePath maps a dotted module name to a relative file path:
// "net.http" becomes "net/http.qbc".
func ModulePath(name string) string {
	return strings.ReplaceAll(name, ".", "/") + ModuleExt
}

// DirLocator finds modules in a list of directories, first directory
// first.
type DirLocator struct {
	Dirs []string
}

func (d *DirLocator) Locate(name string) (io.ReadCloser, bool, error) {
	rel := filepath.FromSlash(ModulePath(name))
	for _, dir := range d.Dirs {
		f, err := os.Open(filepath.Join(dir, rel))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return f, true, nil
	}
	return nil, false, nil
}

// WriteModuleFile encodes m into dir at the path DirLocator looks for it
// and returns that path.
func WriteModuleFile(dir string, m *bytecode.Module) (string, error) {
	data, err := bytecode.Marshal(m)
	if err != nil {
		return "", err
	}
	p := filepath.Join(dir, filepath.FromSlash(ModulePath(m.Name)))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	return p, os.WriteFile(p, data, 0o644)
}

// MemoryLocator serves modules from an in-memory table.
type MemoryLocator struct {
	mu      sync.RWMutex
	modules map[string][]byte
}

// NewMemoryLocator creates an empty in-memory locator.
func NewMemoryLocator() *MemoryLocator {
	return &MemoryLocator{modules: make(map[string][]byte)}
}

// Put stores the encoded bytes of a module.
func (m *MemoryLocator) Put(name string, data []byte) {
	m.mu.Lock()
	m.modules[name] = data
	m.mu.Unlock()
}

// PutModule encodes and stores a module.
func (m *MemoryLocator) PutModule(mod *bytecode.Module) error {
	data, err := bytecode.Marshal(mod)
	if err != nil {
		return err
	}
	m.Put(mod.Name, data)
	return nil
}

func (m *MemoryLocator) Locate(name string) (io.ReadCloser, bool, error) {
	m.mu.RLock()
	data, ok := m.modules[name]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return io.NopCloser(bytes.NewReader(data)), true, nil
}

// ResourceLocator finds modules inside a file system (typically an
// embed.FS) under a list of prefixes.
type ResourceLocator struct {
	FS       fs.FS
	Prefixes []string
}

func (r *ResourceLocator) Locate(name string) (io.ReadCloser, bool, error) {
	prefixes := r.Prefixes
	if len(prefixes) == 0 {
		prefixes = []string{"."}
	}
	for _, p := range prefixes {
		f, err := r.FS.Open(path.Join(p, ModulePath(name)))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return f, true, nil
	}
	return nil, false, nil
}
