package vm

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/singleflight"

	"github.com/chazu/quill/pkg/bytecode"
)

var loaderLog = commonlog.GetLogger("quill.loader")

// ---------------------------------------------------------------------------
// Loader: module name to binary or native module
// ---------------------------------------------------------------------------

// ModuleLocator turns a module name into the bytes of a binary module. It
// returns false when it does not know the name.
type ModuleLocator interface {
	Locate(name string) (io.ReadCloser, bool, error)
}

// Loader resolves module names. Binary modules are parsed once and cached
// until removed explicitly; native modules are created fresh on every
// request because an instance may carry per-execution state.
//
// A Loader is safe for concurrent use. Racing first loads of the same name
// agree on one canonical module.
type Loader struct {
	cache sync.Map // name -> *bytecode.Module
	group singleflight.Group

	mu       sync.RWMutex
	locators []ModuleLocator
	natives  map[string]NativeFactory
}

// NewLoader creates a loader consulting locators in the given order.
func NewLoader(locators ...ModuleLocator) *Loader {
	return &Loader{
		locators: locators,
		natives:  make(map[string]NativeFactory),
	}
}

// AddLocator appends a locator; it is consulted after the existing ones.
func (l *Loader) AddLocator(loc ModuleLocator) {
	l.mu.Lock()
	l.locators = append(l.locators, loc)
	l.mu.Unlock()
}

// RegisterNative registers the factory of a native module.
func (l *Loader) RegisterNative(name string, factory NativeFactory) {
	l.mu.Lock()
	l.natives[name] = factory
	l.mu.Unlock()
}

// Natives returns the registered native module names, sorted.
func (l *Loader) Natives() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.natives))
	for n := range l.natives {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LoadBinary returns the named binary module. A cached module is returned
// directly; otherwise the locators are consulted in registration order
// and the first hit is parsed and cached. A name no locator knows yields
// (nil, false, nil). Malformed bytes yield a *bytecode.FormatError and
// leave the cache untouched.
func (l *Loader) LoadBinary(name string) (*bytecode.Module, bool, error) {
	if m, ok := l.cache.Load(name); ok {
		loaderLog.Debugf("cache hit: %s", name)
		return m.(*bytecode.Module), true, nil
	}
	v, err, _ := l.group.Do(name, func() (interface{}, error) {
		if m, ok := l.cache.Load(name); ok {
			return m, nil
		}
		m, err := l.locate(name)
		if err != nil || m == nil {
			return nil, err
		}
		actual, loaded := l.cache.LoadOrStore(name, m)
		if !loaded {
			loaderLog.Infof("loaded module %s (%d methods)", name, len(m.Methods))
		}
		return actual, nil
	})
	if err != nil {
		return nil, false, err
	}
	if v == nil {
		return nil, false, nil
	}
	return v.(*bytecode.Module), true, nil
}

func (l *Loader) snapshot() []ModuleLocator {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]ModuleLocator(nil), l.locators...)
}

// locate asks each locator in turn and parses the first hit.
func (l *Loader) locate(name string) (*bytecode.Module, error) {
	for _, loc := range l.snapshot() {
		rc, ok, err := loc.Locate(name)
		if err != nil {
			return nil, &ModuleLoadError{Name: name, Err: err}
		}
		if !ok {
			continue
		}
		m, err := bytecode.Read(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", name, err)
		}
		if m.Name != name {
			return nil, &ModuleLoadError{Name: name, Err: fmt.Errorf("locator returned module %s", m.Name)}
		}
		return m, nil
	}
	return nil, nil
}

// LoadNative creates a fresh instance of a registered native module.
func (l *Loader) LoadNative(name string) (*NativeModule, bool) {
	l.mu.RLock()
	factory, ok := l.natives[name]
	l.mu.RUnlock()
	if !ok {
		return nil, false
	}
	m := factory()
	if m.Name == "" {
		m.Name = name
	}
	return m, true
}

// Load resolves a name to a binary module, or failing that a native one.
// Exactly one of the returned modules is non-nil on success.
func (l *Loader) Load(name string) (*bytecode.Module, *NativeModule, error) {
	m, ok, err := l.LoadBinary(name)
	if err != nil {
		return nil, nil, err
	}
	if ok {
		return m, nil, nil
	}
	if n, ok := l.LoadNative(name); ok {
		return nil, n, nil
	}
	return nil, nil, &ModuleLoadError{Name: name}
}

// Add caches compiled modules. A module already cached under the same name
// is kept and reported in the returned error.
func (l *Loader) Add(modules ...*bytecode.Module) error {
	var dups []string
	for _, m := range modules {
		if _, loaded := l.cache.LoadOrStore(m.Name, m); loaded {
			dups = append(dups, m.Name)
		}
	}
	if len(dups) > 0 {
		return fmt.Errorf("modules already loaded: %v", dups)
	}
	return nil
}

// Replace caches a module, overwriting any module of the same name.
func (l *Loader) Replace(m *bytecode.Module) {
	l.cache.Store(m.Name, m)
}

// Remove evicts a cached module.
func (l *Loader) Remove(name string) {
	l.cache.Delete(name)
}

// Loaded returns the names of the cached modules, sorted.
func (l *Loader) Loaded() []string {
	var names []string
	l.cache.Range(func(k, _ interface{}) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)
	return names
}

// NativeExports describes a native module's namespace for the compiler's
// import resolution. A throwaway instance is created to read it.
func (l *Loader) NativeExports(name string) ([]bytecode.Entry, bool) {
	m, ok := l.LoadNative(name)
	if !ok {
		return nil, false
	}
	return m.Exports(), true
}
