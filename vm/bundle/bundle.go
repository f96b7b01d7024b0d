// Package bundle packs compiled modules into a single content-addressed
// file. A bundle is a canonical CBOR document listing each module's
// binary encoding together with its SHA-256 hash; readers verify every
// hash before a module is handed to the loader.
package bundle

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/quill/pkg/bytecode"
)

var log = commonlog.GetLogger("quill.bundle")

// Ext is the file extension of bundles.
const Ext = ".qbundle"

// Version is the current bundle layout version.
const Version uint32 = 1

var (
	// ErrHashMismatch is returned when a module's bytes do not match the
	// hash recorded for it.
	ErrHashMismatch = errors.New("bundle: module hash mismatch")
	// ErrVersion is returned for bundles written by a newer layout.
	ErrVersion = errors.New("bundle: unsupported version")
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bundle: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Entry is one packed module.
type Entry struct {
	Name    string   `cbor:"1,keyasint"`
	Hash    [32]byte `cbor:"2,keyasint"`
	Data    []byte   `cbor:"3,keyasint"` // bytecode encoding
	Imports []string `cbor:"4,keyasint,omitempty"`
}

// Bundle is a named set of modules.
type Bundle struct {
	Version uint32  `cbor:"1,keyasint"`
	Name    string  `cbor:"2,keyasint,omitempty"`
	Entries []Entry `cbor:"3,keyasint"`
}

// New encodes modules into a bundle. Entries are sorted by module name so
// equal module sets produce identical bundles.
func New(name string, mods ...*bytecode.Module) (*Bundle, error) {
	b := &Bundle{Version: Version, Name: name}
	seen := make(map[string]bool, len(mods))
	for _, m := range mods {
		if seen[m.Name] {
			return nil, fmt.Errorf("bundle: module %s listed twice", m.Name)
		}
		seen[m.Name] = true
		data, err := bytecode.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("bundle: encode %s: %w", m.Name, err)
		}
		e := Entry{Name: m.Name, Hash: sha256.Sum256(data), Data: data}
		for _, imp := range m.Imports {
			e.Imports = append(e.Imports, imp.Module)
		}
		b.Entries = append(b.Entries, e)
	}
	sort.Slice(b.Entries, func(i, j int) bool { return b.Entries[i].Name < b.Entries[j].Name })
	return b, nil
}

// Marshal serializes a bundle to canonical CBOR.
func Marshal(b *Bundle) ([]byte, error) {
	return encMode.Marshal(b)
}

// Unmarshal deserializes a bundle and verifies every entry.
func Unmarshal(data []byte) (*Bundle, error) {
	var b Bundle
	if err := cbor.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("bundle: unmarshal: %w", err)
	}
	if b.Version == 0 || b.Version > Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, b.Version)
	}
	if err := b.Verify(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Verify checks every entry's bytes against its recorded hash.
func (b *Bundle) Verify() error {
	for i := range b.Entries {
		e := &b.Entries[i]
		if sha256.Sum256(e.Data) != e.Hash {
			return fmt.Errorf("%w: %s", ErrHashMismatch, e.Name)
		}
	}
	return nil
}

// Names returns the module names in the bundle.
func (b *Bundle) Names() []string {
	names := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		names[i] = e.Name
	}
	return names
}

// Lookup returns the entry for a module.
func (b *Bundle) Lookup(name string) (*Entry, bool) {
	i := sort.Search(len(b.Entries), func(i int) bool { return b.Entries[i].Name >= name })
	if i < len(b.Entries) && b.Entries[i].Name == name {
		return &b.Entries[i], true
	}
	return nil, false
}

// Modules decodes every entry, in parallel, and returns the modules in
// entry order.
func (b *Bundle) Modules(ctx context.Context) ([]*bytecode.Module, error) {
	out := make([]*bytecode.Module, len(b.Entries))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i := range b.Entries {
		e := &b.Entries[i]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			m, err := bytecode.Unmarshal(e.Data)
			if err != nil {
				return fmt.Errorf("bundle: module %s: %w", e.Name, err)
			}
			if m.Name != e.Name {
				return fmt.Errorf("bundle: entry %s holds module %s", e.Name, m.Name)
			}
			out[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteFile writes a bundle to path.
func WriteFile(path string, b *Bundle) error {
	data, err := Marshal(b)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	log.Infof("wrote bundle %s (%d modules, %d bytes)", path, len(b.Entries), len(data))
	return nil
}

// ReadFile reads and verifies a bundle.
func ReadFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

// ---------------------------------------------------------------------------
// Locator
// ---------------------------------------------------------------------------

// Locator serves the modules of verified bundles. Earlier bundles win when
// several contain the same module.
type Locator struct {
	bundles []*Bundle
}

// NewLocator creates a locator over already verified bundles.
func NewLocator(bundles ...*Bundle) *Locator {
	return &Locator{bundles: bundles}
}

// OpenLocator reads and verifies the bundle files at paths.
func OpenLocator(paths ...string) (*Locator, error) {
	l := &Locator{}
	for _, p := range paths {
		b, err := ReadFile(p)
		if err != nil {
			return nil, err
		}
		log.Debugf("opened bundle %s: %v", p, b.Names())
		l.bundles = append(l.bundles, b)
	}
	return l, nil
}

func (l *Locator) Locate(name string) (io.ReadCloser, bool, error) {
	for _, b := range l.bundles {
		if e, ok := b.Lookup(name); ok {
			return io.NopCloser(bytes.NewReader(e.Data)), true, nil
		}
	}
	return nil, false, nil
}
