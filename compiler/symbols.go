package compiler

import "fmt"

// ---------------------------------------------------------------------------
// Symbols
// ---------------------------------------------------------------------------

// SymbolKind is the declaration kind of a symbol.
type SymbolKind int

const (
	SymVariable SymbolKind = iota
	SymMethod
	SymClass
)

func (k SymbolKind) String() string {
	switch k {
	case SymVariable:
		return "variable"
	case SymMethod:
		return "method"
	case SymClass:
		return "class"
	}
	return fmt.Sprintf("SymbolKind(%d)", int(k))
}

// SymbolFlags are declaration modifiers and capture markers.
type SymbolFlags uint8

const (
	SymFinal      SymbolFlags = 1 << iota
	SymShared                 // "static": belongs to the class, not instances
	SymTrait                  // class symbol naming a trait
	SymUpvalue                // captured by an inner method
	SymUpvalueRef             // alias of a symbol declared in an enclosing method
)

// ImportRef describes where an imported symbol comes from.
type ImportRef struct {
	Module string
	Name   string // name in the source module
	Alias  string // binding name, empty if same as Name
	Import int    // index in the importing module's import table
}

// Symbol is a named declaration within a scope. Symbols are compared by
// name within their scope.
type Symbol struct {
	Name   string
	Kind   SymbolKind
	Flags  SymbolFlags
	Scope  ScopeID
	Tok    Token
	Slot   int // frame slot for locals, -1 otherwise
	Import *ImportRef

	// Upvalue references: index into the owning frame's upvalue list and the
	// symbol they alias.
	UpvalueIndex int
	Ref          *Symbol

	// Method symbols declared by a class record the member's method node.
	Method *MethodNode
}

// NewSymbol creates a symbol with no slot.
func NewSymbol(name string, kind SymbolKind, flags SymbolFlags) *Symbol {
	return &Symbol{Name: name, Kind: kind, Flags: flags, Scope: NoScope, Slot: -1, UpvalueIndex: -1}
}

// Has reports whether all the given flags are set.
func (s *Symbol) Has(f SymbolFlags) bool { return s.Flags&f == f }

// IsLocal reports whether the symbol occupies a frame slot.
func (s *Symbol) IsLocal() bool { return s.Slot >= 0 && !s.Has(SymUpvalueRef) }

// Origin follows upvalue references back to the declaring symbol.
func (s *Symbol) Origin() *Symbol {
	for s.Ref != nil {
		s = s.Ref
	}
	return s
}

func (s *Symbol) String() string {
	return fmt.Sprintf("%s %s (slot %d, flags %05b)", s.Kind, s.Name, s.Slot, s.Flags)
}

// ---------------------------------------------------------------------------
// Scopes: index-based arena
// ---------------------------------------------------------------------------

// ScopeKind classifies a scope.
type ScopeKind int

const (
	ScopeModule ScopeKind = iota
	ScopeClass
	ScopeMethod
	ScopeLocal
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeModule:
		return "module"
	case ScopeClass:
		return "class"
	case ScopeMethod:
		return "method"
	case ScopeLocal:
		return "local"
	}
	return fmt.Sprintf("ScopeKind(%d)", int(k))
}

// ScopeID indexes a scope in its SymbolTable.
type ScopeID int

// NoScope is the parent of root scopes.
const NoScope ScopeID = -1

// Upvalue describes one variable a method captures from its enclosing
// frame: either a local slot of that frame or one of its own upvalues.
type Upvalue struct {
	IsLocal bool
	Index   int
	Sym     *Symbol // declaring symbol
}

// Scope is one node of the scope tree.
type Scope struct {
	ID     ScopeID
	Kind   ScopeKind
	Parent ScopeID
	Name   string

	// Symbols in declaration order. Upvalue reference symbols are appended
	// by pre-assembly and never take a slot.
	Symbols []*Symbol

	LocalStart int // first slot of this scope's own locals
	Locals     int // number of own locals
	MaxLocals  int // own locals plus the largest nested local scope

	childMax int

	// Frame scopes (method and module) only.
	Upvalues []Upvalue
}

// Lookup finds a symbol declared directly in this scope.
func (s *Scope) Lookup(name string) *Symbol {
	for _, sym := range s.Symbols {
		if sym.Name == name && !sym.Has(SymUpvalueRef) {
			return sym
		}
	}
	return nil
}

// IsFrame reports whether the scope owns a call frame. Module scopes own the
// initializer's frame.
func (s *Scope) IsFrame() bool {
	return s.Kind == ScopeMethod || s.Kind == ScopeModule
}

// SymbolTable owns every scope of a compilation batch. Scopes refer to their
// parents by index.
type SymbolTable struct {
	scopes []*Scope
}

// NewSymbolTable creates an empty table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{}
}

// Len returns the number of scopes.
func (t *SymbolTable) Len() int { return len(t.scopes) }

// Scope returns the scope with the given id.
func (t *SymbolTable) Scope(id ScopeID) *Scope {
	return t.scopes[id]
}

// Push creates a scope. Local scopes continue the slot numbering of their
// parent; frame scopes start at zero.
func (t *SymbolTable) Push(kind ScopeKind, parent ScopeID, name string) ScopeID {
	id := ScopeID(len(t.scopes))
	s := &Scope{ID: id, Kind: kind, Parent: parent, Name: name}
	if kind == ScopeLocal && parent != NoScope {
		p := t.scopes[parent]
		s.LocalStart = p.LocalStart + p.Locals
	}
	t.scopes = append(t.scopes, s)
	return id
}

// Declare adds a symbol to a scope. Variables and nested methods declared
// in method and local scopes receive the next slot: the scope's local start
// plus their ordinal among the scope's locals.
func (t *SymbolTable) Declare(id ScopeID, sym *Symbol) error {
	s := t.scopes[id]
	if prev := s.Lookup(sym.Name); prev != nil {
		return fmt.Errorf("%s already declared in this %s scope", sym.Name, s.Kind)
	}
	sym.Scope = id
	s.Symbols = append(s.Symbols, sym)
	if sym.Import == nil && (s.Kind == ScopeMethod || s.Kind == ScopeLocal) {
		sym.Slot = s.LocalStart + s.Locals
		s.Locals++
		t.propagate(id)
	}
	return nil
}

// propagate pushes a scope's frame requirement up through enclosing local
// scopes to its frame.
func (t *SymbolTable) propagate(id ScopeID) {
	for {
		s := t.scopes[id]
		if need := s.Locals + s.childMax; need > s.MaxLocals {
			s.MaxLocals = need
		}
		if s.IsFrame() || s.Parent == NoScope {
			return
		}
		p := t.scopes[s.Parent]
		if s.MaxLocals > p.childMax {
			p.childMax = s.MaxLocals
		}
		id = s.Parent
	}
}

// Resolve finds the nearest symbol with the given name, walking parent
// scopes. It returns nil if none exists.
func (t *SymbolTable) Resolve(id ScopeID, name string) *Symbol {
	for id != NoScope {
		s := t.scopes[id]
		if sym := s.Lookup(name); sym != nil {
			return sym
		}
		id = s.Parent
	}
	return nil
}

// Frame returns the nearest enclosing frame scope (inclusive).
func (t *SymbolTable) Frame(id ScopeID) ScopeID {
	for id != NoScope && !t.scopes[id].IsFrame() {
		id = t.scopes[id].Parent
	}
	return id
}

// Enclosing returns the nearest enclosing scope of the given kind
// (inclusive), or NoScope.
func (t *SymbolTable) Enclosing(id ScopeID, kind ScopeKind) ScopeID {
	for id != NoScope && t.scopes[id].Kind != kind {
		id = t.scopes[id].Parent
	}
	return id
}

// FrameSize returns the number of slots a frame scope needs.
func (t *SymbolTable) FrameSize(frame ScopeID) int {
	return t.scopes[frame].MaxLocals
}

// Capture records that frame uses sym from an enclosing frame and returns
// the upvalue index. Every frame between the declaring one and frame gets
// an upvalue of its own and an upvalue reference symbol; the declaring
// symbol is marked as captured.
func (t *SymbolTable) Capture(frame ScopeID, sym *Symbol) int {
	sym = sym.Origin()
	s := t.scopes[frame]
	for i, uv := range s.Upvalues {
		if uv.Sym == sym {
			return i
		}
	}

	outer := t.Frame(s.Parent)
	var uv Upvalue
	if t.Frame(sym.Scope) == outer {
		sym.Flags |= SymUpvalue
		uv = Upvalue{IsLocal: true, Index: sym.Slot, Sym: sym}
	} else {
		uv = Upvalue{IsLocal: false, Index: t.Capture(outer, sym), Sym: sym}
	}
	idx := len(s.Upvalues)
	s.Upvalues = append(s.Upvalues, uv)

	ref := NewSymbol(sym.Name, sym.Kind, (sym.Flags&^SymUpvalue)|SymUpvalueRef)
	ref.Scope = frame
	ref.Tok = sym.Tok
	ref.UpvalueIndex = idx
	ref.Ref = sym
	s.Symbols = append(s.Symbols, ref)
	return idx
}

// UpvalueRef returns the upvalue reference symbol for sym in frame, if any.
func (t *SymbolTable) UpvalueRef(frame ScopeID, sym *Symbol) *Symbol {
	sym = sym.Origin()
	for _, s := range t.scopes[frame].Symbols {
		if s.Has(SymUpvalueRef) && s.Ref == sym {
			return s
		}
	}
	return nil
}

// CapturedLocals counts the captured locals declared in a frame and its
// nested local scopes.
func (t *SymbolTable) CapturedLocals(frame ScopeID) int {
	n := 0
	for _, s := range t.scopes {
		if t.Frame(s.ID) != frame {
			continue
		}
		for _, sym := range s.Symbols {
			if sym.IsLocal() && sym.Has(SymUpvalue) {
				n++
			}
		}
	}
	return n
}
