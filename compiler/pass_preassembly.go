package compiler

import (
	"fmt"

	"github.com/chazu/quill/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Resolved references
// ---------------------------------------------------------------------------

// RefKind says how an identifier is accessed at runtime.
type RefKind int

const (
	RefUnresolved RefKind = iota
	RefLocal              // frame slot
	RefCell               // frame slot holding a cell (captured local)
	RefUpvalue            // upvalue of the current closure
	RefGlobal             // module namespace entry
	RefImport             // symbol of an imported module
	RefField              // field of the receiver
	RefShared             // shared member of the enclosing class
	RefBuiltin            // builtin function
)

var refKindNames = [...]string{
	RefUnresolved: "unresolved",
	RefLocal:      "local",
	RefCell:       "cell",
	RefUpvalue:    "upvalue",
	RefGlobal:     "global",
	RefImport:     "import",
	RefField:      "field",
	RefShared:     "shared",
	RefBuiltin:    "builtin",
}

func (k RefKind) String() string {
	if int(k) < len(refKindNames) {
		return refKindNames[k]
	}
	return fmt.Sprintf("RefKind(%d)", int(k))
}

// Ref is the resolved access of an identifier.
type Ref struct {
	Kind  RefKind
	Index int    // slot, upvalue index or import table index
	Name  string // global, field, member, imported or builtin name
	Class string // owning class of a shared member
	Sym   *Symbol
}

// ---------------------------------------------------------------------------
// Pass 4: pre-assembly
// ---------------------------------------------------------------------------
//
// Lays out the module's method table, hoists nested methods into closure
// methods, records captures in the scope arena and rewrites every
// identifier into a Ref. Method table order: the initializer, then
// top-level methods and class members in declaration order, then closures
// in the order they are met.

type assembler struct {
	u   *Unit
	mod *ModuleNode
	t   *SymbolTable
}

// frameCtx is the method whose body is being rewritten.
type frameCtx struct {
	method *MethodNode
	frame  ScopeID
}

func preAssemble(u *Unit, mod *ModuleNode) {
	a := &assembler{u: u, mod: mod, t: u.Table}

	init := &MethodNode{
		base:  mod.base,
		Name:  bytecode.InitMethod,
		Scope: mod.Scope,
		Body:  &BlockNode{base: mod.base, Scope: mod.Scope},
	}
	for _, stmt := range mod.Body {
		switch stmt.(type) {
		case *MethodNode, *ImportNode:
		default:
			init.Body.Stmts = append(init.Body.Stmts, stmt)
		}
	}

	mod.Methods = nil
	a.add(init, bytecode.InitMethod)
	for _, stmt := range mod.Body {
		switch v := stmt.(type) {
		case *MethodNode:
			a.add(v, v.Name)
		case *ClassNode:
			if !v.IsTrait {
				a.add(v.Init, v.Name+"."+v.Init.Name)
				a.add(v.FieldInit, v.Name+"."+v.FieldInit.Name)
			}
			for _, m := range v.Members {
				if m, ok := m.(*MethodNode); ok && m != v.Init {
					a.add(m, v.Name+"."+m.Name)
				}
			}
		}
	}

	fixed := append([]*MethodNode(nil), mod.Methods...)
	for _, m := range fixed {
		a.method(m)
	}

	// Locals captured anywhere in the module are now known.
	for _, m := range mod.Methods {
		Inspect(m, func(n Node) bool {
			if id, ok := n.(*Ident); ok && id.Ref.Kind == RefLocal && id.Ref.Sym.Has(SymUpvalue) {
				id.Ref.Kind = RefCell
			}
			return true
		})
	}
}

func (a *assembler) add(m *MethodNode, display string) {
	m.Index = len(a.mod.Methods)
	m.Display = display
	a.mod.Methods = append(a.mod.Methods, m)
}

func (a *assembler) method(m *MethodNode) {
	c := &frameCtx{method: m, frame: m.Scope}
	visit := func(n Node) Node { return a.visit(n, c) }
	for _, p := range m.Params {
		if p.Default != nil {
			p.Default = visit(p.Default)
		}
	}
	transformChildren(m.Body, visit)
}

// hoist appends a nested method to the method table as a closure and
// rewrites its body.
func (a *assembler) hoist(m *MethodNode, c *frameCtx) {
	name := m.Name
	if name == "" {
		name = fmt.Sprintf("<anon@%d>", m.Tok.Pos.Line)
	}
	if c.method.Name != bytecode.InitMethod {
		name = c.method.Display + "." + name
	}
	m.Closure = true
	a.add(m, name)
	a.method(m)
}

func (a *assembler) visit(n Node, c *frameCtx) Node {
	rewrite := func(x Node) Node { return a.visit(x, c) }

	switch v := n.(type) {
	case *Ident:
		a.bind(v, c)
		return v

	case *MethodNode:
		a.hoist(v, c)
		closure := &ClosureNode{base: v.base, Method: v}
		if v.Name != "" {
			return &VarDecl{base: v.base, Name: v.Name, Value: closure, Sym: v.Sym}
		}
		return closure

	case *ClassNode:
		// Only shared initializers run in the module initializer.
		for _, m := range v.Members {
			if d, ok := m.(*VarDecl); ok && d.Shared && d.Value != nil {
				d.Value = rewrite(d.Value)
			}
		}
		return v

	case *CallNode:
		transformChildren(v, rewrite)
		id, ok := v.Fn.(*Ident)
		if !ok || id.Sym == nil || id.Sym.Origin().Kind != SymMethod {
			return v
		}
		switch id.Ref.Kind {
		case RefField:
			return &InvokeNode{base: v.base, X: &ThisNode{id.base}, Name: id.Name, Args: v.Args}
		case RefShared:
			cls := &Ident{base: id.base, Name: id.Ref.Class, Scope: id.Scope, Ref: Ref{Kind: RefGlobal, Name: id.Ref.Class}}
			return &InvokeNode{base: v.base, X: cls, Name: id.Name, Args: v.Args}
		}
		return v

	case *AssignNode:
		transformChildren(v, rewrite)
		if id, ok := v.Target.(*Ident); ok {
			switch id.Ref.Kind {
			case RefImport:
				a.u.errorf(a.mod, v.Tok, id.Name, "cannot assign to imported %s", id.Name)
			case RefBuiltin:
				a.u.errorf(a.mod, v.Tok, id.Name, "cannot assign to builtin %s", id.Name)
			}
		}
		return v
	}

	transformChildren(n, rewrite)
	return n
}

// bind resolves an identifier to its runtime access. Lookup order: locals
// and captured variables, class members, module namespace, imports,
// builtins.
func (a *assembler) bind(id *Ident, c *frameCtx) {
	sym := id.Sym
	if sym == nil {
		// Imports were declared after the resolution pass. Only the
		// module scope is consulted so later locals cannot bind early uses.
		if s := a.t.Scope(a.mod.Scope).Lookup(id.Name); s != nil {
			sym = s
			id.Sym = s
		}
	}
	if sym == nil {
		switch {
		case bytecode.IsBuiltin(id.Name):
			id.Ref = Ref{Kind: RefBuiltin, Name: id.Name}
		case a.inTraitMethod(id.Scope):
			// Trait methods reach the fields of the class they are mixed
			// into by name.
			id.Ref = Ref{Kind: RefField, Name: id.Name}
		default:
			a.u.errorf(a.mod, id.Tok, id.Name, "undefined name %s", id.Name)
		}
		return
	}

	origin := sym.Origin()
	if origin.Import != nil {
		id.Ref = Ref{Kind: RefImport, Index: origin.Import.Import, Name: origin.Import.Name, Sym: origin}
		return
	}

	switch a.t.Scope(origin.Scope).Kind {
	case ScopeModule:
		id.Ref = Ref{Kind: RefGlobal, Name: origin.Name, Sym: origin}

	case ScopeClass:
		cls := a.u.classByScope[origin.Scope]
		if origin.Has(SymShared) {
			id.Ref = Ref{Kind: RefShared, Name: origin.Name, Class: cls.Name, Sym: origin}
			return
		}
		if receiverMethod(a.u, id.Scope) == nil {
			a.u.errorf(a.mod, id.Tok, id.Name, "%s is an instance member of %s and needs a receiver", id.Name, cls.Name)
			return
		}
		id.Ref = Ref{Kind: RefField, Name: origin.Name, Sym: origin}

	default:
		if a.t.Frame(origin.Scope) == c.frame {
			id.Ref = Ref{Kind: RefLocal, Index: origin.Slot, Sym: origin}
			return
		}
		idx := a.t.Capture(c.frame, origin)
		id.Ref = Ref{Kind: RefUpvalue, Index: idx, Name: origin.Name, Sym: origin}
	}
}

func (a *assembler) inTraitMethod(scope ScopeID) bool {
	m := receiverMethod(a.u, scope)
	return m != nil && m.Class.IsTrait
}
