package compiler

// ---------------------------------------------------------------------------
// Pass 2: symbol resolution
// ---------------------------------------------------------------------------
//
// Builds the scope arena (module -> class -> method -> local), declares
// symbols in source order and binds every identifier that names a symbol
// declared so far. Module and class members are declared before any body is
// walked, so they may be referenced before their declaration; locals may
// not. Names left unbound here (imports, builtins) are bound by
// pre-assembly once imports are resolved.

// hiddenIterator names the slot that holds a for loop's iterator.
const hiddenIterator = "$iter"

type resolver struct {
	u   *Unit
	mod *ModuleNode
	t   *SymbolTable
}

func resolveModule(u *Unit, mod *ModuleNode) {
	r := &resolver{u: u, mod: mod, t: u.Table}
	mod.Scope = r.t.Push(ScopeModule, NoScope, mod.Name)
	u.moduleByScope[mod.Scope] = mod

	for _, stmt := range mod.Body {
		switch v := stmt.(type) {
		case *VarDecl:
			v.Sym = NewSymbol(v.Name, SymVariable, varFlags(v))
			r.declare(mod.Scope, v.Sym, v.Tok)
		case *MethodNode:
			v.Sym = NewSymbol(v.Name, SymMethod, 0)
			v.Sym.Method = v
			r.declare(mod.Scope, v.Sym, v.Tok)
		case *ClassNode:
			var flags SymbolFlags
			if v.IsTrait {
				flags = SymTrait
			}
			v.Sym = NewSymbol(v.Name, SymClass, flags)
			r.declare(mod.Scope, v.Sym, v.Tok)
			r.declareClass(v)
		}
	}

	r.stmts(mod.Body, mod.Scope)
}

func varFlags(v *VarDecl) SymbolFlags {
	var flags SymbolFlags
	if v.Final {
		flags |= SymFinal
	}
	if v.Shared {
		flags |= SymShared
	}
	return flags
}

func (r *resolver) declare(scope ScopeID, sym *Symbol, tok Token) {
	sym.Tok = tok
	if err := r.t.Declare(scope, sym); err != nil {
		r.u.errorf(r.mod, tok, sym.Name, "%v", err)
	}
}

// ---------------------------------------------------------------------------
// Classes and constructors
// ---------------------------------------------------------------------------

// declareClass creates the class scope, declares its fields and members and
// synthesizes (or completes) the constructor.
func (r *resolver) declareClass(cls *ClassNode) {
	cls.Scope = r.t.Push(ScopeClass, r.mod.Scope, cls.Name)
	r.u.classByScope[cls.Scope] = cls

	for _, p := range cls.Params {
		p.Sym = NewSymbol(p.Name, SymVariable, 0)
		r.declare(cls.Scope, p.Sym, p.Tok)
	}
	for _, m := range cls.Members {
		switch v := m.(type) {
		case *VarDecl:
			v.Sym = NewSymbol(v.Name, SymVariable, varFlags(v))
			r.declare(cls.Scope, v.Sym, v.Tok)
		case *MethodNode:
			if v.Name == ConstructorMethod {
				switch {
				case cls.IsTrait:
					r.u.errorf(r.mod, v.Tok, v.Name, "trait %s cannot declare a constructor", cls.Name)
				case v.Shared:
					r.u.errorf(r.mod, v.Tok, v.Name, "constructor of %s cannot be shared", cls.Name)
				}
				cls.Init = v
			}
			var flags SymbolFlags
			if v.Shared {
				flags = SymShared
			}
			v.Sym = NewSymbol(v.Name, SymMethod, flags)
			v.Sym.Method = v
			r.declare(cls.Scope, v.Sym, v.Tok)
		}
	}
	if cls.IsTrait {
		return
	}

	fi := cls.FieldInit
	fi.Sym = NewSymbol(fi.Name, SymMethod, 0)
	fi.Sym.Method = fi
	r.declare(cls.Scope, fi.Sym, fi.Tok)

	callFieldInit := &InvokeNode{base: cls.base, X: &ThisNode{cls.base}, Name: FieldInitMethod}
	assignParam := func(p *Param) Node {
		return &AssignNode{
			base:   base{p.Tok},
			Op:     TokenAssign,
			Target: &MemberNode{base: base{p.Tok}, X: &ThisNode{base{p.Tok}}, Name: p.Name},
			Value:  &Ident{base: base{p.Tok}, Name: p.Name, Scope: NoScope},
		}
	}

	if cls.Init == nil {
		init := &MethodNode{base: cls.base, Name: ConstructorMethod, Class: cls, Scope: NoScope}
		var body []Node
		for _, p := range cls.Params {
			init.Params = append(init.Params, &Param{Tok: p.Tok, Name: p.Name, Default: p.Default})
			p.Default = nil
			body = append(body, assignParam(p))
		}
		body = append(body, callFieldInit)
		init.Body = &BlockNode{base: cls.base, Stmts: body, Scope: NoScope}
		init.Sym = NewSymbol(init.Name, SymMethod, 0)
		init.Sym.Method = init
		r.declare(cls.Scope, init.Sym, cls.Tok)
		cls.Init = init
		return
	}

	// Explicit constructor: header parameters it also declares are stored
	// into their fields before the field initializers run.
	var prologue []Node
	for _, p := range cls.Params {
		if p.Default != nil {
			r.u.errorf(r.mod, p.Tok, p.Name, "parameter %s of %s: defaults belong on the explicit constructor", p.Name, cls.Name)
		}
		for _, ip := range cls.Init.Params {
			if ip.Name == p.Name {
				prologue = append(prologue, assignParam(p))
				break
			}
		}
	}
	prologue = append(prologue, callFieldInit)
	cls.Init.Body.Stmts = append(prologue, cls.Init.Body.Stmts...)
}

// class resolves the bodies of a class's members.
func (r *resolver) class(cls *ClassNode) {
	for _, m := range cls.Members {
		switch v := m.(type) {
		case *VarDecl:
			if v.Value != nil {
				r.expr(v.Value, cls.Scope)
			}
		case *MethodNode:
			r.method(v, cls.Scope)
		}
	}
	if cls.IsTrait {
		return
	}
	if cls.Init.Scope == NoScope {
		r.method(cls.Init, cls.Scope)
	}
	r.method(cls.FieldInit, cls.Scope)
}

// ---------------------------------------------------------------------------
// Methods and statements
// ---------------------------------------------------------------------------

func (r *resolver) method(m *MethodNode, parent ScopeID) {
	name := m.Name
	if name == "" {
		name = "<anon>"
	}
	m.Scope = r.t.Push(ScopeMethod, parent, name)
	r.u.methodByScope[m.Scope] = m
	for _, p := range m.Params {
		if p.Default != nil {
			r.expr(p.Default, m.Scope)
		}
		p.Sym = NewSymbol(p.Name, SymVariable, 0)
		r.declare(m.Scope, p.Sym, p.Tok)
	}
	m.Body.Scope = m.Scope
	r.stmts(m.Body.Stmts, m.Scope)
}

func (r *resolver) stmts(stmts []Node, scope ScopeID) {
	for _, s := range stmts {
		r.stmt(s, scope)
	}
}

func (r *resolver) block(b *BlockNode, scope ScopeID) {
	b.Scope = r.t.Push(ScopeLocal, scope, "")
	r.stmts(b.Stmts, b.Scope)
}

func (r *resolver) stmt(n Node, scope ScopeID) {
	switch v := n.(type) {
	case *VarDecl:
		if v.Value != nil {
			r.expr(v.Value, scope)
		}
		if v.Sym == nil {
			v.Sym = NewSymbol(v.Name, SymVariable, varFlags(v))
			r.declare(scope, v.Sym, v.Tok)
		}
	case *MethodNode:
		if v.Sym == nil {
			// Nested method: a local bound before its body so it can recurse.
			v.Sym = NewSymbol(v.Name, SymMethod, 0)
			v.Sym.Method = v
			r.declare(scope, v.Sym, v.Tok)
		}
		r.method(v, scope)
	case *ClassNode:
		r.class(v)
	case *ImportNode:
	case *BlockNode:
		r.block(v, scope)
	case *IfNode:
		r.expr(v.Cond, scope)
		r.block(v.Then, scope)
		if v.Else != nil {
			r.stmt(v.Else, scope)
		}
	case *WhileNode:
		r.expr(v.Cond, scope)
		r.block(v.Body, scope)
	case *ForNode:
		r.expr(v.Iter, scope)
		v.Scope = r.t.Push(ScopeLocal, scope, "for")
		v.IterSym = NewSymbol(hiddenIterator, SymVariable, 0)
		r.declare(v.Scope, v.IterSym, v.Tok)
		v.VarSym = NewSymbol(v.Var, SymVariable, 0)
		r.declare(v.Scope, v.VarSym, v.Tok)
		v.Body.Scope = v.Scope
		r.stmts(v.Body.Stmts, v.Scope)
	case *TryNode:
		r.block(v.Body, scope)
		v.Scope = r.t.Push(ScopeLocal, scope, "catch")
		v.CatchSym = NewSymbol(v.CatchVar, SymVariable, 0)
		r.declare(v.Scope, v.CatchSym, v.Catch.Tok)
		v.Catch.Scope = v.Scope
		r.stmts(v.Catch.Stmts, v.Scope)
	case *ReturnNode:
		if v.Value != nil {
			r.expr(v.Value, scope)
		}
	case *ThrowNode:
		r.expr(v.Value, scope)
	case *BreakNode, *ContinueNode:
	default:
		r.expr(n, scope)
	}
}

func (r *resolver) expr(n Node, scope ScopeID) {
	switch v := n.(type) {
	case *Ident:
		v.Scope = scope
		v.Sym = r.t.Resolve(scope, v.Name)
	case *ThisNode:
		if !r.hasReceiver(scope) {
			r.u.errorf(r.mod, v.Tok, "this", "this used outside an instance method")
		}
	case *MethodNode:
		r.method(v, scope)
	case *AssignNode:
		r.expr(v.Value, scope)
		r.expr(v.Target, scope)
		if id, ok := v.Target.(*Ident); ok && id.Sym != nil {
			r.checkAssignable(id.Sym, v.Tok)
		}
	default:
		for _, c := range children(n) {
			r.expr(c, scope)
		}
	}
}

func (r *resolver) checkAssignable(sym *Symbol, tok Token) {
	switch {
	case sym.Has(SymFinal):
		r.u.errorf(r.mod, tok, sym.Name, "cannot assign to final %s", sym.Name)
	case sym.Kind == SymMethod || sym.Kind == SymClass:
		r.u.errorf(r.mod, tok, sym.Name, "cannot assign to %s %s", sym.Kind, sym.Name)
	}
}

// hasReceiver reports whether code in scope runs with an instance receiver:
// it is inside a non-shared class method, possibly through closures.
func (r *resolver) hasReceiver(scope ScopeID) bool {
	return receiverMethod(r.u, scope) != nil
}

// receiverMethod returns the innermost class method enclosing scope if it
// is an instance method, or nil.
func receiverMethod(u *Unit, scope ScopeID) *MethodNode {
	for id := scope; id != NoScope; id = u.Table.Scope(id).Parent {
		s := u.Table.Scope(id)
		switch s.Kind {
		case ScopeClass, ScopeModule:
			return nil
		case ScopeMethod:
			if m := u.methodByScope[id]; m != nil && m.Class != nil {
				if m.Shared {
					return nil
				}
				return m
			}
		}
	}
	return nil
}
