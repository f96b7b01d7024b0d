package compiler

import (
	"math"

	"github.com/chazu/quill/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Codegen: resolved AST to binary module
// ---------------------------------------------------------------------------

// generator emits one module. Constants are pooled across all of the
// module's methods.
type generator struct {
	mod   *ModuleNode
	t     *SymbolTable
	pool  *bytecode.ConstantPool
	diags diagnostics

	// returnLast makes the initializer return the value of its final
	// expression statement (expression compilation).
	returnLast bool
}

func generate(u *Unit, mod *ModuleNode, returnLast bool) (*bytecode.Module, []error) {
	g := &generator{
		mod:        mod,
		t:          u.Table,
		pool:       bytecode.NewConstantPool(),
		diags:      diagnostics{file: mod.File, module: mod.Name},
		returnLast: returnLast,
	}
	out := &bytecode.Module{Name: mod.Name}
	for _, m := range mod.Methods {
		out.Methods = append(out.Methods, g.method(m))
	}
	out.Namespace = g.namespace()
	out.Imports = g.imports()
	out.Constants = g.pool.Constants()
	if len(g.diags.errs) > 0 {
		return nil, g.diags.errs
	}
	return out, nil
}

func (g *generator) errorf(tok Token, format string, args ...interface{}) {
	g.diags.errorf(tok, "", format, args...)
}

func (g *generator) constant(tok Token, c bytecode.Constant) uint16 {
	idx, err := g.pool.Add(c)
	if err != nil {
		g.errorf(tok, "%v", err)
	}
	return idx
}

func (g *generator) name(tok Token, s string) uint16 {
	return g.constant(tok, bytecode.StringConst(s))
}

// ---------------------------------------------------------------------------
// Namespace and import table
// ---------------------------------------------------------------------------

func entryFlags(f SymbolFlags) bytecode.Flags {
	var out bytecode.Flags
	if f&SymFinal != 0 {
		out |= bytecode.FlagFinal
	}
	if f&SymShared != 0 {
		out |= bytecode.FlagShared
	}
	if f&SymTrait != 0 {
		out |= bytecode.FlagTrait
	}
	return out
}

func (g *generator) namespace() []bytecode.Entry {
	classes := make(map[string]*ClassNode)
	for _, stmt := range g.mod.Body {
		if cls, ok := stmt.(*ClassNode); ok {
			classes[cls.Name] = cls
		}
	}

	var out []bytecode.Entry
	for _, sym := range g.t.Scope(g.mod.Scope).Symbols {
		if sym.Import != nil || sym.Has(SymUpvalueRef) {
			continue
		}
		e := bytecode.Entry{Name: sym.Name, Flags: entryFlags(sym.Flags), Method: bytecode.NoMethod}
		switch sym.Kind {
		case SymVariable:
			e.Kind = bytecode.EntryVariable
		case SymMethod:
			e.Kind = bytecode.EntryMethod
			e.Method = sym.Method.Index
		case SymClass:
			e.Kind = bytecode.EntryClass
			cls := classes[sym.Name]
			if !cls.IsTrait {
				e.Method = cls.Init.Index
				e.Fields = cls.Fields()
			}
			e.Traits = cls.Traits
			e.Members = g.members(cls)
		}
		out = append(out, e)
	}
	return out
}

// members lists a class's methods and shared variables in declaration
// order. Instance fields are listed separately.
func (g *generator) members(cls *ClassNode) []bytecode.Entry {
	var out []bytecode.Entry
	for _, sym := range g.t.Scope(cls.Scope).Symbols {
		switch {
		case sym.Kind == SymMethod:
			out = append(out, bytecode.Entry{
				Name:   sym.Name,
				Kind:   bytecode.EntryMethod,
				Flags:  entryFlags(sym.Flags),
				Method: sym.Method.Index,
			})
		case sym.Kind == SymVariable && sym.Has(SymShared):
			out = append(out, bytecode.Entry{
				Name:   sym.Name,
				Kind:   bytecode.EntryVariable,
				Flags:  entryFlags(sym.Flags),
				Method: bytecode.NoMethod,
			})
		}
	}
	return out
}

func (g *generator) imports() []bytecode.Import {
	var out []bytecode.Import
	for _, imp := range g.mod.Imports {
		bi := bytecode.Import{Module: imp.Module, All: imp.All}
		for _, n := range imp.Names {
			bi.Symbols = append(bi.Symbols, n.Name)
			alias := ""
			if n.Alias != n.Name {
				alias = n.Alias
			}
			bi.Aliases = append(bi.Aliases, alias)
		}
		out = append(out, bi)
	}
	return out
}

// ---------------------------------------------------------------------------
// Methods
// ---------------------------------------------------------------------------

type loop struct {
	continueAt int
	breaks     []int
}

// methodGen emits the body of one method.
type methodGen struct {
	g        *generator
	m        *MethodNode
	b        *bytecode.CodeBuilder
	loops    []*loop
	prologue bool
}

func (g *generator) method(m *MethodNode) *bytecode.Method {
	mg := &methodGen{g: g, m: m, b: bytecode.NewCodeBuilder()}
	b := mg.b
	b.MarkLine(m.Tok.Pos.Line)

	if len(m.Params) > math.MaxUint8 {
		g.errorf(m.Tok, "%s has too many parameters (%d)", m.Display, len(m.Params))
	}

	// Missing trailing arguments arrive unset; fill in their defaults.
	defaults := 0
	mg.prologue = true
	for _, p := range m.Params {
		if p.Default == nil {
			continue
		}
		defaults++
		slot := uint16(p.Sym.Slot)
		skip := b.EmitJumpIfSet(slot)
		mg.expr(p.Default)
		b.EmitU16(bytecode.OpStoreLocal, slot)
		b.Emit(bytecode.OpPop)
		b.PatchJump(skip)
	}
	mg.prologue = false
	for _, p := range m.Params {
		if p.Sym.Has(SymUpvalue) {
			b.EmitU16(bytecode.OpBoxLocal, uint16(p.Sym.Slot))
		}
	}

	stmts := m.Body.Stmts
	if g.returnLast && m.Name == bytecode.InitMethod && len(stmts) > 0 {
		mg.stmts(stmts[:len(stmts)-1])
		mg.returnValue(stmts[len(stmts)-1])
	} else {
		mg.stmts(stmts)
	}
	b.Emit(bytecode.OpNull)
	b.Emit(bytecode.OpReturn)

	frame := g.t.Scope(m.Scope)
	locals := g.t.FrameSize(m.Scope)
	if locals < len(m.Params) {
		locals = len(m.Params)
	}
	if locals > math.MaxUint16 {
		g.errorf(m.Tok, "%s has too many locals (%d)", m.Display, locals)
	}
	return &bytecode.Method{
		Name:          m.Display,
		Symbol:        m.Name,
		Args:          uint16(len(m.Params)),
		Defaults:      uint16(defaults),
		Locals:        uint16(locals),
		UpvalueRefs:   uint16(len(frame.Upvalues)),
		UpvalueLocals: uint16(g.t.CapturedLocals(m.Scope)),
		Code:          b.Code(),
		Exceptions:    b.Exceptions(),
		Debug:         b.Debug(),
	}
}

// returnValue emits the last statement of an expression module so that its
// value is returned: expressions and variable declarations yield their
// value, anything else yields null.
func (mg *methodGen) returnValue(n Node) {
	mg.b.MarkLine(n.Pos().Line)
	switch v := n.(type) {
	case *VarDecl:
		mg.value(v.Value)
		mg.storeSymbol(v.Sym, v.Tok)
		mg.b.Emit(bytecode.OpReturn)
	case *BlockNode, *IfNode, *WhileNode, *ForNode, *TryNode, *ReturnNode, *ThrowNode,
		*BreakNode, *ContinueNode, *ClassNode, *ImportNode:
		mg.stmt(n)
	default:
		mg.expr(n)
		mg.b.Emit(bytecode.OpReturn)
	}
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (mg *methodGen) stmts(stmts []Node) {
	for _, s := range stmts {
		mg.stmt(s)
	}
}

func (mg *methodGen) stmt(n Node) {
	b := mg.b
	b.MarkLine(n.Pos().Line)

	switch v := n.(type) {
	case *VarDecl:
		mg.declare(v.Sym, v.Value, v.Tok)

	case *ClassNode:
		for _, m := range v.Members {
			if d, ok := m.(*VarDecl); ok && d.Shared && d.Value != nil {
				b.EmitU16(bytecode.OpLoadGlobal, mg.g.name(v.Tok, v.Name))
				mg.expr(d.Value)
				b.EmitU16(bytecode.OpStoreField, mg.g.name(d.Tok, d.Name))
				b.Emit(bytecode.OpPop)
			}
		}

	case *ImportNode:

	case *BlockNode:
		mg.stmts(v.Stmts)

	case *IfNode:
		mg.expr(v.Cond)
		jf := b.EmitJump(bytecode.OpJumpIfFalse)
		mg.stmts(v.Then.Stmts)
		if v.Else == nil {
			b.PatchJump(jf)
			return
		}
		end := b.EmitJump(bytecode.OpJump)
		b.PatchJump(jf)
		mg.stmt(v.Else)
		b.PatchJump(end)

	case *WhileNode:
		start := b.Offset()
		mg.expr(v.Cond)
		exit := b.EmitJump(bytecode.OpJumpIfFalse)
		l := mg.pushLoop(start)
		mg.stmts(v.Body.Stmts)
		b.EmitJumpTo(bytecode.OpJump, start)
		b.PatchJump(exit)
		mg.popLoop(l)

	case *ForNode:
		iter := uint16(v.IterSym.Slot)
		mg.expr(v.Iter)
		b.Emit(bytecode.OpIter)
		b.EmitU16(bytecode.OpStoreLocal, iter)
		b.Emit(bytecode.OpPop)
		start := b.Offset()
		b.EmitU16(bytecode.OpLoadLocal, iter)
		exit := b.EmitJump(bytecode.OpIterNext)
		mg.bindTop(v.VarSym)
		l := mg.pushLoop(start)
		mg.stmts(v.Body.Stmts)
		b.EmitJumpTo(bytecode.OpJump, start)
		b.PatchJump(exit)
		mg.popLoop(l)

	case *TryNode:
		start := b.Offset()
		mg.stmts(v.Body.Stmts)
		end := b.Offset()
		skip := b.EmitJump(bytecode.OpJump)
		handler := b.Offset()
		b.AddHandler(start, end, handler)
		mg.bindTop(v.CatchSym)
		mg.stmts(v.Catch.Stmts)
		b.PatchJump(skip)

	case *ReturnNode:
		mg.value(v.Value)
		b.Emit(bytecode.OpReturn)

	case *ThrowNode:
		mg.expr(v.Value)
		b.Emit(bytecode.OpThrow)

	case *BreakNode:
		l := mg.loops[len(mg.loops)-1]
		l.breaks = append(l.breaks, b.EmitJump(bytecode.OpJump))

	case *ContinueNode:
		b.EmitJumpTo(bytecode.OpJump, mg.loops[len(mg.loops)-1].continueAt)

	default:
		mg.expr(n)
		b.Emit(bytecode.OpPop)
	}
}

func (mg *methodGen) pushLoop(continueAt int) *loop {
	l := &loop{continueAt: continueAt}
	mg.loops = append(mg.loops, l)
	return l
}

func (mg *methodGen) popLoop(l *loop) {
	for _, br := range l.breaks {
		mg.b.PatchJump(br)
	}
	mg.loops = mg.loops[:len(mg.loops)-1]
}

// declare emits a variable declaration. A captured local gets a fresh cell
// before its value is evaluated, so a closure stored into it can refer to
// itself.
func (mg *methodGen) declare(sym *Symbol, value Node, tok Token) {
	b := mg.b
	if sym.IsLocal() && sym.Has(SymUpvalue) {
		slot := uint16(sym.Slot)
		b.EmitU16(bytecode.OpBoxLocal, slot)
		mg.value(value)
		b.EmitU16(bytecode.OpStoreCell, slot)
		b.Emit(bytecode.OpPop)
		return
	}
	mg.value(value)
	mg.storeSymbol(sym, tok)
	b.Emit(bytecode.OpPop)
}

// bindTop stores the value on top of the stack (loop element, caught
// exception) into a freshly declared local and pops it.
func (mg *methodGen) bindTop(sym *Symbol) {
	b := mg.b
	slot := uint16(sym.Slot)
	if sym.Has(SymUpvalue) {
		b.EmitU16(bytecode.OpBoxLocal, slot)
		b.EmitU16(bytecode.OpStoreCell, slot)
	} else {
		b.EmitU16(bytecode.OpStoreLocal, slot)
	}
	b.Emit(bytecode.OpPop)
}

// storeSymbol stores the top of the stack into a declared variable,
// keeping the value on the stack.
func (mg *methodGen) storeSymbol(sym *Symbol, tok Token) {
	switch {
	case sym.IsLocal() && sym.Has(SymUpvalue):
		mg.b.EmitU16(bytecode.OpStoreCell, uint16(sym.Slot))
	case sym.IsLocal():
		mg.b.EmitU16(bytecode.OpStoreLocal, uint16(sym.Slot))
	default:
		mg.b.EmitU16(bytecode.OpStoreGlobal, mg.g.name(tok, sym.Name))
	}
}

func (mg *methodGen) value(n Node) {
	if n == nil {
		mg.b.Emit(bytecode.OpNull)
		return
	}
	mg.expr(n)
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

var binaryOps = map[TokenType]bytecode.Opcode{
	TokenPlus:      bytecode.OpAdd,
	TokenMinus:     bytecode.OpSub,
	TokenStar:      bytecode.OpMul,
	TokenSlash:     bytecode.OpDiv,
	TokenPercent:   bytecode.OpMod,
	TokenStarStar:  bytecode.OpPow,
	TokenEq:        bytecode.OpEq,
	TokenNotEq:     bytecode.OpNe,
	TokenLess:      bytecode.OpLt,
	TokenLessEq:    bytecode.OpLe,
	TokenGreater:   bytecode.OpGt,
	TokenGreaterEq: bytecode.OpGe,
}

var compoundOps = map[TokenType]bytecode.Opcode{
	TokenPlusEq:    bytecode.OpAdd,
	TokenMinusEq:   bytecode.OpSub,
	TokenStarEq:    bytecode.OpMul,
	TokenSlashEq:   bytecode.OpDiv,
	TokenPercentEq: bytecode.OpMod,
}

func (mg *methodGen) expr(n Node) {
	b := mg.b
	g := mg.g

	switch v := n.(type) {
	case *Literal:
		switch {
		case v.Null:
			b.Emit(bytecode.OpNull)
		case v.Value.Kind == bytecode.ConstBool && v.Value.Bool:
			b.Emit(bytecode.OpTrue)
		case v.Value.Kind == bytecode.ConstBool:
			b.Emit(bytecode.OpFalse)
		default:
			b.EmitU16(bytecode.OpConst, g.constant(v.Tok, v.Value))
		}

	case *ListNode:
		for _, e := range v.Elems {
			mg.expr(e)
		}
		b.EmitU16(bytecode.OpList, mg.count(v.Tok, len(v.Elems), math.MaxUint16))

	case *MapNode:
		for i := range v.Keys {
			mg.expr(v.Keys[i])
			mg.expr(v.Values[i])
		}
		b.EmitU16(bytecode.OpMap, mg.count(v.Tok, len(v.Keys), math.MaxUint16))

	case *Ident:
		mg.load(v)

	case *ThisNode:
		b.Emit(bytecode.OpThis)

	case *UnaryNode:
		mg.expr(v.X)
		if v.Op == TokenMinus {
			b.Emit(bytecode.OpNeg)
		} else {
			b.Emit(bytecode.OpNot)
		}

	case *BinaryNode:
		switch v.Op {
		case TokenAndAnd, TokenOrOr:
			op := bytecode.OpJumpIfFalse
			if v.Op == TokenOrOr {
				op = bytecode.OpJumpIfTrue
			}
			mg.expr(v.Left)
			b.Emit(bytecode.OpDup)
			end := b.EmitJump(op)
			b.Emit(bytecode.OpPop)
			mg.expr(v.Right)
			b.PatchJump(end)
		default:
			mg.expr(v.Left)
			mg.expr(v.Right)
			b.Emit(binaryOps[v.Op])
		}

	case *AssignNode:
		mg.assign(v)

	case *CallNode:
		mg.expr(v.Fn)
		mg.args(v.Tok, v.Args)
		b.EmitU8(bytecode.OpCall, uint8(len(v.Args)))

	case *InvokeNode:
		mg.expr(v.X)
		mg.args(v.Tok, v.Args)
		b.EmitU16U8(bytecode.OpInvoke, g.name(v.Tok, v.Name), uint8(len(v.Args)))

	case *MemberNode:
		mg.expr(v.X)
		b.EmitU16(bytecode.OpLoadField, g.name(v.Tok, v.Name))

	case *IndexNode:
		mg.expr(v.X)
		mg.expr(v.Index)
		b.Emit(bytecode.OpIndexGet)

	case *NewNode:
		mg.expr(v.Class)
		mg.args(v.Tok, v.Args)
		b.EmitU8(bytecode.OpNew, uint8(len(v.Args)))

	case *ClosureNode:
		uvs := g.t.Scope(v.Method.Scope).Upvalues
		ncap := mg.count(v.Tok, len(uvs), math.MaxUint8)
		b.EmitU16U8(bytecode.OpClosure, uint16(v.Method.Index), uint8(ncap))
		for _, uv := range uvs {
			b.EmitCapture(uv.IsLocal, uint16(uv.Index))
		}

	default:
		g.errorf(n.Token(), "cannot compile %T as an expression", n)
	}
}

func (mg *methodGen) count(tok Token, n, max int) uint16 {
	if n > max {
		mg.g.errorf(tok, "too many elements (%d, limit %d)", n, max)
		return 0
	}
	return uint16(n)
}

func (mg *methodGen) args(tok Token, args []Node) {
	mg.count(tok, len(args), math.MaxUint8)
	for _, a := range args {
		mg.expr(a)
	}
}

// load pushes the value of a resolved identifier.
func (mg *methodGen) load(id *Ident) {
	b := mg.b
	g := mg.g
	ref := id.Ref
	switch ref.Kind {
	case RefLocal:
		b.EmitU16(bytecode.OpLoadLocal, uint16(ref.Index))
	case RefCell:
		if mg.prologue {
			// Parameters are boxed after their defaults are filled in.
			b.EmitU16(bytecode.OpLoadLocal, uint16(ref.Index))
		} else {
			b.EmitU16(bytecode.OpLoadCell, uint16(ref.Index))
		}
	case RefUpvalue:
		b.EmitU16(bytecode.OpLoadUpval, uint16(ref.Index))
	case RefGlobal:
		b.EmitU16(bytecode.OpLoadGlobal, g.name(id.Tok, ref.Name))
	case RefImport:
		b.EmitU16U16(bytecode.OpLoadImport, uint16(ref.Index), g.name(id.Tok, ref.Name))
	case RefField:
		b.Emit(bytecode.OpThis)
		b.EmitU16(bytecode.OpLoadField, g.name(id.Tok, ref.Name))
	case RefShared:
		b.EmitU16(bytecode.OpLoadGlobal, g.name(id.Tok, ref.Class))
		b.EmitU16(bytecode.OpLoadField, g.name(id.Tok, ref.Name))
	case RefBuiltin:
		b.EmitU16(bytecode.OpLoadBuiltin, g.name(id.Tok, ref.Name))
	default:
		g.errorf(id.Tok, "unresolved name %s", id.Name)
	}
}

// assign emits an assignment; the assigned value stays on the stack.
func (mg *methodGen) assign(a *AssignNode) {
	b := mg.b
	g := mg.g
	op, compound := compoundOps[a.Op]

	switch t := a.Target.(type) {
	case *Ident:
		ref := t.Ref
		switch ref.Kind {
		case RefField, RefShared:
			if ref.Kind == RefField {
				b.Emit(bytecode.OpThis)
			} else {
				b.EmitU16(bytecode.OpLoadGlobal, g.name(t.Tok, ref.Class))
			}
			name := g.name(t.Tok, ref.Name)
			if compound {
				b.Emit(bytecode.OpDup)
				b.EmitU16(bytecode.OpLoadField, name)
				mg.expr(a.Value)
				b.Emit(op)
			} else {
				mg.expr(a.Value)
			}
			b.EmitU16(bytecode.OpStoreField, name)
			return
		}
		if compound {
			mg.load(t)
			mg.expr(a.Value)
			b.Emit(op)
		} else {
			mg.expr(a.Value)
		}
		switch ref.Kind {
		case RefLocal:
			b.EmitU16(bytecode.OpStoreLocal, uint16(ref.Index))
		case RefCell:
			b.EmitU16(bytecode.OpStoreCell, uint16(ref.Index))
		case RefUpvalue:
			b.EmitU16(bytecode.OpStoreUpval, uint16(ref.Index))
		case RefGlobal:
			b.EmitU16(bytecode.OpStoreGlobal, g.name(t.Tok, ref.Name))
		default:
			g.errorf(t.Tok, "cannot assign to %s %s", ref.Kind, t.Name)
		}

	case *MemberNode:
		mg.expr(t.X)
		name := g.name(t.Tok, t.Name)
		if compound {
			b.Emit(bytecode.OpDup)
			b.EmitU16(bytecode.OpLoadField, name)
			mg.expr(a.Value)
			b.Emit(op)
		} else {
			mg.expr(a.Value)
		}
		b.EmitU16(bytecode.OpStoreField, name)

	case *IndexNode:
		mg.expr(t.X)
		mg.expr(t.Index)
		if compound {
			b.Emit(bytecode.OpDup2)
			b.Emit(bytecode.OpIndexGet)
			mg.expr(a.Value)
			b.Emit(op)
		} else {
			mg.expr(a.Value)
		}
		b.Emit(bytecode.OpIndexSet)

	default:
		g.errorf(a.Tok, "invalid assignment target")
	}
}
