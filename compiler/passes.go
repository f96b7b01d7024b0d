package compiler

import (
	"time"

	"github.com/chazu/quill/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Pass pipeline
// ---------------------------------------------------------------------------

// Unit is a compilation batch moving through the pass pipeline: the parsed
// module trees and the scope arena they share.
type Unit struct {
	Modules []*ModuleNode
	Table   *SymbolTable

	resolvers []ImportResolver

	// Scope ownership, recorded by the resolution pass.
	methodByScope map[ScopeID]*MethodNode
	classByScope  map[ScopeID]*ClassNode
	moduleByScope map[ScopeID]*ModuleNode

	errs []error
}

func newUnit(mods []*ModuleNode, resolvers []ImportResolver) *Unit {
	return &Unit{
		Modules:       mods,
		Table:         NewSymbolTable(),
		resolvers:     resolvers,
		methodByScope: make(map[ScopeID]*MethodNode),
		classByScope:  make(map[ScopeID]*ClassNode),
		moduleByScope: make(map[ScopeID]*ModuleNode),
	}
}

func (u *Unit) errorf(mod *ModuleNode, tok Token, name, format string, args ...interface{}) {
	d := diagnostics{file: mod.File, module: mod.Name}
	d.errorf(tok, name, format, args...)
	u.errs = append(u.errs, d.errs...)
}

// Module returns the module of the batch with the given name.
func (u *Unit) Module(name string) *ModuleNode {
	for _, m := range u.Modules {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// pass is one whole-batch pipeline stage.
type pass struct {
	name string
	run  func(u *Unit, mod *ModuleNode)
}

// pipeline lists the stages in order. Each stage completes for every module
// before the next begins: resolution of imports needs every module's scope,
// and pre-assembly needs every name resolved.
var pipeline = []pass{
	{"post-parse", postParse},
	{"resolve", resolveModule},
	{"import-resolve", resolveImports},
	{"pre-assembly", preAssemble},
}

// runPasses drives the pipeline and stops after the first stage that
// reports an error.
func (u *Unit) runPasses() error {
	for _, p := range pipeline {
		start := time.Now()
		for _, mod := range u.Modules {
			p.run(u, mod)
		}
		log.Debugf("pass %s: %d modules in %s", p.name, len(u.Modules), time.Since(start))
		if len(u.errs) > 0 {
			return &Error{Errors: u.errs}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Tree rewriting
// ---------------------------------------------------------------------------

// transformChildren replaces every direct child c of n with f(c).
func transformChildren(n Node, f func(Node) Node) {
	each := func(nodes []Node) {
		for i, c := range nodes {
			nodes[i] = f(c)
		}
	}
	block := func(b *BlockNode) {
		if b != nil {
			each(b.Stmts)
		}
	}
	params := func(ps []*Param) {
		for _, p := range ps {
			if p.Default != nil {
				p.Default = f(p.Default)
			}
		}
	}

	switch v := n.(type) {
	case *ModuleNode:
		each(v.Body)
	case *ClassNode:
		params(v.Params)
		each(v.Members)
	case *MethodNode:
		params(v.Params)
		block(v.Body)
	case *VarDecl:
		if v.Value != nil {
			v.Value = f(v.Value)
		}
	case *BlockNode:
		block(v)
	case *IfNode:
		v.Cond = f(v.Cond)
		block(v.Then)
		if v.Else != nil {
			v.Else = f(v.Else)
		}
	case *WhileNode:
		v.Cond = f(v.Cond)
		block(v.Body)
	case *ForNode:
		v.Iter = f(v.Iter)
		block(v.Body)
	case *TryNode:
		block(v.Body)
		block(v.Catch)
	case *ReturnNode:
		if v.Value != nil {
			v.Value = f(v.Value)
		}
	case *ThrowNode:
		v.Value = f(v.Value)
	case *ListNode:
		each(v.Elems)
	case *MapNode:
		each(v.Keys)
		each(v.Values)
	case *UnaryNode:
		v.X = f(v.X)
	case *BinaryNode:
		v.Left = f(v.Left)
		v.Right = f(v.Right)
	case *AssignNode:
		v.Target = f(v.Target)
		v.Value = f(v.Value)
	case *CallNode:
		v.Fn = f(v.Fn)
		each(v.Args)
	case *InvokeNode:
		v.X = f(v.X)
		each(v.Args)
	case *MemberNode:
		v.X = f(v.X)
	case *IndexNode:
		v.X = f(v.X)
		v.Index = f(v.Index)
	case *NewNode:
		v.Class = f(v.Class)
		each(v.Args)
	}
}

// ---------------------------------------------------------------------------
// Import resolvers
// ---------------------------------------------------------------------------

// ImportResolver finds the symbols another module exports. Both methods
// return nil when the resolver does not know the module (or name).
type ImportResolver interface {
	ResolveSymbol(module, name string) (*Symbol, error)
	ResolveSymbols(module string) ([]*Symbol, error)
}

// ModuleSource provides previously compiled binary modules.
type ModuleSource interface {
	LoadBinary(name string) (*bytecode.Module, bool, error)
}

// NativeSource describes the exports of host-provided native modules.
type NativeSource interface {
	NativeExports(name string) ([]bytecode.Entry, bool)
}

// astResolver resolves against the other modules of the batch.
type astResolver struct{ u *Unit }

func (r astResolver) exports(module string) *Scope {
	mod := r.u.Module(module)
	if mod == nil || mod.Scope == NoScope {
		return nil
	}
	return r.u.Table.Scope(mod.Scope)
}

func (r astResolver) ResolveSymbol(module, name string) (*Symbol, error) {
	s := r.exports(module)
	if s == nil {
		return nil, nil
	}
	if sym := s.Lookup(name); sym != nil && sym.Import == nil {
		return NewSymbol(sym.Name, sym.Kind, sym.Flags&(SymFinal|SymShared|SymTrait)), nil
	}
	return nil, nil
}

func (r astResolver) ResolveSymbols(module string) ([]*Symbol, error) {
	s := r.exports(module)
	if s == nil {
		return nil, nil
	}
	out := []*Symbol{}
	for _, sym := range s.Symbols {
		if sym.Import == nil {
			out = append(out, NewSymbol(sym.Name, sym.Kind, sym.Flags&(SymFinal|SymShared|SymTrait)))
		}
	}
	return out, nil
}

// binaryResolver resolves against compiled modules.
type binaryResolver struct{ src ModuleSource }

func (r binaryResolver) ResolveSymbol(module, name string) (*Symbol, error) {
	m, ok, err := r.src.LoadBinary(module)
	if err != nil || !ok {
		return nil, err
	}
	if e, ok := m.Lookup(name); ok {
		return symbolFromEntry(e), nil
	}
	return nil, nil
}

func (r binaryResolver) ResolveSymbols(module string) ([]*Symbol, error) {
	m, ok, err := r.src.LoadBinary(module)
	if err != nil || !ok {
		return nil, err
	}
	return symbolsFromEntries(m.Namespace), nil
}

// nativeResolver resolves against native module capability tables. Both
// single-name and bulk (import-all) resolution are supported.
type nativeResolver struct{ src NativeSource }

func (r nativeResolver) ResolveSymbol(module, name string) (*Symbol, error) {
	entries, ok := r.src.NativeExports(module)
	if !ok {
		return nil, nil
	}
	for i := range entries {
		if entries[i].Name == name {
			return symbolFromEntry(&entries[i]), nil
		}
	}
	return nil, nil
}

func (r nativeResolver) ResolveSymbols(module string) ([]*Symbol, error) {
	entries, ok := r.src.NativeExports(module)
	if !ok {
		return nil, nil
	}
	return symbolsFromEntries(entries), nil
}

func symbolFromEntry(e *bytecode.Entry) *Symbol {
	kind := SymVariable
	switch e.Kind {
	case bytecode.EntryMethod:
		kind = SymMethod
	case bytecode.EntryClass:
		kind = SymClass
	}
	var flags SymbolFlags
	if e.Flags.Has(bytecode.FlagFinal) {
		flags |= SymFinal
	}
	if e.Flags.Has(bytecode.FlagShared) {
		flags |= SymShared
	}
	if e.Flags.Has(bytecode.FlagTrait) {
		flags |= SymTrait
	}
	return NewSymbol(e.Name, kind, flags)
}

func symbolsFromEntries(entries []bytecode.Entry) []*Symbol {
	out := make([]*Symbol, 0, len(entries))
	for i := range entries {
		out = append(out, symbolFromEntry(&entries[i]))
	}
	return out
}
