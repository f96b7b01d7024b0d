package vm

import (
	"fmt"

	"github.com/chazu/quill/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Module instances
// ---------------------------------------------------------------------------
//
// A bytecode.Module is shared and never mutated. Each script execution
// instantiates the modules it touches: a ModuleInstance holds the
// execution's globals, its class objects and its resolved imports.

type moduleState int

const (
	moduleNew moduleState = iota
	moduleInitializing
	moduleReady
	moduleFailed
)

// ModuleInstance is one module as seen by one script execution. Exactly
// one of Module and Native is set.
type ModuleInstance struct {
	Name   string
	Module *bytecode.Module
	Native *NativeModule

	globals map[string]Value
	consts  []Value
	imports []*ModuleInstance // per import index, resolved on first use
	state   moduleState
	initErr error
}

// Global returns a module-level value. It does not run the module's
// initializer.
func (mi *ModuleInstance) Global(name string) (Value, bool) {
	if mi.Native != nil {
		return mi.Native.Lookup(name)
	}
	v, ok := mi.globals[name]
	return v, ok
}

func (mi *ModuleInstance) name(idx uint16) string {
	if c, ok := mi.consts[idx].(string); ok {
		return c
	}
	return fmt.Sprintf("<constant %d>", idx)
}

// instance returns the execution's instance of a module, creating it on
// first use. Creating an instance builds its classes but does not run its
// initializer.
func (x *execution) instance(name string) (*ModuleInstance, error) {
	if mi, ok := x.modules[name]; ok {
		return mi, nil
	}
	if m, ok := x.script.modules[name]; ok {
		return x.bind(m)
	}
	if n, ok := x.script.shared[name]; ok {
		return x.bindNative(n, false), nil
	}
	bm, nm, err := x.loader.Load(name)
	if err != nil {
		return nil, err
	}
	if nm != nil {
		return x.bindNative(nm, true), nil
	}
	return x.bind(bm)
}

func (x *execution) bindNative(nm *NativeModule, fresh bool) *ModuleInstance {
	mi := &ModuleInstance{Name: nm.Name, Native: nm, state: moduleReady}
	x.modules[nm.Name] = mi
	if fresh {
		nm.bind(x.env)
	}
	return mi
}

// bind instantiates a binary module for this execution.
func (x *execution) bind(m *bytecode.Module) (*ModuleInstance, error) {
	mi := &ModuleInstance{
		Name:    m.Name,
		Module:  m,
		globals: make(map[string]Value, len(m.Namespace)),
		consts:  make([]Value, len(m.Constants)),
		imports: make([]*ModuleInstance, len(m.Imports)),
	}
	for i, c := range m.Constants {
		mi.consts[i] = constantValue(c)
	}
	x.modules[m.Name] = mi

	type pendingClass struct {
		cls   *Class
		entry *bytecode.Entry
	}
	var pending []pendingClass
	for i := range m.Namespace {
		e := &m.Namespace[i]
		switch e.Kind {
		case bytecode.EntryVariable:
			mi.globals[e.Name] = nil
		case bytecode.EntryMethod:
			mi.globals[e.Name] = &Closure{Module: mi, Index: e.Method}
		case bytecode.EntryClass:
			cls := newClass(mi, e)
			mi.globals[e.Name] = cls
			pending = append(pending, pendingClass{cls, e})
		}
	}
	// Traits may be declared after the classes using them, or in another
	// module, so they are linked once every class of this module exists.
	// A module whose traits fail to link is not kept.
	for _, p := range pending {
		for _, t := range p.entry.Traits {
			v, err := x.resolveName(mi, t)
			if err != nil {
				delete(x.modules, m.Name)
				return nil, err
			}
			tc, ok := v.(*Class)
			if !ok || !tc.IsTrait {
				delete(x.modules, m.Name)
				return nil, fmt.Errorf("%s.%s: %s is not a trait", m.Name, p.cls.Name, t)
			}
			p.cls.Traits = append(p.cls.Traits, tc)
		}
	}
	return mi, nil
}

func newClass(mi *ModuleInstance, e *bytecode.Entry) *Class {
	cls := &Class{
		Name:    e.Name,
		Module:  mi,
		IsTrait: e.Flags.Has(bytecode.FlagTrait),
		Fields:  e.Fields,
		Init:    e.Method,
		Methods: make(map[string]*ClassMethod),
		Shared:  make(map[string]Value),
	}
	for _, mem := range e.Members {
		switch {
		case mem.Kind == bytecode.EntryMethod && mem.Flags.Has(bytecode.FlagShared):
			cls.Shared[mem.Name] = &Closure{Module: mi, Index: mem.Method, This: cls}
		case mem.Kind == bytecode.EntryMethod:
			cls.Methods[mem.Name] = &ClassMethod{Module: mi, Index: mem.Method}
		case mem.Kind == bytecode.EntryVariable:
			cls.Shared[mem.Name] = nil
		}
	}
	return cls
}

// resolveName finds a name visible at module level: the module's own
// namespace first, then its imports in declaration order. Imported modules
// are instantiated but not initialized.
func (x *execution) resolveName(mi *ModuleInstance, name string) (Value, error) {
	if v, ok := mi.globals[name]; ok {
		return v, nil
	}
	for i := range mi.Module.Imports {
		imp := &mi.Module.Imports[i]
		source := ""
		if imp.All {
			source = name
		} else {
			for j := range imp.Symbols {
				if imp.BindingName(j) == name {
					source = imp.Symbols[j]
					break
				}
			}
			if source == "" {
				continue
			}
		}
		target, err := x.importTarget(mi, i)
		if err != nil {
			return nil, err
		}
		if v, ok, err := x.global(target, source); err != nil || ok {
			return v, err
		}
	}
	return nil, fmt.Errorf("%s: undefined name %s", mi.Name, name)
}

// global reads a module-level value of an imported module. Native
// variables are read through the linker.
func (x *execution) global(t *ModuleInstance, name string) (Value, bool, error) {
	if t.Native != nil {
		if nv := t.Native.Var(name); nv != nil {
			v, err := x.linker.GetVar(t.Name, nv)
			return v, err == nil, err
		}
	}
	v, ok := t.Global(name)
	return v, ok, nil
}

// importTarget returns the module instance behind import idx.
func (x *execution) importTarget(mi *ModuleInstance, idx int) (*ModuleInstance, error) {
	if t := mi.imports[idx]; t != nil {
		return t, nil
	}
	t, err := x.instance(mi.Module.Imports[idx].Module)
	if err != nil {
		return nil, err
	}
	mi.imports[idx] = t
	return t, nil
}

// initialize runs a module's <init> method once. A module reached again
// while it is still initializing (an import cycle) is used as it is.
func (x *execution) initialize(mi *ModuleInstance) error {
	switch mi.state {
	case moduleReady, moduleInitializing:
		return nil
	case moduleFailed:
		return mi.initErr
	}
	mi.state = moduleInitializing
	if _, err := x.call(&Closure{Module: mi, Index: 0}, nil, nil); err != nil {
		mi.state = moduleFailed
		mi.initErr = fmt.Errorf("initialize module %s: %w", mi.Name, err)
		return mi.initErr
	}
	mi.state = moduleReady
	return nil
}

// importedValue reads an imported name for LOAD_IMPORT. The target module
// is initialized first and the value is read live, so later assignments
// in the target are visible.
func (x *execution) importedValue(mi *ModuleInstance, idx int, name string) (Value, error) {
	t, err := x.importTarget(mi, idx)
	if err != nil {
		return nil, err
	}
	if err := x.initialize(t); err != nil {
		return nil, err
	}
	v, ok, err := x.global(t, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &LinkError{Kind: LinkNotFound, Access: AccessGetField, Receiver: "module " + t.Name, Member: name}
	}
	return v, nil
}
