package compiler

// ---------------------------------------------------------------------------
// Pass 3: import resolution
// ---------------------------------------------------------------------------
//
// Declares every imported name in the importing module's scope. Resolvers
// are consulted in order (other modules of the batch, then compiled
// modules, then native modules) and the first one that knows the name
// wins. Names declared by the module itself take precedence over names
// brought in by an import-all.

func resolveImports(u *Unit, mod *ModuleNode) {
	scope := u.Table.Scope(mod.Scope)

	for _, imp := range mod.Imports {
		if imp.All {
			syms, err := u.resolveAll(imp.Module)
			switch {
			case err != nil:
				u.errorf(mod, imp.Tok, imp.Module, "import %s: %v", imp.Module, err)
				continue
			case syms == nil:
				u.errorf(mod, imp.Tok, imp.Module, "unknown module %s", imp.Module)
				continue
			}
			for _, sym := range syms {
				if scope.Lookup(sym.Name) != nil {
					continue
				}
				sym.Import = &ImportRef{Module: imp.Module, Name: sym.Name, Import: imp.Index}
				sym.Tok = imp.Tok
				if err := u.Table.Declare(mod.Scope, sym); err != nil {
					u.errorf(mod, imp.Tok, sym.Name, "%v", err)
				}
			}
			continue
		}

		for _, n := range imp.Names {
			sym, err := u.resolveOne(imp.Module, n.Name)
			switch {
			case err != nil:
				u.errorf(mod, n.Tok, n.Name, "import %s: %v", imp.Module, err)
				continue
			case sym == nil:
				u.errorf(mod, n.Tok, n.Name, "cannot resolve %s::%s", imp.Module, n.Name)
				continue
			}
			sym.Name = n.Binding()
			sym.Tok = n.Tok
			sym.Import = &ImportRef{Module: imp.Module, Name: n.Name, Import: imp.Index}
			if n.Alias != "" && n.Alias != n.Name {
				sym.Import.Alias = n.Alias
			}
			if err := u.Table.Declare(mod.Scope, sym); err != nil {
				u.errorf(mod, n.Tok, sym.Name, "%v", err)
			}
		}
	}

	for _, stmt := range mod.Body {
		cls, ok := stmt.(*ClassNode)
		if !ok {
			continue
		}
		for _, name := range cls.Traits {
			sym := u.Table.Resolve(mod.Scope, name)
			if sym == nil || sym.Kind != SymClass || !sym.Has(SymTrait) {
				u.errorf(mod, cls.Tok, name, "%s: %s is not a trait", cls.Name, name)
			}
		}
	}
}

func (u *Unit) resolveOne(module, name string) (*Symbol, error) {
	for _, r := range u.resolvers {
		sym, err := r.ResolveSymbol(module, name)
		if err != nil {
			return nil, err
		}
		if sym != nil {
			return sym, nil
		}
	}
	return nil, nil
}

func (u *Unit) resolveAll(module string) ([]*Symbol, error) {
	for _, r := range u.resolvers {
		syms, err := r.ResolveSymbols(module)
		if err != nil {
			return nil, err
		}
		if syms != nil {
			return syms, nil
		}
	}
	return nil, nil
}
