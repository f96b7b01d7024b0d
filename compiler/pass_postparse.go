package compiler

// ---------------------------------------------------------------------------
// Pass 1: post-parse desugaring
// ---------------------------------------------------------------------------
//
//   - module::name references become identifiers bound by a synthesized
//     import of name aliased module$name
//   - a bare "import m" becomes an import-all
//   - class field initializers move into a generated $fields method
//   - the module's import declarations are collected into its import table

// FieldInitMethod is the generated method that runs field initializers.
const FieldInitMethod = "$fields"

// ConstructorMethod is the method run by instantiation.
const ConstructorMethod = "init"

// qualifiedAlias is the binding name of a module::name reference.
func qualifiedAlias(module, name string) string {
	return module + "$" + name
}

func postParse(u *Unit, mod *ModuleNode) {
	synthetic := make(map[string]*ImportNode)
	var order []*ImportNode

	var rewrite func(n Node) Node
	rewrite = func(n Node) Node {
		switch v := n.(type) {
		case *QualifiedIdent:
			if v.Module == mod.Name {
				return &Ident{base: v.base, Name: v.Name, Scope: NoScope}
			}
			imp := synthetic[v.Module]
			if imp == nil {
				imp = &ImportNode{base: v.base, Module: v.Module, Synthetic: true}
				synthetic[v.Module] = imp
				order = append(order, imp)
			}
			alias := qualifiedAlias(v.Module, v.Name)
			found := false
			for _, n := range imp.Names {
				if n.Alias == alias {
					found = true
					break
				}
			}
			if !found {
				imp.Names = append(imp.Names, ImportName{Tok: v.Tok, Name: v.Name, Alias: alias})
			}
			return &Ident{base: v.base, Name: alias, Scope: NoScope}
		case *ImportNode:
			if len(v.Names) == 0 {
				v.All = true
			}
			if v.Module == mod.Name {
				u.errorf(mod, v.Tok, v.Module, "module %s imports itself", v.Module)
			}
			return v
		case *ClassNode:
			transformChildren(v, rewrite)
			synthesizeFieldInit(u, mod, v)
			return v
		}
		transformChildren(n, rewrite)
		return n
	}
	transformChildren(mod, rewrite)

	mod.Imports = nil
	for _, stmt := range mod.Body {
		if imp, ok := stmt.(*ImportNode); ok {
			mod.Imports = append(mod.Imports, imp)
		}
	}
	mod.Imports = append(mod.Imports, order...)
	for i, imp := range mod.Imports {
		imp.Index = i
	}
}

// synthesizeFieldInit builds the $fields method: one this.field = value
// assignment per initialized instance field, in declaration order.
func synthesizeFieldInit(u *Unit, mod *ModuleNode, cls *ClassNode) {
	var stmts []Node
	for _, m := range cls.Members {
		v, ok := m.(*VarDecl)
		if !ok || v.Shared {
			continue
		}
		if cls.IsTrait {
			u.errorf(mod, v.Tok, v.Name, "trait %s cannot declare instance field %s", cls.Name, v.Name)
			continue
		}
		if v.Value == nil {
			continue
		}
		stmts = append(stmts, &AssignNode{
			base:   v.base,
			Op:     TokenAssign,
			Target: &MemberNode{base: v.base, X: &ThisNode{v.base}, Name: v.Name},
			Value:  v.Value,
		})
		v.Value = nil
	}
	if cls.IsTrait {
		return
	}
	cls.FieldInit = &MethodNode{
		base:  cls.base,
		Name:  FieldInitMethod,
		Body:  &BlockNode{base: cls.base, Stmts: stmts, Scope: NoScope},
		Class: cls,
		Scope: NoScope,
	}
}
