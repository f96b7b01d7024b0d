package compiler

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Semantic warnings
// ---------------------------------------------------------------------------

// Warning is a non-fatal finding about a module that compiled.
type Warning struct {
	File   string
	Module string
	Pos    Position
	Msg    string
}

func (w Warning) String() string {
	return fmt.Sprintf("%swarning: %s: %s", location(w.File, w.Pos), w.Module, w.Msg)
}

// SemanticAnalyzer inspects resolved module trees for code that is legal
// but almost certainly a mistake.
type SemanticAnalyzer struct {
	mod      *ModuleNode
	warnings []Warning
}

// NewSemanticAnalyzer creates an analyzer.
func NewSemanticAnalyzer() *SemanticAnalyzer {
	return &SemanticAnalyzer{}
}

// Warnings returns the findings so far.
func (s *SemanticAnalyzer) Warnings() []Warning {
	return s.warnings
}

func (s *SemanticAnalyzer) warnAt(n Node, format string, args ...interface{}) {
	s.warnings = append(s.warnings, Warning{
		File:   s.mod.File,
		Module: s.mod.Name,
		Pos:    n.Pos(),
		Msg:    fmt.Sprintf(format, args...),
	})
}

// AnalyzeModule checks every method of a module that went through the
// pass pipeline.
func (s *SemanticAnalyzer) AnalyzeModule(mod *ModuleNode) {
	s.mod = mod
	used := make(map[*Symbol]bool)
	Inspect(mod, func(n Node) bool {
		if id, ok := n.(*Ident); ok && id.Ref.Sym != nil {
			used[id.Ref.Sym] = true
		}
		return true
	})
	for _, m := range mod.Methods {
		s.checkUnreachableCode(m.Body.Stmts)
		s.checkUnusedLocals(m, used)
	}
}

// checkUnreachableCode warns once per statement list about code following
// a return, throw, break or continue.
func (s *SemanticAnalyzer) checkUnreachableCode(stmts []Node) {
	for i, stmt := range stmts {
		switch v := stmt.(type) {
		case *ReturnNode, *ThrowNode, *BreakNode, *ContinueNode:
			if i < len(stmts)-1 {
				s.warnAt(stmts[i+1], "unreachable code after %s", strings.ToLower(v.Token().Literal))
				return
			}
		case *BlockNode:
			s.checkUnreachableCode(v.Stmts)
		case *IfNode:
			s.checkUnreachableCode(v.Then.Stmts)
			if v.Else != nil {
				s.checkUnreachableCode([]Node{v.Else})
			}
		case *WhileNode:
			s.checkUnreachableCode(v.Body.Stmts)
		case *ForNode:
			s.checkUnreachableCode(v.Body.Stmts)
		case *TryNode:
			s.checkUnreachableCode(v.Body.Stmts)
			s.checkUnreachableCode(v.Catch.Stmts)
		}
	}
}

// checkUnusedLocals warns about local variables of m that are never
// referenced. Closures are checked as methods of their own, but a
// reference from a closure counts as a use of the captured variable.
func (s *SemanticAnalyzer) checkUnusedLocals(m *MethodNode, used map[*Symbol]bool) {
	Inspect(m.Body, func(n Node) bool {
		switch v := n.(type) {
		case *ClosureNode, *ClassNode:
			return false
		case *VarDecl:
			if v.Sym != nil && v.Sym.IsLocal() && !used[v.Sym] {
				s.warnAt(v, "%s declared and not used", v.Name)
			}
		}
		return true
	})
}
