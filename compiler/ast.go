package compiler

import "github.com/chazu/quill/pkg/bytecode"

// ---------------------------------------------------------------------------
// AST: Abstract Syntax Tree for Quill
// ---------------------------------------------------------------------------

// Position represents a source location.
type Position struct {
	Offset int // byte offset
	Line   int // 1-based line number
	Column int // 1-based column number
}

// NodeType discriminates AST node kinds.
type NodeType int

const (
	NodeModule NodeType = iota
	NodeImport
	NodeClass
	NodeMethod
	NodeVarDecl
	NodeBlock
	NodeControlFlow // if, while, for, try
	NodeFlowControl // return, break, continue, throw
	NodeOperator    // unary, binary, assignment
	NodeLiteral
	NodeList
	NodeMap
	NodeIdent // identifiers, qualified names, this
	NodeCall  // calls, invocations, member and index access, new, closures
)

var nodeTypeNames = [...]string{
	NodeModule:      "module",
	NodeImport:      "import",
	NodeClass:       "class",
	NodeMethod:      "method",
	NodeVarDecl:     "var",
	NodeBlock:       "block",
	NodeControlFlow: "control-flow",
	NodeFlowControl: "flow-control",
	NodeOperator:    "operator",
	NodeLiteral:     "literal",
	NodeList:        "list",
	NodeMap:         "map",
	NodeIdent:       "ident",
	NodeCall:        "call",
}

func (t NodeType) String() string {
	if int(t) < len(nodeTypeNames) {
		return nodeTypeNames[t]
	}
	return "node?"
}

// Node is the interface implemented by all AST nodes. Only module, class,
// method and block nodes (and the for/try nodes that introduce a binding)
// own a scope; every other node belongs to the nearest enclosing one.
type Node interface {
	Type() NodeType
	Token() Token
	Pos() Position
}

// base carries the originating token.
type base struct {
	Tok Token
}

func (b *base) Token() Token  { return b.Tok }
func (b *base) Pos() Position { return b.Tok.Pos }

// ---------------------------------------------------------------------------
// Declarations
// ---------------------------------------------------------------------------

// ModuleNode is the root of one module's tree.
type ModuleNode struct {
	base
	Name  string
	File  string
	Body  []Node
	Scope ScopeID

	// Filled by the pass pipeline.
	Imports []*ImportNode
	Methods []*MethodNode // method table order; Methods[0] is the initializer
}

func (n *ModuleNode) Type() NodeType { return NodeModule }

// ImportName is one explicitly imported symbol.
type ImportName struct {
	Tok   Token
	Name  string
	Alias string
}

// Binding returns the name the symbol is bound to in the importing module.
func (n ImportName) Binding() string {
	if n.Alias != "" {
		return n.Alias
	}
	return n.Name
}

// ImportNode is an import declaration.
type ImportNode struct {
	base
	Module    string
	All       bool
	Names     []ImportName
	Synthetic bool // created for module::name references
	Index     int  // position in the module's import table
}

func (n *ImportNode) Type() NodeType { return NodeImport }

// Param is a method parameter.
type Param struct {
	Tok     Token
	Name    string
	Default Node
	Sym     *Symbol
}

// MethodNode is a named or anonymous method.
type MethodNode struct {
	base
	Name   string // empty for anonymous methods
	Params []*Param
	Body   *BlockNode
	Shared bool
	Scope  ScopeID
	Class  *ClassNode // owning class or trait, nil elsewhere
	Sym    *Symbol

	// Filled by pre-assembly.
	Index   int    // index in the module's method table
	Display string // qualified display name
	Closure bool   // created at runtime with captured upvalues
}

func (n *MethodNode) Type() NodeType { return NodeMethod }

// ClassNode is a class or trait declaration.
type ClassNode struct {
	base
	Name    string
	Params  []*Param // header parameters; each one is also a field
	Traits  []string
	IsTrait bool
	Members []Node // *VarDecl and *MethodNode in declaration order
	Scope   ScopeID
	Sym     *Symbol

	// Synthesized by the pass pipeline.
	Init      *MethodNode
	FieldInit *MethodNode
}

func (n *ClassNode) Type() NodeType { return NodeClass }

// Fields returns the instance field names: header parameters first, then
// non-shared variable members.
func (n *ClassNode) Fields() []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range n.Params {
		if !seen[p.Name] {
			seen[p.Name] = true
			out = append(out, p.Name)
		}
	}
	for _, m := range n.Members {
		if v, ok := m.(*VarDecl); ok && !v.Shared && !seen[v.Name] {
			seen[v.Name] = true
			out = append(out, v.Name)
		}
	}
	return out
}

// VarDecl declares a variable.
type VarDecl struct {
	base
	Name   string
	Value  Node // may be nil
	Final  bool
	Shared bool
	Sym    *Symbol
}

func (n *VarDecl) Type() NodeType { return NodeVarDecl }

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

// BlockNode is a braced statement list with its own scope.
type BlockNode struct {
	base
	Stmts []Node
	Scope ScopeID
}

func (n *BlockNode) Type() NodeType { return NodeBlock }

// IfNode is an if/else statement. Else is a *BlockNode, an *IfNode or nil.
type IfNode struct {
	base
	Cond Node
	Then *BlockNode
	Else Node
}

func (n *IfNode) Type() NodeType { return NodeControlFlow }

// WhileNode is a while loop.
type WhileNode struct {
	base
	Cond Node
	Body *BlockNode
}

func (n *WhileNode) Type() NodeType { return NodeControlFlow }

// ForNode is a for-in loop. Its scope holds the loop variable and the
// hidden iterator slot.
type ForNode struct {
	base
	Var     string
	Iter    Node
	Body    *BlockNode
	Scope   ScopeID
	VarSym  *Symbol
	IterSym *Symbol
}

func (n *ForNode) Type() NodeType { return NodeControlFlow }

// TryNode is a try/catch statement. Its scope holds the catch variable.
type TryNode struct {
	base
	Body     *BlockNode
	CatchVar string
	Catch    *BlockNode
	Scope    ScopeID
	CatchSym *Symbol
}

func (n *TryNode) Type() NodeType { return NodeControlFlow }

// ReturnNode returns from the current method. Value may be nil.
type ReturnNode struct {
	base
	Value Node
}

func (n *ReturnNode) Type() NodeType { return NodeFlowControl }

// BreakNode exits the innermost loop.
type BreakNode struct{ base }

func (n *BreakNode) Type() NodeType { return NodeFlowControl }

// ContinueNode restarts the innermost loop.
type ContinueNode struct{ base }

func (n *ContinueNode) Type() NodeType { return NodeFlowControl }

// ThrowNode raises a value as an exception.
type ThrowNode struct {
	base
	Value Node
}

func (n *ThrowNode) Type() NodeType { return NodeFlowControl }

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// Literal is an int, float, string, bool or null literal.
type Literal struct {
	base
	Value bytecode.Constant
	Null  bool
}

func (n *Literal) Type() NodeType { return NodeLiteral }

// ListNode is a list literal.
type ListNode struct {
	base
	Elems []Node
}

func (n *ListNode) Type() NodeType { return NodeList }

// MapNode is a map literal. Keys and Values are parallel.
type MapNode struct {
	base
	Keys   []Node
	Values []Node
}

func (n *MapNode) Type() NodeType { return NodeMap }

// Ident is a bare name. Sym and Ref are filled by the resolution passes.
type Ident struct {
	base
	Name  string
	Scope ScopeID
	Sym   *Symbol
	Ref   Ref
}

func (n *Ident) Type() NodeType { return NodeIdent }

// QualifiedIdent is a module::name reference. The post-parse pass rewrites
// it into an Ident bound through an import.
type QualifiedIdent struct {
	base
	Module string
	Name   string
}

func (n *QualifiedIdent) Type() NodeType { return NodeIdent }

// ThisNode is the receiver.
type ThisNode struct{ base }

func (n *ThisNode) Type() NodeType { return NodeIdent }

// UnaryNode is a prefix operator application.
type UnaryNode struct {
	base
	Op TokenType
	X  Node
}

func (n *UnaryNode) Type() NodeType { return NodeOperator }

// BinaryNode is an infix operator application. Logical operators are
// normalized to TokenAndAnd and TokenOrOr.
type BinaryNode struct {
	base
	Op    TokenType
	Left  Node
	Right Node
}

func (n *BinaryNode) Type() NodeType { return NodeOperator }

// AssignNode assigns to an identifier, member or index target. Op is
// TokenAssign or a compound assignment token.
type AssignNode struct {
	base
	Op     TokenType
	Target Node
	Value  Node
}

func (n *AssignNode) Type() NodeType { return NodeOperator }

// CallNode calls a callable value.
type CallNode struct {
	base
	Fn   Node
	Args []Node
}

func (n *CallNode) Type() NodeType { return NodeCall }

// InvokeNode calls a named method on a receiver: x.name(args).
type InvokeNode struct {
	base
	X    Node
	Name string
	Args []Node
}

func (n *InvokeNode) Type() NodeType { return NodeCall }

// MemberNode reads a field: x.name.
type MemberNode struct {
	base
	X    Node
	Name string
}

func (n *MemberNode) Type() NodeType { return NodeCall }

// IndexNode reads an element: x[index].
type IndexNode struct {
	base
	X     Node
	Index Node
}

func (n *IndexNode) Type() NodeType { return NodeCall }

// NewNode instantiates a class.
type NewNode struct {
	base
	Class Node
	Args  []Node
}

func (n *NewNode) Type() NodeType { return NodeCall }

// ClosureNode creates a closure over a hoisted method. It replaces nested
// method declarations during pre-assembly.
type ClosureNode struct {
	base
	Method *MethodNode
}

func (n *ClosureNode) Type() NodeType { return NodeCall }

// ---------------------------------------------------------------------------
// Traversal
// ---------------------------------------------------------------------------

// Inspect traverses the tree rooted at n in depth-first order. If f returns
// false, the children of the node are skipped. Nested methods are visited
// like any other child.
func Inspect(n Node, f func(Node) bool) {
	if n == nil || isNilNode(n) || !f(n) {
		return
	}
	for _, c := range children(n) {
		Inspect(c, f)
	}
}

func isNilNode(n Node) bool {
	switch v := n.(type) {
	case *BlockNode:
		return v == nil
	case *MethodNode:
		return v == nil
	}
	return false
}

func children(n Node) []Node {
	switch v := n.(type) {
	case *ModuleNode:
		return v.Body
	case *ClassNode:
		var out []Node
		for _, p := range v.Params {
			if p.Default != nil {
				out = append(out, p.Default)
			}
		}
		return append(out, v.Members...)
	case *MethodNode:
		var out []Node
		for _, p := range v.Params {
			if p.Default != nil {
				out = append(out, p.Default)
			}
		}
		return append(out, v.Body)
	case *VarDecl:
		return opt(v.Value)
	case *BlockNode:
		return v.Stmts
	case *IfNode:
		return append([]Node{v.Cond, v.Then}, opt(v.Else)...)
	case *WhileNode:
		return []Node{v.Cond, v.Body}
	case *ForNode:
		return []Node{v.Iter, v.Body}
	case *TryNode:
		return []Node{v.Body, v.Catch}
	case *ReturnNode:
		return opt(v.Value)
	case *ThrowNode:
		return []Node{v.Value}
	case *ListNode:
		return v.Elems
	case *MapNode:
		out := make([]Node, 0, 2*len(v.Keys))
		for i := range v.Keys {
			out = append(out, v.Keys[i], v.Values[i])
		}
		return out
	case *UnaryNode:
		return []Node{v.X}
	case *BinaryNode:
		return []Node{v.Left, v.Right}
	case *AssignNode:
		return []Node{v.Target, v.Value}
	case *CallNode:
		return append([]Node{v.Fn}, v.Args...)
	case *InvokeNode:
		return append([]Node{v.X}, v.Args...)
	case *MemberNode:
		return []Node{v.X}
	case *IndexNode:
		return []Node{v.X, v.Index}
	case *NewNode:
		return append([]Node{v.Class}, v.Args...)
	case *ClosureNode:
		return []Node{v.Method}
	}
	return nil
}

func opt(n Node) []Node {
	if n == nil {
		return nil
	}
	return []Node{n}
}
