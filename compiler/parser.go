package compiler

import (
	"strconv"
	"strings"

	"github.com/chazu/quill/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Parser: Pratt expressions, recursive descent statements
// ---------------------------------------------------------------------------

type (
	prefixParseFn func() Node
	infixParseFn  func(left Node) Node
)

// Binding powers, lowest first.
const (
	precLowest = iota
	precAssign
	precOr
	precAnd
	precEquality
	precCompare
	precTerm
	precFactor
	precPower // right associative
	precUnary
	precCall
)

var precedences = map[TokenType]int{
	TokenAssign:    precAssign,
	TokenPlusEq:    precAssign,
	TokenMinusEq:   precAssign,
	TokenStarEq:    precAssign,
	TokenSlashEq:   precAssign,
	TokenPercentEq: precAssign,
	TokenOr:        precOr,
	TokenOrOr:      precOr,
	TokenAnd:       precAnd,
	TokenAndAnd:    precAnd,
	TokenEq:        precEquality,
	TokenNotEq:     precEquality,
	TokenLess:      precCompare,
	TokenLessEq:    precCompare,
	TokenGreater:   precCompare,
	TokenGreaterEq: precCompare,
	TokenPlus:      precTerm,
	TokenMinus:     precTerm,
	TokenStar:      precFactor,
	TokenSlash:     precFactor,
	TokenPercent:   precFactor,
	TokenStarStar:  precPower,
	TokenLParen:    precCall,
	TokenLBracket:  precCall,
	TokenDot:       precCall,
}

// expressionStarts is reported when an expression was required.
var expressionStarts = []TokenType{
	TokenIdentifier, TokenInteger, TokenFloat, TokenString,
	TokenLParen, TokenLBracket, TokenLBrace,
}

// Parser turns a token stream into module trees.
type Parser struct {
	file string
	ts   *TokenStream

	prefixParseFns map[TokenType]prefixParseFn
	infixParseFns  map[TokenType]infixParseFn

	loopDepth int
}

// bailout unwinds the parser on the first syntax error.
type bailout struct{ err *SyntaxError }

// NewParser creates a parser over a lexed source.
func NewParser(file string, ts *TokenStream) *Parser {
	p := &Parser{
		file:           file,
		ts:             ts,
		prefixParseFns: map[TokenType]prefixParseFn{},
		infixParseFns:  map[TokenType]infixParseFn{},
	}

	p.registerPrefix(TokenIdentifier, p.parseIdentifier)
	p.registerPrefix(TokenInteger, p.parseInteger)
	p.registerPrefix(TokenFloat, p.parseFloat)
	p.registerPrefix(TokenString, p.parseString)
	p.registerPrefix(TokenTrue, p.parseBool)
	p.registerPrefix(TokenFalse, p.parseBool)
	p.registerPrefix(TokenNull, p.parseNull)
	p.registerPrefix(TokenThis, p.parseThis)
	p.registerPrefix(TokenLParen, p.parseGrouped)
	p.registerPrefix(TokenLBracket, p.parseList)
	p.registerPrefix(TokenLBrace, p.parseMap)
	p.registerPrefix(TokenMinus, p.parseUnary)
	p.registerPrefix(TokenBang, p.parseUnary)
	p.registerPrefix(TokenNot, p.parseUnary)
	p.registerPrefix(TokenNew, p.parseNew)
	p.registerPrefix(TokenDef, p.parseAnonymousMethod)

	for _, t := range []TokenType{
		TokenPlus, TokenMinus, TokenStar, TokenSlash, TokenPercent, TokenStarStar,
		TokenEq, TokenNotEq, TokenLess, TokenLessEq, TokenGreater, TokenGreaterEq,
		TokenAnd, TokenAndAnd, TokenOr, TokenOrOr,
	} {
		p.registerInfix(t, p.parseBinary)
	}
	for _, t := range []TokenType{
		TokenAssign, TokenPlusEq, TokenMinusEq, TokenStarEq, TokenSlashEq, TokenPercentEq,
	} {
		p.registerInfix(t, p.parseAssign)
	}
	p.registerInfix(TokenLParen, p.parseCall)
	p.registerInfix(TokenLBracket, p.parseIndex)
	p.registerInfix(TokenDot, p.parseMember)
	return p
}

func (p *Parser) registerPrefix(t TokenType, fn prefixParseFn) { p.prefixParseFns[t] = fn }
func (p *Parser) registerInfix(t TokenType, fn infixParseFn)   { p.infixParseFns[t] = fn }

// Parse lexes and parses a source file. A file either consists of module
// blocks or is itself the body of one module named defaultName.
func Parse(file, source, defaultName string) ([]*ModuleNode, error) {
	ts, err := LexFile(file, source)
	if err != nil {
		return nil, err
	}
	return NewParser(file, ts).ParseFile(defaultName)
}

// ParseFile parses every module of the stream.
func (p *Parser) ParseFile(defaultName string) (mods []*ModuleNode, err error) {
	defer p.recover(&err)

	if p.at(TokenModule) {
		for !p.at(TokenEOF) {
			mods = append(mods, p.parseModule())
		}
		return mods, nil
	}

	mod := &ModuleNode{base: base{Tok: p.ts.Peek()}, Name: defaultName, File: p.file, Scope: NoScope}
	mod.Body = p.parseStatements(TokenEOF, true)
	return []*ModuleNode{mod}, nil
}

func (p *Parser) recover(errp *error) {
	if r := recover(); r != nil {
		b, ok := r.(bailout)
		if !ok {
			panic(r)
		}
		*errp = b.err
	}
}

// ---------------------------------------------------------------------------
// Token helpers
// ---------------------------------------------------------------------------

func (p *Parser) at(t TokenType) bool { return p.ts.Peek().Type == t }

func (p *Parser) accept(t TokenType) bool {
	if p.at(t) {
		p.ts.Next()
		return true
	}
	return false
}

func (p *Parser) expect(t TokenType) Token {
	if !p.at(t) {
		p.fail(p.ts.Peek(), "", t)
	}
	return p.ts.Next()
}

func (p *Parser) expectIdent() Token {
	return p.expect(TokenIdentifier)
}

func (p *Parser) fail(tok Token, msg string, expected ...TokenType) {
	panic(bailout{&SyntaxError{
		File:     p.file,
		Pos:      tok.Pos,
		Expected: expected,
		Actual:   tok,
		Msg:      msg,
	}})
}

// endOfStatement consumes optional separators.
func (p *Parser) endOfStatement() {
	for p.accept(TokenSemicolon) {
	}
}

// ---------------------------------------------------------------------------
// Modules and declarations
// ---------------------------------------------------------------------------

func (p *Parser) parseModule() *ModuleNode {
	tok := p.expect(TokenModule)
	name := p.parseDottedName()
	p.expect(TokenLBrace)
	mod := &ModuleNode{base: base{Tok: tok}, Name: name, File: p.file, Scope: NoScope}
	mod.Body = p.parseStatements(TokenRBrace, true)
	p.expect(TokenRBrace)
	return mod
}

func (p *Parser) parseDottedName() string {
	parts := []string{p.expectIdent().Literal}
	for p.at(TokenDot) && p.ts.PeekN(1).Type == TokenIdentifier {
		p.ts.Next()
		parts = append(parts, p.ts.Next().Literal)
	}
	return strings.Join(parts, ".")
}

// parseStatements parses statements up to (not including) end. Module-level
// lists additionally accept imports, classes and traits.
func (p *Parser) parseStatements(end TokenType, moduleLevel bool) []Node {
	var stmts []Node
	for !p.at(end) {
		if p.at(TokenEOF) {
			p.fail(p.ts.Peek(), "", end)
		}
		if p.accept(TokenSemicolon) {
			continue
		}
		stmts = append(stmts, p.parseStatement(moduleLevel))
		p.endOfStatement()
	}
	return stmts
}

func (p *Parser) parseStatement(moduleLevel bool) Node {
	tok := p.ts.Peek()
	switch tok.Type {
	case TokenImport, TokenClass, TokenTrait:
		if !moduleLevel {
			p.fail(tok, tok.Literal+" is only allowed at module level")
		}
		switch tok.Type {
		case TokenImport:
			return p.parseImport()
		case TokenClass:
			return p.parseClass(false)
		default:
			return p.parseClass(true)
		}
	case TokenVar, TokenFinal, TokenShared:
		return p.parseModified(moduleLevel)
	case TokenDef:
		if p.ts.PeekN(1).Type == TokenLParen {
			return p.parseExpression(precLowest)
		}
		return p.parseMethod(false, nil)
	case TokenIf:
		return p.parseIf()
	case TokenWhile:
		return p.parseWhile()
	case TokenFor:
		return p.parseFor()
	case TokenTry:
		return p.parseTry()
	case TokenBreak, TokenContinue:
		p.ts.Next()
		if p.loopDepth == 0 {
			p.fail(tok, tok.Literal+" outside loop")
		}
		if tok.Type == TokenBreak {
			return &BreakNode{base{tok}}
		}
		return &ContinueNode{base{tok}}
	case TokenReturn:
		p.ts.Next()
		ret := &ReturnNode{base: base{tok}}
		if !p.statementEnds() {
			ret.Value = p.parseExpression(precLowest)
		}
		return ret
	case TokenThrow:
		p.ts.Next()
		return &ThrowNode{base: base{tok}, Value: p.parseExpression(precLowest)}
	case TokenLBrace:
		return p.parseBlock()
	}
	return p.parseExpression(precLowest)
}

// statementEnds reports whether the current token cannot continue the
// statement on the previous line.
func (p *Parser) statementEnds() bool {
	switch p.ts.Peek().Type {
	case TokenSemicolon, TokenRBrace, TokenEOF:
		return true
	}
	return p.ts.NewlineBefore()
}

// parseModified parses [final] [shared] var and shared def declarations.
// Modifiers may come in either order.
func (p *Parser) parseModified(allowShared bool) Node {
	mark := p.ts.Mark()
	var final, shared bool
	for {
		switch {
		case p.accept(TokenFinal):
			final = true
			continue
		case p.accept(TokenShared):
			shared = true
			continue
		}
		break
	}
	if shared && !allowShared {
		p.ts.Reset(mark)
		p.fail(p.ts.Peek(), "shared is only allowed on module and class members")
	}
	if p.at(TokenDef) && !final {
		m := p.parseMethod(shared, nil)
		return m
	}
	if !p.at(TokenVar) {
		tok := p.ts.Peek()
		p.ts.Reset(mark)
		p.fail(tok, "", TokenVar, TokenDef)
	}
	tok := p.ts.Next()
	decl := &VarDecl{base: base{tok}, Final: final, Shared: shared}
	decl.Name = p.expectIdent().Literal
	if p.accept(TokenAssign) {
		decl.Value = p.parseExpression(precLowest)
	} else if final {
		p.fail(p.ts.Peek(), "final variable "+decl.Name+" needs a value", TokenAssign)
	}
	return decl
}

func (p *Parser) parseImport() Node {
	tok := p.expect(TokenImport)
	imp := &ImportNode{base: base{tok}}
	parts := []string{p.expectIdent().Literal}
	for p.accept(TokenDot) {
		switch {
		case p.accept(TokenStar):
			imp.All = true
		case p.at(TokenLBrace):
			imp.Names = p.parseImportNames()
		default:
			parts = append(parts, p.expectIdent().Literal)
			continue
		}
		break
	}
	imp.Module = strings.Join(parts, ".")
	return imp
}

func (p *Parser) parseImportNames() []ImportName {
	p.expect(TokenLBrace)
	var names []ImportName
	for {
		tok := p.expectIdent()
		n := ImportName{Tok: tok, Name: tok.Literal}
		if p.accept(TokenAs) {
			n.Alias = p.expectIdent().Literal
		}
		names = append(names, n)
		if !p.accept(TokenComma) {
			break
		}
	}
	p.expect(TokenRBrace)
	return names
}

func (p *Parser) parseClass(trait bool) Node {
	tok := p.ts.Next() // class or trait
	cls := &ClassNode{base: base{tok}, IsTrait: trait, Scope: NoScope}
	cls.Name = p.expectIdent().Literal
	if !trait && p.at(TokenLParen) {
		cls.Params = p.parseParams()
	}
	if p.accept(TokenWith) {
		for {
			cls.Traits = append(cls.Traits, p.expectIdent().Literal)
			if !p.accept(TokenComma) {
				break
			}
		}
	}
	p.expect(TokenLBrace)

	saved := p.loopDepth
	p.loopDepth = 0
	for !p.at(TokenRBrace) {
		if p.accept(TokenSemicolon) {
			continue
		}
		switch p.ts.Peek().Type {
		case TokenVar, TokenFinal, TokenShared:
			m := p.parseModified(true)
			if m, ok := m.(*MethodNode); ok {
				m.Class = cls
			}
			cls.Members = append(cls.Members, m)
		case TokenDef:
			cls.Members = append(cls.Members, p.parseMethod(false, cls))
		default:
			p.fail(p.ts.Peek(), "", TokenVar, TokenDef, TokenRBrace)
		}
		p.endOfStatement()
	}
	p.loopDepth = saved
	p.expect(TokenRBrace)
	return cls
}

func (p *Parser) parseMethod(shared bool, cls *ClassNode) *MethodNode {
	tok := p.expect(TokenDef)
	m := &MethodNode{base: base{tok}, Shared: shared, Class: cls, Scope: NoScope}
	m.Name = p.expectIdent().Literal
	m.Params = p.parseParams()
	m.Body = p.parseMethodBody()
	return m
}

func (p *Parser) parseAnonymousMethod() Node {
	tok := p.expect(TokenDef)
	m := &MethodNode{base: base{tok}, Scope: NoScope}
	m.Params = p.parseParams()
	m.Body = p.parseMethodBody()
	return m
}

func (p *Parser) parseMethodBody() *BlockNode {
	saved := p.loopDepth
	p.loopDepth = 0
	body := p.parseBlock()
	p.loopDepth = saved
	return body
}

// parseParams parses "(a, b = 1)". Parameters with defaults must be
// trailing.
func (p *Parser) parseParams() []*Param {
	p.expect(TokenLParen)
	var params []*Param
	seen := make(map[string]bool)
	for !p.at(TokenRParen) {
		tok := p.expectIdent()
		if seen[tok.Literal] {
			p.fail(tok, "duplicate parameter "+tok.Literal)
		}
		seen[tok.Literal] = true
		param := &Param{Tok: tok, Name: tok.Literal}
		if p.accept(TokenAssign) {
			param.Default = p.parseExpression(precAssign)
		} else if len(params) > 0 && params[len(params)-1].Default != nil {
			p.fail(tok, "parameter "+tok.Literal+" without default follows a defaulted parameter")
		}
		params = append(params, param)
		if !p.accept(TokenComma) {
			break
		}
	}
	p.expect(TokenRParen)
	return params
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (p *Parser) parseBlock() *BlockNode {
	tok := p.expect(TokenLBrace)
	block := &BlockNode{base: base{tok}, Scope: NoScope}
	block.Stmts = p.parseStatements(TokenRBrace, false)
	p.expect(TokenRBrace)
	return block
}

func (p *Parser) parseIf() Node {
	tok := p.expect(TokenIf)
	n := &IfNode{base: base{tok}}
	n.Cond = p.parseExpression(precLowest)
	n.Then = p.parseBlock()
	if p.accept(TokenElse) {
		if p.at(TokenIf) {
			n.Else = p.parseIf()
		} else {
			n.Else = p.parseBlock()
		}
	}
	return n
}

func (p *Parser) parseWhile() Node {
	tok := p.expect(TokenWhile)
	n := &WhileNode{base: base{tok}}
	n.Cond = p.parseExpression(precLowest)
	n.Body = p.parseLoopBody()
	return n
}

func (p *Parser) parseLoopBody() *BlockNode {
	p.loopDepth++
	body := p.parseBlock()
	p.loopDepth--
	return body
}

// parseFor parses "for (x in e) {}" and the unparenthesized form.
func (p *Parser) parseFor() Node {
	tok := p.expect(TokenFor)
	n := &ForNode{base: base{tok}, Scope: NoScope}
	paren := p.accept(TokenLParen)
	n.Var = p.expectIdent().Literal
	p.expect(TokenIn)
	n.Iter = p.parseExpression(precLowest)
	if paren {
		p.expect(TokenRParen)
	}
	n.Body = p.parseLoopBody()
	return n
}

// parseTry parses "try {} catch e {}" and "catch (e)".
func (p *Parser) parseTry() Node {
	tok := p.expect(TokenTry)
	n := &TryNode{base: base{tok}, Scope: NoScope}
	n.Body = p.parseBlock()
	p.expect(TokenCatch)
	paren := p.accept(TokenLParen)
	n.CatchVar = p.expectIdent().Literal
	if paren {
		p.expect(TokenRParen)
	}
	n.Catch = p.parseBlock()
	return n
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

func (p *Parser) peekPrecedence() int {
	tok := p.ts.Peek()
	prec, ok := precedences[tok.Type]
	if !ok {
		return precLowest
	}
	// A call or index on the next line starts a new statement.
	if (tok.Type == TokenLParen || tok.Type == TokenLBracket) && p.ts.NewlineBefore() {
		return precLowest
	}
	return prec
}

func (p *Parser) parseExpression(precedence int) Node {
	tok := p.ts.Peek()
	prefix := p.prefixParseFns[tok.Type]
	if prefix == nil {
		p.fail(tok, "expected expression", expressionStarts...)
	}
	left := prefix()

	for precedence < p.peekPrecedence() {
		infix := p.infixParseFns[p.ts.Peek().Type]
		if infix == nil {
			return left
		}
		left = infix(left)
	}
	return left
}

func (p *Parser) parseIdentifier() Node {
	tok := p.ts.Next()
	if p.at(TokenColonColon) {
		p.ts.Next()
		name := p.expectIdent()
		return &QualifiedIdent{base: base{tok}, Module: tok.Literal, Name: name.Literal}
	}
	return &Ident{base: base{tok}, Name: tok.Literal, Scope: NoScope}
}

func (p *Parser) parseInteger() Node {
	tok := p.ts.Next()
	v, err := strconv.ParseInt(tok.Literal, 0, 64)
	if err != nil {
		p.fail(tok, "integer literal out of range")
	}
	return &Literal{base: base{tok}, Value: bytecode.IntConst(v)}
}

func (p *Parser) parseFloat() Node {
	tok := p.ts.Next()
	v, err := strconv.ParseFloat(tok.Literal, 64)
	if err != nil {
		p.fail(tok, "float literal out of range")
	}
	return &Literal{base: base{tok}, Value: bytecode.FloatConst(v)}
}

func (p *Parser) parseString() Node {
	tok := p.ts.Next()
	return &Literal{base: base{tok}, Value: bytecode.StringConst(tok.Literal)}
}

func (p *Parser) parseBool() Node {
	tok := p.ts.Next()
	return &Literal{base: base{tok}, Value: bytecode.BoolConst(tok.Type == TokenTrue)}
}

func (p *Parser) parseNull() Node {
	return &Literal{base: base{p.ts.Next()}, Null: true}
}

func (p *Parser) parseThis() Node {
	return &ThisNode{base{p.ts.Next()}}
}

func (p *Parser) parseGrouped() Node {
	p.expect(TokenLParen)
	e := p.parseExpression(precLowest)
	p.expect(TokenRParen)
	return e
}

func (p *Parser) parseList() Node {
	tok := p.expect(TokenLBracket)
	n := &ListNode{base: base{tok}}
	for !p.at(TokenRBracket) {
		n.Elems = append(n.Elems, p.parseExpression(precLowest))
		if !p.accept(TokenComma) {
			break
		}
	}
	p.expect(TokenRBracket)
	return n
}

// parseMap parses {k: v, ...}. A bare identifier key is a string key.
func (p *Parser) parseMap() Node {
	tok := p.expect(TokenLBrace)
	n := &MapNode{base: base{tok}}
	for !p.at(TokenRBrace) {
		var key Node
		if k := p.ts.Peek(); k.Type == TokenIdentifier && p.ts.PeekN(1).Type == TokenColon {
			p.ts.Next()
			key = &Literal{base: base{k}, Value: bytecode.StringConst(k.Literal)}
		} else {
			key = p.parseExpression(precLowest)
		}
		p.expect(TokenColon)
		n.Keys = append(n.Keys, key)
		n.Values = append(n.Values, p.parseExpression(precLowest))
		if !p.accept(TokenComma) {
			break
		}
	}
	p.expect(TokenRBrace)
	return n
}

func (p *Parser) parseUnary() Node {
	tok := p.ts.Next()
	op := tok.Type
	if op == TokenNot {
		op = TokenBang
	}
	return &UnaryNode{base: base{tok}, Op: op, X: p.parseExpression(precUnary)}
}

func (p *Parser) parseNew() Node {
	tok := p.expect(TokenNew)
	n := &NewNode{base: base{tok}}
	if !p.at(TokenIdentifier) {
		p.fail(p.ts.Peek(), "", TokenIdentifier)
	}
	n.Class = p.parseIdentifier()
	n.Args = p.parseArgs()
	return n
}

func (p *Parser) parseArgs() []Node {
	p.expect(TokenLParen)
	var args []Node
	for !p.at(TokenRParen) {
		args = append(args, p.parseExpression(precLowest))
		if !p.accept(TokenComma) {
			break
		}
	}
	p.expect(TokenRParen)
	return args
}

func (p *Parser) parseBinary(left Node) Node {
	tok := p.ts.Next()
	prec := precedences[tok.Type]
	op := tok.Type
	switch op {
	case TokenAnd:
		op = TokenAndAnd
	case TokenOr:
		op = TokenOrOr
	case TokenStarStar:
		prec-- // right associative
	}
	right := p.parseExpression(prec)
	return &BinaryNode{base: base{tok}, Op: op, Left: left, Right: right}
}

func (p *Parser) parseAssign(left Node) Node {
	tok := p.ts.Next()
	switch left.(type) {
	case *Ident, *MemberNode, *IndexNode, *QualifiedIdent:
	default:
		p.fail(tok, "invalid assignment target")
	}
	value := p.parseExpression(precAssign - 1)
	return &AssignNode{base: base{tok}, Op: tok.Type, Target: left, Value: value}
}

func (p *Parser) parseCall(left Node) Node {
	tok := p.ts.Peek()
	args := p.parseArgs()
	if m, ok := left.(*MemberNode); ok {
		return &InvokeNode{base: base{m.Tok}, X: m.X, Name: m.Name, Args: args}
	}
	return &CallNode{base: base{tok}, Fn: left, Args: args}
}

func (p *Parser) parseIndex(left Node) Node {
	tok := p.expect(TokenLBracket)
	idx := p.parseExpression(precLowest)
	p.expect(TokenRBracket)
	return &IndexNode{base: base{tok}, X: left, Index: idx}
}

func (p *Parser) parseMember(left Node) Node {
	p.expect(TokenDot)
	name := p.expectIdent()
	return &MemberNode{base: base{name}, X: left, Name: name.Literal}
}
