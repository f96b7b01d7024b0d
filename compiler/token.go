package compiler

import "fmt"

// ---------------------------------------------------------------------------
// Token types for the Quill lexer
// ---------------------------------------------------------------------------

// TokenType represents the type of a token.
type TokenType int

const (
	// Special tokens
	TokenEOF TokenType = iota
	TokenError

	// Trivia: kept in the stream, skipped by the parser
	TokenNewline
	TokenComment
	TokenDocComment // /// text

	// Literals
	TokenInteger    // 42, 0xFF
	TokenFloat      // 3.14, 1.5e10
	TokenString     // "hello"
	TokenIdentifier // foo, Bar

	// Delimiters
	TokenLParen     // (
	TokenRParen     // )
	TokenLBracket   // [
	TokenRBracket   // ]
	TokenLBrace     // {
	TokenRBrace     // }
	TokenComma      // ,
	TokenDot        // .
	TokenSemicolon  // ;
	TokenColon      // :
	TokenColonColon // ::

	// Assignment
	TokenAssign    // =
	TokenPlusEq    // +=
	TokenMinusEq   // -=
	TokenStarEq    // *=
	TokenSlashEq   // /=
	TokenPercentEq // %=

	// Operators
	TokenPlus     // +
	TokenMinus    // -
	TokenStar     // *
	TokenSlash    // /
	TokenPercent  // %
	TokenStarStar // **
	TokenEq       // ==
	TokenNotEq    // !=
	TokenLess     // <
	TokenLessEq   // <=
	TokenGreater  // >
	TokenGreaterEq
	TokenAndAnd // &&
	TokenOrOr   // ||
	TokenBang   // !

	// Keywords
	TokenModule
	TokenImport
	TokenAs
	TokenVar
	TokenFinal
	TokenShared
	TokenDef
	TokenClass
	TokenTrait
	TokenWith
	TokenNew
	TokenIf
	TokenElse
	TokenWhile
	TokenFor
	TokenIn
	TokenBreak
	TokenContinue
	TokenReturn
	TokenThrow
	TokenTry
	TokenCatch
	TokenTrue
	TokenFalse
	TokenNull
	TokenThis
	TokenAnd
	TokenOr
	TokenNot
)

var tokenNames = map[TokenType]string{
	TokenEOF:        "EOF",
	TokenError:      "ERROR",
	TokenNewline:    "NEWLINE",
	TokenComment:    "COMMENT",
	TokenDocComment: "DOC",
	TokenInteger:    "INTEGER",
	TokenFloat:      "FLOAT",
	TokenString:     "STRING",
	TokenIdentifier: "IDENTIFIER",

	TokenLParen:     "(",
	TokenRParen:     ")",
	TokenLBracket:   "[",
	TokenRBracket:   "]",
	TokenLBrace:     "{",
	TokenRBrace:     "}",
	TokenComma:      ",",
	TokenDot:        ".",
	TokenSemicolon:  ";",
	TokenColon:      ":",
	TokenColonColon: "::",

	TokenAssign:    "=",
	TokenPlusEq:    "+=",
	TokenMinusEq:   "-=",
	TokenStarEq:    "*=",
	TokenSlashEq:   "/=",
	TokenPercentEq: "%=",

	TokenPlus:      "+",
	TokenMinus:     "-",
	TokenStar:      "*",
	TokenSlash:     "/",
	TokenPercent:   "%",
	TokenStarStar:  "**",
	TokenEq:        "==",
	TokenNotEq:     "!=",
	TokenLess:      "<",
	TokenLessEq:    "<=",
	TokenGreater:   ">",
	TokenGreaterEq: ">=",
	TokenAndAnd:    "&&",
	TokenOrOr:      "||",
	TokenBang:      "!",

	TokenModule:   "module",
	TokenImport:   "import",
	TokenAs:       "as",
	TokenVar:      "var",
	TokenFinal:    "final",
	TokenShared:   "shared",
	TokenDef:      "def",
	TokenClass:    "class",
	TokenTrait:    "trait",
	TokenWith:     "with",
	TokenNew:      "new",
	TokenIf:       "if",
	TokenElse:     "else",
	TokenWhile:    "while",
	TokenFor:      "for",
	TokenIn:       "in",
	TokenBreak:    "break",
	TokenContinue: "continue",
	TokenReturn:   "return",
	TokenThrow:    "throw",
	TokenTry:      "try",
	TokenCatch:    "catch",
	TokenTrue:     "true",
	TokenFalse:    "false",
	TokenNull:     "null",
	TokenThis:     "this",
	TokenAnd:      "and",
	TokenOr:       "or",
	TokenNot:      "not",
}

func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Token(%d)", t)
}

// IsTrivia reports whether the parser skips tokens of this type.
func (t TokenType) IsTrivia() bool {
	return t == TokenNewline || t == TokenComment || t == TokenDocComment
}

// Token represents a lexical token.
type Token struct {
	Type    TokenType
	Literal string   // the raw text
	Pos     Position // start position
}

func (t Token) String() string {
	if t.Type == TokenEOF {
		return "EOF"
	}
	if t.Type == TokenError {
		return fmt.Sprintf("ERROR(%s)", t.Literal)
	}
	if len(t.Literal) > 20 {
		return fmt.Sprintf("%s(%q...)", t.Type, t.Literal[:20])
	}
	return fmt.Sprintf("%s(%q)", t.Type, t.Literal)
}

// Reserved words mapped to their token types.
var reservedWords = map[string]TokenType{
	"module":   TokenModule,
	"import":   TokenImport,
	"as":       TokenAs,
	"var":      TokenVar,
	"final":    TokenFinal,
	"shared":   TokenShared,
	"def":      TokenDef,
	"class":    TokenClass,
	"trait":    TokenTrait,
	"with":     TokenWith,
	"new":      TokenNew,
	"if":       TokenIf,
	"else":     TokenElse,
	"while":    TokenWhile,
	"for":      TokenFor,
	"in":       TokenIn,
	"break":    TokenBreak,
	"continue": TokenContinue,
	"return":   TokenReturn,
	"throw":    TokenThrow,
	"try":      TokenTry,
	"catch":    TokenCatch,
	"true":     TokenTrue,
	"false":    TokenFalse,
	"null":     TokenNull,
	"this":     TokenThis,
	"and":      TokenAnd,
	"or":       TokenOr,
	"not":      TokenNot,
}

// ---------------------------------------------------------------------------
// TokenStream: seekable view over a lexed source
// ---------------------------------------------------------------------------

// TokenStream holds every token of a source, trivia included, and a cursor
// that only ever rests on significant tokens. The stream always ends with
// TokenEOF, so Peek never runs off the end.
type TokenStream struct {
	tokens []Token
	pos    int
}

// NewTokenStream wraps a token slice. The slice must end with TokenEOF.
func NewTokenStream(tokens []Token) *TokenStream {
	s := &TokenStream{tokens: tokens}
	s.pos = s.skip(0)
	return s
}

func (s *TokenStream) skip(i int) int {
	for i < len(s.tokens)-1 && s.tokens[i].Type.IsTrivia() {
		i++
	}
	return i
}

// Peek returns the current significant token without consuming it.
func (s *TokenStream) Peek() Token { return s.tokens[s.pos] }

// PeekN returns the n-th significant token ahead (PeekN(0) == Peek()).
func (s *TokenStream) PeekN(n int) Token {
	i := s.pos
	for ; n > 0 && i < len(s.tokens)-1; n-- {
		i = s.skip(i + 1)
	}
	return s.tokens[i]
}

// Next consumes and returns the current significant token.
func (s *TokenStream) Next() Token {
	tok := s.tokens[s.pos]
	if s.pos < len(s.tokens)-1 {
		s.pos = s.skip(s.pos + 1)
	}
	return tok
}

// Mark returns a position that Reset can rewind to.
func (s *TokenStream) Mark() int { return s.pos }

// Reset rewinds (or advances) the cursor to a position returned by Mark.
func (s *TokenStream) Reset(mark int) { s.pos = mark }

// NewlineBefore reports whether a line break separates the current token
// from the previous significant one.
func (s *TokenStream) NewlineBefore() bool {
	for i := s.pos - 1; i >= 0 && s.tokens[i].Type.IsTrivia(); i-- {
		if s.tokens[i].Type == TokenNewline {
			return true
		}
	}
	return false
}

// All returns every token including trivia.
func (s *TokenStream) All() []Token { return s.tokens }

// DocComments returns the preserved documentation comments in source order.
func (s *TokenStream) DocComments() []Token {
	var docs []Token
	for _, t := range s.tokens {
		if t.Type == TokenDocComment {
			docs = append(docs, t)
		}
	}
	return docs
}
