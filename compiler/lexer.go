package compiler

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Lexer: Tokenizer for Quill source
// ---------------------------------------------------------------------------

// Lexer tokenizes Quill source code.
type Lexer struct {
	file      string
	input     string
	pos       int  // current position in input
	readPos   int  // reading position (after current char)
	ch        rune // current character
	line      int  // current line (1-based)
	col       int  // current column (1-based)
	lineStart int  // offset of current line start
}

// NewLexer creates a new lexer for the given input. The file name is only
// used in error messages.
func NewLexer(file, input string) *Lexer {
	l := &Lexer{
		file:  file,
		input: input,
		line:  1,
		col:   0,
	}
	l.readChar()
	return l
}

// Lex tokenizes a whole source text.
func Lex(input string) (*TokenStream, error) {
	return LexFile("", input)
}

// LexFile tokenizes a whole source text, attributing errors to file.
func LexFile(file, input string) (*TokenStream, error) {
	l := NewLexer(file, input)
	var tokens []Token
	for {
		tok, err := l.NextToken()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
		if tok.Type == TokenEOF {
			return NewTokenStream(tokens), nil
		}
	}
}

// readChar reads the next character.
func (l *Lexer) readChar() {
	if l.ch == '\n' {
		l.line++
		l.col = 0
		l.lineStart = l.readPos
	}
	if l.readPos >= len(l.input) {
		l.ch = 0 // EOF
		l.pos = l.readPos
		l.col++
		return
	}
	r, size := utf8.DecodeRuneInString(l.input[l.readPos:])
	l.ch = r
	l.pos = l.readPos
	l.readPos += size
	l.col++
}

// peekChar returns the next character without consuming it.
func (l *Lexer) peekChar() rune {
	if l.readPos >= len(l.input) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.input[l.readPos:])
	return r
}

// position returns the current position.
func (l *Lexer) position() Position {
	return Position{
		Offset: l.pos,
		Line:   l.line,
		Column: l.col,
	}
}

func (l *Lexer) atEOF() bool { return l.pos >= len(l.input) }

func (l *Lexer) errorAt(pos Position, lit, msg string) error {
	return &SyntaxError{
		File:   l.file,
		Pos:    pos,
		Actual: Token{Type: TokenError, Literal: lit, Pos: pos},
		Msg:    msg,
	}
}

// NextToken returns the next token.
func (l *Lexer) NextToken() (Token, error) {
	l.skipWhitespace()

	pos := l.position()
	if l.atEOF() {
		return Token{Type: TokenEOF, Pos: pos}, nil
	}

	simple := func(t TokenType, lit string) (Token, error) {
		for range lit {
			l.readChar()
		}
		return Token{Type: t, Literal: lit, Pos: pos}, nil
	}

	// Two-character operators first.
	switch l.ch {
	case '\n':
		return simple(TokenNewline, "\n")
	case '/':
		switch l.peekChar() {
		case '/':
			return l.readLineComment(pos)
		case '*':
			return l.readBlockComment(pos)
		case '=':
			return simple(TokenSlashEq, "/=")
		}
		return simple(TokenSlash, "/")
	case '"':
		return l.readString(pos)
	case '(':
		return simple(TokenLParen, "(")
	case ')':
		return simple(TokenRParen, ")")
	case '[':
		return simple(TokenLBracket, "[")
	case ']':
		return simple(TokenRBracket, "]")
	case '{':
		return simple(TokenLBrace, "{")
	case '}':
		return simple(TokenRBrace, "}")
	case ',':
		return simple(TokenComma, ",")
	case '.':
		return simple(TokenDot, ".")
	case ';':
		return simple(TokenSemicolon, ";")
	case ':':
		if l.peekChar() == ':' {
			return simple(TokenColonColon, "::")
		}
		return simple(TokenColon, ":")
	case '=':
		if l.peekChar() == '=' {
			return simple(TokenEq, "==")
		}
		return simple(TokenAssign, "=")
	case '+':
		if l.peekChar() == '=' {
			return simple(TokenPlusEq, "+=")
		}
		return simple(TokenPlus, "+")
	case '-':
		if l.peekChar() == '=' {
			return simple(TokenMinusEq, "-=")
		}
		return simple(TokenMinus, "-")
	case '*':
		switch l.peekChar() {
		case '*':
			return simple(TokenStarStar, "**")
		case '=':
			return simple(TokenStarEq, "*=")
		}
		return simple(TokenStar, "*")
	case '%':
		if l.peekChar() == '=' {
			return simple(TokenPercentEq, "%=")
		}
		return simple(TokenPercent, "%")
	case '!':
		if l.peekChar() == '=' {
			return simple(TokenNotEq, "!=")
		}
		return simple(TokenBang, "!")
	case '<':
		if l.peekChar() == '=' {
			return simple(TokenLessEq, "<=")
		}
		return simple(TokenLess, "<")
	case '>':
		if l.peekChar() == '=' {
			return simple(TokenGreaterEq, ">=")
		}
		return simple(TokenGreater, ">")
	case '&':
		if l.peekChar() == '&' {
			return simple(TokenAndAnd, "&&")
		}
	case '|':
		if l.peekChar() == '|' {
			return simple(TokenOrOr, "||")
		}
	}

	switch {
	case isDigit(l.ch):
		return l.readNumber(pos)
	case isLetter(l.ch):
		return l.readIdentifier(pos), nil
	}

	ch := l.ch
	l.readChar()
	return Token{}, l.errorAt(pos, string(ch), "unexpected character "+quoteRune(ch))
}

// skipWhitespace skips spaces, tabs and carriage returns. Newlines are
// tokens.
func (l *Lexer) skipWhitespace() {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\r' {
		l.readChar()
	}
}

func (l *Lexer) readLineComment(pos Position) (Token, error) {
	start := l.pos
	l.readChar() // '/'
	l.readChar() // '/'
	typ := TokenComment
	if l.ch == '/' && l.peekChar() != '/' {
		typ = TokenDocComment
	}
	for !l.atEOF() && l.ch != '\n' {
		l.readChar()
	}
	text := l.input[start:l.pos]
	if typ == TokenDocComment {
		text = strings.TrimSpace(strings.TrimPrefix(text, "///"))
	}
	return Token{Type: typ, Literal: text, Pos: pos}, nil
}

func (l *Lexer) readBlockComment(pos Position) (Token, error) {
	start := l.pos
	l.readChar() // '/'
	l.readChar() // '*'
	for {
		if l.atEOF() {
			return Token{}, l.errorAt(pos, l.input[start:], "unterminated comment")
		}
		if l.ch == '*' && l.peekChar() == '/' {
			l.readChar()
			l.readChar()
			return Token{Type: TokenComment, Literal: l.input[start:l.pos], Pos: pos}, nil
		}
		l.readChar()
	}
}

func (l *Lexer) readString(pos Position) (Token, error) {
	l.readChar() // opening quote
	var sb strings.Builder
	for {
		if l.atEOF() || l.ch == '\n' {
			return Token{}, l.errorAt(pos, sb.String(), "unterminated string")
		}
		if l.ch == '"' {
			l.readChar()
			return Token{Type: TokenString, Literal: sb.String(), Pos: pos}, nil
		}
		if l.ch == '\\' {
			escPos := l.position()
			l.readChar()
			switch l.ch {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '0':
				sb.WriteByte(0)
			case '"':
				sb.WriteByte('"')
			case '\\':
				sb.WriteByte('\\')
			default:
				if l.atEOF() {
					return Token{}, l.errorAt(pos, sb.String(), "unterminated string")
				}
				return Token{}, l.errorAt(escPos, "\\"+string(l.ch), "invalid escape sequence")
			}
			l.readChar()
			continue
		}
		sb.WriteRune(l.ch)
		l.readChar()
	}
}

// readNumber reads an integer or float literal: 42, 0x2A, 3.14, 1e9, 2.5e-3.
// A literal running straight into letters (12ab), a dangling point (1.),
// an empty hex prefix (0x) and an empty exponent (1e) are malformed.
func (l *Lexer) readNumber(pos Position) (Token, error) {
	start := l.pos
	malformed := func() (Token, error) {
		for isLetter(l.ch) || isDigit(l.ch) {
			l.readChar()
		}
		return Token{}, l.errorAt(pos, l.input[start:l.pos], "malformed number "+l.input[start:l.pos])
	}

	if l.ch == '0' && (l.peekChar() == 'x' || l.peekChar() == 'X') {
		l.readChar()
		l.readChar()
		if !isHexDigit(l.ch) {
			return malformed()
		}
		for isHexDigit(l.ch) {
			l.readChar()
		}
		if isLetter(l.ch) {
			return malformed()
		}
		return Token{Type: TokenInteger, Literal: l.input[start:l.pos], Pos: pos}, nil
	}

	typ := TokenInteger
	for isDigit(l.ch) {
		l.readChar()
	}
	if l.ch == '.' {
		if !isDigit(l.peekChar()) {
			l.readChar()
			return malformed()
		}
		typ = TokenFloat
		l.readChar()
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	if l.ch == 'e' || l.ch == 'E' {
		typ = TokenFloat
		l.readChar()
		if l.ch == '+' || l.ch == '-' {
			l.readChar()
		}
		if !isDigit(l.ch) {
			return malformed()
		}
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	if isLetter(l.ch) {
		return malformed()
	}
	return Token{Type: typ, Literal: l.input[start:l.pos], Pos: pos}, nil
}

func (l *Lexer) readIdentifier(pos Position) Token {
	start := l.pos
	for isLetter(l.ch) || isDigit(l.ch) {
		l.readChar()
	}
	lit := l.input[start:l.pos]
	if t, ok := reservedWords[lit]; ok {
		return Token{Type: t, Literal: lit, Pos: pos}
	}
	return Token{Type: TokenIdentifier, Literal: lit, Pos: pos}
}

func isLetter(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func isHexDigit(r rune) bool {
	return isDigit(r) || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

func quoteRune(r rune) string {
	return "'" + string(r) + "'"
}
