package compiler

import (
	"errors"
	"testing"
)

func significant(t *testing.T, input string) []Token {
	t.Helper()
	ts, err := Lex(input)
	if err != nil {
		t.Fatalf("Lex(%q): %v", input, err)
	}
	var out []Token
	for _, tok := range ts.All() {
		if !tok.Type.IsTrivia() {
			out = append(out, tok)
		}
	}
	return out
}

func TestLexerBasicTokens(t *testing.T) {
	input := `( ) [ ] { } , . ; : :: = += -= *= /= %= + - * / % ** == != < <= > >= && || !`
	expected := []TokenType{
		TokenLParen, TokenRParen, TokenLBracket, TokenRBracket, TokenLBrace, TokenRBrace,
		TokenComma, TokenDot, TokenSemicolon, TokenColon, TokenColonColon,
		TokenAssign, TokenPlusEq, TokenMinusEq, TokenStarEq, TokenSlashEq, TokenPercentEq,
		TokenPlus, TokenMinus, TokenStar, TokenSlash, TokenPercent, TokenStarStar,
		TokenEq, TokenNotEq, TokenLess, TokenLessEq, TokenGreater, TokenGreaterEq,
		TokenAndAnd, TokenOrOr, TokenBang, TokenEOF,
	}

	toks := significant(t, input)
	if len(toks) != len(expected) {
		t.Fatalf("got %d tokens, want %d", len(toks), len(expected))
	}
	for i, want := range expected {
		if toks[i].Type != want {
			t.Errorf("token[%d] type = %v, want %v", i, toks[i].Type, want)
		}
	}
}

func TestLexerKeywordsAndIdentifiers(t *testing.T) {
	tests := []struct {
		input string
		typ   TokenType
	}{
		{"module", TokenModule},
		{"import", TokenImport},
		{"final", TokenFinal},
		{"shared", TokenShared},
		{"def", TokenDef},
		{"trait", TokenTrait},
		{"with", TokenWith},
		{"catch", TokenCatch},
		{"this", TokenThis},
		{"and", TokenAnd},
		{"not", TokenNot},
		{"null", TokenNull},
		{"foo", TokenIdentifier},
		{"_private", TokenIdentifier},
		{"Point3", TokenIdentifier},
		{"définir", TokenIdentifier},
	}
	for _, tc := range tests {
		toks := significant(t, tc.input)
		if toks[0].Type != tc.typ {
			t.Errorf("Lex(%q) type = %v, want %v", tc.input, toks[0].Type, tc.typ)
		}
		if toks[0].Literal != tc.input {
			t.Errorf("Lex(%q) literal = %q", tc.input, toks[0].Literal)
		}
	}
}

func TestLexerNumbers(t *testing.T) {
	tests := []struct {
		input string
		typ   TokenType
	}{
		{"42", TokenInteger},
		{"0", TokenInteger},
		{"0xFF", TokenInteger},
		{"3.14", TokenFloat},
		{"1e10", TokenFloat},
		{"1.5e-3", TokenFloat},
		{"2.0E+5", TokenFloat},
	}
	for _, tc := range tests {
		toks := significant(t, tc.input)
		if toks[0].Type != tc.typ {
			t.Errorf("Lex(%q) type = %v, want %v", tc.input, toks[0].Type, tc.typ)
		}
		if toks[0].Literal != tc.input {
			t.Errorf("Lex(%q) literal = %q", tc.input, toks[0].Literal)
		}
	}
}

func TestLexerMemberAccess(t *testing.T) {
	toks := significant(t, "xs.len")
	if len(toks) != 4 || toks[1].Type != TokenDot {
		t.Fatalf("tokens = %v", toks)
	}
}

func TestLexerStrings(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{`"hello"`, "hello"},
		{`""`, ""},
		{`"a\nb"`, "a\nb"},
		{`"tab\there"`, "tab\there"},
		{`"q\"uote"`, `q"uote`},
		{`"back\\slash"`, `back\slash`},
	}
	for _, tc := range tests {
		toks := significant(t, tc.input)
		if toks[0].Type != TokenString {
			t.Fatalf("Lex(%s) type = %v", tc.input, toks[0].Type)
		}
		if toks[0].Literal != tc.want {
			t.Errorf("Lex(%s) = %q, want %q", tc.input, toks[0].Literal, tc.want)
		}
	}
}

func TestLexerComments(t *testing.T) {
	ts, err := Lex("/// docs for x\nvar x = 1 // trailing\n/* block\n comment */ x")
	if err != nil {
		t.Fatal(err)
	}
	docs := ts.DocComments()
	if len(docs) != 1 {
		t.Fatalf("doc comments = %d, want 1", len(docs))
	}
	var types []TokenType
	for _, tok := range ts.All() {
		if !tok.Type.IsTrivia() {
			types = append(types, tok.Type)
		}
	}
	want := []TokenType{TokenVar, TokenIdentifier, TokenAssign, TokenInteger, TokenIdentifier, TokenEOF}
	if len(types) != len(want) {
		t.Fatalf("types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("types[%d] = %v, want %v", i, types[i], want[i])
		}
	}
}

func TestLexerPositions(t *testing.T) {
	toks := significant(t, "var x\n  = 10")
	if toks[0].Pos.Line != 1 || toks[0].Pos.Column != 1 {
		t.Errorf("var at %d:%d", toks[0].Pos.Line, toks[0].Pos.Column)
	}
	if toks[2].Pos.Line != 2 || toks[2].Pos.Column != 3 {
		t.Errorf("= at %d:%d, want 2:3", toks[2].Pos.Line, toks[2].Pos.Column)
	}
}

func TestLexerErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		line  int
		col   int
	}{
		{"unterminated string", `x = "abc`, 1, 5},
		{"unterminated comment", "x /* abc", 1, 3},
		{"bad escape", `"a\qb"`, 1, 3},
		{"trailing dot", "1.", 1, 1},
		{"empty hex", "0x", 1, 1},
		{"empty exponent", "1e", 1, 1},
		{"letters after digits", "12ab", 1, 1},
		{"unexpected character", "a @ b", 1, 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Lex(tc.input)
			if err == nil {
				t.Fatalf("Lex(%q) succeeded", tc.input)
			}
			var se *SyntaxError
			if !errors.As(err, &se) {
				t.Fatalf("error %T is not a *SyntaxError", err)
			}
			if se.Pos.Line != tc.line || se.Pos.Column != tc.col {
				t.Errorf("position %d:%d, want %d:%d (%v)", se.Pos.Line, se.Pos.Column, tc.line, tc.col, err)
			}
		})
	}
}

func TestTokenStreamMarkReset(t *testing.T) {
	ts, err := Lex("a b\nc")
	if err != nil {
		t.Fatal(err)
	}
	mark := ts.Mark()
	if got := ts.Next().Literal; got != "a" {
		t.Fatalf("Next = %q", got)
	}
	if got := ts.PeekN(1).Literal; got != "c" {
		t.Fatalf("PeekN(1) = %q", got)
	}
	ts.Next()
	if !ts.NewlineBefore() {
		t.Error("NewlineBefore(c) = false")
	}
	ts.Reset(mark)
	if got := ts.Peek().Literal; got != "a" {
		t.Errorf("after Reset Peek = %q", got)
	}
	for i := 0; i < 10; i++ {
		ts.Next()
	}
	if ts.Peek().Type != TokenEOF {
		t.Errorf("stream did not stop at EOF")
	}
}
