package compiler

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Compile errors
// ---------------------------------------------------------------------------

// SyntaxError is a lexing or parsing failure. Expected lists the token
// types that would have been accepted; it is empty for lexical errors.
type SyntaxError struct {
	File     string
	Pos      Position
	Expected []TokenType
	Actual   Token
	Msg      string
}

func (e *SyntaxError) Error() string {
	var sb strings.Builder
	sb.WriteString(location(e.File, e.Pos))
	sb.WriteString("syntax error: ")
	if e.Msg != "" {
		sb.WriteString(e.Msg)
	}
	if len(e.Expected) > 0 {
		if e.Msg != "" {
			sb.WriteString(": ")
		}
		sb.WriteString("expected ")
		for i, t := range e.Expected {
			if i > 0 {
				sb.WriteString(" or ")
			}
			sb.WriteString(t.String())
		}
		sb.WriteString(", got ")
		sb.WriteString(e.Actual.String())
	}
	return sb.String()
}

// ResolutionError reports an unresolved or misused name.
type ResolutionError struct {
	File   string
	Module string
	Pos    Position
	Name   string
	Msg    string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("%s%s: %s", location(e.File, e.Pos), e.Module, e.Msg)
}

// Error collects every diagnostic of a failed compilation batch.
type Error struct {
	Errors []error
}

func (e *Error) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d compile errors:", len(e.Errors))
	for _, err := range e.Errors {
		sb.WriteString("\n\t")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Unwrap exposes the individual diagnostics to errors.Is and errors.As.
func (e *Error) Unwrap() []error { return e.Errors }

func location(file string, pos Position) string {
	if pos.Line == 0 {
		if file == "" {
			return ""
		}
		return file + ": "
	}
	if file == "" {
		return fmt.Sprintf("%d:%d: ", pos.Line, pos.Column)
	}
	return fmt.Sprintf("%s:%d:%d: ", file, pos.Line, pos.Column)
}

// diagnostics accumulates errors during a pass.
type diagnostics struct {
	file   string
	module string
	errs   []error
}

func (d *diagnostics) errorf(tok Token, name, format string, args ...interface{}) {
	d.errs = append(d.errs, &ResolutionError{
		File:   d.file,
		Module: d.module,
		Pos:    tok.Pos,
		Name:   name,
		Msg:    fmt.Sprintf(format, args...),
	})
}
