package vm

import (
	"errors"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------

var (
	// ErrNotFound matches link errors for members that do not exist.
	ErrNotFound = errors.New("no such member")
	// ErrDenied matches link errors for members the policy forbids.
	ErrDenied = errors.New("access denied")
	// ErrStackOverflow is the cause of a script error raised when calls
	// nest too deeply.
	ErrStackOverflow = errors.New("stack overflow")
	// ErrNoEntry is returned when a script has no entry method.
	ErrNoEntry = errors.New("no entry method")

	errDivByZero = errors.New("division by zero")
)

// LinkErrorKind distinguishes why a dynamic link failed.
type LinkErrorKind int

const (
	LinkNotFound LinkErrorKind = iota
	LinkDenied
)

func (k LinkErrorKind) String() string {
	if k == LinkDenied {
		return "denied"
	}
	return "not found"
}

// LinkError reports a call, field access or instantiation the linker could
// not complete. Scripts can catch it.
type LinkError struct {
	Kind     LinkErrorKind
	Access   Access
	Receiver string // receiver type name
	Member   string // attempted signature, e.g. "reveal(Int, String)"
	Decision Decision
}

func (e *LinkError) Error() string {
	switch e.Kind {
	case LinkDenied:
		return fmt.Sprintf("%s %s.%s denied by %s", e.Access, e.Receiver, e.Member, e.Decision.Source)
	default:
		return fmt.Sprintf("no %s %s on %s", accessNoun(e.Access), e.Member, e.Receiver)
	}
}

// Is lets errors.Is match ErrNotFound and ErrDenied.
func (e *LinkError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == LinkNotFound
	case ErrDenied:
		return e.Kind == LinkDenied
	}
	return false
}

func accessNoun(a Access) string {
	switch a {
	case AccessGetField, AccessSetField:
		return "field"
	case AccessNew:
		return "constructor"
	}
	return "method"
}

// signature formats a member name with the runtime types of its arguments.
func signature(name string, args []Value) string {
	types := make([]string, len(args))
	for i, a := range args {
		types[i] = TypeName(a)
	}
	return name + "(" + strings.Join(types, ", ") + ")"
}

// ModuleLoadError reports a module that no locator and no native factory
// could provide.
type ModuleLoadError struct {
	Name string
	Err  error // non-nil when a locator or the reader failed
}

func (e *ModuleLoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("load module %s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("module %s not found", e.Name)
}

func (e *ModuleLoadError) Unwrap() error { return e.Err }

// ScriptError is an uncaught exception escaping a script: either a value
// thrown by the script or a runtime fault.
type ScriptError struct {
	Value Value    // thrown value, or an *ErrorValue for faults
	Cause error    // underlying Go error for faults
	Trace []string // innermost frame first: "method (line N)"
}

func (e *ScriptError) Error() string {
	var sb strings.Builder
	if e.Cause != nil {
		sb.WriteString(e.Cause.Error())
	} else {
		sb.WriteString("uncaught exception: ")
		sb.WriteString(Str(e.Value))
	}
	for _, f := range e.Trace {
		sb.WriteString("\n    at ")
		sb.WriteString(f)
	}
	return sb.String()
}

func (e *ScriptError) Unwrap() error { return e.Cause }

// fault wraps a Go error as a catchable script exception.
func fault(err error) *ScriptError {
	var se *ScriptError
	if errors.As(err, &se) {
		return se
	}
	kind := "RuntimeError"
	var le *LinkError
	switch {
	case errors.As(err, &le) && le.Kind == LinkDenied:
		kind = "AccessDenied"
	case errors.As(err, &le):
		kind = "NoSuchMember"
	case errors.Is(err, ErrStackOverflow):
		kind = "StackOverflow"
	}
	return &ScriptError{
		Value: &ErrorValue{Kind: kind, Message: err.Error(), Err: err},
		Cause: err,
	}
}

// thrown wraps a value raised by a throw statement. Rethrowing a caught
// fault keeps its cause.
func thrown(v Value) *ScriptError {
	if ev, ok := v.(*ErrorValue); ok && ev.Err != nil {
		return &ScriptError{Value: v, Cause: ev.Err}
	}
	return &ScriptError{Value: v}
}

// typeError builds a runtime type fault.
func typeError(format string, args ...interface{}) error {
	return fmt.Errorf("type error: "+format, args...)
}
