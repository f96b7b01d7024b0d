package vm

import (
	"fmt"
	"io"

	"github.com/chazu/quill/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Capability tables for native modules
// ---------------------------------------------------------------------------
//
// A native module describes its host functionality statically: functions,
// variables and classes, each method carrying declared parameter types.
// The linker matches calls against these tables in declaration order; no
// reflection is involved.

// TypeKind classifies a declared parameter type.
type TypeKind int

const (
	KindAny TypeKind = iota
	KindInt
	KindFloat
	KindNumber // int or float
	KindString
	KindBool
	KindList
	KindMap
	KindFunc
	KindObject // instance of the named native class
)

// Type is a declared parameter or return type.
type Type struct {
	Kind  TypeKind
	Class string // KindObject only
}

var (
	Any    = Type{Kind: KindAny}
	Int    = Type{Kind: KindInt}
	Float  = Type{Kind: KindFloat}
	Number = Type{Kind: KindNumber}
	String = Type{Kind: KindString}
	Bool   = Type{Kind: KindBool}
	ListT  = Type{Kind: KindList}
	MapT   = Type{Kind: KindMap}
	Func   = Type{Kind: KindFunc}
)

// ObjectOf is the type of instances of a native class.
func ObjectOf(class string) Type {
	return Type{Kind: KindObject, Class: class}
}

func (t Type) String() string {
	switch t.Kind {
	case KindInt:
		return "Int"
	case KindFloat:
		return "Float"
	case KindNumber:
		return "Number"
	case KindString:
		return "String"
	case KindBool:
		return "Bool"
	case KindList:
		return "List"
	case KindMap:
		return "Map"
	case KindFunc:
		return "Function"
	case KindObject:
		return t.Class
	}
	return "Any"
}

// Accepts reports whether a runtime value is assignable to the type. Null
// is only assignable to Any.
func (t Type) Accepts(v Value) bool {
	switch t.Kind {
	case KindAny:
		return true
	case KindInt:
		_, ok := v.(int64)
		return ok
	case KindFloat:
		_, ok := v.(float64)
		return ok
	case KindNumber:
		switch v.(type) {
		case int64, float64:
			return true
		}
		return false
	case KindString:
		_, ok := v.(string)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindList:
		_, ok := v.(*List)
		return ok
	case KindMap:
		_, ok := v.(*Map)
		return ok
	case KindFunc:
		switch v.(type) {
		case *Closure, *Builtin, *NativeFunc, *BoundNative:
			return true
		}
		return false
	case KindObject:
		o, ok := v.(*NativeObject)
		return ok && o.Class.Name == t.Class
	}
	return false
}

// Env is the host environment of one script execution.
type Env struct {
	Args   []string
	Stdout io.Writer
	Getenv func(string) string

	// call invokes a script callable from native code.
	call func(fn Value, args []Value) (Value, error)
}

// Call invokes a script function value (closure, builtin or native) with
// args. Native functions use it to call back into the script.
func (e *Env) Call(fn Value, args ...Value) (Value, error) {
	if e == nil || e.call == nil {
		return nil, fmt.Errorf("no script execution to call %s", TypeName(fn))
	}
	return e.call(fn, args)
}

// NativeMethod is one entry of a capability table. Receiver is nil for
// module functions, shared methods and constructors.
type NativeMethod struct {
	Name       string
	Params     []Type
	Variadic   bool // the last parameter type repeats
	Returns    Type
	Shared     bool
	AlwaysLink bool
	Fn         func(env *Env, recv Value, args []Value) (Value, error)
}

// Matches reports whether args structurally match the declared
// parameters: same arity and every argument assignable.
func (m *NativeMethod) Matches(args []Value) bool {
	n := len(m.Params)
	if m.Variadic {
		if len(args) < n-1 {
			return false
		}
	} else if len(args) != n {
		return false
	}
	for i, a := range args {
		t := Any
		switch {
		case i < n:
			t = m.Params[i]
		case m.Variadic && n > 0:
			t = m.Params[n-1]
		}
		if !t.Accepts(a) {
			return false
		}
	}
	return true
}

// Signature formats the declared signature, e.g. "add(Int, Int)".
func (m *NativeMethod) Signature() string {
	s := m.Name + "("
	for i, p := range m.Params {
		if i > 0 {
			s += ", "
		}
		s += p.String()
		if m.Variadic && i == len(m.Params)-1 {
			s += "..."
		}
	}
	return s + ")"
}

// NativeField is a field of a native class.
type NativeField struct {
	Name       string
	Type       Type
	Shared     bool
	AlwaysLink bool
	Get        func(recv Value) (Value, error)
	Set        func(recv Value, v Value) error // nil for read-only fields
}

// NativeClass is a host class's capability table. Methods and
// constructors are tried in declaration order.
type NativeClass struct {
	Name         string
	Module       string
	Methods      []*NativeMethod
	Fields       []*NativeField
	Constructors []*NativeMethod
	AlwaysLink   bool // every member bypasses the policy
}

// NativeObject is a host value exposed to scripts through its class.
type NativeObject struct {
	Class *NativeClass
	Value interface{}
}

// NewObject wraps a host value.
func (c *NativeClass) NewObject(v interface{}) *NativeObject {
	return &NativeObject{Class: c, Value: v}
}

// field returns the named field.
func (c *NativeClass) field(name string, shared bool) *NativeField {
	for _, f := range c.Fields {
		if f.Name == name && f.Shared == shared {
			return f
		}
	}
	return nil
}

// NativeFunc is a module-level native function bound to its module.
type NativeFunc struct {
	Module    string
	Name      string
	Overloads []*NativeMethod
}

// BoundNative is a native method read as a field: the receiver and the
// name, resolved again when called.
type BoundNative struct {
	Recv Value
	Name string
}

// NativeVar is a module-level native variable. Reads are checked
// against the linking policy unless AlwaysLink is set.
type NativeVar struct {
	Name       string
	Value      Value
	Final      bool
	AlwaysLink bool
}

// NativeModule is an instance of a native module. Factories create a
// fresh one per script execution, so instances may hold execution state.
type NativeModule struct {
	Name      string
	Functions []*NativeMethod
	Vars      []*NativeVar
	Classes   []*NativeClass

	// Setup runs once when the module is instantiated for an execution.
	Setup func(env *Env)
}

// NativeFactory creates a native module instance.
type NativeFactory func() *NativeModule

// Exports describes the module's namespace for compile-time import
// resolution.
func (m *NativeModule) Exports() []bytecode.Entry {
	var out []bytecode.Entry
	seen := make(map[string]bool)
	for _, f := range m.Functions {
		if seen[f.Name] {
			continue
		}
		seen[f.Name] = true
		out = append(out, bytecode.Entry{Name: f.Name, Kind: bytecode.EntryMethod, Method: bytecode.NoMethod})
	}
	for _, v := range m.Vars {
		e := bytecode.Entry{Name: v.Name, Kind: bytecode.EntryVariable, Method: bytecode.NoMethod}
		if v.Final {
			e.Flags |= bytecode.FlagFinal
		}
		out = append(out, e)
	}
	for _, c := range m.Classes {
		out = append(out, bytecode.Entry{Name: c.Name, Kind: bytecode.EntryClass, Method: bytecode.NoMethod})
	}
	return out
}

// Var returns the native variable called name, or nil.
func (m *NativeModule) Var(name string) *NativeVar {
	for _, v := range m.Vars {
		if v.Name == name {
			return v
		}
	}
	return nil
}

// Lookup returns the script value of an exported name.
func (m *NativeModule) Lookup(name string) (Value, bool) {
	var overloads []*NativeMethod
	for _, f := range m.Functions {
		if f.Name == name {
			overloads = append(overloads, f)
		}
	}
	if len(overloads) > 0 {
		return &NativeFunc{Module: m.Name, Name: name, Overloads: overloads}, true
	}
	for _, v := range m.Vars {
		if v.Name == name {
			return v.Value, true
		}
	}
	for _, c := range m.Classes {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// bind attaches the module to an execution environment.
func (m *NativeModule) bind(env *Env) {
	for _, c := range m.Classes {
		if c.Module == "" {
			c.Module = m.Name
		}
	}
	if m.Setup != nil {
		m.Setup(env)
	}
}
