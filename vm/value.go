package vm

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/chazu/quill/pkg/bytecode"
)

// Value is any value a script can hold. The dynamic types are:
//
//   - nil, bool, int64, float64, string
//   - *List, *Map
//   - *Instance, *Class (scripted classes and their instances)
//   - *Closure, *Builtin, *NativeFunc, *BoundNative (callables)
//   - *NativeClass, *NativeObject (host capability tables and objects)
//   - *ErrorValue (runtime faults surfaced to catch blocks)
type Value interface{}

// missingArg fills parameters a call did not supply, so the default
// prologue can tell them apart from an explicit null.
type missingArg struct{}

var missing Value = missingArg{}

// ---------------------------------------------------------------------------
// Collections
// ---------------------------------------------------------------------------

// List is a mutable ordered sequence.
type List struct {
	Elems []Value
}

// NewList creates a list holding elems.
func NewList(elems ...Value) *List {
	return &List{Elems: elems}
}

// Map is a mutable insertion-ordered map. Keys must be null, booleans,
// numbers or strings.
type Map struct {
	keys  []Value
	index map[interface{}]int
	vals  []Value
}

// NewMap creates an empty map.
func NewMap() *Map {
	return &Map{index: make(map[interface{}]int)}
}

// mapKey normalizes a key so 1 and 1.0 address the same entry.
func mapKey(k Value) (interface{}, error) {
	switch v := k.(type) {
	case nil, bool, string, int64:
		return v, nil
	case float64:
		if v == math.Trunc(v) && v >= math.MinInt64 && v <= math.MaxInt64 {
			return int64(v), nil
		}
		return v, nil
	}
	return nil, fmt.Errorf("%s is not a valid map key", TypeName(k))
}

// Get returns the value stored under k.
func (m *Map) Get(k Value) (Value, bool, error) {
	key, err := mapKey(k)
	if err != nil {
		return nil, false, err
	}
	i, ok := m.index[key]
	if !ok {
		return nil, false, nil
	}
	return m.vals[i], true, nil
}

// Set stores v under k.
func (m *Map) Set(k, v Value) error {
	key, err := mapKey(k)
	if err != nil {
		return err
	}
	if i, ok := m.index[key]; ok {
		m.vals[i] = v
		return nil
	}
	m.index[key] = len(m.keys)
	m.keys = append(m.keys, k)
	m.vals = append(m.vals, v)
	return nil
}

// Delete removes k and reports whether it was present.
func (m *Map) Delete(k Value) (bool, error) {
	key, err := mapKey(k)
	if err != nil {
		return false, err
	}
	i, ok := m.index[key]
	if !ok {
		return false, nil
	}
	delete(m.index, key)
	m.keys = append(m.keys[:i], m.keys[i+1:]...)
	m.vals = append(m.vals[:i], m.vals[i+1:]...)
	for j := i; j < len(m.keys); j++ {
		nk, _ := mapKey(m.keys[j])
		m.index[nk] = j
	}
	return true, nil
}

// Len returns the number of entries.
func (m *Map) Len() int { return len(m.keys) }

// Keys returns the keys in insertion order.
func (m *Map) Keys() []Value {
	return append([]Value(nil), m.keys...)
}

// Values returns the values in insertion order.
func (m *Map) Values() []Value {
	return append([]Value(nil), m.vals...)
}

// ---------------------------------------------------------------------------
// Scripted classes, instances and closures
// ---------------------------------------------------------------------------

// ClassMethod is a method of a scripted class, bound to the module
// instance that compiled it (a trait's methods keep their own module).
type ClassMethod struct {
	Module *ModuleInstance
	Index  int
}

// Class is a scripted class or trait at runtime.
type Class struct {
	Name    string
	Module  *ModuleInstance
	IsTrait bool
	Fields  []string
	Init    int // constructor method index, bytecode.NoMethod for traits
	Methods map[string]*ClassMethod
	Shared  map[string]Value
	Traits  []*Class
}

// method finds a method by name; the class's own members come first,
// then the traits in declaration order.
func (c *Class) method(name string) (*ClassMethod, bool) {
	if m, ok := c.Methods[name]; ok {
		return m, true
	}
	for _, t := range c.Traits {
		if m, ok := t.method(name); ok {
			return m, true
		}
	}
	return nil, false
}

// Instance is an object of a scripted class.
type Instance struct {
	Class  *Class
	Fields map[string]Value
}

// Cell boxes a captured local so the declaring frame and its closures
// share one variable.
type Cell struct {
	V Value
}

// Closure is a compiled method together with its captured upvalues and,
// for methods of a class, the receiver it was created under.
type Closure struct {
	Module *ModuleInstance
	Index  int
	Upvals []*Cell
	This   Value
}

// Method returns the compiled method the closure runs.
func (c *Closure) Method() *bytecode.Method {
	return c.Module.Module.Methods[c.Index]
}

// ErrorValue is how a runtime fault (link error, type error) looks to a
// catch block.
type ErrorValue struct {
	Kind    string
	Message string
	Err     error
}

func (e *ErrorValue) String() string {
	return e.Kind + ": " + e.Message
}

// Iterator walks a collection for a for-in loop.
type Iterator struct {
	next func() (Value, bool)
}

// ---------------------------------------------------------------------------
// Value helpers
// ---------------------------------------------------------------------------

// TypeName returns the script-visible type name of v.
func TypeName(v Value) string {
	switch x := v.(type) {
	case nil:
		return "Null"
	case bool:
		return "Bool"
	case int64:
		return "Int"
	case float64:
		return "Float"
	case string:
		return "String"
	case *List:
		return "List"
	case *Map:
		return "Map"
	case *Instance:
		return x.Class.Name
	case *Class:
		if x.IsTrait {
			return "Trait"
		}
		return "Class"
	case *Closure, *Builtin, *NativeFunc, *BoundNative:
		return "Function"
	case *NativeClass:
		return "NativeClass"
	case *NativeObject:
		return x.Class.Name
	case *ErrorValue:
		return "Error"
	case *Iterator:
		return "Iterator"
	}
	return fmt.Sprintf("%T", v)
}

// Truthy reports whether v counts as true in a condition. Only null and
// false are false.
func Truthy(v Value) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	}
	return true
}

// Equal compares two values. Numbers compare by value across int and
// float, collections compare element-wise, everything else by identity.
func Equal(a, b Value) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case int64:
		switch y := b.(type) {
		case int64:
			return x == y
		case float64:
			return float64(x) == y
		}
		return false
	case float64:
		switch y := b.(type) {
		case int64:
			return x == float64(y)
		case float64:
			return x == y
		}
		return false
	case string:
		y, ok := b.(string)
		return ok && x == y
	case *List:
		y, ok := b.(*List)
		if !ok {
			return false
		}
		if x == y {
			return true
		}
		if len(x.Elems) != len(y.Elems) {
			return false
		}
		for i := range x.Elems {
			if !Equal(x.Elems[i], y.Elems[i]) {
				return false
			}
		}
		return true
	case *Map:
		y, ok := b.(*Map)
		if !ok {
			return false
		}
		if x == y {
			return true
		}
		if x.Len() != y.Len() {
			return false
		}
		for i, k := range x.keys {
			v, found, _ := y.Get(k)
			if !found || !Equal(x.vals[i], v) {
				return false
			}
		}
		return true
	case *NativeObject:
		y, ok := b.(*NativeObject)
		return ok && (x == y || x.Value == y.Value)
	}
	return a == b
}

// Str converts v to its display string, as print and str do.
func Str(v Value) string {
	if s, ok := v.(string); ok {
		return s
	}
	return Repr(v)
}

// Repr converts v to a string, quoting strings.
func Repr(v Value) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) && math.Abs(x) < 1e15 {
			return strconv.FormatFloat(x, 'f', 1, 64)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return strconv.Quote(x)
	case *List:
		parts := make([]string, len(x.Elems))
		for i, e := range x.Elems {
			parts[i] = Repr(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case *Map:
		parts := make([]string, x.Len())
		for i, k := range x.keys {
			parts[i] = Repr(k) + ": " + Repr(x.vals[i])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case *Instance:
		names := make([]string, 0, len(x.Fields))
		for n := range x.Fields {
			names = append(names, n)
		}
		sort.Strings(names)
		parts := make([]string, len(names))
		for i, n := range names {
			parts[i] = n + "=" + Repr(x.Fields[n])
		}
		return x.Class.Name + "(" + strings.Join(parts, ", ") + ")"
	case *Class:
		return "<class " + x.Name + ">"
	case *Closure:
		return "<method " + x.Method().Name + ">"
	case *Builtin:
		return "<builtin " + x.Name + ">"
	case *NativeFunc:
		return "<native " + x.Module + "::" + x.Name + ">"
	case *BoundNative:
		return "<native method " + x.Name + ">"
	case *NativeClass:
		return "<native class " + x.Name + ">"
	case *NativeObject:
		if s, ok := x.Value.(fmt.Stringer); ok {
			return s.String()
		}
		return fmt.Sprintf("<%s %v>", x.Class.Name, x.Value)
	case *ErrorValue:
		return x.String()
	}
	return fmt.Sprintf("%v", v)
}

// constantValue converts a constant pool entry.
func constantValue(c bytecode.Constant) Value {
	switch c.Kind {
	case bytecode.ConstInt:
		return c.Int
	case bytecode.ConstFloat:
		return c.Float
	case bytecode.ConstString:
		return c.Str
	case bytecode.ConstBool:
		return c.Bool
	}
	return nil
}

// FromGo converts common Go values into script values. Unknown values are
// returned unchanged.
func FromGo(v interface{}) Value {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	case []string:
		out := make([]Value, len(x))
		for i, s := range x {
			out[i] = s
		}
		return NewList(out...)
	case []interface{}:
		out := make([]Value, len(x))
		for i, e := range x {
			out[i] = FromGo(e)
		}
		return NewList(out...)
	case map[string]interface{}:
		m := NewMap()
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			_ = m.Set(k, FromGo(x[k]))
		}
		return m
	}
	return v
}
