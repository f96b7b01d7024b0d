package vm

import (
	"math"
	"strings"

	"github.com/tliron/commonlog"
)

var linkLog = commonlog.GetLogger("quill.linker")

// ---------------------------------------------------------------------------
// Linker: dynamic dispatch into host functionality
// ---------------------------------------------------------------------------
//
// Resolution happens in two phases. Library overrides are consulted first;
// they implement operators uniformly across the built-in value types and
// take precedence over anything a receiver declares. Otherwise the
// receiver's capability table is searched in declaration order and the
// first structural match (name, arity, argument assignability) wins. Every
// resolved member goes through the LinkingPolicy unless it is marked
// AlwaysLink.

// Override is a library operation that takes precedence over the
// receiver's own methods.
type Override struct {
	Name  string
	Match func(recv Value, args []Value) bool
	Fn    func(recv Value, args []Value) (Value, error)
}

// Linker resolves calls, field accesses and instantiations on host values
// for one script execution.
type Linker struct {
	Policy    *LinkingPolicy
	Overrides []*Override
	Env       *Env
}

// NewLinker creates a linker with the standard operator overrides.
func NewLinker(policy *LinkingPolicy, env *Env) *Linker {
	return &Linker{Policy: policy, Overrides: StandardOverrides(), Env: env}
}

// AddOverride registers an override ahead of the existing ones.
func (l *Linker) AddOverride(o *Override) {
	l.Overrides = append([]*Override{o}, l.Overrides...)
}

func (l *Linker) override(name string, recv Value, args []Value) *Override {
	for _, o := range l.Overrides {
		if o.Name == name && o.Match(recv, args) {
			return o
		}
	}
	return nil
}

// tableFor returns the capability table for a receiver. shared is true
// when the receiver is the class itself.
func tableFor(recv Value) (cls *NativeClass, shared bool) {
	switch x := recv.(type) {
	case *NativeObject:
		return x.Class, false
	case *NativeClass:
		return x, true
	case string:
		return stringClass, false
	case *List:
		return listClass, false
	case *Map:
		return mapClass, false
	case *ErrorValue:
		return errorClass, false
	}
	return nil, false
}

// check applies the policy to a resolved member.
func (l *Linker) check(req Request, alwaysLink bool, recv, member string) error {
	if alwaysLink {
		return nil
	}
	d := l.Policy.Decide(req)
	if d.Verdict == Denied {
		linkLog.Warningf("%s denied by %s", req, d.Source)
		return &LinkError{Kind: LinkDenied, Access: req.Access, Receiver: recv, Member: member, Decision: d}
	}
	return nil
}

// firstMatch returns the first method named name whose parameters accept
// args. No attempt is made to find a more specific overload.
func firstMatch(methods []*NativeMethod, name string, shared bool, args []Value) *NativeMethod {
	for _, m := range methods {
		if m.Name == name && m.Shared == shared && m.Matches(args) {
			return m
		}
	}
	return nil
}

// Invoke calls the method name on a host receiver.
func (l *Linker) Invoke(recv Value, name string, args []Value) (Value, error) {
	if o := l.override(name, recv, args); o != nil {
		return o.Fn(recv, args)
	}
	cls, shared := tableFor(recv)
	if cls == nil {
		return nil, &LinkError{Kind: LinkNotFound, Access: AccessCall, Receiver: TypeName(recv), Member: signature(name, args)}
	}
	m := firstMatch(cls.Methods, name, shared, args)
	if m == nil {
		return nil, &LinkError{Kind: LinkNotFound, Access: AccessCall, Receiver: cls.Name, Member: signature(name, args)}
	}
	req := Request{Access: AccessCall, Module: cls.Module, Class: cls.Name, Member: name, Shared: shared}
	if err := l.check(req, cls.AlwaysLink || m.AlwaysLink, cls.Name, m.Signature()); err != nil {
		return nil, err
	}
	if shared {
		recv = nil
	}
	return m.Fn(l.Env, recv, args)
}

// Call calls a module-level native function.
func (l *Linker) Call(fn *NativeFunc, args []Value) (Value, error) {
	m := firstMatch(fn.Overloads, fn.Name, false, args)
	if m == nil {
		return nil, &LinkError{Kind: LinkNotFound, Access: AccessCall, Receiver: fn.Module, Member: signature(fn.Name, args)}
	}
	req := Request{Access: AccessCall, Module: fn.Module, Member: fn.Name}
	if err := l.check(req, m.AlwaysLink, fn.Module, m.Signature()); err != nil {
		return nil, err
	}
	return m.Fn(l.Env, nil, args)
}

// GetVar reads a module-level native variable.
func (l *Linker) GetVar(module string, v *NativeVar) (Value, error) {
	req := Request{Access: AccessGetField, Module: module, Member: v.Name}
	if err := l.check(req, v.AlwaysLink, "module "+module, v.Name); err != nil {
		return nil, err
	}
	return v.Value, nil
}

// GetField reads a field of a host receiver. A method read as a field
// yields a bound method; the policy is applied when it is called.
func (l *Linker) GetField(recv Value, name string) (Value, error) {
	cls, shared := tableFor(recv)
	if cls == nil {
		return nil, &LinkError{Kind: LinkNotFound, Access: AccessGetField, Receiver: TypeName(recv), Member: name}
	}
	f := cls.field(name, shared)
	if f == nil {
		for _, m := range cls.Methods {
			if m.Name == name && m.Shared == shared {
				return &BoundNative{Recv: recv, Name: name}, nil
			}
		}
		return nil, &LinkError{Kind: LinkNotFound, Access: AccessGetField, Receiver: cls.Name, Member: name}
	}
	req := Request{Access: AccessGetField, Module: cls.Module, Class: cls.Name, Member: name, Shared: shared}
	if err := l.check(req, cls.AlwaysLink || f.AlwaysLink, cls.Name, name); err != nil {
		return nil, err
	}
	if shared {
		recv = nil
	}
	return f.Get(recv)
}

// SetField writes a field of a host receiver.
func (l *Linker) SetField(recv Value, name string, v Value) error {
	cls, shared := tableFor(recv)
	if cls == nil {
		return &LinkError{Kind: LinkNotFound, Access: AccessSetField, Receiver: TypeName(recv), Member: name}
	}
	f := cls.field(name, shared)
	if f == nil || f.Set == nil || !f.Type.Accepts(v) {
		return &LinkError{Kind: LinkNotFound, Access: AccessSetField, Receiver: cls.Name, Member: signature(name, []Value{v})}
	}
	req := Request{Access: AccessSetField, Module: cls.Module, Class: cls.Name, Member: name, Shared: shared}
	if err := l.check(req, cls.AlwaysLink || f.AlwaysLink, cls.Name, name); err != nil {
		return err
	}
	if shared {
		recv = nil
	}
	return f.Set(recv, v)
}

// New instantiates a native class through its first matching
// constructor.
func (l *Linker) New(cls *NativeClass, args []Value) (Value, error) {
	var ctor *NativeMethod
	for _, c := range cls.Constructors {
		if c.Matches(args) {
			ctor = c
			break
		}
	}
	if ctor == nil {
		return nil, &LinkError{Kind: LinkNotFound, Access: AccessNew, Receiver: cls.Name, Member: signature(cls.Name, args)}
	}
	req := Request{Access: AccessNew, Module: cls.Module, Class: cls.Name, Member: cls.Name}
	if err := l.check(req, cls.AlwaysLink || ctor.AlwaysLink, cls.Name, ctor.Signature()); err != nil {
		return nil, err
	}
	return ctor.Fn(l.Env, nil, args)
}

// Binary applies a binary operator. Operators resolve like any other
// method, so the library overrides decide for built-in types and a native
// class may implement an operator for its own instances.
func (l *Linker) Binary(op string, a, b Value) (Value, error) {
	return l.Invoke(a, op, []Value{b})
}

// ---------------------------------------------------------------------------
// Standard overrides
// ---------------------------------------------------------------------------

func isNumber(v Value) bool {
	switch v.(type) {
	case int64, float64:
		return true
	}
	return false
}

func toFloat(v Value) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	}
	return math.NaN()
}

func numbers(recv Value, args []Value) bool {
	return len(args) == 1 && isNumber(recv) && isNumber(args[0])
}

func strs(recv Value, args []Value) bool {
	if len(args) != 1 {
		return false
	}
	_, ok1 := recv.(string)
	_, ok2 := args[0].(string)
	return ok1 && ok2
}

// arith builds a numeric override: integer arithmetic when both operands
// are ints, float arithmetic otherwise.
func arith(name string, ints func(a, b int64) (Value, error), floats func(a, b float64) Value) *Override {
	return &Override{
		Name:  name,
		Match: numbers,
		Fn: func(recv Value, args []Value) (Value, error) {
			a, aInt := recv.(int64)
			b, bInt := args[0].(int64)
			if aInt && bInt {
				return ints(a, b)
			}
			return floats(toFloat(recv), toFloat(args[0])), nil
		},
	}
}

func compare(name string, test func(c int) bool) []*Override {
	return []*Override{
		{
			Name:  name,
			Match: numbers,
			Fn: func(recv Value, args []Value) (Value, error) {
				a, b := toFloat(recv), toFloat(args[0])
				if x, ok := recv.(int64); ok {
					if y, ok := args[0].(int64); ok {
						return test(cmpInt(x, y)), nil
					}
				}
				switch {
				case a < b:
					return test(-1), nil
				case a > b:
					return test(1), nil
				}
				return test(0), nil
			},
		},
		{
			Name:  name,
			Match: strs,
			Fn: func(recv Value, args []Value) (Value, error) {
				return test(strings.Compare(recv.(string), args[0].(string))), nil
			},
		},
	}
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func ipow(a, b int64) int64 {
	r := int64(1)
	for b > 0 {
		if b&1 == 1 {
			r *= a
		}
		a *= a
		b >>= 1
	}
	return r
}

// StandardOverrides returns the operator implementations for the built-in
// value types.
func StandardOverrides() []*Override {
	any1 := func(_ Value, args []Value) bool { return len(args) == 1 }
	out := []*Override{
		arith("+",
			func(a, b int64) (Value, error) { return a + b, nil },
			func(a, b float64) Value { return a + b }),
		{
			Name: "+",
			Match: func(recv Value, args []Value) bool {
				if len(args) != 1 {
					return false
				}
				_, ok1 := recv.(string)
				_, ok2 := args[0].(string)
				return ok1 || ok2
			},
			Fn: func(recv Value, args []Value) (Value, error) {
				return Str(recv) + Str(args[0]), nil
			},
		},
		{
			Name: "+",
			Match: func(recv Value, args []Value) bool {
				if len(args) != 1 {
					return false
				}
				_, ok1 := recv.(*List)
				_, ok2 := args[0].(*List)
				return ok1 && ok2
			},
			Fn: func(recv Value, args []Value) (Value, error) {
				a, b := recv.(*List), args[0].(*List)
				elems := make([]Value, 0, len(a.Elems)+len(b.Elems))
				elems = append(elems, a.Elems...)
				return NewList(append(elems, b.Elems...)...), nil
			},
		},
		arith("-",
			func(a, b int64) (Value, error) { return a - b, nil },
			func(a, b float64) Value { return a - b }),
		arith("*",
			func(a, b int64) (Value, error) { return a * b, nil },
			func(a, b float64) Value { return a * b }),
		{
			Name: "*",
			Match: func(recv Value, args []Value) bool {
				if len(args) != 1 {
					return false
				}
				_, ok1 := recv.(string)
				_, ok2 := args[0].(int64)
				return ok1 && ok2
			},
			Fn: func(recv Value, args []Value) (Value, error) {
				n := args[0].(int64)
				if n < 0 {
					n = 0
				}
				return strings.Repeat(recv.(string), int(n)), nil
			},
		},
		arith("/",
			func(a, b int64) (Value, error) {
				if b == 0 {
					return nil, errDivByZero
				}
				return a / b, nil
			},
			func(a, b float64) Value { return a / b }),
		arith("%",
			func(a, b int64) (Value, error) {
				if b == 0 {
					return nil, errDivByZero
				}
				return a % b, nil
			},
			func(a, b float64) Value { return math.Mod(a, b) }),
		arith("**",
			func(a, b int64) (Value, error) {
				if b < 0 {
					return math.Pow(float64(a), float64(b)), nil
				}
				return ipow(a, b), nil
			},
			func(a, b float64) Value { return math.Pow(a, b) }),
		{
			Name:  "==",
			Match: any1,
			Fn:    func(recv Value, args []Value) (Value, error) { return Equal(recv, args[0]), nil },
		},
		{
			Name:  "!=",
			Match: any1,
			Fn:    func(recv Value, args []Value) (Value, error) { return !Equal(recv, args[0]), nil },
		},
	}
	out = append(out, compare("<", func(c int) bool { return c < 0 })...)
	out = append(out, compare("<=", func(c int) bool { return c <= 0 })...)
	out = append(out, compare(">", func(c int) bool { return c > 0 })...)
	out = append(out, compare(">=", func(c int) bool { return c >= 0 })...)
	return out
}
