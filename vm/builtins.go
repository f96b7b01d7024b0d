package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Builtin is a global function every module can call without an import.
type Builtin struct {
	Name string
	Fn   func(env *Env, args []Value) (Value, error)
}

func arity(name string, args []Value, min, max int) error {
	if len(args) < min || len(args) > max {
		if min == max {
			return fmt.Errorf("%s expects %d argument(s), got %d", name, min, len(args))
		}
		return fmt.Errorf("%s expects %d to %d arguments, got %d", name, min, max, len(args))
	}
	return nil
}

var builtins = map[string]*Builtin{
	"print": {Name: "print", Fn: func(env *Env, args []Value) (Value, error) {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = Str(a)
		}
		fmt.Fprintln(env.Stdout, strings.Join(parts, " "))
		return nil, nil
	}},

	"len": {Name: "len", Fn: func(_ *Env, args []Value) (Value, error) {
		if err := arity("len", args, 1, 1); err != nil {
			return nil, err
		}
		switch x := args[0].(type) {
		case string:
			return int64(utf8.RuneCountInString(x)), nil
		case *List:
			return int64(len(x.Elems)), nil
		case *Map:
			return int64(x.Len()), nil
		}
		return nil, typeError("len of %s", TypeName(args[0]))
	}},

	"str": {Name: "str", Fn: func(_ *Env, args []Value) (Value, error) {
		if err := arity("str", args, 1, 1); err != nil {
			return nil, err
		}
		return Str(args[0]), nil
	}},

	"int": {Name: "int", Fn: func(_ *Env, args []Value) (Value, error) {
		if err := arity("int", args, 1, 1); err != nil {
			return nil, err
		}
		switch x := args[0].(type) {
		case int64:
			return x, nil
		case float64:
			return int64(math.Trunc(x)), nil
		case bool:
			if x {
				return int64(1), nil
			}
			return int64(0), nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("int: cannot parse %q", x)
			}
			return n, nil
		}
		return nil, typeError("int of %s", TypeName(args[0]))
	}},

	"float": {Name: "float", Fn: func(_ *Env, args []Value) (Value, error) {
		if err := arity("float", args, 1, 1); err != nil {
			return nil, err
		}
		switch x := args[0].(type) {
		case int64:
			return float64(x), nil
		case float64:
			return x, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fmt.Errorf("float: cannot parse %q", x)
			}
			return f, nil
		}
		return nil, typeError("float of %s", TypeName(args[0]))
	}},

	"type": {Name: "type", Fn: func(_ *Env, args []Value) (Value, error) {
		if err := arity("type", args, 1, 1); err != nil {
			return nil, err
		}
		return TypeName(args[0]), nil
	}},

	// range(n), range(from, to) or range(from, to, step)
	"range": {Name: "range", Fn: func(_ *Env, args []Value) (Value, error) {
		if err := arity("range", args, 1, 3); err != nil {
			return nil, err
		}
		bounds := make([]int64, len(args))
		for i, a := range args {
			n, ok := a.(int64)
			if !ok {
				return nil, typeError("range bound must be Int, got %s", TypeName(a))
			}
			bounds[i] = n
		}
		from, to, step := int64(0), bounds[0], int64(1)
		if len(bounds) > 1 {
			from, to = bounds[0], bounds[1]
		}
		if len(bounds) > 2 {
			step = bounds[2]
		}
		if step == 0 {
			return nil, fmt.Errorf("range step must not be zero")
		}
		var out []Value
		for i := from; (step > 0 && i < to) || (step < 0 && i > to); i += step {
			out = append(out, i)
		}
		return NewList(out...), nil
	}},

	"keys": {Name: "keys", Fn: func(_ *Env, args []Value) (Value, error) {
		if err := arity("keys", args, 1, 1); err != nil {
			return nil, err
		}
		m, ok := args[0].(*Map)
		if !ok {
			return nil, typeError("keys of %s", TypeName(args[0]))
		}
		return NewList(m.Keys()...), nil
	}},
}
