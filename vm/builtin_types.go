package vm

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Built-in types
// ---------------------------------------------------------------------------
//
// Strings, lists, maps and errors are ordinary host values exposed through
// capability tables, the same way native modules expose their classes.
// They are AlwaysLink: a sandbox policy can deny host modules but never the
// language's own collection types.

func method(name string, params []Type, returns Type, fn func(env *Env, recv Value, args []Value) (Value, error)) *NativeMethod {
	return &NativeMethod{Name: name, Params: params, Returns: returns, Fn: fn}
}

func clampIndex(i int64, n int) int {
	if i < 0 {
		i += int64(n)
	}
	if i < 0 {
		return 0
	}
	if i > int64(n) {
		return n
	}
	return int(i)
}

func listIndex(l *List, i int64) (int, error) {
	n := int64(len(l.Elems))
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return 0, fmt.Errorf("list index %d out of range (length %d)", i, n)
	}
	return int(i), nil
}

var stringClass = &NativeClass{
	Name:       "String",
	Module:     "lang",
	AlwaysLink: true,
	Methods: []*NativeMethod{
		method("len", nil, Int, func(_ *Env, recv Value, _ []Value) (Value, error) {
			return int64(utf8.RuneCountInString(recv.(string))), nil
		}),
		method("upper", nil, String, func(_ *Env, recv Value, _ []Value) (Value, error) {
			return strings.ToUpper(recv.(string)), nil
		}),
		method("lower", nil, String, func(_ *Env, recv Value, _ []Value) (Value, error) {
			return strings.ToLower(recv.(string)), nil
		}),
		method("trim", nil, String, func(_ *Env, recv Value, _ []Value) (Value, error) {
			return strings.TrimSpace(recv.(string)), nil
		}),
		method("contains", []Type{String}, Bool, func(_ *Env, recv Value, args []Value) (Value, error) {
			return strings.Contains(recv.(string), args[0].(string)), nil
		}),
		method("starts_with", []Type{String}, Bool, func(_ *Env, recv Value, args []Value) (Value, error) {
			return strings.HasPrefix(recv.(string), args[0].(string)), nil
		}),
		method("ends_with", []Type{String}, Bool, func(_ *Env, recv Value, args []Value) (Value, error) {
			return strings.HasSuffix(recv.(string), args[0].(string)), nil
		}),
		method("index_of", []Type{String}, Int, func(_ *Env, recv Value, args []Value) (Value, error) {
			s := recv.(string)
			i := strings.Index(s, args[0].(string))
			if i < 0 {
				return int64(-1), nil
			}
			return int64(utf8.RuneCountInString(s[:i])), nil
		}),
		method("replace", []Type{String, String}, String, func(_ *Env, recv Value, args []Value) (Value, error) {
			return strings.ReplaceAll(recv.(string), args[0].(string), args[1].(string)), nil
		}),
		method("split", []Type{String}, ListT, func(_ *Env, recv Value, args []Value) (Value, error) {
			parts := strings.Split(recv.(string), args[0].(string))
			return FromGo(parts), nil
		}),
		method("substr", []Type{Int, Int}, String, func(_ *Env, recv Value, args []Value) (Value, error) {
			r := []rune(recv.(string))
			from := clampIndex(args[0].(int64), len(r))
			to := clampIndex(args[1].(int64), len(r))
			if to < from {
				to = from
			}
			return string(r[from:to]), nil
		}),
		method("chars", nil, ListT, func(_ *Env, recv Value, _ []Value) (Value, error) {
			var out []Value
			for _, c := range recv.(string) {
				out = append(out, string(c))
			}
			return NewList(out...), nil
		}),
	},
}

var listClass = &NativeClass{
	Name:       "List",
	Module:     "lang",
	AlwaysLink: true,
	Methods: []*NativeMethod{
		method("len", nil, Int, func(_ *Env, recv Value, _ []Value) (Value, error) {
			return int64(len(recv.(*List).Elems)), nil
		}),
		method("push", []Type{Any}, ListT, func(_ *Env, recv Value, args []Value) (Value, error) {
			l := recv.(*List)
			l.Elems = append(l.Elems, args[0])
			return l, nil
		}),
		method("pop", nil, Any, func(_ *Env, recv Value, _ []Value) (Value, error) {
			l := recv.(*List)
			if len(l.Elems) == 0 {
				return nil, fmt.Errorf("pop from empty list")
			}
			v := l.Elems[len(l.Elems)-1]
			l.Elems = l.Elems[:len(l.Elems)-1]
			return v, nil
		}),
		method("insert", []Type{Int, Any}, ListT, func(_ *Env, recv Value, args []Value) (Value, error) {
			l := recv.(*List)
			i := clampIndex(args[0].(int64), len(l.Elems))
			l.Elems = append(l.Elems, nil)
			copy(l.Elems[i+1:], l.Elems[i:])
			l.Elems[i] = args[1]
			return l, nil
		}),
		method("remove_at", []Type{Int}, Any, func(_ *Env, recv Value, args []Value) (Value, error) {
			l := recv.(*List)
			i, err := listIndex(l, args[0].(int64))
			if err != nil {
				return nil, err
			}
			v := l.Elems[i]
			l.Elems = append(l.Elems[:i], l.Elems[i+1:]...)
			return v, nil
		}),
		method("contains", []Type{Any}, Bool, func(_ *Env, recv Value, args []Value) (Value, error) {
			for _, e := range recv.(*List).Elems {
				if Equal(e, args[0]) {
					return true, nil
				}
			}
			return false, nil
		}),
		method("index_of", []Type{Any}, Int, func(_ *Env, recv Value, args []Value) (Value, error) {
			for i, e := range recv.(*List).Elems {
				if Equal(e, args[0]) {
					return int64(i), nil
				}
			}
			return int64(-1), nil
		}),
		method("join", []Type{String}, String, func(_ *Env, recv Value, args []Value) (Value, error) {
			elems := recv.(*List).Elems
			parts := make([]string, len(elems))
			for i, e := range elems {
				parts[i] = Str(e)
			}
			return strings.Join(parts, args[0].(string)), nil
		}),
		method("slice", []Type{Int, Int}, ListT, func(_ *Env, recv Value, args []Value) (Value, error) {
			elems := recv.(*List).Elems
			from := clampIndex(args[0].(int64), len(elems))
			to := clampIndex(args[1].(int64), len(elems))
			if to < from {
				to = from
			}
			return NewList(append([]Value(nil), elems[from:to]...)...), nil
		}),
		method("reverse", nil, ListT, func(_ *Env, recv Value, _ []Value) (Value, error) {
			elems := recv.(*List).Elems
			out := make([]Value, len(elems))
			for i, e := range elems {
				out[len(elems)-1-i] = e
			}
			return NewList(out...), nil
		}),
		method("sort", nil, ListT, func(_ *Env, recv Value, _ []Value) (Value, error) {
			elems := append([]Value(nil), recv.(*List).Elems...)
			var err error
			sort.SliceStable(elems, func(i, j int) bool {
				less, e := sortLess(elems[i], elems[j])
				if e != nil && err == nil {
					err = e
				}
				return less
			})
			if err != nil {
				return nil, err
			}
			return NewList(elems...), nil
		}),
		method("each", []Type{Func}, Any, func(env *Env, recv Value, args []Value) (Value, error) {
			for _, e := range append([]Value(nil), recv.(*List).Elems...) {
				if _, err := env.Call(args[0], e); err != nil {
					return nil, err
				}
			}
			return nil, nil
		}),
		method("map", []Type{Func}, ListT, func(env *Env, recv Value, args []Value) (Value, error) {
			elems := recv.(*List).Elems
			out := make([]Value, 0, len(elems))
			for _, e := range append([]Value(nil), elems...) {
				v, err := env.Call(args[0], e)
				if err != nil {
					return nil, err
				}
				out = append(out, v)
			}
			return NewList(out...), nil
		}),
		method("filter", []Type{Func}, ListT, func(env *Env, recv Value, args []Value) (Value, error) {
			var out []Value
			for _, e := range append([]Value(nil), recv.(*List).Elems...) {
				v, err := env.Call(args[0], e)
				if err != nil {
					return nil, err
				}
				if Truthy(v) {
					out = append(out, e)
				}
			}
			return NewList(out...), nil
		}),
	},
}

func sortLess(a, b Value) (bool, error) {
	if isNumber(a) && isNumber(b) {
		return toFloat(a) < toFloat(b), nil
	}
	sa, ok1 := a.(string)
	sb, ok2 := b.(string)
	if ok1 && ok2 {
		return sa < sb, nil
	}
	return false, typeError("cannot order %s and %s", TypeName(a), TypeName(b))
}

var mapClass = &NativeClass{
	Name:       "Map",
	Module:     "lang",
	AlwaysLink: true,
	Methods: []*NativeMethod{
		method("len", nil, Int, func(_ *Env, recv Value, _ []Value) (Value, error) {
			return int64(recv.(*Map).Len()), nil
		}),
		method("keys", nil, ListT, func(_ *Env, recv Value, _ []Value) (Value, error) {
			return NewList(recv.(*Map).Keys()...), nil
		}),
		method("values", nil, ListT, func(_ *Env, recv Value, _ []Value) (Value, error) {
			return NewList(recv.(*Map).Values()...), nil
		}),
		method("has", []Type{Any}, Bool, func(_ *Env, recv Value, args []Value) (Value, error) {
			_, ok, err := recv.(*Map).Get(args[0])
			return ok, err
		}),
		method("get", []Type{Any}, Any, func(_ *Env, recv Value, args []Value) (Value, error) {
			v, _, err := recv.(*Map).Get(args[0])
			return v, err
		}),
		method("get", []Type{Any, Any}, Any, func(_ *Env, recv Value, args []Value) (Value, error) {
			v, ok, err := recv.(*Map).Get(args[0])
			if err != nil || !ok {
				return args[1], err
			}
			return v, nil
		}),
		method("set", []Type{Any, Any}, MapT, func(_ *Env, recv Value, args []Value) (Value, error) {
			m := recv.(*Map)
			return m, m.Set(args[0], args[1])
		}),
		method("remove", []Type{Any}, Bool, func(_ *Env, recv Value, args []Value) (Value, error) {
			return recv.(*Map).Delete(args[0])
		}),
	},
}

var errorClass = &NativeClass{
	Name:       "Error",
	Module:     "lang",
	AlwaysLink: true,
	Fields: []*NativeField{
		{Name: "kind", Type: String, Get: func(recv Value) (Value, error) {
			return recv.(*ErrorValue).Kind, nil
		}},
		{Name: "message", Type: String, Get: func(recv Value) (Value, error) {
			return recv.(*ErrorValue).Message, nil
		}},
	},
}
