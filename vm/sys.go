package vm

import (
	"fmt"
	"strings"
)

// SysModule is the factory of the sys native module: the script's
// arguments, printing and environment lookup. Every execution gets its own
// instance, so args is the arguments of that execution.
func SysModule() *NativeModule {
	args := &NativeVar{Name: "args", Final: true}
	m := &NativeModule{
		Name: "sys",
		Vars: []*NativeVar{args},
		Functions: []*NativeMethod{
			{
				Name:     "print",
				Params:   []Type{Any},
				Variadic: true,
				Fn: func(env *Env, _ Value, a []Value) (Value, error) {
					parts := make([]string, len(a))
					for i, v := range a {
						parts[i] = Str(v)
					}
					fmt.Fprintln(env.Stdout, strings.Join(parts, " "))
					return nil, nil
				},
			},
			{
				Name:    "env",
				Params:  []Type{String},
				Returns: String,
				Fn: func(env *Env, _ Value, a []Value) (Value, error) {
					if env.Getenv == nil {
						return nil, nil
					}
					if v := env.Getenv(a[0].(string)); v != "" {
						return v, nil
					}
					return nil, nil
				},
			},
			{
				Name:    "env",
				Params:  []Type{String, String},
				Returns: String,
				Fn: func(env *Env, _ Value, a []Value) (Value, error) {
					if env.Getenv != nil {
						if v := env.Getenv(a[0].(string)); v != "" {
							return v, nil
						}
					}
					return a[1], nil
				},
			},
		},
	}
	m.Setup = func(env *Env) {
		args.Value = FromGo(append([]string{}, env.Args...))
	}
	return m
}
