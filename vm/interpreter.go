package vm

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"unicode/utf8"

	"github.com/chazu/quill/pkg/bytecode"
)

// DefaultMaxDepth is the default limit on nested script calls.
const DefaultMaxDepth = 1024

// checkpointInterval is the number of instructions between checkpoints in
// straight-line code. Backward jumps and calls are checkpoints as well.
const checkpointInterval = 1024

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

// frame is the state of one method activation.
type frame struct {
	closure *Closure
	mod     *ModuleInstance
	meth    *bytecode.Method
	this    Value
	locals  []Value
	stack   []Value
}

func (f *frame) push(v Value) {
	f.stack = append(f.stack, v)
}

func (f *frame) pop() Value {
	n := len(f.stack) - 1
	v := f.stack[n]
	f.stack[n] = nil
	f.stack = f.stack[:n]
	return v
}

func (f *frame) top() Value {
	return f.stack[len(f.stack)-1]
}

// popN pops n values and returns them in push order.
func (f *frame) popN(n int) []Value {
	out := make([]Value, n)
	base := len(f.stack) - n
	copy(out, f.stack[base:])
	for i := base; i < len(f.stack); i++ {
		f.stack[i] = nil
	}
	f.stack = f.stack[:base]
	return out
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// execution is one script run: its module instances, its linker and the
// cooperative scheduling state. It is confined to one goroutine.
type execution struct {
	ctx      context.Context
	script   *Script
	loader   *Loader
	linker   *Linker
	env      *Env
	modules  map[string]*ModuleInstance
	inv      *Invocation
	depth    int
	maxDepth int
	steps    int
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// checkpoint observes cancellation and the scheduler's yield flag.
func (x *execution) checkpoint() error {
	if err := x.ctx.Err(); err != nil {
		return err
	}
	if x.inv != nil && x.inv.yield.CompareAndSwap(true, false) {
		x.inv.yields.Add(1)
		runtime.Gosched()
	}
	return nil
}

func argCount(m *bytecode.Method) string {
	req := m.RequiredArgs()
	if req == int(m.Args) {
		if req == 1 {
			return "1 argument"
		}
		return fmt.Sprintf("%d arguments", req)
	}
	return fmt.Sprintf("%d to %d arguments", req, m.Args)
}

// call runs a compiled method. Parameters the caller did not supply are
// left unset for the default-value prologue.
func (x *execution) call(c *Closure, this Value, args []Value) (Value, error) {
	m := c.Method()
	if len(args) < m.RequiredArgs() || len(args) > int(m.Args) {
		return nil, fmt.Errorf("%s expects %s, got %d", m.Name, argCount(m), len(args))
	}
	if x.depth >= x.maxDepth {
		return nil, fmt.Errorf("%w in %s (depth %d)", ErrStackOverflow, m.Name, x.depth)
	}
	if err := x.checkpoint(); err != nil {
		return nil, err
	}
	x.depth++
	defer func() { x.depth-- }()

	size := int(m.Locals)
	if size < int(m.Args) {
		size = int(m.Args)
	}
	f := &frame{
		closure: c,
		mod:     c.Module,
		meth:    m,
		this:    this,
		locals:  make([]Value, size),
		stack:   make([]Value, 0, 8),
	}
	copy(f.locals, args)
	for i := len(args); i < int(m.Args); i++ {
		f.locals[i] = missing
	}
	return x.run(f)
}

// callValue calls any callable value.
func (x *execution) callValue(fn Value, args []Value) (Value, error) {
	switch c := fn.(type) {
	case *Closure:
		return x.call(c, c.This, args)
	case *Builtin:
		return c.Fn(x.env, args)
	case *NativeFunc:
		return x.linker.Call(c, args)
	case *BoundNative:
		return x.linker.Invoke(c.Recv, c.Name, args)
	}
	return nil, typeError("%s is not callable", TypeName(fn))
}

var binaryOps = map[bytecode.Opcode]string{
	bytecode.OpAdd: "+",
	bytecode.OpSub: "-",
	bytecode.OpMul: "*",
	bytecode.OpDiv: "/",
	bytecode.OpMod: "%",
	bytecode.OpPow: "**",
	bytecode.OpEq:  "==",
	bytecode.OpNe:  "!=",
	bytecode.OpLt:  "<",
	bytecode.OpLe:  "<=",
	bytecode.OpGt:  ">",
	bytecode.OpGe:  ">=",
}

// run executes a frame until it returns or an exception escapes it.
func (x *execution) run(f *frame) (Value, error) {
	code := f.meth.Code
	pc := 0
	for {
		x.steps++
		if x.steps%checkpointInterval == 0 {
			if err := x.checkpoint(); err != nil {
				return nil, err
			}
		}

		start := pc
		op := bytecode.Opcode(code[pc])
		var (
			v   Value
			err error
		)

		switch op {
		case bytecode.OpNop:
			pc++

		case bytecode.OpPop:
			f.pop()
			pc++

		case bytecode.OpDup:
			f.push(f.top())
			pc++

		case bytecode.OpDup2:
			n := len(f.stack)
			a, b := f.stack[n-2], f.stack[n-1]
			f.push(a)
			f.push(b)
			pc++

		// Constants

		case bytecode.OpConst:
			f.push(f.mod.consts[bytecode.ReadU16(code, pc+1)])
			pc += 3

		case bytecode.OpNull:
			f.push(nil)
			pc++

		case bytecode.OpTrue:
			f.push(true)
			pc++

		case bytecode.OpFalse:
			f.push(false)
			pc++

		case bytecode.OpThis:
			f.push(f.this)
			pc++

		// Locals and cells

		case bytecode.OpLoadLocal:
			f.push(f.locals[bytecode.ReadU16(code, pc+1)])
			pc += 3

		case bytecode.OpStoreLocal:
			f.locals[bytecode.ReadU16(code, pc+1)] = f.top()
			pc += 3

		case bytecode.OpBoxLocal:
			slot := bytecode.ReadU16(code, pc+1)
			cur := f.locals[slot]
			if c, ok := cur.(*Cell); ok {
				cur = c.V
			}
			f.locals[slot] = &Cell{V: cur}
			pc += 3

		case bytecode.OpLoadCell:
			cur := f.locals[bytecode.ReadU16(code, pc+1)]
			if c, ok := cur.(*Cell); ok {
				cur = c.V
			}
			f.push(cur)
			pc += 3

		case bytecode.OpStoreCell:
			slot := bytecode.ReadU16(code, pc+1)
			if c, ok := f.locals[slot].(*Cell); ok {
				c.V = f.top()
			} else {
				f.locals[slot] = f.top()
			}
			pc += 3

		case bytecode.OpJumpIfSet:
			slot := bytecode.ReadU16(code, pc+1)
			if _, unset := f.locals[slot].(missingArg); unset {
				pc += 7
			} else {
				pc = int(bytecode.ReadU32(code, pc+3))
			}

		// Upvalues

		case bytecode.OpLoadUpval:
			f.push(f.closure.Upvals[bytecode.ReadU16(code, pc+1)].V)
			pc += 3

		case bytecode.OpStoreUpval:
			f.closure.Upvals[bytecode.ReadU16(code, pc+1)].V = f.top()
			pc += 3

		case bytecode.OpClosure:
			idx := int(bytecode.ReadU16(code, pc+1))
			n := int(code[pc+3])
			upvals := make([]*Cell, n)
			p := pc + 4
			for i := 0; i < n; i++ {
				isLocal := code[p] == 1
				index := bytecode.ReadU16(code, p+1)
				p += bytecode.ClosureCaptureSize
				if !isLocal {
					upvals[i] = f.closure.Upvals[index]
					continue
				}
				c, ok := f.locals[index].(*Cell)
				if !ok {
					c = &Cell{V: f.locals[index]}
					f.locals[index] = c
				}
				upvals[i] = c
			}
			f.push(&Closure{Module: f.mod, Index: idx, Upvals: upvals, This: f.this})
			pc = p

		// Module namespace, imports, builtins

		case bytecode.OpLoadGlobal:
			name := f.mod.name(bytecode.ReadU16(code, pc+1))
			g, ok := f.mod.globals[name]
			if !ok {
				err = fmt.Errorf("%s: undefined name %s", f.mod.Name, name)
			}
			f.push(g)
			pc += 3

		case bytecode.OpStoreGlobal:
			f.mod.globals[f.mod.name(bytecode.ReadU16(code, pc+1))] = f.top()
			pc += 3

		case bytecode.OpLoadImport:
			imp := int(bytecode.ReadU16(code, pc+1))
			v, err = x.importedValue(f.mod, imp, f.mod.name(bytecode.ReadU16(code, pc+3)))
			f.push(v)
			pc += 5

		case bytecode.OpLoadBuiltin:
			name := f.mod.name(bytecode.ReadU16(code, pc+1))
			b, ok := builtins[name]
			if !ok {
				err = fmt.Errorf("unknown builtin %s", name)
			}
			f.push(b)
			pc += 3

		// Dispatch

		case bytecode.OpLoadField:
			obj := f.pop()
			v, err = x.getField(obj, f.mod.name(bytecode.ReadU16(code, pc+1)))
			f.push(v)
			pc += 3

		case bytecode.OpStoreField:
			val := f.pop()
			obj := f.pop()
			err = x.setField(obj, f.mod.name(bytecode.ReadU16(code, pc+1)), val)
			f.push(val)
			pc += 3

		case bytecode.OpInvoke:
			name := f.mod.name(bytecode.ReadU16(code, pc+1))
			args := f.popN(int(code[pc+3]))
			recv := f.pop()
			v, err = x.invoke(recv, name, args)
			f.push(v)
			pc += 4

		case bytecode.OpCall:
			args := f.popN(int(code[pc+1]))
			fn := f.pop()
			v, err = x.callValue(fn, args)
			f.push(v)
			pc += 2

		case bytecode.OpNew:
			args := f.popN(int(code[pc+1]))
			cls := f.pop()
			v, err = x.instantiate(cls, args)
			f.push(v)
			pc += 2

		// Collections

		case bytecode.OpList:
			elems := f.popN(int(bytecode.ReadU16(code, pc+1)))
			f.push(NewList(elems...))
			pc += 3

		case bytecode.OpMap:
			kv := f.popN(2 * int(bytecode.ReadU16(code, pc+1)))
			m := NewMap()
			for i := 0; i < len(kv) && err == nil; i += 2 {
				err = m.Set(kv[i], kv[i+1])
			}
			f.push(m)
			pc += 3

		case bytecode.OpIndexGet:
			idx := f.pop()
			obj := f.pop()
			v, err = x.indexGet(obj, idx)
			f.push(v)
			pc++

		case bytecode.OpIndexSet:
			val := f.pop()
			idx := f.pop()
			obj := f.pop()
			err = x.indexSet(obj, idx, val)
			f.push(val)
			pc++

		case bytecode.OpIter:
			v, err = iterate(f.pop())
			f.push(v)
			pc++

		case bytecode.OpIterNext:
			it, ok := f.pop().(*Iterator)
			if !ok {
				err = typeError("for-in over a non-iterator")
				pc += 5
				break
			}
			if next, more := it.next(); more {
				f.push(next)
				pc += 5
			} else {
				pc = int(bytecode.ReadU32(code, pc+1))
			}

		// Arithmetic and comparison

		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod, bytecode.OpPow,
			bytecode.OpEq, bytecode.OpNe, bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
			b := f.pop()
			a := f.pop()
			v, err = x.binary(binaryOps[op], a, b)
			f.push(v)
			pc++

		case bytecode.OpNeg:
			switch n := f.pop().(type) {
			case int64:
				v = -n
			case float64:
				v = -n
			default:
				v, err = x.invoke(n, "neg", nil)
			}
			f.push(v)
			pc++

		case bytecode.OpNot:
			f.push(!Truthy(f.pop()))
			pc++

		// Control flow

		case bytecode.OpJump:
			target := int(bytecode.ReadU32(code, pc+1))
			if target <= pc {
				if cerr := x.checkpoint(); cerr != nil {
					return nil, cerr
				}
			}
			pc = target

		case bytecode.OpJumpIfFalse:
			if !Truthy(f.pop()) {
				pc = int(bytecode.ReadU32(code, pc+1))
			} else {
				pc += 5
			}

		case bytecode.OpJumpIfTrue:
			if Truthy(f.pop()) {
				pc = int(bytecode.ReadU32(code, pc+1))
			} else {
				pc += 5
			}

		case bytecode.OpReturn:
			return f.pop(), nil

		case bytecode.OpThrow:
			err = thrown(f.pop())
			pc++

		default:
			return nil, fmt.Errorf("%s: invalid opcode %s at %d", f.meth.Name, op, pc)
		}

		if err == nil {
			continue
		}
		if isCancellation(err) {
			return nil, err
		}
		se := fault(err)
		if h, ok := f.meth.HandlerFor(start); ok {
			for i := range f.stack {
				f.stack[i] = nil
			}
			f.stack = f.stack[:0]
			f.push(se.Value)
			pc = h
			continue
		}
		se.Trace = append(se.Trace, fmt.Sprintf("%s (line %d)", f.meth.Name, f.meth.LineFor(start)))
		return nil, se
	}
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// binary applies an operator. Integer fast paths aside, library overrides
// come first, then the receiver's own method of that name.
func (x *execution) binary(op string, a, b Value) (Value, error) {
	if ai, ok := a.(int64); ok {
		if bi, ok := b.(int64); ok {
			switch op {
			case "+":
				return ai + bi, nil
			case "-":
				return ai - bi, nil
			case "*":
				return ai * bi, nil
			case "<":
				return ai < bi, nil
			case "<=":
				return ai <= bi, nil
			case ">":
				return ai > bi, nil
			case ">=":
				return ai >= bi, nil
			case "==":
				return ai == bi, nil
			case "!=":
				return ai != bi, nil
			}
		}
	}
	args := []Value{b}
	if o := x.linker.override(op, a, args); o != nil {
		return o.Fn(a, args)
	}
	return x.invoke(a, op, args)
}

// invoke sends name to a receiver. Scripted instances and classes run
// their compiled methods; every other receiver goes through the linker.
func (x *execution) invoke(recv Value, name string, args []Value) (Value, error) {
	switch r := recv.(type) {
	case *Instance:
		if m, ok := r.Class.method(name); ok {
			return x.call(&Closure{Module: m.Module, Index: m.Index}, r, args)
		}
		if fv, ok := r.Fields[name]; ok && fv != nil {
			return x.callValue(fv, args)
		}
		return nil, &LinkError{Kind: LinkNotFound, Access: AccessCall, Receiver: r.Class.Name, Member: signature(name, args)}
	case *Class:
		if sv, ok := r.Shared[name]; ok && sv != nil {
			return x.callValue(sv, args)
		}
		return nil, &LinkError{Kind: LinkNotFound, Access: AccessCall, Receiver: r.Name, Member: signature(name, args)}
	}
	return x.linker.Invoke(recv, name, args)
}

func (x *execution) getField(obj Value, name string) (Value, error) {
	switch r := obj.(type) {
	case *Instance:
		if v, ok := r.Fields[name]; ok {
			return v, nil
		}
		if m, ok := r.Class.method(name); ok {
			return &Closure{Module: m.Module, Index: m.Index, This: r}, nil
		}
		return nil, &LinkError{Kind: LinkNotFound, Access: AccessGetField, Receiver: r.Class.Name, Member: name}
	case *Class:
		if v, ok := r.Shared[name]; ok {
			return v, nil
		}
		return nil, &LinkError{Kind: LinkNotFound, Access: AccessGetField, Receiver: r.Name, Member: name}
	}
	return x.linker.GetField(obj, name)
}

func (x *execution) setField(obj Value, name string, v Value) error {
	switch r := obj.(type) {
	case *Instance:
		if _, ok := r.Fields[name]; !ok {
			return &LinkError{Kind: LinkNotFound, Access: AccessSetField, Receiver: r.Class.Name, Member: name}
		}
		r.Fields[name] = v
		return nil
	case *Class:
		if _, ok := r.Shared[name]; !ok {
			return &LinkError{Kind: LinkNotFound, Access: AccessSetField, Receiver: r.Name, Member: name}
		}
		r.Shared[name] = v
		return nil
	}
	return x.linker.SetField(obj, name, v)
}

// instantiate creates an object of a scripted or native class.
func (x *execution) instantiate(cls Value, args []Value) (Value, error) {
	switch c := cls.(type) {
	case *Class:
		if c.IsTrait {
			return nil, typeError("cannot instantiate trait %s", c.Name)
		}
		inst := &Instance{Class: c, Fields: make(map[string]Value, len(c.Fields))}
		for _, name := range c.Fields {
			inst.Fields[name] = nil
		}
		if c.Init != bytecode.NoMethod {
			if _, err := x.call(&Closure{Module: c.Module, Index: c.Init}, inst, args); err != nil {
				return nil, err
			}
		}
		return inst, nil
	case *NativeClass:
		return x.linker.New(c, args)
	}
	return nil, typeError("%s is not a class", TypeName(cls))
}

// ---------------------------------------------------------------------------
// Indexing and iteration
// ---------------------------------------------------------------------------

func (x *execution) indexGet(obj, idx Value) (Value, error) {
	switch o := obj.(type) {
	case *List:
		i, ok := idx.(int64)
		if !ok {
			return nil, typeError("list index must be Int, got %s", TypeName(idx))
		}
		j, err := listIndex(o, i)
		if err != nil {
			return nil, err
		}
		return o.Elems[j], nil
	case *Map:
		v, _, err := o.Get(idx)
		return v, err
	case string:
		i, ok := idx.(int64)
		if !ok {
			return nil, typeError("string index must be Int, got %s", TypeName(idx))
		}
		r := []rune(o)
		n := int64(len(r))
		if i < 0 {
			i += n
		}
		if i < 0 || i >= n {
			return nil, fmt.Errorf("string index %d out of range (length %d)", i, n)
		}
		return string(r[i]), nil
	case *NativeObject:
		return x.linker.Invoke(o, "get", []Value{idx})
	}
	return nil, typeError("cannot index %s", TypeName(obj))
}

func (x *execution) indexSet(obj, idx, val Value) error {
	switch o := obj.(type) {
	case *List:
		i, ok := idx.(int64)
		if !ok {
			return typeError("list index must be Int, got %s", TypeName(idx))
		}
		j, err := listIndex(o, i)
		if err != nil {
			return err
		}
		o.Elems[j] = val
		return nil
	case *Map:
		return o.Set(idx, val)
	case *NativeObject:
		_, err := x.linker.Invoke(o, "set", []Value{idx, val})
		return err
	}
	return typeError("cannot assign into %s", TypeName(obj))
}

// iterate returns an iterator over a list (live), a map's keys (snapshot)
// or a string's characters.
func iterate(v Value) (*Iterator, error) {
	switch c := v.(type) {
	case *List:
		i := 0
		return &Iterator{next: func() (Value, bool) {
			if i >= len(c.Elems) {
				return nil, false
			}
			i++
			return c.Elems[i-1], true
		}}, nil
	case *Map:
		keys := c.Keys()
		i := 0
		return &Iterator{next: func() (Value, bool) {
			if i >= len(keys) {
				return nil, false
			}
			i++
			return keys[i-1], true
		}}, nil
	case string:
		s := c
		return &Iterator{next: func() (Value, bool) {
			if s == "" {
				return nil, false
			}
			r, size := utf8.DecodeRuneInString(s)
			s = s[size:]
			return string(r), true
		}}, nil
	case *Iterator:
		return c, nil
	}
	return nil, typeError("cannot iterate over %s", TypeName(v))
}
