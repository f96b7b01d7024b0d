package vm

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/quill/compiler"
	"github.com/chazu/quill/pkg/bytecode"
)

var log = commonlog.GetLogger("quill.vm")

// DefaultEntry is the method a script starts at unless told otherwise.
const DefaultEntry = "main"

// ---------------------------------------------------------------------------
// VM: loader, scheduler and worker pool
// ---------------------------------------------------------------------------

// VM hosts script executions. The loader and its module cache are shared
// by every script the VM runs; module instances are not.
type VM struct {
	Loader    *Loader
	Scheduler *Scheduler

	stdout   io.Writer
	getenv   func(string) string
	workers  int
	maxDepth int
	embed    bool
	pool     *workerPool
}

// Option configures a VM.
type Option func(*VM)

// WithLocators appends module locators to the loader.
func WithLocators(locs ...ModuleLocator) Option {
	return func(v *VM) {
		for _, l := range locs {
			v.Loader.AddLocator(l)
		}
	}
}

// WithNative registers a native module factory.
func WithNative(name string, factory NativeFactory) Option {
	return func(v *VM) { v.Loader.RegisterNative(name, factory) }
}

// WithStdout sets where print output goes.
func WithStdout(w io.Writer) Option {
	return func(v *VM) { v.stdout = w }
}

// WithGetenv sets the environment lookup scripts see through sys::env.
func WithGetenv(fn func(string) string) Option {
	return func(v *VM) { v.getenv = fn }
}

// WithWorkers sets the number of goroutines running asynchronous scripts.
func WithWorkers(n int) Option {
	return func(v *VM) { v.workers = n }
}

// WithBudget sets the run time after which the scheduler asks a script to
// yield.
func WithBudget(d time.Duration) Option {
	return func(v *VM) {
		v.Scheduler.Budget = d
		if d > 0 && d/4 < v.Scheduler.Interval {
			v.Scheduler.Interval = d / 4
		}
	}
}

// WithMaxDepth limits nested script calls.
func WithMaxDepth(n int) Option {
	return func(v *VM) { v.maxDepth = n }
}

// WithEmbedSource keeps source text inside compiled modules.
func WithEmbedSource(embed bool) Option {
	return func(v *VM) { v.embed = embed }
}

// New creates a VM. The sys native module is always registered.
func New(opts ...Option) *VM {
	v := &VM{
		Loader:    NewLoader(),
		Scheduler: NewScheduler(0),
		stdout:    os.Stdout,
		getenv:    os.Getenv,
		workers:   runtime.NumCPU(),
		maxDepth:  DefaultMaxDepth,
	}
	v.Loader.RegisterNative("sys", SysModule)
	for _, opt := range opts {
		opt(v)
	}
	v.pool = newWorkerPool(v.workers)
	v.Scheduler.Start()
	return v
}

// Close stops the worker pool and the scheduler loop.
func (v *VM) Close() {
	v.pool.stop()
	v.Scheduler.Stop()
}

// Compiler returns a compiler whose imports resolve against the VM's
// loaded and native modules.
func (v *VM) Compiler() *compiler.Compiler {
	return compiler.New(
		compiler.WithModules(v.Loader),
		compiler.WithNatives(v.Loader),
		compiler.WithEmbedSource(v.embed),
	)
}

// ---------------------------------------------------------------------------
// Scripts
// ---------------------------------------------------------------------------

// Script is a runnable program: an entry point, the modules compiled for
// it and the linking policy its executions use.
type Script struct {
	EntryModule string
	EntryMethod string
	Policy      *LinkingPolicy

	vm        *VM
	modules   map[string]*bytecode.Module
	order     []*bytecode.Module
	shared    map[string]*NativeModule
	overrides []*Override
}

// ScriptOption configures a Script.
type ScriptOption func(*Script)

// WithEntry overrides the entry point. An empty module keeps the default
// lookup.
func WithEntry(module, method string) ScriptOption {
	return func(s *Script) {
		s.EntryModule = module
		if method != "" {
			s.EntryMethod = method
		}
	}
}

// WithPolicy sets the linking policy.
func WithPolicy(p *LinkingPolicy) ScriptOption {
	return func(s *Script) { s.Policy = p }
}

// Sandboxed runs the script under a denying policy with the given
// entries.
func Sandboxed(entries ...PolicyEntry) ScriptOption {
	return func(s *Script) { s.Policy = NewSandboxPolicy(entries...) }
}

// WithOverride registers a library override ahead of the standard ones.
func WithOverride(o *Override) ScriptOption {
	return func(s *Script) { s.overrides = append(s.overrides, o) }
}

// WithShared makes every execution of the script use one native module
// instance instead of a fresh one.
func WithShared(m *NativeModule) ScriptOption {
	return func(s *Script) { s.shared[m.Name] = m }
}

func (v *VM) newScript(mods []*bytecode.Module, opts []ScriptOption) *Script {
	s := &Script{
		EntryMethod: DefaultEntry,
		Policy:      NewPermissivePolicy(),
		vm:          v,
		modules:     make(map[string]*bytecode.Module, len(mods)),
		order:       mods,
		shared:      make(map[string]*NativeModule),
	}
	for _, m := range mods {
		s.modules[m.Name] = m
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CompileScript compiles sources into a script. The compiled modules are
// added to the loader so later compilations can import them. Unless an
// entry is given, the first module defining main is the entry module.
func (v *VM) CompileScript(sources []compiler.Source, opts ...ScriptOption) (*Script, error) {
	mods, err := v.Compiler().CompileBatch(sources)
	if err != nil {
		return nil, err
	}
	s := v.newScript(mods, opts)
	if err := v.Loader.Add(mods...); err != nil {
		log.Debugf("script modules shadow loaded ones: %v", err)
	}
	if s.EntryModule == "" {
		for _, m := range mods {
			if e, ok := m.Lookup(s.EntryMethod); ok && e.Kind == bytecode.EntryMethod {
				s.EntryModule = m.Name
				break
			}
		}
		if s.EntryModule == "" {
			return nil, fmt.Errorf("%w: no module defines %s", ErrNoEntry, s.EntryMethod)
		}
	}
	log.Infof("compiled script %s (%d modules)", s.EntryModule, len(mods))
	return s, nil
}

// NewScript creates a script over modules the loader can find.
func (v *VM) NewScript(entryModule string, opts ...ScriptOption) *Script {
	s := v.newScript(nil, opts)
	if s.EntryModule == "" {
		s.EntryModule = entryModule
	}
	return s
}

// Name returns the entry module name.
func (s *Script) Name() string { return s.EntryModule }

// Modules returns the modules compiled for the script, in batch order.
func (s *Script) Modules() []*bytecode.Module { return s.order }

func (s *Script) newExecution(ctx context.Context, args []string, inv *Invocation) *execution {
	env := &Env{Args: args, Stdout: s.vm.stdout, Getenv: s.vm.getenv}
	linker := NewLinker(s.Policy, env)
	linker.Overrides = append(append([]*Override(nil), s.overrides...), linker.Overrides...)
	x := &execution{
		ctx:      ctx,
		script:   s,
		loader:   s.vm.Loader,
		linker:   linker,
		env:      env,
		modules:  make(map[string]*ModuleInstance),
		inv:      inv,
		maxDepth: s.vm.maxDepth,
	}
	env.call = x.callValue
	return x
}

// Invoke calls a method of a module in a fresh execution. Native module
// functions are called through the linker, so the policy applies.
func (s *Script) Invoke(ctx context.Context, module, method string, args ...Value) (Value, error) {
	x := s.newExecution(ctx, nil, nil)
	return x.enter(module, method, func(*bytecode.Method) []Value { return args })
}

// Run calls the entry method. When it declares a parameter it receives
// args as a list; sys::args holds them either way.
func (s *Script) Run(ctx context.Context, args []string) (Value, error) {
	inv := s.vm.Scheduler.Enqueue(s.Name())
	defer s.vm.Scheduler.Finish(inv)
	s.vm.Scheduler.Begin(inv)
	return s.run(ctx, args, inv)
}

func (s *Script) run(ctx context.Context, args []string, inv *Invocation) (Value, error) {
	x := s.newExecution(ctx, args, inv)
	v, err := x.enter(s.EntryModule, s.EntryMethod, func(m *bytecode.Method) []Value {
		if m == nil || m.Args > 0 {
			return []Value{FromGo(append([]string{}, args...))}
		}
		return nil
	})
	if le, ok := err.(*LinkError); ok && le.Receiver == "module "+s.EntryModule && le.Member == s.EntryMethod {
		return nil, fmt.Errorf("%w: %s.%s", ErrNoEntry, s.EntryModule, s.EntryMethod)
	}
	return v, err
}

// enter initializes a module and calls one of its methods.
func (x *execution) enter(module, method string, args func(*bytecode.Method) []Value) (result Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s.%s panicked: %v", module, method, r)
		}
	}()
	mi, err := x.instance(module)
	if err != nil {
		return nil, err
	}
	if mi.Native != nil {
		fv, _ := mi.Native.Lookup(method)
		fn, ok := fv.(*NativeFunc)
		if !ok {
			return nil, &LinkError{Kind: LinkNotFound, Access: AccessCall, Receiver: "module " + module, Member: method}
		}
		return x.linker.Call(fn, args(nil))
	}
	if err := x.initialize(mi); err != nil {
		return nil, err
	}
	c, ok := mi.globals[method].(*Closure)
	if !ok {
		return nil, &LinkError{Kind: LinkNotFound, Access: AccessCall, Receiver: "module " + module, Member: method}
	}
	return x.call(c, nil, args(c.Method()))
}

// RunAsync runs a script on the worker pool.
func (v *VM) RunAsync(ctx context.Context, s *Script, args []string) *Pending {
	inv := v.Scheduler.Enqueue(s.Name())
	p, ok := v.pool.submit(ctx, func() (Value, error) {
		v.Scheduler.Begin(inv)
		defer v.Scheduler.Finish(inv)
		return s.run(ctx, args, inv)
	})
	if !ok {
		v.Scheduler.Finish(inv)
	}
	return p
}

// Eval compiles and runs a snippet, returning the value of its final
// statement. Eval runs under a permissive policy.
func (v *VM) Eval(text string) (Value, error) {
	return v.EvalContext(context.Background(), text)
}

// EvalContext is Eval with a context.
func (v *VM) EvalContext(ctx context.Context, text string) (Value, error) {
	m, err := v.Compiler().CompileExpression(text)
	if err != nil {
		return nil, err
	}
	s := v.newScript([]*bytecode.Module{m}, nil)
	s.EntryModule = m.Name
	x := s.newExecution(ctx, nil, nil)
	mi, err := x.bind(m)
	if err != nil {
		return nil, err
	}
	mi.state = moduleInitializing
	result, err := x.call(&Closure{Module: mi, Index: 0}, nil, nil)
	mi.state = moduleReady
	return result, err
}
