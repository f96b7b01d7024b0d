package vm

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/chazu/quill/compiler"
	"github.com/chazu/quill/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestVM(t *testing.T, opts ...Option) (*VM, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	v := New(append([]Option{WithStdout(out), WithWorkers(2)}, opts...)...)
	t.Cleanup(v.Close)
	return v, out
}

// runSource compiles a single-module script and runs its main method.
func runSource(t *testing.T, v *VM, src string, opts ...ScriptOption) (Value, error) {
	t.Helper()
	s, err := v.CompileScript([]compiler.Source{{Name: "app", File: "app.ql", Text: src}}, opts...)
	if err != nil {
		t.Fatalf("CompileScript: %v", err)
	}
	return s.Run(context.Background(), nil)
}

func mustRun(t *testing.T, src string, opts ...ScriptOption) Value {
	t.Helper()
	v, _ := newTestVM(t)
	result, err := runSource(t, v, src, opts...)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return result
}

// ---------------------------------------------------------------------------
// Eval
// ---------------------------------------------------------------------------

func TestEvalArithmetic(t *testing.T) {
	v, _ := newTestVM(t)
	got, err := v.Eval("var x = 1 + 2")
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if got != int64(3) {
		t.Errorf("var x = 1 + 2 evaluated to %v (%T), want 3", got, got)
	}
}

func TestEvalExpressions(t *testing.T) {
	tests := []struct {
		src  string
		want Value
	}{
		{"2 ** 10", int64(1024)},
		{"2.0 ** 3", 8.0},
		{"2 ** -1", 0.5},
		{"7 / 2", int64(3)},
		{"7.0 / 2", 3.5},
		{"7 % 3", int64(1)},
		{"\"ab\" + 1", "ab1"},
		{"\"ab\" * 3", "ababab"},
		{"1 < 2 and 2 < 3", true},
		{"null or \"fallback\"", "fallback"},
		{"not 0", false},
		{"[1, 2] + [3]", NewList(int64(1), int64(2), int64(3))},
		{"len({\"a\": 1, \"b\": 2})", int64(2)},
		{"\"hello\".upper()", "HELLO"},
		{"[3, 1, 2].sort()", NewList(int64(1), int64(2), int64(3))},
		{"1 == 1.0", true},
	}
	v, _ := newTestVM(t)
	for _, tt := range tests {
		got, err := v.Eval(tt.src)
		if err != nil {
			t.Errorf("Eval(%q): %v", tt.src, err)
			continue
		}
		if !Equal(got, tt.want) {
			t.Errorf("Eval(%q) = %s, want %s", tt.src, Repr(got), Repr(tt.want))
		}
	}
}

func TestEvalDivisionByZero(t *testing.T) {
	v, _ := newTestVM(t)
	_, err := v.Eval("1 / 0")
	if !errors.Is(err, errDivByZero) {
		t.Fatalf("err = %v, want division by zero", err)
	}
}

// ---------------------------------------------------------------------------
// Scripts
// ---------------------------------------------------------------------------

func TestCompileScriptFindsMain(t *testing.T) {
	v, _ := newTestVM(t)
	s, err := v.CompileScript([]compiler.Source{
		{File: "lib.ql", Text: "module lib {\n def helper() { return 1 }\n}"},
		{File: "app.ql", Text: "module app {\n def main() { return 2 }\n}"},
	})
	if err != nil {
		t.Fatalf("CompileScript: %v", err)
	}
	if s.EntryModule != "app" || s.EntryMethod != DefaultEntry {
		t.Errorf("entry = %s.%s, want app.main", s.EntryModule, s.EntryMethod)
	}
	if got := v.Loader.Loaded(); len(got) != 2 {
		t.Errorf("loaded = %v, want both modules", got)
	}
}

func TestCompileScriptWithoutMain(t *testing.T) {
	v, _ := newTestVM(t)
	_, err := v.CompileScript([]compiler.Source{{Name: "lib", Text: "def helper() { return 1 }"}})
	if !errors.Is(err, ErrNoEntry) {
		t.Fatalf("err = %v, want ErrNoEntry", err)
	}
}

func TestCompileScriptCustomEntry(t *testing.T) {
	v, _ := newTestVM(t)
	s, err := v.CompileScript(
		[]compiler.Source{{Name: "tool", Text: "def start() { return \"started\" }"}},
		WithEntry("tool", "start"),
	)
	if err != nil {
		t.Fatalf("CompileScript: %v", err)
	}
	got, err := s.Run(context.Background(), nil)
	if err != nil || got != "started" {
		t.Errorf("Run = %v, %v", got, err)
	}
}

func TestRunMissingEntry(t *testing.T) {
	v, _ := newTestVM(t)
	mods, err := v.Compiler().Compile("def f() { return 1 }", "lib")
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Loader.Add(mods...); err != nil {
		t.Fatal(err)
	}
	_, err = v.NewScript("lib").Run(context.Background(), nil)
	if !errors.Is(err, ErrNoEntry) {
		t.Fatalf("err = %v, want ErrNoEntry", err)
	}
}

func TestCrossModuleImport(t *testing.T) {
	v, _ := newTestVM(t)
	s, err := v.CompileScript([]compiler.Source{
		{File: "a.ql", Text: "module a {\n var base = 20\n def double(n) { return n * 2 }\n}"},
		{File: "b.ql", Text: "module b {\n import a.{double, base}\n def main() { return double(base) + 2 }\n}"},
	})
	if err != nil {
		t.Fatalf("CompileScript: %v", err)
	}
	got, err := s.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != int64(42) {
		t.Errorf("main() = %v, want 42", got)
	}
}

func TestImportFromLocator(t *testing.T) {
	mem := NewMemoryLocator()
	lib, err := compiler.Compile("def greet(who) { return \"hello \" + who }", "greetings")
	if err != nil {
		t.Fatal(err)
	}
	if err := mem.PutModule(lib[0]); err != nil {
		t.Fatal(err)
	}

	v, _ := newTestVM(t, WithLocators(mem))
	got, err := runSource(t, v, "import greetings.{greet as hi}\ndef main() { return hi(\"quill\") }")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "hello quill" {
		t.Errorf("main() = %v", got)
	}
}

func TestModuleStateIsPerExecution(t *testing.T) {
	v, _ := newTestVM(t)
	s, err := v.CompileScript([]compiler.Source{{Name: "app", Text: `
var hits = 0
def main() {
    hits += 1
    return hits
}`}})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		got, err := s.Run(context.Background(), nil)
		if err != nil {
			t.Fatal(err)
		}
		if got != int64(1) {
			t.Fatalf("run %d: hits = %v, want 1", i, got)
		}
	}
}

func TestInvokeMethod(t *testing.T) {
	v, _ := newTestVM(t)
	s, err := v.CompileScript([]compiler.Source{{Name: "app", Text: `
def main() { return 0 }
def add(a, b = 10) { return a + b }`}})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Invoke(context.Background(), "app", "add", int64(1), int64(2))
	if err != nil || got != int64(3) {
		t.Errorf("add(1, 2) = %v, %v", got, err)
	}
	got, err = s.Invoke(context.Background(), "app", "add", int64(1))
	if err != nil || got != int64(11) {
		t.Errorf("add(1) = %v, %v", got, err)
	}
	if _, err := s.Invoke(context.Background(), "app", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing method err = %v", err)
	}
	if _, err := s.Invoke(context.Background(), "app", "add"); err == nil {
		t.Error("add() with no arguments succeeded")
	}
}

// ---------------------------------------------------------------------------
// Language semantics
// ---------------------------------------------------------------------------

func TestClosureCounter(t *testing.T) {
	got := mustRun(t, `
def counter(start = 0) {
    var n = start
    def next() { n += 1; return n }
    return next
}
def main() {
    var c = counter(10)
    var d = counter()
    c()
    c()
    d()
    return c() * 100 + d()
}`)
	if got != int64(1302) {
		t.Errorf("got %v, want 1302", got)
	}
}

func TestAnonymousMethods(t *testing.T) {
	got := mustRun(t, `
def main() {
    var factor = 3
    var xs = [1, 2, 3, 4].map(def (x) { return x * factor })
    return xs.filter(def (x) { return x % 2 == 0 })
}`)
	if !Equal(got, NewList(int64(6), int64(12))) {
		t.Errorf("got %s", Repr(got))
	}
}

func TestLoops(t *testing.T) {
	got := mustRun(t, `
def main() {
    var total = 0
    for (i in range(10)) {
        if i == 8 { break }
        if i % 2 == 1 { continue }
        total += i
    }
    var n = 0
    while n < 5 { n += 1 }
    var keys = ""
    for k in {"a": 1, "b": 2} { keys += k }
    return [total, n, keys]
}`)
	if !Equal(got, NewList(int64(12), int64(5), "ab")) {
		t.Errorf("got %s", Repr(got))
	}
}

func TestClassesTraitsAndSharedMembers(t *testing.T) {
	got := mustRun(t, `
trait Greeter {
    def greet() { return "hi " + name }
}

class Person(name) with Greeter {
    shared var count = 0
    var nick = "anon"

    shared def make(n) {
        count += 1
        return new Person(n)
    }

    def rename(n) { name = n; return this }
}

def main() {
    var a = Person.make("ann")
    var b = Person.make("bob").rename("rob")
    return [a.greet(), b.greet(), Person.count, a.nick]
}`)
	want := NewList("hi ann", "hi rob", int64(2), "anon")
	if !Equal(got, want) {
		t.Errorf("got %s, want %s", Repr(got), Repr(want))
	}
}

func TestTraitLinkFailureIsNotCached(t *testing.T) {
	v, _ := newTestVM(t)
	s, err := v.CompileScript([]compiler.Source{
		{Name: "shapes", Text: `trait Named { def label() { return "named" } }`},
		{Name: "lib", Text: "import shapes.{Named}\nclass Box with Named {}\ndef ping() { return \"pong\" }"},
		{Name: "app", Text: `
def main() {
    var out = []
    try { out.push(lib::ping()) } catch e { out.push(e.kind) }
    try { out.push(lib::ping()) } catch e { out.push(e.kind) }
    return out
}`},
	})
	if err != nil {
		t.Fatalf("CompileScript: %v", err)
	}
	// Stand in for a shapes build that no longer declares Named a trait.
	for _, m := range s.Modules() {
		if e, ok := m.Lookup("Named"); ok && m.Name == "shapes" {
			e.Flags &^= bytecode.FlagTrait
		}
	}
	got, err := s.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := NewList("RuntimeError", "RuntimeError")
	if !Equal(got, want) {
		t.Errorf("got %s, want %s", Repr(got), Repr(want))
	}
}

func TestBoundMethodValue(t *testing.T) {
	got := mustRun(t, `
class Acc(total) {
    def add(n) { total += n; return total }
}
def main() {
    var a = new Acc(1)
    var f = a.add
    f(2)
    return f(3)
}`)
	if got != int64(6) {
		t.Errorf("got %v, want 6", got)
	}
}

func TestTryCatchThrow(t *testing.T) {
	got := mustRun(t, `
def risky(n) {
    if n > 1 { throw "too big" }
    return n
}
def main() {
    var log = []
    try { log.push(risky(1)); log.push(risky(5)) } catch e { log.push("caught " + e) }
    return log
}`)
	if !Equal(got, NewList(int64(1), "caught too big")) {
		t.Errorf("got %s", Repr(got))
	}
}

func TestCatchLinkError(t *testing.T) {
	got := mustRun(t, `
def main() {
    try { return "x".nope(1) } catch e { return [e.kind, e.message] }
}`)
	l, ok := got.(*List)
	if !ok || len(l.Elems) != 2 {
		t.Fatalf("got %s", Repr(got))
	}
	if l.Elems[0] != "NoSuchMember" {
		t.Errorf("kind = %v", l.Elems[0])
	}
	if msg, _ := l.Elems[1].(string); !strings.Contains(msg, "nope(Int)") || !strings.Contains(msg, "String") {
		t.Errorf("message = %q, want receiver type and signature", msg)
	}
}

func TestUncaughtThrow(t *testing.T) {
	v, _ := newTestVM(t)
	_, err := runSource(t, v, `
def inner() { throw {"code": 7} }
def main() { inner() }`)
	var se *ScriptError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v (%T), want *ScriptError", err, err)
	}
	m, ok := se.Value.(*Map)
	if !ok {
		t.Fatalf("thrown value = %s", Repr(se.Value))
	}
	if code, _, _ := m.Get("code"); code != int64(7) {
		t.Errorf("code = %v", code)
	}
	if len(se.Trace) != 2 || !strings.HasPrefix(se.Trace[0], "inner") || !strings.HasPrefix(se.Trace[1], "main") {
		t.Errorf("trace = %v", se.Trace)
	}
}

func TestRethrowKeepsCause(t *testing.T) {
	v, _ := newTestVM(t)
	_, err := runSource(t, v, `
def main() {
    try { [1].missing() } catch e { throw e }
}`)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound through the rethrow", err)
	}
}

func TestPrintAndSysArgs(t *testing.T) {
	v, out := newTestVM(t)
	s, err := v.CompileScript([]compiler.Source{{Name: "app", Text: `
import sys.{args}
def main(argv) {
    print("argc", len(argv))
    sys::print("first", args[0])
    return argv == args
}`}})
	if err != nil {
		t.Fatalf("CompileScript: %v", err)
	}
	got, err := s.Run(context.Background(), []string{"one", "two"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != true {
		t.Errorf("argv == sys.args is %v", got)
	}
	if want := "argc 2\nfirst one\n"; out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestSysEnv(t *testing.T) {
	v, _ := newTestVM(t, WithGetenv(func(k string) string {
		if k == "HOME" {
			return "/home/q"
		}
		return ""
	}))
	got, err := runSource(t, v, `def main() { return [sys::env("HOME"), sys::env("NOPE", "dflt"), sys::env("NOPE")] }`)
	if err != nil {
		t.Fatal(err)
	}
	if !Equal(got, NewList("/home/q", "dflt", nil)) {
		t.Errorf("got %s", Repr(got))
	}
}
