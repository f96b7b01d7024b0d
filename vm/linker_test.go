package vm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/chazu/quill/compiler"
)

// vaultModule is a native module whose class stands in for a host
// capability a sandbox should be able to withhold.
func vaultModule() *NativeModule {
	secret := &NativeClass{
		Name: "Secret",
		Methods: []*NativeMethod{
			{Name: "reveal", Returns: String, Fn: func(_ *Env, recv Value, _ []Value) (Value, error) {
				return recv.(*NativeObject).Value.(*secretBox).text, nil
			}},
			{Name: "describe", Returns: String, Fn: func(_ *Env, _ Value, _ []Value) (Value, error) {
				return "table", nil
			}},
			{Name: "hint", Returns: String, AlwaysLink: true, Fn: func(_ *Env, recv Value, _ []Value) (Value, error) {
				return recv.(*NativeObject).Value.(*secretBox).text[:1], nil
			}},
		},
		Fields: []*NativeField{
			{
				Name: "uses",
				Type: Int,
				Get: func(recv Value) (Value, error) {
					return recv.(*NativeObject).Value.(*secretBox).uses, nil
				},
				Set: func(recv Value, v Value) error {
					recv.(*NativeObject).Value.(*secretBox).uses = v.(int64)
					return nil
				},
			},
		},
	}
	secret.Constructors = []*NativeMethod{
		{Name: "Secret", Params: []Type{String}, Fn: func(_ *Env, _ Value, args []Value) (Value, error) {
			return secret.NewObject(&secretBox{text: args[0].(string)}), nil
		}},
	}
	return &NativeModule{
		Name:    "vault",
		Classes: []*NativeClass{secret},
		Functions: []*NativeMethod{
			{Name: "open", Params: []Type{String}, Returns: ObjectOf("Secret"), Fn: func(_ *Env, _ Value, args []Value) (Value, error) {
				return secret.NewObject(&secretBox{text: args[0].(string)}), nil
			}},
		},
	}
}

type secretBox struct {
	text string
	uses int64
}

// kindsModule declares overloads in the given order.
func kindsModule(intFirst bool) NativeFactory {
	return func() *NativeModule {
		intKind := &NativeMethod{Name: "kind", Params: []Type{Int}, Fn: func(*Env, Value, []Value) (Value, error) {
			return "int", nil
		}}
		numKind := &NativeMethod{Name: "kind", Params: []Type{Number}, Fn: func(*Env, Value, []Value) (Value, error) {
			return "number", nil
		}}
		fns := []*NativeMethod{numKind, intKind}
		if intFirst {
			fns = []*NativeMethod{intKind, numKind}
		}
		return &NativeModule{Name: "kinds", Functions: fns}
	}
}

// ---------------------------------------------------------------------------
// Policy
// ---------------------------------------------------------------------------

func verdictEntry(label string, v Verdict) PolicyEntry {
	return EntryFunc{Label: label, Fn: func(Request) Verdict { return v }}
}

func TestPolicyFirstOpinionWins(t *testing.T) {
	req := Request{Access: AccessCall, Module: "vault", Class: "Secret", Member: "reveal"}
	tests := []struct {
		name       string
		policy     *LinkingPolicy
		want       Verdict
		wantSource string
	}{
		{
			name:       "unspecified then denied under allowing default",
			policy:     NewPermissivePolicy(verdictEntry("quiet", Unspecified), verdictEntry("deny", Denied)),
			want:       Denied,
			wantSource: "deny",
		},
		{
			name:       "denied then unspecified under allowing default",
			policy:     NewPermissivePolicy(verdictEntry("deny", Denied), verdictEntry("quiet", Unspecified)),
			want:       Denied,
			wantSource: "deny",
		},
		{
			name:       "allowed before denied",
			policy:     NewSandboxPolicy(verdictEntry("allow", Allowed), verdictEntry("deny", Denied)),
			want:       Allowed,
			wantSource: "allow",
		},
		{
			name:       "no opinion under denying default",
			policy:     NewSandboxPolicy(verdictEntry("quiet", Unspecified)),
			want:       Denied,
			wantSource: "default (denying)",
		},
		{
			name:       "no entries under allowing default",
			policy:     NewPermissivePolicy(),
			want:       Allowed,
			wantSource: "default (allowing)",
		},
		{
			name:   "nil policy",
			policy: nil,
			want:   Allowed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tt.policy.Decide(req)
			if d.Verdict != tt.want {
				t.Errorf("verdict = %s, want %s", d.Verdict, tt.want)
			}
			if tt.wantSource != "" && d.Source != tt.wantSource {
				t.Errorf("source = %q, want %q", d.Source, tt.wantSource)
			}
		})
	}
}

func TestRuleCoverage(t *testing.T) {
	tests := []struct {
		rule *Rule
		req  Request
		want bool
	}{
		{&Rule{Module: "vault"}, Request{Module: "vault", Class: "Secret", Member: "reveal"}, true},
		{&Rule{Module: "vault", Class: "Key"}, Request{Module: "vault", Class: "Secret"}, false},
		{&Rule{Members: []string{"reveal"}}, Request{Module: "x", Member: "reveal"}, true},
		{&Rule{Members: []string{"reveal"}}, Request{Module: "x", Member: "hide"}, false},
		{&Rule{Access: []Access{AccessNew}}, Request{Access: AccessCall}, false},
		{&Rule{Access: []Access{AccessNew, AccessCall}}, Request{Access: AccessCall}, true},
	}
	for _, tt := range tests {
		if got := tt.rule.Covers(tt.req); got != tt.want {
			t.Errorf("%s covers %s = %v, want %v", tt.rule.Name(), tt.req, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Sandboxing
// ---------------------------------------------------------------------------

const vaultScript = `
import vault.{Secret, open}
def main() {
    var s = new Secret("xyzzy")
    return s.reveal()
}
def viaFunction() { return open("plugh").reveal() }
def builtins() { return ["abc".upper(), [3, 1].sort(), {"k": 1}.keys()] }
def hinted(s) { return s.hint() }
`

func compileVault(t *testing.T, opts ...ScriptOption) *Script {
	t.Helper()
	v, _ := newTestVM(t, WithNative("vault", vaultModule))
	s, err := v.CompileScript([]compiler.Source{{Name: "app", Text: vaultScript}}, opts...)
	if err != nil {
		t.Fatalf("CompileScript: %v", err)
	}
	return s
}

func TestSandboxDeniesNativeClass(t *testing.T) {
	s := compileVault(t, Sandboxed())
	_, err := s.Run(context.Background(), nil)
	if err == nil {
		t.Fatal("sandboxed script instantiated a native class")
	}
	if !errors.Is(err, ErrDenied) {
		t.Errorf("err = %v, want ErrDenied", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Errorf("denial reported as not found: %v", err)
	}
	var le *LinkError
	if !errors.As(err, &le) || le.Access != AccessNew || le.Decision.Source != "default (denying)" {
		t.Errorf("link error = %+v", le)
	}

	_, err = s.Invoke(context.Background(), "app", "viaFunction")
	if !errors.Is(err, ErrDenied) || errors.Is(err, ErrNotFound) {
		t.Errorf("module function err = %v, want ErrDenied", err)
	}
}

func TestSandboxGatesNativeVars(t *testing.T) {
	hostcfg := func() *NativeModule {
		return &NativeModule{
			Name: "hostcfg",
			Vars: []*NativeVar{
				{Name: "token", Value: "s3cret", Final: true},
				{Name: "region", Value: "eu", Final: true, AlwaysLink: true},
			},
		}
	}
	const src = `
import hostcfg.{token, region}
def main() { return token }
def where() { return region }
`
	compile := func(opts ...ScriptOption) *Script {
		v, _ := newTestVM(t, WithNative("hostcfg", hostcfg))
		s, err := v.CompileScript([]compiler.Source{{Name: "app", Text: src}}, opts...)
		if err != nil {
			t.Fatalf("CompileScript: %v", err)
		}
		return s
	}

	_, err := compile(Sandboxed()).Run(context.Background(), nil)
	if !errors.Is(err, ErrDenied) || errors.Is(err, ErrNotFound) {
		t.Fatalf("sandboxed read err = %v, want ErrDenied", err)
	}
	var le *LinkError
	if !errors.As(err, &le) || le.Access != AccessGetField || le.Member != "token" {
		t.Errorf("link error = %+v", le)
	}

	got, err := compile(Sandboxed()).Invoke(context.Background(), "app", "where")
	if err != nil || got != "eu" {
		t.Errorf("always-link var = %v, %v", got, err)
	}

	for _, opts := range [][]ScriptOption{
		nil,
		{Sandboxed(&Rule{Module: "hostcfg", Verdict: Allowed})},
	} {
		got, err := compile(opts...).Run(context.Background(), nil)
		if err != nil || got != "s3cret" {
			t.Errorf("allowed read = %v, %v", got, err)
		}
	}
}

func TestSandboxKeepsBuiltinTypes(t *testing.T) {
	s := compileVault(t, Sandboxed())
	got, err := s.Invoke(context.Background(), "app", "builtins")
	if err != nil {
		t.Fatalf("builtins() under sandbox: %v", err)
	}
	want := NewList("ABC", NewList(int64(1), int64(3)), NewList("k"))
	if !Equal(got, want) {
		t.Errorf("got %s, want %s", Repr(got), Repr(want))
	}
}

func TestSandboxAlwaysLinkMember(t *testing.T) {
	s := compileVault(t, Sandboxed())
	obj := vaultModule().Classes[0].NewObject(&secretBox{text: "abc"})
	got, err := s.Invoke(context.Background(), "app", "hinted", obj)
	if err != nil || got != "a" {
		t.Errorf("hint() = %v, %v", got, err)
	}
}

func TestSandboxWithAllowRule(t *testing.T) {
	s := compileVault(t, Sandboxed(&Rule{Module: "vault", Verdict: Allowed}))
	got, err := s.Run(context.Background(), nil)
	if err != nil || got != "xyzzy" {
		t.Fatalf("Run = %v, %v", got, err)
	}
	got, err = s.Invoke(context.Background(), "app", "viaFunction")
	if err != nil || got != "plugh" {
		t.Errorf("viaFunction = %v, %v", got, err)
	}
}

func TestPermissivePolicyMemberDeny(t *testing.T) {
	p := NewPermissivePolicy(&Rule{Module: "vault", Class: "Secret", Members: []string{"reveal"}, Verdict: Denied})
	s := compileVault(t, WithPolicy(p))
	_, err := s.Run(context.Background(), nil)
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("err = %v, want ErrDenied", err)
	}
	if !strings.Contains(err.Error(), "rule denied vault.Secret.[reveal]") {
		t.Errorf("error does not name the deciding entry: %v", err)
	}
}

func TestDeniedCallIsCatchable(t *testing.T) {
	v, _ := newTestVM(t, WithNative("vault", vaultModule))
	got, err := runSource(t, v, `
import vault.{Secret}
def main() {
    try { return new Secret("x") } catch e { return e.kind }
}`, Sandboxed())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "AccessDenied" {
		t.Errorf("caught kind = %v", got)
	}
}

// ---------------------------------------------------------------------------
// Resolution
// ---------------------------------------------------------------------------

func TestOverloadFirstStructuralMatch(t *testing.T) {
	tests := []struct {
		name     string
		intFirst bool
		arg      Value
		want     Value
	}{
		{"int overload first, int arg", true, int64(1), "int"},
		{"int overload first, float arg", true, 1.5, "number"},
		{"number overload first, int arg", false, int64(1), "number"},
		{"number overload first, float arg", false, 1.5, "number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _ := newTestVM(t, WithNative("kinds", kindsModule(tt.intFirst)))
			got, err := v.NewScript("kinds").Invoke(context.Background(), "kinds", "kind", tt.arg)
			if err != nil {
				t.Fatalf("kind: %v", err)
			}
			if got != tt.want {
				t.Errorf("kind(%v) = %v, want %v", tt.arg, got, tt.want)
			}
		})
	}
}

func TestNoMatchingOverload(t *testing.T) {
	v, _ := newTestVM(t, WithNative("kinds", kindsModule(true)))
	_, err := v.NewScript("kinds").Invoke(context.Background(), "kinds", "kind", "str")
	if !errors.Is(err, ErrNotFound) || errors.Is(err, ErrDenied) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if !strings.Contains(err.Error(), "kind(String)") || !strings.Contains(err.Error(), "kinds") {
		t.Errorf("error lacks receiver or signature: %v", err)
	}
}

func TestOverrideTakesPrecedence(t *testing.T) {
	src := `
import vault.{open}
def main() { return open("x").describe() }`

	v, _ := newTestVM(t, WithNative("vault", vaultModule))
	got, err := runSource(t, v, src)
	if err != nil || got != "table" {
		t.Fatalf("without override: %v, %v", got, err)
	}

	o := &Override{
		Name: "describe",
		Match: func(recv Value, args []Value) bool {
			_, ok := recv.(*NativeObject)
			return ok && len(args) == 0
		},
		Fn: func(Value, []Value) (Value, error) { return "override", nil },
	}
	v2, _ := newTestVM(t, WithNative("vault", vaultModule))
	got, err = runSource(t, v2, src, WithOverride(o))
	if err != nil || got != "override" {
		t.Errorf("with override: %v, %v", got, err)
	}
}

func TestNativeFields(t *testing.T) {
	v, _ := newTestVM(t, WithNative("vault", vaultModule))
	got, err := runSource(t, v, `
import vault.{open}
def main() {
    var s = open("x")
    s.uses = 4
    s.uses += 1
    var failed = false
    try { s.uses = "many" } catch e { failed = e.kind == "NoSuchMember" }
    return [s.uses, failed]
}`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !Equal(got, NewList(int64(5), true)) {
		t.Errorf("got %s", Repr(got))
	}
}

func TestNativeMethodAsValue(t *testing.T) {
	v, _ := newTestVM(t, WithNative("vault", vaultModule))
	got, err := runSource(t, v, `
import vault.{open}
def main() {
    var r = open("abc").reveal
    return r()
}`, Sandboxed(&Rule{Module: "vault", Verdict: Allowed}))
	if err != nil || got != "abc" {
		t.Errorf("got %v, %v", got, err)
	}
}

func TestNativeInstancesArePerExecution(t *testing.T) {
	factory := func() *NativeModule {
		n := int64(0)
		return &NativeModule{
			Name: "tally",
			Functions: []*NativeMethod{{Name: "bump", Fn: func(*Env, Value, []Value) (Value, error) {
				n++
				return n, nil
			}}},
		}
	}
	v, _ := newTestVM(t, WithNative("tally", factory))
	s, err := v.CompileScript([]compiler.Source{{Name: "app", Text: `
def main() { tally::bump(); return tally::bump() }`}})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		got, err := s.Run(context.Background(), nil)
		if err != nil || got != int64(2) {
			t.Fatalf("run %d = %v, %v", i, got, err)
		}
	}

	shared := factory()
	s2, err := v.CompileScript([]compiler.Source{{Name: "app2", Text: `
def main() { return tally::bump() }`}}, WithShared(shared))
	if err != nil {
		t.Fatal(err)
	}
	for want := int64(1); want <= 3; want++ {
		got, err := s2.Run(context.Background(), nil)
		if err != nil || got != want {
			t.Fatalf("shared run = %v, %v, want %d", got, err, want)
		}
	}
}
