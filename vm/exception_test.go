package vm

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestLinkErrorKinds(t *testing.T) {
	notFound := &LinkError{Kind: LinkNotFound, Access: AccessCall, Receiver: "String", Member: "frob(Int)"}
	denied := &LinkError{
		Kind: LinkDenied, Access: AccessCall, Receiver: "Secret", Member: "reveal()",
		Decision: Decision{Verdict: Denied, Source: "default (denying)"},
	}

	if !errors.Is(notFound, ErrNotFound) || errors.Is(notFound, ErrDenied) {
		t.Error("not-found error matches the wrong sentinel")
	}
	if !errors.Is(denied, ErrDenied) || errors.Is(denied, ErrNotFound) {
		t.Error("denied error matches the wrong sentinel")
	}
	if got := notFound.Error(); got != "no method frob(Int) on String" {
		t.Errorf("not found message = %q", got)
	}
	if got := denied.Error(); !strings.Contains(got, "Secret.reveal()") || !strings.Contains(got, "default (denying)") {
		t.Errorf("denied message = %q", got)
	}
}

func TestFaultKinds(t *testing.T) {
	tests := []struct {
		err  error
		kind string
	}{
		{&LinkError{Kind: LinkNotFound}, "NoSuchMember"},
		{fmt.Errorf("wrapped: %w", &LinkError{Kind: LinkDenied}), "AccessDenied"},
		{fmt.Errorf("%w in f", ErrStackOverflow), "StackOverflow"},
		{errDivByZero, "RuntimeError"},
	}
	for _, tt := range tests {
		se := fault(tt.err)
		ev, ok := se.Value.(*ErrorValue)
		if !ok || ev.Kind != tt.kind {
			t.Errorf("fault(%v) kind = %+v, want %s", tt.err, se.Value, tt.kind)
		}
		if !errors.Is(se, tt.err) {
			t.Errorf("fault(%v) lost its cause", tt.err)
		}
		if fault(se) != se {
			t.Error("fault re-wrapped a script error")
		}
	}
}

func TestScriptErrorMessage(t *testing.T) {
	se := thrown("boom")
	se.Trace = []string{"inner (line 2)", "main (line 5)"}
	want := "uncaught exception: boom\n    at inner (line 2)\n    at main (line 5)"
	if got := se.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if se.Unwrap() != nil {
		t.Error("thrown value has a Go cause")
	}
}

func TestModuleLoadErrorMessage(t *testing.T) {
	if got := (&ModuleLoadError{Name: "net"}).Error(); got != "module net not found" {
		t.Errorf("got %q", got)
	}
	cause := errors.New("disk on fire")
	err := &ModuleLoadError{Name: "net", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("cause not unwrapped")
	}
}
