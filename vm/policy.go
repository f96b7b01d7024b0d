package vm

import "fmt"

// ---------------------------------------------------------------------------
// LinkingPolicy: access control for host functionality
// ---------------------------------------------------------------------------

// Verdict is a policy entry's opinion about a request.
type Verdict int

const (
	Unspecified Verdict = iota
	Allowed
	Denied
)

func (v Verdict) String() string {
	switch v {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	}
	return "unspecified"
}

// Mode is the verdict a policy falls back to when no entry opines.
type Mode int

const (
	Allowing Mode = iota
	Denying
)

func (m Mode) String() string {
	if m == Denying {
		return "denying"
	}
	return "allowing"
}

// Access is the kind of operation being linked.
type Access int

const (
	AccessCall Access = iota
	AccessGetField
	AccessSetField
	AccessNew
)

func (a Access) String() string {
	switch a {
	case AccessGetField:
		return "get"
	case AccessSetField:
		return "set"
	case AccessNew:
		return "new"
	}
	return "call"
}

// Request describes one resolved host operation. Class is empty for
// module-level native functions.
type Request struct {
	Access Access
	Module string
	Class  string
	Member string
	Shared bool
}

func (r Request) String() string {
	target := r.Module
	if r.Class != "" {
		target += "." + r.Class
	}
	return fmt.Sprintf("%s %s.%s", r.Access, target, r.Member)
}

// PolicyEntry evaluates requests. It returns Unspecified for requests it
// does not cover.
type PolicyEntry interface {
	Name() string
	Evaluate(r Request) Verdict
}

// Decision records the verdict a policy reached and what produced it.
type Decision struct {
	Verdict Verdict
	Source  string // entry name, or "default (mode)"
}

// LinkingPolicy is an ordered list of entries plus a default mode. The
// first entry with an opinion decides.
type LinkingPolicy struct {
	Default Mode
	Entries []PolicyEntry
}

// NewPermissivePolicy creates a policy that allows everything no entry
// denies.
func NewPermissivePolicy(entries ...PolicyEntry) *LinkingPolicy {
	return &LinkingPolicy{Default: Allowing, Entries: entries}
}

// NewSandboxPolicy creates a policy that denies everything no entry
// allows.
func NewSandboxPolicy(entries ...PolicyEntry) *LinkingPolicy {
	return &LinkingPolicy{Default: Denying, Entries: entries}
}

// NewRestrictedPolicy creates a sandbox policy that only allows the
// listed native modules.
func NewRestrictedPolicy(modules []string) *LinkingPolicy {
	p := NewSandboxPolicy()
	for _, m := range modules {
		p.Allow(m, "")
	}
	return p
}

// Decide evaluates a request. A nil policy allows everything.
func (p *LinkingPolicy) Decide(r Request) Decision {
	if p == nil {
		return Decision{Verdict: Allowed, Source: "no policy"}
	}
	for _, e := range p.Entries {
		if v := e.Evaluate(r); v != Unspecified {
			return Decision{Verdict: v, Source: e.Name()}
		}
	}
	if p.Default == Denying {
		return Decision{Verdict: Denied, Source: "default (denying)"}
	}
	return Decision{Verdict: Allowed, Source: "default (allowing)"}
}

// Add appends an entry; it is consulted after the existing ones.
func (p *LinkingPolicy) Add(e PolicyEntry) {
	p.Entries = append(p.Entries, e)
}

// Allow appends a rule allowing every access to a native module, or to
// one class of it when class is not empty.
func (p *LinkingPolicy) Allow(module, class string) {
	p.Add(&Rule{Module: module, Class: class, Verdict: Allowed})
}

// Deny appends a rule denying every access to a native module, or to one
// class of it when class is not empty.
func (p *LinkingPolicy) Deny(module, class string) {
	p.Add(&Rule{Module: module, Class: class, Verdict: Denied})
}

// ---------------------------------------------------------------------------
// Entries
// ---------------------------------------------------------------------------

// Rule is a declarative entry: it covers requests whose module, class,
// member and access match, and answers with Verdict. Empty Module, Class
// or Members match anything; an empty Access list matches every access.
type Rule struct {
	Module  string
	Class   string
	Members []string
	Access  []Access
	Verdict Verdict
}

func (r *Rule) Name() string {
	target := r.Module
	if target == "" {
		target = "*"
	}
	if r.Class != "" {
		target += "." + r.Class
	}
	if len(r.Members) > 0 {
		target += fmt.Sprintf(".%v", r.Members)
	}
	return fmt.Sprintf("rule %s %s", r.Verdict, target)
}

// Covers reports whether the rule applies to a request.
func (r *Rule) Covers(req Request) bool {
	if r.Module != "" && r.Module != req.Module {
		return false
	}
	if r.Class != "" && r.Class != req.Class {
		return false
	}
	if len(r.Members) > 0 && !contains(r.Members, req.Member) {
		return false
	}
	if len(r.Access) > 0 {
		found := false
		for _, a := range r.Access {
			if a == req.Access {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (r *Rule) Evaluate(req Request) Verdict {
	if !r.Covers(req) {
		return Unspecified
	}
	return r.Verdict
}

// EntryFunc adapts a function to a PolicyEntry.
type EntryFunc struct {
	Label string
	Fn    func(Request) Verdict
}

func (e EntryFunc) Name() string               { return e.Label }
func (e EntryFunc) Evaluate(r Request) Verdict { return e.Fn(r) }

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
