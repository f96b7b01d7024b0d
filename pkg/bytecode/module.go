package bytecode

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Module: the unit of compilation output, persistence and loading
// ---------------------------------------------------------------------------

// FormatVersion is the current binary module format version.
// v1: initial format
const FormatVersion uint32 = 1

// Magic bytes for binary module files: "QUIL".
var Magic = [4]byte{'Q', 'U', 'I', 'L'}

// ModuleFlags are header flags of a binary module.
type ModuleFlags uint32

const (
	ModuleFlagNone   ModuleFlags = 0
	ModuleFlagSource ModuleFlags = 1 << 0 // source text is embedded
)

// InitMethod is the name of the synthesized method holding a module's
// top-level statements. It is always Methods[0].
const InitMethod = "<init>"

// NoMethod marks a namespace entry that has no method body.
const NoMethod = -1

// Module is a compiled module. It is produced once by the code generator
// and treated as immutable afterwards; a single instance may be shared by
// any number of concurrently running scripts.
type Module struct {
	Name      string
	Flags     ModuleFlags
	Constants []Constant
	Namespace []Entry
	Methods   []*Method
	Imports   []Import
	Source    string // only when ModuleFlagSource is set
}

// Lookup returns the top-level namespace entry with the given name.
func (m *Module) Lookup(name string) (*Entry, bool) {
	for i := range m.Namespace {
		if m.Namespace[i].Name == name {
			return &m.Namespace[i], true
		}
	}
	return nil, false
}

// Constant returns the constant at the given pool index.
func (m *Module) Constant(idx int) (Constant, error) {
	if idx < 0 || idx >= len(m.Constants) {
		return Constant{}, fmt.Errorf("constant index %d out of range (%d constants)", idx, len(m.Constants))
	}
	return m.Constants[idx], nil
}

// ConstantString returns the string constant at idx. Names referenced by
// instructions are always string constants.
func (m *Module) ConstantString(idx int) (string, error) {
	c, err := m.Constant(idx)
	if err != nil {
		return "", err
	}
	if c.Kind != ConstString {
		return "", fmt.Errorf("constant %d is %s, not string", idx, c.Kind)
	}
	return c.Str, nil
}

// Method returns the method at the given index.
func (m *Module) Method(idx int) (*Method, error) {
	if idx < 0 || idx >= len(m.Methods) {
		return nil, fmt.Errorf("method index %d out of range (%d methods)", idx, len(m.Methods))
	}
	return m.Methods[idx], nil
}

// FindMethod returns the index of the method compiled from the named symbol.
func (m *Module) FindMethod(symbol string) int {
	for i, meth := range m.Methods {
		if meth.Symbol == symbol {
			return i
		}
	}
	return NoMethod
}

// Hash returns the SHA-256 content hash of the module's encoding.
func Hash(m *Module) ([32]byte, error) {
	data, err := Marshal(m)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// ---------------------------------------------------------------------------
// Namespace entries
// ---------------------------------------------------------------------------

// EntryKind identifies what a namespace entry names.
type EntryKind uint8

const (
	EntryVariable EntryKind = 1
	EntryMethod   EntryKind = 2
	EntryClass    EntryKind = 3
)

func (k EntryKind) String() string {
	switch k {
	case EntryVariable:
		return "variable"
	case EntryMethod:
		return "method"
	case EntryClass:
		return "class"
	}
	return fmt.Sprintf("EntryKind(%d)", uint8(k))
}

// Flags are declaration modifiers carried by namespace entries.
type Flags uint8

const (
	FlagFinal  Flags = 1 << 0
	FlagShared Flags = 1 << 1
	FlagTrait  Flags = 1 << 2
)

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

func (f Flags) String() string {
	s := ""
	if f.Has(FlagFinal) {
		s += "final "
	}
	if f.Has(FlagShared) {
		s += "shared "
	}
	if f.Has(FlagTrait) {
		s += "trait "
	}
	if s == "" {
		return "-"
	}
	return s[:len(s)-1]
}

// Entry is one name exposed by a module or class namespace.
//
// Method entries point at Module.Methods via Method. Class entries list
// their instance fields, the traits they mix in and their members
// (methods and shared variables) as a nested namespace.
type Entry struct {
	Name    string
	Kind    EntryKind
	Flags   Flags
	Method  int
	Fields  []string
	Traits  []string
	Members []Entry
}

// Member returns the class member with the given name.
func (e *Entry) Member(name string) (*Entry, bool) {
	for i := range e.Members {
		if e.Members[i].Name == name {
			return &e.Members[i], true
		}
	}
	return nil, false
}

// ---------------------------------------------------------------------------
// Methods
// ---------------------------------------------------------------------------

// ExceptionRange maps a protected instruction range [Start, End) to the
// offset of its handler.
type ExceptionRange struct {
	Start   uint32
	End     uint32
	Handler uint32
}

// LineEntry maps an instruction offset to a source line.
type LineEntry struct {
	PC   uint32
	Line uint32
}

// Method is a compiled method body.
type Method struct {
	Name          string // display name (e.g. "Point.len")
	Symbol        string // declaring symbol name
	Args          uint16 // declared parameters
	Defaults      uint16 // trailing parameters with default values
	Locals        uint16 // frame size, parameters included
	UpvalueRefs   uint16 // upvalues received from enclosing methods
	UpvalueLocals uint16 // locals captured by inner methods
	Code          []byte
	Exceptions    []ExceptionRange
	Debug         []LineEntry
}

// LineFor returns the source line for an instruction offset, or 0.
func (m *Method) LineFor(pc int) int {
	line := 0
	for _, e := range m.Debug {
		if int(e.PC) > pc {
			break
		}
		line = int(e.Line)
	}
	return line
}

// HandlerFor returns the handler offset of the innermost exception range
// covering pc. Ranges are recorded innermost first.
func (m *Method) HandlerFor(pc int) (int, bool) {
	for _, r := range m.Exceptions {
		if uint32(pc) >= r.Start && uint32(pc) < r.End {
			return int(r.Handler), true
		}
	}
	return 0, false
}

// RequiredArgs returns the minimum number of arguments a call must supply.
func (m *Method) RequiredArgs() int {
	return int(m.Args) - int(m.Defaults)
}

// ---------------------------------------------------------------------------
// Imports
// ---------------------------------------------------------------------------

// Import records one import declaration. Aliases is parallel to Symbols;
// an empty alias means the symbol is bound under its own name.
type Import struct {
	Module  string
	All     bool
	Symbols []string
	Aliases []string
}

// BindingName returns the local name symbol i is bound to.
func (imp *Import) BindingName(i int) string {
	if i < len(imp.Aliases) && imp.Aliases[i] != "" {
		return imp.Aliases[i]
	}
	return imp.Symbols[i]
}

// ---------------------------------------------------------------------------
// Constants
// ---------------------------------------------------------------------------

// ConstKind tags a constant pool value.
type ConstKind uint8

const (
	ConstInt    ConstKind = 1
	ConstFloat  ConstKind = 2
	ConstString ConstKind = 3
	ConstBool   ConstKind = 4
)

func (k ConstKind) String() string {
	switch k {
	case ConstInt:
		return "int"
	case ConstFloat:
		return "float"
	case ConstString:
		return "string"
	case ConstBool:
		return "bool"
	}
	return fmt.Sprintf("ConstKind(%d)", uint8(k))
}

// Constant is a literal in the constant pool.
type Constant struct {
	Kind  ConstKind
	Int   int64
	Float float64
	Str   string
	Bool  bool
}

func IntConst(v int64) Constant     { return Constant{Kind: ConstInt, Int: v} }
func FloatConst(v float64) Constant { return Constant{Kind: ConstFloat, Float: v} }
func StringConst(v string) Constant { return Constant{Kind: ConstString, Str: v} }
func BoolConst(v bool) Constant     { return Constant{Kind: ConstBool, Bool: v} }

// Value returns the constant as a plain Go value.
func (c Constant) Value() interface{} {
	switch c.Kind {
	case ConstInt:
		return c.Int
	case ConstFloat:
		return c.Float
	case ConstString:
		return c.Str
	case ConstBool:
		return c.Bool
	}
	return nil
}

func (c Constant) String() string {
	switch c.Kind {
	case ConstString:
		return fmt.Sprintf("%q", c.Str)
	default:
		return fmt.Sprintf("%v", c.Value())
	}
}

// constKey identifies a constant for deduplication. Floats compare by bit
// pattern so that NaN and -0.0 deduplicate correctly.
type constKey struct {
	kind ConstKind
	bits uint64
	str  string
}

func keyOf(c Constant) constKey {
	k := constKey{kind: c.Kind}
	switch c.Kind {
	case ConstInt:
		k.bits = uint64(c.Int)
	case ConstFloat:
		k.bits = math.Float64bits(c.Float)
	case ConstString:
		k.str = c.Str
	case ConstBool:
		if c.Bool {
			k.bits = 1
		}
	}
	return k
}

// ConstantPool accumulates deduplicated constants during code generation.
type ConstantPool struct {
	items []Constant
	index map[constKey]uint16
}

// NewConstantPool creates an empty pool.
func NewConstantPool() *ConstantPool {
	return &ConstantPool{index: make(map[constKey]uint16)}
}

// Add adds a constant and returns its index. Equal constants share an index.
func (p *ConstantPool) Add(c Constant) (uint16, error) {
	k := keyOf(c)
	if idx, ok := p.index[k]; ok {
		return idx, nil
	}
	if len(p.items) > math.MaxUint16 {
		return 0, fmt.Errorf("constant pool overflow (%d entries)", len(p.items))
	}
	idx := uint16(len(p.items))
	p.items = append(p.items, c)
	p.index[k] = idx
	return idx, nil
}

// Len returns the number of constants.
func (p *ConstantPool) Len() int { return len(p.items) }

// Constants returns the pool contents in index order.
func (p *ConstantPool) Constants() []Constant {
	out := make([]Constant, len(p.items))
	copy(out, p.items)
	return out
}

// ---------------------------------------------------------------------------
// CodeBuilder: instruction emission with jump patching
// ---------------------------------------------------------------------------

// CodeBuilder assembles a method's instruction bytes, exception ranges and
// line table.
type CodeBuilder struct {
	code       []byte
	exceptions []ExceptionRange
	debug      []LineEntry
}

// NewCodeBuilder creates an empty builder.
func NewCodeBuilder() *CodeBuilder {
	return &CodeBuilder{code: make([]byte, 0, 64)}
}

// Offset returns the offset the next instruction will be written at.
func (b *CodeBuilder) Offset() int { return len(b.code) }

// Emit appends an opcode without operands.
func (b *CodeBuilder) Emit(op Opcode) int {
	off := len(b.code)
	b.code = append(b.code, byte(op))
	return off
}

// EmitU8 appends an opcode with a single byte operand.
func (b *CodeBuilder) EmitU8(op Opcode, v uint8) int {
	off := b.Emit(op)
	b.code = append(b.code, v)
	return off
}

// EmitU16 appends an opcode with a 16-bit operand.
func (b *CodeBuilder) EmitU16(op Opcode, v uint16) int {
	off := b.Emit(op)
	b.code = binary.BigEndian.AppendUint16(b.code, v)
	return off
}

// EmitU16U8 appends an opcode with a 16-bit and an 8-bit operand.
func (b *CodeBuilder) EmitU16U8(op Opcode, v uint16, w uint8) int {
	off := b.EmitU16(op, v)
	b.code = append(b.code, w)
	return off
}

// EmitU16U16 appends an opcode with two 16-bit operands.
func (b *CodeBuilder) EmitU16U16(op Opcode, v, w uint16) int {
	off := b.EmitU16(op, v)
	b.code = binary.BigEndian.AppendUint16(b.code, w)
	return off
}

// EmitCapture appends one OpClosure capture descriptor.
func (b *CodeBuilder) EmitCapture(isLocal bool, index uint16) {
	var flag byte
	if isLocal {
		flag = 1
	}
	b.code = append(b.code, flag)
	b.code = binary.BigEndian.AppendUint16(b.code, index)
}

// EmitJump emits a jump-family instruction with a placeholder target and
// returns the offset of the placeholder for later patching.
func (b *CodeBuilder) EmitJump(op Opcode) int {
	b.Emit(op)
	pos := len(b.code)
	b.code = append(b.code, 0xFF, 0xFF, 0xFF, 0xFF)
	return pos
}

// EmitJumpIfSet emits OpJumpIfSet for a parameter slot and returns the
// placeholder offset of its target.
func (b *CodeBuilder) EmitJumpIfSet(slot uint16) int {
	b.EmitU16(OpJumpIfSet, slot)
	pos := len(b.code)
	b.code = append(b.code, 0xFF, 0xFF, 0xFF, 0xFF)
	return pos
}

// EmitJumpTo emits a jump-family instruction to a known target.
func (b *CodeBuilder) EmitJumpTo(op Opcode, target int) {
	b.Emit(op)
	b.code = binary.BigEndian.AppendUint32(b.code, uint32(target))
}

// PatchJump points the placeholder at the current offset.
func (b *CodeBuilder) PatchJump(placeholder int) {
	b.PatchJumpTo(placeholder, len(b.code))
}

// PatchJumpTo points the placeholder at target.
func (b *CodeBuilder) PatchJumpTo(placeholder, target int) {
	binary.BigEndian.PutUint32(b.code[placeholder:], uint32(target))
}

// MarkLine records that code emitted from here on belongs to line.
// Consecutive marks for the same line are collapsed.
func (b *CodeBuilder) MarkLine(line int) {
	if line <= 0 {
		return
	}
	pc := uint32(len(b.code))
	if n := len(b.debug); n > 0 {
		last := &b.debug[n-1]
		if last.Line == uint32(line) {
			return
		}
		if last.PC == pc {
			last.Line = uint32(line)
			return
		}
	}
	b.debug = append(b.debug, LineEntry{PC: pc, Line: uint32(line)})
}

// AddHandler records a protected range. Inner ranges must be added before
// the ranges enclosing them.
func (b *CodeBuilder) AddHandler(start, end, handler int) {
	b.exceptions = append(b.exceptions, ExceptionRange{
		Start:   uint32(start),
		End:     uint32(end),
		Handler: uint32(handler),
	})
}

// Code returns the assembled instruction bytes.
func (b *CodeBuilder) Code() []byte { return b.code }

// Exceptions returns the recorded exception ranges.
func (b *CodeBuilder) Exceptions() []ExceptionRange { return b.exceptions }

// Debug returns the line table.
func (b *CodeBuilder) Debug() []LineEntry { return b.debug }

// ReadU16 decodes a 16-bit operand.
func ReadU16(code []byte, at int) uint16 { return binary.BigEndian.Uint16(code[at:]) }

// ReadU32 decodes a 32-bit operand.
func ReadU32(code []byte, at int) uint32 { return binary.BigEndian.Uint32(code[at:]) }
