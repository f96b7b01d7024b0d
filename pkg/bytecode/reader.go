package bytecode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ---------------------------------------------------------------------------
// Format errors
// ---------------------------------------------------------------------------

var (
	ErrBadMagic        = errors.New("invalid magic number: expected QUIL")
	ErrVersionMismatch = errors.New("binary module version mismatch")
	ErrTruncated       = errors.New("unexpected end of module data")
	ErrCorrupt         = errors.New("corrupt module data")
)

// FormatError describes a malformed binary module. It wraps one of the
// sentinel errors above.
type FormatError struct {
	Offset int
	Msg    string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("bytecode: offset %d: %v", e.Offset, e.Err)
	}
	return fmt.Sprintf("bytecode: offset %d: %v: %s", e.Offset, e.Err, e.Msg)
}

func (e *FormatError) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// Reader: deserializes a Module from the binary format
// ---------------------------------------------------------------------------

// Unmarshal decodes and validates a binary module.
func Unmarshal(data []byte) (*Module, error) {
	r := &reader{data: data}
	m, err := r.module()
	if err != nil {
		return nil, err
	}
	if r.off != len(r.data) {
		return nil, r.fail(ErrCorrupt, "%d trailing bytes", len(r.data)-r.off)
	}
	if err := Validate(m); err != nil {
		return nil, &FormatError{Offset: r.off, Msg: err.Error(), Err: ErrCorrupt}
	}
	return m, nil
}

// Read decodes a binary module from an io.Reader.
func Read(in io.Reader) (*Module, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(in); err != nil {
		return nil, fmt.Errorf("reading module: %w", err)
	}
	return Unmarshal(buf.Bytes())
}

// IsModule reports whether data starts with the binary module magic.
func IsModule(data []byte) bool {
	return len(data) >= len(Magic) && bytes.Equal(data[:len(Magic)], Magic[:])
}

// Equal reports whether two modules have identical encodings.
func Equal(a, b *Module) bool {
	da, errA := Marshal(a)
	db, errB := Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(da, db)
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) fail(sentinel error, format string, args ...interface{}) error {
	return &FormatError{Offset: r.off, Msg: fmt.Sprintf(format, args...), Err: sentinel}
}

func (r *reader) need(n int) error {
	if n < 0 || r.off+n > len(r.data) {
		return r.fail(ErrTruncated, "need %d bytes, have %d", n, len(r.data)-r.off)
	}
	return nil
}

func (r *reader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.data[r.off]
	r.off++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, r.data[r.off:r.off+n])
	r.off += n
	return b, nil
}

func (r *reader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// count reads a collection length and rejects lengths that could not
// possibly fit in the remaining data, given each element needs at least
// minSize bytes.
func (r *reader) count(minSize int) (int, error) {
	n, err := r.u32()
	if err != nil {
		return 0, err
	}
	if uint64(n)*uint64(minSize) > uint64(len(r.data)-r.off) {
		return 0, r.fail(ErrTruncated, "count %d exceeds remaining data", n)
	}
	return int(n), nil
}

func (r *reader) strs() ([]string, error) {
	n, err := r.count(4)
	if err != nil || n == 0 {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		if out[i], err = r.str(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *reader) module() (*Module, error) {
	if len(r.data) < len(Magic) || !bytes.Equal(r.data[:len(Magic)], Magic[:]) {
		return nil, &FormatError{Offset: 0, Err: ErrBadMagic}
	}
	r.off = len(Magic)

	version, err := r.u32()
	if err != nil {
		return nil, err
	}
	if version != FormatVersion {
		return nil, r.fail(ErrVersionMismatch, "got %d, want %d", version, FormatVersion)
	}
	flags, err := r.u32()
	if err != nil {
		return nil, err
	}

	m := &Module{Flags: ModuleFlags(flags)}
	if m.Name, err = r.str(); err != nil {
		return nil, err
	}

	n, err := r.count(2)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		m.Constants = make([]Constant, n)
	}
	for i := 0; i < n; i++ {
		if m.Constants[i], err = r.constant(); err != nil {
			return nil, err
		}
	}

	if n, err = r.count(14); err != nil {
		return nil, err
	}
	if n > 0 {
		m.Namespace = make([]Entry, n)
	}
	for i := 0; i < n; i++ {
		if err := r.entry(&m.Namespace[i], 0); err != nil {
			return nil, err
		}
	}

	if n, err = r.count(30); err != nil {
		return nil, err
	}
	if n > 0 {
		m.Methods = make([]*Method, n)
	}
	for i := 0; i < n; i++ {
		if m.Methods[i], err = r.method(); err != nil {
			return nil, err
		}
	}

	if n, err = r.count(13); err != nil {
		return nil, err
	}
	if n > 0 {
		m.Imports = make([]Import, n)
	}
	for i := 0; i < n; i++ {
		imp := &m.Imports[i]
		if imp.Module, err = r.str(); err != nil {
			return nil, err
		}
		all, err := r.u8()
		if err != nil {
			return nil, err
		}
		imp.All = all != 0
		if imp.Symbols, err = r.strs(); err != nil {
			return nil, err
		}
		if imp.Aliases, err = r.strs(); err != nil {
			return nil, err
		}
	}

	if m.Flags&ModuleFlagSource != 0 {
		if m.Source, err = r.str(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (r *reader) constant() (Constant, error) {
	tag, err := r.u8()
	if err != nil {
		return Constant{}, err
	}
	switch ConstKind(tag) {
	case ConstInt:
		v, err := r.u64()
		return IntConst(int64(v)), err
	case ConstFloat:
		v, err := r.u64()
		return FloatConst(math.Float64frombits(v)), err
	case ConstString:
		s, err := r.str()
		return StringConst(s), err
	case ConstBool:
		b, err := r.u8()
		return BoolConst(b != 0), err
	}
	return Constant{}, r.fail(ErrCorrupt, "unknown constant tag %d", tag)
}

// maxEntryDepth bounds class member nesting.
const maxEntryDepth = 4

func (r *reader) entry(e *Entry, depth int) error {
	if depth > maxEntryDepth {
		return r.fail(ErrCorrupt, "namespace nested too deeply")
	}
	var err error
	if e.Name, err = r.str(); err != nil {
		return err
	}
	kind, err := r.u8()
	if err != nil {
		return err
	}
	e.Kind = EntryKind(kind)
	if e.Kind < EntryVariable || e.Kind > EntryClass {
		return r.fail(ErrCorrupt, "unknown entry kind %d", kind)
	}
	flags, err := r.u8()
	if err != nil {
		return err
	}
	e.Flags = Flags(flags)
	method, err := r.u32()
	if err != nil {
		return err
	}
	e.Method = int(int32(method))
	if e.Fields, err = r.strs(); err != nil {
		return err
	}
	if e.Traits, err = r.strs(); err != nil {
		return err
	}
	n, err := r.count(14)
	if err != nil {
		return err
	}
	if n > 0 {
		e.Members = make([]Entry, n)
	}
	for i := 0; i < n; i++ {
		if err := r.entry(&e.Members[i], depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (r *reader) method() (*Method, error) {
	m := &Method{}
	var err error
	if m.Name, err = r.str(); err != nil {
		return nil, err
	}
	if m.Symbol, err = r.str(); err != nil {
		return nil, err
	}
	for _, dst := range []*uint16{&m.Args, &m.Defaults, &m.Locals, &m.UpvalueRefs, &m.UpvalueLocals} {
		if *dst, err = r.u16(); err != nil {
			return nil, err
		}
	}

	n, err := r.count(1)
	if err != nil {
		return nil, err
	}
	if m.Code, err = r.bytes(n); err != nil {
		return nil, err
	}

	if n, err = r.count(12); err != nil {
		return nil, err
	}
	if n > 0 {
		m.Exceptions = make([]ExceptionRange, n)
	}
	for i := 0; i < n; i++ {
		ex := &m.Exceptions[i]
		for _, dst := range []*uint32{&ex.Start, &ex.End, &ex.Handler} {
			if *dst, err = r.u32(); err != nil {
				return nil, err
			}
		}
	}

	if n, err = r.count(8); err != nil {
		return nil, err
	}
	if n > 0 {
		m.Debug = make([]LineEntry, n)
	}
	for i := 0; i < n; i++ {
		if m.Debug[i].PC, err = r.u32(); err != nil {
			return nil, err
		}
		if m.Debug[i].Line, err = r.u32(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate checks the structural soundness of a module: every instruction
// decodes, operand indices refer to existing constants, methods, imports and
// locals, and every jump lands on an instruction boundary.
func Validate(m *Module) error {
	if len(m.Methods) == 0 {
		return fmt.Errorf("module %q has no methods", m.Name)
	}
	if err := validateEntries(m, m.Namespace); err != nil {
		return err
	}
	for i, imp := range m.Imports {
		if len(imp.Aliases) != 0 && len(imp.Aliases) != len(imp.Symbols) {
			return fmt.Errorf("import %d (%s): %d aliases for %d symbols", i, imp.Module, len(imp.Aliases), len(imp.Symbols))
		}
	}
	for i, meth := range m.Methods {
		if err := validateMethod(m, meth); err != nil {
			return fmt.Errorf("method %d (%s): %w", i, meth.Name, err)
		}
	}
	return nil
}

func validateEntries(m *Module, entries []Entry) error {
	for _, e := range entries {
		if e.Method != NoMethod && (e.Method < 0 || e.Method >= len(m.Methods)) {
			return fmt.Errorf("entry %s: method index %d out of range", e.Name, e.Method)
		}
		if err := validateEntries(m, e.Members); err != nil {
			return err
		}
	}
	return nil
}

func validateMethod(m *Module, meth *Method) error {
	if meth.Args > meth.Locals {
		return fmt.Errorf("%d args exceed %d locals", meth.Args, meth.Locals)
	}
	if meth.Defaults > meth.Args {
		return fmt.Errorf("%d defaults exceed %d args", meth.Defaults, meth.Args)
	}
	code := meth.Code
	starts := make(map[int]bool)
	var jumps []int
	for pc := 0; pc < len(code); {
		size, err := InstructionSize(code, pc)
		if err != nil {
			return err
		}
		starts[pc] = true
		op := Opcode(code[pc])
		switch op {
		case OpConst, OpLoadGlobal, OpStoreGlobal, OpLoadBuiltin, OpLoadField, OpStoreField, OpInvoke:
			if idx := int(ReadU16(code, pc+1)); idx >= len(m.Constants) {
				return fmt.Errorf("%s at %d: constant %d out of range", op, pc, idx)
			}
		case OpLoadImport:
			if idx := int(ReadU16(code, pc+1)); idx >= len(m.Imports) {
				return fmt.Errorf("%s at %d: import %d out of range", op, pc, idx)
			}
			if idx := int(ReadU16(code, pc+3)); idx >= len(m.Constants) {
				return fmt.Errorf("%s at %d: constant %d out of range", op, pc, idx)
			}
		case OpLoadLocal, OpStoreLocal, OpBoxLocal, OpLoadCell, OpStoreCell:
			if slot := ReadU16(code, pc+1); slot >= meth.Locals {
				return fmt.Errorf("%s at %d: slot %d out of range", op, pc, slot)
			}
		case OpJumpIfSet:
			if slot := ReadU16(code, pc+1); slot >= meth.Args {
				return fmt.Errorf("%s at %d: slot %d is not a parameter", op, pc, slot)
			}
			jumps = append(jumps, int(ReadU32(code, pc+3)))
		case OpLoadUpval, OpStoreUpval:
			if idx := ReadU16(code, pc+1); idx >= meth.UpvalueRefs {
				return fmt.Errorf("%s at %d: upvalue %d out of range", op, pc, idx)
			}
		case OpClosure:
			if idx := int(ReadU16(code, pc+1)); idx >= len(m.Methods) {
				return fmt.Errorf("%s at %d: method %d out of range", op, pc, idx)
			}
		case OpJump, OpJumpIfFalse, OpJumpIfTrue, OpIterNext:
			jumps = append(jumps, int(ReadU32(code, pc+1)))
		}
		pc += size
	}
	for _, t := range jumps {
		if t != len(code) && !starts[t] {
			return fmt.Errorf("jump target %d is not an instruction boundary", t)
		}
	}
	for _, r := range meth.Exceptions {
		if r.Start > r.End || int(r.End) > len(code) || !starts[int(r.Handler)] {
			return fmt.Errorf("bad exception range [%d,%d)->%d", r.Start, r.End, r.Handler)
		}
	}
	return nil
}
