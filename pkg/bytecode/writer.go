package bytecode

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// ---------------------------------------------------------------------------
// Writer: serializes a Module to the binary format
// ---------------------------------------------------------------------------
//
// Layout (all integers big endian):
//
//	header     magic[4] version:u32 flags:u32
//	name       str
//	constants  count:u32 { tag:u8 payload }
//	namespace  count:u32 { entry }
//	methods    count:u32 { method }
//	imports    count:u32 { import }
//	source     str                      (only with ModuleFlagSource)
//
// str is len:u32 followed by UTF-8 bytes.

// Marshal encodes a module.
func Marshal(m *Module) ([]byte, error) {
	w := &writer{buf: make([]byte, 0, 256)}
	if err := w.module(m); err != nil {
		return nil, err
	}
	return w.buf, nil
}

// Write encodes a module to an io.Writer.
func Write(out io.Writer, m *Module) error {
	data, err := Marshal(m)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *writer) str(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) strs(ss []string) {
	w.u32(uint32(len(ss)))
	for _, s := range ss {
		w.str(s)
	}
}

func (w *writer) module(m *Module) error {
	flags := m.Flags
	if m.Source != "" {
		flags |= ModuleFlagSource
	}

	w.buf = append(w.buf, Magic[:]...)
	w.u32(FormatVersion)
	w.u32(uint32(flags))
	w.str(m.Name)

	w.u32(uint32(len(m.Constants)))
	for i, c := range m.Constants {
		if err := w.constant(c); err != nil {
			return fmt.Errorf("constant %d: %w", i, err)
		}
	}

	w.u32(uint32(len(m.Namespace)))
	for i := range m.Namespace {
		w.entry(&m.Namespace[i])
	}

	w.u32(uint32(len(m.Methods)))
	for _, meth := range m.Methods {
		if meth == nil {
			return fmt.Errorf("module %s: nil method", m.Name)
		}
		w.method(meth)
	}

	w.u32(uint32(len(m.Imports)))
	for i := range m.Imports {
		imp := &m.Imports[i]
		w.str(imp.Module)
		if imp.All {
			w.u8(1)
		} else {
			w.u8(0)
		}
		w.strs(imp.Symbols)
		w.strs(imp.Aliases)
	}

	if flags&ModuleFlagSource != 0 {
		w.str(m.Source)
	}
	return nil
}

func (w *writer) constant(c Constant) error {
	w.u8(uint8(c.Kind))
	switch c.Kind {
	case ConstInt:
		w.u64(uint64(c.Int))
	case ConstFloat:
		w.u64(math.Float64bits(c.Float))
	case ConstString:
		w.str(c.Str)
	case ConstBool:
		if c.Bool {
			w.u8(1)
		} else {
			w.u8(0)
		}
	default:
		return fmt.Errorf("unknown constant kind %d", c.Kind)
	}
	return nil
}

func (w *writer) entry(e *Entry) {
	w.str(e.Name)
	w.u8(uint8(e.Kind))
	w.u8(uint8(e.Flags))
	w.u32(uint32(int32(e.Method)))
	w.strs(e.Fields)
	w.strs(e.Traits)
	w.u32(uint32(len(e.Members)))
	for i := range e.Members {
		w.entry(&e.Members[i])
	}
}

func (w *writer) method(m *Method) {
	w.str(m.Name)
	w.str(m.Symbol)
	w.u16(m.Args)
	w.u16(m.Defaults)
	w.u16(m.Locals)
	w.u16(m.UpvalueRefs)
	w.u16(m.UpvalueLocals)

	w.u32(uint32(len(m.Code)))
	w.buf = append(w.buf, m.Code...)

	w.u32(uint32(len(m.Exceptions)))
	for _, r := range m.Exceptions {
		w.u32(r.Start)
		w.u32(r.End)
		w.u32(r.Handler)
	}

	w.u32(uint32(len(m.Debug)))
	for _, l := range m.Debug {
		w.u32(l.PC)
		w.u32(l.Line)
	}
}
