package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of a whole module.
func Disassemble(m *Module) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("; === %s ===\n", m.Name))
	sb.WriteString(fmt.Sprintf("; Quill Bytecode v%d\n", FormatVersion))

	if len(m.Imports) > 0 {
		sb.WriteString("; Imports:\n")
		for i, imp := range m.Imports {
			sb.WriteString(fmt.Sprintf(";   [%d] %s", i, imp.Module))
			if imp.All {
				sb.WriteString(" *")
			}
			for j := range imp.Symbols {
				sb.WriteString(" " + imp.Symbols[j])
				if alias := imp.BindingName(j); alias != imp.Symbols[j] {
					sb.WriteString(" as " + alias)
				}
			}
			sb.WriteString("\n")
		}
	}

	if len(m.Constants) > 0 {
		sb.WriteString("; Constants:\n")
		for i, c := range m.Constants {
			display := c.String()
			if len(display) > 40 {
				display = display[:37] + "..."
			}
			sb.WriteString(fmt.Sprintf(";   [%d] %s\n", i, display))
		}
	}

	if len(m.Namespace) > 0 {
		sb.WriteString("; Namespace:\n")
		writeEntries(&sb, m.Namespace, "  ")
	}

	for i, meth := range m.Methods {
		sb.WriteString("\n")
		sb.WriteString(DisassembleMethod(m, i, meth))
	}
	return sb.String()
}

func writeEntries(sb *strings.Builder, entries []Entry, indent string) {
	for _, e := range entries {
		sb.WriteString(fmt.Sprintf(";%s%s %s", indent, e.Kind, e.Name))
		if e.Flags != 0 {
			sb.WriteString(fmt.Sprintf(" [%s]", e.Flags))
		}
		if e.Method != NoMethod {
			sb.WriteString(fmt.Sprintf(" -> #%d", e.Method))
		}
		if len(e.Fields) > 0 {
			sb.WriteString(" fields(" + strings.Join(e.Fields, ", ") + ")")
		}
		if len(e.Traits) > 0 {
			sb.WriteString(" with(" + strings.Join(e.Traits, ", ") + ")")
		}
		sb.WriteString("\n")
		writeEntries(sb, e.Members, indent+"  ")
	}
}

// DisassembleMethod returns the listing of a single method.
func DisassembleMethod(m *Module, idx int, meth *Method) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("; #%d %s  args=%d defaults=%d locals=%d upvals=%d captured=%d\n",
		idx, meth.Name, meth.Args, meth.Defaults, meth.Locals, meth.UpvalueRefs, meth.UpvalueLocals))

	code := meth.Code
	lastLine := -1
	for pc := 0; pc < len(code); {
		line := meth.LineFor(pc)
		lineCol := "   |"
		if line != lastLine {
			lineCol = fmt.Sprintf("%4d", line)
			lastLine = line
		}
		text, size := disassembleInstruction(m, code, pc)
		sb.WriteString(fmt.Sprintf("%04d %s  %s\n", pc, lineCol, text))
		if size <= 0 {
			break
		}
		pc += size
	}

	for _, r := range meth.Exceptions {
		sb.WriteString(fmt.Sprintf("; handler [%04d, %04d) -> %04d\n", r.Start, r.End, r.Handler))
	}
	return sb.String()
}

func disassembleInstruction(m *Module, code []byte, pc int) (string, int) {
	size, err := InstructionSize(code, pc)
	if err != nil {
		return fmt.Sprintf("<%v>", err), 0
	}
	op := Opcode(code[pc])
	name := op.String()

	constRef := func(idx uint16) string {
		if int(idx) < len(m.Constants) {
			return m.Constants[idx].String()
		}
		return "?"
	}

	switch op {
	case OpConst, OpLoadGlobal, OpStoreGlobal, OpLoadBuiltin, OpLoadField, OpStoreField:
		idx := ReadU16(code, pc+1)
		return fmt.Sprintf("%-14s %5d ; %s", name, idx, constRef(idx)), size
	case OpInvoke:
		idx := ReadU16(code, pc+1)
		return fmt.Sprintf("%-14s %5d %d ; %s", name, idx, code[pc+3], constRef(idx)), size
	case OpLoadImport:
		imp := ReadU16(code, pc+1)
		idx := ReadU16(code, pc+3)
		mod := "?"
		if int(imp) < len(m.Imports) {
			mod = m.Imports[imp].Module
		}
		return fmt.Sprintf("%-14s %5d %d ; %s::%s", name, imp, idx, mod, constRef(idx)), size
	case OpLoadLocal, OpStoreLocal, OpBoxLocal, OpLoadCell, OpStoreCell,
		OpLoadUpval, OpStoreUpval, OpList, OpMap:
		return fmt.Sprintf("%-14s %5d", name, ReadU16(code, pc+1)), size
	case OpCall, OpNew:
		return fmt.Sprintf("%-14s %5d", name, code[pc+1]), size
	case OpJumpIfSet:
		return fmt.Sprintf("%-14s %5d -> %04d", name, ReadU16(code, pc+1), ReadU32(code, pc+3)), size
	case OpJump, OpJumpIfFalse, OpJumpIfTrue, OpIterNext:
		return fmt.Sprintf("%-14s -> %04d", name, ReadU32(code, pc+1)), size
	case OpClosure:
		method := ReadU16(code, pc+1)
		n := int(code[pc+3])
		var sb strings.Builder
		target := "?"
		if int(method) < len(m.Methods) {
			target = m.Methods[method].Name
		}
		sb.WriteString(fmt.Sprintf("%-14s %5d ; %s", name, method, target))
		for i := 0; i < n; i++ {
			at := pc + 4 + i*ClosureCaptureSize
			kind := "upval"
			if code[at] != 0 {
				kind = "local"
			}
			sb.WriteString(fmt.Sprintf(" %s:%d", kind, ReadU16(code, at+1)))
		}
		return sb.String(), size
	}
	return name, size
}
