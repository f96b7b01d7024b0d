package bytecode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"strings"
	"testing"
)

// sampleModule builds a small module covering every section of the format.
func sampleModule() *Module {
	pool := NewConstantPool()
	cGreet, _ := pool.Add(StringConst("greeting"))
	cHello, _ := pool.Add(StringConst("hello"))
	cPrint, _ := pool.Add(StringConst("print"))
	pool.Add(IntConst(-42))
	pool.Add(FloatConst(2.5))
	pool.Add(BoolConst(true))

	init := NewCodeBuilder()
	init.MarkLine(1)
	init.EmitU16(OpConst, cHello)
	init.EmitU16(OpStoreGlobal, cGreet)
	init.Emit(OpPop)
	init.Emit(OpNull)
	init.Emit(OpReturn)

	main := NewCodeBuilder()
	main.MarkLine(3)
	start := main.Offset()
	main.EmitU16(OpLoadBuiltin, cPrint)
	main.EmitU16(OpLoadGlobal, cGreet)
	main.EmitU8(OpCall, 1)
	main.Emit(OpPop)
	end := main.Offset()
	jmp := main.EmitJump(OpJump)
	handler := main.Offset()
	main.EmitU16(OpStoreLocal, 0)
	main.Emit(OpPop)
	main.PatchJump(jmp)
	main.EmitU16U16(OpLoadImport, 0, cPrint)
	main.Emit(OpPop)
	main.Emit(OpNull)
	main.Emit(OpReturn)
	main.AddHandler(start, end, handler)

	return &Module{
		Name:      "sample",
		Constants: pool.Constants(),
		Namespace: []Entry{
			{Name: "greeting", Kind: EntryVariable, Method: NoMethod},
			{Name: "main", Kind: EntryMethod, Method: 1},
			{
				Name: "Point", Kind: EntryClass, Method: NoMethod,
				Fields: []string{"x", "y"},
				Traits: []string{"Show"},
				Members: []Entry{
					{Name: "origin", Kind: EntryVariable, Flags: FlagShared | FlagFinal, Method: NoMethod},
					{Name: "len", Kind: EntryMethod, Method: 1},
				},
			},
		},
		Methods: []*Method{
			{Name: InitMethod, Symbol: InitMethod, Code: init.Code(), Debug: init.Debug()},
			{
				Name: "main", Symbol: "main", Locals: 1,
				Code: main.Code(), Exceptions: main.Exceptions(), Debug: main.Debug(),
			},
		},
		Imports: []Import{
			{Module: "sys", Symbols: []string{"print", "args"}, Aliases: []string{"", "argv"}},
			{Module: "util", All: true},
		},
		Source: "var greeting = \"hello\"\n",
	}
}

func TestRoundTrip(t *testing.T) {
	m := sampleModule()
	data, err := Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !IsModule(data) {
		t.Fatal("encoded module does not start with magic")
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	want := *m
	want.Flags |= ModuleFlagSource
	if !reflect.DeepEqual(got, &want) {
		t.Errorf("round trip mismatch:\n got: %+v\nwant: %+v", got, &want)
	}

	again, err := Marshal(got)
	if err != nil {
		t.Fatalf("re-Marshal: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Error("re-encoding is not byte-identical")
	}
	if !Equal(m, got) {
		t.Error("Equal() = false for round-tripped module")
	}
}

func TestReadWriteStream(t *testing.T) {
	m := sampleModule()
	var buf bytes.Buffer
	if err := Write(&buf, m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Name != "sample" || len(got.Methods) != 2 {
		t.Errorf("got %s with %d methods", got.Name, len(got.Methods))
	}
}

func TestHashStable(t *testing.T) {
	h1, err := Hash(sampleModule())
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	h2, _ := Hash(sampleModule())
	if h1 != h2 {
		t.Error("hash differs for identical modules")
	}
	other := sampleModule()
	other.Name = "other"
	h3, _ := Hash(other)
	if h1 == h3 {
		t.Error("hash equal for different modules")
	}
}

func TestUnmarshalErrors(t *testing.T) {
	valid, err := Marshal(sampleModule())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	badVersion := append([]byte(nil), valid...)
	binary.BigEndian.PutUint32(badVersion[4:], FormatVersion+1)

	trailing := append(append([]byte(nil), valid...), 0)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrBadMagic},
		{"wrong magic", []byte("MAGI\x00\x00\x00\x01"), ErrBadMagic},
		{"version", badVersion, ErrVersionMismatch},
		{"header only", valid[:8], ErrTruncated},
		{"cut in half", valid[:len(valid)/2], ErrTruncated},
		{"last byte missing", valid[:len(valid)-1], ErrTruncated},
		{"trailing garbage", trailing, ErrCorrupt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(tt.data)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Unmarshal() error = %v, want %v", err, tt.want)
			}
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Errorf("error %T is not a *FormatError", err)
			}
		})
	}
}

func TestValidateRejectsBadOperands(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *Module)
		want   string
	}{
		{"constant index", func(m *Module) {
			m.Methods[0].Code = []byte{byte(OpConst), 0x00, 0xFF, byte(OpReturn)}
		}, "constant"},
		{"local slot", func(m *Module) {
			m.Methods[0].Code = []byte{byte(OpLoadLocal), 0x00, 0x05, byte(OpReturn)}
		}, "slot"},
		{"jump into operand", func(m *Module) {
			m.Methods[0].Code = []byte{byte(OpJump), 0, 0, 0, 2, byte(OpReturn)}
		}, "boundary"},
		{"unknown opcode", func(m *Module) {
			m.Methods[0].Code = []byte{0xEE}
		}, "unknown opcode"},
		{"entry method", func(m *Module) {
			m.Namespace[1].Method = 9
		}, "out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := sampleModule()
			tt.mutate(m)
			data, err := Marshal(m)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			_, err = Unmarshal(data)
			if !errors.Is(err, ErrCorrupt) {
				t.Fatalf("error = %v, want ErrCorrupt", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestDisassemble(t *testing.T) {
	out := Disassemble(sampleModule())
	for _, want := range []string{
		"; === sample ===",
		"[0] sys print args as argv",
		"[1] util *",
		"class Point",
		"LOAD_BUILTIN",
		`; "print"`,
		"LOAD_IMPORT",
		"sys::\"print\"",
		"handler [",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
}
