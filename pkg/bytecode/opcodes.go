package bytecode

import "fmt"

// Opcode represents a bytecode instruction.
// Opcodes are organized into ranges by category for easy identification.
type Opcode byte

const (
	// ========================================================================
	// Stack manipulation (0x00-0x0F)
	// ========================================================================

	OpNop  Opcode = 0x00 // No operation
	OpPop  Opcode = 0x01 // Pop top of stack
	OpDup  Opcode = 0x02 // Duplicate top of stack
	OpDup2 Opcode = 0x03 // Duplicate top two: a b -> a b a b

	// ========================================================================
	// Constants (0x10-0x1F)
	// ========================================================================

	OpConst Opcode = 0x10 // Push constant from pool: OpConst <index:u16>
	OpNull  Opcode = 0x11 // Push null
	OpTrue  Opcode = 0x12 // Push true
	OpFalse Opcode = 0x13 // Push false
	OpThis  Opcode = 0x14 // Push the receiver of the current method

	// ========================================================================
	// Local variables and cells (0x20-0x2F)
	// ========================================================================

	OpLoadLocal  Opcode = 0x20 // Push local: OpLoadLocal <slot:u16>
	OpStoreLocal Opcode = 0x21 // Store TOS into local (keeps TOS): OpStoreLocal <slot:u16>
	OpBoxLocal   Opcode = 0x22 // Replace local with a fresh cell holding its value: <slot:u16>
	OpLoadCell   Opcode = 0x23 // Push value of cell in local: <slot:u16>
	OpStoreCell  Opcode = 0x24 // Store TOS into cell in local (keeps TOS): <slot:u16>
	OpJumpIfSet  Opcode = 0x25 // Jump if argument was supplied: <slot:u16> <target:u32>

	// ========================================================================
	// Upvalues (0x30-0x3F)
	// ========================================================================

	OpLoadUpval  Opcode = 0x30 // Push upvalue: OpLoadUpval <index:u16>
	OpStoreUpval Opcode = 0x31 // Store TOS into upvalue (keeps TOS): <index:u16>
	OpClosure    Opcode = 0x32 // Create closure: <method:u16> <n:u8> n*(<isLocal:u8> <index:u16>)

	// ========================================================================
	// Module namespace, imports, builtins (0x40-0x4F)
	// ========================================================================

	OpLoadGlobal  Opcode = 0x40 // Push module namespace entry: <name:u16>
	OpStoreGlobal Opcode = 0x41 // Store TOS into namespace variable: <name:u16>
	OpLoadImport  Opcode = 0x42 // Push imported symbol: <import:u16> <name:u16>
	OpLoadBuiltin Opcode = 0x43 // Push builtin function: <name:u16>

	// ========================================================================
	// Dynamic dispatch (0x50-0x5F)
	// ========================================================================

	OpLoadField  Opcode = 0x50 // obj -> obj.name: <name:u16>
	OpStoreField Opcode = 0x51 // obj val -> val: <name:u16>
	OpInvoke     Opcode = 0x52 // recv args... -> result: <name:u16> <argc:u8>
	OpCall       Opcode = 0x53 // callee args... -> result: <argc:u8>
	OpNew        Opcode = 0x54 // class args... -> instance: <argc:u8>

	// ========================================================================
	// Collections (0x60-0x6F)
	// ========================================================================

	OpList     Opcode = 0x60 // Build list from n stack values: <n:u16>
	OpMap      Opcode = 0x61 // Build map from n key/value pairs: <n:u16>
	OpIndexGet Opcode = 0x62 // obj idx -> obj[idx]
	OpIndexSet Opcode = 0x63 // obj idx val -> val
	OpIter     Opcode = 0x64 // iterable -> iterator
	OpIterNext Opcode = 0x65 // iter -> next, or jump when exhausted: <target:u32>

	// ========================================================================
	// Arithmetic and comparison (0x70-0x7F)
	// ========================================================================

	OpAdd Opcode = 0x70 // Pop two, push sum
	OpSub Opcode = 0x71 // Pop two, push difference (a - b where b is TOS)
	OpMul Opcode = 0x72 // Pop two, push product
	OpDiv Opcode = 0x73 // Pop two, push quotient
	OpMod Opcode = 0x74 // Pop two, push remainder
	OpPow Opcode = 0x75 // Pop two, push power
	OpEq  Opcode = 0x76 // Pop two, push equality
	OpNe  Opcode = 0x77 // Pop two, push inequality
	OpLt  Opcode = 0x78 // Pop two, push a < b
	OpLe  Opcode = 0x79 // Pop two, push a <= b
	OpGt  Opcode = 0x7A // Pop two, push a > b
	OpGe  Opcode = 0x7B // Pop two, push a >= b
	OpNeg Opcode = 0x7C // Negate TOS
	OpNot Opcode = 0x7D // Logical not of TOS

	// ========================================================================
	// Control flow (0x80-0x8F)
	// ========================================================================

	OpJump        Opcode = 0x80 // Unconditional jump: <target:u32>
	OpJumpIfFalse Opcode = 0x81 // Pop, jump if falsy: <target:u32>
	OpJumpIfTrue  Opcode = 0x82 // Pop, jump if truthy: <target:u32>
	OpReturn      Opcode = 0x83 // Return TOS
	OpThrow       Opcode = 0x84 // Throw TOS
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name     string // human-readable name
	Operands []int  // byte width of each fixed operand
}

// Size returns the encoded size of the instruction's fixed part (opcode plus
// operands). OpClosure carries a variable-length tail after this.
func (i OpcodeInfo) Size() int {
	n := 1
	for _, w := range i.Operands {
		n += w
	}
	return n
}

var opcodeInfo = map[Opcode]OpcodeInfo{
	OpNop:  {"NOP", nil},
	OpPop:  {"POP", nil},
	OpDup:  {"DUP", nil},
	OpDup2: {"DUP2", nil},

	OpConst: {"CONST", []int{2}},
	OpNull:  {"NULL", nil},
	OpTrue:  {"TRUE", nil},
	OpFalse: {"FALSE", nil},
	OpThis:  {"THIS", nil},

	OpLoadLocal:  {"LOAD_LOCAL", []int{2}},
	OpStoreLocal: {"STORE_LOCAL", []int{2}},
	OpBoxLocal:   {"BOX_LOCAL", []int{2}},
	OpLoadCell:   {"LOAD_CELL", []int{2}},
	OpStoreCell:  {"STORE_CELL", []int{2}},
	OpJumpIfSet:  {"JUMP_IF_SET", []int{2, 4}},

	OpLoadUpval:  {"LOAD_UPVAL", []int{2}},
	OpStoreUpval: {"STORE_UPVAL", []int{2}},
	OpClosure:    {"CLOSURE", []int{2, 1}},

	OpLoadGlobal:  {"LOAD_GLOBAL", []int{2}},
	OpStoreGlobal: {"STORE_GLOBAL", []int{2}},
	OpLoadImport:  {"LOAD_IMPORT", []int{2, 2}},
	OpLoadBuiltin: {"LOAD_BUILTIN", []int{2}},

	OpLoadField:  {"LOAD_FIELD", []int{2}},
	OpStoreField: {"STORE_FIELD", []int{2}},
	OpInvoke:     {"INVOKE", []int{2, 1}},
	OpCall:       {"CALL", []int{1}},
	OpNew:        {"NEW", []int{1}},

	OpList:     {"LIST", []int{2}},
	OpMap:      {"MAP", []int{2}},
	OpIndexGet: {"INDEX_GET", nil},
	OpIndexSet: {"INDEX_SET", nil},
	OpIter:     {"ITER", nil},
	OpIterNext: {"ITER_NEXT", []int{4}},

	OpAdd: {"ADD", nil},
	OpSub: {"SUB", nil},
	OpMul: {"MUL", nil},
	OpDiv: {"DIV", nil},
	OpMod: {"MOD", nil},
	OpPow: {"POW", nil},
	OpEq:  {"EQ", nil},
	OpNe:  {"NE", nil},
	OpLt:  {"LT", nil},
	OpLe:  {"LE", nil},
	OpGt:  {"GT", nil},
	OpGe:  {"GE", nil},
	OpNeg: {"NEG", nil},
	OpNot: {"NOT", nil},

	OpJump:        {"JUMP", []int{4}},
	OpJumpIfFalse: {"JUMP_IF_FALSE", []int{4}},
	OpJumpIfTrue:  {"JUMP_IF_TRUE", []int{4}},
	OpReturn:      {"RETURN", nil},
	OpThrow:       {"THROW", nil},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() (OpcodeInfo, bool) {
	info, ok := opcodeInfo[op]
	return info, ok
}

// String returns the opcode's mnemonic.
func (op Opcode) String() string {
	if info, ok := opcodeInfo[op]; ok {
		return info.Name
	}
	return fmt.Sprintf("OP_%02X", byte(op))
}

// ClosureCaptureSize is the encoded size of one capture descriptor that
// follows an OpClosure instruction.
const ClosureCaptureSize = 3

// InstructionSize returns the full encoded size of the instruction starting
// at code[pc], including OpClosure's capture tail.
func InstructionSize(code []byte, pc int) (int, error) {
	op := Opcode(code[pc])
	info, ok := opcodeInfo[op]
	if !ok {
		return 0, fmt.Errorf("unknown opcode 0x%02X at %d", byte(op), pc)
	}
	size := info.Size()
	if pc+size > len(code) {
		return 0, fmt.Errorf("truncated %s at %d", info.Name, pc)
	}
	if op == OpClosure {
		n := int(code[pc+3])
		size += n * ClosureCaptureSize
		if pc+size > len(code) {
			return 0, fmt.Errorf("truncated CLOSURE captures at %d", pc)
		}
	}
	return size, nil
}
