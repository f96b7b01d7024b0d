// Package bytecode defines the compiled form of Quill modules and its
// versioned binary encoding.
//
// A Module is produced by the compiler and consumed by the VM. It holds:
//
//   - a deduplicated constant pool (int, float, string, bool)
//   - the namespace: named variables, methods and classes the module exposes
//   - the methods: instruction bytes plus exception ranges and a line table
//   - the import list, in declaration order
//   - optionally, the source text it was compiled from
//
// # Instruction Encoding
//
// Each instruction is a one-byte opcode followed by fixed-width big endian
// operands (see opcodes.go). OpClosure additionally carries one 3-byte
// capture descriptor per captured variable. Jump targets are absolute
// offsets within the method's code.
//
// # Binary Format
//
// Marshal and Unmarshal convert between a Module and its "QUIL" encoding.
// Decoding validates the header (magic, version) and the structure of every
// method, so a Module returned by Unmarshal is safe to execute without
// further bounds checks on operand indices. Errors are *FormatError values
// wrapping ErrBadMagic, ErrVersionMismatch, ErrTruncated or ErrCorrupt.
package bytecode
