// Package vm implements the stackvm bytecode machine.
//
// This package contains:
//   - The instruction set: opcodes, arities and the word-stream encoding
//   - A label-resolving bytecode builder and a disassembler
//   - The interpreter, whose only state is pc, sp, bp and one 65536-slot
//     stack shared by operands and call frames
//   - Tracing, profiling and cooperative cancellation hooks
//
// All register and stack arithmetic is unsigned 16-bit and wraps.
package vm
