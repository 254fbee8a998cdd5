// Package asm assembles stackvm source text into bytecode.
//
// A source file is a sequence of lines. Each line holds optional labels, an
// optional instruction and an optional comment:
//
//	loop:   GETBP           ; fetch the argument
//	        LDI
//	        IFZERO done
//	        TCALL 1 1 loop
//	done:   RET 1
//
// Mnemonics are case-insensitive. Operands are decimal, 0x-prefixed hex,
// character literals ('A', '\n', '\0', '\\', '\'') or label names; a label
// operand assembles to the label's address. A line may begin with a
// four-digit decimal address as printed by vm.Disassemble, which must match
// the address being assembled. The .word directive emits its operands as
// raw words.
//
// Assemble reports every error it finds, each with a line:column position.
package asm
