package vm

import (
	"errors"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single instruction word. Opcodes and their immediate
// operands share the same 16-bit word stream.
type Opcode uint16

// Constants and arithmetic
const (
	OpConst Opcode = 0x00 // push immediate
	OpAdd   Opcode = 0x01
	OpSub   Opcode = 0x02
	OpMul   Opcode = 0x03
	OpDiv   Opcode = 0x04
	OpMod   Opcode = 0x05
	OpEq    Opcode = 0x06
	OpLt    Opcode = 0x07
	OpNot   Opcode = 0x08
)

// Stack manipulation and stack-addressed memory
const (
	OpDup   Opcode = 0x09
	OpSwap  Opcode = 0x0A
	OpLdi   Opcode = 0x0B // top := stack[top]
	OpSti   Opcode = 0x0C // stack[second] := top, pop one
	OpGetBP Opcode = 0x0D
	OpGetSP Opcode = 0x0E
	OpIncSP Opcode = 0x0F
	OpDecSP Opcode = 0x10
)

// Control flow
const (
	OpGoto    Opcode = 0x11 // absolute word address
	OpIfZero  Opcode = 0x12
	OpIfNZero Opcode = 0x13
	OpCall    Opcode = 0x14 // argc, address
	OpTCall   Opcode = 0x15 // new argc, old argc, address
	OpRet     Opcode = 0x16 // argc (informational)
)

// Host interaction
const (
	OpPrintI Opcode = 0x17
	OpPrintC Opcode = 0x18
	OpLdArgs Opcode = 0x19
	OpStop   Opcode = 0x20
	OpNoop   Opcode = 0x21
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name     string // mnemonic
	Operands int    // number of immediate operand words
}

// opcodeTable is the only arity source: the decoder, the builder and the
// disassembler all read it.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpConst: {"CONST", 1},
	OpAdd:   {"ADD", 0},
	OpSub:   {"SUB", 0},
	OpMul:   {"MUL", 0},
	OpDiv:   {"DIV", 0},
	OpMod:   {"MOD", 0},
	OpEq:    {"EQ", 0},
	OpLt:    {"LT", 0},
	OpNot:   {"NOT", 0},

	OpDup:   {"DUP", 0},
	OpSwap:  {"SWAP", 0},
	OpLdi:   {"LDI", 0},
	OpSti:   {"STI", 0},
	OpGetBP: {"GETBP", 0},
	OpGetSP: {"GETSP", 0},
	OpIncSP: {"INCSP", 1},
	OpDecSP: {"DECSP", 1},

	OpGoto:    {"GOTO", 1},
	OpIfZero:  {"IFZERO", 1},
	OpIfNZero: {"IFNZERO", 1},
	OpCall:    {"CALL", 2},
	OpTCall:   {"TCALL", 3},
	OpRet:     {"RET", 1},

	OpPrintI: {"PRINTI", 0},
	OpPrintC: {"PRINTC", 0},
	OpLdArgs: {"LDARGS", 0},
	OpStop:   {"STOP", 0},
	OpNoop:   {"NOOP", 0},
}

// mnemonics maps upper-case names back to opcodes.
var mnemonics = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeTable))
	for op, info := range opcodeTable {
		m[info.Name] = op
	}
	return m
}()

// ErrUnknownOpcode is returned when a word outside the opcode enumeration is
// decoded as an opcode.
var ErrUnknownOpcode = errors.New("unknown opcode")

// Opcodes returns every defined opcode in ascending order.
func Opcodes() []Opcode {
	ops := make([]Opcode, 0, len(opcodeTable))
	for op := OpConst; op <= OpNoop; op++ {
		if op.Valid() {
			ops = append(ops, op)
		}
	}
	return ops
}

// DecodeOpcode interprets a raw word as an opcode.
func DecodeOpcode(word uint16) (Opcode, error) {
	op := Opcode(word)
	if !op.Valid() {
		return 0, fmt.Errorf("%w 0x%04x", ErrUnknownOpcode, word)
	}
	return op, nil
}

// LookupMnemonic returns the opcode with the given name (case-insensitive).
func LookupMnemonic(name string) (Opcode, bool) {
	op, ok := mnemonics[strings.ToUpper(name)]
	return op, ok
}

// Valid reports whether op belongs to the instruction set.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%04X", uint16(op)), Operands: 0}
}

// Name returns the mnemonic for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// Arity returns the number of immediate operand words for an opcode.
func (op Opcode) Arity() int {
	return op.Info().Operands
}

// IsBranch reports whether op redirects pc to an immediate target.
func (op Opcode) IsBranch() bool {
	switch op {
	case OpGoto, OpIfZero, OpIfNZero, OpCall, OpTCall:
		return true
	}
	return false
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}
