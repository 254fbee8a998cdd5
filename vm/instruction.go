package vm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrArity is returned when an instruction is built with the wrong
	// number of immediate operands for its opcode.
	ErrArity = errors.New("wrong operand count")

	// ErrTruncated is returned when the word stream ends inside an
	// instruction's operands.
	ErrTruncated = errors.New("truncated instruction")

	// ErrUnresolvedLabel is returned by Build when a label was referenced
	// but never marked.
	ErrUnresolvedLabel = errors.New("unresolved label")
)

// ---------------------------------------------------------------------------
// Instruction: one decoded opcode with its operands
// ---------------------------------------------------------------------------

// Instruction is an opcode together with its immediate operands.
type Instruction struct {
	Op   Opcode
	Args []uint16
}

// NewInstruction validates the operand count against the opcode's arity.
func NewInstruction(op Opcode, args ...uint16) (Instruction, error) {
	if !op.Valid() {
		return Instruction{}, fmt.Errorf("%w 0x%04x", ErrUnknownOpcode, uint16(op))
	}
	if len(args) != op.Arity() {
		return Instruction{}, fmt.Errorf("%s: %w: got %d, want %d", op, ErrArity, len(args), op.Arity())
	}
	return Instruction{Op: op, Args: append([]uint16(nil), args...)}, nil
}

// MustInstruction is like NewInstruction but panics on error.
func MustInstruction(op Opcode, args ...uint16) Instruction {
	inst, err := NewInstruction(op, args...)
	if err != nil {
		panic(err)
	}
	return inst
}

// Len returns the number of words the instruction occupies.
func (in Instruction) Len() int {
	return 1 + len(in.Args)
}

// AppendWords appends the binary encoding of the instruction to dst.
func (in Instruction) AppendWords(dst []uint16) []uint16 {
	dst = append(dst, uint16(in.Op))
	return append(dst, in.Args...)
}

// String renders the instruction in disassembly text form. CONST carries a
// trailing comment with the operand as a character.
func (in Instruction) String() string {
	var sb strings.Builder
	sb.WriteString(in.Op.Name())
	for _, a := range in.Args {
		sb.WriteByte(' ')
		sb.WriteString(strconv.Itoa(int(a)))
	}
	if in.Op == OpConst && len(in.Args) == 1 {
		c := byte(in.Args[0])
		switch c {
		case '\n':
			sb.WriteString(` ; '\n'`)
		case 0:
			sb.WriteString(` ; '\0'`)
		default:
			fmt.Fprintf(&sb, " ; '%c' 0x%x", c, in.Args[0])
		}
	}
	return sb.String()
}

// Encode lowers an instruction list to its binary word stream.
func Encode(insts []Instruction) []uint16 {
	n := 0
	for _, in := range insts {
		n += in.Len()
	}
	code := make([]uint16, 0, n)
	for _, in := range insts {
		code = in.AppendWords(code)
	}
	return code
}

// DecodeProgram reconstructs the instruction list from a word stream.
func DecodeProgram(code []uint16) ([]Instruction, error) {
	var insts []Instruction
	r := NewBytecodeReader(code)
	for r.HasMore() {
		pos := r.Position()
		in, err := r.ReadInstruction()
		if err != nil {
			return insts, fmt.Errorf("at %04d: %w", pos, err)
		}
		insts = append(insts, in)
	}
	return insts, nil
}

// ---------------------------------------------------------------------------
// BytecodeReader: sequential decoding of a word stream
// ---------------------------------------------------------------------------

// BytecodeReader reads instructions from a word stream.
type BytecodeReader struct {
	code []uint16
	pos  int
}

// NewBytecodeReader creates a reader for code.
func NewBytecodeReader(code []uint16) *BytecodeReader {
	return &BytecodeReader{code: code}
}

// Position returns the current read position.
func (r *BytecodeReader) Position() int {
	return r.pos
}

// HasMore returns true if there are more words to read.
func (r *BytecodeReader) HasMore() bool {
	return r.pos < len(r.code)
}

// Seek sets the read position.
func (r *BytecodeReader) Seek(pos int) {
	r.pos = pos
}

// ReadInstruction decodes the instruction at the current position and
// advances past it. On error the position is left after the opcode word.
func (r *BytecodeReader) ReadInstruction() (Instruction, error) {
	if r.pos >= len(r.code) {
		return Instruction{}, ErrTruncated
	}
	op, err := DecodeOpcode(r.code[r.pos])
	r.pos++
	if err != nil {
		return Instruction{}, err
	}
	n := op.Arity()
	if r.pos+n > len(r.code) {
		return Instruction{}, fmt.Errorf("%s: %w", op, ErrTruncated)
	}
	in := Instruction{Op: op, Args: append([]uint16(nil), r.code[r.pos:r.pos+n]...)}
	r.pos += n
	return in, nil
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: symbolic program construction with labels
// ---------------------------------------------------------------------------

// Label is a branch target. Positions are absolute word addresses.
type Label struct {
	name     string
	resolved bool
	position uint16
	refs     []int // word indices holding the target operand
}

// Name returns the label's name, if any.
func (l *Label) Name() string {
	return l.name
}

// Resolved reports whether the label has been marked.
func (l *Label) Resolved() bool {
	return l.resolved
}

// Position returns the marked address.
func (l *Label) Position() uint16 {
	return l.position
}

// BytecodeBuilder helps construct word streams.
type BytecodeBuilder struct {
	words  []uint16
	labels []*Label
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{
		words: make([]uint16, 0, 64),
	}
}

// Len returns the current length in words, which is also the address of
// the next emitted instruction.
func (b *BytecodeBuilder) Len() int {
	return len(b.words)
}

// Append appends a validated instruction.
func (b *BytecodeBuilder) Append(in Instruction) {
	b.words = in.AppendWords(b.words)
}

// Emit appends an instruction. It panics if the operand count does not
// match the opcode's arity.
func (b *BytecodeBuilder) Emit(op Opcode, args ...uint16) {
	b.Append(MustInstruction(op, args...))
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel(name string) *Label {
	l := &Label{name: name, refs: make([]int, 0, 2)}
	b.labels = append(b.labels, l)
	return l
}

// Mark resolves a label to the current position and patches every
// forward reference to it.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic(fmt.Sprintf("label %q already resolved", label.name))
	}
	label.resolved = true
	label.position = uint16(len(b.words))
	for _, ref := range label.refs {
		b.words[ref] = label.position
	}
	label.refs = nil
}

// EmitWords appends raw words without validation. The assembler uses it
// for data and for instructions whose operands mix values and labels.
func (b *BytecodeBuilder) EmitWords(words ...uint16) {
	b.words = append(b.words, words...)
}

// EmitLabelRef appends one word holding the address of label, patched when
// the label is marked.
func (b *BytecodeBuilder) EmitLabelRef(label *Label) {
	if label.resolved {
		b.words = append(b.words, label.position)
		return
	}
	label.refs = append(label.refs, len(b.words))
	b.words = append(b.words, 0)
}

// emitTarget appends op, its leading operands and a final label operand.
func (b *BytecodeBuilder) emitTarget(op Opcode, label *Label, args ...uint16) {
	if len(args)+1 != op.Arity() {
		panic(fmt.Sprintf("%s: %v: got %d, want %d", op, ErrArity, len(args)+1, op.Arity()))
	}
	b.words = append(b.words, uint16(op))
	b.words = append(b.words, args...)
	b.EmitLabelRef(label)
}

// EmitJump emits GOTO, IFZERO or IFNZERO to a label.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	switch op {
	case OpGoto, OpIfZero, OpIfNZero:
		b.emitTarget(op, label)
	default:
		panic(fmt.Sprintf("EmitJump: %s is not a jump", op))
	}
}

// EmitCall emits CALL m, label.
func (b *BytecodeBuilder) EmitCall(m uint16, label *Label) {
	b.emitTarget(OpCall, label, m)
}

// EmitTailCall emits TCALL m, n, label.
func (b *BytecodeBuilder) EmitTailCall(m, n uint16, label *Label) {
	b.emitTarget(OpTCall, label, m, n)
}

// Build returns the finished word stream. Every referenced label must have
// been marked.
func (b *BytecodeBuilder) Build() ([]uint16, error) {
	for _, l := range b.labels {
		if !l.resolved && len(l.refs) > 0 {
			return nil, fmt.Errorf("%w %q", ErrUnresolvedLabel, l.name)
		}
	}
	return append([]uint16(nil), b.words...), nil
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction disassembles the instruction at the reader's
// position and advances the reader. An undecodable word is rendered as a
// .word directive and skipped.
func DisassembleInstruction(r *BytecodeReader) string {
	pos := r.Position()
	in, err := r.ReadInstruction()
	if err != nil {
		r.Seek(pos + 1)
		return fmt.Sprintf("%04d  .word %d", pos, r.code[pos])
	}
	return fmt.Sprintf("%04d  %s", pos, in)
}

// Disassemble returns a full listing of code.
func Disassemble(code []uint16) string {
	r := NewBytecodeReader(code)
	var sb strings.Builder
	for r.HasMore() {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(DisassembleInstruction(r))
	}
	return sb.String()
}
