package vm

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("stackvm.vm")

const (
	// StackSize is the number of addressable stack slots. Every 16-bit
	// value is a valid stack address.
	StackSize = 1 << 16

	// Sentinel is the initial bp and the value stored in slot 0.
	Sentinel uint16 = 0xFFFF

	// MaxCodeWords is the longest program whose words and appended STOP
	// are all addressable by pc.
	MaxCodeWords = 0xFFFF

	valTrue  uint16 = 1
	valFalse uint16 = 0
)

// Registers is a copy of the machine registers. SP points at the last
// valid element; BP points at the first local slot of the current frame.
type Registers struct {
	PC uint16 `yaml:"pc" cbor:"pc"`
	SP uint16 `yaml:"sp" cbor:"sp"`
	BP uint16 `yaml:"bp" cbor:"bp"`
}

// ---------------------------------------------------------------------------
// Interpreter: the execution engine
// ---------------------------------------------------------------------------

// Interpreter executes a word stream on a single stack shared by operands
// and call frames. It is not safe for concurrent use except for
// RequestStop.
type Interpreter struct {
	code  []uint16
	stack *[StackSize]uint16

	pc, sp, bp uint16

	args []uint16
	out  io.Writer

	halted      bool
	interrupted bool // halted by a stop request rather than STOP
	fault       *Fault
	stop        atomic.Bool
	steps       uint64

	tracing  bool
	sink     TraceSink
	profiler *Profiler

	argBuf [3]uint16 // operands of the current instruction
	outBuf []byte    // output of the current step, kept while tracing
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithArgs sets the host argument words consumed by LDARGS.
func WithArgs(args []uint16) Option {
	return func(i *Interpreter) { i.SetArgs(args) }
}

// WithOutput sets the sink for PRINTI and PRINTC.
func WithOutput(w io.Writer) Option {
	return func(i *Interpreter) { i.SetOutput(w) }
}

// WithTraceSink enables tracing into sink.
func WithTraceSink(sink TraceSink) Option {
	return func(i *Interpreter) {
		i.sink = sink
		i.tracing = sink != nil
	}
}

// WithProfiler records opcode and call statistics into p.
func WithProfiler(p *Profiler) Option {
	return func(i *Interpreter) { i.profiler = p }
}

// NewInterpreter creates an engine for code. The code is copied and a STOP
// word is appended so that running off the end halts.
func NewInterpreter(code []uint16, opts ...Option) *Interpreter {
	c := make([]uint16, len(code), len(code)+1)
	copy(c, code)
	c = append(c, uint16(OpStop))

	i := &Interpreter{
		code:  c,
		stack: new([StackSize]uint16),
		out:   io.Discard,
	}
	i.Reset()
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Reset restores the initial machine state. Program, arguments, output and
// trace configuration are kept.
func (i *Interpreter) Reset() {
	*i.stack = [StackSize]uint16{}
	i.stack[0] = Sentinel
	i.pc = 0
	i.sp = 0
	i.bp = Sentinel
	i.halted = false
	i.interrupted = false
	i.fault = nil
	i.stop.Store(false)
	i.steps = 0
}

// SetArgs sets the host argument words consumed by LDARGS.
func (i *Interpreter) SetArgs(args []uint16) {
	i.args = append([]uint16(nil), args...)
}

// SetOutput sets the sink for PRINTI and PRINTC. A nil writer discards.
func (i *Interpreter) SetOutput(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	i.out = w
}

// SetTraceSink replaces the trace sink without changing whether tracing is
// on.
func (i *Interpreter) SetTraceSink(sink TraceSink) {
	i.sink = sink
}

// SetTracing turns tracing on or off. With no sink configured, trace lines
// go to standard error.
func (i *Interpreter) SetTracing(on bool) {
	if on && i.sink == nil {
		i.sink = NewTextTraceSink(os.Stderr)
	}
	i.tracing = on
}

// Tracing reports whether tracing is on.
func (i *Interpreter) Tracing() bool {
	return i.tracing
}

// Halted reports whether the engine executed STOP or honoured a stop
// request. A faulted engine is not halted.
func (i *Interpreter) Halted() bool {
	return i.halted
}

// Fault returns the fault that terminated the engine, or nil.
func (i *Interpreter) Fault() error {
	if i.fault == nil {
		return nil
	}
	return i.fault
}

// Registers returns a copy of pc, sp and bp.
func (i *Interpreter) Registers() Registers {
	return Registers{PC: i.pc, SP: i.sp, BP: i.bp}
}

// Stack returns a copy of the whole stack array.
func (i *Interpreter) Stack() []uint16 {
	s := make([]uint16, StackSize)
	copy(s, i.stack[:])
	return s
}

// Slot returns stack[addr].
func (i *Interpreter) Slot(addr uint16) uint16 {
	return i.stack[addr]
}

// Peek returns the value depth slots below the top; Peek(0) is the top.
func (i *Interpreter) Peek(depth uint16) uint16 {
	return i.stack[i.sp-depth]
}

// Steps returns the number of instructions executed since the last reset.
func (i *Interpreter) Steps() uint64 {
	return i.steps
}

// Code returns the program including the appended STOP.
func (i *Interpreter) Code() []uint16 {
	return append([]uint16(nil), i.code...)
}

// Program returns a listing of the loaded program.
func (i *Interpreter) Program() string {
	return Disassemble(i.code)
}

// ---------------------------------------------------------------------------
// Main interpreter loop
// ---------------------------------------------------------------------------

// Run steps until the engine halts or faults.
func (i *Interpreter) Run() error {
	for !i.halted {
		if err := i.Step(); err != nil {
			return err
		}
	}
	log.Debugf("halted after %d steps", i.steps)
	return nil
}

// Step executes one instruction. It is a no-op once the engine has halted
// and returns the same fault on every call once it has faulted.
func (i *Interpreter) Step() error {
	if i.fault != nil {
		return i.fault
	}
	if i.halted {
		return nil
	}
	if i.stop.Load() {
		i.halted = true
		i.interrupted = true
		return nil
	}

	before := i.Registers()
	inst, next, err := i.decode()
	if err != nil {
		return i.fail(err, before, inst.Op, false)
	}

	var ev *TraceEvent
	if i.tracing && i.sink != nil {
		ev = i.traceEvent(before, inst)
		i.outBuf = i.outBuf[:0]
	}

	i.pc = next
	i.steps++
	if i.profiler != nil {
		i.profiler.RecordOpcode(inst.Op)
	}

	err = i.execute(inst)
	if ev != nil {
		ev.Output = i.outBuf
		ev.Err = err
		if serr := i.sink.Trace(ev); serr != nil {
			log.Warningf("trace sink: %v", serr)
		}
	}
	if err != nil {
		return i.fail(err, before, inst.Op, true)
	}
	return nil
}

// decode reads the instruction at pc. The returned Args alias argBuf.
func (i *Interpreter) decode() (Instruction, uint16, error) {
	pc := int(i.pc)
	if pc >= len(i.code) {
		return Instruction{}, 0, ErrPCOutOfRange
	}
	op, err := DecodeOpcode(i.code[pc])
	if err != nil {
		return Instruction{}, 0, err
	}
	n := op.Arity()
	if pc+n >= len(i.code) {
		return Instruction{Op: op}, 0, ErrTruncated
	}
	args := i.argBuf[:n]
	copy(args, i.code[pc+1:pc+1+n])
	next := pc + 1 + n
	if next > int(^uint16(0)) && op != OpStop {
		// the following instruction would not be addressable
		return Instruction{Op: op, Args: args}, 0, ErrPCOutOfRange
	}
	return Instruction{Op: op, Args: args}, uint16(next), nil
}

func (i *Interpreter) fail(err error, before Registers, op Opcode, decoded bool) error {
	i.fault = &Fault{Err: err, Op: op, Decoded: decoded, Registers: before}
	log.Errorf("%v", i.fault)
	return i.fault
}

func (i *Interpreter) traceEvent(before Registers, inst Instruction) *TraceEvent {
	ev := &TraceEvent{
		Step: i.steps + 1,
		PC:   before.PC,
		SP:   before.SP,
		BP:   before.BP,
		Inst: inst,
	}
	if before.SP >= 1 {
		ev.Top = []uint16{i.stack[before.SP], i.stack[before.SP-1]}
	} else {
		ev.Top = []uint16{i.stack[before.SP]}
	}
	return ev
}

// execute applies the stack transition of inst. pc has already been
// advanced past the instruction; branches overwrite it.
func (i *Interpreter) execute(inst Instruction) error {
	s := i.stack

	switch inst.Op {
	// s => s,v
	case OpConst:
		i.sp++
		s[i.sp] = inst.Args[0]

	// s,a,b => s,(a op b)
	case OpAdd:
		s[i.sp-1] += s[i.sp]
		i.sp--

	case OpSub:
		s[i.sp-1] -= s[i.sp]
		i.sp--

	case OpMul:
		s[i.sp-1] *= s[i.sp]
		i.sp--

	case OpDiv:
		if s[i.sp] == 0 {
			return ErrDivideByZero
		}
		s[i.sp-1] /= s[i.sp]
		i.sp--

	case OpMod:
		if s[i.sp] == 0 {
			return ErrDivideByZero
		}
		s[i.sp-1] %= s[i.sp]
		i.sp--

	case OpEq:
		s[i.sp-1] = boolWord(s[i.sp-1] == s[i.sp])
		i.sp--

	case OpLt:
		s[i.sp-1] = boolWord(s[i.sp-1] < s[i.sp])
		i.sp--

	case OpNot:
		s[i.sp] = boolWord(s[i.sp] == valFalse)

	// s,v => s,v,v
	case OpDup:
		s[i.sp+1] = s[i.sp]
		i.sp++

	// s,a,b => s,b,a
	case OpSwap:
		s[i.sp], s[i.sp-1] = s[i.sp-1], s[i.sp]

	// s,a => s,stack[a]
	case OpLdi:
		s[i.sp] = s[s[i.sp]]

	// s,a,v => s,v with stack[a] = v
	case OpSti:
		v := s[i.sp]
		s[s[i.sp-1]] = v
		s[i.sp-1] = v
		i.sp--

	case OpGetBP:
		s[i.sp+1] = i.bp
		i.sp++

	case OpGetSP:
		s[i.sp+1] = i.sp
		i.sp++

	case OpIncSP:
		i.sp += inst.Args[0]

	case OpDecSP:
		i.sp -= inst.Args[0]

	case OpGoto:
		i.pc = inst.Args[0]

	case OpIfZero:
		v := s[i.sp]
		i.sp--
		if v == 0 {
			i.pc = inst.Args[0]
		}

	case OpIfNZero:
		v := s[i.sp]
		i.sp--
		if v != 0 {
			i.pc = inst.Args[0]
		}

	case OpCall:
		i.call(inst.Args[0], inst.Args[1])

	case OpTCall:
		i.tailCall(inst.Args[0], inst.Args[1], inst.Args[2])

	case OpRet:
		i.ret()

	case OpPrintI:
		v := s[i.sp]
		i.sp--
		var buf [5]byte
		return i.emit(strconv.AppendUint(buf[:0], uint64(v), 10))

	case OpPrintC:
		v := s[i.sp]
		i.sp--
		return i.emit([]byte{byte(v)})

	// s => s,a1,...,an,n
	case OpLdArgs:
		for _, a := range i.args {
			i.sp++
			s[i.sp] = a
		}
		i.sp++
		s[i.sp] = uint16(len(i.args))

	case OpStop:
		i.halted = true

	case OpNoop:

	default:
		// decode only yields opcodes from the table
		return ErrUnknownOpcode
	}
	return nil
}

func (i *Interpreter) emit(b []byte) error {
	if i.tracing {
		i.outBuf = append(i.outBuf, b...)
	}
	if _, err := i.out.Write(b); err != nil {
		return fmt.Errorf("%w: %w", ErrOutput, err)
	}
	return nil
}

func boolWord(b bool) uint16 {
	if b {
		return valTrue
	}
	return valFalse
}
