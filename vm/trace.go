package vm

import (
	"fmt"
	"io"
	"strings"
)

// ---------------------------------------------------------------------------
// Tracing
// ---------------------------------------------------------------------------

// TraceEvent describes one executed step. Registers and Top are captured
// before the instruction's effect is applied.
type TraceEvent struct {
	Step   uint64      // 1-based step number
	PC     uint16      // pc of the opcode word
	SP     uint16
	BP     uint16
	Top    []uint16    // stack[sp], stack[sp-1] (only stack[0] when sp is 0)
	Inst   Instruction // decoded instruction
	Output []byte      // bytes emitted by this step
	Err    error       // cause, when the step faulted
}

// TraceSink receives trace events. Sinks must not retain Top or Output
// beyond the call.
type TraceSink interface {
	Trace(ev *TraceEvent) error
}

// TraceFunc adapts a function to the TraceSink interface.
type TraceFunc func(ev *TraceEvent) error

// Trace calls f(ev).
func (f TraceFunc) Trace(ev *TraceEvent) error {
	return f(ev)
}

// TextTraceSink writes one human-readable line per step. The step's output,
// escaped, is shown in a left column.
type TextTraceSink struct {
	w io.Writer
}

// NewTextTraceSink creates a text trace sink writing to w.
func NewTextTraceSink(w io.Writer) *TextTraceSink {
	return &TextTraceSink{w: w}
}

// Trace writes ev as a single line.
func (s *TextTraceSink) Trace(ev *TraceEvent) error {
	_, err := fmt.Fprintf(s.w, "%-60s%s\n", printableChars(ev.Output), FormatTrace(ev))
	return err
}

// FormatTrace renders the register/stack snapshot and the instruction.
func FormatTrace(ev *TraceEvent) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "pc=%04x sp=%04x bp=%04x  [", ev.PC, ev.SP, ev.BP)
	switch len(ev.Top) {
	case 0:
		sb.WriteString("]")
	case 1:
		fmt.Fprintf(&sb, "%04x          ]", ev.Top[0])
	default:
		fmt.Fprintf(&sb, "%04x %04x ... ]", ev.Top[0], ev.Top[1])
	}
	sb.WriteByte(' ')
	sb.WriteString(ev.Inst.String())
	if ev.Err != nil {
		fmt.Fprintf(&sb, "  !! %v", ev.Err)
	}
	return sb.String()
}

// printableChars escapes control and non-ASCII bytes.
func printableChars(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		switch {
		case c == '\n':
			sb.WriteString(`\n`)
		case c == '\r':
			sb.WriteString(`\r`)
		case c == '\t':
			sb.WriteString(`\t`)
		case c <= 0x20 || c > 0x7f:
			fmt.Fprintf(&sb, `\x%02x`, c)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
