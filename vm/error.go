package vm

import (
	"errors"
	"fmt"
)

// Engine fault causes. A *Fault wraps exactly one of these (or an I/O error
// from the output sink together with ErrOutput).
var (
	ErrPCOutOfRange = errors.New("pc outside program")
	ErrDivideByZero = errors.New("division by zero")
	ErrOutput       = errors.New("output write failed")
)

// Fault describes the cause and the context of an engine fault. Registers
// hold the machine state before the faulting instruction.
type Fault struct {
	Err       error     // cause
	Op        Opcode    // instruction that faulted, if it was decoded
	Decoded   bool      // false when the fault happened while decoding
	Registers Registers // registers before the step
}

func (f *Fault) Error() string {
	msg := "stackvm: " + f.Err.Error()
	if f.Decoded {
		msg += " in " + f.Op.Name()
	}
	return msg + fmt.Sprintf(" at pc=%04x sp=%04x bp=%04x", f.Registers.PC, f.Registers.SP, f.Registers.BP)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// IsFault reports whether err is (or wraps) an engine fault.
func IsFault(err error) bool {
	var f *Fault
	return errors.As(err, &f)
}
