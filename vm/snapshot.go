package vm

// maxSnapshotSlots caps the stack window captured by Snapshot.
const maxSnapshotSlots = 1024

// Snapshot is a serializable view of the machine for inspection tools.
type Snapshot struct {
	Registers Registers `yaml:"registers" cbor:"registers"`
	Halted    bool      `yaml:"halted" cbor:"halted"`
	Fault     string    `yaml:"fault,omitempty" cbor:"fault,omitempty"`
	Steps     uint64    `yaml:"steps" cbor:"steps"`
	StackBase uint16    `yaml:"stack_base" cbor:"stack_base"` // address of Stack[0]
	Stack     []uint16  `yaml:"stack,flow" cbor:"stack"`      // slots StackBase..sp
	Frames    []Frame   `yaml:"frames,omitempty" cbor:"frames,omitempty"`
}

// Snapshot captures registers, the live part of the stack and the frame
// chain.
func (i *Interpreter) Snapshot() Snapshot {
	snap := Snapshot{
		Registers: i.Registers(),
		Halted:    i.halted,
		Steps:     i.steps,
		Frames:    i.Frames(),
	}
	if i.fault != nil {
		snap.Fault = i.fault.Error()
	}

	n := int(i.sp) + 1
	if n > maxSnapshotSlots {
		n = maxSnapshotSlots
	}
	snap.StackBase = uint16(int(i.sp) + 1 - n)
	snap.Stack = make([]uint16, n)
	copy(snap.Stack, i.stack[snap.StackBase:int(snap.StackBase)+n])
	return snap
}
