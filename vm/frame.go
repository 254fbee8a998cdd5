package vm

// ---------------------------------------------------------------------------
// Call frames
//
// A frame is the region [bp-2 .. sp]:
//
//	bp-2  return address
//	bp-1  caller's bp
//	bp    first argument/local
//
// There is no frame table. Frames are found by following saved bp links.
// ---------------------------------------------------------------------------

// maxFrameWalk bounds Frames on corrupted link chains.
const maxFrameWalk = StackSize / 2

// Frame describes one activation found on the stack.
type Frame struct {
	BP       uint16 `yaml:"bp" cbor:"bp"`
	ReturnPC uint16 `yaml:"return_pc" cbor:"return_pc"`
	SavedBP  uint16 `yaml:"saved_bp" cbor:"saved_bp"`
}

// Linkage returns the return address and caller bp saved below the frame
// whose base is bp.
func (i *Interpreter) Linkage(bp uint16) (savedPC, savedBP uint16) {
	return i.stack[bp-2], i.stack[bp-1]
}

// Frames walks the bp chain from the current frame outwards until it
// reaches the sentinel.
func (i *Interpreter) Frames() []Frame {
	var frames []Frame
	for bp := i.bp; bp != Sentinel && len(frames) < maxFrameWalk; {
		pc, saved := i.Linkage(bp)
		frames = append(frames, Frame{BP: bp, ReturnPC: pc, SavedBP: saved})
		bp = saved
	}
	return frames
}

// call builds a frame for the m arguments on top of the stack.
//
//	s,v1,...,vm => s,r,bp,v1,...,vm
func (i *Interpreter) call(m, target uint16) {
	s := i.stack
	for k := uint16(0); k < m; k++ {
		s[i.sp+2-k] = s[i.sp-k]
	}
	r := i.sp - m + 1
	s[r] = i.pc
	s[r+1] = i.bp
	i.bp = r + 2
	i.sp += 2
	i.pc = target
	if i.profiler != nil {
		i.profiler.RecordCall(target)
	}
}

// tailCall replaces the n arguments of the current frame with the m
// arguments pushed above them. Linkage is left untouched.
//
//	s,r,b,u1,...,un,v1,...,vm => s,r,b,v1,...,vm
func (i *Interpreter) tailCall(m, n, target uint16) {
	s := i.stack
	dst := i.sp - m - n + 1
	src := i.sp - m + 1
	// ascending copy; dst never lies above src
	for k := uint16(0); k < m; k++ {
		s[dst+k] = s[src+k]
	}
	i.sp -= n
	i.pc = target
	if i.profiler != nil {
		i.profiler.RecordCall(target)
	}
}

// ret pops the return value, discards the frame and pushes the value in
// place of the return address slot.
//
//	s,r,b,v1,...,vm,v => s,v
func (i *Interpreter) ret() {
	pc, bp := i.Linkage(i.bp)
	v := i.stack[i.sp]
	i.sp = i.bp - 2
	i.stack[i.sp] = v
	i.bp = bp
	i.pc = pc
}
