package tracedb

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/chazu/stackvm/vm"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "trace.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// countdown builds a program that tail-calls itself n times and prints
// "0" at the end.
func countdown(t *testing.T, n uint16) []uint16 {
	t.Helper()
	b := vm.NewBytecodeBuilder()
	loop := b.NewLabel("loop")
	done := b.NewLabel("done")
	b.Emit(vm.OpConst, n)
	b.EmitCall(1, loop)
	b.Emit(vm.OpPrintI)
	b.Emit(vm.OpStop)
	b.Mark(loop)
	b.Emit(vm.OpGetBP)
	b.Emit(vm.OpLdi)
	b.Emit(vm.OpDup)
	b.EmitJump(vm.OpIfZero, done)
	b.Emit(vm.OpConst, 1)
	b.Emit(vm.OpSub)
	b.EmitTailCall(1, 1, loop)
	b.Mark(done)
	b.Emit(vm.OpRet, 1)
	code, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return code
}

func TestRecordRun(t *testing.T) {
	store := openTestStore(t)
	run, err := store.StartRun("hello")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	code := []uint16{
		uint16(vm.OpConst), 'H', uint16(vm.OpPrintC),
		uint16(vm.OpConst), 4711, uint16(vm.OpConst), 89, uint16(vm.OpAdd), uint16(vm.OpPrintI),
	}
	interp := vm.NewInterpreter(code, vm.WithTraceSink(run))
	if err := interp.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := run.Finish("halted", interp.Steps()); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	info, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if info.Program != "hello" || info.Status != "halted" || info.Steps != 7 || info.FinishedAt == "" {
		t.Errorf("run info = %+v", info)
	}

	steps, err := store.Steps(run.ID)
	if err != nil {
		t.Fatalf("Steps: %v", err)
	}
	if len(steps) != 7 {
		t.Fatalf("recorded %d steps, want 7", len(steps))
	}
	first := steps[0]
	if first.Step != 1 || first.PC != 0 || first.SP != 0 || first.BP != 0xFFFF || first.Op != "CONST" {
		t.Errorf("first step = %+v", first)
	}
	if first.Top0 != 0xFFFF || first.Top1 != nil {
		t.Errorf("first step top = %d, %v; want 65535, nil", first.Top0, first.Top1)
	}
	if second := steps[1]; second.Top1 == nil || *second.Top1 != 0xFFFF || second.Output != "H" {
		t.Errorf("second step = %+v", second)
	}
	if last := steps[6]; last.Op != "STOP" || last.Inst != "STOP" {
		t.Errorf("last step = %+v", last)
	}

	out, err := store.Output(run.ID)
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if out != "H4800" {
		t.Errorf("Output = %q, want %q", out, "H4800")
	}
}

func TestBatchedRunAndHistogram(t *testing.T) {
	store := openTestStore(t)
	run, err := store.StartRun("countdown")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	const n = 300
	interp := vm.NewInterpreter(countdown(t, n), vm.WithTraceSink(run))
	if err := interp.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := run.Finish("halted", interp.Steps()); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	steps, err := store.Steps(run.ID)
	if err != nil {
		t.Fatalf("Steps: %v", err)
	}
	if uint64(len(steps)) != interp.Steps() {
		t.Fatalf("recorded %d steps, engine ran %d", len(steps), interp.Steps())
	}
	for k, rec := range steps {
		if rec.Step != uint64(k+1) {
			t.Fatalf("steps[%d].Step = %d", k, rec.Step)
		}
	}

	hist, err := store.OpcodeHistogram(run.ID)
	if err != nil {
		t.Fatalf("OpcodeHistogram: %v", err)
	}
	counts := map[string]uint64{}
	for _, oc := range hist {
		counts[oc.Op] = oc.Count
	}
	if counts["TCALL"] != n || counts["CALL"] != 1 || counts["GETBP"] != n+1 {
		t.Errorf("histogram = %v", hist)
	}

	height, err := store.MaxStackHeight(run.ID)
	if err != nil {
		t.Fatalf("MaxStackHeight: %v", err)
	}
	// loop body peaks at bp+2 before IFZERO; bp is 3
	if height != 5 {
		t.Errorf("MaxStackHeight = %d, want 5", height)
	}
}

func TestRunsListing(t *testing.T) {
	store := openTestStore(t)
	a, err := store.StartRun("a")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if _, err := store.StartRun("b"); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := a.Finish("faulted", 3); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	runs, err := store.Runs()
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Runs() = %+v", runs)
	}
	if runs[0].Program != "a" || runs[0].Status != "faulted" {
		t.Errorf("runs[0] = %+v", runs[0])
	}
	if runs[1].Program != "b" || runs[1].Status != "running" || runs[1].FinishedAt != "" {
		t.Errorf("runs[1] = %+v", runs[1])
	}
	if runs[0].ID == runs[1].ID {
		t.Error("runs share an ID")
	}
}

func TestFinishedRunRejectsEvents(t *testing.T) {
	store := openTestStore(t)
	run, err := store.StartRun("x")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := run.Finish("halted", 0); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	ev := &vm.TraceEvent{Step: 1, Top: []uint16{0}, Inst: vm.MustInstruction(vm.OpNoop)}
	if err := run.Trace(ev); !errors.Is(err, ErrRunFinished) {
		t.Errorf("Trace error = %v, want ErrRunFinished", err)
	}
	if err := run.Finish("halted", 0); !errors.Is(err, ErrRunFinished) {
		t.Errorf("second Finish error = %v, want ErrRunFinished", err)
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.GetRun("nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("error = %v, want ErrRunNotFound", err)
	}
}

func TestReopenKeepsRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	run, err := store.StartRun("persist")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := run.Finish("halted", 0); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	store.Close()

	store, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	if _, err := store.GetRun(run.ID); err != nil {
		t.Errorf("GetRun after reopen: %v", err)
	}
}
