package dist

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/chazu/stackvm/vm"
)

func sampleCode(t *testing.T) []uint16 {
	t.Helper()
	b := vm.NewBytecodeBuilder()
	fn := b.NewLabel("fn")
	b.Emit(vm.OpConst, '1')
	b.EmitCall(1, fn)
	b.Emit(vm.OpPrintC)
	b.Emit(vm.OpStop)
	b.Mark(fn)
	b.Emit(vm.OpGetBP)
	b.Emit(vm.OpLdi)
	b.Emit(vm.OpRet, 1)
	code, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return code
}

func TestImage_CBORRoundTrip(t *testing.T) {
	code := sampleCode(t)
	img := NewImage("sample", code)
	img.Args = []uint16{5, 4}
	img.Symbols = map[string]uint16{"fn": 7}

	data, err := MarshalImage(img)
	if err != nil {
		t.Fatalf("MarshalImage: %v", err)
	}

	got, err := UnmarshalImage(data)
	if err != nil {
		t.Fatalf("UnmarshalImage: %v", err)
	}

	if got.Magic != ImageMagic || got.Version != ImageVersion {
		t.Errorf("header = %q v%d", got.Magic, got.Version)
	}
	if got.Name != "sample" {
		t.Errorf("Name: got %q, want %q", got.Name, "sample")
	}
	if len(got.Code) != len(code) {
		t.Fatalf("Code: got %d words, want %d", len(got.Code), len(code))
	}
	for k := range code {
		if got.Code[k] != code[k] {
			t.Errorf("Code[%d] = %d, want %d", k, got.Code[k], code[k])
		}
	}
	if len(got.Args) != 2 || got.Args[0] != 5 || got.Args[1] != 4 {
		t.Errorf("Args mismatch: %v", got.Args)
	}
	if got.Symbols["fn"] != 7 {
		t.Errorf("Symbols mismatch: %v", got.Symbols)
	}
	if got.Hash != img.Hash {
		t.Error("Hash mismatch")
	}
}

func TestImage_CanonicalEncoding(t *testing.T) {
	code := sampleCode(t)
	a := NewImage("x", code)
	a.Symbols = map[string]uint16{"b": 2, "a": 1, "c": 3}
	b := NewImage("x", code)
	b.Symbols = map[string]uint16{"c": 3, "a": 1, "b": 2}

	da, err := MarshalImage(a)
	if err != nil {
		t.Fatalf("MarshalImage: %v", err)
	}
	db, err := MarshalImage(b)
	if err != nil {
		t.Fatalf("MarshalImage: %v", err)
	}
	if !bytes.Equal(da, db) {
		t.Error("equal images encoded differently")
	}
}

func TestImage_RejectsTampering(t *testing.T) {
	img := NewImage("x", sampleCode(t))
	img.Code[1] = 'X'
	data, err := MarshalImage(img)
	if err != nil {
		t.Fatalf("MarshalImage: %v", err)
	}
	if _, err := UnmarshalImage(data); !errors.Is(err, ErrHashMismatch) {
		t.Errorf("error = %v, want ErrHashMismatch", err)
	}
}

func TestImage_RejectsBadHeader(t *testing.T) {
	img := NewImage("x", sampleCode(t))
	img.Magic = "MAGI"
	if err := img.Verify(); !errors.Is(err, ErrInvalidMagic) {
		t.Errorf("error = %v, want ErrInvalidMagic", err)
	}

	img = NewImage("x", sampleCode(t))
	img.Version = 9
	if err := img.Verify(); !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("error = %v, want ErrVersionMismatch", err)
	}
}

func TestImage_AllowsDataWords(t *testing.T) {
	// GOTO over a data word that is not an opcode
	img := NewImage("x", []uint16{uint16(vm.OpGoto), 3, 0xFFFF, uint16(vm.OpStop)})
	if err := img.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestImage_RejectsSymbolOutsideCode(t *testing.T) {
	img := NewImage("x", []uint16{uint16(vm.OpStop)})
	img.Symbols = map[string]uint16{"end": 1, "far": 2}
	if err := img.Verify(); !errors.Is(err, ErrBadSymbol) {
		t.Errorf("error = %v, want ErrBadSymbol", err)
	}
}

func TestImage_RejectsOversizeCode(t *testing.T) {
	if err := NewImage("max", make([]uint16, vm.MaxCodeWords)).Verify(); err != nil {
		t.Errorf("Verify at the limit: %v", err)
	}
	img := NewImage("big", make([]uint16, vm.MaxCodeWords+1))
	if err := img.Verify(); !errors.Is(err, ErrTooLarge) {
		t.Errorf("error = %v, want ErrTooLarge", err)
	}
}

func TestImage_RejectsGarbage(t *testing.T) {
	if _, err := UnmarshalImage([]byte{0xff, 0x00, 0x13}); err == nil {
		t.Error("expected error for garbage input")
	}
}

func TestImageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prog.svmi")
	img := NewImage("file", sampleCode(t))
	if err := WriteImageFile(path, img); err != nil {
		t.Fatalf("WriteImageFile: %v", err)
	}
	got, err := ReadImageFile(path)
	if err != nil {
		t.Fatalf("ReadImageFile: %v", err)
	}
	if got.Hash != img.Hash || got.Name != "file" {
		t.Errorf("read back %+v", got)
	}

	if _, err := ReadImageFile(filepath.Join(t.TempDir(), "missing.svmi")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestImage_SymbolAt(t *testing.T) {
	img := NewImage("x", nil)
	img.Symbols = map[string]uint16{"loop": 4, "again": 4, "end": 9}
	names := img.SymbolAt(4)
	if len(names) != 2 || names[0] != "again" || names[1] != "loop" {
		t.Errorf("SymbolAt(4) = %v", names)
	}
	if names := img.SymbolAt(5); names != nil {
		t.Errorf("SymbolAt(5) = %v, want nil", names)
	}
}

func TestImage_RunsOnInterpreter(t *testing.T) {
	data, err := MarshalImage(NewImage("run", sampleCode(t)))
	if err != nil {
		t.Fatalf("MarshalImage: %v", err)
	}
	img, err := UnmarshalImage(data)
	if err != nil {
		t.Fatalf("UnmarshalImage: %v", err)
	}
	var out bytes.Buffer
	interp := vm.NewInterpreter(img.Code, vm.WithOutput(&out), vm.WithArgs(img.Args))
	if err := interp.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "1" {
		t.Errorf("output = %q, want %q", out.String(), "1")
	}
}
