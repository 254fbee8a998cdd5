package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chazu/stackvm/asm"
	"github.com/chazu/stackvm/vm/dist"
)

// program is a loaded program ready to run.
type program struct {
	name    string
	code    []uint16
	args    []uint16          // default host arguments, from an image
	symbols map[string]uint16 // labels, when known
}

// loadProgram loads a program by file extension: .asm and .s are
// assembled, .svmi is a CBOR image and .bin holds raw little-endian words.
func loadProgram(path string) (*program, error) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".asm", ".s":
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		p, err := assemble(name, string(src))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return p, nil

	case ".svmi":
		img, err := dist.ReadImageFile(path)
		if err != nil {
			return nil, err
		}
		if img.Name != "" {
			name = img.Name
		}
		return &program{name: name, code: img.Code, args: img.Args, symbols: img.Symbols}, nil

	case ".bin":
		code, err := dist.ReadRawFile(path)
		if err != nil {
			return nil, err
		}
		return &program{name: name, code: code}, nil

	default:
		return nil, fmt.Errorf("%s: unknown program kind (want .asm, .s, .svmi or .bin)", path)
	}
}

// readProgram assembles source read from r.
func readProgram(name string, r io.Reader) (*program, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	p, err := assemble(name, string(src))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return p, nil
}

func assemble(name, src string) (*program, error) {
	prog, err := asm.AssembleProgram(src)
	if err != nil {
		return nil, err
	}
	return &program{name: name, code: prog.Code, symbols: prog.Symbols}, nil
}

// writeProgram writes p to path as an image (.svmi) or raw words (.bin).
func writeProgram(path string, p *program, args []uint16) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".svmi":
		img := dist.NewImage(p.name, p.code)
		img.Args = args
		img.Symbols = p.symbols
		return dist.WriteImageFile(path, img)
	case ".bin":
		return dist.WriteRawFile(path, p.code)
	default:
		return fmt.Errorf("%s: output must end in .svmi or .bin", path)
	}
}

// parseArgs parses a comma- or space-separated list of 16-bit words.
func parseArgs(s string) ([]uint16, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	args := make([]uint16, 0, len(fields))
	for _, f := range fields {
		var v uint64
		var err error
		if strings.HasPrefix(f, "0x") || strings.HasPrefix(f, "0X") {
			v, err = strconv.ParseUint(f[2:], 16, 16)
		} else {
			v, err = strconv.ParseUint(f, 10, 16)
		}
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", f, err)
		}
		args = append(args, uint16(v))
	}
	return args, nil
}
