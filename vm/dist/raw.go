package dist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/chazu/stackvm/vm"
)

// ErrOddLength is returned for raw programs whose byte length is odd.
var ErrOddLength = errors.New("raw program has odd byte length")

// EncodeRaw returns code as little-endian words with no header.
func EncodeRaw(code []uint16) []byte {
	buf := make([]byte, 0, 2*len(code))
	for _, w := range code {
		buf = binary.LittleEndian.AppendUint16(buf, w)
	}
	return buf
}

// DecodeRaw parses a headerless little-endian word stream.
func DecodeRaw(data []byte) ([]uint16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("dist: %w (%d bytes)", ErrOddLength, len(data))
	}
	if err := checkSize(len(data) / 2); err != nil {
		return nil, err
	}
	code := make([]uint16, len(data)/2)
	for k := range code {
		code[k] = binary.LittleEndian.Uint16(data[2*k:])
	}
	return code, nil
}

// ReadRaw reads a raw program from r until EOF.
func ReadRaw(r io.Reader) ([]uint16, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return DecodeRaw(data)
}

// WriteRawFile writes code to path as raw little-endian words.
func WriteRawFile(path string, code []uint16) error {
	return os.WriteFile(path, EncodeRaw(code), 0o644)
}

// ReadRawFile reads the raw program at path.
func ReadRawFile(path string) ([]uint16, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	code, err := ReadRaw(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return code, nil
}

// checkSize rejects programs too long for pc to address every word.
func checkSize(words int) error {
	if words > vm.MaxCodeWords {
		return fmt.Errorf("dist: %w: %d words, at most %d", ErrTooLarge, words, vm.MaxCodeWords)
	}
	return nil
}
