// Package dist implements the on-disk forms of stackvm programs: CBOR
// program images (.svmi) carrying code, default host arguments and a symbol
// table, and raw little-endian word files (.bin) holding nothing but the
// word stream.
package dist

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Image format constants
// ---------------------------------------------------------------------------

// ImageMagic identifies a stackvm program image.
const ImageMagic = "SVMI"

// Image format version
// v1: initial format
const ImageVersion uint8 = 1

var (
	ErrInvalidMagic    = errors.New("invalid magic: expected SVMI")
	ErrVersionMismatch = errors.New("image version mismatch")
	ErrHashMismatch    = errors.New("code hash mismatch")
	ErrBadSymbol       = errors.New("symbol outside code")
	ErrTooLarge        = errors.New("program too large")
)

// Image is a program together with the metadata needed to run and inspect
// it. Hash is the SHA-256 of the code words in little-endian order and is
// checked on load.
type Image struct {
	Magic   string            `cbor:"1,keyasint"`
	Version uint8             `cbor:"2,keyasint"`
	Name    string            `cbor:"3,keyasint,omitempty"`
	Code    []uint16          `cbor:"4,keyasint"`
	Args    []uint16          `cbor:"5,keyasint,omitempty"` // default host arguments
	Symbols map[string]uint16 `cbor:"6,keyasint,omitempty"` // label -> word address
	Hash    [32]byte          `cbor:"7,keyasint"`
}

// NewImage creates an image for code and fills in magic, version and hash.
func NewImage(name string, code []uint16) *Image {
	img := &Image{
		Magic:   ImageMagic,
		Version: ImageVersion,
		Name:    name,
		Code:    append([]uint16(nil), code...),
	}
	img.Hash = CodeHash(img.Code)
	return img
}

// CodeHash returns the SHA-256 of code encoded as little-endian words.
func CodeHash(code []uint16) [32]byte {
	return sha256.Sum256(EncodeRaw(code))
}

// Verify checks magic, version, code size, hash and symbol addresses. The
// code itself may hold data words and is not required to decode.
func (img *Image) Verify() error {
	if img.Magic != ImageMagic {
		return fmt.Errorf("dist: %w: got %q", ErrInvalidMagic, img.Magic)
	}
	if img.Version != ImageVersion {
		return fmt.Errorf("dist: %w: expected %d, got %d", ErrVersionMismatch, ImageVersion, img.Version)
	}
	if err := checkSize(len(img.Code)); err != nil {
		return err
	}
	if computed := CodeHash(img.Code); computed != img.Hash {
		return fmt.Errorf("dist: %w: declared %x, computed %x", ErrHashMismatch, img.Hash, computed)
	}
	for name, addr := range img.Symbols {
		if int(addr) > len(img.Code) {
			return fmt.Errorf("dist: %w: %q at %04d, code has %d words", ErrBadSymbol, name, addr, len(img.Code))
		}
	}
	return nil
}

// SymbolAt returns the label names bound to addr, sorted.
func (img *Image) SymbolAt(addr uint16) []string {
	var names []string
	for name, a := range img.Symbols {
		if a == addr {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
