// Package encode converts host integers into the fixed-width little-endian
// representations the RV32 target loads, and lays labelled buffers out in a
// data segment the way the assembler will.
//
// Out-of-range values are rejected, never truncated: a value fits a width
// when it is representable either as a signed or as an unsigned quantity of
// that width.
package encode

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

// ErrRange is returned when a value does not fit its declared width.
var ErrRange = errors.New("value out of range")

// Width is the size in bytes of one encoded element.
type Width int

const (
	Byte Width = 1
	Half Width = 2
	Word Width = 4
)

// Valid reports whether w is a width the target can load and store.
func (w Width) Valid() bool {
	return w == Byte || w == Half || w == Word
}

// Directive returns the assembler directive that emits one element of w.
func (w Width) Directive() string {
	switch w {
	case Byte:
		return ".byte"
	case Half:
		return ".half"
	default:
		return ".word"
	}
}

// Load returns the signed load mnemonic for w.
func (w Width) Load() string {
	switch w {
	case Byte:
		return "lb"
	case Half:
		return "lh"
	default:
		return "lw"
	}
}

// AlignLog2 is the operand of the .align directive that aligns to w.
func (w Width) AlignLog2() int {
	return bits.TrailingZeros(uint(w))
}

func (w Width) String() string {
	switch w {
	case Byte:
		return "byte"
	case Half:
		return "half"
	case Word:
		return "word"
	}
	return fmt.Sprintf("width(%d)", int(w))
}

// ParseWidth accepts byte, half or word (case-insensitive).
func ParseWidth(s string) (Width, error) {
	switch strings.ToLower(s) {
	case "", "word", "w", "4":
		return Word, nil
	case "half", "h", "2":
		return Half, nil
	case "byte", "b", "1":
		return Byte, nil
	}
	return 0, fmt.Errorf("unknown element width %q", s)
}

// Fits reports an error wrapping ErrRange unless v is representable in w
// as a signed or unsigned quantity.
func Fits(v int64, w Width) error {
	if !w.Valid() {
		return fmt.Errorf("invalid width %d", int(w))
	}
	nbits := uint(w) * 8
	lo := -(int64(1) << (nbits - 1))
	hi := int64(1)<<nbits - 1
	if v < lo || v > hi {
		return fmt.Errorf("%w: %d does not fit in a %d-bit %s", ErrRange, v, nbits, w)
	}
	return nil
}

// FitsWord checks v against the machine word.
func FitsWord(v int64) error {
	return Fits(v, Word)
}

// Encode returns the little-endian two's-complement bytes of v in w.
func Encode(v int64, w Width) ([]byte, error) {
	if err := Fits(v, w); err != nil {
		return nil, err
	}
	out := make([]byte, w)
	u := uint64(v)
	for i := range out {
		out[i] = byte(u >> (8 * i))
	}
	return out, nil
}

// EncodeArray encodes values back to back with no padding between elements.
func EncodeArray(values []int64, w Width) ([]byte, error) {
	out := make([]byte, 0, len(values)*int(w))
	for i, v := range values {
		b, err := Encode(v, w)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, b...)
	}
	return out, nil
}

// SignExtend returns v as a signed load of width w reads it back into a
// register, e.g. 200 as a byte reads back as -56.
func SignExtend(v int64, w Width) (int64, error) {
	if err := Fits(v, w); err != nil {
		return 0, err
	}
	shift := 64 - uint(w)*8
	return v << shift >> shift, nil
}

// Decode interprets b as a little-endian signed integer.
func Decode(b []byte) int64 {
	var u uint64
	for i := len(b) - 1; i >= 0; i-- {
		u = u<<8 | uint64(b[i])
	}
	shift := 64 - uint(len(b))*8
	return int64(u<<shift) >> shift
}

// Literal renders v for an li instruction as the register will hold it.
func Literal(v int64) string {
	if v > 1<<31-1 {
		// unsigned word values load as their signed bit pattern
		return fmt.Sprint(int64(int32(uint32(v))))
	}
	return fmt.Sprint(v)
}
