package encode

import (
	"fmt"
	"strings"
	"unicode"
)

// ReservedPrefix starts every label the harness itself emits.
const ReservedPrefix = "__asmtest_"

// Labeler hands out labels that are unique within one program.
type Labeler struct {
	used   map[string]bool
	counts map[string]int
}

func NewLabeler() *Labeler {
	return &Labeler{
		used:   make(map[string]bool),
		counts: make(map[string]int),
	}
}

// Next returns prefix followed by the next free number, e.g. m0, m1.
func (l *Labeler) Next(prefix string) string {
	for {
		n := l.counts[prefix]
		l.counts[prefix]++
		name := fmt.Sprintf("%s%d", prefix, n)
		if !l.used[name] {
			l.used[name] = true
			return name
		}
	}
}

// Claim registers a caller-chosen label.
func (l *Labeler) Claim(name string) error {
	if !IsLabel(name) {
		return fmt.Errorf("invalid label %q", name)
	}
	if strings.HasPrefix(name, ReservedPrefix) {
		return fmt.Errorf("label %q uses the reserved prefix %s", name, ReservedPrefix)
	}
	if l.used[name] {
		return fmt.Errorf("duplicate label %q", name)
	}
	l.used[name] = true
	return nil
}

// IsLabel reports whether s is a valid assembler identifier.
func IsLabel(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if i == 0 && !unicode.IsLetter(r) && r != '_' {
			return false
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// Buffer is one labelled contiguous region of the data segment.
type Buffer struct {
	Label  string
	Width  Width
	Values []int64
	// Bytes holds the encoded contents; a NUL-terminated string when
	// String is set.
	Bytes  []byte
	String bool
}

// NewBuffer encodes values under label.
func NewBuffer(label string, w Width, values []int64) (*Buffer, error) {
	if !w.Valid() {
		return nil, fmt.Errorf("buffer %s: invalid width %d", label, int(w))
	}
	b, err := EncodeArray(values, w)
	if err != nil {
		return nil, fmt.Errorf("buffer %s: %w", label, err)
	}
	return &Buffer{Label: label, Width: w, Values: append([]int64(nil), values...), Bytes: b}, nil
}

// NewString encodes s as a NUL-terminated byte string.
func NewString(label, s string) (*Buffer, error) {
	if strings.IndexByte(s, 0) >= 0 {
		return nil, fmt.Errorf("string %s: embedded NUL byte", label)
	}
	b := append([]byte(s), 0)
	return &Buffer{Label: label, Width: Byte, Bytes: b, String: true}, nil
}

// Len is the number of elements (bytes including the terminator for strings).
func (b *Buffer) Len() int {
	return len(b.Bytes) / int(b.Width)
}

// Footprint is the number of bytes b occupies in a layout. An empty buffer
// still takes one element so its label has an address of its own.
func (b *Buffer) Footprint() int {
	if len(b.Bytes) == 0 {
		return int(b.Width)
	}
	return len(b.Bytes)
}

// Placement is where a buffer landed relative to the data segment base.
type Placement struct {
	Buffer *Buffer
	Offset int
	// Pad is the number of alignment bytes inserted before the buffer.
	Pad int
}

// Layout places buffers in order, each at its natural alignment.
type Layout struct {
	Placements []Placement
	size       int
}

// Place appends b to the layout.
func (l *Layout) Place(b *Buffer) Placement {
	align := int(b.Width)
	pad := (align - l.size%align) % align
	p := Placement{Buffer: b, Offset: l.size + pad, Pad: pad}
	l.size = p.Offset + b.Footprint()
	l.Placements = append(l.Placements, p)
	return p
}

// Size is the number of bytes the layout occupies.
func (l *Layout) Size() int { return l.size }

// Offset returns the offset of label, if placed.
func (l *Layout) Offset(label string) (int, bool) {
	for _, p := range l.Placements {
		if p.Buffer.Label == label {
			return p.Offset, true
		}
	}
	return 0, false
}

// Bytes returns the exact data segment image of the layout.
func (l *Layout) Bytes() []byte {
	out := make([]byte, l.size)
	for _, p := range l.Placements {
		copy(out[p.Offset:], p.Buffer.Bytes)
	}
	return out
}
