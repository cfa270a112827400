// Package testspec holds the declarative description of one assembly test:
// the unit under test, its inputs, the label to call and what must hold
// afterwards. A TestSpec is built once per test, validated, handed to the
// synthesizer and discarded after verification.
package testspec

import (
	"errors"
	"fmt"
	"strings"

	"asmtest/pkg/encode"
)

// ErrSpecification marks a malformed test description. Such errors are
// reported before anything is synthesized or run.
var ErrSpecification = errors.New("specification error")

type InputKind int

const (
	ScalarInput InputKind = iota
	ArrayInput
	StringInput
)

// Input assigns a register before the call. Scalars carry Value; array
// and string inputs load the address of the buffer named by Label.
type Input struct {
	Register string
	Kind     InputKind
	Value    int64
	Label    string
}

// ArrayBuffer is a labelled region of the data segment.
type ArrayBuffer struct {
	Label  string
	Width  encode.Width
	Values []int64
}

func (a *ArrayBuffer) Len() int { return len(a.Values) }

// StringBuffer is a NUL-terminated string in the data segment.
type StringBuffer struct {
	Label string
	Value string
}

type CheckKind int

const (
	// ScalarEquals compares a register with a literal.
	ScalarEquals CheckKind = iota
	// ArrayEquals compares the buffer at Label element by element.
	ArrayEquals
	// PointerEquals compares the memory a register points to.
	PointerEquals
)

func (k CheckKind) String() string {
	switch k {
	case ScalarEquals:
		return "scalar"
	case ArrayEquals:
		return "array"
	case PointerEquals:
		return "array-pointer"
	}
	return fmt.Sprintf("CheckKind(%d)", int(k))
}

// Check is one post-call expectation.
type Check struct {
	Kind     CheckKind
	Register string
	Label    string
	// Width of the compared elements. Zero means the buffer's own width
	// for ArrayEquals, which accepts no other, and a word otherwise.
	Width    encode.Width
	Expected []int64
}

// String describes the check the way diagnostics name it.
func (c Check) String() string {
	switch c.Kind {
	case ScalarEquals:
		if len(c.Expected) == 1 {
			return fmt.Sprintf("%s == %d", c.Register, c.Expected[0])
		}
		return c.Register
	case ArrayEquals:
		return fmt.Sprintf("%s == %s", c.Label, formatValues(c.Expected))
	case PointerEquals:
		return fmt.Sprintf("*%s == %s", c.Register, formatValues(c.Expected))
	}
	return "unknown check"
}

func formatValues(vs []int64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vs {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprint(&b, v)
	}
	b.WriteByte(']')
	return b.String()
}

// FileCheck compares a file the program writes with a reference file.
type FileCheck struct {
	Output    string
	Reference string
}

// TestSpec is the aggregate description of a test.
type TestSpec struct {
	Name      string
	Unit      string
	Includes  []string
	Inputs    []Input
	Arrays    []*ArrayBuffer
	Strings   []*StringBuffer
	Call      string
	Checks    []Check
	Stdout    *string
	Files     []FileCheck
	ExitCode  int
	Args      []string
	Stdin     []byte
	NoRuntime bool

	CheckCallingConvention bool

	labels *encode.Labeler
}

// New returns an empty spec for unit, named after the originating test.
func New(name, unit string) *TestSpec {
	return &TestSpec{Name: name, Unit: unit, labels: encode.NewLabeler()}
}

func (s *TestSpec) labeler() *encode.Labeler {
	if s.labels == nil {
		s.labels = encode.NewLabeler()
		for _, a := range s.Arrays {
			_ = s.labels.Claim(a.Label)
		}
		for _, str := range s.Strings {
			_ = s.labels.Claim(str.Label)
		}
	}
	return s.labels
}

// NewArray declares a buffer under the next free m<N> label.
func (s *TestSpec) NewArray(w encode.Width, values []int64) *ArrayBuffer {
	a := &ArrayBuffer{
		Label:  s.labeler().Next("m"),
		Width:  w,
		Values: append([]int64(nil), values...),
	}
	s.Arrays = append(s.Arrays, a)
	return a
}

// NewString declares a string under the next free str<N> label.
func (s *TestSpec) NewString(v string) *StringBuffer {
	str := &StringBuffer{Label: s.labeler().Next("str"), Value: v}
	s.Strings = append(s.Strings, str)
	return str
}

// Array returns the buffer declared under label.
func (s *TestSpec) Array(label string) *ArrayBuffer {
	for _, a := range s.Arrays {
		if a.Label == label {
			return a
		}
	}
	return nil
}

func (s *TestSpec) stringBuffer(label string) *StringBuffer {
	for _, str := range s.Strings {
		if str.Label == label {
			return str
		}
	}
	return nil
}

// Units lists the dependency units followed by the unit under test, in
// emission order.
func (s *TestSpec) Units() []string {
	out := make([]string, 0, len(s.Includes)+1)
	out = append(out, s.Includes...)
	return append(out, s.Unit)
}

// HasStdout reports whether standard output is compared.
func (s *TestSpec) HasStdout() bool { return s.Stdout != nil }
