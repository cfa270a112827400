// Package synth turns a TestSpec into a complete, self-checking RV32
// program: a data segment holding the test's buffers, an entry routine that
// loads inputs, calls the target and checks the results, a small reporting
// runtime, and the included units followed by the unit under test.
//
// The exit code of the program says what happened: 0 when every check
// passed, arch.CheckFailureBase+i when check i failed, or whatever code the
// unit itself chose to exit with.
package synth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"asmtest/pkg/arch"
	"asmtest/pkg/asm"
	"asmtest/pkg/encode"
	"asmtest/pkg/testspec"
)

// ErrSynthesis marks a test that is well formed but cannot be turned into
// a program (missing unit, label clash, unencodable value).
var ErrSynthesis = errors.New("synthesis error")

// UnitSource resolves unit names to assembly source.
type UnitSource interface {
	Unit(name string) (string, error)
}

// Dir reads units from a directory.
type Dir string

func (d Dir) Unit(name string) (string, error) {
	b, err := os.ReadFile(filepath.Join(string(d), filepath.FromSlash(name)))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Units serves units from memory.
type Units map[string]string

func (u Units) Unit(name string) (string, error) {
	src, ok := u[name]
	if !ok {
		return "", fmt.Errorf("unit %q not found", name)
	}
	return src, nil
}

// Segment maps a range of generated lines (1-based, inclusive) back to the
// unit they were copied from.
type Segment struct {
	Unit  string
	Start int
	End   int
}

// Program is a synthesized test program.
type Program struct {
	Name     string
	Text     string
	Segments []Segment
	Checks   []Descriptor
	Layout   *encode.Layout
	// Sources holds the text of every emitted unit by name.
	Sources map[string]string
}

// Locate maps a generated line to the unit and unit line it came from.
func (p *Program) Locate(line int) (unit string, unitLine int, ok bool) {
	for _, s := range p.Segments {
		if line >= s.Start && line <= s.End {
			return s.Unit, line - s.Start + 1, true
		}
	}
	return "", 0, false
}

// CheckForCode returns the check whose failure exits with code.
func (p *Program) CheckForCode(code int) (Descriptor, bool) {
	i := code - arch.CheckFailureBase
	if i < 0 || i >= len(p.Checks) {
		return Descriptor{}, false
	}
	return p.Checks[i], true
}

type emitter struct {
	out   strings.Builder
	lines int
}

func (e *emitter) line(format string, args ...interface{}) {
	fmt.Fprintf(&e.out, format+"\n", args...)
	e.lines++
}

func (e *emitter) lineList(lines []string) {
	for _, l := range lines {
		e.line("%s", l)
	}
}

func (e *emitter) comment(format string, args ...interface{}) {
	e.line("# "+format, args...)
}

// Synthesize builds the program for spec. Specification problems are
// returned as is (wrapping testspec.ErrSpecification); everything else
// wraps ErrSynthesis.
func Synthesize(spec *testspec.TestSpec, units UnitSource) (*Program, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s: %s", ErrSynthesis, spec.Name, fmt.Sprintf(format, args...))
	}

	prog := &Program{
		Name:    spec.Name,
		Layout:  &encode.Layout{},
		Sources: make(map[string]string),
	}

	// units first: their labels constrain ours
	defined := make(map[string]string)
	for _, name := range spec.Units() {
		src, err := units.Unit(name)
		if err != nil {
			return nil, fail("unit %s: %v", name, err)
		}
		labels, err := asm.Labels(src)
		if err != nil {
			return nil, fail("unit %s: %v", name, err)
		}
		for _, l := range labels {
			if strings.HasPrefix(l, encode.ReservedPrefix) {
				return nil, fail("unit %s defines reserved label %s", name, l)
			}
			if other, ok := defined[l]; ok {
				return nil, fail("label %s defined in both %s and %s", l, other, name)
			}
			defined[l] = name
		}
		prog.Sources[name] = src
	}
	if _, ok := defined[spec.Call]; !ok {
		return nil, fail("call target %s is not defined in %s", spec.Call, strings.Join(spec.Units(), ", "))
	}
	var clashes []string
	for _, a := range spec.Arrays {
		if _, ok := defined[a.Label]; ok {
			clashes = append(clashes, a.Label)
		}
	}
	for _, s := range spec.Strings {
		if _, ok := defined[s.Label]; ok {
			clashes = append(clashes, s.Label)
		}
	}
	if len(clashes) > 0 {
		slices.Sort(clashes)
		return nil, fail("buffer labels %s clash with unit labels", strings.Join(clashes, ", "))
	}

	slots := 0
	for i := range spec.Checks {
		d, err := Describe(spec, i)
		if err != nil {
			return nil, fail("check %d: %v", i, err)
		}
		if d.Kind != testspec.ArrayEquals {
			d.Slot = slots
			slots++
		}
		prog.Checks = append(prog.Checks, d)
	}

	if err := prog.place(spec); err != nil {
		return nil, fail("%v", err)
	}

	e := &emitter{}
	e.comment("asmtest: %s", oneLine(spec.Name))
	e.comment("unit: %s", spec.Unit)
	e.emitData(prog.Layout)

	e.line(".text")
	e.line(".globl %s", EntryLabel)
	e.line("%s:", EntryLabel)
	if !spec.NoRuntime {
		e.line("    li sp 0x%X", arch.StackTop)
	}
	for _, in := range spec.Inputs {
		reg, _ := arch.Canonical(in.Register)
		switch in.Kind {
		case testspec.ScalarInput:
			e.line("    li %s %s", reg, encode.Literal(in.Value))
		default:
			e.line("    la %s %s", reg, in.Label)
		}
	}
	e.line("    jal ra %s", spec.Call)
	for _, d := range prog.Checks {
		e.lineList(Lower(d))
	}
	if !spec.NoRuntime {
		e.lineList(saveRegisters(prog.Checks))
	}
	e.line("    li a0 %d", arch.EcallExit2)
	e.line("    li a1 %d", arch.ExitSuccess)
	e.line("    ecall")
	if !spec.NoRuntime {
		e.lineList(runtime())
	}

	for _, name := range spec.Units() {
		src := strings.TrimSuffix(prog.Sources[name], "\n")
		e.line(".text")
		e.comment("---- %s ----", name)
		start := e.lines + 1
		for _, l := range strings.Split(src, "\n") {
			e.line("%s", strings.TrimSuffix(l, "\r"))
		}
		prog.Segments = append(prog.Segments, Segment{Unit: name, Start: start, End: e.lines})
	}

	prog.Text = e.out.String()
	return prog, nil
}

// place lays out the data segment: test buffers in declaration order, then
// input strings, then the expected values of the checks, the saved
// register slots and the report messages.
func (p *Program) place(spec *testspec.TestSpec) error {
	for _, a := range spec.Arrays {
		b, err := encode.NewBuffer(a.Label, a.Width, a.Values)
		if err != nil {
			return err
		}
		p.Layout.Place(b)
	}
	for _, s := range spec.Strings {
		b, err := encode.NewString(s.Label, s.Value)
		if err != nil {
			return err
		}
		p.Layout.Place(b)
	}
	if spec.NoRuntime {
		return nil
	}
	for _, d := range p.Checks {
		if d.ExpectLabel == "" || len(d.Expected) == 0 {
			continue
		}
		b, err := encode.NewBuffer(d.ExpectLabel, d.Width, d.Expected)
		if err != nil {
			return err
		}
		p.Layout.Place(b)
	}
	if n := registerChecks(p.Checks); n > 0 {
		b, err := encode.NewBuffer(SavedLabel, encode.Word, make([]int64, n))
		if err != nil {
			return err
		}
		p.Layout.Place(b)
	}
	strs := map[string]string{atLabel: " at index "}
	for _, d := range p.Checks {
		strs[d.MessageLabel] = d.Message
	}
	labels := maps.Keys(strs)
	slices.Sort(labels)
	for _, l := range labels {
		b, err := encode.NewString(l, strs[l])
		if err != nil {
			return err
		}
		p.Layout.Place(b)
	}
	return nil
}

func registerChecks(checks []Descriptor) int {
	n := 0
	for _, d := range checks {
		if d.Slot >= 0 {
			n++
		}
	}
	return n
}

const valuesPerLine = 16

func (e *emitter) emitData(l *encode.Layout) {
	if len(l.Placements) == 0 {
		return
	}
	e.line(".data")
	for _, pl := range l.Placements {
		b := pl.Buffer
		if b.Width > encode.Byte {
			e.line(".align %d", b.Width.AlignLog2())
		}
		if b.String {
			e.emitString(b)
			continue
		}
		if len(b.Values) == 0 {
			e.line("%s: .space %d", b.Label, b.Footprint())
			continue
		}
		for i := 0; i < len(b.Values); i += valuesPerLine {
			end := i + valuesPerLine
			if end > len(b.Values) {
				end = len(b.Values)
			}
			vals := make([]string, 0, end-i)
			for _, v := range b.Values[i:end] {
				x, _ := encode.SignExtend(v, b.Width)
				vals = append(vals, strconv.FormatInt(x, 10))
			}
			prefix := "   "
			if i == 0 {
				prefix = b.Label + ":"
			}
			e.line("%s %s %s", prefix, b.Width.Directive(), strings.Join(vals, " "))
		}
	}
}

// emitString uses .asciiz for plain text and falls back to .byte for
// anything the assembler's string syntax would have to escape.
func (e *emitter) emitString(b *encode.Buffer) {
	text := b.Bytes[:len(b.Bytes)-1]
	plain := true
	for _, c := range text {
		if c < 0x20 || c > 0x7E || c == '"' || c == '\\' {
			plain = false
			break
		}
	}
	if plain {
		e.line("%s: .asciiz \"%s\"", b.Label, text)
		return
	}
	vals := make([]string, len(b.Bytes))
	for i, c := range b.Bytes {
		vals[i] = strconv.Itoa(int(c))
	}
	e.line("%s: .byte %s", b.Label, strings.Join(vals, " "))
}

func oneLine(s string) string {
	return strings.NewReplacer("\n", " ", "\r", " ").Replace(s)
}
