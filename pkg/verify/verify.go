// Package verify compares what a simulator run produced against what a
// test declared: the exit code, the final machine state, standard output,
// output files and calling-convention reports.
package verify

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"asmtest/pkg/encode"
	"asmtest/pkg/sim"
	"asmtest/pkg/synth"
	"asmtest/pkg/testspec"
)

// ErrMismatch marks an ordinary test failure: the program ran and its
// outcome differs from the expectation.
var ErrMismatch = errors.New("expectation mismatch")

// Mismatch is one failed expectation.
type Mismatch struct {
	Check    string
	Expected string
	Actual   string
	// Detail is an optional multi-line explanation, e.g. a diff.
	Detail string
}

func (m Mismatch) String() string {
	s := fmt.Sprintf("%s: expected %s, got %s", m.Check, m.Expected, m.Actual)
	if m.Detail != "" {
		s += "\n" + m.Detail
	}
	return s
}

// Failure lists every mismatch of one run.
type Failure struct {
	Name   string
	Checks []Mismatch
}

func (f *Failure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d expectation(s) not met", f.Name, len(f.Checks))
	for _, m := range f.Checks {
		b.WriteString("\n  ")
		b.WriteString(strings.ReplaceAll(m.String(), "\n", "\n    "))
	}
	return b.String()
}

func (f *Failure) Is(target error) bool { return target == ErrMismatch }

// Verifier holds what comparisons need beyond the run itself.
type Verifier struct {
	// Dir is the directory relative output and reference paths resolve
	// against, normally the simulator's working directory.
	Dir string
}

// Verify checks res with the zero Verifier.
func Verify(res *sim.Result, prog *synth.Program, spec *testspec.TestSpec) error {
	var v Verifier
	return v.Verify(res, prog, spec)
}

// Verify returns nil when res meets every expectation of spec and a
// *Failure otherwise. An exit-code mismatch ends verification: the rest of
// the outcome is not meaningful once the program stopped somewhere else.
func (v *Verifier) Verify(res *sim.Result, prog *synth.Program, spec *testspec.TestSpec) error {
	f := &Failure{Name: spec.Name}
	if res.ExitCode != spec.ExitCode {
		f.Checks = append(f.Checks, exitMismatch(res, prog, spec))
		return f
	}
	if res.ExitCode == 0 && res.State != nil {
		for _, d := range prog.Checks {
			if m, ok := crossCheck(res.State, d); !ok {
				f.Checks = append(f.Checks, m)
			}
		}
	}
	if spec.Stdout != nil {
		if m, ok := compareStdout(*spec.Stdout, string(res.Stdout)); !ok {
			f.Checks = append(f.Checks, m)
		}
	}
	for _, fc := range spec.Files {
		if m, ok := v.compareFile(fc); !ok {
			f.Checks = append(f.Checks, m)
		}
	}
	if spec.CheckCallingConvention {
		for _, viol := range res.Violations {
			f.Checks = append(f.Checks, Mismatch{
				Check:    "calling convention",
				Expected: "callee-saved registers restored",
				Actual:   strings.TrimSpace(strings.TrimPrefix(viol, sim.ViolationPrefix+":")),
			})
		}
	}
	if len(f.Checks) == 0 {
		return nil
	}
	return f
}

// exitMismatch names the failing self-check when the code is one of ours.
// Codes the unit itself chose are reported as they are.
func exitMismatch(res *sim.Result, prog *synth.Program, spec *testspec.TestSpec) Mismatch {
	if d, ok := prog.CheckForCode(res.ExitCode); ok {
		m := Mismatch{
			Check:    fmt.Sprintf("check %d (%s)", d.Index, d.Description),
			Expected: formatExpected(d),
			Actual:   "a different value (the program printed no report)",
		}
		if r, ok := synth.ParseReport(res.Stdout); ok && r.Check == d.Index {
			m.Actual = strconv.FormatInt(r.Actual, 10)
			if r.HasElement {
				want := "?"
				if r.Element < len(d.Expected) {
					want = strconv.FormatInt(d.Expected[r.Element], 10)
				}
				m.Actual = fmt.Sprintf("%d at index %d", r.Actual, r.Element)
				m.Expected = fmt.Sprintf("%s at index %d", want, r.Element)
			}
		}
		if spec.ExitCode != 0 {
			m.Detail = fmt.Sprintf("the test expected exit code %d", spec.ExitCode)
		}
		return m
	}
	m := Mismatch{
		Check:    "exit code",
		Expected: strconv.Itoa(spec.ExitCode),
		Actual:   strconv.Itoa(res.ExitCode),
	}
	var detail []string
	if out := tail(res.Stdout); out != "" {
		detail = append(detail, "stdout:\n"+out)
	}
	if errOut := tail(res.Stderr); errOut != "" {
		detail = append(detail, "stderr:\n"+errOut)
	}
	m.Detail = strings.Join(detail, "\n")
	return m
}

const tailLines = 10

func tail(b []byte) string {
	s := strings.TrimRight(string(b), "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > tailLines {
		lines = append([]string{"..."}, lines[len(lines)-tailLines:]...)
	}
	return strings.Join(lines, "\n")
}

func formatExpected(d synth.Descriptor) string {
	if d.Kind == testspec.ScalarEquals && len(d.Expected) == 1 {
		return strconv.FormatInt(d.Expected[0], 10)
	}
	return formatValues(d.Expected)
}

func formatValues(vs []int64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// register returns the value the checked register held after the call.
// Programs save it to a slot before the exit sequence clobbers a0 and a1;
// the live register is the fallback.
func register(st *sim.State, d synth.Descriptor) (int64, bool) {
	if base, ok := st.Symbol(synth.SavedLabel); ok && d.Slot >= 0 {
		if raw, ok := st.Read(base+uint32(4*d.Slot), 4); ok {
			return encode.Decode(raw), true
		}
	}
	return st.Register(d.Register)
}

// crossCheck re-evaluates d against the final machine state.
func crossCheck(st *sim.State, d synth.Descriptor) (Mismatch, bool) {
	m := Mismatch{
		Check:    fmt.Sprintf("final state: %s", d.Description),
		Expected: formatExpected(d),
	}
	var addr uint32
	switch d.Kind {
	case testspec.ScalarEquals:
		got, ok := register(st, d)
		if !ok {
			m.Actual = "register missing from the state dump"
			return m, false
		}
		m.Actual = strconv.FormatInt(got, 10)
		return m, got == d.Expected[0]
	case testspec.ArrayEquals:
		var ok bool
		if addr, ok = st.Symbol(d.Label); !ok {
			m.Actual = fmt.Sprintf("label %s missing from the state dump", d.Label)
			return m, false
		}
	default:
		reg, ok := register(st, d)
		if !ok {
			m.Actual = "register missing from the state dump"
			return m, false
		}
		addr = uint32(reg)
	}
	if len(d.Expected) == 0 {
		return m, true
	}
	w := int(d.Width)
	raw, ok := st.Read(addr, len(d.Expected)*w)
	if !ok {
		m.Actual = fmt.Sprintf("memory at 0x%08x missing from the state dump", addr)
		return m, false
	}
	got := make([]int64, len(d.Expected))
	for i := range got {
		got[i] = encode.Decode(raw[i*w : (i+1)*w])
	}
	m.Actual = formatValues(got)
	for i := range got {
		if got[i] != d.Expected[i] {
			return m, false
		}
	}
	return m, true
}

func compareStdout(want, got string) (Mismatch, bool) {
	if want == got {
		return Mismatch{}, true
	}
	return Mismatch{
		Check:    "stdout",
		Expected: strconv.Quote(want),
		Actual:   strconv.Quote(got),
		Detail:   LineDiff(want, got),
	}, false
}

func (v *Verifier) path(p string) string {
	if filepath.IsAbs(p) || v.Dir == "" {
		return p
	}
	return filepath.Join(v.Dir, p)
}

func (v *Verifier) compareFile(fc testspec.FileCheck) (Mismatch, bool) {
	m := Mismatch{
		Check:    fmt.Sprintf("file %s", fc.Output),
		Expected: fmt.Sprintf("the contents of %s", fc.Reference),
	}
	got, err := os.ReadFile(v.path(fc.Output))
	if err != nil {
		m.Actual = fmt.Sprintf("unreadable output: %v", err)
		return m, false
	}
	want, err := os.ReadFile(v.path(fc.Reference))
	if err != nil {
		m.Actual = fmt.Sprintf("unreadable reference: %v", err)
		return m, false
	}
	if bytes.Equal(got, want) {
		return m, true
	}
	off := firstDifference(want, got)
	m.Actual = fmt.Sprintf("%d bytes differing from the %d reference bytes at offset %d", len(got), len(want), off)
	if off < len(want) && off < len(got) {
		m.Detail = fmt.Sprintf("byte %d: expected 0x%02x, got 0x%02x", off, want[off], got[off])
	}
	return m, false
}

func firstDifference(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
