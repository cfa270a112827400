package coverage

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"asmtest/pkg/sim"
	"asmtest/pkg/simtest"
	"asmtest/pkg/synth"
	"asmtest/pkg/testspec"
)

// lines 5-6 run only for negative input
const absUnit = `.globl abs
.text
abs:
    bge a0 zero done
    sub a0 x0 a0
    nop
done:
    ret
`

const callerUnit = `.globl twice
twice:
    addi sp sp -4
    sw ra 0(sp)
    jal ra abs
    add a0 a0 a0
    lw ra 0(sp)
    addi sp sp 4
    ret
`

var units = synth.Units{"abs.s": absUnit, "twice.s": callerUnit}

// run synthesizes a call of fn with a0 = v and runs it.
func run(t *testing.T, unit, fn string, includes []string, v int64) (*synth.Program, *sim.Result) {
	t.Helper()
	return runNamed(t, "TestCoverage", unit, fn, includes, v)
}

func runNamed(t *testing.T, name, unit, fn string, includes []string, v int64) (*synth.Program, *sim.Result) {
	t.Helper()
	s := testspec.New(name, unit)
	s.Includes = includes
	s.Inputs = []testspec.Input{{Register: "a0", Kind: testspec.ScalarInput, Value: v}}
	s.Call = fn
	prog, err := synth.Synthesize(s, units)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	res, err := (&simtest.Simulator{}).Run(context.Background(), &sim.Invocation{Name: s.Name, Program: prog.Text, Coverage: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return prog, res
}

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker()
	if got := tr.State("abs.s"); got != Uninitialized {
		t.Fatalf("state before Begin = %v", got)
	}
	if err := tr.Begin("abs.s", absUnit); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if got := tr.State("abs.s"); got != Accumulating {
		t.Fatalf("state after Begin = %v", got)
	}

	prog, res := run(t, "abs.s", "abs", nil, 3)
	if err := tr.Record(prog, res); err != nil {
		t.Fatalf("Record: %v", err)
	}
	rep, err := tr.Report("abs.s")
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	want := &Report{Unit: "abs.s", Covered: 2, Total: 4, Percent: 50, Missing: []int{5, 6}, Source: absUnit}
	if diff := cmp.Diff(want, rep); diff != "" {
		t.Errorf("report after a positive input (-want +got):\n%s", diff)
	}
	if got := tr.State("abs.s"); got != Reported {
		t.Errorf("state after Report = %v", got)
	}

	tr.Reset("abs.s")
	if got := tr.State("abs.s"); got != Uninitialized {
		t.Errorf("state after Reset = %v", got)
	}
	if _, err := tr.Report("abs.s"); err == nil {
		t.Error("Report after Reset succeeded")
	}
}

func TestCoverageOnlyGrows(t *testing.T) {
	tr := NewTracker()
	var prev map[int]int
	for _, v := range []int64{3, -3, 0} {
		prog, res := run(t, "abs.s", "abs", nil, v)
		if err := tr.Record(prog, res); err != nil {
			t.Fatalf("Record: %v", err)
		}
		cur := tr.Hits("abs.s")
		for line := range prev {
			if cur[line] < prev[line] {
				t.Errorf("line %d went from %d to %d hits", line, prev[line], cur[line])
			}
		}
		prev = cur
	}
	rep, err := tr.Report("abs.s")
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if rep.Covered != rep.Total || len(rep.Missing) != 0 {
		t.Errorf("after both signs: %s", rep)
	}
}

func TestIncludedUnitKeepsItsIdentity(t *testing.T) {
	tr := NewTracker()
	prog, res := run(t, "twice.s", "twice", []string{"abs.s"}, -2)
	if err := tr.Record(prog, res); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if diff := cmp.Diff([]string{"abs.s", "twice.s"}, tr.Units()); diff != "" {
		t.Fatalf("units mismatch (-want +got):\n%s", diff)
	}
	twice, _ := tr.Report("twice.s")
	if twice.Covered != twice.Total {
		t.Errorf("twice.s: %s", twice)
	}
	abs, _ := tr.Report("abs.s")
	if abs.Covered != abs.Total {
		t.Errorf("abs.s: %s", abs)
	}
	for line := range tr.Hits("abs.s") {
		if line > strings.Count(absUnit, "\n") {
			t.Errorf("abs.s hit on line %d, past its end", line)
		}
	}
}

func TestDirectHits(t *testing.T) {
	tr := NewTracker()
	prog := &synth.Program{Sources: map[string]string{"abs.s": absUnit}}
	hits := []sim.LineHit{
		{File: "/src/abs.s", Line: 4, Count: 2},
		{File: "/src/abs.s", Line: 8, Count: 0},
		{File: "/tmp/TestX.s", Line: 1, Count: 1},
	}
	if err := tr.Record(prog, &sim.Result{Coverage: hits}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if diff := cmp.Diff(map[int]int{4: 2}, tr.Hits("abs.s")); diff != "" {
		t.Errorf("hits mismatch (-want +got):\n%s", diff)
	}
}

// A test named after the unit writes a program whose base name is the
// unit's; its lines still map back through the program.
func TestProgramNamedAfterUnit(t *testing.T) {
	want := NewTracker()
	prog, res := run(t, "abs.s", "abs", nil, 3)
	if err := want.Record(prog, res); err != nil {
		t.Fatalf("Record: %v", err)
	}

	for _, name := range []string{"abs", "TestCoverage/abs"} {
		t.Run(name, func(t *testing.T) {
			prog, res := runNamed(t, name, "abs.s", "abs", nil, 3)
			tr := NewTracker()
			if err := tr.Record(prog, res); err != nil {
				t.Fatalf("Record: %v", err)
			}
			if diff := cmp.Diff(want.Hits("abs.s"), tr.Hits("abs.s")); diff != "" {
				t.Errorf("hits mismatch (-want +got):\n%s", diff)
			}

			// an external simulator reports the path it was given
			ext := &sim.Result{ProgramFile: "/asm/abs.s"}
			for _, h := range res.Coverage {
				h.File = "/asm/abs.s"
				ext.Coverage = append(ext.Coverage, h)
			}
			tr = NewTracker()
			if err := tr.Record(prog, ext); err != nil {
				t.Fatalf("Record: %v", err)
			}
			if diff := cmp.Diff(want.Hits("abs.s"), tr.Hits("abs.s")); diff != "" {
				t.Errorf("hits of /asm/abs.s mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReportWrite(t *testing.T) {
	rep := &Report{Unit: "abs.s", Covered: 1, Total: 4, Percent: 25, Missing: []int{5, 6, 8}, Source: absUnit}
	tests := []struct {
		verbose bool
		want    string
	}{
		{false, "abs.s: 25.0% covered (1/4 lines)\n  missing: 5-6, 8\n"},
		{true, "abs.s: 25.0% covered (1/4 lines)\n  5: sub a0 x0 a0\n  6: nop\n  8: ret\n"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		if err := rep.Write(&buf, tt.verbose); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(tt.want, buf.String()); diff != "" {
			t.Errorf("Write(verbose=%v) mismatch (-want +got):\n%s", tt.verbose, diff)
		}
	}

	var buf bytes.Buffer
	rep.write(&buf, false, true)
	if !strings.Contains(buf.String(), ansiRed+"25.0%"+ansiReset) {
		t.Errorf("coloured report %q lacks a red percentage", buf.String())
	}
}

func TestRanges(t *testing.T) {
	tests := []struct {
		in   []int
		want string
	}{
		{nil, ""},
		{[]int{3}, "3"},
		{[]int{3, 7, 8, 9}, "3, 7-9"},
		{[]int{1, 2, 4, 5, 7}, "1-2, 4-5, 7"},
	}
	for _, tt := range tests {
		if got := Ranges(tt.in); got != tt.want {
			t.Errorf("Ranges(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSaveLoad(t *testing.T) {
	tr := NewTracker()
	prog, res := run(t, "abs.s", "abs", nil, 3)
	if err := tr.Record(prog, res); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := tr.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}
	saved := buf.Bytes()

	// same source: the saved hits carry over
	next := NewTracker()
	if err := next.Load(bytes.NewReader(saved)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := next.Begin("abs.s", absUnit); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(tr.Hits("abs.s"), next.Hits("abs.s")); diff != "" {
		t.Errorf("loaded hits mismatch (-want +got):\n%s", diff)
	}

	// edited source: the stale record is dropped
	edited := NewTracker()
	if err := edited.Load(bytes.NewReader(saved)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := edited.Begin("abs.s", absUnit+"    nop\n"); err != nil {
		t.Fatal(err)
	}
	if got := edited.Hits("abs.s"); len(got) != 0 {
		t.Errorf("hits of a changed unit survived: %v", got)
	}

	if err := NewTracker().Load(strings.NewReader("not zstd")); err == nil {
		t.Error("Load accepted garbage")
	}
}

func TestFingerprint(t *testing.T) {
	a, b := Fingerprint(absUnit), Fingerprint(absUnit+" ")
	if a == b {
		t.Error("different sources share a fingerprint")
	}
	if len(a) != 32 || a != Fingerprint(absUnit) {
		t.Errorf("fingerprint %q is not a stable 32-digit hex string", a)
	}
}
