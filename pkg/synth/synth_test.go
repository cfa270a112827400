package synth

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"asmtest/pkg/arch"
	"asmtest/pkg/asm"
	"asmtest/pkg/encode"
	"asmtest/pkg/testspec"
)

const absUnit = `.globl abs

.text
# a0 = |a0|
abs:
    bge a0 zero done
    sub a0 x0 a0
done:
    ret
`

const helperUnit = `.globl helper
helper:
    addi a0 a0 1
    ret
.data
table: .word 1 2
`

func absSpec(v, want int64) *testspec.TestSpec {
	s := testspec.New("TestAbs/one", "abs.s")
	s.Inputs = []testspec.Input{{Register: "a0", Kind: testspec.ScalarInput, Value: v}}
	s.Call = "abs"
	s.Checks = []testspec.Check{{Kind: testspec.ScalarEquals, Register: "a0", Expected: []int64{want}}}
	return s
}

func TestSynthesizeAssembles(t *testing.T) {
	units := Units{"abs.s": absUnit, "helper.s": helperUnit}

	s := absSpec(-1, 1)
	s.Includes = []string{"helper.s"}
	bytesBuf := s.NewArray(encode.Byte, []int64{1, 200, -3})
	words := s.NewArray(encode.Word, []int64{0xFFFFFFFF, 7})
	empty := s.NewArray(encode.Half, nil)
	s.NewString("in.bin")
	s.Inputs = append(s.Inputs,
		testspec.Input{Register: "a1", Kind: testspec.ArrayInput, Label: words.Label},
		testspec.Input{Register: "a2", Kind: testspec.ArrayInput, Label: empty.Label},
	)
	s.Checks = append(s.Checks,
		testspec.Check{Kind: testspec.ArrayEquals, Label: bytesBuf.Label, Expected: []int64{1, 200, -3}},
		testspec.Check{Kind: testspec.PointerEquals, Register: "a1", Expected: []int64{-1, 7}},
	)

	prog, err := Synthesize(s, units)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	img, err := asm.Assemble(prog.Text)
	if err != nil {
		t.Fatalf("generated program does not assemble: %v\n%s", err, prog.Text)
	}

	// the generated data comes first, so the loaded segment starts with
	// exactly the encoder's image
	want := prog.Layout.Bytes()
	if len(img.Data) < len(want) || !bytes.Equal(img.Data[:len(want)], want) {
		t.Errorf("data segment mismatch:\n got % x\nwant % x", img.Data, want)
	}
	owner := make(map[uint32]string)
	for _, pl := range prog.Layout.Placements {
		addr, ok := img.Symbols[pl.Buffer.Label]
		if !ok {
			t.Errorf("label %s missing from the program", pl.Buffer.Label)
			continue
		}
		if prev, dup := owner[addr]; dup {
			t.Errorf("%s and %s share address 0x%08X", prev, pl.Buffer.Label, addr)
		}
		owner[addr] = pl.Buffer.Label
		if addr != arch.DataBase+uint32(pl.Offset) {
			t.Errorf("%s at 0x%08X; layout says offset %d", pl.Buffer.Label, addr, pl.Offset)
		}
		if int(pl.Buffer.Width) > 1 && addr%uint32(pl.Buffer.Width) != 0 {
			t.Errorf("%s misaligned at 0x%08X", pl.Buffer.Label, addr)
		}
	}
	if img.Symbols[EntryLabel] != arch.TextBase {
		t.Errorf("entry at 0x%X; want the first text address", img.Symbols[EntryLabel])
	}

	if len(prog.Checks) != 3 {
		t.Fatalf("len(Checks) = %d; want 3", len(prog.Checks))
	}
	if got := prog.Checks[1].Expected; !cmp.Equal(got, []int64{1, -56, -3}) {
		t.Errorf("byte check expects %v; want sign-extended [1 -56 -3]", got)
	}
	if d, ok := prog.CheckForCode(202); !ok || d.Index != 2 {
		t.Errorf("CheckForCode(202) = %+v, %v", d, ok)
	}
	if _, ok := prog.CheckForCode(0); ok {
		t.Errorf("CheckForCode(0) attributed to a check")
	}

	var slots []int
	for _, d := range prog.Checks {
		slots = append(slots, d.Slot)
	}
	if diff := cmp.Diff([]int{0, -1, 1}, slots); diff != "" {
		t.Errorf("register slots mismatch (-want +got):\n%s", diff)
	}
	if _, ok := img.Symbols[SavedLabel]; !ok {
		t.Errorf("%s missing from the program", SavedLabel)
	}
	if !strings.Contains(prog.Text, "    sw a1 4(t0)\n") {
		t.Errorf("pointer register not saved to its slot:\n%s", prog.Text)
	}
}

func TestSegments(t *testing.T) {
	units := Units{"abs.s": absUnit, "helper.s": helperUnit}
	s := absSpec(3, 3)
	s.Includes = []string{"helper.s"}
	prog, err := Synthesize(s, units)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(prog.Segments) != 2 || prog.Segments[0].Unit != "helper.s" || prog.Segments[1].Unit != "abs.s" {
		t.Fatalf("segments = %+v", prog.Segments)
	}

	lines := strings.Split(prog.Text, "\n")
	for _, seg := range prog.Segments {
		src := strings.Split(strings.TrimSuffix(units[seg.Unit], "\n"), "\n")
		if seg.End-seg.Start+1 != len(src) {
			t.Errorf("%s segment spans %d lines; unit has %d", seg.Unit, seg.End-seg.Start+1, len(src))
		}
		for i, want := range src {
			if got := lines[seg.Start-1+i]; got != want {
				t.Errorf("%s line %d copied as %q; want %q", seg.Unit, i+1, got, want)
			}
		}
	}

	abs := prog.Segments[1]
	unit, line, ok := prog.Locate(abs.Start + 5)
	if !ok || unit != "abs.s" || line != 6 {
		t.Errorf("Locate(%d) = %s:%d %v; want abs.s:6", abs.Start+5, unit, line, ok)
	}
	if _, _, ok := prog.Locate(1); ok {
		t.Errorf("Locate(1) mapped a generated line to a unit")
	}
}

func TestSynthesizeNoInputs(t *testing.T) {
	s := testspec.New("TestAbs/bare", "abs.s")
	s.Call = "abs"
	prog, err := Synthesize(s, Units{"abs.s": absUnit})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if strings.Contains(prog.Text, ".data\n.align") {
		t.Errorf("program without buffers emitted test data:\n%s", prog.Text)
	}
	if !strings.Contains(prog.Text, "jal ra abs\n") {
		t.Errorf("program does not call abs:\n%s", prog.Text)
	}
	if _, err := asm.Assemble(prog.Text); err != nil {
		t.Fatalf("Assemble: %v", err)
	}
}

func TestSynthesizeNoRuntime(t *testing.T) {
	main := ".globl main\nmain:\n    li a0 10\n    ecall\n"
	s := testspec.New("TestMain/run", "main.s")
	s.Call = "main"
	s.NoRuntime = true
	prog, err := Synthesize(s, Units{"main.s": main})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	for _, absent := range []string{"li sp", ReportLabel} {
		if strings.Contains(prog.Text, absent) {
			t.Errorf("no-runtime program contains %q", absent)
		}
	}
}

func TestSynthesizeErrors(t *testing.T) {
	units := Units{"abs.s": absUnit, "helper.s": helperUnit, "clash.s": "abs:\n    ret\n", "reserved.s": "__asmtest_x:\n    ret\n"}
	tests := []struct {
		name   string
		spec   func() *testspec.TestSpec
		target error
	}{
		{"missing unit", func() *testspec.TestSpec {
			s := absSpec(1, 1)
			s.Unit = "nope.s"
			return s
		}, ErrSynthesis},
		{"undefined call", func() *testspec.TestSpec {
			s := absSpec(1, 1)
			s.Call = "absolute"
			return s
		}, ErrSynthesis},
		{"label defined twice", func() *testspec.TestSpec {
			s := absSpec(1, 1)
			s.Includes = []string{"clash.s"}
			return s
		}, ErrSynthesis},
		{"reserved label in unit", func() *testspec.TestSpec {
			s := absSpec(1, 1)
			s.Includes = []string{"reserved.s"}
			return s
		}, ErrSynthesis},
		{"buffer clashes with unit", func() *testspec.TestSpec {
			s := absSpec(1, 1)
			s.Arrays = []*testspec.ArrayBuffer{{Label: "table", Width: encode.Word}}
			s.Includes = []string{"helper.s"}
			return s
		}, ErrSynthesis},
		{"bad register", func() *testspec.TestSpec {
			s := absSpec(1, 1)
			s.Inputs[0].Register = "r1"
			return s
		}, testspec.ErrSpecification},
	}
	for _, tc := range tests {
		_, err := Synthesize(tc.spec(), units)
		if !errors.Is(err, tc.target) {
			t.Errorf("%s: error = %v; want %v", tc.name, err, tc.target)
		}
	}
}

func TestLower(t *testing.T) {
	d := Descriptor{
		Index: 0, Kind: testspec.ScalarEquals, Register: "a0", Expected: []int64{32},
		Code: 200, Description: "a0 == 32", MessageLabel: "__asmtest_msg_0",
	}
	want := []string{
		"    # check 0: a0 == 32",
		"    li t0 32",
		"    beq a0 t0 __asmtest_pass_0",
		"    mv t1 a0",
		"    li t4 -1",
		"    la t2 __asmtest_msg_0",
		"    li t3 200",
		"    j __asmtest_report",
		"__asmtest_pass_0:",
	}
	if diff := cmp.Diff(want, Lower(d)); diff != "" {
		t.Errorf("Lower(scalar) mismatch (-want +got):\n%s", diff)
	}

	arr := Descriptor{Index: 1, Kind: testspec.ArrayEquals, Label: "m0", Width: encode.Half, Expected: []int64{1, 2}, ExpectLabel: "__asmtest_expect_1", MessageLabel: "__asmtest_msg_1", Code: 201}
	got := Lower(arr)
	for _, l := range got {
		for _, reg := range []string{"a0", "s0", "sp", "ra"} {
			if strings.Contains(l, " "+reg+" ") || strings.HasSuffix(l, " "+reg) {
				t.Errorf("array lowering touches %s: %q", reg, l)
			}
		}
	}
	if !strings.Contains(strings.Join(got, "\n"), "lh t1 0(t0)") {
		t.Errorf("half-word check does not use lh:\n%s", strings.Join(got, "\n"))
	}

	ptr := arr
	ptr.Kind = testspec.PointerEquals
	ptr.Register = "a1"
	if got := Lower(ptr); got[1] != "    mv t0 a1" {
		t.Errorf("pointer check starts with %q", got[1])
	}

	arr.Expected = nil
	if got := Lower(arr); len(got) != 1 {
		t.Errorf("empty array check emitted code: %v", got)
	}
}

func TestParseReport(t *testing.T) {
	out := []byte("partial output[asmtest] check 3 failed: got -7 at index 2\n")
	r, ok := ParseReport(out)
	if !ok {
		t.Fatalf("ParseReport found nothing")
	}
	if diff := cmp.Diff(FailureReport{Check: 3, Actual: -7, Element: 2, HasElement: true}, r); diff != "" {
		t.Errorf("ParseReport mismatch (-want +got):\n%s", diff)
	}
	r, ok = ParseReport([]byte("[asmtest] check 0 failed: got 31\n"))
	if !ok || r.HasElement || r.Actual != 31 {
		t.Errorf("ParseReport(scalar) = %+v, %v", r, ok)
	}
	if _, ok := ParseReport([]byte("32\n")); ok {
		t.Errorf("ParseReport matched ordinary output")
	}
}
