package sim

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseCoverage(t *testing.T) {
	in := strings.Join([]string{
		"/tmp/asm/TestDot_simple.s 12 3",
		"",
		"/tmp/my dir/prog.s 13 0",
		"prog.s\t14\t1",
	}, "\n")
	got, err := ParseCoverage(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ParseCoverage: %v", err)
	}
	want := []LineHit{
		{File: "/tmp/asm/TestDot_simple.s", Line: 12, Count: 3},
		{File: "/tmp/my dir/prog.s", Line: 13, Count: 0},
		{File: "prog.s", Line: 14, Count: 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseCoverage mismatch (-want +got):\n%s", diff)
	}

	var buf bytes.Buffer
	if err := WriteCoverage(&buf, want); err != nil {
		t.Fatal(err)
	}
	again, err := ParseCoverage(&buf)
	if err != nil {
		t.Fatalf("ParseCoverage of written report: %v", err)
	}
	if diff := cmp.Diff(want, again); diff != "" {
		t.Errorf("rewritten report mismatch (-want +got):\n%s", diff)
	}
}

func TestParseCoverageErrors(t *testing.T) {
	tests := []struct {
		in  string
		err string
	}{
		{"prog.s 12", "want \"path line count\""},
		{"12", "want \"path line count\""},
		{"prog.s x 1", "invalid line number"},
		{"prog.s 1 many", "invalid count"},
		{"ok.s 1 1\nprog.s 2", "coverage line 2"},
	}
	for _, tt := range tests {
		_, err := ParseCoverage(strings.NewReader(tt.in))
		if err == nil || !strings.Contains(err.Error(), tt.err) {
			t.Errorf("ParseCoverage(%q) error = %v, want it to mention %q", tt.in, err, tt.err)
		}
	}
}

func TestParseViolations(t *testing.T) {
	stderr := []byte("warming up\n[CC Violation]: (PC=0x00000040) Register s0 was not restored by f\n" +
		"  [CC Violation]: (PC=0x00000044) Register sp was not restored by g\nother\n")
	got := ParseViolations(stderr)
	want := []string{
		"[CC Violation]: (PC=0x00000040) Register s0 was not restored by f",
		"[CC Violation]: (PC=0x00000044) Register sp was not restored by g",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseViolations mismatch (-want +got):\n%s", diff)
	}
}

func TestState(t *testing.T) {
	s := &State{
		Registers: map[string]uint32{"a0": 0xFFFFFFFF, "s0": 7},
		Symbols:   map[string]uint32{"m0": 0x10000000},
		Memory: []Region{
			{Base: 0x10000000, Data: []byte{1, 2, 3, 4}},
			{Base: 0x10008000, Data: []byte{9}},
		},
	}
	var buf bytes.Buffer
	if err := WriteState(&buf, s); err != nil {
		t.Fatal(err)
	}
	got, err := ParseState(&buf)
	if err != nil {
		t.Fatalf("ParseState: %v", err)
	}

	if v, ok := got.Register("x10"); !ok || v != -1 {
		t.Errorf("Register(x10) = %d, %v; want -1", v, ok)
	}
	if v, ok := got.Register("fp"); !ok || v != 7 {
		t.Errorf("Register(fp) = %d, %v; want 7", v, ok)
	}
	if _, ok := got.Register("q1"); ok {
		t.Error("Register(q1) found")
	}
	if b, ok := got.Read(0x10000001, 3); !ok || !bytes.Equal(b, []byte{2, 3, 4}) {
		t.Errorf("Read = % x, %v", b, ok)
	}
	if _, ok := got.Read(0x10000002, 4); ok {
		t.Error("Read past the end of a region succeeded")
	}
	if _, ok := got.Read(0x0FFFFFFF, 1); ok {
		t.Error("Read below every region succeeded")
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"TestDot/simple", "TestDot_simple"},
		{"a b\tc", "a_b_c"},
		{"..hidden", "hidden"},
		{"...", "program"},
		{"ünï", "_n_"},
		{"ok-name_1.v2", "ok-name_1.v2"},
	}
	for _, tt := range tests {
		if got := sanitize(tt.in); got != tt.want {
			t.Errorf("sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStemTruncatesLongNames(t *testing.T) {
	long := strings.Repeat("x", 200)
	s := Stem(long)
	if len(s) != maxNameLen+9 {
		t.Errorf("stem length = %d, want %d", len(s), maxNameLen+9)
	}
	if Stem(long) != s {
		t.Errorf("stem of %q not stable", long)
	}
	if other := Stem(long + "y"); other == s {
		t.Errorf("distinct long names share stem %q", s)
	}
}
