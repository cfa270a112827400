package simtest

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"asmtest/pkg/arch"
)

// run assembles src and runs it to completion.
func run(t *testing.T, src string, args ...string) (*Machine, string, string, error) {
	t.Helper()
	m, err := Load(src, "prog.s", args)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var out, errs bytes.Buffer
	m.Output = &out
	m.Errors = &errs
	m.MaxSteps = 100_000
	err = m.Run(context.Background())
	return m, out.String(), errs.String(), err
}

func TestRegisterArithmetic(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want int32
	}{
		{"add", "li t0 40\nli t1 2\nadd a0 t0 t1", 42},
		{"sub wraps", "li t0 0\nli t1 1\nsub a0 t0 t1", -1},
		{"sra keeps sign", "li t0 -16\nsrai a0 t0 2", -4},
		{"srl fills zeros", "li t0 -1\nsrli a0 t0 28", 15},
		{"slt signed", "li t0 -1\nli t1 1\nslt a0 t0 t1", 1},
		{"sltu unsigned", "li t0 -1\nli t1 1\nsltu a0 t0 t1", 0},
		{"mul", "li t0 -6\nli t1 7\nmul a0 t0 t1", -42},
		{"mulh", "li t0 0x40000000\nli t1 8\nmulh a0 t0 t1", 2},
		{"mulhu", "li t0 -1\nli t1 -1\nmulhu a0 t0 t1", -2},
		{"div truncates", "li t0 -7\nli t1 2\ndiv a0 t0 t1", -3},
		{"div by zero", "li t0 5\ndiv a0 t0 zero", -1},
		{"div overflow", "li t0 0x80000000\nli t1 -1\ndiv a0 t0 t1", -2147483648},
		{"rem sign follows dividend", "li t0 -7\nli t1 2\nrem a0 t0 t1", -1},
		{"rem by zero", "li t0 9\nrem a0 t0 zero", 9},
		{"remu", "li t0 10\nli t1 4\nremu a0 t0 t1", 2},
		{"divu by zero", "li t0 10\ndivu a0 t0 zero", -1},
		{"lui", "lui a0 1", 4096},
		{"zero is hard-wired", "li zero 5\nmv a0 zero", 0},
		{"andi sign-extended immediate", "li t0 0x1234\nandi a0 t0 -16", 0x1230},
		{"neg", "li t0 9\nneg a0 t0", -9},
		{"seqz", "seqz a0 zero", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// falling off the end of the text exits normally with a0 intact
			m, _, _, err := run(t, tt.src)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got := int32(m.Regs[arch.A0]); got != tt.want {
				t.Errorf("a0 = %d, want %d", got, tt.want)
			}
			if m.ExitCode != 0 {
				t.Errorf("exit code = %d, want 0", m.ExitCode)
			}
		})
	}
}

func TestBranchesAndLoops(t *testing.T) {
	src := `
    li a0 0
    li t0 10
loop:
    beqz t0 done
    add a0 a0 t0
    addi t0 t0 -1
    j loop
done:
    bgt a0 zero positive
    li a0 -1
positive:
`
	m, _, _, err := run(t, src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := m.Regs[arch.A0]; got != 55 {
		t.Errorf("a0 = %d, want 55", got)
	}
}

func TestLoadsAndStores(t *testing.T) {
	src := `
.data
buf: .byte 0x80 0x7f
     .half 0
     .word 0
.text
    la t0 buf
    lb a0 0(t0)
    lbu a1 0(t0)
    lb a2 1(t0)
    li t1 -2
    sh t1 2(t0)
    lh a3 2(t0)
    lhu a4 2(t0)
    li t1 0x11223344
    sw t1 4(t0)
    lbu a5 4(t0)
`
	m, _, _, err := run(t, src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := []int32{
		int32(m.Regs[arch.A0]), int32(m.Regs[arch.A1]), int32(m.Regs[arch.A2]),
		int32(m.Regs[arch.A0+3]), int32(m.Regs[arch.A0+4]), int32(m.Regs[arch.A0+5]),
	}
	want := []int32{-128, 128, 127, -2, 0xFFFE, 0x44}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("loaded values mismatch (-want +got):\n%s", diff)
	}
}

func TestFaults(t *testing.T) {
	tests := []struct {
		name string
		src  string
		msg  string
	}{
		{"null load", "li t0 0\nlw a0 0(t0)", "invalid memory access"},
		{"text store", "li t0 16\nsw t0 0(t0)", "invalid memory access"},
		{"unaligned jump", "li t0 2\njr t0", "invalid address"},
		{"unknown ecall", "li a0 99\necall", "unknown environment call 99"},
		{"runaway loop", "spin: j spin", "step limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := run(t, tt.src)
			var fault *Fault
			if !errors.As(err, &fault) {
				t.Fatalf("Run error = %v, want a *Fault", err)
			}
			if !strings.Contains(fault.Msg, tt.msg) {
				t.Errorf("fault %q does not mention %q", fault.Msg, tt.msg)
			}
		})
	}
}

func TestCanceledContext(t *testing.T) {
	m, err := Load("spin: j spin", "prog.s", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.MaxSteps = 0
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
}

func TestPrintEcalls(t *testing.T) {
	src := `
.data
msg: .asciiz "x="
.text
    li a0 4
    la a1 msg
    ecall
    li a0 1
    li a1 -12
    ecall
    li a0 11
    li a1 10
    ecall
    li a0 34
    li a1 255
    ecall
    li a0 17
    li a1 0x1203
    ecall
    li a0 1
    li a1 99
    ecall
`
	m, out, _, err := run(t, src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := "x=-12\n0x000000ff"; out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
	if m.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3 (exit2 keeps the low byte)", m.ExitCode)
	}
}

func TestExitIgnoresCode(t *testing.T) {
	m, _, _, err := run(t, "li a1 7\nli a0 10\necall\nli a0 1\n")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.ExitCode != 0 || m.Regs[arch.A0] != 10 {
		t.Errorf("exit code %d, a0 %d: want 0 and no instruction after exit", m.ExitCode, m.Regs[arch.A0])
	}
}

func TestSbrk(t *testing.T) {
	src := `
    li a0 9
    li a1 16
    ecall
    mv s0 a0
    li a0 9
    li a1 4
    ecall
    sub a2 a0 s0
    li t0 77
    sw t0 0(s0)
`
	m, _, _, err := run(t, src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.Regs[arch.S0] < arch.HeapBase {
		t.Errorf("sbrk returned 0x%08x, below the heap", m.Regs[arch.S0])
	}
	if m.Regs[arch.A2] != 16 {
		t.Errorf("second sbrk is %d bytes after the first, want 16", m.Regs[arch.A2])
	}
	if got := m.Read32(m.Regs[arch.S0]); got != 77 {
		t.Errorf("heap word = %d, want 77", got)
	}
}

func TestArguments(t *testing.T) {
	// print argv[2]
	src := `
    lw a1 8(a1)
    li a0 4
    ecall
`
	_, out, _, err := run(t, src, "first", "second")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "second" {
		t.Errorf("output = %q, want %q", out, "second")
	}

	m, _, _, err := run(t, "nop", "a", "b", "c")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.Regs[arch.A0] != 4 {
		t.Errorf("argc = %d, want 4", m.Regs[arch.A0])
	}
}

func TestFileEcalls(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "in.bin"), []byte{1, 2, 3, 4, 5}, 0o644); err != nil {
		t.Fatal(err)
	}
	// copy in.bin to out.bin three bytes at a time
	src := `
.data
in:  .asciiz "in.bin"
out: .asciiz "out.bin"
buf: .word 0
.text
    li a0 13
    la a1 in
    li a2 0
    ecall
    mv s0 a0
    li a0 13
    la a1 out
    li a2 1
    ecall
    mv s1 a0
loop:
    li a0 14
    mv a1 s0
    la a2 buf
    li a3 3
    ecall
    beqz a0 done
    mv a3 a0
    li a0 15
    mv a1 s1
    la a2 buf
    li a4 1
    ecall
    j loop
done:
    li a0 19
    mv a1 s0
    ecall
    mv s2 a0
    li a0 16
    mv a1 s0
    ecall
    li a0 16
    mv a1 s1
    ecall
    mv s3 a0
    li a0 16
    mv a1 s1
    ecall
    mv s4 a0
`
	m, err := Load(src, "prog.s", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.Dir = dir
	m.Output = &bytes.Buffer{}
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "out.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{1, 2, 3, 4, 5}, got); diff != "" {
		t.Errorf("copied file mismatch (-want +got):\n%s", diff)
	}
	if m.Regs[arch.S2] != 1 {
		t.Errorf("feof = %d, want 1", m.Regs[arch.S2])
	}
	if m.Regs[arch.S2+1] != 0 {
		t.Errorf("fclose = %d, want 0", int32(m.Regs[arch.S2+1]))
	}
	if int32(m.Regs[arch.S2+2]) != -1 {
		t.Errorf("second fclose = %d, want -1", int32(m.Regs[arch.S2+2]))
	}
}

func TestFopenMissingFile(t *testing.T) {
	src := `
.data
name: .asciiz "does-not-exist"
.text
    li a0 13
    la a1 name
    li a2 0
    ecall
`
	m, err := Load(src, "prog.s", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.Dir = t.TempDir()
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if int32(m.Regs[arch.A0]) != -1 {
		t.Errorf("fopen = %d, want -1", int32(m.Regs[arch.A0]))
	}
}

const clobberS0 = `
    li s0 5
    li s1 6
    jal ra good
    jal ra bad
    j end
good:
    addi sp sp -4
    sw s0 0(sp)
    li s0 100
    lw s0 0(sp)
    addi sp sp 4
    ret
bad:
    li s1 1
    ret
end:
`

func TestCallingConvention(t *testing.T) {
	m, err := Load(clobberS0, "prog.s", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var errs bytes.Buffer
	m.Errors = &errs
	m.CheckCallingConvention = true
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(errs.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("want one violation, got %q", errs.String())
	}
	for _, frag := range []string{"[CC Violation]", "s1", "bad"} {
		if !strings.Contains(lines[0], frag) {
			t.Errorf("violation %q does not mention %q", lines[0], frag)
		}
	}

	_, _, stderr, err := run(t, clobberS0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stderr != "" {
		t.Errorf("violations reported without the check enabled: %q", stderr)
	}
}

func TestStateAndCoverage(t *testing.T) {
	src := `.data
v: .word 7
.text
    la t0 v
    lw a0 0(t0)
    beqz a0 skip
    addi a0 a0 1
skip:
    sw a0 0(t0)
`
	m, _, _, err := run(t, src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	st := m.State()
	if got, _ := st.Register("a0"); got != 8 {
		t.Errorf("a0 = %d, want 8", got)
	}
	addr, ok := st.Symbol("v")
	if !ok {
		t.Fatal("symbol v missing from the state")
	}
	word, ok := st.Read(addr, 4)
	if !ok {
		t.Fatal("v not readable from the state")
	}
	if diff := cmp.Diff([]byte{8, 0, 0, 0}, word); diff != "" {
		t.Errorf("v mismatch (-want +got):\n%s", diff)
	}

	var hit []int
	var counts []int
	for _, h := range m.Coverage("prog.s") {
		if h.File != "prog.s" {
			t.Errorf("hit attributed to %q", h.File)
		}
		hit = append(hit, h.Line)
		counts = append(counts, h.Count)
	}
	if diff := cmp.Diff([]int{4, 5, 6, 7, 9}, hit); diff != "" {
		t.Errorf("instruction lines mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 1, 1, 1, 1}, counts); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
}

func TestStateMergesPages(t *testing.T) {
	src := `
    li t0 0x10000FFC
    li t1 -1
    sw t1 0(t0)
    sw t1 4(t0)
    li t0 0x10010000
    sw t1 0(t0)
`
	m, _, _, err := run(t, src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	st := m.State()
	if b, ok := st.Read(0x10000FFC, 8); !ok || !bytes.Equal(b, bytes.Repeat([]byte{0xFF}, 8)) {
		t.Errorf("read across a page boundary = % x, %v", b, ok)
	}
	for i := 1; i < len(st.Memory); i++ {
		prev := st.Memory[i-1]
		if prev.Base+uint32(len(prev.Data)) >= st.Memory[i].Base {
			t.Errorf("regions %d and %d overlap or touch", i-1, i)
		}
	}
}
