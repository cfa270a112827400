package synth

import (
	"fmt"
	"regexp"
	"strconv"

	"asmtest/pkg/arch"
	"asmtest/pkg/encode"
	"asmtest/pkg/testspec"
)

// Labels of the shared runtime emitted into every program that has one.
const (
	EntryLabel  = encode.ReservedPrefix + "main"
	ReportLabel = encode.ReservedPrefix + "report"
	atLabel     = encode.ReservedPrefix + "at"
)

// SavedLabel is the buffer the checked registers are stored to before the
// program exits, so a state dump still shows them after the exit sequence
// has overwritten a0 and a1.
const SavedLabel = encode.ReservedPrefix + "saved"

// ReportPrefix starts the line a failing check prints before exiting.
const ReportPrefix = "[asmtest]"

// Descriptor is one self-check in lowered-to-be form. It is what the
// synthesizer emits code for and what the verifier attributes exit codes to.
type Descriptor struct {
	Index int
	Kind  testspec.CheckKind
	// Register is the ABI name of the checked register (scalar and
	// array-pointer checks).
	Register string
	// Label is the checked buffer (array checks).
	Label string
	Width encode.Width
	// Declared holds the values as written in the test; Expected holds
	// them as a register reads them back after a signed load.
	Declared []int64
	Expected []int64
	Code     int

	Description  string
	Message      string
	MessageLabel string
	// ExpectLabel names the data buffer holding Expected (array checks).
	ExpectLabel string
	// Slot is the word of SavedLabel that receives the checked register
	// once every check passed; -1 for buffer checks.
	Slot int
}

func (d Descriptor) passLabel() string { return fmt.Sprintf("%spass_%d", encode.ReservedPrefix, d.Index) }
func (d Descriptor) failLabel() string { return fmt.Sprintf("%sfail_%d", encode.ReservedPrefix, d.Index) }
func (d Descriptor) loopLabel() string { return fmt.Sprintf("%sloop_%d", encode.ReservedPrefix, d.Index) }

// Describe builds the descriptor for check i of spec.
func Describe(spec *testspec.TestSpec, i int) (Descriptor, error) {
	c := spec.Checks[i]
	d := Descriptor{
		Index:        i,
		Kind:         c.Kind,
		Label:        c.Label,
		Width:        c.Width,
		Declared:     append([]int64(nil), c.Expected...),
		Code:         arch.CheckFailureBase + i,
		Description:  c.String(),
		Message:      fmt.Sprintf("%s check %d failed: got ", ReportPrefix, i),
		MessageLabel: fmt.Sprintf("%smsg_%d", encode.ReservedPrefix, i),
		Slot:         -1,
	}
	if c.Kind != testspec.ArrayEquals {
		r, err := arch.Canonical(c.Register)
		if err != nil {
			return d, err
		}
		d.Register = r
	}
	switch c.Kind {
	case testspec.ScalarEquals:
		d.Width = encode.Word
	case testspec.ArrayEquals:
		if d.Width == 0 {
			a := spec.Array(c.Label)
			if a == nil {
				return d, fmt.Errorf("unknown buffer %q", c.Label)
			}
			d.Width = a.Width
		}
		d.ExpectLabel = fmt.Sprintf("%sexpect_%d", encode.ReservedPrefix, i)
	case testspec.PointerEquals:
		if d.Width == 0 {
			d.Width = encode.Word
		}
		d.ExpectLabel = fmt.Sprintf("%sexpect_%d", encode.ReservedPrefix, i)
	}
	for _, v := range c.Expected {
		x, err := encode.SignExtend(v, d.Width)
		if err != nil {
			return d, err
		}
		d.Expected = append(d.Expected, x)
	}
	return d, nil
}

// Lower returns the instructions that perform d. On mismatch they leave the
// actual value in t1, the element index in t4 (-1 for scalars), the message
// address in t2 and the failure code in t3, then jump to the report routine.
// Only t0-t4 are written.
func Lower(d Descriptor) []string {
	switch d.Kind {
	case testspec.ScalarEquals:
		return lowerScalar(d)
	default:
		return lowerArray(d)
	}
}

func lowerScalar(d Descriptor) []string {
	return []string{
		fmt.Sprintf("    # check %d: %s", d.Index, d.Description),
		fmt.Sprintf("    li t0 %d", d.Expected[0]),
		fmt.Sprintf("    beq %s t0 %s", d.Register, d.passLabel()),
		fmt.Sprintf("    mv t1 %s", d.Register),
		"    li t4 -1",
		fmt.Sprintf("    la t2 %s", d.MessageLabel),
		fmt.Sprintf("    li t3 %d", d.Code),
		"    j " + ReportLabel,
		d.passLabel() + ":",
	}
}

// lowerArray walks the checked region and the expected buffer in step so
// every branch stays short whatever the length.
func lowerArray(d Descriptor) []string {
	out := []string{fmt.Sprintf("    # check %d: %s", d.Index, d.Description)}
	if len(d.Expected) == 0 {
		return out
	}
	if d.Kind == testspec.ArrayEquals {
		out = append(out, fmt.Sprintf("    la t0 %s", d.Label))
	} else {
		out = append(out, fmt.Sprintf("    mv t0 %s", d.Register))
	}
	load := d.Width.Load()
	out = append(out,
		fmt.Sprintf("    la t2 %s", d.ExpectLabel),
		"    li t4 0",
		d.loopLabel()+":",
		fmt.Sprintf("    li t3 %d", len(d.Expected)),
		fmt.Sprintf("    bge t4 t3 %s", d.passLabel()),
		fmt.Sprintf("    %s t1 0(t0)", load),
		fmt.Sprintf("    %s t3 0(t2)", load),
		fmt.Sprintf("    bne t1 t3 %s", d.failLabel()),
		fmt.Sprintf("    addi t0 t0 %d", int(d.Width)),
		fmt.Sprintf("    addi t2 t2 %d", int(d.Width)),
		"    addi t4 t4 1",
		"    j "+d.loopLabel(),
		d.failLabel()+":",
		fmt.Sprintf("    la t2 %s", d.MessageLabel),
		fmt.Sprintf("    li t3 %d", d.Code),
		"    j "+ReportLabel,
		d.passLabel()+":",
	)
	return out
}

// runtime prints "<message><actual>[ at index <i>]\n" and exits with the
// code in t3.
func runtime() []string {
	return []string{
		ReportLabel + ":",
		fmt.Sprintf("    li a0 %d", arch.EcallPrintString),
		"    mv a1 t2",
		"    ecall",
		fmt.Sprintf("    li a0 %d", arch.EcallPrintInt),
		"    mv a1 t1",
		"    ecall",
		"    bltz t4 " + ReportLabel + "_exit",
		fmt.Sprintf("    li a0 %d", arch.EcallPrintString),
		"    la a1 " + atLabel,
		"    ecall",
		fmt.Sprintf("    li a0 %d", arch.EcallPrintInt),
		"    mv a1 t4",
		"    ecall",
		ReportLabel + "_exit:",
		fmt.Sprintf("    li a0 %d", arch.EcallPrintChar),
		"    li a1 10",
		"    ecall",
		fmt.Sprintf("    li a0 %d", arch.EcallExit2),
		"    mv a1 t3",
		"    ecall",
	}
}

func saveRegisters(checks []Descriptor) []string {
	var out []string
	for _, d := range checks {
		if d.Slot < 0 {
			continue
		}
		if out == nil {
			out = append(out, "    la t0 "+SavedLabel)
		}
		out = append(out, fmt.Sprintf("    sw %s %d(t0)", d.Register, 4*d.Slot))
	}
	return out
}

// FailureReport is what a failing check printed.
type FailureReport struct {
	Check   int
	Actual  int64
	Element int
	// HasElement is set for array checks.
	HasElement bool
}

var reportPattern = regexp.MustCompile(`\[asmtest\] check (\d+) failed: got (-?\d+)(?: at index (\d+))?`)

// ParseReport finds the last failure report in stdout.
func ParseReport(stdout []byte) (FailureReport, bool) {
	all := reportPattern.FindAllSubmatch(stdout, -1)
	if len(all) == 0 {
		return FailureReport{}, false
	}
	m := all[len(all)-1]
	var r FailureReport
	r.Check, _ = strconv.Atoi(string(m[1]))
	r.Actual, _ = strconv.ParseInt(string(m[2]), 10, 64)
	if len(m[3]) > 0 {
		r.Element, _ = strconv.Atoi(string(m[3]))
		r.HasElement = true
	}
	return r, true
}
