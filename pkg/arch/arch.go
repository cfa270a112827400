// Package arch describes the RV32 target the harness generates code for:
// the register file and its ABI names, word geometry, environment call
// numbers and the exit-code conventions shared by generated programs,
// units under test and the simulator.
package arch

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// WordSize is the size of a machine word in bytes.
	WordSize = 4
	// NumRegs is the number of integer registers.
	NumRegs = 32

	// StackTop is the initial stack pointer used by the generated preamble.
	// It matches the value Venus installs before running a program.
	StackTop = 0x7FFFFFF0

	// TextBase and DataBase are the segment bases used by Venus.
	TextBase = 0x00000000
	DataBase = 0x10000000
	HeapBase = 0x10008000
)

// Exit-code conventions.
const (
	// ExitSuccess is the code a program exits with on normal completion.
	ExitSuccess = 0
	// CheckFailureBase is the exit code of the first synthesized check;
	// check i exits with CheckFailureBase+i when it fails.
	CheckFailureBase = 200
	// MaxChecks is the number of distinguishable check failure codes.
	MaxChecks = 256 - CheckFailureBase - 1
	// MaxExitCode is the largest exit code a process can report.
	MaxExitCode = 255
)

// Environment call numbers (passed in a0, argument in a1).
const (
	EcallPrintInt    = 1
	EcallPrintString = 4
	EcallSbrk        = 9
	EcallExit        = 10
	EcallPrintChar   = 11
	EcallFopen       = 13
	EcallFread       = 14
	EcallFwrite      = 15
	EcallFclose      = 16
	EcallExit2       = 17
	EcallFflush      = 18
	EcallFeof        = 19
	EcallFerror      = 20
	EcallPrintHex    = 34
)

// Register indices with a dedicated role in the calling convention.
const (
	Zero = 0
	RA   = 1
	SP   = 2
	GP   = 3
	TP   = 4
	T0   = 5
	T1   = 6
	T2   = 7
	S0   = 8
	S1   = 9
	A0   = 10
	A1   = 11
	A2   = 12
	A7   = 17
	S2   = 18
	S11  = 27
	T3   = 28
	T4   = 29
	T6   = 31
)

var abiNames = [NumRegs]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

var regIndex = func() map[string]int {
	m := make(map[string]int, NumRegs*2+1)
	for i, name := range abiNames {
		m[name] = i
		m["x"+strconv.Itoa(i)] = i
	}
	m["fp"] = S0
	return m
}()

// Scratch lists the registers the synthesized self-check code clobbers.
// They may be loaded as inputs but cannot be the subject of a check.
var Scratch = []int{T0, T1, T2, T3, T4}

// Register resolves a register name (ABI name, xN or fp) to its index.
func Register(name string) (int, error) {
	idx, ok := regIndex[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("invalid register %q", name)
	}
	return idx, nil
}

// Name returns the ABI name of register idx.
func Name(idx int) string {
	if idx < 0 || idx >= NumRegs {
		return fmt.Sprintf("x%d", idx)
	}
	return abiNames[idx]
}

// Canonical returns the ABI spelling of a register name.
func Canonical(name string) (string, error) {
	idx, err := Register(name)
	if err != nil {
		return "", err
	}
	return abiNames[idx], nil
}

// IsScratch reports whether idx is reserved for self-check code.
func IsScratch(idx int) bool {
	for _, r := range Scratch {
		if r == idx {
			return true
		}
	}
	return false
}

// IsArgument reports whether idx is one of a0-a7.
func IsArgument(idx int) bool {
	return idx >= A0 && idx <= A7
}

// IsCalleeSaved reports whether the convention requires idx to survive a call.
func IsCalleeSaved(idx int) bool {
	return idx == SP || idx == S0 || idx == S1 || (idx >= S2 && idx <= S11)
}

// CalleeSaved lists the registers a callee must preserve.
func CalleeSaved() []int {
	regs := []int{SP, S0, S1}
	for r := S2; r <= S11; r++ {
		regs = append(regs, r)
	}
	return regs
}
