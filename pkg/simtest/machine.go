// Package simtest is a small RV32IM interpreter that speaks the same
// protocol as the Venus simulator: Venus environment calls, line coverage,
// JSON state dumps and calling-convention checks. It backs the harness's
// own tests and the fakesim command, so the harness can be exercised
// without a JVM.
package simtest

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"

	"asmtest/pkg/arch"
	"asmtest/pkg/asm"
)

const (
	pageSize = 4096
	// DefaultMaxSteps bounds runaway programs.
	DefaultMaxSteps = 50_000_000
)

// Fault is a runtime error of the simulated program.
type Fault struct {
	PC  uint32
	Msg string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s (pc=0x%08x)", f.Msg, f.PC)
}

type Machine struct {
	Regs [arch.NumRegs]uint32
	PC   uint32

	Halted   bool
	ExitCode int

	// Output receives what the program prints. If nil, os.Stdout is used.
	Output io.Writer
	// Errors receives calling-convention reports. If nil, os.Stderr is used.
	Errors io.Writer
	// Dir is the directory relative file names resolve against.
	Dir string

	Steps    int
	MaxSteps int

	CheckCallingConvention bool

	prog  *asm.Program
	mem   map[uint32][]byte
	brk   uint32
	hits  map[int]int
	files *fileTable
	cc    *convention
	// names maps text addresses back to labels for diagnostics.
	names map[uint32]string
}

// New prepares prog to run with args as argv[1:]. argv[0] is progName.
func New(prog *asm.Program, progName string, args []string) *Machine {
	m := &Machine{
		prog:     prog,
		mem:      make(map[uint32][]byte),
		hits:     make(map[int]int),
		files:    newFileTable(),
		names:    make(map[uint32]string),
		MaxSteps: DefaultMaxSteps,
	}
	for i, b := range prog.Data {
		m.Write8(arch.DataBase+uint32(i), b)
	}
	for name, addr := range prog.Symbols {
		if addr < arch.DataBase {
			if prev, ok := m.names[addr]; !ok || name < prev {
				m.names[addr] = name
			}
		}
	}
	m.brk = arch.HeapBase
	if end := alignUp(arch.DataBase+uint32(len(prog.Data)), 8); end > m.brk {
		m.brk = end
	}

	m.Regs[arch.SP] = arch.StackTop
	m.Regs[arch.GP] = arch.HeapBase
	// returning from the entry routine ends the program
	m.Regs[arch.RA] = m.endAddr()
	m.PC = arch.TextBase
	m.setupArgs(append([]string{progName}, args...))
	return m
}

// Load assembles src and prepares it to run.
func Load(src, progName string, args []string) (*Machine, error) {
	prog, err := asm.Assemble(src)
	if err != nil {
		return nil, err
	}
	return New(prog, progName, args), nil
}

// setupArgs copies argv into the heap and points a0/a1 at it.
func (m *Machine) setupArgs(argv []string) {
	ptrs := make([]uint32, len(argv))
	for i, a := range argv {
		ptrs[i] = m.brk
		for j := 0; j < len(a); j++ {
			m.Write8(m.brk+uint32(j), a[j])
		}
		m.Write8(m.brk+uint32(len(a)), 0)
		m.brk = alignUp(m.brk+uint32(len(a))+1, 4)
	}
	base := m.brk
	for i, p := range ptrs {
		m.Write32(base+uint32(4*i), p)
	}
	m.brk = alignUp(base+uint32(4*len(ptrs))+4, 8)
	m.Regs[arch.A0] = uint32(len(argv))
	m.Regs[arch.A1] = base
}

func alignUp(n, align uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}

func (m *Machine) endAddr() uint32 {
	return asm.Addr(len(m.prog.Text))
}

func (m *Machine) outputSink() io.Writer {
	if m.Output != nil {
		return m.Output
	}
	return os.Stdout
}

func (m *Machine) errorSink() io.Writer {
	if m.Errors != nil {
		return m.Errors
	}
	return os.Stderr
}

func (m *Machine) fault(format string, args ...interface{}) error {
	m.Halted = true
	return &Fault{PC: m.PC, Msg: fmt.Sprintf(format, args...)}
}

func (m *Machine) page(addr uint32, create bool) []byte {
	base := addr &^ (pageSize - 1)
	p, ok := m.mem[base]
	if !ok && create {
		p = make([]byte, pageSize)
		m.mem[base] = p
	}
	return p
}

func (m *Machine) checkAddr(addr uint32, n uint32) error {
	if addr < arch.DataBase || uint64(addr)+uint64(n) > math.MaxUint32 {
		return m.fault("invalid memory access of %d bytes at 0x%08x", n, addr)
	}
	return nil
}

// Read8 reads one byte; unmapped memory reads as zero.
func (m *Machine) Read8(addr uint32) byte {
	p := m.page(addr, false)
	if p == nil {
		return 0
	}
	return p[addr&(pageSize-1)]
}

// Write8 writes one byte.
func (m *Machine) Write8(addr uint32, val byte) {
	m.page(addr, true)[addr&(pageSize-1)] = val
}

// Read16 reads a little-endian half word.
func (m *Machine) Read16(addr uint32) uint16 {
	return uint16(m.Read8(addr)) | uint16(m.Read8(addr+1))<<8
}

// Write16 writes a little-endian half word.
func (m *Machine) Write16(addr uint32, val uint16) {
	m.Write8(addr, byte(val))
	m.Write8(addr+1, byte(val>>8))
}

// Read32 reads a little-endian word.
func (m *Machine) Read32(addr uint32) uint32 {
	return uint32(m.Read16(addr)) | uint32(m.Read16(addr+2))<<16
}

// Write32 writes a little-endian word.
func (m *Machine) Write32(addr uint32, val uint32) {
	m.Write16(addr, uint16(val))
	m.Write16(addr+2, uint16(val>>16))
}

func (m *Machine) set(rd int, v uint32) {
	if rd != arch.Zero {
		m.Regs[rd] = v
	}
}

// Step executes one instruction.
func (m *Machine) Step() error {
	if m.Halted {
		return nil
	}
	if m.PC == m.endAddr() {
		// falling off the end of the text is a normal exit
		m.Halted = true
		return nil
	}
	if m.PC%arch.WordSize != 0 || m.PC > m.endAddr() {
		return m.fault("jump to invalid address 0x%08x", m.PC)
	}
	inst := m.prog.Text[(m.PC-arch.TextBase)/arch.WordSize]
	m.hits[inst.Line]++
	m.Steps++

	rs1 := m.Regs[inst.Rs1]
	rs2 := m.Regs[inst.Rs2]
	imm := uint32(inst.Imm)
	next := m.PC + arch.WordSize

	switch inst.Op {
	case "add":
		m.set(inst.Rd, rs1+rs2)
	case "sub":
		m.set(inst.Rd, rs1-rs2)
	case "and":
		m.set(inst.Rd, rs1&rs2)
	case "or":
		m.set(inst.Rd, rs1|rs2)
	case "xor":
		m.set(inst.Rd, rs1^rs2)
	case "sll":
		m.set(inst.Rd, rs1<<(rs2&31))
	case "srl":
		m.set(inst.Rd, rs1>>(rs2&31))
	case "sra":
		m.set(inst.Rd, uint32(int32(rs1)>>(rs2&31)))
	case "slt":
		m.set(inst.Rd, boolWord(int32(rs1) < int32(rs2)))
	case "sltu":
		m.set(inst.Rd, boolWord(rs1 < rs2))

	case "mul":
		m.set(inst.Rd, rs1*rs2)
	case "mulh":
		m.set(inst.Rd, uint32(uint64(int64(int32(rs1))*int64(int32(rs2)))>>32))
	case "mulhu":
		m.set(inst.Rd, uint32(uint64(rs1)*uint64(rs2)>>32))
	case "mulhsu":
		m.set(inst.Rd, uint32(uint64(int64(int32(rs1))*int64(rs2))>>32))
	case "div":
		m.set(inst.Rd, divSigned(rs1, rs2))
	case "divu":
		if rs2 == 0 {
			m.set(inst.Rd, math.MaxUint32)
		} else {
			m.set(inst.Rd, rs1/rs2)
		}
	case "rem":
		m.set(inst.Rd, remSigned(rs1, rs2))
	case "remu":
		if rs2 == 0 {
			m.set(inst.Rd, rs1)
		} else {
			m.set(inst.Rd, rs1%rs2)
		}

	case "addi":
		m.set(inst.Rd, rs1+imm)
	case "andi":
		m.set(inst.Rd, rs1&imm)
	case "ori":
		m.set(inst.Rd, rs1|imm)
	case "xori":
		m.set(inst.Rd, rs1^imm)
	case "slli":
		m.set(inst.Rd, rs1<<(imm&31))
	case "srli":
		m.set(inst.Rd, rs1>>(imm&31))
	case "srai":
		m.set(inst.Rd, uint32(int32(rs1)>>(imm&31)))
	case "slti":
		m.set(inst.Rd, boolWord(int32(rs1) < inst.Imm))
	case "sltiu":
		m.set(inst.Rd, boolWord(rs1 < imm))

	case "lb", "lh", "lw", "lbu", "lhu":
		addr := rs1 + imm
		if err := m.checkAddr(addr, loadSize(inst.Op)); err != nil {
			return err
		}
		var v uint32
		switch inst.Op {
		case "lb":
			v = uint32(int32(int8(m.Read8(addr))))
		case "lbu":
			v = uint32(m.Read8(addr))
		case "lh":
			v = uint32(int32(int16(m.Read16(addr))))
		case "lhu":
			v = uint32(m.Read16(addr))
		case "lw":
			v = m.Read32(addr)
		}
		m.set(inst.Rd, v)
	case "sb", "sh", "sw":
		addr := rs1 + imm
		if err := m.checkAddr(addr, loadSize(inst.Op)); err != nil {
			return err
		}
		switch inst.Op {
		case "sb":
			m.Write8(addr, byte(rs2))
		case "sh":
			m.Write16(addr, uint16(rs2))
		case "sw":
			m.Write32(addr, rs2)
		}

	case "beq", "bne", "blt", "bge", "bltu", "bgeu":
		if branchTaken(inst.Op, rs1, rs2) {
			next = imm
		}

	case "lui":
		m.set(inst.Rd, imm<<12)
	case "auipc":
		m.set(inst.Rd, m.PC+imm<<12)
	case "li":
		m.set(inst.Rd, imm)

	case "jal":
		m.set(inst.Rd, next)
		if inst.Rd == arch.RA && m.cc != nil {
			m.cc.call(m, imm, next)
		}
		next = imm
	case "jalr":
		target := (rs1 + imm) &^ 1
		if inst.Rd == arch.Zero && inst.Rs1 == arch.RA && inst.Imm == 0 && m.cc != nil {
			m.cc.ret(m, target)
		}
		m.set(inst.Rd, next)
		if inst.Rd == arch.RA && m.cc != nil {
			m.cc.call(m, target, next)
		}
		next = target

	case "ecall":
		if err := m.ecall(); err != nil {
			return err
		}
		if m.Halted {
			return nil
		}

	default:
		return m.fault("unsupported instruction %s", inst.Op)
	}
	m.PC = next
	return nil
}

// Run executes until the program exits, faults, exceeds MaxSteps or ctx
// is done.
func (m *Machine) Run(ctx context.Context) error {
	if m.CheckCallingConvention && m.cc == nil {
		m.cc = &convention{}
	}
	defer m.files.closeAll()
	for !m.Halted {
		if err := m.Step(); err != nil {
			return err
		}
		if m.MaxSteps > 0 && m.Steps >= m.MaxSteps && !m.Halted {
			return m.fault("step limit of %d exceeded", m.MaxSteps)
		}
		if m.Steps%4096 == 0 {
			if err := ctx.Err(); err != nil {
				m.Halted = true
				return err
			}
		}
	}
	return nil
}

func boolWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func loadSize(op string) uint32 {
	switch op {
	case "lb", "lbu", "sb":
		return 1
	case "lh", "lhu", "sh":
		return 2
	}
	return 4
}

func branchTaken(op string, a, b uint32) bool {
	switch op {
	case "beq":
		return a == b
	case "bne":
		return a != b
	case "blt":
		return int32(a) < int32(b)
	case "bge":
		return int32(a) >= int32(b)
	case "bltu":
		return a < b
	case "bgeu":
		return a >= b
	}
	return false
}

func divSigned(a, b uint32) uint32 {
	x, y := int32(a), int32(b)
	switch {
	case y == 0:
		return math.MaxUint32
	case x == math.MinInt32 && y == -1:
		return a
	}
	return uint32(x / y)
}

func remSigned(a, b uint32) uint32 {
	x, y := int32(a), int32(b)
	switch {
	case y == 0:
		return a
	case x == math.MinInt32 && y == -1:
		return 0
	}
	return uint32(x % y)
}
