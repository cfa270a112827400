// Package asm reads Venus-dialect RV32IM assembly. It classifies source
// lines (the coverage denominator only counts instruction lines) and
// assembles whole programs into a decoded image for the stand-in simulator.
package asm

import (
	"fmt"
	"strconv"
	"strings"

	"asmtest/pkg/arch"
)

// Inst is one decoded instruction. Branch and jump targets are absolute
// addresses held in Imm.
type Inst struct {
	Op   string
	Rd   int
	Rs1  int
	Rs2  int
	Imm  int32
	Line int
}

// Program is an assembled image.
type Program struct {
	Text    []Inst
	Data    []byte
	Symbols map[string]uint32
	Globals map[string]bool
	// SourceMap maps text addresses to source lines.
	SourceMap map[uint32]int
}

// Addr returns the text address of instruction i.
func Addr(i int) uint32 {
	return arch.TextBase + uint32(i)*arch.WordSize
}

type operandShape int

const (
	shapeNone     operandShape = iota
	shapeR                     // rd rs1 rs2
	shapeI                     // rd rs1 imm
	shapeLoad                  // rd imm(rs1)
	shapeStore                 // rs2 imm(rs1)
	shapeBranch                // rs1 rs2 label
	shapeU                     // rd imm
	shapeRdRs                  // rd rs (pseudo)
	shapeRsLabel               // rs label (pseudo)
	shapeRdImm                 // li
	shapeRdLabel               // la
	shapeLabel                 // j, call, tail
	shapeJal                   // [rd] label
	shapeJalr                  // rs | rd rs imm | rd imm(rs)
	shapeRs                    // jr
	shapeSwapBr                // bgt/ble: rs rt label with operands swapped
)

var shapes = map[string]operandShape{
	"add": shapeR, "sub": shapeR, "and": shapeR, "or": shapeR, "xor": shapeR,
	"sll": shapeR, "srl": shapeR, "sra": shapeR, "slt": shapeR, "sltu": shapeR,
	"mul": shapeR, "mulh": shapeR, "mulhu": shapeR, "mulhsu": shapeR,
	"div": shapeR, "divu": shapeR, "rem": shapeR, "remu": shapeR,

	"addi": shapeI, "andi": shapeI, "ori": shapeI, "xori": shapeI,
	"slli": shapeI, "srli": shapeI, "srai": shapeI, "slti": shapeI, "sltiu": shapeI,

	"lb": shapeLoad, "lh": shapeLoad, "lw": shapeLoad, "lbu": shapeLoad, "lhu": shapeLoad,
	"sb": shapeStore, "sh": shapeStore, "sw": shapeStore,

	"beq": shapeBranch, "bne": shapeBranch, "blt": shapeBranch, "bge": shapeBranch,
	"bltu": shapeBranch, "bgeu": shapeBranch,
	"bgt": shapeSwapBr, "ble": shapeSwapBr, "bgtu": shapeSwapBr, "bleu": shapeSwapBr,

	"lui": shapeU, "auipc": shapeU,
	"jal": shapeJal, "jalr": shapeJalr,
	"ecall": shapeNone, "nop": shapeNone, "ret": shapeNone,

	"mv": shapeRdRs, "not": shapeRdRs, "neg": shapeRdRs, "seqz": shapeRdRs,
	"snez": shapeRdRs, "sltz": shapeRdRs, "sgtz": shapeRdRs,
	"beqz": shapeRsLabel, "bnez": shapeRsLabel, "blez": shapeRsLabel,
	"bgez": shapeRsLabel, "bltz": shapeRsLabel, "bgtz": shapeRsLabel,
	"li": shapeRdImm, "la": shapeRdLabel,
	"j": shapeLabel, "call": shapeLabel, "tail": shapeLabel,
	"jr": shapeRs,
}

var swapped = map[string]string{"bgt": "blt", "ble": "bge", "bgtu": "bltu", "bleu": "bgeu"}

// IsInstruction reports whether mnemonic is an instruction the assembler knows.
func IsInstruction(mnemonic string) bool {
	_, ok := shapes[strings.ToLower(mnemonic)]
	return ok
}

type section int

const (
	textSection section = iota
	dataSection
)

type Assembler struct {
	labels  map[string]uint32
	globals map[string]bool
}

func NewAssembler() *Assembler {
	return &Assembler{
		labels:  make(map[string]uint32),
		globals: make(map[string]bool),
	}
}

// Assemble assembles a complete program.
func Assemble(code string) (*Program, error) {
	return NewAssembler().Assemble(code)
}

func (a *Assembler) Assemble(code string) (*Program, error) {
	lines := strings.Split(code, "\n")
	parsed := make([]parsedLine, len(lines))
	for i, raw := range lines {
		p, err := parseLine(raw, i+1)
		if err != nil {
			return nil, err
		}
		parsed[i] = p
	}
	if err := a.pass1(parsed); err != nil {
		return nil, err
	}
	return a.pass2(parsed)
}

func (a *Assembler) pass1(lines []parsedLine) error {
	sec := textSection
	var textAddr uint32 = arch.TextBase
	var dataSize uint32

	for _, p := range lines {
		if p.mnemonic == ".text" {
			sec = textSection
		} else if p.mnemonic == ".data" {
			sec = dataSection
		}

		if p.mnemonic == ".align" && sec == dataSection {
			n, err := directiveCount(p)
			if err != nil {
				return err
			}
			dataSize = alignUp(dataSize, 1<<n)
		}

		for _, lbl := range p.labels {
			if _, exists := a.labels[lbl]; exists {
				return fmt.Errorf("duplicate label '%s' on line %d", lbl, p.lineNo)
			}
			if sec == textSection {
				a.labels[lbl] = textAddr
			} else {
				a.labels[lbl] = arch.DataBase + dataSize
			}
		}

		switch {
		case p.mnemonic == "":
		case isSectionDirective(p.mnemonic):
		case strings.HasPrefix(p.mnemonic, "."):
			if sec != dataSection || p.mnemonic == ".align" {
				continue
			}
			n, err := dataLength(p)
			if err != nil {
				return err
			}
			dataSize += n
		default:
			if sec != textSection {
				return fmt.Errorf("instruction %s outside .text on line %d", p.mnemonic, p.lineNo)
			}
			if !IsInstruction(p.mnemonic) {
				return fmt.Errorf("unknown instruction on line %d: %s", p.lineNo, p.mnemonic)
			}
			textAddr += arch.WordSize
		}
	}
	return nil
}

func (a *Assembler) pass2(lines []parsedLine) (*Program, error) {
	prog := &Program{
		Symbols:   a.labels,
		Globals:   a.globals,
		SourceMap: make(map[uint32]int),
	}
	sec := textSection

	for _, p := range lines {
		switch p.mnemonic {
		case "":
			continue
		case ".text":
			sec = textSection
			continue
		case ".data":
			sec = dataSection
			continue
		case ".globl", ".global":
			if len(p.operands) != 1 {
				return nil, fmt.Errorf("%s expects 1 operand on line %d", p.mnemonic, p.lineNo)
			}
			a.globals[p.operands[0]] = true
			continue
		}

		if strings.HasPrefix(p.mnemonic, ".") {
			if sec == textSection {
				if p.mnemonic == ".align" {
					continue
				}
				return nil, fmt.Errorf("data directive %s in .text on line %d", p.mnemonic, p.lineNo)
			}
			data, err := a.emitData(p, len(prog.Data))
			if err != nil {
				return nil, err
			}
			prog.Data = append(prog.Data, data...)
			continue
		}

		inst, err := a.encode(p)
		if err != nil {
			return nil, err
		}
		prog.SourceMap[Addr(len(prog.Text))] = p.lineNo
		prog.Text = append(prog.Text, inst)
	}
	return prog, nil
}

func isSectionDirective(m string) bool {
	switch m {
	case ".text", ".data", ".globl", ".global":
		return true
	}
	return false
}

func alignUp(n, align uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}

func directiveCount(p parsedLine) (uint32, error) {
	if len(p.operands) != 1 {
		return 0, fmt.Errorf("%s expects exactly one operand on line %d", p.mnemonic, p.lineNo)
	}
	n, err := strconv.ParseUint(p.operands[0], 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value on line %d: %s", p.mnemonic, p.lineNo, p.operands[0])
	}
	if p.mnemonic == ".align" && n > 12 {
		return 0, fmt.Errorf(".align out of range on line %d: %s", p.lineNo, p.operands[0])
	}
	return uint32(n), nil
}

func dataLength(p parsedLine) (uint32, error) {
	switch p.mnemonic {
	case ".word":
		return uint32(len(p.operands)) * 4, nil
	case ".half":
		return uint32(len(p.operands)) * 2, nil
	case ".byte":
		return uint32(len(p.operands)), nil
	case ".space":
		return directiveCount(p)
	case ".asciiz", ".string", ".ascii":
		var n uint32
		for _, op := range p.operands {
			s, err := unquote(op, p.lineNo)
			if err != nil {
				return 0, err
			}
			n += uint32(len(s))
			if p.mnemonic != ".ascii" {
				n++
			}
		}
		return n, nil
	}
	return 0, fmt.Errorf("unsupported directive on line %d: %s", p.lineNo, p.mnemonic)
}

func (a *Assembler) emitData(p parsedLine, size int) ([]byte, error) {
	switch p.mnemonic {
	case ".align":
		n, err := directiveCount(p)
		if err != nil {
			return nil, err
		}
		pad := int(alignUp(uint32(size), 1<<n)) - size
		return make([]byte, pad), nil
	case ".space":
		n, err := directiveCount(p)
		if err != nil {
			return nil, err
		}
		return make([]byte, n), nil
	case ".asciiz", ".string", ".ascii":
		var out []byte
		for _, op := range p.operands {
			s, err := unquote(op, p.lineNo)
			if err != nil {
				return nil, err
			}
			out = append(out, s...)
			if p.mnemonic != ".ascii" {
				out = append(out, 0)
			}
		}
		return out, nil
	}

	var width int
	switch p.mnemonic {
	case ".word":
		width = 4
	case ".half":
		width = 2
	case ".byte":
		width = 1
	default:
		return nil, fmt.Errorf("unsupported directive on line %d: %s", p.lineNo, p.mnemonic)
	}
	out := make([]byte, 0, width*len(p.operands))
	for _, op := range p.operands {
		v, err := a.parseValue(op, p.lineNo)
		if err != nil {
			return nil, err
		}
		lo := -(int64(1) << (width*8 - 1))
		hi := int64(1)<<(width*8) - 1
		if v < lo || v > hi {
			return nil, fmt.Errorf("%s value out of range on line %d: %s", p.mnemonic, p.lineNo, op)
		}
		for i := 0; i < width; i++ {
			out = append(out, byte(uint64(v)>>(8*i)))
		}
	}
	return out, nil
}

func unquote(op string, lineNo int) (string, error) {
	if len(op) < 2 || op[0] != '"' || op[len(op)-1] != '"' {
		return "", fmt.Errorf("invalid string literal on line %d", lineNo)
	}
	s, err := strconv.Unquote(op)
	if err != nil {
		return "", fmt.Errorf("invalid string literal on line %d", lineNo)
	}
	return s, nil
}
