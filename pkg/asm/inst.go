package asm

import (
	"fmt"
	"strconv"
	"strings"

	"asmtest/pkg/arch"
)

func (a *Assembler) encode(p parsedLine) (Inst, error) {
	inst := Inst{Op: p.mnemonic, Line: p.lineNo}
	ops := p.operands
	shape := shapes[p.mnemonic]

	want := func(n int) error {
		if len(ops) != n {
			return fmt.Errorf("%s expects %d operands on line %d", p.mnemonic, n, p.lineNo)
		}
		return nil
	}
	reg := func(tok string) (int, error) {
		r, err := arch.Register(tok)
		if err != nil {
			return 0, fmt.Errorf("invalid register '%s' on line %d", tok, p.lineNo)
		}
		return r, nil
	}

	var err error
	switch shape {
	case shapeNone:
		if err = want(0); err != nil {
			return inst, err
		}
		switch p.mnemonic {
		case "nop":
			inst.Op = "addi"
		case "ret":
			inst.Op, inst.Rs1 = "jalr", arch.RA
		}

	case shapeR:
		if err = want(3); err != nil {
			return inst, err
		}
		if inst.Rd, err = reg(ops[0]); err != nil {
			return inst, err
		}
		if inst.Rs1, err = reg(ops[1]); err != nil {
			return inst, err
		}
		if inst.Rs2, err = reg(ops[2]); err != nil {
			return inst, err
		}

	case shapeI:
		if err = want(3); err != nil {
			return inst, err
		}
		if inst.Rd, err = reg(ops[0]); err != nil {
			return inst, err
		}
		if inst.Rs1, err = reg(ops[1]); err != nil {
			return inst, err
		}
		if inst.Imm, err = a.immediate(ops[2], p.lineNo, -2048, 2047); err != nil {
			return inst, err
		}

	case shapeLoad, shapeStore:
		// both "rd off(rs)" and "rd rs off" are accepted
		if len(ops) != 2 && len(ops) != 3 {
			return inst, fmt.Errorf("%s expects 2 operands on line %d", p.mnemonic, p.lineNo)
		}
		first, err := reg(ops[0])
		if err != nil {
			return inst, err
		}
		var base int
		var off int32
		if len(ops) == 2 {
			base, off, err = a.memOperand(ops[1], p.lineNo)
		} else {
			if base, err = reg(ops[1]); err == nil {
				off, err = a.immediate(ops[2], p.lineNo, -2048, 2047)
			}
		}
		if err != nil {
			return inst, err
		}
		inst.Rs1, inst.Imm = base, off
		if shape == shapeLoad {
			inst.Rd = first
		} else {
			inst.Rs2 = first
		}

	case shapeBranch, shapeSwapBr:
		if err = want(3); err != nil {
			return inst, err
		}
		if inst.Rs1, err = reg(ops[0]); err != nil {
			return inst, err
		}
		if inst.Rs2, err = reg(ops[1]); err != nil {
			return inst, err
		}
		if inst.Imm, err = a.target(ops[2], p.lineNo); err != nil {
			return inst, err
		}
		if shape == shapeSwapBr {
			inst.Op = swapped[p.mnemonic]
			inst.Rs1, inst.Rs2 = inst.Rs2, inst.Rs1
		}

	case shapeU:
		if err = want(2); err != nil {
			return inst, err
		}
		if inst.Rd, err = reg(ops[0]); err != nil {
			return inst, err
		}
		if inst.Imm, err = a.immediate(ops[1], p.lineNo, 0, 0xFFFFF); err != nil {
			return inst, err
		}

	case shapeRdRs:
		if err = want(2); err != nil {
			return inst, err
		}
		if inst.Rd, err = reg(ops[0]); err != nil {
			return inst, err
		}
		rs, err := reg(ops[1])
		if err != nil {
			return inst, err
		}
		switch p.mnemonic {
		case "mv":
			inst.Op, inst.Rs1 = "addi", rs
		case "not":
			inst.Op, inst.Rs1, inst.Imm = "xori", rs, -1
		case "neg":
			inst.Op, inst.Rs1, inst.Rs2 = "sub", arch.Zero, rs
		case "seqz":
			inst.Op, inst.Rs1, inst.Imm = "sltiu", rs, 1
		case "snez":
			inst.Op, inst.Rs1, inst.Rs2 = "sltu", arch.Zero, rs
		case "sltz":
			inst.Op, inst.Rs1, inst.Rs2 = "slt", rs, arch.Zero
		case "sgtz":
			inst.Op, inst.Rs1, inst.Rs2 = "slt", arch.Zero, rs
		}

	case shapeRsLabel:
		if err = want(2); err != nil {
			return inst, err
		}
		rs, err := reg(ops[0])
		if err != nil {
			return inst, err
		}
		if inst.Imm, err = a.target(ops[1], p.lineNo); err != nil {
			return inst, err
		}
		switch p.mnemonic {
		case "beqz":
			inst.Op, inst.Rs1, inst.Rs2 = "beq", rs, arch.Zero
		case "bnez":
			inst.Op, inst.Rs1, inst.Rs2 = "bne", rs, arch.Zero
		case "blez":
			inst.Op, inst.Rs1, inst.Rs2 = "bge", arch.Zero, rs
		case "bgez":
			inst.Op, inst.Rs1, inst.Rs2 = "bge", rs, arch.Zero
		case "bltz":
			inst.Op, inst.Rs1, inst.Rs2 = "blt", rs, arch.Zero
		case "bgtz":
			inst.Op, inst.Rs1, inst.Rs2 = "blt", arch.Zero, rs
		}

	case shapeRdImm:
		if err = want(2); err != nil {
			return inst, err
		}
		if inst.Rd, err = reg(ops[0]); err != nil {
			return inst, err
		}
		if inst.Imm, err = a.immediate(ops[1], p.lineNo, -1<<31, 1<<32-1); err != nil {
			return inst, err
		}

	case shapeRdLabel:
		if err = want(2); err != nil {
			return inst, err
		}
		if inst.Rd, err = reg(ops[0]); err != nil {
			return inst, err
		}
		if inst.Imm, err = a.target(ops[1], p.lineNo); err != nil {
			return inst, err
		}
		inst.Op = "li"

	case shapeLabel:
		if err = want(1); err != nil {
			return inst, err
		}
		if inst.Imm, err = a.target(ops[0], p.lineNo); err != nil {
			return inst, err
		}
		inst.Op = "jal"
		if p.mnemonic == "call" {
			inst.Rd = arch.RA
		}

	case shapeJal:
		switch len(ops) {
		case 1:
			inst.Rd = arch.RA
			inst.Imm, err = a.target(ops[0], p.lineNo)
		case 2:
			if inst.Rd, err = reg(ops[0]); err == nil {
				inst.Imm, err = a.target(ops[1], p.lineNo)
			}
		default:
			err = fmt.Errorf("jal expects 1 or 2 operands on line %d", p.lineNo)
		}
		if err != nil {
			return inst, err
		}

	case shapeJalr:
		switch len(ops) {
		case 1:
			inst.Rd = arch.RA
			inst.Rs1, err = reg(ops[0])
		case 2:
			if inst.Rd, err = reg(ops[0]); err == nil {
				inst.Rs1, inst.Imm, err = a.memOperand(ops[1], p.lineNo)
			}
		case 3:
			if inst.Rd, err = reg(ops[0]); err == nil {
				if inst.Rs1, err = reg(ops[1]); err == nil {
					inst.Imm, err = a.immediate(ops[2], p.lineNo, -2048, 2047)
				}
			}
		default:
			err = fmt.Errorf("jalr expects 1 to 3 operands on line %d", p.lineNo)
		}
		if err != nil {
			return inst, err
		}

	case shapeRs:
		if err = want(1); err != nil {
			return inst, err
		}
		if inst.Rs1, err = reg(ops[0]); err != nil {
			return inst, err
		}
		inst.Op = "jalr"
	}
	return inst, nil
}

// memOperand parses "off(reg)" or "(reg)".
func (a *Assembler) memOperand(tok string, lineNo int) (int, int32, error) {
	open := strings.IndexByte(tok, '(')
	if open < 0 || !strings.HasSuffix(tok, ")") {
		return 0, 0, fmt.Errorf("invalid memory operand '%s' on line %d", tok, lineNo)
	}
	base, err := arch.Register(tok[open+1 : len(tok)-1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid register in '%s' on line %d", tok, lineNo)
	}
	var off int32
	if open > 0 {
		if off, err = a.immediate(tok[:open], lineNo, -2048, 2047); err != nil {
			return 0, 0, err
		}
	}
	return base, off, nil
}

// target resolves a label to its address.
func (a *Assembler) target(tok string, lineNo int) (int32, error) {
	if addr, ok := a.labels[tok]; ok {
		return int32(addr), nil
	}
	if isIdentifier(tok) {
		return 0, fmt.Errorf("undefined label '%s' on line %d", tok, lineNo)
	}
	return 0, fmt.Errorf("invalid label '%s' on line %d", tok, lineNo)
}

func (a *Assembler) immediate(tok string, lineNo int, lo, hi int64) (int32, error) {
	v, err := parseNumber(tok)
	if err != nil {
		return 0, fmt.Errorf("invalid immediate '%s' on line %d", tok, lineNo)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("immediate out of range on line %d: %s", lineNo, tok)
	}
	return int32(v), nil
}

// parseValue accepts a number or a label (data directives).
func (a *Assembler) parseValue(tok string, lineNo int) (int64, error) {
	if v, err := parseNumber(tok); err == nil {
		return v, nil
	}
	if addr, ok := a.labels[tok]; ok {
		return int64(addr), nil
	}
	if isIdentifier(tok) {
		return 0, fmt.Errorf("undefined label '%s' on line %d", tok, lineNo)
	}
	return 0, fmt.Errorf("invalid value '%s' on line %d", tok, lineNo)
}

// parseNumber accepts decimal, 0x, 0b and 0o literals, optionally negative,
// and character literals such as '\n'.
func parseNumber(tok string) (int64, error) {
	if len(tok) >= 3 && tok[0] == '\'' && tok[len(tok)-1] == '\'' {
		s, err := strconv.Unquote(tok)
		if err != nil || len([]rune(s)) != 1 {
			return 0, fmt.Errorf("invalid character literal %s", tok)
		}
		return int64([]rune(s)[0]), nil
	}
	return strconv.ParseInt(tok, 0, 64)
}
