package asm

import (
	"fmt"
	"strings"
	"unicode"
)

// LineKind classifies one source line.
type LineKind int

const (
	Blank LineKind = iota
	Comment
	Label
	Directive
	Instruction
)

func (k LineKind) String() string {
	switch k {
	case Blank:
		return "blank"
	case Comment:
		return "comment"
	case Label:
		return "label"
	case Directive:
		return "directive"
	case Instruction:
		return "instruction"
	}
	return fmt.Sprintf("LineKind(%d)", int(k))
}

type parsedLine struct {
	lineNo   int
	labels   []string
	mnemonic string
	operands []string
	comment  bool
}

func (p parsedLine) kind() LineKind {
	switch {
	case p.mnemonic != "" && strings.HasPrefix(p.mnemonic, "."):
		return Directive
	case p.mnemonic != "":
		return Instruction
	case len(p.labels) > 0:
		return Label
	case p.comment:
		return Comment
	}
	return Blank
}

func parseLine(raw string, lineNo int) (parsedLine, error) {
	p := parsedLine{lineNo: lineNo}

	line, hadComment, err := stripComment(raw)
	if err != nil {
		return p, fmt.Errorf("%v on line %d", err, lineNo)
	}
	p.comment = hadComment
	line = strings.TrimSpace(line)
	if line == "" {
		return p, nil
	}

	for {
		colon := labelColon(line)
		if colon <= 0 {
			break
		}
		label := strings.TrimSpace(line[:colon])
		if !isIdentifier(label) {
			return p, fmt.Errorf("invalid label '%s' on line %d", label, lineNo)
		}
		p.labels = append(p.labels, label)
		line = strings.TrimSpace(line[colon+1:])
		if line == "" {
			return p, nil
		}
	}

	fields, err := splitOperands(line)
	if err != nil {
		return p, fmt.Errorf("%v on line %d", err, lineNo)
	}
	if len(fields) == 0 {
		return p, nil
	}
	p.mnemonic = strings.ToLower(fields[0])
	if len(fields) > 1 {
		p.operands = fields[1:]
	}
	return p, nil
}

// labelColon returns the index of the colon ending a leading label, or -1.
func labelColon(line string) int {
	colon := strings.IndexByte(line, ':')
	if colon <= 0 {
		return -1
	}
	before := line[:colon]
	if strings.ContainsAny(before, " \t\"'") {
		return -1
	}
	return colon
}

// stripComment removes a '#' comment that is not inside a string or
// character literal.
func stripComment(line string) (string, bool, error) {
	var quote byte
	escaped := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case escaped:
			escaped = false
		case quote != 0 && c == '\\':
			escaped = true
		case quote != 0 && c == quote:
			quote = 0
		case quote != 0:
		case c == '"' || c == '\'':
			quote = c
		case c == '#':
			return line[:i], true, nil
		}
	}
	if quote != 0 {
		return "", false, fmt.Errorf("unterminated literal")
	}
	return line, false, nil
}

// splitOperands splits on whitespace and commas, keeping quoted literals
// intact (quotes included).
func splitOperands(line string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	var quote byte
	escaped := false
	flush := func() {
		if cur.Len() > 0 {
			fields = append(fields, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case escaped:
			escaped = false
			cur.WriteByte(c)
		case quote != 0:
			if c == '\\' {
				escaped = true
			} else if c == quote {
				quote = 0
			}
			cur.WriteByte(c)
		case c == '"' || c == '\'':
			quote = c
			cur.WriteByte(c)
		case c == ',' || c == ' ' || c == '\t':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated literal")
	}
	flush()
	return fields, nil
}

// Classify returns the kind of every line of src, index 0 being line 1.
func Classify(src string) ([]LineKind, error) {
	lines := strings.Split(src, "\n")
	kinds := make([]LineKind, len(lines))
	for i, raw := range lines {
		p, err := parseLine(raw, i+1)
		if err != nil {
			return nil, err
		}
		kinds[i] = p.kind()
	}
	return kinds, nil
}

// ExecutableLines returns the 1-based numbers of the lines of src that
// hold an instruction. Labels, comments, blank lines and directives are
// not executable.
func ExecutableLines(src string) ([]int, error) {
	kinds, err := Classify(src)
	if err != nil {
		return nil, err
	}
	var out []int
	for i, k := range kinds {
		if k == Instruction {
			out = append(out, i+1)
		}
	}
	return out, nil
}

// CountLines returns the number of lines src occupies when emitted with a
// trailing newline.
func CountLines(src string) int {
	return len(strings.Split(strings.TrimSuffix(src, "\n"), "\n"))
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if i == 0 {
			if !unicode.IsLetter(r) && r != '_' && r != '.' {
				return false
			}
			continue
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// Labels returns the labels src defines, in source order.
func Labels(src string) ([]string, error) {
	var out []string
	for i, raw := range strings.Split(src, "\n") {
		p, err := parseLine(raw, i+1)
		if err != nil {
			return nil, err
		}
		out = append(out, p.labels...)
	}
	return out, nil
}
