// Package sim runs synthesized programs under an instruction-set
// simulator. Simulator is the capability the harness depends on; Command
// drives an external executable speaking the Venus command-line protocol.
package sim

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"asmtest/pkg/arch"
)

// ErrInvocation marks a failure of the simulator itself (missing
// executable, crash, timeout) as opposed to a program that ran and
// produced the wrong answer.
var ErrInvocation = errors.New("simulator invocation failed")

// ViolationPrefix starts each calling-convention report on stderr.
const ViolationPrefix = "[CC Violation]"

// Simulator runs one program to completion.
type Simulator interface {
	Run(ctx context.Context, inv *Invocation) (*Result, error)
}

// Invocation describes one simulator run.
type Invocation struct {
	// Name identifies the originating test; the program file is named
	// after it.
	Name    string
	Program string
	Args    []string
	Stdin   []byte

	Coverage               bool
	DumpState              bool
	CheckCallingConvention bool
}

// LineHit is one line of a coverage report.
type LineHit struct {
	File  string
	Line  int
	Count int
}

// Result is what a run produced.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	// State is the final machine state, when requested and supported.
	State      *State
	Coverage   []LineHit
	Violations []string
	Duration   time.Duration
	// ProgramPath is where the program was written, if it was.
	ProgramPath string
	// ProgramFile is the name the simulator was given for the program.
	// Coverage hits against it belong to the generated program, not to a
	// unit that happens to share its base name.
	ProgramFile string
}

// Region is a contiguous block of memory.
type Region struct {
	Base uint32 `json:"base"`
	Data []byte `json:"data"`
}

// State is a snapshot of the machine after the program exited.
type State struct {
	PC        uint32            `json:"pc"`
	Registers map[string]uint32 `json:"registers"`
	Symbols   map[string]uint32 `json:"symbols"`
	Memory    []Region          `json:"memory"`
}

// Register returns the signed value of register name.
func (s *State) Register(name string) (int64, bool) {
	canon, err := arch.Canonical(name)
	if err != nil {
		return 0, false
	}
	v, ok := s.Registers[canon]
	return int64(int32(v)), ok
}

// Symbol returns the address of label.
func (s *State) Symbol(label string) (uint32, bool) {
	addr, ok := s.Symbols[label]
	return addr, ok
}

// Read returns n bytes at addr if a single dumped region holds them.
func (s *State) Read(addr uint32, n int) ([]byte, bool) {
	for _, r := range s.Memory {
		if addr < r.Base {
			continue
		}
		off := uint64(addr - r.Base)
		if off+uint64(n) <= uint64(len(r.Data)) {
			return r.Data[off : off+uint64(n)], true
		}
	}
	return nil, false
}

// ParseState decodes a JSON state dump.
func ParseState(r io.Reader) (*State, error) {
	var s State
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding state dump: %w", err)
	}
	sort.Slice(s.Memory, func(i, j int) bool { return s.Memory[i].Base < s.Memory[j].Base })
	return &s, nil
}

// WriteState encodes s as a JSON state dump.
func WriteState(w io.Writer, s *State) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// ParseCoverage reads "path line count" lines. The path may contain
// spaces; the last two fields are numbers.
func ParseCoverage(r io.Reader) ([]LineHit, error) {
	var hits []LineHit
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		path, lineStr, countStr, ok := splitCoverageLine(text)
		if !ok {
			return nil, fmt.Errorf("coverage line %d: want \"path line count\", got %q", n, text)
		}
		count, err := strconv.Atoi(countStr)
		if err != nil {
			return nil, fmt.Errorf("coverage line %d: invalid count %q", n, countStr)
		}
		line, err := strconv.Atoi(lineStr)
		if err != nil {
			return nil, fmt.Errorf("coverage line %d: invalid line number %q", n, lineStr)
		}
		hits = append(hits, LineHit{File: path, Line: line, Count: count})
	}
	return hits, sc.Err()
}

func splitCoverageLine(text string) (path, line, count string, ok bool) {
	i := strings.LastIndexAny(text, " \t")
	if i < 0 {
		return "", "", "", false
	}
	count = text[i+1:]
	rest := strings.TrimSpace(text[:i])
	j := strings.LastIndexAny(rest, " \t")
	if j < 0 {
		return "", "", "", false
	}
	line = rest[j+1:]
	path = strings.TrimSpace(rest[:j])
	return path, line, count, path != ""
}

// WriteCoverage writes hits in the format ParseCoverage reads.
func WriteCoverage(w io.Writer, hits []LineHit) error {
	bw := bufio.NewWriter(w)
	for _, h := range hits {
		fmt.Fprintf(bw, "%s %d %d\n", h.File, h.Line, h.Count)
	}
	return bw.Flush()
}

// ParseViolations extracts calling-convention reports from stderr.
func ParseViolations(stderr []byte) []string {
	var out []string
	for _, line := range bytes.Split(stderr, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if bytes.HasPrefix(line, []byte(ViolationPrefix)) {
			out = append(out, string(line))
		}
	}
	return out
}

// InvocationError reports a run that did not complete normally.
type InvocationError struct {
	Name   string
	Reason string
	Stderr []byte
	Err    error
}

func (e *InvocationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Name, e.Reason)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if msg := strings.TrimSpace(string(e.Stderr)); msg != "" {
		fmt.Fprintf(&b, "\nstderr:\n%s", msg)
	}
	return b.String()
}

func (e *InvocationError) Is(target error) bool { return target == ErrInvocation }

func (e *InvocationError) Unwrap() error { return e.Err }
