package simtest

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"asmtest/pkg/asm"
	"asmtest/pkg/encode"
	"asmtest/pkg/sim"
)

// Simulator runs programs in-process. It satisfies sim.Simulator and
// reports faults the way the external driver does, as invocation errors.
type Simulator struct {
	// Dir is the directory relative file names in the program resolve
	// against.
	Dir      string
	MaxSteps int
	Timeout  time.Duration
}

var _ sim.Simulator = (*Simulator)(nil)

// programFile names the program in coverage and fault reports. The
// reserved prefix keeps it apart from every unit file name.
func programFile(name string) string {
	return encode.ReservedPrefix + sim.Stem(name) + ".s"
}

func (s *Simulator) Run(ctx context.Context, inv *sim.Invocation) (*sim.Result, error) {
	fail := func(reason string, stderr []byte, err error) error {
		return &sim.InvocationError{Name: inv.Name, Reason: reason, Stderr: stderr, Err: err}
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	start := time.Now()
	prog, err := asm.Assemble(inv.Program)
	if err != nil {
		stderr := []byte(fmt.Sprintf("[ERROR] %v\n", err))
		return nil, fail("simulator reported a fault", stderr, err)
	}

	file := programFile(inv.Name)
	var stdout, stderr bytes.Buffer
	m := New(prog, file, inv.Args)
	m.Output = &stdout
	m.Errors = &stderr
	m.Dir = s.Dir
	if s.MaxSteps > 0 {
		m.MaxSteps = s.MaxSteps
	}
	m.CheckCallingConvention = inv.CheckCallingConvention

	runErr := m.Run(ctx)
	res := &sim.Result{
		ExitCode:    m.ExitCode,
		Stdout:      stdout.Bytes(),
		Duration:    time.Since(start),
		ProgramFile: file,
	}
	var fault *Fault
	switch {
	case errors.Is(runErr, context.DeadlineExceeded):
		res.Stderr = stderr.Bytes()
		return res, fail(fmt.Sprintf("timed out after %s", s.Timeout), res.Stderr, runErr)
	case errors.Is(runErr, context.Canceled):
		res.Stderr = stderr.Bytes()
		return res, fail("canceled", res.Stderr, runErr)
	case errors.As(runErr, &fault):
		fmt.Fprintf(&stderr, "[ERROR] %v\n", fault)
		res.Stderr = stderr.Bytes()
		return res, fail("simulator reported a fault", res.Stderr, nil)
	case runErr != nil:
		res.Stderr = stderr.Bytes()
		return res, fail("running program", res.Stderr, runErr)
	}
	res.Stderr = stderr.Bytes()
	res.Violations = sim.ParseViolations(res.Stderr)
	if inv.Coverage {
		res.Coverage = m.Coverage(file)
	}
	if inv.DumpState {
		res.State = m.State()
	}
	return res, nil
}

// Main is a Venus-compatible command line:
//
//	fakesim [--callingConvention] [--coverageFile f] [--dumpState f] program.s args...
//
// It returns the process exit code. There is no environment call that
// reads standard input, so none is taken.
func Main(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("fakesim", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cc := fs.Bool("callingConvention", false, "report callee-saved registers a call did not restore")
	covFile := fs.String("coverageFile", "", "write line coverage to `file`")
	stateFile := fs.String("dumpState", "", "write the final machine state as JSON to `file`")
	maxSteps := fs.Int("maxSteps", DefaultMaxSteps, "abort after `n` instructions")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "usage: fakesim [flags] program.s [args...]")
		return 2
	}

	path := fs.Arg(0)
	src, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(stderr, "[ERROR] %v\n", err)
		return 1
	}
	prog, err := asm.Assemble(string(src))
	if err != nil {
		fmt.Fprintf(stderr, "[ERROR] %s: %v\n", path, err)
		return 1
	}

	m := New(prog, path, fs.Args()[1:])
	m.Output = stdout
	m.Errors = stderr
	m.MaxSteps = *maxSteps
	m.CheckCallingConvention = *cc
	if err := m.Run(context.Background()); err != nil {
		fmt.Fprintf(stderr, "[ERROR] %v\n", err)
		return 1
	}

	if *covFile != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		if err := writeFile(*covFile, func(w io.Writer) error { return sim.WriteCoverage(w, m.Coverage(abs)) }); err != nil {
			fmt.Fprintf(stderr, "[ERROR] writing coverage: %v\n", err)
			return 1
		}
	}
	if *stateFile != "" {
		if err := writeFile(*stateFile, func(w io.Writer) error { return sim.WriteState(w, m.State()) }); err != nil {
			fmt.Fprintf(stderr, "[ERROR] writing state: %v\n", err)
			return 1
		}
	}
	return m.ExitCode
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
