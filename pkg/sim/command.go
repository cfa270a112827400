package sim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultCrashPatterns recognise simulator faults and JVM crashes on stderr.
var DefaultCrashPatterns = []string{
	`(?m)^\[ERROR\]`,
	`(?m)^Exception in thread`,
}

// Command runs an external simulator executable, one process per
// invocation:
//
//	<Exec...> <DefaultArgs...> [cc flag] [coverage flag file] [state flag file] program.s args...
type Command struct {
	// Exec is the executable and any leading arguments, e.g.
	// ["java", "-jar", "venus.jar"].
	Exec        []string
	DefaultArgs []string

	CoverageFlag          string
	StateFlag             string
	CallingConventionFlag string

	// AsmDir receives the generated program files; they are kept.
	AsmDir string
	// WorkDir is the simulator's working directory; relative paths in
	// program arguments resolve against it.
	WorkDir string
	// Env is appended to the parent environment.
	Env           []string
	Timeout       time.Duration
	CrashPatterns []*regexp.Regexp
	// Logger receives one line per invocation. Nil discards.
	Logger *log.Logger
}

// NewCommand returns a driver with the Venus flag spellings.
func NewCommand(exe ...string) *Command {
	c := &Command{
		Exec:                  exe,
		CoverageFlag:          "--coverageFile",
		StateFlag:             "--dumpState",
		CallingConventionFlag: "--callingConvention",
		AsmDir:                "assembly",
		Timeout:               time.Minute,
	}
	c.CrashPatterns, _ = CompilePatterns(DefaultCrashPatterns)
	return c
}

// CompilePatterns compiles crash patterns.
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("crash pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func (c *Command) logf(format string, args ...interface{}) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}

// ProgramPath returns the file the program of test name is written to.
func (c *Command) ProgramPath(name string) string {
	return filepath.Join(c.AsmDir, Stem(name)+".s")
}

// WriteProgram writes the program text for test name and returns the path.
func (c *Command) WriteProgram(name, text string) (string, error) {
	path := c.ProgramPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Run writes inv.Program to disk and executes the simulator on it.
func (c *Command) Run(ctx context.Context, inv *Invocation) (*Result, error) {
	fail := func(reason string, stderr []byte, err error) error {
		return &InvocationError{Name: inv.Name, Reason: reason, Stderr: stderr, Err: err}
	}
	if len(c.Exec) == 0 {
		return nil, fail("no simulator configured", nil, nil)
	}

	path, err := c.WriteProgram(inv.Name, inv.Program)
	if err != nil {
		return nil, fail("writing program", nil, err)
	}
	// the simulator resolves the program relative to its own directory
	progArg := path
	if c.WorkDir != "" {
		if abs, err := filepath.Abs(path); err == nil {
			progArg = abs
		}
	}

	tmp := filepath.Join(os.TempDir(), "asmtest-"+uuid.NewString())
	if err := os.MkdirAll(tmp, 0o700); err != nil {
		return nil, fail("creating scratch directory", nil, err)
	}
	defer os.RemoveAll(tmp)

	var args []string
	args = append(args, c.Exec[1:]...)
	args = append(args, c.DefaultArgs...)
	if inv.CheckCallingConvention && c.CallingConventionFlag != "" {
		args = append(args, c.CallingConventionFlag)
	}
	covFile := filepath.Join(tmp, "coverage.txt")
	if inv.Coverage {
		args = append(args, c.CoverageFlag, covFile)
	}
	stateFile := filepath.Join(tmp, "state.json")
	if inv.DumpState {
		args = append(args, c.StateFlag, stateFile)
	}
	args = append(args, progArg)
	args = append(args, inv.Args...)

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Exec[0], args...)
	cmd.Dir = c.WorkDir
	cmd.Env = append(os.Environ(), c.Env...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(inv.Stdin)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logf("sim: %s %s", c.Exec[0], strings.Join(args, " "))
	start := time.Now()
	runErr := cmd.Run()
	res := &Result{
		Stdout:      stdout.Bytes(),
		Stderr:      stderr.Bytes(),
		Duration:    time.Since(start),
		ProgramPath: path,
		ProgramFile: progArg,
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return res, fail(fmt.Sprintf("timed out after %s", c.Timeout), res.Stderr, ctx.Err())
	case ctx.Err() != nil:
		return res, fail("canceled", res.Stderr, ctx.Err())
	}
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		res.ExitCode = 0
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode < 0 {
			return res, fail("simulator killed", res.Stderr, runErr)
		}
	default:
		return res, fail("starting simulator", res.Stderr, runErr)
	}
	c.logf("sim: %s exited %d in %s", inv.Name, res.ExitCode, res.Duration.Round(time.Millisecond))

	for _, re := range c.CrashPatterns {
		if re.Match(res.Stderr) {
			return res, fail(fmt.Sprintf("simulator reported a fault (exit code %d)", res.ExitCode), res.Stderr, nil)
		}
	}
	res.Violations = ParseViolations(res.Stderr)

	if inv.Coverage {
		hits, err := readArtifact(covFile, ParseCoverage)
		if err != nil {
			return res, fail("reading coverage", res.Stderr, err)
		}
		res.Coverage = hits
	}
	if inv.DumpState {
		st, err := readArtifact(stateFile, ParseState)
		if err != nil {
			return res, fail("reading state dump", res.Stderr, err)
		}
		res.State = st
	}
	return res, nil
}

func readArtifact[T any](path string, parse func(io.Reader) (T, error)) (T, error) {
	f, err := os.Open(path)
	if err != nil {
		var zero T
		return zero, err
	}
	defer f.Close()
	return parse(f)
}
