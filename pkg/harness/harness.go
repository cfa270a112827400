// Package harness is the test-author API: a Suite per unit under test,
// bound to the lifetime of a Go test, and an AssemblyTest per test case.
//
//	func TestDot(t *testing.T) {
//		s := harness.NewSuite(t, "dot.s")
//		t.Run("simple", func(t *testing.T) {
//			a := s.Test(t)
//			v0 := a.Array([]int64{1, 2, 3})
//			v1 := a.Array([]int64{4, 5, 6})
//			a.InputArray("a0", v0)
//			a.InputArray("a1", v1)
//			a.InputScalar("a2", 3)
//			a.InputScalar("a3", 1)
//			a.InputScalar("a4", 1)
//			a.Call("dot")
//			a.CheckScalar("a0", 32)
//			a.Execute()
//		})
//	}
//
// When the test finishes, the suite prints the coverage of its unit and
// forgets it. Tests of one suite must not run in parallel.
package harness

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"testing"
	"time"

	"asmtest/pkg/config"
	"asmtest/pkg/coverage"
	"asmtest/pkg/encode"
	"asmtest/pkg/sim"
	"asmtest/pkg/synth"
	"asmtest/pkg/testspec"
	"asmtest/pkg/verify"
)

// InfrastructurePrefix starts every report of a broken environment, so it
// is not mistaken for a failing test.
const InfrastructurePrefix = "infrastructure"

type Suite struct {
	tb    testing.TB
	unit  string
	sim   sim.Simulator
	units synth.UnitSource
	dir   string

	tracker      *coverage.Tracker
	coverageFile string
	verbose      bool
	out          io.Writer
	logger       *log.Logger

	coverage  bool
	dumpState bool
	cc        bool

	cfg *config.Config
}

type Option func(*Suite)

// WithSimulator runs programs on s instead of the configured executable.
// s must support coverage and state dumps.
func WithSimulator(s sim.Simulator) Option {
	return func(st *Suite) {
		st.sim = s
		st.coverage = true
		st.dumpState = true
	}
}

// WithUnits reads units from src instead of the configured directory.
func WithUnits(src synth.UnitSource) Option {
	return func(s *Suite) { s.units = src }
}

// WithConfig replaces the configuration found from the working directory.
func WithConfig(c *config.Config) Option {
	return func(s *Suite) { s.cfg = c }
}

// WithDir sets the directory output and reference files are resolved
// against.
func WithDir(dir string) Option {
	return func(s *Suite) { s.dir = dir }
}

// Verbose lists every uncovered line with its source in the report.
func Verbose(v bool) Option {
	return func(s *Suite) { s.verbose = v }
}

// WithOutput sends the coverage report to w instead of standard output.
func WithOutput(w io.Writer) Option {
	return func(s *Suite) { s.out = w }
}

// WithLogger logs every simulator invocation.
func WithLogger(l *log.Logger) Option {
	return func(s *Suite) { s.logger = l }
}

// CallingConvention makes every test of the suite fail on callee-saved
// registers the unit does not restore.
func CallingConvention() Option {
	return func(s *Suite) { s.cc = true }
}

// NewSuite starts the coverage record of unit for the lifetime of t.
func NewSuite(t testing.TB, unit string, opts ...Option) *Suite {
	t.Helper()
	s := &Suite{tb: t, unit: unit, out: os.Stdout, tracker: coverage.NewTracker()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.setup(); err != nil {
		t.Fatalf("%s: %v", InfrastructurePrefix, err)
	}
	source, err := s.units.Unit(unit)
	if err != nil {
		t.Fatalf("%s: %v", InfrastructurePrefix, err)
	}
	if s.coverageFile != "" {
		if err := s.tracker.LoadFile(s.coverageFile); err != nil {
			t.Logf("ignoring saved coverage: %v", err)
		}
	}
	if err := s.tracker.Begin(unit, source); err != nil {
		t.Fatalf("%v", err)
	}
	t.Cleanup(s.finish)
	return s
}

func (s *Suite) setup() error {
	if s.cfg == nil && (s.sim == nil || s.units == nil) {
		c, err := config.Load(config.Find("."))
		if err != nil {
			return err
		}
		s.cfg = c
	}
	if s.cfg != nil {
		if s.cfg.Verbose {
			s.verbose = true
		}
		if s.coverageFile == "" {
			s.coverageFile = s.cfg.CoverageFile
		}
		if s.dir == "" {
			s.dir = s.cfg.WorkDir
		}
	}
	if s.units == nil {
		s.units = synth.Dir(s.cfg.SourceDir)
	}
	if s.sim == nil {
		cmd, err := s.cfg.Command(s.logger)
		if err != nil {
			return err
		}
		s.sim = cmd
		s.coverage = cmd.CoverageFlag != ""
		s.dumpState = cmd.StateFlag != ""
	}
	return nil
}

func (s *Suite) finish() {
	rep, err := s.tracker.Report(s.unit)
	if err != nil {
		s.tb.Errorf("coverage: %v", err)
		return
	}
	if err := rep.Write(s.out, s.verbose); err != nil {
		s.tb.Logf("writing coverage report: %v", err)
	}
	if s.coverageFile != "" {
		if err := s.tracker.SaveFile(s.coverageFile); err != nil {
			s.tb.Logf("saving coverage: %v", err)
		}
	}
	for _, u := range s.tracker.Units() {
		s.tracker.Reset(u)
	}
}

// Unit returns the unit under test.
func (s *Suite) Unit() string { return s.unit }

// Tracker exposes the suite's coverage record.
func (s *Suite) Tracker() *coverage.Tracker { return s.tracker }

// Test starts a test case of the suite, named after t.
func (s *Suite) Test(t testing.TB) *AssemblyTest {
	spec := testspec.New(t.Name(), s.unit)
	spec.CheckCallingConvention = s.cc
	return &AssemblyTest{t: t, suite: s, spec: spec}
}

// AssemblyTest builds up one test: buffers and inputs, the call, then the
// checks, and finally Execute. Misuse fails the test immediately.
type AssemblyTest struct {
	t     testing.TB
	suite *Suite
	spec  *testspec.TestSpec

	called   bool
	executed bool
	res      *sim.Result
	prog     *synth.Program
}

func (a *AssemblyTest) mustNotHaveExecuted(op string) {
	a.t.Helper()
	if a.executed {
		a.t.Fatalf("%s after Execute", op)
	}
}

func (a *AssemblyTest) mustNotHaveCalled(op string) {
	a.t.Helper()
	a.mustNotHaveExecuted(op)
	if a.called {
		a.t.Fatalf("%s after Call", op)
	}
}

func (a *AssemblyTest) mustHaveCalled(op string) {
	a.t.Helper()
	a.mustNotHaveExecuted(op)
	if !a.called {
		a.t.Fatalf("%s before Call", op)
	}
}

func (a *AssemblyTest) owned(b *testspec.ArrayBuffer) {
	a.t.Helper()
	if b == nil || a.spec.Array(b.Label) != b {
		a.t.Fatalf("buffer does not belong to this test")
	}
}

// Spec returns the description built so far.
func (a *AssemblyTest) Spec() *testspec.TestSpec { return a.spec }

// Include emits units before the unit under test.
func (a *AssemblyTest) Include(units ...string) *AssemblyTest {
	a.t.Helper()
	a.mustNotHaveCalled("Include")
	a.spec.Includes = append(a.spec.Includes, units...)
	return a
}

// NoRuntime leaves the stack and argument registers as the simulator set
// them up, for units that bring their own entry routine.
func (a *AssemblyTest) NoRuntime() *AssemblyTest {
	a.t.Helper()
	a.mustNotHaveCalled("NoRuntime")
	a.spec.NoRuntime = true
	return a
}

// Array places a buffer of words in the data segment.
func (a *AssemblyTest) Array(values []int64) *testspec.ArrayBuffer {
	a.t.Helper()
	return a.ArrayOf(encode.Word, values)
}

// ArrayOf places a buffer of elements of width w in the data segment.
func (a *AssemblyTest) ArrayOf(w encode.Width, values []int64) *testspec.ArrayBuffer {
	a.t.Helper()
	a.mustNotHaveExecuted("Array")
	return a.spec.NewArray(w, values)
}

func (a *AssemblyTest) InputScalar(reg string, v int64) {
	a.t.Helper()
	a.mustNotHaveCalled("InputScalar")
	a.spec.Inputs = append(a.spec.Inputs, testspec.Input{Register: reg, Kind: testspec.ScalarInput, Value: v})
}

// InputArray loads the address of b into reg.
func (a *AssemblyTest) InputArray(reg string, b *testspec.ArrayBuffer) {
	a.t.Helper()
	a.mustNotHaveCalled("InputArray")
	a.owned(b)
	a.spec.Inputs = append(a.spec.Inputs, testspec.Input{Register: reg, Kind: testspec.ArrayInput, Label: b.Label})
}

// InputString places s, NUL-terminated, in the data segment and loads its
// address into reg.
func (a *AssemblyTest) InputString(reg, s string) *testspec.StringBuffer {
	a.t.Helper()
	a.mustNotHaveCalled("InputString")
	str := a.spec.NewString(s)
	a.spec.Inputs = append(a.spec.Inputs, testspec.Input{Register: reg, Kind: testspec.StringInput, Label: str.Label})
	return str
}

func (a *AssemblyTest) Call(label string) {
	a.t.Helper()
	a.mustNotHaveCalled("Call")
	a.spec.Call = label
	a.called = true
}

func (a *AssemblyTest) CheckScalar(reg string, want int64) {
	a.t.Helper()
	a.mustHaveCalled("CheckScalar")
	a.spec.Checks = append(a.spec.Checks, testspec.Check{Kind: testspec.ScalarEquals, Register: reg, Expected: []int64{want}})
}

// CheckArray compares b element by element after the call.
func (a *AssemblyTest) CheckArray(b *testspec.ArrayBuffer, want []int64) {
	a.t.Helper()
	a.mustHaveCalled("CheckArray")
	a.owned(b)
	a.spec.Checks = append(a.spec.Checks, testspec.Check{
		Kind:     testspec.ArrayEquals,
		Label:    b.Label,
		Expected: append([]int64(nil), want...),
	})
}

// CheckArrayPointer compares the words reg points to after the call.
func (a *AssemblyTest) CheckArrayPointer(reg string, want []int64) {
	a.t.Helper()
	a.mustHaveCalled("CheckArrayPointer")
	a.spec.Checks = append(a.spec.Checks, testspec.Check{
		Kind:     testspec.PointerEquals,
		Register: reg,
		Width:    encode.Word,
		Expected: append([]int64(nil), want...),
	})
}

// CheckStdout expects the program to print exactly want. After Execute it
// checks the run that already happened.
func (a *AssemblyTest) CheckStdout(want string) {
	a.t.Helper()
	if !a.executed {
		a.spec.Stdout = &want
		return
	}
	s := *a.spec
	s.Stdout = &want
	s.Files = nil
	a.reverify(&s)
}

// CheckFileOutput expects the file the program writes at output to equal
// reference byte for byte. After Execute it checks the run that already
// happened.
func (a *AssemblyTest) CheckFileOutput(output, reference string) {
	a.t.Helper()
	fc := testspec.FileCheck{Output: output, Reference: reference}
	if !a.executed {
		a.spec.Files = append(a.spec.Files, fc)
		return
	}
	s := *a.spec
	s.Stdout = nil
	s.Files = []testspec.FileCheck{fc}
	a.reverify(&s)
}

// reverify checks one late expectation against the finished run. The
// exit code was already checked by Execute.
func (a *AssemblyTest) reverify(s *testspec.TestSpec) {
	a.t.Helper()
	s.Checks = nil
	s.CheckCallingConvention = false
	res := *a.res
	res.State = nil
	a.report(a.suite.verifier().Verify(&res, a.prog, s))
}

type ExecOption func(*testspec.TestSpec)

// ExitCode expects the program to exit with code instead of 0.
func ExitCode(code int) ExecOption {
	return func(s *testspec.TestSpec) { s.ExitCode = code }
}

// Args passes program arguments after the program path.
func Args(args ...string) ExecOption {
	return func(s *testspec.TestSpec) { s.Args = append(s.Args, args...) }
}

// Stdin feeds data to the program's standard input.
func Stdin(data []byte) ExecOption {
	return func(s *testspec.TestSpec) { s.Stdin = data }
}

func (s *Suite) verifier() *verify.Verifier {
	return &verify.Verifier{Dir: s.dir}
}

// context bounds the run by the test's deadline when it has one.
func (a *AssemblyTest) context() (context.Context, context.CancelFunc) {
	if d, ok := a.t.(interface{ Deadline() (time.Time, bool) }); ok {
		if deadline, ok := d.Deadline(); ok {
			return context.WithDeadline(context.Background(), deadline)
		}
	}
	return context.WithCancel(context.Background())
}

// Execute synthesizes the program, runs it, records coverage and checks
// every expectation declared so far.
func (a *AssemblyTest) Execute(opts ...ExecOption) {
	a.t.Helper()
	a.mustHaveCalled("Execute")
	for _, opt := range opts {
		opt(a.spec)
	}
	a.executed = true

	prog, err := synth.Synthesize(a.spec, a.suite.units)
	if err != nil {
		a.t.Fatalf("%v", err)
	}
	a.prog = prog

	ctx, cancel := a.context()
	defer cancel()
	res, err := a.suite.sim.Run(ctx, &sim.Invocation{
		Name:                   a.spec.Name,
		Program:                prog.Text,
		Args:                   a.spec.Args,
		Stdin:                  a.spec.Stdin,
		Coverage:               a.suite.coverage,
		DumpState:              a.suite.dumpState,
		CheckCallingConvention: a.spec.CheckCallingConvention,
	})
	if res != nil && len(res.Coverage) > 0 {
		if cerr := a.suite.tracker.Record(prog, res); cerr != nil {
			a.t.Errorf("coverage: %v", cerr)
		}
	}
	if err != nil {
		a.t.Fatalf("%s: %v", InfrastructurePrefix, err)
	}
	a.res = res
	a.report(a.suite.verifier().Verify(res, prog, a.spec))
}

// Result returns the run, once Execute has happened.
func (a *AssemblyTest) Result() *sim.Result { return a.res }

// Program returns the synthesized program, once Execute has happened.
func (a *AssemblyTest) Program() *synth.Program { return a.prog }

func (a *AssemblyTest) report(err error) {
	a.t.Helper()
	if err == nil {
		return
	}
	var f *verify.Failure
	if !errors.As(err, &f) {
		a.t.Fatalf("%s: %v", InfrastructurePrefix, err)
	}
	for _, m := range f.Checks {
		a.t.Errorf("%s", m)
	}
	if a.res != nil && a.res.ProgramPath != "" {
		a.t.Logf("program: %s", a.res.ProgramPath)
	}
	a.t.FailNow()
}
