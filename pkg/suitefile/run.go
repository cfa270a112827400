package suitefile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"asmtest/pkg/coverage"
	"asmtest/pkg/sim"
	"asmtest/pkg/synth"
	"asmtest/pkg/testspec"
	"asmtest/pkg/verify"
)

// Env is what running a suite needs from the caller.
type Env struct {
	Simulator sim.Simulator
	Units     synth.UnitSource
	// Dir resolves relative output and reference paths.
	Dir string
	// Coverage and DumpState are requested from the simulator.
	Coverage  bool
	DumpState bool
	// CoverageFile, when set, is loaded before the run and saved after it.
	CoverageFile string
	// Timeout bounds each test; zero leaves only ctx.
	Timeout time.Duration
	Logger  *log.Logger
}

func (e *Env) logf(format string, args ...interface{}) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

// Result is the outcome of one test.
type Result struct {
	Name string
	// Err is nil when the test passed. Otherwise it is a *verify.Failure,
	// a testspec.ErrSpecification or an infrastructure error.
	Err         error
	Duration    time.Duration
	ProgramPath string
}

func (r *Result) Passed() bool { return r.Err == nil }

// Infrastructure reports whether the test could not be judged at all.
func (r *Result) Infrastructure() bool {
	return r.Err != nil && !errors.Is(r.Err, verify.ErrMismatch)
}

type Outcome struct {
	Suite    *Suite
	Results  []Result
	Coverage *coverage.Report
}

// Failed counts the tests that did not pass.
func (o *Outcome) Failed() int {
	n := 0
	for i := range o.Results {
		if !o.Results[i].Passed() {
			n++
		}
	}
	return n
}

// Run executes every test of s in order with a tracker of its own. A
// failing test does not stop the suite; the returned error is reserved for
// problems that prevent running it.
func Run(ctx context.Context, s *Suite, env *Env) (*Outcome, error) {
	source, err := env.Units.Unit(s.Unit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	tracker := coverage.NewTracker()
	if env.CoverageFile != "" {
		if err := tracker.LoadFile(env.CoverageFile); err != nil {
			return nil, err
		}
	}
	if err := tracker.Begin(s.Unit, source); err != nil {
		return nil, err
	}

	out := &Outcome{Suite: s}
	v := &verify.Verifier{Dir: env.Dir}
	for i := range s.Tests {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t := &s.Tests[i]
		spec, err := s.Spec(t)
		if err != nil {
			out.Results = append(out.Results, Result{Name: t.Name, Err: err})
			continue
		}
		res := runOne(ctx, spec, env, v, tracker)
		res.Name = t.Name
		if res.Err != nil {
			env.logf("FAIL %s: %v", spec.Name, res.Err)
		} else {
			env.logf("ok   %s (%s)", spec.Name, res.Duration.Round(time.Millisecond))
		}
		out.Results = append(out.Results, res)
	}

	rep, err := tracker.Report(s.Unit)
	if err != nil {
		return nil, err
	}
	out.Coverage = rep
	if env.CoverageFile != "" {
		if err := tracker.SaveFile(env.CoverageFile); err != nil {
			return nil, err
		}
	}
	for _, u := range tracker.Units() {
		tracker.Reset(u)
	}
	return out, nil
}

func runOne(ctx context.Context, spec *testspec.TestSpec, env *Env, v *verify.Verifier, tracker *coverage.Tracker) Result {
	prog, err := synth.Synthesize(spec, env.Units)
	if err != nil {
		return Result{Err: err}
	}
	if env.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, env.Timeout)
		defer cancel()
	}
	res, err := env.Simulator.Run(ctx, &sim.Invocation{
		Name:                   spec.Name,
		Program:                prog.Text,
		Args:                   spec.Args,
		Stdin:                  spec.Stdin,
		Coverage:               env.Coverage,
		DumpState:              env.DumpState,
		CheckCallingConvention: spec.CheckCallingConvention,
	})
	if res != nil && len(res.Coverage) > 0 {
		if cerr := tracker.Record(prog, res); cerr != nil {
			env.logf("coverage of %s: %v", spec.Name, cerr)
		}
	}
	if err != nil {
		return Result{Err: err}
	}
	return Result{
		Err:         v.Verify(res, prog, spec),
		Duration:    res.Duration,
		ProgramPath: res.ProgramPath,
	}
}
