package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"asmtest/pkg/config"
	"asmtest/pkg/sim"
	"asmtest/pkg/suitefile"
	"asmtest/pkg/synth"
)

const (
	exitOK      = 0
	exitFailed  = 1
	exitProblem = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type options struct {
	configPath   string
	simulator    string
	sourceDir    string
	asmDir       string
	workDir      string
	timeout      string
	coverageFile string
	verbose      bool
	jobs         int
	synthOnly    bool
}

func parseFlags(args []string, stderr io.Writer) (*options, []string, error) {
	var o options
	fs := flag.NewFlagSet("asmtest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "configuration `file` (default: nearest "+config.FileName+")")
	fs.StringVar(&o.simulator, "sim", "", "simulator `command`, split on spaces")
	fs.StringVar(&o.sourceDir, "src", "", "`dir`ectory holding the units under test")
	fs.StringVar(&o.asmDir, "asm", "", "`dir`ectory receiving the generated programs")
	fs.StringVar(&o.workDir, "workdir", "", "`dir`ectory the simulator runs in")
	fs.StringVar(&o.timeout, "timeout", "", "per-test `duration`, e.g. 30s")
	fs.StringVar(&o.coverageFile, "coverage", "", "accumulate coverage in `file` across runs")
	fs.BoolVar(&o.verbose, "v", false, "log every test and list uncovered lines")
	fs.IntVar(&o.jobs, "j", runtime.NumCPU(), "run up to `n` suites at once")
	fs.BoolVar(&o.synthOnly, "synth", false, "write the generated programs without running them")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: asmtest [flags] suite.yaml...")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return nil, nil, errors.New("no suite files")
	}
	return &o, fs.Args(), nil
}

// loadConfig layers the flags over the configuration file and environment.
func loadConfig(o *options) (*config.Config, error) {
	path := o.configPath
	if path == "" {
		path = config.Find(".")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if s := strings.Fields(o.simulator); len(s) > 0 {
		cfg.Simulator.Exec = s
	}
	for _, f := range []struct {
		dst *string
		v   string
	}{
		{&cfg.SourceDir, o.sourceDir},
		{&cfg.AsmDir, o.asmDir},
		{&cfg.WorkDir, o.workDir},
		{&cfg.CoverageFile, o.coverageFile},
	} {
		if f.v != "" {
			*f.dst = f.v
		}
	}
	if o.timeout != "" {
		d, err := config.ParseDuration(o.timeout)
		if err != nil {
			return nil, fmt.Errorf("-timeout: %w", err)
		}
		cfg.Simulator.Timeout = d
	}
	if o.verbose {
		cfg.Verbose = true
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o, paths, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitProblem
	}
	cfg, err := loadConfig(o)
	if err != nil {
		fmt.Fprintf(stderr, "asmtest: %v\n", err)
		return exitProblem
	}
	logger := log.New(io.Discard, "", 0)
	if cfg.Verbose {
		logger = log.New(stderr, "asmtest: ", 0)
	}

	suites := make([]*suitefile.Suite, len(paths))
	for i, p := range paths {
		if suites[i], err = suitefile.Load(p); err != nil {
			fmt.Fprintf(stderr, "asmtest: %v\n", err)
			return exitProblem
		}
	}

	cmd, err := cfg.Command(logger)
	if err != nil {
		fmt.Fprintf(stderr, "asmtest: %v\n", err)
		return exitProblem
	}
	units := synth.Dir(cfg.SourceDir)
	if o.synthOnly {
		if err := writePrograms(suites, units, cmd, stdout); err != nil {
			fmt.Fprintf(stderr, "asmtest: %v\n", err)
			return exitProblem
		}
		return exitOK
	}

	env := &suitefile.Env{
		Simulator:    cmd,
		Units:        units,
		Dir:          cfg.WorkDir,
		Coverage:     cfg.Simulator.CoverageFlag != "",
		DumpState:    cfg.Simulator.StateFlag != "",
		CoverageFile: cfg.CoverageFile,
		Logger:       logger,
	}
	outcomes, err := runSuites(ctx, suites, env, o.jobs)
	if err != nil {
		fmt.Fprintf(stderr, "asmtest: %v\n", err)
		return exitProblem
	}
	return summarize(outcomes, cfg.Verbose, stdout)
}

// runSuites runs the suites concurrently. A shared coverage file forces
// them to run one at a time, each one loading what the previous saved.
func runSuites(ctx context.Context, suites []*suitefile.Suite, env *suitefile.Env, jobs int) ([]*suitefile.Outcome, error) {
	if jobs < 1 || env.CoverageFile != "" {
		jobs = 1
	}
	outcomes := make([]*suitefile.Outcome, len(suites))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for i, s := range suites {
		i, s := i, s
		g.Go(func() error {
			out, err := suitefile.Run(ctx, s, env)
			if err != nil {
				return err
			}
			outcomes[i] = out
			return nil
		})
	}
	return outcomes, g.Wait()
}

func summarize(outcomes []*suitefile.Outcome, verbose bool, w io.Writer) int {
	tests, failed := 0, 0
	for _, out := range outcomes {
		for _, r := range out.Results {
			tests++
			if r.Passed() {
				continue
			}
			failed++
			fmt.Fprintf(w, "--- FAIL: %s/%s\n", out.Suite.Name, r.Name)
			fmt.Fprintf(w, "    %s\n", strings.ReplaceAll(r.Err.Error(), "\n", "\n    "))
			if r.ProgramPath != "" {
				fmt.Fprintf(w, "    program: %s\n", r.ProgramPath)
			}
		}
	}
	for _, out := range outcomes {
		if err := out.Coverage.Write(w, verbose); err != nil {
			return exitProblem
		}
	}
	if failed > 0 {
		fmt.Fprintf(w, "FAIL: %d of %d tests failed\n", failed, tests)
		return exitFailed
	}
	fmt.Fprintf(w, "ok: %d tests passed\n", tests)
	return exitOK
}

// writePrograms synthesizes every test and stores the programs where the
// simulator would read them.
func writePrograms(suites []*suitefile.Suite, units synth.UnitSource, cmd *sim.Command, w io.Writer) error {
	for _, s := range suites {
		specs, err := s.Specs()
		if err != nil {
			return err
		}
		for _, spec := range specs {
			prog, err := synth.Synthesize(spec, units)
			if err != nil {
				return err
			}
			path, err := cmd.WriteProgram(spec.Name, prog.Text)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, path)
		}
	}
	return nil
}
