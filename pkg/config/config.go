// Package config loads harness settings: where units live, where programs
// are written, and how the simulator is invoked. Settings come from
// defaults, then an optional YAML file, then ASMTEST_* environment
// variables; command-line flags are applied last by the caller.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"asmtest/pkg/sim"
)

// FileName is the configuration file looked up by Find.
const FileName = "asmtest.yaml"

// Duration is a time.Duration written as "30s" or a number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var secs float64
	if err := json.Unmarshal(data, &secs); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	v, err := ParseDuration(text)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// ParseDuration accepts "1m30s" or a plain number of seconds.
func ParseDuration(s string) (Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return Duration(secs * float64(time.Second)), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return Duration(v), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

type Simulator struct {
	// Exec is the executable followed by its leading arguments.
	Exec                  []string `json:"exec"`
	DefaultArgs           []string `json:"defaultArgs,omitempty"`
	CoverageFlag          string   `json:"coverageFlag,omitempty"`
	StateFlag             string   `json:"stateFlag,omitempty"`
	CallingConventionFlag string   `json:"callingConventionFlag,omitempty"`
	Timeout               Duration `json:"timeout,omitempty"`
	CrashPatterns         []string `json:"crashPatterns,omitempty"`
	// Env entries are KEY=VALUE and extend the parent environment.
	Env []string `json:"env,omitempty"`
}

type Config struct {
	Simulator Simulator `json:"simulator"`
	// SourceDir holds the units under test.
	SourceDir string `json:"sourceDir"`
	// AsmDir receives the generated programs.
	AsmDir string `json:"asmDir"`
	// WorkDir is where the simulator runs; empty means the current
	// directory.
	WorkDir string `json:"workDir,omitempty"`
	Verbose bool   `json:"verbose,omitempty"`
	// CoverageFile, when set, persists coverage between runs.
	CoverageFile string `json:"coverageFile,omitempty"`
}

// Default returns the settings for Venus next to the tests.
func Default() *Config {
	return &Config{
		Simulator: Simulator{
			Exec:                  []string{"java", "-jar", "venus.jar"},
			CoverageFlag:          "--coverageFile",
			StateFlag:             "--dumpState",
			CallingConventionFlag: "--callingConvention",
			Timeout:               Duration(time.Minute),
			CrashPatterns:         append([]string(nil), sim.DefaultCrashPatterns...),
		},
		SourceDir: "src",
		AsmDir:    "assembly",
	}
}

// Parse overlays the YAML document data on c. Fields the document does
// not mention keep their values.
func (c *Config) Parse(data []byte) error {
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

// Load returns the defaults overlaid with the file at path (if path is not
// empty) and then the environment. Relative directories in the file are
// taken relative to the file.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := c.Parse(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		c.resolve(filepath.Dir(path))
	}
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return c, nil
}

// Find returns the nearest asmtest.yaml in dir or its parents, or "".
func Find(dir string) string {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}
	for {
		p := filepath.Join(dir, FileName)
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func (c *Config) resolve(base string) {
	for _, p := range []*string{&c.SourceDir, &c.AsmDir, &c.WorkDir, &c.CoverageFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

// ApplyEnv applies the ASMTEST_* overrides found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("ASMTEST_SIMULATOR"); ok && strings.TrimSpace(v) != "" {
		c.Simulator.Exec = strings.Fields(v)
	}
	if v, ok := lookup("ASMTEST_SOURCE_DIR"); ok && v != "" {
		c.SourceDir = v
	}
	if v, ok := lookup("ASMTEST_ASM_DIR"); ok && v != "" {
		c.AsmDir = v
	}
	if v, ok := lookup("ASMTEST_TIMEOUT"); ok && v != "" {
		d, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ASMTEST_TIMEOUT: %w", err)
		}
		c.Simulator.Timeout = d
	}
	if v, ok := lookup("ASMTEST_VERBOSE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ASMTEST_VERBOSE: %w", err)
		}
		c.Verbose = b
	}
	return nil
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	if len(c.Simulator.Exec) == 0 {
		return fmt.Errorf("config: no simulator executable")
	}
	if c.Simulator.Timeout < 0 {
		return fmt.Errorf("config: negative timeout %s", time.Duration(c.Simulator.Timeout))
	}
	if c.AsmDir == "" {
		return fmt.Errorf("config: empty asmDir")
	}
	if _, err := sim.CompilePatterns(c.Simulator.CrashPatterns); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Command builds the subprocess driver these settings describe.
func (c *Config) Command(logger *log.Logger) (*sim.Command, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	patterns, err := sim.CompilePatterns(c.Simulator.CrashPatterns)
	if err != nil {
		return nil, err
	}
	s := c.Simulator
	return &sim.Command{
		Exec:                  append([]string(nil), s.Exec...),
		DefaultArgs:           append([]string(nil), s.DefaultArgs...),
		CoverageFlag:          s.CoverageFlag,
		StateFlag:             s.StateFlag,
		CallingConventionFlag: s.CallingConventionFlag,
		AsmDir:                c.AsmDir,
		WorkDir:               c.WorkDir,
		Env:                   append([]string(nil), s.Env...),
		Timeout:               time.Duration(s.Timeout),
		CrashPatterns:         patterns,
		Logger:                logger,
	}, nil
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
