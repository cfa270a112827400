// Package suitefile reads test suites declared in YAML, so units can be
// tested without writing Go:
//
//	unit: dot.s
//	tests:
//	  - name: simple
//	    arrays:
//	      - {name: v0, values: [1, 2, 3]}
//	      - {name: v1, values: [4, 5, 6]}
//	    inputs:
//	      - {register: a0, array: v0}
//	      - {register: a1, array: v1}
//	      - {register: a2, scalar: 3}
//	      - {register: a3, scalar: 1}
//	      - {register: a4, scalar: 1}
//	    call: dot
//	    checks:
//	      - {register: a0, value: 32}
//	  - name: invalid length
//	    inputs:
//	      - {register: a2, scalar: 0}
//	    call: dot
//	    exitCode: 75
package suitefile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sigs.k8s.io/yaml"

	"asmtest/pkg/encode"
	"asmtest/pkg/testspec"
)

// Width is an element width written as byte, half, word or 1, 2, 4.
type Width string

func (w *Width) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*w = Width(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid width %s", data)
	}
	*w = Width(s)
	return nil
}

type Array struct {
	Name   string  `json:"name"`
	Width  Width   `json:"width,omitempty"`
	Values []int64 `json:"values"`
}

// Input sets one register: exactly one of Scalar, Array and String.
type Input struct {
	Register string  `json:"register"`
	Scalar   *int64  `json:"scalar,omitempty"`
	Array    string  `json:"array,omitempty"`
	String   *string `json:"string,omitempty"`
}

// Check is a scalar check (Register and Value), an array check (Array and
// Values) or a pointer check (Pointer and Values).
type Check struct {
	Register string  `json:"register,omitempty"`
	Array    string  `json:"array,omitempty"`
	Pointer  string  `json:"pointer,omitempty"`
	Value    *int64  `json:"value,omitempty"`
	Values   []int64 `json:"values,omitempty"`
	Width    Width   `json:"width,omitempty"`
}

type FileCheck struct {
	Output    string `json:"output"`
	Reference string `json:"reference"`
}

type Test struct {
	Name      string      `json:"name"`
	Includes  []string    `json:"includes,omitempty"`
	NoRuntime bool        `json:"noRuntime,omitempty"`
	Arrays    []Array     `json:"arrays,omitempty"`
	Inputs    []Input     `json:"inputs,omitempty"`
	Call      string      `json:"call"`
	Checks    []Check     `json:"checks,omitempty"`
	Stdout    *string     `json:"stdout,omitempty"`
	Files     []FileCheck `json:"files,omitempty"`
	ExitCode  int         `json:"exitCode,omitempty"`
	Args      []string    `json:"args,omitempty"`
	Stdin     string      `json:"stdin,omitempty"`
}

type Suite struct {
	// Name prefixes test names; it defaults to the unit without its
	// extension.
	Name string `json:"name,omitempty"`
	Unit string `json:"unit"`
	// Includes are emitted in every test, before the test's own.
	Includes          []string `json:"includes,omitempty"`
	CallingConvention bool     `json:"callingConvention,omitempty"`
	Tests             []Test   `json:"tests"`

	// Path is the file the suite was read from.
	Path string `json:"-"`
}

// Parse decodes one suite document.
func Parse(data []byte) (*Suite, error) {
	var s Suite
	if err := yaml.UnmarshalStrict(data, &s); err != nil {
		return nil, err
	}
	if s.Unit == "" {
		return nil, fmt.Errorf("suite has no unit")
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(s.Unit), filepath.Ext(s.Unit))
	}
	seen := make(map[string]bool)
	for i, t := range s.Tests {
		if t.Name == "" {
			return nil, fmt.Errorf("test %d has no name", i)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("test %q declared twice", t.Name)
		}
		seen[t.Name] = true
	}
	return &s, nil
}

// Load reads the suite at path.
func Load(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.Path = path
	return s, nil
}

// Specs builds the test descriptions of every test, in file order.
func (s *Suite) Specs() ([]*testspec.TestSpec, error) {
	out := make([]*testspec.TestSpec, 0, len(s.Tests))
	for i := range s.Tests {
		spec, err := s.Spec(&s.Tests[i])
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}

func (s *Suite) errorf(t *Test, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s/%s: %s", testspec.ErrSpecification, s.Name, t.Name, fmt.Sprintf(format, args...))
}

// Spec builds the description of t. Array names are local to the file;
// the buffers get generated labels.
func (s *Suite) Spec(t *Test) (*testspec.TestSpec, error) {
	spec := testspec.New(s.Name+"/"+t.Name, s.Unit)
	spec.Includes = append(append([]string(nil), s.Includes...), t.Includes...)
	spec.NoRuntime = t.NoRuntime
	spec.CheckCallingConvention = s.CallingConvention
	spec.Call = t.Call
	spec.Stdout = t.Stdout
	spec.ExitCode = t.ExitCode
	spec.Args = t.Args
	if t.Stdin != "" {
		spec.Stdin = []byte(t.Stdin)
	}

	arrays := make(map[string]*testspec.ArrayBuffer)
	for _, a := range t.Arrays {
		if a.Name == "" {
			return nil, s.errorf(t, "array without a name")
		}
		if _, dup := arrays[a.Name]; dup {
			return nil, s.errorf(t, "array %q declared twice", a.Name)
		}
		w, err := encode.ParseWidth(string(a.Width))
		if err != nil {
			return nil, s.errorf(t, "array %s: %v", a.Name, err)
		}
		arrays[a.Name] = spec.NewArray(w, a.Values)
	}
	array := func(name string) (*testspec.ArrayBuffer, error) {
		b, ok := arrays[name]
		if !ok {
			return nil, s.errorf(t, "unknown array %q", name)
		}
		return b, nil
	}

	for i, in := range t.Inputs {
		set := 0
		for _, ok := range []bool{in.Scalar != nil, in.Array != "", in.String != nil} {
			if ok {
				set++
			}
		}
		if set != 1 {
			return nil, s.errorf(t, "input %d (%s) needs exactly one of scalar, array and string", i, in.Register)
		}
		switch {
		case in.Scalar != nil:
			spec.Inputs = append(spec.Inputs, testspec.Input{Register: in.Register, Kind: testspec.ScalarInput, Value: *in.Scalar})
		case in.Array != "":
			b, err := array(in.Array)
			if err != nil {
				return nil, err
			}
			spec.Inputs = append(spec.Inputs, testspec.Input{Register: in.Register, Kind: testspec.ArrayInput, Label: b.Label})
		default:
			str := spec.NewString(*in.String)
			spec.Inputs = append(spec.Inputs, testspec.Input{Register: in.Register, Kind: testspec.StringInput, Label: str.Label})
		}
	}

	for i, c := range t.Checks {
		w, err := encode.ParseWidth(string(c.Width))
		if err != nil {
			return nil, s.errorf(t, "check %d: %v", i, err)
		}
		switch {
		case c.Register != "" && c.Array == "" && c.Pointer == "":
			if c.Value == nil || c.Values != nil {
				return nil, s.errorf(t, "check %d: register %s needs a single value", i, c.Register)
			}
			spec.Checks = append(spec.Checks, testspec.Check{Kind: testspec.ScalarEquals, Register: c.Register, Expected: []int64{*c.Value}})
		case c.Array != "" && c.Register == "" && c.Pointer == "":
			b, err := array(c.Array)
			if err != nil {
				return nil, err
			}
			if c.Value != nil {
				return nil, s.errorf(t, "check %d: array %s needs values", i, c.Array)
			}
			check := testspec.Check{Kind: testspec.ArrayEquals, Label: b.Label, Expected: c.Values}
			if c.Width != "" {
				check.Width = w
			}
			spec.Checks = append(spec.Checks, check)
		case c.Pointer != "" && c.Register == "" && c.Array == "":
			if c.Value != nil {
				return nil, s.errorf(t, "check %d: pointer %s needs values", i, c.Pointer)
			}
			spec.Checks = append(spec.Checks, testspec.Check{Kind: testspec.PointerEquals, Register: c.Pointer, Width: w, Expected: c.Values})
		default:
			return nil, s.errorf(t, "check %d needs exactly one of register, array and pointer", i)
		}
	}

	for _, f := range t.Files {
		spec.Files = append(spec.Files, testspec.FileCheck{Output: f.Output, Reference: f.Reference})
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}
