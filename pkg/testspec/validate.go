package testspec

import (
	"fmt"
	"strings"

	"asmtest/pkg/arch"
	"asmtest/pkg/encode"
)

func specErrorf(name, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %s", ErrSpecification, name, fmt.Sprintf(format, args...))
}

// Validate reports the first problem that would make the spec impossible
// to synthesize. The returned error wraps ErrSpecification.
func (s *TestSpec) Validate() error {
	name := s.Name
	if name == "" {
		name = "unnamed test"
	}
	if strings.TrimSpace(s.Unit) == "" {
		return specErrorf(name, "no unit under test")
	}
	seen := map[string]bool{s.Unit: true}
	for _, inc := range s.Includes {
		if strings.TrimSpace(inc) == "" {
			return specErrorf(name, "empty include")
		}
		if seen[inc] {
			return specErrorf(name, "unit %q included twice", inc)
		}
		seen[inc] = true
	}

	if s.Call == "" {
		return specErrorf(name, "no call target")
	}
	if !encode.IsLabel(s.Call) || strings.HasPrefix(s.Call, encode.ReservedPrefix) {
		return specErrorf(name, "invalid call target %q", s.Call)
	}

	labels := encode.NewLabeler()
	for _, a := range s.Arrays {
		if err := labels.Claim(a.Label); err != nil {
			return specErrorf(name, "%v", err)
		}
		if !a.Width.Valid() {
			return specErrorf(name, "buffer %s: invalid width %d", a.Label, int(a.Width))
		}
		for i, v := range a.Values {
			if err := encode.Fits(v, a.Width); err != nil {
				return specErrorf(name, "buffer %s element %d: %v", a.Label, i, err)
			}
		}
	}
	for _, str := range s.Strings {
		if err := labels.Claim(str.Label); err != nil {
			return specErrorf(name, "%v", err)
		}
		if strings.IndexByte(str.Value, 0) >= 0 {
			return specErrorf(name, "string %s: embedded NUL byte", str.Label)
		}
	}

	if s.NoRuntime && (len(s.Inputs) > 0 || len(s.Checks) > 0) {
		return specErrorf(name, "inputs and register checks need the harness runtime")
	}

	assigned := make(map[int]bool)
	for _, in := range s.Inputs {
		r, err := arch.Register(in.Register)
		if err != nil {
			return specErrorf(name, "input: unknown register %q", in.Register)
		}
		switch r {
		case arch.Zero:
			return specErrorf(name, "input: register %s is hard-wired to zero", in.Register)
		case arch.RA:
			return specErrorf(name, "input: register %s is overwritten by the call", in.Register)
		}
		if assigned[r] {
			return specErrorf(name, "input: register %s assigned twice", arch.Name(r))
		}
		assigned[r] = true

		switch in.Kind {
		case ScalarInput:
			if err := encode.FitsWord(in.Value); err != nil {
				return specErrorf(name, "input %s: %v", in.Register, err)
			}
		case ArrayInput:
			if s.Array(in.Label) == nil {
				return specErrorf(name, "input %s: unknown buffer %q", in.Register, in.Label)
			}
		case StringInput:
			if s.stringBuffer(in.Label) == nil {
				return specErrorf(name, "input %s: unknown string %q", in.Register, in.Label)
			}
		default:
			return specErrorf(name, "input %s: unknown kind %d", in.Register, int(in.Kind))
		}
	}

	if len(s.Checks) > arch.MaxChecks {
		return specErrorf(name, "%d checks exceed the %d distinguishable failure codes", len(s.Checks), arch.MaxChecks)
	}
	for i, c := range s.Checks {
		if err := s.validateCheck(c); err != nil {
			return specErrorf(name, "check %d (%s): %v", i, c, err)
		}
	}

	for _, f := range s.Files {
		if f.Output == "" || f.Reference == "" {
			return specErrorf(name, "file check needs both an output and a reference path")
		}
	}
	if s.ExitCode < 0 || s.ExitCode > arch.MaxExitCode {
		return specErrorf(name, "exit code %d outside 0..%d", s.ExitCode, arch.MaxExitCode)
	}
	return nil
}

func (s *TestSpec) validateCheck(c Check) error {
	checkRegister := func() error {
		r, err := arch.Register(c.Register)
		if err != nil {
			return fmt.Errorf("unknown register %q", c.Register)
		}
		if arch.IsScratch(r) {
			return fmt.Errorf("register %s is clobbered by the self-check code", arch.Name(r))
		}
		return nil
	}
	switch c.Kind {
	case ScalarEquals:
		if err := checkRegister(); err != nil {
			return err
		}
		if len(c.Expected) != 1 {
			return fmt.Errorf("scalar check needs exactly one expected value")
		}
		return encode.FitsWord(c.Expected[0])
	case ArrayEquals:
		a := s.Array(c.Label)
		if a == nil {
			return fmt.Errorf("unknown buffer %q", c.Label)
		}
		if len(c.Expected) != a.Len() {
			return fmt.Errorf("expected %d values for buffer %s of length %d", len(c.Expected), a.Label, a.Len())
		}
		if c.Width != 0 && c.Width != a.Width {
			return fmt.Errorf("check width %d differs from buffer %s width %d", int(c.Width), a.Label, int(a.Width))
		}
		return fitsAll(c.Expected, a.Width)
	case PointerEquals:
		if err := checkRegister(); err != nil {
			return err
		}
		w := c.Width
		if w == 0 {
			w = encode.Word
		}
		return fitsAll(c.Expected, w)
	}
	return fmt.Errorf("unknown check kind %d", int(c.Kind))
}

func fitsAll(vs []int64, w encode.Width) error {
	if !w.Valid() {
		return fmt.Errorf("invalid width %d", int(w))
	}
	for i, v := range vs {
		if err := encode.Fits(v, w); err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
	}
	return nil
}
