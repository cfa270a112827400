package arch

import "testing"

func TestRegister(t *testing.T) {
	tests := []struct {
		name    string
		want    int
		wantErr bool
	}{
		{"zero", 0, false},
		{"x0", 0, false},
		{"a0", 10, false},
		{"A0", 10, false},
		{" a7 ", 17, false},
		{"x31", 31, false},
		{"fp", 8, false},
		{"s0", 8, false},
		{"t6", 31, false},
		{"x32", 0, true},
		{"q9", 0, true},
		{"", 0, true},
	}
	for _, tc := range tests {
		got, err := Register(tc.name)
		if (err != nil) != tc.wantErr {
			t.Errorf("Register(%q) error = %v, wantErr %v", tc.name, err, tc.wantErr)
			continue
		}
		if !tc.wantErr && got != tc.want {
			t.Errorf("Register(%q) = %d; want %d", tc.name, got, tc.want)
		}
	}
}

func TestCanonical(t *testing.T) {
	for in, want := range map[string]string{"x10": "a0", "fp": "s0", "X2": "sp", "t4": "t4"} {
		got, err := Canonical(in)
		if err != nil {
			t.Fatalf("Canonical(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("Canonical(%q) = %q; want %q", in, got, want)
		}
	}
}

func TestRegisterClasses(t *testing.T) {
	for _, r := range Scratch {
		if !IsScratch(r) {
			t.Errorf("IsScratch(%s) = false", Name(r))
		}
		if IsArgument(r) || IsCalleeSaved(r) {
			t.Errorf("scratch register %s overlaps argument/callee-saved set", Name(r))
		}
	}
	if len(CalleeSaved()) != 13 {
		t.Errorf("len(CalleeSaved()) = %d; want 13", len(CalleeSaved()))
	}
	if !IsArgument(A7) || IsArgument(S2) {
		t.Errorf("IsArgument misclassifies a7/s2")
	}
	if MaxChecks+CheckFailureBase > MaxExitCode {
		t.Errorf("failure codes overflow exit code range")
	}
}
