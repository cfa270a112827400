package sim

import (
	"fmt"
	"strings"

	"github.com/dchest/siphash"
)

const maxNameLen = 96

// fixed keys keep file names stable across runs
const (
	nameKey0 = 0x6173_6d74_6573_7430
	nameKey1 = 0x7072_6f67_7261_6d73
)

// sanitize maps a test name to a file-name-safe stem: path separators and
// anything outside [A-Za-z0-9._-] become '_'.
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := strings.Trim(b.String(), ".")
	if s == "" {
		s = "program"
	}
	return s
}

func nameHash(name string) string {
	return fmt.Sprintf("%016x", siphash.Hash(nameKey0, nameKey1, []byte(name)))[:8]
}

// plain reports whether sanitize maps name to itself up to the path
// separators it replaces. No two plain names share a stem, and a stem with
// a hash suffix always contains an underscore, so Stem is injective apart
// from hash collisions.
func plain(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '/':
		default:
			return false
		}
	}
	return true
}

// Stem returns the file-name stem for test name. It depends on name alone:
// "TestDot/simple" becomes "TestDot_simple", while a name that sanitizing
// would alter some other way, such as "TestDot simple", also gets a hash
// suffix.
func Stem(name string) string {
	s := sanitize(name)
	switch {
	case len(s) > maxNameLen:
		return s[:maxNameLen] + "_" + nameHash(name)
	case !plain(name):
		return s + "_" + nameHash(name)
	}
	return s
}
