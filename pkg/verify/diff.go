package verify

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// LineDiff renders a line-oriented diff of want and got: "-" lines are
// expected but missing, "+" lines were printed but not expected.
func LineDiff(want, got string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(want, got)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out strings.Builder
	out.WriteString("--- expected\n+++ actual\n")
	for _, d := range diffs {
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		}
		text := d.Text
		noEOL := !strings.HasSuffix(text, "\n")
		for _, l := range strings.SplitAfter(text, "\n") {
			if l == "" {
				continue
			}
			out.WriteString(prefix)
			out.WriteString(strings.TrimSuffix(l, "\n"))
			out.WriteByte('\n')
		}
		if noEOL && d.Type != diffmatchpatch.DiffEqual {
			out.WriteString("\\ no newline at end\n")
		}
	}
	return strings.TrimSuffix(out.String(), "\n")
}
