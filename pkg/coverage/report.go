package coverage

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Report is the coverage summary of one unit.
type Report struct {
	Unit    string
	Covered int
	Total   int
	Percent float64
	// Missing lists the executable lines never reached, ascending.
	Missing []int
	Source  string
}

const (
	ansiRed   = "\x1b[31m"
	ansiGreen = "\x1b[32m"
	ansiReset = "\x1b[0m"
)

// IsTerminal reports whether w is a terminal, the only case where the
// report is coloured.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Write prints the summary line and the uncovered lines: as ranges, or
// with verbose one per line with its source text.
func (r *Report) Write(w io.Writer, verbose bool) error {
	return r.write(w, verbose, IsTerminal(w))
}

func (r *Report) write(w io.Writer, verbose, color bool) error {
	bw := bufio.NewWriter(w)
	paint := func(code, s string) string {
		if !color {
			return s
		}
		return code + s + ansiReset
	}
	pct := fmt.Sprintf("%.1f%%", r.Percent)
	if r.Covered == r.Total {
		pct = paint(ansiGreen, pct)
	} else {
		pct = paint(ansiRed, pct)
	}
	fmt.Fprintf(bw, "%s: %s covered (%d/%d lines)\n", r.Unit, pct, r.Covered, r.Total)
	if len(r.Missing) > 0 {
		if verbose {
			src := strings.Split(r.Source, "\n")
			for _, l := range r.Missing {
				text := ""
				if l-1 < len(src) {
					text = strings.TrimSpace(src[l-1])
				}
				fmt.Fprintf(bw, "  %s: %s\n", paint(ansiRed, fmt.Sprint(l)), text)
			}
		} else {
			fmt.Fprintf(bw, "  missing: %s\n", Ranges(r.Missing))
		}
	}
	return bw.Flush()
}

func (r *Report) String() string {
	var b strings.Builder
	r.write(&b, false, false)
	return strings.TrimSuffix(b.String(), "\n")
}

// Ranges renders ascending line numbers compactly, e.g. "3, 7-9".
func Ranges(lines []int) string {
	var parts []string
	for i := 0; i < len(lines); {
		j := i
		for j+1 < len(lines) && lines[j+1] == lines[j]+1 {
			j++
		}
		if j == i {
			parts = append(parts, fmt.Sprint(lines[i]))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", lines[i], lines[j]))
		}
		i = j + 1
	}
	return strings.Join(parts, ", ")
}
