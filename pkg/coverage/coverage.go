// Package coverage accumulates line coverage of assembly units across the
// runs of one suite and reports which executable lines were never reached.
//
// A Tracker is owned by whoever owns the suite lifecycle. Each unit moves
// through Uninitialized, Accumulating and Reported; Reset returns it to
// Uninitialized so the next suite starts from nothing.
package coverage

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"asmtest/pkg/asm"
	"asmtest/pkg/sim"
	"asmtest/pkg/synth"
)

// State is the lifecycle state of one unit's record.
type State int

const (
	Uninitialized State = iota
	Accumulating
	Reported
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Accumulating:
		return "accumulating"
	case Reported:
		return "reported"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Fingerprint identifies a version of a unit's source.
func Fingerprint(source string) string {
	sum := blake2b.Sum256([]byte(source))
	return hex.EncodeToString(sum[:16])
}

type record struct {
	unit        string
	fingerprint string
	source      string
	lines       []int
	hits        map[int]int
	state       State
}

// Tracker holds one record per unit. It is safe for concurrent use, but
// the lifecycle it models is sequential.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*record
	// pending holds records loaded from disk until their unit begins.
	pending map[string]savedRecord
}

func NewTracker() *Tracker {
	return &Tracker{
		records: make(map[string]*record),
		pending: make(map[string]savedRecord),
	}
}

// Begin starts accumulating for unit. It is a no-op for a unit that is
// already accumulating the same source; a changed source starts over.
func (t *Tracker) Begin(unit, source string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.begin(unit, source)
	return err
}

func (t *Tracker) begin(unit, source string) (*record, error) {
	fp := Fingerprint(source)
	if r, ok := t.records[unit]; ok && r.state == Accumulating && r.fingerprint == fp {
		return r, nil
	}
	lines, err := asm.ExecutableLines(source)
	if err != nil {
		return nil, fmt.Errorf("coverage of %s: %w", unit, err)
	}
	r := &record{
		unit:        unit,
		fingerprint: fp,
		source:      source,
		lines:       lines,
		hits:        make(map[int]int),
		state:       Accumulating,
	}
	if saved, ok := t.pending[unit]; ok {
		delete(t.pending, unit)
		if saved.Fingerprint == fp {
			for line, n := range saved.Hits {
				r.hits[line] += n
			}
		}
	}
	t.records[unit] = r
	return r, nil
}

// Record adds the hits of one run of prog. Lines of the generated program
// are mapped back to the unit they were copied from; hits reported against
// a unit's own file name count directly. Harness lines are ignored. Units
// of prog that have not begun are begun with prog's copy of their source.
func (t *Tracker) Record(prog *synth.Program, res *sim.Result) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range res.Coverage {
		if h.Count <= 0 {
			continue
		}
		unit, line := filepath.Base(h.File), h.Line
		if _, direct := prog.Sources[unit]; !direct || sameFile(h.File, res.ProgramFile) {
			var ok bool
			if unit, line, ok = prog.Locate(h.Line); !ok {
				continue
			}
		}
		r := t.records[unit]
		if r == nil || r.state != Accumulating {
			var err error
			if r, err = t.begin(unit, prog.Sources[unit]); err != nil {
				return err
			}
		}
		r.hits[line] += h.Count
	}
	return nil
}

// sameFile reports whether a and b name the same path.
func sameFile(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	aa, err := filepath.Abs(a)
	if err != nil {
		return false
	}
	bb, err := filepath.Abs(b)
	return err == nil && aa == bb
}

// State reports where unit is in its lifecycle.
func (t *Tracker) State(unit string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[unit]; ok {
		return r.state
	}
	return Uninitialized
}

// Units lists the units with a record, sorted.
func (t *Tracker) Units() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	units := maps.Keys(t.records)
	slices.Sort(units)
	return units
}

// Hits returns a copy of the per-line execution counts of unit.
func (t *Tracker) Hits(unit string) map[int]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[unit]; ok {
		return maps.Clone(r.hits)
	}
	return nil
}

// Report summarizes unit and marks it reported.
func (t *Tracker) Report(unit string) (*Report, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[unit]
	if !ok {
		return nil, fmt.Errorf("no coverage recorded for %s", unit)
	}
	r.state = Reported
	rep := &Report{
		Unit:   unit,
		Total:  len(r.lines),
		Source: r.source,
	}
	for _, l := range r.lines {
		if r.hits[l] > 0 {
			rep.Covered++
		} else {
			rep.Missing = append(rep.Missing, l)
		}
	}
	if rep.Total == 0 {
		rep.Percent = 100
	} else {
		rep.Percent = 100 * float64(rep.Covered) / float64(rep.Total)
	}
	return rep, nil
}

// Reset discards unit's record.
func (t *Tracker) Reset(unit string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, unit)
}
