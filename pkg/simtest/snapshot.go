package simtest

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"asmtest/pkg/arch"
	"asmtest/pkg/sim"
)

// State captures registers, symbols and every touched page of memory.
// Adjacent pages are merged into one region.
func (m *Machine) State() *sim.State {
	s := &sim.State{
		PC:        m.PC,
		Registers: make(map[string]uint32, arch.NumRegs),
		Symbols:   maps.Clone(m.prog.Symbols),
	}
	for i, v := range m.Regs {
		s.Registers[arch.Name(i)] = v
	}
	if s.Symbols == nil {
		s.Symbols = map[string]uint32{}
	}

	bases := maps.Keys(m.mem)
	slices.Sort(bases)
	for _, base := range bases {
		page := m.mem[base]
		if n := len(s.Memory); n > 0 {
			last := &s.Memory[n-1]
			if uint64(last.Base)+uint64(len(last.Data)) == uint64(base) {
				last.Data = append(last.Data, page...)
				continue
			}
		}
		s.Memory = append(s.Memory, sim.Region{Base: base, Data: slices.Clone(page)})
	}
	return s
}

// Coverage reports an execution count for every instruction line of the
// program, attributed to file.
func (m *Machine) Coverage(file string) []sim.LineHit {
	seen := make(map[int]bool, len(m.prog.SourceMap))
	var lines []int
	for _, line := range m.prog.SourceMap {
		if !seen[line] {
			seen[line] = true
			lines = append(lines, line)
		}
	}
	slices.Sort(lines)
	hits := make([]sim.LineHit, len(lines))
	for i, line := range lines {
		hits[i] = sim.LineHit{File: file, Line: line, Count: m.hits[line]}
	}
	return hits
}
