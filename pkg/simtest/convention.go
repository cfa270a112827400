package simtest

import (
	"fmt"

	"asmtest/pkg/arch"
	"asmtest/pkg/sim"
)

type frame struct {
	callee string
	ret    uint32
	saved  [arch.NumRegs]uint32
}

// convention tracks calls made with jal/jalr ra and checks on the matching
// return that every callee-saved register holds its value from the call.
type convention struct {
	frames []frame
}

func (c *convention) call(m *Machine, target, ret uint32) {
	name, ok := m.names[target]
	if !ok {
		name = fmt.Sprintf("0x%08x", target)
	}
	c.frames = append(c.frames, frame{callee: name, ret: ret, saved: m.Regs})
}

func (c *convention) ret(m *Machine, target uint32) {
	// unwind frames skipped by tail calls or non-local exits
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].ret != target {
			continue
		}
		f := c.frames[i]
		c.frames = c.frames[:i]
		for _, r := range arch.CalleeSaved() {
			if m.Regs[r] != f.saved[r] {
				fmt.Fprintf(m.errorSink(),
					"%s: (PC=0x%08X) Register %s was not restored by %s: 0x%08x at call, 0x%08x at return\n",
					sim.ViolationPrefix, m.PC, arch.Name(r), f.callee, f.saved[r], m.Regs[r])
			}
		}
		return
	}
}
