package simtest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"asmtest/pkg/arch"
)

// Venus fopen permission modes.
var openFlags = map[uint32]int{
	0: os.O_RDONLY,
	1: os.O_WRONLY | os.O_CREATE | os.O_TRUNC,
	2: os.O_WRONLY | os.O_CREATE | os.O_APPEND,
	3: os.O_RDWR,
	4: os.O_RDWR | os.O_CREATE | os.O_TRUNC,
	5: os.O_RDWR | os.O_CREATE | os.O_APPEND,
}

type openFile struct {
	f   *os.File
	eof bool
	err bool
}

type fileTable struct {
	next  uint32
	files map[uint32]*openFile
}

func newFileTable() *fileTable {
	return &fileTable{next: 3, files: make(map[uint32]*openFile)}
}

func (t *fileTable) open(path string, flags int) (uint32, error) {
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return 0, err
	}
	fd := t.next
	t.next++
	t.files[fd] = &openFile{f: f}
	return fd, nil
}

func (t *fileTable) closeAll() {
	for fd, of := range t.files {
		of.f.Close()
		delete(t.files, fd)
	}
}

const (
	minusOne    = ^uint32(0)
	maxTransfer = 1 << 24
)

// readString reads a NUL-terminated string, bounded to keep a missing
// terminator from walking all of memory.
func (m *Machine) readString(addr uint32) (string, error) {
	var buf []byte
	for i := uint32(0); i < 1<<16; i++ {
		if err := m.checkAddr(addr+i, 1); err != nil {
			return "", err
		}
		c := m.Read8(addr + i)
		if c == 0 {
			return string(buf), nil
		}
		buf = append(buf, c)
	}
	return "", m.fault("unterminated string at 0x%08x", addr)
}

func (m *Machine) ecall() error {
	a1 := m.Regs[arch.A1]
	a2 := m.Regs[arch.A2]
	a3 := m.Regs[arch.A0+3]
	a4 := m.Regs[arch.A0+4]
	out := m.outputSink()

	switch m.Regs[arch.A0] {
	case arch.EcallPrintInt:
		fmt.Fprint(out, int32(a1))
	case arch.EcallPrintString:
		s, err := m.readString(a1)
		if err != nil {
			return err
		}
		io.WriteString(out, s)
	case arch.EcallPrintChar:
		out.Write([]byte{byte(a1)})
	case arch.EcallPrintHex:
		fmt.Fprintf(out, "0x%08x", a1)

	case arch.EcallSbrk:
		old := m.brk
		m.brk += a1
		m.Regs[arch.A0] = old
	case arch.EcallExit:
		m.ExitCode = 0
		m.Halted = true
	case arch.EcallExit2:
		m.ExitCode = int(a1 & 0xFF)
		m.Halted = true

	case arch.EcallFopen:
		name, err := m.readString(a1)
		if err != nil {
			return err
		}
		flags, ok := openFlags[a2]
		if !ok {
			m.Regs[arch.A0] = minusOne
			break
		}
		if !filepath.IsAbs(name) && m.Dir != "" {
			name = filepath.Join(m.Dir, name)
		}
		fd, err := m.files.open(name, flags)
		if err != nil {
			m.Regs[arch.A0] = minusOne
			break
		}
		m.Regs[arch.A0] = fd
	case arch.EcallFread:
		of := m.files.files[a1]
		if of == nil {
			m.Regs[arch.A0] = minusOne
			break
		}
		if a3 > maxTransfer {
			return m.fault("fread of %d bytes exceeds the %d byte limit", a3, maxTransfer)
		}
		if a3 > 0 {
			if err := m.checkAddr(a2, a3); err != nil {
				return err
			}
		}
		buf := make([]byte, a3)
		n, err := io.ReadFull(of.f, buf)
		for i := 0; i < n; i++ {
			m.Write8(a2+uint32(i), buf[i])
		}
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			of.eof = true
		case err != nil:
			of.err = true
			m.Regs[arch.A0] = minusOne
			return nil
		}
		m.Regs[arch.A0] = uint32(n)
	case arch.EcallFwrite:
		of := m.files.files[a1]
		if of == nil {
			m.Regs[arch.A0] = minusOne
			break
		}
		size := uint64(a3) * uint64(a4)
		if size > maxTransfer {
			return m.fault("fwrite of %d bytes exceeds the %d byte limit", size, maxTransfer)
		}
		if size > 0 {
			if err := m.checkAddr(a2, uint32(size)); err != nil {
				return err
			}
		}
		buf := make([]byte, size)
		for i := range buf {
			buf[i] = m.Read8(a2 + uint32(i))
		}
		n, err := of.f.Write(buf)
		if err != nil {
			of.err = true
		}
		if a4 == 0 {
			m.Regs[arch.A0] = 0
		} else {
			m.Regs[arch.A0] = uint32(n) / a4
		}
	case arch.EcallFclose:
		of := m.files.files[a1]
		if of == nil {
			m.Regs[arch.A0] = minusOne
			break
		}
		delete(m.files.files, a1)
		if err := of.f.Close(); err != nil {
			m.Regs[arch.A0] = minusOne
			break
		}
		m.Regs[arch.A0] = 0
	case arch.EcallFflush:
		of := m.files.files[a1]
		if of == nil || of.f.Sync() != nil {
			m.Regs[arch.A0] = minusOne
			break
		}
		m.Regs[arch.A0] = 0
	case arch.EcallFeof:
		of := m.files.files[a1]
		m.Regs[arch.A0] = boolWord(of != nil && of.eof)
	case arch.EcallFerror:
		of := m.files.files[a1]
		m.Regs[arch.A0] = boolWord(of == nil || of.err)

	default:
		return m.fault("unknown environment call %d", m.Regs[arch.A0])
	}
	return nil
}
