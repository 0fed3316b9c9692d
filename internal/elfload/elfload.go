// Package elfload implements the stage-2 loader's kernel image loader
// (C6): a two-pass ELF64 loader that plans the load before touching guest
// memory, then materializes each PT_LOAD segment and zeroes its BSS tail.
// It is grounded on the teacher's debug/elf-based kernel loader
// (internal/linux/boot/amd64/elf.go): same stdlib parser, same
// plan-then-copy shape, adapted from x86_64's SetupHeader/e820 world to a
// bare physical-address RISC-V64 placement with no boot protocol header.
package elfload

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/rvboot/internal/mem"
)

// ExpectedMachine is the e_machine value this loader accepts. The spec
// calls this field out as 0xF3 (EM_RISCV), independent of debug/elf's own
// constant name.
const ExpectedMachine = 0xF3

// Sentinel causes, distinguishable with errors.Is, so a caller like
// bootseq.Run can record the right bootrecovery.Code for each distinct
// failure instead of collapsing every PlanFile error into one code.
var (
	ErrBadMagic           = errors.New("elfload: malformed ELF header")
	ErrBadMachine         = errors.New("elfload: unsupported machine")
	ErrInvalidPhnum       = errors.New("elfload: phnum outside accepted range")
	ErrSegmentOutOfBounds = errors.New("elfload: segment out of bounds")
	ErrNoLoadSegments     = errors.New("elfload: kernel has no loadable segments")
)

const (
	minPhnum = 1
	maxPhnum = 16
)

// Segment is one PT_LOAD program header, planned but not yet copied.
type Segment struct {
	PhysAddr uint64
	FileSize uint64
	MemSize  uint64
	FileOff  int64
}

// Plan is the result of the loader's first pass: where the kernel will
// land and what segments make it up, computed entirely from the ELF
// headers without reading a single byte of segment data.
type Plan struct {
	Entry    uint64
	LoadBase uint64
	LoadSize uint64
	Segments []Segment
}

// BSSSize returns the total number of bytes across all segments that lie
// within MemSize but past FileSize — the zero-fill tail.
func (p Plan) BSSSize() uint64 {
	var total uint64
	for _, s := range p.Segments {
		total += s.MemSize - s.FileSize
	}
	return total
}

// PlanFile parses kernel's ELF headers and computes a Plan without copying any
// segment data, validating the machine type and program-header count
// up front so a malformed image fails before any guest memory is touched.
func PlanFile(kernel io.ReaderAt) (*Plan, error) {
	f, err := elf.NewFile(kernel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMagic, err)
	}
	defer f.Close()

	if uint16(f.Machine) != ExpectedMachine {
		return nil, fmt.Errorf("%w: got %#x want %#x", ErrBadMachine, f.Machine, ExpectedMachine)
	}
	if len(f.Progs) < minPhnum || len(f.Progs) > maxPhnum {
		return nil, fmt.Errorf("%w: phnum %d outside [%d, %d]", ErrInvalidPhnum, len(f.Progs), minPhnum, maxPhnum)
	}

	var segments []Segment
	var minAddr, maxAddr uint64
	first := true
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("%w: segment @%#x file size %#x exceeds mem size %#x", ErrSegmentOutOfBounds, prog.Paddr, prog.Filesz, prog.Memsz)
		}
		seg := Segment{
			PhysAddr: prog.Paddr,
			FileSize: prog.Filesz,
			MemSize:  prog.Memsz,
			FileOff:  int64(prog.Off),
		}
		segments = append(segments, seg)

		if first || prog.Paddr < minAddr {
			minAddr = prog.Paddr
		}
		if end := prog.Paddr + prog.Memsz; first || end > maxAddr {
			maxAddr = end
		}
		first = false
	}

	if len(segments) == 0 {
		return nil, ErrNoLoadSegments
	}
	if f.Entry < minAddr || f.Entry >= maxAddr {
		return nil, fmt.Errorf("%w: entry %#x outside loaded span [%#x, %#x)", ErrSegmentOutOfBounds, f.Entry, minAddr, maxAddr)
	}

	return &Plan{
		Entry:    f.Entry,
		LoadBase: minAddr,
		LoadSize: maxAddr - minAddr,
		Segments: segments,
	}, nil
}

// Materialize copies each planned segment's file bytes into dst at its
// physical address, then zeroes the BSS tail (MemSize - FileSize bytes
// past FileSize). It does not validate that the plan's span fits within
// any particular zone — callers check that against their memzone.Layout
// before calling.
func (p *Plan) Materialize(kernel io.ReaderAt, dst mem.GuestMemory) error {
	for _, seg := range p.Segments {
		if seg.FileSize > 0 {
			buf := make([]byte, seg.FileSize)
			if _, err := kernel.ReadAt(buf, seg.FileOff); err != nil && err != io.EOF {
				return fmt.Errorf("elfload: reading segment @%#x: %w", seg.PhysAddr, err)
			}
			if _, err := dst.WriteAt(buf, int64(seg.PhysAddr)); err != nil {
				return fmt.Errorf("elfload: writing segment @%#x: %w", seg.PhysAddr, err)
			}
		}
		if bssLen := seg.MemSize - seg.FileSize; bssLen > 0 {
			if err := zero(dst, seg.PhysAddr+seg.FileSize, bssLen); err != nil {
				return fmt.Errorf("elfload: zeroing bss @%#x: %w", seg.PhysAddr+seg.FileSize, err)
			}
		}
	}
	return nil
}

func zero(dst mem.GuestMemory, addr, size uint64) error {
	const chunk = 4096
	buf := make([]byte, chunk)
	for remaining := size; remaining > 0; {
		n := uint64(chunk)
		if remaining < n {
			n = remaining
		}
		if _, err := dst.WriteAt(buf[:n], int64(addr)); err != nil {
			return err
		}
		addr += n
		remaining -= n
	}
	return nil
}
