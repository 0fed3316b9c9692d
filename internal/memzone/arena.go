package memzone

import "github.com/tinyrange/rvboot/internal/mem"

// Arena is a bump allocator over a single Zone. It never frees; the loader
// is a single-shot program and the only "deallocation" is process exit.
// Alloc rounds every request up to an 8-byte stride, AllocPage up to a
// 4096-byte page, matching the teacher's alignUp-before-bump discipline in
// its MMIO address-space allocator.
type Arena struct {
	zone   Zone
	offset uint64
}

// NewArena creates a bump allocator carving offsets out of z, starting at
// z.Base.
func NewArena(z Zone) *Arena {
	return &Arena{zone: z}
}

// Zone returns the zone this arena allocates from.
func (a *Arena) Zone() Zone { return a.zone }

// Used returns the number of bytes bumped so far.
func (a *Arena) Used() uint64 { return a.offset }

// Remaining returns the number of bytes left before the arena is exhausted.
func (a *Arena) Remaining() uint64 { return a.zone.Size - a.offset }

func alignUp(value, align uint64) uint64 {
	return (value + align - 1) &^ (align - 1)
}

// Alloc reserves size bytes, 8-byte aligned, and returns the physical
// address of the reservation. It returns ok=false without advancing the
// arena if the zone is exhausted.
func (a *Arena) Alloc(size uint64) (addr uint64, ok bool) {
	return a.allocAligned(size, 8)
}

// AllocPage reserves size bytes, 4096-byte aligned.
func (a *Arena) AllocPage(size uint64) (addr uint64, ok bool) {
	return a.allocAligned(size, 4096)
}

func (a *Arena) allocAligned(size, align uint64) (uint64, bool) {
	start := alignUp(a.offset, align)
	if start+size > a.zone.Size {
		return 0, false
	}
	a.offset = start + size
	return a.zone.Base + start, true
}

// Reset rewinds the arena to empty. Used by tests and by the harness
// between scenario runs; the real loader never calls it.
func (a *Arena) Reset() { a.offset = 0 }

// ZeroFill writes size zero bytes at addr through m — used after AllocPage
// when a caller needs a clean page and cannot rely on the backing memory
// already being zeroed (a real guest's RAM is, but the harness's synthetic
// image may carry stale bytes from a previous scenario).
func ZeroFill(m mem.GuestMemory, addr, size uint64) error {
	const chunk = 4096
	buf := make([]byte, chunk)
	for remaining := size; remaining > 0; {
		n := uint64(chunk)
		if remaining < n {
			n = remaining
		}
		if _, err := m.WriteAt(buf[:n], int64(addr)); err != nil {
			return err
		}
		addr += n
		remaining -= n
	}
	return nil
}
