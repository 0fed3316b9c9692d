package mem

import "encoding/binary"

// Reg is the one path to a memory-mapped device register: a physical base
// address plus a byte offset, read or written as a fixed-width little-endian
// integer through GuestMemory. Generic memory helpers never alias MMIO —
// every register access in this tree goes through Reg.
type Reg struct {
	Mem  GuestMemory
	Base uint64
}

// At returns a register accessor for base+offset.
func At(m GuestMemory, base uint64) Reg {
	return Reg{Mem: m, Base: base}
}

func (r Reg) Read32(offset uint32) uint32 {
	var buf [4]byte
	_, _ = r.Mem.ReadAt(buf[:], int64(r.Base+uint64(offset)))
	return binary.LittleEndian.Uint32(buf[:])
}

func (r Reg) Write32(offset uint32, value uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	_, _ = r.Mem.WriteAt(buf[:], int64(r.Base+uint64(offset)))
}

func (r Reg) Read64(offset uint32) uint64 {
	var buf [8]byte
	_, _ = r.Mem.ReadAt(buf[:], int64(r.Base+uint64(offset)))
	return binary.LittleEndian.Uint64(buf[:])
}

func (r Reg) Write64(offset uint32, value uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	_, _ = r.Mem.WriteAt(buf[:], int64(r.Base+uint64(offset)))
}

func (r Reg) Read16(offset uint32) uint16 {
	var buf [2]byte
	_, _ = r.Mem.ReadAt(buf[:], int64(r.Base+uint64(offset)))
	return binary.LittleEndian.Uint16(buf[:])
}

func (r Reg) Write16(offset uint32, value uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	_, _ = r.Mem.WriteAt(buf[:], int64(r.Base+uint64(offset)))
}

func (r Reg) Read8(offset uint32) uint8 {
	var buf [1]byte
	_, _ = r.Mem.ReadAt(buf[:], int64(r.Base+uint64(offset)))
	return buf[0]
}

func (r Reg) Write8(offset uint32, value uint8) {
	buf := [1]byte{value}
	_, _ = r.Mem.WriteAt(buf[:], int64(r.Base+uint64(offset)))
}
