package virtioblk

import (
	"encoding/binary"

	"github.com/tinyrange/rvboot/internal/mem"
)

// QueueDepth is the fixed split-queue size this driver negotiates. The
// original loader used 8 descriptors — enough for one in-flight
// request (header + data + status) with headroom, never more than one
// request outstanding at a time.
const QueueDepth = 8

// Descriptor flags.
const (
	descFNext  = 1 << 0
	descFWrite = 1 << 1
)

const descSize = 16 // addr(8) + len(4) + flags(2) + next(2)

// ring lays out the three virtio split-queue structures inside a single
// DMA zone: descriptor table at +0x0, avail ring at +0x1000, used ring at
// +0x2000 — the same fixed offsets the original loader used, chosen to
// keep each structure on its own page.
type ring struct {
	mem        mem.GuestMemory
	descAddr   uint64
	availAddr  uint64
	usedAddr   uint64
	size       uint16
	lastUsedIdx uint16
}

func newRing(m mem.GuestMemory, dmaBase uint64, size uint16) *ring {
	return &ring{
		mem:       m,
		descAddr:  dmaBase + 0x0000,
		availAddr: dmaBase + 0x1000,
		usedAddr:  dmaBase + 0x2000,
		size:      size,
	}
}

func (r *ring) writeDescriptor(idx uint16, addr uint64, length uint32, flags uint16, next uint16) {
	var buf [descSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)
	off := int64(r.descAddr) + int64(idx)*descSize
	_, _ = r.mem.WriteAt(buf[:], off)
}

// pushAvail publishes head as the next available descriptor chain and
// bumps avail.idx. The caller must call Fence before and after per the
// virtio ordering contract: the descriptor chain must be visible to the
// device before avail.idx advances, and the idx write must be visible
// before QUEUE_NOTIFY is rung.
func (r *ring) pushAvail(head uint16) {
	idx := r.availIdx()
	ringOff := int64(r.availAddr) + 4 + int64(idx%r.size)*2
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], head)
	_, _ = r.mem.WriteAt(buf[:], ringOff)

	var idxBuf [2]byte
	binary.LittleEndian.PutUint16(idxBuf[:], idx+1)
	_, _ = r.mem.WriteAt(idxBuf[:], int64(r.availAddr)+2)
}

func (r *ring) availIdx() uint16 {
	var buf [2]byte
	_, _ = r.mem.ReadAt(buf[:], int64(r.availAddr)+2)
	return binary.LittleEndian.Uint16(buf[:])
}

func (r *ring) setAvailIdx(idx uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], idx)
	_, _ = r.mem.WriteAt(buf[:], int64(r.availAddr)+2)
}

// checkWindow guards against a corrupted or overrun avail ring before a new
// request is published: if avail.idx has fallen behind localUsedIdx (wrap
// corruption), it is reset to localUsedIdx; if the gap between them has
// reached the ring's depth, there is no free slot and ErrQueueFull is
// returned.
func (r *ring) checkWindow(localUsedIdx uint16) error {
	idx := r.availIdx()
	if idx < localUsedIdx {
		r.setAvailIdx(localUsedIdx)
		idx = localUsedIdx
	}
	if idx-localUsedIdx >= r.size {
		return ErrQueueFull
	}
	return nil
}

func (r *ring) usedIdx() uint16 {
	var buf [2]byte
	_, _ = r.mem.ReadAt(buf[:], int64(r.usedAddr)+2)
	return binary.LittleEndian.Uint16(buf[:])
}

// usedElemHead reads the used-ring entry at slot (usedIdx % size), returning
// the descriptor head it refers to.
func (r *ring) usedElemHead(slot uint16) uint16 {
	off := int64(r.usedAddr) + 4 + int64(slot%r.size)*8
	var buf [4]byte
	_, _ = r.mem.ReadAt(buf[:], off)
	return uint16(binary.LittleEndian.Uint32(buf[:]))
}

// zeroRings clears the avail and used ring headers (flags + idx) so a
// fresh init never inherits stale indices from a previous scenario run.
func (r *ring) zeroRings() {
	var zero [4]byte
	_, _ = r.mem.WriteAt(zero[:], int64(r.availAddr))
	_, _ = r.mem.WriteAt(zero[:], int64(r.usedAddr))
}
