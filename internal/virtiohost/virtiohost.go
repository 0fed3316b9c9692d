// Package virtiohost implements the far side of the wire protocol
// internal/virtioblk drives: a virtio-mmio block device backed by a real
// disk image file. internal/virtioblk only ever plays the driver role
// (produce avail, consume used); something has to play the device role
// (consume avail, produce used) so the stage2run harness can exercise the
// full boot sequence against an actual flat disk image instead of a VM.
//
// It is grounded on the teacher's device-side virtio-blk implementation
// (internal/devices/virtio/blk.go's Blk.processRequestQueue/processRequest/
// executeRequest), adapted from the teacher's hv.Device/queue abstraction —
// built for a real hypervisor's exit-handling loop — down to the same flat
// MMIO-register-plus-ring layout internal/virtioblk speaks directly, with
// bootdisk.Image standing in for the teacher's os.File-backed block device.
package virtiohost

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/rvboot/internal/bootdisk"
	"github.com/tinyrange/rvboot/internal/mem"
)

// MMIO register offsets, matching internal/virtioblk's driver side exactly
// — both ends of one wire protocol.
const (
	regMagicValue      = 0x000
	regVersion         = 0x004
	regDeviceID        = 0x008
	regVendorID        = 0x00C
	regQueueNumMax     = 0x034
	regQueueReady      = 0x044
	regQueueNotify     = 0x050
	regStatus          = 0x070
	regQueueDescLow    = 0x080
	regQueueDescHigh   = 0x084
	regQueueDriverLow  = 0x090
	regQueueDriverHigh = 0x094
	regQueueDeviceLow  = 0x0A0
	regQueueDeviceHigh = 0x0A4
)

const (
	magicValue    = 0x74726976 // "virt"
	deviceIDBlock = 2
	vendorID      = 0x554D4551 // "QEMU", matching internal/virtioblk's probe check
)

const (
	descFNext  = 1 << 0
	descFWrite = 1 << 1
	descSize   = 16
)

// Request types and status codes, identical to the virtio-blk spec values
// the teacher's Blk device used.
const (
	reqTypeIn    = 0
	reqTypeOut   = 1
	reqTypeFlush = 4
)

const (
	statusOK     = 0
	statusIOErr  = 1
	statusUnsupp = 2
)

const requestHeaderSize = 16

// Device is a virtio-mmio block device backed by disk, wired into guest
// address space at base. It wraps mem.GuestMemory so a caller can hand it
// straight to bootseq.Config.Memory: ordinary reads and writes pass
// through untouched, and a write to the QUEUE_NOTIFY register triggers a
// synchronous service of whatever request the driver just published.
type Device struct {
	mem.GuestMemory
	base       uint64
	queueDepth uint16
	disk       *bootdisk.Image
	lastErr    error
}

// New returns a Device servicing requests against disk, appearing to the
// guest as a virtio-mmio block device at base with the given queue depth.
func New(m mem.GuestMemory, base uint64, queueDepth uint16, disk *bootdisk.Image) *Device {
	d := &Device{GuestMemory: m, base: base, queueDepth: queueDepth, disk: disk}
	reg := mem.At(m, base)
	reg.Write32(regMagicValue, magicValue)
	reg.Write32(regVersion, 2)
	reg.Write32(regDeviceID, deviceIDBlock)
	reg.Write32(regVendorID, vendorID)
	reg.Write32(regQueueNumMax, uint32(queueDepth))
	return d
}

// LastError returns the most recent host-side I/O failure service()
// encountered, if any — the guest only ever sees a status byte, this is
// for the harness's own diagnostics.
func (d *Device) LastError() error { return d.lastErr }

func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	n, err := d.GuestMemory.WriteAt(p, off)
	if err == nil && off == int64(d.base+regQueueNotify) {
		d.service()
	}
	return n, err
}

func (d *Device) reg() mem.Reg { return mem.At(d.GuestMemory, d.base) }

// service drains exactly one newly-published avail entry and completes it,
// mirroring internal/virtioblk's one-request-at-a-time driver: there is
// never more than one request in flight, so there is never more than one
// to service.
func (d *Device) service() {
	descAddr := d.readAddr(regQueueDescLow, regQueueDescHigh)
	availAddr := d.readAddr(regQueueDriverLow, regQueueDriverHigh)
	usedAddr := d.readAddr(regQueueDeviceLow, regQueueDeviceHigh)

	availIdx := d.readU16(availAddr + 2)
	if availIdx == 0 {
		return
	}
	slot := (availIdx - 1) % d.queueDepth
	head := d.readU16(availAddr + 4 + uint64(slot)*2)

	_, bytesWritten := d.processRequest(descAddr, head)

	usedIdx := d.readU16(usedAddr + 2)
	usedSlot := usedIdx % d.queueDepth
	d.writeU32(usedAddr+4+uint64(usedSlot)*8, uint32(head))
	d.writeU32(usedAddr+4+uint64(usedSlot)*8+4, bytesWritten)
	d.writeU16(usedAddr+2, usedIdx+1)
}

// processRequest walks the descriptor chain starting at head: a read-only
// header descriptor, zero or more data descriptors, and a write-only
// status descriptor — the same three-part shape
// internal/virtioblk.Device.ReadSync always produces. It returns the
// status byte written and the number of bytes it wrote into data
// descriptors (the used-ring element's length field).
func (d *Device) processRequest(descAddr uint64, head uint16) (status byte, written uint32) {
	idx := head
	var reqType, reservedSector uint32
	var sector uint64
	var dataDescs []descriptor
	var statusAddr uint64
	haveHeader := false

	for i := uint16(0); i < d.queueDepth; i++ {
		addr, length, flags, next := d.readDescriptor(descAddr, idx)
		switch {
		case !haveHeader:
			hdr := d.readBytes(addr, requestHeaderSize)
			reqType = binary.LittleEndian.Uint32(hdr[0:4])
			reservedSector = binary.LittleEndian.Uint32(hdr[4:8])
			sector = binary.LittleEndian.Uint64(hdr[8:16])
			haveHeader = true
		case flags&descFNext == 0:
			statusAddr = addr
		default:
			dataDescs = append(dataDescs, descriptor{addr: addr, length: length, flags: flags})
		}
		if flags&descFNext == 0 {
			break
		}
		idx = next
	}
	_ = reservedSector

	status = d.execute(reqType, sector, dataDescs)
	d.writeBytes(statusAddr, []byte{status})

	for _, dd := range dataDescs {
		written += dd.length
	}
	return status, written
}

type descriptor struct {
	addr   uint64
	length uint32
	flags  uint16
}

func (d *Device) execute(reqType uint32, sector uint64, dataDescs []descriptor) byte {
	offset := int64(sector) * bootdisk.SectorSize

	switch reqType {
	case reqTypeIn:
		for _, desc := range dataDescs {
			if desc.flags&descFWrite == 0 {
				d.lastErr = fmt.Errorf("virtiohost: read request has a non-writable data descriptor")
				return statusIOErr
			}
			buf := make([]byte, desc.length)
			sectors := uint64(desc.length) / bootdisk.SectorSize
			if uint64(desc.length)%bootdisk.SectorSize == 0 && sectors > 0 {
				if err := d.disk.ReadSectors(sector, sectors, buf); err != nil {
					d.lastErr = fmt.Errorf("virtiohost: %w", err)
					return statusIOErr
				}
			} else if err := d.readPartial(offset, buf); err != nil {
				d.lastErr = fmt.Errorf("virtiohost: %w", err)
				return statusIOErr
			}
			d.writeBytes(desc.addr, buf)
			offset += int64(desc.length)
			sector += sectors
		}
		return statusOK

	case reqTypeOut:
		d.lastErr = fmt.Errorf("virtiohost: write requests are not supported")
		return statusUnsupp

	case reqTypeFlush:
		return statusOK

	default:
		return statusUnsupp
	}
}

// readPartial reads length(buf) bytes starting at a raw byte offset,
// falling back from the sector-aligned ReadSectors fast path for a
// request whose data descriptor isn't itself a whole number of sectors.
func (d *Device) readPartial(offset int64, buf []byte) error {
	sector := uint64(offset) / bootdisk.SectorSize
	sectorOff := offset - int64(sector)*bootdisk.SectorSize
	count := (uint64(len(buf)) + uint64(sectorOff) + bootdisk.SectorSize - 1) / bootdisk.SectorSize
	scratch := make([]byte, count*bootdisk.SectorSize)
	if err := d.disk.ReadSectors(sector, count, scratch); err != nil {
		return err
	}
	copy(buf, scratch[sectorOff:])
	return nil
}

func (d *Device) readAddr(lowOff, highOff uint32) uint64 {
	r := d.reg()
	lo := r.Read32(lowOff)
	hi := r.Read32(highOff)
	return uint64(hi)<<32 | uint64(lo)
}

func (d *Device) readDescriptor(descAddr uint64, idx uint16) (addr uint64, length uint32, flags, next uint16) {
	buf := d.readBytes(descAddr+uint64(idx)*descSize, descSize)
	addr = binary.LittleEndian.Uint64(buf[0:8])
	length = binary.LittleEndian.Uint32(buf[8:12])
	flags = binary.LittleEndian.Uint16(buf[12:14])
	next = binary.LittleEndian.Uint16(buf[14:16])
	return
}

func (d *Device) readBytes(addr uint64, n int) []byte {
	buf := make([]byte, n)
	d.GuestMemory.ReadAt(buf, int64(addr))
	return buf
}

func (d *Device) writeBytes(addr uint64, p []byte) {
	d.GuestMemory.WriteAt(p, int64(addr))
}

func (d *Device) readU16(addr uint64) uint16 {
	return binary.LittleEndian.Uint16(d.readBytes(addr, 2))
}

func (d *Device) writeU16(addr uint64, v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	d.writeBytes(addr, buf[:])
}

func (d *Device) writeU32(addr uint64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	d.writeBytes(addr, buf[:])
}
