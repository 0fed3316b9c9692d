// Package virtioblk implements the stage-2 loader's virtio-mmio block
// driver (C5): a polled, split-queue driver for a single virtio-blk device,
// built the way the original loader's C driver was built — no interrupts,
// no DMA mapping layer, one in-flight request at a time. It is grounded on
// the teacher's virtio-mmio register offsets and ring layout
// (internal/devices/virtio/{mmio,queue}.go), adapted from the teacher's
// device-side (consumes avail, produces used) to the driver side this
// loader needs (produces avail, consumes used).
package virtioblk

import "github.com/tinyrange/rvboot/internal/mem"

// MMIO register offsets, identical across every virtio-mmio transport
// version this driver supports.
const (
	regMagicValue       = 0x000
	regVersion          = 0x004
	regDeviceID         = 0x008
	regVendorID         = 0x00C
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regQueueSel         = 0x030
	regQueueNumMax      = 0x034
	regQueueNum         = 0x038
	regQueueReady       = 0x044
	regQueueNotify      = 0x050
	regInterruptStatus  = 0x060
	regInterruptACK     = 0x064
	regStatus           = 0x070
	regQueueDescLow     = 0x080
	regQueueDescHigh    = 0x084
	regQueueDriverLow   = 0x090 // avail ring
	regQueueDriverHigh  = 0x094
	regQueueDeviceLow   = 0x0A0 // used ring
	regQueueDeviceHigh  = 0x0A4
)

const (
	magicValue    = 0x74726976 // "virt"
	vendorIDQEMU  = 0x554D4551 // "QEMU"
	deviceIDBlock = 2
)

// Status register bits.
const (
	statusAcknowledge     = 1 << 0
	statusDriver          = 1 << 1
	statusDriverOK        = 1 << 2
	statusFeaturesOK      = 1 << 3
	statusDeviceNeedsReset = 1 << 6
	statusFailed          = 1 << 7
)

// Feature bits this driver refuses to negotiate: read-only media, the SCSI
// passthrough command set, cache write-enable, multiqueue, any-layout,
// event-index suppression, and indirect descriptors — none of which a
// single-request polling driver has any use for.
const (
	featRO           = 1 << 5
	featSCSI         = 1 << 7
	featConfigWCE    = 1 << 11
	featMQ           = 1 << 12
	featAnyLayout    = 1 << 27
	featRingEventIdx = 1 << 29
	featRingIndirect = 1 << 28
)

func unwantedFeatureMask() uint32 {
	return featRO | featSCSI | featConfigWCE | featMQ | featAnyLayout | featRingEventIdx | featRingIndirect
}

type mmioRegs struct {
	reg mem.Reg
}

func newMMIORegs(m mem.GuestMemory, base uint64) mmioRegs {
	return mmioRegs{reg: mem.At(m, base)}
}

func (r mmioRegs) magic() uint32    { return r.reg.Read32(regMagicValue) }
func (r mmioRegs) version() uint32  { return r.reg.Read32(regVersion) }
func (r mmioRegs) deviceID() uint32 { return r.reg.Read32(regDeviceID) }
func (r mmioRegs) vendorID() uint32 { return r.reg.Read32(regVendorID) }

func (r mmioRegs) status() uint32          { return r.reg.Read32(regStatus) }
func (r mmioRegs) setStatus(v uint32)      { r.reg.Write32(regStatus, v) }
func (r mmioRegs) orStatus(bits uint32) {
	r.reg.Write32(regStatus, r.reg.Read32(regStatus)|bits)
}

func (r mmioRegs) selectQueue(idx uint32) { r.reg.Write32(regQueueSel, idx) }
func (r mmioRegs) queueNumMax() uint32    { return r.reg.Read32(regQueueNumMax) }
func (r mmioRegs) setQueueNum(n uint32)   { r.reg.Write32(regQueueNum, n) }
func (r mmioRegs) setQueueReady(ready bool) {
	v := uint32(0)
	if ready {
		v = 1
	}
	r.reg.Write32(regQueueReady, v)
}

func (r mmioRegs) setQueueDesc(addr uint64) {
	r.reg.Write32(regQueueDescLow, uint32(addr))
	r.reg.Write32(regQueueDescHigh, uint32(addr>>32))
}

func (r mmioRegs) setQueueDriver(addr uint64) {
	r.reg.Write32(regQueueDriverLow, uint32(addr))
	r.reg.Write32(regQueueDriverHigh, uint32(addr>>32))
}

func (r mmioRegs) setQueueDevice(addr uint64) {
	r.reg.Write32(regQueueDeviceLow, uint32(addr))
	r.reg.Write32(regQueueDeviceHigh, uint32(addr>>32))
}

func (r mmioRegs) deviceFeatures(selector uint32) uint32 {
	r.reg.Write32(regDeviceFeaturesSel, selector)
	return r.reg.Read32(regDeviceFeatures)
}

func (r mmioRegs) setDriverFeatures(selector, value uint32) {
	r.reg.Write32(regDriverFeaturesSel, selector)
	r.reg.Write32(regDriverFeatures, value)
}

func (r mmioRegs) notify(queue uint32) { r.reg.Write32(regQueueNotify, queue) }
