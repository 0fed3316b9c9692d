package virtioblk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/rvboot/internal/mem"
	"github.com/tinyrange/rvboot/internal/memzone"
)

// Sentinel causes, distinguishable with errors.Is, so a caller like
// bootseq.Run can record the right bootrecovery.Code for each distinct
// failure instead of collapsing every Init error into one code.
var (
	ErrFeatureNegotiationFailed = errors.New("virtioblk: device rejected feature set")
	ErrQueueTooSmall            = errors.New("virtioblk: queue max size below required depth")
	ErrQueueFull                = errors.New("virtioblk: avail ring has no room for a new request")
)

// Request types understood by VIRTIO_BLK_T_*. Only IN (read) is exercised
// by this loader; OUT and FLUSH are declared for DumpStatus/debug
// completeness and for a harness that wants to exercise write paths.
const (
	ReqTypeIn    = 0
	ReqTypeOut   = 1
	ReqTypeFlush = 4
)

const (
	requestHeaderSize = 16 // type(u32) + reserved(u32) + sector(u64)
	sectorSize        = 512
)

// spinTimeout bounds the busy-wait in ReadSync, matching the original
// loader's fixed iteration budget rather than a wall-clock timer — there is
// no timer hardware programmed yet this early in boot.
const spinTimeout = 10_000_000

// Fence is the memory-ordering barrier the driver issues around every
// avail-ring publish and used-ring read. It is a package variable instead
// of a plain function call so tests can observe exactly when ordering
// matters without needing real RISC-V fence instructions; production
// callers leave it at its default no-op (Go's memory model already orders
// these same-goroutine reads/writes, the fence exists to document the
// protocol boundary a real driver — including this one, once it runs
// standalone on bare metal — must not reorder across).
var Fence = func() {}

// Device drives a single virtio-mmio block device already discovered at a
// known MMIO base address.
type Device struct {
	regs    mmioRegs
	version uint32
	ring    *ring
	free    []uint16 // free descriptor indices, LIFO
}

// Probe scans candidate MMIO base addresses for a virtio-mmio block
// device, checking magic, a supported transport version, vendor ID, and
// device ID in that order — mirroring the original loader's probe loop
// over 0x10001000..0x10008000 in steps of 0x1000.
func Probe(m mem.GuestMemory, bases []uint64) (uint64, error) {
	for _, base := range bases {
		r := newMMIORegs(m, base)
		if r.magic() != magicValue {
			continue
		}
		v := r.version()
		if v != 1 && v != 2 {
			continue
		}
		if r.vendorID() != vendorIDQEMU {
			continue
		}
		if r.deviceID() != deviceIDBlock {
			continue
		}
		return base, nil
	}
	return 0, fmt.Errorf("virtioblk: no block device found among %d candidate addresses", len(bases))
}

// DefaultProbeAddresses returns the scan range the original loader used:
// 0x10001000 through 0x10008000 inclusive, in 0x1000 strides.
func DefaultProbeAddresses() []uint64 {
	var addrs []uint64
	for base := uint64(0x1000_1000); base <= 0x1000_8000; base += 0x1000 {
		addrs = append(addrs, base)
	}
	return addrs
}

// New constructs a Device bound to the virtio-mmio device at base, using
// dmaZone for its descriptor table and rings. It does not touch the device
// until Init is called.
func New(m mem.GuestMemory, base uint64, dmaZone memzone.Zone) *Device {
	return &Device{
		regs: newMMIORegs(m, base),
		ring: newRing(m, dmaZone.Base, QueueDepth),
	}
}

// ringSpan is the number of bytes the descriptor table, avail ring, and
// used ring occupy within a DMA zone: three pages, one per structure.
const ringSpan = 0x3000

// RequestScratch returns the sub-region of dmaZone reserved for a
// request's header and status-byte scratch space — the bytes just past
// the descriptor table and rings, so a caller wiring up ReadSync never
// accidentally aliases its scratch writes onto live ring state.
func RequestScratch(dmaZone memzone.Zone) memzone.Zone {
	return memzone.Zone{
		Name: dmaZone.Name + "-scratch",
		Base: dmaZone.Base + ringSpan,
		Size: dmaZone.Size - ringSpan,
		Prot: dmaZone.Prot,
	}
}

// Init performs the virtio-mmio device initialization sequence: reset,
// ACKNOWLEDGE, DRIVER, feature negotiation (version 2 only — version 1
// devices tolerate skipping FEATURES_OK entirely), queue 0 setup, and
// DRIVER_OK. It returns an error without leaving DRIVER_OK set on any
// failure.
func (d *Device) Init() error {
	d.version = d.regs.version()

	d.regs.setStatus(0) // reset
	d.regs.orStatus(statusAcknowledge)
	d.regs.orStatus(statusDriver)

	if d.version == 2 {
		features := d.regs.deviceFeatures(0) &^ unwantedFeatureMask()
		d.regs.setDriverFeatures(0, features)
		d.regs.setDriverFeatures(1, 0)
		d.regs.orStatus(statusFeaturesOK)
		if d.regs.status()&statusFeaturesOK == 0 {
			d.regs.setStatus(statusFailed)
			return ErrFeatureNegotiationFailed
		}
	}

	d.regs.selectQueue(0)
	maxQueue := d.regs.queueNumMax()
	if maxQueue < QueueDepth {
		d.regs.setStatus(statusFailed)
		return fmt.Errorf("%w: %d < %d", ErrQueueTooSmall, maxQueue, QueueDepth)
	}
	d.regs.setQueueNum(QueueDepth)
	d.ring.zeroRings()
	d.regs.setQueueDesc(d.ring.descAddr)
	d.regs.setQueueDriver(d.ring.availAddr)
	d.regs.setQueueDevice(d.ring.usedAddr)
	d.regs.setQueueReady(true)

	d.regs.orStatus(statusDriverOK)

	d.free = make([]uint16, QueueDepth)
	for i := range d.free {
		d.free[i] = uint16(i)
	}

	return nil
}

// alloc3 removes three descriptor indices from the free list for a
// request's header/data/status chain, rolling back (leaving the free list
// untouched) if fewer than three are available.
func (d *Device) alloc3() (head, mid, tail uint16, ok bool) {
	if len(d.free) < 3 {
		return 0, 0, 0, false
	}
	n := len(d.free)
	head, mid, tail = d.free[n-1], d.free[n-2], d.free[n-3]
	d.free = d.free[:n-3]
	return head, mid, tail, true
}

func (d *Device) freeDesc(indices ...uint16) {
	d.free = append(d.free, indices...)
}

// ReadSync issues a single synchronous sector read: VIRTIO_BLK_T_IN for
// sector, landing length bytes (a nonzero multiple of 512) at destAddr in
// guest memory. headerZone holds only the request header and status byte
// scratch space; it may safely be reused across calls since each call
// completes before the next begins. It is the only I/O primitive this
// driver exposes — there is no async completion queue, matching the
// original loader's single-request-at-a-time design.
func (d *Device) ReadSync(m mem.GuestMemory, headerZone memzone.Zone, sector uint64, destAddr uint64, length uint32) error {
	if length%sectorSize != 0 || length == 0 {
		return fmt.Errorf("virtioblk: read length %d is not a nonzero multiple of sector size %d", length, sectorSize)
	}
	head, mid, tail, ok := d.alloc3()
	if !ok {
		return fmt.Errorf("virtioblk: descriptor ring exhausted (free=%d, need 3)", len(d.free))
	}

	headerAddr := headerZone.Base
	statusAddr := headerZone.Base + requestHeaderSize

	var hdr [requestHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], ReqTypeIn)
	binary.LittleEndian.PutUint32(hdr[4:8], 0)
	binary.LittleEndian.PutUint64(hdr[8:16], sector)
	if _, err := m.WriteAt(hdr[:], int64(headerAddr)); err != nil {
		d.freeDesc(head, mid, tail)
		return fmt.Errorf("virtioblk: writing request header: %w", err)
	}
	if _, err := m.WriteAt([]byte{0xFF}, int64(statusAddr)); err != nil {
		d.freeDesc(head, mid, tail)
		return fmt.Errorf("virtioblk: priming status byte: %w", err)
	}

	d.ring.writeDescriptor(head, headerAddr, requestHeaderSize, descFNext, mid)
	d.ring.writeDescriptor(mid, destAddr, length, descFNext|descFWrite, tail)
	d.ring.writeDescriptor(tail, statusAddr, 1, descFWrite, 0)

	if err := d.ring.checkWindow(d.ring.lastUsedIdx); err != nil {
		d.freeDesc(head, mid, tail)
		return err
	}

	Fence()
	d.ring.pushAvail(head)
	Fence()
	d.regs.notify(0)

	startUsed := d.ring.lastUsedIdx
	attempts := 0
	for d.ring.usedIdx() == startUsed {
		Fence()
		attempts++
		if attempts >= spinTimeout {
			d.freeDesc(head, mid, tail)
			return fmt.Errorf("virtioblk: read from sector %d timed out after %d polls", sector, spinTimeout)
		}
	}
	Fence()

	completedHead := d.ring.usedElemHead(startUsed)
	d.ring.lastUsedIdx++
	if completedHead != head {
		d.freeDesc(head, mid, tail)
		return fmt.Errorf("virtioblk: used ring returned head %d, expected %d (ring corruption)", completedHead, head)
	}

	var status [1]byte
	if _, err := m.ReadAt(status[:], int64(statusAddr)); err != nil {
		d.freeDesc(head, mid, tail)
		return fmt.Errorf("virtioblk: reading completion status: %w", err)
	}
	if status[0] != 0 {
		d.freeDesc(head, mid, tail)
		return fmt.Errorf("virtioblk: device reported nonzero status %d for sector %d", status[0], sector)
	}

	d.freeDesc(head, mid, tail)
	return nil
}

// DumpStatus writes a human-readable snapshot of the device's status
// register and queue state to w — a supplemental debug aid with no effect
// on the boot sequence, grounded on the original loader's status dump.
func (d *Device) DumpStatus(w io.Writer) {
	status := d.regs.status()
	fmt.Fprintf(w, "virtioblk: version=%d status=0x%02x (ack=%v driver=%v featuresOK=%v driverOK=%v failed=%v) free_descs=%d\n",
		d.version, status,
		status&statusAcknowledge != 0,
		status&statusDriver != 0,
		status&statusFeaturesOK != 0,
		status&statusDriverOK != 0,
		status&statusFailed != 0,
		len(d.free),
	)
}
