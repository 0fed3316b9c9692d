package virtioblk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/rvboot/internal/mem"
	"github.com/tinyrange/rvboot/internal/memzone"
)

// fakeDevice wraps mem.Bytes and, on a write to its QUEUE_NOTIFY register,
// synchronously services the pending request by walking the descriptor
// chain and copying from a backing disk image — standing in for the real
// qemu-virt device this driver was written against.
type fakeDevice struct {
	*mem.Bytes
	mmioBase  uint64
	disk      []byte
	version   uint32
	failStatus bool
}

func newFakeDevice(size int, mmioBase uint64, version uint32, disk []byte) *fakeDevice {
	b := mem.NewBytes(size)
	f := &fakeDevice{Bytes: b, mmioBase: mmioBase, disk: disk, version: version}

	reg := mem.At(b, mmioBase)
	reg.Write32(regMagicValue, magicValue)
	reg.Write32(regVersion, version)
	reg.Write32(regDeviceID, deviceIDBlock)
	reg.Write32(regVendorID, vendorIDQEMU)
	reg.Write32(regQueueNumMax, QueueDepth)
	return f
}

func (f *fakeDevice) WriteAt(p []byte, off int64) (int, error) {
	n, err := f.Bytes.WriteAt(p, off)
	if err == nil && off == int64(f.mmioBase+regQueueNotify) {
		f.service()
	}
	return n, err
}

func (f *fakeDevice) service() {
	reg := mem.At(f.Bytes, f.mmioBase)

	var descAddr, availAddr, usedAddr uint64
	{
		lo := reg.Read32(regQueueDescLow)
		hi := reg.Read32(regQueueDescHigh)
		descAddr = uint64(hi)<<32 | uint64(lo)
		lo = reg.Read32(regQueueDriverLow)
		hi = reg.Read32(regQueueDriverHigh)
		availAddr = uint64(hi)<<32 | uint64(lo)
		lo = reg.Read32(regQueueDeviceLow)
		hi = reg.Read32(regQueueDeviceHigh)
		usedAddr = uint64(hi)<<32 | uint64(lo)
	}

	var availHdr [4]byte
	f.Bytes.ReadAt(availHdr[:], int64(availAddr))
	availIdx := binary.LittleEndian.Uint16(availHdr[2:4])
	if availIdx == 0 {
		return
	}
	slot := availIdx - 1

	var headBuf [2]byte
	f.Bytes.ReadAt(headBuf[:], int64(availAddr)+4+int64(slot%QueueDepth)*2)
	head := binary.LittleEndian.Uint16(headBuf[:])

	readDesc := func(idx uint16) (addr uint64, length uint32, flags, next uint16) {
		var buf [descSize]byte
		f.Bytes.ReadAt(buf[:], int64(descAddr)+int64(idx)*descSize)
		addr = binary.LittleEndian.Uint64(buf[0:8])
		length = binary.LittleEndian.Uint32(buf[8:12])
		flags = binary.LittleEndian.Uint16(buf[12:14])
		next = binary.LittleEndian.Uint16(buf[14:16])
		return
	}

	hdrAddr, _, hdrFlags, mid := readDesc(head)
	if hdrFlags&descFNext == 0 {
		return
	}
	var req [requestHeaderSize]byte
	f.Bytes.ReadAt(req[:], int64(hdrAddr))
	sector := binary.LittleEndian.Uint64(req[8:16])

	dataAddr, dataLen, dataFlags, tail := readDesc(mid)
	_ = dataFlags
	statusAddr, _, _, _ := readDesc(tail)

	if f.failStatus {
		f.Bytes.WriteAt([]byte{1}, int64(statusAddr))
	} else {
		off := int(sector) * sectorSize
		f.Bytes.WriteAt(f.disk[off:off+int(dataLen)], int64(dataAddr))
		f.Bytes.WriteAt([]byte{0}, int64(statusAddr))
	}

	usedSlot := uint16(0)
	{
		var uh [4]byte
		f.Bytes.ReadAt(uh[:], int64(usedAddr))
		usedSlot = binary.LittleEndian.Uint16(uh[2:4])
	}
	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], dataLen)
	f.Bytes.WriteAt(elem[:], int64(usedAddr)+4+int64(usedSlot%QueueDepth)*8)

	var newIdx [2]byte
	binary.LittleEndian.PutUint16(newIdx[:], usedSlot+1)
	f.Bytes.WriteAt(newIdx[:], int64(usedAddr)+2)
}

func makeDisk(sectors int) []byte {
	disk := make([]byte, sectors*sectorSize)
	for i := range disk {
		disk[i] = byte(i % 251)
	}
	return disk
}

func TestProbeFindsDevice(t *testing.T) {
	f := newFakeDevice(0x10000, 0x1000, 2, makeDisk(4))
	base, err := Probe(f, []uint64{0x0, 0x1000, 0x2000})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if base != 0x1000 {
		t.Fatalf("got base 0x%x, want 0x1000", base)
	}
}

func TestProbeNoDeviceFound(t *testing.T) {
	f := mem.NewBytes(0x10000)
	_, err := Probe(f, []uint64{0x0, 0x1000})
	if err == nil {
		t.Fatal("expected error when no device present")
	}
}

func TestProbeRejectsWrongVendorID(t *testing.T) {
	b := mem.NewBytes(0x10000)
	reg := mem.At(b, 0x1000)
	reg.Write32(regMagicValue, magicValue)
	reg.Write32(regVersion, 2)
	reg.Write32(regDeviceID, deviceIDBlock)
	reg.Write32(regVendorID, 0x1AF4) // real virtio-pci vendor ID, not QEMU's

	if _, err := Probe(b, []uint64{0x1000}); err == nil {
		t.Fatal("expected error for a device with the wrong vendor ID")
	}
}

func TestInitRejectsSmallQueueMax(t *testing.T) {
	f := newFakeDevice(0x10000, 0x1000, 2, makeDisk(4))
	mem.At(f.Bytes, 0x1000).Write32(regQueueNumMax, QueueDepth-1)

	zone := memzone.Zone{Base: 0x4000, Size: 0x1000}
	d := New(f, 0x1000, zone)
	if err := d.Init(); err == nil {
		t.Fatal("expected error for undersized queue max")
	}
}

func TestInitAndReadSyncVersion2(t *testing.T) {
	disk := makeDisk(4)
	f := newFakeDevice(0x10000, 0x1000, 2, disk)
	zone := memzone.Zone{Base: 0x4000, Size: 0x1000}
	scratch := memzone.Zone{Base: 0x7000, Size: 0x100}
	d := New(f, 0x1000, zone)

	if err := d.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	dest := uint64(0x8000)
	if err := d.ReadSync(f, scratch, 0, dest, sectorSize); err != nil {
		t.Fatalf("ReadSync: %v", err)
	}

	var got [sectorSize]byte
	f.ReadAt(got[:], int64(dest))
	if !bytes.Equal(got[:], disk[:sectorSize]) {
		t.Fatal("read data does not match disk contents")
	}
}

func TestInitAndReadSyncVersion1SkipsFeatureNegotiation(t *testing.T) {
	disk := makeDisk(4)
	f := newFakeDevice(0x10000, 0x1000, 1, disk)
	zone := memzone.Zone{Base: 0x4000, Size: 0x1000}
	scratch := memzone.Zone{Base: 0x7000, Size: 0x100}
	d := New(f, 0x1000, zone)

	if err := d.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	dest := uint64(0x8000)
	if err := d.ReadSync(f, scratch, 1, dest, sectorSize); err != nil {
		t.Fatalf("ReadSync: %v", err)
	}
	var got [sectorSize]byte
	f.ReadAt(got[:], int64(dest))
	if !bytes.Equal(got[:], disk[sectorSize:2*sectorSize]) {
		t.Fatal("read data does not match disk contents for sector 1")
	}
}

func TestReadSyncRejectsNonSectorMultiple(t *testing.T) {
	f := newFakeDevice(0x10000, 0x1000, 2, makeDisk(4))
	zone := memzone.Zone{Base: 0x4000, Size: 0x1000}
	scratch := memzone.Zone{Base: 0x7000, Size: 0x100}
	d := New(f, 0x1000, zone)
	if err := d.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := d.ReadSync(f, scratch, 0, 0x8000, 100); err == nil {
		t.Fatal("expected error for non-sector-multiple length")
	}
}

func TestReadSyncPropagatesDeviceFailureStatus(t *testing.T) {
	f := newFakeDevice(0x10000, 0x1000, 2, makeDisk(4))
	f.failStatus = true
	zone := memzone.Zone{Base: 0x4000, Size: 0x1000}
	scratch := memzone.Zone{Base: 0x7000, Size: 0x100}
	d := New(f, 0x1000, zone)
	if err := d.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := d.ReadSync(f, scratch, 0, 0x8000, sectorSize); err == nil {
		t.Fatal("expected error for device-reported failure status")
	}
}

func TestReadSyncRejectsFullQueue(t *testing.T) {
	f := newFakeDevice(0x10000, 0x1000, 2, makeDisk(4))
	zone := memzone.Zone{Base: 0x4000, Size: 0x1000}
	scratch := memzone.Zone{Base: 0x7000, Size: 0x100}
	d := New(f, 0x1000, zone)
	if err := d.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	// Simulate the avail ring already having QueueDepth unconsumed entries
	// published ahead of local_used_idx, with no free slot for a new one.
	d.ring.setAvailIdx(d.ring.lastUsedIdx + QueueDepth)

	if err := d.ReadSync(f, scratch, 0, 0x8000, sectorSize); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("ReadSync = %v, want ErrQueueFull", err)
	}
}

func TestReadSyncResetsWrappedAvailIdx(t *testing.T) {
	disk := makeDisk(4)
	f := newFakeDevice(0x10000, 0x1000, 2, disk)
	zone := memzone.Zone{Base: 0x4000, Size: 0x1000}
	scratch := memzone.Zone{Base: 0x7000, Size: 0x100}
	d := New(f, 0x1000, zone)
	if err := d.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	dest := uint64(0x8000)
	if err := d.ReadSync(f, scratch, 0, dest, sectorSize); err != nil {
		t.Fatalf("first ReadSync: %v", err)
	}

	// Simulate wrap corruption: avail.idx has fallen behind local_used_idx
	// (both are 1 at this point, having just completed one request).
	d.ring.setAvailIdx(0)

	if err := d.ReadSync(f, scratch, 1, dest, sectorSize); err != nil {
		t.Fatalf("second ReadSync after avail.idx corruption: %v", err)
	}

	var got [sectorSize]byte
	f.ReadAt(got[:], int64(dest))
	if !bytes.Equal(got[:], disk[sectorSize:2*sectorSize]) {
		t.Fatal("read data does not match disk contents after avail.idx reset")
	}
}

func TestAlloc3ExhaustionRollsBack(t *testing.T) {
	d := &Device{free: []uint16{0, 1}}
	_, _, _, ok := d.alloc3()
	if ok {
		t.Fatal("expected alloc3 to fail with only 2 free descriptors")
	}
	if len(d.free) != 2 {
		t.Fatalf("expected free list untouched on failed alloc3, got %d", len(d.free))
	}
}

func TestDumpStatusIncludesVersion(t *testing.T) {
	f := newFakeDevice(0x10000, 0x1000, 2, makeDisk(4))
	zone := memzone.Zone{Base: 0x4000, Size: 0x1000}
	d := New(f, 0x1000, zone)
	if err := d.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	var buf bytes.Buffer
	d.DumpStatus(&buf)
	if buf.Len() == 0 {
		t.Fatal("expected non-empty status dump")
	}
}
